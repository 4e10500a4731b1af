package rwkv

import (
	"fmt"

	"github.com/samcharles93/rwkv/internal/tensor"
	"github.com/samcharles93/rwkv/pkg/rwkvfile"
)

// layer holds one block's parameters plus, during graph construction, the
// tensors carrying its five recurrent state parts.
type layer struct {
	ln1Weight *tensor.Tensor
	ln1Bias   *tensor.Tensor

	// Time-mix, called "attention" by the model author.
	attTimeMixK   *tensor.Tensor
	attTimeMixV   *tensor.Tensor
	attTimeMixR   *tensor.Tensor
	attTimeFirst  *tensor.Tensor
	attTimeDecay  *tensor.Tensor
	attKey        *tensor.Tensor
	attValue      *tensor.Tensor
	attReceptance *tensor.Tensor
	attOutput     *tensor.Tensor

	ln2Weight *tensor.Tensor
	ln2Bias   *tensor.Tensor

	// Channel-mix.
	ffnTimeMixK   *tensor.Tensor
	ffnTimeMixR   *tensor.Tensor
	ffnKey        *tensor.Tensor
	ffnValue      *tensor.Tensor
	ffnReceptance *tensor.Tensor

	// State parts: previous pre-mix inputs, log-sum-exp accumulators,
	// running log-scale.
	ffnXX *tensor.Tensor
	attXX *tensor.Tensor
	attAA *tensor.Tensor
	attBB *tensor.Tensor
	attPP *tensor.Tensor
}

type model struct {
	header rwkvfile.Header

	emb *tensor.Tensor

	ln0Weight *tensor.Tensor
	ln0Bias   *tensor.Tensor

	layers []layer

	lnOutWeight *tensor.Tensor
	lnOutBias   *tensor.Tensor

	head *tensor.Tensor
}

// setParams walks the fixed parameter schedule and assigns each named
// tensor into its slot. bind returns the tensor for a key or an error
// when the key is absent.
func (m *model) setParams(bind func(key string) (*tensor.Tensor, error)) error {
	set := func(key string, dst **tensor.Tensor) error {
		t, err := bind(key)
		if err != nil {
			return err
		}
		*dst = t
		return nil
	}

	if err := set("emb.weight", &m.emb); err != nil {
		return err
	}
	if err := set("blocks.0.ln0.weight", &m.ln0Weight); err != nil {
		return err
	}
	if err := set("blocks.0.ln0.bias", &m.ln0Bias); err != nil {
		return err
	}

	m.layers = make([]layer, m.header.NLayer)
	for i := range m.layers {
		l := &m.layers[i]
		prefix := fmt.Sprintf("blocks.%d.", i)
		for _, p := range []struct {
			suffix string
			dst    **tensor.Tensor
		}{
			{"ln1.weight", &l.ln1Weight},
			{"ln1.bias", &l.ln1Bias},
			{"att.time_mix_k", &l.attTimeMixK},
			{"att.time_mix_v", &l.attTimeMixV},
			{"att.time_mix_r", &l.attTimeMixR},
			{"att.time_first", &l.attTimeFirst},
			{"att.time_decay", &l.attTimeDecay},
			{"att.key.weight", &l.attKey},
			{"att.value.weight", &l.attValue},
			{"att.receptance.weight", &l.attReceptance},
			{"att.output.weight", &l.attOutput},
			{"ln2.weight", &l.ln2Weight},
			{"ln2.bias", &l.ln2Bias},
			{"ffn.time_mix_k", &l.ffnTimeMixK},
			{"ffn.time_mix_r", &l.ffnTimeMixR},
			{"ffn.key.weight", &l.ffnKey},
			{"ffn.value.weight", &l.ffnValue},
			{"ffn.receptance.weight", &l.ffnReceptance},
		} {
			if err := set(prefix+p.suffix, p.dst); err != nil {
				return err
			}
		}
	}

	if err := set("ln_out.weight", &m.lnOutWeight); err != nil {
		return err
	}
	if err := set("ln_out.bias", &m.lnOutBias); err != nil {
		return err
	}
	return set("head.weight", &m.head)
}
