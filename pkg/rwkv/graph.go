package rwkv

import (
	"math"

	"github.com/samcharles93/rwkv/internal/tensor"
)

// Element-wise callbacks handed to the backend's map ops. Everything the
// recurrence needs beyond the backend's built-in op set lives here.

func expImpl(dst, src []float32) {
	for i, v := range src {
		dst[i] = float32(math.Exp(float64(v)))
	}
}

func oneMinusImpl(dst, src []float32) {
	for i, v := range src {
		dst[i] = 1 - v
	}
}

func sigmoidImpl(dst, src []float32) {
	for i, v := range src {
		dst[i] = float32(1 / (1 + math.Exp(float64(-v))))
	}
}

func maxImpl(dst, a, b []float32) {
	for i := range dst {
		dst[i] = max(a[i], b[i])
	}
}

// layerNorm is (x-mean)/sqrt(var+1e-5) * weight + bias. The backend norm
// does the normalization; only the affine part is applied here.
func layerNorm(g *tensor.Graph, x, weight, bias *tensor.Tensor) *tensor.Tensor {
	return g.AddInplace(g.Mul(g.Norm(x), weight), bias)
}

// graph is the single-step forward graph reused across Eval calls. Only
// tokenIndex and inputState contents change between steps.
type graph struct {
	inputState  *tensor.Tensor
	outputState []*tensor.Tensor
	tokenIndex  *tensor.Tensor
	logits      *tensor.Tensor
	g           *tensor.Graph
}

// singleAtt appends one layer's time-mix substep. The layer's state
// fields are replaced with the tensors holding the next-step values.
func singleAtt(g *tensor.Graph, x *tensor.Tensor, l *layer) *tensor.Tensor {
	x0 := layerNorm(g, x, l.ln1Weight, l.ln1Bias)

	// xk = x0*time_mix_k + att_xx*(1-time_mix_k), likewise xv and xr.
	xk := g.AddInplace(
		g.Mul(x0, l.attTimeMixK),
		g.Mul(l.attXX, g.MapUnary(oneMinusImpl, l.attTimeMixK)),
	)
	xv := g.AddInplace(
		g.Mul(x0, l.attTimeMixV),
		g.Mul(l.attXX, g.MapUnary(oneMinusImpl, l.attTimeMixV)),
	)
	xr := g.AddInplace(
		g.Mul(x0, l.attTimeMixR),
		g.Mul(l.attXX, g.MapUnary(oneMinusImpl, l.attTimeMixR)),
	)

	r := g.MapUnary(sigmoidImpl, g.MulMat(l.attReceptance, xr))
	k := g.MulMat(l.attKey, xk)
	v := g.MulMat(l.attValue, xv)

	// Log-sum-exp accumulation: subtracting qq = max(pp, ww) before
	// exponentiation keeps aa, bb, pp finite over arbitrary context
	// lengths.
	ww := g.Add(l.attTimeFirst, k)
	qq := g.MapBinary(maxImpl, l.attPP, ww)
	e1 := g.MapUnary(expImpl, g.Sub(l.attPP, qq))
	e2 := g.MapUnary(expImpl, g.Sub(ww, qq))

	a := g.AddInplace(g.Mul(e1, l.attAA), g.Mul(e2, v))
	b := g.AddInplace(g.Mul(e1, l.attBB), e2)

	// Next-step accumulators use time_decay instead of time_first.
	ww = g.Add(l.attPP, l.attTimeDecay)
	qq = g.MapBinary(maxImpl, ww, k)
	e1 = g.MapUnary(expImpl, g.Sub(ww, qq))
	e2 = g.MapUnary(expImpl, g.Sub(k, qq))

	l.attXX = x0
	l.attAA = g.AddInplace(g.Mul(e1, l.attAA), g.Mul(e2, v))
	l.attBB = g.AddInplace(g.Mul(e1, l.attBB), e2)
	l.attPP = qq

	wkv := g.Div(a, b)

	return g.AddInplace(x, g.MulMat(l.attOutput, g.Mul(r, wkv)))
}

// singleFFN appends one layer's channel-mix substep.
func singleFFN(g *tensor.Graph, x *tensor.Tensor, l *layer) *tensor.Tensor {
	x0 := layerNorm(g, x, l.ln2Weight, l.ln2Bias)

	xk := g.AddInplace(
		g.Mul(x0, l.ffnTimeMixK),
		g.Mul(l.ffnXX, g.MapUnary(oneMinusImpl, l.ffnTimeMixK)),
	)
	xr := g.AddInplace(
		g.Mul(x0, l.ffnTimeMixR),
		g.Mul(l.ffnXX, g.MapUnary(oneMinusImpl, l.ffnTimeMixR)),
	)

	l.ffnXX = x0

	r := g.MapUnary(sigmoidImpl, g.MulMat(l.ffnReceptance, xr))

	// k = relu(Wk*xk)^2
	k := g.Sqr(g.Relu(g.MulMat(l.ffnKey, xk)))

	return g.AddInplace(x, g.Mul(r, g.MulMat(l.ffnValue, k)))
}

// buildGraph constructs the full single-step graph: embedding gather,
// input norm, every layer's two substeps over 1-D state views, final norm
// and output projection. The per-layer state outputs are collected so the
// evaluator can copy them out after each run.
func buildGraph(tc *tensor.Context, m *model, nThreads int) (*graph, error) {
	g := tensor.NewGraph(tc, nThreads)

	nEmbed := int64(m.header.NEmbed)
	nLayer := int64(m.header.NLayer)

	inputState, err := tc.NewTensor1D(tensor.F32, nLayer*5*nEmbed)
	if err != nil {
		return nil, err
	}
	tokenIndex, err := tc.NewTensor1D(tensor.I32, 1)
	if err != nil {
		return nil, err
	}

	outputState := make([]*tensor.Tensor, nLayer*5)
	partBytes := nEmbed * 4

	x := g.GetRows(m.emb, tokenIndex)
	x = layerNorm(g, x, m.ln0Weight, m.ln0Bias)

	for i := int64(0); i < nLayer; i++ {
		l := m.layers[i]

		stateIndex := i * 5
		parts := [5]**tensor.Tensor{&l.ffnXX, &l.attXX, &l.attAA, &l.attBB, &l.attPP}
		for k, p := range parts {
			*p, err = tc.View1D(inputState, nEmbed, partBytes*(stateIndex+int64(k)))
			if err != nil {
				return nil, err
			}
		}

		x = singleAtt(g, x, &l)
		x = singleFFN(g, x, &l)

		outputState[stateIndex+0] = l.ffnXX
		outputState[stateIndex+1] = l.attXX
		outputState[stateIndex+2] = l.attAA
		outputState[stateIndex+3] = l.attBB
		outputState[stateIndex+4] = l.attPP
	}

	x = layerNorm(g, x, m.lnOutWeight, m.lnOutBias)
	logits := g.MulMat(m.head, x)

	if err := g.Err(); err != nil {
		return nil, err
	}

	return &graph{
		inputState:  inputState,
		outputState: outputState,
		tokenIndex:  tokenIndex,
		logits:      logits,
		g:           g,
	}, nil
}
