package rwkv

import (
	"io"
	"os"

	"github.com/samcharles93/rwkv/internal/tensor"
	"github.com/samcharles93/rwkv/pkg/rwkvfile"
)

// Context is a loaded model ready for token-by-token evaluation. It owns
// one arena holding every parameter and graph intermediate, sized up
// front by the planner; steady-state Eval allocates nothing.
//
// After construction only the lastError and printErrors fields and the
// contents of the graph's tensors (inputs, intermediates, outputs) change
// until Free releases the context. A Context must not be shared between
// concurrent Eval calls.
type Context struct {
	model  model
	tc     *tensor.Context
	arena  []byte
	graph  *graph
	work   *tensor.Tensor
	nVocab uint32
	nEmbed uint32
	nLayer uint32
	freed  bool

	lastError   ErrorFlags
	printErrors bool
}

// InitFromFile loads a model file and builds its evaluation graph. The
// backend parallelizes matrix kernels across nThreads workers. On error
// the ambient error word is set and no resources are retained.
func InitFromFile(path string, nThreads int) (*Context, error) {
	clearGlobalError()

	if nThreads < 1 {
		return nil, globalFail(ErrArgs, "thread count %d is invalid", nThreads)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, globalFail(ErrFile|ErrFileOpen, "failed to open file %s: %v", path, err)
	}
	defer file.Close()

	// File sizes and offsets stay 64-bit throughout: model files above
	// 2 GiB are the common case, not the exception.
	stat, err := file.Stat()
	if err != nil {
		return nil, globalFail(ErrFile|ErrFileStat, "failed to stat file %s: %v", path, err)
	}
	fileSize := stat.Size()

	header, err := rwkvfile.ReadHeader(file, true)
	if err != nil {
		return nil, globalFail(headerErrorFlags(err), "invalid file header: %v", err)
	}

	// Planning pass: walk every tensor record without reading payloads,
	// tallying arena needs and locating the FFN hidden width.
	tensorsStart, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, globalFail(ErrFile|ErrFileRead, "failed to seek in file: %v", err)
	}

	var size ctxSize
	var ffnKey int64

	offset := tensorsStart
	for offset < fileSize {
		th, err := rwkvfile.ReadTensorHeader(file)
		if err != nil {
			return nil, globalFail(ErrModelParams|headerErrorFlags(err), "invalid tensor header: %v", err)
		}
		key, err := rwkvfile.ReadTensorKey(file, &th)
		if err != nil {
			return nil, globalFail(ErrModelParams|ErrFileRead, "failed to read tensor key: %v", err)
		}
		if _, err := file.Seek(th.PayloadBytes(), io.SeekCurrent); err != nil {
			return nil, globalFail(ErrFile|ErrFileRead, "failed to skip tensor payload: %v", err)
		}
		size.addTensor(1, 0, rwkvfile.Type(th.DataType).Tensor(), int64(th.Width), int64(th.Height))

		if ffnKey == 0 && key == "blocks.0.ffn.key.weight" {
			ffnKey = int64(th.Height)
		}

		offset, err = file.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, globalFail(ErrFile|ErrFileRead, "failed to seek in file: %v", err)
		}
	}

	if ffnKey == 0 {
		return nil, globalFail(ErrModelParams|ErrParamMissing, "model is missing parameter blocks.0.ffn.key.weight")
	}

	modelType := rwkvfile.Type(header.DataType).Tensor()
	size.addScaled(1, singleGraphSize(int64(header.NVocab), int64(header.NEmbed), int64(header.NLayer), ffnKey))
	// Kernel workspace reservation, one extra object.
	size.addTensor(1, 0, tensor.I32, 0, 1)
	size.addScratch(workBytes(modelType, ffnKey, nThreads), 1)

	if _, err := file.Seek(tensorsStart, io.SeekStart); err != nil {
		return nil, globalFail(ErrFile|ErrFileRead, "failed to seek in file: %v", err)
	}

	arena := make([]byte, size.scratchBytes)
	tc := tensor.NewContext()
	tc.SetScratch(arena)

	// Loading pass: every payload lands directly in its arena slot.
	parameters := make(map[string]*tensor.Tensor)
	for offset = tensorsStart; offset < fileSize; {
		key, t, err := readTensor(file, tc)
		if err != nil {
			return nil, globalFail(ErrModelParams, "failed to read model params: %v", err)
		}
		parameters[key] = t

		offset, err = file.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, globalFail(ErrFile|ErrFileRead, "failed to seek in file: %v", err)
		}
	}

	m := model{header: header}
	if err := m.setParams(func(key string) (*tensor.Tensor, error) {
		t, ok := parameters[key]
		if !ok {
			return nil, globalFail(ErrModelParams|ErrParamMissing, "parameter %s not found", key)
		}
		return t, nil
	}); err != nil {
		return nil, err
	}

	// The dimension order of the embedding matrix decides every gather.
	if m.emb.Dims() != 2 {
		return nil, globalFail(ErrModelParams|ErrShape, "unexpected dimension count of embedding matrix %d", m.emb.Dims())
	}
	if m.emb.Width() != int64(header.NEmbed) {
		return nil, globalFail(ErrModelParams|ErrDimension, "unexpected dimension of embedding matrix %d", m.emb.Width())
	}
	if m.emb.Height() != int64(header.NVocab) {
		return nil, globalFail(ErrModelParams|ErrDimension, "unexpected dimension of embedding matrix %d", m.emb.Height())
	}

	gr, err := buildGraph(tc, &m, nThreads)
	if err != nil {
		return nil, globalFail(ErrGraph, "failed to build graph: %v", err)
	}

	var work *tensor.Tensor
	if wb := workBytes(modelType, ffnKey, nThreads); wb > 0 {
		// Reserved up front by the planner and attached to the graph;
		// the current kernels decode weights inline and do not touch it.
		work, err = tc.NewTensor1D(tensor.I32, (wb+3)/4)
		if err != nil {
			return nil, globalFail(ErrCtx|ErrAlloc, "failed to allocate kernel workspace: %v", err)
		}
		gr.g.SetWork(work)
	}

	// Withdraw the scratch region before publishing: steady-state
	// evaluation runs entirely inside memory planned at load time.
	tc.SetScratch(nil)

	ctx := &Context{
		model:       m,
		tc:          tc,
		arena:       arena,
		graph:       gr,
		work:        work,
		nVocab:      header.NVocab,
		nEmbed:      header.NEmbed,
		nLayer:      header.NLayer,
		printErrors: GetPrintErrors(nil),
	}
	return ctx, nil
}

// readTensor reads one record's header, key, and payload into a tensor
// allocated from the context's arena.
func readTensor(file *os.File, tc *tensor.Context) (string, *tensor.Tensor, error) {
	th, err := rwkvfile.ReadTensorHeader(file)
	if err != nil {
		return "", nil, err
	}
	key, err := rwkvfile.ReadTensorKey(file, &th)
	if err != nil {
		return "", nil, err
	}

	dt := rwkvfile.Type(th.DataType).Tensor()
	var t *tensor.Tensor
	if th.DimCount == 1 {
		t, err = tc.NewTensor1D(dt, int64(th.Width))
	} else {
		t, err = tc.NewTensor2D(dt, int64(th.Width), int64(th.Height))
	}
	if err != nil {
		return "", nil, err
	}

	if err := rwkvfile.ReadTensorPayload(file, t.Bytes()); err != nil {
		return "", nil, err
	}
	return key, t, nil
}

// Free releases the context's arena and graph. The context must not be
// used afterwards. Free is safe to call on nil and is idempotent.
func (c *Context) Free() {
	if c == nil || c.freed {
		return
	}
	c.freed = true
	c.graph = nil
	c.tc = nil
	c.arena = nil
	c.model = model{}
	c.work = nil
}
