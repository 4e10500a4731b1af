package rwkv

import (
	"github.com/samcharles93/rwkv/internal/tensor"
)

// The sizing planner pre-computes, before any allocation, how many
// backend objects the loader and graph builder will create and how many
// scratch bytes their payloads will take. Per-tensor payloads are tallied
// 16-byte aligned; views add an object but no payload. The tallies
// deliberately over-count the map-op bookkeeping the way the reference
// backend does, so the arena can never come up short of the plan.

// ptrNelem is the element count of a pointer-sized i32 bookkeeping tensor.
const ptrNelem = 8 / 4

// tensorObjectBytes approximates per-tensor metadata overhead.
const tensorObjectBytes = 336

type ctxSize struct {
	objects      int
	objectBytes  int64
	scratchBytes int64
}

func (s *ctxSize) addObjects(n int) {
	s.objects += n
	s.objectBytes += int64(n) * tensorObjectBytes
}

func (s *ctxSize) addScratch(nbytes int64, count int) {
	s.scratchBytes += ((nbytes + 15) &^ 15) * int64(count)
}

// addTensor accounts for some full tensors (object + payload) and some
// views (object only) of a common shape.
func (s *ctxSize) addTensor(tensors, views int, dt tensor.DType, width, height int64) {
	s.addObjects(tensors + views)
	s.addScratch(tensor.NBytes(dt, width, height), tensors)
}

func (s *ctxSize) addScaled(count int, other ctxSize) {
	s.objects += other.objects * count
	s.objectBytes += other.objectBytes * int64(count)
	s.scratchBytes += other.scratchBytes * int64(count)
}

// singleAttSize tallies one layer's time-mix substep.
func singleAttSize(nEmbed int64) ctxSize {
	var s ctxSize

	/*  x0 */ s.addTensor(2, 1, tensor.F32, nEmbed, 1)

	/*  xk */ s.addTensor(3, 1, tensor.F32, nEmbed, 1)
	/*  xk */ s.addTensor(1, 0, tensor.I32, ptrNelem, 1)
	/*  xv */ s.addTensor(3, 1, tensor.F32, nEmbed, 1)
	/*  xv */ s.addTensor(1, 0, tensor.I32, ptrNelem, 1)
	/*  xr */ s.addTensor(3, 1, tensor.F32, nEmbed, 1)
	/*  xr */ s.addTensor(1, 0, tensor.I32, ptrNelem, 1)

	/*   r */ s.addTensor(2, 0, tensor.F32, nEmbed, 1)
	/*   r */ s.addTensor(1, 0, tensor.I32, ptrNelem, 1)
	/*   k */ s.addTensor(1, 0, tensor.F32, nEmbed, 1)
	/*   v */ s.addTensor(1, 0, tensor.F32, nEmbed, 1)

	/*  ww */ s.addTensor(1, 0, tensor.F32, nEmbed, 1)
	/*  qq */ s.addTensor(1, 0, tensor.F32, nEmbed, 1)
	/*  qq */ s.addTensor(1, 0, tensor.I32, ptrNelem, 1)
	/*  e1 */ s.addTensor(2, 0, tensor.F32, nEmbed, 1)
	/*  e1 */ s.addTensor(1, 0, tensor.I32, ptrNelem, 1)
	/*  e2 */ s.addTensor(2, 0, tensor.F32, nEmbed, 1)
	/*  e2 */ s.addTensor(1, 0, tensor.I32, ptrNelem, 1)

	/*   a */ s.addTensor(2, 1, tensor.F32, nEmbed, 1)
	/*   b */ s.addTensor(1, 1, tensor.F32, nEmbed, 1)

	/*  ww */ s.addTensor(1, 0, tensor.F32, nEmbed, 1)
	/*  qq */ s.addTensor(1, 0, tensor.F32, nEmbed, 1)
	/*  qq */ s.addTensor(1, 0, tensor.I32, ptrNelem, 1)
	/*  e1 */ s.addTensor(2, 0, tensor.F32, nEmbed, 1)
	/*  e1 */ s.addTensor(1, 0, tensor.I32, ptrNelem, 1)
	/*  e2 */ s.addTensor(2, 0, tensor.F32, nEmbed, 1)
	/*  e2 */ s.addTensor(1, 0, tensor.I32, ptrNelem, 1)

	/*  aa */ s.addTensor(2, 1, tensor.F32, nEmbed, 1)
	/*  bb */ s.addTensor(1, 1, tensor.F32, nEmbed, 1)

	/* wkv */ s.addTensor(1, 0, tensor.F32, nEmbed, 1)
	/*   x */ s.addTensor(2, 1, tensor.F32, nEmbed, 1)

	return s
}

// singleFFNSize tallies one layer's channel-mix substep.
func singleFFNSize(nEmbed, ffnKey int64) ctxSize {
	var s ctxSize

	/* x0 */ s.addTensor(2, 1, tensor.F32, nEmbed, 1)

	/* xk */ s.addTensor(3, 1, tensor.F32, nEmbed, 1)
	/* xk */ s.addTensor(1, 0, tensor.I32, ptrNelem, 1)
	/* xr */ s.addTensor(3, 1, tensor.F32, nEmbed, 1)
	/* xr */ s.addTensor(1, 0, tensor.I32, ptrNelem, 1)

	/*  r */ s.addTensor(2, 0, tensor.F32, nEmbed, 1)
	/*  r */ s.addTensor(1, 0, tensor.I32, ptrNelem, 1)
	/*  k */ s.addTensor(3, 0, tensor.F32, ffnKey, 1)

	/*  x */ s.addTensor(2, 1, tensor.F32, nEmbed, 1)

	return s
}

// singleGraphSize tallies the whole single-step graph: inputs, per-layer
// state views, both substeps per layer, final norm and projection.
func singleGraphSize(nVocab, nEmbed, nLayer, ffnKey int64) ctxSize {
	var s ctxSize

	/*  state */ s.addTensor(1, 0, tensor.F32, nLayer*5*nEmbed, 1)
	/*  token */ s.addTensor(1, 0, tensor.I32, 1, 1)
	/*      x */ s.addTensor(1, 0, tensor.F32, nEmbed, 1)
	/*      x */ s.addTensor(2, 1, tensor.F32, nEmbed, 1)

	/* ffn_xx */ s.addTensor(0, int(nLayer), tensor.F32, nEmbed, 1)
	/* att_xx */ s.addTensor(0, int(nLayer), tensor.F32, nEmbed, 1)
	/* att_aa */ s.addTensor(0, int(nLayer), tensor.F32, nEmbed, 1)
	/* att_bb */ s.addTensor(0, int(nLayer), tensor.F32, nEmbed, 1)
	/* att_pp */ s.addTensor(0, int(nLayer), tensor.F32, nEmbed, 1)

	/*    att */ s.addScaled(int(nLayer), singleAttSize(nEmbed))
	/*    ffn */ s.addScaled(int(nLayer), singleFFNSize(nEmbed, ffnKey))

	/*      x */ s.addTensor(2, 1, tensor.F32, nEmbed, 1)
	/* logits */ s.addTensor(1, 0, tensor.F32, nVocab, 1)

	return s
}

// workBytes is the kernel workspace reservation: room for one widest-row
// payload in the model's dtype per thread, plus cache-line separation
// between threads. The ceiling is inherited from the reference backend;
// over-provisioning only costs memory, under-provisioning would corrupt.
func workBytes(modelType tensor.DType, ffnKey int64, nThreads int) int64 {
	return tensor.NBytes(modelType, ffnKey, 1)*int64(nThreads) + 64*int64(nThreads-1)
}
