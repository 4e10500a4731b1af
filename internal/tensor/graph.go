package tensor

import (
	"fmt"
	"sync"
)

// UnaryFunc is a user-supplied element-wise op over float32 vectors.
type UnaryFunc func(dst, src []float32)

// BinaryFunc is a user-supplied element-wise op over two float32 vectors.
type BinaryFunc func(dst, a, b []float32)

type opKind int

const (
	opAdd opKind = iota
	opMul
	opSub
	opDiv
	opSqr
	opRelu
	opNorm
	opMulMat
	opGetRows
	opMapUnary
	opMapBinary
)

type node struct {
	kind   opKind
	dst    *Tensor
	src0   *Tensor
	src1   *Tensor
	unary  UnaryFunc
	binary BinaryFunc
}

// Graph is a build-once, execute-many op list. Ops run in append order,
// which for this engine's branch-free construction is a topological order.
// Build errors (scratch exhaustion, shape mismatches) are sticky: the
// first one is kept and later builder calls become no-ops returning nil.
type Graph struct {
	tc       *Context
	nodes    []node
	nThreads int
	work     *Tensor
	err      error
}

func NewGraph(tc *Context, nThreads int) *Graph {
	if nThreads < 1 {
		nThreads = 1
	}
	return &Graph{tc: tc, nThreads: nThreads}
}

// Err returns the first error recorded while building the graph.
func (g *Graph) Err() error { return g.err }

// NodeCount returns the number of ops recorded so far.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// SetWork attaches the kernel workspace tensor reserved by the sizing
// planner. Current kernels decode weights inline and leave it idle; it is
// carried so executed graphs stay within the planned arena.
func (g *Graph) SetWork(t *Tensor) { g.work = t }

func (g *Graph) fail(err error) *Tensor {
	if g.err == nil {
		g.err = err
	}
	return nil
}

func (g *Graph) newF32(n int64) (*Tensor, error) {
	return g.tc.NewTensor1D(F32, n)
}

func (g *Graph) elementwise(kind opKind, a, b *Tensor) *Tensor {
	if g.err != nil {
		return nil
	}
	if a.NElements() != b.NElements() {
		return g.fail(fmt.Errorf("%w: %d vs %d elements", errShapeMismatch, a.NElements(), b.NElements()))
	}
	dst, err := g.newF32(a.NElements())
	if err != nil {
		return g.fail(err)
	}
	g.nodes = append(g.nodes, node{kind: kind, dst: dst, src0: a, src1: b})
	return dst
}

func (g *Graph) elementwiseInplace(kind opKind, a, b *Tensor) *Tensor {
	if g.err != nil {
		return nil
	}
	if a.NElements() != b.NElements() {
		return g.fail(fmt.Errorf("%w: %d vs %d elements", errShapeMismatch, a.NElements(), b.NElements()))
	}
	g.nodes = append(g.nodes, node{kind: kind, dst: a, src0: a, src1: b})
	return a
}

// Add returns a+b element-wise.
func (g *Graph) Add(a, b *Tensor) *Tensor { return g.elementwise(opAdd, a, b) }

// AddInplace accumulates b into a and returns a.
func (g *Graph) AddInplace(a, b *Tensor) *Tensor { return g.elementwiseInplace(opAdd, a, b) }

// Mul returns a*b element-wise.
func (g *Graph) Mul(a, b *Tensor) *Tensor { return g.elementwise(opMul, a, b) }

// Sub returns a-b element-wise.
func (g *Graph) Sub(a, b *Tensor) *Tensor { return g.elementwise(opSub, a, b) }

// Div returns a/b element-wise.
func (g *Graph) Div(a, b *Tensor) *Tensor { return g.elementwise(opDiv, a, b) }

func (g *Graph) unaryOp(kind opKind, a *Tensor, f UnaryFunc) *Tensor {
	if g.err != nil {
		return nil
	}
	dst, err := g.newF32(a.NElements())
	if err != nil {
		return g.fail(err)
	}
	g.nodes = append(g.nodes, node{kind: kind, dst: dst, src0: a, unary: f})
	return dst
}

// Sqr squares element-wise.
func (g *Graph) Sqr(a *Tensor) *Tensor { return g.unaryOp(opSqr, a, nil) }

// Relu clamps negatives to zero.
func (g *Graph) Relu(a *Tensor) *Tensor { return g.unaryOp(opRelu, a, nil) }

// Norm layer-normalizes without affine: (x-mean)/sqrt(var+eps).
func (g *Graph) Norm(a *Tensor) *Tensor { return g.unaryOp(opNorm, a, nil) }

// MapUnary applies a user element-wise function.
func (g *Graph) MapUnary(f UnaryFunc, a *Tensor) *Tensor { return g.unaryOp(opMapUnary, a, f) }

// MapBinary applies a user element-wise function of two operands.
func (g *Graph) MapBinary(f BinaryFunc, a, b *Tensor) *Tensor {
	if g.err != nil {
		return nil
	}
	if a.NElements() != b.NElements() {
		return g.fail(fmt.Errorf("%w: %d vs %d elements", errShapeMismatch, a.NElements(), b.NElements()))
	}
	dst, err := g.newF32(a.NElements())
	if err != nil {
		return g.fail(err)
	}
	g.nodes = append(g.nodes, node{kind: opMapBinary, dst: dst, src0: a, src1: b, binary: f})
	return dst
}

// MulMat computes w·x for a 2-D weight (width=in, height=out) and a
// 1-D f32 vector, producing a 1-D f32 vector of length out. Quantized
// and f16 weights are decoded inline inside the dot kernels.
func (g *Graph) MulMat(w, x *Tensor) *Tensor {
	if g.err != nil {
		return nil
	}
	if w.Dims() != 2 {
		return g.fail(fmt.Errorf("%w: mulmat weight is %d-d", errShapeMismatch, w.Dims()))
	}
	if x.Dims() != 1 || x.DType() != F32 {
		return g.fail(errNotVectorInput)
	}
	if w.Width() != x.Width() {
		return g.fail(fmt.Errorf("%w: mulmat %d vs %d", errShapeMismatch, w.Width(), x.Width()))
	}
	dst, err := g.newF32(w.Height())
	if err != nil {
		return g.fail(err)
	}
	g.nodes = append(g.nodes, node{kind: opMulMat, dst: dst, src0: w, src1: x})
	return dst
}

// GetRows gathers one embedding row selected by a length-1 i32 index
// tensor into a 1-D f32 vector.
func (g *Graph) GetRows(emb, idx *Tensor) *Tensor {
	if g.err != nil {
		return nil
	}
	if emb.Dims() != 2 || idx.DType() != I32 || idx.NElements() != 1 {
		return g.fail(fmt.Errorf("%w: get_rows", errShapeMismatch))
	}
	dst, err := g.newF32(emb.Width())
	if err != nil {
		return g.fail(err)
	}
	g.nodes = append(g.nodes, node{kind: opGetRows, dst: dst, src0: emb, src1: idx})
	return dst
}

// Compute executes every op in append order. It must not be called on a
// graph whose Err is non-nil.
func (g *Graph) Compute() {
	for i := range g.nodes {
		g.run(&g.nodes[i])
	}
}

func (g *Graph) run(n *node) {
	switch n.kind {
	case opAdd:
		dst, a, b := n.dst.F32s(), n.src0.F32s(), n.src1.F32s()
		for i := range dst {
			dst[i] = a[i] + b[i]
		}
	case opMul:
		dst, a, b := n.dst.F32s(), n.src0.F32s(), n.src1.F32s()
		for i := range dst {
			dst[i] = a[i] * b[i]
		}
	case opSub:
		dst, a, b := n.dst.F32s(), n.src0.F32s(), n.src1.F32s()
		for i := range dst {
			dst[i] = a[i] - b[i]
		}
	case opDiv:
		dst, a, b := n.dst.F32s(), n.src0.F32s(), n.src1.F32s()
		for i := range dst {
			dst[i] = a[i] / b[i]
		}
	case opSqr:
		dst, a := n.dst.F32s(), n.src0.F32s()
		for i := range dst {
			dst[i] = a[i] * a[i]
		}
	case opRelu:
		dst, a := n.dst.F32s(), n.src0.F32s()
		for i := range dst {
			if a[i] > 0 {
				dst[i] = a[i]
			} else {
				dst[i] = 0
			}
		}
	case opNorm:
		normF32(n.dst.F32s(), n.src0.F32s())
	case opMulMat:
		g.matVec(n.dst, n.src0, n.src1)
	case opGetRows:
		getRow(n.dst, n.src0, int64(n.src1.I32s()[0]))
	case opMapUnary:
		n.unary(n.dst.F32s(), n.src0.F32s())
	case opMapBinary:
		n.binary(n.dst.F32s(), n.src0.F32s(), n.src1.F32s())
	}
}

func (g *Graph) matVec(dst, w, x *Tensor) {
	rows := int(w.Height())
	out := dst.F32s()
	xs := x.F32s()

	workers := g.nThreads
	if workers > rows {
		workers = rows
	}
	if workers <= 1 {
		matVecRange(out, w, xs, 0, rows)
		return
	}

	chunk := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		rs := i * chunk
		re := min(rs+chunk, rows)
		if rs >= re {
			break
		}
		wg.Add(1)
		go func(rs, re int) {
			defer wg.Done()
			matVecRange(out, w, xs, rs, re)
		}(rs, re)
	}
	wg.Wait()
}

func matVecRange(dst []float32, w *Tensor, x []float32, rs, re int) {
	width := int(w.Width())
	rowBytes := int(NBytes(w.DType(), w.Width(), 1))
	raw := w.Bytes()
	switch w.DType() {
	case F32:
		ws := w.F32s()
		for r := rs; r < re; r++ {
			row := ws[r*width : r*width+width]
			var sum float32
			for i, v := range row {
				sum += v * x[i]
			}
			dst[r] = sum
		}
	case F16:
		for r := rs; r < re; r++ {
			row := raw[r*rowBytes : r*rowBytes+rowBytes]
			var sum float32
			for i := 0; i < width; i++ {
				sum += fp16At(row, i*2) * x[i]
			}
			dst[r] = sum
		}
	default:
		for r := rs; r < re; r++ {
			dst[r] = dotQuantRow(w.DType(), raw[r*rowBytes:r*rowBytes+rowBytes], x)
		}
	}
}

func getRow(dst *Tensor, emb *Tensor, row int64) {
	width := emb.Width()
	rowBytes := NBytes(emb.DType(), width, 1)
	raw := emb.Bytes()[row*rowBytes : (row+1)*rowBytes]
	out := dst.F32s()
	switch emb.DType() {
	case F32:
		copy(out, emb.F32s()[row*width:row*width+width])
	case F16:
		Fp16ToF32Row(out, raw)
	default:
		dequantRow(emb.DType(), raw, out)
	}
}
