package tensor

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newTestContext(t *testing.T, size int) *Context {
	t.Helper()
	c := NewContext()
	c.SetScratch(make([]byte, size))
	return c
}

func vector(t *testing.T, c *Context, vals ...float32) *Tensor {
	t.Helper()
	v, err := c.NewTensor1D(F32, int64(len(vals)))
	if err != nil {
		t.Fatalf("alloc vector: %v", err)
	}
	copy(v.F32s(), vals)
	return v
}

func TestGraphElementwiseOps(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, 4096)
	g := NewGraph(c, 1)

	a := vector(t, c, 1, 2, 3, 4)
	b := vector(t, c, 4, 3, 2, 1)

	sum := g.Add(a, b)
	prod := g.Mul(a, b)
	diff := g.Sub(a, b)
	quot := g.Div(a, b)
	sq := g.Sqr(a)
	re := g.Relu(diff)

	if err := g.Err(); err != nil {
		t.Fatalf("build: %v", err)
	}
	g.Compute()

	approx := cmpopts.EquateApprox(0, 1e-6)
	for _, tc := range []struct {
		name string
		got  []float32
		want []float32
	}{
		{"add", sum.F32s(), []float32{5, 5, 5, 5}},
		{"mul", prod.F32s(), []float32{4, 6, 6, 4}},
		{"sub", diff.F32s(), []float32{-3, -1, 1, 3}},
		{"div", quot.F32s(), []float32{0.25, 2.0 / 3.0, 1.5, 4}},
		{"sqr", sq.F32s(), []float32{1, 4, 9, 16}},
		{"relu", re.F32s(), []float32{0, 0, 1, 3}},
	} {
		if d := cmp.Diff(tc.want, tc.got, approx); d != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", tc.name, d)
		}
	}
}

func TestGraphMapOps(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, 4096)
	g := NewGraph(c, 1)

	a := vector(t, c, -1, 0, 1, 2)
	b := vector(t, c, 0, 0.5, 0.5, 3)

	expOut := g.MapUnary(func(dst, src []float32) {
		for i, v := range src {
			dst[i] = float32(math.Exp(float64(v)))
		}
	}, a)
	maxOut := g.MapBinary(func(dst, x, y []float32) {
		for i := range dst {
			dst[i] = max(x[i], y[i])
		}
	}, a, b)

	if err := g.Err(); err != nil {
		t.Fatalf("build: %v", err)
	}
	g.Compute()

	approx := cmpopts.EquateApprox(0, 1e-6)
	wantExp := []float32{float32(math.Exp(-1)), 1, float32(math.E), float32(math.Exp(2))}
	if d := cmp.Diff(wantExp, expOut.F32s(), approx); d != "" {
		t.Fatalf("exp mismatch (-want +got):\n%s", d)
	}
	if d := cmp.Diff([]float32{0, 0.5, 1, 3}, maxOut.F32s(), approx); d != "" {
		t.Fatalf("max mismatch (-want +got):\n%s", d)
	}
}

func TestGraphNorm(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, 4096)
	g := NewGraph(c, 1)

	a := vector(t, c, 2, 4, 6, 8)
	n := g.Norm(a)
	if err := g.Err(); err != nil {
		t.Fatalf("build: %v", err)
	}
	g.Compute()

	got := n.F32s()
	var mean float64
	for _, v := range got {
		mean += float64(v)
	}
	if math.Abs(mean/4) > 1e-6 {
		t.Fatalf("norm output mean = %v, want 0", mean/4)
	}
	if got[0] >= got[1] || got[1] >= got[2] || got[2] >= got[3] {
		t.Fatalf("norm must preserve ordering: %v", got)
	}
}

func TestGraphMatVecF32(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, 1<<16)
	for _, threads := range []int{1, 4} {
		g := NewGraph(c, threads)

		w, err := c.NewTensor2D(F32, 3, 2)
		if err != nil {
			t.Fatalf("alloc weight: %v", err)
		}
		copy(w.F32s(), []float32{1, 2, 3, 4, 5, 6})
		x := vector(t, c, 1, 1, 2)

		y := g.MulMat(w, x)
		if err := g.Err(); err != nil {
			t.Fatalf("build: %v", err)
		}
		g.Compute()

		want := []float32{1 + 2 + 6, 4 + 5 + 12}
		if d := cmp.Diff(want, y.F32s()); d != "" {
			t.Fatalf("threads=%d matvec mismatch (-want +got):\n%s", threads, d)
		}
	}
}

func TestGraphMatVecDTypeConsistency(t *testing.T) {
	t.Parallel()

	const width, height = 64, 32
	rng := rand.New(rand.NewSource(7))
	weights := make([]float32, width*height)
	for i := range weights {
		weights[i] = (rng.Float32() - 0.5) * 0.5
	}
	xs := make([]float32, width)
	for i := range xs {
		xs[i] = (rng.Float32() - 0.5) * 2
	}

	run := func(t *testing.T, dt DType, raw []byte) []float32 {
		c := newTestContext(t, 1<<20)
		g := NewGraph(c, 2)
		w, err := c.NewTensor2D(dt, width, height)
		if err != nil {
			t.Fatalf("alloc weight: %v", err)
		}
		copy(w.Bytes(), raw)
		x := vector(t, c, xs...)
		y := g.MulMat(w, x)
		if err := g.Err(); err != nil {
			t.Fatalf("build: %v", err)
		}
		g.Compute()
		out := make([]float32, height)
		copy(out, y.F32s())
		return out
	}

	f32raw := make([]byte, width*height*4)
	var hist [16]int64
	if _, err := QuantizeChunk(F32, weights, f32raw, 0, len(weights), hist[:]); err != nil {
		t.Fatalf("encode f32: %v", err)
	}
	baseline := run(t, F32, f32raw)

	for _, tc := range []struct {
		dt  DType
		tol float64
	}{
		{F16, 0.02},
		{Q8_0, 0.1},
		{Q5_1, 0.2},
		{Q4_0, 1.0},
	} {
		raw := make([]byte, NBytes(tc.dt, width, height))
		if _, err := QuantizeChunk(tc.dt, weights, raw, 0, len(weights), hist[:]); err != nil {
			t.Fatalf("%s: encode: %v", tc.dt, err)
		}
		got := run(t, tc.dt, raw)
		for i := range baseline {
			if diff := math.Abs(float64(got[i] - baseline[i])); diff > tc.tol {
				t.Fatalf("%s: row %d off by %v (> %v)", tc.dt, i, diff, tc.tol)
			}
		}
	}
}

func TestGraphGetRows(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, 1<<16)
	g := NewGraph(c, 1)

	emb, err := c.NewTensor2D(F32, 4, 3)
	if err != nil {
		t.Fatalf("alloc emb: %v", err)
	}
	copy(emb.F32s(), []float32{
		0, 1, 2, 3,
		10, 11, 12, 13,
		20, 21, 22, 23,
	})

	idx, err := c.NewTensor1D(I32, 1)
	if err != nil {
		t.Fatalf("alloc idx: %v", err)
	}

	row := g.GetRows(emb, idx)
	if err := g.Err(); err != nil {
		t.Fatalf("build: %v", err)
	}

	idx.SetI32(0, 2)
	g.Compute()
	if d := cmp.Diff([]float32{20, 21, 22, 23}, row.F32s()); d != "" {
		t.Fatalf("row 2 mismatch (-want +got):\n%s", d)
	}

	// The graph is rerun with new inputs, never rebuilt.
	idx.SetI32(0, 0)
	g.Compute()
	if d := cmp.Diff([]float32{0, 1, 2, 3}, row.F32s()); d != "" {
		t.Fatalf("row 0 mismatch (-want +got):\n%s", d)
	}
}

func TestGraphBuildErrorIsSticky(t *testing.T) {
	t.Parallel()

	c := newTestContext(t, 4096)
	g := NewGraph(c, 1)

	a := vector(t, c, 1, 2)
	b := vector(t, c, 1, 2, 3)

	if out := g.Add(a, b); out != nil {
		t.Fatalf("mismatched add must return nil")
	}
	if g.Err() == nil {
		t.Fatalf("expected sticky build error")
	}
	nodes := g.NodeCount()
	if out := g.Mul(a, a); out != nil {
		t.Fatalf("builder must stay inert after error")
	}
	if g.NodeCount() != nodes {
		t.Fatalf("ops appended after build error")
	}
}
