package tensor

import (
	"errors"
	"math"
	"testing"
)

func TestNBytes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		dt   DType
		w, h int64
		want int64
	}{
		{F32, 64, 1, 256},
		{F32, 64, 16, 4096},
		{F16, 64, 1, 128},
		{I32, 3, 1, 12},
		{Q4_0, 32, 1, 20},
		{Q4_1, 32, 1, 24},
		{Q5_0, 32, 1, 22},
		{Q5_1, 32, 1, 24},
		{Q8_0, 32, 1, 36},
		{Q4_0, 64, 8, 320},
	}
	for _, tc := range cases {
		if got := NBytes(tc.dt, tc.w, tc.h); got != tc.want {
			t.Fatalf("NBytes(%s, %d, %d) = %d, want %d", tc.dt, tc.w, tc.h, got, tc.want)
		}
	}
}

func TestContextAllocationAlignment(t *testing.T) {
	t.Parallel()

	c := NewContext()
	c.SetScratch(make([]byte, 1024))

	a, err := c.NewTensor1D(F32, 3)
	if err != nil {
		t.Fatalf("alloc a: %v", err)
	}
	b, err := c.NewTensor1D(F32, 3)
	if err != nil {
		t.Fatalf("alloc b: %v", err)
	}
	if len(a.Bytes()) != 12 || len(b.Bytes()) != 12 {
		t.Fatalf("payload sizes: %d, %d", len(a.Bytes()), len(b.Bytes()))
	}
	// 12 bytes pad out to a 16-byte slot.
	if got := c.ScratchUsed(); got != 32 {
		t.Fatalf("scratch used: got %d, want 32", got)
	}
	if c.Objects() != 2 {
		t.Fatalf("objects: got %d, want 2", c.Objects())
	}
}

func TestContextScratchDiscipline(t *testing.T) {
	t.Parallel()

	c := NewContext()
	if _, err := c.NewTensor1D(F32, 4); !errors.Is(err, ErrNoScratch) {
		t.Fatalf("allocation without scratch: got %v, want %v", err, ErrNoScratch)
	}

	c.SetScratch(make([]byte, 32))
	if _, err := c.NewTensor1D(F32, 4); err != nil {
		t.Fatalf("alloc inside scratch: %v", err)
	}
	if _, err := c.NewTensor1D(F32, 32); !errors.Is(err, ErrScratchFull) {
		t.Fatalf("overflowing alloc: got %v, want %v", err, ErrScratchFull)
	}

	c.SetScratch(nil)
	if _, err := c.NewTensor1D(F32, 4); !errors.Is(err, ErrNoScratch) {
		t.Fatalf("allocation after withdraw: got %v, want %v", err, ErrNoScratch)
	}
}

func TestView1D(t *testing.T) {
	t.Parallel()

	c := NewContext()
	c.SetScratch(make([]byte, 256))

	base, err := c.NewTensor1D(F32, 16)
	if err != nil {
		t.Fatalf("alloc base: %v", err)
	}
	elems := base.F32s()
	for i := range elems {
		elems[i] = float32(i)
	}

	v, err := c.View1D(base, 4, 8*4)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if !v.IsView() {
		t.Fatalf("view not marked as view")
	}
	for i, got := range v.F32s() {
		if want := float32(8 + i); got != want {
			t.Fatalf("view[%d] = %v, want %v", i, got, want)
		}
	}

	// Writes through the view land in the base.
	v.F32s()[0] = 99
	if base.F32s()[8] != 99 {
		t.Fatalf("view write did not reach base")
	}

	if _, err := c.View1D(base, 4, 15*4); !errors.Is(err, ErrInvalidView) {
		t.Fatalf("out-of-range view: got %v, want %v", err, ErrInvalidView)
	}
}

func TestNormF32(t *testing.T) {
	t.Parallel()

	src := []float32{1, 2, 3, 4}
	dst := make([]float32, 4)
	normF32(dst, src)

	var mean, variance float64
	for _, v := range dst {
		mean += float64(v)
	}
	mean /= 4
	for _, v := range dst {
		variance += (float64(v) - mean) * (float64(v) - mean)
	}
	variance /= 4

	if math.Abs(mean) > 1e-6 {
		t.Fatalf("normalized mean = %v, want 0", mean)
	}
	if math.Abs(variance-1) > 1e-3 {
		t.Fatalf("normalized variance = %v, want 1", variance)
	}
}
