// Package tensor is the CPU compute backend for the RWKV engine.
//
// Tensors are 1-D or 2-D and carve their payloads from a caller-provided
// scratch arena, 16-byte aligned. The arena is sized up front by the
// loader; once it withdraws the scratch region no further allocation is
// possible, which pins steady-state evaluation to the memory planned at
// load time.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"unsafe"
)

// DType identifies the element encoding of a tensor.
type DType uint32

const (
	F32 DType = iota
	F16
	Q4_0
	Q4_1
	Q5_0
	Q5_1
	Q8_0
	I32

	dtypeCount
)

// Unknown is the sentinel for type codes the backend cannot represent.
const Unknown DType = dtypeCount

const payloadAlign = 16

// Block layouts match the formats the model files carry: f32 scales for
// Q4_0/Q4_1/Q8_0, f16 scales for Q5_0/Q5_1, 32 elements per block.
var dtypeTraits = [dtypeCount]struct {
	name      string
	blockSize int
	typeSize  int
	quantized bool
}{
	F32:  {"f32", 1, 4, false},
	F16:  {"f16", 1, 2, false},
	Q4_0: {"q4_0", 32, 4 + 16, true},
	Q4_1: {"q4_1", 32, 4 + 4 + 16, true},
	Q5_0: {"q5_0", 32, 2 + 4 + 16, true},
	Q5_1: {"q5_1", 32, 2 + 2 + 4 + 16, true},
	Q8_0: {"q8_0", 32, 4 + 32, true},
	I32:  {"i32", 1, 4, false},
}

func (d DType) valid() bool { return d < dtypeCount }

func (d DType) String() string {
	if !d.valid() {
		return fmt.Sprintf("dtype_%d", uint32(d))
	}
	return dtypeTraits[d].name
}

// BlockSize returns the number of elements per encoding block.
func (d DType) BlockSize() int {
	if !d.valid() {
		return 0
	}
	return dtypeTraits[d].blockSize
}

// TypeSize returns the number of bytes per encoding block.
func (d DType) TypeSize() int {
	if !d.valid() {
		return 0
	}
	return dtypeTraits[d].typeSize
}

// Quantized reports whether the dtype is a block-quantized format.
func (d DType) Quantized() bool {
	return d.valid() && dtypeTraits[d].quantized
}

// NBytes returns the payload size of a (dtype, width, height) tensor.
// The width must be a multiple of the dtype's block size.
func NBytes(d DType, width, height int64) int64 {
	if !d.valid() || width < 0 || height < 0 {
		return 0
	}
	bs := int64(dtypeTraits[d].blockSize)
	return width / bs * int64(dtypeTraits[d].typeSize) * height
}

var (
	ErrNoScratch      = errors.New("tensor: no scratch region set")
	ErrScratchFull    = errors.New("tensor: scratch region exhausted")
	ErrInvalidShape   = errors.New("tensor: invalid shape")
	ErrInvalidView    = errors.New("tensor: view out of range")
	errUnsupported    = errors.New("tensor: unsupported dtype")
	errShapeMismatch  = errors.New("tensor: shape mismatch")
	errNotVectorInput = errors.New("tensor: operand is not a vector")
)

// Context owns tensor metadata and dispenses payload memory from the
// currently set scratch region. Between SetScratch(buf) and
// SetScratch(nil) every new non-view tensor takes an aligned slice of buf;
// afterwards allocation fails, but existing tensors keep their memory
// (the buffers stay reachable through the tensors that point into them).
type Context struct {
	scratch []byte
	used    int
	objects int
}

func NewContext() *Context { return &Context{} }

// SetScratch installs buf as the allocation region, or withdraws it when
// buf is nil. Installing a region resets its allocation offset.
func (c *Context) SetScratch(buf []byte) {
	c.scratch = buf
	c.used = 0
}

// Objects returns the number of tensors (views included) created so far.
func (c *Context) Objects() int { return c.objects }

// ScratchUsed returns the bytes consumed from the current scratch region.
func (c *Context) ScratchUsed() int { return c.used }

func (c *Context) alloc(n int64) ([]byte, error) {
	if c.scratch == nil {
		return nil, ErrNoScratch
	}
	need := (n + payloadAlign - 1) &^ (payloadAlign - 1)
	if int64(c.used)+need > int64(len(c.scratch)) {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrScratchFull, need, len(c.scratch)-c.used)
	}
	p := c.scratch[c.used : c.used+int(n) : c.used+int(n)]
	c.used += int(need)
	return p, nil
}

// Tensor is a dense 1-D or 2-D tensor. ne[0] is the width (contiguous
// dimension), ne[1] the height (1 for vectors). Views alias a base
// tensor's payload and never own memory.
type Tensor struct {
	dtype DType
	dims  int
	ne    [2]int64
	data  []byte
	view  bool
}

func (t *Tensor) DType() DType  { return t.dtype }
func (t *Tensor) Dims() int     { return t.dims }
func (t *Tensor) Width() int64  { return t.ne[0] }
func (t *Tensor) Height() int64 { return t.ne[1] }
func (t *Tensor) IsView() bool  { return t.view }

// NElements returns the logical element count.
func (t *Tensor) NElements() int64 { return t.ne[0] * t.ne[1] }

// NBytes returns the payload size in bytes.
func (t *Tensor) NBytes() int64 { return NBytes(t.dtype, t.ne[0], t.ne[1]) }

// Bytes returns the raw payload.
func (t *Tensor) Bytes() []byte { return t.data }

// F32s reinterprets the payload as float32 elements. Valid for F32 only.
func (t *Tensor) F32s() []float32 {
	if t.dtype != F32 {
		panic("tensor: F32s on " + t.dtype.String() + " tensor")
	}
	if len(t.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&t.data[0])), len(t.data)/4)
}

// I32s reinterprets the payload as int32 elements. Valid for I32 only.
func (t *Tensor) I32s() []int32 {
	if t.dtype != I32 {
		panic("tensor: I32s on " + t.dtype.String() + " tensor")
	}
	if len(t.data) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&t.data[0])), len(t.data)/4)
}

// SetF32 fills a float tensor with a constant.
func (t *Tensor) SetF32(v float32) {
	d := t.F32s()
	for i := range d {
		d[i] = v
	}
}

// SetI32 stores v at element i of an int tensor.
func (t *Tensor) SetI32(i int, v int32) { t.I32s()[i] = v }

// NewTensor1D allocates a width-element vector from the scratch region.
func (c *Context) NewTensor1D(d DType, width int64) (*Tensor, error) {
	return c.newTensor(d, 1, width, 1)
}

// NewTensor2D allocates a width×height matrix from the scratch region.
func (c *Context) NewTensor2D(d DType, width, height int64) (*Tensor, error) {
	return c.newTensor(d, 2, width, height)
}

func (c *Context) newTensor(d DType, dims int, width, height int64) (*Tensor, error) {
	if !d.valid() {
		return nil, errUnsupported
	}
	if width <= 0 || height <= 0 || width%int64(d.BlockSize()) != 0 {
		return nil, fmt.Errorf("%w: %s %dx%d", ErrInvalidShape, d, width, height)
	}
	data, err := c.alloc(NBytes(d, width, height))
	if err != nil {
		return nil, err
	}
	c.objects++
	return &Tensor{dtype: d, dims: dims, ne: [2]int64{width, height}, data: data}, nil
}

// View1D returns a width-element vector aliasing base at the given byte
// offset. The base must be an unquantized tensor.
func (c *Context) View1D(base *Tensor, width, offset int64) (*Tensor, error) {
	if base.dtype.Quantized() {
		return nil, errUnsupported
	}
	end := offset + NBytes(base.dtype, width, 1)
	if offset < 0 || end > int64(len(base.data)) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrInvalidView, offset, end, len(base.data))
	}
	c.objects++
	return &Tensor{
		dtype: base.dtype,
		dims:  1,
		ne:    [2]int64{width, 1},
		data:  base.data[offset:end:end],
		view:  true,
	}, nil
}

// NormEps is the layer-norm variance epsilon.
const NormEps = 1e-5

func normF32(dst, src []float32) {
	n := len(src)
	var mean float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= float64(n)
	var variance float64
	for _, v := range src {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(n)
	scale := float32(1.0 / math.Sqrt(variance+NormEps))
	m := float32(mean)
	for i, v := range src {
		dst[i] = (v - m) * scale
	}
}
