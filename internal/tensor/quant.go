package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// quantBlock is the element count of every block-quantized format here.
const quantBlock = 32

var errBlockMultiple = errors.New("tensor: element count is not a multiple of the block size")

// QuantizeChunk encodes n float32 elements starting at src[start] into dst
// in the given dtype, tallying encoded quantization levels into the 16-bin
// hist. It returns the number of bytes written. F32 and F16 targets are
// plain conversions and leave hist untouched.
func QuantizeChunk(d DType, src []float32, dst []byte, start, n int, hist []int64) (int64, error) {
	if len(hist) < 16 {
		return 0, errors.New("tensor: histogram needs 16 bins")
	}
	in := src[start : start+n]
	switch d {
	case F32:
		for i, v := range in {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
		return int64(n) * 4, nil
	case F16:
		F32ToFp16Row(dst, in)
		return int64(n) * 2, nil
	case Q4_0, Q4_1, Q5_0, Q5_1, Q8_0:
		if n%quantBlock != 0 {
			return 0, fmt.Errorf("%w: %d %% %d", errBlockMultiple, n, quantBlock)
		}
	default:
		return 0, fmt.Errorf("%w: %s", errUnsupported, d)
	}

	blocks := n / quantBlock
	ts := d.TypeSize()
	for b := 0; b < blocks; b++ {
		blk := in[b*quantBlock : (b+1)*quantBlock]
		out := dst[b*ts : (b+1)*ts]
		switch d {
		case Q4_0:
			quantizeBlockQ4_0(blk, out, hist)
		case Q4_1:
			quantizeBlockQ4_1(blk, out, hist)
		case Q5_0:
			quantizeBlockQ5_0(blk, out, hist)
		case Q5_1:
			quantizeBlockQ5_1(blk, out, hist)
		case Q8_0:
			quantizeBlockQ8_0(blk, out, hist)
		}
	}
	return int64(blocks) * int64(ts), nil
}

func putF32(b []byte, v float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(v)) }
func getF32(b []byte) float32    { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }

func putF16(b []byte, v float32) {
	binary.LittleEndian.PutUint16(b, float16.Fromfloat32(v).Bits())
}

// Q4_0: f32 scale + 16 packed nibble pairs. Byte j holds elements j and
// j+16 of the block; levels are biased by 8.
func quantizeBlockQ4_0(blk []float32, out []byte, hist []int64) {
	var amax, vmax float32
	for _, v := range blk {
		if a := float32(math.Abs(float64(v))); a > amax {
			amax, vmax = a, v
		}
	}
	d := vmax / -8
	var id float32
	if d != 0 {
		id = 1 / d
	}
	putF32(out[0:], d)
	qs := out[4:]
	for j := 0; j < quantBlock/2; j++ {
		x0 := blk[j] * id
		x1 := blk[j+quantBlock/2] * id
		q0 := nibble(x0 + 8.5)
		q1 := nibble(x1 + 8.5)
		qs[j] = q0 | q1<<4
		hist[q0]++
		hist[q1]++
	}
}

// Q4_1: f32 scale + f32 min + packed nibbles, levels 0..15 over [min, max].
func quantizeBlockQ4_1(blk []float32, out []byte, hist []int64) {
	vmin, vmax := blk[0], blk[0]
	for _, v := range blk[1:] {
		if v < vmin {
			vmin = v
		}
		if v > vmax {
			vmax = v
		}
	}
	d := (vmax - vmin) / 15
	var id float32
	if d != 0 {
		id = 1 / d
	}
	putF32(out[0:], d)
	putF32(out[4:], vmin)
	qs := out[8:]
	for j := 0; j < quantBlock/2; j++ {
		q0 := nibble((blk[j]-vmin)*id + 0.5)
		q1 := nibble((blk[j+quantBlock/2]-vmin)*id + 0.5)
		qs[j] = q0 | q1<<4
		hist[q0]++
		hist[q1]++
	}
}

// Q5_0: f16 scale + u32 of fifth bits + packed low nibbles, bias 16.
func quantizeBlockQ5_0(blk []float32, out []byte, hist []int64) {
	var amax, vmax float32
	for _, v := range blk {
		if a := float32(math.Abs(float64(v))); a > amax {
			amax, vmax = a, v
		}
	}
	d := vmax / -16
	var id float32
	if d != 0 {
		id = 1 / d
	}
	putF16(out[0:], d)
	var qh uint32
	qs := out[6:]
	for j := 0; j < quantBlock/2; j++ {
		q0 := level5(blk[j]*id + 16.5)
		q1 := level5(blk[j+quantBlock/2]*id + 16.5)
		qs[j] = q0&0x0F | (q1&0x0F)<<4
		qh |= uint32(q0>>4) << j
		qh |= uint32(q1>>4) << (j + quantBlock/2)
		hist[q0>>1]++
		hist[q1>>1]++
	}
	binary.LittleEndian.PutUint32(out[2:], qh)
}

// Q5_1: f16 scale + f16 min + u32 of fifth bits + packed low nibbles.
func quantizeBlockQ5_1(blk []float32, out []byte, hist []int64) {
	vmin, vmax := blk[0], blk[0]
	for _, v := range blk[1:] {
		if v < vmin {
			vmin = v
		}
		if v > vmax {
			vmax = v
		}
	}
	d := (vmax - vmin) / 31
	var id float32
	if d != 0 {
		id = 1 / d
	}
	putF16(out[0:], d)
	putF16(out[2:], vmin)
	var qh uint32
	qs := out[8:]
	for j := 0; j < quantBlock/2; j++ {
		q0 := level5((blk[j]-vmin)*id + 0.5)
		q1 := level5((blk[j+quantBlock/2]-vmin)*id + 0.5)
		qs[j] = q0&0x0F | (q1&0x0F)<<4
		qh |= uint32(q0>>4) << j
		qh |= uint32(q1>>4) << (j + quantBlock/2)
		hist[q0>>1]++
		hist[q1>>1]++
	}
	binary.LittleEndian.PutUint32(out[4:], qh)
}

// Q8_0: f32 scale + 32 signed bytes.
func quantizeBlockQ8_0(blk []float32, out []byte, hist []int64) {
	var amax float32
	for _, v := range blk {
		if a := float32(math.Abs(float64(v))); a > amax {
			amax = a
		}
	}
	d := amax / 127
	var id float32
	if d != 0 {
		id = 1 / d
	}
	putF32(out[0:], d)
	qs := out[4:]
	for j, v := range blk {
		q := int8(math.RoundToEven(float64(v * id)))
		qs[j] = byte(q)
		hist[8+int(q)/16]++
	}
}

func nibble(v float32) byte {
	q := int8(v)
	if q > 15 {
		q = 15
	}
	if q < 0 {
		q = 0
	}
	return byte(q)
}

func level5(v float32) byte {
	q := int16(v)
	if q > 31 {
		q = 31
	}
	if q < 0 {
		q = 0
	}
	return byte(q)
}

// dequantRow decodes one quantized row into dst.
func dequantRow(d DType, raw []byte, dst []float32) {
	ts := d.TypeSize()
	blocks := len(dst) / quantBlock
	for b := 0; b < blocks; b++ {
		dequantBlock(d, raw[b*ts:(b+1)*ts], dst[b*quantBlock:(b+1)*quantBlock])
	}
}

func dequantBlock(d DType, blk []byte, out []float32) {
	switch d {
	case Q4_0:
		dd := getF32(blk[0:])
		qs := blk[4:]
		for j := 0; j < quantBlock/2; j++ {
			out[j] = dd * float32(int(qs[j]&0x0F)-8)
			out[j+quantBlock/2] = dd * float32(int(qs[j]>>4)-8)
		}
	case Q4_1:
		dd := getF32(blk[0:])
		m := getF32(blk[4:])
		qs := blk[8:]
		for j := 0; j < quantBlock/2; j++ {
			out[j] = dd*float32(qs[j]&0x0F) + m
			out[j+quantBlock/2] = dd*float32(qs[j]>>4) + m
		}
	case Q5_0:
		dd := fp16At(blk, 0)
		qh := binary.LittleEndian.Uint32(blk[2:])
		qs := blk[6:]
		for j := 0; j < quantBlock/2; j++ {
			q0 := int(qs[j]&0x0F) | int(qh>>j&1)<<4
			q1 := int(qs[j]>>4) | int(qh>>(j+quantBlock/2)&1)<<4
			out[j] = dd * float32(q0-16)
			out[j+quantBlock/2] = dd * float32(q1-16)
		}
	case Q5_1:
		dd := fp16At(blk, 0)
		m := fp16At(blk, 2)
		qh := binary.LittleEndian.Uint32(blk[4:])
		qs := blk[8:]
		for j := 0; j < quantBlock/2; j++ {
			q0 := int(qs[j]&0x0F) | int(qh>>j&1)<<4
			q1 := int(qs[j]>>4) | int(qh>>(j+quantBlock/2)&1)<<4
			out[j] = dd*float32(q0) + m
			out[j+quantBlock/2] = dd*float32(q1) + m
		}
	case Q8_0:
		dd := getF32(blk[0:])
		qs := blk[4:]
		for j := 0; j < quantBlock; j++ {
			out[j] = dd * float32(int8(qs[j]))
		}
	}
}

// dotQuantRow accumulates the dot product of one quantized row with x.
func dotQuantRow(d DType, raw []byte, x []float32) float32 {
	ts := d.TypeSize()
	blocks := len(x) / quantBlock
	var sum float32
	var buf [quantBlock]float32
	for b := 0; b < blocks; b++ {
		dequantBlock(d, raw[b*ts:(b+1)*ts], buf[:])
		xb := x[b*quantBlock : (b+1)*quantBlock]
		for j, v := range buf {
			sum += v * xb[j]
		}
	}
	return sum
}
