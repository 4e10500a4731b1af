package tensor

import (
	"encoding/binary"

	"github.com/x448/float16"
)

func fp16At(raw []byte, off int) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(raw[off:])).Float32()
}

// Fp16ToF32Row decodes little-endian f16 elements into dst.
func Fp16ToF32Row(dst []float32, raw []byte) {
	for i := range dst {
		dst[i] = fp16At(raw, i*2)
	}
}

// F32ToFp16Row encodes src as little-endian f16 elements into raw.
func F32ToFp16Row(raw []byte, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint16(raw[i*2:], float16.Fromfloat32(v).Bits())
	}
}
