// Package rwkvfile implements the RWKV model container format.
//
// A model file is a fixed little-endian header followed by tensor records
// back to back until end of file. The format carries structure and data
// only; evaluation semantics live in pkg/rwkv.
package rwkvfile

import "github.com/samcharles93/rwkv/internal/tensor"

const (
	// Magic is the file magic of all RWKV model containers ("ggmf").
	Magic uint32 = 0x67676d66

	// Version0 is the original float-only file version.
	Version0 uint32 = 100
	// Version1 introduced the current quantized formats. Files holding
	// quantized data are only valid at this version or later.
	Version1 uint32 = 101

	VersionMin = Version0
	VersionMax = Version1

	// CurrentVersion is written by producers, including the quantizer.
	CurrentVersion = Version1
)

// headerSize is the encoded size of Header: six u32 fields, packed.
const headerSize = 24

// Header is the fixed record at offset 0 of a model file.
type Header struct {
	Magic    uint32
	Version  uint32
	NVocab   uint32
	NEmbed   uint32
	NLayer   uint32
	DataType uint32
}

// TensorHeader precedes each tensor payload. Height is 1 for 1-D records
// and is only present on disk when DimCount is 2.
type TensorHeader struct {
	DimCount  uint32
	KeyLength uint32
	DataType  uint32
	Width     uint32
	Height    uint32
}

// PayloadBytes returns the byte size of the record's tensor payload.
func (h *TensorHeader) PayloadBytes() int64 {
	return tensor.NBytes(Type(h.DataType).Tensor(), int64(h.Width), int64(h.Height))
}
