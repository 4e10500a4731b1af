package rwkvfile

import "github.com/samcharles93/rwkv/internal/tensor"

// Type is an on-disk tensor data-type code. The enumeration is closed:
// codes of removed quantization formats keep their slots so older files
// stay identifiable, but they map to the backend's unknown sentinel.
type Type uint32

const (
	TypeF32 Type = iota
	TypeF16
	TypeQ4_0
	TypeQ4_1
	TypeQ4_1_O // removed
	TypeQ4_2   // removed
	TypeQ4_3   // removed
	TypeQ5_0
	TypeQ5_1
	TypeQ8_0

	TypeCount
)

// TypeUnknown is returned for names that don't match any type.
const TypeUnknown = TypeCount

// typeToTensor, typeNames, and tensorToType are the single source of
// truth for the on-disk code / backend code / name correspondence.
var typeToTensor = [TypeCount]tensor.DType{
	TypeF32:    tensor.F32,
	TypeF16:    tensor.F16,
	TypeQ4_0:   tensor.Q4_0,
	TypeQ4_1:   tensor.Q4_1,
	TypeQ4_1_O: tensor.Unknown,
	TypeQ4_2:   tensor.Unknown,
	TypeQ4_3:   tensor.Unknown,
	TypeQ5_0:   tensor.Q5_0,
	TypeQ5_1:   tensor.Q5_1,
	TypeQ8_0:   tensor.Q8_0,
}

var typeNames = [TypeCount]string{
	"f32", "f16", "Q4_0", "Q4_1", "Q4_1_O", "Q4_2", "Q4_3", "Q5_0", "Q5_1", "Q8_0",
}

// Tensor maps the on-disk code to the backend dtype, tensor.Unknown for
// removed formats and out-of-range codes.
func (t Type) Tensor() tensor.DType {
	if t >= TypeCount {
		return tensor.Unknown
	}
	return typeToTensor[t]
}

func (t Type) String() string {
	if t >= TypeCount {
		return "unknown"
	}
	return typeNames[t]
}

// Valid reports whether the code is inside the closed enumeration.
func (t Type) Valid() bool { return t < TypeCount }

// Supported reports whether tensors of this type can still be decoded.
func (t Type) Supported() bool { return t.Tensor() != tensor.Unknown }

// Quantized reports whether the code names a block-quantized format,
// removed formats included.
func (t Type) Quantized() bool {
	return t.Valid() && t != TypeF32 && t != TypeF16
}

// TypeFromName resolves a data-type name, legacy names included.
func TypeFromName(name string) Type {
	for i, n := range typeNames {
		if n == name {
			return Type(i)
		}
	}
	return TypeUnknown
}
