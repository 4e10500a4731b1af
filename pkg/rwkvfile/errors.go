package rwkvfile

import "errors"

var (
	ErrInvalidMagic       = errors.New("rwkvfile: invalid file magic")
	ErrUnsupportedVersion = errors.New("rwkvfile: unsupported file version")
	ErrInvalidDataType    = errors.New("rwkvfile: data type out of range")
	ErrInvalidShape       = errors.New("rwkvfile: tensor has an invalid shape")

	// ErrFormatRemoved marks data types whose format was removed; such
	// models must be requantized into a current format.
	ErrFormatRemoved = errors.New("rwkvfile: model data format was removed and can no longer be loaded")

	// ErrStaleQuantized marks quantized files written before the current
	// quantized block layouts; such models must be requantized.
	ErrStaleQuantized = errors.New("rwkvfile: quantized model file was created by an older producer and can no longer be loaded")
)
