package rwkvfile

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadHeader reads and validates the fixed file header. When verifyDataType
// is false the removed-format and stale-quantized checks are skipped; the
// quantizer uses this to read files it is about to rewrite. The data-type
// code must be inside the closed enumeration either way.
func ReadHeader(r io.Reader, verifyDataType bool) (Header, error) {
	var raw [headerSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, fmt.Errorf("rwkvfile: read header: %w", err)
	}
	h := Header{
		Magic:    binary.LittleEndian.Uint32(raw[0:]),
		Version:  binary.LittleEndian.Uint32(raw[4:]),
		NVocab:   binary.LittleEndian.Uint32(raw[8:]),
		NEmbed:   binary.LittleEndian.Uint32(raw[12:]),
		NLayer:   binary.LittleEndian.Uint32(raw[16:]),
		DataType: binary.LittleEndian.Uint32(raw[20:]),
	}
	if h.Magic != Magic {
		return Header{}, ErrInvalidMagic
	}
	if h.Version < VersionMin || h.Version > VersionMax {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	t := Type(h.DataType)
	if !t.Valid() {
		return Header{}, fmt.Errorf("%w: %d > %d", ErrInvalidDataType, h.DataType, TypeCount-1)
	}
	if verifyDataType {
		if !t.Supported() {
			return Header{}, fmt.Errorf("%w: %s", ErrFormatRemoved, t)
		}
		if t.Quantized() && h.Version != Version1 {
			return Header{}, fmt.Errorf("%w: %s", ErrStaleQuantized, t)
		}
	}
	return h, nil
}

// WriteHeader writes the fixed file header.
func WriteHeader(w io.Writer, h Header) error {
	var raw [headerSize]byte
	binary.LittleEndian.PutUint32(raw[0:], h.Magic)
	binary.LittleEndian.PutUint32(raw[4:], h.Version)
	binary.LittleEndian.PutUint32(raw[8:], h.NVocab)
	binary.LittleEndian.PutUint32(raw[12:], h.NEmbed)
	binary.LittleEndian.PutUint32(raw[16:], h.NLayer)
	binary.LittleEndian.PutUint32(raw[20:], h.DataType)
	if _, err := w.Write(raw[:]); err != nil {
		return fmt.Errorf("rwkvfile: write header: %w", err)
	}
	return nil
}

// ReadTensorHeader reads one tensor record header. Height is read only for
// 2-D records and defaults to 1 otherwise.
func ReadTensorHeader(r io.Reader) (TensorHeader, error) {
	var raw [16]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return TensorHeader{}, fmt.Errorf("rwkvfile: read tensor header: %w", err)
	}
	h := TensorHeader{
		DimCount:  binary.LittleEndian.Uint32(raw[0:]),
		KeyLength: binary.LittleEndian.Uint32(raw[4:]),
		DataType:  binary.LittleEndian.Uint32(raw[8:]),
		Width:     binary.LittleEndian.Uint32(raw[12:]),
		Height:    1,
	}
	if h.DimCount != 1 && h.DimCount != 2 {
		return TensorHeader{}, fmt.Errorf("%w: %d dimensions", ErrInvalidShape, h.DimCount)
	}
	t := Type(h.DataType)
	if !t.Valid() {
		return TensorHeader{}, fmt.Errorf("%w: %d > %d", ErrInvalidDataType, h.DataType, TypeCount-1)
	}
	if !t.Supported() {
		return TensorHeader{}, fmt.Errorf("%w: tensor type %s", ErrFormatRemoved, t)
	}
	if h.DimCount == 2 {
		var hb [4]byte
		if _, err := io.ReadFull(r, hb[:]); err != nil {
			return TensorHeader{}, fmt.Errorf("rwkvfile: read tensor height: %w", err)
		}
		h.Height = binary.LittleEndian.Uint32(hb[:])
	}
	return h, nil
}

// WriteTensorHeader writes one tensor record header, omitting the height
// field for 1-D records.
func WriteTensorHeader(w io.Writer, h TensorHeader) error {
	var raw [20]byte
	binary.LittleEndian.PutUint32(raw[0:], h.DimCount)
	binary.LittleEndian.PutUint32(raw[4:], h.KeyLength)
	binary.LittleEndian.PutUint32(raw[8:], h.DataType)
	binary.LittleEndian.PutUint32(raw[12:], h.Width)
	n := 16
	if h.DimCount == 2 {
		binary.LittleEndian.PutUint32(raw[16:], h.Height)
		n = 20
	}
	if _, err := w.Write(raw[:n]); err != nil {
		return fmt.Errorf("rwkvfile: write tensor header: %w", err)
	}
	return nil
}

// ReadTensorKey reads the record's key bytes.
func ReadTensorKey(r io.Reader, h *TensorHeader) (string, error) {
	buf := make([]byte, h.KeyLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("rwkvfile: read tensor key: %w", err)
	}
	return string(buf), nil
}

// WriteTensorKey writes the record's key bytes.
func WriteTensorKey(w io.Writer, key string) error {
	if _, err := io.WriteString(w, key); err != nil {
		return fmt.Errorf("rwkvfile: write tensor key: %w", err)
	}
	return nil
}

// ReadTensorPayload fills dst, which must be exactly PayloadBytes long.
func ReadTensorPayload(r io.Reader, dst []byte) error {
	if _, err := io.ReadFull(r, dst); err != nil {
		return fmt.Errorf("rwkvfile: read tensor payload: %w", err)
	}
	return nil
}

// WriteTensorPayload writes the record's raw payload bytes.
func WriteTensorPayload(w io.Writer, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("rwkvfile: write tensor payload: %w", err)
	}
	return nil
}

// SkipTensorPayload seeks forward over the record's key and payload.
// Offsets are 64-bit throughout so files above 2 GiB stay addressable.
func SkipTensorPayload(s io.Seeker, h *TensorHeader) error {
	if _, err := s.Seek(int64(h.KeyLength)+h.PayloadBytes(), io.SeekCurrent); err != nil {
		return fmt.Errorf("rwkvfile: skip tensor payload: %w", err)
	}
	return nil
}
