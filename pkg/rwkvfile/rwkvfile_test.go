package rwkvfile

import (
	"bytes"
	"errors"
	"testing"

	"github.com/samcharles93/rwkv/internal/tensor"
)

func validHeader() Header {
	return Header{
		Magic:    Magic,
		Version:  Version1,
		NVocab:   256,
		NEmbed:   64,
		NLayer:   4,
		DataType: uint32(TypeF32),
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	want := validHeader()
	if err := WriteHeader(&buf, want); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if buf.Len() != 24 {
		t.Fatalf("header size: got %d want 24", buf.Len())
	}

	got, err := ReadHeader(bytes.NewReader(buf.Bytes()), true)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if got != want {
		t.Fatalf("header round-trip mismatch: got %+v want %+v", got, want)
	}
}

func TestHeaderEncodingLittleEndian(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := validHeader()
	h.NVocab = 0x01020304
	if err := WriteHeader(&buf, h); err != nil {
		t.Fatalf("write header: %v", err)
	}
	raw := buf.Bytes()
	if raw[8] != 0x04 || raw[11] != 0x01 {
		t.Fatalf("n_vocab is not little-endian: %x", raw[8:12])
	}
	if raw[0] != 'f' || raw[1] != 'm' || raw[2] != 'g' || raw[3] != 'g' {
		t.Fatalf("unexpected magic bytes: %x", raw[0:4])
	}
}

func TestHeaderValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Header)
		verify bool
		want   error
	}{
		{"bad magic", func(h *Header) { h.Magic = 0xdeadbeef }, true, ErrInvalidMagic},
		{"version too low", func(h *Header) { h.Version = Version0 - 1 }, true, ErrUnsupportedVersion},
		{"version too high", func(h *Header) { h.Version = Version1 + 1 }, true, ErrUnsupportedVersion},
		{"type out of range", func(h *Header) { h.DataType = uint32(TypeCount) }, true, ErrInvalidDataType},
		{"removed format", func(h *Header) { h.DataType = uint32(TypeQ4_2) }, true, ErrFormatRemoved},
		{"stale quantized", func(h *Header) { h.DataType = uint32(TypeQ4_0); h.Version = Version0 }, true, ErrStaleQuantized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := validHeader()
			tc.mutate(&h)

			var buf bytes.Buffer
			if err := WriteHeader(&buf, h); err != nil {
				t.Fatalf("write header: %v", err)
			}
			_, err := ReadHeader(bytes.NewReader(buf.Bytes()), tc.verify)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got error %v, want %v", err, tc.want)
			}
		})
	}
}

func TestHeaderRelaxedReadAcceptsRemovedFormats(t *testing.T) {
	t.Parallel()

	h := validHeader()
	h.DataType = uint32(TypeQ4_1_O)

	var buf bytes.Buffer
	if err := WriteHeader(&buf, h); err != nil {
		t.Fatalf("write header: %v", err)
	}
	got, err := ReadHeader(bytes.NewReader(buf.Bytes()), false)
	if err != nil {
		t.Fatalf("relaxed read rejected removed format: %v", err)
	}
	if got.DataType != uint32(TypeQ4_1_O) {
		t.Fatalf("data type mangled: got %d", got.DataType)
	}
}

func TestTensorHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	for _, th := range []TensorHeader{
		{DimCount: 1, KeyLength: 10, DataType: uint32(TypeF32), Width: 64, Height: 1},
		{DimCount: 2, KeyLength: 3, DataType: uint32(TypeF16), Width: 64, Height: 256},
	} {
		var buf bytes.Buffer
		if err := WriteTensorHeader(&buf, th); err != nil {
			t.Fatalf("write tensor header: %v", err)
		}
		wantLen := 16
		if th.DimCount == 2 {
			wantLen = 20
		}
		if buf.Len() != wantLen {
			t.Fatalf("encoded size: got %d want %d", buf.Len(), wantLen)
		}
		got, err := ReadTensorHeader(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("read tensor header: %v", err)
		}
		if got != th {
			t.Fatalf("tensor header round-trip mismatch: got %+v want %+v", got, th)
		}
	}
}

func TestTensorHeaderRejectsBadShape(t *testing.T) {
	t.Parallel()

	th := TensorHeader{DimCount: 3, KeyLength: 1, DataType: uint32(TypeF32), Width: 8, Height: 8}
	var buf bytes.Buffer
	// Encode by hand: a 3-d record still carries the 2-d layout on disk.
	th2 := th
	th2.DimCount = 2
	if err := WriteTensorHeader(&buf, th2); err != nil {
		t.Fatalf("write tensor header: %v", err)
	}
	raw := buf.Bytes()
	raw[0] = 3

	_, err := ReadTensorHeader(bytes.NewReader(raw))
	if !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("got error %v, want %v", err, ErrInvalidShape)
	}
}

func TestTypeRegistryIsTotal(t *testing.T) {
	t.Parallel()

	for ty := Type(0); ty < TypeCount; ty++ {
		if ty.String() == "unknown" {
			t.Fatalf("type %d has no name", ty)
		}
		if got := TypeFromName(ty.String()); got != ty {
			t.Fatalf("name %q resolves to %d, want %d", ty.String(), got, ty)
		}
	}
	if TypeFromName("Q9_9") != TypeUnknown {
		t.Fatalf("unknown name must resolve to TypeUnknown")
	}

	removed := map[Type]bool{TypeQ4_1_O: true, TypeQ4_2: true, TypeQ4_3: true}
	for ty := Type(0); ty < TypeCount; ty++ {
		if got := ty.Supported(); got == removed[ty] {
			t.Fatalf("type %s: supported=%v, removed=%v", ty, got, removed[ty])
		}
	}
}

func TestPayloadBytes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		dt   Type
		w, h uint32
		want int64
	}{
		{TypeF32, 64, 2, 512},
		{TypeF16, 64, 2, 256},
		{TypeQ4_0, 64, 1, 2 * 20},
		{TypeQ4_1, 64, 1, 2 * 24},
		{TypeQ5_0, 64, 1, 2 * 22},
		{TypeQ5_1, 64, 1, 2 * 24},
		{TypeQ8_0, 64, 1, 2 * 36},
	}
	for _, tc := range cases {
		th := TensorHeader{DimCount: 2, DataType: uint32(tc.dt), Width: tc.w, Height: tc.h}
		if got := th.PayloadBytes(); got != tc.want {
			t.Fatalf("%s %dx%d: got %d bytes, want %d", tc.dt, tc.w, tc.h, got, tc.want)
		}
	}

	if tensor.NBytes(TypeQ4_2.Tensor(), 64, 1) != 0 {
		t.Fatalf("removed formats must size to zero")
	}
}

func TestSkipTensorPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	first := TensorHeader{DimCount: 1, KeyLength: 5, DataType: uint32(TypeF32), Width: 8, Height: 1}
	if err := WriteTensorHeader(&buf, first); err != nil {
		t.Fatalf("write first header: %v", err)
	}
	if err := WriteTensorKey(&buf, "skipm"); err != nil {
		t.Fatalf("write first key: %v", err)
	}
	if err := WriteTensorPayload(&buf, make([]byte, first.PayloadBytes())); err != nil {
		t.Fatalf("write first payload: %v", err)
	}
	second := TensorHeader{DimCount: 1, KeyLength: 4, DataType: uint32(TypeF16), Width: 2, Height: 1}
	if err := WriteTensorHeader(&buf, second); err != nil {
		t.Fatalf("write second header: %v", err)
	}
	if err := WriteTensorKey(&buf, "keep"); err != nil {
		t.Fatalf("write second key: %v", err)
	}
	if err := WriteTensorPayload(&buf, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write second payload: %v", err)
	}

	r := bytes.NewReader(buf.Bytes())
	th, err := ReadTensorHeader(r)
	if err != nil {
		t.Fatalf("read first header: %v", err)
	}
	if err := SkipTensorPayload(r, &th); err != nil {
		t.Fatalf("skip: %v", err)
	}

	th2, err := ReadTensorHeader(r)
	if err != nil {
		t.Fatalf("read second header: %v", err)
	}
	key, err := ReadTensorKey(r, &th2)
	if err != nil {
		t.Fatalf("read second key: %v", err)
	}
	if key != "keep" {
		t.Fatalf("skip landed on %q, want %q", key, "keep")
	}
}
