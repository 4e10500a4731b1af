package rwkv

import (
	"strings"
	"testing"
)

func TestPrintErrorsScopes(t *testing.T) {
	// TestMain turned ambient printing off.
	if GetPrintErrors(nil) {
		t.Fatalf("ambient print flag should be off under test")
	}

	ctx := loadTestContext(t, 30, 1)

	// A freshly loaded context inherits the ambient flag.
	if GetPrintErrors(ctx) {
		t.Fatalf("context inherited wrong print flag")
	}

	// The context's flag is its own, not the ambient one.
	SetPrintErrors(ctx, true)
	if !GetPrintErrors(ctx) {
		t.Fatalf("context flag did not stick")
	}
	if GetPrintErrors(nil) {
		t.Fatalf("context flag leaked into ambient scope")
	}
	SetPrintErrors(ctx, false)
}

func TestContextErrorIsolated(t *testing.T) {
	ctx := loadTestContext(t, 31, 1)
	other := loadTestContext(t, 32, 1)

	state := make([]float32, ctx.StateElementCount())
	if err := ctx.Eval(testVocab+5, nil, state, nil); err == nil {
		t.Fatalf("out-of-range token must fail")
	}

	if flags := GetLastError(other); flags != ErrNone {
		t.Fatalf("other context picked up flags %#x", flags)
	}
	if flags := GetLastError(ctx); flags&ErrArgs == 0 {
		t.Fatalf("flags %#x missing ARGS", flags)
	}
	if flags := GetLastError(ctx); flags != ErrNone {
		t.Fatalf("context error word did not clear, got %#x", flags)
	}
}

func TestErrorFlagsAfterRepeatedFailures(t *testing.T) {
	ctx := loadTestContext(t, 33, 1)

	if err := ctx.Eval(1, nil, nil, nil); err == nil {
		t.Fatalf("nil state_out must fail")
	}
	state := make([]float32, 3)
	if err := ctx.Eval(1, nil, state, nil); err == nil {
		t.Fatalf("short state_out must fail")
	}
	// Eval clears on entry, so only the second failure remains.
	if flags := GetLastError(ctx); flags&ErrArgs == 0 {
		t.Fatalf("flags %#x missing ARGS", flags)
	}
}

func TestSystemInfoString(t *testing.T) {
	info := SystemInfoString()
	if info == "" {
		t.Fatalf("system info is empty")
	}
	for _, want := range []string{"AVX", "NEON", "FMA"} {
		if !strings.Contains(info, want) {
			t.Fatalf("system info %q missing %s flag", info, want)
		}
	}
}
