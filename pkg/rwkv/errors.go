// Package rwkv is a single-token streaming inference engine for RWKV
// language models, plus an offline quantizer for its model files.
//
// A Context is loaded once from a model file and then stepped one token
// at a time: each Eval consumes a token and the previous recurrent state
// and produces the next state and a logits vector. Contexts are not safe
// for concurrent Eval calls; distinct contexts are independent.
package rwkv

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/samcharles93/rwkv/pkg/rwkvfile"
)

// ErrorFlags accumulates failure categories as a bitmask. The upper bits
// carry the broad category, the lower bits the detail; the kinds recorded
// by one failed operation OR together. Eval, InitFromFile and
// QuantizeModelFile clear their error word on entry, so the word holds
// only the most recent such call's failure until it is read.
type ErrorFlags uint32

const (
	ErrNone ErrorFlags = 0

	ErrArgs        ErrorFlags = 1 << 8
	ErrFile        ErrorFlags = 2 << 8
	ErrModel       ErrorFlags = 3 << 8
	ErrModelParams ErrorFlags = 4 << 8
	ErrGraph       ErrorFlags = 5 << 8
	ErrCtx         ErrorFlags = 6 << 8

	ErrAlloc        ErrorFlags = 1
	ErrFileOpen     ErrorFlags = 2
	ErrFileStat     ErrorFlags = 3
	ErrFileRead     ErrorFlags = 4
	ErrFileWrite    ErrorFlags = 5
	ErrFileMagic    ErrorFlags = 6
	ErrFileVersion  ErrorFlags = 7
	ErrParamMissing ErrorFlags = 8
	ErrShape        ErrorFlags = 9
	ErrDimension    ErrorFlags = 10
	ErrKey          ErrorFlags = 11
	ErrData         ErrorFlags = 12
	ErrDataType     ErrorFlags = 13
	ErrUnsupported  ErrorFlags = 14
)

// The ambient error word and print flag. The reference implementation
// keeps these per thread; Go has no thread identity to hang that on, so
// they are process-wide under a mutex. Context-scoped operations use the
// context's own fields instead, which is what concurrent callers should
// rely on.
var (
	globalMu          sync.Mutex
	globalLastError   ErrorFlags
	globalPrintErrors = true
)

// SetPrintErrors toggles stderr diagnostics for ctx, or for the ambient
// scope when ctx is nil.
func SetPrintErrors(ctx *Context, print bool) {
	if ctx != nil {
		ctx.printErrors = print
		return
	}
	globalMu.Lock()
	globalPrintErrors = print
	globalMu.Unlock()
}

// GetPrintErrors reports the print-errors flag for ctx, or the ambient
// flag when ctx is nil.
func GetPrintErrors(ctx *Context) bool {
	if ctx != nil {
		return ctx.printErrors
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalPrintErrors
}

// GetLastError returns the accumulated error word for ctx, or the ambient
// word when ctx is nil, and clears it.
func GetLastError(ctx *Context) ErrorFlags {
	if ctx != nil {
		v := ctx.lastError
		ctx.lastError = ErrNone
		return v
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	v := globalLastError
	globalLastError = ErrNone
	return v
}

func clearGlobalError() {
	globalMu.Lock()
	globalLastError = ErrNone
	globalMu.Unlock()
}

func addGlobalError(flags ErrorFlags) {
	globalMu.Lock()
	globalLastError |= flags
	globalMu.Unlock()
}

// globalFail records flags in the ambient error word, optionally prints,
// and returns an error carrying the message.
func globalFail(flags ErrorFlags, format string, args ...any) error {
	addGlobalError(flags)
	err := fmt.Errorf(format, args...)
	globalMu.Lock()
	print := globalPrintErrors
	globalMu.Unlock()
	if print {
		fmt.Fprintln(os.Stderr, "rwkv:", err)
	}
	return err
}

// fail records flags in the context's error word, optionally prints,
// and returns an error carrying the message.
func (c *Context) fail(flags ErrorFlags, format string, args ...any) error {
	c.lastError |= flags
	err := fmt.Errorf(format, args...)
	if c.printErrors {
		fmt.Fprintln(os.Stderr, "rwkv:", err)
	}
	return err
}

// msg prints a progress line to stderr when ambient printing is enabled.
func msg(format string, args ...any) {
	globalMu.Lock()
	print := globalPrintErrors
	globalMu.Unlock()
	if print {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// headerErrorFlags maps codec sentinels onto the error taxonomy.
func headerErrorFlags(err error) ErrorFlags {
	switch {
	case errors.Is(err, rwkvfile.ErrInvalidMagic):
		return ErrFile | ErrFileMagic
	case errors.Is(err, rwkvfile.ErrUnsupportedVersion):
		return ErrFile | ErrFileVersion
	case errors.Is(err, rwkvfile.ErrInvalidDataType),
		errors.Is(err, rwkvfile.ErrFormatRemoved),
		errors.Is(err, rwkvfile.ErrStaleQuantized):
		return ErrFile | ErrDataType
	case errors.Is(err, rwkvfile.ErrInvalidShape):
		return ErrFile | ErrShape
	default:
		return ErrFile | ErrFileRead
	}
}
