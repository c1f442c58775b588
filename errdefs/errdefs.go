// Package errdefs defines the error and warning surface shared by the
// parse, create and extract packages.
package errdefs

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrWriteAfterEnd is returned when bytes arrive after End.
	ErrWriteAfterEnd = errors.New("write after end")
	// ErrPastBlockBoundary is returned when more bytes are pushed into
	// an entry than its padded body can hold.
	ErrPastBlockBoundary = errors.New("write past entry block boundary")
	// ErrTruncatedArchive is returned when the stream ends mid-block or
	// mid-entry.
	ErrTruncatedArchive = errors.New("truncated tar archive")
	// ErrZeroRead is returned when a source file shrinks while its body
	// is being archived.
	ErrZeroRead = errors.New("read returned zero bytes before entry completion")
)

// Warning codes. Malformed meta bodies and filesystem failures are
// errors, not warnings, and carry no code: they surface on the entry
// or extractor error channels.
const (
	CodeInvalidHeader   = "TAR_ENTRY_INVALID"
	CodeUnknownType     = "TAR_ENTRY_UNKNOWN"
	CodeUnsupportedType = "TAR_ENTRY_UNSUPPORTED"
	CodeEntrySkipped    = "TAR_ENTRY_SKIPPED"
	CodeMetaOversize    = "TAR_META_OVERSIZE"
)

// Warning is a recoverable condition surfaced through an OnWarn
// callback. Under strict mode callers treat it as fatal.
type Warning struct {
	Code    string
	Message string
	Data    any
}

func (w *Warning) Error() string {
	return fmt.Sprintf("%s: %s", w.Code, w.Message)
}

// Warnf builds a warning with a formatted message.
func Warnf(code string, data any, format string, args ...any) *Warning {
	return &Warning{Code: code, Message: fmt.Sprintf(format, args...), Data: data}
}

// WarnFunc receives warnings as they are raised.
type WarnFunc func(*Warning)
