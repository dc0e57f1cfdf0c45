// Package fault classifies the failures a windowing or recombination pass can
// hit. Every fatal error surfaced to the operator wraps one of the sentinel
// kinds so that callers can branch with errors.Is and the CLI can pick an exit
// code without string matching.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfig marks invalid settings rejected before any I/O.
	ErrConfig = errors.New("configuration error")
	// ErrAlignment marks a disagreement between the ledger and the embedding stream.
	ErrAlignment = errors.New("alignment error")
	// ErrIntegrity marks inconsistent per-layer data inside a line.
	ErrIntegrity = errors.New("integrity error")
	// ErrMalformed marks a record that could not be parsed.
	ErrMalformed = errors.New("malformed record")
)

// Error carries the failure kind plus where it happened.
// Line and Record are zero-based; -1 means "not applicable".
type Error struct {
	Kind   error
	Line   int
	Record int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Line >= 0 {
		fmt.Fprintf(&b, " at line %d", e.Line)
	}
	if e.Record >= 0 {
		fmt.Fprintf(&b, " (record %d)", e.Record)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is reports kind equality so errors.Is(err, fault.ErrAlignment) works.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config returns a configuration error.
func Config(format string, args ...interface{}) error {
	return &Error{Kind: ErrConfig, Line: -1, Record: -1, Msg: fmt.Sprintf(format, args...)}
}

// Alignment returns an alignment error located at the given line and record.
func Alignment(line, record int, format string, args ...interface{}) error {
	return &Error{Kind: ErrAlignment, Line: line, Record: record, Msg: fmt.Sprintf(format, args...)}
}

// Integrity returns an integrity error for the given line.
func Integrity(line int, format string, args ...interface{}) error {
	return &Error{Kind: ErrIntegrity, Line: line, Record: -1, Msg: fmt.Sprintf(format, args...)}
}

// Malformed returns a parse error for the given record (one-based source
// positions are the caller's concern; record is what the caller counts).
func Malformed(record int, err error, format string, args ...interface{}) error {
	return &Error{Kind: ErrMalformed, Line: -1, Record: record, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Exit codes returned by the CLI for each failure kind.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitConfig    = 2
	ExitMalformed = 3
	ExitAlignment = 4
	ExitIntegrity = 5
	ExitCanceled  = 130
)

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled):
		return ExitCanceled
	case errors.Is(err, ErrConfig):
		return ExitConfig
	case errors.Is(err, ErrMalformed):
		return ExitMalformed
	case errors.Is(err, ErrAlignment):
		return ExitAlignment
	case errors.Is(err, ErrIntegrity):
		return ExitIntegrity
	default:
		return ExitFailure
	}
}

// Kind returns a short label for logging.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrAlignment):
		return "alignment"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancel"
	default:
		return "unknown"
	}
}
