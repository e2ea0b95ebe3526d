// Package mceerrors carries the error categories of the MCE core
// (misuse, type mismatch, parse failure, I/O failure, bus rejection)
// behind a pair of idioms lifted from the teacher's commands package:
// a stack-trace-preserving Wrap, and a ComplexError that carries a
// machine-checkable code alongside a human message.
package mceerrors

import (
	"fmt"

	"github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Error codes for the categories named in spec.md §7.
const (
	ErrNullPipe = iota
	ErrNullCallback
	ErrFilterOnReadOnly
	ErrTypeMismatch
	ErrUnknownSettingsKey
	ErrBusRejected
)

// Wrap wraps err for the sake of showing a stack trace at the top level.
// Nil-safe: wrapping a nil error returns nil.
func Wrap(err error) error {
	if err == nil {
		return err
	}
	return errors.Wrap(err, 0)
}

// ComplexError is an error that carries a code so that calling code has an
// easier job translating it into a bus reply or a log level.
type ComplexError struct {
	Message string
	Code    int
	frame   xerrors.Frame
}

// NewComplexError constructs a ComplexError capturing the current frame.
func NewComplexError(code int, message string) ComplexError {
	return ComplexError{Message: message, Code: code, frame: xerrors.Caller(1)}
}

func (ce ComplexError) FormatError(p xerrors.Printer) error {
	p.Printf("%d %s", ce.Code, ce.Message)
	ce.frame.Format(p)
	return nil
}

func (ce ComplexError) Format(f fmt.State, c rune) {
	xerrors.FormatError(ce, f, c)
}

func (ce ComplexError) Error() string {
	return fmt.Sprint(ce)
}

// HasCode reports whether err is a ComplexError (possibly wrapped) with the given code.
func HasCode(err error, code int) bool {
	var ce ComplexError
	if xerrors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
