package catalog

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a catalog failure so the consumer layer can decide
// whether to surface it to the monitor, the RPC caller, or both.
type ErrorKind int

const (
	// KindNotFound - the queried holding, transaction or file does not exist.
	KindNotFound ErrorKind = iota
	// KindConflict - a unique constraint was violated.
	KindConflict
	// KindInvalid - the request itself is malformed.
	KindInvalid
)

// Error is a typed catalog failure.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a catalog not-found error.
func IsNotFound(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindNotFound
}

// IsConflict reports whether err is a catalog unique-constraint error.
func IsConflict(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindConflict
}
