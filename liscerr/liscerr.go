// Package liscerr defines the error taxonomy surfaced at the LISC API
// boundary. Component packages keep their own lower-level sentinel
// errors for internal control flow; lisc.DB translates those into one
// of the Kinds below before returning to the caller.
package liscerr

import "errors"

// Kind identifies the class of a LISC error. Every error crossing the
// API boundary carries exactly one Kind; no Kind is overloaded to mean
// "possibly succeeded".
type Kind int

const (
	// KeyConflict: duplicate primary key on insert.
	KeyConflict Kind = iota
	// SchemaMismatch: row does not match the registered schema.
	SchemaMismatch
	// Timeout: configured insert deadline expired before WAL append.
	Timeout
	// Io: underlying file or directory operation failed.
	Io
	// Corrupt: CRC mismatch, bad magic, truncated record, or malformed footer.
	Corrupt
	// Closed: handle used after Close.
	Closed
)

func (k Kind) String() string {
	switch k {
	case KeyConflict:
		return "KeyConflict"
	case SchemaMismatch:
		return "SchemaMismatch"
	case Timeout:
		return "Timeout"
	case Io:
		return "Io"
	case Corrupt:
		return "Corrupt"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned at the API boundary.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind, preserving cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
