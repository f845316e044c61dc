// Package kerr defines the error kinds returned by kernel operations.
package kerr

import (
	"errors"
	"fmt"
)

// Kind classifies a kernel error. Kinds are compared, never parsed.
type Kind uint8

// Error kinds.
const (
	Unknown Kind = iota
	InvalidCapability
	PermissionDenied
	RightsEscalation
	TransferDenied
	TableExhausted
	OutOfMemory
	PolicyUnsatisfiable
	Overlap
	PortClosed
	QueueFull
	MemoryCorruptionDetected
	InvalidArgument
	InvalidState
	Canceled
	Halted
)

var kindNames = map[Kind]string{
	Unknown:                  "unknown",
	InvalidCapability:        "invalid capability",
	PermissionDenied:         "permission denied",
	RightsEscalation:         "rights escalation",
	TransferDenied:           "transfer denied",
	TableExhausted:           "capability table exhausted",
	OutOfMemory:              "out of memory",
	PolicyUnsatisfiable:      "placement policy unsatisfiable",
	Overlap:                  "mapping overlap",
	PortClosed:               "port closed",
	QueueFull:                "queue full",
	MemoryCorruptionDetected: "memory corruption detected",
	InvalidArgument:          "invalid argument",
	InvalidState:             "invalid state",
	Canceled:                 "canceled",
	Halted:                   "kernel halted",
}

func (k Kind) String() string {
	name, ok := kindNames[k]
	if ok {
		return name
	}
	return fmt.Sprintf("{Kind %d}", k)
}

// Fatal reports whether the kind leaves kernel state untrustworthy.
func (k Kind) Fatal() bool {
	return k == MemoryCorruptionDetected
}

// Error implements the error interface so a Kind can be used as a
// sentinel with errors.Is.
func (k Kind) Error() string {
	return k.String()
}

// Error is a kernel error carrying its kind, the failing operation and
// an optional detail or cause.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

// New creates an error of the kind for the operation.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Newf creates an error of the kind with a formatted detail.
func Newf(kind Kind, op, format string, a ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, a...)}
}

// Wrap wraps err as a kernel error of the kind. The kind of a wrapped
// kernel error is preserved when kind is Unknown.
func Wrap(kind Kind, op string, err error) *Error {
	if kind == Unknown {
		kind = KindOf(err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches both other *Error values of the same kind and bare Kind
// sentinels.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the kind of err, or Unknown when err is not a kernel
// error. KindOf(nil) is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	var kind Kind
	if errors.As(err, &kind) {
		return kind
	}
	return Unknown
}

// IsFatal reports whether err carries a fatal kind.
func IsFatal(err error) bool {
	return KindOf(err).Fatal()
}
