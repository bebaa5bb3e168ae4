// Package kernelerr defines the error taxonomy shared by every kernel
// component and by the wire protocol's response status.
package kernelerr

import "fmt"

// Code is the status codomain shared between the wire protocol (§6) and the
// kernel API surface (§7). It deliberately mirrors a small, fixed set of
// causes rather than an open-ended error hierarchy: every failure path in
// the kernel maps onto exactly one of these.
type Code int

const (
	OK Code = iota
	InvalidArgument
	NotFound
	FailedPrecondition
	Unavailable
	DeadlineExceeded
	Unimplemented
	Internal
)

var codeNames = map[Code]string{
	OK:                 "OK",
	InvalidArgument:    "INVALID_ARGUMENT",
	NotFound:           "NOT_FOUND",
	FailedPrecondition: "FAILED_PRECONDITION",
	Unavailable:        "UNAVAILABLE",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	Unimplemented:      "UNIMPLEMENTED",
	Internal:           "INTERNAL",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// Error is the {code, message} pair the kernel uses for classified
// failures, such as the router's call results. No exceptions: it is
// returned as an explicit trailing result, per §9. Lower layers (rpc,
// devices, config) return plain errors, which CodeOf maps to Internal.
type Error struct {
	Code    Code
	Message string
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an Error for code with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches additional machine-oriented context to an Error.
func (e *Error) WithDetails(details string) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details}
}

// As extracts a *Error from err, returning (nil, false) if err does not
// carry one (or is nil).
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	ke, ok := err.(*Error)
	return ke, ok
}

// CodeOf returns the Code carried by err, or Internal if err does not carry
// a kernelerr.Error (an unexpected error crossing a component boundary is,
// by definition, an invariant violation).
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if ke, ok := As(err); ok {
		return ke.Code
	}
	return Internal
}
