// Package errs provides the error-kind taxonomy shared across the
// orchestrator, agent runtime, bridge, and transport packages.
package errs

import "fmt"

// Kind identifies the category of failure, independent of component.
// Transport adapters map a Kind to a protocol-level status; nothing else
// should branch on error text.
type Kind string

const (
	InvalidRequest      Kind = "invalid_request"
	NotFound            Kind = "not_found"
	PermissionDenied    Kind = "permission_denied"
	Conflict            Kind = "conflict"
	TurnNotFound        Kind = "turn_not_found"
	Timeout             Kind = "timeout"
	UpstreamUnavailable Kind = "upstream_unavailable"
	Internal            Kind = "internal"
)

// Error is a structured error carrying the component that produced it, the
// operation being performed, the failure Kind, and an optional cause.
type Error struct {
	Component string
	Operation string
	Kind      Kind
	Cause     error
}

// New creates an Error. Component identifies the package (e.g.
// "orchestrator", "bridge"); operation names the method that failed.
func New(component, operation string, kind Kind, cause error) *Error {
	return &Error{Component: component, Operation: operation, Kind: kind, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := fmt.Sprintf("[%s] %s: %s", e.Component, e.Operation, e.Kind)
	if e.Cause != nil {
		base += ": " + e.Cause.Error()
	}
	return base
}

// Unwrap returns the underlying cause, enabling errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, SomeKindSentinel) match on Kind rather than
// identity, by comparing against the sentinel Kind values below.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	if te.Kind == "" {
		return false
	}
	return e.Kind == te.Kind
}

// KindOf extracts the Kind from err, defaulting to Internal when err is not
// (or does not wrap) an *Error. Transport adapters use this to pick a
// protocol-level status without needing to know about internal packages.
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return Internal
}

// as is a tiny local shim so this file only imports "fmt"; kept private to
// avoid exposing errors.As plumbing beyond what KindOf needs.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Sentinel values for use with errors.Is(err, errs.KindInvalidRequest), etc.
var (
	KindInvalidRequest      = &Error{Kind: InvalidRequest}
	KindNotFound            = &Error{Kind: NotFound}
	KindPermissionDenied    = &Error{Kind: PermissionDenied}
	KindConflict            = &Error{Kind: Conflict}
	KindTurnNotFound        = &Error{Kind: TurnNotFound}
	KindTimeout             = &Error{Kind: Timeout}
	KindUpstreamUnavailable = &Error{Kind: UpstreamUnavailable}
	KindInternal            = &Error{Kind: Internal}
)
