// Package bridgediscovery: error taxonomy shared by discovery and connection.
package bridgediscovery

import (
	"errors"
	"fmt"
)

// Kind classifies subsystem-level failures so callers can branch without
// parsing messages.
type Kind int

const (
	KindUnknown Kind = iota
	// KindPermissionDenied: local network access was declined. Needs user action.
	KindPermissionDenied
	// KindNotFound: every strategy finished or timed out with no bridge.
	KindNotFound
	// KindHandshakeFailed: the bridge answered but connection setup failed.
	KindHandshakeFailed
	// KindAuthenticationRequired: the bridge needs a pairing step.
	KindAuthenticationRequired
	// KindUnreachable: a single probe or attempt failed; retried automatically.
	KindUnreachable
	// KindNetworkUnavailable: there is no usable network path at all.
	KindNetworkUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission denied"
	case KindNotFound:
		return "not found"
	case KindHandshakeFailed:
		return "handshake failed"
	case KindAuthenticationRequired:
		return "authentication required"
	case KindUnreachable:
		return "unreachable"
	case KindNetworkUnavailable:
		return "network unavailable"
	default:
		return "unknown"
	}
}

// Error is the single error type crossing component boundaries.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "discover", "handshake"
	Addr string // bridge address, when one is involved
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Addr != "" {
		msg += " (" + e.Addr + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the Err* sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Addr == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrPermissionDenied       = &Error{Kind: KindPermissionDenied}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrHandshakeFailed        = &Error{Kind: KindHandshakeFailed}
	ErrAuthenticationRequired = &Error{Kind: KindAuthenticationRequired}
	ErrUnreachable            = &Error{Kind: KindUnreachable}
	ErrNetworkUnavailable     = &Error{Kind: KindNetworkUnavailable}
)

// NewError builds an *Error.
func NewError(kind Kind, op, addr string, err error) *Error {
	return &Error{Kind: kind, Op: op, Addr: addr, Err: err}
}

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Errorf is a shorthand for NewError with a formatted cause.
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}
