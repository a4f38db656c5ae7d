// Package apperr classifies failures coming out of the object store and the
// folder operations built on top of it.
//
// Callers branch on Kind, never on message text. PermissionDenied and
// NotReachable are deliberately separate kinds: the first needs an access
// grant, the second needs an endpoint or network fix.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable failure class.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors that were never classified.
	KindUnknown Kind = iota
	// PermissionDenied means the backend rejected the caller's credential.
	PermissionDenied
	// NotReachable means the request never completed against the backend.
	NotReachable
	// Conflict means the destination is occupied.
	Conflict
	// TooLarge means a structural ceiling was exceeded.
	TooLarge
	// BackendError is any other non-success backend response.
	BackendError
	// SignatureOrConfig means signing input or configuration is malformed.
	SignatureOrConfig
	// NotFound means the addressed object does not exist.
	NotFound
	// Invalid means the caller supplied an unusable argument.
	Invalid
)

// String returns the kind name used in logs and API responses.
func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case NotReachable:
		return "not_reachable"
	case Conflict:
		return "conflict"
	case TooLarge:
		return "too_large"
	case BackendError:
		return "backend_error"
	case SignatureOrConfig:
		return "signature_or_config"
	case NotFound:
		return "not_found"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// HTTPStatus is the status the API answers with for this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case PermissionDenied:
		return http.StatusForbidden
	case NotReachable:
		return http.StatusBadGateway
	case Conflict:
		return http.StatusConflict
	case TooLarge:
		return http.StatusRequestEntityTooLarge
	case BackendError:
		return http.StatusBadGateway
	case SignatureOrConfig, Invalid:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is the classified error type.
type Error struct {
	Kind Kind
	// Op names the primitive or operation that failed ("copy", "list", "sign").
	Op string
	// Key is the object key or prefix the failure is about, if any.
	Key string
	// Status is the backend HTTP status (0 when no response arrived).
	Status int
	// Code is the backend error code from a structured error body.
	Code string
	// Message is a human-readable description.
	Message string
	// Capability is set when the caller was using a signed capability URL.
	Capability bool
	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Key != "":
		return fmt.Sprintf("%s %q: %s: %s", e.Op, e.Key, e.Kind, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WithKey sets the key the error is about and returns the receiver.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithCause sets the underlying error and returns the receiver.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// AtKey returns a copy of err's classification pinned to key, keeping err as
// the cause. Used when a batch names the first failing item.
func AtKey(op, key string, err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return &Error{
			Kind:       ae.Kind,
			Op:         op,
			Key:        key,
			Status:     ae.Status,
			Code:       ae.Code,
			Message:    ae.Message,
			Capability: ae.Capability,
			Err:        err,
		}
	}
	return &Error{Kind: BackendError, Op: op, Key: key, Err: err}
}

// Denied builds a PermissionDenied error whose message depends on whether the
// caller used a capability URL or an interactive credential.
func Denied(op, key string, status int, capability bool) *Error {
	msg := "the signed-in identity lacks a data-plane role on this container; ask an owner to grant read/write access"
	if capability {
		msg = "the capability URL does not grant this operation or has expired; request a new link with the needed permissions"
	}
	return &Error{Kind: PermissionDenied, Op: op, Key: key, Status: status, Message: msg, Capability: capability}
}

// Unreachable wraps a transport failure.
func Unreachable(op, key string, err error) *Error {
	return &Error{
		Kind:    NotReachable,
		Op:      op,
		Key:     key,
		Message: "request did not reach the storage endpoint; check the endpoint URL, DNS and network path",
		Err:     err,
	}
}
