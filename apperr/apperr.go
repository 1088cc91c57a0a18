// Package apperr defines the single error type surfaced to clients. Every
// failure the service reports carries a Kind from a closed taxonomy, a
// human-readable message and an optional context naming offending fields.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindAuthentication covers missing or malformed bearer tokens.
	KindAuthentication
	// KindSessionNotFound means the session id is absent from the store.
	KindSessionNotFound
	// KindSessionExpired means the token does not name an active session.
	KindSessionExpired
	// KindValidation covers malformed inputs and unsatisfied attribute policies.
	KindValidation
	// KindInvalidPresentation means the verifier rejected the presentation.
	KindInvalidPresentation
	// KindConfiguration signals a deployment bug such as an unregistered endpoint.
	KindConfiguration
	// KindService covers store and infrastructure failures.
	KindService
)

// Code returns the stable machine-readable code for k.
func (k Kind) Code() string {
	switch k {
	case KindAuthentication:
		return "AUTHENTICATION_ERROR"
	case KindSessionNotFound:
		return "SESSION_NOT_FOUND"
	case KindSessionExpired:
		return "SESSION_EXPIRED"
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindInvalidPresentation:
		return "INVALID_PRESENTATION"
	case KindConfiguration:
		return "CONFIGURATION_ERROR"
	case KindService:
		return "SERVICE_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}

func (k Kind) String() string { return k.Code() }

// HTTPStatus maps k onto the status the HTTP layer responds with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthentication, KindSessionExpired:
		return http.StatusUnauthorized
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindValidation, KindInvalidPresentation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Expected reports whether failures of this kind are a normal outcome of
// client behaviour rather than a fault in the service.
func (k Kind) Expected() bool {
	switch k {
	case KindAuthentication, KindSessionNotFound, KindSessionExpired, KindValidation, KindInvalidPresentation:
		return true
	default:
		return false
	}
}

// Error is the tagged error value. Context is free-form but must be JSON
// serializable.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any

	cause error
}

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind that keeps err as its cause. The
// cause is available to errors.Is/As but never rendered to clients.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: err}
}

// With returns a copy of e with key set in its context.
func (e *Error) With(key string, value any) *Error {
	dup := *e
	dup.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		dup.Context[k] = v
	}
	dup.Context[key] = value
	return &dup
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by kind so sentinel-style comparisons work:
// errors.Is(err, apperr.New(apperr.KindValidation, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// body is the wire shape: {"error":{"code":...,"message":...,"context":{...}}}.
type body struct {
	Error payload `json:"error"`
}

type payload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Write renders err as JSON with the status its kind maps to. Errors that are
// not *Error are rendered as an opaque internal error so that causes never
// leak to clients.
func Write(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = New(KindUnknown, "internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(body{Error: payload{Code: e.Kind.Code(), Message: e.Message, Context: e.Context}})
}
