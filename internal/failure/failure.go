// Package failure classifies the errors the pipeline stages can produce.
//
// Every stage wraps its errors in *Error so callers can branch on the kind with
// errors.Is while the message keeps the component prefix and the cause.
package failure

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAuth              = errors.New("authentication failed")
	ErrRateLimit         = errors.New("rate limited")
	ErrNetwork           = errors.New("network failure")
	ErrMalformedResponse = errors.New("malformed response")
	ErrConfig            = errors.New("invalid configuration")
	ErrStorage           = errors.New("storage failure")
)

// Error attaches a kind and an operation name to a cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New wraps err with the given kind. A nil err yields an error carrying only the kind.
func New(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// FromStatus classifies a non-2xx HTTP status.
func FromStatus(op string, status int) error {
	return New(StatusKind(status), op, fmt.Errorf("unexpected status %d", status))
}

// StatusKind maps an HTTP status to an error kind.
func StatusKind(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusTooManyRequests:
		return ErrRateLimit
	case status >= 500:
		return ErrNetwork
	default:
		return ErrMalformedResponse
	}
}

// KindOf returns the kind sentinel carried by err, or nil when err is unclassified.
func KindOf(err error) error {
	for _, kind := range []error{ErrAuth, ErrRateLimit, ErrNetwork, ErrMalformedResponse, ErrConfig, ErrStorage} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName is a short label for logs.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrAuth:
		return "auth"
	case ErrRateLimit:
		return "rate_limit"
	case ErrNetwork:
		return "network"
	case ErrMalformedResponse:
		return "malformed_response"
	case ErrConfig:
		return "config"
	case ErrStorage:
		return "storage"
	default:
		return "unknown"
	}
}
