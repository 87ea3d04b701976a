package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed request. It is decided once, here, so callers
// never have to inspect error text.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork means no response was received (DNS, refused, reset).
	KindNetwork
	// KindTimeout means the client-side timeout elapsed.
	KindTimeout
	// KindAuth means the backend answered 401 or the token is expired.
	KindAuth
	// KindServer means the backend answered with a 5xx status.
	KindServer
	// KindClient is any other non-2xx status; Status and Body are attached.
	KindClient
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// Error is returned for every failed gateway call.
type Error struct {
	Kind      Kind
	Method    string
	Path      string
	Status    int
	Body      []byte
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s error: status %d", e.Method, e.Path, e.Kind, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s error: %v", e.Method, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s error", e.Method, e.Path, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient: no response, a
// timeout, or a server error. Client and auth errors are final.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

// KindOf extracts the classification of err, or KindUnknown if err did not
// come from the gateway.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindUnknown
}

// IsUnreachable reports whether err means the backend could not be reached.
func IsUnreachable(err error) bool {
	k := KindOf(err)
	return k == KindNetwork || k == KindTimeout
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Kind == KindClient && gerr.Status == http.StatusNotFound
}

func isRetryable(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Retryable()
}
