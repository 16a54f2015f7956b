package cloudapi

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated is wrapped by a PreconditionFailed AuthError when a
// scoped session is requested from a parent that never authenticated.
var ErrNotAuthenticated = errors.New("parent session is not authenticated")

// ErrEmptyServerURL is returned when the account lookup yields no endpoint.
var ErrEmptyServerURL = errors.New("account lookup returned an empty server_url")

// AuthErrorKind classifies authentication failures.
type AuthErrorKind int

const (
	// Unauthorized means the platform rejected the credentials (HTTP 403 on
	// direct login).
	Unauthorized AuthErrorKind = iota + 1
	// ServerError is any other non-success response.
	ServerError
	// MalformedToken means a success response carried no usable access token.
	MalformedToken
	// PreconditionFailed means scoped auth was attempted on an
	// unauthenticated parent. No request was sent.
	PreconditionFailed
)

func (k AuthErrorKind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case ServerError:
		return "server error"
	case MalformedToken:
		return "malformed token"
	case PreconditionFailed:
		return "precondition failed"
	default:
		return "unknown"
	}
}

// AuthError is returned by every authentication path.
type AuthError struct {
	Kind       AuthErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	msg := "cloudapi: auth " + e.Kind.String()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthKind reports whether err is an AuthError of the given kind.
func IsAuthKind(err error, kind AuthErrorKind) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == kind
}

// APIError is a non-2xx response from a directory or resource endpoint.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloudapi: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}
