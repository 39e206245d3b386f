package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error kinds. Every *Error unwraps to exactly one of these.
var (
	ErrBadRequest    = errors.New("bad request")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrUnprocessable = errors.New("unprocessable entity")
	ErrRateLimited   = errors.New("rate limited")
	ErrServer        = errors.New("server error")
	ErrUnexpected    = errors.New("unexpected status")

	// ErrUpstream wraps the last error once retries are exhausted.
	ErrUpstream = errors.New("upstream error")
)

var statusMessages = map[int]string{
	http.StatusBadRequest:          "A validation exception has occurred.",
	http.StatusUnauthorized:        "The access token provided is expired, revoked, malformed or invalid for other reasons.",
	http.StatusForbidden:           "You are missing the following required scopes: read",
	http.StatusNotFound:            "The resource you have specified cannot be found.",
	http.StatusConflict:            "The API request cannot be completed because the requested operation would conflict with an existing item.",
	http.StatusUnprocessableEntity: "The request content itself is not processable by the server.",
	http.StatusTooManyRequests:     "The API rate limit for your organisation/application pairing has been exceeded.",
	http.StatusInternalServerError: "The server encountered an unexpected condition which prevented it from fulfilling the request.",
	http.StatusNotImplemented:      "The server does not support the functionality required to fulfill the request.",
	http.StatusBadGateway:          "Server received an invalid response.",
	http.StatusServiceUnavailable:  "API service is currently unavailable.",
}

// Error is a non-2xx response from the data or reporting API.
type Error struct {
	StatusCode int
	Message    string
	Endpoint   string
	Body       []byte
	RetryAfter time.Duration

	kind error
}

func (e *Error) Error() string {
	return fmt.Sprintf("HTTP-error-code: %d, Error: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.kind
}

// Delay is the server-requested wait before retrying, if any.
func (e *Error) Delay() time.Duration {
	return e.RetryAfter
}

func kindOf(status int) error {
	switch {
	case status == http.StatusBadRequest:
		return ErrBadRequest
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusUnprocessableEntity:
		return ErrUnprocessable
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return ErrServer
	default:
		return ErrUnexpected
	}
}

// newError builds the typed error for a response. The message comes from the
// API's error payload when there is one.
func newError(status int, endpoint string, header http.Header, body []byte) *Error {
	e := &Error{
		StatusCode: status,
		Endpoint:   endpoint,
		Body:       body,
		RetryAfter: parseRetryAfter(header),
		kind:       kindOf(status),
	}

	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		var nested struct {
			Message string `json:"message"`
		}
		switch {
		case len(payload.Error) > 0 && json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "":
			e.Message = nested.Message
		case len(payload.Error) > 0:
			e.Message = string(payload.Error)
		case payload.Message != "":
			e.Message = payload.Message
		}
	}
	if e.Message == "" {
		e.Message = statusMessages[status]
	}
	if e.Message == "" {
		e.Message = "Unknown Error"
	}
	return e
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date.
func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// IsRetryable reports whether err is transient: rate limiting, a server
// error, or a network failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return errors.Is(apiErr, ErrRateLimited) || errors.Is(apiErr, ErrServer)
	}
	return errors.Is(err, errRequestFailed)
}

// IsPermission reports whether err is an authentication or authorization
// failure.
func IsPermission(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrUnauthorized)
}

var errRequestFailed = errors.New("http request failed")
