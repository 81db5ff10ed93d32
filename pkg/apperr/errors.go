package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrAuth        = errors.New("unauthorized")
	ErrForbidden   = fmt.Errorf("forbidden: %w", ErrAuth)
	ErrValidation  = errors.New("validation failed")
	ErrRateLimited = errors.New("rate limited")
	ErrTransient   = errors.New("transient failure")
	ErrParse       = errors.New("parse error")
	ErrStream      = errors.New("stream error")
)

// Error carries one of the sentinels above plus a caller-facing message.
type Error struct {
	Kind       error
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

func Unauthorized(msg string) error {
	return &Error{Kind: ErrAuth, Msg: msg}
}

func Forbidden(msg string) error {
	return &Error{Kind: ErrForbidden, Msg: msg}
}

func RateLimited(retryAfter time.Duration) error {
	return &Error{Kind: ErrRateLimited, Msg: "rate limit exceeded", RetryAfter: retryAfter}
}

func Transient(msg string, err error) error {
	return &Error{Kind: ErrTransient, Msg: msg, Err: err}
}

func Parse(msg string, err error) error {
	return &Error{Kind: ErrParse, Msg: msg, Err: err}
}

func Stream(msg string, err error) error {
	return &Error{Kind: ErrStream, Msg: msg, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrValidation)
}

// RetryAfter returns the retry hint of a rate-limit error, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && errors.Is(e.Kind, ErrRateLimited) {
		return e.RetryAfter, true
	}
	return 0, false
}

// Message returns the caller-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}

func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus maps an HTTP response status onto the taxonomy.
func FromStatus(code int, msg string, retryAfter time.Duration) error {
	switch {
	case code == http.StatusUnauthorized:
		return Unauthorized(msg)
	case code == http.StatusForbidden:
		return Forbidden(msg)
	case code == http.StatusTooManyRequests:
		return &Error{Kind: ErrRateLimited, Msg: msg, RetryAfter: retryAfter}
	case code == http.StatusRequestTimeout || code >= 500:
		return Transient(msg, fmt.Errorf("status %d", code))
	case code >= 400:
		return Validation("%s", msg)
	default:
		return nil
	}
}

// FromResponse reads a failed response's body and maps it with FromStatus.
// The caller still closes the body.
func FromResponse(resp *http.Response, prefix string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	var apiResp struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiResp) == nil && apiResp.Message != "" {
		msg = apiResp.Message
	}
	if msg == "" {
		msg = resp.Status
	}
	var retryAfter time.Duration
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		retryAfter = time.Duration(secs) * time.Second
	}
	if err := FromStatus(resp.StatusCode, prefix+": "+msg, retryAfter); err != nil {
		return err
	}
	return Stream(prefix, fmt.Errorf("unexpected status %d", resp.StatusCode))
}
