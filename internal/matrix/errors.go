package matrix

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"
)

// maxErrorBody caps how much of a failed response body is kept for diagnostics.
const maxErrorBody = 800

var (
	// ErrAlreadyInitialized is returned by a second call to Session.Initialize.
	ErrAlreadyInitialized = errors.New("matrix session already initialized")
	// ErrNotInitialized is returned by operations that need a bootstrapped session.
	ErrNotInitialized = errors.New("matrix session not initialized")
)

// TransportError is a network failure (StatusCode == 0) or a non-2xx response.
type TransportError struct {
	Call       string
	StatusCode int
	Status     string
	ErrCode    string
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s request failed: %v", e.Call, e.Err)
	}
	return fmt.Sprintf("%s failed: HTTP %d %s: %s", e.Call, e.StatusCode, e.Status, e.Body)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthError means the homeserver rejected the bot's credential during bootstrap.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("matrix credential rejected: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// MalformedResponseError is a 2xx response whose body does not have the expected shape.
type MalformedResponseError struct {
	Call string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed %s response: %v", e.Call, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// CallbackError wraps an error returned (or a panic raised) by a registered callback.
type CallbackError struct {
	Callback string
	Err      error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s callback failed: %v", e.Callback, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

func newHTTPError(call string, resp *http.Response, body []byte) *TransportError {
	var payload struct {
		ErrCode string `json:"errcode"`
	}
	_ = json.Unmarshal(body, &payload)

	return &TransportError{
		Call:       call,
		StatusCode: resp.StatusCode,
		Status:     statusText(resp),
		ErrCode:    payload.ErrCode,
		Body:       truncate(string(body), maxErrorBody),
	}
}

func statusText(resp *http.Response) string {
	text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// errorKind labels err for metrics.
func errorKind(err error) string {
	var (
		transport *TransportError
		malformed *MalformedResponseError
		callback  *CallbackError
	)
	switch {
	case errors.As(err, &callback):
		return "callback"
	case errors.As(err, &malformed):
		return "malformed"
	case errors.As(err, &transport):
		return "transport"
	default:
		return "other"
	}
}
