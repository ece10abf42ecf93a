package stream

import (
	"errors"
	"regexp"
	"strings"

	"github.com/muxworks/muxd/internal/providers"
)

// ErrorKind tags a stream failure for UI surfacing and retry policy.
type ErrorKind string

const (
	ErrNotStreaming             ErrorKind = "not_streaming"
	ErrAlreadyStreaming         ErrorKind = "already_streaming"
	ErrModelNotFound            ErrorKind = "model_not_found"
	ErrPreviousResponseNotFound ErrorKind = "previous_response_not_found"
	ErrContextExceeded          ErrorKind = "context_exceeded"
	ErrRateLimit                ErrorKind = "rate_limit"
	ErrQuota                    ErrorKind = "quota"
	ErrAuth                     ErrorKind = "auth"
	ErrNetwork                  ErrorKind = "network"
	ErrIO                       ErrorKind = "io"
	ErrInvalid                  ErrorKind = "invalid"
	ErrUnknown                  ErrorKind = "unknown"
)

// Error couples a taxonomy kind with a UI-safe message.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }
func (e *Error) Unwrap() error { return e.cause }

func newError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

var lostResponseIDRe = regexp.MustCompile(`resp_[A-Za-z0-9]+`)

// Categorize maps a provider failure onto the taxonomy. Exhausted-retry
// wrappers are unwrapped first so classification sees the terminal cause.
func Categorize(err error) ErrorKind {
	if err == nil {
		return ErrUnknown
	}
	var retryErr *providers.RetryError
	if errors.As(err, &retryErr) && retryErr.LastError != nil {
		err = retryErr.LastError
	}

	msgText := strings.ToLower(err.Error())

	var apiErr *providers.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == "model_not_found",
			apiErr.StatusCode == 404 && strings.Contains(msgText, "model"):
			return ErrModelNotFound
		case lostResponseIDRe.MatchString(apiErr.Message) && strings.Contains(msgText, "not found"):
			return ErrPreviousResponseNotFound
		case apiErr.StatusCode == 402,
			apiErr.StatusCode == 429 && apiErr.Code == "insufficient_quota":
			return ErrQuota
		case apiErr.StatusCode == 429:
			return ErrRateLimit
		case apiErr.Code == "context_length_exceeded",
			strings.Contains(msgText, "prompt is too long"),
			strings.Contains(msgText, "maximum context"),
			strings.Contains(msgText, "context window"):
			return ErrContextExceeded
		case apiErr.StatusCode == 401, apiErr.StatusCode == 403:
			return ErrAuth
		default:
			return ErrUnknown
		}
	}

	var streamErr *Error
	if errors.As(err, &streamErr) {
		return streamErr.Kind
	}

	switch {
	case strings.Contains(msgText, "connection"),
		strings.Contains(msgText, "dial tcp"),
		strings.Contains(msgText, "timeout"),
		strings.Contains(msgText, "eof"):
		return ErrNetwork
	}
	return ErrUnknown
}

// LostResponseID extracts a referenced response id from an error, for
// previous-response-id recovery. Empty when none is referenced.
func LostResponseID(err error) string {
	if err == nil {
		return ""
	}
	var retryErr *providers.RetryError
	if errors.As(err, &retryErr) && retryErr.LastError != nil {
		err = retryErr.LastError
	}
	return lostResponseIDRe.FindString(err.Error())
}
