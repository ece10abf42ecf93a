package providers

import (
	"context"
	"errors"
	"time"
)

// RetryConfig bounds the connect-phase retry loop. Only the connection
// attempt retries; once a stream is open, events flow without retry.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig matches provider-SDK defaults closely enough for
// transient 5xx and connection resets.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     15 * time.Second,
	}
}

// retryable reports whether an attempt is worth repeating. Quota errors
// (402, or 429 with insufficient_quota) never retry: the caller is out of
// budget and hammering the endpoint makes it worse.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 402:
			return false
		case apiErr.StatusCode == 429 && apiErr.Code == "insufficient_quota":
			return false
		case apiErr.StatusCode == 429:
			return true
		case apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	// Network-shaped errors (no structured status) retry.
	return true
}

// RetryDo runs attempt until it succeeds, exhausts the budget, or hits a
// non-retryable failure. Exhaustion wraps the last error in RetryError.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, attempt func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	backoff := cfg.InitialBackoff
	var lastErr error
	for i := 0; i < cfg.MaxAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}

		out, err := attempt()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable(err) {
			return zero, err
		}
	}
	return zero, &RetryError{Attempts: cfg.MaxAttempts, LastError: lastErr}
}
