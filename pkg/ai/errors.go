package ai

import (
	"fmt"
	"time"
)

// RateLimitError signals the provider rejected the call for exceeding its
// request or token rate. RetryAfter is zero when the provider gave no hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// UnavailableError signals the provider could not serve the call. Retryable
// distinguishes transient outages (5xx, overload) from permanent rejections.
type UnavailableError struct {
	Retryable bool
	Reason    string
}

func (e *UnavailableError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("model unavailable: %s", e.Reason)
	}
	return "model unavailable"
}

// ModelTimeoutError signals the per-call timeout expired before the provider
// responded.
type ModelTimeoutError struct {
	Model   string
	Timeout time.Duration
}

func (e *ModelTimeoutError) Error() string {
	return fmt.Sprintf("model %s timed out after %s", e.Model, e.Timeout)
}

// UnknownModelError signals a model id with no registered provider or price.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model: %s", e.Model)
}
