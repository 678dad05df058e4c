// Package resilience retries idempotent calls to the avatar server's HTTP
// endpoints. The websocket session itself is never retried.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
)

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Endpoint, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Endpoint, e.Code)
}

// IsTransient reports whether err is worth another attempt: rate limiting
// or a gateway that is not ready yet.
func IsTransient(err error) bool {
	var se StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// RetryPolicy defines retry behavior for transient failures. The backoff
// doubles after every attempt.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	Retryable  func(error) bool
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff, Retryable: IsTransient}
}

func (r RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	retryable := r.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	backoff := r.Backoff
	var err error
	for i := 0; ; i++ {
		err = fn(ctx)
		if err == nil || i >= r.MaxRetries || !retryable(err) {
			return err
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return errorsx.Wrap(fmt.Errorf("%w (last error: %v)", ctx.Err(), err), errorsx.ReasonTimeout)
		case <-t.C:
		}
		backoff *= 2
	}
}
