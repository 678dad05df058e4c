package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/stretchr/testify/require"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(3, time.Millisecond).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return StatusError{Endpoint: "/health", Code: http.StatusServiceUnavailable}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryGivesUpOnPermanentError(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(3, time.Millisecond).Do(context.Background(), func(context.Context) error {
		calls++
		return StatusError{Endpoint: "/transcribe", Code: http.StatusBadRequest, Message: "bad file"}
	})
	require.EqualError(t, err, "/transcribe: HTTP 400: bad file")
	require.Equal(t, 1, calls)
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(2, time.Millisecond).Do(context.Background(), func(context.Context) error {
		calls++
		return StatusError{Code: http.StatusTooManyRequests}
	})
	require.True(t, IsTransient(err))
	require.Equal(t, 3, calls)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := NewRetryPolicy(5, time.Hour).Do(ctx, func(context.Context) error {
		cancel()
		return StatusError{Code: http.StatusBadGateway}
	})
	require.True(t, errors.Is(err, context.Canceled))
	require.True(t, errorsx.HasReason(err, errorsx.ReasonTimeout))
}

func TestIsTransient(t *testing.T) {
	require.False(t, IsTransient(errors.New("plain")))
	require.False(t, IsTransient(StatusError{Code: http.StatusInternalServerError}))
	require.True(t, IsTransient(StatusError{Code: http.StatusGatewayTimeout}))
}
