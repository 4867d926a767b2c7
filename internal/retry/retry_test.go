package retry_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/retry"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.DefaultConfig(), func(context.Context, int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesRetryableError(t *testing.T) {
	cfg := retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2}
	calls := 0
	err := retry.Do(context.Background(), cfg, func(context.Context, int) error {
		calls++
		if calls < 3 {
			return &retry.HTTPStatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	wantErr := errors.New("boom")
	err := retry.Do(context.Background(), retry.DefaultConfig(), func(context.Context, int) error {
		calls++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 1, calls)
}

func TestDoExhausted(t *testing.T) {
	cfg := retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2}
	calls := 0
	err := retry.Do(context.Background(), cfg, func(context.Context, int) error {
		calls++
		return &retry.HTTPStatusError{StatusCode: http.StatusTooManyRequests}
	})
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.Equal(t, 3, calls)
}

func TestIsRetryableRejectsNon429ClientAndServerErrors(t *testing.T) {
	require.False(t, retry.IsRetryable(&retry.HTTPStatusError{StatusCode: http.StatusInternalServerError}))
	require.False(t, retry.IsRetryable(&retry.HTTPStatusError{StatusCode: http.StatusBadRequest}))
}

func TestIsRetryableHTTPAnyAcceptsAnyNon2xx(t *testing.T) {
	require.True(t, retry.IsRetryableHTTPAny(&retry.HTTPStatusError{StatusCode: http.StatusInternalServerError}))
	require.True(t, retry.IsRetryableHTTPAny(&retry.HTTPStatusError{StatusCode: http.StatusBadRequest}))
	require.True(t, retry.IsRetryableHTTPAny(&retry.HTTPStatusError{StatusCode: http.StatusServiceUnavailable}))
	require.False(t, retry.IsRetryableHTTPAny(context.Canceled))
}

func TestDoUsesRetryableFuncOverride(t *testing.T) {
	cfg := retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2, RetryableFunc: retry.IsRetryableHTTPAny}
	calls := 0
	err := retry.Do(context.Background(), cfg, func(context.Context, int) error {
		calls++
		if calls < 3 {
			return &retry.HTTPStatusError{StatusCode: http.StatusInternalServerError}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoHonorsRetryAfter(t *testing.T) {
	cfg := retry.Config{MaxAttempts: 2, InitialBackoff: time.Hour}
	start := time.Now()
	calls := 0
	err := retry.Do(context.Background(), cfg, func(context.Context, int) error {
		calls++
		if calls == 1 {
			return &retry.HTTPStatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 5 * time.Millisecond}
		}
		return nil
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
}
