package vlm

import (
	"context"
	"errors"
	"testing"
	"time"

	domainerrors "github.com/smilemakc/styleforge/internal/domain/errors"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestWithRetrySucceedsAfterTransientFailure(t *testing.T) {
	attempts := 0
	out, err := withRetry(context.Background(), "analyze", fastPolicy(), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", &domainerrors.VLMTransportError{Op: "analyze", Cause: errors.New("boom")}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, 2, attempts)
}

func TestWithRetryExhaustsToTimeout(t *testing.T) {
	_, err := withRetry(context.Background(), "analyze", fastPolicy(), func() (string, error) {
		return "", &domainerrors.VLMTransportError{Op: "analyze", Cause: errors.New("down")}
	})
	var timeoutErr *domainerrors.VLMTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestWithRetryDoesNotRetryParseError(t *testing.T) {
	attempts := 0
	_, err := withRetry(context.Background(), "analyze", fastPolicy(), func() (string, error) {
		attempts++
		return "", &domainerrors.VLMParseError{Raw: "x", Cause: errors.New("bad json")}
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestWithRetryRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := withRetry(ctx, "analyze", fastPolicy(), func() (string, error) {
		return "", &domainerrors.VLMTransportError{Op: "analyze", Cause: errors.New("down")}
	})
	require.Error(t, err)
}
