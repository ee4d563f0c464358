package vlm

import (
	"context"
	"math"
	"math/rand"
	"time"

	domainerrors "github.com/smilemakc/styleforge/internal/domain/errors"
)

// RetryPolicy is the VLM Gateway's backoff schedule: by default three
// attempts, waiting about 1s and then 2s between them (±15% jitter), with
// each delay capped at 4s.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryPolicy is the gateway's schedule: three attempts, 1s initial
// delay doubling per retry, capped at 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     4 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p RetryPolicy) delayFor(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d = d * (0.85 + 0.3*rand.Float64())
	}
	return time.Duration(d)
}

// withRetry runs op up to policy.MaxAttempts times, waiting policy's backoff
// schedule between attempts, and gives up early if ctx is cancelled or op
// returns a non-retryable error.
func withRetry(ctx context.Context, op string, policy RetryPolicy, fn func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return "", &domainerrors.VLMTimeoutError{Op: op, Attempts: attempt - 1, Cause: ctx.Err()}
				}
				return "", &domainerrors.VLMCancelledError{Op: op}
			case <-time.After(policy.delayFor(attempt - 1)):
			}
		}

		out, err := fn()
		if err == nil {
			return out, nil
		}
		if ctx.Err() == context.DeadlineExceeded {
			return "", &domainerrors.VLMTimeoutError{Op: op, Attempts: attempt, Cause: ctx.Err()}
		}
		if ctx.Err() != nil {
			return "", &domainerrors.VLMCancelledError{Op: op}
		}
		if !isRetryableTransport(err) {
			return "", err
		}
		lastErr = err
	}
	return "", &domainerrors.VLMTimeoutError{Op: op, Attempts: policy.MaxAttempts, Cause: lastErr}
}

func isRetryableTransport(err error) bool {
	_, isParse := err.(*domainerrors.VLMParseError)
	return !isParse
}
