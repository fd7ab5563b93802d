// Package retry holds the backoff policy shared by node handlers and the
// orchestrator's re-dispatch loop.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rendis/conex/pkg/schema"
)

// Backoff strategies.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Policy configures retry behavior.
type Policy struct {
	MaxRetries int           // retries after the first attempt
	Backoff    string        // none | constant | linear | exponential (default exponential)
	Delay      time.Duration // initial delay
	MaxDelay   time.Duration // cap, 0 means uncapped
	Jitter     float64       // fraction in [0,1), applied symmetrically
}

// DefaultPolicy is used by httpCall when a node only sets a retry count.
func DefaultPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries: maxRetries,
		Backoff:    BackoffExponential,
		Delay:      500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// Retryable lets an error decide for itself.
type Retryable interface {
	Retryable() bool
}

var nonRetryableCodes = map[string]bool{
	schema.ErrCodeValidation:        true,
	schema.ErrCodeInvalidGraph:      true,
	schema.ErrCodeCycleDetected:     true,
	schema.ErrCodeUnknownNodeType:   true,
	schema.ErrCodeDecryption:        true,
	schema.ErrCodeNotFound:          true,
	schema.ErrCodeConflict:          true,
	schema.ErrCodeInvalidTransition: true,
	schema.ErrCodeConfig:            true,
}

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: cancellation, errors that say so, and ConexErrors whose
// code describes a permanent problem.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	var ce *schema.ConexError
	if errors.As(err, &ce) {
		return !nonRetryableCodes[ce.Code]
	}

	// Unclassified errors (transport failures included) are retried and
	// left for the policy to bound.
	return true
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
func ComputeBackoff(p Policy, attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Backoff {
	case BackoffLinear:
		delay = p.Delay * time.Duration(attempt+1)
	case BackoffConstant, BackoffNone:
		delay = p.Delay
	default:
		delay = p.Delay
		for i := 0; i < attempt; i++ {
			delay *= 2
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				break
			}
		}
	}

	if p.Jitter > 0 {
		span := float64(delay) * p.Jitter
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*span)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay < 0 {
		delay = p.Delay
	}
	return delay
}

// Wait sleeps for delay or returns early if the context is cancelled.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// is exhausted. It returns the last error.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(attempt)
		if err == nil || attempt >= p.MaxRetries || !IsRetryableError(err) {
			return err
		}
		if werr := Wait(ctx, ComputeBackoff(p, attempt)); werr != nil {
			return err
		}
	}
}
