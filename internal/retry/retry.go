// Package retry provides bounded exponential backoff for remote calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Class is the outcome of classifying a failed call.
type Class int

const (
	// Transient failures are worth retrying (rate limits, unavailable servers).
	Transient Class = iota
	// Permanent failures propagate immediately.
	Permanent
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// Classifier maps a failure to Transient or Permanent.
type Classifier func(error) Class

// Config holds retry configuration.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// BaseDelay is multiplied by 2^attempt to get the backoff before the next attempt.
	BaseDelay time.Duration
	// MaxJitter is the upper bound (exclusive) of the uniform jitter added to each backoff.
	MaxJitter time.Duration
}

// DefaultConfig waits 2^attempt + [0,1) seconds between at most five attempts.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxJitter:   1 * time.Second,
	}
}

// ErrExhaustedRetries is matched by errors.Is when every attempt failed transiently.
var ErrExhaustedRetries = errors.New("retry: exhausted retries")

// ExhaustedError carries the last transient failure after all attempts were used.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Is reports ErrExhaustedRetries so callers need not know the concrete type.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhaustedRetries }

// IsContextError is a classifier helper: context errors are never retried.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Do executes fn, retrying transient failures with exponential backoff.
// A nil classifier treats every non-context error as transient.
func Do(ctx context.Context, cfg Config, classify Classifier, fn func(context.Context) error) error {
	_, err := Value(ctx, cfg, classify, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, cfg Config, classify Classifier, fn func(context.Context) (T, error)) (T, error) {
	if classify == nil {
		classify = defaultClassifier
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if IsContextError(err) || classify(err) == Permanent {
			return zero, err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}

		select {
		case <-time.After(Backoff(cfg, attempt)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// Backoff returns the wait after the given zero-based failed attempt.
func Backoff(cfg Config, attempt int) time.Duration {
	d := cfg.BaseDelay * time.Duration(1<<uint(attempt))
	if cfg.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(cfg.MaxJitter)))
	}
	return d
}

func defaultClassifier(err error) Class {
	if IsContextError(err) {
		return Permanent
	}
	return Transient
}
