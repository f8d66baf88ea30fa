package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (including initial)
	InitialDelay time.Duration // Initial delay between retries
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Backoff multiplier
	Jitter       bool          // Add jitter to delays
}

func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Func is a function that can be retried.
type Func func(ctx context.Context) error

// IsRetryable decides whether an error is worth another attempt.
type IsRetryable func(error) bool

// DefaultIsRetryable retries timeouts and connection-level failures, the
// errors a briefly-restarting peer produces.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()
	for _, pattern := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"502",
		"503",
		"504",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// Do runs fn until it succeeds, exhausts the attempts, or hits a
// non-retryable error. Delays back off exponentially between attempts.
func Do(ctx context.Context, config *Config, fn Func, isRetryable IsRetryable) error {
	if config == nil {
		config = DefaultConfig()
	}
	if isRetryable == nil {
		isRetryable = DefaultIsRetryable
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		if attempt > 0 {
			delay = time.Duration(float64(delay) * config.Multiplier)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		actualDelay := delay
		if config.Jitter {
			actualDelay = delay + time.Duration(rand.Float64()*float64(delay)*0.3)
		}

		select {
		case <-time.After(actualDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// Simple retries with a fixed delay and no jitter.
func Simple(ctx context.Context, attempts int, delay time.Duration, fn Func) error {
	config := &Config{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1.0,
	}
	return Do(ctx, config, fn, DefaultIsRetryable)
}
