package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// BackoffConfig contains configuration for retry delays. A Multiplier of 1
// gives a fixed delay. MaxAttempts counts the first try; 0 means unlimited.
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
	Jitter       bool          `json:"jitter"`
}

// DefaultBackoffConfig returns the exponential policy used for feed reconnects
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  0,
		Jitter:       true,
	}
}

// FixedBackoffConfig retries with the same delay between every attempt
func FixedBackoffConfig(attempts int, delay time.Duration) BackoffConfig {
	return BackoffConfig{
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1.0,
		MaxAttempts:  attempts,
	}
}

// Backoff implements exponential backoff with optional jitter
type Backoff struct {
	config BackoffConfig

	// OnRetry is called before sleeping ahead of the next attempt
	OnRetry func(attempt int, err error, delay time.Duration)
}

func NewBackoff(config BackoffConfig) *Backoff {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	return &Backoff{
		config: config,
	}
}

// Config returns the effective configuration
func (b *Backoff) Config() BackoffConfig {
	return b.config
}

// Retry executes the operation until it succeeds, attempts run out, or ctx is done
func (b *Backoff) Retry(ctx context.Context, operation func(attempt int) error) error {
	return b.RetryWithPredicate(ctx, operation, func(error) bool { return true })
}

// RetryWithPredicate executes the operation, retrying only errors for which
// isRetryable returns true. The last error is returned on exhaustion.
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func(attempt int) error, isRetryable func(error) bool) error {
	var lastErr error

	for attempt := 1; b.config.MaxAttempts <= 0 || attempt <= b.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := operation(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == b.config.MaxAttempts {
			break
		}

		delay := b.calculateDelay(attempt)
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// calculateDelay computes the delay for the given attempt with exponential backoff and optional jitter
func (b *Backoff) calculateDelay(attempt int) time.Duration {
	delay := float64(b.config.InitialDelay)
	for i := 1; i < attempt && delay < float64(b.config.MaxDelay); i++ {
		delay *= b.config.Multiplier
	}

	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}

	// Jitter is ±25%
	if b.config.Jitter {
		jitter := delay * 0.25
		delay += (secureFloat64() - 0.5) * 2 * jitter

		if delay < 0 {
			delay = float64(b.config.InitialDelay)
		}
		if delay > float64(b.config.MaxDelay) {
			delay = float64(b.config.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// GetNextDelay returns the delay that would be used after the given attempt
func (b *Backoff) GetNextDelay(attempt int) time.Duration {
	return b.calculateDelay(attempt)
}

// secureFloat64 generates a cryptographically secure float64 between 0 and 1
func secureFloat64() float64 {
	max := big.NewInt(0).SetUint64(math.MaxUint64)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return float64(time.Now().UnixNano()%1000000) / 1000000.0
	}

	return float64(n.Uint64()) / float64(math.MaxUint64)
}
