package pool

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryConfig defines backoff behavior for pool operations waiting on
// externally provisioned artifacts.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig bounds the wait for an external image manager to a few
// minutes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 20,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

func (c RetryConfig) delay(attempt int) time.Duration {
	d := time.Duration(float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt-1)))
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// Retrying wraps a Pool, retrying Create and OpenRO with exponential
// backoff while they report ErrUnavailable. Other errors and the context
// deadline pass through immediately.
type Retrying struct {
	Pool
	config RetryConfig
}

// NewRetrying wraps p.
func NewRetrying(p Pool, config RetryConfig) *Retrying {
	return &Retrying{Pool: p, config: config}
}

func retry[T any](ctx context.Context, c RetryConfig, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.delay(attempt - 1)):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
		result, err := op()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, ErrUnavailable) {
			return zero, err
		}
	}
	return zero, lastErr
}

// Create retries until the backing image is visible or attempts run out.
func (r *Retrying) Create(ctx context.Context, name string, size int64) (WriterHandle, error) {
	return retry(ctx, r.config, func() (WriterHandle, error) {
		return r.Pool.Create(ctx, name, size)
	})
}

// OpenRO retries until the shard file is visible or attempts run out.
func (r *Retrying) OpenRO(ctx context.Context, name string) (ReaderHandle, error) {
	return retry(ctx, r.config, func() (ReaderHandle, error) {
		return r.Pool.OpenRO(ctx, name)
	})
}
