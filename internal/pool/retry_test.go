package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyPool struct {
	Pool
	failures int
	calls    int
}

func (f *flakyPool) OpenRO(ctx context.Context, name string) (ReaderHandle, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, ErrUnavailable
	}
	return nil, nil
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	f := &flakyPool{failures: 3}
	r := NewRetrying(f, fastRetry(5))
	_, err := r.OpenRO(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 4, f.calls)
}

func TestRetryGivesUp(t *testing.T) {
	f := &flakyPool{failures: 100}
	r := NewRetrying(f, fastRetry(3))
	_, err := r.OpenRO(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, f.calls)
}

type brokenPool struct {
	Pool
	calls int
}

var errBroken = errors.New("disk on fire")

func (b *brokenPool) OpenRO(ctx context.Context, name string) (ReaderHandle, error) {
	b.calls++
	return nil, errBroken
}

func TestRetryDoesNotRetryFatalErrors(t *testing.T) {
	b := &brokenPool{}
	r := NewRetrying(b, fastRetry(5))
	_, err := r.OpenRO(context.Background(), "x")
	assert.ErrorIs(t, err, errBroken)
	assert.Equal(t, 1, b.calls)
}

func TestRetryHonorsContext(t *testing.T) {
	f := &flakyPool{failures: 100}
	cfg := fastRetry(100)
	cfg.BaseDelay = time.Hour
	r := NewRetrying(f, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.OpenRO(ctx, "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
