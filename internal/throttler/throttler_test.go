package throttler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBandwidthCalculator(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBandwidthCalculator()
	b.now = func() time.Time { return now }

	// 100 bytes/s for 60 seconds
	for i := 0; i < 60; i++ {
		b.Add(100)
		now = now.Add(time.Second)
	}
	got := b.Get()
	assert.InDelta(t, 100, got, 5)
}

func TestBandwidthCalculatorIdleGap(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBandwidthCalculator()
	b.now = func() time.Time { return now }

	b.Add(6000)
	now = now.Add(2 * time.Minute) // idle longer than the window
	b.Add(60)
	// the burst 2 minutes ago aged out
	assert.LessOrEqual(t, b.Get(), int64(1))
}

func TestBandwidthCalculatorAverages(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBandwidthCalculator()
	b.now = func() time.Time { return now }

	// one 60000-byte burst within an otherwise quiet minute
	b.Add(60000)
	for i := 0; i < 30; i++ {
		now = now.Add(time.Second)
		b.Add(0)
	}
	assert.InDelta(t, 1000, b.Get(), 10)
}

func TestLeakyBucketPaces(t *testing.T) {
	b := NewLeakyBucket(10000)
	ctx := context.Background()

	// Drain the initial burst, then 5000 more must take ~0.5s.
	require.NoError(t, b.Add(ctx, 10000))
	start := time.Now()
	require.NoError(t, b.Add(ctx, 5000))
	elapsed := time.Since(start)
	assert.Greater(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestLeakyBucketOversizedCount(t *testing.T) {
	// Counts above one second of credit are consumed in chunks rather
	// than rejected.
	b := NewLeakyBucket(1 << 20)
	require.NoError(t, b.Add(context.Background(), (1<<20)+(1<<18)))
}

func TestLeakyBucketReset(t *testing.T) {
	b := NewLeakyBucket(1 << 30)
	require.NoError(t, b.Add(context.Background(), 100))
	b.Reset(10)
	b.Reset(0) // clamped, never zero
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Add(ctx, 1<<20)
	assert.Error(t, err)
}

func TestNilThrottler(t *testing.T) {
	var tr *Throttler
	content, err := tr.ThrottledRead(context.Background(), func() ([]byte, error) {
		return []byte("data"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), content)

	ran := false
	require.NoError(t, tr.ThrottledWrite(context.Background(), 4, func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
	require.NoError(t, tr.Heartbeat(context.Background()))
	require.NoError(t, tr.Close())
}
