// Package throttler bounds aggregate read and write bandwidth across
// independent worker processes. Workers never talk to each other: each one
// publishes its recent bytes-per-second into a shared table and pacing
// adjusts to limit/N when the cluster-wide sum exceeds the limit.
package throttler

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// LeakyBucket paces byte counts to at most total per second. The capacity
// can be lowered at any time when the cluster tells this worker to slow
// down; credit above the new capacity is dropped.
type LeakyBucket struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	total   int64
}

// NewLeakyBucket returns a bucket leaking total bytes per second.
func NewLeakyBucket(total int64) *LeakyBucket {
	return &LeakyBucket{
		limiter: rate.NewLimiter(rate.Limit(total), int(total)),
		total:   total,
	}
}

// Reset changes the bucket capacity.
func (b *LeakyBucket) Reset(total int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if total < 1 {
		total = 1
	}
	b.total = total
	b.limiter.SetLimit(rate.Limit(total))
	b.limiter.SetBurst(int(total))
}

// Add consumes count bytes of credit, sleeping as needed. Counts larger
// than one second's worth of credit are consumed in bursts.
func (b *LeakyBucket) Add(ctx context.Context, count int64) error {
	for count > 0 {
		b.mu.Lock()
		chunk := b.total
		limiter := b.limiter
		b.mu.Unlock()
		if chunk > count {
			chunk = count
		}
		if err := limiter.WaitN(ctx, int(chunk)); err != nil {
			return err
		}
		count -= chunk
	}
	return nil
}
