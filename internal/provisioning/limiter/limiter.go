// Package limiter bounds the number of concurrent wallet derivations.
package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vietddude/walletd/internal/core/domain"
	"github.com/vietddude/walletd/internal/provisioning/metrics"
)

// Permit is held for the duration of one derivation.
type Permit struct {
	acquiredAt time.Time
	released   atomic.Bool
}

// Limiter is a bounded semaphore sized by the maximum concurrent generations.
type Limiter struct {
	sem      *semaphore.Weighted
	size     int64
	timeout  time.Duration
	inFlight atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// New creates a limiter admitting at most size concurrent permits. A zero
// timeout makes Acquire wait until ctx is done.
func New(size int, timeout time.Duration) *Limiter {
	if size < 1 {
		size = 1
	}
	return &Limiter{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    int64(size),
		timeout: timeout,
	}
}

// Acquire blocks until a permit is free. It returns domain.ErrLimiterTimeout when
// the configured timeout elapses first, and ctx.Err() if ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return nil, domain.ErrLimiterClosed
	}

	waitCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.LimiterTimeouts.Inc()
			return nil, domain.ErrLimiterTimeout
		}
		return nil, err
	}
	metrics.LimiterWait.Observe(time.Since(start).Seconds())

	metrics.LimiterInFlight.Set(float64(l.inFlight.Add(1)))
	return &Permit{acquiredAt: time.Now()}, nil
}

// Release returns a permit. Releasing the same permit twice is a no-op.
func (l *Limiter) Release(p *Permit) {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	metrics.LimiterInFlight.Set(float64(l.inFlight.Add(-1)))
	l.sem.Release(1)
}

// Drain refuses new permits and waits until every in-flight permit is released.
func (l *Limiter) Drain(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	if err := l.sem.Acquire(ctx, l.size); err != nil {
		return err
	}
	l.sem.Release(l.size)
	return nil
}

// InFlight returns the number of permits currently held.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Capacity returns the maximum number of concurrent permits.
func (l *Limiter) Capacity() int {
	return int(l.size)
}

// Saturation returns InFlight / Capacity.
func (l *Limiter) Saturation() float64 {
	return float64(l.InFlight()) / float64(l.size)
}
