// Package ratelimit provides the shared download bandwidth gate.
package ratelimit

import (
	"context"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// maxBurst caps the token bucket so natural read-size chunks pass
// through without the limiter absorbing multi-second bursts.
const maxBurst = 1 << 20 // 1 MiB

// Limiter is a token-bucket gate over byte acquisitions. A zero limit
// means unlimited: Acquire returns immediately. The limit can be
// changed while acquirers are waiting; see SetLimit.
type Limiter struct {
	limiter  *rate.Limiter
	disabled atomic.Bool
}

// New creates a Limiter capping aggregate throughput at bytesPerSec.
// bytesPerSec <= 0 disables throttling.
func New(bytesPerSec int64) *Limiter {
	l := &Limiter{limiter: rate.NewLimiter(rate.Inf, maxBurst)}
	l.SetLimit(bytesPerSec)
	return l
}

// SetLimit reconfigures the cap live. Tokens already granted are not
// revoked. A waiter already sleeping on a reserved slice finishes that
// sleep; its later slices and all new acquisitions use the new limit.
func (l *Limiter) SetLimit(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		l.disabled.Store(true)
		l.limiter.SetLimit(rate.Inf)
		l.limiter.SetBurst(maxBurst)
		return
	}
	burst := int64(maxBurst)
	if bytesPerSec < burst {
		burst = bytesPerSec
	}
	l.disabled.Store(false)
	l.limiter.SetLimit(rate.Limit(bytesPerSec))
	l.limiter.SetBurst(int(burst))
}

// Limit returns the configured cap in bytes/sec, 0 when unlimited.
func (l *Limiter) Limit() int64 {
	if l.disabled.Load() {
		return 0
	}
	return int64(l.limiter.Limit())
}

// Acquire blocks until n tokens are consumed. Requests larger than the
// bucket capacity are taken in burst-sized slices so a single large
// acquisition cannot deadlock the bucket.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 || l.disabled.Load() {
		return nil
	}
	for n > 0 {
		slice := n
		if burst := l.limiter.Burst(); slice > burst {
			slice = burst
		}
		if err := l.limiter.WaitN(ctx, slice); err != nil {
			// The limit may have been raised to Inf mid-wait.
			if l.disabled.Load() {
				return nil
			}
			return err
		}
		n -= slice
	}
	return nil
}

// Reader wraps r so every read is charged against the limiter after the
// bytes arrive, keeping the gate between protocol and disk rather than
// between protocol and socket.
func (l *Limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	return &limitedReader{r: r, l: l, ctx: ctx}
}

type limitedReader struct {
	r   io.Reader
	l   *Limiter
	ctx context.Context
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	if n > 0 {
		if waitErr := lr.l.Acquire(lr.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
