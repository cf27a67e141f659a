// Package ratelimit is the admission gate: one token bucket per
// (account, instrument), created full on first use and evicted when idle.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mt5-bridge/internal/logger"
)

// Config controls bucket sizing and maintenance.
type Config struct {
	Enabled         bool
	OrdersPerMinute float64
	BurstSize       int
	IdleTTL         time.Duration
	SweepInterval   time.Duration
}

type bucket struct {
	mu         sync.Mutex
	lim        *rate.Limiter
	lastAccess time.Time
}

// Limiter is safe for concurrent use. The bucket map has its own lock;
// each bucket is guarded by its own mutex.
type Limiter struct {
	cfg   Config
	limit rate.Limit
	now   func() time.Time
	log   *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket

	// OnDecision is called after every Acquire when set.
	OnDecision func(account, instrument string, allowed bool)
}

// New creates a limiter.
func New(cfg Config, log *slog.Logger) *Limiter {
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Limiter{
		cfg:     cfg,
		limit:   rate.Limit(cfg.OrdersPerMinute / 60),
		now:     time.Now,
		log:     log.With("component", "ratelimit"),
		buckets: make(map[string]*bucket),
	}
}

func key(account, instrument string) string { return account + "|" + instrument }

// Acquire takes tokens from the (account, instrument) bucket, waiting at most
// maxWait for them to refill. It returns false without waiting when the
// required wait already exceeds maxWait.
func (l *Limiter) Acquire(ctx context.Context, account, instrument string, tokens int, maxWait time.Duration) bool {
	ok, _ := l.AcquireWait(ctx, account, instrument, tokens, maxWait)
	if l.OnDecision != nil {
		l.OnDecision(account, instrument, ok)
	}
	return ok
}

// AcquireWait is Acquire that also reports, on denial, how long the caller
// would still have to wait. A denied caller has been suspended for the full
// maxWait (or until ctx ended).
func (l *Limiter) AcquireWait(ctx context.Context, account, instrument string, tokens int, maxWait time.Duration) (bool, time.Duration) {
	if !l.cfg.Enabled {
		return true, 0
	}
	if tokens < 1 {
		tokens = 1
	}
	if tokens > l.cfg.BurstSize {
		return false, time.Duration(math.MaxInt64)
	}

	b := l.bucket(key(account, instrument))
	deadline := l.now().Add(maxWait)
	for {
		b.mu.Lock()
		now := l.now()
		b.lastAccess = now
		if b.lim.AllowN(now, tokens) {
			b.mu.Unlock()
			return true, 0
		}
		wait := l.waitFor(b.lim.TokensAt(now), tokens)
		b.mu.Unlock()

		remaining := deadline.Sub(now)
		if wait > remaining {
			// Refill lands after maxWait: sit out the rest of maxWait, then deny.
			if remaining > 0 && !sleepCtx(ctx, remaining) {
				return false, wait
			}
			l.log.Debug("admission denied", "account", account, "instrument", instrument,
				"wait", wait, "max_wait", maxWait)
			return false, max(wait-remaining, 0)
		}

		if !sleepCtx(ctx, wait) {
			return false, wait
		}
	}
}

// Peek reports whether tokens are available right now without consuming
// them or creating a bucket.
func (l *Limiter) Peek(account, instrument string, tokens int) bool {
	if !l.cfg.Enabled {
		return true
	}
	if tokens > l.cfg.BurstSize {
		return false
	}
	l.mu.Lock()
	b, ok := l.buckets[key(account, instrument)]
	l.mu.Unlock()
	if !ok {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.TokensAt(l.now()) >= float64(tokens)
}

// Tokens returns the current token count of a bucket (capacity when absent).
func (l *Limiter) Tokens(account, instrument string) float64 {
	l.mu.Lock()
	b, ok := l.buckets[key(account, instrument)]
	l.mu.Unlock()
	if !ok {
		return float64(l.cfg.BurstSize)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.TokensAt(l.now())
}

// Reset drops the bucket; the next access recreates it full.
func (l *Limiter) Reset(account, instrument string) {
	l.mu.Lock()
	delete(l.buckets, key(account, instrument))
	l.mu.Unlock()
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Run evicts idle buckets every SweepInterval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	if !l.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.log.Debug("evicted idle buckets", "count", n, "remaining", l.Len())
			}
		}
	}
}

// Sweep evicts buckets idle for longer than IdleTTL and returns how many.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastAccess.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

func (l *Limiter) bucket(k string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[k]
	if !ok {
		now := l.now()
		lim := rate.NewLimiter(l.limit, l.cfg.BurstSize)
		lim.SetLimitAt(now, l.limit) // anchor refill at the injected clock
		b = &bucket{lim: lim, lastAccess: now}
		l.buckets[k] = b
	}
	return b
}

func (l *Limiter) waitFor(have float64, want int) time.Duration {
	if l.limit <= 0 {
		return time.Duration(math.MaxInt64)
	}
	missing := float64(want) - have
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(l.limit) * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
