// Package ratelimit throttles upstream fetches with three cooperating
// controls: an exact 60-second sliding window over grants, a concurrency
// gate, and an adaptive inter-request delay that backs off when the
// upstream rate-limits us and decays toward the configured minimum on
// success.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/distboard/distboard/pkg/types"
)

// Outcome tells the limiter how the guarded call went.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRateLimitedByUpstream
	OutcomeError
)

// Config mirrors the process-wide rate-limit settings.
type Config struct {
	MaxRequestsPerMinute int
	MaxConcurrent        int
	MinDelay             time.Duration
	MaxDelay             time.Duration
	BackoffMultiplier    float64
}

// Token represents one outstanding slot. It must be released exactly once.
type Token struct {
	grantedAt time.Time
}

// Limiter implements Acquire/Release with cancellation support. Config
// changes take effect for the next Acquire; tokens already held are
// unaffected.
type Limiter struct {
	mu sync.Mutex

	cfg          Config
	pacer        *rate.Limiter // enforces the current inter-request delay
	currentDelay time.Duration

	grants      []time.Time // grant log for the sliding window
	outstanding int
	slotFreed   chan struct{}

	now func() time.Time
}

// New builds a limiter from cfg.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:       cfg,
		slotFreed: make(chan struct{}),
		now:       time.Now,
	}
	l.currentDelay = cfg.MinDelay
	l.pacer = rate.NewLimiter(delayToLimit(l.currentDelay), 1)
	return l
}

func delayToLimit(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// SetConfig swaps the configuration. The new window size, concurrency
// bound, and delay bounds apply from the next Acquire.
func (l *Limiter) SetConfig(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	if l.currentDelay < cfg.MinDelay {
		l.currentDelay = cfg.MinDelay
	}
	if l.currentDelay > cfg.MaxDelay && cfg.MaxDelay > 0 {
		l.currentDelay = cfg.MaxDelay
	}
	l.pacer.SetLimit(delayToLimit(l.currentDelay))
	// Wake anyone waiting on the old concurrency bound.
	close(l.slotFreed)
	l.slotFreed = make(chan struct{})
}

// Config returns a copy of the current configuration.
func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// CurrentDelay exposes the adaptive delay, for metrics.
func (l *Limiter) CurrentDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentDelay
}

// Acquire blocks until a concurrency slot and window room are available
// and the inter-request delay has elapsed, or ctx is done. On ctx
// cancellation no slot or window grant is leaked.
func (l *Limiter) Acquire(ctx context.Context) (*Token, error) {
	if err := l.acquireSlot(ctx); err != nil {
		return nil, err
	}
	for {
		if err := l.waitWindow(ctx); err != nil {
			l.releaseSlot()
			return nil, err
		}
		if err := l.pacer.Wait(ctx); err != nil {
			l.releaseSlot()
			return nil, err
		}

		// The window may have filled while the pacer slept; the grant
		// counts only if it fits under the same lock as the check.
		l.mu.Lock()
		now := l.now()
		l.pruneGrants(now)
		if len(l.grants) < l.cfg.MaxRequestsPerMinute {
			l.grants = append(l.grants, now)
			l.mu.Unlock()
			return &Token{grantedAt: now}, nil
		}
		l.mu.Unlock()
	}
}

// Release returns the slot and adjusts the adaptive delay based on how the
// upstream responded.
func (l *Limiter) Release(_ *Token, outcome Outcome) {
	l.mu.Lock()
	switch outcome {
	case OutcomeRateLimitedByUpstream:
		next := time.Duration(float64(l.currentDelay) * l.cfg.BackoffMultiplier)
		if next <= 0 {
			next = l.cfg.MinDelay
		}
		if l.cfg.MaxDelay > 0 && next > l.cfg.MaxDelay {
			next = l.cfg.MaxDelay
		}
		l.currentDelay = next
	case OutcomeOK:
		next := l.currentDelay
		if l.cfg.BackoffMultiplier > 1 {
			next = time.Duration(float64(l.currentDelay) / l.cfg.BackoffMultiplier)
		}
		if next < l.cfg.MinDelay {
			next = l.cfg.MinDelay
		}
		l.currentDelay = next
	}
	l.pacer.SetLimit(delayToLimit(l.currentDelay))
	l.mu.Unlock()

	l.releaseSlot()
}

// Outstanding reports how many tokens are currently held.
func (l *Limiter) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding
}

func (l *Limiter) acquireSlot(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.outstanding < l.cfg.MaxConcurrent {
			l.outstanding++
			l.mu.Unlock()
			return nil
		}
		freed := l.slotFreed
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-freed:
		}
	}
}

func (l *Limiter) releaseSlot() {
	l.mu.Lock()
	l.outstanding--
	close(l.slotFreed)
	l.slotFreed = make(chan struct{})
	l.mu.Unlock()
}

// waitWindow blocks until the number of grants inside the trailing minute
// is below MaxRequestsPerMinute.
func (l *Limiter) waitWindow(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.pruneGrants(now)
		if len(l.grants) < l.cfg.MaxRequestsPerMinute {
			l.mu.Unlock()
			return nil
		}
		// Sleep until the oldest grant ages out of the window.
		wait := l.grants[0].Add(time.Minute).Sub(now)
		l.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) pruneGrants(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(l.grants) && !l.grants[i].After(cutoff) {
		i++
	}
	l.grants = l.grants[i:]
}

// FromTypes converts the wire/domain representation into limiter config.
func FromTypes(rl types.RateLimitConfig) Config {
	return Config{
		MaxRequestsPerMinute: rl.MaxRequestsPerMinute,
		MaxConcurrent:        rl.MaxConcurrent,
		MinDelay:             time.Duration(rl.MinDelayMs) * time.Millisecond,
		MaxDelay:             time.Duration(rl.MaxDelayMs) * time.Millisecond,
		BackoffMultiplier:    rl.BackoffMultiplier,
	}
}
