package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
)

// Bucket is a per-exchange token bucket. Acquire blocks for tokens; Penalize
// drains the bucket and suppresses admission, doubling the suppression window
// across repeated penalties anchored at the first penalty of the streak.
type Bucket struct {
	venue    string
	lim      *rate.Limiter
	capacity int
	refill   float64

	mu           sync.Mutex
	penaltyUntil time.Time
	streak       int
	streakStart  time.Time
	streakWindow time.Duration
	drainOnClear bool

	backoffBase time.Duration
	backoffMax  time.Duration

	acquires  int64
	blocks    int64
	penalties int64
}

// DefaultBackoffMax caps a single penalty window.
const DefaultBackoffMax = 5 * time.Minute

// NewBucket builds a bucket with capacity tokens refilled at refill/sec.
// backoffBase seeds penalty escalation; zero values get safe defaults.
func NewBucket(venue string, capacity int, refill float64, backoffBase time.Duration) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refill <= 0 {
		refill = 1
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	return &Bucket{
		venue:        venue,
		lim:          rate.NewLimiter(rate.Limit(refill), capacity),
		capacity:     capacity,
		refill:       refill,
		backoffBase:  backoffBase,
		backoffMax:   DefaultBackoffMax,
		streakWindow: 2 * DefaultBackoffMax,
	}
}

// Acquire blocks until n tokens are available or ctx is cancelled. Waiting
// callers also hold for any active penalty window.
func (b *Bucket) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if n > b.capacity {
		return fault.Newf(fault.KindInternal, b.venue+".acquire",
			"requested %d tokens exceeds capacity %d", n, b.capacity)
	}

	b.mu.Lock()
	b.acquires++
	b.mu.Unlock()

	for {
		wait := b.penaltyWait(time.Now())
		if wait <= 0 {
			break
		}
		b.mu.Lock()
		b.blocks++
		b.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fault.New(fault.KindCancelled, b.venue+".acquire", ctx.Err())
		case <-timer.C:
		}
	}

	if b.lim.Tokens() < float64(n) {
		b.mu.Lock()
		b.blocks++
		b.mu.Unlock()
	}
	if err := b.lim.WaitN(ctx, n); err != nil {
		if ctx.Err() != nil {
			return fault.New(fault.KindCancelled, b.venue+".acquire", ctx.Err())
		}
		return fault.New(fault.KindInternal, b.venue+".acquire", err)
	}
	return nil
}

// penaltyWait returns how long the caller must hold for the active penalty,
// draining refill that accrued during the window once it has passed.
func (b *Bucket) penaltyWait(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Before(b.penaltyUntil) {
		return b.penaltyUntil.Sub(now)
	}
	if b.drainOnClear {
		b.drainOnClear = false
		b.drainLocked(now)
	}
	return 0
}

func (b *Bucket) drainLocked(now time.Time) {
	if n := int(b.lim.Tokens()); n > 0 {
		b.lim.AllowN(now, n)
	}
}

// Penalize drains the bucket and suppresses admission. d seeds the window
// (zero means the configured base); repeated penalties within a streak double
// the window, capped, anchored at the streak's first penalty so the k-th
// retry lands at start + base·2^(k-1).
func (b *Bucket) Penalize(d time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	base := d
	if base <= 0 {
		base = b.backoffBase
	}
	if b.streak == 0 || now.Sub(b.streakStart) > b.streakWindow {
		b.streak = 0
		b.streakStart = now
	}
	b.streak++

	window := base << (b.streak - 1)
	if window > b.backoffMax {
		window = b.backoffMax
	}
	until := b.streakStart.Add(window)
	if !until.After(now) {
		until = now.Add(base)
	}
	b.penaltyUntil = until
	b.drainOnClear = true
	b.penalties++
	b.drainLocked(now)

	remaining := until.Sub(now)
	log.Warn().Str("exchange", b.venue).Dur("backoff", remaining).Int("streak", b.streak).
		Msg("rate limit penalty")
	return remaining
}

// Forgive ends the penalty streak after a successful request.
func (b *Bucket) Forgive() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streak > 0 && !time.Now().Before(b.penaltyUntil) {
		b.streak = 0
		log.Debug().Str("exchange", b.venue).Msg("rate limit penalty cleared")
	}
}

// Tokens reports the tokens currently available.
func (b *Bucket) Tokens() float64 {
	return b.lim.Tokens()
}

// Throttled reports whether a penalty window is active.
func (b *Bucket) Throttled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.penaltyUntil)
}

// Stats is a point-in-time view of one bucket.
type Stats struct {
	Venue        string    `json:"venue"`
	Capacity     int       `json:"capacity"`
	RefillPerSec float64   `json:"refill_per_sec"`
	Tokens       float64   `json:"tokens"`
	Acquires     int64     `json:"acquires"`
	Blocks       int64     `json:"blocks"`
	Penalties    int64     `json:"penalties"`
	Throttled    bool      `json:"throttled"`
	PenaltyUntil time.Time `json:"penalty_until,omitempty"`
}

// Snapshot returns current counters and token level.
func (b *Bucket) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Venue:        b.venue,
		Capacity:     b.capacity,
		RefillPerSec: b.refill,
		Tokens:       b.lim.Tokens(),
		Acquires:     b.acquires,
		Blocks:       b.blocks,
		Penalties:    b.penalties,
	}
	if time.Now().Before(b.penaltyUntil) {
		s.Throttled = true
		s.PenaltyUntil = b.penaltyUntil
	}
	return s
}

// Registry holds one bucket per exchange.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
}

func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]*Bucket)}
}

// Add registers a bucket for venue, replacing any existing one.
func (r *Registry) Add(venue string, capacity int, refill float64, backoffBase time.Duration) *Bucket {
	b := NewBucket(venue, capacity, refill, backoffBase)
	r.mu.Lock()
	r.buckets[venue] = b
	r.mu.Unlock()
	return b
}

// Get returns the bucket for venue.
func (r *Registry) Get(venue string) (*Bucket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buckets[venue]
	return b, ok
}

// Snapshot returns stats for every registered bucket.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.buckets))
	for venue, b := range r.buckets {
		out[venue] = b.Snapshot()
	}
	return out
}
