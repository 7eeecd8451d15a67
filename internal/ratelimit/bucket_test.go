package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
)

func TestAcquireAdmissionBound(t *testing.T) {
	const (
		capacity = 5
		refill   = 50.0
	)
	b := NewBucket("binance", capacity, refill, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var admitted int64
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := b.Acquire(ctx, 1); err != nil {
					return
				}
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start).Seconds()

	// Token-bucket safety: admissions never exceed capacity plus refill over
	// the observed window.
	limit := float64(capacity) + refill*elapsed + 1
	assert.LessOrEqual(t, float64(atomic.LoadInt64(&admitted)), limit)
	assert.Greater(t, atomic.LoadInt64(&admitted), int64(0))
}

func TestPenaltyEscalationAnchoredAtStreakStart(t *testing.T) {
	b := NewBucket("bybit", 10, 100, 50*time.Millisecond)

	b.Penalize(0)
	until1 := b.Snapshot().PenaltyUntil
	b.Penalize(0)
	until2 := b.Snapshot().PenaltyUntil
	b.Penalize(0)
	until3 := b.Snapshot().PenaltyUntil

	// Windows double from the same anchor: base, 2x, 4x. The gap between
	// consecutive horizons is therefore base, then 2x base, exactly.
	assert.Equal(t, 50*time.Millisecond, until2.Sub(until1))
	assert.Equal(t, 100*time.Millisecond, until3.Sub(until2))
}

func TestPenaltyWindowCapped(t *testing.T) {
	b := NewBucket("okx", 10, 100, time.Minute)
	b.backoffMax = 90 * time.Second

	b.Penalize(0) // 1m
	b.Penalize(0) // would be 2m, capped at 90s
	s := b.Snapshot()
	require.True(t, s.Throttled)
	assert.LessOrEqual(t, time.Until(s.PenaltyUntil), 90*time.Second+time.Second)
}

func TestAcquireHoldsForPenalty(t *testing.T) {
	b := NewBucket("gateio", 5, 100, 10*time.Millisecond)
	b.Penalize(30 * time.Millisecond)

	start := time.Now()
	err := b.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestAcquireCancelledDuringPenalty(t *testing.T) {
	b := NewBucket("mexc", 5, 100, time.Second)
	b.Penalize(10 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Acquire(ctx, 1)
	require.Error(t, err)
	assert.Equal(t, fault.KindCancelled, fault.KindOf(err))
}

func TestAcquireCancelledWaitingForTokens(t *testing.T) {
	b := NewBucket("krakenf", 1, 0.1, time.Second)
	require.NoError(t, b.Acquire(context.Background(), 1)) // drain the only token

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Acquire(ctx, 1)
	require.Error(t, err)
	assert.Equal(t, fault.KindCancelled, fault.KindOf(err))
}

func TestAcquireBeyondCapacity(t *testing.T) {
	b := NewBucket("deribit", 2, 1, time.Second)
	err := b.Acquire(context.Background(), 3)
	require.Error(t, err)
	assert.Equal(t, fault.KindInternal, fault.KindOf(err))
}

func TestPenalizeDrainsTokens(t *testing.T) {
	b := NewBucket("bitget", 10, 0.1, time.Second)
	assert.InDelta(t, 10, b.Tokens(), 0.5)

	b.Penalize(time.Second)
	assert.Less(t, b.Tokens(), 1.0)
}

func TestForgiveResetsStreak(t *testing.T) {
	b := NewBucket("dydx", 10, 100, 10*time.Millisecond)

	b.Penalize(0)
	b.Penalize(0) // streak of 2, window 20ms from anchor
	time.Sleep(25 * time.Millisecond)
	b.Forgive()

	rem := b.Penalize(0)
	// Fresh streak starts back at the base window.
	assert.LessOrEqual(t, rem, 15*time.Millisecond)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Add("binance", 20, 10, time.Second)
	r.Add("hyperliquid", 5, 2, time.Second)

	b, ok := r.Get("binance")
	require.True(t, ok)
	require.NoError(t, b.Acquire(context.Background(), 1))

	_, ok = r.Get("unknown")
	assert.False(t, ok)

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, int64(1), snap["binance"].Acquires)
	assert.Equal(t, int64(0), snap["hyperliquid"].Acquires)
}

func TestPenaltyIsolationAcrossVenues(t *testing.T) {
	r := NewRegistry()
	r.Add("bybit", 5, 100, time.Second)
	r.Add("okx", 5, 100, time.Second)

	bybit, _ := r.Get("bybit")
	okx, _ := r.Get("okx")
	bybit.Penalize(5 * time.Second)

	// A penalty on one venue must not delay another.
	start := time.Now()
	require.NoError(t, okx.Acquire(context.Background(), 1))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
