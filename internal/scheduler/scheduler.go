// Package scheduler runs the live collection loop: every tick, one fetch
// cycle per enabled adapter, merged into a single batched UPSERT.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/config"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/ratelimit"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/telemetry"
)

// Store is the slice of the storage layer the scheduler writes through.
type Store interface {
	UpsertLive(ctx context.Context, snaps []model.ContractSnapshot) error
	MarkStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// CycleResult summarizes one completed cycle for health reporting.
type CycleResult struct {
	Started   time.Time                   `json:"started"`
	Duration  time.Duration               `json:"duration"`
	Records   int                         `json:"records"`
	Failures  int                         `json:"failures"`
	Adapters  map[string]*exchange.Report `json:"adapters"`
	WriteErr  string                      `json:"write_error,omitempty"`
	Cancelled bool                        `json:"cancelled,omitempty"`
}

// Scheduler owns the live loop. Construct with New.
type Scheduler struct {
	adapters []exchange.Adapter
	store    Store
	limits   *ratelimit.Registry
	metrics  *telemetry.Metrics

	mode             string
	tick             time.Duration
	maxCycleDuration time.Duration
	staleAfterCycles int
	offsets          map[string]time.Duration

	mu   sync.RWMutex
	last *CycleResult

	limiterMu   sync.Mutex
	limiterSeen map[string]ratelimit.Stats
}

// New builds a scheduler over the given adapters.
func New(adapters []exchange.Adapter, store Store, limits *ratelimit.Registry, metrics *telemetry.Metrics, cfg config.CollectionConfig) *Scheduler {
	s := &Scheduler{
		adapters:         adapters,
		store:            store,
		limits:           limits,
		metrics:          metrics,
		mode:             cfg.Mode,
		tick:             time.Duration(cfg.TickSeconds) * time.Second,
		maxCycleDuration: cfg.MaxCycleDuration,
		staleAfterCycles: cfg.StaleAfterCycles,
		limiterSeen:      make(map[string]ratelimit.Stats),
	}
	s.offsets = computeOffsets(adapters, cfg.Schedule, s.tick)
	return s
}

// computeOffsets places each adapter inside the tick for sequential mode.
// Configured entries win; the rest are spread evenly across the tick so a
// change to the active exchange set keeps the aggregate load flat.
func computeOffsets(adapters []exchange.Adapter, schedule []config.ScheduleEntry, tick time.Duration) map[string]time.Duration {
	offsets := make(map[string]time.Duration, len(adapters))
	configured := make(map[string]time.Duration, len(schedule))
	for _, entry := range schedule {
		configured[entry.Exchange] = time.Duration(entry.OffsetSeconds) * time.Second
	}

	var unplaced []string
	for _, a := range adapters {
		if off, ok := configured[a.Name()]; ok {
			offsets[a.Name()] = off
		} else {
			unplaced = append(unplaced, a.Name())
		}
	}
	for i, name := range unplaced {
		offsets[name] = tick * time.Duration(i) / time.Duration(len(unplaced)+1)
	}
	return offsets
}

// Run executes cycles until ctx is cancelled or runFor elapses (zero means
// run forever). The deadline check sits inside the loop, before each tick
// wait, so a long tick cannot overshoot the budget by a full extra cycle.
func (s *Scheduler) Run(ctx context.Context, runFor time.Duration) error {
	deadline := time.Time{}
	if runFor > 0 {
		deadline = time.Now().Add(runFor)
	}

	cycle := 0
	for {
		if ctx.Err() != nil {
			return fault.New(fault.KindCancelled, "scheduler.run", ctx.Err())
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			log.Info().Int("cycles", cycle).Msg("run duration reached, stopping")
			return nil
		}

		cycleStart := time.Now()
		result := s.runCycle(ctx)
		cycle++
		s.setLast(result)

		if err := s.sweepStale(ctx); err != nil {
			log.Warn().Err(err).Msg("stale sweep failed")
		}

		log.Info().
			Int("cycle", cycle).
			Dur("duration", result.Duration).
			Int("rows", result.Records).
			Int("failures", result.Failures).
			Msg("cycle complete")

		wait := s.tick - time.Since(cycleStart)
		if !deadline.IsZero() && time.Now().Add(wait).After(deadline) {
			log.Info().Int("cycles", cycle).Msg("run duration reached, stopping")
			return nil
		}
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fault.New(fault.KindCancelled, "scheduler.run", ctx.Err())
		case <-timer.C:
		}
	}
}

// RunOnce executes a single cycle; the CLI uses it for one-shot collection.
func (s *Scheduler) RunOnce(ctx context.Context) *CycleResult {
	result := s.runCycle(ctx)
	s.setLast(result)
	return result
}

// runCycle dispatches every adapter per the configured mode and persists the
// merged batch. Per-adapter failures never block the batch write.
func (s *Scheduler) runCycle(ctx context.Context) *CycleResult {
	cycleCtx, cancel := context.WithTimeout(ctx, s.maxCycleDuration)
	defer cancel()

	result := &CycleResult{
		Started:  time.Now().UTC(),
		Adapters: make(map[string]*exchange.Report, len(s.adapters)),
	}

	var (
		mu    sync.Mutex
		batch []model.ContractSnapshot
		wg    sync.WaitGroup
	)

	for _, a := range s.adapters {
		wg.Add(1)
		go func(a exchange.Adapter) {
			defer wg.Done()

			if s.mode == "sequential" {
				if !s.waitOffset(cycleCtx, s.offsets[a.Name()]) {
					return
				}
			}

			started := time.Now()
			snaps, report := a.Fetch(cycleCtx)
			s.observeAdapter(a.Name(), report, time.Since(started))

			mu.Lock()
			batch = append(batch, snaps...)
			result.Adapters[a.Name()] = report
			result.Failures += report.Failed()
			mu.Unlock()
		}(a)
	}
	wg.Wait()

	if cycleCtx.Err() != nil && ctx.Err() == nil {
		log.Warn().Dur("cap", s.maxCycleDuration).Msg("cycle hit max duration, partial batch")
	}
	result.Cancelled = ctx.Err() != nil

	// The write gets a fresh context: a cycle-cap expiry must not discard
	// records that were already fetched.
	writeCtx, writeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer writeCancel()
	if err := s.store.UpsertLive(writeCtx, batch); err != nil {
		result.WriteErr = err.Error()
		log.Error().Err(err).Int("rows", len(batch)).Msg("live upsert failed")
	} else {
		s.observeWrites(result.Adapters)
	}

	result.Records = len(batch)
	result.Duration = time.Since(result.Started)
	if s.metrics != nil {
		s.metrics.CycleDuration.Observe(result.Duration.Seconds())
	}
	return result
}

func (s *Scheduler) waitOffset(ctx context.Context, offset time.Duration) bool {
	if offset <= 0 {
		return true
	}
	timer := time.NewTimer(offset)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Scheduler) observeAdapter(name string, report *exchange.Report, took time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.AdapterDuration.WithLabelValues(name).Observe(took.Seconds())
	for _, f := range report.Failures {
		s.metrics.FetchFailures.WithLabelValues(name, string(f.Kind)).Inc()
	}
	if s.limits != nil {
		if b, ok := s.limits.Get(name); ok {
			snap := b.Snapshot()
			s.metrics.LimiterTokens.WithLabelValues(name).Set(snap.Tokens)
			// Bucket counters are cumulative; export the delta since the
			// last observation so the Prometheus counters stay monotonic.
			s.limiterMu.Lock()
			prev := s.limiterSeen[name]
			s.limiterSeen[name] = snap
			s.limiterMu.Unlock()
			s.metrics.LimiterAcquires.WithLabelValues(name).Add(float64(snap.Acquires - prev.Acquires))
			s.metrics.LimiterBlocks.WithLabelValues(name).Add(float64(snap.Blocks - prev.Blocks))
			s.metrics.LimiterPenalties.WithLabelValues(name).Add(float64(snap.Penalties - prev.Penalties))
		}
	}
}

func (s *Scheduler) observeWrites(reports map[string]*exchange.Report) {
	if s.metrics == nil {
		return
	}
	for name, report := range reports {
		s.metrics.RecordsWritten.WithLabelValues(name, "live_contracts").
			Add(float64(report.Records))
	}
}

// sweepStale deactivates contracts that stopped reporting. The cutoff sits
// stale_after_cycles ticks back from now.
func (s *Scheduler) sweepStale(ctx context.Context) error {
	if s.staleAfterCycles <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(s.staleAfterCycles) * s.tick)
	_, err := s.store.MarkStale(ctx, cutoff)
	return err
}

func (s *Scheduler) setLast(r *CycleResult) {
	s.mu.Lock()
	s.last = r
	s.mu.Unlock()
}

// LastCycle returns the most recent cycle summary, nil before the first.
func (s *Scheduler) LastCycle() *CycleResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
