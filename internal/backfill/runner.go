// Package backfill fills the historical funding table over a bounded
// window: enumerate contracts, subtract the settlements already stored,
// fetch the remaining ranges, and INSERT with conflict-ignore.
package backfill

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/config"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/telemetry"
)

// Store is the slice of storage backfill needs.
type Store interface {
	ExistingFundingTimes(ctx context.Context, ex, symbol string, start, end time.Time) ([]time.Time, error)
	InsertHistory(ctx context.Context, points []model.FundingPoint) (int64, error)
}

// window is one contiguous fetch range.
type window struct {
	start, end time.Time
}

// Runner drives one backfill job.
type Runner struct {
	adapters []exchange.Adapter
	store    Store
	status   *StatusFile
	lock     *Lock
	metrics  *telemetry.Metrics
	cfg      config.HistoricalConfig

	mu         sync.Mutex
	current    Status
	lastFlush  time.Time
	incomplete []string
}

// New builds a runner over the given adapters.
func New(adapters []exchange.Adapter, store Store, metrics *telemetry.Metrics, cfg config.HistoricalConfig) *Runner {
	return &Runner{
		adapters: adapters,
		store:    store,
		status:   NewStatusFile(cfg.StatusPath),
		lock:     NewLock(cfg.LockPath, cfg.LockTTL),
		metrics:  metrics,
		cfg:      cfg,
	}
}

// StatusFile exposes the progress document for the API.
func (r *Runner) StatusFile() *StatusFile { return r.status }

// Run executes the whole job. Per-symbol failures are retried and then
// recorded as incomplete; only lock contention and cancellation abort.
func (r *Runner) Run(ctx context.Context, days int) error {
	if days <= 0 {
		days = r.cfg.Days
	}
	if err := r.lock.Acquire(); err != nil {
		return err
	}
	defer r.lock.Release()

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	r.mu.Lock()
	r.current = Status{
		State:          StateInProgress,
		StartedAt:      end,
		ExchangesTotal: len(r.adapters),
		Days:           days,
	}
	r.incomplete = nil
	r.mu.Unlock()
	r.flush(true)

	for _, a := range r.adapters {
		if ctx.Err() != nil {
			r.finish(StateFailed)
			return fault.New(fault.KindCancelled, "backfill.run", ctx.Err())
		}
		r.runExchange(ctx, a, start, end)
		r.mu.Lock()
		r.current.ExchangesDone++
		r.current.Progress = float64(r.current.ExchangesDone) / float64(r.current.ExchangesTotal)
		r.mu.Unlock()
		r.flush(true)
	}

	r.finish(StateComplete)
	return nil
}

func (r *Runner) runExchange(ctx context.Context, a exchange.Adapter, start, end time.Time) {
	r.mu.Lock()
	r.current.CurrentExchange = a.Name()
	r.current.ContractsDone, r.current.ContractsTotal = 0, 0
	r.mu.Unlock()

	contracts, err := a.ListContracts(ctx)
	if err != nil {
		log.Error().Str("exchange", a.Name()).Err(err).Msg("contract enumeration failed")
		r.mu.Lock()
		r.current.Errors++
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.current.ContractsTotal = len(contracts)
	r.mu.Unlock()
	r.flush(true)

	// Symbol workers bounded per exchange so a venue's whole budget is not
	// burned in one burst.
	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, c := range contracts {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(c exchange.Contract) {
			defer wg.Done()
			defer func() { <-sem }()
			r.fillContract(ctx, a, c, start, end)
			r.mu.Lock()
			r.current.ContractsDone++
			r.mu.Unlock()
			r.flush(false)
		}(c)
	}
	wg.Wait()
}

// fillContract plans gaps for one (exchange, symbol) and fetches them with
// retry. Exhausted retries land the symbol on the incomplete list.
func (r *Runner) fillContract(ctx context.Context, a exchange.Adapter, c exchange.Contract, start, end time.Time) {
	existing, err := r.store.ExistingFundingTimes(ctx, a.Name(), c.Symbol, start, end)
	if err != nil {
		r.recordIncomplete(a.Name(), c.Symbol, err)
		return
	}
	interval := time.Duration(c.FundingIntervalHours) * time.Hour
	gaps := gapRanges(existing, start, end, interval)
	if len(gaps) == 0 {
		return
	}

	for _, w := range gaps {
		points, err := r.fetchWithRetry(ctx, a, c.Symbol, w)
		if err != nil {
			r.recordIncomplete(a.Name(), c.Symbol, err)
			return
		}
		inserted, err := r.store.InsertHistory(ctx, points)
		if err != nil {
			r.recordIncomplete(a.Name(), c.Symbol, err)
			return
		}
		if inserted > 0 {
			r.mu.Lock()
			r.current.GapsFilled += inserted
			r.mu.Unlock()
			if r.metrics != nil {
				r.metrics.BackfillGapsFilled.Add(float64(inserted))
				r.metrics.RecordsWritten.WithLabelValues(a.Name(), "funding_history").
					Add(float64(inserted))
			}
		}
	}
}

func (r *Runner) fetchWithRetry(ctx context.Context, a exchange.Adapter, symbol string, w window) ([]model.FundingPoint, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := r.cfg.BaseBackoff << (attempt - 1)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fault.New(fault.KindCancelled, "backfill.fetch", ctx.Err())
			case <-timer.C:
			}
		}
		points, err := a.FetchHistorical(ctx, symbol, w.start, w.end)
		if err == nil {
			return points, nil
		}
		lastErr = err
		if !fault.Retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func (r *Runner) recordIncomplete(ex, symbol string, err error) {
	key := ex + "/" + symbol
	log.Warn().Str("exchange", ex).Str("symbol", symbol).Err(err).
		Msg("contract backfill incomplete")
	r.mu.Lock()
	r.incomplete = append(r.incomplete, key)
	r.current.Errors++
	r.current.IncompleteContracts = append([]string(nil), r.incomplete...)
	r.mu.Unlock()
}

// flush persists the status document, rate-limited unless forced.
func (r *Runner) flush(force bool) {
	r.mu.Lock()
	if !force && time.Since(r.lastFlush) < 2*time.Second {
		r.mu.Unlock()
		return
	}
	r.lastFlush = time.Now()
	snap := r.current
	snap.IncompleteContracts = append([]string(nil), r.incomplete...)
	r.mu.Unlock()

	if err := r.status.Write(&snap); err != nil {
		log.Warn().Err(err).Msg("status write failed")
	}
}

func (r *Runner) finish(state string) {
	r.mu.Lock()
	r.current.State = state
	if state == StateComplete {
		r.current.Progress = 1.0
		r.current.CurrentExchange = ""
	}
	r.mu.Unlock()
	r.flush(true)
	log.Info().Str("state", state).Msg("backfill finished")
}

// gapRanges subtracts the stored settlements from the target window. A hole
// wider than 1.5 intervals between neighbors becomes a fetch range; thin
// slack at the window edges is tolerated so an up-to-date contract plans no
// work at all.
func gapRanges(existing []time.Time, start, end time.Time, interval time.Duration) []window {
	if interval <= 0 {
		return []window{{start, end}}
	}
	if len(existing) == 0 {
		return []window{{start, end}}
	}
	sorted := append([]time.Time(nil), existing...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	slack := interval + interval/2
	var gaps []window

	if first := sorted[0]; first.Sub(start) > slack {
		gaps = append(gaps, window{start, first})
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Sub(sorted[i-1]) > slack {
			gaps = append(gaps, window{sorted[i-1], sorted[i]})
		}
	}
	if last := sorted[len(sorted)-1]; end.Sub(last) > slack {
		gaps = append(gaps, window{last, end})
	}
	return gaps
}

// Describe renders the plan summary used in CLI logs.
func Describe(days int, exchanges []exchange.Adapter) string {
	names := make([]string, len(exchanges))
	for i, a := range exchanges {
		names[i] = a.Name()
	}
	return fmt.Sprintf("%d days across %v", days, names)
}
