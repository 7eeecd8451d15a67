// Package stats maintains per-contract rolling funding statistics over a
// 30-day window, with zone-based refresh so hot contracts recompute at 30 s
// and quiet ones at 2 min.
package stats

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/config"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/telemetry"
)

// minDataPoints gates z-score and percentile computation.
const minDataPoints = 3

// Store is the slice of storage the engine reads and writes.
type Store interface {
	ActiveContracts(ctx context.Context) ([]model.ContractSnapshot, error)
	FundingWindow(ctx context.Context, ex, symbol string, since time.Time) ([]float64, error)
	UpsertStats(ctx context.Context, st model.ContractStats) error
}

type contractKey struct {
	exchange, symbol string
}

type zoneState struct {
	lastZ       float64
	hasZ        bool
	lastRefresh time.Time
}

// Engine schedules and computes refreshes. Per-contract writes are
// serialized by the worker that owns the job; no two workers ever hold the
// same key.
type Engine struct {
	store   Store
	metrics *telemetry.Metrics
	cfg     config.StatsConfig

	mu    sync.Mutex
	zones map[contractKey]*zoneState
}

func New(store Store, metrics *telemetry.Metrics, cfg config.StatsConfig) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Engine{
		store:   store,
		metrics: metrics,
		cfg:     cfg,
		zones:   make(map[contractKey]*zoneState),
	}
}

// Run loops until cancelled, sweeping for due contracts every active
// interval.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ActiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.RefreshDue(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("stats refresh sweep failed")
			}
		}
	}
}

// RefreshDue recomputes every contract whose zone interval has elapsed.
func (e *Engine) RefreshDue(ctx context.Context) error {
	contracts, err := e.store.ActiveContracts(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	var due []model.ContractSnapshot
	for _, c := range contracts {
		if e.isDue(contractKey{c.Exchange, c.Symbol}, now) {
			due = append(due, c)
		}
	}
	if len(due) == 0 {
		return nil
	}
	return e.refresh(ctx, due)
}

// RefreshAll recomputes the whole population, zone state notwithstanding.
func (e *Engine) RefreshAll(ctx context.Context) error {
	contracts, err := e.store.ActiveContracts(ctx)
	if err != nil {
		return err
	}
	return e.refresh(ctx, contracts)
}

// isDue applies the zone policy: active contracts (|z| past the threshold
// or never refreshed) use the short interval, stable ones the long.
func (e *Engine) isDue(key contractKey, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	zs, ok := e.zones[key]
	if !ok {
		return true
	}
	interval := e.cfg.StableInterval
	if zs.hasZ && math.Abs(zs.lastZ) >= e.cfg.ActiveZScore {
		interval = e.cfg.ActiveInterval
	}
	return now.Sub(zs.lastRefresh) >= interval
}

// refresh fans the due set across the bounded worker pool.
func (e *Engine) refresh(ctx context.Context, contracts []model.ContractSnapshot) error {
	jobs := make(chan model.ContractSnapshot)
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				if ctx.Err() != nil {
					return
				}
				e.refreshOne(ctx, c)
			}
		}()
	}
	for _, c := range contracts {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		case jobs <- c:
		}
	}
	close(jobs)
	wg.Wait()
	return ctx.Err()
}

func (e *Engine) refreshOne(ctx context.Context, c model.ContractSnapshot) {
	key := contractKey{c.Exchange, c.Symbol}
	since := time.Now().AddDate(0, 0, -e.cfg.WindowDays)

	window, err := e.store.FundingWindow(ctx, c.Exchange, c.Symbol, since)
	if err != nil {
		log.Debug().Str("exchange", c.Exchange).Str("symbol", c.Symbol).Err(err).
			Msg("funding window read failed")
		return
	}
	latest, _ := c.FundingRate.Float64()
	st := Compute(c.Exchange, c.Symbol, window, latest)

	if err := e.store.UpsertStats(ctx, st); err != nil {
		log.Warn().Str("exchange", c.Exchange).Str("symbol", c.Symbol).Err(err).
			Msg("stats upsert failed")
		return
	}

	e.mu.Lock()
	zs := e.zones[key]
	if zs == nil {
		zs = &zoneState{}
		e.zones[key] = zs
	}
	zone := "stable"
	zs.hasZ = st.CurrentZScore != nil
	if zs.hasZ {
		zs.lastZ = *st.CurrentZScore
		if math.Abs(zs.lastZ) >= e.cfg.ActiveZScore {
			zone = "active"
		}
	}
	zs.lastRefresh = time.Now()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.StatsRefreshes.WithLabelValues(zone).Inc()
	}
}

// Compute derives the rolling summary for one contract. The z-score and
// percentile stay nil below minDataPoints or when the window is flat.
func Compute(exchange, symbol string, window []float64, latest float64) model.ContractStats {
	st := model.ContractStats{
		Exchange:    exchange,
		Symbol:      symbol,
		DataPoints:  len(window),
		LastUpdated: time.Now().UTC(),
	}
	if len(window) == 0 {
		return st
	}

	sorted := append([]float64(nil), window...)
	sort.Float64s(sorted)

	st.Mean = stat.Mean(window, nil)
	st.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	st.Min = sorted[0]
	st.Max = sorted[len(sorted)-1]
	if len(window) > 1 {
		st.StdDev = stat.StdDev(window, nil)
	}

	if len(window) >= minDataPoints {
		if st.StdDev > 0 {
			z := (latest - st.Mean) / st.StdDev
			st.CurrentZScore = &z
		}
		p := percentile(sorted, latest)
		st.CurrentPercentile = &p
	}
	return st
}

// percentile ranks latest among the sorted window values, in percent.
func percentile(sorted []float64, latest float64) float64 {
	n := sort.SearchFloat64s(sorted, latest)
	// Count equal values as below-or-at the rank.
	for n < len(sorted) && sorted[n] <= latest {
		n++
	}
	return 100 * float64(n) / float64(len(sorted))
}
