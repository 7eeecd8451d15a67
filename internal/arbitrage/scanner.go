// Package arbitrage joins live snapshots across venues by normalized base
// asset and scores cross-exchange funding spreads.
package arbitrage

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/config"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
)

// Store is the slice of storage the scanner uses.
type Store interface {
	ActiveContracts(ctx context.Context) ([]model.ContractSnapshot, error)
	InsertSpreads(ctx context.Context, spreads []model.Spread) error
	SpreadHistory(ctx context.Context, asset, longEx, shortEx string, since time.Time) ([]float64, error)
	PruneSpreads(ctx context.Context, olderThan time.Time) (int64, error)
}

// Opportunity is one ranked candidate in the API payload: the persisted
// spread plus projections and the pair's historical z-score.
type Opportunity struct {
	model.Spread
	WeeklySpread  decimal.Decimal `json:"weekly_spread"`
	MonthlySpread decimal.Decimal `json:"monthly_spread"`
	YearlySpread  decimal.Decimal `json:"yearly_spread"`
	SpreadZScore  *float64        `json:"spread_z_score"`
}

// Scanner detects opportunities. Persistence of spread history happens only
// through Run/Record, never through Scan.
type Scanner struct {
	store Store
	cfg   config.ArbitrageConfig
}

func New(store Store, cfg config.ArbitrageConfig) *Scanner {
	return &Scanner{store: store, cfg: cfg}
}

// Run sweeps on the given cadence until cancelled, persisting each sweep's
// spreads into the pair history and pruning aged rows as it goes. This is
// the only path that writes spread history; Scan stays read-only.
func (s *Scanner) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Record(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("arbitrage scan failed")
			}
			if _, err := s.store.PruneSpreads(ctx, time.Now().Add(-s.cfg.MaxSpreadAge)); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("spread prune failed")
			}
		}
	}
}

// Record computes the current spread set and appends it to the pair history.
func (s *Scanner) Record(ctx context.Context) error {
	spreads, err := s.currentSpreads(ctx)
	if err != nil {
		return err
	}
	return s.store.InsertSpreads(ctx, spreads)
}

// Scan computes the current opportunity set ranked by APR spread descending.
// It reads spread history for z-scores but never writes it.
func (s *Scanner) Scan(ctx context.Context) ([]Opportunity, error) {
	spreads, err := s.currentSpreads(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Opportunity, 0, len(spreads))
	for _, sp := range spreads {
		out = append(out, s.enrich(ctx, sp))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].APRSpread.GreaterThan(out[j].APRSpread)
	})
	return out, nil
}

// currentSpreads pairs the strongest contract per (asset, venue) across
// venues and filters by the configured minimum APR spread.
func (s *Scanner) currentSpreads(ctx context.Context) ([]model.Spread, error) {
	contracts, err := s.store.ActiveContracts(ctx)
	if err != nil {
		return nil, err
	}

	// Best contract per (asset, venue): the one with the strongest |APR|
	// represents the venue for that asset.
	type legKey struct{ asset, exchange string }
	legs := make(map[legKey]model.ContractSnapshot)
	for _, c := range contracts {
		k := legKey{c.BaseAsset, c.Exchange}
		if cur, ok := legs[k]; !ok || c.APR.Abs().GreaterThan(cur.APR.Abs()) {
			legs[k] = c
		}
	}

	byAsset := make(map[string][]model.ContractSnapshot)
	for k, c := range legs {
		byAsset[k.asset] = append(byAsset[k.asset], c)
	}

	now := time.Now().UTC()
	minAPR := decimal.NewFromFloat(s.cfg.MinAPRSpread)
	var spreads []model.Spread

	for asset, venueLegs := range byAsset {
		if len(venueLegs) < 2 {
			continue
		}
		sort.Slice(venueLegs, func(i, j int) bool {
			return venueLegs[i].Exchange < venueLegs[j].Exchange
		})
		for i := 0; i < len(venueLegs); i++ {
			for j := i + 1; j < len(venueLegs); j++ {
				sp := Pair(asset, venueLegs[i], venueLegs[j], now)
				if sp.APRSpread.LessThan(minAPR) {
					continue
				}
				spreads = append(spreads, sp)
			}
		}
	}

	return spreads, nil
}

func (s *Scanner) enrich(ctx context.Context, sp model.Spread) Opportunity {
	op := Opportunity{
		Spread:        sp,
		WeeklySpread:  sp.DailySpread.Mul(decimal.NewFromInt(7)),
		MonthlySpread: sp.DailySpread.Mul(decimal.NewFromInt(30)),
		YearlySpread:  sp.DailySpread.Mul(decimal.NewFromInt(365)),
	}
	since := time.Now().Add(-30 * 24 * time.Hour)
	history, err := s.store.SpreadHistory(ctx, sp.Asset, sp.LongExchange, sp.ShortExchange, since)
	if err != nil || len(history) < 3 {
		return op
	}
	mean := stat.Mean(history, nil)
	sd := stat.StdDev(history, nil)
	if sd > 0 {
		cur, _ := sp.APRSpread.Float64()
		z := (cur - mean) / sd
		op.SpreadZScore = &z
	}
	return op
}

// Pair orients two legs of one asset so the long sits on the more negative
// funding, and derives the spread quantities.
func Pair(asset string, a, b model.ContractSnapshot, observed time.Time) model.Spread {
	long, short := a, b
	if b.FundingRate.LessThan(a.FundingRate) {
		long, short = b, a
	}

	syncHours := lcm(long.FundingIntervalHours, short.FundingIntervalHours)
	syncDec := decimal.NewFromInt(int64(syncHours))
	longIv := decimal.NewFromInt(int64(long.FundingIntervalHours))
	shortIv := decimal.NewFromInt(int64(short.FundingIntervalHours))

	// Per-hour legs, then projected: this keeps mixed intervals comparable.
	effectiveHourly := short.FundingRate.Div(shortIv).Sub(long.FundingRate.Div(longIv))

	return model.Spread{
		Asset:                 asset,
		LongExchange:          long.Exchange,
		LongSymbol:            long.Symbol,
		LongRate:              long.FundingRate,
		LongIntervalHours:     long.FundingIntervalHours,
		ShortExchange:         short.Exchange,
		ShortSymbol:           short.Symbol,
		ShortRate:             short.FundingRate,
		ShortIntervalHours:    short.FundingIntervalHours,
		RateSpread:            short.FundingRate.Sub(long.FundingRate),
		APRSpread:             short.APR.Sub(long.APR),
		SyncPeriodHours:       syncHours,
		LongSyncFunding:       long.FundingRate.Mul(syncDec).Div(longIv),
		ShortSyncFunding:      short.FundingRate.Mul(syncDec).Div(shortIv),
		EffectiveHourlySpread: effectiveHourly,
		DailySpread:           effectiveHourly.Mul(decimal.NewFromInt(24)),
		ObservedAt:            observed,
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a <= 0 || b <= 0 {
		return 0
	}
	return a / gcd(a, b) * b
}
