package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketType discriminates contract margining conventions across venues.
type MarketType string

const (
	MarketUSDM  MarketType = "USD-M"
	MarketCOINM MarketType = "COIN-M"
	MarketPerp  MarketType = "PERP"
)

// OIUnit records the unit an adapter observed open interest in. Conversion
// to USD notional happens at the storage read boundary, never twice.
type OIUnit string

const (
	OIUnitUSD       OIUnit = "usd"
	OIUnitBase      OIUnit = "base"
	OIUnitContracts OIUnit = "contracts"
	OIUnitNone      OIUnit = ""
)

// ContractSnapshot is the canonical live record every adapter emits.
// Identity is (exchange, symbol).
type ContractSnapshot struct {
	Exchange             string              `db:"exchange" json:"exchange"`
	Symbol               string              `db:"symbol" json:"symbol"`
	BaseAsset            string              `db:"base_asset" json:"base_asset"`
	QuoteAsset           string              `db:"quote_asset" json:"quote_asset"`
	FundingRate          decimal.Decimal     `db:"funding_rate" json:"funding_rate"`
	FundingIntervalHours int                 `db:"funding_interval_hours" json:"funding_interval_hours"`
	APR                  decimal.Decimal     `db:"apr" json:"apr"`
	MarkPrice            decimal.NullDecimal `db:"mark_price" json:"mark_price"`
	IndexPrice           decimal.NullDecimal `db:"index_price" json:"index_price"`
	OpenInterest         decimal.NullDecimal `db:"open_interest" json:"open_interest"`
	OIUnit               OIUnit              `db:"oi_unit" json:"oi_unit"`
	ContractType         string              `db:"contract_type" json:"contract_type"`
	MarketType           MarketType          `db:"market_type" json:"market_type"`
	Timestamp            time.Time           `db:"observed_at" json:"timestamp"`
}

// FundingPoint is one settled funding event. Identity is
// (exchange, symbol, funding_time); rows are append-only.
type FundingPoint struct {
	Exchange             string              `db:"exchange" json:"exchange"`
	Symbol               string              `db:"symbol" json:"symbol"`
	FundingRate          decimal.Decimal     `db:"funding_rate" json:"funding_rate"`
	FundingTime          time.Time           `db:"funding_time" json:"funding_time"`
	MarkPrice            decimal.NullDecimal `db:"mark_price" json:"mark_price"`
	FundingIntervalHours int                 `db:"funding_interval_hours" json:"funding_interval_hours"`
}

// ContractStats is the rolling 30-day summary for one contract. Refreshed in
// place, never appended.
type ContractStats struct {
	Exchange          string    `db:"exchange" json:"exchange"`
	Symbol            string    `db:"symbol" json:"symbol"`
	Mean              float64   `db:"mean" json:"mean"`
	StdDev            float64   `db:"std_dev" json:"std_dev"`
	Median            float64   `db:"median" json:"median"`
	Min               float64   `db:"min" json:"min"`
	Max               float64   `db:"max" json:"max"`
	DataPoints        int       `db:"data_points" json:"data_points"`
	CurrentZScore     *float64  `db:"current_z_score" json:"current_z_score"`
	CurrentPercentile *float64  `db:"current_percentile" json:"current_percentile"`
	LastUpdated       time.Time `db:"last_updated" json:"last_updated"`
}

// Spread is one detected cross-exchange funding opportunity. Identity is
// (asset, long_exchange, short_exchange, observed_at); rows accumulate and
// are pruned by age.
type Spread struct {
	Asset                 string          `db:"asset" json:"asset"`
	LongExchange          string          `db:"long_exchange" json:"long_exchange"`
	LongSymbol            string          `db:"long_symbol" json:"long_symbol"`
	LongRate              decimal.Decimal `db:"long_rate" json:"long_rate"`
	LongIntervalHours     int             `db:"long_interval_hours" json:"long_interval_hours"`
	ShortExchange         string          `db:"short_exchange" json:"short_exchange"`
	ShortSymbol           string          `db:"short_symbol" json:"short_symbol"`
	ShortRate             decimal.Decimal `db:"short_rate" json:"short_rate"`
	ShortIntervalHours    int             `db:"short_interval_hours" json:"short_interval_hours"`
	RateSpread            decimal.Decimal `db:"rate_spread" json:"rate_spread"`
	APRSpread             decimal.Decimal `db:"apr_spread" json:"apr_spread"`
	SyncPeriodHours       int             `db:"sync_period_hours" json:"sync_period_hours"`
	LongSyncFunding       decimal.Decimal `db:"long_sync_funding" json:"long_sync_funding"`
	ShortSyncFunding      decimal.Decimal `db:"short_sync_funding" json:"short_sync_funding"`
	EffectiveHourlySpread decimal.Decimal `db:"effective_hourly_spread" json:"effective_hourly_spread"`
	DailySpread           decimal.Decimal `db:"daily_spread" json:"daily_spread"`
	ObservedAt            time.Time       `db:"observed_at" json:"observed_at"`
}

var (
	hoursPerYear = decimal.NewFromInt(8760)
	hundred      = decimal.NewFromInt(100)
)

// APRFromRate annualizes a per-interval funding rate as a percentage:
// rate × (8760 / interval_hours) × 100.
func APRFromRate(rate decimal.Decimal, intervalHours int) decimal.Decimal {
	if intervalHours <= 0 {
		return decimal.Zero
	}
	return rate.Mul(hoursPerYear).Div(decimal.NewFromInt(int64(intervalHours))).Mul(hundred)
}

// ValidInterval reports whether h is a supported funding interval.
func ValidInterval(h int) bool {
	switch h {
	case 1, 2, 4, 8:
		return true
	}
	return false
}

// intervalTolerance is the relative slack when matching an observed funding
// gap to a supported interval.
const intervalTolerance = 0.05

// InferInterval matches the gap between two consecutive funding times to a
// supported interval within ±5%. Returns 0 when no interval matches; callers
// must refuse to emit the record in that case.
func InferInterval(gap time.Duration) int {
	if gap <= 0 {
		return 0
	}
	hours := gap.Hours()
	for _, candidate := range []int{1, 2, 4, 8} {
		c := float64(candidate)
		if hours >= c*(1-intervalTolerance) && hours <= c*(1+intervalTolerance) {
			return candidate
		}
	}
	return 0
}

// InferIntervalFromTimes applies InferInterval to the two most recent
// funding times. The slice does not need to be sorted.
func InferIntervalFromTimes(times []time.Time) int {
	if len(times) < 2 {
		return 0
	}
	newest, second := times[0], times[1]
	for _, t := range times {
		if t.After(newest) {
			second = newest
			newest = t
		} else if t.After(second) && !t.Equal(newest) {
			second = t
		}
	}
	return InferInterval(newest.Sub(second))
}
