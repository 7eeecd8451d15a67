package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPRFromRate(t *testing.T) {
	cases := []struct {
		rate     string
		interval int
		want     string
	}{
		{"0.0001", 8, "10.95"},
		{"0.00009", 8, "9.855"},
		{"0.0001", 1, "87.6"},
		{"-0.0002", 8, "-21.9"},
		{"0.0003", 4, "65.7"},
		{"0", 8, "0"},
	}
	for _, tc := range cases {
		rate := decimal.RequireFromString(tc.rate)
		want := decimal.RequireFromString(tc.want)
		got := APRFromRate(rate, tc.interval)
		assert.True(t, got.Equal(want), "rate=%s interval=%d got=%s want=%s",
			tc.rate, tc.interval, got, want)
	}
}

func TestAPRFromRateRelativeTolerance(t *testing.T) {
	// Derivation must hold to 1e-9 relative tolerance against float math.
	rate := decimal.RequireFromString("0.000137")
	got, _ := APRFromRate(rate, 4).Float64()
	want := 0.000137 * (8760.0 / 4.0) * 100.0
	assert.InEpsilon(t, want, got, 1e-9)
}

func TestAPRFromRateInvalidInterval(t *testing.T) {
	assert.True(t, APRFromRate(decimal.RequireFromString("0.01"), 0).IsZero())
	assert.True(t, APRFromRate(decimal.RequireFromString("0.01"), -3).IsZero())
}

func TestValidInterval(t *testing.T) {
	for _, h := range []int{1, 2, 4, 8} {
		assert.True(t, ValidInterval(h), "%d", h)
	}
	for _, h := range []int{0, 3, 6, 12, 24, -1} {
		assert.False(t, ValidInterval(h), "%d", h)
	}
}

func TestInferInterval(t *testing.T) {
	cases := []struct {
		gap  time.Duration
		want int
	}{
		{8 * time.Hour, 8},
		{457 * time.Minute, 8}, // 7.62h, just inside -5%
		{503 * time.Minute, 8}, // 8.38h, just inside +5%
		{time.Hour, 1},
		{63 * time.Minute, 1},
		{2 * time.Hour, 2},
		{4 * time.Hour, 4},
		{3 * time.Hour, 0},          // no supported interval
		{255 * time.Minute, 0},      // 4.25h outside both 4h and 8h bands
		{12 * time.Hour, 0},
		{0, 0},
		{-time.Hour, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, InferInterval(tc.gap), "gap=%s", tc.gap)
	}
}

func TestInferIntervalFromTimes(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	got := InferIntervalFromTimes([]time.Time{
		base.Add(-16 * time.Hour), base, base.Add(-8 * time.Hour),
	})
	assert.Equal(t, 8, got)

	// Two points, unsorted.
	assert.Equal(t, 4, InferIntervalFromTimes([]time.Time{base, base.Add(-4 * time.Hour)}))

	// Not enough data.
	assert.Equal(t, 0, InferIntervalFromTimes([]time.Time{base}))
	assert.Equal(t, 0, InferIntervalFromTimes(nil))

	// Duplicate newest collapses the gap to zero.
	assert.Equal(t, 0, InferIntervalFromTimes([]time.Time{base, base}))
}

func TestSnapshotAPRConsistency(t *testing.T) {
	rate := decimal.RequireFromString("0.0001")
	snap := ContractSnapshot{
		Exchange:             "binance",
		Symbol:               "BTCUSDT",
		BaseAsset:            "BTC",
		QuoteAsset:           "USDT",
		FundingRate:          rate,
		FundingIntervalHours: 8,
		APR:                  APRFromRate(rate, 8),
		Timestamp:            time.Now().UTC(),
	}
	require.True(t, snap.APR.Equal(decimal.RequireFromString("10.95")))
}
