package exchange

import (
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
)

// ParseDecimal parses a venue-reported numeric string. Venues interchange
// "", "0", and absent fields freely; empty means zero here, callers that
// need null semantics use ParseNullDecimal.
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// ParseNullDecimal returns an invalid NullDecimal for empty or malformed
// input instead of failing the whole record.
func ParseNullDecimal(s string) decimal.NullDecimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// MsTime converts venue epoch milliseconds to a UTC instant.
func MsTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// StampIntervals fills funding_interval_hours on a historical series. When
// the venue states the interval it is applied directly; otherwise the gap to
// the neighboring settlement is matched against the supported set and points
// with no defensible interval are dropped rather than guessed.
func StampIntervals(venue string, points []model.FundingPoint, knownInterval int) []model.FundingPoint {
	if len(points) == 0 {
		return points
	}
	if model.ValidInterval(knownInterval) {
		for i := range points {
			points[i].FundingIntervalHours = knownInterval
		}
		return points
	}

	sort.Slice(points, func(i, j int) bool {
		return points[i].FundingTime.Before(points[j].FundingTime)
	})

	kept := points[:0]
	dropped := 0
	for i := range points {
		var gap time.Duration
		switch {
		case i > 0:
			gap = points[i].FundingTime.Sub(points[i-1].FundingTime)
		case len(points) > 1:
			gap = points[1].FundingTime.Sub(points[0].FundingTime)
		}
		iv := model.InferInterval(gap)
		if iv == 0 {
			dropped++
			continue
		}
		points[i].FundingIntervalHours = iv
		kept = append(kept, points[i])
	}
	if dropped > 0 {
		log.Warn().Str("exchange", venue).Int("dropped", dropped).
			Str("kind", "PARSE").
			Msg("funding points dropped: interval not inferable")
	}
	return kept
}
