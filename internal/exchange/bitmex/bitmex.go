package bitmex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/httpx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/symbols"
)

const (
	defaultBase     = "https://www.bitmex.com"
	historyPageSize = 500
)

// Adapter covers BitMEX perpetual swaps. BitMEX spells bitcoin XBT and
// reports open interest in USD notional for the classic inverse contracts.
// The funding interval arrives as a time-of-day value (0000-01-01T08:00Z
// means every 8 hours).
type Adapter struct {
	client *httpx.Client
	base   string
}

type Options struct {
	Base string
}

func New(client *httpx.Client, opts Options) *Adapter {
	if opts.Base == "" {
		opts.Base = defaultBase
	}
	return &Adapter{client: client, base: opts.Base}
}

func (a *Adapter) Name() string { return "bitmex" }

type instrumentRow struct {
	Symbol          string      `json:"symbol"`
	RootSymbol      string      `json:"rootSymbol"`
	QuoteCurrency   string      `json:"quoteCurrency"`
	Typ             string      `json:"typ"`
	State           string      `json:"state"`
	IsInverse       bool        `json:"isInverse"`
	FundingRate     json.Number `json:"fundingRate"`
	FundingInterval string      `json:"fundingInterval"`
	MarkPrice       json.Number `json:"markPrice"`
	IndicativePx    json.Number `json:"indicativeSettlePrice"`
	OpenInterest    json.Number `json:"openInterest"`
}

type fundingRow struct {
	Timestamp       time.Time   `json:"timestamp"`
	Symbol          string      `json:"symbol"`
	FundingInterval string      `json:"fundingInterval"`
	FundingRate     json.Number `json:"fundingRate"`
}

// intervalHours decodes BitMEX's time-of-day interval encoding. Zero means
// the field was absent or unparseable.
func intervalHours(s string) int {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.Hour()
}

func (a *Adapter) activeInstruments(ctx context.Context) ([]instrumentRow, error) {
	var rows []instrumentRow
	if err := a.client.GetJSON(ctx, a.base+"/api/v1/instrument/active", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Fetch converts the active-instrument list; typ FFWCSX marks perpetuals.
func (a *Adapter) Fetch(ctx context.Context) ([]model.ContractSnapshot, *exchange.Report) {
	report := exchange.NewReport(a.Name())
	report.Requests++

	rows, err := a.activeInstruments(ctx)
	if err != nil {
		report.Fail("instrument_active", "", err)
		return nil, report.Done(0)
	}

	now := time.Now().UTC()
	out := make([]model.ContractSnapshot, 0, len(rows))
	for _, row := range rows {
		if row.Typ != "FFWCSX" || row.State != "Open" {
			continue
		}
		rate, err := exchange.ParseDecimal(row.FundingRate.String())
		if err != nil {
			report.Fail("parse_rate", row.Symbol, err)
			continue
		}
		interval := intervalHours(row.FundingInterval)
		if !model.ValidInterval(interval) {
			report.Fail("interval", row.Symbol, fmt.Errorf("interval %q not supported", row.FundingInterval))
			continue
		}

		market := model.MarketUSDM
		oiUnit := model.OIUnitContracts
		if row.IsInverse {
			market = model.MarketCOINM
			oiUnit = model.OIUnitUSD // inverse contracts are 1 USD each
		}
		out = append(out, model.ContractSnapshot{
			Exchange:             a.Name(),
			Symbol:               row.Symbol,
			BaseAsset:            symbols.NormalizeBase(row.RootSymbol),
			QuoteAsset:           row.QuoteCurrency,
			FundingRate:          rate,
			FundingIntervalHours: interval,
			APR:                  model.APRFromRate(rate, interval),
			MarkPrice:            exchange.ParseNullDecimal(row.MarkPrice.String()),
			IndexPrice:           exchange.ParseNullDecimal(row.IndicativePx.String()),
			OpenInterest:         exchange.ParseNullDecimal(row.OpenInterest.String()),
			OIUnit:               oiUnit,
			ContractType:         "FFWCSX",
			MarketType:           market,
			Timestamp:            now,
		})
	}
	return out, report.Done(len(out))
}

// FetchHistorical pages /api/v1/funding forward with the start offset.
func (a *Adapter) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error) {
	var points []model.FundingPoint
	offset := 0

	for {
		q := url.Values{}
		q.Set("symbol", symbol)
		q.Set("startTime", start.UTC().Format(time.RFC3339))
		q.Set("endTime", end.UTC().Format(time.RFC3339))
		q.Set("count", fmt.Sprintf("%d", historyPageSize))
		q.Set("start", fmt.Sprintf("%d", offset))

		var rows []fundingRow
		if err := a.client.GetJSON(ctx, a.base+"/api/v1/funding?"+q.Encode(), &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			rate, err := exchange.ParseDecimal(row.FundingRate.String())
			if err != nil {
				continue
			}
			points = append(points, model.FundingPoint{
				Exchange:             a.Name(),
				Symbol:               symbol,
				FundingRate:          rate,
				FundingTime:          row.Timestamp.UTC(),
				FundingIntervalHours: intervalHours(row.FundingInterval),
			})
		}
		if len(rows) < historyPageSize {
			break
		}
		offset += len(rows)
	}

	// Rows carried their own interval; anything left at zero falls back to
	// gap inference.
	valid := points[:0]
	var unstamped []model.FundingPoint
	for _, p := range points {
		if model.ValidInterval(p.FundingIntervalHours) {
			valid = append(valid, p)
		} else {
			p.FundingIntervalHours = 0
			unstamped = append(unstamped, p)
		}
	}
	if len(unstamped) > 0 {
		valid = append(valid, exchange.StampIntervals(a.Name(), unstamped, 0)...)
	}
	return valid, nil
}

// ListContracts enumerates open perpetual swaps.
func (a *Adapter) ListContracts(ctx context.Context) ([]exchange.Contract, error) {
	rows, err := a.activeInstruments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Contract, 0, len(rows))
	for _, row := range rows {
		if row.Typ != "FFWCSX" || row.State != "Open" {
			continue
		}
		interval := intervalHours(row.FundingInterval)
		if !model.ValidInterval(interval) {
			continue
		}
		out = append(out, exchange.Contract{
			Symbol:               row.Symbol,
			BaseAsset:            symbols.NormalizeBase(row.RootSymbol),
			QuoteAsset:           row.QuoteCurrency,
			FundingIntervalHours: interval,
			ContractType:         "FFWCSX",
		})
	}
	return out, nil
}
