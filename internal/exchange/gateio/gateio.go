package gateio

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/httpx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/symbols"
)

const (
	defaultBase     = "https://api.gateio.ws/api/v4"
	historyPageSize = 1000
)

// settles are the contract settlement scopes polled each cycle.
var settles = []string{"usdt", "btc"}

// Adapter covers Gate.io perpetual futures. Contract lists are bulk per
// settlement currency; funding history takes only a row limit, so the window
// is filtered client-side.
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

func (a *Adapter) Name() string { return "gateio" }

type contractRow struct {
	Name             string      `json:"name"`
	Type             string      `json:"type"` // direct | inverse
	FundingRate      string      `json:"funding_rate"`
	FundingInterval  int64       `json:"funding_interval"` // seconds
	MarkPrice        string      `json:"mark_price"`
	IndexPrice       string      `json:"index_price"`
	PositionSize     json.Number `json:"position_size"` // open interest, contracts
	QuantoMultiplier string      `json:"quanto_multiplier"`
	InDelisting      bool        `json:"in_delisting"`
}

type fundingRow struct {
	Timestamp int64  `json:"t"` // seconds
	Rate      string `json:"r"`
}

// Fetch walks both settlement scopes; one failing scope degrades the cycle.
func (a *Adapter) Fetch(ctx context.Context) ([]model.ContractSnapshot, *exchange.Report) {
	report := exchange.NewReport(a.Name())
	now := time.Now().UTC()
	var out []model.ContractSnapshot

	for _, settle := range settles {
		report.Requests++
		var rows []contractRow
		if err := a.client.GetJSON(ctx, a.base+"/futures/"+settle+"/contracts", &rows); err != nil {
			report.Fail("contracts_"+settle, "", err)
			continue
		}
		for _, row := range rows {
			if row.InDelisting {
				continue
			}
			snap, ok := a.snapshot(row, settle, now, report)
			if ok {
				out = append(out, snap)
			}
		}
	}
	return out, report.Done(len(out))
}

func (a *Adapter) snapshot(row contractRow, settle string, now time.Time, report *exchange.Report) (model.ContractSnapshot, bool) {
	rate, err := exchange.ParseDecimal(row.FundingRate)
	if err != nil {
		report.Fail("parse_rate", row.Name, err)
		return model.ContractSnapshot{}, false
	}
	interval := int(row.FundingInterval / 3600)
	if !model.ValidInterval(interval) {
		return model.ContractSnapshot{}, false
	}
	base, quote, ok := splitName(row.Name)
	if !ok {
		return model.ContractSnapshot{}, false
	}

	oi, unit := openInterest(row)
	market := model.MarketUSDM
	if row.Type == "inverse" || settle == "btc" {
		market = model.MarketCOINM
	}
	return model.ContractSnapshot{
		Exchange:             a.Name(),
		Symbol:               row.Name,
		BaseAsset:            base,
		QuoteAsset:           quote,
		FundingRate:          rate,
		FundingIntervalHours: interval,
		APR:                  model.APRFromRate(rate, interval),
		MarkPrice:            exchange.ParseNullDecimal(row.MarkPrice),
		IndexPrice:           exchange.ParseNullDecimal(row.IndexPrice),
		OpenInterest:         oi,
		OIUnit:               unit,
		ContractType:         row.Type,
		MarketType:           market,
		Timestamp:            now,
	}, true
}

// openInterest scales contract counts into base units via the quanto
// multiplier when one is published.
func openInterest(row contractRow) (decimal.NullDecimal, model.OIUnit) {
	size := exchange.ParseNullDecimal(row.PositionSize.String())
	if !size.Valid {
		return decimal.NullDecimal{}, model.OIUnitNone
	}
	mult := exchange.ParseNullDecimal(row.QuantoMultiplier)
	if !mult.Valid || mult.Decimal.Sign() <= 0 {
		return size, model.OIUnitContracts
	}
	return decimal.NullDecimal{Decimal: size.Decimal.Mul(mult.Decimal), Valid: true}, model.OIUnitBase
}

// FetchHistorical pulls the newest page and filters to the window. The venue
// caps the series at 1000 rows, which covers a year of 8h settlements.
func (a *Adapter) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error) {
	settle := settleOf(symbol)
	u := fmt.Sprintf("%s/futures/%s/funding_rate?contract=%s&limit=%d",
		a.base, settle, symbol, historyPageSize)

	var rows []fundingRow
	if err := a.client.GetJSON(ctx, u, &rows); err != nil {
		return nil, err
	}
	var points []model.FundingPoint
	for _, row := range rows {
		ts := time.Unix(row.Timestamp, 0).UTC()
		if ts.Before(start) || ts.After(end) {
			continue
		}
		rate, err := exchange.ParseDecimal(row.Rate)
		if err != nil {
			continue
		}
		points = append(points, model.FundingPoint{
			Exchange:    a.Name(),
			Symbol:      symbol,
			FundingRate: rate,
			FundingTime: ts,
		})
	}
	return exchange.StampIntervals(a.Name(), points, 0), nil
}

// ListContracts merges both settlement scopes.
func (a *Adapter) ListContracts(ctx context.Context) ([]exchange.Contract, error) {
	var out []exchange.Contract
	for _, settle := range settles {
		var rows []contractRow
		if err := a.client.GetJSON(ctx, a.base+"/futures/"+settle+"/contracts", &rows); err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		for _, row := range rows {
			if row.InDelisting {
				continue
			}
			interval := int(row.FundingInterval / 3600)
			if !model.ValidInterval(interval) {
				continue
			}
			base, quote, ok := splitName(row.Name)
			if !ok {
				continue
			}
			out = append(out, exchange.Contract{
				Symbol:               row.Name,
				BaseAsset:            base,
				QuoteAsset:           quote,
				FundingIntervalHours: interval,
				ContractType:         row.Type,
			})
		}
	}
	return out, nil
}

// splitName parses "BTC_USDT" style contract names.
func splitName(name string) (base, quote string, ok bool) {
	parts := strings.Split(name, "_")
	if len(parts) != 2 {
		return "", "", false
	}
	return symbols.NormalizeBase(parts[0]), parts[1], true
}

// settleOf routes a contract name to its settlement scope.
func settleOf(symbol string) string {
	if strings.HasSuffix(symbol, "_USD") {
		return "btc"
	}
	return "usdt"
}
