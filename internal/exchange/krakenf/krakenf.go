package krakenf

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/httpx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/symbols"
)

const defaultBase = "https://futures.kraken.com"

// Adapter covers Kraken Futures perpetuals (PF_ multi-collateral, PI_
// inverse). The tickers feed reports funding in absolute quote terms per
// contract; dividing by mark price yields the relative rate. That division
// follows the venue's own convention and stays behind FundingIsAbsolute so
// it can be switched off without a code change if Kraken redefines the field.
type Adapter struct {
	client            *httpx.Client
	base              string
	fundingIsAbsolute bool
}

type Options struct {
	Base              string
	FundingIsAbsolute *bool // nil means true
}

func New(client *httpx.Client, opts Options) *Adapter {
	if opts.Base == "" {
		opts.Base = defaultBase
	}
	abs := true
	if opts.FundingIsAbsolute != nil {
		abs = *opts.FundingIsAbsolute
	}
	return &Adapter{client: client, base: opts.Base, fundingIsAbsolute: abs}
}

func (a *Adapter) Name() string { return "krakenf" }

type tickersResponse struct {
	Result  string      `json:"result"`
	Error   string      `json:"error"`
	Tickers []tickerRow `json:"tickers"`
}

type tickerRow struct {
	Symbol       string      `json:"symbol"`
	Tag          string      `json:"tag"`
	Pair         string      `json:"pair"`
	FundingRate  json.Number `json:"fundingRate"`
	MarkPrice    json.Number `json:"markPrice"`
	IndexPrice   json.Number `json:"indexPrice"`
	OpenInterest json.Number `json:"openInterest"`
	Suspended    bool        `json:"suspended"`
}

type historyResponse struct {
	Rates []struct {
		Timestamp           string      `json:"timestamp"`
		FundingRate         json.Number `json:"fundingRate"`
		RelativeFundingRate json.Number `json:"relativeFundingRate"`
	} `json:"rates"`
}

func (a *Adapter) tickers(ctx context.Context) ([]tickerRow, error) {
	var resp tickersResponse
	if err := a.client.GetJSON(ctx, a.base+"/derivatives/api/v3/tickers", &resp); err != nil {
		return nil, err
	}
	if resp.Result != "success" {
		return nil, fault.Newf(fault.KindUpstream4xx, "krakenf.tickers", "result %q: %s",
			resp.Result, resp.Error)
	}
	return resp.Tickers, nil
}

// Fetch converts the bulk ticker feed. PF_ contracts settle hourly, PI_
// inverse contracts every four hours.
func (a *Adapter) Fetch(ctx context.Context) ([]model.ContractSnapshot, *exchange.Report) {
	report := exchange.NewReport(a.Name())
	report.Requests++

	rows, err := a.tickers(ctx)
	if err != nil {
		report.Fail("tickers", "", err)
		return nil, report.Done(0)
	}

	now := time.Now().UTC()
	out := make([]model.ContractSnapshot, 0, len(rows))
	for _, row := range rows {
		if row.Tag != "perpetual" || row.Suspended {
			continue
		}
		mark := exchange.ParseNullDecimal(row.MarkPrice.String())
		rate, ok := a.relativeRate(row.FundingRate.String(), mark)
		if !ok {
			report.Fail("funding_rate", row.Symbol,
				fault.Newf(fault.KindParse, "krakenf.rate", "no usable rate for %s", row.Symbol))
			continue
		}
		interval := intervalOf(row.Symbol)
		if interval == 0 {
			continue
		}
		base, quote, ok := splitPair(row)
		if !ok {
			continue
		}

		market := model.MarketUSDM
		unit := model.OIUnitBase
		if strings.HasPrefix(row.Symbol, "PI_") {
			market = model.MarketCOINM
			unit = model.OIUnitUSD // inverse contracts are 1 USD each
		}
		out = append(out, model.ContractSnapshot{
			Exchange:             a.Name(),
			Symbol:               row.Symbol,
			BaseAsset:            base,
			QuoteAsset:           quote,
			FundingRate:          rate,
			FundingIntervalHours: interval,
			APR:                  model.APRFromRate(rate, interval),
			MarkPrice:            mark,
			IndexPrice:           exchange.ParseNullDecimal(row.IndexPrice.String()),
			OpenInterest:         exchange.ParseNullDecimal(row.OpenInterest.String()),
			OIUnit:               unit,
			ContractType:         "perpetual",
			MarketType:           market,
			Timestamp:            now,
		})
	}
	return out, report.Done(len(out))
}

// relativeRate applies the absolute-to-relative division when configured.
func (a *Adapter) relativeRate(raw string, mark decimal.NullDecimal) (decimal.Decimal, bool) {
	rate, err := exchange.ParseDecimal(raw)
	if err != nil {
		return decimal.Zero, false
	}
	if !a.fundingIsAbsolute {
		return rate, true
	}
	if !mark.Valid || mark.Decimal.Sign() <= 0 {
		return decimal.Zero, false
	}
	return rate.DivRound(mark.Decimal, 18), true
}

// FetchHistorical returns the venue's full series filtered to the window.
// The history rows carry relativeFundingRate directly, no division needed.
func (a *Adapter) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error) {
	var resp historyResponse
	u := a.base + "/derivatives/api/v4/historicalfundingrates?symbol=" + symbol
	if err := a.client.GetJSON(ctx, u, &resp); err != nil {
		return nil, err
	}

	var points []model.FundingPoint
	for _, row := range resp.Rates {
		ts, err := time.Parse(time.RFC3339, row.Timestamp)
		if err != nil {
			continue
		}
		ts = ts.UTC()
		if ts.Before(start) || ts.After(end) {
			continue
		}
		raw := row.RelativeFundingRate.String()
		if raw == "" {
			raw = row.FundingRate.String()
		}
		rate, err := exchange.ParseDecimal(raw)
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
	return exchange.StampIntervals(a.Name(), points, intervalOf(symbol)), nil
}

// ListContracts reuses the ticker feed; it already carries every live perp.
func (a *Adapter) ListContracts(ctx context.Context) ([]exchange.Contract, error) {
	rows, err := a.tickers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Contract, 0, len(rows))
	for _, row := range rows {
		if row.Tag != "perpetual" || row.Suspended {
			continue
		}
		interval := intervalOf(row.Symbol)
		if interval == 0 {
			continue
		}
		base, quote, ok := splitPair(row)
		if !ok {
			continue
		}
		out = append(out, exchange.Contract{
			Symbol:               row.Symbol,
			BaseAsset:            base,
			QuoteAsset:           quote,
			FundingIntervalHours: interval,
			ContractType:         "perpetual",
		})
	}
	return out, nil
}

func intervalOf(symbol string) int {
	switch {
	case strings.HasPrefix(symbol, "PF_"):
		return 1
	case strings.HasPrefix(symbol, "PI_"):
		return 4
	}
	return 0
}

// splitPair prefers the explicit "XBT:USD" pair field, falling back to the
// symbol body after the product prefix.
func splitPair(row tickerRow) (base, quote string, ok bool) {
	if parts := strings.Split(row.Pair, ":"); len(parts) == 2 {
		return symbols.NormalizeBase(parts[0]), parts[1], true
	}
	body := row.Symbol
	if i := strings.Index(body, "_"); i >= 0 {
		body = body[i+1:]
	}
	return symbolsSplit(body)
}

func symbolsSplit(body string) (string, string, bool) {
	base, quote, ok := symbols.SplitSymbol(body)
	return base, quote, ok
}
