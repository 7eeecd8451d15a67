package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/httpx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/symbols"
)

const defaultBase = "https://www.deribit.com"

// currencies scopes the book-summary calls; USDC covers the linear perps
// (SOL_USDC-PERPETUAL etc.), BTC/ETH the inverse ones.
var currencies = []string{"BTC", "ETH", "USDC"}

// Adapter covers Deribit perpetuals. Deribit funds continuously; the ticker's
// funding_8h field is the 8-hour-equivalent rate and that is what gets stored,
// with interval fixed at 8. Storing the instantaneous rate instead would break
// APR comparability across venues.
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

func (a *Adapter) Name() string { return "deribit" }

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type bookSummary struct {
	InstrumentName string      `json:"instrument_name"`
	MarkPrice      json.Number `json:"mark_price"`
	EstDeliveryPx  json.Number `json:"estimated_delivery_price"`
	Funding8h      json.Number `json:"funding_8h"`
	OpenInterest   json.Number `json:"open_interest"`
	QuoteCurrency  string      `json:"quote_currency"`
	BaseCurrency   string      `json:"base_currency"`
}

type instrument struct {
	InstrumentName string `json:"instrument_name"`
	Kind           string `json:"kind"`
	IsActive       bool   `json:"is_active"`
	SettlementPer  string `json:"settlement_period"`
	BaseCurrency   string `json:"base_currency"`
	QuoteCurrency  string `json:"quote_currency"`
}

type fundingHistoryRow struct {
	Timestamp      int64       `json:"timestamp"`
	Interest8h     json.Number `json:"interest_8h"`
	IndexPrice     json.Number `json:"index_price"`
	PrevIndexPrice json.Number `json:"prev_index_price"`
}

func (a *Adapter) call(ctx context.Context, path string, out any) error {
	var env envelope
	if err := a.client.GetJSON(ctx, a.base+path, &env); err != nil {
		return err
	}
	if env.Error != nil {
		return fmt.Errorf("deribit rpc error %d: %s", env.Error.Code, env.Error.Message)
	}
	return a.client.DecodeJSON(env.Result, out)
}

// Fetch pulls one book summary per margin currency; perpetuals are the rows
// whose instrument name ends in -PERPETUAL.
func (a *Adapter) Fetch(ctx context.Context) ([]model.ContractSnapshot, *exchange.Report) {
	report := exchange.NewReport(a.Name())
	now := time.Now().UTC()
	var out []model.ContractSnapshot

	for _, ccy := range currencies {
		report.Requests++
		var rows []bookSummary
		path := fmt.Sprintf("/api/v2/public/get_book_summary_by_currency?currency=%s&kind=future", ccy)
		if err := a.call(ctx, path, &rows); err != nil {
			report.Fail("book_summary", ccy, err)
			continue
		}
		for _, row := range rows {
			if !strings.HasSuffix(row.InstrumentName, "-PERPETUAL") {
				continue
			}
			rate, err := exchange.ParseDecimal(row.Funding8h.String())
			if err != nil {
				report.Fail("parse_rate", row.InstrumentName, err)
				continue
			}
			base, quote, market := classify(row.InstrumentName, ccy)
			oi := exchange.ParseNullDecimal(row.OpenInterest.String())
			oiUnit := model.OIUnitUSD // inverse perps report OI in USD
			if market == model.MarketUSDM {
				oiUnit = model.OIUnitBase
			}
			out = append(out, model.ContractSnapshot{
				Exchange:             a.Name(),
				Symbol:               row.InstrumentName,
				BaseAsset:            base,
				QuoteAsset:           quote,
				FundingRate:          rate,
				FundingIntervalHours: 8,
				APR:                  model.APRFromRate(rate, 8),
				MarkPrice:            exchange.ParseNullDecimal(row.MarkPrice.String()),
				IndexPrice:           exchange.ParseNullDecimal(row.EstDeliveryPx.String()),
				OpenInterest:         oi,
				OIUnit:               oiUnit,
				ContractType:         "PERPETUAL",
				MarketType:           market,
				Timestamp:            now,
			})
		}
	}
	return out, report.Done(len(out))
}

// classify splits BTC-PERPETUAL (inverse, USD quote) and SOL_USDC-PERPETUAL
// (linear, USDC quote) instrument spellings.
func classify(instrument, ccy string) (base, quote string, market model.MarketType) {
	name := strings.TrimSuffix(instrument, "-PERPETUAL")
	if raw, ok := strings.CutSuffix(name, "_USDC"); ok {
		return symbols.NormalizeBase(raw), "USDC", model.MarketUSDM
	}
	if ccy == "USDC" {
		return symbols.NormalizeBase(name), "USDC", model.MarketUSDM
	}
	return symbols.NormalizeBase(name), "USD", model.MarketCOINM
}

// FetchHistorical reads get_funding_rate_history, which returns hourly rows
// carrying the 8h-equivalent rate. Rows are thinned to 8h settlements so the
// stored series matches the interval stamped on live records.
func (a *Adapter) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error) {
	path := fmt.Sprintf("/api/v2/public/get_funding_rate_history?instrument_name=%s&start_timestamp=%d&end_timestamp=%d",
		symbol, start.UnixMilli(), end.UnixMilli())
	var rows []fundingHistoryRow
	if err := a.call(ctx, path, &rows); err != nil {
		return nil, err
	}

	var points []model.FundingPoint
	for _, row := range rows {
		t := exchange.MsTime(row.Timestamp)
		if t.Hour()%8 != 0 || t.Minute() != 0 {
			continue
		}
		rate, err := exchange.ParseDecimal(row.Interest8h.String())
		if err != nil {
			continue
		}
		points = append(points, model.FundingPoint{
			Exchange:    a.Name(),
			Symbol:      symbol,
			FundingRate: rate,
			FundingTime: t,
			MarkPrice:   exchange.ParseNullDecimal(row.IndexPrice.String()),
		})
	}
	return exchange.StampIntervals(a.Name(), points, 8), nil
}

// ListContracts enumerates active perpetual instruments per currency.
func (a *Adapter) ListContracts(ctx context.Context) ([]exchange.Contract, error) {
	var out []exchange.Contract
	for _, ccy := range currencies {
		var rows []instrument
		path := fmt.Sprintf("/api/v2/public/get_instruments?currency=%s&kind=future&expired=false", ccy)
		if err := a.call(ctx, path, &rows); err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		for _, row := range rows {
			if !row.IsActive || row.SettlementPer != "perpetual" {
				continue
			}
			out = append(out, exchange.Contract{
				Symbol:               row.InstrumentName,
				BaseAsset:            symbols.NormalizeBase(row.BaseCurrency),
				QuoteAsset:           row.QuoteCurrency,
				FundingIntervalHours: 8,
				ContractType:         "PERPETUAL",
			})
		}
	}
	return out, nil
}
