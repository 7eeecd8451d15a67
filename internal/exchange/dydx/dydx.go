package dydx

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

const defaultBase = "https://indexer.dydx.trade"

// fundingIntervalHours: dYdX v4 settles funding hourly.
const fundingIntervalHours = 1

// Adapter covers the dYdX v4 indexer. One GET returns every perpetual market;
// tickers are BASE-USD and nextFundingRate is the 1h rate.
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

func (a *Adapter) Name() string { return "dydx" }

type market struct {
	Ticker          string      `json:"ticker"`
	Status          string      `json:"status"`
	OraclePrice     json.Number `json:"oraclePrice"`
	NextFundingRate json.Number `json:"nextFundingRate"`
	OpenInterest    json.Number `json:"openInterest"` // base units
}

type marketsResponse struct {
	Markets map[string]market `json:"markets"`
}

type historicalFundingResponse struct {
	HistoricalFunding []struct {
		Ticker      string      `json:"ticker"`
		Rate        json.Number `json:"rate"`
		Price       json.Number `json:"price"`
		EffectiveAt time.Time   `json:"effectiveAt"`
	} `json:"historicalFunding"`
}

func (a *Adapter) markets(ctx context.Context) (map[string]market, error) {
	var resp marketsResponse
	if err := a.client.GetJSON(ctx, a.base+"/v4/perpetualMarkets", &resp); err != nil {
		return nil, err
	}
	return resp.Markets, nil
}

// Fetch converts the bulk market map into snapshots.
func (a *Adapter) Fetch(ctx context.Context) ([]model.ContractSnapshot, *exchange.Report) {
	report := exchange.NewReport(a.Name())
	report.Requests++

	markets, err := a.markets(ctx)
	if err != nil {
		report.Fail("perpetual_markets", "", err)
		return nil, report.Done(0)
	}

	now := time.Now().UTC()
	out := make([]model.ContractSnapshot, 0, len(markets))
	for ticker, m := range markets {
		if m.Status != "ACTIVE" {
			continue
		}
		rate, err := exchange.ParseDecimal(m.NextFundingRate.String())
		if err != nil {
			report.Fail("parse_rate", ticker, err)
			continue
		}
		out = append(out, model.ContractSnapshot{
			Exchange:             a.Name(),
			Symbol:               ticker,
			BaseAsset:            baseFromTicker(ticker),
			QuoteAsset:           "USD",
			FundingRate:          rate,
			FundingIntervalHours: fundingIntervalHours,
			APR:                  model.APRFromRate(rate, fundingIntervalHours),
			MarkPrice:            exchange.ParseNullDecimal(m.OraclePrice.String()),
			OpenInterest:         exchange.ParseNullDecimal(m.OpenInterest.String()),
			OIUnit:               model.OIUnitBase,
			ContractType:         "PERP",
			MarketType:           model.MarketPerp,
			Timestamp:            now,
		})
	}
	return out, report.Done(len(out))
}

func baseFromTicker(ticker string) string {
	raw, _, _ := strings.Cut(ticker, "-")
	return symbols.NormalizeBase(raw)
}

// FetchHistorical pages backwards with effectiveBeforeOrAt, the indexer's
// only cursor, until the window start is crossed.
func (a *Adapter) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error) {
	var points []model.FundingPoint
	seen := make(map[int64]bool)
	cursor := end.UTC()

	for cursor.After(start) {
		u := fmt.Sprintf("%s/v4/historicalFunding/%s?effectiveBeforeOrAt=%s&limit=100",
			a.base, symbol, cursor.Format(time.RFC3339))
		var resp historicalFundingResponse
		if err := a.client.GetJSON(ctx, u, &resp); err != nil {
			return nil, err
		}
		if len(resp.HistoricalFunding) == 0 {
			break
		}
		oldest := cursor
		progressed := false
		for _, row := range resp.HistoricalFunding {
			t := row.EffectiveAt.UTC()
			if t.Before(oldest) {
				oldest = t
				progressed = true
			}
			if t.Before(start) || t.After(end) || seen[t.UnixMilli()] {
				continue
			}
			rate, err := exchange.ParseDecimal(row.Rate.String())
			if err != nil {
				continue
			}
			seen[t.UnixMilli()] = true
			points = append(points, model.FundingPoint{
				Exchange:    a.Name(),
				Symbol:      symbol,
				FundingRate: rate,
				FundingTime: t,
				MarkPrice:   exchange.ParseNullDecimal(row.Price.String()),
			})
		}
		if !progressed {
			break
		}
		cursor = oldest.Add(-time.Second)
	}
	return exchange.StampIntervals(a.Name(), points, fundingIntervalHours), nil
}

// ListContracts enumerates active markets.
func (a *Adapter) ListContracts(ctx context.Context) ([]exchange.Contract, error) {
	markets, err := a.markets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Contract, 0, len(markets))
	for ticker, m := range markets {
		if m.Status != "ACTIVE" {
			continue
		}
		out = append(out, exchange.Contract{
			Symbol:               ticker,
			BaseAsset:            baseFromTicker(ticker),
			QuoteAsset:           "USD",
			FundingIntervalHours: fundingIntervalHours,
			ContractType:         "PERP",
		})
	}
	return out, nil
}
