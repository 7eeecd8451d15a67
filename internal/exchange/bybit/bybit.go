package bybit

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/httpx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/symbols"
)

const (
	defaultBase     = "https://api.bybit.com"
	historyPageSize = 200
)

// Adapter covers Bybit v5 linear and inverse perpetuals. Tickers are bulk;
// instrument metadata pages with an opaque cursor; funding history pages
// backward by shrinking endTime.
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

func (a *Adapter) Name() string { return "bybit" }

// envelope is the uniform v5 response wrapper.
type envelope[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
}

type tickerRow struct {
	Symbol            string `json:"symbol"`
	FundingRate       string `json:"fundingRate"`
	MarkPrice         string `json:"markPrice"`
	IndexPrice        string `json:"indexPrice"`
	OpenInterest      string `json:"openInterest"`
	OpenInterestValue string `json:"openInterestValue"`
	NextFundingTime   string `json:"nextFundingTime"`
}

type tickerResult struct {
	Category string      `json:"category"`
	List     []tickerRow `json:"list"`
}

type instrumentRow struct {
	Symbol          string `json:"symbol"`
	ContractType    string `json:"contractType"`
	Status          string `json:"status"`
	BaseCoin        string `json:"baseCoin"`
	QuoteCoin       string `json:"quoteCoin"`
	FundingInterval int    `json:"fundingInterval"` // minutes
}

type instrumentResult struct {
	List           []instrumentRow `json:"list"`
	NextPageCursor string          `json:"nextPageCursor"`
}

type fundingRow struct {
	Symbol               string `json:"symbol"`
	FundingRate          string `json:"fundingRate"`
	FundingRateTimestamp string `json:"fundingRateTimestamp"`
}

type fundingResult struct {
	List []fundingRow `json:"list"`
}

func (a *Adapter) get(ctx context.Context, path string, q url.Values, out any) error {
	u := a.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return a.client.GetJSON(ctx, u, out)
}

// Fetch joins bulk tickers with instrument metadata for both categories.
func (a *Adapter) Fetch(ctx context.Context) ([]model.ContractSnapshot, *exchange.Report) {
	report := exchange.NewReport(a.Name())
	var out []model.ContractSnapshot
	now := time.Now().UTC()

	for _, category := range []string{"linear", "inverse"} {
		instruments, err := a.instruments(ctx, category, report)
		if err != nil {
			report.Fail("instruments_"+category, "", err)
			continue
		}

		report.Requests++
		var resp envelope[tickerResult]
		q := url.Values{"category": {category}}
		if err := a.get(ctx, "/v5/market/tickers", q, &resp); err != nil {
			report.Fail("tickers_"+category, "", err)
			continue
		}
		if resp.RetCode != 0 {
			report.Fail("tickers_"+category, "",
				fault.Newf(fault.KindUpstream4xx, "bybit.tickers", "retCode %d: %s", resp.RetCode, resp.RetMsg))
			continue
		}

		market := model.MarketUSDM
		if category == "inverse" {
			market = model.MarketCOINM
		}
		for _, t := range resp.Result.List {
			meta, ok := instruments[t.Symbol]
			if !ok || t.FundingRate == "" {
				continue
			}
			rate, err := exchange.ParseDecimal(t.FundingRate)
			if err != nil {
				report.Fail("parse_rate", t.Symbol, err)
				continue
			}
			interval := meta.FundingInterval / 60
			if !model.ValidInterval(interval) {
				continue
			}
			oi := exchange.ParseNullDecimal(t.OpenInterestValue)
			unit := model.OIUnitUSD
			if !oi.Valid {
				oi = exchange.ParseNullDecimal(t.OpenInterest)
				unit = model.OIUnitBase
			}
			out = append(out, model.ContractSnapshot{
				Exchange:             a.Name(),
				Symbol:               t.Symbol,
				BaseAsset:            symbols.NormalizeBase(meta.BaseCoin),
				QuoteAsset:           meta.QuoteCoin,
				FundingRate:          rate,
				FundingIntervalHours: interval,
				APR:                  model.APRFromRate(rate, interval),
				MarkPrice:            exchange.ParseNullDecimal(t.MarkPrice),
				IndexPrice:           exchange.ParseNullDecimal(t.IndexPrice),
				OpenInterest:         oi,
				OIUnit:               unit,
				ContractType:         meta.ContractType,
				MarketType:           market,
				Timestamp:            now,
			})
		}
	}
	return out, report.Done(len(out))
}

// instruments pages the metadata list until the cursor runs out.
func (a *Adapter) instruments(ctx context.Context, category string, report *exchange.Report) (map[string]instrumentRow, error) {
	out := make(map[string]instrumentRow)
	cursor := ""
	for {
		q := url.Values{"category": {category}, "limit": {"1000"}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		report.Requests++
		var resp envelope[instrumentResult]
		if err := a.get(ctx, "/v5/market/instruments-info", q, &resp); err != nil {
			return nil, err
		}
		if resp.RetCode != 0 {
			return nil, fault.Newf(fault.KindUpstream4xx, "bybit.instruments",
				"retCode %d: %s", resp.RetCode, resp.RetMsg)
		}
		for _, row := range resp.Result.List {
			if row.Status == "Trading" && row.ContractType != "" {
				out[row.Symbol] = row
			}
		}
		cursor = resp.Result.NextPageCursor
		if cursor == "" {
			break
		}
	}
	return out, nil
}

// FetchHistorical pages backward: each page returns the newest rows before
// endTime, which then shrinks past the oldest row returned.
func (a *Adapter) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error) {
	category := "linear"
	if _, quote, ok := symbols.SplitSymbol(symbol); ok && quote == "USD" {
		category = "inverse"
	}

	var points []model.FundingPoint
	endMs := end.UnixMilli()
	startMs := start.UnixMilli()

	for endMs > startMs {
		q := url.Values{
			"category":  {category},
			"symbol":    {symbol},
			"startTime": {fmt.Sprintf("%d", startMs)},
			"endTime":   {fmt.Sprintf("%d", endMs)},
			"limit":     {fmt.Sprintf("%d", historyPageSize)},
		}
		var resp envelope[fundingResult]
		if err := a.get(ctx, "/v5/market/funding/history", q, &resp); err != nil {
			return nil, err
		}
		if resp.RetCode != 0 {
			return nil, fault.Newf(fault.KindUpstream4xx, "bybit.funding_history",
				"retCode %d: %s", resp.RetCode, resp.RetMsg)
		}
		if len(resp.Result.List) == 0 {
			break
		}
		oldest := int64(0)
		for _, row := range resp.Result.List {
			ts, err := strconv.ParseInt(row.FundingRateTimestamp, 10, 64)
			if err != nil {
				continue
			}
			if oldest == 0 || ts < oldest {
				oldest = ts
			}
			rate, err := exchange.ParseDecimal(row.FundingRate)
			if err != nil {
				continue
			}
			points = append(points, model.FundingPoint{
				Exchange:    a.Name(),
				Symbol:      symbol,
				FundingRate: rate,
				FundingTime: exchange.MsTime(ts),
			})
		}
		if len(resp.Result.List) < historyPageSize || oldest <= startMs || oldest == 0 {
			break
		}
		endMs = oldest - 1
	}
	return exchange.StampIntervals(a.Name(), points, 0), nil
}

// ListContracts returns trading perpetuals from both categories.
func (a *Adapter) ListContracts(ctx context.Context) ([]exchange.Contract, error) {
	report := exchange.NewReport(a.Name())
	var out []exchange.Contract
	for _, category := range []string{"linear", "inverse"} {
		instruments, err := a.instruments(ctx, category, report)
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		for _, row := range instruments {
			interval := row.FundingInterval / 60
			if !model.ValidInterval(interval) {
				continue
			}
			out = append(out, exchange.Contract{
				Symbol:               row.Symbol,
				BaseAsset:            symbols.NormalizeBase(row.BaseCoin),
				QuoteAsset:           row.QuoteCoin,
				FundingIntervalHours: interval,
				ContractType:         row.ContractType,
			})
		}
	}
	return out, nil
}
