package binance

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/httpx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/symbols"
)

const (
	defaultFapiBase = "https://fapi.binance.com"
	defaultDapiBase = "https://dapi.binance.com"
	historyPageSize = 1000
)

// Adapter covers Binance USD-M (fapi) and COIN-M (dapi) perpetuals. Premium
// index and funding info are bulk endpoints; funding history pages forward by
// advancing startTime past the last returned settlement.
type Adapter struct {
	client   *httpx.Client
	fapiBase string
	dapiBase string
}

// Options overrides endpoint bases; zero values hit production.
type Options struct {
	FapiBase string
	DapiBase string
}

func New(client *httpx.Client, opts Options) *Adapter {
	if opts.FapiBase == "" {
		opts.FapiBase = defaultFapiBase
	}
	if opts.DapiBase == "" {
		opts.DapiBase = defaultDapiBase
	}
	return &Adapter{client: client, fapiBase: opts.FapiBase, dapiBase: opts.DapiBase}
}

func (a *Adapter) Name() string { return "binance" }

type premiumIndex struct {
	Symbol          string `json:"symbol"`
	Pair            string `json:"pair"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

type fundingInfo struct {
	Symbol               string `json:"symbol"`
	FundingIntervalHours int    `json:"fundingIntervalHours"`
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		ContractType string `json:"contractType"`
		BaseAsset    string `json:"baseAsset"`
		QuoteAsset   string `json:"quoteAsset"`
	} `json:"symbols"`
}

type fundingRateRow struct {
	Symbol      string `json:"symbol"`
	FundingTime int64  `json:"fundingTime"`
	FundingRate string `json:"fundingRate"`
	MarkPrice   string `json:"markPrice"`
}

// Fetch runs one live cycle across both margin classes. A failing class is
// reported and skipped; the other still contributes records.
func (a *Adapter) Fetch(ctx context.Context) ([]model.ContractSnapshot, *exchange.Report) {
	report := exchange.NewReport(a.Name())
	var out []model.ContractSnapshot

	intervals := a.fundingIntervals(ctx, report)

	report.Requests++
	var usdm []premiumIndex
	if err := a.client.GetJSON(ctx, a.fapiBase+"/fapi/v1/premiumIndex", &usdm); err != nil {
		report.Fail("premium_index_usdm", "", err)
	} else {
		out = append(out, a.snapshots(usdm, intervals, model.MarketUSDM, report)...)
	}

	report.Requests++
	var coinm []premiumIndex
	if err := a.client.GetJSON(ctx, a.dapiBase+"/dapi/v1/premiumIndex", &coinm); err != nil {
		report.Fail("premium_index_coinm", "", err)
	} else {
		out = append(out, a.snapshots(coinm, intervals, model.MarketCOINM, report)...)
	}

	return out, report.Done(len(out))
}

// fundingIntervals maps symbols with non-default settlement cadence. Only
// USD-M publishes the override list; absence means the 8h default.
func (a *Adapter) fundingIntervals(ctx context.Context, report *exchange.Report) map[string]int {
	report.Requests++
	var rows []fundingInfo
	if err := a.client.GetJSON(ctx, a.fapiBase+"/fapi/v1/fundingInfo", &rows); err != nil {
		report.Fail("funding_info", "", err)
		return nil
	}
	m := make(map[string]int, len(rows))
	for _, row := range rows {
		if model.ValidInterval(row.FundingIntervalHours) {
			m[row.Symbol] = row.FundingIntervalHours
		}
	}
	return m
}

func (a *Adapter) snapshots(rows []premiumIndex, intervals map[string]int, market model.MarketType, report *exchange.Report) []model.ContractSnapshot {
	now := time.Now().UTC()
	out := make([]model.ContractSnapshot, 0, len(rows))
	for _, row := range rows {
		// Delivery futures share the endpoint but settle no funding.
		if row.LastFundingRate == "" {
			continue
		}
		if market == model.MarketCOINM && !strings.HasSuffix(row.Symbol, "_PERP") {
			continue
		}
		rate, err := exchange.ParseDecimal(row.LastFundingRate)
		if err != nil {
			report.Fail("parse_rate", row.Symbol, err)
			continue
		}
		base, quote, ok := symbols.SplitSymbol(row.Symbol)
		if !ok {
			if row.Pair != "" {
				base, quote, ok = symbols.SplitSymbol(row.Pair)
			}
			if !ok {
				continue
			}
		}
		interval := intervals[row.Symbol]
		if interval == 0 {
			interval = 8
		}
		out = append(out, model.ContractSnapshot{
			Exchange:             a.Name(),
			Symbol:               row.Symbol,
			BaseAsset:            base,
			QuoteAsset:           quote,
			FundingRate:          rate,
			FundingIntervalHours: interval,
			APR:                  model.APRFromRate(rate, interval),
			MarkPrice:            exchange.ParseNullDecimal(row.MarkPrice),
			IndexPrice:           exchange.ParseNullDecimal(row.IndexPrice),
			// premiumIndex carries no open interest, and /openInterest is
			// per-symbol only. A bulk poll would burn one request per
			// contract per cycle against the shared weight budget, so
			// binance rows leave OI unset.
			OIUnit:               model.OIUnitNone,
			ContractType:         "PERPETUAL",
			MarketType:           market,
			Timestamp:            now,
		})
	}
	return out
}

// FetchHistorical pages /fundingRate forward from start until end, advancing
// startTime one millisecond past the last settlement of each page.
func (a *Adapter) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error) {
	base, path := a.fapiBase, "/fapi/v1/fundingRate"
	if strings.Contains(symbol, "_PERP") {
		base, path = a.dapiBase, "/dapi/v1/fundingRate"
	}

	var points []model.FundingPoint
	cursor := start.UnixMilli()
	endMs := end.UnixMilli()

	for cursor <= endMs {
		q := url.Values{}
		q.Set("symbol", symbol)
		q.Set("startTime", fmt.Sprintf("%d", cursor))
		q.Set("endTime", fmt.Sprintf("%d", endMs))
		q.Set("limit", fmt.Sprintf("%d", historyPageSize))

		var rows []fundingRateRow
		if err := a.client.GetJSON(ctx, base+path+"?"+q.Encode(), &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			rate, err := exchange.ParseDecimal(row.FundingRate)
			if err != nil {
				continue
			}
			points = append(points, model.FundingPoint{
				Exchange:    a.Name(),
				Symbol:      symbol,
				FundingRate: rate,
				FundingTime: exchange.MsTime(row.FundingTime),
				MarkPrice:   exchange.ParseNullDecimal(row.MarkPrice),
			})
		}
		last := rows[len(rows)-1].FundingTime
		if len(rows) < historyPageSize || last >= endMs {
			break
		}
		cursor = last + 1
	}
	return exchange.StampIntervals(a.Name(), points, 0), nil
}

// ListContracts returns trading perpetuals from both margin classes.
func (a *Adapter) ListContracts(ctx context.Context) ([]exchange.Contract, error) {
	intervals := a.fundingIntervals(ctx, exchange.NewReport(a.Name()))

	var out []exchange.Contract
	for _, src := range []struct {
		url    string
		market string
	}{
		{a.fapiBase + "/fapi/v1/exchangeInfo", "USD-M"},
		{a.dapiBase + "/dapi/v1/exchangeInfo", "COIN-M"},
	} {
		var info exchangeInfo
		if err := a.client.GetJSON(ctx, src.url, &info); err != nil {
			if len(out) > 0 {
				return out, nil // partial listing still usable for planning
			}
			return nil, err
		}
		for _, s := range info.Symbols {
			if s.ContractType != "PERPETUAL" || s.Status != "TRADING" {
				continue
			}
			interval := intervals[s.Symbol]
			if interval == 0 {
				interval = 8
			}
			out = append(out, exchange.Contract{
				Symbol:               s.Symbol,
				BaseAsset:            symbols.NormalizeBase(s.BaseAsset),
				QuoteAsset:           s.QuoteAsset,
				FundingIntervalHours: interval,
				ContractType:         src.market,
			})
		}
	}
	return out, nil
}
