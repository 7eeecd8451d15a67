package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/httpx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/symbols"
)

const (
	defaultBase     = "https://contract.mexc.com"
	historyPageSize = 100
)

// Adapter covers MEXC contract markets. Funding (with its settlement cycle),
// tickers and contract details are all bulk; history pages by page_num.
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

func (a *Adapter) Name() string { return "mexc" }

type envelope[T any] struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type fundingRow struct {
	Symbol       string      `json:"symbol"`
	FundingRate  json.Number `json:"fundingRate"`
	CollectCycle int         `json:"collectCycle"` // hours
	NextSettleTime int64     `json:"nextSettleTime"`
}

type tickerRow struct {
	Symbol     string      `json:"symbol"`
	FairPrice  json.Number `json:"fairPrice"`
	IndexPrice json.Number `json:"indexPrice"`
	HoldVol    json.Number `json:"holdVol"` // open interest, contracts
}

type detailRow struct {
	Symbol       string      `json:"symbol"`
	BaseCoin     string      `json:"baseCoin"`
	QuoteCoin    string      `json:"quoteCoin"`
	ContractSize json.Number `json:"contractSize"` // base units per contract
	State        int         `json:"state"`        // 0 = enabled
	FutureType   int         `json:"futureType"`   // 1 = perpetual
}

type historyPage struct {
	PageSize   int `json:"pageSize"`
	TotalCount int `json:"totalCount"`
	TotalPage  int `json:"totalPage"`
	CurrentPage int `json:"currentPage"`
	ResultList []struct {
		Symbol      string      `json:"symbol"`
		FundingRate json.Number `json:"fundingRate"`
		SettleTime  int64       `json:"settleTime"`
	} `json:"resultList"`
}

func getData[T any](ctx context.Context, a *Adapter, path string) (T, error) {
	var resp envelope[T]
	if err := a.client.GetJSON(ctx, a.base+path, &resp); err != nil {
		var zero T
		return zero, err
	}
	if !resp.Success {
		var zero T
		return zero, fault.Newf(fault.KindUpstream4xx, "mexc.request",
			"code %d: %s", resp.Code, resp.Message)
	}
	return resp.Data, nil
}

// Fetch joins the three bulk views. Ticker or detail failures degrade to
// null prices and raw contract-unit OI instead of dropping the cycle.
func (a *Adapter) Fetch(ctx context.Context) ([]model.ContractSnapshot, *exchange.Report) {
	report := exchange.NewReport(a.Name())
	now := time.Now().UTC()

	report.Requests++
	funding, err := getData[[]fundingRow](ctx, a, "/api/v1/contract/funding_rate")
	if err != nil {
		report.Fail("funding_rate", "", err)
		return nil, report.Done(0)
	}

	report.Requests++
	tickers := map[string]tickerRow{}
	if rows, err := getData[[]tickerRow](ctx, a, "/api/v1/contract/ticker"); err != nil {
		report.Fail("ticker", "", err)
	} else {
		for _, t := range rows {
			tickers[t.Symbol] = t
		}
	}

	report.Requests++
	details := map[string]detailRow{}
	if rows, err := getData[[]detailRow](ctx, a, "/api/v1/contract/detail"); err != nil {
		report.Fail("detail", "", err)
	} else {
		for _, d := range rows {
			if d.State == 0 && d.FutureType == 1 {
				details[d.Symbol] = d
			}
		}
	}

	out := make([]model.ContractSnapshot, 0, len(funding))
	for _, f := range funding {
		if len(details) > 0 {
			if _, ok := details[f.Symbol]; !ok {
				continue
			}
		}
		rate, err := exchange.ParseDecimal(f.FundingRate.String())
		if err != nil {
			report.Fail("parse_rate", f.Symbol, err)
			continue
		}
		if !model.ValidInterval(f.CollectCycle) {
			continue
		}
		base, quote, ok := splitSymbol(f.Symbol, details[f.Symbol])
		if !ok {
			continue
		}

		t := tickers[f.Symbol]
		oi, unit := openInterest(t, details[f.Symbol])
		out = append(out, model.ContractSnapshot{
			Exchange:             a.Name(),
			Symbol:               f.Symbol,
			BaseAsset:            base,
			QuoteAsset:           quote,
			FundingRate:          rate,
			FundingIntervalHours: f.CollectCycle,
			APR:                  model.APRFromRate(rate, f.CollectCycle),
			MarkPrice:            exchange.ParseNullDecimal(t.FairPrice.String()),
			IndexPrice:           exchange.ParseNullDecimal(t.IndexPrice.String()),
			OpenInterest:         oi,
			OIUnit:               unit,
			ContractType:         "perpetual",
			MarketType:           model.MarketUSDM,
			Timestamp:            now,
		})
	}
	return out, report.Done(len(out))
}

func splitSymbol(symbol string, detail detailRow) (base, quote string, ok bool) {
	if detail.BaseCoin != "" {
		return symbols.NormalizeBase(detail.BaseCoin), detail.QuoteCoin, true
	}
	parts := strings.Split(symbol, "_")
	if len(parts) != 2 {
		return "", "", false
	}
	return symbols.NormalizeBase(parts[0]), parts[1], true
}

func openInterest(t tickerRow, d detailRow) (decimal.NullDecimal, model.OIUnit) {
	vol := exchange.ParseNullDecimal(t.HoldVol.String())
	if !vol.Valid {
		return decimal.NullDecimal{}, model.OIUnitNone
	}
	size := exchange.ParseNullDecimal(d.ContractSize.String())
	if !size.Valid || size.Decimal.Sign() <= 0 {
		return vol, model.OIUnitContracts
	}
	return decimal.NullDecimal{Decimal: vol.Decimal.Mul(size.Decimal), Valid: true}, model.OIUnitBase
}

// FetchHistorical pages by page_num until past the window or the last page.
func (a *Adapter) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error) {
	var points []model.FundingPoint
	startMs := start.UnixMilli()
	endMs := end.UnixMilli()

	for pageNum := 1; ; pageNum++ {
		path := fmt.Sprintf("/api/v1/contract/funding_rate/history?symbol=%s&page_num=%d&page_size=%d",
			symbol, pageNum, historyPageSize)
		page, err := getData[historyPage](ctx, a, path)
		if err != nil {
			return nil, err
		}
		if len(page.ResultList) == 0 {
			break
		}
		oldest := int64(0)
		for _, row := range page.ResultList {
			if oldest == 0 || row.SettleTime < oldest {
				oldest = row.SettleTime
			}
			if row.SettleTime < startMs || row.SettleTime > endMs {
				continue
			}
			rate, err := exchange.ParseDecimal(row.FundingRate.String())
			if err != nil {
				continue
			}
			points = append(points, model.FundingPoint{
				Exchange:    a.Name(),
				Symbol:      symbol,
				FundingRate: rate,
				FundingTime: exchange.MsTime(row.SettleTime),
			})
		}
		if pageNum >= page.TotalPage || (oldest != 0 && oldest < startMs) {
			break
		}
	}
	return exchange.StampIntervals(a.Name(), points, 0), nil
}

// ListContracts filters enabled perpetuals from the detail endpoint.
func (a *Adapter) ListContracts(ctx context.Context) ([]exchange.Contract, error) {
	details, err := getData[[]detailRow](ctx, a, "/api/v1/contract/detail")
	if err != nil {
		return nil, err
	}
	funding, err := getData[[]fundingRow](ctx, a, "/api/v1/contract/funding_rate")
	if err != nil {
		return nil, err
	}
	cycles := make(map[string]int, len(funding))
	for _, f := range funding {
		cycles[f.Symbol] = f.CollectCycle
	}

	out := make([]exchange.Contract, 0, len(details))
	for _, d := range details {
		if d.State != 0 || d.FutureType != 1 {
			continue
		}
		interval := cycles[d.Symbol]
		if !model.ValidInterval(interval) {
			interval = 8
		}
		out = append(out, exchange.Contract{
			Symbol:               d.Symbol,
			BaseAsset:            symbols.NormalizeBase(d.BaseCoin),
			QuoteAsset:           d.QuoteCoin,
			FundingIntervalHours: interval,
			ContractType:         "perpetual",
		})
	}
	return out, nil
}
