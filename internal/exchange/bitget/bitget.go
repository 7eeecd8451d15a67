package bitget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/httpx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/symbols"
)

const (
	defaultBase     = "https://api.bitget.com"
	historyPageSize = 100
)

// productTypes are the mix-market scopes polled each cycle.
var productTypes = []string{"USDT-FUTURES", "COIN-FUTURES", "USDC-FUTURES"}

// Adapter covers Bitget mix-market perpetuals. Tickers and contract configs
// are bulk per product type; funding history pages by page number.
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

func (a *Adapter) Name() string { return "bitget" }

type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

type tickerRow struct {
	Symbol        string `json:"symbol"`
	FundingRate   string `json:"fundingRate"`
	MarkPrice     string `json:"markPrice"`
	IndexPrice    string `json:"indexPrice"`
	HoldingAmount string `json:"holdingAmount"` // open interest, base units
}

type contractConfigRow struct {
	Symbol       string `json:"symbol"`
	BaseCoin     string `json:"baseCoin"`
	QuoteCoin    string `json:"quoteCoin"`
	SymbolType   string `json:"symbolType"`
	FundInterval string `json:"fundInterval"` // hours
	SymbolStatus string `json:"symbolStatus"`
}

type fundingHistoryRow struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	FundingTime string `json:"fundingTime"` // ms
}

func getData[T any](ctx context.Context, a *Adapter, path string) ([]T, error) {
	var resp envelope[T]
	if err := a.client.GetJSON(ctx, a.base+path, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "00000" {
		return nil, fault.Newf(fault.KindUpstream4xx, "bitget.request",
			"code %s: %s", resp.Code, resp.Msg)
	}
	return resp.Data, nil
}

// Fetch joins per-product tickers with contract configs.
func (a *Adapter) Fetch(ctx context.Context) ([]model.ContractSnapshot, *exchange.Report) {
	report := exchange.NewReport(a.Name())
	now := time.Now().UTC()
	var out []model.ContractSnapshot

	for _, product := range productTypes {
		report.Requests++
		configs, err := getData[contractConfigRow](ctx, a, "/api/v2/mix/market/contracts?productType="+product)
		if err != nil {
			report.Fail("contracts_"+product, "", err)
			continue
		}
		byma := make(map[string]contractConfigRow, len(configs))
		for _, c := range configs {
			if c.SymbolType == "perpetual" {
				byma[c.Symbol] = c
			}
		}

		report.Requests++
		tickers, err := getData[tickerRow](ctx, a, "/api/v2/mix/market/tickers?productType="+product)
		if err != nil {
			report.Fail("tickers_"+product, "", err)
			continue
		}

		market := model.MarketUSDM
		if product == "COIN-FUTURES" {
			market = model.MarketCOINM
		}
		for _, t := range tickers {
			cfg, ok := byma[t.Symbol]
			if !ok || t.FundingRate == "" {
				continue
			}
			rate, err := exchange.ParseDecimal(t.FundingRate)
			if err != nil {
				report.Fail("parse_rate", t.Symbol, err)
				continue
			}
			interval, _ := strconv.Atoi(cfg.FundInterval)
			if !model.ValidInterval(interval) {
				continue
			}
			out = append(out, model.ContractSnapshot{
				Exchange:             a.Name(),
				Symbol:               t.Symbol,
				BaseAsset:            symbols.NormalizeBase(cfg.BaseCoin),
				QuoteAsset:           cfg.QuoteCoin,
				FundingRate:          rate,
				FundingIntervalHours: interval,
				APR:                  model.APRFromRate(rate, interval),
				MarkPrice:            exchange.ParseNullDecimal(t.MarkPrice),
				IndexPrice:           exchange.ParseNullDecimal(t.IndexPrice),
				OpenInterest:         exchange.ParseNullDecimal(t.HoldingAmount),
				OIUnit:               model.OIUnitBase,
				ContractType:         product,
				MarketType:           market,
				Timestamp:            now,
			})
		}
	}
	return out, report.Done(len(out))
}

// FetchHistorical pages by pageNo until rows predate the window.
func (a *Adapter) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error) {
	product := productOf(symbol)
	var points []model.FundingPoint
	startMs := start.UnixMilli()
	endMs := end.UnixMilli()

	for pageNo := 1; ; pageNo++ {
		path := fmt.Sprintf("/api/v2/mix/market/history-fund-rate?symbol=%s&productType=%s&pageSize=%d&pageNo=%d",
			symbol, product, historyPageSize, pageNo)
		rows, err := getData[fundingHistoryRow](ctx, a, path)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		oldest := int64(0)
		for _, row := range rows {
			ts, err := strconv.ParseInt(row.FundingTime, 10, 64)
			if err != nil {
				continue
			}
			if oldest == 0 || ts < oldest {
				oldest = ts
			}
			if ts < startMs || ts > endMs {
				continue
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
		if len(rows) < historyPageSize || (oldest != 0 && oldest < startMs) {
			break
		}
	}
	return exchange.StampIntervals(a.Name(), points, 0), nil
}

// ListContracts merges perpetual configs across product types.
func (a *Adapter) ListContracts(ctx context.Context) ([]exchange.Contract, error) {
	var out []exchange.Contract
	for _, product := range productTypes {
		configs, err := getData[contractConfigRow](ctx, a, "/api/v2/mix/market/contracts?productType="+product)
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		for _, c := range configs {
			if c.SymbolType != "perpetual" {
				continue
			}
			interval, _ := strconv.Atoi(c.FundInterval)
			if !model.ValidInterval(interval) {
				continue
			}
			out = append(out, exchange.Contract{
				Symbol:               c.Symbol,
				BaseAsset:            symbols.NormalizeBase(c.BaseCoin),
				QuoteAsset:           c.QuoteCoin,
				FundingIntervalHours: interval,
				ContractType:         product,
			})
		}
	}
	return out, nil
}

// productOf infers the product scope from the symbol's quote.
func productOf(symbol string) string {
	if _, quote, ok := symbols.SplitSymbol(symbol); ok {
		switch quote {
		case "USD":
			return "COIN-FUTURES"
		case "USDC":
			return "USDC-FUTURES"
		}
	}
	return "USDT-FUTURES"
}
