package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/httpx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/symbols"
)

const defaultBase = "https://api-futures.kucoin.com"

// Adapter covers KuCoin Futures. The active-contracts endpoint is fully
// bulk: rates, prices, open interest and the funding cadence all arrive in
// one payload. Symbols are XBT-spelled with a trailing M (XBTUSDTM).
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

func (a *Adapter) Name() string { return "kucoin" }

// contractRow keeps numerics as json.Number so small rates survive exactly.
type contractRow struct {
	Symbol                 string      `json:"symbol"`
	BaseCurrency           string      `json:"baseCurrency"`
	QuoteCurrency          string      `json:"quoteCurrency"`
	Status                 string      `json:"status"`
	FundingFeeRate         json.Number `json:"fundingFeeRate"`
	FundingRateGranularity int64       `json:"fundingRateGranularity"` // ms
	MarkPrice              json.Number `json:"markPrice"`
	IndexPrice             json.Number `json:"indexPrice"`
	OpenInterest           json.Number `json:"openInterest"` // lots
	Multiplier             json.Number `json:"multiplier"`   // base units per lot
	IsInverse              bool        `json:"isInverse"`
}

type contractsResponse struct {
	Code string        `json:"code"`
	Msg  string        `json:"msg"`
	Data []contractRow `json:"data"`
}

type fundingHistoryResponse struct {
	Code string `json:"code"`
	Data struct {
		DataList []struct {
			Symbol      string      `json:"symbol"`
			FundingRate json.Number `json:"fundingRate"`
			Timepoint   int64       `json:"timepoint"`
		} `json:"dataList"`
		HasMore bool `json:"hasMore"`
	} `json:"data"`
}

func (a *Adapter) activeContracts(ctx context.Context) ([]contractRow, error) {
	var resp contractsResponse
	if err := a.client.GetJSON(ctx, a.base+"/api/v2/contracts/active", &resp); err != nil {
		return nil, err
	}
	if resp.Code != "200000" {
		return nil, fault.Newf(fault.KindUpstream4xx, "kucoin.contracts",
			"code %s: %s", resp.Code, resp.Msg)
	}
	return resp.Data, nil
}

// Fetch converts the bulk contract list into snapshots.
func (a *Adapter) Fetch(ctx context.Context) ([]model.ContractSnapshot, *exchange.Report) {
	report := exchange.NewReport(a.Name())
	report.Requests++

	rows, err := a.activeContracts(ctx)
	if err != nil {
		report.Fail("contracts_active", "", err)
		return nil, report.Done(0)
	}

	now := time.Now().UTC()
	out := make([]model.ContractSnapshot, 0, len(rows))
	for _, row := range rows {
		if row.Status != "Open" {
			continue
		}
		rate, err := exchange.ParseDecimal(row.FundingFeeRate.String())
		if err != nil {
			report.Fail("parse_rate", row.Symbol, err)
			continue
		}
		interval := int(row.FundingRateGranularity / int64(time.Hour/time.Millisecond))
		if !model.ValidInterval(interval) {
			report.Fail("interval", row.Symbol, fault.Newf(fault.KindParse, "kucoin.interval",
				"granularity %dms not a supported interval", row.FundingRateGranularity))
			continue
		}

		oi, unit := openInterest(row)
		market := model.MarketUSDM
		if row.IsInverse {
			market = model.MarketCOINM
		}
		out = append(out, model.ContractSnapshot{
			Exchange:             a.Name(),
			Symbol:               row.Symbol,
			BaseAsset:            symbols.NormalizeBase(row.BaseCurrency),
			QuoteAsset:           row.QuoteCurrency,
			FundingRate:          rate,
			FundingIntervalHours: interval,
			APR:                  model.APRFromRate(rate, interval),
			MarkPrice:            exchange.ParseNullDecimal(row.MarkPrice.String()),
			IndexPrice:           exchange.ParseNullDecimal(row.IndexPrice.String()),
			OpenInterest:         oi,
			OIUnit:               unit,
			ContractType:         "FFWCSX",
			MarketType:           market,
			Timestamp:            now,
		})
	}
	return out, report.Done(len(out))
}

// openInterest converts lots to base units via the contract multiplier.
// Contracts without a usable multiplier stay in raw lot counts.
func openInterest(row contractRow) (decimal.NullDecimal, model.OIUnit) {
	lots := exchange.ParseNullDecimal(row.OpenInterest.String())
	if !lots.Valid {
		return decimal.NullDecimal{}, model.OIUnitNone
	}
	mult := exchange.ParseNullDecimal(row.Multiplier.String())
	if !mult.Valid || mult.Decimal.Sign() <= 0 {
		return lots, model.OIUnitContracts
	}
	return decimal.NullDecimal{
		Decimal: lots.Decimal.Mul(mult.Decimal),
		Valid:   true,
	}, model.OIUnitBase
}

// FetchHistorical pages forward with startAt/endAt until hasMore is false.
func (a *Adapter) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error) {
	var points []model.FundingPoint
	cursor := start.UnixMilli()
	endMs := end.UnixMilli()

	for cursor < endMs {
		u := fmt.Sprintf("%s/api/v2/contract/%s/funding-rates?startAt=%d&endAt=%d",
			a.base, symbol, cursor, endMs)
		var resp fundingHistoryResponse
		if err := a.client.GetJSON(ctx, u, &resp); err != nil {
			return nil, err
		}
		if resp.Code != "200000" {
			return nil, fault.Newf(fault.KindUpstream4xx, "kucoin.funding_history",
				"code %s for %s", resp.Code, symbol)
		}
		if len(resp.Data.DataList) == 0 {
			break
		}
		newest := cursor
		for _, row := range resp.Data.DataList {
			rate, err := exchange.ParseDecimal(row.FundingRate.String())
			if err != nil {
				continue
			}
			if row.Timepoint > newest {
				newest = row.Timepoint
			}
			points = append(points, model.FundingPoint{
				Exchange:    a.Name(),
				Symbol:      symbol,
				FundingRate: rate,
				FundingTime: exchange.MsTime(row.Timepoint),
			})
		}
		if !resp.Data.HasMore || newest <= cursor {
			break
		}
		cursor = newest + 1
	}
	return exchange.StampIntervals(a.Name(), points, 0), nil
}

// ListContracts reuses the bulk active-contract payload.
func (a *Adapter) ListContracts(ctx context.Context) ([]exchange.Contract, error) {
	rows, err := a.activeContracts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Contract, 0, len(rows))
	for _, row := range rows {
		if row.Status != "Open" {
			continue
		}
		interval := int(row.FundingRateGranularity / int64(time.Hour/time.Millisecond))
		if !model.ValidInterval(interval) {
			continue
		}
		out = append(out, exchange.Contract{
			Symbol:               row.Symbol,
			BaseAsset:            symbols.NormalizeBase(row.BaseCurrency),
			QuoteAsset:           row.QuoteCurrency,
			FundingIntervalHours: interval,
			ContractType:         "FFWCSX",
		})
	}
	return out, nil
}
