package orderly

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/httpx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/symbols"
)

const defaultBase = "https://api.orderly.org"

// fundingIntervalHours: Orderly settles every 8 hours across its aggregated
// markets.
const fundingIntervalHours = 8

// Adapter covers the Orderly Network aggregator. Markets arrive already
// normalized across its upstream venues in one bulk call; symbols are
// PERP_<BASE>_USDC.
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

func (a *Adapter) Name() string { return "orderly" }

type futuresRow struct {
	Symbol          string      `json:"symbol"`
	IndexPrice      json.Number `json:"index_price"`
	MarkPrice       json.Number `json:"mark_price"`
	LastFundingRate json.Number `json:"last_funding_rate"`
	OpenInterest    json.Number `json:"open_interest"` // base units
}

type futuresResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Rows []futuresRow `json:"rows"`
	} `json:"data"`
}

type fundingHistoryResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Rows []struct {
			Symbol      string      `json:"symbol"`
			FundingRate json.Number `json:"funding_rate"`
			Timestamp   int64       `json:"funding_rate_timestamp"`
		} `json:"rows"`
		Meta struct {
			Total          int `json:"total"`
			RecordsPerPage int `json:"records_per_page"`
			CurrentPage    int `json:"current_page"`
		} `json:"meta"`
	} `json:"data"`
}

// baseFromSymbol extracts BONK from PERP_1000BONK_USDC.
func baseFromSymbol(symbol string) (base string, ok bool) {
	s, ok := strings.CutPrefix(symbol, "PERP_")
	if !ok {
		return "", false
	}
	raw, _, ok := strings.Cut(s, "_")
	if !ok || raw == "" {
		return "", false
	}
	return symbols.NormalizeBase(raw), true
}

// Fetch converts the bulk futures payload.
func (a *Adapter) Fetch(ctx context.Context) ([]model.ContractSnapshot, *exchange.Report) {
	report := exchange.NewReport(a.Name())
	report.Requests++

	var resp futuresResponse
	if err := a.client.GetJSON(ctx, a.base+"/v1/public/futures", &resp); err != nil {
		report.Fail("futures", "", err)
		return nil, report.Done(0)
	}
	if !resp.Success {
		report.Fail("futures", "", fault.Newf(fault.KindUpstream4xx, "orderly.futures", "success=false"))
		return nil, report.Done(0)
	}

	now := time.Now().UTC()
	out := make([]model.ContractSnapshot, 0, len(resp.Data.Rows))
	for _, row := range resp.Data.Rows {
		base, ok := baseFromSymbol(row.Symbol)
		if !ok {
			continue
		}
		rate, err := exchange.ParseDecimal(row.LastFundingRate.String())
		if err != nil {
			report.Fail("parse_rate", row.Symbol, err)
			continue
		}
		out = append(out, model.ContractSnapshot{
			Exchange:             a.Name(),
			Symbol:               row.Symbol,
			BaseAsset:            base,
			QuoteAsset:           "USDC",
			FundingRate:          rate,
			FundingIntervalHours: fundingIntervalHours,
			APR:                  model.APRFromRate(rate, fundingIntervalHours),
			MarkPrice:            exchange.ParseNullDecimal(row.MarkPrice.String()),
			IndexPrice:           exchange.ParseNullDecimal(row.IndexPrice.String()),
			OpenInterest:         exchange.ParseNullDecimal(row.OpenInterest.String()),
			OIUnit:               model.OIUnitBase,
			ContractType:         "PERP",
			MarketType:           model.MarketPerp,
			Timestamp:            now,
		})
	}
	return out, report.Done(len(out))
}

// FetchHistorical walks the numbered pages until the meta says all records
// were seen or a page falls entirely before the window.
func (a *Adapter) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error) {
	var points []model.FundingPoint
	startMs, endMs := start.UnixMilli(), end.UnixMilli()

	for page := 1; ; page++ {
		u := fmt.Sprintf("%s/v1/public/funding_rate_history?symbol=%s&page=%d&size=100",
			a.base, symbol, page)
		var resp fundingHistoryResponse
		if err := a.client.GetJSON(ctx, u, &resp); err != nil {
			return nil, err
		}
		if !resp.Success {
			return nil, fault.Newf(fault.KindUpstream4xx, "orderly.funding_history",
				"success=false for %s", symbol)
		}
		if len(resp.Data.Rows) == 0 {
			break
		}
		pastWindow := false
		for _, row := range resp.Data.Rows {
			if row.Timestamp < startMs {
				pastWindow = true // pages are newest-first
				continue
			}
			if row.Timestamp > endMs {
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
				FundingTime: exchange.MsTime(row.Timestamp),
			})
		}
		meta := resp.Data.Meta
		if pastWindow || meta.CurrentPage*meta.RecordsPerPage >= meta.Total {
			break
		}
	}
	return exchange.StampIntervals(a.Name(), points, fundingIntervalHours), nil
}

// ListContracts reuses the bulk futures payload.
func (a *Adapter) ListContracts(ctx context.Context) ([]exchange.Contract, error) {
	var resp futuresResponse
	if err := a.client.GetJSON(ctx, a.base+"/v1/public/futures", &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fault.Newf(fault.KindUpstream4xx, "orderly.futures", "success=false")
	}
	out := make([]exchange.Contract, 0, len(resp.Data.Rows))
	for _, row := range resp.Data.Rows {
		base, ok := baseFromSymbol(row.Symbol)
		if !ok {
			continue
		}
		out = append(out, exchange.Contract{
			Symbol:               row.Symbol,
			BaseAsset:            base,
			QuoteAsset:           "USDC",
			FundingIntervalHours: fundingIntervalHours,
			ContractType:         "PERP",
		})
	}
	return out, nil
}
