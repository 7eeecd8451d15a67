package hyperliquid

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/httpx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/symbols"
)

const defaultBase = "https://api.hyperliquid.xyz"

// fundingIntervalHours: Hyperliquid settles funding hourly on every market.
const fundingIntervalHours = 1

// Adapter covers the Hyperliquid DEX. One POST /info call returns the whole
// universe with funding, prices and open interest zipped across two parallel
// arrays. Kilo-denominated coins arrive with a lowercase k prefix (kPEPE).
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

func (a *Adapter) Name() string { return "hyperliquid" }

type universeEntry struct {
	Name       string `json:"name"`
	IsDelisted bool   `json:"isDelisted"`
}

type meta struct {
	Universe []universeEntry `json:"universe"`
}

type assetCtx struct {
	Funding      json.Number `json:"funding"`
	MarkPx       json.Number `json:"markPx"`
	OraclePx     json.Number `json:"oraclePx"`
	OpenInterest json.Number `json:"openInterest"` // base units
}

type fundingHistoryRow struct {
	Coin        string      `json:"coin"`
	FundingRate json.Number `json:"fundingRate"`
	Time        int64       `json:"time"`
}

// metaAndCtxs decodes the two-element [meta, []assetCtx] response array.
func (a *Adapter) metaAndCtxs(ctx context.Context) (*meta, []assetCtx, error) {
	var raw []json.RawMessage
	req := map[string]string{"type": "metaAndAssetCtxs"}
	if err := a.client.PostJSON(ctx, a.base+"/info", req, &raw); err != nil {
		return nil, nil, err
	}
	if len(raw) != 2 {
		return nil, nil, fault.Newf(fault.KindParse, "hyperliquid.info",
			"expected 2-element response, got %d", len(raw))
	}
	var m meta
	if err := a.client.DecodeJSON(raw[0], &m); err != nil {
		return nil, nil, err
	}
	var ctxs []assetCtx
	if err := a.client.DecodeJSON(raw[1], &ctxs); err != nil {
		return nil, nil, err
	}
	if len(ctxs) != len(m.Universe) {
		return nil, nil, fault.Newf(fault.KindParse, "hyperliquid.info",
			"universe/ctx length mismatch: %d vs %d", len(m.Universe), len(ctxs))
	}
	return &m, ctxs, nil
}

// Fetch zips universe entries with their asset contexts.
func (a *Adapter) Fetch(ctx context.Context) ([]model.ContractSnapshot, *exchange.Report) {
	report := exchange.NewReport(a.Name())
	report.Requests++

	m, ctxs, err := a.metaAndCtxs(ctx)
	if err != nil {
		report.Fail("meta_and_ctxs", "", err)
		return nil, report.Done(0)
	}

	now := time.Now().UTC()
	out := make([]model.ContractSnapshot, 0, len(ctxs))
	for i, entry := range m.Universe {
		if entry.IsDelisted {
			continue
		}
		c := ctxs[i]
		rate, err := exchange.ParseDecimal(c.Funding.String())
		if err != nil {
			report.Fail("parse_rate", entry.Name, err)
			continue
		}
		out = append(out, model.ContractSnapshot{
			Exchange:             a.Name(),
			Symbol:               entry.Name,
			BaseAsset:            symbols.NormalizeBase(entry.Name),
			QuoteAsset:           "USDC",
			FundingRate:          rate,
			FundingIntervalHours: fundingIntervalHours,
			APR:                  model.APRFromRate(rate, fundingIntervalHours),
			MarkPrice:            exchange.ParseNullDecimal(c.MarkPx.String()),
			IndexPrice:           exchange.ParseNullDecimal(c.OraclePx.String()),
			OpenInterest:         exchange.ParseNullDecimal(c.OpenInterest.String()),
			OIUnit:               model.OIUnitBase,
			ContractType:         "PERP",
			MarketType:           model.MarketPerp,
			Timestamp:            now,
		})
	}
	return out, report.Done(len(out))
}

// FetchHistorical pages fundingHistory forward; the API caps each response,
// so the cursor advances past the newest returned settlement.
func (a *Adapter) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error) {
	var points []model.FundingPoint
	cursor := start.UnixMilli()
	endMs := end.UnixMilli()

	for cursor < endMs {
		req := map[string]any{
			"type":      "fundingHistory",
			"coin":      symbol,
			"startTime": cursor,
			"endTime":   endMs,
		}
		var rows []fundingHistoryRow
		if err := a.client.PostJSON(ctx, a.base+"/info", req, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		newest := cursor
		for _, row := range rows {
			rate, err := exchange.ParseDecimal(row.FundingRate.String())
			if err != nil {
				continue
			}
			if row.Time > newest {
				newest = row.Time
			}
			points = append(points, model.FundingPoint{
				Exchange:    a.Name(),
				Symbol:      symbol,
				FundingRate: rate,
				FundingTime: exchange.MsTime(row.Time),
			})
		}
		if newest <= cursor {
			break
		}
		cursor = newest + 1
	}
	return exchange.StampIntervals(a.Name(), points, fundingIntervalHours), nil
}

// ListContracts enumerates the live universe.
func (a *Adapter) ListContracts(ctx context.Context) ([]exchange.Contract, error) {
	var m meta
	req := map[string]string{"type": "meta"}
	if err := a.client.PostJSON(ctx, a.base+"/info", req, &m); err != nil {
		return nil, err
	}
	out := make([]exchange.Contract, 0, len(m.Universe))
	for _, entry := range m.Universe {
		if entry.IsDelisted {
			continue
		}
		out = append(out, exchange.Contract{
			Symbol:               entry.Name,
			BaseAsset:            symbols.NormalizeBase(entry.Name),
			QuoteAsset:           "USDC",
			FundingIntervalHours: fundingIntervalHours,
			ContractType:         "PERP",
		})
	}
	return out, nil
}
