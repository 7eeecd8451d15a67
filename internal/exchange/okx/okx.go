package okx

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/httpx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/symbols"
)

const (
	defaultBase     = "https://www.okx.com"
	historyPageSize = 100
	fundingWorkers  = 8
)

// Adapter covers OKX perpetual swaps. Instruments, mark prices and open
// interest are bulk endpoints; the current funding rate is per-instrument, so
// the cycle fans out a bounded worker set over the instrument list.
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

func (a *Adapter) Name() string { return "okx" }

// envelope is the uniform OKX response wrapper; code "0" means success.
type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

type instrumentRow struct {
	InstID   string `json:"instId"`
	CtType   string `json:"ctType"`
	State    string `json:"state"`
	SettleCcy string `json:"settleCcy"`
}

type markPriceRow struct {
	InstID string `json:"instId"`
	MarkPx string `json:"markPx"`
}

type openInterestRow struct {
	InstID string `json:"instId"`
	OiCcy  string `json:"oiCcy"`
}

type fundingRateRow struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
}

type historyRow struct {
	InstID      string `json:"instId"`
	FundingRate string `json:"fundingRate"`
	RealizedRate string `json:"realizedRate"`
	FundingTime string `json:"fundingTime"`
}

func (a *Adapter) getData(ctx context.Context, path string, out any) error {
	return a.client.GetJSON(ctx, a.base+path, out)
}

// Fetch pulls the bulk views, then resolves funding per instrument.
func (a *Adapter) Fetch(ctx context.Context) ([]model.ContractSnapshot, *exchange.Report) {
	report := exchange.NewReport(a.Name())

	report.Requests++
	var instruments envelope[instrumentRow]
	if err := a.getData(ctx, "/api/v5/public/instruments?instType=SWAP", &instruments); err != nil {
		report.Fail("instruments", "", err)
		return nil, report.Done(0)
	}
	if instruments.Code != "0" {
		report.Fail("instruments", "", fault.Newf(fault.KindUpstream4xx, "okx.instruments",
			"code %s: %s", instruments.Code, instruments.Msg))
		return nil, report.Done(0)
	}

	marks := bulkMap(ctx, a, report, "mark_price", "/api/v5/public/mark-price?instType=SWAP",
		func(r markPriceRow) (string, string) { return r.InstID, r.MarkPx })
	oi := bulkMap(ctx, a, report, "open_interest", "/api/v5/public/open-interest?instType=SWAP",
		func(r openInterestRow) (string, string) { return r.InstID, r.OiCcy })

	live := make([]instrumentRow, 0, len(instruments.Data))
	for _, inst := range instruments.Data {
		if inst.State == "live" {
			live = append(live, inst)
		}
	}

	now := time.Now().UTC()
	var (
		mu  sync.Mutex
		out []model.ContractSnapshot
		wg  sync.WaitGroup
	)
	sem := make(chan struct{}, fundingWorkers)
	for _, inst := range live {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(inst instrumentRow) {
			defer wg.Done()
			defer func() { <-sem }()
			snap, err := a.fundingSnapshot(ctx, inst, marks[inst.InstID], oi[inst.InstID], now, report)
			if err != nil {
				report.Fail("funding_rate", inst.InstID, err)
				return
			}
			mu.Lock()
			out = append(out, snap)
			mu.Unlock()
		}(inst)
	}
	wg.Wait()
	return out, report.Done(len(out))
}

// bulkMap flattens one bulk endpoint into instId -> value. Failures degrade
// the cycle (null prices or OI), never abort it.
func bulkMap[T any](ctx context.Context, a *Adapter, report *exchange.Report, op, path string, kv func(T) (string, string)) map[string]string {
	report.Requests++
	var resp envelope[T]
	if err := a.getData(ctx, path, &resp); err != nil {
		report.Fail(op, "", err)
		return nil
	}
	out := make(map[string]string, len(resp.Data))
	for _, row := range resp.Data {
		k, v := kv(row)
		out[k] = v
	}
	return out
}

func (a *Adapter) fundingSnapshot(ctx context.Context, inst instrumentRow, markPx, oiCcy string, now time.Time, report *exchange.Report) (model.ContractSnapshot, error) {
	report.Requests++
	var resp envelope[fundingRateRow]
	if err := a.getData(ctx, "/api/v5/public/funding-rate?instId="+inst.InstID, &resp); err != nil {
		return model.ContractSnapshot{}, err
	}
	if resp.Code != "0" || len(resp.Data) == 0 {
		return model.ContractSnapshot{}, fault.Newf(fault.KindParse, "okx.funding_rate",
			"code %s for %s", resp.Code, inst.InstID)
	}
	row := resp.Data[0]

	rate, err := exchange.ParseDecimal(row.FundingRate)
	if err != nil {
		return model.ContractSnapshot{}, fault.New(fault.KindParse, "okx.funding_rate", err)
	}
	interval := intervalFromWindow(row.FundingTime, row.NextFundingTime)
	if interval == 0 {
		return model.ContractSnapshot{}, fault.Newf(fault.KindParse, "okx.funding_rate",
			"interval not inferable for %s", inst.InstID)
	}

	base, quote := splitInstID(inst.InstID)
	market := model.MarketUSDM
	if inst.CtType == "inverse" {
		market = model.MarketCOINM
	}
	return model.ContractSnapshot{
		Exchange:             a.Name(),
		Symbol:               inst.InstID,
		BaseAsset:            base,
		QuoteAsset:           quote,
		FundingRate:          rate,
		FundingIntervalHours: interval,
		APR:                  model.APRFromRate(rate, interval),
		MarkPrice:            exchange.ParseNullDecimal(markPx),
		OpenInterest:         exchange.ParseNullDecimal(oiCcy),
		OIUnit:               model.OIUnitBase,
		ContractType:         "SWAP",
		MarketType:           market,
		Timestamp:            now,
	}, nil
}

// FetchHistorical pages backward via the `after` cursor (records earlier
// than the given timestamp).
func (a *Adapter) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error) {
	var points []model.FundingPoint
	after := end.UnixMilli()
	startMs := start.UnixMilli()

	for {
		path := "/api/v5/public/funding-rate-history?instId=" + symbol +
			"&after=" + strconv.FormatInt(after, 10) +
			"&limit=" + strconv.Itoa(historyPageSize)
		var resp envelope[historyRow]
		if err := a.getData(ctx, path, &resp); err != nil {
			return nil, err
		}
		if resp.Code != "0" {
			return nil, fault.Newf(fault.KindUpstream4xx, "okx.funding_history",
				"code %s: %s", resp.Code, resp.Msg)
		}
		if len(resp.Data) == 0 {
			break
		}
		oldest := after
		for _, row := range resp.Data {
			ts, err := strconv.ParseInt(row.FundingTime, 10, 64)
			if err != nil {
				continue
			}
			if ts < oldest {
				oldest = ts
			}
			if ts < startMs {
				continue
			}
			raw := row.RealizedRate
			if raw == "" {
				raw = row.FundingRate
			}
			rate, err := exchange.ParseDecimal(raw)
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
		if len(resp.Data) < historyPageSize || oldest <= startMs {
			break
		}
		after = oldest
	}
	return exchange.StampIntervals(a.Name(), points, 0), nil
}

// ListContracts returns live swaps; intervals resolve during backfill from
// the history gaps, so the listing reports the venue default.
func (a *Adapter) ListContracts(ctx context.Context) ([]exchange.Contract, error) {
	var resp envelope[instrumentRow]
	if err := a.getData(ctx, "/api/v5/public/instruments?instType=SWAP", &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" {
		return nil, fault.Newf(fault.KindUpstream4xx, "okx.instruments",
			"code %s: %s", resp.Code, resp.Msg)
	}
	out := make([]exchange.Contract, 0, len(resp.Data))
	for _, inst := range resp.Data {
		if inst.State != "live" {
			continue
		}
		base, quote := splitInstID(inst.InstID)
		out = append(out, exchange.Contract{
			Symbol:               inst.InstID,
			BaseAsset:            base,
			QuoteAsset:           quote,
			FundingIntervalHours: 8,
			ContractType:         "SWAP",
		})
	}
	return out, nil
}

// splitInstID parses "BTC-USDT-SWAP" into its normalized base and quote.
func splitInstID(instID string) (base, quote string) {
	parts := strings.Split(instID, "-")
	if len(parts) < 2 {
		return symbols.NormalizeBase(instID), ""
	}
	return symbols.NormalizeBase(parts[0]), parts[1]
}

// intervalFromWindow derives the settlement interval from the current and
// next funding timestamps.
func intervalFromWindow(cur, next string) int {
	c, err1 := strconv.ParseInt(cur, 10, 64)
	n, err2 := strconv.ParseInt(next, 10, 64)
	if err1 != nil || err2 != nil || n <= c {
		return 0
	}
	return model.InferInterval(time.Duration(n-c) * time.Millisecond)
}
