package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/arbitrage"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/backfill"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/cache"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/config"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/storage"
)

type apiStore struct {
	grid      []storage.GridCell
	live      []model.ContractSnapshot
	history   []model.FundingPoint
	assetRows []storage.AssetHistoryRow
	withStats []storage.ContractWithStats
	pingErr   error
	err       error

	lastBaseAsset string
	lastLimit     int
}

func (s *apiStore) Ping(ctx context.Context) error { return s.pingErr }

func (s *apiStore) LatestLive(ctx context.Context, baseAsset string, limit int) ([]model.ContractSnapshot, error) {
	s.lastBaseAsset, s.lastLimit = baseAsset, limit
	return s.live, s.err
}

func (s *apiStore) Grid(ctx context.Context) ([]storage.GridCell, error) {
	return s.grid, s.err
}

func (s *apiStore) HistoryBySymbol(ctx context.Context, ex, symbol string, days, limit int) ([]model.FundingPoint, error) {
	return s.history, s.err
}

func (s *apiStore) HistoryByAsset(ctx context.Context, asset string, days int) ([]storage.AssetHistoryRow, error) {
	return s.assetRows, s.err
}

func (s *apiStore) ContractsWithStats(ctx context.Context) ([]storage.ContractWithStats, error) {
	return s.withStats, s.err
}

type apiScanner struct {
	ops []arbitrage.Opportunity
	err error
}

func (s *apiScanner) Scan(ctx context.Context) ([]arbitrage.Opportunity, error) {
	return s.ops, s.err
}

func testServer(t *testing.T, store *apiStore, scanner *apiScanner) *Server {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	if scanner == nil {
		scanner = &apiScanner{}
	}
	return New(Deps{
		Store:   store,
		Cache:   cache.New("", cache.TTLs{Grid: time.Second, Statistics: time.Second, Historical: time.Second, Arbitrage: time.Second}, 1<<20, nil),
		Scanner: scanner,
		Status:  backfill.NewStatusFile(filepath.Join(t.TempDir(), "status.json")),
		Config:  cfg,
	})
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func gridCell(ex, base, sym, rate string, interval int) storage.GridCell {
	r := decimal.RequireFromString(rate)
	return storage.GridCell{
		Exchange:             ex,
		BaseAsset:            base,
		Symbol:               sym,
		FundingRate:          r,
		APR:                  model.APRFromRate(r, interval),
		FundingIntervalHours: interval,
	}
}

func TestGridGroupsByAssetAndVenue(t *testing.T) {
	// Normalization happens at ingest, so multiplier-prefixed listings from
	// different venues land under one asset row.
	store := &apiStore{grid: []storage.GridCell{
		gridCell("binance", "BONK", "1000BONKUSDT", "0.0001", 8),
		gridCell("kucoin", "BONK", "1000BONKUSDTM", "0.00009", 8),
		gridCell("binance", "BTC", "BTCUSDT", "0.0001", 8),
	}}
	s := testServer(t, store, nil)

	rec := get(t, s, "/api/funding-rates-grid")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "miss", rec.Header().Get("X-Cache"))

	var body map[string]struct {
		Exchanges map[string]struct {
			Symbol string          `json:"symbol"`
			APR    decimal.Decimal `json:"apr"`
		} `json:"exchanges"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	bonk, ok := body["BONK"]
	require.True(t, ok)
	require.Len(t, bonk.Exchanges, 2)
	assert.Equal(t, "1000BONKUSDT", bonk.Exchanges["binance"].Symbol)
	assert.True(t, bonk.Exchanges["binance"].APR.Equal(decimal.RequireFromString("10.95")),
		"binance APR = %s", bonk.Exchanges["binance"].APR)
	assert.True(t, bonk.Exchanges["kucoin"].APR.Equal(decimal.RequireFromString("9.855")),
		"kucoin APR = %s", bonk.Exchanges["kucoin"].APR)
}

func TestGridSecondRequestServedFromCache(t *testing.T) {
	store := &apiStore{grid: []storage.GridCell{gridCell("binance", "BTC", "BTCUSDT", "0.0001", 8)}}
	s := testServer(t, store, nil)

	first := get(t, s, "/api/funding-rates-grid")
	require.Equal(t, "miss", first.Header().Get("X-Cache"))

	second := get(t, s, "/api/funding-rates-grid")
	assert.Equal(t, "hit", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestFundingRatesNormalizesBaseAssetParam(t *testing.T) {
	store := &apiStore{}
	s := testServer(t, store, nil)

	rec := get(t, s, "/api/funding-rates?base_asset=XBT")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BTC", store.lastBaseAsset)
}

func TestFundingRatesRejectsBadLimit(t *testing.T) {
	s := testServer(t, &apiStore{}, nil)

	for _, q := range []string{"limit=abc", "limit=0", "limit=999999"} {
		rec := get(t, s, "/api/funding-rates?"+q)
		require.Equal(t, http.StatusBadRequest, rec.Code, q)

		var body errorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "VALIDATION", body.Error.Kind)
	}
}

func TestHistoryByAssetBucketsMixedIntervals(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store := &apiStore{assetRows: []storage.AssetHistoryRow{
		{Exchange: "binance", Symbol: "BTCUSDT", FundingRate: decimal.RequireFromString("0.0001"), FundingTime: base, FundingIntervalHours: 8},
		{Exchange: "hyperliquid", Symbol: "BTC", FundingRate: decimal.RequireFromString("0.00001"), FundingTime: base, FundingIntervalHours: 1},
		{Exchange: "hyperliquid", Symbol: "BTC", FundingRate: decimal.RequireFromString("0.00002"), FundingTime: base.Add(time.Hour), FundingIntervalHours: 1},
	}}
	s := testServer(t, store, nil)

	rec := get(t, s, "/api/historical-funding-by-asset/BTC")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Asset     string   `json:"asset"`
		Contracts []string `json:"contracts"`
		Data      []struct {
			Timestamp time.Time `json:"timestamp"`
			Rates     map[string]struct {
				APR decimal.Decimal `json:"apr"`
			} `json:"rates"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "BTC", body.Asset)
	assert.Equal(t, []string{"binance:BTCUSDT", "hyperliquid:BTC"}, body.Contracts)
	// Shortest interval is 1h, so the two hyperliquid settlements stay on
	// separate rows while both contracts share the first.
	require.Len(t, body.Data, 2)
	assert.Len(t, body.Data[0].Rates, 2)
	assert.Len(t, body.Data[1].Rates, 1)
	// APR recomputed per row from each contract's own interval.
	assert.True(t, body.Data[0].Rates["binance:BTCUSDT"].APR.Equal(decimal.RequireFromString("10.95")))
	assert.True(t, body.Data[0].Rates["hyperliquid:BTC"].APR.Equal(decimal.RequireFromString("8.76")))
}

func TestHistoryByAssetRejectsBadDays(t *testing.T) {
	s := testServer(t, &apiStore{}, nil)
	rec := get(t, s, "/api/historical-funding-by-asset/BTC?days=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArbitragePagination(t *testing.T) {
	ops := make([]arbitrage.Opportunity, 7)
	for i := range ops {
		ops[i].Asset = "BTC"
		ops[i].LongExchange = "okx"
		ops[i].ShortExchange = "binance"
	}
	s := testServer(t, &apiStore{}, &apiScanner{ops: ops})

	rec := get(t, s, "/api/arbitrage/opportunities?page=2&page_size=3")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data       []json.RawMessage `json:"data"`
		Pagination pagination        `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data, 3)
	assert.Equal(t, 7, body.Pagination.Total)
	assert.Equal(t, 3, body.Pagination.TotalPages)
}

func TestArbitrageVenueFilterRequiresBothLegs(t *testing.T) {
	ops := []arbitrage.Opportunity{
		{Spread: model.Spread{Asset: "BTC", LongExchange: "okx", ShortExchange: "binance"}},
		{Spread: model.Spread{Asset: "BTC", LongExchange: "bybit", ShortExchange: "binance"}},
	}
	s := testServer(t, &apiStore{}, &apiScanner{ops: ops})

	rec := get(t, s, "/api/arbitrage/opportunities?exchanges=okx,binance")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []struct {
			LongExchange string `json:"long_exchange"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "okx", body.Data[0].LongExchange)
}

func TestBackfillStatusMissingFileIsIdle(t *testing.T) {
	s := testServer(t, &apiStore{}, nil)

	rec := get(t, s, "/api/backfill-status")
	require.Equal(t, http.StatusOK, rec.Code)

	var st backfill.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, backfill.StateIdle, st.State)
}

func TestInternalErrorHidesKindAndCarriesCorrelationID(t *testing.T) {
	s := testServer(t, &apiStore{err: errors.New("pq: connection refused")}, nil)

	rec := get(t, s, "/api/funding-rates-grid")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INTERNAL", body.Error.Kind)
	assert.NotContains(t, body.Error.Message, "pq:")
	assert.Contains(t, body.Error.Detail, "correlation_id=")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealthDegradedWhenDatabaseDown(t *testing.T) {
	s := testServer(t, &apiStore{pingErr: errors.New("down")}, nil)

	rec := get(t, s, "/api/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
}

func TestHealthOK(t *testing.T) {
	s := testServer(t, &apiStore{}, nil)
	rec := get(t, s, "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCacheClear(t *testing.T) {
	s := testServer(t, &apiStore{grid: []storage.GridCell{gridCell("binance", "BTC", "BTCUSDT", "0.0001", 8)}}, nil)

	// Prime the cache.
	get(t, s, "/api/funding-rates-grid")

	req := httptest.NewRequest(http.MethodPost, "/api/cache/clear", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Cleared: the next read is a miss again.
	after := get(t, s, "/api/funding-rates-grid")
	assert.Equal(t, "miss", after.Header().Get("X-Cache"))
}

func TestUnknownRouteReturnsEnvelope(t *testing.T) {
	s := testServer(t, &apiStore{}, nil)
	rec := get(t, s, "/api/does-not-exist")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION", body.Error.Kind)
}
