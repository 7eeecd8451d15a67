package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/httpx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/ratelimit"
)

func testClient() *httpx.Client {
	bucket := ratelimit.NewBucket("binance", 100, 100, time.Millisecond)
	return httpx.New("binance", bucket, httpx.Config{
		RequestTimeout: 5 * time.Second,
		MaxRetries:     1,
		BackoffBase:    time.Millisecond,
	})
}

func TestFetchMergesMarginClasses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/fundingInfo":
			fmt.Fprint(w, `[{"symbol":"1000BONKUSDT","fundingIntervalHours":4}]`)
		case "/fapi/v1/premiumIndex":
			fmt.Fprint(w, `[
				{"symbol":"BTCUSDT","markPrice":"50000.1","indexPrice":"50000.0","lastFundingRate":"0.0001","time":1717240000000},
				{"symbol":"1000BONKUSDT","markPrice":"0.02","indexPrice":"0.02","lastFundingRate":"0.0002","time":1717240000000},
				{"symbol":"BTCUSDT_240628","markPrice":"50100","indexPrice":"50000","lastFundingRate":"","time":1717240000000}
			]`)
		case "/dapi/v1/premiumIndex":
			fmt.Fprint(w, `[
				{"symbol":"BTCUSD_PERP","pair":"BTCUSD","markPrice":"50000.2","indexPrice":"50000.0","lastFundingRate":"0.00005","time":1717240000000}
			]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := New(testClient(), Options{FapiBase: srv.URL, DapiBase: srv.URL})
	snaps, report := a.Fetch(context.Background())

	require.Len(t, snaps, 3)
	assert.Zero(t, report.Failed())

	bySymbol := map[string]model.ContractSnapshot{}
	for _, s := range snaps {
		bySymbol[s.Symbol] = s
	}

	btc := bySymbol["BTCUSDT"]
	assert.Equal(t, "BTC", btc.BaseAsset)
	assert.Equal(t, 8, btc.FundingIntervalHours)
	assert.Equal(t, model.MarketUSDM, btc.MarketType)
	assert.True(t, btc.APR.Equal(decimal.RequireFromString("10.95")))

	// Multiplier prefix collapses to the underlying asset; the interval
	// override from fundingInfo applies.
	bonk := bySymbol["1000BONKUSDT"]
	assert.Equal(t, "BONK", bonk.BaseAsset)
	assert.Equal(t, 4, bonk.FundingIntervalHours)

	perp := bySymbol["BTCUSD_PERP"]
	assert.Equal(t, model.MarketCOINM, perp.MarketType)
	assert.Equal(t, "BTC", perp.BaseAsset)
}

func TestFetchOneClassDownStillReports(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/fundingInfo":
			fmt.Fprint(w, `[]`)
		case "/fapi/v1/premiumIndex":
			fmt.Fprint(w, `[{"symbol":"BTCUSDT","markPrice":"50000","indexPrice":"50000","lastFundingRate":"0.0001","time":1717240000000}]`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	a := New(testClient(), Options{FapiBase: srv.URL, DapiBase: srv.URL})
	snaps, report := a.Fetch(context.Background())

	assert.Len(t, snaps, 1)
	assert.Equal(t, 1, report.Failed())
}

func TestFetchHistoricalPagesAndStampsIntervals(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/fundingRate", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		page++
		if page > 1 {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprintf(w, `[
			{"symbol":"BTCUSDT","fundingTime":%d,"fundingRate":"0.0001","markPrice":"50000"},
			{"symbol":"BTCUSDT","fundingTime":%d,"fundingRate":"0.0002","markPrice":"50100"},
			{"symbol":"BTCUSDT","fundingTime":%d,"fundingRate":"0.0003","markPrice":"50200"}
		]`, start.UnixMilli(), start.Add(8*time.Hour).UnixMilli(), start.Add(16*time.Hour).UnixMilli())
	}))
	defer srv.Close()

	a := New(testClient(), Options{FapiBase: srv.URL, DapiBase: srv.URL})
	points, err := a.FetchHistorical(context.Background(), "BTCUSDT", start, start.Add(24*time.Hour))
	require.NoError(t, err)

	require.Len(t, points, 3)
	for _, p := range points {
		assert.Equal(t, 8, p.FundingIntervalHours, "gap inference stamps 8h")
	}
	assert.True(t, points[1].FundingRate.Equal(decimal.RequireFromString("0.0002")))
	assert.Equal(t, start.Add(8*time.Hour), points[1].FundingTime)
}

func TestListContractsFiltersToTradingPerpetuals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/fundingInfo":
			fmt.Fprint(w, `[]`)
		case "/fapi/v1/exchangeInfo", "/dapi/v1/exchangeInfo":
			fmt.Fprint(w, `{"symbols":[
				{"symbol":"BTCUSDT","status":"TRADING","contractType":"PERPETUAL","baseAsset":"BTC","quoteAsset":"USDT"},
				{"symbol":"BTCUSDT_240628","status":"TRADING","contractType":"CURRENT_QUARTER","baseAsset":"BTC","quoteAsset":"USDT"},
				{"symbol":"OLDUSDT","status":"SETTLING","contractType":"PERPETUAL","baseAsset":"OLD","quoteAsset":"USDT"}
			]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := New(testClient(), Options{FapiBase: srv.URL, DapiBase: srv.URL})
	contracts, err := a.ListContracts(context.Background())
	require.NoError(t, err)

	// One perpetual per margin class; quarterlies and non-trading drop out.
	require.Len(t, contracts, 2)
	assert.Equal(t, "BTCUSDT", contracts[0].Symbol)
	assert.Equal(t, 8, contracts[0].FundingIntervalHours)
}
