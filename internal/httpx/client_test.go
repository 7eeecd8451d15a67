package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/ratelimit"
)

func testBucket(venue string) *ratelimit.Bucket {
	return ratelimit.NewBucket(venue, 100, 1000, 50*time.Millisecond)
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`{"symbol":"BTCUSDT","rate":"0.0001"}`))
	}))
	defer srv.Close()

	c := New("binance", testBucket("binance"), Config{})
	var out struct {
		Symbol string `json:"symbol"`
		Rate   string `json:"rate"`
	}
	require.NoError(t, c.GetJSON(context.Background(), srv.URL, &out))
	assert.Equal(t, "BTCUSDT", out.Symbol)
	assert.Equal(t, "0.0001", out.Rate)
}

func TestRetryOn5xxThenSuccess(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New("okx", testBucket("okx"), Config{MaxRetries: 3, BackoffBase: 5 * time.Millisecond})
	body, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, 3, calls)
}

func TestTerminal4xx(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New("bybit", testBucket("bybit"), Config{MaxRetries: 3, BackoffBase: 5 * time.Millisecond})
	_, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindUpstream4xx, fault.KindOf(err))
	assert.Equal(t, 1, calls, "4xx other than 429 must not be retried")
}

func TestRateLimitEscalationSchedule(t *testing.T) {
	var mu sync.Mutex
	var hits []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, time.Now())
		n := len(hits)
		mu.Unlock()
		if n <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	bucket := ratelimit.NewBucket("gateio", 100, 1000, 50*time.Millisecond)
	c := New("gateio", bucket, Config{MaxRetries: 3})

	_, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	require.Len(t, hits, 4)

	// Penalties double from the first 429: retries land near +50, +100,
	// +200ms from the initial attempt.
	assert.InDelta(t, 50, hits[1].Sub(hits[0]).Milliseconds(), 35)
	assert.InDelta(t, 100, hits[2].Sub(hits[0]).Milliseconds(), 35)
	assert.InDelta(t, 200, hits[3].Sub(hits[0]).Milliseconds(), 40)
	assert.Equal(t, int64(3), bucket.Snapshot().Penalties)
}

func TestRetryAfterHeaderPenalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	bucket := testBucket("mexc")
	c := New("mexc", bucket, Config{MaxRetries: 0})
	_, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindRateLimited, fault.KindOf(err))
	assert.True(t, bucket.Throttled())
}

func TestNetworkErrorExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	c := New("dydx", testBucket("dydx"), Config{MaxRetries: 1, BackoffBase: 5 * time.Millisecond})
	_, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindNetwork, fault.KindOf(err))
}

func TestCancellationDistinctFromFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := New("deribit", testBucket("deribit"), Config{})
	_, err := c.Do(ctx, http.MethodGet, srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindCancelled, fault.KindOf(err))
}

func TestDecodeJSONParseKind(t *testing.T) {
	c := New("orderly", testBucket("orderly"), Config{})
	var out map[string]any
	err := c.DecodeJSON([]byte(`<html>maintenance</html>`), &out)
	require.Error(t, err)
	assert.Equal(t, fault.KindParse, fault.KindOf(err))
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`[{"coin":"BTC"}]`))
	}))
	defer srv.Close()

	c := New("hyperliquid", testBucket("hyperliquid"), Config{})
	var out []struct {
		Coin string `json:"coin"`
	}
	req := map[string]string{"type": "metaAndAssetCtxs"}
	require.NoError(t, c.PostJSON(context.Background(), srv.URL, req, &out))
	require.Len(t, out, 1)
	assert.Equal(t, "BTC", out[0].Coin)
}
