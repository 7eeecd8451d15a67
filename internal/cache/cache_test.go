package cache

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTTLs() TTLs {
	return TTLs{
		Grid:       5 * time.Second,
		Statistics: 10 * time.Second,
		Historical: 30 * time.Second,
		Arbitrage:  5 * time.Second,
	}
}

func TestKeyDeterministicAcrossParamOrder(t *testing.T) {
	a := url.Values{}
	a.Set("days", "30")
	a.Set("asset", "BTC")

	b := url.Values{}
	b.Set("asset", "BTC")
	b.Set("days", "30")

	assert.Equal(t, Key("/api/historical-funding-by-asset", a),
		Key("/api/historical-funding-by-asset", b))
	assert.NotEqual(t, Key("/api/historical-funding-by-asset", a),
		Key("/api/historical-funding-by-asset", url.Values{"asset": {"ETH"}}))
	assert.Contains(t, Key("/x", nil), "obs:")
}

func TestRedisHitAndMiss(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewWithClient(rdb, testTTLs(), 1<<20, nil)

	mock.ExpectGet("obs:k1").SetVal("payload")
	got, ok := c.Get(context.Background(), "obs:k1")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)

	mock.ExpectGet("obs:k2").RedisNil()
	_, ok = c.Get(context.Background(), "obs:k2")
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetUsesClassTTL(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewWithClient(rdb, testTTLs(), 1<<20, nil)

	mock.ExpectSet("obs:grid", []byte("g"), 5*time.Second).SetVal("OK")
	c.Set(context.Background(), "obs:grid", []byte("g"), ClassGrid)

	mock.ExpectSet("obs:hist", []byte("h"), 30*time.Second).SetVal("OK")
	c.Set(context.Background(), "obs:hist", []byte("h"), ClassHistorical)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFallbackWhenRedisDown(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := NewWithClient(rdb, testTTLs(), 1<<20, nil)

	// Redis set fails, the value lands in the LRU tier instead.
	mock.ExpectSet("obs:k", []byte("v"), 10*time.Second).SetErr(assert.AnError)
	c.Set(context.Background(), "obs:k", []byte("v"), ClassStatistics)

	// Redis get fails too; the LRU copy serves the read.
	mock.ExpectGet("obs:k").SetErr(assert.AnError)
	got, ok := c.Get(context.Background(), "obs:k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestLRUOnlyWithoutRedis(t *testing.T) {
	c := New("", testTTLs(), 1<<20, nil)

	c.Set(context.Background(), "obs:a", []byte("1"), ClassGrid)
	got, ok := c.Get(context.Background(), "obs:a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), got)

	require.NoError(t, c.Clear(context.Background()))
	_, ok = c.Get(context.Background(), "obs:a")
	assert.False(t, ok)

	assert.False(t, c.Healthy(context.Background()))
}

func TestLRUEvictsByByteCeiling(t *testing.T) {
	l := newLRU(10)

	l.set("a", []byte("12345"), time.Minute)
	l.set("b", []byte("12345"), time.Minute)
	l.set("c", []byte("12345"), time.Minute) // pushes a out

	_, ok := l.get("a")
	assert.False(t, ok)
	_, ok = l.get("c")
	assert.True(t, ok)
}

func TestLRUExpiry(t *testing.T) {
	l := newLRU(1 << 10)
	l.set("a", []byte("v"), time.Nanosecond)
	time.Sleep(5 * time.Millisecond)
	_, ok := l.get("a")
	assert.False(t, ok)
}

type countingObserver struct{ hits, misses int }

func (o *countingObserver) CacheHit(string)  { o.hits++ }
func (o *countingObserver) CacheMiss(string) { o.misses++ }

func TestObserverSignals(t *testing.T) {
	obs := &countingObserver{}
	c := New("", testTTLs(), 1<<20, obs)

	c.Get(context.Background(), "obs:missing")
	c.Set(context.Background(), "obs:x", []byte("v"), ClassGrid)
	c.Get(context.Background(), "obs:x")

	assert.Equal(t, 1, obs.hits)
	assert.Equal(t, 1, obs.misses)
}
