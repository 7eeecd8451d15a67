// Package telemetry owns the Prometheus registry shared by the collector,
// the backfill runner and the API.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the system emits. One instance is built
// in main and threaded through the components.
type Metrics struct {
	Registry *prometheus.Registry

	CycleDuration   prometheus.Histogram
	AdapterDuration *prometheus.HistogramVec
	RecordsWritten  *prometheus.CounterVec
	FetchFailures   *prometheus.CounterVec

	LimiterAcquires  *prometheus.CounterVec
	LimiterBlocks    *prometheus.CounterVec
	LimiterPenalties *prometheus.CounterVec
	LimiterTokens    *prometheus.GaugeVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	APIRequestDuration *prometheus.HistogramVec

	BackfillGapsFilled prometheus.Counter
	StatsRefreshes     *prometheus.CounterVec
}

// New registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "collector_cycle_duration_seconds",
			Help:    "Wall time of one full live collection cycle.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		AdapterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collector_adapter_duration_seconds",
			Help:    "Wall time of one adapter's fetch within a cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"exchange"}),
		RecordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_records_written_total",
			Help: "Canonical records persisted, by exchange and table.",
		}, []string{"exchange", "table"}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_fetch_failures_total",
			Help: "Per-request adapter failures, by exchange and error kind.",
		}, []string{"exchange", "kind"}),
		LimiterAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_acquires_total",
			Help: "Token acquisitions per exchange bucket.",
		}, []string{"exchange"}),
		LimiterBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_blocks_total",
			Help: "Acquisitions that had to wait.",
		}, []string{"exchange"}),
		LimiterPenalties: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_penalties_total",
			Help: "429-driven penalty windows applied.",
		}, []string{"exchange"}),
		LimiterTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_tokens",
			Help: "Tokens currently available per bucket.",
		}, []string{"exchange"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Cache hits by tier (redis, lru).",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Cache misses by tier.",
		}, []string{"tier"}),
		APIRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API handler latency by route and status class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
		BackfillGapsFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backfill_gaps_filled_total",
			Help: "Historical funding points inserted by backfill.",
		}),
		StatsRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stats_refreshes_total",
			Help: "Statistics recomputations by zone (active, stable).",
		}, []string{"zone"}),
	}
	reg.MustRegister(
		m.CycleDuration, m.AdapterDuration, m.RecordsWritten, m.FetchFailures,
		m.LimiterAcquires, m.LimiterBlocks, m.LimiterPenalties, m.LimiterTokens,
		m.CacheHits, m.CacheMisses, m.APIRequestDuration,
		m.BackfillGapsFilled, m.StatsRefreshes,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
