package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	dto "github.com/prometheus/client_model/go"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/shopspring/decimal"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/cache"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/storage"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/symbols"
)

// cached wraps a handler body with the read-through cache: key from path and
// normalized params, TTL by class, Cache-Control and X-Cache response
// headers.
func (s *Server) cached(w http.ResponseWriter, r *http.Request, class cache.Class, load func(ctx context.Context) (any, error)) {
	key := cache.Key(r.URL.Path, r.URL.Query())
	ttl := int(s.deps.Config.Cache.TTL.Grid.Seconds())
	switch class {
	case cache.ClassStatistics:
		ttl = int(s.deps.Config.Cache.TTL.Statistics.Seconds())
	case cache.ClassHistorical:
		ttl = int(s.deps.Config.Cache.TTL.Historical.Seconds())
	case cache.ClassArbitrage:
		ttl = int(s.deps.Config.Cache.TTL.Arbitrage.Seconds())
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", ttl))

	if s.deps.Cache != nil {
		if b, ok := s.deps.Cache.Get(r.Context(), key); ok {
			w.Header().Set("X-Cache", "hit")
			w.Header().Set("Content-Type", "application/json")
			w.Write(b)
			return
		}
	}

	v, err := load(r.Context())
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	if s.deps.Cache != nil {
		s.deps.Cache.Set(r.Context(), key, b, class)
	}
	w.Header().Set("X-Cache", "miss")
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

// gridEntry is one venue column in the grid payload.
type gridEntry struct {
	Symbol               string              `json:"symbol"`
	FundingRate          decimal.Decimal     `json:"funding_rate"`
	APR                  decimal.Decimal     `json:"apr"`
	FundingIntervalHours int                 `json:"funding_interval_hours"`
	OpenInterestUSD      decimal.NullDecimal `json:"open_interest_usd"`
}

type gridAsset struct {
	Exchanges map[string]gridEntry `json:"exchanges"`
}

// handleGrid: GET /api/funding-rates-grid. Cached 5 s.
func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	s.cached(w, r, cache.ClassGrid, func(ctx context.Context) (any, error) {
		cells, err := s.deps.Store.Grid(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]gridAsset, len(cells))
		for _, c := range cells {
			asset, ok := out[c.BaseAsset]
			if !ok {
				asset = gridAsset{Exchanges: make(map[string]gridEntry)}
			}
			asset.Exchanges[c.Exchange] = gridEntry{
				Symbol:               c.Symbol,
				FundingRate:          c.FundingRate,
				APR:                  c.APR,
				FundingIntervalHours: c.FundingIntervalHours,
				OpenInterestUSD:      c.OpenInterestUSD,
			}
			out[c.BaseAsset] = asset
		}
		return out, nil
	})
}

// handleFundingRates: GET /api/funding-rates?base_asset=&limit=.
func (s *Server) handleFundingRates(w http.ResponseWriter, r *http.Request) {
	baseAsset := strings.TrimSpace(r.URL.Query().Get("base_asset"))
	if baseAsset != "" {
		baseAsset = symbols.NormalizeBase(baseAsset)
	}
	limit, err := intParam(r, "limit", 500, 1, 5000)
	if err != nil {
		writeValidationError(w, "invalid limit", err.Error())
		return
	}
	s.cached(w, r, cache.ClassGrid, func(ctx context.Context) (any, error) {
		return s.deps.Store.LatestLive(ctx, baseAsset, limit)
	})
}

// assetHistoryPoint is one aligned timestamp bucket across contracts.
type assetHistoryPoint struct {
	Timestamp time.Time                     `json:"timestamp"`
	Rates     map[string]assetHistoryEntry `json:"rates"`
}

type assetHistoryEntry struct {
	Rate decimal.Decimal `json:"rate"`
	APR  decimal.Decimal `json:"apr"`
}

// handleHistoryByAsset: GET /api/historical-funding-by-asset/{asset}?days=.
// Timestamps are bucketed to the shortest funding interval present so
// contracts with mixed cadence align on the same rows.
func (s *Server) handleHistoryByAsset(w http.ResponseWriter, r *http.Request) {
	asset := symbols.NormalizeBase(mux.Vars(r)["asset"])
	if asset == "" {
		writeValidationError(w, "missing asset", "")
		return
	}
	days, err := intParam(r, "days", 30, 1, 365)
	if err != nil {
		writeValidationError(w, "invalid days", err.Error())
		return
	}

	s.cached(w, r, cache.ClassHistorical, func(ctx context.Context) (any, error) {
		rows, err := s.deps.Store.HistoryByAsset(ctx, asset, days)
		if err != nil {
			return nil, err
		}

		bucket := shortestInterval(rows)
		contracts := map[string]bool{}
		points := map[int64]*assetHistoryPoint{}
		for _, row := range rows {
			key := row.Exchange + ":" + row.Symbol
			contracts[key] = true
			ts := row.FundingTime.Truncate(bucket)
			p, ok := points[ts.Unix()]
			if !ok {
				p = &assetHistoryPoint{Timestamp: ts, Rates: make(map[string]assetHistoryEntry)}
				points[ts.Unix()] = p
			}
			iv := decimal.NewFromInt(int64(row.FundingIntervalHours))
			apr := decimal.Zero
			if row.FundingIntervalHours > 0 {
				apr = row.FundingRate.Mul(decimal.NewFromInt(8760)).Div(iv).Mul(decimal.NewFromInt(100))
			}
			p.Rates[key] = assetHistoryEntry{Rate: row.FundingRate, APR: apr}
		}

		data := make([]*assetHistoryPoint, 0, len(points))
		for _, p := range points {
			data = append(data, p)
		}
		sort.Slice(data, func(i, j int) bool { return data[i].Timestamp.Before(data[j].Timestamp) })

		names := make([]string, 0, len(contracts))
		for k := range contracts {
			names = append(names, k)
		}
		sort.Strings(names)

		return map[string]any{
			"asset":     asset,
			"contracts": names,
			"data":      data,
		}, nil
	})
}

func shortestInterval(rows []storage.AssetHistoryRow) time.Duration {
	shortest := 8
	for _, row := range rows {
		if row.FundingIntervalHours > 0 && row.FundingIntervalHours < shortest {
			shortest = row.FundingIntervalHours
		}
	}
	return time.Duration(shortest) * time.Hour
}

// handleHistoryByContract: GET /api/historical-funding-by-contract/{exchange}/{symbol}?days=.
// Newest first.
func (s *Server) handleHistoryByContract(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ex := strings.ToLower(vars["exchange"])
	symbol := vars["symbol"]
	days, err := intParam(r, "days", 30, 1, 365)
	if err != nil {
		writeValidationError(w, "invalid days", err.Error())
		return
	}
	limit, err := intParam(r, "limit", 1000, 1, 10000)
	if err != nil {
		writeValidationError(w, "invalid limit", err.Error())
		return
	}
	s.cached(w, r, cache.ClassHistorical, func(ctx context.Context) (any, error) {
		return s.deps.Store.HistoryBySymbol(ctx, ex, symbol, days, limit)
	})
}

// handleContractsWithZScores: GET /api/contracts-with-zscores. Cached 10 s.
func (s *Server) handleContractsWithZScores(w http.ResponseWriter, r *http.Request) {
	s.cached(w, r, cache.ClassStatistics, func(ctx context.Context) (any, error) {
		return s.deps.Store.ContractsWithStats(ctx)
	})
}

// handleArbitrage: GET /api/arbitrage/opportunities?exchanges=&page=&page_size=.
func (s *Server) handleArbitrage(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page", 1, 1, 1_000_000)
	if err != nil {
		writeValidationError(w, "invalid page", err.Error())
		return
	}
	pageSize, err := intParam(r, "page_size", 50, 1, 500)
	if err != nil {
		writeValidationError(w, "invalid page_size", err.Error())
		return
	}
	venueFilter := csvSet(r.URL.Query().Get("exchanges"))

	s.cached(w, r, cache.ClassArbitrage, func(ctx context.Context) (any, error) {
		ops, err := s.deps.Scanner.Scan(ctx)
		if err != nil {
			return nil, err
		}
		if venueFilter != nil {
			filtered := ops[:0]
			for _, op := range ops {
				if venueFilter[op.LongExchange] && venueFilter[op.ShortExchange] {
					filtered = append(filtered, op)
				}
			}
			ops = filtered
		}

		total := len(ops)
		startIdx := (page - 1) * pageSize
		if startIdx > total {
			startIdx = total
		}
		endIdx := startIdx + pageSize
		if endIdx > total {
			endIdx = total
		}
		return map[string]any{
			"data": ops[startIdx:endIdx],
			"pagination": pagination{
				Page:       page,
				PageSize:   pageSize,
				Total:      total,
				TotalPages: (total + pageSize - 1) / pageSize,
			},
		}, nil
	})
}

// handleBackfillStatus: GET /api/backfill-status. The read path self-heals
// a 100%-but-in_progress document.
func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Status.Read()
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleCacheClear: POST /api/cache/clear.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache != nil {
		_ = s.deps.Cache.Clear(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleExchanges: GET /api/exchanges — per-venue operational health.
func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	var last map[string]any
	if s.deps.Scheduler != nil {
		if cycle := s.deps.Scheduler.LastCycle(); cycle != nil {
			last = make(map[string]any, len(cycle.Adapters))
			for name, report := range cycle.Adapters {
				last[name] = map[string]any{
					"duration": report.Duration.String(),
					"records":  report.Records,
					"failures": report.Failed(),
				}
			}
		}
	}

	out := make([]VenueStatus, 0, len(s.deps.Config.Exchanges))
	for name, ec := range s.deps.Config.Exchanges {
		vs := VenueStatus{Exchange: name, Enabled: ec.Enabled}
		if s.deps.Limits != nil {
			if b, ok := s.deps.Limits.Get(name); ok {
				stats := b.Snapshot()
				vs.Limiter = &stats
			}
		}
		if s.deps.Breakers != nil {
			if state, ok := s.deps.Breakers(name); ok {
				vs.BreakerState = state
			}
		}
		if last != nil {
			if lc, ok := last[name].(map[string]any); ok {
				vs.LastCycle = lc
			}
		}
		out = append(out, vs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	writeJSON(w, http.StatusOK, out)
}

// handleHealth: GET /api/health — liveness plus dependency probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.deps.Store.Ping(r.Context()) == nil
	cacheOK := s.deps.Cache != nil && s.deps.Cache.Healthy(r.Context())

	status := http.StatusOK
	overall := "ok"
	if !dbOK {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status": overall,
		"dependencies": map[string]any{
			"database": dbOK,
			// cache==false only means the LRU fallback is serving
			"cache": cacheOK,
		},
		"time": time.Now().UTC(),
	})
}

// handlePerformance: GET /api/health/performance — last cycle summary from
// the metrics registry plus process resource usage.
func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}

	if s.deps.Scheduler != nil {
		if cycle := s.deps.Scheduler.LastCycle(); cycle != nil {
			out["last_cycle"] = cycle
		}
	}

	if s.deps.Metrics != nil {
		var families []*dto.MetricFamily
		families, err := s.deps.Metrics.Registry.Gather()
		if err == nil {
			metrics := map[string]any{}
			for _, fam := range families {
				switch fam.GetName() {
				case "collector_cycle_duration_seconds":
					for _, m := range fam.GetMetric() {
						h := m.GetHistogram()
						metrics["cycles_total"] = h.GetSampleCount()
						if h.GetSampleCount() > 0 {
							metrics["cycle_duration_avg_seconds"] =
								h.GetSampleSum() / float64(h.GetSampleCount())
						}
					}
				case "collector_records_written_total":
					var total float64
					for _, m := range fam.GetMetric() {
						total += m.GetCounter().GetValue()
					}
					metrics["records_written_total"] = total
				case "collector_fetch_failures_total":
					var total float64
					for _, m := range fam.GetMetric() {
						total += m.GetCounter().GetValue()
					}
					metrics["fetch_failures_total"] = total
				}
			}
			out["metrics"] = metrics
		}
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		resources := map[string]any{}
		if cpu, err := proc.CPUPercent(); err == nil {
			resources["cpu_percent"] = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			resources["rss_bytes"] = mem.RSS
		}
		out["process"] = resources
	}

	writeJSON(w, http.StatusOK, out)
}

// intParam parses a bounded integer query parameter.
func intParam(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return v, nil
}

// csvSet parses a CSV filter into a lowercase set; nil means no filter.
func csvSet(raw string) map[string]bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, v := range strings.Split(raw, ",") {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out[v] = true
		}
	}
	return out
}
