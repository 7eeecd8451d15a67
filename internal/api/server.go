// Package api serves the query surface: grid, historical, statistics,
// arbitrage, backfill status, health and operator controls. Handlers read
// through the cache and fall back to storage.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/arbitrage"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/backfill"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/cache"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/config"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/ratelimit"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/scheduler"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/storage"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/telemetry"
)

// Store is the read surface the handlers consume.
type Store interface {
	Ping(ctx context.Context) error
	LatestLive(ctx context.Context, baseAsset string, limit int) ([]model.ContractSnapshot, error)
	Grid(ctx context.Context) ([]storage.GridCell, error)
	HistoryBySymbol(ctx context.Context, ex, symbol string, days, limit int) ([]model.FundingPoint, error)
	HistoryByAsset(ctx context.Context, asset string, days int) ([]storage.AssetHistoryRow, error)
	ContractsWithStats(ctx context.Context) ([]storage.ContractWithStats, error)
}

// Scanner computes the current opportunity set.
type Scanner interface {
	Scan(ctx context.Context) ([]arbitrage.Opportunity, error)
}

// VenueStatus is one row of GET /api/exchanges.
type VenueStatus struct {
	Exchange     string           `json:"exchange"`
	Enabled      bool             `json:"enabled"`
	BreakerState string           `json:"breaker_state,omitempty"`
	Limiter      *ratelimit.Stats `json:"limiter,omitempty"`
	LastCycle    map[string]any   `json:"last_cycle,omitempty"`
}

// Deps carries everything the server serves from. Scheduler may be nil when
// only the API runs.
type Deps struct {
	Store     Store
	Cache     *cache.Cache
	Scanner   Scanner
	Scheduler *scheduler.Scheduler
	Status    *backfill.StatusFile
	Limits    *ratelimit.Registry
	Breakers  func(venue string) (string, bool)
	Metrics   *telemetry.Metrics
	Config    *config.Config
}

// Server wraps the mux router and the http.Server lifecycle.
type Server struct {
	deps   Deps
	router *mux.Router
	http   *http.Server
}

// New builds the server and its route table.
func New(deps Deps) *Server {
	s := &Server{deps: deps, router: mux.NewRouter()}
	s.routes()

	apiCfg := deps.Config.API
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", apiCfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: apiCfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(requestIDMiddleware)
	s.router.Use(loggingMiddleware(s.deps.Metrics))
	s.router.Use(corsMiddleware(s.deps.Config.API.CORSOrigins))
	s.router.Use(timeoutMiddleware(s.deps.Config.API.RequestTimeout))

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/funding-rates-grid", s.handleGrid).Methods(http.MethodGet)
	api.HandleFunc("/funding-rates", s.handleFundingRates).Methods(http.MethodGet)
	api.HandleFunc("/historical-funding-by-asset/{asset}", s.handleHistoryByAsset).Methods(http.MethodGet)
	api.HandleFunc("/historical-funding-by-contract/{exchange}/{symbol}", s.handleHistoryByContract).Methods(http.MethodGet)
	api.HandleFunc("/contracts-with-zscores", s.handleContractsWithZScores).Methods(http.MethodGet)
	api.HandleFunc("/arbitrage/opportunities", s.handleArbitrage).Methods(http.MethodGet)
	api.HandleFunc("/backfill-status", s.handleBackfillStatus).Methods(http.MethodGet)
	api.HandleFunc("/backfill-status/ws", s.handleBackfillWS).Methods(http.MethodGet)
	api.HandleFunc("/cache/clear", s.handleCacheClear).Methods(http.MethodPost)
	api.HandleFunc("/exchanges", s.handleExchanges).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/health/performance", s.handlePerformance).Methods(http.MethodGet)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body errorBody
		body.Error.Kind = "VALIDATION"
		body.Error.Message = "not found"
		writeJSON(w, http.StatusNotFound, body)
	})
}

// Start serves until ctx is cancelled, then drains with a grace period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.http.Addr).Msg("api listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
