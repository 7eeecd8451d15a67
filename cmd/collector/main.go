package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/api"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/arbitrage"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/backfill"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/cache"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/config"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange/registry"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/scheduler"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/stats"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/storage"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/telemetry"
)

const version = "v1.0.0"

// Exit codes: 0 clean, 1 configuration error, 2 unrecoverable runtime
// error, 130 cancelled by signal.
const (
	exitOK       = 0
	exitConfig   = 1
	exitRuntime  = 2
	exitedSignal = 130
)

var (
	flagConfig    string
	flagLogLevel  string
	flagMode      string
	flagInterval  int
	flagDuration  int
	flagExchanges string
	flagParallel  bool
	flagSeq       bool
	flagDays      int
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "collector",
		Short:   "Multi-exchange perpetual funding-rate collector",
		Version: version,
		Long: `collector harvests funding rates, prices and open interest from
perpetual-futures venues, normalizes them into one schema, and persists
live and historical snapshots to Postgres.

Run with --mode live for the periodic collection loop, --mode historical
for a backfill window, or 'collector serve' for the query API.`,
		RunE: runCollect,
	}
	// Accept snake_case flag spellings from older wrappers.
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level override (trace|debug|info|warn|error)")
	rootCmd.Flags().StringVar(&flagMode, "mode", "live", "Collection mode (live|historical)")
	rootCmd.Flags().IntVar(&flagInterval, "interval", 0, "Live tick period in seconds (overrides config)")
	rootCmd.Flags().IntVar(&flagDuration, "duration", 0, "Stop after this many seconds (0 = run forever)")
	rootCmd.Flags().StringVar(&flagExchanges, "exchanges", "", "CSV allow-list of venues")
	rootCmd.Flags().BoolVar(&flagParallel, "parallel", false, "Force parallel dispatch")
	rootCmd.Flags().BoolVar(&flagSeq, "sequential", false, "Force sequential-staggered dispatch")
	rootCmd.Flags().IntVar(&flagDays, "days", 0, "Historical window in days (overrides config)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the query API server",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&flagExchanges, "exchanges", "", "CSV allow-list of venues")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case fault.KindOf(err) == fault.KindCancelled, errors.Is(err, context.Canceled):
		return exitedSignal
	case fault.KindOf(err) == fault.KindConfig:
		return exitConfig
	default:
		return exitRuntime
	}
}

// setup loads configuration, configures logging and opens shared
// dependencies.
func setup(cmd *cobra.Command) (*config.Config, *storage.Store, *telemetry.Metrics, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, nil, err
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	initLogging(cfg.LogLevel)

	if cfg.Database.DSN == "" {
		return nil, nil, nil, fault.Newf(fault.KindConfig, "main.setup",
			"no database DSN: set DATABASE_URL or POSTGRES_DSN")
	}
	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := store.Bootstrap(cmd.Context()); err != nil {
		store.Close()
		return nil, nil, nil, err
	}

	log.Info().Str("config", cfg.String()).Msg("collector starting")
	return cfg, store, telemetry.New(), nil
}

func initLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// signalContext cancels on SIGINT/SIGTERM so in-flight work drains.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runCollect(cmd *cobra.Command, args []string) error {
	cfg, store, metrics, err := setup(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if flagInterval > 0 {
		cfg.Collection.TickSeconds = flagInterval
	}
	if flagParallel && flagSeq {
		return fault.Newf(fault.KindConfig, "main.flags", "--parallel and --sequential are mutually exclusive")
	}
	if flagParallel {
		cfg.Collection.Mode = "parallel"
	}
	if flagSeq {
		cfg.Collection.Mode = "sequential"
	}

	reg := registry.Build(cfg, flagExchanges)
	adapters := reg.Adapters()
	if len(adapters) == 0 {
		return fault.Newf(fault.KindConfig, "main.collect", "no exchanges enabled")
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	switch flagMode {
	case "live":
		sched := scheduler.New(adapters, store, reg.Limits(), metrics, cfg.Collection)
		engine := stats.New(store, metrics, cfg.Stats)
		scanner := arbitrage.New(store, cfg.Arbitrage)
		go func() {
			if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("statistics engine stopped")
			}
		}()
		go func() {
			if err := scanner.Run(ctx, cfg.Tick()); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("arbitrage scanner stopped")
			}
		}()
		return sched.Run(ctx, time.Duration(flagDuration)*time.Second)

	case "historical":
		days := flagDays
		if days <= 0 {
			days = cfg.Historical.Days
		}
		runner := backfill.New(adapters, store, metrics, cfg.Historical)
		log.Info().Str("plan", backfill.Describe(days, adapters)).Msg("backfill starting")
		if flagDuration > 0 {
			var dcancel context.CancelFunc
			ctx, dcancel = context.WithTimeout(ctx, time.Duration(flagDuration)*time.Second)
			defer dcancel()
		}
		return runner.Run(ctx, days)

	default:
		return fault.Newf(fault.KindConfig, "main.flags", "unknown mode %q", flagMode)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, store, metrics, err := setup(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := registry.Build(cfg, flagExchanges)
	c := cache.New(config.RedisAddr(), cache.TTLs{
		Grid:       cfg.Cache.TTL.Grid,
		Statistics: cfg.Cache.TTL.Statistics,
		Historical: cfg.Cache.TTL.Historical,
		Arbitrage:  cfg.Cache.TTL.Arbitrage,
	}, cfg.Cache.MaxBytes, metricsObserver{metrics})

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	srv := api.New(api.Deps{
		Store:   store,
		Cache:   c,
		Scanner: arbitrage.New(store, cfg.Arbitrage),
		Status:  backfill.NewStatusFile(cfg.Historical.StatusPath),
		Limits:  reg.Limits(),
		Breakers: func(venue string) (string, bool) {
			if client, ok := reg.Client(venue); ok {
				return client.BreakerState(), true
			}
			return "", false
		},
		Metrics: metrics,
		Config:  cfg,
	})
	fmt.Fprintf(os.Stderr, "listening on :%d\n", cfg.API.Port)
	return srv.Start(ctx)
}

// metricsObserver adapts telemetry counters to the cache observer.
type metricsObserver struct{ m *telemetry.Metrics }

func (o metricsObserver) CacheHit(tier string)  { o.m.CacheHits.WithLabelValues(tier).Inc() }
func (o metricsObserver) CacheMiss(tier string) { o.m.CacheMisses.WithLabelValues(tier).Inc() }
