// Package registry wires configuration to adapter constructors. The
// scheduler and backfill runner depend only on the exchange.Adapter
// capability set; this package is the single place that knows concrete
// venue types.
package registry

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/config"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange/binance"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange/bitget"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange/bitmex"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange/bybit"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange/deribit"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange/dydx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange/gateio"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange/hyperliquid"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange/krakenf"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange/kucoin"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange/mexc"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange/okx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange/orderly"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/httpx"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/ratelimit"
)

// Registry holds the constructed adapters and the shared rate-limit state
// behind them.
type Registry struct {
	adapters map[string]exchange.Adapter
	clients  map[string]*httpx.Client
	limits   *ratelimit.Registry
}

// Build constructs rate-limited adapters for the enabled venues. filterCSV
// narrows the set further (the --exchanges flag); empty means all enabled.
func Build(cfg *config.Config, filterCSV string) *Registry {
	r := &Registry{
		adapters: make(map[string]exchange.Adapter),
		clients:  make(map[string]*httpx.Client),
		limits:   ratelimit.NewRegistry(),
	}

	for _, name := range cfg.Enabled(filterCSV) {
		ec := cfg.Exchanges[name]
		bucket := r.limits.Add(name, ec.RateLimit.Capacity, ec.RateLimit.Refill, cfg.Historical.BaseBackoff)
		client := httpx.New(name, bucket, httpx.Config{
			MaxRetries:  cfg.Historical.MaxRetries,
			BackoffBase: cfg.Historical.BaseBackoff,
		})
		r.clients[name] = client

		switch name {
		case "binance":
			r.adapters[name] = binance.New(client, binance.Options{})
		case "bybit":
			r.adapters[name] = bybit.New(client, bybit.Options{})
		case "okx":
			r.adapters[name] = okx.New(client, okx.Options{})
		case "kucoin":
			r.adapters[name] = kucoin.New(client, kucoin.Options{})
		case "gateio":
			r.adapters[name] = gateio.New(client, gateio.Options{})
		case "bitget":
			r.adapters[name] = bitget.New(client, bitget.Options{})
		case "mexc":
			r.adapters[name] = mexc.New(client, mexc.Options{})
		case "krakenf":
			r.adapters[name] = krakenf.New(client, krakenf.Options{
				FundingIsAbsolute: ec.FundingIsAbsolute,
			})
		case "deribit":
			r.adapters[name] = deribit.New(client, deribit.Options{})
		case "bitmex":
			r.adapters[name] = bitmex.New(client, bitmex.Options{})
		case "hyperliquid":
			r.adapters[name] = hyperliquid.New(client, hyperliquid.Options{})
		case "dydx":
			r.adapters[name] = dydx.New(client, dydx.Options{})
		case "orderly":
			r.adapters[name] = orderly.New(client, orderly.Options{})
		default:
			log.Warn().Str("exchange", name).Msg("no constructor registered")
		}
	}
	return r
}

// Adapters returns the constructed adapters sorted by name for deterministic
// dispatch planning.
func (r *Registry) Adapters() []exchange.Adapter {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]exchange.Adapter, 0, len(names))
	for _, name := range names {
		out = append(out, r.adapters[name])
	}
	return out
}

// Get returns one adapter by venue name.
func (r *Registry) Get(name string) (exchange.Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Client returns the venue's HTTP client, for breaker-state reporting.
func (r *Registry) Client(name string) (*httpx.Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Limits exposes the rate-limiter registry for health reporting.
func (r *Registry) Limits() *ratelimit.Registry { return r.limits }
