package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/config"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/exchange"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/ratelimit"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/telemetry"
)

type fakeAdapter struct {
	name  string
	snaps []model.ContractSnapshot
	fail  error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Fetch(ctx context.Context) ([]model.ContractSnapshot, *exchange.Report) {
	report := exchange.NewReport(f.name)
	if f.fail != nil {
		report.Fail("fetch", "", f.fail)
		return nil, report.Done(0)
	}
	return f.snaps, report.Done(len(f.snaps))
}

func (f *fakeAdapter) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error) {
	return nil, nil
}

func (f *fakeAdapter) ListContracts(ctx context.Context) ([]exchange.Contract, error) {
	return nil, nil
}

type fakeStore struct {
	mu      sync.Mutex
	batches [][]model.ContractSnapshot
	sweeps  int
	err     error
}

func (s *fakeStore) UpsertLive(ctx context.Context, snaps []model.ContractSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, snaps)
	return nil
}

func (s *fakeStore) MarkStale(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps++
	return 0, nil
}

func (s *fakeStore) cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func testSnap(ex, sym string) model.ContractSnapshot {
	return model.ContractSnapshot{
		Exchange:             ex,
		Symbol:               sym,
		BaseAsset:            "BTC",
		FundingRate:          decimal.RequireFromString("0.0001"),
		FundingIntervalHours: 8,
		Timestamp:            time.Now().UTC(),
	}
}

func cfg(mode string, tickSeconds int) config.CollectionConfig {
	return config.CollectionConfig{
		Mode:             mode,
		TickSeconds:      tickSeconds,
		MaxCycleDuration: 10 * time.Second,
		StaleAfterCycles: 10,
	}
}

func TestRunOnceMergesAdapterBatches(t *testing.T) {
	store := &fakeStore{}
	s := New([]exchange.Adapter{
		&fakeAdapter{name: "binance", snaps: []model.ContractSnapshot{testSnap("binance", "BTCUSDT")}},
		&fakeAdapter{name: "bybit", snaps: []model.ContractSnapshot{testSnap("bybit", "BTCUSDT"), testSnap("bybit", "ETHUSDT")}},
	}, store, nil, nil, cfg("parallel", 30))

	result := s.RunOnce(context.Background())
	require.NotNil(t, result)
	assert.Equal(t, 3, result.Records)
	assert.Zero(t, result.Failures)

	require.Equal(t, 1, store.cycles())
	assert.Len(t, store.batches[0], 3)

	assert.Same(t, result, s.LastCycle())
}

func TestAdapterFailureDoesNotBlockOthers(t *testing.T) {
	store := &fakeStore{}
	s := New([]exchange.Adapter{
		&fakeAdapter{name: "binance", snaps: []model.ContractSnapshot{testSnap("binance", "BTCUSDT")}},
		&fakeAdapter{name: "okx", fail: errors.New("boom")},
	}, store, nil, nil, cfg("parallel", 30))

	result := s.RunOnce(context.Background())
	assert.Equal(t, 1, result.Records)
	assert.Equal(t, 1, result.Failures)
	require.Equal(t, 1, store.cycles())
	assert.Len(t, store.batches[0], 1)
}

func TestWriteFailureRecordedNotFatal(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	s := New([]exchange.Adapter{
		&fakeAdapter{name: "binance", snaps: []model.ContractSnapshot{testSnap("binance", "BTCUSDT")}},
	}, store, nil, nil, cfg("parallel", 30))

	result := s.RunOnce(context.Background())
	assert.Contains(t, result.WriteErr, "db down")
}

func TestRunHonorsDuration(t *testing.T) {
	store := &fakeStore{}
	s := New([]exchange.Adapter{
		&fakeAdapter{name: "binance", snaps: []model.ContractSnapshot{testSnap("binance", "BTCUSDT")}},
	}, store, nil, nil, cfg("parallel", 1))

	start := time.Now()
	err := s.Run(context.Background(), 2500*time.Millisecond)
	require.NoError(t, err)

	// Cycles land at t=0, 1s, 2s; the pre-wait deadline check stops the loop
	// before a fourth.
	got := store.cycles()
	assert.GreaterOrEqual(t, got, 2, "elapsed=%s", time.Since(start))
	assert.LessOrEqual(t, got, 3)
	assert.Less(t, time.Since(start), 3200*time.Millisecond)
}

func TestRunReturnsCancelledKind(t *testing.T) {
	store := &fakeStore{}
	s := New([]exchange.Adapter{
		&fakeAdapter{name: "binance"},
	}, store, nil, nil, cfg("parallel", 60))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := s.Run(ctx, 0)
	require.Error(t, err)
	assert.Equal(t, fault.KindCancelled, fault.KindOf(err))
}

func TestRunSweepsStale(t *testing.T) {
	store := &fakeStore{}
	s := New([]exchange.Adapter{
		&fakeAdapter{name: "binance"},
	}, store, nil, nil, cfg("parallel", 1))

	require.NoError(t, s.Run(context.Background(), 500*time.Millisecond))
	assert.GreaterOrEqual(t, store.sweeps, 1)
}

func TestComputeOffsets(t *testing.T) {
	adapters := []exchange.Adapter{
		&fakeAdapter{name: "binance"},
		&fakeAdapter{name: "bybit"},
		&fakeAdapter{name: "okx"},
	}
	schedule := []config.ScheduleEntry{{Exchange: "okx", OffsetSeconds: 7}}

	offsets := computeOffsets(adapters, schedule, 30*time.Second)

	// Configured entry wins; the others are spread evenly inside the tick.
	assert.Equal(t, 7*time.Second, offsets["okx"])
	assert.Equal(t, time.Duration(0), offsets["binance"])
	assert.Equal(t, 10*time.Second, offsets["bybit"])
}

// throttledAdapter drives its bucket the way a real fetch does: a couple of
// admissions, then a 429 penalty.
type throttledAdapter struct {
	name   string
	bucket *ratelimit.Bucket
}

func (a *throttledAdapter) Name() string { return a.name }

func (a *throttledAdapter) Fetch(ctx context.Context) ([]model.ContractSnapshot, *exchange.Report) {
	report := exchange.NewReport(a.name)
	_ = a.bucket.Acquire(ctx, 1)
	_ = a.bucket.Acquire(ctx, 1)
	a.bucket.Penalize(0)
	report.Fail("fetch", "", fault.Newf(fault.KindRateLimited, a.name+".fetch", "throttled"))
	return nil, report.Done(0)
}

func (a *throttledAdapter) FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error) {
	return nil, nil
}

func (a *throttledAdapter) ListContracts(ctx context.Context) ([]exchange.Contract, error) {
	return nil, nil
}

func TestLimiterCountersAdvanceAcrossCycles(t *testing.T) {
	limits := ratelimit.NewRegistry()
	bucket := limits.Add("binance", 10, 1000, time.Millisecond)
	metrics := telemetry.New()

	s := New([]exchange.Adapter{&throttledAdapter{name: "binance", bucket: bucket}},
		&fakeStore{}, limits, metrics, cfg("parallel", 30))

	s.RunOnce(context.Background())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.LimiterAcquires.WithLabelValues("binance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LimiterPenalties.WithLabelValues("binance")))

	// Counters carry deltas between cycles, never the raw cumulative totals
	// twice over.
	s.RunOnce(context.Background())
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.LimiterAcquires.WithLabelValues("binance")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.LimiterPenalties.WithLabelValues("binance")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.LimiterBlocks.WithLabelValues("binance")), 1.0)
}
