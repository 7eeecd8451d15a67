package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
)

// Adapter is the capability set every venue implements. Fetch performs one
// polling cycle and never fails as a whole: per-request outcomes land in the
// report and successful records are returned alongside failures.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context) ([]model.ContractSnapshot, *Report)
	FetchHistorical(ctx context.Context, symbol string, start, end time.Time) ([]model.FundingPoint, error)
	ListContracts(ctx context.Context) ([]Contract, error)
}

// Contract is one listed instrument, used by backfill planning.
type Contract struct {
	Symbol               string `json:"symbol"`
	BaseAsset            string `json:"base_asset"`
	QuoteAsset           string `json:"quote_asset"`
	FundingIntervalHours int    `json:"funding_interval_hours"`
	ContractType         string `json:"contract_type"`
}

// Failure is one failed request or rejected record within a cycle.
type Failure struct {
	Op     string     `json:"op"`
	Symbol string     `json:"symbol,omitempty"`
	Kind   fault.Kind `json:"kind"`
	Err    string     `json:"error"`
}

// Report enumerates per-request outcomes of one Fetch cycle.
type Report struct {
	Exchange string        `json:"exchange"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Requests int           `json:"requests"`
	Records  int           `json:"records"`

	mu       sync.Mutex
	Failures []Failure `json:"failures,omitempty"`
}

// NewReport starts a report for one cycle of the named venue.
func NewReport(exchange string) *Report {
	return &Report{Exchange: exchange, Started: time.Now().UTC()}
}

// Fail records one failed operation. Safe under concurrent symbol workers.
func (r *Report) Fail(op, symbol string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, Failure{
		Op:     op,
		Symbol: symbol,
		Kind:   fault.KindOf(err),
		Err:    err.Error(),
	})
}

// Done stamps the cycle duration and record count.
func (r *Report) Done(records int) *Report {
	r.Duration = time.Since(r.Started)
	r.Records = records
	return r
}

// Failed reports how many operations failed.
func (r *Report) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Failures)
}

// Retryable counts failures a later cycle may recover.
func (r *Report) Retryable() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.Failures {
		switch f.Kind {
		case fault.KindRateLimited, fault.KindUpstream5xx, fault.KindNetwork:
			n++
		}
	}
	return n
}
