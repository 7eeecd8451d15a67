package backfill

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
)

// Job states in the status document.
const (
	StateIdle       = "idle"
	StateInProgress = "in_progress"
	StateComplete   = "complete"
	StateFailed     = "failed"
)

// Status is the progress document the API and the external TUI consume.
// It is rewritten atomically (write-then-rename) on transitions and on a
// regular cadence.
type Status struct {
	State               string    `json:"state"`
	Progress            float64   `json:"progress"` // 0..1
	CurrentExchange     string    `json:"current_exchange,omitempty"`
	ExchangesDone       int       `json:"exchanges_done"`
	ExchangesTotal      int       `json:"exchanges_total"`
	ContractsDone       int       `json:"contracts_done"`
	ContractsTotal      int       `json:"contracts_total"`
	GapsFilled          int64     `json:"gaps_filled"`
	Errors              int       `json:"errors"`
	IncompleteContracts []string  `json:"incomplete_contracts,omitempty"`
	StartedAt           time.Time `json:"started_at,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
	Days                int       `json:"days,omitempty"`
}

// Terminal reports whether the job has ended.
func (s *Status) Terminal() bool {
	return s.State == StateComplete || s.State == StateFailed
}

// heal repairs the "finished but still in_progress" inconsistency a crashed
// writer can leave behind. Returns true when the document was changed.
func (s *Status) heal() bool {
	if s.State == StateInProgress && s.Progress >= 1.0 {
		s.State = StateComplete
		return true
	}
	return false
}

// StatusFile persists Status at a well-known path.
type StatusFile struct {
	path string
	mu   sync.Mutex
}

func NewStatusFile(path string) *StatusFile {
	return &StatusFile{path: path}
}

// Write replaces the document atomically.
func (f *StatusFile) Write(s *Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(s)
}

func (f *StatusFile) writeLocked(s *Status) error {
	s.UpdatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fault.New(fault.KindInternal, "backfill.status_write", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fault.New(fault.KindInternal, "backfill.status_write", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fault.New(fault.KindInternal, "backfill.status_write", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fault.New(fault.KindInternal, "backfill.status_write", err)
	}
	return nil
}

// Read loads the document, auto-correcting an in_progress-at-100% state and
// persisting the correction. A missing file reads as idle.
func (f *StatusFile) Read() (*Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return &Status{State: StateIdle}, nil
	}
	if err != nil {
		return nil, fault.New(fault.KindInternal, "backfill.status_read", err)
	}
	var s Status
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fault.New(fault.KindParse, "backfill.status_read", err)
	}
	if s.heal() {
		if err := f.writeLocked(&s); err != nil {
			return &s, err
		}
	}
	return &s, nil
}
