package backfill

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
)

// Lock is the filesystem guard against a second concurrent backfill. The
// file body is the holder's start time in unix seconds; a lock older than
// the TTL is presumed abandoned and may be reclaimed.
type Lock struct {
	path string
	ttl  time.Duration
}

func NewLock(path string, ttl time.Duration) *Lock {
	return &Lock{path: path, ttl: ttl}
}

// Acquire takes the lock, reclaiming a stale one. A fresh lock held by
// another run yields a VALIDATION error.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fault.New(fault.KindInternal, "backfill.lock", err)
	}

	if ts, err := l.readStamp(); err == nil {
		age := time.Since(ts)
		if age < l.ttl {
			return fault.Newf(fault.KindValidation, "backfill.lock",
				"backfill already running (lock age %s)", age.Round(time.Second))
		}
		log.Warn().Dur("age", age).Str("path", l.path).Msg("reclaiming stale backfill lock")
		_ = os.Remove(l.path)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fault.Newf(fault.KindValidation, "backfill.lock", "backfill already running")
		}
		return fault.New(fault.KindInternal, "backfill.lock", err)
	}
	defer f.Close()
	_, err = f.WriteString(strconv.FormatInt(time.Now().Unix(), 10) + "\n")
	if err != nil {
		return fault.New(fault.KindInternal, "backfill.lock", err)
	}
	return nil
}

// Release removes the lock file.
func (l *Lock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", l.path).Msg("failed to release backfill lock")
	}
}

func (l *Lock) readStamp() (time.Time, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		// Unparseable body: treat as epoch so the TTL check reclaims it.
		return time.Unix(0, 0), nil
	}
	return time.Unix(secs, 0), nil
}
