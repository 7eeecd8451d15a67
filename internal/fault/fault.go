package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and reporting decisions.
type Kind string

const (
	KindConfig      Kind = "CONFIG"
	KindRateLimited Kind = "RATE_LIMITED"
	KindUpstream4xx Kind = "UPSTREAM_4XX"
	KindUpstream5xx Kind = "UPSTREAM_5XX"
	KindNetwork     Kind = "NETWORK"
	KindParse       Kind = "PARSE"
	KindStorage     Kind = "STORAGE"
	KindCache       Kind = "CACHE"
	KindCancelled   Kind = "CANCELLED"
	KindValidation  Kind = "VALIDATION"
	KindInternal    Kind = "INTERNAL"
)

// Error attaches a Kind to a wrapped cause. Op names the failing operation,
// e.g. "binance.fetch" or "storage.upsert_live".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err under the given kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a kinded error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf walks the error chain and returns the outermost Kind. Context
// cancellation maps to KindCancelled even when no explicit kind was attached.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// Retryable reports whether another attempt may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindUpstream5xx, KindNetwork:
		return true
	}
	return false
}

// Terminal reports whether the failure should stop the enclosing process.
// Only startup configuration errors and unrecoverable storage errors qualify.
func Terminal(err error) bool {
	switch KindOf(err) {
	case KindConfig, KindStorage:
		return true
	}
	return false
}
