package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/ratelimit"
)

// Config tunes the shared client. Zero values get defaults.
type Config struct {
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	UserAgent      string
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "funding-observatory/1.0"
	}
	return c
}

// Client is the rate-limited HTTP client every adapter calls through. One
// client per venue: its bucket, breaker and parse sampler are venue-scoped.
type Client struct {
	venue   string
	cfg     Config
	hc      *http.Client
	bucket  *ratelimit.Bucket
	breaker *gobreaker.CircuitBreaker

	sampleMu   sync.Mutex
	lastSample time.Time
}

type attemptResult struct {
	status int
	header http.Header
	body   []byte
}

// New builds a client for venue on top of its rate-limit bucket.
func New(venue string, bucket *ratelimit.Bucket, cfg Config) *Client {
	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:        venue,
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("exchange", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
	return &Client{
		venue:   venue,
		cfg:     cfg,
		hc:      &http.Client{Timeout: cfg.RequestTimeout},
		bucket:  bucket,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Venue returns the exchange this client serves.
func (c *Client) Venue() string { return c.venue }

// BreakerState exposes the breaker for health reporting.
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// GetJSON fetches url and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	body, err := c.Do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.DecodeJSON(body, out)
}

// PostJSON sends payload as JSON and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, url string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fault.New(fault.KindInternal, c.venue+".post", err)
	}
	body, err := c.Do(ctx, http.MethodPost, url, raw)
	if err != nil {
		return err
	}
	return c.DecodeJSON(body, out)
}

// Do performs a rate-limited request with retries. 429 penalizes the bucket
// and retries; 5xx and transport errors retry with jittered exponential
// backoff; other 4xx are terminal. Each attempt costs one token.
func (c *Client) Do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	op := c.venue + ".request"
	var lastErr error
	sleepBeforeRetry := false

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 && sleepBeforeRetry {
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		sleepBeforeRetry = true
		if c.breaker.State() == gobreaker.StateOpen {
			return nil, fault.Newf(fault.KindUpstream5xx, op, "circuit open for %s", c.venue)
		}
		if err := c.bucket.Acquire(ctx, 1); err != nil {
			return nil, err
		}

		res, err := c.attempt(ctx, method, url, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fault.New(fault.KindCancelled, op, ctx.Err())
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, fault.New(fault.KindUpstream5xx, op, err)
			}
			lastErr = fault.New(fault.KindNetwork, op, err)
			log.Debug().Str("exchange", c.venue).Int("attempt", attempt).Err(err).
				Msg("transport failure")
			continue
		}

		switch {
		case res.status == http.StatusTooManyRequests:
			// The bucket penalty gates the next Acquire; an extra sleep here
			// would skew the escalation schedule.
			c.bucket.Penalize(retryAfter(res.header))
			lastErr = fault.Newf(fault.KindRateLimited, op, "429 from %s", url)
			sleepBeforeRetry = false
			continue
		case res.status >= 500:
			lastErr = fault.Newf(fault.KindUpstream5xx, op, "status %d from %s", res.status, url)
			log.Debug().Str("exchange", c.venue).Int("status", res.status).Int("attempt", attempt).
				Msg("upstream 5xx")
			continue
		case res.status >= 400:
			return nil, fault.Newf(fault.KindUpstream4xx, op, "status %d from %s", res.status, url)
		}

		c.bucket.Forgive()
		return res.body, nil
	}
	if lastErr == nil {
		lastErr = fault.Newf(fault.KindNetwork, op, "retries exhausted for %s", url)
	}
	return nil, fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

// attempt runs one HTTP round trip inside the breaker. Only transport-level
// failures and 5xx count against the breaker; a 4xx means the venue answered.
func (c *Client) attempt(ctx context.Context, method, url string, payload []byte) (*attemptResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	out, err := c.breaker.Execute(func() (any, error) {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, url, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return nil, err
		}
		res := &attemptResult{status: resp.StatusCode, header: resp.Header, body: body}
		if resp.StatusCode >= 500 {
			return res, fmt.Errorf("status %d", resp.StatusCode)
		}
		return res, nil
	})
	if err != nil {
		if res, ok := out.(*attemptResult); ok && res != nil {
			return res, nil // 5xx carries a usable result; Do classifies it
		}
		return nil, err
	}
	return out.(*attemptResult), nil
}

// DecodeJSON unmarshals body into out, classifying failures as PARSE and
// logging a truncated payload sample at most once a minute.
func (c *Client) DecodeJSON(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		c.SampleParseFailure(body, err)
		return fault.New(fault.KindParse, c.venue+".decode", err)
	}
	return nil
}

// SampleParseFailure emits a diagnostic payload snippet, frequency-capped so
// a persistently broken venue cannot flood the log.
func (c *Client) SampleParseFailure(body []byte, cause error) {
	c.sampleMu.Lock()
	defer c.sampleMu.Unlock()
	if time.Since(c.lastSample) < time.Minute {
		return
	}
	c.lastSample = time.Now()
	snippet := body
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	log.Warn().Str("exchange", c.venue).Err(cause).
		Str("payload_sample", string(snippet)).
		Msg("unparseable venue payload")
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := c.cfg.BackoffBase << (attempt - 1)
	if backoff > c.cfg.BackoffMax {
		backoff = c.cfg.BackoffMax
	}
	// 10% jitter keeps retries from aligning across adapters.
	jitter := time.Duration(rand.Int63n(int64(backoff)/10 + 1))
	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fault.New(fault.KindCancelled, c.venue+".backoff", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
