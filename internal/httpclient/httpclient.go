// Package httpclient implements the Resilient HTTP Client (spec.md §4.4,
// C4): outbound rate limiting, jittered exponential backoff retries, and
// a single transparent retry on 401 driven by token refresh.
//
// Retry/backoff is built on github.com/hashicorp/go-retryablehttp, a
// dependency already reachable from this retrieval pack's module graph.
// Rate limiting follows the golang.org/x/time/rate.Limiter pattern the
// teacher uses directly in service/musicbrainz and service/lastfm for
// their own outbound API calls.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/listenkeeper/core/internal/tokenmanager"
)

// Logger is the minimal logging surface httpclient needs; satisfied by
// *zap.SugaredLogger.
type Logger interface {
	Errorw(msg string, keysAndValues ...any)
	Debugw(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Errorw(string, ...any) {}
func (nopLogger) Debugw(string, ...any) {}

const (
	initialBackoff    = 1 * time.Second
	maxBackoff        = 10 * time.Second
	backoffFactor     = 1.5
	// maxRetries is spec.md §4.4's "max attempts = 3": the total number
	// of requests made for one logical call, including the first.
	// retryablehttp's RetryMax counts only the retries after that first
	// attempt, so it's set to maxRetries-1 below.
	maxRetries        = 3
	defaultRetryAfter = 1 * time.Second
)

// Client wraps retryablehttp with spec.md's exact backoff policy, a
// pre-request rate-limit gate, and 401-triggered token refresh.
type Client struct {
	rc      *retryablehttp.Client
	limiter *rate.Limiter
	tm      *tokenmanager.Manager
	logger  Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRateLimit overrides the default limiter (10 req/s, burst 5 — within
// Spotify's documented Web API guidance).
func WithRateLimit(limiter *rate.Limiter) Option {
	return func(c *Client) { c.limiter = limiter }
}

// New builds a Client that authenticates requests via tm and refreshes
// on 401. tm may be nil; such a Client sends no bearer token and does
// not refresh on 401.
func New(tm *tokenmanager.Manager, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = maxRetries - 1
	rc.Logger = nil // silence retryablehttp's own logging; we log ourselves

	c := &Client{
		rc:      rc,
		limiter: rate.NewLimiter(rate.Limit(10), 5),
		tm:      tm,
		logger:  nopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}

	rc.CheckRetry = c.checkRetry
	rc.Backoff = c.backoff

	return c
}

// checkRetry implements spec.md §4.4's retry predicate: retry on network
// errors and on 429/5xx, but never on 401 (handled outside the retry
// loop) or other 4xx.
func (c *Client) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp == nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return false, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// backoff implements spec.md §4.4: delay = min(initial*factor^(n-1), max)
// jittered by a uniform ±10%, except when the server provides a
// Retry-After header on a 429, which takes precedence.
func (c *Client) backoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		if d, ok := retryAfter(resp); ok {
			return d
		}
		return defaultRetryAfter
	}

	raw := float64(initialBackoff) * math.Pow(backoffFactor, float64(attemptNum))
	if raw > float64(maxBackoff) {
		raw = float64(maxBackoff)
	}
	jitter := 0.9 + rand.Float64()*0.2 // U(0.9, 1.1)
	return time.Duration(raw * jitter)
}

func retryAfter(resp *http.Response) (time.Duration, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t), true
	}
	return 0, false
}

// Do executes req against the Spotify API: waits on the rate limiter,
// attaches the current access token, runs it through the retry engine,
// and on a 401 refreshes the token and retries exactly once.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("httpclient: rate limiter: %w", err)
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("httpclient: reading request body: %w", err)
		}
		req.Body.Close()
	}

	resp, err := c.doOnce(req, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && c.tm != nil {
		resp.Body.Close()
		c.logger.Debugw("httpclient: got 401, refreshing token and retrying once")
		if err := c.tm.ForceRefresh(req.Context()); err != nil {
			return nil, fmt.Errorf("httpclient: refresh after 401: %w", err)
		}
		resp, err = c.doOnce(req, body)
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

func (c *Client) doOnce(req *http.Request, body []byte) (*http.Response, error) {
	var bodyReader io.ReadSeeker
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	rreq, err := retryablehttp.NewRequestWithContext(req.Context(), req.Method, req.URL.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("httpclient: building retryable request: %w", err)
	}
	rreq.Header = req.Header.Clone()

	if c.tm != nil {
		if token := c.tm.Get(); token != "" {
			rreq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.rc.Do(rreq)
	if err != nil {
		c.logger.Errorw("httpclient: request failed after retries", "url", req.URL.String(), "error", err)
		return nil, err
	}
	return resp, nil
}
