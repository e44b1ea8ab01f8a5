// Package upstream is the gateway's outbound HTTP client. Calls are rate
// limited, retried with exponential backoff on network errors, 429 and 5xx
// responses, and guarded by a consecutive-failure circuit breaker.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

var (
	// ErrRetriesExhausted indicates every attempt failed with a retryable error.
	ErrRetriesExhausted = errors.New("upstream: retries exhausted")
	// ErrCircuitOpen indicates the call was rejected without being attempted.
	ErrCircuitOpen = errors.New("upstream: circuit open")
	// ErrStatus indicates the upstream answered with a non-retryable error status.
	ErrStatus = errors.New("upstream: error status")
)

// Defaults for New.
const (
	DefaultMaxTries         = 3
	DefaultInitialInterval  = 200 * time.Millisecond
	DefaultMaxInterval      = 5 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
	DefaultMaxBodyBytes     = 16 << 20
)

// Error describes a failed upstream call.
type Error struct {
	// URL is the request URL with credentials redacted.
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("upstream request to ")
	b.WriteString(e.URL)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " returned %d", e.StatusCode)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// retryableStatus is returned from an attempt whose response should be retried.
type retryableStatus struct{ code int }

func (e *retryableStatus) Error() string { return fmt.Sprintf("status %d", e.code) }

// Client is a resilient HTTP client. It is safe for concurrent use.
type Client struct {
	http         *http.Client
	limiter      *rate.Limiter
	breaker      *breaker
	maxTries     uint
	initial      time.Duration
	maxInterval  time.Duration
	maxBodyBytes int64
	userAgent    string
	log          *slog.Logger
}

// Option configures a Client.
type Option func(*config)

type config struct {
	httpClient       *http.Client
	limit            rate.Limit
	burst            int
	maxTries         uint
	initial          time.Duration
	maxInterval      time.Duration
	breakerThreshold int
	breakerCooldown  time.Duration
	maxBodyBytes     int64
	userAgent        string
	logger           *slog.Logger
	now              func() time.Time
}

// WithHTTPClient sets the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) { cfg.httpClient = c }
}

// WithRateLimit allows r requests per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(cfg *config) { cfg.limit, cfg.burst = r, burst }
}

// WithMaxTries bounds the number of attempts per call, including the first.
func WithMaxTries(n uint) Option {
	return func(cfg *config) { cfg.maxTries = n }
}

// WithBackoff sets the initial and maximum retry intervals.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(cfg *config) { cfg.initial, cfg.maxInterval = initial, maxInterval }
}

// WithBreaker opens the circuit after threshold consecutive failed calls for
// cooldown. A threshold of zero disables the breaker.
func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(cfg *config) { cfg.breakerThreshold, cfg.breakerCooldown = threshold, cooldown }
}

// WithMaxBodyBytes caps the response size read by GetJSON and GetBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(cfg *config) { cfg.maxBodyBytes = n }
}

// WithUserAgent sets the User-Agent header on outgoing requests.
func WithUserAgent(ua string) Option {
	return func(cfg *config) { cfg.userAgent = ua }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) { cfg.logger = l }
}

// WithClock overrides the breaker's clock.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) { cfg.now = now }
}

// New returns a Client.
func New(opts ...Option) *Client {
	cfg := config{
		limit:            rate.Inf,
		maxTries:         DefaultMaxTries,
		initial:          DefaultInitialInterval,
		maxInterval:      DefaultMaxInterval,
		breakerThreshold: DefaultBreakerThreshold,
		breakerCooldown:  DefaultBreakerCooldown,
		maxBodyBytes:     DefaultMaxBodyBytes,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.maxTries == 0 {
		cfg.maxTries = 1
	}
	return &Client{
		http:         cfg.httpClient,
		limiter:      rate.NewLimiter(cfg.limit, cfg.burst),
		breaker:      newBreaker(cfg.breakerThreshold, cfg.breakerCooldown, cfg.now),
		maxTries:     cfg.maxTries,
		initial:      cfg.initial,
		maxInterval:  cfg.maxInterval,
		maxBodyBytes: cfg.maxBodyBytes,
		userAgent:    cfg.userAgent,
		log:          cfg.logger,
	}
}

// BreakerState reports the circuit breaker's current state.
func (c *Client) BreakerState() BreakerState { return c.breaker.current() }

// Do sends req, retrying transient failures. Responses with non-retryable
// statuses (including 4xx other than 429) are returned as-is for the caller
// to inspect. The request body, if any, must be replayable via GetBody.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	target := redact(req.URL)
	if !c.breaker.allow() {
		return nil, &Error{URL: target, Err: ErrCircuitOpen}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initial
	eb.MaxInterval = c.maxInterval

	attempts := 0
	lastStatus := 0
	op := func() (*http.Response, error) {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		r := req.Clone(ctx)
		if req.Body != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			r.Body = body
		}
		if c.userAgent != "" && r.Header.Get("User-Agent") == "" {
			r.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.http.Do(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastStatus = resp.StatusCode
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			_ = resp.Body.Close()
			return nil, &retryableStatus{code: resp.StatusCode}
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.DebugContext(ctx, "upstream.retry", slog.String("url", target), slog.Int("attempt", attempts), slog.Duration("next", next), slog.String("err", err.Error()))
		}),
	)
	if err == nil {
		c.breaker.success()
		return resp, nil
	}

	if ctx.Err() != nil {
		return nil, &Error{URL: target, Attempts: attempts, Err: ctx.Err()}
	}
	if c.breaker.failure() {
		c.log.WarnContext(ctx, "upstream.breaker.open", slog.String("url", target))
	}
	var rs *retryableStatus
	if errors.As(err, &rs) {
		return nil, &Error{URL: target, StatusCode: lastStatus, Attempts: attempts, Err: ErrRetriesExhausted}
	}
	return nil, &Error{URL: target, Attempts: attempts, Err: fmt.Errorf("%w: %w", ErrRetriesExhausted, err)}
}

// GetBytes fetches rawURL and returns the body and its Content-Type.
func (c *Client) GetBytes(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, "", &Error{URL: redact(req.URL), StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, "", &Error{URL: redact(req.URL), StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %s", ErrStatus, snippet(body))}
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, "", &Error{URL: redact(req.URL), StatusCode: resp.StatusCode, Err: fmt.Errorf("response exceeds %d bytes", c.maxBodyBytes)}
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// GetJSON fetches rawURL and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) error {
	body, _, err := c.GetBytes(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		u, _ := url.Parse(rawURL)
		return &Error{URL: redact(u), Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

var secretParams = []string{"access_token", "token", "key"}

func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	changed := false
	for _, p := range secretParams {
		if q.Has(p) {
			q.Set(p, "REDACTED")
			changed = true
		}
	}
	if !changed {
		return u.String()
	}
	c := *u
	c.RawQuery = q.Encode()
	return c.String()
}

func snippet(b []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
