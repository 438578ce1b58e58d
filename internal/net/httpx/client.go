package httpx

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"polyflux/internal/net/circuit"
	"polyflux/internal/net/ratelimit"
)

// Config tunes the resilient client for one provider.
type Config struct {
	Provider          string
	BreakerName       string
	Class             ratelimit.Class
	RequestTimeout    time.Duration
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxRateWait       time.Duration
	MinSpacing        time.Duration // Minimum gap between requests, extra safety throttle
	RetryableStatuses map[int]bool
	UserAgent         string
}

// DefaultConfig returns the retry policy applied to upstream JSON APIs.
func DefaultConfig(provider, breakerName string) Config {
	return Config{
		Provider:       provider,
		BreakerName:    breakerName,
		Class:          ratelimit.ClassInfo,
		RequestTimeout: 30 * time.Second,
		MaxRetries:     3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       15 * time.Second,
		MaxRateWait:    30 * time.Second,
		MinSpacing:     50 * time.Millisecond,
		RetryableStatuses: map[int]bool{
			http.StatusRequestTimeout:      true, // 408
			http.StatusTooManyRequests:     true, // 429
			http.StatusInternalServerError: true, // 500
			http.StatusBadGateway:          true, // 502
			http.StatusServiceUnavailable:  true, // 503
			http.StatusGatewayTimeout:      true, // 504
		},
		UserAgent: "polyflux/1.0 (+autonomous-agent)",
	}
}

// Interceptor observes every attempt for metrics collection.
type Interceptor func(provider, method string, status int, elapsed time.Duration, err error)

// StatusError is returned for non-2xx responses that exhausted the retry
// policy or are not retryable.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s returned HTTP %d", e.Provider, e.StatusCode)
}

// Health is the client's self-diagnosis. Healthy means the breaker is closed
// and the observed error rate is under 10%.
type Health struct {
	Healthy      bool    `json:"healthy"`
	CircuitState string  `json:"circuit_state"`
	RequestCount int64   `json:"request_count"`
	ErrorCount   int64   `json:"error_count"`
	ErrorRate    float64 `json:"error_rate"`
}

// Client wraps outbound HTTP with rate limiting, circuit breaking, retries
// with jittered exponential backoff, and Retry-After honoring.
type Client struct {
	config   Config
	http     *http.Client
	breakers *circuit.Registry
	limiter  *ratelimit.DualLimiter
	spacing  *rate.Limiter
	observe  Interceptor

	mu           sync.Mutex
	requestCount int64
	errorCount   int64

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a resilient client. breakers and limiter are shared process
// singletons; observe may be nil.
func New(config Config, breakers *circuit.Registry, limiter *ratelimit.DualLimiter, observe Interceptor) *Client {
	spacing := rate.NewLimiter(rate.Inf, 1)
	if config.MinSpacing > 0 {
		spacing = rate.NewLimiter(rate.Every(config.MinSpacing), 1)
	}
	return &Client{
		config:   config,
		http:     &http.Client{Timeout: config.RequestTimeout},
		breakers: breakers,
		limiter:  limiter,
		spacing:  spacing,
		observe:  observe,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes the request with the full middleware stack and returns the
// response body. Cost is the rate-limit price of the call (usually 1).
func (c *Client) Do(ctx context.Context, req *http.Request, cost float64) ([]byte, error) {
	if req.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	if c.limiter != nil {
		res, err := c.limiter.ConsumeAndWait(ctx, c.config.Class, cost, c.config.MaxRateWait)
		if err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
		if !res.Allowed {
			return nil, fmt.Errorf("rate limit exhausted for %s", c.config.Provider)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if !c.breakers.Allow(c.config.BreakerName) {
			return nil, circuit.ErrCircuitOpen
		}
		if err := c.spacing.Wait(ctx); err != nil {
			return nil, err
		}

		body, retryAfter, err := c.attempt(ctx, req)
		if err == nil {
			c.breakers.RecordSuccess(c.config.BreakerName)
			return body, nil
		}
		lastErr = err

		retryable, countsAsFailure := c.classify(err)
		if countsAsFailure {
			c.breakers.RecordFailure(c.config.BreakerName)
		}
		if !retryable || attempt == c.config.MaxRetries {
			return nil, err
		}

		delay := c.backoff(attempt)
		if retryAfter > 0 {
			// Retry-After always wins over the exponential policy.
			delay = retryAfter
		}
		log.Debug().Str("provider", c.config.Provider).Int("attempt", attempt+1).
			Dur("delay", delay).Err(err).Msg("Retrying request")
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt performs a single HTTP exchange. retryAfter is non-zero when the
// response carried a Retry-After header.
func (c *Client) attempt(ctx context.Context, req *http.Request) ([]byte, time.Duration, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	attempt := req.Clone(reqCtx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, 0, &transportError{provider: c.config.Provider, err: err}
		}
		attempt.Body = body
	}

	start := time.Now()
	resp, err := c.http.Do(attempt)
	elapsed := time.Since(start)

	c.mu.Lock()
	c.requestCount++
	if err != nil || resp.StatusCode >= 400 {
		c.errorCount++
	}
	c.mu.Unlock()

	if err != nil {
		if c.observe != nil {
			c.observe(c.config.Provider, req.Method, 0, elapsed, err)
		}
		return nil, 0, &transportError{provider: c.config.Provider, err: err}
	}
	defer resp.Body.Close()

	if c.observe != nil {
		c.observe(c.config.Provider, req.Method, resp.StatusCode, elapsed, nil)
	}

	body, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if readErr != nil {
			return nil, 0, &transportError{provider: c.config.Provider, err: readErr}
		}
		return body, 0, nil
	}

	return nil, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), &StatusError{
		Provider:   c.config.Provider,
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
}

// classify decides whether an error is retryable and whether it counts
// toward the circuit breaker. 429 with a Retry-After is waited out, not
// counted as a hard failure; 5xx always counts; other 4xx count only when
// the breaker is configured to count client errors.
func (c *Client) classify(err error) (retryable, countsAsFailure bool) {
	switch e := err.(type) {
	case *transportError:
		return true, true
	case *StatusError:
		retryable = c.config.RetryableStatuses[e.StatusCode]
		switch {
		case e.StatusCode == http.StatusTooManyRequests:
			return retryable, false
		case e.StatusCode >= 500:
			return retryable, true
		default:
			return retryable, c.breakers.CountsClientErrs(c.config.BreakerName)
		}
	default:
		return false, false
	}
}

// backoff computes base·2^attempt plus up to 30% random jitter, capped.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.config.BaseDelay << uint(attempt)
	if delay > c.config.MaxDelay || delay <= 0 {
		delay = c.config.MaxDelay
	}
	jitter := time.Duration(rand.Float64() * 0.3 * float64(delay))
	delay += jitter
	if delay > c.config.MaxDelay {
		delay = c.config.MaxDelay
	}
	return delay
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		d := at.Sub(now)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// GetJSON issues a GET and returns the body.
func (c *Client) GetJSON(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.Do(ctx, req, 1)
}

// Health reports the client's current health per the 10% error-rate contract.
func (c *Client) Health() Health {
	c.mu.Lock()
	requests, errors := c.requestCount, c.errorCount
	c.mu.Unlock()

	state := c.breakers.Status(c.config.BreakerName).State
	errorRate := 0.0
	if requests > 0 {
		errorRate = float64(errors) / float64(requests)
	}
	return Health{
		Healthy:      state == circuit.StateClosed && errorRate < 0.10,
		CircuitState: state.String(),
		RequestCount: requests,
		ErrorCount:   errors,
		ErrorRate:    errorRate,
	}
}

// transportError marks network/DNS/timeout failures, which are always
// retryable and always count toward the breaker.
type transportError struct {
	provider string
	err      error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("provider %s transport error: %v", e.provider, e.err)
}

func (e *transportError) Unwrap() error { return e.err }
