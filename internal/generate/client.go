package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/infinitune/infinitune/internal/metrics"
	"github.com/infinitune/infinitune/internal/telemetry"
)

// Options configures a backend client's transport behavior.
type Options struct {
	Timeout               time.Duration
	ResponseHeaderTimeout time.Duration
	MaxRetries            int // 0 means default; negative disables retries
	Backoff               time.Duration
	MaxBackoff            time.Duration
	UserAgent             string
	RateLimit             rate.Limit
	RateLimitBurst        int

	// Headers are applied to every request (e.g. Authorization).
	Headers map[string]string
}

const (
	defaultTimeout        = 2 * time.Minute
	defaultRetries        = 2
	defaultBackoff        = 500 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultRateLimit      = 5
	defaultRateLimitBurst = 10
)

// Client is the HTTP core shared by the generation backends: request
// pacing, bounded retries with jittered backoff, client spans and
// per-attempt metrics. Backends own their wire formats; this owns the
// transport discipline.
type Client struct {
	backend    string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	userAgent  string
	headers    map[string]string
	rnd        *rand.Rand
	mu         sync.Mutex
}

// NewClient creates the shared HTTP core for one backend. The backend tag
// labels spans and metrics.
func NewClient(backend, baseURL string, opts Options) *Client {
	opts = normalizeOptions(opts)

	return &Client{
		backend: backend,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: newTransport(opts.ResponseHeaderTimeout),
		},
		limiter:    rate.NewLimiter(opts.RateLimit, opts.RateLimitBurst),
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		maxBackoff: opts.MaxBackoff,
		userAgent:  opts.UserAgent,
		headers:    opts.Headers,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}
}

func newTransport(responseHeaderTimeout time.Duration) *http.Transport {
	return &http.Transport{
		ResponseHeaderTimeout: responseHeaderTimeout,
		TLSHandshakeTimeout:   5 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
	}
}

func normalizeOptions(opts Options) Options {
	opts.Timeout = orDefault(opts.Timeout, defaultTimeout)
	// Generation backends may take the whole budget before the first byte.
	opts.ResponseHeaderTimeout = orDefault(opts.ResponseHeaderTimeout, opts.Timeout)
	opts.Backoff = orDefault(opts.Backoff, defaultBackoff)
	opts.MaxBackoff = orDefault(opts.MaxBackoff, defaultMaxBackoff)

	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = defaultRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Limit(defaultRateLimit)
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = defaultRateLimitBurst
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "infinitune"
	}
	return opts
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PostJSON marshals in, posts it to path and decodes a 2xx response body
// into out (out may be nil). Non-2xx responses become errors carrying a
// body snippet.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any, retriable bool) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", c.backend, err)
	}

	resp, err := c.Do(ctx, http.MethodPost, path, payload, retriable)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return c.statusError(path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.backend, err)
	}
	return nil
}

// GetJSON fetches path and decodes a 2xx response body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return c.statusError(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.backend, err)
	}
	return nil
}

// GetRaw fetches path and returns the open 2xx response body. The caller
// owns the close.
func (c *Client) GetRaw(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := c.Do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer func() { _ = resp.Body.Close() }()
		return nil, c.statusError(path, resp)
	}
	return resp.Body, nil
}

func (c *Client) statusError(path string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("%s: %s: status %d: %s", c.backend, path, resp.StatusCode, msg)
}

// Do executes one request with pacing, retries and client spans. body is
// replayed on every attempt; pass nil for GET. rawURL may be an absolute
// URL or a path under the base URL. Responses with status below 500 are
// returned to the caller with the body open; transport errors, 429 and
// 5xx retry up to MaxRetries times when retriable is set.
func (c *Client) Do(ctx context.Context, method, rawURL string, body []byte, retriable bool) (*http.Response, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = c.baseURL + rawURL
	}

	tracer := telemetry.Tracer("infinitune." + c.backend)
	route, urlLabel := spanLabels(rawURL)
	ctx, span := tracer.Start(ctx, "infinitune.generate.request", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String(telemetry.HTTPMethodKey, method),
		attribute.String(telemetry.HTTPRouteKey, route),
		attribute.String(telemetry.HTTPURLKey, urlLabel),
	)
	span.SetAttributes(telemetry.GenerationAttributes(c.backend, "", "")...)
	defer span.End()

	maxAttempts := c.maxRetries + 1
	if !retriable {
		maxAttempts = 1
	}

	var lastErr error
	var lastStatus int
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, attemptSpan := tracer.Start(ctx, "infinitune.generate.request.attempt", trace.WithSpanKind(trace.SpanKindClient))
		attemptSpan.SetAttributes(
			attribute.Int("attempt", attempt),
			attribute.Bool("retry", attempt > 1),
		)

		if c.limiter != nil {
			if err := c.limiter.Wait(attemptCtx); err != nil {
				markSpanErr(attemptSpan, err)
				attemptSpan.End()
				markSpanErr(span, err)
				return nil, err
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(attemptCtx, method, rawURL, reader)
		if err != nil {
			markSpanErr(attemptSpan, err)
			attemptSpan.End()
			markSpanErr(span, err)
			return nil, err
		}
		c.applyHeaders(req, body != nil)
		otel.GetTextMapPropagator().Inject(attemptCtx, propagation.HeaderCarrier(req.Header))

		start := time.Now()
		resp, err := c.httpClient.Do(req)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		retry := attempt < maxAttempts && shouldRetry(resp, err)
		metrics.RecordGenRequest(c.backend, route, status, time.Since(start), err, retry)

		attemptSpan.SetAttributes(telemetry.HTTPAttributes(method, route, urlLabel, status)...)
		switch {
		case err != nil:
			attemptSpan.RecordError(err)
			attemptSpan.SetStatus(codes.Error, statusLabel(status))
		case status >= http.StatusBadRequest:
			attemptSpan.SetStatus(codes.Error, statusLabel(status))
		default:
			attemptSpan.SetStatus(codes.Ok, "")
		}
		attemptSpan.End()

		if err == nil && !shouldRetry(resp, nil) {
			span.SetAttributes(telemetry.HTTPAttributes(method, route, urlLabel, status)...)
			if status >= http.StatusBadRequest {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return resp, nil
		}

		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		lastErr = err
		lastStatus = status

		if !retry {
			break
		}
		if err := waitBackoff(ctx, c.backoffFor(attempt-1)); err != nil {
			markSpanErr(span, err)
			return nil, err
		}
	}

	if lastStatus > 0 {
		span.SetAttributes(telemetry.HTTPAttributes(method, route, urlLabel, lastStatus)...)
		span.SetStatus(codes.Error, http.StatusText(lastStatus))
		return nil, fmt.Errorf("%s: %s: status %d after %d attempts", c.backend, route, lastStatus, maxAttempts)
	}
	if lastErr != nil {
		markSpanErr(span, lastErr)
		return nil, fmt.Errorf("%s: %s: %w", c.backend, route, lastErr)
	}
	return nil, fmt.Errorf("%s: %s: request failed", c.backend, route)
}

func (c *Client) applyHeaders(req *http.Request, hasBody bool) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}

func markSpanErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func statusLabel(status int) string {
	if s := http.StatusText(status); s != "" {
		return s
	}
	return "request failed"
}

func shouldRetry(resp *http.Response, err error) bool {
	switch {
	case err != nil, resp == nil:
		return true
	case resp.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return resp.StatusCode >= http.StatusInternalServerError
	}
}

// backoffFor doubles the base per prior attempt, capped at MaxBackoff,
// plus up to 20% jitter so synchronized workers spread out.
func (c *Client) backoffFor(attempt int) time.Duration {
	wait := min(c.backoff<<attempt, c.maxBackoff)
	return wait + time.Duration(c.jitterN(int64(wait/5+1)))
}

func (c *Client) jitterN(n int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.Int63n(n)
}

func waitBackoff(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spanLabels derives low-cardinality route and url span attributes;
// query values are dropped so label sets stay bounded.
func spanLabels(rawURL string) (route, label string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, rawURL
	}
	route = u.Path
	if route == "" {
		route = "/"
	}
	label = route
	if u.RawQuery != "" {
		label += "?"
	}
	return route, label
}
