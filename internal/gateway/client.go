// Package gateway is the single outbound path to the reporting backend. It
// injects auth and correlation headers, enforces timeouts, retries transient
// failures with a fixed delay, and classifies every failure into a [Kind].
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope     = "ecotrack/gateway"
	spanRequest   = "gateway.request"
	metricRetries = "ecotrack.gateway.retries"

	defaultTimeout = 10 * time.Second

	// maxErrorBody caps how much of a failed response body is kept.
	maxErrorBody = 64 << 10

	headerRequestID   = "X-Request-ID"
	headerRequestTime = "X-Request-Time"
	requestTimeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Config wires a Client. Only BaseURL is required.
type Config struct {
	// BaseURL is the backend root, e.g. "https://api.ecotrack.example".
	BaseURL string

	// Timeout bounds each JSON request attempt. Uploads get twice as long.
	Timeout time.Duration

	// RetryAttempts is the total number of tries for retryable calls.
	RetryAttempts int

	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration

	// Tokens supplies the bearer token. Nil sends no Authorization header.
	Tokens TokenSource

	// OnAuthError is invoked for every KindAuth failure; the embedding app
	// signs the user out here.
	OnAuthError func(err error)

	// HTTPClient overrides the transport. Its Timeout is ignored in favour
	// of per-request contexts.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// PendingRequest describes an in-flight call. The registry is advisory and
// only used for diagnostics.
type PendingRequest struct {
	ID      string
	Method  string
	Path    string
	Started time.Time
}

// Client performs classified, retried HTTP calls against the backend.
type Client struct {
	base        *url.URL
	hc          *http.Client
	timeout     time.Duration
	attempts    int
	delay       time.Duration
	tokens      TokenSource
	onAuthError func(error)
	log         *slog.Logger
	now         func() time.Time

	online        atomic.Bool
	forcedOffline atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]PendingRequest

	tracer     trace.Tracer
	cntRetries metric.Int64Counter
}

// New creates a Client from cfg, applying defaults for zero values.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("gateway: base URL %q must be an http or https URL", cfg.BaseURL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	delay := cfg.RetryDelay
	if delay < 0 {
		delay = 0
	} else if delay == 0 {
		delay = defaultRetryDelay
	}

	meter := otel.Meter(otelScope)
	retries, err := meter.Int64Counter(metricRetries, metric.WithDescription("Number of retried gateway request attempts"))
	if err != nil {
		logger.Error("creating OTel counter", "name", metricRetries, "error", err)
		retries = noop.Int64Counter{}
	}

	c := &Client{
		base:        base,
		hc:          hc,
		timeout:     timeout,
		attempts:    attempts,
		delay:       delay,
		tokens:      cfg.Tokens,
		onAuthError: cfg.OnAuthError,
		log:         logger,
		now:         time.Now,
		pending:     make(map[string]PendingRequest),
		tracer:      otel.Tracer(otelScope),
		cntRetries:  retries,
	}
	c.online.Store(true)
	return c, nil
}

// --- Request options ---------------------------------------------------------

type requestOptions struct {
	query      url.Values
	idempotent bool
}

// RequestOption customises a single call.
type RequestOption func(*requestOptions)

// WithQuery appends query parameters to the request URL.
func WithQuery(q url.Values) RequestOption {
	return func(o *requestOptions) { o.query = q }
}

// Idempotent marks a call as safe to retry even though its method is not,
// e.g. a POST the backend de-duplicates by client-generated id.
func Idempotent() RequestOption {
	return func(o *requestOptions) { o.idempotent = true }
}

func idempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// --- Connectivity ------------------------------------------------------------

// Online reports whether the last call reached the backend. It starts out
// true; a network or timeout failure flips it until the next response.
func (c *Client) Online() bool {
	return !c.forcedOffline.Load() && c.online.Load()
}

// SetForcedOffline makes every call fail with KindNetwork without touching
// the network, as if the device had no connectivity.
func (c *Client) SetForcedOffline(offline bool) {
	c.forcedOffline.Store(offline)
}

// Probe checks reachability with a single GET /api/health and updates the
// online flag.
func (c *Client) Probe(ctx context.Context) error {
	err := c.attempt(ctx, http.MethodGet, "/api/health", nil, nil, c.timeout, jsonBody(nil), nil)
	if err != nil {
		return fmt.Errorf("probing backend: %w", err)
	}
	return nil
}

// Pending returns a snapshot of in-flight requests.
func (c *Client) Pending() []PendingRequest {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	out := make([]PendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p)
	}
	return out
}

// --- Calls -------------------------------------------------------------------

// Do sends a JSON request and decodes a successful response into out (when
// out is non-nil). Idempotent methods are retried on transient failures.
func (c *Client) Do(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error {
	o := requestOptions{idempotent: idempotentMethod(method)}
	for _, opt := range opts {
		opt(&o)
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
	}

	attempts := 1
	if o.idempotent {
		attempts = c.attempts
	}
	return c.retry(ctx, attempts, func() error {
		return c.attempt(ctx, method, path, o.query, out, c.timeout, jsonBody(payload), nil)
	})
}

// Get is shorthand for Do with GET.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out, WithQuery(query))
}

func (c *Client) retry(ctx context.Context, attempts int, fn func() error) error {
	tries := 0
	return Retry(ctx, attempts, c.delay, isRetryable, func() error {
		tries++
		if tries > 1 {
			c.cntRetries.Add(ctx, 1)
		}
		return fn()
	})
}

// bodyFunc builds a fresh request body for each attempt.
type bodyFunc func() (io.Reader, string, int64, error)

func jsonBody(payload []byte) bodyFunc {
	return func() (io.Reader, string, int64, error) {
		if payload == nil {
			return nil, "", 0, nil
		}
		return bytes.NewReader(payload), "application/json", int64(len(payload)), nil
	}
}

// attempt performs exactly one HTTP exchange and classifies its outcome.
func (c *Client) attempt(ctx context.Context, method, path string, query url.Values, out any, timeout time.Duration, body bodyFunc, wrap func(io.Reader, int64) io.Reader) error {
	reqID := uuid.NewString()
	gerr := func(kind Kind, status int, respBody []byte, err error) *Error {
		return &Error{Kind: kind, Method: method, Path: path, Status: status, Body: respBody, RequestID: reqID, Err: err}
	}

	ctx, span := c.tracer.Start(ctx, spanRequest, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("request.id", reqID),
	))
	defer span.End()

	fail := func(e *Error) error {
		span.SetStatus(codes.Error, e.Kind.String())
		span.RecordError(e)
		if e.Kind == KindNetwork || e.Kind == KindTimeout {
			c.online.Store(false)
		}
		if e.Kind == KindAuth && c.onAuthError != nil {
			c.onAuthError(e)
		}
		c.log.Debug("gateway request failed", "method", method, "path", path, "request_id", reqID, "kind", e.Kind, "status", e.Status, "error", e.Err)
		return e
	}

	if c.forcedOffline.Load() {
		return fail(gerr(KindNetwork, 0, nil, errors.New("offline")))
	}

	var token string
	if c.tokens != nil {
		t, err := c.tokens.Token(ctx)
		if err != nil {
			return fail(gerr(KindAuth, 0, nil, fmt.Errorf("obtaining token: %w", err)))
		}
		if err := checkExpiry(t, c.now()); err != nil {
			return fail(gerr(KindAuth, 0, nil, err))
		}
		token = t
	}

	reader, contentType, size, err := body()
	if err != nil {
		return fmt.Errorf("building %s %s body: %w", method, path, err)
	}
	if reader != nil && wrap != nil {
		reader = wrap(reader, size)
	}

	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("creating %s %s request: %w", method, path, err)
	}
	if reader != nil {
		req.ContentLength = size
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerRequestID, reqID)
	req.Header.Set(headerRequestTime, c.now().UTC().Format(requestTimeLayout))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.track(reqID, method, path)
	defer c.untrack(reqID)

	resp, err := c.hc.Do(req)
	if err != nil {
		// The caller's own cancellation is not a gateway failure.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || isNetTimeout(err) {
			return fail(gerr(KindTimeout, 0, nil, err))
		}
		return fail(gerr(KindNetwork, 0, nil, err))
	}
	defer func() { _ = resp.Body.Close() }()

	c.online.Store(true)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return fail(gerr(KindAuth, resp.StatusCode, respBody, nil))
		case resp.StatusCode >= 500:
			return fail(gerr(KindServer, resp.StatusCode, respBody, nil))
		default:
			return fail(gerr(KindClient, resp.StatusCode, respBody, nil))
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fail(gerr(KindTimeout, resp.StatusCode, nil, err))
		}
		return fail(gerr(KindNetwork, resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) track(id, method, path string) {
	c.pendingMu.Lock()
	c.pending[id] = PendingRequest{ID: id, Method: method, Path: path, Started: c.now()}
	c.pendingMu.Unlock()
}

func (c *Client) untrack(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
