// Package ngsild is a minimal client for the NGSI-LD context broker that owns
// citizen report entities. It reads one entity and patches its attributes;
// nothing else.
package ngsild

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/urbanreflex/reportflow/internal/config"
	"github.com/urbanreflex/reportflow/internal/observability"
	"github.com/urbanreflex/reportflow/model"
)

// Broker operations, used as metric and span labels.
const (
	OpFetch = "fetch"
	OpPatch = "patch"
)

const maxResponseBytes = 10 << 20

// Error is returned by every Client call that fails. Code is one of the
// model error codes.
type Error struct {
	Code       string
	Op         string
	EntityID   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ngsild: %s %s: %s", e.Op, e.EntityID, e.Code)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// ErrorCode returns the model error code.
func (e *Error) ErrorCode() string { return e.Code }

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err says the entity does not exist.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == model.ErrNotFound
}

// Client talks to one context broker.
type Client struct {
	baseURL     string
	tenant      string
	contextLink string
	http        *http.Client
	breaker     *CircuitBreaker
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTenant sets the NGSILD-Tenant header on every request.
func WithTenant(tenant string) Option {
	return func(c *Client) { c.tenant = tenant }
}

// WithContextLink sets the JSON-LD @context Link header on every request.
func WithContextLink(link string) Option {
	return func(c *Client) { c.contextLink = link }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithMetrics records broker request metrics and the breaker state.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the broker at baseURL (for example
// http://orion:1026/ngsi-ld/v1).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = NewCircuitBreaker(0, 0, 0)
	}
	c.breaker.OnStateChange(func(s BreakerState) {
		c.metrics.SetBrokerCircuitBreakerState(float64(s))
		c.logger.Warn("broker circuit breaker changed state", zap.String("state", s.String()))
	})
	return c
}

// NewFromConfig creates a Client from the broker config section.
func NewFromConfig(cfg config.BrokerConfig, opts ...Option) *Client {
	base := []Option{
		WithTenant(cfg.Tenant),
		WithContextLink(cfg.ContextLink),
		WithBreaker(NewCircuitBreaker(
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.SuccessThreshold,
			cfg.CircuitBreaker.Timeout,
		)),
	}
	if cfg.Timeout > 0 {
		base = append(base, func(c *Client) { c.http.Timeout = cfg.Timeout })
	}
	return New(cfg.BaseURL, append(base, opts...)...)
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// HealthCheck fails while the breaker is open.
func (c *Client) HealthCheck(context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// FetchEntity reads the full entity and decodes it.
func (c *Client) FetchEntity(ctx context.Context, id string) (report model.Report, err error) {
	ctx, span := observability.StartSpan(ctx, "ngsild.fetch",
		observability.AttrReportID.String(id),
		observability.AttrOperation.String(OpFetch),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	resp, body, err := c.do(ctx, OpFetch, id, http.MethodGet, c.entityURL(id), nil, "application/ld+json")
	if err != nil {
		return model.Report{}, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.Report{}, &Error{Code: model.ErrNotFound, Op: OpFetch, EntityID: id, StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return model.Report{}, &Error{
			Code:       model.ErrBackendUnavailable,
			Op:         OpFetch,
			EntityID:   id,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", snippet(body)),
		}
	}

	var entity map[string]any
	if err := json.Unmarshal(body, &entity); err != nil {
		return model.Report{}, &Error{
			Code:       model.ErrBackendUnavailable,
			Op:         OpFetch,
			EntityID:   id,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decode entity: %w", err),
		}
	}
	return DecodeReport(entity), nil
}

// PatchAttributes applies a partial attribute update. Any 2xx counts as
// success.
func (c *Client) PatchAttributes(ctx context.Context, id string, attrs Attributes) (err error) {
	ctx, span := observability.StartSpan(ctx, "ngsild.patch",
		observability.AttrReportID.String(id),
		observability.AttrOperation.String(OpPatch),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	payload, err := json.Marshal(attrs)
	if err != nil {
		return &Error{Code: model.ErrInternalError, Op: OpPatch, EntityID: id, Err: err}
	}

	resp, body, err := c.do(ctx, OpPatch, id, http.MethodPatch, c.entityURL(id)+"/attrs", payload, "application/json")
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &Error{Code: model.ErrNotFound, Op: OpPatch, EntityID: id, StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &Error{
			Code:       model.ErrWriteFailed,
			Op:         OpPatch,
			EntityID:   id,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", snippet(body)),
		}
	}
	return nil
}

func (c *Client) entityURL(id string) string {
	return c.baseURL + "/entities/" + url.PathEscape(id)
}

// do performs one request behind the circuit breaker. It returns an *Error
// only for failures that never produced a response.
func (c *Client) do(ctx context.Context, op, id, method, reqURL string, payload []byte, accept string) (*http.Response, []byte, error) {
	if err := c.breaker.Allow(); err != nil {
		c.metrics.RecordBrokerRequest(op, 0, 0)
		return nil, nil, &Error{Code: model.ErrBackendUnavailable, Op: op, EntityID: id, Err: err}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, nil, &Error{Code: model.ErrInternalError, Op: op, EntityID: id, Err: err}
	}
	req.Header.Set("Accept", accept)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tenant != "" {
		req.Header.Set("NGSILD-Tenant", c.tenant)
	}
	if c.contextLink != "" {
		req.Header.Set("Link", fmt.Sprintf(`<%s>; rel="http://www.w3.org/ns/json-ld#context"; type="application/ld+json"`, c.contextLink))
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.metrics.RecordBrokerRequest(op, 0, time.Since(start))
		code := model.ErrBackendUnavailable
		if ctx.Err() != nil || isTimeout(err) {
			code = model.ErrBackendTimeout
		}
		return nil, nil, &Error{Code: code, Op: op, EntityID: id, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordBrokerRequest(op, resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.RecordFailure()
		return nil, nil, &Error{Code: model.ErrBackendUnavailable, Op: op, EntityID: id, StatusCode: resp.StatusCode, Err: err}
	}

	// 4xx are caller problems, not broker failures.
	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else if resp.StatusCode < 400 {
		c.breaker.RecordSuccess()
	}
	return resp, respBody, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	if s == "" {
		return "<empty body>"
	}
	return s
}
