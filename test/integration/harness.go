// Package integration provides a reusable test harness for end-to-end
// integration testing of the reportflow server. It starts a full HTTP server
// wired to a mock context broker and classifier, in-memory run history and
// locking, and a test token issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/urbanreflex/reportflow/internal/approval"
	"github.com/urbanreflex/reportflow/internal/classifier"
	"github.com/urbanreflex/reportflow/internal/config"
	"github.com/urbanreflex/reportflow/internal/ngsild"
	"github.com/urbanreflex/reportflow/internal/observability"
	"github.com/urbanreflex/reportflow/internal/transport"
	"github.com/urbanreflex/reportflow/internal/workflow"
)

// TestHarness encapsulates a fully wired reportflow instance with a mock
// backend for integration testing.
type TestHarness struct {
	t       *testing.T
	server  *httptest.Server
	issuer  *tokenIssuer
	backend *MockBackend

	// Internal components exposed for advanced test scenarios.
	Broker       *ngsild.Client
	Orchestrator *workflow.Orchestrator
	RunStore     *workflow.MemoryRunStore
	RunLock      *workflow.MemoryRunLock
	Metrics      *observability.Metrics
	Registry     *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	pollAttempts   int
	pollInterval   time.Duration
	guard          bool
	handlerTimeout time.Duration
	brokerTimeout  time.Duration
	breaker        config.CircuitBreakerConfig
	approval       *config.ApprovalConfig
}

// WithPoll sets the convergence poll bounds.
func WithPoll(attempts int, interval time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.pollAttempts = attempts
		c.pollInterval = interval
	}
}

// WithoutPriorStatusGuard lets the workflow overwrite any current status.
func WithoutPriorStatusGuard() HarnessOption {
	return func(c *harnessConfig) {
		c.guard = false
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithBrokerTimeout sets the broker client's request timeout.
func WithBrokerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.brokerTimeout = d
	}
}

// WithCircuitBreaker overrides the broker circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// WithApproval overrides the auto-approval criteria.
func WithApproval(a config.ApprovalConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.approval = &a
	}
}

// NewTestHarness creates and starts a full reportflow test instance. The
// server and any background runs are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		pollAttempts:   5,
		pollInterval:   10 * time.Millisecond,
		guard:          true,
		handlerTimeout: 10 * time.Second,
		brokerTimeout:  2 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:       t,
		backend: newMockBackend(t),
		issuer:  newTokenIssuer(),
	}

	// Step 1: Build config pointing at the mock backend.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Broker.BaseURL = h.backend.BrokerURL()
	h.cfg.Broker.Timeout = hc.brokerTimeout
	h.cfg.Broker.CircuitBreaker = hc.breaker
	h.cfg.Classifier.BaseURL = h.backend.URL()
	h.cfg.Classifier.Timeout = 2 * time.Second
	h.cfg.Workflow.Poll = config.PollConfig{MaxAttempts: hc.pollAttempts, Interval: hc.pollInterval}
	h.cfg.Workflow.GuardPriorStatus = hc.guard
	if hc.approval != nil {
		h.cfg.Approval = *hc.approval
	}

	// Step 2: Metrics on a private registry.
	h.Registry = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Registry)
	logger := zap.NewNop()

	// Step 3: Backend clients.
	h.Broker = ngsild.NewFromConfig(h.cfg.Broker, ngsild.WithMetrics(h.Metrics), ngsild.WithLogger(logger))
	trigger := classifier.NewHTTPTrigger(h.cfg.Classifier, h.Metrics, logger)

	// Step 4: Workflow with in-memory run history and locking.
	baseCtx, cancel := context.WithCancel(context.Background())
	h.RunStore = workflow.NewMemoryRunStore()
	h.RunLock = workflow.NewMemoryRunLock()
	updater := workflow.NewStatusUpdater(h.Broker, h.Metrics, logger)
	poller := workflow.NewPoller(h.Broker, h.cfg.Workflow.Poll, logger)
	h.Orchestrator = workflow.NewOrchestrator(trigger, poller, updater,
		workflow.WithCriteria(approval.CriteriaFromConfig(h.cfg.Approval)),
		workflow.WithPriorStatusGuard(h.cfg.Workflow.GuardPriorStatus),
		workflow.WithRunStore(h.RunStore),
		workflow.WithRunLock(h.RunLock),
		workflow.WithMetrics(h.Metrics),
		workflow.WithLogger(logger),
		workflow.WithBaseContext(baseCtx),
	)

	// Step 5: Router with the full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:   h.cfg,
		Workflow: h.Orchestrator,
		Reports:  h.Broker,
		Status:   updater,
		Runs:     h.RunStore,
		Readiness: observability.ReadinessChecks{
			Broker:   h.Broker,
			RunStore: h.RunStore,
		},
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, h.issuer.Secret()),
		Metrics:      h.Metrics,
		Gatherer:     h.Registry,
		Logger:       logger,
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(observability.TracingMiddleware(router))
	t.Cleanup(func() {
		h.server.Close()
		cancel()
		h.Orchestrator.Wait()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// MockBackend returns the mock broker and classifier.
func (h *TestHarness) MockBackend() *MockBackend {
	return h.backend
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs a GET request. An empty token sends no Authorization header.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// PATCH performs a PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PATCH", path, body, token, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the code in the error envelope.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, expected int, code string) {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Default test claims ---

// AdminClaims returns TestClaims for a city administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		Email:     "admin@city.example.com",
		Roles:     []string{"admin"},
	}
}

// CitizenClaims returns TestClaims for a citizen without admin rights.
func CitizenClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-citizen",
		Email:     "citizen@example.com",
		Roles:     []string{"citizen"},
	}
}

// --- Fixtures ---

// ReportFixture returns a citizen report entity in NGSI-LD normalized form.
func ReportFixture(id, status string) map[string]any {
	return map[string]any{
		"id":          id,
		"type":        "CitizenReport",
		"status":      map[string]any{"type": "Property", "value": status},
		"description": map[string]any{"type": "Property", "value": "Pothole on Main St"},
		"imageUrl":    map[string]any{"type": "Property", "value": []any{"https://img.example.com/1.jpg"}},
	}
}

// ClassificationFixture returns the attributes the classifier writes back.
func ClassificationFixture(category string, confidence float64, priority, severity string) map[string]any {
	return map[string]any{
		"category":           map[string]any{"type": "Property", "value": category},
		"categoryConfidence": map[string]any{"type": "Property", "value": confidence},
		"priority":           map[string]any{"type": "Property", "value": priority},
		"severity":           map[string]any{"type": "Property", "value": severity},
	}
}

// reportID builds a broker entity id for a test report.
func reportID(n int) string {
	return fmt.Sprintf("urn:ngsi-ld:CitizenReport:%03d", n)
}

// attrValue unwraps a Property envelope stored on the mock broker.
func attrValue(entity map[string]any, key string) any {
	v := entity[key]
	if m, ok := v.(map[string]any); ok {
		return m["value"]
	}
	return v
}

// configApproval accepts the given priority and severity levels and requires
// an image.
func configApproval(minConfidence float64, levels []string) config.ApprovalConfig {
	return config.ApprovalConfig{
		MinConfidence:     minConfidence,
		AllowedPriorities: levels,
		AllowedSeverities: levels,
		RequiresImage:     true,
	}
}
