package integration

import (
	"encoding/json"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Operation IDs served by the mock backend.
const (
	OpGetEntity  = "getEntity"
	OpPatchAttrs = "patchAttrs"
	OpClassify   = "classify"
)

// brokerPrefix is the NGSI-LD API root on the mock backend.
const brokerPrefix = "/ngsi-ld/v1"

// MockBackend simulates the context broker and the AI classifier on one test
// server. By default it behaves like a tiny broker: entities live in memory,
// GET returns them, PATCH merges attributes. Scripted responses configured
// with OnOperation take precedence over the stateful behavior.
type MockBackend struct {
	t      *testing.T
	server *httptest.Server

	mu              sync.RWMutex
	entities        map[string]map[string]any
	classifications map[string]*pendingClassification
	operations      map[string]*operationConfig
	receivedByOp    map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock backend.
type RecordedRequest struct {
	Method     string
	Path       string
	EntityID   string
	Headers    http.Header
	Body       map[string]any
	RawBody    []byte
	ReceivedAt time.Time
}

// pendingClassification is written into the entity once the broker has
// served afterReads reads following the classify call.
type pendingClassification struct {
	attrs      map[string]any
	afterReads int
	triggered  bool
}

// operationConfig holds the configured responses for a single operation.
type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock is a builder for configuring mock responses for a specific operation.
type OperationMock struct {
	backend *MockBackend
	opID    string
}

// newMockBackend creates a new mock backend and starts the HTTP test server.
func newMockBackend(t *testing.T) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:               t,
		entities:        make(map[string]map[string]any),
		classifications: make(map[string]*pendingClassification),
		operations:      make(map[string]*operationConfig),
		receivedByOp:    make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+brokerPrefix+"/entities/{id}", mb.handleOperation(OpGetEntity, mb.serveEntity))
	mux.HandleFunc("PATCH "+brokerPrefix+"/entities/{id}/attrs", mb.handleOperation(OpPatchAttrs, mb.patchEntity))
	mux.HandleFunc("POST /classify/{id}", mb.handleOperation(OpClassify, mb.classify))

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)

	return mb
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// BrokerURL returns the NGSI-LD API root.
func (mb *MockBackend) BrokerURL() string {
	return mb.server.URL + brokerPrefix
}

// PutEntity stores or replaces an entity.
func (mb *MockBackend) PutEntity(entity map[string]any) {
	id, _ := entity["id"].(string)
	if id == "" {
		mb.t.Fatal("mock: entity without id")
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.entities[id] = maps.Clone(entity)
}

// Entity returns a copy of the stored entity, or nil.
func (mb *MockBackend) Entity(id string) map[string]any {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	e, ok := mb.entities[id]
	if !ok {
		return nil
	}
	return maps.Clone(e)
}

// ClassifyWith makes the next classify call for id land attrs on the entity
// after the broker has served afterReads further reads. Zero lands them
// immediately.
func (mb *MockBackend) ClassifyWith(id string, attrs map[string]any, afterReads int) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.classifications[id] = &pendingClassification{attrs: attrs, afterReads: afterReads}
}

// OnOperation returns a builder for configuring responses for the named operation.
func (mb *MockBackend) OnOperation(operationID string) *OperationMock {
	return &OperationMock{
		backend: mb,
		opID:    operationID,
	}
}

// RespondWith configures the operation to respond with the given status and body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{
		status: status,
		body:   body,
	})
	return om
}

// RespondWithError configures the operation to respond with an NGSI-LD
// problem document.
func (om *OperationMock) RespondWithError(status int, title, detail string) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{
		status: status,
		body: map[string]any{
			"type":   "https://uri.etsi.org/ngsi-ld/errors/InternalError",
			"title":  title,
			"detail": detail,
		},
	})
	return om
}

// RespondWithDelay configures a delayed response to simulate slow backends.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{
		status: status,
		body:   body,
		delay:  delay,
	})
	return om
}

// RespondWithConnectionError configures the operation to close the connection
// to simulate a backend failure.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{
		connError: true,
	})
	return om
}

func (mb *MockBackend) addResponse(opID string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.operations[opID]
	if !ok {
		cfg = &operationConfig{}
		mb.operations[opID] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

// stateHandler serves an operation when no scripted response is queued.
type stateHandler func(w http.ResponseWriter, r *http.Request, rec *RecordedRequest)

func (mb *MockBackend) handleOperation(opID string, fallback stateHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			EntityID:   r.PathValue("id"),
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			rec.RawBody = body
			if len(body) > 0 {
				var parsed map[string]any
				if err := json.Unmarshal(body, &parsed); err == nil {
					rec.Body = parsed
				}
			}
		}

		mb.mu.Lock()
		mb.receivedByOp[opID] = append(mb.receivedByOp[opID], rec)
		mb.mu.Unlock()

		resp := mb.getNextResponse(opID)
		if resp == nil {
			fallback(w, r, rec)
			return
		}

		if resp.connError {
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				if conn != nil {
					conn.Close()
				}
			}
			return
		}

		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		if resp.body != nil {
			json.NewEncoder(w).Encode(resp.body)
		}
	}
}

func (mb *MockBackend) serveEntity(w http.ResponseWriter, r *http.Request, _ *RecordedRequest) {
	id := r.PathValue("id")

	mb.mu.Lock()
	entity, ok := mb.entities[id]
	if ok {
		if pc := mb.classifications[id]; pc != nil && pc.triggered {
			if pc.afterReads <= 0 {
				maps.Copy(entity, pc.attrs)
				delete(mb.classifications, id)
			} else {
				pc.afterReads--
			}
		}
		entity = maps.Clone(entity)
	}
	mb.mu.Unlock()

	if !ok {
		writeProblem(w, http.StatusNotFound, "ResourceNotFound", "Entity not found")
		return
	}
	w.Header().Set("Content-Type", "application/ld+json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(entity)
}

func (mb *MockBackend) patchEntity(w http.ResponseWriter, r *http.Request, rec *RecordedRequest) {
	id := r.PathValue("id")

	mb.mu.Lock()
	entity, ok := mb.entities[id]
	if ok {
		maps.Copy(entity, rec.Body)
	}
	mb.mu.Unlock()

	if !ok {
		writeProblem(w, http.StatusNotFound, "ResourceNotFound", "Entity not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (mb *MockBackend) classify(w http.ResponseWriter, r *http.Request, _ *RecordedRequest) {
	id := r.PathValue("id")

	mb.mu.Lock()
	if pc := mb.classifications[id]; pc != nil {
		pc.triggered = true
	}
	mb.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"queued": true, "id": id})
}

func writeProblem(w http.ResponseWriter, status int, kind, title string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"type":  "https://uri.etsi.org/ngsi-ld/errors/" + kind,
		"title": title,
	})
}

func (mb *MockBackend) getNextResponse(opID string) *mockResponse {
	mb.mu.RLock()
	cfg, ok := mb.operations[opID]
	mb.mu.RUnlock()
	if !ok || cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}

	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the operation was called the expected number of times.
func (mb *MockBackend) AssertCalled(t *testing.T, operationID string, expectedCount int) {
	t.Helper()
	mb.mu.RLock()
	actual := len(mb.receivedByOp[operationID])
	mb.mu.RUnlock()
	if actual != expectedCount {
		t.Errorf("mock: operation %q called %d times, want %d", operationID, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the operation was never called.
func (mb *MockBackend) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	mb.AssertCalled(t, operationID, 0)
}

// LastRequest returns the last request received for the given operation.
// Returns nil if no requests were recorded.
func (mb *MockBackend) LastRequest(operationID string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByOp[operationID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns all requests received for the given operation.
func (mb *MockBackend) AllRequests(operationID string) []*RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByOp[operationID]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// ResetOperation clears recorded requests and configured responses for one operation.
func (mb *MockBackend) ResetOperation(operationID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.operations, operationID)
	delete(mb.receivedByOp, operationID)
}
