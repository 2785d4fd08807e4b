package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanreflex/reportflow/internal/ngsild"
	"github.com/urbanreflex/reportflow/internal/workflow"
	"github.com/urbanreflex/reportflow/model"
)

// --- fakes ---

type fakeRunner struct {
	mu       sync.Mutex
	out      workflow.Outcome
	err      error
	ran      []string
	asyncRan []string
}

func (f *fakeRunner) Run(_ context.Context, id string) (workflow.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, id)
	out := f.out
	out.ReportID = id
	return out, f.err
}

func (f *fakeRunner) RunAsync(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asyncRan = append(f.asyncRan, id)
}

type fakeReports struct {
	report *model.Report
	err    error
}

func (f *fakeReports) FetchEntity(_ context.Context, id string) (model.Report, error) {
	if f.err != nil {
		return model.Report{}, f.err
	}
	if f.report == nil {
		return model.Report{ID: id, Status: model.StatusSubmitted}, nil
	}
	r := *f.report
	r.ID = id
	return r, nil
}

type statusCall struct {
	ID     string
	Status model.Status
	Reason string
}

type fakeStatus struct {
	calls []statusCall
	err   error
}

func (f *fakeStatus) Apply(_ context.Context, id string, status model.Status, reason string) error {
	f.calls = append(f.calls, statusCall{ID: id, Status: status, Reason: reason})
	return f.err
}

func serve(t *testing.T, deps Dependencies, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	NewRouter(deps).ServeHTTP(w, req)
	return w
}

// --- POST /v1/reports/process ---

func TestHandleProcess_success(t *testing.T) {
	runner := &fakeRunner{out: workflow.Outcome{
		Decision: model.StatusAutoApproved,
		Status:   model.StatusAutoApproved,
		Result:   model.OutcomeWritten,
		Written:  true,
		Attempts: 2,
	}}
	deps := testDeps()
	deps.Workflow = runner

	w := serve(t, deps, httptest.NewRequest("POST", "/v1/reports/process",
		strings.NewReader(`{"reportId":"urn:ngsi-ld:CitizenReport:1"}`)))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp processResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "urn:ngsi-ld:CitizenReport:1", resp.ReportID)
	assert.Equal(t, model.StatusAutoApproved, resp.FinalStatus)
	assert.Equal(t, model.OutcomeWritten, resp.Outcome)
	assert.True(t, resp.Written)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, "Report moved to auto_approved", resp.Message)
	assert.Equal(t, []string{"urn:ngsi-ld:CitizenReport:1"}, runner.ran)
}

func TestHandleProcess_errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		runErr   error
		want     int
		wantCode string
	}{
		{"missing id", `{}`, nil, 400, model.ErrBadRequest},
		{"blank id", `{"reportId":"  "}`, nil, 400, model.ErrBadRequest},
		{"invalid json", `not json`, nil, 400, model.ErrBadRequest},
		{"not classified", `{"reportId":"r1"}`, workflow.ErrNotClassified, 504, model.ErrClassificationTimeout},
		{"in progress", `{"reportId":"r1"}`, workflow.ErrRunInProgress, 409, model.ErrRunInProgress},
		{"handler deadline", `{"reportId":"r1"}`, context.DeadlineExceeded, 504, model.ErrClassificationTimeout},
		{"unexpected", `{"reportId":"r1"}`, errors.New("boom"), 500, model.ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps()
			deps.Workflow = &fakeRunner{err: tt.runErr}

			w := serve(t, deps, httptest.NewRequest("POST", "/v1/reports/process", strings.NewReader(tt.body)))

			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, w).Code)
		})
	}
}

// --- POST /v1/reports/{reportId}/process ---

func TestHandleProcessAsync(t *testing.T) {
	runner := &fakeRunner{}
	deps := testDeps()
	deps.Workflow = runner

	w := serve(t, deps, httptest.NewRequest("POST", "/v1/reports/urn:ngsi-ld:CitizenReport:9/process", nil))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"urn:ngsi-ld:CitizenReport:9"}, runner.asyncRan)
	assert.Empty(t, runner.ran)
}

// --- GET /v1/reports/{reportId} ---

func TestHandleGetReport(t *testing.T) {
	conf := 0.82
	deps := testDeps()
	deps.Reports = &fakeReports{report: &model.Report{
		Status:             model.StatusAutoApproved,
		Category:           "pothole",
		CategoryConfidence: &conf,
		Priority:           "low",
	}}

	w := serve(t, deps, httptest.NewRequest("GET", "/v1/reports/r1", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "r1", body["id"])
	assert.Equal(t, "auto_approved", body["status"])
	assert.Equal(t, 0.82, body["categoryConfidence"])
	assert.Equal(t, true, body["public"])
}

func TestHandleGetReport_errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", &ngsild.Error{Code: model.ErrNotFound, Op: ngsild.OpFetch, EntityID: "r1", StatusCode: 404}, 404},
		{"broker down", &ngsild.Error{Code: model.ErrBackendUnavailable, Op: ngsild.OpFetch, EntityID: "r1"}, 502},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps()
			deps.Reports = &fakeReports{err: tt.err}
			w := serve(t, deps, httptest.NewRequest("GET", "/v1/reports/r1", nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

// --- GET /v1/reports/{reportId}/runs ---

func TestHandleListRuns(t *testing.T) {
	store := workflow.NewMemoryRunStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		_ = store.Save(context.Background(), model.RunRecord{
			ID:        id,
			ReportID:  "r1",
			Outcome:   model.OutcomeWritten,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	deps := testDeps()
	deps.Runs = store

	w := serve(t, deps, httptest.NewRequest("GET", "/v1/reports/r1/runs?limit=2", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp runsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Runs, 2)
	assert.Equal(t, "run-c", resp.Runs[0].ID)
	assert.Equal(t, "run-b", resp.Runs[1].ID)
}

func TestHandleListRuns_without_store(t *testing.T) {
	w := serve(t, testDeps(), httptest.NewRequest("GET", "/v1/reports/r1/runs", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"runs":[]`)
}

func TestHandleListRuns_bad_limit(t *testing.T) {
	w := serve(t, testDeps(), httptest.NewRequest("GET", "/v1/reports/r1/runs?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- PATCH /v1/reports/{reportId}/status ---

func adminDeps(reports *fakeReports, status *fakeStatus) Dependencies {
	deps := testDeps()
	deps.Config.Identity = testIdentity()
	deps.Authenticate = JWTAuthenticator(deps.Config.Identity, testSecret)
	deps.Reports = reports
	deps.Status = status
	return deps
}

func statusRequestWith(t *testing.T, claims jwt.MapClaims, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest("PATCH", "/v1/reports/r1/status", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.SigningMethodHS256, testSecret, claims))
	return req
}

func TestHandleSetStatus_approves(t *testing.T) {
	status := &fakeStatus{}
	deps := adminDeps(&fakeReports{report: &model.Report{Status: model.StatusPendingReview}}, status)

	w := serve(t, deps, statusRequestWith(t, validClaims(), `{"status":"approved","reason":" looks right "}`))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, status.calls, 1)
	assert.Equal(t, statusCall{ID: "r1", Status: model.StatusApproved, Reason: "looks right"}, status.calls[0])

	var resp statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, model.StatusPendingReview, resp.PreviousStatus)
	assert.Equal(t, model.StatusApproved, resp.Status)
	assert.True(t, resp.Public)
}

func TestHandleSetStatus_rejections(t *testing.T) {
	citizen := validClaims()
	citizen["roles"] = []any{"citizen"}

	tests := []struct {
		name     string
		claims   jwt.MapClaims
		current  model.Status
		body     string
		want     int
		wantCode string
	}{
		{"non admin", citizen, model.StatusPendingReview, `{"status":"approved"}`, 403, model.ErrForbidden},
		{"unknown status", validClaims(), model.StatusPendingReview, `{"status":"done"}`, 400, model.ErrBadRequest},
		{"terminal", validClaims(), model.StatusResolved, `{"status":"approved"}`, 422, model.ErrInvalidTransition},
		{"skip classification", validClaims(), model.StatusSubmitted, `{"status":"resolved"}`, 422, model.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := &fakeStatus{}
			deps := adminDeps(&fakeReports{report: &model.Report{Status: tt.current}}, status)

			w := serve(t, deps, statusRequestWith(t, tt.claims, tt.body))

			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, w).Code)
			assert.Empty(t, status.calls)
		})
	}
}

func TestHandleSetStatus_write_failed(t *testing.T) {
	status := &fakeStatus{err: &ngsild.Error{Code: model.ErrWriteFailed, Op: ngsild.OpPatch, EntityID: "r1", StatusCode: 400}}
	deps := adminDeps(&fakeReports{report: &model.Report{Status: model.StatusPendingReview}}, status)

	w := serve(t, deps, statusRequestWith(t, validClaims(), `{"status":"rejected"}`))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, model.ErrWriteFailed, decodeError(t, w).Code)
}

func TestOutcomeMessage(t *testing.T) {
	tests := []struct {
		out  workflow.Outcome
		want string
	}{
		{workflow.Outcome{Result: model.OutcomeUnchanged, Status: model.StatusPendingReview}, "Report already pending_review"},
		{workflow.Outcome{Result: model.OutcomeGuarded, Status: model.StatusRejected, Decision: model.StatusAutoApproved},
			"Report is rejected; decision auto_approved not applied"},
		{workflow.Outcome{Result: model.OutcomeWriteFailed, Decision: model.StatusPendingReview},
			"Decided pending_review but the status update failed"},
	}
	for _, tt := range tests {
		if got := outcomeMessage(tt.out); got != tt.want {
			t.Errorf("outcomeMessage(%s) = %q, want %q", tt.out.Result, got, tt.want)
		}
	}
}
