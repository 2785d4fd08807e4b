package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Set at build time with -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

var processStart = time.Now()

const (
	checkOK    = "ok"
	checkError = "error"

	checkTimeout = 2 * time.Second
)

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadinessResponse is the /readyz body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one dependency probe.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by the broker client, the run store and the
// run lock.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists the dependencies probed by /readyz. The broker is
// required; a nil RunStore or RunLock is simply not probed.
type ReadinessChecks struct {
	Broker   HealthChecker
	RunStore HealthChecker
	RunLock  HealthChecker
}

type namedCheck struct {
	name    string
	checker HealthChecker
}

func (c ReadinessChecks) probes() []namedCheck {
	probes := []namedCheck{{name: "broker", checker: c.Broker}}
	if c.RunStore != nil {
		probes = append(probes, namedCheck{name: "run_store", checker: c.RunStore})
	}
	if c.RunLock != nil {
		probes = append(probes, namedCheck{name: "run_lock", checker: c.RunLock})
	}
	return probes
}

// HandleHealth serves the liveness probe. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, HealthResponse{
			Status:        checkOK,
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(processStart).Seconds()),
		})
	}
}

// HandleReady probes every configured dependency concurrently and answers
// 503 if any of them fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		probes := checks.probes()
		results := make([]CheckResult, len(probes))

		var g errgroup.Group
		for i, p := range probes {
			if p.checker == nil {
				results[i] = CheckResult{Status: checkError, Error: p.name + " client not configured"}
				continue
			}
			g.Go(func() error {
				results[i] = probe(r.Context(), p.checker)
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(probes))}
		code := http.StatusOK
		for i, p := range probes {
			resp.Checks[p.name] = results[i]
			if results[i].Status != checkOK {
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
			}
		}
		writeProbe(w, code, resp)
	}
}

func probe(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: checkOK, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = checkError
		res.Error = err.Error()
	}
	return res
}

func writeProbe(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
