package classifier

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/urbanreflex/reportflow/internal/config"
	"github.com/urbanreflex/reportflow/internal/observability"
)

func TestHTTPTrigger_posts(t *testing.T) {
	var gotMethod, gotPath, gotAccept string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		gotBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"status":"queued"}`)
	}))
	defer srv.Close()

	metrics := observability.InitMetrics(prometheus.NewRegistry())
	trig := NewHTTPTrigger(config.ClassifierConfig{BaseURL: srv.URL + "/api/v1/citizen-reports/"}, metrics, nil)

	if err := trig.Trigger(context.Background(), "urn:ngsi-ld:CitizenReport:7"); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotPath != "/api/v1/citizen-reports/classify/urn:ngsi-ld:CitizenReport:7" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q, want application/json", gotAccept)
	}
	if len(gotBody) != 0 {
		t.Errorf("body = %q, want empty", gotBody)
	}
	if got := testutil.ToFloat64(metrics.ClassifierTriggersTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok triggers = %v, want 1", got)
	}
}

func TestHTTPTrigger_non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	metrics := observability.InitMetrics(prometheus.NewRegistry())
	trig := NewHTTPTrigger(config.ClassifierConfig{BaseURL: srv.URL}, metrics, nil)

	if err := trig.Trigger(context.Background(), "r1"); err == nil {
		t.Fatal("Trigger() error = nil, want error for 503")
	}
	if got := testutil.ToFloat64(metrics.ClassifierTriggersTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("error triggers = %v, want 1", got)
	}
}

func TestHTTPTrigger_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	trig := NewHTTPTrigger(config.ClassifierConfig{BaseURL: base}, nil, nil)
	if err := trig.Trigger(context.Background(), "r1"); err == nil {
		t.Fatal("Trigger() error = nil, want transport error")
	}
}
