// Package classifier asks the AI backend to classify a citizen report. The
// backend writes its results to the context broker on its own schedule; the
// trigger never waits for them.
package classifier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/urbanreflex/reportflow/internal/config"
	"github.com/urbanreflex/reportflow/internal/observability"
)

// Trigger requests classification of one report.
type Trigger interface {
	Trigger(ctx context.Context, reportID string) error
}

// HTTPTrigger posts to {base}/classify/{id}.
type HTTPTrigger struct {
	baseURL string
	client  *http.Client
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewHTTPTrigger creates a trigger for the classifier at baseURL.
func NewHTTPTrigger(cfg config.ClassifierConfig, metrics *observability.Metrics, logger *zap.Logger) *HTTPTrigger {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTrigger{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		metrics: metrics,
		logger:  logger,
	}
}

// Trigger sends the classification request. The response body is drained and
// ignored. A non-2xx status or transport failure is returned for logging.
func (t *HTTPTrigger) Trigger(ctx context.Context, reportID string) (err error) {
	ctx, span := observability.StartSpan(ctx, "classifier.trigger",
		observability.AttrReportID.String(reportID),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		if err != nil {
			t.metrics.RecordClassifierTrigger("error")
		} else {
			t.metrics.RecordClassifierTrigger("ok")
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/classify/"+url.PathEscape(reportID), nil)
	if err != nil {
		return fmt.Errorf("classifier: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("classifier: trigger %s: %w", reportID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("classifier: trigger %s: unexpected status %d", reportID, resp.StatusCode)
	}

	t.logger.Debug("classification requested", zap.String("report_id", reportID))
	return nil
}
