package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/urbanreflex/reportflow/internal/config"
	"github.com/urbanreflex/reportflow/internal/observability"
	"github.com/urbanreflex/reportflow/model"
)

// Poll defaults.
const (
	DefaultMaxAttempts  = 10
	DefaultPollInterval = 2 * time.Second
)

// EntityFetcher reads a report from the context broker.
type EntityFetcher interface {
	FetchEntity(ctx context.Context, id string) (model.Report, error)
}

// PollResult is the outcome of waiting for classification.
type PollResult struct {
	// Report is the last successfully fetched entity. When Classified is
	// true it carries the full classification.
	Report     model.Report
	Attempts   int
	Classified bool
}

// Poller re-reads a report until the classifier's fields have all landed.
type Poller struct {
	fetcher     EntityFetcher
	maxAttempts int
	interval    time.Duration
	logger      *zap.Logger
}

// NewPoller creates a poller. Non-positive settings fall back to 10
// attempts every 2s; a zero interval is kept when MaxAttempts is set.
func NewPoller(fetcher EntityFetcher, cfg config.PollConfig, logger *zap.Logger) *Poller {
	p := &Poller{
		fetcher:     fetcher,
		maxAttempts: cfg.MaxAttempts,
		interval:    cfg.Interval,
		logger:      logger,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxAttempts
		p.interval = DefaultPollInterval
	}
	if p.interval < 0 {
		p.interval = 0
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Ceiling returns the longest a poll can wait between attempts.
func (p *Poller) Ceiling() time.Duration {
	return time.Duration(p.maxAttempts) * p.interval
}

// Poll fetches the report up to maxAttempts times. Fetch errors are logged
// and retried. It returns as soon as the report is classified, never sleeps
// after the final attempt and stops early when ctx is done.
func (p *Poller) Poll(ctx context.Context, reportID string) PollResult {
	ctx, span := observability.StartSpan(ctx, "workflow.poll",
		observability.AttrReportID.String(reportID),
	)
	defer span.End()

	var result PollResult
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		result.Attempts = attempt

		report, err := p.fetcher.FetchEntity(ctx, reportID)
		switch {
		case err != nil:
			p.logger.Warn("poll fetch failed",
				zap.String("report_id", reportID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		case report.Classified():
			result.Report = report
			result.Classified = true
			span.SetAttributes(observability.AttrAttempts.Int(attempt))
			return result
		default:
			result.Report = report
		}

		if attempt == p.maxAttempts {
			break
		}
		if !sleep(ctx, p.interval) {
			p.logger.Debug("poll cancelled",
				zap.String("report_id", reportID),
				zap.Int("attempt", attempt),
			)
			break
		}
	}

	span.SetAttributes(observability.AttrAttempts.Int(result.Attempts))
	return result
}

// sleep waits for d or until ctx is done. It reports whether the full
// interval elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if err := ctx.Err(); err != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
