package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/urbanreflex/reportflow/internal/ngsild"
	"github.com/urbanreflex/reportflow/internal/observability"
	"github.com/urbanreflex/reportflow/model"
)

// AttributePatcher applies a partial update to a broker entity.
type AttributePatcher interface {
	PatchAttributes(ctx context.Context, id string, attrs ngsild.Attributes) error
}

// StatusUpdater writes a report's status, modification time and optional
// reason in one patch.
type StatusUpdater struct {
	patcher AttributePatcher
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewStatusUpdater creates a status updater.
func NewStatusUpdater(patcher AttributePatcher, metrics *observability.Metrics, logger *zap.Logger) *StatusUpdater {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusUpdater{
		patcher: patcher,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Apply patches the status and returns the broker error, if any.
func (u *StatusUpdater) Apply(ctx context.Context, reportID string, status model.Status, reason string) error {
	attrs := ngsild.Attributes{
		"status":       ngsild.Property(string(status)),
		"dateModified": ngsild.DateTimeProperty(u.now()),
	}
	if reason != "" {
		attrs["autoApprovalReason"] = ngsild.Property(reason)
	}

	if err := u.patcher.PatchAttributes(ctx, reportID, attrs); err != nil {
		u.metrics.RecordStatusWrite(string(status), "error")
		return err
	}
	u.metrics.RecordStatusWrite(string(status), "ok")
	return nil
}

// Update is Apply for callers that only need to know whether the write
// landed. Failures are logged.
func (u *StatusUpdater) Update(ctx context.Context, reportID string, status model.Status, reason string) bool {
	if err := u.Apply(ctx, reportID, status, reason); err != nil {
		observability.LoggerFrom(ctx, u.logger).Error("status update failed",
			zap.String("report_id", reportID),
			zap.String("status", string(status)),
			zap.String("code", model.CodeOf(err)),
			zap.Error(err),
		)
		return false
	}
	return true
}
