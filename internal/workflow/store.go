package workflow

import (
	"context"

	"github.com/urbanreflex/reportflow/model"
)

// RunStore persists the history of classification runs.
type RunStore interface {
	// Save records a finished run.
	Save(ctx context.Context, run model.RunRecord) error

	// ListByReport returns the most recent runs for a report, newest first.
	// A non-positive limit selects DefaultListLimit; limits above
	// MaxListLimit are clamped.
	ListByReport(ctx context.Context, reportID string, limit int) ([]model.RunRecord, error)
}

// Run history listing bounds.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
