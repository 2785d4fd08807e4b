// Package approval decides whether a classified citizen report can be
// published without human review, and which status transitions are allowed.
// Everything here is pure: no I/O, no clocks, no shared state.
package approval

import (
	"fmt"
	"slices"
	"strings"

	"github.com/urbanreflex/reportflow/internal/config"
	"github.com/urbanreflex/reportflow/model"
)

// Signals are the classification outputs the policy looks at.
type Signals struct {
	CategoryConfidence float64
	Priority           string
	Severity           string
	Verified           bool
	ImageURLs          []string
}

// HasEvidence reports whether the report carries photographic proof.
func (s Signals) HasEvidence() bool {
	return s.Verified || len(s.ImageURLs) > 0
}

// SignalsFromReport extracts policy signals from a decoded report. Missing
// confidence becomes 0, missing priority or severity becomes "unassigned".
func SignalsFromReport(r model.Report) Signals {
	return Signals{
		CategoryConfidence: r.Confidence(),
		Priority:           orUnassigned(r.Priority),
		Severity:           orUnassigned(r.Severity),
		Verified:           r.Verified || len(r.ImageURLs) > 0,
		ImageURLs:          r.ImageURLs,
	}
}

// Criteria configure the auto-approval gate.
type Criteria struct {
	MinConfidence     float64
	AllowedPriorities []string
	AllowedSeverities []string
	RequiresImage     bool
}

// DefaultCriteria returns the conservative production gate.
func DefaultCriteria() Criteria {
	return Criteria{
		MinConfidence:     0.7,
		AllowedPriorities: []string{"low", "medium"},
		AllowedSeverities: []string{"low", "medium"},
		RequiresImage:     true,
	}
}

// CriteriaFromConfig converts the YAML approval section into Criteria.
func CriteriaFromConfig(cfg config.ApprovalConfig) Criteria {
	return Criteria{
		MinConfidence:     cfg.MinConfidence,
		AllowedPriorities: lowerAll(cfg.AllowedPriorities),
		AllowedSeverities: lowerAll(cfg.AllowedSeverities),
		RequiresImage:     cfg.RequiresImage,
	}
}

// Check names one gate of the policy.
type Check string

// Policy checks, in evaluation order.
const (
	CheckConfidence Check = "confidence"
	CheckPriority   Check = "priority"
	CheckSeverity   Check = "severity"
	CheckEvidence   Check = "evidence"
)

// Evaluation is the result of running the policy. Failed and Detail are set
// only when Approved is false and name the first gate that rejected.
type Evaluation struct {
	Approved bool
	Failed   Check
	Detail   string
}

// Status maps the evaluation to the post-classification status.
func (e Evaluation) Status() model.Status {
	if e.Approved {
		return model.StatusAutoApproved
	}
	return model.StatusPendingReview
}

// Evaluate runs the gates in order and stops at the first failure.
func Evaluate(s Signals, c Criteria) Evaluation {
	// Written so NaN and values above 1 fail the gate.
	if conf := s.CategoryConfidence; !(conf >= c.MinConfidence && conf <= 1) {
		return reject(CheckConfidence, "confidence %v not in [%v, 1]", conf, c.MinConfidence)
	}

	priority := normalize(s.Priority)
	if !containsFold(c.AllowedPriorities, priority) {
		return reject(CheckPriority, "priority %q not in %v", priority, c.AllowedPriorities)
	}

	severity := normalize(s.Severity)
	if !containsFold(c.AllowedSeverities, severity) {
		return reject(CheckSeverity, "severity %q not in %v", severity, c.AllowedSeverities)
	}

	if c.RequiresImage && !s.HasEvidence() {
		return reject(CheckEvidence, "no verified flag or image attached")
	}

	return Evaluation{Approved: true}
}

// ShouldAutoApprove reports whether every gate passes.
func ShouldAutoApprove(s Signals, c Criteria) bool {
	return Evaluate(s, c).Approved
}

// DecideStatus applies the default criteria and returns auto_approved or
// pending_review.
func DecideStatus(s Signals) model.Status {
	return DecideStatusWith(s, DefaultCriteria())
}

// DecideStatusWith applies the given criteria.
func DecideStatusWith(s Signals, c Criteria) model.Status {
	return Evaluate(s, c).Status()
}

// Reason is the human-readable explanation stored with a status change.
func Reason(s Signals, e Evaluation) string {
	if !e.Approved {
		return "Pending review: Requires admin approval"
	}
	return fmt.Sprintf("Auto-approved: AI confidence %.0f%%, priority=%s, severity=%s, verified=%t",
		s.CategoryConfidence*100, normalize(s.Priority), normalize(s.Severity), s.HasEvidence())
}

func reject(check Check, format string, args ...any) Evaluation {
	return Evaluation{Failed: check, Detail: fmt.Sprintf(format, args...)}
}

func containsFold(values []string, v string) bool {
	return slices.ContainsFunc(values, func(allowed string) bool { return strings.EqualFold(allowed, v) })
}

// lowerAll returns a lowercased copy, matching how signals are normalized.
func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func normalize(v string) string {
	return strings.ToLower(orUnassigned(v))
}

func orUnassigned(v string) string {
	if v == "" {
		return model.Unassigned
	}
	return v
}
