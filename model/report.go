package model

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a citizen report.
type Status string

// Report statuses. The authoritative value lives in the context broker.
const (
	StatusSubmitted     Status = "submitted"
	StatusAIProcessing  Status = "ai_processing"
	StatusAutoApproved  Status = "auto_approved"
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusResolved      Status = "resolved"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusSubmitted,
	StatusAIProcessing,
	StatusAutoApproved,
	StatusPendingReview,
	StatusApproved,
	StatusRejected,
	StatusResolved,
}

// ParseStatus converts a raw string into a Status. Unknown values are
// rejected.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown report status %q", s)
}

// IsPublic reports whether a report in this status is shown on the public map.
func (s Status) IsPublic() bool {
	switch s {
	case StatusAutoApproved, StatusApproved, StatusResolved:
		return true
	}
	return false
}

// AwaitingClassification reports whether the status precedes the
// classification decision.
func (s Status) AwaitingClassification() bool {
	return s == StatusSubmitted || s == StatusAIProcessing
}

// Unassigned is the priority/severity value used when the classifier left the
// field empty.
const Unassigned = "unassigned"

// Report is a citizen report entity decoded from the context broker. Property
// envelopes are already unwrapped; every field is a plain value.
type Report struct {
	ID                 string    `json:"id"`
	Type               string    `json:"type,omitempty"`
	Status             Status    `json:"status,omitempty"`
	Category           string    `json:"category,omitempty"`
	CategoryConfidence *float64  `json:"categoryConfidence,omitempty"`
	Priority           string    `json:"priority,omitempty"`
	Severity           string    `json:"severity,omitempty"`
	Verified           bool      `json:"verified"`
	ImageURLs          []string  `json:"imageUrl,omitempty"`
	DateModified       time.Time `json:"dateModified,omitzero"`
	AutoApprovalReason string    `json:"autoApprovalReason,omitempty"`
}

// Classified reports whether category, confidence and priority have all
// landed. The classifier writes them together, so a partial set means the
// write is still in flight.
func (r Report) Classified() bool {
	return r.Category != "" && r.CategoryConfidence != nil && r.Priority != ""
}

// Confidence returns the category confidence, or 0 when absent.
func (r Report) Confidence() float64 {
	if r.CategoryConfidence == nil {
		return 0
	}
	return *r.CategoryConfidence
}
