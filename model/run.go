package model

import "time"

// Run outcomes recorded in the run history.
const (
	OutcomeWritten       = "written"
	OutcomeUnchanged     = "unchanged"
	OutcomeGuarded       = "guarded"
	OutcomeWriteFailed   = "write_failed"
	OutcomeNotClassified = "not_classified"
)

// RunRecord is one classification workflow run for a report.
type RunRecord struct {
	ID          string    `json:"id"`
	ReportID    string    `json:"report_id"`
	Outcome     string    `json:"outcome"`
	Decision    Status    `json:"decision,omitempty"`
	FinalStatus Status    `json:"final_status,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Attempts    int       `json:"attempts"`
	Written     bool      `json:"written"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}
