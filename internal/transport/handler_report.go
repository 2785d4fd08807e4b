package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/urbanreflex/reportflow/internal/approval"
	"github.com/urbanreflex/reportflow/internal/observability"
	"github.com/urbanreflex/reportflow/internal/workflow"
	"github.com/urbanreflex/reportflow/model"
)

// maxBodyBytes caps request bodies on the report endpoints.
const maxBodyBytes = 1 << 20

// WorkflowRunner runs the classification workflow.
type WorkflowRunner interface {
	Run(ctx context.Context, reportID string) (workflow.Outcome, error)
	RunAsync(reportID string)
}

// ReportReader reads a decoded report from the broker.
type ReportReader interface {
	FetchEntity(ctx context.Context, id string) (model.Report, error)
}

// StatusApplier writes a status change to the broker.
type StatusApplier interface {
	Apply(ctx context.Context, reportID string, status model.Status, reason string) error
}

type processRequest struct {
	ReportID string `json:"reportId"`
}

type processResponse struct {
	Success     bool         `json:"success"`
	ReportID    string       `json:"reportId"`
	FinalStatus model.Status `json:"finalStatus"`
	Decision    model.Status `json:"decision"`
	Outcome     string       `json:"outcome"`
	Written     bool         `json:"written"`
	Attempts    int          `json:"attempts"`
	Message     string       `json:"message"`
}

type reportView struct {
	model.Report
	Public bool `json:"public"`
}

type runsResponse struct {
	ReportID string            `json:"reportId"`
	Runs     []model.RunRecord `json:"runs"`
}

type statusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type statusResponse struct {
	ReportID       string       `json:"reportId"`
	PreviousStatus model.Status `json:"previousStatus"`
	Status         model.Status `json:"status"`
	Public         bool         `json:"public"`
}

type reportHandlers struct {
	workflow WorkflowRunner
	reports  ReportReader
	status   StatusApplier
	runs     workflow.RunStore
	logger   *zap.Logger
}

// handleProcess runs the workflow and waits for the decision.
func (h *reportHandlers) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "Request body must be a JSON object")
		return
	}
	reportID := strings.TrimSpace(req.ReportID)
	if reportID == "" {
		WriteBadRequest(w, "reportId is required")
		return
	}

	out, err := h.workflow.Run(r.Context(), reportID)
	switch {
	case errors.Is(err, workflow.ErrNotClassified):
		WriteError(w, model.NewClassificationTimeoutError(reportID))
		return
	case errors.Is(err, workflow.ErrRunInProgress):
		WriteError(w, model.NewRunInProgressError(reportID))
		return
	case errors.Is(err, context.DeadlineExceeded):
		// The run goes on in the background and records its own outcome.
		WriteError(w, model.NewClassificationTimeoutError(reportID))
		return
	case errors.Is(err, context.Canceled):
		observability.LoggerFrom(r.Context(), h.logger).Debug("caller left before the run finished",
			zap.String("report_id", reportID))
		return
	case err != nil:
		observability.LoggerFrom(r.Context(), h.logger).Error("workflow run failed",
			zap.String("report_id", reportID), zap.Error(err))
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, processResponse{
		Success:     true,
		ReportID:    reportID,
		FinalStatus: out.Status,
		Decision:    out.Decision,
		Outcome:     out.Result,
		Written:     out.Written,
		Attempts:    out.Attempts,
		Message:     outcomeMessage(out),
	})
}

// handleProcessAsync starts the workflow and returns immediately.
func (h *reportHandlers) handleProcessAsync(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportId")
	h.workflow.RunAsync(reportID)
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"reportId": reportID,
	})
}

func (h *reportHandlers) handleGetReport(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportId")
	report, err := h.reports.FetchEntity(r.Context(), reportID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, reportView{Report: report, Public: report.Status.IsPublic()})
}

func (h *reportHandlers) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportId")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs := []model.RunRecord{}
	if h.runs != nil {
		var err error
		runs, err = h.runs.ListByReport(r.Context(), reportID, limit)
		if err != nil {
			observability.LoggerFrom(r.Context(), h.logger).Error("list runs failed",
				zap.String("report_id", reportID), zap.Error(err))
			WriteError(w, err)
			return
		}
	}
	WriteJSON(w, http.StatusOK, runsResponse{ReportID: reportID, Runs: runs})
}

// handleSetStatus applies an admin status transition.
func (h *reportHandlers) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportId")

	var req statusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteBadRequest(w, "Request body must be a JSON object")
		return
	}
	target, err := model.ParseStatus(req.Status)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	report, err := h.reports.FetchEntity(r.Context(), reportID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if !approval.CanTransition(report.Status, target, true) {
		WriteError(w, model.NewInvalidTransitionError(
			fmt.Sprintf("cannot move report from %q to %q", report.Status, target)))
		return
	}

	if err := h.status.Apply(r.Context(), reportID, target, strings.TrimSpace(req.Reason)); err != nil {
		observability.LoggerFrom(r.Context(), h.logger).Error("status transition failed",
			zap.String("report_id", reportID),
			zap.String("status", string(target)),
			zap.Error(err),
		)
		WriteError(w, err)
		return
	}

	subject := ""
	if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
		subject = rctx.SubjectID
	}
	observability.LoggerFrom(r.Context(), h.logger).Info("status changed",
		zap.String("report_id", reportID),
		zap.String("from", string(report.Status)),
		zap.String("to", string(target)),
		zap.String("subject_id", subject),
	)

	WriteJSON(w, http.StatusOK, statusResponse{
		ReportID:       reportID,
		PreviousStatus: report.Status,
		Status:         target,
		Public:         target.IsPublic(),
	})
}

func outcomeMessage(out workflow.Outcome) string {
	switch out.Result {
	case model.OutcomeWritten:
		return fmt.Sprintf("Report moved to %s", out.Status)
	case model.OutcomeUnchanged:
		return fmt.Sprintf("Report already %s", out.Status)
	case model.OutcomeGuarded:
		return fmt.Sprintf("Report is %s; decision %s not applied", out.Status, out.Decision)
	case model.OutcomeWriteFailed:
		return fmt.Sprintf("Decided %s but the status update failed", out.Decision)
	}
	return ""
}
