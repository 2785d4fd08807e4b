// Package workflow drives a citizen report from classification request to its
// post-classification status: trigger the classifier, wait for its fields to
// land in the broker, apply the approval policy and write the decision.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/urbanreflex/reportflow/internal/approval"
	"github.com/urbanreflex/reportflow/internal/classifier"
	"github.com/urbanreflex/reportflow/internal/observability"
	"github.com/urbanreflex/reportflow/model"
)

var (
	// ErrNotClassified is returned when the classifier's fields did not all
	// appear within the poll budget. The report keeps its current status.
	ErrNotClassified = errors.New("workflow: classification did not converge")

	// ErrRunInProgress is returned when another replica holds the report's
	// run lock.
	ErrRunInProgress = errors.New("workflow: run already in progress")
)

// lockMargin is added to the poll ceiling to size the run lock.
const lockMargin = 30 * time.Second

// Outcome describes a finished run.
type Outcome struct {
	ReportID string
	// Decision is the status the approval policy chose.
	Decision model.Status
	// Status is the report's status after the run: the decision, or the
	// untouched current status when the prior-status guard skipped the write.
	Status   model.Status
	Previous model.Status
	Reason   string
	Result   string
	Written  bool
	Attempts int
}

// Orchestrator runs the classification workflow.
type Orchestrator struct {
	trigger  classifier.Trigger
	poller   *Poller
	updater  *StatusUpdater
	criteria approval.Criteria
	guard    bool

	lock    RunLock
	lockTTL time.Duration
	runs    RunStore

	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time

	group    singleflight.Group
	baseCtx  context.Context
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCriteria replaces the default approval criteria.
func WithCriteria(c approval.Criteria) Option {
	return func(o *Orchestrator) { o.criteria = c }
}

// WithPriorStatusGuard controls whether decisions may overwrite a status that
// is no longer awaiting classification. Enabled by default.
func WithPriorStatusGuard(enabled bool) Option {
	return func(o *Orchestrator) { o.guard = enabled }
}

// WithRunLock sets the cross-replica run lock.
func WithRunLock(l RunLock) Option {
	return func(o *Orchestrator) { o.lock = l }
}

// WithLockTTL overrides the lock lease duration.
func WithLockTTL(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.lockTTL = d
		}
	}
}

// WithRunStore records every run.
func WithRunStore(s RunStore) Option {
	return func(o *Orchestrator) { o.runs = s }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithBaseContext sets the context async runs inherit. Cancelling it stops
// in-flight polls.
func WithBaseContext(ctx context.Context) Option {
	return func(o *Orchestrator) { o.baseCtx = ctx }
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(trigger classifier.Trigger, poller *Poller, updater *StatusUpdater, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		trigger:  trigger,
		poller:   poller,
		updater:  updater,
		criteria: approval.DefaultCriteria(),
		guard:    true,
		lockTTL:  poller.Ceiling() + lockMargin,
		logger:   zap.NewNop(),
		now:      time.Now,
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// Run executes the workflow for one report and returns the decision.
// Concurrent calls for the same report share a single run. The shared run is
// detached from any one caller: it keeps the caller's values (trace, logger)
// but is cancelled only by the base context. A caller whose ctx ends first
// gets ctx.Err() while the run completes and records its outcome.
// ErrNotClassified comes with an Outcome that still carries the attempt count.
func (o *Orchestrator) Run(ctx context.Context, reportID string) (Outcome, error) {
	o.inflight.Add(1)
	ch := o.group.DoChan(reportID, func() (v any, err error) {
		// DoChan re-panics on a fresh goroutine, out of every caller's reach.
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("workflow run panicked",
					zap.String("report_id", reportID),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				v, err = Outcome{ReportID: reportID}, fmt.Errorf("workflow: run panicked: %v", r)
			}
		}()

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(o.baseCtx, cancel)
		defer stop()
		return o.run(runCtx, reportID)
	})

	select {
	case res := <-ch:
		o.inflight.Done()
		if res.Shared {
			o.logger.Debug("joined in-flight run", zap.String("report_id", reportID))
		}
		out, _ := res.Val.(Outcome)
		return out, res.Err
	case <-ctx.Done():
		go func() {
			<-ch
			o.inflight.Done()
		}()
		return Outcome{ReportID: reportID}, ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, reportID string) (out Outcome, err error) {
	out.ReportID = reportID
	logger := observability.ReportLogger(ctx, o.logger, reportID)

	ctx, span := observability.StartSpan(ctx, "workflow.run",
		observability.AttrReportID.String(reportID),
	)
	defer func() {
		span.SetAttributes(
			observability.AttrOutcome.String(out.Result),
			observability.AttrDecision.String(string(out.Decision)),
		)
		observability.EndSpanWithError(span, err)
	}()

	release, err := o.acquire(ctx, reportID, logger)
	if err != nil {
		return out, err
	}
	defer release()

	started := o.now()
	o.metrics.RecordRunStart()
	defer func() {
		o.metrics.RecordRunCompletion(out.Result, out.Attempts, o.now().Sub(started))
		o.record(ctx, out, err, started, logger)
	}()

	// 1. Ask for classification; the poll below decides whether it worked.
	if terr := o.trigger.Trigger(ctx, reportID); terr != nil {
		logger.Warn("classification trigger failed", zap.Error(terr))
	}

	// 2. Wait for the classifier's fields to land.
	res := o.poller.Poll(ctx, reportID)
	out.Attempts = res.Attempts
	if !res.Classified {
		out.Result = model.OutcomeNotClassified
		out.Previous = res.Report.Status
		out.Status = res.Report.Status
		logger.Warn("classification did not converge", zap.Int("attempts", res.Attempts))
		return out, ErrNotClassified
	}

	// 3-4. Decide.
	signals := approval.SignalsFromReport(res.Report)
	eval := approval.Evaluate(signals, o.criteria)
	target := eval.Status()
	current := res.Report.Status

	out.Decision = target
	out.Status = target
	out.Previous = current
	o.metrics.RecordDecision(string(target))

	// 5. Skip writes that would change nothing or overwrite a human decision.
	if current == target {
		out.Result = model.OutcomeUnchanged
		logger.Info("status already current", zap.String("status", string(target)))
		return out, nil
	}
	if o.guard && !awaitingClassification(current) {
		out.Result = model.OutcomeGuarded
		out.Status = current
		logger.Info("status moved on, decision not written",
			zap.String("current", string(current)),
			zap.String("decision", string(target)),
		)
		return out, nil
	}

	// 6. Write the decision.
	out.Reason = approval.Reason(signals, eval)
	out.Written = o.updater.Update(ctx, reportID, target, out.Reason)
	if out.Written {
		out.Result = model.OutcomeWritten
	} else {
		out.Result = model.OutcomeWriteFailed
	}

	logger.Info("report classified",
		zap.String("decision", string(target)),
		zap.String("failed_check", string(eval.Failed)),
		zap.Bool("written", out.Written),
		zap.Int("attempts", out.Attempts),
	)

	// 7. The decision stands even if the write failed.
	return out, nil
}

// acquire takes the run lock when one is configured. A lock backend failure
// is logged and the run continues unlocked.
func (o *Orchestrator) acquire(ctx context.Context, reportID string, logger *zap.Logger) (func(), error) {
	if o.lock == nil {
		return func() {}, nil
	}

	token, ok, err := o.lock.Acquire(ctx, reportID, o.lockTTL)
	if err != nil {
		logger.Warn("run lock unavailable, continuing unlocked", zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		o.metrics.RecordLockContention()
		return nil, ErrRunInProgress
	}

	return func() {
		if err := o.lock.Release(context.WithoutCancel(ctx), reportID, token); err != nil {
			logger.Warn("run lock release failed", zap.Error(err))
		}
	}, nil
}

func (o *Orchestrator) record(ctx context.Context, out Outcome, runErr error, started time.Time, logger *zap.Logger) {
	if o.runs == nil {
		return
	}
	rec := model.RunRecord{
		ID:          uuid.NewString(),
		ReportID:    out.ReportID,
		Outcome:     out.Result,
		Decision:    out.Decision,
		FinalStatus: out.Status,
		Reason:      out.Reason,
		Attempts:    out.Attempts,
		Written:     out.Written,
		StartedAt:   started.UTC(),
		FinishedAt:  o.now().UTC(),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := o.runs.Save(context.WithoutCancel(ctx), rec); err != nil {
		logger.Error("save run record failed", zap.Error(err))
	}
}

// RunAsync starts a run in the background and returns immediately. The run
// uses the orchestrator's base context. Errors and panics are logged.
func (o *Orchestrator) RunAsync(reportID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("workflow run panicked",
					zap.String("report_id", reportID),
					zap.String("panic", fmt.Sprint(r)),
				)
			}
		}()

		out, err := o.Run(o.baseCtx, reportID)
		if err != nil {
			o.logger.Warn("async workflow run ended without decision",
				zap.String("report_id", reportID),
				zap.Int("attempts", out.Attempts),
				zap.Error(err),
			)
			return
		}
		o.logger.Debug("async workflow run finished",
			zap.String("report_id", reportID),
			zap.String("status", string(out.Status)),
			zap.String("outcome", out.Result),
		)
	}()
}

// Wait blocks until every RunAsync goroutine and every shared run has
// returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
	o.inflight.Wait()
}

// Runs returns the configured run store, or nil.
func (o *Orchestrator) Runs() RunStore {
	return o.runs
}

// awaitingClassification treats a missing status as not yet classified.
func awaitingClassification(s model.Status) bool {
	return s == "" || s.AwaitingClassification()
}
