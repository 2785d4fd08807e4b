package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/urbanreflex/reportflow/internal/observability"
	"github.com/urbanreflex/reportflow/model"
)

func newTestOrchestrator(b *fakeBroker, trig *fakeTrigger, opts ...Option) *Orchestrator {
	return NewOrchestrator(trig, fastPoller(b, 3), NewStatusUpdater(b, nil, nil), opts...)
}

func TestOrchestrator_auto_approves(t *testing.T) {
	b := &fakeBroker{reports: []model.Report{
		classified(0.9, "medium", "low", true, model.StatusAIProcessing),
	}}
	trig := &fakeTrigger{}
	o := newTestOrchestrator(b, trig)

	out, err := o.Run(context.Background(), "urn:ngsi-ld:CitizenReport:1")
	require.NoError(t, err)

	assert.Equal(t, model.StatusAutoApproved, out.Status)
	assert.Equal(t, model.StatusAutoApproved, out.Decision)
	assert.Equal(t, model.OutcomeWritten, out.Result)
	assert.True(t, out.Written)
	assert.Equal(t, 1, trig.callCount())

	calls := b.patchCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "auto_approved", calls[0].Attrs["status"].Value)
	assert.Equal(t,
		"Auto-approved: AI confidence 90%, priority=medium, severity=low, verified=true",
		calls[0].Attrs["autoApprovalReason"].Value)
}

func TestOrchestrator_pending_review(t *testing.T) {
	b := &fakeBroker{reports: []model.Report{
		classified(0.5, "high", "high", false, model.StatusAIProcessing),
	}}
	o := newTestOrchestrator(b, &fakeTrigger{})

	out, err := o.Run(context.Background(), "r1")
	require.NoError(t, err)

	assert.Equal(t, model.StatusPendingReview, out.Status)
	calls := b.patchCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "pending_review", calls[0].Attrs["status"].Value)
	reason, _ := calls[0].Attrs["autoApprovalReason"].Value.(string)
	assert.Contains(t, strings.ToLower(reason), "requires admin approval")
}

func TestOrchestrator_never_classified(t *testing.T) {
	b := &fakeBroker{fetchErr: errors.New("connection refused")}
	trig := &fakeTrigger{err: errors.New("classifier down")}
	store := NewMemoryRunStore()
	o := newTestOrchestrator(b, trig, WithRunStore(store))

	out, err := o.Run(context.Background(), "r1")

	require.ErrorIs(t, err, ErrNotClassified)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, model.OutcomeNotClassified, out.Result)
	assert.Empty(t, b.patchCalls())
	assert.Equal(t, 3, b.fetchCount())

	runs, _ := store.ListByReport(context.Background(), "r1", 0)
	require.Len(t, runs, 1)
	assert.Equal(t, model.OutcomeNotClassified, runs[0].Outcome)
	assert.Equal(t, ErrNotClassified.Error(), runs[0].Error)
}

func TestOrchestrator_skips_write_when_status_current(t *testing.T) {
	b := &fakeBroker{reports: []model.Report{
		classified(0.95, "low", "low", true, model.StatusAutoApproved),
	}}
	o := newTestOrchestrator(b, &fakeTrigger{})

	out, err := o.Run(context.Background(), "r1")
	require.NoError(t, err)

	assert.Equal(t, model.StatusAutoApproved, out.Status)
	assert.Equal(t, model.OutcomeUnchanged, out.Result)
	assert.False(t, out.Written)
	assert.Empty(t, b.patchCalls())
}

func TestOrchestrator_prior_status_guard(t *testing.T) {
	tests := []struct {
		name      string
		current   model.Status
		guard     bool
		wantPatch bool
		wantOut   string
		wantFinal model.Status
	}{
		{"submitted is written", model.StatusSubmitted, true, true, model.OutcomeWritten, model.StatusAutoApproved},
		{"missing status is written", "", true, true, model.OutcomeWritten, model.StatusAutoApproved},
		{"rejected is kept", model.StatusRejected, true, false, model.OutcomeGuarded, model.StatusRejected},
		{"pending review is kept", model.StatusPendingReview, true, false, model.OutcomeGuarded, model.StatusPendingReview},
		{"guard off overwrites", model.StatusRejected, false, true, model.OutcomeWritten, model.StatusAutoApproved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBroker{reports: []model.Report{
				classified(0.9, "low", "medium", true, tt.current),
			}}
			o := newTestOrchestrator(b, &fakeTrigger{}, WithPriorStatusGuard(tt.guard))

			out, err := o.Run(context.Background(), "r1")
			require.NoError(t, err)

			assert.Equal(t, model.StatusAutoApproved, out.Decision)
			assert.Equal(t, tt.wantFinal, out.Status)
			assert.Equal(t, tt.wantOut, out.Result)
			assert.Equal(t, tt.current, out.Previous)
			assert.Equal(t, tt.wantPatch, len(b.patchCalls()) == 1)
		})
	}
}

func TestOrchestrator_write_failure_keeps_decision(t *testing.T) {
	b := &fakeBroker{
		reports:  []model.Report{classified(0.9, "low", "low", true, model.StatusAIProcessing)},
		patchErr: errors.New("broker rejected patch"),
	}
	store := NewMemoryRunStore()
	o := newTestOrchestrator(b, &fakeTrigger{}, WithRunStore(store))

	out, err := o.Run(context.Background(), "r1")
	require.NoError(t, err)

	assert.Equal(t, model.StatusAutoApproved, out.Status)
	assert.False(t, out.Written)
	assert.Equal(t, model.OutcomeWriteFailed, out.Result)

	runs, _ := store.ListByReport(context.Background(), "r1", 0)
	require.Len(t, runs, 1)
	assert.Equal(t, model.OutcomeWriteFailed, runs[0].Outcome)
	assert.Equal(t, model.StatusAutoApproved, runs[0].Decision)
}

func TestOrchestrator_custom_criteria(t *testing.T) {
	b := &fakeBroker{reports: []model.Report{
		classified(0.5, "high", "low", false, model.StatusAIProcessing),
	}}
	o := newTestOrchestrator(b, &fakeTrigger{}, WithCriteria(approvalCriteria(0.4, "high")))

	out, err := o.Run(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAutoApproved, out.Status)
}

func TestOrchestrator_lock_contention(t *testing.T) {
	b := &fakeBroker{reports: []model.Report{classified(0.9, "low", "low", true, model.StatusAIProcessing)}}
	lock := NewMemoryRunLock()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	trig := &fakeTrigger{}
	o := newTestOrchestrator(b, trig, WithRunLock(lock), WithMetrics(metrics))

	_, held, _ := lock.Acquire(context.Background(), "r1", time.Minute)
	require.True(t, held)

	_, err := o.Run(context.Background(), "r1")
	require.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, 0, trig.callCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LockContentionTotal))
}

func TestOrchestrator_releases_lock(t *testing.T) {
	b := &fakeBroker{reports: []model.Report{classified(0.9, "low", "low", true, model.StatusAIProcessing)}}
	lock := NewMemoryRunLock()
	o := newTestOrchestrator(b, &fakeTrigger{}, WithRunLock(lock))

	_, err := o.Run(context.Background(), "r1")
	require.NoError(t, err)

	_, ok, _ := lock.Acquire(context.Background(), "r1", time.Minute)
	assert.True(t, ok, "lock still held after run")
}

func TestOrchestrator_lock_failure_runs_unlocked(t *testing.T) {
	b := &fakeBroker{reports: []model.Report{classified(0.9, "low", "low", true, model.StatusAIProcessing)}}
	o := newTestOrchestrator(b, &fakeTrigger{}, WithRunLock(brokenLock{err: errors.New("redis down")}))

	out, err := o.Run(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, out.Written)
}

func TestOrchestrator_records_metrics(t *testing.T) {
	b := &fakeBroker{reports: []model.Report{
		unclassified(),
		classified(0.9, "low", "low", true, model.StatusAIProcessing),
	}}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	o := newTestOrchestrator(b, &fakeTrigger{}, WithMetrics(metrics))

	_, err := o.Run(context.Background(), "r1")
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RunsTotal.WithLabelValues(model.OutcomeWritten)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("auto_approved")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.RunsActive))
}

func TestOrchestrator_coalesces_concurrent_runs(t *testing.T) {
	b := &fakeBroker{reports: []model.Report{classified(0.9, "low", "low", true, model.StatusAIProcessing)}}
	trig := &fakeTrigger{gate: make(chan struct{}), entered: make(chan struct{}, 2)}
	o := newTestOrchestrator(b, trig)

	var wg sync.WaitGroup
	results := make([]Outcome, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = o.Run(context.Background(), "r1")
		}()
		if i == 0 {
			<-trig.entered
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(trig.gate)
	wg.Wait()

	assert.Equal(t, 1, trig.callCount())
	assert.Len(t, b.patchCalls(), 1)
	assert.Equal(t, results[0], results[1])
}

func TestOrchestrator_RunAsync(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := &fakeBroker{reports: []model.Report{classified(0.9, "low", "low", true, model.StatusAIProcessing)}}
	store := NewMemoryRunStore()
	o := newTestOrchestrator(b, &fakeTrigger{}, WithRunStore(store))

	o.RunAsync("r1")
	o.RunAsync("r2")
	o.Wait()

	assert.Equal(t, 2, store.Len())
	assert.Len(t, b.patchCalls(), 2)
}

func TestOrchestrator_joined_caller_outlives_cancelled_leader(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := &fakeBroker{reports: []model.Report{
		unclassified(),
		unclassified(),
		classified(0.9, "low", "low", true, model.StatusAIProcessing),
	}}
	store := NewMemoryRunStore()
	o := NewOrchestrator(&fakeTrigger{},
		NewPoller(b, pollEvery(5, 30*time.Millisecond), nil),
		NewStatusUpdater(b, nil, nil),
		WithRunStore(store),
	)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := o.Run(leaderCtx, "r1")
		leaderErr <- err
	}()
	time.Sleep(5 * time.Millisecond)

	type result struct {
		out Outcome
		err error
	}
	joined := make(chan result, 1)
	go func() {
		out, err := o.Run(context.Background(), "r1")
		joined <- result{out, err}
	}()

	time.Sleep(15 * time.Millisecond)
	cancelLeader()
	require.ErrorIs(t, <-leaderErr, context.Canceled)

	res := <-joined
	require.NoError(t, res.err)
	assert.Equal(t, model.StatusAutoApproved, res.out.Decision)
	assert.Equal(t, model.OutcomeWritten, res.out.Result)
	assert.Equal(t, 3, res.out.Attempts)
	assert.Len(t, b.patchCalls(), 1)

	o.Wait()
	runs, _ := store.ListByReport(context.Background(), "r1", 0)
	require.Len(t, runs, 1)
	assert.Equal(t, model.OutcomeWritten, runs[0].Outcome)
}

func TestOrchestrator_run_finishes_after_caller_deadline(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := &fakeBroker{reports: []model.Report{
		unclassified(),
		classified(0.9, "low", "low", true, model.StatusAIProcessing),
	}}
	store := NewMemoryRunStore()
	o := NewOrchestrator(&fakeTrigger{},
		NewPoller(b, pollEvery(3, 40*time.Millisecond), nil),
		NewStatusUpdater(b, nil, nil),
		WithRunStore(store),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := o.Run(ctx, "r1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	o.Wait()
	assert.Len(t, b.patchCalls(), 1)
	runs, _ := store.ListByReport(context.Background(), "r1", 0)
	require.Len(t, runs, 1)
	assert.Equal(t, model.OutcomeWritten, runs[0].Outcome)
}

func TestOrchestrator_RunAsync_cancelled_base_context(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	b := &fakeBroker{reports: []model.Report{unclassified()}}
	o := NewOrchestrator(&fakeTrigger{},
		NewPoller(b, pollEvery(10, time.Hour), nil),
		NewStatusUpdater(b, nil, nil),
		WithBaseContext(ctx),
	)

	o.RunAsync("r1")
	time.Sleep(20 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() { o.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async run did not stop after base context cancellation")
	}
	assert.Empty(t, b.patchCalls())
}

func TestOrchestrator_RunAsync_recovers_panic(t *testing.T) {
	defer goleak.VerifyNone(t)

	o := NewOrchestrator(panicTrigger{}, fastPoller(&fakeBroker{}, 1), NewStatusUpdater(&fakeBroker{}, nil, nil))
	o.RunAsync("r1")
	o.Wait()

	_, err := o.Run(context.Background(), "r2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run panicked")
}

type panicTrigger struct{}

func (panicTrigger) Trigger(context.Context, string) error { panic("boom") }
