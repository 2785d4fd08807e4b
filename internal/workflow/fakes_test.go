package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/urbanreflex/reportflow/internal/approval"
	"github.com/urbanreflex/reportflow/internal/config"
	"github.com/urbanreflex/reportflow/internal/ngsild"
	"github.com/urbanreflex/reportflow/model"
)

type patchCall struct {
	ID    string
	Attrs ngsild.Attributes
}

// fakeBroker serves reports in sequence (the last one repeats) and records
// patches.
type fakeBroker struct {
	mu       sync.Mutex
	reports  []model.Report
	fetchErr error
	patchErr error
	fetches  int
	patches  []patchCall
}

func (b *fakeBroker) FetchEntity(_ context.Context, id string) (model.Report, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fetches++
	if b.fetchErr != nil {
		return model.Report{}, b.fetchErr
	}
	if len(b.reports) == 0 {
		return model.Report{}, &ngsild.Error{Code: model.ErrNotFound, Op: ngsild.OpFetch, EntityID: id}
	}
	i := min(b.fetches, len(b.reports)) - 1
	r := b.reports[i]
	r.ID = id
	return r, nil
}

func (b *fakeBroker) PatchAttributes(_ context.Context, id string, attrs ngsild.Attributes) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.patches = append(b.patches, patchCall{ID: id, Attrs: attrs})
	return b.patchErr
}

func (b *fakeBroker) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

func (b *fakeBroker) patchCalls() []patchCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]patchCall(nil), b.patches...)
}

type fakeTrigger struct {
	mu    sync.Mutex
	calls int
	err   error
	// gate, when set, blocks Trigger until closed. entered is signalled on
	// each call.
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeTrigger) Trigger(context.Context, string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	return f.err
}

func (f *fakeTrigger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func ptr(f float64) *float64 { return &f }

func unclassified() model.Report {
	return model.Report{Status: model.StatusAIProcessing}
}

func classified(conf float64, priority, severity string, verified bool, status model.Status) model.Report {
	return model.Report{
		Status:             status,
		Category:           "pothole",
		CategoryConfidence: ptr(conf),
		Priority:           priority,
		Severity:           severity,
		Verified:           verified,
	}
}

// brokenLock fails every call.
type brokenLock struct{ err error }

func (l brokenLock) Acquire(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, l.err
}

func (l brokenLock) Release(context.Context, string, string) error { return l.err }

func pollEvery(attempts int, interval time.Duration) config.PollConfig {
	return config.PollConfig{MaxAttempts: attempts, Interval: interval}
}

func approvalCriteria(minConfidence float64, priorities ...string) approval.Criteria {
	c := approval.DefaultCriteria()
	c.MinConfidence = minConfidence
	c.AllowedPriorities = append(c.AllowedPriorities, priorities...)
	c.RequiresImage = false
	return c
}
