package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/lifecycle"
	"github.com/chen-liangping/Omni/internal/repository/memory"
	"github.com/chen-liangping/Omni/internal/service/release"
	"github.com/chen-liangping/Omni/pkg/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestSchedulerActivatesScheduledBinding(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	now := start
	clock := func() time.Time { return now }

	store := memory.New()
	if err := store.CreateProject(ctx, &domain.Project{ID: "omni", Name: "Omni", RepoURL: "r", Environments: []string{"stg"}}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := store.CreateEnvironment(ctx, &domain.EnvironmentState{ProjectID: "omni", Environment: "stg"}); err != nil {
		t.Fatalf("create environment: %v", err)
	}
	svc := release.New(store, store, store, store, nil, nil, discardLogger(), nil).WithClock(clock)
	if _, err := svc.Plan(ctx, "omni", "stg", release.PlanInput{Branch: "main", IsDefault: true}); err != nil {
		t.Fatalf("plan default: %v", err)
	}
	begin := start.Add(time.Hour)
	next, err := svc.Plan(ctx, "omni", "stg", release.PlanInput{Branch: "feature/a", ScheduledStart: &begin})
	if err != nil {
		t.Fatalf("plan scheduled: %v", err)
	}

	sched := New(store, svc, discardLogger(), config.ServerConfig{ReconcileInterval: time.Second})
	if sched == nil {
		t.Fatalf("expected scheduler to be created")
	}
	if changed := sched.RunOnce(ctx); changed != 0 {
		t.Fatalf("expected no change before start, got %d", changed)
	}

	now = begin.Add(time.Minute)
	if changed := sched.RunOnce(ctx); changed != 1 {
		t.Fatalf("expected one change after start, got %d", changed)
	}
	state, err := store.GetEnvironment(ctx, "omni", "stg")
	if err != nil {
		t.Fatalf("get environment: %v", err)
	}
	if state.ActiveBindingID != next.ID {
		t.Fatalf("expected %s active, got %s", next.ID, state.ActiveBindingID)
	}
}

func TestSchedulerContinuesPastFailures(t *testing.T) {
	lister := stubLister{refs: []domain.EnvironmentRef{
		{ProjectID: "a", Environment: "stg"},
		{ProjectID: "b", Environment: "stg"},
		{ProjectID: "c", Environment: "prod"},
	}}
	eval := &stubEvaluator{
		results: map[string]lifecycle.Evaluation{"c": {Changed: true}},
		errs:    map[string]error{"a": errors.New("boom")},
	}
	sched := New(lister, eval, discardLogger(), config.ServerConfig{})
	if got := sched.RunOnce(context.Background()); got != 1 {
		t.Fatalf("expected one changed environment, got %d", got)
	}
	if len(eval.calls) != 3 {
		t.Fatalf("expected every environment evaluated, got %v", eval.calls)
	}
}

func TestSchedulerListFailure(t *testing.T) {
	sched := New(stubLister{err: errors.New("down")}, &stubEvaluator{}, discardLogger(), config.ServerConfig{})
	if got := sched.RunOnce(context.Background()); got != 0 {
		t.Fatalf("expected zero changes, got %d", got)
	}
}

func TestNewDisabled(t *testing.T) {
	if New(stubLister{}, &stubEvaluator{}, discardLogger(), config.ServerConfig{ReconcileInterval: -1}) != nil {
		t.Fatalf("expected nil scheduler for negative interval")
	}
	var s *Scheduler
	s.Run(context.Background())
	if s.RunOnce(context.Background()) != 0 {
		t.Fatalf("nil scheduler should be inert")
	}
}

func TestNewClampsTimeout(t *testing.T) {
	s := New(stubLister{}, &stubEvaluator{}, discardLogger(), config.ServerConfig{ReconcileInterval: 2 * time.Second, ReconcileTimeout: time.Minute})
	if s.timeout != 2*time.Second {
		t.Fatalf("expected timeout clamped to interval, got %s", s.timeout)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	eval := &stubEvaluator{}
	s := New(stubLister{refs: []domain.EnvironmentRef{{ProjectID: "a", Environment: "stg"}}}, eval, discardLogger(), config.ServerConfig{ReconcileInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for {
		eval.mu.Lock()
		n := len(eval.calls)
		eval.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("initial pass never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
}

type stubLister struct {
	refs []domain.EnvironmentRef
	err  error
}

func (s stubLister) ListEnvironmentRefs(context.Context) ([]domain.EnvironmentRef, error) {
	return s.refs, s.err
}

type stubEvaluator struct {
	mu      sync.Mutex
	results map[string]lifecycle.Evaluation
	errs    map[string]error
	calls   []string
}

func (s *stubEvaluator) Evaluate(_ context.Context, projectID, _ string) (lifecycle.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, projectID)
	if err := s.errs[projectID]; err != nil {
		return lifecycle.Evaluation{}, err
	}
	return s.results[projectID], nil
}
