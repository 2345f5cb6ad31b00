package release

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/events"
	"github.com/chen-liangping/Omni/internal/repository/memory"
	"github.com/chen-liangping/Omni/pkg/robot"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

type recordingNotifier struct {
	messages []robot.Message
	robots   [][]string
}

func (n *recordingNotifier) Notify(_ context.Context, ids []string, msg robot.Message) {
	n.robots = append(n.robots, ids)
	n.messages = append(n.messages, msg)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

var base = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc      Service
	store    *memory.Store
	pub      *recordingPublisher
	notifier *recordingNotifier
	clock    *clock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateProject(ctx, &domain.Project{ID: "omni", Name: "Omni", RepoURL: "https://git.example.com/omni.git", Environments: []string{"stg"}}))
	require.NoError(t, store.CreateEnvironment(ctx, &domain.EnvironmentState{ProjectID: "omni", Environment: "stg"}))

	pub := &recordingPublisher{}
	notifier := &recordingNotifier{}
	c := &clock{t: base}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(store, store, store, store, pub, notifier, log, nil).WithClock(c.now)
	return fixture{svc: svc, store: store, pub: pub, notifier: notifier, clock: c}
}

func at(d time.Duration) *time.Time {
	t := base.Add(d)
	return &t
}

func TestPlanDefaultsRepoAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := domain.WithActor(context.Background(), "alice")

	b, err := f.svc.Plan(ctx, "omni", "stg", PlanInput{Branch: "feature/login", ScheduledStart: at(-time.Minute), RobotIDs: []string{"r1"}})
	require.NoError(t, err)
	assert.Equal(t, "https://git.example.com/omni.git", b.Repo)
	assert.Equal(t, domain.BranchStatusTesting, b.Status)

	assert.Equal(t, []events.Kind{events.KindBindingPlanned, events.KindActiveChanged}, f.pub.kinds())
	assert.Equal(t, "alice", f.pub.events[0].Actor)
	require.Len(t, f.notifier.messages, 1)
	assert.Equal(t, []string{"r1"}, f.notifier.robots[0])

	ov, err := f.svc.Overview(ctx, "omni", "stg")
	require.NoError(t, err)
	require.NotNil(t, ov.Active)
	assert.Equal(t, b.ID, ov.Active.ID)
	assert.Equal(t, int64(1), ov.Version)
}

func TestPlanUnknownEnvironment(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Plan(context.Background(), "omni", "prod", PlanInput{Branch: "x", ScheduledStart: at(0)})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.Plan(context.Background(), "ghost", "stg", PlanInput{Branch: "x", ScheduledStart: at(0)})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestActivateImmediatelyDemotesAndSyncsViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.svc.Plan(ctx, "omni", "stg", PlanInput{Branch: "feature/a", ScheduledStart: at(-time.Hour)})
	require.NoError(t, err)
	b, err := f.svc.Plan(ctx, "omni", "stg", PlanInput{Branch: "feature/b", ScheduledStart: at(time.Hour)})
	require.NoError(t, err)

	f.clock.t = base.Add(5 * time.Minute)
	activated, demoted, err := f.svc.ActivateImmediately(ctx, "omni", "stg", b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, activated.ID)
	assert.Equal(t, []string{a.ID}, demoted)

	ov, err := f.svc.Overview(ctx, "omni", "stg")
	require.NoError(t, err)
	require.NotNil(t, ov.Active)
	assert.Equal(t, b.ID, ov.Active.ID)
	assert.Empty(t, ov.Upcoming)

	stored, err := f.store.GetEnvironment(ctx, "omni", "stg")
	require.NoError(t, err)
	assert.Equal(t, b.ID, stored.ActiveBindingID)
	require.NotNil(t, stored.Bindings[0].ActualExpiredAt)

	last := f.pub.events[len(f.pub.events)-1]
	assert.Equal(t, events.KindActiveChanged, last.Kind)
	assert.Equal(t, b.ID, last.BindingID)
	assert.Contains(t, f.pub.kinds(), events.KindBindingActivated)
}

func TestMergeRecordsPendingCommit(t *testing.T) {
	f := newFixture(t)
	ctx := domain.WithActor(context.Background(), "bob")
	b, err := f.svc.Plan(ctx, "omni", "stg", PlanInput{Branch: "feature/pay", ScheduledStart: at(-time.Minute)})
	require.NoError(t, err)

	_, _, err = f.svc.Merge(ctx, "omni", "stg", b.ID, "  ")
	assert.ErrorIs(t, err, domain.ErrValidation)

	merged, commit, err := f.svc.Merge(ctx, "omni", "stg", b.ID, "payments ready")
	require.NoError(t, err)
	assert.Equal(t, domain.BranchStatusMerged, merged.Status)
	assert.Equal(t, domain.CommitStatusPending, commit.Status)
	assert.Equal(t, "bob", commit.Submitter)

	stored, err := f.store.GetCommit(ctx, commit.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, stored.BindingID)

	_, _, err = f.svc.Merge(ctx, "omni", "stg", b.ID, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	ov, err := f.svc.Overview(ctx, "omni", "stg")
	require.NoError(t, err)
	assert.Nil(t, ov.Active)
	assert.Contains(t, f.pub.kinds(), events.KindCommitCreated)
}

type failingCommits struct {
	*memory.Store
	err error
}

func (f *failingCommits) CreateCommit(ctx context.Context, c *domain.CommitRecord) error {
	if f.err != nil {
		return f.err
	}
	return f.Store.CreateCommit(ctx, c)
}

func TestMergeRestoresBindingWhenCommitWriteFails(t *testing.T) {
	f := newFixture(t)
	commits := &failingCommits{Store: f.store, err: errors.New("quota exceeded")}
	f.svc.commits = commits
	ctx := context.Background()
	b, err := f.svc.Plan(ctx, "omni", "stg", PlanInput{Branch: "feature/pay", ScheduledStart: at(-time.Minute)})
	require.NoError(t, err)
	published := len(f.pub.kinds())

	_, _, err = f.svc.Merge(ctx, "omni", "stg", b.ID, "payments ready")
	require.ErrorIs(t, err, domain.ErrPersistence)

	stored, err := f.store.GetEnvironment(ctx, "omni", "stg")
	require.NoError(t, err)
	assert.Equal(t, domain.BranchStatusTesting, stored.Bindings[0].Status)
	assert.Nil(t, stored.Bindings[0].MergedAt)
	assert.Equal(t, b.ID, stored.ActiveBindingID)
	list, err := f.store.ListCommits(ctx, domain.CommitFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Len(t, f.pub.kinds(), published)

	commits.err = nil
	merged, commit, err := f.svc.Merge(ctx, "omni", "stg", b.ID, "payments ready")
	require.NoError(t, err)
	assert.Equal(t, domain.BranchStatusMerged, merged.Status)
	_, err = f.store.GetCommit(ctx, commit.ID)
	assert.NoError(t, err)
}

func TestRejectReturnsBindingToCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.svc.Plan(ctx, "omni", "stg", PlanInput{Branch: "feature/r", ScheduledStart: at(-time.Minute)})
	require.NoError(t, err)
	_, _, err = f.svc.Merge(ctx, "omni", "stg", b.ID, "done")
	require.NoError(t, err)

	rejected, err := f.svc.Reject(ctx, "omni", "stg", b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BranchStatusCompleted, rejected.Status)
	assert.Nil(t, rejected.MergedAt)
}

func TestEvaluateDetectsTimeDrivenActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def, err := f.svc.Plan(ctx, "omni", "stg", PlanInput{Branch: "main", IsDefault: true})
	require.NoError(t, err)
	next, err := f.svc.Plan(ctx, "omni", "stg", PlanInput{Branch: "feature/next", ScheduledStart: at(time.Hour), RobotIDs: []string{"r9"}})
	require.NoError(t, err)

	before, err := f.store.GetEnvironment(ctx, "omni", "stg")
	require.NoError(t, err)
	assert.Equal(t, def.ID, before.ActiveBindingID)

	// Nothing changes before the start: no write.
	f.clock.t = base.Add(30 * time.Minute)
	eval, err := f.svc.Evaluate(ctx, "omni", "stg")
	require.NoError(t, err)
	assert.False(t, eval.Changed)
	unchanged, err := f.store.GetEnvironment(ctx, "omni", "stg")
	require.NoError(t, err)
	assert.Equal(t, before.Version, unchanged.Version)

	f.clock.t = base.Add(61 * time.Minute)
	eval, err = f.svc.Evaluate(ctx, "omni", "stg")
	require.NoError(t, err)
	assert.True(t, eval.Changed)
	assert.Equal(t, def.ID, eval.PreviousID)
	require.NotNil(t, eval.Active)
	assert.Equal(t, next.ID, eval.Active.ID)

	after, err := f.store.GetEnvironment(ctx, "omni", "stg")
	require.NoError(t, err)
	assert.Equal(t, next.ID, after.ActiveBindingID)
	assert.Equal(t, before.Version+1, after.Version)

	last := f.pub.events[len(f.pub.events)-1]
	assert.Equal(t, events.KindActiveChanged, last.Kind)
	assert.Equal(t, next.ID, last.BindingID)
	assert.Equal(t, []string{"r9"}, f.notifier.robots[len(f.notifier.robots)-1])
}

func TestOverviewsListsEveryEnvironment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateEnvironment(ctx, &domain.EnvironmentState{ProjectID: "omni", Environment: "prod"}))

	ovs, err := f.svc.Overviews(ctx, "omni")
	require.NoError(t, err)
	require.Len(t, ovs, 2)
	assert.Equal(t, "stg", ovs[0].Environment)
	assert.NotNil(t, ovs[1].Bindings)

	_, err = f.svc.Overviews(ctx, "ghost")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestCommandsOnUnknownBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.MarkTestComplete(ctx, "omni", "stg", "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.RollbackTest(ctx, "omni", "stg", "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, f.svc.Remove(ctx, "omni", "stg", "nope"), domain.ErrNotFound)
	_, err = f.svc.Reschedule(ctx, "omni", "stg", "nope", at(0), nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTestCompleteRollbackAndReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.svc.Plan(ctx, "omni", "stg", PlanInput{Branch: "feature/t", ScheduledStart: at(time.Hour)})
	require.NoError(t, err)

	done, err := f.svc.MarkTestComplete(ctx, "omni", "stg", b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BranchStatusCompleted, done.Status)

	rolled, err := f.svc.RollbackTest(ctx, "omni", "stg", b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BranchStatusTesting, rolled.Status)
	assert.Nil(t, rolled.ScheduledStart)

	re, err := f.svc.Reschedule(ctx, "omni", "stg", b.ID, at(-time.Minute), nil)
	require.NoError(t, err)
	require.NotNil(t, re.ScheduledStart)

	ov, err := f.svc.Overview(ctx, "omni", "stg")
	require.NoError(t, err)
	require.NotNil(t, ov.Active)
	assert.Equal(t, b.ID, ov.Active.ID)

	require.NoError(t, f.svc.Remove(ctx, "omni", "stg", b.ID))
	ov, err = f.svc.Overview(ctx, "omni", "stg")
	require.NoError(t, err)
	assert.Nil(t, ov.Active)
	assert.Empty(t, ov.Bindings)
}

func TestHistoryRecordsCommandsAndScheduledChanges(t *testing.T) {
	f := newFixture(t)
	ctx := domain.WithActor(context.Background(), "alice")
	def, err := f.svc.Plan(ctx, "omni", "stg", PlanInput{Branch: "main", IsDefault: true})
	require.NoError(t, err)
	next, err := f.svc.Plan(ctx, "omni", "stg", PlanInput{Branch: "feature/next", ScheduledStart: at(time.Hour)})
	require.NoError(t, err)

	f.clock.t = base.Add(61 * time.Minute)
	_, err = f.svc.Evaluate(context.Background(), "omni", "stg")
	require.NoError(t, err)

	f.clock.t = base.Add(62 * time.Minute)
	_, commit, err := f.svc.Merge(ctx, "omni", "stg", next.ID, "ready")
	require.NoError(t, err)

	f.clock.t = base.Add(63 * time.Minute)
	require.NoError(t, f.svc.Remove(domain.WithActor(context.Background(), "bob"), "omni", "stg", def.ID))

	entries, err := f.svc.History(ctx, "omni", "stg", 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{domain.HistoryRemoved, domain.HistoryMerged, domain.HistoryAuto, domain.HistoryPlanned, domain.HistoryPlanned}, actions)

	assert.Equal(t, "bob", entries[0].Operator)
	assert.Equal(t, "main", entries[0].Branch, "removed bindings keep their branch")
	assert.Equal(t, commit.CommitID, entries[1].Commit)
	assert.Equal(t, SchedulerOperator, entries[2].Operator)
	assert.Equal(t, next.ID, entries[2].BindingID)
	assert.Equal(t, "feature/next", entries[2].Branch)
	assert.Equal(t, "alice", entries[3].Operator)

	limited, err := f.svc.History(ctx, "omni", "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = f.svc.History(ctx, "omni", "prod", 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.History(ctx, "missing", "", 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
