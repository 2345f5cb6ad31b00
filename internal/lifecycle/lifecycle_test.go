package lifecycle

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chen-liangping/Omni/internal/domain"
)

const repoURL = "https://github.com/ctw/omni-frontend"

var baseTime = time.Date(2025, 10, 20, 10, 30, 0, 0, time.UTC)

func at(offset time.Duration) *time.Time {
	t := baseTime.Add(offset)
	return &t
}

func binding(id, branch string, start *time.Time) domain.BranchBinding {
	return domain.BranchBinding{
		ID:             id,
		Repo:           repoURL,
		Branch:         branch,
		ScheduledStart: start,
		Status:         domain.BranchStatusTesting,
		CreatedAt:      baseTime.Add(-24 * time.Hour),
	}
}

func newState(bindings ...domain.BranchBinding) *domain.EnvironmentState {
	return &domain.EnvironmentState{ProjectID: "p1", Environment: "stg", Bindings: bindings}
}

func qualifyingCount(state domain.EnvironmentState, now time.Time) int {
	n := 0
	for _, b := range state.Bindings {
		if qualifies(b, now) {
			n++
		}
	}
	return n
}

func TestActiveDefaultOnly(t *testing.T) {
	state := newState(domain.BranchBinding{ID: "main", Repo: repoURL, Branch: "main", IsDefault: true, Status: domain.BranchStatusTesting})

	active := Active(*state, baseTime)
	require.NotNil(t, active)
	assert.Equal(t, "main", active.Branch)
	assert.Empty(t, Upcoming(*state, baseTime))
}

func TestActiveLaterStartWins(t *testing.T) {
	state := newState(
		binding("b1", "b1", at(-10*time.Minute)),
		binding("b2", "b2", at(-5*time.Minute)),
	)

	active := Active(*state, baseTime)
	require.NotNil(t, active)
	assert.Equal(t, "b2", active.Branch)
}

func TestActiveTieBreaksOnInsertionOrder(t *testing.T) {
	state := newState(
		binding("first", "first", at(-time.Minute)),
		binding("second", "second", at(-time.Minute)),
	)

	active := Active(*state, baseTime)
	require.NotNil(t, active)
	assert.Equal(t, "second", active.ID)
}

func TestActiveSkipsExpiredAndMerged(t *testing.T) {
	ended := binding("ended", "release/1.0", at(-time.Hour))
	ended.ScheduledEnd = at(-time.Minute)
	demoted := binding("demoted", "feature/login", at(-30*time.Minute))
	demoted.ActualExpiredAt = at(-10 * time.Minute)
	merged := binding("merged", "feature/payment", at(-2*time.Minute))
	merged.Status = domain.BranchStatusMerged
	live := binding("live", "develop", at(-50*time.Minute))

	state := newState(ended, demoted, merged, live)

	active := Active(*state, baseTime)
	require.NotNil(t, active)
	assert.Equal(t, "live", active.ID)
}

func TestActiveFallsBackToDefault(t *testing.T) {
	def := domain.BranchBinding{ID: "main", Repo: repoURL, Branch: "main", IsDefault: true, Status: domain.BranchStatusTesting}
	future := binding("next", "develop", at(time.Hour))
	state := newState(def, future)

	active := Active(*state, baseTime)
	require.NotNil(t, active)
	assert.Equal(t, "main", active.ID)

	active = Active(*state, baseTime.Add(2*time.Hour))
	require.NotNil(t, active)
	assert.Equal(t, "next", active.ID)
}

func TestActiveNoneWhenNothingQualifies(t *testing.T) {
	inert := binding("inert", "feature/x", nil)
	state := newState(inert)

	assert.Nil(t, Active(*state, baseTime))
	assert.Empty(t, Upcoming(*state, baseTime))
}

func TestUpcomingSortedAscendingWithoutMerged(t *testing.T) {
	late := binding("late", "late", at(3*time.Hour))
	early := binding("early", "early", at(time.Hour))
	merged := binding("merged", "merged", at(2*time.Hour))
	merged.Status = domain.BranchStatusMerged
	past := binding("past", "past", at(-time.Hour))
	state := newState(late, merged, early, past)

	upcoming := Upcoming(*state, baseTime)
	require.Len(t, upcoming, 2)
	assert.Equal(t, "early", upcoming[0].ID)
	assert.Equal(t, "late", upcoming[1].ID)
}

func TestMergedNeverActiveOrUpcoming(t *testing.T) {
	state := newState(
		binding("a", "a", at(-time.Hour)),
		binding("b", "b", at(time.Hour)),
	)
	for i := range state.Bindings {
		state.Bindings[i].Status = domain.BranchStatusMerged
	}
	state.Bindings[0].IsDefault = true

	assert.Nil(t, Active(*state, baseTime))
	assert.Empty(t, Upcoming(*state, baseTime))
}

func TestMarkTestCompleteIsIdempotent(t *testing.T) {
	state := newState(binding("b1", "b1", at(-time.Hour)))

	first, err := MarkTestComplete(state, "b1", baseTime)
	require.NoError(t, err)
	snapshot := state.Clone()

	second, err := MarkTestComplete(state, "b1", baseTime.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, snapshot, *state)
	assert.Equal(t, first, second)
	assert.Equal(t, domain.BranchStatusCompleted, second.Status)
	require.NotNil(t, second.TestCompletedAt)
	assert.True(t, second.TestCompletedAt.Equal(baseTime))
}

func TestTestCompleteThenRollback(t *testing.T) {
	state := newState(binding("b1", "b1", at(-time.Hour)))

	completed, err := MarkTestComplete(state, "b1", baseTime)
	require.NoError(t, err)
	assert.Equal(t, domain.BranchStatusCompleted, completed.Status)
	assert.NotNil(t, completed.TestCompletedAt)

	rolled, err := RollbackTest(state, "b1", baseTime)
	require.NoError(t, err)
	assert.Equal(t, domain.BranchStatusTesting, rolled.Status)
	assert.Nil(t, rolled.TestCompletedAt)
	require.NotNil(t, rolled.ScheduledStart, "past schedule is kept")

	active := Active(*state, baseTime)
	require.NotNil(t, active)
	assert.Equal(t, "b1", active.ID)
}

func TestRollbackClearsFutureSchedule(t *testing.T) {
	future := binding("b1", "b1", at(time.Hour))
	future.ScheduledEnd = at(2 * time.Hour)
	state := newState(future)

	rolled, err := RollbackTest(state, "b1", baseTime)
	require.NoError(t, err)
	assert.Nil(t, rolled.ScheduledStart)
	assert.Nil(t, rolled.ScheduledEnd)
	assert.Empty(t, Upcoming(*state, baseTime))
	assert.Nil(t, Active(*state, baseTime))
}

func TestRollbackMergedRejected(t *testing.T) {
	merged := binding("b1", "b1", at(-time.Hour))
	merged.Status = domain.BranchStatusMerged
	state := newState(merged)

	_, err := RollbackTest(state, "b1", baseTime)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestMergeEmitsPendingCommit(t *testing.T) {
	completed := binding("b1", "b1", at(-time.Hour))
	completed.Status = domain.BranchStatusCompleted
	state := newState(completed)

	merged, commit, err := Merge(state, "b1", MergeInput{Description: "desc", Submitter: "alice"}, baseTime)
	require.NoError(t, err)
	assert.Equal(t, domain.BranchStatusMerged, merged.Status)
	require.NotNil(t, merged.MergedAt)
	require.NotNil(t, commit)
	assert.Equal(t, domain.CommitStatusPending, commit.Status)
	assert.Equal(t, "b1", commit.BindingID)
	assert.Equal(t, "alice", commit.Submitter)
	assert.Len(t, commit.CommitID, 6)
	assert.Contains(t, commit.PullRequestURL, repoURL+"/pull/")
	assert.Nil(t, Active(*state, baseTime))

	_, _, err = Merge(state, "b1", MergeInput{Description: "again"}, baseTime)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestMergeRequiresDescription(t *testing.T) {
	state := newState(binding("b1", "b1", at(-time.Hour)))

	_, _, err := Merge(state, "b1", MergeInput{Description: "  "}, baseTime)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, domain.BranchStatusTesting, state.Bindings[0].Status)
}

func TestActivateImmediatelyDemotesPreviousActive(t *testing.T) {
	state := newState(
		binding("b1", "b1", at(-time.Hour)),
		binding("b2", "b2", at(time.Hour)),
	)
	require.Equal(t, "b1", Active(*state, baseTime).ID)

	activated, demoted, err := ActivateImmediately(state, "b2", baseTime)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, demoted)
	require.NotNil(t, activated.ScheduledStart)
	assert.True(t, activated.ScheduledStart.Equal(baseTime))

	active := Active(*state, baseTime)
	require.NotNil(t, active)
	assert.Equal(t, "b2", active.ID)
	require.NotNil(t, state.Bindings[0].ActualExpiredAt)
	assert.True(t, state.Bindings[0].ActualExpiredAt.Equal(baseTime))
	assert.Equal(t, 1, qualifyingCount(*state, baseTime))
}

func TestActivateImmediatelyRevivesDemotedBinding(t *testing.T) {
	state := newState(
		binding("b1", "b1", at(-time.Hour)),
		binding("b2", "b2", at(-30*time.Minute)),
	)
	_, _, err := ActivateImmediately(state, "b1", baseTime)
	require.NoError(t, err)
	require.Equal(t, "b1", Active(*state, baseTime).ID)

	later := baseTime.Add(time.Minute)
	_, demoted, err := ActivateImmediately(state, "b2", later)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, demoted)
	assert.Equal(t, "b2", Active(*state, later).ID)
	assert.Nil(t, state.Bindings[1].ActualExpiredAt)
}

func TestActivateMergedRejected(t *testing.T) {
	merged := binding("b1", "b1", at(-time.Hour))
	merged.Status = domain.BranchStatusMerged
	state := newState(merged)

	_, _, err := ActivateImmediately(state, "b1", baseTime)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestUnknownBindingIsNotFound(t *testing.T) {
	state := newState()

	_, err := MarkTestComplete(state, "missing", baseTime)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, _, err = ActivateImmediately(state, "missing", baseTime)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, Remove(state, "missing"), domain.ErrNotFound)
}

func TestRejectReturnsBindingToCompleted(t *testing.T) {
	state := newState(binding("b1", "b1", at(-time.Hour)))
	_, _, err := Merge(state, "b1", MergeInput{Description: "ship it"}, baseTime)
	require.NoError(t, err)

	later := baseTime.Add(time.Minute)
	rejected, err := Reject(state, "b1", later)
	require.NoError(t, err)
	assert.Equal(t, domain.BranchStatusCompleted, rejected.Status)
	assert.Nil(t, rejected.MergedAt)
	require.NotNil(t, rejected.ActualExpiredAt)
	assert.True(t, rejected.ActualExpiredAt.Equal(later))
	assert.Nil(t, Active(*state, later))
}

func TestPlanValidation(t *testing.T) {
	state := newState(binding("b1", "develop", at(-time.Hour)))

	cases := []struct {
		name  string
		input PlanInput
	}{
		{name: "missing branch", input: PlanInput{Repo: repoURL, ScheduledStart: at(time.Hour)}},
		{name: "missing repo", input: PlanInput{Branch: "x", ScheduledStart: at(time.Hour)}},
		{name: "missing schedule", input: PlanInput{Repo: repoURL, Branch: "x"}},
		{name: "end before start", input: PlanInput{Repo: repoURL, Branch: "x", ScheduledStart: at(time.Hour), ScheduledEnd: at(time.Minute)}},
		{name: "duplicate branch", input: PlanInput{Repo: repoURL, Branch: "develop", ScheduledStart: at(time.Hour)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Plan(state, tc.input, baseTime)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.Len(t, state.Bindings, 1)

	planned, err := Plan(state, PlanInput{Repo: repoURL, Branch: "main", IsDefault: true}, baseTime)
	require.NoError(t, err)
	assert.Equal(t, domain.BranchStatusTesting, planned.Status)
	assert.NotEmpty(t, planned.ID)
	assert.Len(t, state.Bindings, 2)
}

func TestRescheduleRevivesRolledBackBinding(t *testing.T) {
	state := newState(binding("b1", "b1", at(time.Hour)))
	_, err := RollbackTest(state, "b1", baseTime)
	require.NoError(t, err)

	rescheduled, err := Reschedule(state, "b1", at(-time.Minute), nil)
	require.NoError(t, err)
	require.NotNil(t, rescheduled.ScheduledStart)
	assert.Equal(t, "b1", Active(*state, baseTime).ID)

	_, err = Reschedule(state, "b1", nil, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestReconcileKeepsSingleWinner(t *testing.T) {
	state := newState(
		binding("a", "a", at(-3*time.Hour)),
		binding("b", "b", at(-2*time.Hour)),
		binding("c", "c", at(-time.Hour)),
	)

	demoted := Reconcile(state, baseTime)
	assert.ElementsMatch(t, []string{"a", "b"}, demoted)
	assert.Equal(t, 1, qualifyingCount(*state, baseTime))
	assert.Equal(t, "c", Active(*state, baseTime).ID)
	assert.Empty(t, Reconcile(state, baseTime))
}

func TestEvaluateReportsTimeDrivenActivation(t *testing.T) {
	state := newState(
		domain.BranchBinding{ID: "main", Repo: repoURL, Branch: "main", IsDefault: true, Status: domain.BranchStatusTesting},
		binding("next", "develop", at(time.Minute)),
	)

	first := Evaluate(state, baseTime)
	assert.True(t, first.Changed)
	assert.Equal(t, "main", state.ActiveBindingID)

	unchanged := Evaluate(state, baseTime.Add(30*time.Second))
	assert.False(t, unchanged.Changed)

	next := Evaluate(state, baseTime.Add(2*time.Minute))
	assert.True(t, next.Changed)
	assert.Equal(t, "main", next.PreviousID)
	assert.Equal(t, "next", state.ActiveBindingID)
}

func TestRoundTripPreservesSelection(t *testing.T) {
	def := domain.BranchBinding{ID: "main", Repo: repoURL, Branch: "main", IsDefault: true, Status: domain.BranchStatusTesting}
	ended := binding("ended", "release/2.0.0", at(-2*time.Hour))
	ended.ScheduledEnd = at(-time.Hour)
	state := newState(def, ended, binding("b1", "b1", at(-30*time.Minute)), binding("b2", "b2", at(time.Hour)), binding("b3", "b3", at(2*time.Hour)))

	raw, err := json.Marshal(state)
	require.NoError(t, err)
	var decoded domain.EnvironmentState
	require.NoError(t, json.Unmarshal(raw, &decoded))

	for _, offset := range []time.Duration{-3 * time.Hour, 0, 90 * time.Minute, 3 * time.Hour} {
		now := baseTime.Add(offset)
		assert.Equal(t, Active(*state, now), Active(decoded, now))
		assert.Equal(t, Upcoming(*state, now), Upcoming(decoded, now))
	}
}

func TestAtMostOneQualifyingAfterReconcile(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []domain.BranchStatus{domain.BranchStatusTesting, domain.BranchStatusCompleted, domain.BranchStatusMerged}

	for round := 0; round < 200; round++ {
		state := newState()
		for i := 0; i < 1+rng.Intn(8); i++ {
			b := binding(string(rune('a'+i)), string(rune('a'+i)), nil)
			if rng.Intn(4) > 0 {
				b.ScheduledStart = at(time.Duration(rng.Intn(240)-120) * time.Minute)
			}
			if rng.Intn(5) == 0 {
				b.ScheduledEnd = at(time.Duration(rng.Intn(240)-60) * time.Minute)
			}
			b.IsDefault = rng.Intn(6) == 0
			b.Status = statuses[rng.Intn(len(statuses))]
			state.Bindings = append(state.Bindings, b)
		}
		for _, offset := range []time.Duration{-2 * time.Hour, 0, time.Hour, 3 * time.Hour} {
			now := baseTime.Add(offset)
			before := Active(*state, now)
			Reconcile(state, now)
			after := Active(*state, now)
			assert.LessOrEqual(t, qualifyingCount(*state, now), 1)
			assert.Equal(t, before == nil, after == nil)
			if before != nil {
				assert.Equal(t, before.ID, after.ID)
				assert.NotEqual(t, domain.BranchStatusMerged, after.Status)
			}
		}
	}
}

func TestEvaluateRecordsUserDrivenActiveChanges(t *testing.T) {
	state := newState(
		binding("b1", "b1", at(-time.Hour)),
		binding("b2", "b2", at(time.Hour)),
	)
	require.True(t, Evaluate(state, baseTime).Changed)
	require.Equal(t, "b1", state.ActiveBindingID)

	_, _, err := ActivateImmediately(state, "b2", baseTime)
	require.NoError(t, err)
	eval := Evaluate(state, baseTime)
	assert.True(t, eval.Changed)
	assert.Equal(t, "b1", eval.PreviousID)
	assert.Equal(t, "b2", state.ActiveBindingID)

	require.NoError(t, Remove(state, "b2"))
	eval = Evaluate(state, baseTime)
	assert.True(t, eval.Changed)
	assert.Nil(t, eval.Active)
	assert.Empty(t, state.ActiveBindingID)
}

func TestRejectOfActiveBindingChangesActive(t *testing.T) {
	state := newState(binding("b1", "b1", at(-time.Hour)))
	require.True(t, Evaluate(state, baseTime).Changed)
	state.Bindings[0].Status = domain.BranchStatusMerged

	_, err := Reject(state, "b1", baseTime)
	require.NoError(t, err)
	eval := Evaluate(state, baseTime)
	assert.True(t, eval.Changed)
	assert.Equal(t, "b1", eval.PreviousID)
	assert.Empty(t, state.ActiveBindingID)
}

func TestUpcomingSkipsDemotedAndStandInDefault(t *testing.T) {
	def := domain.BranchBinding{ID: "main", Repo: repoURL, Branch: "main", IsDefault: true, ScheduledStart: at(2 * time.Hour), Status: domain.BranchStatusTesting}
	demoted := binding("demoted", "demoted", at(time.Hour))
	demoted.ActualExpiredAt = at(-time.Minute)
	next := binding("next", "next", at(3*time.Hour))
	state := newState(def, demoted, next)

	active := Active(*state, baseTime)
	require.NotNil(t, active)
	assert.Equal(t, "main", active.ID)

	upcoming := Upcoming(*state, baseTime)
	require.Len(t, upcoming, 1)
	assert.Equal(t, "next", upcoming[0].ID)
}

func TestUndoMergeRestoresBinding(t *testing.T) {
	state := newState(binding("b1", "b1", at(-time.Hour)))
	require.True(t, Evaluate(state, baseTime).Changed)
	before := state.Bindings[0].Clone()

	_, _, err := Merge(state, "b1", MergeInput{Description: "ship it"}, baseTime)
	require.NoError(t, err)
	Evaluate(state, baseTime)
	require.Empty(t, state.ActiveBindingID)

	assert.ErrorIs(t, UndoMerge(state, before, baseTime.Add(time.Second)), domain.ErrInvalidTransition)
	require.NoError(t, UndoMerge(state, before, baseTime))
	assert.Equal(t, domain.BranchStatusTesting, state.Bindings[0].Status)
	assert.Nil(t, state.Bindings[0].MergedAt)
	assert.Nil(t, state.Bindings[0].ActualExpiredAt)

	eval := Evaluate(state, baseTime)
	assert.True(t, eval.Changed)
	assert.Equal(t, "b1", state.ActiveBindingID)

	_, _, err = Merge(state, "b1", MergeInput{Description: "ship it"}, baseTime)
	assert.NoError(t, err)
}
