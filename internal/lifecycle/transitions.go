package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chen-liangping/Omni/internal/domain"
)

var (
	errBranchRequired   = fmt.Errorf("%w: branch required", domain.ErrValidation)
	errRepoRequired     = fmt.Errorf("%w: repo required", domain.ErrValidation)
	errScheduleRequired = fmt.Errorf("%w: scheduled start required", domain.ErrValidation)
	errScheduleOrder    = fmt.Errorf("%w: scheduled end must be after scheduled start", domain.ErrValidation)
	errDescription      = fmt.Errorf("%w: description required", domain.ErrValidation)
)

// PlanInput describes a binding to add to an environment.
type PlanInput struct {
	ID             string
	Repo           string
	Branch         string
	Description    string
	ScheduledStart *time.Time
	ScheduledEnd   *time.Time
	IsDefault      bool
	RobotIDs       []string
}

// MergeInput carries the pull request details recorded on merge.
type MergeInput struct {
	Description string
	Submitter   string
}

// Plan validates input and appends a new testing binding to the environment.
func Plan(state *domain.EnvironmentState, input PlanInput, now time.Time) (*domain.BranchBinding, error) {
	repo := strings.TrimSpace(input.Repo)
	branch := strings.TrimSpace(input.Branch)
	if branch == "" {
		return nil, errBranchRequired
	}
	if repo == "" {
		return nil, errRepoRequired
	}
	if err := validateSchedule(input.ScheduledStart, input.ScheduledEnd, input.IsDefault); err != nil {
		return nil, err
	}
	for _, existing := range state.Bindings {
		if existing.SameBranch(repo, branch) {
			return nil, fmt.Errorf("%w: branch %s already bound to %s", domain.ErrValidation, branch, state.Environment)
		}
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = uuid.NewString()
	} else if state.Index(id) >= 0 {
		return nil, fmt.Errorf("%w: binding id %s already exists", domain.ErrValidation, id)
	}
	binding := domain.BranchBinding{
		ID:          id,
		Repo:        repo,
		Branch:      branch,
		Description: strings.TrimSpace(input.Description),
		IsDefault:   input.IsDefault,
		Status:      domain.BranchStatusTesting,
		CreatedAt:   now.UTC(),
	}
	if input.ScheduledStart != nil {
		binding.ScheduledStart = domain.TimePtr(*input.ScheduledStart)
	}
	if input.ScheduledEnd != nil {
		binding.ScheduledEnd = domain.TimePtr(*input.ScheduledEnd)
	}
	if len(input.RobotIDs) > 0 {
		binding.RobotIDs = append([]string(nil), input.RobotIDs...)
	}
	state.Bindings = append(state.Bindings, binding)
	out := binding.Clone()
	return &out, nil
}

// Remove deletes a binding from the environment.
func Remove(state *domain.EnvironmentState, id string) error {
	idx, err := lookup(state, id)
	if err != nil {
		return err
	}
	state.Bindings = append(state.Bindings[:idx], state.Bindings[idx+1:]...)
	return nil
}

// Reschedule replaces a binding's plan. A re-planned binding is eligible again.
func Reschedule(state *domain.EnvironmentState, id string, start, end *time.Time) (*domain.BranchBinding, error) {
	idx, err := lookup(state, id)
	if err != nil {
		return nil, err
	}
	b := &state.Bindings[idx]
	if b.Status == domain.BranchStatusMerged {
		return nil, fmt.Errorf("%w: cannot reschedule merged branch %s", domain.ErrInvalidTransition, b.Branch)
	}
	if err := validateSchedule(start, end, b.IsDefault); err != nil {
		return nil, err
	}
	b.ScheduledStart = nil
	b.ScheduledEnd = nil
	if start != nil {
		b.ScheduledStart = domain.TimePtr(*start)
	}
	if end != nil {
		b.ScheduledEnd = domain.TimePtr(*end)
	}
	b.ActualExpiredAt = nil
	out := b.Clone()
	return &out, nil
}

// MarkTestComplete moves a testing binding to completed. Completed bindings are left untouched.
func MarkTestComplete(state *domain.EnvironmentState, id string, now time.Time) (*domain.BranchBinding, error) {
	idx, err := lookup(state, id)
	if err != nil {
		return nil, err
	}
	b := &state.Bindings[idx]
	switch b.Status {
	case domain.BranchStatusMerged:
		return nil, fmt.Errorf("%w: branch %s already merged", domain.ErrInvalidTransition, b.Branch)
	case domain.BranchStatusCompleted:
	default:
		b.Status = domain.BranchStatusCompleted
		b.TestCompletedAt = domain.TimePtr(now)
	}
	out := b.Clone()
	return &out, nil
}

// RollbackTest returns a non-merged binding to testing. A binding whose start has not been
// reached loses its schedule and must be re-planned.
func RollbackTest(state *domain.EnvironmentState, id string, now time.Time) (*domain.BranchBinding, error) {
	idx, err := lookup(state, id)
	if err != nil {
		return nil, err
	}
	b := &state.Bindings[idx]
	if b.Status == domain.BranchStatusMerged {
		return nil, fmt.Errorf("%w: cannot roll back merged branch %s", domain.ErrInvalidTransition, b.Branch)
	}
	b.Status = domain.BranchStatusTesting
	b.TestCompletedAt = nil
	if b.ScheduledStart == nil || b.ScheduledStart.After(now) {
		b.ScheduledStart = nil
		b.ScheduledEnd = nil
	}
	out := b.Clone()
	return &out, nil
}

// Merge marks a binding merged and returns the pending commit record it produced.
func Merge(state *domain.EnvironmentState, id string, input MergeInput, now time.Time) (*domain.BranchBinding, *domain.CommitRecord, error) {
	idx, err := lookup(state, id)
	if err != nil {
		return nil, nil, err
	}
	b := &state.Bindings[idx]
	if b.Status == domain.BranchStatusMerged {
		return nil, nil, fmt.Errorf("%w: branch %s already merged", domain.ErrInvalidTransition, b.Branch)
	}
	description := strings.TrimSpace(input.Description)
	if description == "" {
		return nil, nil, errDescription
	}
	wasActive := IsActive(*state, id, now)
	b.Status = domain.BranchStatusMerged
	b.MergedAt = domain.TimePtr(now)
	if wasActive {
		b.ActualExpiredAt = domain.TimePtr(now)
	}
	submitter := strings.TrimSpace(input.Submitter)
	if submitter == "" {
		submitter = "anonymous"
	}
	commit := newCommitRecord(*state, *b, description, submitter, now)
	out := b.Clone()
	return &out, &commit, nil
}

// ActivateImmediately makes the binding active at now and demotes every other binding that
// currently satisfies the active predicate. It returns the demoted binding ids. The next
// Evaluate records the new active binding.
func ActivateImmediately(state *domain.EnvironmentState, id string, now time.Time) (*domain.BranchBinding, []string, error) {
	idx, err := lookup(state, id)
	if err != nil {
		return nil, nil, err
	}
	b := &state.Bindings[idx]
	if b.Status == domain.BranchStatusMerged {
		return nil, nil, fmt.Errorf("%w: cannot activate merged branch %s", domain.ErrInvalidTransition, b.Branch)
	}
	var demoted []string
	for i := range state.Bindings {
		if i == idx || !qualifies(state.Bindings[i], now) {
			continue
		}
		state.Bindings[i].ActualExpiredAt = domain.TimePtr(now)
		demoted = append(demoted, state.Bindings[i].ID)
	}
	b.ScheduledStart = domain.TimePtr(now)
	b.ActualExpiredAt = nil
	if b.ScheduledEnd != nil && !b.ScheduledEnd.After(now) {
		b.ScheduledEnd = nil
	}
	out := b.Clone()
	return &out, demoted, nil
}

// Reject reverts the binding behind a rejected merge request to completed and removes it
// from the active slot regardless of its schedule.
func Reject(state *domain.EnvironmentState, id string, now time.Time) (*domain.BranchBinding, error) {
	idx, err := lookup(state, id)
	if err != nil {
		return nil, err
	}
	b := &state.Bindings[idx]
	b.Status = domain.BranchStatusCompleted
	b.MergedAt = nil
	b.ActualExpiredAt = domain.TimePtr(now)
	if b.TestCompletedAt == nil {
		b.TestCompletedAt = domain.TimePtr(now)
	}
	out := b.Clone()
	return &out, nil
}

// UndoMerge puts back the pre-merge copy of a binding merged at mergedAt. It refuses when the
// stored binding is no longer the result of that merge.
func UndoMerge(state *domain.EnvironmentState, before domain.BranchBinding, mergedAt time.Time) error {
	idx, err := lookup(state, before.ID)
	if err != nil {
		return err
	}
	b := state.Bindings[idx]
	if b.Status != domain.BranchStatusMerged || b.MergedAt == nil || !b.MergedAt.Equal(mergedAt) {
		return fmt.Errorf("%w: branch %s changed since merge", domain.ErrInvalidTransition, b.Branch)
	}
	state.Bindings[idx] = before.Clone()
	return nil
}

func lookup(state *domain.EnvironmentState, id string) (int, error) {
	idx := state.Index(strings.TrimSpace(id))
	if idx < 0 {
		return -1, fmt.Errorf("%w: binding %s in %s", domain.ErrNotFound, id, state.Environment)
	}
	return idx, nil
}

func validateSchedule(start, end *time.Time, isDefault bool) error {
	if start == nil && !isDefault {
		return errScheduleRequired
	}
	if start != nil && end != nil && !end.After(*start) {
		return errScheduleOrder
	}
	return nil
}
