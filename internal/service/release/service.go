// Package release applies branch lifecycle commands to stored environments.
//
// Every command is one atomic read-modify-write of the environment: the engine
// transition and the reconciliation it implies are saved together, so readers
// never observe two active bindings.
package release

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/events"
	"github.com/chen-liangping/Omni/internal/lifecycle"
	"github.com/chen-liangping/Omni/internal/metrics"
	"github.com/chen-liangping/Omni/internal/repository"
	"github.com/chen-liangping/Omni/pkg/robot"
)

// Notifier delivers robot messages. Failures are the notifier's concern.
type Notifier interface {
	Notify(ctx context.Context, robotIDs []string, msg robot.Message)
}

// Overview is the dashboard view of one environment at an instant.
type Overview struct {
	ProjectID   string                 `json:"project_id"`
	Environment string                 `json:"environment"`
	Active      *domain.BranchBinding  `json:"active"`
	Upcoming    []domain.BranchBinding `json:"upcoming"`
	Bindings    []domain.BranchBinding `json:"bindings"`
	Version     int64                  `json:"version"`
	At          time.Time              `json:"at"`
}

// PlanInput describes a new binding. An empty Repo defaults to the project repository.
type PlanInput = lifecycle.PlanInput

// SchedulerOperator is the operator recorded for changes made by the clock.
const SchedulerOperator = "scheduler"

var historyActions = map[events.Kind]string{
	events.KindBindingPlanned:       domain.HistoryPlanned,
	events.KindBindingRemoved:       domain.HistoryRemoved,
	events.KindBindingRescheduled:   domain.HistoryRescheduled,
	events.KindBindingTestCompleted: domain.HistoryTestComplete,
	events.KindBindingRolledBack:    domain.HistoryRolledBack,
	events.KindBindingMerged:        domain.HistoryMerged,
	events.KindBindingActivated:     domain.HistoryActivated,
	events.KindBindingRejected:      domain.HistoryRejected,
}

// Service coordinates the lifecycle engine with storage, events and notifications.
type Service struct {
	envs     repository.EnvironmentRepository
	commits  repository.CommitRepository
	projects repository.ProjectRepository
	history  repository.HistoryRepository
	events   events.Publisher
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// New returns a release service.
func New(envs repository.EnvironmentRepository, commits repository.CommitRepository, projects repository.ProjectRepository,
	history repository.HistoryRepository, publisher events.Publisher, notifier Notifier, logger *slog.Logger, rec *metrics.Recorder) Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return Service{
		envs:     envs,
		commits:  commits,
		projects: projects,
		history:  history,
		events:   publisher,
		notifier: notifier,
		logger:   logger,
		metrics:  rec,
		now:      time.Now,
	}
}

// WithClock returns a copy of the service reading time from now.
func (s Service) WithClock(now func() time.Time) Service {
	s.now = now
	return s
}

func (s Service) overview(state domain.EnvironmentState, now time.Time) Overview {
	bindings := state.Bindings
	if bindings == nil {
		bindings = []domain.BranchBinding{}
	}
	return Overview{
		ProjectID:   state.ProjectID,
		Environment: state.Environment,
		Active:      lifecycle.Active(state, now),
		Upcoming:    lifecycle.Upcoming(state, now),
		Bindings:    bindings,
		Version:     state.Version,
		At:          now,
	}
}

// Overview returns the active and upcoming bindings of one environment.
func (s Service) Overview(ctx context.Context, projectID, environment string) (Overview, error) {
	state, err := s.envs.GetEnvironment(ctx, projectID, environment)
	if err != nil {
		return Overview{}, err
	}
	return s.overview(*state, s.now().UTC()), nil
}

// Overviews returns an overview per environment of the project.
func (s Service) Overviews(ctx context.Context, projectID string) ([]Overview, error) {
	if _, err := s.projects.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	states, err := s.envs.ListEnvironments(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	out := make([]Overview, 0, len(states))
	for _, st := range states {
		out = append(out, s.overview(st, now))
	}
	return out, nil
}

// mutate runs fn and the follow-up evaluation inside one atomic environment update.
func (s Service) mutate(ctx context.Context, op, projectID, environment string,
	fn func(state *domain.EnvironmentState, now time.Time) error) (*domain.EnvironmentState, lifecycle.Evaluation, error) {
	now := s.now().UTC()
	var eval lifecycle.Evaluation
	state, err := s.envs.UpdateEnvironment(ctx, projectID, environment, func(st *domain.EnvironmentState) error {
		if err := fn(st, now); err != nil {
			return err
		}
		eval = lifecycle.Evaluate(st, now)
		return nil
	})
	s.metrics.Transition(op, err)
	if err != nil {
		s.logger.Warn("lifecycle command failed", "operation", op, "project_id", projectID, "environment", environment, "error", err)
		return nil, lifecycle.Evaluation{}, err
	}
	s.metrics.Reconciled(len(eval.Demoted), 0)
	return state, eval, nil
}

func (s Service) publish(ctx context.Context, event events.Event) {
	if event.Actor == "" {
		event.Actor = domain.ActorFrom(ctx)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event failed", "kind", event.Kind, "error", err)
	}
}

// History lists the operations recorded against a project, newest first.
// An empty environment lists every environment of the project.
func (s Service) History(ctx context.Context, projectID, environment string, limit int) ([]domain.HistoryEntry, error) {
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if environment != "" && !project.HasEnvironment(environment) {
		return nil, fmt.Errorf("%w: environment %s/%s", domain.ErrNotFound, projectID, environment)
	}
	return s.history.ListHistory(ctx, domain.HistoryFilter{ProjectID: projectID, Environment: environment, Limit: limit})
}

// record appends to the environment history. A failed append is logged only.
func (s Service) record(ctx context.Context, projectID, environment, action string, b *domain.BranchBinding, commit, operator string) {
	entry := &domain.HistoryEntry{
		ID:          uuid.Must(uuid.NewV7()).String(),
		ProjectID:   projectID,
		Environment: environment,
		Action:      action,
		Commit:      commit,
		Operator:    operator,
		At:          s.now().UTC(),
	}
	if b != nil {
		entry.BindingID, entry.Branch = b.ID, b.Branch
	}
	if err := s.history.AppendHistory(ctx, entry); err != nil {
		s.logger.Warn("record history failed", "project_id", projectID, "environment", environment, "action", action, "error", err)
	}
}

// afterChange records the command in the history and publishes its event,
// plus an active-change event when the active binding moved.
func (s Service) afterChange(ctx context.Context, kind events.Kind, projectID, environment string, b *domain.BranchBinding, commit string, eval lifecycle.Evaluation) {
	s.record(ctx, projectID, environment, historyActions[kind], b, commit, domain.ActorFrom(ctx))
	s.publish(ctx, events.Event{Kind: kind, ProjectID: projectID, Environment: environment, BindingID: b.ID, Demoted: eval.Demoted})
	if eval.Changed {
		activeID := ""
		if eval.Active != nil {
			activeID = eval.Active.ID
		}
		s.publish(ctx, events.Event{Kind: events.KindActiveChanged, ProjectID: projectID, Environment: environment, BindingID: activeID, Demoted: eval.Demoted})
	}
}

func (s Service) notify(ctx context.Context, b *domain.BranchBinding, projectID, environment, title, content string) {
	if s.notifier == nil || b == nil || len(b.RobotIDs) == 0 {
		return
	}
	s.notifier.Notify(ctx, b.RobotIDs, robot.Message{
		Title:       title,
		Content:     content,
		ProjectID:   projectID,
		Environment: environment,
		OccurredAt:  s.now().UTC(),
	})
}

// Plan adds a binding to the environment.
func (s Service) Plan(ctx context.Context, projectID, environment string, input PlanInput) (*domain.BranchBinding, error) {
	if strings.TrimSpace(input.Repo) == "" {
		project, err := s.projects.GetProject(ctx, projectID)
		if err != nil {
			return nil, err
		}
		input.Repo = project.RepoURL
	}
	var planned *domain.BranchBinding
	_, eval, err := s.mutate(ctx, "plan", projectID, environment, func(st *domain.EnvironmentState, now time.Time) error {
		b, err := lifecycle.Plan(st, input, now)
		if err != nil {
			return err
		}
		planned = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("binding planned", "project_id", projectID, "environment", environment, "binding_id", planned.ID, "branch", planned.Branch)
	s.afterChange(ctx, events.KindBindingPlanned, projectID, environment, planned, "", eval)
	s.notify(ctx, planned, projectID, environment, "planned", fmt.Sprintf("%s scheduled by %s", planned.Branch, domain.ActorFrom(ctx)))
	return planned, nil
}

// Remove deletes a binding.
func (s Service) Remove(ctx context.Context, projectID, environment, bindingID string) error {
	removed := domain.BranchBinding{ID: bindingID}
	_, eval, err := s.mutate(ctx, "remove", projectID, environment, func(st *domain.EnvironmentState, _ time.Time) error {
		if idx := st.Index(strings.TrimSpace(bindingID)); idx >= 0 {
			removed = st.Bindings[idx].Clone()
		}
		return lifecycle.Remove(st, bindingID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("binding removed", "project_id", projectID, "environment", environment, "binding_id", bindingID)
	s.afterChange(ctx, events.KindBindingRemoved, projectID, environment, &removed, "", eval)
	return nil
}

// Reschedule replaces a binding's schedule.
func (s Service) Reschedule(ctx context.Context, projectID, environment, bindingID string, start, end *time.Time) (*domain.BranchBinding, error) {
	var out *domain.BranchBinding
	_, eval, err := s.mutate(ctx, "reschedule", projectID, environment, func(st *domain.EnvironmentState, _ time.Time) error {
		b, err := lifecycle.Reschedule(st, bindingID, start, end)
		out = b
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterChange(ctx, events.KindBindingRescheduled, projectID, environment, out, "", eval)
	return out, nil
}

// MarkTestComplete moves a binding to completed.
func (s Service) MarkTestComplete(ctx context.Context, projectID, environment, bindingID string) (*domain.BranchBinding, error) {
	var out *domain.BranchBinding
	_, eval, err := s.mutate(ctx, "test_complete", projectID, environment, func(st *domain.EnvironmentState, now time.Time) error {
		b, err := lifecycle.MarkTestComplete(st, bindingID, now)
		out = b
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterChange(ctx, events.KindBindingTestCompleted, projectID, environment, out, "", eval)
	return out, nil
}

// RollbackTest returns a binding to testing.
func (s Service) RollbackTest(ctx context.Context, projectID, environment, bindingID string) (*domain.BranchBinding, error) {
	var out *domain.BranchBinding
	_, eval, err := s.mutate(ctx, "rollback", projectID, environment, func(st *domain.EnvironmentState, now time.Time) error {
		b, err := lifecycle.RollbackTest(st, bindingID, now)
		out = b
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterChange(ctx, events.KindBindingRolledBack, projectID, environment, out, "", eval)
	return out, nil
}

// Merge marks a binding merged and records its pending commit. The submitter
// defaults to the acting user. When the commit cannot be stored the binding is
// put back as it was, so the merge can be retried.
func (s Service) Merge(ctx context.Context, projectID, environment, bindingID, description string) (*domain.BranchBinding, *domain.CommitRecord, error) {
	var (
		before domain.BranchBinding
		merged *domain.BranchBinding
		commit *domain.CommitRecord
	)
	input := lifecycle.MergeInput{Description: description, Submitter: domain.ActorFrom(ctx)}
	_, eval, err := s.mutate(ctx, "merge", projectID, environment, func(st *domain.EnvironmentState, now time.Time) error {
		if idx := st.Index(strings.TrimSpace(bindingID)); idx >= 0 {
			before = st.Bindings[idx].Clone()
		}
		b, c, err := lifecycle.Merge(st, bindingID, input, now)
		merged, commit = b, c
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if err := s.commits.CreateCommit(ctx, commit); err != nil {
		s.logger.Error("record commit failed", "project_id", projectID, "binding_id", bindingID, "error", err)
		s.undoMerge(ctx, projectID, environment, before, *merged.MergedAt)
		return nil, nil, repository.WrapPersistence("record commit", err)
	}
	s.logger.Info("binding merged", "project_id", projectID, "environment", environment, "binding_id", bindingID, "commit_id", commit.ID)
	s.afterChange(ctx, events.KindBindingMerged, projectID, environment, merged, commit.CommitID, eval)
	s.publish(ctx, events.Event{Kind: events.KindCommitCreated, ProjectID: projectID, Environment: environment, BindingID: bindingID, CommitID: commit.ID})
	s.notify(ctx, merged, projectID, environment, "merged", fmt.Sprintf("%s submitted for review as %s", merged.Branch, commit.CommitID))
	return merged, commit, nil
}

func (s Service) undoMerge(ctx context.Context, projectID, environment string, before domain.BranchBinding, mergedAt time.Time) {
	_, _, err := s.mutate(ctx, "undo_merge", projectID, environment, func(st *domain.EnvironmentState, _ time.Time) error {
		return lifecycle.UndoMerge(st, before, mergedAt)
	})
	if err != nil {
		s.logger.Error("restore binding after failed merge", "project_id", projectID, "environment", environment, "binding_id", before.ID, "error", err)
		return
	}
	s.logger.Warn("merge reverted", "project_id", projectID, "environment", environment, "binding_id", before.ID)
}

// ActivateImmediately makes a binding active now, demoting whichever binding was active.
func (s Service) ActivateImmediately(ctx context.Context, projectID, environment, bindingID string) (*domain.BranchBinding, []string, error) {
	var (
		out     *domain.BranchBinding
		demoted []string
	)
	_, eval, err := s.mutate(ctx, "activate", projectID, environment, func(st *domain.EnvironmentState, now time.Time) error {
		b, d, err := lifecycle.ActivateImmediately(st, bindingID, now)
		out, demoted = b, d
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	demoted = append(demoted, eval.Demoted...)
	s.metrics.Reconciled(0, 1)
	s.logger.Info("binding activated", "project_id", projectID, "environment", environment, "binding_id", bindingID, "demoted", demoted)
	eval.Demoted = demoted
	s.afterChange(ctx, events.KindBindingActivated, projectID, environment, out, "", eval)
	s.notify(ctx, out, projectID, environment, "activated", fmt.Sprintf("%s is now live on %s", out.Branch, environment))
	return out, demoted, nil
}

// Reject demotes a merged binding back to completed after its commit was rejected.
func (s Service) Reject(ctx context.Context, projectID, environment, bindingID string) (*domain.BranchBinding, error) {
	var out *domain.BranchBinding
	_, eval, err := s.mutate(ctx, "reject", projectID, environment, func(st *domain.EnvironmentState, now time.Time) error {
		b, err := lifecycle.Reject(st, bindingID, now)
		out = b
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterChange(ctx, events.KindBindingRejected, projectID, environment, out, "", eval)
	return out, nil
}

// Evaluate reconciles one environment against the clock, writing only when
// the active binding changed or a demotion is due.
func (s Service) Evaluate(ctx context.Context, projectID, environment string) (lifecycle.Evaluation, error) {
	current, err := s.envs.GetEnvironment(ctx, projectID, environment)
	if err != nil {
		return lifecycle.Evaluation{}, err
	}
	dry := current.Clone()
	if eval := lifecycle.Evaluate(&dry, s.now().UTC()); !eval.Changed && len(eval.Demoted) == 0 {
		return eval, nil
	}

	_, eval, err := s.mutate(ctx, "evaluate", projectID, environment, func(*domain.EnvironmentState, time.Time) error { return nil })
	if err != nil {
		return lifecycle.Evaluation{}, err
	}
	if eval.Changed {
		activations := 0
		if eval.Active != nil {
			activations = 1
		}
		s.metrics.Reconciled(0, activations)
		activeID := ""
		if eval.Active != nil {
			activeID = eval.Active.ID
		}
		s.logger.Info("active binding changed", "project_id", projectID, "environment", environment, "previous", eval.PreviousID, "active", activeID)
		s.record(ctx, projectID, environment, domain.HistoryAuto, eval.Active, "", SchedulerOperator)
		s.publish(ctx, events.Event{Kind: events.KindActiveChanged, ProjectID: projectID, Environment: environment, BindingID: activeID, Demoted: eval.Demoted})
		s.notify(ctx, eval.Active, projectID, environment, "activated", fmt.Sprintf("%s went live on %s as scheduled", branchOf(eval.Active), environment))
	}
	return eval, nil
}

func branchOf(b *domain.BranchBinding) string {
	if b == nil {
		return ""
	}
	return b.Branch
}
