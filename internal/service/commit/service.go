package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/events"
	"github.com/chen-liangping/Omni/internal/metrics"
	"github.com/chen-liangping/Omni/internal/repository"
)

// BindingRejecter demotes the binding behind a rejected commit.
type BindingRejecter interface {
	Reject(ctx context.Context, projectID, environment, bindingID string) (*domain.BranchBinding, error)
}

// Service manages the merge request approval queue.
type Service struct {
	commits  repository.CommitRepository
	bindings BindingRejecter
	events   events.Publisher
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// New constructs a commit service.
func New(commits repository.CommitRepository, bindings BindingRejecter, publisher events.Publisher, logger *slog.Logger, rec *metrics.Recorder) Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return Service{commits: commits, bindings: bindings, events: publisher, logger: logger, metrics: rec, now: time.Now}
}

// WithClock returns a copy reading time from now.
func (s Service) WithClock(now func() time.Time) Service {
	s.now = now
	return s
}

// List returns commits newest first.
func (s Service) List(ctx context.Context, filter domain.CommitFilter) ([]domain.CommitRecord, error) {
	if filter.Status != "" {
		switch filter.Status {
		case domain.CommitStatusPending, domain.CommitStatusApproved, domain.CommitStatusRejected:
		default:
			return nil, fmt.Errorf("%w: unknown commit status %q", domain.ErrValidation, filter.Status)
		}
	}
	return s.commits.ListCommits(ctx, filter)
}

// Get returns one commit.
func (s Service) Get(ctx context.Context, commitID string) (*domain.CommitRecord, error) {
	return s.commits.GetCommit(ctx, commitID)
}

func (s Service) review(ctx context.Context, op, commitID string, apply func(c *domain.CommitRecord, now time.Time)) (*domain.CommitRecord, error) {
	now := s.now().UTC()
	reviewer := domain.ActorFrom(ctx)
	updated, err := s.commits.UpdateCommit(ctx, commitID, func(c *domain.CommitRecord) error {
		if c.Status != domain.CommitStatusPending {
			return fmt.Errorf("%w: commit %s is already %s", domain.ErrInvalidTransition, c.CommitID, c.Status)
		}
		c.Reviewer = reviewer
		c.ReviewedAt = domain.TimePtr(now)
		apply(c, now)
		return nil
	})
	s.metrics.Transition(op, err)
	return updated, err
}

// Approve accepts a pending commit.
func (s Service) Approve(ctx context.Context, commitID string) (*domain.CommitRecord, error) {
	c, err := s.review(ctx, "commit_approve", commitID, func(c *domain.CommitRecord, _ time.Time) {
		c.Status = domain.CommitStatusApproved
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("commit approved", "commit_id", c.ID, "project_id", c.ProjectID, "reviewer", c.Reviewer)
	s.publish(ctx, events.Event{Kind: events.KindCommitApproved, ProjectID: c.ProjectID, Environment: c.Environment, BindingID: c.BindingID, CommitID: c.ID})
	return c, nil
}

// Reject declines a pending commit and returns its binding to completed so it
// can be fixed and merged again. The binding is demoted before the commit is
// marked, so a failed demotion leaves the commit pending for a retry.
func (s Service) Reject(ctx context.Context, commitID, reason string) (*domain.CommitRecord, error) {
	current, err := s.commits.GetCommit(ctx, commitID)
	if err != nil {
		s.metrics.Transition("commit_reject", err)
		return nil, err
	}
	if current.Status != domain.CommitStatusPending {
		err := fmt.Errorf("%w: commit %s is already %s", domain.ErrInvalidTransition, current.CommitID, current.Status)
		s.metrics.Transition("commit_reject", err)
		return nil, err
	}
	if s.bindings != nil {
		if _, err := s.bindings.Reject(ctx, current.ProjectID, current.Environment, current.BindingID); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				s.metrics.Transition("commit_reject", err)
				s.logger.Warn("demote binding for rejected commit failed", "commit_id", current.ID, "binding_id", current.BindingID, "error", err)
				return nil, err
			}
			s.logger.Warn("rejected commit has no binding", "commit_id", current.ID, "binding_id", current.BindingID)
		}
	}
	c, err := s.review(ctx, "commit_reject", commitID, func(c *domain.CommitRecord, _ time.Time) {
		c.Status = domain.CommitStatusRejected
		c.RejectReason = strings.TrimSpace(reason)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("commit rejected", "commit_id", c.ID, "project_id", c.ProjectID, "reviewer", c.Reviewer)
	s.publish(ctx, events.Event{Kind: events.KindCommitRejected, ProjectID: c.ProjectID, Environment: c.Environment, BindingID: c.BindingID, CommitID: c.ID})
	return c, nil
}

func (s Service) publish(ctx context.Context, event events.Event) {
	event.Actor = domain.ActorFrom(ctx)
	event.OccurredAt = s.now().UTC()
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event failed", "kind", event.Kind, "error", err)
	}
}
