// Package events carries change notifications from services to stream subscribers.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chen-liangping/Omni/internal/ws"
)

// Kind names what happened.
type Kind string

const (
	KindProjectCreated       Kind = "project.created"
	KindBindingPlanned       Kind = "binding.planned"
	KindBindingRemoved       Kind = "binding.removed"
	KindBindingRescheduled   Kind = "binding.rescheduled"
	KindBindingTestCompleted Kind = "binding.test_completed"
	KindBindingRolledBack    Kind = "binding.rolled_back"
	KindBindingMerged        Kind = "binding.merged"
	KindBindingActivated     Kind = "binding.activated"
	KindBindingRejected      Kind = "binding.rejected"
	KindActiveChanged        Kind = "environment.active_changed"
	KindCommitCreated        Kind = "commit.created"
	KindCommitApproved       Kind = "commit.approved"
	KindCommitRejected       Kind = "commit.rejected"
	KindDeployRedeployed     Kind = "deploy.redeployed"
	KindDeployRolledBack     Kind = "deploy.rolled_back"
	KindBranchCreated        Kind = "repository.branch_created"
	KindBranchDeleted        Kind = "repository.branch_deleted"
	KindRepoUpdated          Kind = "repository.updated"
	KindRepoInitialized      Kind = "repository.initialized"
)

// TopicCommits receives every commit event regardless of project.
const TopicCommits = "commits"

// Event is the payload broadcast to stream subscribers.
type Event struct {
	Kind        Kind      `json:"kind"`
	ProjectID   string    `json:"project_id,omitempty"`
	Environment string    `json:"environment,omitempty"`
	BindingID   string    `json:"binding_id,omitempty"`
	CommitID    string    `json:"commit_id,omitempty"`
	DeployID    string    `json:"deploy_id,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	Demoted     []string  `json:"demoted,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	Source      string    `json:"source,omitempty"`
}

// Topics lists the hub topics the event is delivered on.
func (e Event) Topics() []string {
	topics := make([]string, 0, 2)
	if e.ProjectID != "" {
		topics = append(topics, e.ProjectID)
	}
	if e.CommitID != "" {
		topics = append(topics, TopicCommits)
	}
	return topics
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Discard drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Event) error { return nil }

// LocalBus broadcasts events to the in-process hub.
type LocalBus struct {
	hub *ws.Hub
	log *slog.Logger
	now func() time.Time
}

// NewLocalBus constructs a LocalBus.
func NewLocalBus(hub *ws.Hub, log *slog.Logger) *LocalBus {
	if log == nil {
		log = slog.Default()
	}
	return &LocalBus{hub: hub, log: log, now: time.Now}
}

// Publish encodes the event and broadcasts it on each of its topics.
func (b *LocalBus) Publish(_ context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = b.now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	b.hub.BroadcastTopics(event.Topics(), payload)
	b.log.Debug("event published", "kind", event.Kind, "project_id", event.ProjectID, "binding_id", event.BindingID)
	return nil
}
