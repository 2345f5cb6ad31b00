// Package deploy serves simulated deploy history for project environments.
// Nothing here talks to a real cluster; records, replica sets and pod logs are
// fabricated deterministically so the dashboard has data to show.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/events"
	"github.com/chen-liangping/Omni/internal/repository"
)

const podsPerReplicaSet = 3

// Service exposes deploy records, redeploy and rollback.
type Service struct {
	projects repository.ProjectRepository
	records  repository.DeployRecordRepository
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a deploy record service.
func New(projects repository.ProjectRepository, records repository.DeployRecordRepository, publisher events.Publisher, logger *slog.Logger) Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return Service{projects: projects, records: records, events: publisher, logger: logger, now: time.Now}
}

// WithClock returns a copy reading time from now.
func (s Service) WithClock(now func() time.Time) Service {
	s.now = now
	return s
}

// List returns deploy records newest first.
func (s Service) List(ctx context.Context, projectID, environment string, limit int) ([]domain.DeployRecord, error) {
	if _, err := s.projects.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.records.ListDeployRecords(ctx, projectID, strings.TrimSpace(environment), limit)
}

// Get returns one deploy record.
func (s Service) Get(ctx context.Context, projectID, recordID string) (*domain.DeployRecord, error) {
	return s.records.GetDeployRecord(ctx, projectID, recordID)
}

// Redeploy ships the commit of an existing record again as a new record with a
// fresh current replica set.
func (s Service) Redeploy(ctx context.Context, projectID, recordID string) (*domain.DeployRecord, error) {
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	source, err := s.records.GetDeployRecord(ctx, projectID, recordID)
	if err != nil {
		return nil, err
	}
	history, err := s.records.ListDeployRecords(ctx, projectID, "", repository.DefaultListLimit)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rs := newReplicaSet(appName(project.Name), now)
	record := &domain.DeployRecord{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		DeployID:    fmt.Sprintf("#%d", nextDeployNumber(history)),
		Commit:      source.Commit,
		Environment: source.Environment,
		Status:      domain.DeployStatusSuccess,
		Duration:    "2m30s",
		DeployedAt:  now,
		ReplicaSets: []domain.ReplicaSetRecord{rs},
	}
	for _, prev := range source.Clone().ReplicaSets {
		prev.IsCurrent = false
		record.ReplicaSets = append(record.ReplicaSets, prev)
	}
	if err := s.records.AppendDeployRecord(ctx, record); err != nil {
		return nil, err
	}
	s.logger.Info("redeploy recorded", "project_id", projectID, "source", recordID, "deploy_id", record.DeployID, "actor", domain.ActorFrom(ctx))
	s.publish(ctx, events.Event{Kind: events.KindDeployRedeployed, ProjectID: projectID, Environment: record.Environment, DeployID: record.ID})
	return record, nil
}

// Rollback marks replicaSetID as the current replica set of the record.
func (s Service) Rollback(ctx context.Context, projectID, recordID, replicaSetID string) (*domain.DeployRecord, error) {
	record, err := s.records.UpdateDeployRecord(ctx, projectID, recordID, func(r *domain.DeployRecord) error {
		found := false
		for i := range r.ReplicaSets {
			if r.ReplicaSets[i].ID == replicaSetID || r.ReplicaSets[i].Name == replicaSetID {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("%w: replica set %s", domain.ErrNotFound, replicaSetID)
		}
		for i := range r.ReplicaSets {
			rs := &r.ReplicaSets[i]
			rs.IsCurrent = rs.ID == replicaSetID || rs.Name == replicaSetID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("rollback recorded", "project_id", projectID, "record_id", recordID, "replica_set", replicaSetID, "actor", domain.ActorFrom(ctx))
	s.publish(ctx, events.Event{Kind: events.KindDeployRolledBack, ProjectID: projectID, Environment: record.Environment, DeployID: record.ID})
	return record, nil
}

// PodLogs returns the simulated log lines of one pod.
func (s Service) PodLogs(ctx context.Context, projectID, recordID, podID string) ([]string, error) {
	record, err := s.records.GetDeployRecord(ctx, projectID, recordID)
	if err != nil {
		return nil, err
	}
	pod, ok := record.Pod(podID)
	if !ok {
		return nil, fmt.Errorf("%w: pod %s", domain.ErrNotFound, podID)
	}
	return podLogLines(*pod, record.DeployedAt), nil
}

func (s Service) publish(ctx context.Context, event events.Event) {
	event.Actor = domain.ActorFrom(ctx)
	event.OccurredAt = s.now().UTC()
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event failed", "kind", event.Kind, "error", err)
	}
}

func podLogLines(pod domain.PodRecord, started time.Time) []string {
	steps := []string{
		"[INFO] Pod starting...",
		"[INFO] Container image pulled successfully",
		"[INFO] Container started",
		"[INFO] Health check passed",
		"[INFO] Pod ready",
	}
	switch pod.Status {
	case domain.PodStatusRunning:
		steps = append(steps, "[INFO] Service is running normally")
	case domain.PodStatusFailed:
		steps = append(steps, "[ERROR] Container failed to start", "[ERROR] Exit code: 1")
	case domain.PodStatusTerminated:
		steps = append(steps, "[INFO] Received SIGTERM, shutting down")
	}
	lines := make([]string, 0, len(steps))
	for i, step := range steps {
		ts := started.UTC().Add(time.Duration(i*5) * time.Second)
		lines = append(lines, ts.Format("2006-01-02 15:04:05")+" "+step)
	}
	return lines
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func appName(projectName string) string {
	name := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(projectName), "-"), "-")
	if name == "" {
		return "app"
	}
	return name
}

func nextDeployNumber(history []domain.DeployRecord) int {
	highest := 100
	for _, r := range history {
		n, err := strconv.Atoi(strings.TrimPrefix(r.DeployID, "#"))
		if err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1
}

func newReplicaSet(app string, now time.Time) domain.ReplicaSetRecord {
	hash := strings.ReplaceAll(uuid.NewString(), "-", "")
	name := app + "-" + hash[:9]
	rs := domain.ReplicaSetRecord{
		ID:        "rs-" + hash[:8],
		Name:      name,
		CreatedAt: now.Format("15:04"),
		PodStatus: domain.PodStatusSummary{Running: podsPerReplicaSet},
		Uptime:    "0m",
		IsCurrent: true,
	}
	for i := 0; i < podsPerReplicaSet; i++ {
		rs.Pods = append(rs.Pods, domain.PodRecord{
			ID:        fmt.Sprintf("pod-%s-%d", hash[9:15], i+1),
			Name:      fmt.Sprintf("%s-%s", name, hash[15+i*5:20+i*5]),
			Status:    domain.PodStatusRunning,
			Node:      fmt.Sprintf("node-%d", i%2+1),
			CreatedAt: now.Format("15:04"),
		})
	}
	return rs
}
