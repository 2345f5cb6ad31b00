package project

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/events"
	"github.com/chen-liangping/Omni/internal/repository"
)

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	ID           string
	Name         string
	RepoURL      string
	Environments []string
}

// Store is the persistence the project service needs.
type Store interface {
	repository.ProjectRepository
	CreateEnvironment(ctx context.Context, state *domain.EnvironmentState) error
}

// Service orchestrates project management.
type Service struct {
	store  Store
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New returns a project service.
func New(store Store, publisher events.Publisher, logger *slog.Logger) Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return Service{store: store, events: publisher, logger: logger, now: time.Now}
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// NormalizeEnvironment lowercases an environment tag and validates its charset.
func NormalizeEnvironment(raw string) (string, error) {
	env := strings.ToLower(strings.TrimSpace(raw))
	env = strings.ReplaceAll(env, " ", "-")
	if !slugPattern.MatchString(env) {
		return "", fmt.Errorf("%w: invalid environment tag %q", domain.ErrValidation, raw)
	}
	return env, nil
}

func normalizeEnvironments(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return append([]string(nil), domain.DefaultEnvironments...), nil
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		env, err := NormalizeEnvironment(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[env]; dup {
			continue
		}
		seen[env] = struct{}{}
		out = append(out, env)
	}
	return out, nil
}

// Create registers a project and an empty environment per tag.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: project name is required", domain.ErrValidation)
	}
	repoURL := strings.TrimSpace(input.RepoURL)
	if repoURL == "" {
		return nil, fmt.Errorf("%w: repository url is required", domain.ErrValidation)
	}
	envs, err := normalizeEnvironments(input.Environments)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC()
	project := &domain.Project{ID: id, Name: name, RepoURL: repoURL, Environments: envs, CreatedAt: now}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	for _, env := range envs {
		state := &domain.EnvironmentState{ProjectID: id, Environment: env, UpdatedAt: now}
		if err := s.store.CreateEnvironment(ctx, state); err != nil {
			return nil, err
		}
	}
	s.logger.Info("project created", "project_id", id, "environments", envs)
	if err := s.events.Publish(ctx, events.Event{Kind: events.KindProjectCreated, ProjectID: id, Actor: domain.ActorFrom(ctx), OccurredAt: now}); err != nil {
		s.logger.Warn("publish event failed", "kind", events.KindProjectCreated, "error", err)
	}
	return project, nil
}

// Get returns a project.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	return s.store.GetProject(ctx, projectID)
}

// List returns every project.
func (s Service) List(ctx context.Context) ([]domain.Project, error) {
	return s.store.ListProjects(ctx)
}
