// Package memory implements repository.Store in process memory.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/repository"
)

// Store keeps every entity in maps guarded by one lock.
type Store struct {
	mu         sync.RWMutex
	now        func() time.Time
	projects   map[string]domain.Project
	projectSeq []string
	envs       map[domain.EnvironmentRef]domain.EnvironmentState
	envSeq     []domain.EnvironmentRef
	commits    map[string]domain.CommitRecord
	deploys    map[string]domain.DeployRecord
	robots     map[string]domain.WebhookRobot
	robotSeq   []string
	catalogs   map[string]domain.RepoCatalog
	history    []domain.HistoryEntry
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		now:      time.Now,
		projects: make(map[string]domain.Project),
		envs:     make(map[domain.EnvironmentRef]domain.EnvironmentState),
		commits:  make(map[string]domain.CommitRecord),
		deploys:  make(map[string]domain.DeployRecord),
		robots:   make(map[string]domain.WebhookRobot),
		catalogs: make(map[string]domain.RepoCatalog),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) CreateProject(_ context.Context, project *domain.Project) error {
	if project == nil || project.ID == "" {
		return fmt.Errorf("%w: project id required", repository.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[project.ID]; ok {
		return fmt.Errorf("%w: project %s already exists", repository.ErrInvalidArgument, project.ID)
	}
	s.projects[project.ID] = project.Clone()
	s.projectSeq = append(s.projectSeq, project.ID)
	return nil
}

func (s *Store) GetProject(_ context.Context, projectID string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: project %s", repository.ErrNotFound, projectID)
	}
	out := p.Clone()
	return &out, nil
}

func (s *Store) ListProjects(context.Context) ([]domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Project, 0, len(s.projectSeq))
	for _, id := range s.projectSeq {
		out = append(out, s.projects[id].Clone())
	}
	return out, nil
}

func (s *Store) CreateEnvironment(_ context.Context, state *domain.EnvironmentState) error {
	if state == nil || state.ProjectID == "" || state.Environment == "" {
		return fmt.Errorf("%w: project and environment required", repository.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := state.Ref()
	if _, ok := s.envs[ref]; ok {
		return fmt.Errorf("%w: environment %s/%s already exists", repository.ErrInvalidArgument, ref.ProjectID, ref.Environment)
	}
	stored := state.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = s.now().UTC()
	}
	s.envs[ref] = stored
	s.envSeq = append(s.envSeq, ref)
	return nil
}

func (s *Store) GetEnvironment(_ context.Context, projectID, environment string) (*domain.EnvironmentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.envs[domain.EnvironmentRef{ProjectID: projectID, Environment: environment}]
	if !ok {
		return nil, fmt.Errorf("%w: environment %s/%s", repository.ErrNotFound, projectID, environment)
	}
	out := state.Clone()
	return &out, nil
}

func (s *Store) ListEnvironments(_ context.Context, projectID string) ([]domain.EnvironmentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.EnvironmentState, 0)
	for _, ref := range s.envSeq {
		if ref.ProjectID != projectID {
			continue
		}
		out = append(out, s.envs[ref].Clone())
	}
	return out, nil
}

func (s *Store) ListEnvironmentRefs(context.Context) ([]domain.EnvironmentRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.EnvironmentRef(nil), s.envSeq...), nil
}

func (s *Store) UpdateEnvironment(_ context.Context, projectID, environment string, fn repository.EnvironmentUpdate) (*domain.EnvironmentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := domain.EnvironmentRef{ProjectID: projectID, Environment: environment}
	current, ok := s.envs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: environment %s/%s", repository.ErrNotFound, projectID, environment)
	}
	working := current.Clone()
	if err := fn(&working); err != nil {
		return nil, err
	}
	working.ProjectID, working.Environment = projectID, environment
	working.Version = current.Version + 1
	working.UpdatedAt = s.now().UTC()
	s.envs[ref] = working.Clone()
	return &working, nil
}

func (s *Store) CreateCommit(_ context.Context, commit *domain.CommitRecord) error {
	if commit == nil || commit.ID == "" {
		return fmt.Errorf("%w: commit id required", repository.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commits[commit.ID]; ok {
		return fmt.Errorf("%w: commit %s already exists", repository.ErrInvalidArgument, commit.ID)
	}
	s.commits[commit.ID] = commit.Clone()
	return nil
}

func (s *Store) GetCommit(_ context.Context, commitID string) (*domain.CommitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commits[commitID]
	if !ok {
		return nil, fmt.Errorf("%w: commit %s", repository.ErrNotFound, commitID)
	}
	out := c.Clone()
	return &out, nil
}

func (s *Store) ListCommits(_ context.Context, filter domain.CommitFilter) ([]domain.CommitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CommitRecord, 0)
	for _, c := range s.commits {
		if filter.Matches(c) {
			out = append(out, c.Clone())
		}
	}
	repository.SortCommits(out)
	if limit := repository.NormalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateCommit(_ context.Context, commitID string, fn func(*domain.CommitRecord) error) (*domain.CommitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.commits[commitID]
	if !ok {
		return nil, fmt.Errorf("%w: commit %s", repository.ErrNotFound, commitID)
	}
	working := current.Clone()
	if err := fn(&working); err != nil {
		return nil, err
	}
	working.ID = commitID
	s.commits[commitID] = working.Clone()
	return &working, nil
}

func deployKey(projectID, recordID string) string {
	return projectID + "/" + recordID
}

func (s *Store) AppendDeployRecord(_ context.Context, record *domain.DeployRecord) error {
	if record == nil || record.ID == "" || record.ProjectID == "" {
		return fmt.Errorf("%w: deploy record id and project required", repository.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deployKey(record.ProjectID, record.ID)
	if _, ok := s.deploys[key]; ok {
		return fmt.Errorf("%w: deploy record %s already exists", repository.ErrInvalidArgument, record.ID)
	}
	s.deploys[key] = record.Clone()
	return nil
}

func (s *Store) GetDeployRecord(_ context.Context, projectID, recordID string) (*domain.DeployRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.deploys[deployKey(projectID, recordID)]
	if !ok {
		return nil, fmt.Errorf("%w: deploy record %s", repository.ErrNotFound, recordID)
	}
	out := r.Clone()
	return &out, nil
}

func (s *Store) ListDeployRecords(_ context.Context, projectID, environment string, limit int) ([]domain.DeployRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DeployRecord, 0)
	for _, r := range s.deploys {
		if r.ProjectID != projectID {
			continue
		}
		if environment != "" && r.Environment != environment {
			continue
		}
		out = append(out, r.Clone())
	}
	repository.SortDeployRecords(out)
	if limit = repository.NormalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateDeployRecord(_ context.Context, projectID, recordID string, fn func(*domain.DeployRecord) error) (*domain.DeployRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deployKey(projectID, recordID)
	current, ok := s.deploys[key]
	if !ok {
		return nil, fmt.Errorf("%w: deploy record %s", repository.ErrNotFound, recordID)
	}
	working := current.Clone()
	if err := fn(&working); err != nil {
		return nil, err
	}
	working.ID, working.ProjectID = recordID, projectID
	s.deploys[key] = working.Clone()
	return &working, nil
}

func (s *Store) ListRobots(context.Context) ([]domain.WebhookRobot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.WebhookRobot, 0, len(s.robotSeq))
	for _, id := range s.robotSeq {
		out = append(out, s.robots[id])
	}
	return out, nil
}

func (s *Store) GetRobot(_ context.Context, robotID string) (*domain.WebhookRobot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.robots[robotID]
	if !ok {
		return nil, fmt.Errorf("%w: robot %s", repository.ErrNotFound, robotID)
	}
	return &r, nil
}

func (s *Store) UpsertRobot(_ context.Context, robot *domain.WebhookRobot) error {
	if robot == nil || robot.ID == "" {
		return fmt.Errorf("%w: robot id required", repository.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.robots[robot.ID]; !ok {
		s.robotSeq = append(s.robotSeq, robot.ID)
	}
	s.robots[robot.ID] = *robot
	return nil
}

func (s *Store) DeleteRobot(_ context.Context, robotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.robots[robotID]; !ok {
		return fmt.Errorf("%w: robot %s", repository.ErrNotFound, robotID)
	}
	delete(s.robots, robotID)
	for i, id := range s.robotSeq {
		if id == robotID {
			s.robotSeq = append(s.robotSeq[:i], s.robotSeq[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) GetCatalog(_ context.Context, projectID string) (*domain.RepoCatalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.catalogs[projectID]
	if !ok {
		return nil, fmt.Errorf("%w: catalog %s", repository.ErrNotFound, projectID)
	}
	out := c.Clone()
	return &out, nil
}

func (s *Store) UpdateCatalog(_ context.Context, projectID string, fn repository.CatalogUpdate) (*domain.RepoCatalog, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id required", repository.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.catalogs[projectID]
	if !ok {
		current = domain.RepoCatalog{ProjectID: projectID}
	}
	working := current.Clone()
	if err := fn(&working); err != nil {
		return nil, err
	}
	working.ProjectID = projectID
	working.Version = current.Version + 1
	working.UpdatedAt = s.now().UTC()
	s.catalogs[projectID] = working.Clone()
	return &working, nil
}

func (s *Store) AppendHistory(_ context.Context, entry *domain.HistoryEntry) error {
	if entry == nil || entry.ID == "" || entry.ProjectID == "" {
		return fmt.Errorf("%w: history id and project required", repository.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, *entry)
	return nil
}

func (s *Store) ListHistory(_ context.Context, filter domain.HistoryFilter) ([]domain.HistoryEntry, error) {
	if filter.ProjectID == "" {
		return nil, fmt.Errorf("%w: project id required", repository.ErrInvalidArgument)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.HistoryEntry, 0)
	for _, e := range s.history {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	repository.SortHistory(out)
	if limit := repository.NormalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
