package repository

import (
	"context"
	"sort"

	"github.com/chen-liangping/Omni/internal/domain"
)

// ProjectRepository persists project configuration.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
}

// EnvironmentUpdate mutates an environment state inside an atomic read-modify-write.
// Returning an error aborts the write.
type EnvironmentUpdate func(state *domain.EnvironmentState) error

// EnvironmentRepository persists branch bindings per environment.
type EnvironmentRepository interface {
	CreateEnvironment(ctx context.Context, state *domain.EnvironmentState) error
	GetEnvironment(ctx context.Context, projectID, environment string) (*domain.EnvironmentState, error)
	ListEnvironments(ctx context.Context, projectID string) ([]domain.EnvironmentState, error)
	ListEnvironmentRefs(ctx context.Context) ([]domain.EnvironmentRef, error)
	UpdateEnvironment(ctx context.Context, projectID, environment string, fn EnvironmentUpdate) (*domain.EnvironmentState, error)
}

// CommitRepository stores merge request records.
type CommitRepository interface {
	CreateCommit(ctx context.Context, commit *domain.CommitRecord) error
	GetCommit(ctx context.Context, commitID string) (*domain.CommitRecord, error)
	ListCommits(ctx context.Context, filter domain.CommitFilter) ([]domain.CommitRecord, error)
	UpdateCommit(ctx context.Context, commitID string, fn func(commit *domain.CommitRecord) error) (*domain.CommitRecord, error)
}

// DeployRecordRepository stores mocked deploy history.
type DeployRecordRepository interface {
	AppendDeployRecord(ctx context.Context, record *domain.DeployRecord) error
	GetDeployRecord(ctx context.Context, projectID, recordID string) (*domain.DeployRecord, error)
	ListDeployRecords(ctx context.Context, projectID, environment string, limit int) ([]domain.DeployRecord, error)
	UpdateDeployRecord(ctx context.Context, projectID, recordID string, fn func(record *domain.DeployRecord) error) (*domain.DeployRecord, error)
}

// WebhookRepository stores notification robots.
type WebhookRepository interface {
	ListRobots(ctx context.Context) ([]domain.WebhookRobot, error)
	GetRobot(ctx context.Context, robotID string) (*domain.WebhookRobot, error)
	UpsertRobot(ctx context.Context, robot *domain.WebhookRobot) error
	DeleteRobot(ctx context.Context, robotID string) error
}

// CatalogUpdate mutates a repository catalog inside an atomic read-modify-write.
// A project with no stored catalog yields a zero catalog carrying only its project id.
type CatalogUpdate func(catalog *domain.RepoCatalog) error

// CatalogRepository stores the repository catalog of each project.
type CatalogRepository interface {
	GetCatalog(ctx context.Context, projectID string) (*domain.RepoCatalog, error)
	UpdateCatalog(ctx context.Context, projectID string, fn CatalogUpdate) (*domain.RepoCatalog, error)
}

// HistoryRepository is the append-only operation log of environments.
type HistoryRepository interface {
	AppendHistory(ctx context.Context, entry *domain.HistoryEntry) error
	ListHistory(ctx context.Context, filter domain.HistoryFilter) ([]domain.HistoryEntry, error)
}

// Store bundles every repository behind one backing driver.
type Store interface {
	ProjectRepository
	EnvironmentRepository
	CommitRepository
	DeployRecordRepository
	WebhookRepository
	CatalogRepository
	HistoryRepository
	Ping(ctx context.Context) error
	Close() error
}

// DefaultListLimit caps listings when callers pass a non-positive limit.
const DefaultListLimit = 100

// NormalizeLimit applies DefaultListLimit to non-positive limits.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// SortCommits orders commits newest first.
func SortCommits(commits []domain.CommitRecord) {
	sort.SliceStable(commits, func(i, j int) bool {
		if commits[i].CreatedAt.Equal(commits[j].CreatedAt) {
			return commits[i].ID > commits[j].ID
		}
		return commits[i].CreatedAt.After(commits[j].CreatedAt)
	})
}

// SortDeployRecords orders deploy records newest first.
func SortDeployRecords(records []domain.DeployRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].DeployedAt.Equal(records[j].DeployedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].DeployedAt.After(records[j].DeployedAt)
	})
}

// SortHistory orders history entries newest first.
func SortHistory(entries []domain.HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].At.Equal(entries[j].At) {
			return entries[i].ID > entries[j].ID
		}
		return entries[i].At.After(entries[j].At)
	})
}
