// Package fixtures loads demo data from a YAML seed file into a store.
package fixtures

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/lifecycle"
	"github.com/chen-liangping/Omni/internal/repository"
	"github.com/chen-liangping/Omni/internal/service/project"
	"github.com/chen-liangping/Omni/pkg/timefmt"
)

// Seed is the top-level document of a seed file.
type Seed struct {
	Robots      []RobotSeed           `yaml:"robots"`
	Projects    []ProjectSeed         `yaml:"projects"`
	Deployments []domain.DeployRecord `yaml:"deployments"`
}

// RobotSeed describes a notification robot.
type RobotSeed struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Disabled bool   `yaml:"disabled"`
}

// ProjectSeed describes a project and its environments.
type ProjectSeed struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	RepoURL      string            `yaml:"repo_url"`
	Environments []EnvironmentSeed `yaml:"environments"`
}

// EnvironmentSeed lists the bindings of one environment in insertion order.
type EnvironmentSeed struct {
	Name     string        `yaml:"name"`
	Bindings []BindingSeed `yaml:"bindings"`
}

// BindingSeed describes one branch binding. Times accept RFC3339 or
// "2006-01-02 15:04" in UTC.
type BindingSeed struct {
	ID             string   `yaml:"id"`
	Repo           string   `yaml:"repo"`
	Branch         string   `yaml:"branch"`
	Description    string   `yaml:"description"`
	ScheduledStart string   `yaml:"scheduled_start"`
	ScheduledEnd   string   `yaml:"scheduled_end"`
	IsDefault      bool     `yaml:"is_default"`
	Status         string   `yaml:"status"`
	RobotIDs       []string `yaml:"robot_ids"`
}

// Summary counts what Apply created.
type Summary struct {
	Robots      int
	Projects    int
	Bindings    int
	Deployments int
	Skipped     int
}

// Load reads and parses a seed file.
func Load(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a seed document.
func Parse(data []byte) (Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("%w: parse seed: %v", domain.ErrValidation, err)
	}
	return seed, nil
}

// Apply writes the seed into store. Entities that already exist are skipped so
// restarting against a persistent store is harmless.
func Apply(ctx context.Context, store repository.Store, seed Seed, logger *slog.Logger, now time.Time) (Summary, error) {
	var sum Summary
	now = now.UTC()

	for _, rs := range seed.Robots {
		robot := &domain.WebhookRobot{ID: rs.ID, Name: rs.Name, URL: rs.URL, Enabled: !rs.Disabled, CreatedAt: now}
		if _, err := store.GetRobot(ctx, rs.ID); err == nil {
			sum.Skipped++
			continue
		}
		if err := store.UpsertRobot(ctx, robot); err != nil {
			return sum, fmt.Errorf("seed robot %s: %w", rs.ID, err)
		}
		sum.Robots++
	}

	for _, ps := range seed.Projects {
		created, bindings, err := applyProject(ctx, store, ps, now)
		if err != nil {
			return sum, err
		}
		if !created {
			logger.Info("seed project exists, skipping", "project_id", ps.ID)
			sum.Skipped++
			continue
		}
		sum.Projects++
		sum.Bindings += bindings
	}

	for i := range seed.Deployments {
		record := seed.Deployments[i]
		if _, err := store.GetDeployRecord(ctx, record.ProjectID, record.ID); err == nil {
			sum.Skipped++
			continue
		}
		if err := store.AppendDeployRecord(ctx, &record); err != nil {
			return sum, fmt.Errorf("seed deployment %s: %w", record.ID, err)
		}
		sum.Deployments++
	}

	logger.Info("seed applied", "robots", sum.Robots, "projects", sum.Projects, "bindings", sum.Bindings, "deployments", sum.Deployments, "skipped", sum.Skipped)
	return sum, nil
}

func applyProject(ctx context.Context, store repository.Store, ps ProjectSeed, now time.Time) (bool, int, error) {
	if strings.TrimSpace(ps.ID) == "" {
		return false, 0, fmt.Errorf("%w: seed project id is required", domain.ErrValidation)
	}
	if _, err := store.GetProject(ctx, ps.ID); err == nil {
		return false, 0, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return false, 0, err
	}

	states := make([]domain.EnvironmentState, 0, len(ps.Environments))
	tags := make([]string, 0, len(ps.Environments))
	bindings := 0
	for _, es := range ps.Environments {
		tag, err := project.NormalizeEnvironment(es.Name)
		if err != nil {
			return false, 0, fmt.Errorf("seed %s: %w", ps.ID, err)
		}
		state := domain.EnvironmentState{ProjectID: ps.ID, Environment: tag, UpdatedAt: now}
		for _, bs := range es.Bindings {
			b, err := bindingFromSeed(bs, ps.RepoURL, now)
			if err != nil {
				return false, 0, fmt.Errorf("seed %s/%s: %w", ps.ID, tag, err)
			}
			state.Bindings = append(state.Bindings, b)
		}
		lifecycle.Evaluate(&state, now)
		states = append(states, state)
		tags = append(tags, tag)
		bindings += len(es.Bindings)
	}

	proj := &domain.Project{ID: ps.ID, Name: ps.Name, RepoURL: ps.RepoURL, Environments: tags, CreatedAt: now}
	if err := store.CreateProject(ctx, proj); err != nil {
		return false, 0, fmt.Errorf("seed project %s: %w", ps.ID, err)
	}
	for i := range states {
		if err := store.CreateEnvironment(ctx, &states[i]); err != nil {
			return false, 0, fmt.Errorf("seed environment %s/%s: %w", ps.ID, states[i].Environment, err)
		}
	}
	return true, bindings, nil
}

func bindingFromSeed(bs BindingSeed, defaultRepo string, now time.Time) (domain.BranchBinding, error) {
	start, err := timefmt.ParseOptional(bs.ScheduledStart, time.UTC)
	if err != nil {
		return domain.BranchBinding{}, fmt.Errorf("%w: binding %s scheduled_start: %v", domain.ErrValidation, bs.ID, err)
	}
	end, err := timefmt.ParseOptional(bs.ScheduledEnd, time.UTC)
	if err != nil {
		return domain.BranchBinding{}, fmt.Errorf("%w: binding %s scheduled_end: %v", domain.ErrValidation, bs.ID, err)
	}
	status := domain.BranchStatus(bs.Status)
	if status == "" {
		status = domain.BranchStatusTesting
	}
	if !status.Valid() {
		return domain.BranchBinding{}, fmt.Errorf("%w: binding %s has unknown status %q", domain.ErrValidation, bs.ID, bs.Status)
	}
	repo := strings.TrimSpace(bs.Repo)
	if repo == "" {
		repo = defaultRepo
	}
	id := strings.TrimSpace(bs.ID)
	if id == "" {
		id = uuid.NewString()
	}
	b := domain.BranchBinding{
		ID:             id,
		Repo:           repo,
		Branch:         bs.Branch,
		Description:    bs.Description,
		ScheduledStart: start,
		ScheduledEnd:   end,
		IsDefault:      bs.IsDefault,
		Status:         status,
		RobotIDs:       bs.RobotIDs,
		CreatedAt:      now,
	}
	switch status {
	case domain.BranchStatusCompleted:
		b.TestCompletedAt = domain.TimePtr(now)
	case domain.BranchStatusMerged:
		b.TestCompletedAt = domain.TimePtr(now)
		b.MergedAt = domain.TimePtr(now)
	}
	return b, nil
}
