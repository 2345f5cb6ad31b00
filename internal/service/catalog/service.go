// Package catalog keeps the repository record of each project: metadata,
// branches with their protection rules, initialization and a log of the API
// calls made against the repository.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/events"
	"github.com/chen-liangping/Omni/internal/repository"
)

// API call names recorded in the catalog log.
const (
	CallUpdateRepository = "UpdateRepository"
	CallCreateBranch     = "CreateBranch"
	CallDeleteBranch     = "DeleteBranch"
	CallInitRepository   = "InitRepository"
)

// Initialization steps in execution order.
const (
	StepProtection = "inject branch protection rules"
	StepWorkflows  = "configure workflows"
	StepComplete   = "complete"
)

const (
	maxAPICalls    = 50
	maxDescription = 200
)

var branchPattern = regexp.MustCompile(`^[a-zA-Z0-9/_-]+$`)

// Store is the persistence the catalog service needs.
type Store interface {
	repository.ProjectRepository
	repository.CatalogRepository
}

// UpdateInput changes repository metadata. Empty fields keep their value.
type UpdateInput struct {
	Category   domain.RepoCategory   `json:"category"`
	Visibility domain.RepoVisibility `json:"visibility"`
}

// Service manages repository catalogs.
type Service struct {
	store  Store
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New returns a catalog service.
func New(store Store, publisher events.Publisher, logger *slog.Logger) Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return Service{store: store, events: publisher, logger: logger, now: time.Now}
}

// WithClock returns a copy of the service reading time from now.
func (s Service) WithClock(now func() time.Time) Service {
	s.now = now
	return s
}

// seed fills a catalog that was never written with the repository defaults.
func seed(c *domain.RepoCatalog, project *domain.Project) {
	if c.Version > 0 {
		return
	}
	c.ProjectID = project.ID
	if c.Category == "" {
		c.Category = domain.RepoCategoryFrontendMicro
	}
	if c.Visibility == "" {
		c.Visibility = domain.RepoPrivate
	}
	if len(c.Branches) == 0 {
		c.Branches = []domain.RepoBranch{
			{Name: "main", Description: "Production code", IsDefault: true, CreatedAt: project.CreatedAt},
			{Name: "develop", Description: "Integration branch for deployments", IsDefault: true, CreatedAt: project.CreatedAt},
		}
	}
	if c.Init.Status == "" {
		c.Init = domain.RepoInit{Status: domain.InitPending, Steps: pendingSteps()}
	}
	if c.APICalls == nil {
		c.APICalls = []domain.APICall{}
	}
}

func pendingSteps() []domain.InitStep {
	return []domain.InitStep{
		{Name: StepProtection, Status: domain.InitPending},
		{Name: StepWorkflows, Status: domain.InitPending},
		{Name: StepComplete, Status: domain.InitPending},
	}
}

// record prepends an API call, keeping the newest maxAPICalls.
func record(c *domain.RepoCatalog, name, actor string, at time.Time, err error) {
	call := domain.APICall{ID: uuid.NewString(), Name: name, Status: domain.APICallSuccess, Actor: actor, At: at}
	if err != nil {
		call.Status, call.Error = domain.APICallFailed, err.Error()
	}
	c.APICalls = append([]domain.APICall{call}, c.APICalls...)
	if len(c.APICalls) > maxAPICalls {
		c.APICalls = c.APICalls[:maxAPICalls]
	}
}

// Get returns the catalog of a project. A project whose catalog was never
// written reports the defaults.
func (s Service) Get(ctx context.Context, projectID string) (*domain.RepoCatalog, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetCatalog(ctx, projectID)
	if errors.Is(err, domain.ErrNotFound) {
		c, err = &domain.RepoCatalog{}, nil
	}
	if err != nil {
		return nil, err
	}
	seed(c, project)
	return c, nil
}

// List returns the catalog of every project.
func (s Service) List(ctx context.Context) ([]domain.RepoCatalog, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RepoCatalog, 0, len(projects))
	for _, p := range projects {
		c, err := s.Get(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// failedStep marks a call whose changes are kept even though it failed.
type failedStep struct{ err error }

func (f failedStep) Error() string { return f.err.Error() }

// run applies fn to the catalog and logs the call. A rejected call is still
// logged as failed unless the store itself is failing. When fn returns a
// failedStep its changes are saved and the call is logged as failed.
func (s Service) run(ctx context.Context, projectID, call string,
	fn func(c *domain.RepoCatalog, project *domain.Project, now time.Time) error) (*domain.RepoCatalog, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	actor := domain.ActorFrom(ctx)
	c, err := s.store.UpdateCatalog(ctx, projectID, func(c *domain.RepoCatalog) error {
		seed(c, project)
		err := fn(c, project, now)
		var step failedStep
		switch {
		case errors.As(err, &step):
			record(c, call, actor, now, step.err)
		case err != nil:
			return err
		default:
			record(c, call, actor, now, nil)
		}
		return nil
	})
	if err == nil {
		return c, nil
	}
	s.logger.Warn("repository call failed", "call", call, "project_id", projectID, "error", err)
	if errors.Is(err, domain.ErrPersistence) {
		return nil, err
	}
	_, logErr := s.store.UpdateCatalog(ctx, projectID, func(c *domain.RepoCatalog) error {
		seed(c, project)
		record(c, call, actor, now, err)
		return nil
	})
	if logErr != nil {
		s.logger.Error("record repository call failed", "call", call, "project_id", projectID, "error", logErr)
	}
	return nil, err
}

func (s Service) publish(ctx context.Context, kind events.Kind, projectID, branch string) {
	event := events.Event{Kind: kind, ProjectID: projectID, Branch: branch, Actor: domain.ActorFrom(ctx), OccurredAt: s.now().UTC()}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event failed", "kind", kind, "error", err)
	}
}

// Update changes the repository category or visibility.
func (s Service) Update(ctx context.Context, projectID string, input UpdateInput) (*domain.RepoCatalog, error) {
	c, err := s.run(ctx, projectID, CallUpdateRepository, func(c *domain.RepoCatalog, _ *domain.Project, _ time.Time) error {
		if input.Category != "" {
			if !input.Category.Valid() {
				return fmt.Errorf("%w: unknown repository category %q", domain.ErrValidation, input.Category)
			}
			c.Category = input.Category
		}
		if input.Visibility != "" {
			if !input.Visibility.Valid() {
				return fmt.Errorf("%w: unknown repository visibility %q", domain.ErrValidation, input.Visibility)
			}
			c.Visibility = input.Visibility
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.KindRepoUpdated, projectID, "")
	return c, nil
}

// CreateBranch adds a branch to the catalog. Branches created after
// initialization receive the protection rules matching their name.
func (s Service) CreateBranch(ctx context.Context, projectID, name, description string) (*domain.RepoBranch, error) {
	name, description = strings.TrimSpace(name), strings.TrimSpace(description)
	var created domain.RepoBranch
	_, err := s.run(ctx, projectID, CallCreateBranch, func(c *domain.RepoCatalog, _ *domain.Project, now time.Time) error {
		if name == "" || !branchPattern.MatchString(name) {
			return fmt.Errorf("%w: branch name %q may only contain letters, digits, '/', '_' and '-'", domain.ErrValidation, name)
		}
		if description == "" {
			return fmt.Errorf("%w: branch description is required", domain.ErrValidation)
		}
		if utf8.RuneCountInString(description) > maxDescription {
			return fmt.Errorf("%w: branch description exceeds %d characters", domain.ErrValidation, maxDescription)
		}
		if c.Branch(name) >= 0 {
			return fmt.Errorf("%w: branch %s already exists", domain.ErrValidation, name)
		}
		created = domain.RepoBranch{Name: name, Description: description, CreatedBy: domain.ActorFrom(ctx), CreatedAt: now}
		if c.Init.Status == domain.InitSuccess {
			created.Rules = RulesFor(name)
		}
		c.Branches = append(c.Branches, created)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("branch created", "project_id", projectID, "branch", name)
	s.publish(ctx, events.KindBranchCreated, projectID, name)
	return &created, nil
}

// DeleteBranch removes a branch. Default branches and branches whose rules
// restrict deletion are kept.
func (s Service) DeleteBranch(ctx context.Context, projectID, name string) error {
	name = strings.TrimSpace(name)
	_, err := s.run(ctx, projectID, CallDeleteBranch, func(c *domain.RepoCatalog, _ *domain.Project, _ time.Time) error {
		idx := c.Branch(name)
		if idx < 0 {
			return fmt.Errorf("%w: branch %s", domain.ErrNotFound, name)
		}
		b := c.Branches[idx]
		if b.IsDefault {
			return fmt.Errorf("%w: default branch %s cannot be deleted", domain.ErrInvalidTransition, name)
		}
		if b.Protected() {
			return fmt.Errorf("%w: branch %s is protected from deletion", domain.ErrInvalidTransition, name)
		}
		c.Branches = append(c.Branches[:idx], c.Branches[idx+1:]...)
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("branch deleted", "project_id", projectID, "branch", name)
	s.publish(ctx, events.KindBranchDeleted, projectID, name)
	return nil
}

// Initialize injects protection rules into every matching branch and points
// the CI workflows at the repository. The outcome, including a failed step, is
// stored in the catalog's init status; running it again is safe.
func (s Service) Initialize(ctx context.Context, projectID string) (*domain.RepoCatalog, error) {
	c, err := s.run(ctx, projectID, CallInitRepository, func(c *domain.RepoCatalog, project *domain.Project, now time.Time) error {
		steps := pendingSteps()
		c.Init = domain.RepoInit{Status: domain.InitPending, Steps: steps}
		for i := range c.Branches {
			c.Branches[i].Rules = RulesFor(c.Branches[i].Name)
		}
		steps[0].Status = domain.InitSuccess

		target, err := workflowTarget(project.RepoURL)
		if err != nil {
			steps[1].Status, steps[1].Error = domain.InitFailed, err.Error()
			c.Init.Status, c.Init.Error = domain.InitFailed, err.Error()
			return failedStep{err: err}
		}
		steps[1].Status = domain.InitSuccess
		steps[2].Status = domain.InitSuccess
		finished := now
		c.Init.Status, c.Init.Target, c.Init.FinishedAt = domain.InitSuccess, target, &finished
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.Init.Status == domain.InitFailed {
		s.logger.Warn("repository initialization failed", "project_id", projectID, "error", c.Init.Error)
		return c, nil
	}
	s.logger.Info("repository initialized", "project_id", projectID, "target", c.Init.Target)
	s.publish(ctx, events.KindRepoInitialized, projectID, "")
	return c, nil
}

// workflowTarget derives owner/repository from an https or scp-style git URL.
func workflowTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	var path string
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		path = u.Path
	} else if at, colon := strings.Index(raw, "@"), strings.Index(raw, ":"); at > 0 && colon > at {
		path = raw[colon+1:]
	}
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" || parts[len(parts)-1] == "" {
		return "", fmt.Errorf("cannot derive owner/repository from %q", raw)
	}
	return path, nil
}
