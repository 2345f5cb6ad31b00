package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/repository"
)

// Repository implements repository.Store on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.Store = (*Repository)(nil)

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return repository.WrapPersistence("ping", err)
	}
	return nil
}

// Close releases the pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// mapError translates driver errors into repository sentinels.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", repository.ErrNotFound, op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return fmt.Errorf("%w: %s: %s", repository.ErrNotFound, op, pgErr.Message)
		case "23514", "22P02", "23505":
			return fmt.Errorf("%w: %s: %s", repository.ErrInvalidArgument, op, pgErr.Message)
		}
	}
	return repository.WrapPersistence(op, err)
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, repo_url, environments, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	envs := project.Environments
	if envs == nil {
		envs = []string{}
	}
	_, err := r.pool.Exec(ctx, query, project.ID, project.Name, project.RepoURL, envs, project.CreatedAt)
	return mapError("create project "+project.ID, err)
}

// GetProject fetches a project by id.
func (r *Repository) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, repo_url, environments, created_at FROM projects WHERE id = $1`
	var p domain.Project
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&p.ID, &p.Name, &p.RepoURL, &p.Environments, &p.CreatedAt); err != nil {
		return nil, mapError("project "+projectID, err)
	}
	return &p, nil
}

// ListProjects returns projects in creation order.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT id, name, repo_url, environments, created_at FROM projects ORDER BY seq`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, mapError("list projects", err)
	}
	defer rows.Close()
	out := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.RepoURL, &p.Environments, &p.CreatedAt); err != nil {
			return nil, mapError("scan project", err)
		}
		out = append(out, p)
	}
	return out, mapError("list projects", rows.Err())
}

// CreateEnvironment inserts an environment state document.
func (r *Repository) CreateEnvironment(ctx context.Context, state *domain.EnvironmentState) error {
	const query = `INSERT INTO environment_states (project_id, environment, state, version, updated_at)
		VALUES ($1, $2, $3, $4, NOW())`
	raw, err := json.Marshal(state)
	if err != nil {
		return repository.WrapPersistence("encode environment", err)
	}
	_, err = r.pool.Exec(ctx, query, state.ProjectID, state.Environment, raw, state.Version)
	return mapError(fmt.Sprintf("create environment %s/%s", state.ProjectID, state.Environment), err)
}

// GetEnvironment loads one environment state.
func (r *Repository) GetEnvironment(ctx context.Context, projectID, environment string) (*domain.EnvironmentState, error) {
	const query = `SELECT state, version, updated_at FROM environment_states WHERE project_id = $1 AND environment = $2`
	return scanEnvironment(r.pool.QueryRow(ctx, query, projectID, environment), projectID, environment)
}

func scanEnvironment(row pgx.Row, projectID, environment string) (*domain.EnvironmentState, error) {
	var state domain.EnvironmentState
	var raw []byte
	if err := row.Scan(&raw, &state.Version, &state.UpdatedAt); err != nil {
		return nil, mapError(fmt.Sprintf("environment %s/%s", projectID, environment), err)
	}
	version, updatedAt := state.Version, state.UpdatedAt
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, repository.WrapPersistence("decode environment", err)
	}
	state.ProjectID, state.Environment = projectID, environment
	state.Version, state.UpdatedAt = version, updatedAt
	return &state, nil
}

// ListEnvironments returns the environments of a project in creation order.
func (r *Repository) ListEnvironments(ctx context.Context, projectID string) ([]domain.EnvironmentState, error) {
	const query = `SELECT environment, state, version, updated_at FROM environment_states
		WHERE project_id = $1 ORDER BY seq`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, mapError("list environments", err)
	}
	defer rows.Close()
	out := make([]domain.EnvironmentState, 0)
	for rows.Next() {
		var (
			env string
			raw []byte
			st  domain.EnvironmentState
		)
		if err := rows.Scan(&env, &raw, &st.Version, &st.UpdatedAt); err != nil {
			return nil, mapError("scan environment", err)
		}
		version, updatedAt := st.Version, st.UpdatedAt
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, repository.WrapPersistence("decode environment", err)
		}
		st.ProjectID, st.Environment = projectID, env
		st.Version, st.UpdatedAt = version, updatedAt
		out = append(out, st)
	}
	return out, mapError("list environments", rows.Err())
}

// ListEnvironmentRefs enumerates every stored environment.
func (r *Repository) ListEnvironmentRefs(ctx context.Context) ([]domain.EnvironmentRef, error) {
	const query = `SELECT project_id, environment FROM environment_states ORDER BY seq`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, mapError("list environment refs", err)
	}
	defer rows.Close()
	out := make([]domain.EnvironmentRef, 0)
	for rows.Next() {
		var ref domain.EnvironmentRef
		if err := rows.Scan(&ref.ProjectID, &ref.Environment); err != nil {
			return nil, mapError("scan environment ref", err)
		}
		out = append(out, ref)
	}
	return out, mapError("list environment refs", rows.Err())
}

// UpdateEnvironment applies fn to the locked row and persists the result.
func (r *Repository) UpdateEnvironment(ctx context.Context, projectID, environment string, fn repository.EnvironmentUpdate) (*domain.EnvironmentState, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, mapError("begin environment update", err)
	}
	defer tx.Rollback(ctx)

	const selectQuery = `SELECT state, version, updated_at FROM environment_states
		WHERE project_id = $1 AND environment = $2 FOR UPDATE`
	state, err := scanEnvironment(tx.QueryRow(ctx, selectQuery, projectID, environment), projectID, environment)
	if err != nil {
		return nil, err
	}
	version := state.Version
	if err := fn(state); err != nil {
		return nil, err
	}
	state.ProjectID, state.Environment = projectID, environment
	state.Version = version + 1

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, repository.WrapPersistence("encode environment", err)
	}
	const updateQuery = `UPDATE environment_states SET state = $3, version = $4, updated_at = NOW()
		WHERE project_id = $1 AND environment = $2 RETURNING updated_at`
	if err := tx.QueryRow(ctx, updateQuery, projectID, environment, raw, state.Version).Scan(&state.UpdatedAt); err != nil {
		return nil, mapError("update environment", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError("commit environment update", err)
	}
	return state, nil
}

const commitColumns = `id, project_id, environment, binding_id, repo, branch, submitter, description,
	commit_id, pull_request_url, status, reviewer, reject_reason, created_at, reviewed_at`

func scanCommit(row pgx.Row) (*domain.CommitRecord, error) {
	var c domain.CommitRecord
	if err := row.Scan(&c.ID, &c.ProjectID, &c.Environment, &c.BindingID, &c.Repo, &c.Branch, &c.Submitter,
		&c.Description, &c.CommitID, &c.PullRequestURL, &c.Status, &c.Reviewer, &c.RejectReason, &c.CreatedAt, &c.ReviewedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCommit inserts a commit record.
func (r *Repository) CreateCommit(ctx context.Context, c *domain.CommitRecord) error {
	const query = `INSERT INTO commit_records (` + commitColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.pool.Exec(ctx, query, c.ID, c.ProjectID, c.Environment, c.BindingID, c.Repo, c.Branch, c.Submitter,
		c.Description, c.CommitID, c.PullRequestURL, c.Status, c.Reviewer, c.RejectReason, c.CreatedAt, c.ReviewedAt)
	return mapError("create commit "+c.ID, err)
}

// GetCommit loads a commit record.
func (r *Repository) GetCommit(ctx context.Context, commitID string) (*domain.CommitRecord, error) {
	const query = `SELECT ` + commitColumns + ` FROM commit_records WHERE id = $1`
	c, err := scanCommit(r.pool.QueryRow(ctx, query, commitID))
	if err != nil {
		return nil, mapError("commit "+commitID, err)
	}
	return c, nil
}

// ListCommits returns commits newest first.
func (r *Repository) ListCommits(ctx context.Context, filter domain.CommitFilter) ([]domain.CommitRecord, error) {
	const query = `SELECT ` + commitColumns + ` FROM commit_records
		WHERE ($1 = '' OR project_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, filter.ProjectID, string(filter.Status), repository.NormalizeLimit(filter.Limit))
	if err != nil {
		return nil, mapError("list commits", err)
	}
	defer rows.Close()
	out := make([]domain.CommitRecord, 0)
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, mapError("scan commit", err)
		}
		out = append(out, *c)
	}
	return out, mapError("list commits", rows.Err())
}

// UpdateCommit applies fn to the locked commit row.
func (r *Repository) UpdateCommit(ctx context.Context, commitID string, fn func(*domain.CommitRecord) error) (*domain.CommitRecord, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, mapError("begin commit update", err)
	}
	defer tx.Rollback(ctx)

	const selectQuery = `SELECT ` + commitColumns + ` FROM commit_records WHERE id = $1 FOR UPDATE`
	c, err := scanCommit(tx.QueryRow(ctx, selectQuery, commitID))
	if err != nil {
		return nil, mapError("commit "+commitID, err)
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	c.ID = commitID
	const updateQuery = `UPDATE commit_records SET status = $2, reviewer = $3, reject_reason = $4, reviewed_at = $5,
		description = $6 WHERE id = $1`
	if _, err := tx.Exec(ctx, updateQuery, c.ID, c.Status, c.Reviewer, c.RejectReason, c.ReviewedAt, c.Description); err != nil {
		return nil, mapError("update commit", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError("commit update", err)
	}
	return c, nil
}

// AppendDeployRecord inserts a deploy record document.
func (r *Repository) AppendDeployRecord(ctx context.Context, record *domain.DeployRecord) error {
	const query = `INSERT INTO deploy_records (project_id, id, environment, deployed_at, record)
		VALUES ($1, $2, $3, $4, $5)`
	raw, err := json.Marshal(record)
	if err != nil {
		return repository.WrapPersistence("encode deploy record", err)
	}
	_, err = r.pool.Exec(ctx, query, record.ProjectID, record.ID, record.Environment, record.DeployedAt, raw)
	return mapError("create deploy record "+record.ID, err)
}

func decodeDeploy(raw []byte) (*domain.DeployRecord, error) {
	var record domain.DeployRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, repository.WrapPersistence("decode deploy record", err)
	}
	return &record, nil
}

// GetDeployRecord loads one deploy record.
func (r *Repository) GetDeployRecord(ctx context.Context, projectID, recordID string) (*domain.DeployRecord, error) {
	const query = `SELECT record FROM deploy_records WHERE project_id = $1 AND id = $2`
	var raw []byte
	if err := r.pool.QueryRow(ctx, query, projectID, recordID).Scan(&raw); err != nil {
		return nil, mapError("deploy record "+recordID, err)
	}
	return decodeDeploy(raw)
}

// ListDeployRecords returns records newest first, optionally filtered by environment.
func (r *Repository) ListDeployRecords(ctx context.Context, projectID, environment string, limit int) ([]domain.DeployRecord, error) {
	const query = `SELECT record FROM deploy_records
		WHERE project_id = $1 AND ($2 = '' OR environment = $2)
		ORDER BY deployed_at DESC, id DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, projectID, environment, repository.NormalizeLimit(limit))
	if err != nil {
		return nil, mapError("list deploy records", err)
	}
	defer rows.Close()
	out := make([]domain.DeployRecord, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, mapError("scan deploy record", err)
		}
		record, err := decodeDeploy(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *record)
	}
	return out, mapError("list deploy records", rows.Err())
}

// UpdateDeployRecord applies fn to the locked record row.
func (r *Repository) UpdateDeployRecord(ctx context.Context, projectID, recordID string, fn func(*domain.DeployRecord) error) (*domain.DeployRecord, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, mapError("begin deploy update", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	const selectQuery = `SELECT record FROM deploy_records WHERE project_id = $1 AND id = $2 FOR UPDATE`
	if err := tx.QueryRow(ctx, selectQuery, projectID, recordID).Scan(&raw); err != nil {
		return nil, mapError("deploy record "+recordID, err)
	}
	record, err := decodeDeploy(raw)
	if err != nil {
		return nil, err
	}
	if err := fn(record); err != nil {
		return nil, err
	}
	record.ID, record.ProjectID = recordID, projectID
	if raw, err = json.Marshal(record); err != nil {
		return nil, repository.WrapPersistence("encode deploy record", err)
	}
	const updateQuery = `UPDATE deploy_records SET record = $3, environment = $4, deployed_at = $5
		WHERE project_id = $1 AND id = $2`
	if _, err := tx.Exec(ctx, updateQuery, projectID, recordID, raw, record.Environment, record.DeployedAt); err != nil {
		return nil, mapError("update deploy record", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError("commit deploy update", err)
	}
	return record, nil
}

// ListRobots returns robots in registration order.
func (r *Repository) ListRobots(ctx context.Context) ([]domain.WebhookRobot, error) {
	const query = `SELECT id, name, url, enabled, created_at FROM webhook_robots ORDER BY seq`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, mapError("list robots", err)
	}
	defer rows.Close()
	out := make([]domain.WebhookRobot, 0)
	for rows.Next() {
		var robot domain.WebhookRobot
		if err := rows.Scan(&robot.ID, &robot.Name, &robot.URL, &robot.Enabled, &robot.CreatedAt); err != nil {
			return nil, mapError("scan robot", err)
		}
		out = append(out, robot)
	}
	return out, mapError("list robots", rows.Err())
}

// GetRobot loads one robot.
func (r *Repository) GetRobot(ctx context.Context, robotID string) (*domain.WebhookRobot, error) {
	const query = `SELECT id, name, url, enabled, created_at FROM webhook_robots WHERE id = $1`
	var robot domain.WebhookRobot
	if err := r.pool.QueryRow(ctx, query, robotID).Scan(&robot.ID, &robot.Name, &robot.URL, &robot.Enabled, &robot.CreatedAt); err != nil {
		return nil, mapError("robot "+robotID, err)
	}
	return &robot, nil
}

// UpsertRobot inserts or replaces a robot.
func (r *Repository) UpsertRobot(ctx context.Context, robot *domain.WebhookRobot) error {
	const query = `INSERT INTO webhook_robots (id, name, url, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, url = EXCLUDED.url, enabled = EXCLUDED.enabled`
	_, err := r.pool.Exec(ctx, query, robot.ID, robot.Name, robot.URL, robot.Enabled, robot.CreatedAt)
	return mapError("upsert robot "+robot.ID, err)
}

// DeleteRobot removes a robot.
func (r *Repository) DeleteRobot(ctx context.Context, robotID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM webhook_robots WHERE id = $1`, robotID)
	if err != nil {
		return mapError("delete robot", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: robot %s", repository.ErrNotFound, robotID)
	}
	return nil
}

// GetCatalog loads the repository catalog of a project.
func (r *Repository) GetCatalog(ctx context.Context, projectID string) (*domain.RepoCatalog, error) {
	const query = `SELECT catalog, version, updated_at FROM repo_catalogs WHERE project_id = $1`
	return scanCatalog(r.pool.QueryRow(ctx, query, projectID), projectID)
}

func scanCatalog(row pgx.Row, projectID string) (*domain.RepoCatalog, error) {
	var (
		c   domain.RepoCatalog
		raw []byte
	)
	if err := row.Scan(&raw, &c.Version, &c.UpdatedAt); err != nil {
		return nil, mapError("catalog "+projectID, err)
	}
	version, updatedAt := c.Version, c.UpdatedAt
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, repository.WrapPersistence("decode catalog", err)
	}
	c.ProjectID, c.Version, c.UpdatedAt = projectID, version, updatedAt
	return &c, nil
}

// UpdateCatalog applies fn to the locked catalog row, creating the row first when missing.
func (r *Repository) UpdateCatalog(ctx context.Context, projectID string, fn repository.CatalogUpdate) (*domain.RepoCatalog, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id required", repository.ErrInvalidArgument)
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, mapError("begin catalog update", err)
	}
	defer tx.Rollback(ctx)

	seed, err := json.Marshal(domain.RepoCatalog{ProjectID: projectID})
	if err != nil {
		return nil, repository.WrapPersistence("encode catalog", err)
	}
	const insertQuery = `INSERT INTO repo_catalogs (project_id, catalog, version) VALUES ($1, $2, 0)
		ON CONFLICT (project_id) DO NOTHING`
	if _, err := tx.Exec(ctx, insertQuery, projectID, seed); err != nil {
		return nil, mapError("create catalog", err)
	}
	const selectQuery = `SELECT catalog, version, updated_at FROM repo_catalogs WHERE project_id = $1 FOR UPDATE`
	c, err := scanCatalog(tx.QueryRow(ctx, selectQuery, projectID), projectID)
	if err != nil {
		return nil, err
	}
	version := c.Version
	if err := fn(c); err != nil {
		return nil, err
	}
	c.ProjectID, c.Version = projectID, version+1

	raw, err := json.Marshal(c)
	if err != nil {
		return nil, repository.WrapPersistence("encode catalog", err)
	}
	const updateQuery = `UPDATE repo_catalogs SET catalog = $2, version = $3, updated_at = NOW()
		WHERE project_id = $1 RETURNING updated_at`
	if err := tx.QueryRow(ctx, updateQuery, projectID, raw, c.Version).Scan(&c.UpdatedAt); err != nil {
		return nil, mapError("update catalog", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapError("commit catalog update", err)
	}
	return c, nil
}

// AppendHistory inserts one history entry.
func (r *Repository) AppendHistory(ctx context.Context, e *domain.HistoryEntry) error {
	if e == nil || e.ID == "" || e.ProjectID == "" {
		return fmt.Errorf("%w: history id and project required", repository.ErrInvalidArgument)
	}
	const query = `INSERT INTO environment_history (id, project_id, environment, action, binding_id, branch, commit_ref, operator, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query, e.ID, e.ProjectID, e.Environment, e.Action, e.BindingID, e.Branch, e.Commit, e.Operator, e.At)
	return mapError("append history", err)
}

// ListHistory returns entries newest first.
func (r *Repository) ListHistory(ctx context.Context, filter domain.HistoryFilter) ([]domain.HistoryEntry, error) {
	if filter.ProjectID == "" {
		return nil, fmt.Errorf("%w: project id required", repository.ErrInvalidArgument)
	}
	const query = `SELECT id, project_id, environment, action, binding_id, branch, commit_ref, operator, occurred_at
		FROM environment_history WHERE project_id = $1 AND ($2 = '' OR environment = $2)
		ORDER BY occurred_at DESC, id DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, filter.ProjectID, filter.Environment, repository.NormalizeLimit(filter.Limit))
	if err != nil {
		return nil, mapError("list history", err)
	}
	defer rows.Close()
	out := make([]domain.HistoryEntry, 0)
	for rows.Next() {
		var e domain.HistoryEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Environment, &e.Action, &e.BindingID, &e.Branch, &e.Commit, &e.Operator, &e.At); err != nil {
			return nil, mapError("scan history", err)
		}
		out = append(out, e)
	}
	return out, mapError("list history", rows.Err())
}
