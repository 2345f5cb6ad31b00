// Package redisstore implements repository.Store on Redis.
//
// Each environment state is one JSON document updated under WATCH/MULTI so
// concurrent writers never interleave a read-modify-write.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/repository"
)

const (
	maxUpdateRetries = 16
	historyCap       = 1000
)

// Store keeps Omni state in Redis under a shared key prefix.
type Store struct {
	rdb       redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New wraps an existing client. An empty prefix defaults to "omni".
func New(rdb redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "omni"
	}
	return &Store{rdb: rdb, keyPrefix: keyPrefix, now: time.Now}
}

func (s *Store) key(parts ...string) string {
	return s.keyPrefix + ":" + strings.Join(parts, ":")
}

func envMember(projectID, environment string) string {
	return projectID + "/" + environment
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return repository.WrapPersistence("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) CreateProject(ctx context.Context, project *domain.Project) error {
	if project == nil || project.ID == "" {
		return fmt.Errorf("%w: project id required", repository.ErrInvalidArgument)
	}
	raw, err := json.Marshal(project)
	if err != nil {
		return repository.WrapPersistence("encode project", err)
	}
	created, err := s.rdb.HSetNX(ctx, s.key("projects"), project.ID, raw).Result()
	if err != nil {
		return repository.WrapPersistence("create project", err)
	}
	if !created {
		return fmt.Errorf("%w: project %s already exists", repository.ErrInvalidArgument, project.ID)
	}
	if err := s.rdb.RPush(ctx, s.key("projects", "seq"), project.ID).Err(); err != nil {
		return repository.WrapPersistence("index project", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	var project domain.Project
	if err := s.hget(ctx, s.key("projects"), projectID, &project); err != nil {
		return nil, notFound(err, "project", projectID)
	}
	return &project, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	ids, err := s.rdb.LRange(ctx, s.key("projects", "seq"), 0, -1).Result()
	if err != nil {
		return nil, repository.WrapPersistence("list projects", err)
	}
	out := make([]domain.Project, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	values, err := s.rdb.HMGet(ctx, s.key("projects"), ids...).Result()
	if err != nil {
		return nil, repository.WrapPersistence("list projects", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p domain.Project
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, repository.WrapPersistence("decode project", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) CreateEnvironment(ctx context.Context, state *domain.EnvironmentState) error {
	if state == nil || state.ProjectID == "" || state.Environment == "" {
		return fmt.Errorf("%w: project and environment required", repository.ErrInvalidArgument)
	}
	stored := state.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = s.now().UTC()
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return repository.WrapPersistence("encode environment", err)
	}
	created, err := s.rdb.SetNX(ctx, s.key("env", state.ProjectID, state.Environment), raw, 0).Result()
	if err != nil {
		return repository.WrapPersistence("create environment", err)
	}
	if !created {
		return fmt.Errorf("%w: environment %s/%s already exists", repository.ErrInvalidArgument, state.ProjectID, state.Environment)
	}
	if err := s.rdb.RPush(ctx, s.key("envs"), envMember(state.ProjectID, state.Environment)).Err(); err != nil {
		return repository.WrapPersistence("index environment", err)
	}
	return nil
}

func (s *Store) GetEnvironment(ctx context.Context, projectID, environment string) (*domain.EnvironmentState, error) {
	raw, err := s.rdb.Get(ctx, s.key("env", projectID, environment)).Bytes()
	if err != nil {
		return nil, notFound(err, "environment", envMember(projectID, environment))
	}
	var state domain.EnvironmentState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, repository.WrapPersistence("decode environment", err)
	}
	return &state, nil
}

func (s *Store) ListEnvironmentRefs(ctx context.Context) ([]domain.EnvironmentRef, error) {
	members, err := s.rdb.LRange(ctx, s.key("envs"), 0, -1).Result()
	if err != nil {
		return nil, repository.WrapPersistence("list environments", err)
	}
	refs := make([]domain.EnvironmentRef, 0, len(members))
	for _, m := range members {
		idx := strings.LastIndex(m, "/")
		if idx < 0 {
			continue
		}
		refs = append(refs, domain.EnvironmentRef{ProjectID: m[:idx], Environment: m[idx+1:]})
	}
	return refs, nil
}

func (s *Store) ListEnvironments(ctx context.Context, projectID string) ([]domain.EnvironmentState, error) {
	refs, err := s.ListEnvironmentRefs(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref.ProjectID == projectID {
			keys = append(keys, s.key("env", ref.ProjectID, ref.Environment))
		}
	}
	out := make([]domain.EnvironmentState, 0, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, repository.WrapPersistence("list environments", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var state domain.EnvironmentState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, repository.WrapPersistence("decode environment", err)
		}
		out = append(out, state)
	}
	return out, nil
}

func (s *Store) UpdateEnvironment(ctx context.Context, projectID, environment string, fn repository.EnvironmentUpdate) (*domain.EnvironmentState, error) {
	return update(ctx, s, s.key("env", projectID, environment), "", "environment "+envMember(projectID, environment),
		func(state *domain.EnvironmentState) error {
			version := state.Version
			if err := fn(state); err != nil {
				return err
			}
			state.ProjectID, state.Environment = projectID, environment
			state.Version = version + 1
			state.UpdatedAt = s.now().UTC()
			return nil
		})
}

func (s *Store) CreateCommit(ctx context.Context, commit *domain.CommitRecord) error {
	if commit == nil || commit.ID == "" {
		return fmt.Errorf("%w: commit id required", repository.ErrInvalidArgument)
	}
	return s.hsetNew(ctx, s.key("commits"), commit.ID, commit, "commit")
}

func (s *Store) GetCommit(ctx context.Context, commitID string) (*domain.CommitRecord, error) {
	var commit domain.CommitRecord
	if err := s.hget(ctx, s.key("commits"), commitID, &commit); err != nil {
		return nil, notFound(err, "commit", commitID)
	}
	return &commit, nil
}

func (s *Store) ListCommits(ctx context.Context, filter domain.CommitFilter) ([]domain.CommitRecord, error) {
	all, err := hvals[domain.CommitRecord](ctx, s.rdb, s.key("commits"))
	if err != nil {
		return nil, err
	}
	out := make([]domain.CommitRecord, 0, len(all))
	for _, c := range all {
		if filter.Matches(c) {
			out = append(out, c)
		}
	}
	repository.SortCommits(out)
	if limit := repository.NormalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateCommit(ctx context.Context, commitID string, fn func(*domain.CommitRecord) error) (*domain.CommitRecord, error) {
	return update(ctx, s, s.key("commits"), commitID, "commit "+commitID, func(c *domain.CommitRecord) error {
		if err := fn(c); err != nil {
			return err
		}
		c.ID = commitID
		return nil
	})
}

func (s *Store) AppendDeployRecord(ctx context.Context, record *domain.DeployRecord) error {
	if record == nil || record.ID == "" || record.ProjectID == "" {
		return fmt.Errorf("%w: deploy record id and project required", repository.ErrInvalidArgument)
	}
	return s.hsetNew(ctx, s.key("deploys", record.ProjectID), record.ID, record, "deploy record")
}

func (s *Store) GetDeployRecord(ctx context.Context, projectID, recordID string) (*domain.DeployRecord, error) {
	var record domain.DeployRecord
	if err := s.hget(ctx, s.key("deploys", projectID), recordID, &record); err != nil {
		return nil, notFound(err, "deploy record", recordID)
	}
	return &record, nil
}

func (s *Store) ListDeployRecords(ctx context.Context, projectID, environment string, limit int) ([]domain.DeployRecord, error) {
	all, err := hvals[domain.DeployRecord](ctx, s.rdb, s.key("deploys", projectID))
	if err != nil {
		return nil, err
	}
	out := make([]domain.DeployRecord, 0, len(all))
	for _, r := range all {
		if environment == "" || r.Environment == environment {
			out = append(out, r)
		}
	}
	repository.SortDeployRecords(out)
	if limit = repository.NormalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateDeployRecord(ctx context.Context, projectID, recordID string, fn func(*domain.DeployRecord) error) (*domain.DeployRecord, error) {
	return update(ctx, s, s.key("deploys", projectID), recordID, "deploy record "+recordID, func(r *domain.DeployRecord) error {
		if err := fn(r); err != nil {
			return err
		}
		r.ID, r.ProjectID = recordID, projectID
		return nil
	})
}

func (s *Store) ListRobots(ctx context.Context) ([]domain.WebhookRobot, error) {
	ids, err := s.rdb.LRange(ctx, s.key("robots", "seq"), 0, -1).Result()
	if err != nil {
		return nil, repository.WrapPersistence("list robots", err)
	}
	out := make([]domain.WebhookRobot, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	values, err := s.rdb.HMGet(ctx, s.key("robots"), ids...).Result()
	if err != nil {
		return nil, repository.WrapPersistence("list robots", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var r domain.WebhookRobot
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, repository.WrapPersistence("decode robot", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) GetRobot(ctx context.Context, robotID string) (*domain.WebhookRobot, error) {
	var robot domain.WebhookRobot
	if err := s.hget(ctx, s.key("robots"), robotID, &robot); err != nil {
		return nil, notFound(err, "robot", robotID)
	}
	return &robot, nil
}

func (s *Store) UpsertRobot(ctx context.Context, robot *domain.WebhookRobot) error {
	if robot == nil || robot.ID == "" {
		return fmt.Errorf("%w: robot id required", repository.ErrInvalidArgument)
	}
	raw, err := json.Marshal(robot)
	if err != nil {
		return repository.WrapPersistence("encode robot", err)
	}
	created, err := s.rdb.HSet(ctx, s.key("robots"), robot.ID, raw).Result()
	if err != nil {
		return repository.WrapPersistence("upsert robot", err)
	}
	if created > 0 {
		if err := s.rdb.RPush(ctx, s.key("robots", "seq"), robot.ID).Err(); err != nil {
			return repository.WrapPersistence("index robot", err)
		}
	}
	return nil
}

func (s *Store) DeleteRobot(ctx context.Context, robotID string) error {
	removed, err := s.rdb.HDel(ctx, s.key("robots"), robotID).Result()
	if err != nil {
		return repository.WrapPersistence("delete robot", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: robot %s", repository.ErrNotFound, robotID)
	}
	if err := s.rdb.LRem(ctx, s.key("robots", "seq"), 0, robotID).Err(); err != nil {
		return repository.WrapPersistence("unindex robot", err)
	}
	return nil
}

func (s *Store) GetCatalog(ctx context.Context, projectID string) (*domain.RepoCatalog, error) {
	raw, err := s.rdb.Get(ctx, s.key("catalog", projectID)).Bytes()
	if err != nil {
		return nil, notFound(err, "catalog", projectID)
	}
	var catalog domain.RepoCatalog
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, repository.WrapPersistence("decode catalog", err)
	}
	return &catalog, nil
}

func (s *Store) UpdateCatalog(ctx context.Context, projectID string, fn repository.CatalogUpdate) (*domain.RepoCatalog, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id required", repository.ErrInvalidArgument)
	}
	zero := &domain.RepoCatalog{ProjectID: projectID}
	return upsert(ctx, s, s.key("catalog", projectID), "", "catalog "+projectID, zero, func(c *domain.RepoCatalog) error {
		version := c.Version
		if err := fn(c); err != nil {
			return err
		}
		c.ProjectID = projectID
		c.Version = version + 1
		c.UpdatedAt = s.now().UTC()
		return nil
	})
}

// AppendHistory pushes onto a per-project list capped at the newest historyCap entries.
func (s *Store) AppendHistory(ctx context.Context, entry *domain.HistoryEntry) error {
	if entry == nil || entry.ID == "" || entry.ProjectID == "" {
		return fmt.Errorf("%w: history id and project required", repository.ErrInvalidArgument)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return repository.WrapPersistence("encode history", err)
	}
	key := s.key("history", entry.ProjectID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, raw)
		pipe.LTrim(ctx, key, 0, historyCap-1)
		return nil
	})
	if err != nil {
		return repository.WrapPersistence("append history", err)
	}
	return nil
}

func (s *Store) ListHistory(ctx context.Context, filter domain.HistoryFilter) ([]domain.HistoryEntry, error) {
	if filter.ProjectID == "" {
		return nil, fmt.Errorf("%w: project id required", repository.ErrInvalidArgument)
	}
	values, err := s.rdb.LRange(ctx, s.key("history", filter.ProjectID), 0, -1).Result()
	if err != nil {
		return nil, repository.WrapPersistence("list history", err)
	}
	out := make([]domain.HistoryEntry, 0, len(values))
	for _, raw := range values {
		var e domain.HistoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, repository.WrapPersistence("decode history", err)
		}
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

func (s *Store) hget(ctx context.Context, key, field string, target any) error {
	raw, err := s.rdb.HGet(ctx, key, field).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

func (s *Store) hsetNew(ctx context.Context, key, field string, value any, kind string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return repository.WrapPersistence("encode "+kind, err)
	}
	created, err := s.rdb.HSetNX(ctx, key, field, raw).Result()
	if err != nil {
		return repository.WrapPersistence("create "+kind, err)
	}
	if !created {
		return fmt.Errorf("%w: %s %s already exists", repository.ErrInvalidArgument, kind, field)
	}
	return nil
}

func hvals[T any](ctx context.Context, rdb redis.UniversalClient, key string) ([]T, error) {
	values, err := rdb.HVals(ctx, key).Result()
	if err != nil {
		return nil, repository.WrapPersistence("scan "+key, err)
	}
	out := make([]T, 0, len(values))
	for _, raw := range values {
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, repository.WrapPersistence("decode "+key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// update runs an optimistic read-modify-write on a string key, or on a hash
// field when field is non-empty, retrying when another writer wins the race.
func update[T any](ctx context.Context, s *Store, key, field, label string, fn func(*T) error) (*T, error) {
	return upsert(ctx, s, key, field, label, nil, fn)
}

// upsert is update starting from *zero when the key is missing. A nil zero
// reports ErrNotFound instead.
func upsert[T any](ctx context.Context, s *Store, key, field, label string, zero *T, fn func(*T) error) (*T, error) {
	var result *T
	txf := func(tx *redis.Tx) error {
		var (
			raw []byte
			err error
		)
		if field == "" {
			raw, err = tx.Get(ctx, key).Bytes()
		} else {
			raw, err = tx.HGet(ctx, key, field).Bytes()
		}
		var value T
		switch {
		case errors.Is(err, redis.Nil) && zero != nil:
			value = *zero
		case errors.Is(err, redis.Nil):
			return fmt.Errorf("%w: %s", repository.ErrNotFound, label)
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &value); err != nil {
				return err
			}
		}
		if err := fn(&value); err != nil {
			return err
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if field == "" {
				pipe.Set(ctx, key, encoded, 0)
			} else {
				pipe.HSet(ctx, key, field, encoded)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = &value
		return nil
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, repository.WrapPersistence("update "+label, err)
	}
	return nil, fmt.Errorf("%w: update %s: too many concurrent writers", repository.ErrPersistence, label)
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s %s", repository.ErrNotFound, kind, id)
	}
	return repository.WrapPersistence("get "+kind, err)
}
