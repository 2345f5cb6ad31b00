package repository_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chen-liangping/Omni/internal/app/migrate"
	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/repository"
	"github.com/chen-liangping/Omni/internal/repository/memory"
	"github.com/chen-liangping/Omni/internal/repository/postgres"
	"github.com/chen-liangping/Omni/internal/repository/redisstore"
)

func TestStoreCompliance(t *testing.T) {
	cases := []struct {
		name    string
		factory func(t *testing.T) repository.Store
	}{
		{
			name: "memory",
			factory: func(t *testing.T) repository.Store {
				t.Helper()
				return memory.New()
			},
		},
		{
			name: "redis",
			factory: func(t *testing.T) repository.Store {
				t.Helper()
				mr := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() {
					_ = client.Close()
					mr.Close()
				})
				return redisstore.New(client, "test")
			},
		},
	}
	if dsn := os.Getenv("OMNI_TEST_DATABASE_URL"); dsn != "" {
		cases = append(cases, struct {
			name    string
			factory func(t *testing.T) repository.Store
		}{name: "postgres", factory: func(t *testing.T) repository.Store { return newPostgresStore(t, dsn) }})
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Run("projects", func(t *testing.T) { runProjectContract(t, tc.factory(t)) })
			t.Run("environments", func(t *testing.T) { runEnvironmentContract(t, tc.factory(t)) })
			t.Run("concurrent updates", func(t *testing.T) { runConcurrentUpdateContract(t, tc.factory(t)) })
			t.Run("commits", func(t *testing.T) { runCommitContract(t, tc.factory(t)) })
			t.Run("deploy records", func(t *testing.T) { runDeployContract(t, tc.factory(t)) })
			t.Run("robots", func(t *testing.T) { runRobotContract(t, tc.factory(t)) })
			t.Run("catalogs", func(t *testing.T) { runCatalogContract(t, tc.factory(t)) })
			t.Run("history", func(t *testing.T) { runHistoryContract(t, tc.factory(t)) })
		})
	}
}

// newPostgresStore migrates the database behind dsn and empties every table,
// so it must point at a disposable database.
func newPostgresStore(t *testing.T, dsn string) repository.Store {
	t.Helper()
	ctx := context.Background()
	runner, err := migrate.New(dsn, "", nil)
	require.NoError(t, err)
	require.NoError(t, runner.Ensure(ctx))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE projects, environment_states, commit_records, deploy_records, webhook_robots, repo_catalogs, environment_history RESTART IDENTITY`)
	require.NoError(t, err)
	st := postgres.New(pool)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func runProjectContract(t *testing.T, st repository.Store) {
	ctx := context.Background()
	require.NoError(t, st.Ping(ctx))

	alpha := &domain.Project{ID: "alpha", Name: "Alpha", RepoURL: "https://git.example.com/alpha", Environments: []string{"stg", "prod"}, CreatedAt: epoch}
	beta := &domain.Project{ID: "beta", Name: "Beta", RepoURL: "https://git.example.com/beta", Environments: []string{"stg"}, CreatedAt: epoch}
	require.NoError(t, st.CreateProject(ctx, alpha))
	require.NoError(t, st.CreateProject(ctx, beta))

	err := st.CreateProject(ctx, alpha)
	assert.ErrorIs(t, err, repository.ErrInvalidArgument)

	got, err := st.GetProject(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, alpha.RepoURL, got.RepoURL)
	assert.Equal(t, []string{"stg", "prod"}, got.Environments)

	_, err = st.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	list, err := st.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "beta", list[1].ID)
}

func runEnvironmentContract(t *testing.T, st repository.Store) {
	ctx := context.Background()

	require.NoError(t, st.CreateEnvironment(ctx, &domain.EnvironmentState{ProjectID: "alpha", Environment: "stg"}))
	require.NoError(t, st.CreateEnvironment(ctx, &domain.EnvironmentState{ProjectID: "alpha", Environment: "prod"}))
	require.NoError(t, st.CreateEnvironment(ctx, &domain.EnvironmentState{ProjectID: "beta", Environment: "stg"}))
	assert.ErrorIs(t, st.CreateEnvironment(ctx, &domain.EnvironmentState{ProjectID: "alpha", Environment: "stg"}), repository.ErrInvalidArgument)

	refs, err := st.ListEnvironmentRefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.EnvironmentRef{
		{ProjectID: "alpha", Environment: "stg"},
		{ProjectID: "alpha", Environment: "prod"},
		{ProjectID: "beta", Environment: "stg"},
	}, refs)

	start := epoch.Add(time.Hour)
	updated, err := st.UpdateEnvironment(ctx, "alpha", "stg", func(state *domain.EnvironmentState) error {
		state.Bindings = append(state.Bindings,
			domain.BranchBinding{ID: "b1", Repo: "r", Branch: "feature/a", Status: domain.BranchStatusTesting, ScheduledStart: &start},
			domain.BranchBinding{ID: "b2", Repo: "r", Branch: "feature/b", Status: domain.BranchStatusTesting},
		)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)

	got, err := st.GetEnvironment(ctx, "alpha", "stg")
	require.NoError(t, err)
	require.Len(t, got.Bindings, 2)
	assert.Equal(t, "b1", got.Bindings[0].ID)
	assert.Equal(t, "b2", got.Bindings[1].ID)
	require.NotNil(t, got.Bindings[0].ScheduledStart)
	assert.True(t, got.Bindings[0].ScheduledStart.Equal(start))
	assert.Equal(t, int64(1), got.Version)

	// A failing update leaves the stored state untouched.
	boom := fmt.Errorf("%w: refused", domain.ErrInvalidTransition)
	_, err = st.UpdateEnvironment(ctx, "alpha", "stg", func(state *domain.EnvironmentState) error {
		state.Bindings = nil
		return boom
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	got, err = st.GetEnvironment(ctx, "alpha", "stg")
	require.NoError(t, err)
	assert.Len(t, got.Bindings, 2)
	assert.Equal(t, int64(1), got.Version)

	_, err = st.UpdateEnvironment(ctx, "alpha", "qa", func(*domain.EnvironmentState) error { return nil })
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = st.GetEnvironment(ctx, "alpha", "qa")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	envs, err := st.ListEnvironments(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "stg", envs[0].Environment)
	assert.Equal(t, "prod", envs[1].Environment)

	empty, err := st.ListEnvironments(ctx, "gamma")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func runConcurrentUpdateContract(t *testing.T, st repository.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateEnvironment(ctx, &domain.EnvironmentState{ProjectID: "alpha", Environment: "stg"}))

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.UpdateEnvironment(ctx, "alpha", "stg", func(state *domain.EnvironmentState) error {
				state.Bindings = append(state.Bindings, domain.BranchBinding{ID: fmt.Sprintf("b%d", i), Branch: fmt.Sprintf("f%d", i)})
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := st.GetEnvironment(ctx, "alpha", "stg")
	require.NoError(t, err)
	assert.Len(t, got.Bindings, writers)
	assert.Equal(t, int64(writers), got.Version)
}

func runCommitContract(t *testing.T, st repository.Store) {
	ctx := context.Background()
	for i, status := range []domain.CommitStatus{domain.CommitStatusPending, domain.CommitStatusApproved, domain.CommitStatusPending} {
		project := "alpha"
		if i == 2 {
			project = "beta"
		}
		require.NoError(t, st.CreateCommit(ctx, &domain.CommitRecord{
			ID:        fmt.Sprintf("c%d", i),
			ProjectID: project,
			Status:    status,
			CreatedAt: epoch.Add(time.Duration(i) * time.Minute),
		}))
	}
	assert.ErrorIs(t, st.CreateCommit(ctx, &domain.CommitRecord{ID: "c0"}), repository.ErrInvalidArgument)

	all, err := st.ListCommits(ctx, domain.CommitFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c2", all[0].ID)
	assert.Equal(t, "c0", all[2].ID)

	pending, err := st.ListCommits(ctx, domain.CommitFilter{Status: domain.CommitStatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	alpha, err := st.ListCommits(ctx, domain.CommitFilter{ProjectID: "alpha", Limit: 1})
	require.NoError(t, err)
	require.Len(t, alpha, 1)
	assert.Equal(t, "c1", alpha[0].ID)

	reviewed := epoch.Add(time.Hour)
	updated, err := st.UpdateCommit(ctx, "c0", func(c *domain.CommitRecord) error {
		c.Status = domain.CommitStatusRejected
		c.RejectReason = "tests failing"
		c.ReviewedAt = &reviewed
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CommitStatusRejected, updated.Status)

	got, err := st.GetCommit(ctx, "c0")
	require.NoError(t, err)
	assert.Equal(t, "tests failing", got.RejectReason)
	require.NotNil(t, got.ReviewedAt)
	assert.True(t, got.ReviewedAt.Equal(reviewed))

	_, err = st.GetCommit(ctx, "nope")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = st.UpdateCommit(ctx, "nope", func(*domain.CommitRecord) error { return nil })
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func runDeployContract(t *testing.T, st repository.Store) {
	ctx := context.Background()
	for i, env := range []string{"stg", "prod", "stg"} {
		require.NoError(t, st.AppendDeployRecord(ctx, &domain.DeployRecord{
			ID:          fmt.Sprintf("d%d", i),
			ProjectID:   "alpha",
			Environment: env,
			Status:      domain.DeployStatusSuccess,
			DeployedAt:  epoch.Add(time.Duration(i) * time.Hour),
			ReplicaSets: []domain.ReplicaSetRecord{{ID: "rs", IsCurrent: true, Pods: []domain.PodRecord{{ID: fmt.Sprintf("pod-%d", i)}}}},
		}))
	}

	stg, err := st.ListDeployRecords(ctx, "alpha", "stg", 0)
	require.NoError(t, err)
	require.Len(t, stg, 2)
	assert.Equal(t, "d2", stg[0].ID)

	all, err := st.ListDeployRecords(ctx, "alpha", "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := st.ListDeployRecords(ctx, "beta", "", 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	updated, err := st.UpdateDeployRecord(ctx, "alpha", "d1", func(r *domain.DeployRecord) error {
		r.ReplicaSets[0].IsCurrent = false
		return nil
	})
	require.NoError(t, err)
	assert.False(t, updated.ReplicaSets[0].IsCurrent)

	got, err := st.GetDeployRecord(ctx, "alpha", "d1")
	require.NoError(t, err)
	assert.False(t, got.ReplicaSets[0].IsCurrent)
	_, ok := got.Pod("pod-1")
	assert.True(t, ok)

	_, err = st.GetDeployRecord(ctx, "beta", "d1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func runRobotContract(t *testing.T, st repository.Store) {
	ctx := context.Background()
	require.NoError(t, st.UpsertRobot(ctx, &domain.WebhookRobot{ID: "r1", Name: "ops", URL: "https://hooks.example.com/1", Enabled: true}))
	require.NoError(t, st.UpsertRobot(ctx, &domain.WebhookRobot{ID: "r2", Name: "qa", URL: "https://hooks.example.com/2"}))
	require.NoError(t, st.UpsertRobot(ctx, &domain.WebhookRobot{ID: "r1", Name: "ops-renamed", URL: "https://hooks.example.com/1", Enabled: false}))

	robots, err := st.ListRobots(ctx)
	require.NoError(t, err)
	require.Len(t, robots, 2)
	assert.Equal(t, "ops-renamed", robots[0].Name)
	assert.False(t, robots[0].Enabled)

	require.NoError(t, st.DeleteRobot(ctx, "r1"))
	err = st.DeleteRobot(ctx, "r1")
	assert.True(t, errors.Is(err, repository.ErrNotFound))
	_, err = st.GetRobot(ctx, "r1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	robots, err = st.ListRobots(ctx)
	require.NoError(t, err)
	require.Len(t, robots, 1)
	assert.Equal(t, "r2", robots[0].ID)
}

func runCatalogContract(t *testing.T, st repository.Store) {
	ctx := context.Background()
	_, err := st.GetCatalog(ctx, "alpha")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	boom := errors.New("boom")
	_, err = st.UpdateCatalog(ctx, "alpha", func(*domain.RepoCatalog) error { return boom })
	assert.ErrorIs(t, err, boom)
	_, err = st.GetCatalog(ctx, "alpha")
	assert.ErrorIs(t, err, repository.ErrNotFound, "aborted first write leaves nothing behind")

	created, err := st.UpdateCatalog(ctx, "alpha", func(c *domain.RepoCatalog) error {
		assert.Equal(t, "alpha", c.ProjectID)
		assert.Empty(t, c.Branches)
		c.Category = domain.RepoCategoryBackendMicro
		c.Branches = append(c.Branches, domain.RepoBranch{Name: "main", Description: "production", IsDefault: true, CreatedAt: epoch})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	updated, err := st.UpdateCatalog(ctx, "alpha", func(c *domain.RepoCatalog) error {
		c.Branches = append(c.Branches, domain.RepoBranch{Name: "feature/login", Description: "login", CreatedAt: epoch})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	got, err := st.GetCatalog(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, domain.RepoCategoryBackendMicro, got.Category)
	require.Len(t, got.Branches, 2)
	assert.True(t, got.Branches[0].IsDefault)
	assert.Equal(t, "feature/login", got.Branches[1].Name)
	assert.Equal(t, int64(2), got.Version)
}

func runHistoryContract(t *testing.T, st repository.Store) {
	ctx := context.Background()
	entries := []domain.HistoryEntry{
		{ID: "h1", ProjectID: "alpha", Environment: "stg", Action: domain.HistoryPlanned, Branch: "feature/a", Operator: "alice", At: epoch},
		{ID: "h2", ProjectID: "alpha", Environment: "prod", Action: domain.HistoryActivated, Branch: "main", Operator: "bob", At: epoch.Add(time.Minute)},
		{ID: "h3", ProjectID: "alpha", Environment: "stg", Action: domain.HistoryAuto, Branch: "feature/a", Operator: "scheduler", At: epoch.Add(2 * time.Minute)},
		{ID: "h4", ProjectID: "beta", Environment: "stg", Action: domain.HistoryMerged, Branch: "feature/b", Commit: "abc123", Operator: "carol", At: epoch},
	}
	for i := range entries {
		require.NoError(t, st.AppendHistory(ctx, &entries[i]))
	}
	assert.ErrorIs(t, st.AppendHistory(ctx, &domain.HistoryEntry{ID: "h5"}), repository.ErrInvalidArgument)

	all, err := st.ListHistory(ctx, domain.HistoryFilter{ProjectID: "alpha"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"h3", "h2", "h1"}, []string{all[0].ID, all[1].ID, all[2].ID})

	stg, err := st.ListHistory(ctx, domain.HistoryFilter{ProjectID: "alpha", Environment: "stg", Limit: 1})
	require.NoError(t, err)
	require.Len(t, stg, 1)
	assert.Equal(t, "h3", stg[0].ID)
	assert.Equal(t, domain.HistoryAuto, stg[0].Action)
	assert.True(t, stg[0].At.Equal(epoch.Add(2*time.Minute)))

	beta, err := st.ListHistory(ctx, domain.HistoryFilter{ProjectID: "beta"})
	require.NoError(t, err)
	require.Len(t, beta, 1)
	assert.Equal(t, "abc123", beta[0].Commit)

	_, err = st.ListHistory(ctx, domain.HistoryFilter{})
	assert.ErrorIs(t, err, repository.ErrInvalidArgument)
}
