package store_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookdump/Brainstem/internal/graph"
	"github.com/hookdump/Brainstem/internal/model"
	"github.com/hookdump/Brainstem/internal/registry"
	"github.com/hookdump/Brainstem/internal/store"
	"github.com/hookdump/Brainstem/internal/testutil"
)

// pgRepo is the shared container-backed repository for this package.
var pgRepo *store.Postgres

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	repo, err := store.NewPostgres(context.Background(), tc.DSN, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open postgres repository: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	pgRepo = repo

	code := m.Run()
	_ = repo.Close()
	tc.Terminate()
	os.Exit(code)
}

// uniqueTenant isolates each test inside the shared database.
func uniqueTenant(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func TestPostgresRememberRecall(t *testing.T) {
	tenant := uniqueTenant("recall")
	remember(t, pgRepo, tenant, "agent-1", model.ScopeTeam,
		fact("the billing cutover happens next tuesday"),
		fact("lunch menu rotates weekly"),
	)

	resp, err := pgRepo.Recall(context.Background(), recallReq(tenant, "agent-1", "billing cutover", model.ScopeTeam))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Items)
	assert.Equal(t, "the billing cutover happens next tuesday", resp.Items[0].Text)
	assert.Greater(t, resp.Items[0].Salience, 0.0)
	assert.Greater(t, resp.ComposedTokensEstimate, 0)
}

func TestPostgresIdempotencyReplay(t *testing.T) {
	ctx := context.Background()
	tenant := uniqueTenant("idem")
	req := model.RememberRequest{
		TenantID:       tenant,
		AgentID:        "agent-1",
		Scope:          model.ScopeTeam,
		IdempotencyKey: "batch-7",
		Items:          []model.RememberItem{fact("retry budgets are per endpoint")},
	}

	first, err := pgRepo.Remember(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.MemoryIDs, 1)

	replay, err := pgRepo.Remember(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.MemoryIDs, replay.MemoryIDs)
	assert.Contains(t, replay.Warnings, "idempotency_replay")

	resp, err := pgRepo.Recall(ctx, recallReq(tenant, "agent-1", "retry budgets", model.ScopeTeam))
	require.NoError(t, err)
	assert.Len(t, resp.Items, 1)
}

func TestPostgresScopeVisibility(t *testing.T) {
	ctx := context.Background()
	tenant := uniqueTenant("scope")
	ids := remember(t, pgRepo, tenant, "agent-author", model.ScopePrivate, fact("private planning note"))

	_, err := pgRepo.Inspect(ctx, tenant, "agent-author", model.ScopePrivate, ids[0])
	require.NoError(t, err)

	_, err = pgRepo.Inspect(ctx, tenant, "agent-other", model.ScopePrivate, ids[0])
	assert.ErrorIs(t, err, store.ErrNotFound)

	resp, err := pgRepo.Recall(ctx, recallReq(tenant, "agent-other", "private planning", model.ScopeGlobal))
	require.NoError(t, err)
	assert.Empty(t, resp.Items)
}

func TestPostgresForget(t *testing.T) {
	ctx := context.Background()
	tenant := uniqueTenant("forget")
	ids := remember(t, pgRepo, tenant, "agent-author", model.ScopePrivate, fact("scratch note to delete"))

	res, err := pgRepo.Forget(ctx, tenant, "agent-other", ids[0])
	require.NoError(t, err)
	assert.False(t, res.Deleted)

	res, err = pgRepo.Forget(ctx, tenant, "agent-author", ids[0])
	require.NoError(t, err)
	assert.True(t, res.Deleted)

	_, err = pgRepo.Inspect(ctx, tenant, "agent-author", model.ScopePrivate, ids[0])
	assert.ErrorIs(t, err, store.ErrNotFound)

	res, err = pgRepo.Forget(ctx, tenant, "agent-author", ids[0])
	require.NoError(t, err)
	assert.False(t, res.Deleted)
}

func TestPostgresPurgeExpired(t *testing.T) {
	ctx := context.Background()
	tenant := uniqueTenant("purge")
	expired := time.Now().UTC().Add(-48 * time.Hour)
	item := fact("stale capacity estimate")
	item.ExpiresAt = &expired
	ids := remember(t, pgRepo, tenant, "agent-1", model.ScopeTeam, item)

	// Expired memories are invisible even before the purge runs.
	_, err := pgRepo.Inspect(ctx, tenant, "agent-1", model.ScopeTeam, ids[0])
	assert.ErrorIs(t, err, store.ErrNotFound)

	purged, err := pgRepo.PurgeExpired(ctx, tenant, 24)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	purged, err = pgRepo.PurgeExpired(ctx, tenant, 24)
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestPostgresGraphSharesPool(t *testing.T) {
	ctx := context.Background()
	tenant := uniqueTenant("graph")

	g, err := graph.NewPostgres(ctx, pgRepo.Pool(), 168, nil)
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, g.ProjectMemory(ctx, tenant, "mem_1", "ingest worker backlog alert"))
	require.NoError(t, g.ProjectMemory(ctx, tenant, "mem_2", "ingest worker scaling plan"))

	ids, err := g.QueryCandidates(ctx, tenant, "ingest worker", nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"mem_1", "mem_2"}, ids)

	ids, err = g.Related(ctx, tenant, []string{"mem_1"}, map[string]bool{"mem_1": true}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"mem_2"}, ids)
}

func TestPostgresRegistrySharesPool(t *testing.T) {
	ctx := context.Background()
	tenant := uniqueTenant("registry")

	st, err := registry.NewPostgresStore(ctx, pgRepo.Pool())
	require.NoError(t, err)
	reg := registry.New(st, 0, testutil.TestLogger())
	defer reg.Close()

	state, err := reg.RegisterCanary(ctx, model.ModelReranker, "reranker-v2", 100, nil, nil, "agent-ops")
	require.NoError(t, err)
	assert.Equal(t, "reranker-v2", state.CanaryVersion)

	version, route, err := reg.SelectVersion(ctx, model.ModelReranker, tenant)
	require.NoError(t, err)
	assert.Equal(t, "reranker-v2", version)
	assert.Equal(t, model.RouteCanaryPercent, route)

	_, err = reg.RollbackCanary(ctx, model.ModelReranker, "agent-ops")
	require.NoError(t, err)
}
