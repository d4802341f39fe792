package brainstem_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookdump/Brainstem"
	"github.com/hookdump/Brainstem/internal/testutil"
)

func newApp(t *testing.T, opts ...brainstem.Option) *brainstem.App {
	t.Helper()
	opts = append([]brainstem.Option{brainstem.WithLogger(testutil.TestLogger())}, opts...)
	app, err := brainstem.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app
}

func rememberFacts(t *testing.T, app *brainstem.App, scope brainstem.Scope, texts ...string) []string {
	t.Helper()
	items := make([]brainstem.RememberItem, len(texts))
	for i, text := range texts {
		items[i] = brainstem.RememberItem{
			Type:       brainstem.TypeFact,
			Text:       text,
			TrustLevel: brainstem.TrustUserClaim,
		}
	}
	resp, err := app.Remember(context.Background(), brainstem.RememberRequest{
		TenantID: "acme",
		AgentID:  "agent-1",
		Scope:    scope,
		Items:    items,
	})
	require.NoError(t, err)
	require.Len(t, resp.MemoryIDs, len(texts))
	return resp.MemoryIDs
}

func TestAppRememberRecall(t *testing.T) {
	app := newApp(t)
	rememberFacts(t, app, brainstem.ScopeTeam,
		"the staging environment resets every sunday",
		"the office coffee machine is broken",
	)

	resp, err := app.Recall(context.Background(), brainstem.RecallRequest{
		TenantID: "acme",
		AgentID:  "agent-1",
		Scope:    brainstem.ScopeTeam,
		Query:    "staging environment resets",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Items)
	assert.Equal(t, "the staging environment resets every sunday", resp.Items[0].Text)
	assert.Greater(t, resp.ComposedTokensEstimate, 0)
	assert.Equal(t, "reranker-baseline-v1", resp.ModelVersion)
	assert.Equal(t, "active", resp.ModelRoute)
}

func TestAppValidatesRequests(t *testing.T) {
	app := newApp(t)
	ctx := context.Background()

	_, err := app.Remember(ctx, brainstem.RememberRequest{AgentID: "agent-1"})
	assert.ErrorContains(t, err, "tenant_id")

	_, err = app.Recall(ctx, brainstem.RecallRequest{TenantID: "acme", AgentID: "agent-1"})
	assert.ErrorContains(t, err, "query")

	_, err = app.Inspect(ctx, "acme", "agent-1", "org", "mem_x")
	assert.ErrorContains(t, err, "scope")

	_, err = app.PurgeExpired(ctx, "acme", -1)
	assert.ErrorContains(t, err, "grace_hours")
}

func TestAppInspectForget(t *testing.T) {
	app := newApp(t)
	ctx := context.Background()
	ids := rememberFacts(t, app, brainstem.ScopePrivate, "scratchpad idea to revisit")

	details, err := app.Inspect(ctx, "acme", "agent-1", brainstem.ScopePrivate, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "scratchpad idea to revisit", details.Text)
	assert.Equal(t, brainstem.TrustUserClaim, details.TrustLevel)

	forgotten, err := app.Forget(ctx, "acme", "agent-1", ids[0])
	require.NoError(t, err)
	assert.True(t, forgotten.Deleted)

	_, err = app.Inspect(ctx, "acme", "agent-1", brainstem.ScopePrivate, ids[0])
	assert.ErrorIs(t, err, brainstem.ErrMemoryNotFound)
}

func TestAppCompact(t *testing.T) {
	app := newApp(t)
	rememberFacts(t, app, brainstem.ScopeTeam,
		"incident reviews happen every thursday afternoon",
		"action items from incident reviews are tracked weekly",
	)

	resp, err := app.Compact(context.Background(), brainstem.CompactRequest{
		TenantID: "acme",
		AgentID:  "agent-1",
		Query:    "incident reviews",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.CreatedMemoryID)
	assert.True(t, strings.HasPrefix(resp.SummaryText, "Compacted context"))

	details, err := app.Inspect(context.Background(), "acme", "agent-1", brainstem.ScopeTeam, resp.CreatedMemoryID)
	require.NoError(t, err)
	assert.Equal(t, brainstem.TrustTrustedTool, details.TrustLevel)
}

func TestAppJobsOverDurableQueue(t *testing.T) {
	app := newApp(t,
		brainstem.WithJobBackend("sqlite"),
		brainstem.WithJobSQLitePath(filepath.Join(t.TempDir(), "jobs.db")),
	)
	ctx := context.Background()

	job, err := app.SubmitCleanup(ctx, "acme", "agent-1", brainstem.CleanupPayload{GraceHours: 0})
	require.NoError(t, err)
	assert.Equal(t, brainstem.JobQueued, job.Status)

	// The sqlite backend starts no in-process worker, so the job waits until
	// someone drains the queue.
	processed, err := app.ProcessNextJob(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := app.Job(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, brainstem.JobCompleted, got.Status)
	assert.EqualValues(t, 0, got.Result["purged_count"])

	_, err = app.Job(ctx, "job_missing")
	assert.ErrorIs(t, err, brainstem.ErrJobNotFound)
}

func TestAppReflectJobInProcess(t *testing.T) {
	app := newApp(t)
	ctx := context.Background()
	rememberFacts(t, app, brainstem.ScopeGlobal, "unresolved deadline constraints for the quarter")

	job, err := app.SubmitReflect(ctx, "acme", "agent-1", brainstem.ReflectPayload{
		WindowHours:   24,
		MaxCandidates: 5,
	})
	require.NoError(t, err)

	// The in-process backend runs a background worker.
	require.Eventually(t, func() bool {
		got, err := app.Job(ctx, job.JobID)
		return err == nil && got.Status == brainstem.JobCompleted
	}, 5*time.Second, 20*time.Millisecond)

	got, err := app.Job(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "reranker-baseline-v1", got.Result["model_version"])
}

func TestAppCanaryFlow(t *testing.T) {
	app := newApp(t)
	ctx := context.Background()

	state, err := app.RegisterCanary(ctx, brainstem.ModelReranker, "reranker-v2", 0,
		[]string{"acme"}, map[string]string{"dataset": "q3"}, "agent-ops")
	require.NoError(t, err)
	assert.Equal(t, "reranker-v2", state.CanaryVersion)
	assert.Equal(t, []string{"acme"}, state.TenantAllowlist)

	version, route, err := app.SelectModelVersion(ctx, brainstem.ModelReranker, "acme")
	require.NoError(t, err)
	assert.Equal(t, "reranker-v2", version)
	assert.Equal(t, brainstem.RouteCanaryAllowlist, route)

	// Allowlisted tenants now recall through the canary.
	rememberFacts(t, app, brainstem.ScopeTeam, "canary routing check memo")
	resp, err := app.Recall(ctx, brainstem.RecallRequest{
		TenantID: "acme",
		AgentID:  "agent-1",
		Scope:    brainstem.ScopeTeam,
		Query:    "canary routing",
	})
	require.NoError(t, err)
	assert.Equal(t, "reranker-v2", resp.ModelVersion)
	assert.Equal(t, string(brainstem.RouteCanaryAllowlist), resp.ModelRoute)

	_, err = app.RecordSignal(ctx, brainstem.ModelReranker, "reranker-v2", "recall_precision", 0.9, "eval", "agent-ops")
	require.NoError(t, err)

	state, err = app.PromoteCanary(ctx, brainstem.ModelReranker, "agent-ops")
	require.NoError(t, err)
	assert.Equal(t, "reranker-v2", state.ActiveVersion)
	assert.Empty(t, state.CanaryVersion)

	events, err := app.ModelEvents(ctx, brainstem.ModelReranker, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "promote_canary", events[0].EventKind)

	_, err = app.PromoteCanary(ctx, brainstem.ModelReranker, "agent-ops")
	assert.ErrorIs(t, err, brainstem.ErrCanaryNotSet)

	_, err = app.RegisterCanary(ctx, "oracle", "v9", 10, nil, nil, "agent-ops")
	assert.ErrorIs(t, err, brainstem.ErrUnsupportedModelKind)
}

func TestAppGraphAugmentedRecall(t *testing.T) {
	app := newApp(t, brainstem.WithGraphEnabled(true))
	ctx := context.Background()

	rememberFacts(t, app, brainstem.ScopeTeam,
		"deploy pipeline blocked on ci today",
		"deploy pipeline rollback steps documented",
		"rollback steps for incident seven recorded",
	)

	resp, err := app.Recall(ctx, brainstem.RecallRequest{
		TenantID: "acme",
		AgentID:  "agent-1",
		Scope:    brainstem.ScopeTeam,
		Query:    "deploy pipeline blocked",
		Budget:   brainstem.RecallBudget{MaxItems: 4, MaxTokens: 800},
	})
	require.NoError(t, err)
	// Base results plus the graph neighbor that shares no query terms.
	require.Len(t, resp.Items, 3)
	assert.Equal(t, "rollback steps for incident seven recorded", resp.Items[2].Text)
}

func TestAppSQLiteBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	app := newApp(t,
		brainstem.WithStoreBackend("sqlite"),
		brainstem.WithSQLitePath(filepath.Join(dir, "brainstem.db")),
	)
	ctx := context.Background()

	ids := rememberFacts(t, app, brainstem.ScopeTeam, "sqlite backed durable memo")
	details, err := app.Inspect(ctx, "acme", "agent-1", brainstem.ScopeTeam, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "sqlite backed durable memo", details.Text)
}
