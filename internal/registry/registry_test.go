package registry_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookdump/Brainstem/internal/model"
	"github.com/hookdump/Brainstem/internal/registry"
	"github.com/hookdump/Brainstem/internal/testutil"
)

// withRegistries runs fn against every registry store backend.
func withRegistries(t *testing.T, fn func(t *testing.T, reg *registry.Registry)) {
	t.Helper()

	t.Run("inmemory", func(t *testing.T) {
		reg := registry.New(registry.NewInMemoryStore(), 0, testutil.TestLogger())
		t.Cleanup(func() { reg.Close() })
		fn(t, reg)
	})

	t.Run("sqlite", func(t *testing.T) {
		st, err := registry.NewSQLiteStore(filepath.Join(t.TempDir(), "registry.db"))
		require.NoError(t, err)
		reg := registry.New(st, 0, testutil.TestLogger())
		t.Cleanup(func() { reg.Close() })
		fn(t, reg)
	})
}

func TestStateStartsAtBaseline(t *testing.T) {
	withRegistries(t, func(t *testing.T, reg *registry.Registry) {
		ctx := context.Background()
		for _, kind := range []model.ModelKind{model.ModelReranker, model.ModelSalience} {
			state, err := reg.State(ctx, kind)
			require.NoError(t, err)
			assert.Equal(t, model.BaselineVersion(kind), state.ActiveVersion)
			assert.Empty(t, state.CanaryVersion)
			assert.Zero(t, state.RolloutPercent)
		}

		_, err := reg.State(ctx, "oracle")
		assert.ErrorIs(t, err, registry.ErrUnsupportedModelKind)
	})
}

func TestCanaryLifecycle(t *testing.T) {
	withRegistries(t, func(t *testing.T, reg *registry.Registry) {
		ctx := context.Background()

		state, err := reg.RegisterCanary(ctx, model.ModelReranker, "reranker-v2", 25,
			[]string{"acme"}, map[string]string{"dataset": "q1"}, "agent-ops")
		require.NoError(t, err)
		assert.Equal(t, "reranker-v2", state.CanaryVersion)
		assert.Equal(t, 25, state.RolloutPercent)
		assert.True(t, state.TenantAllowlist["acme"])
		assert.Equal(t, "q1", state.Metadata["dataset"])

		state, err = reg.PromoteCanary(ctx, model.ModelReranker, "agent-ops")
		require.NoError(t, err)
		assert.Equal(t, "reranker-v2", state.ActiveVersion)
		assert.Empty(t, state.CanaryVersion)
		assert.Zero(t, state.RolloutPercent)
		assert.Empty(t, state.TenantAllowlist)

		// No canary left to promote.
		_, err = reg.PromoteCanary(ctx, model.ModelReranker, "agent-ops")
		assert.ErrorIs(t, err, registry.ErrCanaryNotSet)
	})
}

func TestRollbackIsIdempotent(t *testing.T) {
	withRegistries(t, func(t *testing.T, reg *registry.Registry) {
		ctx := context.Background()
		_, err := reg.RegisterCanary(ctx, model.ModelSalience, "salience-v2", 50, nil, nil, "agent-ops")
		require.NoError(t, err)

		state, err := reg.RollbackCanary(ctx, model.ModelSalience, "agent-ops")
		require.NoError(t, err)
		assert.Empty(t, state.CanaryVersion)
		assert.Equal(t, model.BaselineVersion(model.ModelSalience), state.ActiveVersion)

		state, err = reg.RollbackCanary(ctx, model.ModelSalience, "agent-ops")
		require.NoError(t, err)
		assert.Empty(t, state.CanaryVersion)
	})
}

func TestRegisterCanaryValidation(t *testing.T) {
	withRegistries(t, func(t *testing.T, reg *registry.Registry) {
		ctx := context.Background()
		_, err := reg.RegisterCanary(ctx, "oracle", "v2", 10, nil, nil, "agent-ops")
		assert.ErrorIs(t, err, registry.ErrUnsupportedModelKind)

		_, err = reg.RegisterCanary(ctx, model.ModelReranker, "v2", 101, nil, nil, "agent-ops")
		assert.ErrorIs(t, err, registry.ErrRolloutOutOfRange)

		_, err = reg.RegisterCanary(ctx, model.ModelReranker, "v2", -1, nil, nil, "agent-ops")
		assert.ErrorIs(t, err, registry.ErrRolloutOutOfRange)
	})
}

func TestSelectVersionRouting(t *testing.T) {
	withRegistries(t, func(t *testing.T, reg *registry.Registry) {
		ctx := context.Background()

		// No canary: everyone on active.
		version, route, err := reg.SelectVersion(ctx, model.ModelReranker, "acme")
		require.NoError(t, err)
		assert.Equal(t, model.BaselineVersion(model.ModelReranker), version)
		assert.Equal(t, model.RouteActive, route)

		// Allowlist wins regardless of rollout percent.
		_, err = reg.RegisterCanary(ctx, model.ModelReranker, "reranker-v2", 0, []string{"acme"}, nil, "agent-ops")
		require.NoError(t, err)
		version, route, err = reg.SelectVersion(ctx, model.ModelReranker, "acme")
		require.NoError(t, err)
		assert.Equal(t, "reranker-v2", version)
		assert.Equal(t, model.RouteCanaryAllowlist, route)

		// Zero rollout keeps everyone else on active.
		_, route, err = reg.SelectVersion(ctx, model.ModelReranker, "globex")
		require.NoError(t, err)
		assert.Equal(t, model.RouteActive, route)

		// Percent routing follows the stable bucket exactly.
		bucket := registry.StableBucket(model.ModelReranker, "globex")
		_, err = reg.RegisterCanary(ctx, model.ModelReranker, "reranker-v2", bucket+1, nil, nil, "agent-ops")
		require.NoError(t, err)
		version, route, err = reg.SelectVersion(ctx, model.ModelReranker, "globex")
		require.NoError(t, err)
		assert.Equal(t, "reranker-v2", version)
		assert.Equal(t, model.RouteCanaryPercent, route)

		if bucket > 0 {
			_, err = reg.RegisterCanary(ctx, model.ModelReranker, "reranker-v2", bucket, nil, nil, "agent-ops")
			require.NoError(t, err)
			_, route, err = reg.SelectVersion(ctx, model.ModelReranker, "globex")
			require.NoError(t, err)
			assert.Equal(t, model.RouteActive, route)
		}
	})
}

func TestStableBucket(t *testing.T) {
	a := registry.StableBucket(model.ModelReranker, "acme")
	assert.Equal(t, a, registry.StableBucket(model.ModelReranker, "acme"))
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 100)
	// Kind participates in the hash, so buckets differ per model kind for at
	// least some tenants.
	different := false
	for _, tenant := range []string{"acme", "globex", "initech", "umbrella", "hooli"} {
		if registry.StableBucket(model.ModelReranker, tenant) != registry.StableBucket(model.ModelSalience, tenant) {
			different = true
			break
		}
	}
	assert.True(t, different)
}

func TestSignalSummary(t *testing.T) {
	withRegistries(t, func(t *testing.T, reg *registry.Registry) {
		ctx := context.Background()
		_, err := reg.RecordSignal(ctx, model.ModelReranker, "reranker-v2", "recall_precision", 0.8, "eval", "agent-ops")
		require.NoError(t, err)
		state, err := reg.RecordSignal(ctx, model.ModelReranker, "reranker-v2", "recall_precision", 0.6, "eval", "agent-ops")
		require.NoError(t, err)

		metrics := state.SignalSummary["reranker-v2"]
		require.NotNil(t, metrics)
		assert.InDelta(t, 0.7, metrics["recall_precision.avg"], 1e-9)
		assert.InDelta(t, 2, metrics["recall_precision.count"], 1e-9)
	})
}

func TestSignalWindowTrims(t *testing.T) {
	reg := registry.New(registry.NewInMemoryStore(), 2, testutil.TestLogger())
	defer reg.Close()
	ctx := context.Background()

	for _, v := range []float64{0.1, 0.5, 0.9} {
		_, err := reg.RecordSignal(ctx, model.ModelSalience, "salience-v2", "drift", v, "eval", "agent-ops")
		require.NoError(t, err)
	}

	state, err := reg.State(ctx, model.ModelSalience)
	require.NoError(t, err)
	metrics := state.SignalSummary["salience-v2"]
	require.NotNil(t, metrics)
	// Only the two newest signals survive the window.
	assert.InDelta(t, 2, metrics["drift.count"], 1e-9)
	assert.InDelta(t, 0.7, metrics["drift.avg"], 1e-9)
}

func TestEventsNewestFirst(t *testing.T) {
	withRegistries(t, func(t *testing.T, reg *registry.Registry) {
		ctx := context.Background()
		_, err := reg.RegisterCanary(ctx, model.ModelReranker, "reranker-v2", 10, nil, nil, "agent-ops")
		require.NoError(t, err)
		_, err = reg.PromoteCanary(ctx, model.ModelReranker, "agent-ops")
		require.NoError(t, err)

		events, err := reg.Events(ctx, model.ModelReranker, 10)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "promote_canary", events[0].EventKind)
		assert.Equal(t, "register_canary", events[1].EventKind)
		assert.Equal(t, "agent-ops", events[0].ActorAgentID)

		events, err = reg.Events(ctx, model.ModelReranker, 1)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "promote_canary", events[0].EventKind)
	})
}

func TestSQLiteRegistryPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")

	st, err := registry.NewSQLiteStore(path)
	require.NoError(t, err)
	reg := registry.New(st, 0, testutil.TestLogger())
	_, err = reg.RegisterCanary(ctx, model.ModelReranker, "reranker-v2", 40, []string{"acme"}, nil, "agent-ops")
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	st, err = registry.NewSQLiteStore(path)
	require.NoError(t, err)
	reg = registry.New(st, 0, testutil.TestLogger())
	defer reg.Close()

	state, err := reg.State(ctx, model.ModelReranker)
	require.NoError(t, err)
	assert.Equal(t, "reranker-v2", state.CanaryVersion)
	assert.Equal(t, 40, state.RolloutPercent)
	assert.True(t, state.TenantAllowlist["acme"])

	version, route, err := reg.SelectVersion(ctx, model.ModelReranker, "acme")
	require.NoError(t, err)
	assert.Equal(t, "reranker-v2", version)
	assert.Equal(t, model.RouteCanaryAllowlist, route)
}
