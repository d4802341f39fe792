package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookdump/Brainstem/internal/graph"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendInMemory, cfg.StoreBackend)
	assert.Equal(t, "brainstem.db", cfg.SQLitePath)
	assert.Equal(t, BackendInProcess, cfg.JobBackend)
	assert.Equal(t, 3, cfg.JobMaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.JobPollInterval)
	assert.Equal(t, BackendInMemory, cfg.RegistryBackend)
	assert.Equal(t, 500, cfg.SignalWindow)
	assert.False(t, cfg.GraphEnabled)
	assert.Equal(t, 4, cfg.GraphMaxExpansion)
	assert.InDelta(t, 168.0, cfg.GraphHalfLifeHours, 1e-9)
	assert.Empty(t, cfg.GraphRelationWeights)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BRAINSTEM_STORE_BACKEND", "sqlite")
	t.Setenv("BRAINSTEM_SQLITE_PATH", "/tmp/custom.db")
	t.Setenv("BRAINSTEM_GRAPH_ENABLED", "true")
	t.Setenv("BRAINSTEM_GRAPH_MAX_EXPANSION", "6")
	t.Setenv("BRAINSTEM_JOB_BACKEND", "sqlite")
	t.Setenv("BRAINSTEM_JOB_POLL_INTERVAL", "1s")
	t.Setenv("BRAINSTEM_MODEL_SIGNAL_WINDOW", "50")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, "/tmp/custom.db", cfg.SQLitePath)
	assert.True(t, cfg.GraphEnabled)
	assert.Equal(t, 6, cfg.GraphMaxExpansion)
	assert.Equal(t, BackendSQLite, cfg.JobBackend)
	assert.Equal(t, time.Second, cfg.JobPollInterval)
	assert.Equal(t, 50, cfg.SignalWindow)
}

func TestLoadRelationWeights(t *testing.T) {
	t.Setenv("BRAINSTEM_GRAPH_RELATION_WEIGHTS", `{"keyword": 2.0, "reference": 0.5}`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.InDelta(t, 2.0, cfg.GraphRelationWeights[graph.RelationKeyword], 1e-9)
	assert.InDelta(t, 0.5, cfg.GraphRelationWeights[graph.RelationReference], 1e-9)
}

func TestLoadRejectsUnknownRelationWeight(t *testing.T) {
	t.Setenv("BRAINSTEM_GRAPH_RELATION_WEIGHTS", `{"sentiment": 1.0}`)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BRAINSTEM_GRAPH_RELATION_WEIGHTS")
}

func TestValidateBackends(t *testing.T) {
	t.Setenv("BRAINSTEM_STORE_BACKEND", "redis")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BRAINSTEM_STORE_BACKEND")
}

func TestValidatePostgresRequiresDSN(t *testing.T) {
	t.Setenv("BRAINSTEM_STORE_BACKEND", "postgres")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BRAINSTEM_POSTGRES_DSN")
}

func TestEnvHelpersFallBackOnBadValues(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	t.Setenv("TEST_BOOL_BAD", "maybe")
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	t.Setenv("TEST_FLOAT_BAD", "x")

	assert.Equal(t, 7, envInt("TEST_INT_BAD", 7))
	assert.True(t, envBool("TEST_BOOL_BAD", true))
	assert.Equal(t, 3*time.Second, envDuration("TEST_DUR_BAD", 3*time.Second))
	assert.InDelta(t, 1.5, envFloat("TEST_FLOAT_BAD", 1.5), 1e-9)
}
