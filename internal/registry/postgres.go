package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hookdump/Brainstem/internal/model"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS model_registry_state (
        model_kind            TEXT PRIMARY KEY,
        active_version        TEXT NOT NULL,
        canary_version        TEXT,
        rollout_percent       INTEGER NOT NULL DEFAULT 0,
        tenant_allowlist_json JSONB NOT NULL DEFAULT '[]',
        metadata_json         JSONB NOT NULL DEFAULT '{}',
        updated_at            TIMESTAMPTZ NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS model_registry_signal (
        id         BIGSERIAL PRIMARY KEY,
        model_kind TEXT NOT NULL,
        version    TEXT NOT NULL,
        metric     TEXT NOT NULL,
        value      DOUBLE PRECISION NOT NULL,
        source     TEXT,
        created_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_registry_signal_kind ON model_registry_signal (model_kind, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS model_registry_event (
        id             BIGSERIAL PRIMARY KEY,
        model_kind     TEXT NOT NULL,
        event_kind     TEXT NOT NULL,
        actor_agent_id TEXT,
        payload_json   JSONB NOT NULL,
        created_at     TIMESTAMPTZ NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_registry_event_kind ON model_registry_event (model_kind, created_at DESC)`,
}

// PostgresStore persists registry state on a shared pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore ensures the registry schema on pool and upserts baseline
// states. The pool stays owned by the caller; Close is a no-op.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("registry: init postgres schema: %w", err)
		}
	}
	now := time.Now().UTC()
	for _, kind := range model.ModelKinds {
		_, err := pool.Exec(ctx,
			`INSERT INTO model_registry_state (model_kind, active_version, updated_at)
             VALUES ($1, $2, $3) ON CONFLICT (model_kind) DO NOTHING`,
			string(kind), model.BaselineVersion(kind), now,
		)
		if err != nil {
			return nil, fmt.Errorf("registry: seed baseline state: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) GetState(ctx context.Context, kind model.ModelKind) (model.ModelState, error) {
	var (
		state         model.ModelState
		canary        *string
		allowlistJSON []byte
		metadataJSON  []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT model_kind, active_version, canary_version, rollout_percent,
                tenant_allowlist_json, metadata_json, updated_at
         FROM model_registry_state WHERE model_kind = $1`,
		string(kind),
	).Scan(&state.Kind, &state.ActiveVersion, &canary, &state.RolloutPercent,
		&allowlistJSON, &metadataJSON, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ModelState{}, ErrUnsupportedModelKind
	}
	if err != nil {
		return model.ModelState{}, fmt.Errorf("registry: load state: %w", err)
	}
	if canary != nil {
		state.CanaryVersion = *canary
	}
	if err := decodeStateJSON(&state, string(allowlistJSON), string(metadataJSON)); err != nil {
		return model.ModelState{}, err
	}
	return state, nil
}

func (s *PostgresStore) PutState(ctx context.Context, state model.ModelState) error {
	allowlistJSON, metadataJSON, err := encodeStateJSON(state)
	if err != nil {
		return err
	}
	var canary *string
	if state.CanaryVersion != "" {
		canary = &state.CanaryVersion
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE model_registry_state
         SET active_version = $1, canary_version = $2, rollout_percent = $3,
             tenant_allowlist_json = $4, metadata_json = $5, updated_at = $6
         WHERE model_kind = $7`,
		state.ActiveVersion, canary, state.RolloutPercent,
		allowlistJSON, metadataJSON, state.UpdatedAt, string(state.Kind),
	)
	if err != nil {
		return fmt.Errorf("registry: save state: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendSignal(ctx context.Context, kind model.ModelKind, sig model.SignalRecord, window int) error {
	var source *string
	if sig.Source != "" {
		source = &sig.Source
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO model_registry_signal (model_kind, version, metric, value, source, created_at)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		string(kind), sig.Version, sig.Metric, sig.Value, source, sig.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("registry: insert signal: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`DELETE FROM model_registry_signal
         WHERE model_kind = $1 AND id NOT IN (
             SELECT id FROM model_registry_signal
             WHERE model_kind = $1 ORDER BY id DESC LIMIT $2
         )`,
		string(kind), window,
	)
	if err != nil {
		return fmt.Errorf("registry: trim signal window: %w", err)
	}
	return nil
}

func (s *PostgresStore) Signals(ctx context.Context, kind model.ModelKind) ([]model.SignalRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT version, metric, value, source, created_at
         FROM model_registry_signal WHERE model_kind = $1 ORDER BY id`,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: query signals: %w", err)
	}
	defer rows.Close()

	var out []model.SignalRecord
	for rows.Next() {
		var sig model.SignalRecord
		var source *string
		if err := rows.Scan(&sig.Version, &sig.Metric, &sig.Value, &source, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("registry: scan signal: %w", err)
		}
		if source != nil {
			sig.Source = *source
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate signals: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev model.RegistryEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("registry: encode event payload: %w", err)
	}
	var actor *string
	if ev.ActorAgentID != "" {
		actor = &ev.ActorAgentID
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO model_registry_event (model_kind, event_kind, actor_agent_id, payload_json, created_at)
         VALUES ($1, $2, $3, $4, $5)`,
		string(ev.Kind), ev.EventKind, actor, payload, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("registry: insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Events(ctx context.Context, kind model.ModelKind, limit int) ([]model.RegistryEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_kind, actor_agent_id, payload_json, created_at
         FROM model_registry_event WHERE model_kind = $1
         ORDER BY id DESC LIMIT $2`,
		string(kind), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("registry: query events: %w", err)
	}
	defer rows.Close()

	var out []model.RegistryEvent
	for rows.Next() {
		ev := model.RegistryEvent{Kind: kind}
		var actor *string
		var payloadJSON []byte
		if err := rows.Scan(&ev.EventKind, &actor, &payloadJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("registry: scan event: %w", err)
		}
		if actor != nil {
			ev.ActorAgentID = *actor
		}
		if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
			return nil, fmt.Errorf("registry: decode event payload: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate events: %w", err)
	}
	return out, nil
}

// Close is a no-op; the pool belongs to the repository layer.
func (s *PostgresStore) Close() error { return nil }
