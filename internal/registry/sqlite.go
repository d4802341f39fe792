package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hookdump/Brainstem/internal/model"
	"github.com/hookdump/Brainstem/internal/sqlitedb"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS model_registry_state (
    model_kind           TEXT PRIMARY KEY,
    active_version       TEXT NOT NULL,
    canary_version       TEXT,
    rollout_percent      INTEGER NOT NULL DEFAULT 0,
    tenant_allowlist_json TEXT NOT NULL DEFAULT '[]',
    metadata_json        TEXT NOT NULL DEFAULT '{}',
    updated_at           TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS model_registry_signal (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    model_kind TEXT NOT NULL,
    version    TEXT NOT NULL,
    metric     TEXT NOT NULL,
    value      REAL NOT NULL,
    source     TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_registry_signal_kind ON model_registry_signal (model_kind, created_at DESC);
CREATE TABLE IF NOT EXISTS model_registry_event (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    model_kind     TEXT NOT NULL,
    event_kind     TEXT NOT NULL,
    actor_agent_id TEXT,
    payload_json   TEXT NOT NULL,
    created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_registry_event_kind ON model_registry_event (model_kind, created_at DESC);`

// SQLiteStore persists registry state in the embedded database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the registry database at path and upserts baseline
// states for every model kind.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: init sqlite schema: %w", err)
	}
	now := sqlitedb.FormatTime(time.Now())
	for _, kind := range model.ModelKinds {
		_, err := db.Exec(
			`INSERT INTO model_registry_state (model_kind, active_version, updated_at)
             VALUES (?, ?, ?) ON CONFLICT (model_kind) DO NOTHING`,
			string(kind), model.BaselineVersion(kind), now,
		)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("registry: seed baseline state: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetState(ctx context.Context, kind model.ModelKind) (model.ModelState, error) {
	var (
		state         model.ModelState
		canary        sql.NullString
		allowlistJSON string
		metadataJSON  string
		updatedAt     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT model_kind, active_version, canary_version, rollout_percent,
                tenant_allowlist_json, metadata_json, updated_at
         FROM model_registry_state WHERE model_kind = ?`,
		string(kind),
	).Scan(&state.Kind, &state.ActiveVersion, &canary, &state.RolloutPercent,
		&allowlistJSON, &metadataJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ModelState{}, ErrUnsupportedModelKind
	}
	if err != nil {
		return model.ModelState{}, fmt.Errorf("registry: load state: %w", err)
	}
	if canary.Valid {
		state.CanaryVersion = canary.String
	}
	if err := decodeStateJSON(&state, allowlistJSON, metadataJSON); err != nil {
		return model.ModelState{}, err
	}
	state.UpdatedAt, err = sqlitedb.ParseTime(updatedAt)
	if err != nil {
		return model.ModelState{}, err
	}
	return state, nil
}

func (s *SQLiteStore) PutState(ctx context.Context, state model.ModelState) error {
	allowlistJSON, metadataJSON, err := encodeStateJSON(state)
	if err != nil {
		return err
	}
	var canary sql.NullString
	if state.CanaryVersion != "" {
		canary = sql.NullString{String: state.CanaryVersion, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE model_registry_state
         SET active_version = ?, canary_version = ?, rollout_percent = ?,
             tenant_allowlist_json = ?, metadata_json = ?, updated_at = ?
         WHERE model_kind = ?`,
		state.ActiveVersion, canary, state.RolloutPercent,
		allowlistJSON, metadataJSON, sqlitedb.FormatTime(state.UpdatedAt), string(state.Kind),
	)
	if err != nil {
		return fmt.Errorf("registry: save state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendSignal(ctx context.Context, kind model.ModelKind, sig model.SignalRecord, window int) error {
	var source sql.NullString
	if sig.Source != "" {
		source = sql.NullString{String: sig.Source, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_registry_signal (model_kind, version, metric, value, source, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		string(kind), sig.Version, sig.Metric, sig.Value, source, sqlitedb.FormatTime(sig.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("registry: insert signal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM model_registry_signal
         WHERE model_kind = ? AND id NOT IN (
             SELECT id FROM model_registry_signal
             WHERE model_kind = ? ORDER BY id DESC LIMIT ?
         )`,
		string(kind), string(kind), window,
	)
	if err != nil {
		return fmt.Errorf("registry: trim signal window: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Signals(ctx context.Context, kind model.ModelKind) ([]model.SignalRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, metric, value, source, created_at
         FROM model_registry_signal WHERE model_kind = ? ORDER BY id`,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: query signals: %w", err)
	}
	defer rows.Close()

	var out []model.SignalRecord
	for rows.Next() {
		var sig model.SignalRecord
		var source sql.NullString
		var createdAt string
		if err := rows.Scan(&sig.Version, &sig.Metric, &sig.Value, &source, &createdAt); err != nil {
			return nil, fmt.Errorf("registry: scan signal: %w", err)
		}
		sig.Source = source.String
		sig.CreatedAt, err = sqlitedb.ParseTime(createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate signals: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev model.RegistryEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("registry: encode event payload: %w", err)
	}
	var actor sql.NullString
	if ev.ActorAgentID != "" {
		actor = sql.NullString{String: ev.ActorAgentID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_registry_event (model_kind, event_kind, actor_agent_id, payload_json, created_at)
         VALUES (?, ?, ?, ?, ?)`,
		string(ev.Kind), ev.EventKind, actor, string(payload), sqlitedb.FormatTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("registry: insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Events(ctx context.Context, kind model.ModelKind, limit int) ([]model.RegistryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_kind, actor_agent_id, payload_json, created_at
         FROM model_registry_event WHERE model_kind = ?
         ORDER BY id DESC LIMIT ?`,
		string(kind), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("registry: query events: %w", err)
	}
	defer rows.Close()

	var out []model.RegistryEvent
	for rows.Next() {
		ev := model.RegistryEvent{Kind: kind}
		var actor sql.NullString
		var payloadJSON, createdAt string
		if err := rows.Scan(&ev.EventKind, &actor, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("registry: scan event: %w", err)
		}
		ev.ActorAgentID = actor.String
		if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
			return nil, fmt.Errorf("registry: decode event payload: %w", err)
		}
		ev.CreatedAt, err = sqlitedb.ParseTime(createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate events: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func encodeStateJSON(state model.ModelState) (allowlist, metadata string, err error) {
	keys := sortedKeys(state.TenantAllowlist)
	rawAllow, err := json.Marshal(keys)
	if err != nil {
		return "", "", fmt.Errorf("registry: encode allowlist: %w", err)
	}
	meta := state.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return "", "", fmt.Errorf("registry: encode metadata: %w", err)
	}
	return string(rawAllow), string(rawMeta), nil
}

func decodeStateJSON(state *model.ModelState, allowlistJSON, metadataJSON string) error {
	var allow []string
	if err := json.Unmarshal([]byte(allowlistJSON), &allow); err != nil {
		return fmt.Errorf("registry: decode allowlist: %w", err)
	}
	state.TenantAllowlist = make(map[string]bool, len(allow))
	for _, t := range allow {
		state.TenantAllowlist[t] = true
	}
	if err := json.Unmarshal([]byte(metadataJSON), &state.Metadata); err != nil {
		return fmt.Errorf("registry: decode metadata: %w", err)
	}
	if state.Metadata == nil {
		state.Metadata = map[string]string{}
	}
	return nil
}
