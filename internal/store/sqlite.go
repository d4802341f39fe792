package store

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
CREATE TABLE IF NOT EXISTS memory_items (
    memory_id   TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    agent_id    TEXT NOT NULL,
    type        TEXT NOT NULL,
    scope       TEXT NOT NULL,
    text        TEXT NOT NULL,
    trust_level TEXT NOT NULL,
    confidence  REAL NOT NULL,
    salience    REAL NOT NULL,
    source_ref  TEXT,
    created_at  TEXT NOT NULL,
    expires_at  TEXT,
    tombstoned  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_memory_tenant_created ON memory_items (tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_memory_tenant_scope ON memory_items (tenant_id, scope);
CREATE TABLE IF NOT EXISTS idempotency_records (
    tenant_id       TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    response_json   TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    PRIMARY KEY (tenant_id, idempotency_key)
);`

// SQLite is the single-file embedded repository.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (creating if needed) the repository database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init sqlite schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Remember(ctx context.Context, req model.RememberRequest) (model.RememberResponse, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RememberResponse{}, fmt.Errorf("store: begin remember: %w", err)
	}
	defer tx.Rollback()

	if req.IdempotencyKey != "" {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT response_json FROM idempotency_records WHERE tenant_id = ? AND idempotency_key = ?`,
			req.TenantID, req.IdempotencyKey,
		).Scan(&raw)
		switch {
		case err == nil:
			var orig model.RememberResponse
			if err := json.Unmarshal([]byte(raw), &orig); err != nil {
				return model.RememberResponse{}, fmt.Errorf("store: decode idempotency record: %w", err)
			}
			return replayResponse(orig), nil
		case !errors.Is(err, sql.ErrNoRows):
			return model.RememberResponse{}, fmt.Errorf("store: lookup idempotency record: %w", err)
		}
	}

	now := s.now().UTC()
	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		rec := buildRecord(req, item, now)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO memory_items (
                memory_id, tenant_id, agent_id, type, scope, text,
                trust_level, confidence, salience, source_ref,
                created_at, expires_at, tombstoned
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			rec.MemoryID, rec.TenantID, rec.AgentID, string(rec.Type), string(rec.Scope),
			rec.Text, string(rec.TrustLevel), rec.Confidence, rec.Salience,
			nullString(rec.SourceRef), sqlitedb.FormatTime(rec.CreatedAt), sqlitedb.NullTime(rec.ExpiresAt),
		)
		if err != nil {
			return model.RememberResponse{}, fmt.Errorf("store: insert memory: %w", err)
		}
		ids = append(ids, rec.MemoryID)
	}

	resp := model.RememberResponse{Accepted: len(ids), Rejected: 0, MemoryIDs: ids, Warnings: []string{}}
	if req.IdempotencyKey != "" {
		raw, err := json.Marshal(resp)
		if err != nil {
			return model.RememberResponse{}, fmt.Errorf("store: encode idempotency record: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO idempotency_records (tenant_id, idempotency_key, response_json, created_at)
             VALUES (?, ?, ?, ?)`,
			req.TenantID, req.IdempotencyKey, string(raw), sqlitedb.FormatTime(now),
		)
		if err != nil {
			return model.RememberResponse{}, fmt.Errorf("store: insert idempotency record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.RememberResponse{}, fmt.Errorf("store: commit remember: %w", err)
	}
	return resp, nil
}

func (s *SQLite) Recall(ctx context.Context, req model.RecallRequest) (model.RecallResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, tenant_id, agent_id, type, scope, text, trust_level,
                confidence, salience, source_ref, created_at, expires_at, tombstoned
         FROM memory_items WHERE tenant_id = ? AND tombstoned = 0
         ORDER BY created_at`,
		req.TenantID,
	)
	if err != nil {
		return model.RecallResponse{}, fmt.Errorf("store: query recall candidates: %w", err)
	}
	defer rows.Close()

	now := s.now().UTC()
	var candidates []model.MemoryRecord
	for rows.Next() {
		rec, err := scanMemoryRow(rows)
		if err != nil {
			return model.RecallResponse{}, err
		}
		if !visibleAt(rec, now) || !canRead(req.AgentID, req.Scope, rec) || !matchesFilters(rec, req.Filters) {
			continue
		}
		candidates = append(candidates, rec)
	}
	if err := rows.Err(); err != nil {
		return model.RecallResponse{}, fmt.Errorf("store: iterate recall candidates: %w", err)
	}
	return packRecall(req, candidates, now), nil
}

func (s *SQLite) Inspect(ctx context.Context, tenantID, agentID string, scope model.Scope, memoryID string) (model.MemoryDetails, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT memory_id, tenant_id, agent_id, type, scope, text, trust_level,
                confidence, salience, source_ref, created_at, expires_at, tombstoned
         FROM memory_items WHERE tenant_id = ? AND memory_id = ? AND tombstoned = 0`,
		tenantID, memoryID,
	)
	rec, err := scanMemoryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MemoryDetails{}, ErrNotFound
	}
	if err != nil {
		return model.MemoryDetails{}, err
	}
	if !visibleAt(rec, s.now().UTC()) || !canRead(agentID, scope, rec) {
		return model.MemoryDetails{}, ErrNotFound
	}
	return rec.Details(), nil
}

func (s *SQLite) Forget(ctx context.Context, tenantID, agentID, memoryID string) (model.ForgetResponse, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT memory_id, tenant_id, agent_id, type, scope, text, trust_level,
                confidence, salience, source_ref, created_at, expires_at, tombstoned
         FROM memory_items WHERE tenant_id = ? AND memory_id = ? AND tombstoned = 0`,
		tenantID, memoryID,
	)
	rec, err := scanMemoryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ForgetResponse{MemoryID: memoryID, Deleted: false}, nil
	}
	if err != nil {
		return model.ForgetResponse{}, err
	}
	if !canDelete(agentID, rec) {
		return model.ForgetResponse{MemoryID: memoryID, Deleted: false}, nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE memory_items SET tombstoned = 1 WHERE tenant_id = ? AND memory_id = ?`,
		tenantID, memoryID,
	)
	if err != nil {
		return model.ForgetResponse{}, fmt.Errorf("store: tombstone memory: %w", err)
	}
	return model.ForgetResponse{MemoryID: memoryID, Deleted: true}, nil
}

func (s *SQLite) PurgeExpired(ctx context.Context, tenantID string, graceHours int) (int, error) {
	cutoff := s.now().UTC().Add(-time.Duration(graceHours) * time.Hour)
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_items SET tombstoned = 1
         WHERE tenant_id = ? AND tombstoned = 0
           AND expires_at IS NOT NULL AND expires_at <= ?`,
		tenantID, sqlitedb.FormatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("store: purge expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: purge expired rowcount: %w", err)
	}
	return int(n), nil
}

func (s *SQLite) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryRow(row rowScanner) (model.MemoryRecord, error) {
	var (
		rec        model.MemoryRecord
		memType    string
		scope      string
		trust      string
		sourceRef  sql.NullString
		createdAt  string
		expiresAt  sql.NullString
		tombstoned int
	)
	err := row.Scan(
		&rec.MemoryID, &rec.TenantID, &rec.AgentID, &memType, &scope, &rec.Text,
		&trust, &rec.Confidence, &rec.Salience, &sourceRef, &createdAt, &expiresAt, &tombstoned,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MemoryRecord{}, err
	}
	if err != nil {
		return model.MemoryRecord{}, fmt.Errorf("store: scan memory row: %w", err)
	}
	rec.Type = model.MemoryType(memType)
	rec.Scope = model.Scope(scope)
	rec.TrustLevel = model.TrustLevel(trust)
	if sourceRef.Valid {
		rec.SourceRef = &sourceRef.String
	}
	rec.CreatedAt, err = sqlitedb.ParseTime(createdAt)
	if err != nil {
		return model.MemoryRecord{}, err
	}
	rec.ExpiresAt, err = sqlitedb.ParseNullTime(expiresAt)
	if err != nil {
		return model.MemoryRecord{}, err
	}
	rec.Tombstoned = tombstoned != 0
	return rec, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
