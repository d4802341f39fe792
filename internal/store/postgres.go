package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/hookdump/Brainstem/internal/model"
	"github.com/hookdump/Brainstem/internal/vector"
)

var postgresSchema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS memory_items (
        memory_id   TEXT PRIMARY KEY,
        tenant_id   TEXT NOT NULL,
        agent_id    TEXT NOT NULL,
        type        TEXT NOT NULL,
        scope       TEXT NOT NULL,
        text        TEXT NOT NULL,
        trust_level TEXT NOT NULL,
        confidence  DOUBLE PRECISION NOT NULL,
        salience    DOUBLE PRECISION NOT NULL,
        source_ref  TEXT,
        created_at  TIMESTAMPTZ NOT NULL,
        expires_at  TIMESTAMPTZ,
        tombstoned  BOOLEAN NOT NULL DEFAULT FALSE,
        embedding   VECTOR(1536)
    )`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
        tenant_id       TEXT NOT NULL,
        idempotency_key TEXT NOT NULL,
        response_json   TEXT NOT NULL,
        created_at      TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (tenant_id, idempotency_key)
    )`,
	`CREATE INDEX IF NOT EXISTS idx_memory_tenant_created ON memory_items (tenant_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_tenant_scope ON memory_items (tenant_id, scope)`,
}

// Postgres is the networked repository. It carries a hashed-embedding vector
// column and prefers cosine-distance candidate ordering, falling back to a
// plain scan when the vector operator is unavailable.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgres connects a pool to dsn and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres DSN: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("store: pgvector types not registered", "error", err)
		}
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("store: init postgres schema: %w", err)
		}
	}
	return &Postgres{pool: pool, logger: logger, now: time.Now}, nil
}

// Pool exposes the underlying pool so sibling subsystems (graph projection,
// model registry) can share the same connection set.
func (s *Postgres) Pool() *pgxpool.Pool { return s.pool }

func (s *Postgres) Remember(ctx context.Context, req model.RememberRequest) (model.RememberResponse, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.RememberResponse{}, fmt.Errorf("store: begin remember: %w", err)
	}
	defer tx.Rollback(ctx)

	if req.IdempotencyKey != "" {
		var raw string
		err := tx.QueryRow(ctx,
			`SELECT response_json FROM idempotency_records WHERE tenant_id = $1 AND idempotency_key = $2`,
			req.TenantID, req.IdempotencyKey,
		).Scan(&raw)
		switch {
		case err == nil:
			orig, err := decodeRememberResponse(raw)
			if err != nil {
				return model.RememberResponse{}, err
			}
			return replayResponse(orig), nil
		case !errors.Is(err, pgx.ErrNoRows):
			return model.RememberResponse{}, fmt.Errorf("store: lookup idempotency record: %w", err)
		}
	}

	now := s.now().UTC()
	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		rec := buildRecord(req, item, now)
		_, err := tx.Exec(ctx,
			`INSERT INTO memory_items (
                memory_id, tenant_id, agent_id, type, scope, text,
                trust_level, confidence, salience, source_ref,
                created_at, expires_at, embedding
            ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			rec.MemoryID, rec.TenantID, rec.AgentID, string(rec.Type), string(rec.Scope),
			rec.Text, string(rec.TrustLevel), rec.Confidence, rec.Salience, rec.SourceRef,
			rec.CreatedAt, rec.ExpiresAt, pgvector.NewVector(vector.HashedEmbedding(rec.Text)),
		)
		if err != nil {
			return model.RememberResponse{}, fmt.Errorf("store: insert memory: %w", err)
		}
		ids = append(ids, rec.MemoryID)
	}

	resp := model.RememberResponse{Accepted: len(ids), Rejected: 0, MemoryIDs: ids, Warnings: []string{}}
	if req.IdempotencyKey != "" {
		raw, err := encodeRememberResponse(resp)
		if err != nil {
			return model.RememberResponse{}, err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO idempotency_records (tenant_id, idempotency_key, response_json, created_at)
             VALUES ($1, $2, $3, $4)
             ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`,
			req.TenantID, req.IdempotencyKey, raw, now,
		)
		if err != nil {
			return model.RememberResponse{}, fmt.Errorf("store: insert idempotency record: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return model.RememberResponse{}, fmt.Errorf("store: commit remember: %w", err)
	}
	return resp, nil
}

func (s *Postgres) Recall(ctx context.Context, req model.RecallRequest) (model.RecallResponse, error) {
	now := s.now().UTC()

	queryVec := pgvector.NewVector(vector.HashedEmbedding(req.Query))
	rows, err := s.pool.Query(ctx,
		`SELECT memory_id, tenant_id, agent_id, type, scope, text, trust_level,
                confidence, salience, source_ref, created_at, expires_at, tombstoned
         FROM memory_items
         WHERE tenant_id = $1 AND tombstoned = FALSE
         ORDER BY embedding <=> $2 ASC NULLS LAST
         LIMIT 512`,
		req.TenantID, queryVec,
	)
	if err != nil {
		// The vector operator can be missing on a fresh database; fall back
		// to an unordered scan, packRecall re-ranks lexically anyway.
		s.logger.Debug("store: vector recall unavailable, falling back", "error", err)
		rows, err = s.pool.Query(ctx,
			`SELECT memory_id, tenant_id, agent_id, type, scope, text, trust_level,
                    confidence, salience, source_ref, created_at, expires_at, tombstoned
             FROM memory_items
             WHERE tenant_id = $1 AND tombstoned = FALSE`,
			req.TenantID,
		)
		if err != nil {
			return model.RecallResponse{}, fmt.Errorf("store: query recall candidates: %w", err)
		}
	}
	defer rows.Close()

	var candidates []model.MemoryRecord
	for rows.Next() {
		var rec model.MemoryRecord
		var memType, scope, trust string
		err := rows.Scan(
			&rec.MemoryID, &rec.TenantID, &rec.AgentID, &memType, &scope, &rec.Text,
			&trust, &rec.Confidence, &rec.Salience, &rec.SourceRef,
			&rec.CreatedAt, &rec.ExpiresAt, &rec.Tombstoned,
		)
		if err != nil {
			return model.RecallResponse{}, fmt.Errorf("store: scan recall candidate: %w", err)
		}
		rec.Type = model.MemoryType(memType)
		rec.Scope = model.Scope(scope)
		rec.TrustLevel = model.TrustLevel(trust)
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

func (s *Postgres) Inspect(ctx context.Context, tenantID, agentID string, scope model.Scope, memoryID string) (model.MemoryDetails, error) {
	rec, err := s.fetch(ctx, tenantID, memoryID)
	if err != nil {
		return model.MemoryDetails{}, err
	}
	if !visibleAt(rec, s.now().UTC()) || !canRead(agentID, scope, rec) {
		return model.MemoryDetails{}, ErrNotFound
	}
	return rec.Details(), nil
}

func (s *Postgres) Forget(ctx context.Context, tenantID, agentID, memoryID string) (model.ForgetResponse, error) {
	rec, err := s.fetch(ctx, tenantID, memoryID)
	if errors.Is(err, ErrNotFound) {
		return model.ForgetResponse{MemoryID: memoryID, Deleted: false}, nil
	}
	if err != nil {
		return model.ForgetResponse{}, err
	}
	if !canDelete(agentID, rec) {
		return model.ForgetResponse{MemoryID: memoryID, Deleted: false}, nil
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE memory_items SET tombstoned = TRUE WHERE tenant_id = $1 AND memory_id = $2`,
		tenantID, memoryID,
	)
	if err != nil {
		return model.ForgetResponse{}, fmt.Errorf("store: tombstone memory: %w", err)
	}
	return model.ForgetResponse{MemoryID: memoryID, Deleted: true}, nil
}

func (s *Postgres) PurgeExpired(ctx context.Context, tenantID string, graceHours int) (int, error) {
	cutoff := s.now().UTC().Add(-time.Duration(graceHours) * time.Hour)
	tag, err := s.pool.Exec(ctx,
		`UPDATE memory_items SET tombstoned = TRUE
         WHERE tenant_id = $1 AND tombstoned = FALSE
           AND expires_at IS NOT NULL AND expires_at <= $2`,
		tenantID, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("store: purge expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) fetch(ctx context.Context, tenantID, memoryID string) (model.MemoryRecord, error) {
	var rec model.MemoryRecord
	var memType, scope, trust string
	err := s.pool.QueryRow(ctx,
		`SELECT memory_id, tenant_id, agent_id, type, scope, text, trust_level,
                confidence, salience, source_ref, created_at, expires_at, tombstoned
         FROM memory_items WHERE tenant_id = $1 AND memory_id = $2 AND tombstoned = FALSE`,
		tenantID, memoryID,
	).Scan(
		&rec.MemoryID, &rec.TenantID, &rec.AgentID, &memType, &scope, &rec.Text,
		&trust, &rec.Confidence, &rec.Salience, &rec.SourceRef,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.Tombstoned,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MemoryRecord{}, ErrNotFound
	}
	if err != nil {
		return model.MemoryRecord{}, fmt.Errorf("store: fetch memory: %w", err)
	}
	rec.Type = model.MemoryType(memType)
	rec.Scope = model.Scope(scope)
	rec.TrustLevel = model.TrustLevel(trust)
	return rec, nil
}
