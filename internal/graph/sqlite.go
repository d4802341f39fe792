package graph

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hookdump/Brainstem/internal/sqlitedb"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS graph_terms (
    tenant_id  TEXT NOT NULL,
    term       TEXT NOT NULL,
    memory_id  TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (tenant_id, term, memory_id)
);
CREATE INDEX IF NOT EXISTS idx_graph_terms_term ON graph_terms (tenant_id, term);
CREATE TABLE IF NOT EXISTS graph_edges (
    tenant_id     TEXT NOT NULL,
    src_memory_id TEXT NOT NULL,
    dst_memory_id TEXT NOT NULL,
    relation      TEXT NOT NULL,
    weight        REAL NOT NULL,
    created_at    TEXT NOT NULL,
    PRIMARY KEY (tenant_id, src_memory_id, dst_memory_id, relation)
);
CREATE INDEX IF NOT EXISTS idx_graph_edges_src ON graph_edges (tenant_id, src_memory_id);`

// SQLite is the single-file embedded graph store.
type SQLite struct {
	db            *sql.DB
	halfLifeHours float64
	weights       map[Relation]float64
	now           func() time.Time
}

// NewSQLite opens (creating if needed) the graph database at path.
func NewSQLite(path string, halfLifeHours float64, overrides map[Relation]float64) (*SQLite, error) {
	weights, err := NormalizeRelationWeights(overrides)
	if err != nil {
		return nil, err
	}
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("graph: init sqlite schema: %w", err)
	}
	return &SQLite{
		db:            db,
		halfLifeHours: math.Max(1, halfLifeHours),
		weights:       weights,
		now:           time.Now,
	}, nil
}

func (g *SQLite) ProjectMemory(ctx context.Context, tenantID, memoryID, text string) error {
	features := ExtractFeatures(text)
	if len(features) == 0 {
		return nil
	}
	now := sqlitedb.FormatTime(g.now())

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("graph: begin projection: %w", err)
	}
	defer tx.Rollback()

	relatedByRelation := make(map[string]map[Relation]float64)
	for _, rel := range Relations {
		for _, term := range features[rel] {
			key := termKey(rel, term)
			rows, err := tx.QueryContext(ctx,
				`SELECT memory_id FROM graph_terms WHERE tenant_id = ? AND term = ?`,
				tenantID, key,
			)
			if err != nil {
				return fmt.Errorf("graph: query term members: %w", err)
			}
			for rows.Next() {
				var existing string
				if err := rows.Scan(&existing); err != nil {
					rows.Close()
					return fmt.Errorf("graph: scan term member: %w", err)
				}
				if existing == memoryID {
					continue
				}
				if relatedByRelation[existing] == nil {
					relatedByRelation[existing] = make(map[Relation]float64)
				}
				relatedByRelation[existing][rel] += 1.0
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return fmt.Errorf("graph: iterate term members: %w", err)
			}
			rows.Close()

			_, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO graph_terms (tenant_id, term, memory_id, created_at)
                 VALUES (?, ?, ?, ?)`,
				tenantID, key, memoryID, now,
			)
			if err != nil {
				return fmt.Errorf("graph: insert term: %w", err)
			}
		}
	}

	for relatedID, increments := range relatedByRelation {
		for rel, weight := range increments {
			if err := g.upsertEdge(ctx, tx, tenantID, memoryID, relatedID, rel, weight, now); err != nil {
				return err
			}
			if err := g.upsertEdge(ctx, tx, tenantID, relatedID, memoryID, rel, weight, now); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("graph: commit projection: %w", err)
	}
	return nil
}

func (g *SQLite) upsertEdge(ctx context.Context, tx *sql.Tx, tenantID, src, dst string, rel Relation, weight float64, now string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO graph_edges (tenant_id, src_memory_id, dst_memory_id, relation, weight, created_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT (tenant_id, src_memory_id, dst_memory_id, relation)
         DO UPDATE SET weight = graph_edges.weight + excluded.weight,
                       created_at = excluded.created_at`,
		tenantID, src, dst, string(rel), weight, now,
	)
	if err != nil {
		return fmt.Errorf("graph: upsert edge: %w", err)
	}
	return nil
}

func (g *SQLite) Related(ctx context.Context, tenantID string, memoryIDs []string, excludeIDs map[string]bool, limit int) ([]string, error) {
	if len(memoryIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(memoryIDs)), ", ")
	args := make([]any, 0, len(memoryIDs)+1)
	args = append(args, tenantID)
	for _, id := range memoryIDs {
		args = append(args, id)
	}

	rows, err := g.db.QueryContext(ctx,
		`SELECT dst_memory_id, relation, weight, created_at FROM graph_edges
         WHERE tenant_id = ? AND src_memory_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("graph: query related edges: %w", err)
	}
	defer rows.Close()

	now := g.now().UTC()
	scores := make(map[string]float64)
	for rows.Next() {
		var dst, rel, createdAt string
		var weight float64
		if err := rows.Scan(&dst, &rel, &weight, &createdAt); err != nil {
			return nil, fmt.Errorf("graph: scan edge: %w", err)
		}
		if excludeIDs[dst] {
			continue
		}
		updatedAt, err := sqlitedb.ParseTime(createdAt)
		if err != nil {
			return nil, err
		}
		scores[dst] += weight * g.weights[Relation(rel)] * decayMultiplier(updatedAt, now, g.halfLifeHours)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("graph: iterate edges: %w", err)
	}
	return rankScores(scores, limit), nil
}

func (g *SQLite) QueryCandidates(ctx context.Context, tenantID, text string, excludeIDs map[string]bool, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	features := ExtractFeatures(text)
	if len(features) == 0 {
		return nil, nil
	}

	scores := make(map[string]float64)
	for _, rel := range Relations {
		relWeight := g.weights[rel]
		for _, term := range features[rel] {
			rows, err := g.db.QueryContext(ctx,
				`SELECT memory_id FROM graph_terms WHERE tenant_id = ? AND term = ?`,
				tenantID, termKey(rel, term),
			)
			if err != nil {
				return nil, fmt.Errorf("graph: query term candidates: %w", err)
			}
			for rows.Next() {
				var memoryID string
				if err := rows.Scan(&memoryID); err != nil {
					rows.Close()
					return nil, fmt.Errorf("graph: scan term candidate: %w", err)
				}
				if excludeIDs[memoryID] {
					continue
				}
				scores[memoryID] += relWeight
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, fmt.Errorf("graph: iterate term candidates: %w", err)
			}
			rows.Close()
		}
	}
	return rankScores(scores, limit), nil
}

func (g *SQLite) Close() error { return g.db.Close() }
