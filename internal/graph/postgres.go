package graph

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS graph_terms (
        tenant_id  TEXT NOT NULL,
        term       TEXT NOT NULL,
        memory_id  TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (tenant_id, term, memory_id)
    )`,
	`CREATE INDEX IF NOT EXISTS idx_graph_terms_term ON graph_terms (tenant_id, term)`,
	`CREATE TABLE IF NOT EXISTS graph_edges (
        tenant_id     TEXT NOT NULL,
        src_memory_id TEXT NOT NULL,
        dst_memory_id TEXT NOT NULL,
        relation      TEXT NOT NULL,
        weight        DOUBLE PRECISION NOT NULL,
        created_at    TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (tenant_id, src_memory_id, dst_memory_id, relation)
    )`,
	`CREATE INDEX IF NOT EXISTS idx_graph_edges_src ON graph_edges (tenant_id, src_memory_id)`,
}

// Postgres is the networked graph store, sharing a pool with the postgres
// repository when both are configured.
type Postgres struct {
	pool          *pgxpool.Pool
	halfLifeHours float64
	weights       map[Relation]float64
	now           func() time.Time
}

// NewPostgres ensures the graph schema on pool and returns the store. The
// pool stays owned by the caller; Close is a no-op.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, halfLifeHours float64, overrides map[Relation]float64) (*Postgres, error) {
	weights, err := NormalizeRelationWeights(overrides)
	if err != nil {
		return nil, err
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("graph: init postgres schema: %w", err)
		}
	}
	return &Postgres{
		pool:          pool,
		halfLifeHours: math.Max(1, halfLifeHours),
		weights:       weights,
		now:           time.Now,
	}, nil
}

func (g *Postgres) ProjectMemory(ctx context.Context, tenantID, memoryID, text string) error {
	features := ExtractFeatures(text)
	if len(features) == 0 {
		return nil
	}
	now := g.now().UTC()

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("graph: begin projection: %w", err)
	}
	defer tx.Rollback(ctx)

	relatedByRelation := make(map[string]map[Relation]float64)
	for _, rel := range Relations {
		for _, term := range features[rel] {
			key := termKey(rel, term)
			rows, err := tx.Query(ctx,
				`SELECT memory_id FROM graph_terms WHERE tenant_id = $1 AND term = $2`,
				tenantID, key,
			)
			if err != nil {
				return fmt.Errorf("graph: query term members: %w", err)
			}
			members, err := pgx.CollectRows(rows, pgx.RowTo[string])
			if err != nil {
				return fmt.Errorf("graph: collect term members: %w", err)
			}
			for _, existing := range members {
				if existing == memoryID {
					continue
				}
				if relatedByRelation[existing] == nil {
					relatedByRelation[existing] = make(map[Relation]float64)
				}
				relatedByRelation[existing][rel] += 1.0
			}

			_, err = tx.Exec(ctx,
				`INSERT INTO graph_terms (tenant_id, term, memory_id, created_at)
                 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
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
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("graph: commit projection: %w", err)
	}
	return nil
}

func (g *Postgres) upsertEdge(ctx context.Context, tx pgx.Tx, tenantID, src, dst string, rel Relation, weight float64, now time.Time) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO graph_edges (tenant_id, src_memory_id, dst_memory_id, relation, weight, created_at)
         VALUES ($1, $2, $3, $4, $5, $6)
         ON CONFLICT (tenant_id, src_memory_id, dst_memory_id, relation)
         DO UPDATE SET weight = graph_edges.weight + EXCLUDED.weight,
                       created_at = EXCLUDED.created_at`,
		tenantID, src, dst, string(rel), weight, now,
	)
	if err != nil {
		return fmt.Errorf("graph: upsert edge: %w", err)
	}
	return nil
}

func (g *Postgres) Related(ctx context.Context, tenantID string, memoryIDs []string, excludeIDs map[string]bool, limit int) ([]string, error) {
	if len(memoryIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := g.pool.Query(ctx,
		`SELECT dst_memory_id, relation, weight, created_at FROM graph_edges
         WHERE tenant_id = $1 AND src_memory_id = ANY($2)`,
		tenantID, memoryIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("graph: query related edges: %w", err)
	}
	defer rows.Close()

	now := g.now().UTC()
	scores := make(map[string]float64)
	for rows.Next() {
		var dst, rel string
		var weight float64
		var updatedAt time.Time
		if err := rows.Scan(&dst, &rel, &weight, &updatedAt); err != nil {
			return nil, fmt.Errorf("graph: scan edge: %w", err)
		}
		if excludeIDs[dst] {
			continue
		}
		scores[dst] += weight * g.weights[Relation(rel)] * decayMultiplier(updatedAt, now, g.halfLifeHours)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("graph: iterate edges: %w", err)
	}
	return rankScores(scores, limit), nil
}

func (g *Postgres) QueryCandidates(ctx context.Context, tenantID, text string, excludeIDs map[string]bool, limit int) ([]string, error) {
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
		keys := make([]string, 0, len(features[rel]))
		for _, term := range features[rel] {
			keys = append(keys, termKey(rel, term))
		}
		if len(keys) == 0 {
			continue
		}
		rows, err := g.pool.Query(ctx,
			`SELECT memory_id FROM graph_terms WHERE tenant_id = $1 AND term = ANY($2)`,
			tenantID, keys,
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
	return rankScores(scores, limit), nil
}

// Close is a no-op; the pool belongs to the repository layer.
func (g *Postgres) Close() error { return nil }
