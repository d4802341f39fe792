package graph

import (
	"context"
	"math"
	"sync"
	"time"
)

type edgeState struct {
	weight    float64
	updatedAt time.Time
}

// InMemory is the map-backed graph store.
type InMemory struct {
	mu            sync.Mutex
	halfLifeHours float64
	weights       map[Relation]float64
	// tenant -> term key -> memory id set
	terms map[string]map[string]map[string]bool
	// tenant -> src -> dst -> relation -> edge
	edges map[string]map[string]map[string]map[Relation]edgeState
	now   func() time.Time
}

// NewInMemory builds an empty in-memory graph store. The half life clamps
// to at least one hour; weight overrides validate against the known
// relations.
func NewInMemory(halfLifeHours float64, overrides map[Relation]float64) (*InMemory, error) {
	weights, err := NormalizeRelationWeights(overrides)
	if err != nil {
		return nil, err
	}
	return &InMemory{
		halfLifeHours: math.Max(1, halfLifeHours),
		weights:       weights,
		terms:         make(map[string]map[string]map[string]bool),
		edges:         make(map[string]map[string]map[string]map[Relation]edgeState),
		now:           time.Now,
	}, nil
}

func (g *InMemory) ProjectMemory(_ context.Context, tenantID, memoryID, text string) error {
	features := ExtractFeatures(text)
	if len(features) == 0 {
		return nil
	}
	now := g.now().UTC()

	g.mu.Lock()
	defer g.mu.Unlock()

	tenantTerms := g.terms[tenantID]
	if tenantTerms == nil {
		tenantTerms = make(map[string]map[string]bool)
		g.terms[tenantID] = tenantTerms
	}

	relatedByRelation := make(map[string]map[Relation]float64)
	for _, rel := range Relations {
		for _, term := range features[rel] {
			key := termKey(rel, term)
			members := tenantTerms[key]
			if members == nil {
				members = make(map[string]bool)
				tenantTerms[key] = members
			}
			for existing := range members {
				if existing == memoryID {
					continue
				}
				if relatedByRelation[existing] == nil {
					relatedByRelation[existing] = make(map[Relation]float64)
				}
				relatedByRelation[existing][rel] += 1.0
			}
			members[memoryID] = true
		}
	}

	for relatedID, increments := range relatedByRelation {
		for rel, weight := range increments {
			g.upsertEdge(tenantID, memoryID, relatedID, rel, weight, now)
			g.upsertEdge(tenantID, relatedID, memoryID, rel, weight, now)
		}
	}
	return nil
}

func (g *InMemory) upsertEdge(tenantID, src, dst string, rel Relation, weight float64, now time.Time) {
	tenantEdges := g.edges[tenantID]
	if tenantEdges == nil {
		tenantEdges = make(map[string]map[string]map[Relation]edgeState)
		g.edges[tenantID] = tenantEdges
	}
	srcEdges := tenantEdges[src]
	if srcEdges == nil {
		srcEdges = make(map[string]map[Relation]edgeState)
		tenantEdges[src] = srcEdges
	}
	dstEdges := srcEdges[dst]
	if dstEdges == nil {
		dstEdges = make(map[Relation]edgeState)
		srcEdges[dst] = dstEdges
	}
	prev := dstEdges[rel]
	dstEdges[rel] = edgeState{weight: prev.weight + weight, updatedAt: now}
}

func (g *InMemory) Related(_ context.Context, tenantID string, memoryIDs []string, excludeIDs map[string]bool, limit int) ([]string, error) {
	if len(memoryIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	now := g.now().UTC()

	g.mu.Lock()
	defer g.mu.Unlock()

	scores := make(map[string]float64)
	for _, id := range memoryIDs {
		for relatedID, relations := range g.edges[tenantID][id] {
			if excludeIDs[relatedID] {
				continue
			}
			for rel, edge := range relations {
				scores[relatedID] += edge.weight * g.weights[rel] *
					decayMultiplier(edge.updatedAt, now, g.halfLifeHours)
			}
		}
	}
	return rankScores(scores, limit), nil
}

func (g *InMemory) QueryCandidates(_ context.Context, tenantID, text string, excludeIDs map[string]bool, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	features := ExtractFeatures(text)
	if len(features) == 0 {
		return nil, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	scores := make(map[string]float64)
	for _, rel := range Relations {
		relWeight := g.weights[rel]
		for _, term := range features[rel] {
			for memoryID := range g.terms[tenantID][termKey(rel, term)] {
				if excludeIDs[memoryID] {
					continue
				}
				scores[memoryID] += relWeight
			}
		}
	}
	return rankScores(scores, limit), nil
}

func (g *InMemory) Close() error { return nil }
