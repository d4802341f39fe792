package graph

import "context"

// Store is the term/edge index contract. Memory ids are weak references:
// the graph never checks them against the repository, and a dangling edge
// is tolerated.
type Store interface {
	// ProjectMemory indexes one memory's features and accumulates edges to
	// every memory already sharing a (relation, term) entry.
	ProjectMemory(ctx context.Context, tenantID, memoryID, text string) error
	// Related returns up to limit memory ids connected to the seeds by at
	// least one edge, ranked by decayed relation-weighted edge score.
	Related(ctx context.Context, tenantID string, memoryIDs []string, excludeIDs map[string]bool, limit int) ([]string, error)
	// QueryCandidates returns up to limit memory ids whose indexed terms
	// match the query's features, ranked by summed relation weight.
	QueryCandidates(ctx context.Context, tenantID, text string, excludeIDs map[string]bool, limit int) ([]string, error)
	Close() error
}
