package graph

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hookdump/Brainstem/internal/model"
	"github.com/hookdump/Brainstem/internal/scoring"
	"github.com/hookdump/Brainstem/internal/store"
)

// Augmented wraps a repository with graph projection on write and one-hop
// expansion on recall. It satisfies store.Repository and can replace the
// plain repository wherever one is expected.
type Augmented struct {
	repo         store.Repository
	graph        Store
	maxExpansion int
	logger       *slog.Logger
}

// NewAugmented builds the wrapper. maxExpansion clamps to >= 0; zero
// disables expansion but keeps projection.
func NewAugmented(repo store.Repository, graph Store, maxExpansion int, logger *slog.Logger) *Augmented {
	if maxExpansion < 0 {
		maxExpansion = 0
	}
	return &Augmented{repo: repo, graph: graph, maxExpansion: maxExpansion, logger: logger}
}

// Remember stores the batch and projects each newly created memory into the
// graph. Idempotent replays are not re-projected. Projection failures do not
// fail the write; the memories are already durable.
func (a *Augmented) Remember(ctx context.Context, req model.RememberRequest) (model.RememberResponse, error) {
	resp, err := a.repo.Remember(ctx, req)
	if err != nil {
		return resp, err
	}
	for _, w := range resp.Warnings {
		if w == "idempotency_replay" {
			return resp, nil
		}
	}
	for i, memoryID := range resp.MemoryIDs {
		if i >= len(req.Items) {
			break
		}
		if err := a.graph.ProjectMemory(ctx, req.TenantID, memoryID, req.Items[i].Text); err != nil {
			a.logger.Warn("graph: projection failed", "memory_id", memoryID, "error", err)
		}
	}
	return resp, nil
}

// Recall runs a reduced base recall, then fills the freed budget with
// one-hop graph neighbors and query-term matches, re-checking visibility
// through inspect before appending.
func (a *Augmented) Recall(ctx context.Context, req model.RecallRequest) (model.RecallResponse, error) {
	expansionBudget := min(a.maxExpansion, req.Budget.MaxItems/2)

	basePayload := req
	if expansionBudget > 0 && req.Budget.MaxItems > 1 {
		basePayload.Budget.MaxItems = max(1, req.Budget.MaxItems-expansionBudget)
	}
	resp, err := a.repo.Recall(ctx, basePayload)
	if err != nil {
		return resp, err
	}

	remaining := min(expansionBudget, req.Budget.MaxItems-len(resp.Items))
	if remaining <= 0 {
		return resp, nil
	}

	seedIDs := make([]string, 0, len(resp.Items))
	exclude := make(map[string]bool, len(resp.Items))
	for _, item := range resp.Items {
		seedIDs = append(seedIDs, item.MemoryID)
		exclude[item.MemoryID] = true
	}

	limit := max(remaining*2, a.maxExpansion*2, 4)
	querySeeds, err := a.graph.QueryCandidates(ctx, req.TenantID, req.Query, exclude, limit)
	if err != nil {
		return model.RecallResponse{}, err
	}
	seedSet := make(map[string]bool, len(seedIDs))
	for _, id := range seedIDs {
		seedSet[id] = true
	}
	for _, id := range querySeeds {
		if !seedSet[id] {
			seedIDs = append(seedIDs, id)
			seedSet[id] = true
		}
	}

	edgeRelated, err := a.graph.Related(ctx, req.TenantID, seedIDs, exclude, limit)
	if err != nil {
		return model.RecallResponse{}, err
	}
	if len(edgeRelated) == 0 && len(querySeeds) == 0 {
		return resp, nil
	}

	// Merge preferring ids confirmed by both signals, then edge neighbors,
	// then bare query matches.
	querySeedSet := make(map[string]bool, len(querySeeds))
	for _, id := range querySeeds {
		querySeedSet[id] = true
	}
	var candidates []string
	seen := make(map[string]bool)
	appendCandidate := func(id string) {
		if exclude[id] || seen[id] {
			return
		}
		seen[id] = true
		candidates = append(candidates, id)
	}
	for _, id := range edgeRelated {
		if querySeedSet[id] {
			appendCandidate(id)
		}
	}
	for _, id := range edgeRelated {
		appendCandidate(id)
	}
	for _, id := range querySeeds {
		appendCandidate(id)
	}
	if len(candidates) == 0 {
		return resp, nil
	}

	items := resp.Items
	tokens := resp.ComposedTokensEstimate
	for _, memoryID := range candidates {
		if len(items) >= req.Budget.MaxItems {
			break
		}
		details, err := a.repo.Inspect(ctx, req.TenantID, req.AgentID, req.Scope, memoryID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return model.RecallResponse{}, err
		}
		itemTokens := scoring.EstimateTokens(details.Text)
		if tokens+itemTokens > req.Budget.MaxTokens {
			continue
		}
		items = append(items, model.MemorySnippet{
			MemoryID:   details.MemoryID,
			Type:       details.Type,
			Text:       details.Text,
			Confidence: details.Confidence,
			Salience:   details.Salience,
			SourceRef:  details.SourceRef,
			CreatedAt:  details.CreatedAt,
		})
		tokens += itemTokens
	}

	resp.Items = items
	resp.ComposedTokensEstimate = tokens
	return resp, nil
}

func (a *Augmented) Inspect(ctx context.Context, tenantID, agentID string, scope model.Scope, memoryID string) (model.MemoryDetails, error) {
	return a.repo.Inspect(ctx, tenantID, agentID, scope, memoryID)
}

func (a *Augmented) Forget(ctx context.Context, tenantID, agentID, memoryID string) (model.ForgetResponse, error) {
	return a.repo.Forget(ctx, tenantID, agentID, memoryID)
}

func (a *Augmented) PurgeExpired(ctx context.Context, tenantID string, graceHours int) (int, error) {
	return a.repo.PurgeExpired(ctx, tenantID, graceHours)
}

// Close closes the graph store only; the wrapped repository has its own
// lifecycle.
func (a *Augmented) Close() error { return a.graph.Close() }
