package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hookdump/Brainstem/internal/model"
	"github.com/hookdump/Brainstem/internal/scoring"
)

// visibleAt reports whether the record is readable at all: not tombstoned
// and not past its expiry.
func visibleAt(rec model.MemoryRecord, now time.Time) bool {
	if rec.Tombstoned {
		return false
	}
	if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
		return false
	}
	return true
}

// canRead applies the scope visibility rules. The tenant match and
// visibleAt check are the caller's responsibility.
func canRead(agentID string, requestedScope model.Scope, rec model.MemoryRecord) bool {
	switch rec.Scope {
	case model.ScopeGlobal:
		return true
	case model.ScopeTeam:
		return requestedScope == model.ScopeTeam || requestedScope == model.ScopeGlobal
	case model.ScopePrivate:
		return rec.AgentID == agentID
	}
	return false
}

// canDelete reports whether agentID may tombstone the record. Private
// memories are deletable only by their author.
func canDelete(agentID string, rec model.MemoryRecord) bool {
	if rec.Scope == model.ScopePrivate {
		return rec.AgentID == agentID
	}
	return true
}

// matchesFilters applies the trust floor and optional type filter.
func matchesFilters(rec model.MemoryRecord, f model.RecallFilters) bool {
	if scoring.TrustScore(rec.TrustLevel) < f.TrustMin {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if rec.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// recallScore ranks a candidate against the query. Weights favor lexical
// overlap, then salience and confidence, with small trust and recency terms.
func recallScore(queryWords map[string]bool, rec model.MemoryRecord, now time.Time) float64 {
	overlap := scoring.LexicalOverlap(queryWords, rec.Text)
	age := now.Sub(rec.CreatedAt).Seconds()
	if age < 1 {
		age = 1
	}
	recency := 1.0 / (1.0 + age/3600.0)
	return 0.45*overlap +
		0.25*rec.Salience +
		0.20*rec.Confidence +
		0.07*scoring.TrustScore(rec.TrustLevel) +
		0.03*recency
}

// packRecall scores, sorts and greedily packs candidates into a response
// honoring both budget axes, then scans the selected facts for contradiction
// pairs. Candidates must already be tenant-matched, visible and filtered.
func packRecall(req model.RecallRequest, candidates []model.MemoryRecord, now time.Time) model.RecallResponse {
	queryWords := scoring.WordSet(req.Query)

	type scored struct {
		score float64
		rec   model.MemoryRecord
	}
	ranked := make([]scored, 0, len(candidates))
	for _, rec := range candidates {
		ranked = append(ranked, scored{recallScore(queryWords, rec, now), rec})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if !ranked[i].rec.CreatedAt.Equal(ranked[j].rec.CreatedAt) {
			return ranked[i].rec.CreatedAt.Before(ranked[j].rec.CreatedAt)
		}
		return ranked[i].rec.MemoryID < ranked[j].rec.MemoryID
	})

	items := make([]model.MemorySnippet, 0, req.Budget.MaxItems)
	selected := make([]model.MemoryRecord, 0, req.Budget.MaxItems)
	tokens := 0
	for _, s := range ranked {
		if len(items) >= req.Budget.MaxItems {
			break
		}
		itemTokens := scoring.EstimateTokens(s.rec.Text)
		if tokens+itemTokens > req.Budget.MaxTokens {
			continue
		}
		items = append(items, s.rec.Snippet())
		selected = append(selected, s.rec)
		tokens += itemTokens
	}

	return model.RecallResponse{
		Items:                  items,
		ComposedTokensEstimate: tokens,
		Conflicts:              detectConflicts(selected),
		TraceID:                NewTraceID(),
	}
}

// detectConflicts flags pairs of selected facts whose word sets overlap
// heavily while disagreeing on negation.
func detectConflicts(selected []model.MemoryRecord) []string {
	conflicts := []string{}
	facts := make([]model.MemoryRecord, 0, len(selected))
	for _, rec := range selected {
		if rec.Type == model.TypeFact {
			facts = append(facts, rec)
		}
	}
	for i := 0; i < len(facts); i++ {
		for j := i + 1; j < len(facts); j++ {
			a, b := facts[i], facts[j]
			if scoring.Jaccard(a.Text, b.Text) < 0.5 {
				continue
			}
			if scoring.HasNegation(a.Text) == scoring.HasNegation(b.Text) {
				continue
			}
			conflicts = append(conflicts, fmt.Sprintf("possible_conflict:%s:%s", a.MemoryID, b.MemoryID))
		}
	}
	return conflicts
}

func trimText(s string) string { return strings.TrimSpace(s) }

// buildRecord materializes one remember item into a stored record.
func buildRecord(req model.RememberRequest, item model.RememberItem, now time.Time) model.MemoryRecord {
	return model.MemoryRecord{
		MemoryID:   NewMemoryID(),
		TenantID:   req.TenantID,
		AgentID:    req.AgentID,
		Type:       item.Type,
		Scope:      req.Scope,
		Text:       trimText(item.Text),
		TrustLevel: item.TrustLevel,
		Confidence: scoring.InferConfidence(item.Text, item.TrustLevel, item.Confidence),
		Salience:   scoring.InferSalience(item.Text, item.Type, item.Salience),
		SourceRef:  item.SourceRef,
		CreatedAt:  now,
		ExpiresAt:  item.ExpiresAt,
	}
}

// replayResponse clones a stored idempotent response and appends the replay
// warning without mutating the stored copy.
func replayResponse(orig model.RememberResponse) model.RememberResponse {
	warnings := make([]string, 0, len(orig.Warnings)+1)
	warnings = append(warnings, orig.Warnings...)
	warnings = append(warnings, "idempotency_replay")
	ids := make([]string, len(orig.MemoryIDs))
	copy(ids, orig.MemoryIDs)
	return model.RememberResponse{
		Accepted:  orig.Accepted,
		Rejected:  orig.Rejected,
		MemoryIDs: ids,
		Warnings:  warnings,
	}
}
