// Package compaction folds a query's recalled context into one short
// summary memory: recall sources, rank them, extract deduplicated sentences
// under a token target, and store the result as a trusted_tool memory.
package compaction

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hookdump/Brainstem/internal/model"
	"github.com/hookdump/Brainstem/internal/scoring"
	"github.com/hookdump/Brainstem/internal/store"
)

// Request asks for a compacted context summary.
type Request struct {
	TenantID       string           `json:"tenant_id"`
	AgentID        string           `json:"agent_id"`
	Query          string           `json:"query"`
	Scope          model.Scope      `json:"scope"`
	MaxSourceItems int              `json:"max_source_items"`
	InputMaxTokens int              `json:"input_max_tokens"`
	TargetTokens   int              `json:"target_tokens"`
	OutputType     model.MemoryType `json:"output_type"`
	SourceRef      string           `json:"source_ref,omitempty"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
}

// Response reports the compaction outcome. CreatedMemoryID is empty when no
// summary was stored.
type Response struct {
	CreatedMemoryID      string   `json:"created_memory_id,omitempty"`
	SourceMemoryIDs      []string `json:"source_memory_ids"`
	SourceCount          int      `json:"source_count"`
	InputTokensEstimate  int      `json:"input_tokens_estimate"`
	OutputTokensEstimate int      `json:"output_tokens_estimate"`
	ReductionRatio       float64  `json:"reduction_ratio"`
	SummaryText          string   `json:"summary_text"`
	Warnings             []string `json:"warnings"`
}

// Normalize applies defaults for omitted knobs.
func (r *Request) Normalize() {
	if r.Scope == "" {
		r.Scope = model.ScopeTeam
	}
	if r.MaxSourceItems == 0 {
		r.MaxSourceItems = 12
	}
	if r.InputMaxTokens == 0 {
		r.InputMaxTokens = 2400
	}
	if r.TargetTokens == 0 {
		r.TargetTokens = 240
	}
	if r.OutputType == "" {
		r.OutputType = model.TypeEpisode
	}
}

// Validate checks request bounds.
func (r Request) Validate() error {
	if r.TenantID == "" || r.AgentID == "" {
		return fmt.Errorf("tenant_id and agent_id are required")
	}
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("query is required")
	}
	if !model.ValidScope(r.Scope) {
		return fmt.Errorf("scope %q is not one of private, team, global", r.Scope)
	}
	if r.MaxSourceItems < 1 || r.MaxSourceItems > 100 {
		return fmt.Errorf("max_source_items must be within [1,100]")
	}
	if r.InputMaxTokens < 64 || r.InputMaxTokens > 32000 {
		return fmt.Errorf("input_max_tokens must be within [64,32000]")
	}
	if r.TargetTokens < 16 {
		return fmt.Errorf("target_tokens must be at least 16")
	}
	if !model.ValidMemoryType(r.OutputType) {
		return fmt.Errorf("output_type %q is not one of event, fact, episode, policy", r.OutputType)
	}
	return nil
}

var (
	sentenceSplitRe = regexp.MustCompile(`(?:[\n]+)|(?:([.!?])\s+)`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

// Compact runs the workflow against repo.
func Compact(ctx context.Context, repo store.Repository, req Request) (Response, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	recall, err := repo.Recall(ctx, model.RecallRequest{
		TenantID: req.TenantID,
		AgentID:  req.AgentID,
		Query:    req.Query,
		Scope:    req.Scope,
		Budget:   model.RecallBudget{MaxItems: req.MaxSourceItems, MaxTokens: req.InputMaxTokens},
	})
	if err != nil {
		return Response{}, fmt.Errorf("compaction: source recall: %w", err)
	}

	inputTokens := 0
	for _, item := range recall.Items {
		inputTokens += scoring.EstimateTokens(item.Text)
	}
	if len(recall.Items) == 0 {
		return Response{
			SourceMemoryIDs: []string{},
			Warnings:        []string{"no_source_memories"},
		}, nil
	}

	summary, outputTokens, usedIDs, truncated := composeSummary(req, recall.Items, time.Now().UTC())
	if summary == "" {
		return Response{
			SourceMemoryIDs:     []string{},
			InputTokensEstimate: inputTokens,
			SummaryText:         "",
			Warnings:            []string{"summary_generation_failed"},
		}, nil
	}

	warnings := []string{}
	if truncated {
		warnings = append(warnings, "summary_truncated")
	}
	if outputTokens > req.TargetTokens {
		warnings = append(warnings, "summary_over_target_tokens")
	}

	sourceRef := req.SourceRef
	if sourceRef == "" {
		hint := strings.Join(usedIDs[:min(3, len(usedIDs))], ",")
		sourceRef = fmt.Sprintf("compaction:%d:%s", len(usedIDs), hint)
	}
	if len(sourceRef) > model.MaxSourceRefLen {
		sourceRef = sourceRef[:model.MaxSourceRefLen]
	}

	remembered, err := repo.Remember(ctx, model.RememberRequest{
		TenantID: req.TenantID,
		AgentID:  req.AgentID,
		Scope:    req.Scope,
		Items: []model.RememberItem{{
			Type:       req.OutputType,
			Text:       summary,
			TrustLevel: model.TrustTrustedTool,
			SourceRef:  &sourceRef,
			ExpiresAt:  req.ExpiresAt,
		}},
	})
	if err != nil {
		return Response{}, fmt.Errorf("compaction: store summary: %w", err)
	}

	createdID := ""
	if len(remembered.MemoryIDs) > 0 {
		createdID = remembered.MemoryIDs[0]
	}
	ratio := 0.0
	if inputTokens > 0 {
		ratio = 1.0 - float64(outputTokens)/float64(inputTokens)
		ratio = math.Max(0, math.Min(1, ratio))
	}

	return Response{
		CreatedMemoryID:      createdID,
		SourceMemoryIDs:      usedIDs,
		SourceCount:          len(usedIDs),
		InputTokensEstimate:  inputTokens,
		OutputTokensEstimate: outputTokens,
		ReductionRatio:       math.Round(ratio*10000) / 10000,
		SummaryText:          summary,
		Warnings:             warnings,
	}, nil
}

// snippetScore ranks a source memory for inclusion, preferring salient,
// confident and recent memories with a 24 hour recency half-window.
func snippetScore(item model.MemorySnippet, now time.Time) float64 {
	ageHours := math.Max(0, now.Sub(item.CreatedAt).Hours())
	recency := 1.0 / (1.0 + ageHours/24.0)
	return 0.50*item.Salience + 0.35*item.Confidence + 0.15*recency
}

func composeSummary(req Request, items []model.MemorySnippet, now time.Time) (summary string, tokens int, usedIDs []string, truncated bool) {
	header := fmt.Sprintf("Compacted context for query %q:", strings.TrimSpace(req.Query))
	headerTokens := scoring.EstimateTokens(header)
	if headerTokens >= req.TargetTokens {
		trimmed := truncateToTokens(header, req.TargetTokens)
		if trimmed == "" {
			return "", 0, nil, true
		}
		return trimmed, scoring.EstimateTokens(trimmed), nil, true
	}

	ordered := make([]model.MemorySnippet, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return snippetScore(ordered[i], now) > snippetScore(ordered[j], now)
	})

	tokens = headerTokens
	var lines []string
	usedSet := make(map[string]bool)
	seenSentences := make(map[string]bool)
	for _, item := range ordered {
		snippetUsed := false
		for _, sentence := range splitSentences(item.Text) {
			normalized := normalizeSentence(sentence)
			if normalized == "" || seenSentences[normalized] {
				continue
			}
			candidate := "- " + sentence
			candidateTokens := scoring.EstimateTokens(candidate)
			if tokens+candidateTokens > req.TargetTokens {
				truncated = true
				continue
			}
			lines = append(lines, candidate)
			tokens += candidateTokens
			seenSentences[normalized] = true
			snippetUsed = true
		}
		if snippetUsed && !usedSet[item.MemoryID] {
			usedSet[item.MemoryID] = true
			usedIDs = append(usedIDs, item.MemoryID)
		}
	}

	if len(lines) == 0 && len(ordered) > 0 {
		bodyBudget := max(1, req.TargetTokens-headerTokens)
		fallback := truncateToTokens(ordered[0].Text, bodyBudget)
		if fallback != "" {
			lines = append(lines, "- "+fallback)
			usedIDs = []string{ordered[0].MemoryID}
			tokens = headerTokens + scoring.EstimateTokens(lines[0])
			truncated = true
		}
	}
	if len(lines) == 0 {
		return "", 0, nil, true
	}

	summary = header + "\n" + strings.Join(lines, "\n")
	return summary, scoring.EstimateTokens(summary), usedIDs, truncated
}

func splitSentences(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	// Keep the terminal punctuation with its sentence.
	replaced := sentenceSplitRe.ReplaceAllString(trimmed, "$1\x00")
	var out []string
	for _, chunk := range strings.Split(replaced, "\x00") {
		if s := strings.TrimSpace(chunk); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func normalizeSentence(text string) string {
	normalized := whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(text)), " ")
	return strings.Trim(normalized, " .!?")
}

func truncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	words := strings.Fields(text)
	wordLimit := max(1, int(float64(maxTokens)/1.3))
	if len(words) <= wordLimit {
		return strings.TrimSpace(text)
	}
	return strings.Join(words[:wordLimit], " ") + " ..."
}
