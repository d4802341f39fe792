// Package model defines the core domain and request/response types for the
// memory coprocessor. The outer transport layers (HTTP, MCP) map their
// payloads onto these types; everything past this boundary is statically
// typed and validated.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Scope is the visibility class of a memory.
type Scope string

const (
	ScopePrivate Scope = "private"
	ScopeTeam    Scope = "team"
	ScopeGlobal  Scope = "global"
)

// MemoryType classifies what kind of knowledge a memory carries.
type MemoryType string

const (
	TypeEvent   MemoryType = "event"
	TypeFact    MemoryType = "fact"
	TypeEpisode MemoryType = "episode"
	TypePolicy  MemoryType = "policy"
)

// TrustLevel is the provenance class of a memory.
type TrustLevel string

const (
	TrustTrustedTool  TrustLevel = "trusted_tool"
	TrustUserClaim    TrustLevel = "user_claim"
	TrustUntrustedWeb TrustLevel = "untrusted_web"
)

// Field limits shared by all write paths.
const (
	MaxTextLen           = 4000
	MaxSourceRefLen      = 512
	MaxIdentifierLen     = 128
	MaxIdempotencyKeyLen = 128
	MaxQueryLen          = 1024
	MaxItemsPerRemember  = 100
)

// MemoryRecord is the stored form of a memory. Identity, classification,
// scope and trust are immutable after creation; tombstoned only ever flips
// false to true.
type MemoryRecord struct {
	MemoryID   string     `json:"memory_id"`
	TenantID   string     `json:"tenant_id"`
	AgentID    string     `json:"agent_id"`
	Type       MemoryType `json:"type"`
	Scope      Scope      `json:"scope"`
	Text       string     `json:"text"`
	TrustLevel TrustLevel `json:"trust_level"`
	Confidence float64    `json:"confidence"`
	Salience   float64    `json:"salience"`
	SourceRef  *string    `json:"source_ref,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Tombstoned bool       `json:"tombstoned"`
}

// RememberItem is a single memory submitted for storage.
type RememberItem struct {
	Type       MemoryType `json:"type"`
	Text       string     `json:"text"`
	SourceRef  *string    `json:"source_ref,omitempty"`
	TrustLevel TrustLevel `json:"trust_level"`
	Confidence *float64   `json:"confidence,omitempty"`
	Salience   *float64   `json:"salience,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// RememberRequest writes a batch of memories under one tenant/agent/scope.
type RememberRequest struct {
	TenantID       string         `json:"tenant_id"`
	AgentID        string         `json:"agent_id"`
	Scope          Scope          `json:"scope"`
	Items          []RememberItem `json:"items"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// RememberResponse reports the outcome of a remember call. The response for
// an idempotency-keyed write is stored verbatim; replays return it with an
// extra "idempotency_replay" warning.
type RememberResponse struct {
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	MemoryIDs []string `json:"memory_ids"`
	Warnings  []string `json:"warnings"`
}

// RecallBudget bounds the size of a recall result.
type RecallBudget struct {
	MaxItems  int `json:"max_items"`
	MaxTokens int `json:"max_tokens"`
}

// RecallFilters narrows the candidate set before scoring.
type RecallFilters struct {
	TrustMin float64      `json:"trust_min"`
	Types    []MemoryType `json:"types,omitempty"`
}

// RecallRequest asks for a ranked, token-budgeted slice of memories.
type RecallRequest struct {
	TenantID string        `json:"tenant_id"`
	AgentID  string        `json:"agent_id"`
	Query    string        `json:"query"`
	Scope    Scope         `json:"scope"`
	Budget   RecallBudget  `json:"budget"`
	Filters  RecallFilters `json:"filters"`
}

// MemorySnippet is the recall view of a memory.
type MemorySnippet struct {
	MemoryID   string     `json:"memory_id"`
	Type       MemoryType `json:"type"`
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Salience   float64    `json:"salience"`
	SourceRef  *string    `json:"source_ref,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RecallResponse is the packed recall result. ModelVersion and ModelRoute are
// filled in by the caller from the model registry, not by the repository.
type RecallResponse struct {
	Items                  []MemorySnippet `json:"items"`
	ComposedTokensEstimate int             `json:"composed_tokens_estimate"`
	Conflicts              []string        `json:"conflicts"`
	TraceID                string          `json:"trace_id"`
	ModelVersion           string          `json:"model_version,omitempty"`
	ModelRoute             string          `json:"model_route,omitempty"`
}

// MemoryDetails is the full inspect view of a memory.
type MemoryDetails struct {
	MemoryID   string     `json:"memory_id"`
	TenantID   string     `json:"tenant_id"`
	AgentID    string     `json:"agent_id"`
	Type       MemoryType `json:"type"`
	Scope      Scope      `json:"scope"`
	Text       string     `json:"text"`
	TrustLevel TrustLevel `json:"trust_level"`
	Confidence float64    `json:"confidence"`
	Salience   float64    `json:"salience"`
	SourceRef  *string    `json:"source_ref,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// ForgetResponse reports whether a memory was tombstoned.
type ForgetResponse struct {
	MemoryID string `json:"memory_id"`
	Deleted  bool   `json:"deleted"`
}

// DefaultRecallBudget mirrors the service defaults applied when a caller
// omits the budget block.
func DefaultRecallBudget() RecallBudget {
	return RecallBudget{MaxItems: 12, MaxTokens: 1400}
}

// ValidScope reports whether s is one of the three scope values.
func ValidScope(s Scope) bool {
	switch s {
	case ScopePrivate, ScopeTeam, ScopeGlobal:
		return true
	}
	return false
}

// ValidMemoryType reports whether t is a known memory type.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case TypeEvent, TypeFact, TypeEpisode, TypePolicy:
		return true
	}
	return false
}

// ValidTrustLevel reports whether l is a known trust level.
func ValidTrustLevel(l TrustLevel) bool {
	switch l {
	case TrustTrustedTool, TrustUserClaim, TrustUntrustedWeb:
		return true
	}
	return false
}

func validateIdentifier(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(value) > MaxIdentifierLen {
		return fmt.Errorf("%s exceeds maximum length of %d characters", field, MaxIdentifierLen)
	}
	return nil
}

// Normalize applies defaults the transport layers may omit.
func (r *RememberRequest) Normalize() {
	if r.Scope == "" {
		r.Scope = ScopePrivate
	}
	for i := range r.Items {
		if r.Items[i].TrustLevel == "" {
			r.Items[i].TrustLevel = TrustUserClaim
		}
	}
}

// Validate checks shape and size limits. It does not mutate the request.
func (r RememberRequest) Validate() error {
	if err := validateIdentifier("tenant_id", r.TenantID); err != nil {
		return err
	}
	if err := validateIdentifier("agent_id", r.AgentID); err != nil {
		return err
	}
	if !ValidScope(r.Scope) {
		return fmt.Errorf("scope %q is not one of private, team, global", r.Scope)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("items must contain at least one entry")
	}
	if len(r.Items) > MaxItemsPerRemember {
		return fmt.Errorf("items exceeds maximum batch size of %d", MaxItemsPerRemember)
	}
	if len(r.IdempotencyKey) > MaxIdempotencyKeyLen {
		return fmt.Errorf("idempotency_key exceeds maximum length of %d characters", MaxIdempotencyKeyLen)
	}
	for i, item := range r.Items {
		if err := item.Validate(); err != nil {
			return fmt.Errorf("items[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks a single remember item.
func (it RememberItem) Validate() error {
	if !ValidMemoryType(it.Type) {
		return fmt.Errorf("type %q is not one of event, fact, episode, policy", it.Type)
	}
	trimmed := strings.TrimSpace(it.Text)
	if trimmed == "" {
		return fmt.Errorf("text must be non-empty after trimming")
	}
	if len(it.Text) > MaxTextLen {
		return fmt.Errorf("text exceeds maximum length of %d characters", MaxTextLen)
	}
	if it.SourceRef != nil && len(*it.SourceRef) > MaxSourceRefLen {
		return fmt.Errorf("source_ref exceeds maximum length of %d characters", MaxSourceRefLen)
	}
	if !ValidTrustLevel(it.TrustLevel) {
		return fmt.Errorf("trust_level %q is not one of trusted_tool, user_claim, untrusted_web", it.TrustLevel)
	}
	if it.Confidence != nil && (*it.Confidence < 0 || *it.Confidence > 1) {
		return fmt.Errorf("confidence must be within [0,1]")
	}
	if it.Salience != nil && (*it.Salience < 0 || *it.Salience > 1) {
		return fmt.Errorf("salience must be within [0,1]")
	}
	return nil
}

// Normalize applies recall defaults.
func (r *RecallRequest) Normalize() {
	if r.Scope == "" {
		r.Scope = ScopePrivate
	}
	if r.Budget.MaxItems == 0 && r.Budget.MaxTokens == 0 {
		r.Budget = DefaultRecallBudget()
	}
}

// Validate checks shape and size limits for a recall request.
func (r RecallRequest) Validate() error {
	if err := validateIdentifier("tenant_id", r.TenantID); err != nil {
		return err
	}
	if err := validateIdentifier("agent_id", r.AgentID); err != nil {
		return err
	}
	if r.Query == "" {
		return fmt.Errorf("query is required")
	}
	if len(r.Query) > MaxQueryLen {
		return fmt.Errorf("query exceeds maximum length of %d characters", MaxQueryLen)
	}
	if !ValidScope(r.Scope) {
		return fmt.Errorf("scope %q is not one of private, team, global", r.Scope)
	}
	if r.Budget.MaxItems < 1 || r.Budget.MaxItems > 100 {
		return fmt.Errorf("budget.max_items must be within [1,100]")
	}
	if r.Budget.MaxTokens < 64 || r.Budget.MaxTokens > 32000 {
		return fmt.Errorf("budget.max_tokens must be within [64,32000]")
	}
	if r.Filters.TrustMin < 0 || r.Filters.TrustMin > 1 {
		return fmt.Errorf("filters.trust_min must be within [0,1]")
	}
	for i, t := range r.Filters.Types {
		if !ValidMemoryType(t) {
			return fmt.Errorf("filters.types[%d]: unknown memory type %q", i, t)
		}
	}
	return nil
}

// Details converts a record to its inspect view.
func (r MemoryRecord) Details() MemoryDetails {
	return MemoryDetails{
		MemoryID:   r.MemoryID,
		TenantID:   r.TenantID,
		AgentID:    r.AgentID,
		Type:       r.Type,
		Scope:      r.Scope,
		Text:       r.Text,
		TrustLevel: r.TrustLevel,
		Confidence: r.Confidence,
		Salience:   r.Salience,
		SourceRef:  r.SourceRef,
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
	}
}

// Snippet converts a record to its recall view.
func (r MemoryRecord) Snippet() MemorySnippet {
	return MemorySnippet{
		MemoryID:   r.MemoryID,
		Type:       r.Type,
		Text:       r.Text,
		Confidence: r.Confidence,
		Salience:   r.Salience,
		SourceRef:  r.SourceRef,
		CreatedAt:  r.CreatedAt,
	}
}
