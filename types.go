package brainstem

import (
	"sort"
	"time"

	"github.com/hookdump/Brainstem/internal/compaction"
	"github.com/hookdump/Brainstem/internal/model"
	"github.com/hookdump/Brainstem/internal/registry"
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

// RememberResponse reports the outcome of a remember call.
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

// RecallResponse is the packed recall result. ModelVersion and ModelRoute
// record which reranker version served the request and why.
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

// CompactRequest asks for a compacted context summary stored back as a
// trusted_tool memory.
type CompactRequest struct {
	TenantID       string     `json:"tenant_id"`
	AgentID        string     `json:"agent_id"`
	Query          string     `json:"query"`
	Scope          Scope      `json:"scope"`
	MaxSourceItems int        `json:"max_source_items"`
	InputMaxTokens int        `json:"input_max_tokens"`
	TargetTokens   int        `json:"target_tokens"`
	OutputType     MemoryType `json:"output_type"`
	SourceRef      string     `json:"source_ref,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// CompactResponse reports the compaction outcome.
type CompactResponse struct {
	CreatedMemoryID      string   `json:"created_memory_id,omitempty"`
	SourceMemoryIDs      []string `json:"source_memory_ids"`
	SourceCount          int      `json:"source_count"`
	InputTokensEstimate  int      `json:"input_tokens_estimate"`
	OutputTokensEstimate int      `json:"output_tokens_estimate"`
	ReductionRatio       float64  `json:"reduction_ratio"`
	SummaryText          string   `json:"summary_text"`
	Warnings             []string `json:"warnings"`
}

// JobKind is the kind of asynchronous work a job performs.
type JobKind string

const (
	JobReflect JobKind = "reflect"
	JobTrain   JobKind = "train"
	JobCleanup JobKind = "cleanup"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the externally visible state of an asynchronous job.
type Job struct {
	JobID       string         `json:"job_id"`
	Kind        JobKind        `json:"kind"`
	TenantID    string         `json:"tenant_id"`
	AgentID     string         `json:"agent_id"`
	Status      JobStatus      `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
}

// ReflectPayload parameterizes a reflect job.
type ReflectPayload struct {
	WindowHours   int `json:"window_hours"`
	MaxCandidates int `json:"max_candidates"`
}

// TrainPayload parameterizes a simulated training job.
type TrainPayload struct {
	ModelKind    ModelKind `json:"model_kind"`
	LookbackDays int       `json:"lookback_days"`
}

// CleanupPayload parameterizes an expiry purge job.
type CleanupPayload struct {
	GraceHours int `json:"grace_hours"`
}

// ModelKind names a routable model family.
type ModelKind string

const (
	ModelReranker ModelKind = "reranker"
	ModelSalience ModelKind = "salience"
)

// ModelRoute is the reason a tenant was routed to a particular version.
type ModelRoute string

const (
	RouteActive          ModelRoute = "active"
	RouteCanaryAllowlist ModelRoute = "canary_allowlist"
	RouteCanaryPercent   ModelRoute = "canary_percent"
)

// ModelState is the routing state of one model kind, plus the per-version
// signal aggregation over the retained window.
type ModelState struct {
	Kind            ModelKind                     `json:"model_kind"`
	ActiveVersion   string                        `json:"active_version"`
	CanaryVersion   string                        `json:"canary_version,omitempty"`
	RolloutPercent  int                           `json:"rollout_percent"`
	TenantAllowlist []string                      `json:"tenant_allowlist"`
	Metadata        map[string]string             `json:"metadata"`
	UpdatedAt       time.Time                     `json:"updated_at"`
	SignalSummary   map[string]map[string]float64 `json:"signal_summary"`
}

// RegistryEvent is one audit row recorded on a registry mutation.
type RegistryEvent struct {
	Kind         ModelKind      `json:"model_kind"`
	EventKind    string         `json:"event_kind"`
	ActorAgentID string         `json:"actor_agent_id,omitempty"`
	Payload      map[string]any `json:"payload"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Public types are standalone structs with no internal imports; conversion
// helpers live here because this is the only package that sees both sides of
// the boundary.

func toInternalRemember(r RememberRequest) model.RememberRequest {
	items := make([]model.RememberItem, len(r.Items))
	for i, it := range r.Items {
		items[i] = model.RememberItem{
			Type:       model.MemoryType(it.Type),
			Text:       it.Text,
			SourceRef:  it.SourceRef,
			TrustLevel: model.TrustLevel(it.TrustLevel),
			Confidence: it.Confidence,
			Salience:   it.Salience,
			ExpiresAt:  it.ExpiresAt,
		}
	}
	return model.RememberRequest{
		TenantID:       r.TenantID,
		AgentID:        r.AgentID,
		Scope:          model.Scope(r.Scope),
		Items:          items,
		IdempotencyKey: r.IdempotencyKey,
	}
}

func toPublicRemember(r model.RememberResponse) RememberResponse {
	return RememberResponse{
		Accepted:  r.Accepted,
		Rejected:  r.Rejected,
		MemoryIDs: r.MemoryIDs,
		Warnings:  r.Warnings,
	}
}

func toInternalRecall(r RecallRequest) model.RecallRequest {
	types := make([]model.MemoryType, len(r.Filters.Types))
	for i, t := range r.Filters.Types {
		types[i] = model.MemoryType(t)
	}
	return model.RecallRequest{
		TenantID: r.TenantID,
		AgentID:  r.AgentID,
		Query:    r.Query,
		Scope:    model.Scope(r.Scope),
		Budget:   model.RecallBudget(r.Budget),
		Filters:  model.RecallFilters{TrustMin: r.Filters.TrustMin, Types: types},
	}
}

func toPublicSnippet(s model.MemorySnippet) MemorySnippet {
	return MemorySnippet{
		MemoryID:   s.MemoryID,
		Type:       MemoryType(s.Type),
		Text:       s.Text,
		Confidence: s.Confidence,
		Salience:   s.Salience,
		SourceRef:  s.SourceRef,
		CreatedAt:  s.CreatedAt,
	}
}

func toPublicRecall(r model.RecallResponse) RecallResponse {
	items := make([]MemorySnippet, len(r.Items))
	for i, s := range r.Items {
		items[i] = toPublicSnippet(s)
	}
	return RecallResponse{
		Items:                  items,
		ComposedTokensEstimate: r.ComposedTokensEstimate,
		Conflicts:              r.Conflicts,
		TraceID:                r.TraceID,
		ModelVersion:           r.ModelVersion,
		ModelRoute:             r.ModelRoute,
	}
}

func toPublicDetails(d model.MemoryDetails) MemoryDetails {
	return MemoryDetails{
		MemoryID:   d.MemoryID,
		TenantID:   d.TenantID,
		AgentID:    d.AgentID,
		Type:       MemoryType(d.Type),
		Scope:      Scope(d.Scope),
		Text:       d.Text,
		TrustLevel: TrustLevel(d.TrustLevel),
		Confidence: d.Confidence,
		Salience:   d.Salience,
		SourceRef:  d.SourceRef,
		CreatedAt:  d.CreatedAt,
		ExpiresAt:  d.ExpiresAt,
	}
}

func toInternalCompact(r CompactRequest) compaction.Request {
	return compaction.Request{
		TenantID:       r.TenantID,
		AgentID:        r.AgentID,
		Query:          r.Query,
		Scope:          model.Scope(r.Scope),
		MaxSourceItems: r.MaxSourceItems,
		InputMaxTokens: r.InputMaxTokens,
		TargetTokens:   r.TargetTokens,
		OutputType:     model.MemoryType(r.OutputType),
		SourceRef:      r.SourceRef,
		ExpiresAt:      r.ExpiresAt,
	}
}

func toPublicCompact(r compaction.Response) CompactResponse {
	return CompactResponse{
		CreatedMemoryID:      r.CreatedMemoryID,
		SourceMemoryIDs:      r.SourceMemoryIDs,
		SourceCount:          r.SourceCount,
		InputTokensEstimate:  r.InputTokensEstimate,
		OutputTokensEstimate: r.OutputTokensEstimate,
		ReductionRatio:       r.ReductionRatio,
		SummaryText:          r.SummaryText,
		Warnings:             r.Warnings,
	}
}

func toPublicJob(j model.JobRecord) Job {
	return Job{
		JobID:       j.JobID,
		Kind:        JobKind(j.Kind),
		TenantID:    j.TenantID,
		AgentID:     j.AgentID,
		Status:      JobStatus(j.Status),
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
		Result:      j.Result,
		Error:       j.Error,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
	}
}

func toPublicModelState(v registry.StateView) ModelState {
	allowlist := make([]string, 0, len(v.TenantAllowlist))
	for tenant := range v.TenantAllowlist {
		allowlist = append(allowlist, tenant)
	}
	sort.Strings(allowlist)
	return ModelState{
		Kind:            ModelKind(v.Kind),
		ActiveVersion:   v.ActiveVersion,
		CanaryVersion:   v.CanaryVersion,
		RolloutPercent:  v.RolloutPercent,
		TenantAllowlist: allowlist,
		Metadata:        v.Metadata,
		UpdatedAt:       v.UpdatedAt,
		SignalSummary:   v.SignalSummary,
	}
}

func toPublicEvent(ev model.RegistryEvent) RegistryEvent {
	return RegistryEvent{
		Kind:         ModelKind(ev.Kind),
		EventKind:    ev.EventKind,
		ActorAgentID: ev.ActorAgentID,
		Payload:      ev.Payload,
		CreatedAt:    ev.CreatedAt,
	}
}
