package model

import "time"

// ModelKind names a routable model family.
type ModelKind string

const (
	ModelReranker ModelKind = "reranker"
	ModelSalience ModelKind = "salience"
)

// ModelKinds lists every supported kind, in registry initialization order.
var ModelKinds = []ModelKind{ModelReranker, ModelSalience}

// ValidModelKind reports whether k is a supported model kind.
func ValidModelKind(k ModelKind) bool {
	switch k {
	case ModelReranker, ModelSalience:
		return true
	}
	return false
}

// ModelRoute is the reason a tenant was routed to a particular version.
type ModelRoute string

const (
	RouteActive          ModelRoute = "active"
	RouteCanaryAllowlist ModelRoute = "canary_allowlist"
	RouteCanaryPercent   ModelRoute = "canary_percent"
)

// ModelState is the routing state of one model kind.
type ModelState struct {
	Kind            ModelKind         `json:"model_kind"`
	ActiveVersion   string            `json:"active_version"`
	CanaryVersion   string            `json:"canary_version,omitempty"`
	RolloutPercent  int               `json:"rollout_percent"`
	TenantAllowlist map[string]bool   `json:"tenant_allowlist"`
	Metadata        map[string]string `json:"metadata"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// SignalRecord is one quality signal attributed to a model version.
type SignalRecord struct {
	Version   string    `json:"version"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RegistryEvent is an immutable audit row recorded on every registry mutation.
type RegistryEvent struct {
	Kind         ModelKind      `json:"model_kind"`
	EventKind    string         `json:"event_kind"`
	ActorAgentID string         `json:"actor_agent_id,omitempty"`
	Payload      map[string]any `json:"payload"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SignalSummary aggregates the retained signals for one version and metric.
type SignalSummary struct {
	Version string  `json:"version"`
	Metric  string  `json:"metric"`
	Average float64 `json:"avg"`
	Count   int     `json:"count"`
}

// BaselineVersion is the initial active version for a kind.
func BaselineVersion(k ModelKind) string {
	return string(k) + "-baseline-v1"
}
