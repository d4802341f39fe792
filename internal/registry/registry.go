// Package registry routes tenants between the active and canary versions of
// each model kind. Rollouts are percent-bucketed on a stable tenant hash
// with an allowlist override; every mutation appends an audit event.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hookdump/Brainstem/internal/model"
)

// Registry rule violations, surfaced to callers verbatim.
var (
	ErrUnsupportedModelKind = errors.New("unsupported_model_kind")
	ErrRolloutOutOfRange    = errors.New("rollout_percent_out_of_range")
	ErrCanaryNotSet         = errors.New("canary_not_set")
)

// DefaultSignalWindow caps retained signals per model kind.
const DefaultSignalWindow = 500

// Store is the registry persistence contract. Implementations must have
// baseline states for every model kind after open.
type Store interface {
	GetState(ctx context.Context, kind model.ModelKind) (model.ModelState, error)
	PutState(ctx context.Context, state model.ModelState) error
	// AppendSignal records a signal and trims retention to window entries
	// per kind, newest kept.
	AppendSignal(ctx context.Context, kind model.ModelKind, sig model.SignalRecord, window int) error
	Signals(ctx context.Context, kind model.ModelKind) ([]model.SignalRecord, error)
	AppendEvent(ctx context.Context, ev model.RegistryEvent) error
	// Events returns audit rows for a kind, newest first, bounded by limit.
	Events(ctx context.Context, kind model.ModelKind, limit int) ([]model.RegistryEvent, error)
	Close() error
}

// StateView is the externally visible registry state, state fields plus the
// per-version signal aggregation.
type StateView struct {
	model.ModelState
	SignalSummary map[string]map[string]float64 `json:"signal_summary"`
}

// Registry is the canary routing state machine over a pluggable store.
type Registry struct {
	mu           sync.Mutex
	store        Store
	signalWindow int
	logger       *slog.Logger
	now          func() time.Time
}

// New builds a registry over store. A non-positive signalWindow falls back
// to DefaultSignalWindow.
func New(store Store, signalWindow int, logger *slog.Logger) *Registry {
	if signalWindow <= 0 {
		signalWindow = DefaultSignalWindow
	}
	return &Registry{store: store, signalWindow: signalWindow, logger: logger, now: time.Now}
}

// State returns the current view for kind.
func (r *Registry) State(ctx context.Context, kind model.ModelKind) (StateView, error) {
	if !model.ValidModelKind(kind) {
		return StateView{}, ErrUnsupportedModelKind
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view(ctx, kind)
}

// RegisterCanary points kind's canary at version with the given rollout
// controls, replacing any previous canary.
func (r *Registry) RegisterCanary(ctx context.Context, kind model.ModelKind, version string, rolloutPercent int, allowlist []string, metadata map[string]string, actorAgentID string) (StateView, error) {
	if !model.ValidModelKind(kind) {
		return StateView{}, ErrUnsupportedModelKind
	}
	if rolloutPercent < 0 || rolloutPercent > 100 {
		return StateView{}, ErrRolloutOutOfRange
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.store.GetState(ctx, kind)
	if err != nil {
		return StateView{}, err
	}
	state.CanaryVersion = version
	state.RolloutPercent = rolloutPercent
	state.TenantAllowlist = make(map[string]bool, len(allowlist))
	for _, t := range allowlist {
		state.TenantAllowlist[t] = true
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	state.Metadata = metadata
	state.UpdatedAt = r.now().UTC()
	if err := r.store.PutState(ctx, state); err != nil {
		return StateView{}, err
	}
	r.audit(ctx, kind, "register_canary", actorAgentID, map[string]any{
		"version":         version,
		"rollout_percent": rolloutPercent,
		"allowlist":       sortedKeys(state.TenantAllowlist),
	})
	return r.view(ctx, kind)
}

// PromoteCanary makes the canary the active version and clears the rollout.
func (r *Registry) PromoteCanary(ctx context.Context, kind model.ModelKind, actorAgentID string) (StateView, error) {
	if !model.ValidModelKind(kind) {
		return StateView{}, ErrUnsupportedModelKind
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.store.GetState(ctx, kind)
	if err != nil {
		return StateView{}, err
	}
	if state.CanaryVersion == "" {
		return StateView{}, ErrCanaryNotSet
	}
	promoted := state.CanaryVersion
	state.ActiveVersion = promoted
	state.CanaryVersion = ""
	state.RolloutPercent = 0
	state.TenantAllowlist = map[string]bool{}
	state.UpdatedAt = r.now().UTC()
	if err := r.store.PutState(ctx, state); err != nil {
		return StateView{}, err
	}
	r.audit(ctx, kind, "promote_canary", actorAgentID, map[string]any{"active_version": promoted})
	return r.view(ctx, kind)
}

// RollbackCanary clears the canary. Idempotent.
func (r *Registry) RollbackCanary(ctx context.Context, kind model.ModelKind, actorAgentID string) (StateView, error) {
	if !model.ValidModelKind(kind) {
		return StateView{}, ErrUnsupportedModelKind
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.store.GetState(ctx, kind)
	if err != nil {
		return StateView{}, err
	}
	rolledBack := state.CanaryVersion
	state.CanaryVersion = ""
	state.RolloutPercent = 0
	state.TenantAllowlist = map[string]bool{}
	state.UpdatedAt = r.now().UTC()
	if err := r.store.PutState(ctx, state); err != nil {
		return StateView{}, err
	}
	r.audit(ctx, kind, "rollback_canary", actorAgentID, map[string]any{"canary_version": rolledBack})
	return r.view(ctx, kind)
}

// RecordSignal appends a quality signal for a version of kind.
func (r *Registry) RecordSignal(ctx context.Context, kind model.ModelKind, version, metric string, value float64, source, actorAgentID string) (StateView, error) {
	if !model.ValidModelKind(kind) {
		return StateView{}, ErrUnsupportedModelKind
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	sig := model.SignalRecord{Version: version, Metric: metric, Value: value, Source: source, CreatedAt: now}
	if err := r.store.AppendSignal(ctx, kind, sig, r.signalWindow); err != nil {
		return StateView{}, err
	}
	state, err := r.store.GetState(ctx, kind)
	if err != nil {
		return StateView{}, err
	}
	state.UpdatedAt = now
	if err := r.store.PutState(ctx, state); err != nil {
		return StateView{}, err
	}
	r.audit(ctx, kind, "record_signal", actorAgentID, map[string]any{
		"version": version,
		"metric":  metric,
		"value":   value,
	})
	return r.view(ctx, kind)
}

// SelectVersion resolves which version tenantID sees for kind and why.
func (r *Registry) SelectVersion(ctx context.Context, kind model.ModelKind, tenantID string) (string, model.ModelRoute, error) {
	if !model.ValidModelKind(kind) {
		return "", "", ErrUnsupportedModelKind
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.store.GetState(ctx, kind)
	if err != nil {
		return "", "", err
	}
	if state.CanaryVersion == "" {
		return state.ActiveVersion, model.RouteActive, nil
	}
	if state.TenantAllowlist[tenantID] {
		return state.CanaryVersion, model.RouteCanaryAllowlist, nil
	}
	if state.RolloutPercent <= 0 {
		return state.ActiveVersion, model.RouteActive, nil
	}
	if StableBucket(kind, tenantID) < state.RolloutPercent {
		return state.CanaryVersion, model.RouteCanaryPercent, nil
	}
	return state.ActiveVersion, model.RouteActive, nil
}

// Events lists audit rows for kind, newest first.
func (r *Registry) Events(ctx context.Context, kind model.ModelKind, limit int) ([]model.RegistryEvent, error) {
	if !model.ValidModelKind(kind) {
		return nil, ErrUnsupportedModelKind
	}
	return r.store.Events(ctx, kind, limit)
}

// Close releases the underlying store.
func (r *Registry) Close() error {
	return r.store.Close()
}

// StableBucket maps (kind, tenant) onto [0,100). The assignment survives
// restarts and is shared by every process with no coordination.
func StableBucket(kind model.ModelKind, tenantID string) int {
	digest := sha256.Sum256([]byte(string(kind) + ":" + tenantID))
	n, err := strconv.ParseUint(hex.EncodeToString(digest[:])[:8], 16, 64)
	if err != nil {
		// Unreachable: the input is always 8 hex characters.
		panic(fmt.Sprintf("registry: stable bucket parse: %v", err))
	}
	return int(n % 100)
}

func (r *Registry) view(ctx context.Context, kind model.ModelKind) (StateView, error) {
	state, err := r.store.GetState(ctx, kind)
	if err != nil {
		return StateView{}, err
	}
	signals, err := r.store.Signals(ctx, kind)
	if err != nil {
		return StateView{}, err
	}
	return StateView{ModelState: state, SignalSummary: summarizeSignals(signals)}, nil
}

// summarizeSignals exposes "<metric>.avg" and "<metric>.count" per version
// over the retained window.
func summarizeSignals(signals []model.SignalRecord) map[string]map[string]float64 {
	summary := make(map[string]map[string]float64)
	for _, sig := range signals {
		metrics := summary[sig.Version]
		if metrics == nil {
			metrics = make(map[string]float64)
			summary[sig.Version] = metrics
		}
		avgKey := sig.Metric + ".avg"
		countKey := sig.Metric + ".count"
		priorSum := metrics[avgKey] * metrics[countKey]
		newCount := metrics[countKey] + 1
		metrics[countKey] = newCount
		metrics[avgKey] = (priorSum + sig.Value) / newCount
	}
	return summary
}

func (r *Registry) audit(ctx context.Context, kind model.ModelKind, eventKind, actorAgentID string, payload map[string]any) {
	ev := model.RegistryEvent{
		Kind:         kind,
		EventKind:    eventKind,
		ActorAgentID: actorAgentID,
		Payload:      payload,
		CreatedAt:    r.now().UTC(),
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		r.logger.Warn("registry: audit append failed", "event_kind", eventKind, "error", err)
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
