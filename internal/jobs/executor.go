package jobs

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hookdump/Brainstem/internal/model"
	"github.com/hookdump/Brainstem/internal/registry"
	"github.com/hookdump/Brainstem/internal/store"
)

// reflectQuery is the fixed recall query used to surface candidate facts.
const reflectQuery = "constraints commitments unresolved tasks deadlines"

// Executor runs one job attempt against the repository and the model
// registry. It is stateless; all job bookkeeping lives in the queue.
type Executor struct {
	repo store.Repository
	reg  *registry.Registry
	now  func() time.Time
}

// NewExecutor wires an executor. The registry may be nil, in which case
// reflect results carry no model attribution and train jobs skip canary
// registration.
func NewExecutor(repo store.Repository, reg *registry.Registry) *Executor {
	return &Executor{repo: repo, reg: reg, now: time.Now}
}

// Execute runs the job and returns its result document. Any error is a
// retryable job failure; the queue decides between re-queue and dead letter.
func (e *Executor) Execute(ctx context.Context, job model.JobRecord) (map[string]any, error) {
	switch job.Kind {
	case model.JobReflect:
		return e.reflect(ctx, job)
	case model.JobTrain:
		return e.train(ctx, job)
	case model.JobCleanup:
		return e.cleanup(ctx, job)
	}
	return nil, fmt.Errorf("jobs: unsupported job kind %q", job.Kind)
}

func (e *Executor) reflect(ctx context.Context, job model.JobRecord) (map[string]any, error) {
	maxCandidates, err := payloadInt(job.Payload, "max_candidates")
	if err != nil {
		return nil, err
	}
	req := model.RecallRequest{
		TenantID: job.TenantID,
		AgentID:  job.AgentID,
		Query:    reflectQuery,
		Scope:    model.ScopeGlobal,
		Budget:   model.DefaultRecallBudget(),
	}
	recent, err := e.repo.Recall(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("jobs: reflect recall: %w", err)
	}
	candidates := make([]string, 0, maxCandidates)
	for _, item := range recent.Items {
		if len(candidates) >= maxCandidates {
			break
		}
		candidates = append(candidates, "[candidate_fact] "+item.Text)
	}
	result := map[string]any{"candidate_facts": candidates}
	if e.reg != nil {
		version, route, err := e.reg.SelectVersion(ctx, model.ModelReranker, job.TenantID)
		if err == nil {
			result["model_version"] = version
			result["model_route"] = string(route)
		}
	}
	return result, nil
}

func (e *Executor) train(ctx context.Context, job model.JobRecord) (map[string]any, error) {
	kindStr, err := payloadString(job.Payload, "model_kind")
	if err != nil {
		return nil, err
	}
	lookbackDays, err := payloadInt(job.Payload, "lookback_days")
	if err != nil {
		return nil, err
	}
	kind := model.ModelKind(kindStr)
	if !model.ValidModelKind(kind) {
		return nil, fmt.Errorf("jobs: %w: %q", registry.ErrUnsupportedModelKind, kindStr)
	}

	result := map[string]any{
		"notes": fmt.Sprintf("Simulated %s training for tenant %s with %d day lookback.",
			kind, job.TenantID, lookbackDays),
	}
	if e.reg != nil {
		version := canaryVersion(kind, e.now().UTC())
		if _, err := e.reg.RegisterCanary(ctx, kind, version, 10, nil, nil, job.AgentID); err != nil {
			return nil, fmt.Errorf("jobs: register canary: %w", err)
		}
		result["canary_version"] = version
	}
	return result, nil
}

func (e *Executor) cleanup(ctx context.Context, job model.JobRecord) (map[string]any, error) {
	graceHours, err := payloadInt(job.Payload, "grace_hours")
	if err != nil {
		return nil, err
	}
	purged, err := e.repo.PurgeExpired(ctx, job.TenantID, graceHours)
	if err != nil {
		return nil, fmt.Errorf("jobs: purge expired: %w", err)
	}
	return map[string]any{"purged_count": purged, "grace_hours": graceHours}, nil
}

// canaryVersion names a freshly trained canary, timestamped so repeated
// train runs stay distinguishable.
func canaryVersion(kind model.ModelKind, now time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("%s-canary-%s-%s", kind, now.Format("20060102150405"), hex.EncodeToString(u[:])[:6])
}

// payloadInt reads a numeric payload field. JSON decoding leaves numbers as
// float64, so both forms are accepted.
func payloadInt(payload map[string]any, key string) (int, error) {
	v, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("jobs: payload missing %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("jobs: payload field %q is not numeric", key)
}

func payloadString(payload map[string]any, key string) (string, error) {
	v, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("jobs: payload missing %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("jobs: payload field %q is not a string", key)
	}
	return s, nil
}
