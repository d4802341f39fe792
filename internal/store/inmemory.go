package store

import (
	"context"
	"sync"
	"time"

	"github.com/hookdump/Brainstem/internal/model"
)

type idemKey struct {
	tenantID string
	key      string
}

// InMemory is the map-backed repository. Suitable for tests and single
// process deployments without durability requirements.
type InMemory struct {
	mu          sync.RWMutex
	records     map[string]model.MemoryRecord
	order       []string // memory ids in creation order, for stable ranking ties
	idempotency map[idemKey]model.RememberResponse
	now         func() time.Time
}

// NewInMemory returns an empty in-memory repository.
func NewInMemory() *InMemory {
	return &InMemory{
		records:     make(map[string]model.MemoryRecord),
		idempotency: make(map[idemKey]model.RememberResponse),
		now:         time.Now,
	}
}

func (s *InMemory) Remember(_ context.Context, req model.RememberRequest) (model.RememberResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if orig, ok := s.idempotency[idemKey{req.TenantID, req.IdempotencyKey}]; ok {
			return replayResponse(orig), nil
		}
	}

	now := s.now().UTC()
	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		rec := buildRecord(req, item, now)
		s.records[rec.MemoryID] = rec
		s.order = append(s.order, rec.MemoryID)
		ids = append(ids, rec.MemoryID)
	}

	resp := model.RememberResponse{
		Accepted:  len(ids),
		Rejected:  0,
		MemoryIDs: ids,
		Warnings:  []string{},
	}
	if req.IdempotencyKey != "" {
		s.idempotency[idemKey{req.TenantID, req.IdempotencyKey}] = resp
	}
	return resp, nil
}

func (s *InMemory) Recall(_ context.Context, req model.RecallRequest) (model.RecallResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now().UTC()
	var candidates []model.MemoryRecord
	for _, id := range s.order {
		rec := s.records[id]
		if rec.TenantID != req.TenantID || !visibleAt(rec, now) {
			continue
		}
		if !canRead(req.AgentID, req.Scope, rec) {
			continue
		}
		if !matchesFilters(rec, req.Filters) {
			continue
		}
		candidates = append(candidates, rec)
	}
	return packRecall(req, candidates, now), nil
}

func (s *InMemory) Inspect(_ context.Context, tenantID, agentID string, scope model.Scope, memoryID string) (model.MemoryDetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[memoryID]
	if !ok || rec.TenantID != tenantID || !visibleAt(rec, s.now().UTC()) {
		return model.MemoryDetails{}, ErrNotFound
	}
	if !canRead(agentID, scope, rec) {
		return model.MemoryDetails{}, ErrNotFound
	}
	return rec.Details(), nil
}

func (s *InMemory) Forget(_ context.Context, tenantID, agentID, memoryID string) (model.ForgetResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[memoryID]
	if !ok || rec.TenantID != tenantID || rec.Tombstoned {
		return model.ForgetResponse{MemoryID: memoryID, Deleted: false}, nil
	}
	if !canDelete(agentID, rec) {
		return model.ForgetResponse{MemoryID: memoryID, Deleted: false}, nil
	}
	rec.Tombstoned = true
	s.records[memoryID] = rec
	return model.ForgetResponse{MemoryID: memoryID, Deleted: true}, nil
}

func (s *InMemory) PurgeExpired(_ context.Context, tenantID string, graceHours int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-time.Duration(graceHours) * time.Hour)
	purged := 0
	for id, rec := range s.records {
		if rec.TenantID != tenantID || rec.Tombstoned || rec.ExpiresAt == nil {
			continue
		}
		if rec.ExpiresAt.After(cutoff) {
			continue
		}
		rec.Tombstoned = true
		s.records[id] = rec
		purged++
	}
	return purged, nil
}

func (s *InMemory) Close() error { return nil }
