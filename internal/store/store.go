// Package store implements the memory repository: scoped multi-tenant
// storage of memories with idempotent writes, trust-filtered token-budgeted
// recall, conflict detection and expiry purge. Three interchangeable
// backends share one behavioral contract.
package store

import (
	"context"

	"github.com/hookdump/Brainstem/internal/model"
)

// Repository is the memory repository contract. All methods are safe for
// concurrent use. Inspect returns ErrNotFound when the memory is missing or
// invisible under the requested scope; Forget never errors on a missing or
// foreign memory, it reports deleted=false instead.
type Repository interface {
	Remember(ctx context.Context, req model.RememberRequest) (model.RememberResponse, error)
	Recall(ctx context.Context, req model.RecallRequest) (model.RecallResponse, error)
	Inspect(ctx context.Context, tenantID, agentID string, scope model.Scope, memoryID string) (model.MemoryDetails, error)
	Forget(ctx context.Context, tenantID, agentID, memoryID string) (model.ForgetResponse, error)
	PurgeExpired(ctx context.Context, tenantID string, graceHours int) (int, error)
	Close() error
}
