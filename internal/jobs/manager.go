package jobs

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hookdump/Brainstem/internal/model"
)

// Manager fronts the queue: it validates and enqueues jobs, and optionally
// runs a background worker loop. ProcessNext is safe to call directly,
// which is how cross-process workers and tests drive the queue.
type Manager struct {
	queue       Queue
	exec        *Executor
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Options tunes manager behavior.
type Options struct {
	// MaxAttempts per job; DefaultMaxAttempts when < 1.
	MaxAttempts int
	// StartWorker launches a single background polling goroutine. Leave
	// false for cross-process workers that call ProcessNext themselves.
	StartWorker bool
	// PollInterval between empty polls for the background worker.
	PollInterval time.Duration
}

// NewManager builds a manager over queue and exec.
func NewManager(queue Queue, exec *Executor, logger *slog.Logger, opts Options) *Manager {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	m := &Manager{
		queue:       queue,
		exec:        exec,
		maxAttempts: opts.MaxAttempts,
		logger:      logger,
		now:         time.Now,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if opts.StartWorker {
		go m.runWorker(opts.PollInterval)
	} else {
		close(m.done)
	}
	return m
}

// SubmitReflect enqueues a reflection job.
func (m *Manager) SubmitReflect(ctx context.Context, tenantID, agentID string, p model.ReflectPayload) (model.JobRecord, error) {
	if err := p.Validate(); err != nil {
		return model.JobRecord{}, err
	}
	return m.enqueue(ctx, model.JobReflect, tenantID, agentID, map[string]any{
		"window_hours":   p.WindowHours,
		"max_candidates": p.MaxCandidates,
	})
}

// SubmitTrain enqueues a simulated training job.
func (m *Manager) SubmitTrain(ctx context.Context, tenantID, agentID string, p model.TrainPayload) (model.JobRecord, error) {
	if err := p.Validate(); err != nil {
		return model.JobRecord{}, err
	}
	return m.enqueue(ctx, model.JobTrain, tenantID, agentID, map[string]any{
		"model_kind":    string(p.ModelKind),
		"lookback_days": p.LookbackDays,
	})
}

// SubmitCleanup enqueues an expiry purge job.
func (m *Manager) SubmitCleanup(ctx context.Context, tenantID, agentID string, p model.CleanupPayload) (model.JobRecord, error) {
	if err := p.Validate(); err != nil {
		return model.JobRecord{}, err
	}
	return m.enqueue(ctx, model.JobCleanup, tenantID, agentID, map[string]any{
		"grace_hours": p.GraceHours,
	})
}

func (m *Manager) enqueue(ctx context.Context, kind model.JobKind, tenantID, agentID string, payload map[string]any) (model.JobRecord, error) {
	u := uuid.New()
	job := model.JobRecord{
		JobID:       "job_" + hex.EncodeToString(u[:])[:10],
		Kind:        kind,
		TenantID:    tenantID,
		AgentID:     agentID,
		Status:      model.JobQueued,
		CreatedAt:   m.now().UTC(),
		Payload:     payload,
		MaxAttempts: m.maxAttempts,
	}
	if err := m.queue.Enqueue(ctx, job); err != nil {
		return model.JobRecord{}, err
	}
	return job, nil
}

// Get returns the current record for jobID.
func (m *Manager) Get(ctx context.Context, jobID string) (model.JobRecord, error) {
	return m.queue.Get(ctx, jobID)
}

// ListDeadLetters lists a tenant's exhausted jobs, newest first.
func (m *Manager) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]model.JobRecord, error) {
	return m.queue.DeadLetters(ctx, tenantID, limit)
}

// ProcessNext claims and executes at most one job. It reports whether a job
// was processed; execution failures are absorbed into the job record.
func (m *Manager) ProcessNext(ctx context.Context) (bool, error) {
	job, ok, err := m.queue.Claim(ctx)
	if err != nil || !ok {
		return false, err
	}

	result, execErr := m.exec.Execute(ctx, job)
	if execErr != nil {
		m.logger.Warn("jobs: execution failed",
			"job_id", job.JobID, "kind", job.Kind, "attempt", job.Attempts, "error", execErr)
		if err := m.queue.MarkFailed(ctx, job.JobID, execErr); err != nil {
			return true, err
		}
		return true, nil
	}

	if err := m.queue.MarkCompleted(ctx, job.JobID, result); err != nil {
		return true, err
	}
	m.logger.Debug("jobs: completed", "job_id", job.JobID, "kind", job.Kind, "attempt", job.Attempts)
	return true, nil
}

// RunWorkers polls the queue with n concurrent workers until ctx is
// canceled or Close is called. Used by the cross-process worker binary.
func (m *Manager) RunWorkers(ctx context.Context, n int, pollInterval time.Duration) error {
	if n < 1 {
		n = 1
	}
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	g, ctx := errgroup.WithContext(ctx)
	for range n {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-m.stop:
					return nil
				default:
				}
				processed, err := m.ProcessNext(ctx)
				if err != nil {
					m.logger.Error("jobs: worker poll failed", "error", err)
				}
				if !processed {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-m.stop:
						return nil
					case <-time.After(pollInterval):
					}
				}
			}
		})
	}
	return g.Wait()
}

// Close signals the worker loop to stop after its current job and waits for
// it to exit. The queue is closed last.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
	return m.queue.Close()
}

func (m *Manager) runWorker(pollInterval time.Duration) {
	defer close(m.done)
	ctx := context.Background()
	for {
		select {
		case <-m.stop:
			return
		default:
		}
		processed, err := m.ProcessNext(ctx)
		if err != nil {
			m.logger.Error("jobs: worker poll failed", "error", err)
		}
		if !processed {
			select {
			case <-m.stop:
				return
			case <-time.After(pollInterval):
			}
		}
	}
}
