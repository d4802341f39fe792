package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hookdump/Brainstem/internal/model"
)

// MemoryQueue is the in-process FIFO queue. Jobs live only as long as the
// process; it backs the single-worker mode and tests.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []string
	jobs    map[string]model.JobRecord
	now     func() time.Time
}

// NewMemoryQueue returns an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]model.JobRecord), now: time.Now}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job model.JobRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[job.JobID] = job
	q.pending = append(q.pending, job.JobID)
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context) (model.JobRecord, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		jobID := q.pending[0]
		q.pending = q.pending[1:]
		job, ok := q.jobs[jobID]
		if !ok || job.Status != model.JobQueued {
			continue
		}
		now := q.now().UTC()
		job.Status = model.JobRunning
		job.StartedAt = &now
		job.FinishedAt = nil
		job.Attempts++
		q.jobs[jobID] = job
		return job, true, nil
	}
	return model.JobRecord{}, false, nil
}

func (q *MemoryQueue) MarkCompleted(_ context.Context, jobID string, result map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	now := q.now().UTC()
	job.Status = model.JobCompleted
	job.FinishedAt = &now
	job.Result = result
	job.Error = ""
	q.jobs[jobID] = job
	return nil
}

func (q *MemoryQueue) MarkFailed(_ context.Context, jobID string, execErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.Error = execErr.Error()
	if job.Attempts < job.MaxAttempts {
		job.Status = model.JobQueued
		job.StartedAt = nil
		job.FinishedAt = nil
		q.jobs[jobID] = job
		q.pending = append(q.pending, jobID)
		return nil
	}
	now := q.now().UTC()
	job.Status = model.JobFailed
	job.FinishedAt = &now
	q.jobs[jobID] = job
	return nil
}

func (q *MemoryQueue) Get(_ context.Context, jobID string) (model.JobRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return model.JobRecord{}, ErrJobNotFound
	}
	return job, nil
}

func (q *MemoryQueue) DeadLetters(_ context.Context, tenantID string, limit int) ([]model.JobRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var failed []model.JobRecord
	for _, job := range q.jobs {
		if job.TenantID == tenantID && job.Status == model.JobFailed {
			failed = append(failed, job)
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].CreatedAt.After(failed[j].CreatedAt)
	})
	if len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (q *MemoryQueue) Close() error { return nil }
