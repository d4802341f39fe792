// Package jobs runs the asynchronous reflect/train/cleanup pipeline: a
// durable or in-process queue, at-least-once execution with bounded
// retries, and a dead-letter view for exhausted jobs.
package jobs

import (
	"context"
	"errors"

	"github.com/hookdump/Brainstem/internal/model"
)

// ErrJobNotFound is returned by Get for unknown job ids.
var ErrJobNotFound = errors.New("jobs: job not found")

// DefaultMaxAttempts bounds retries per job unless configured otherwise.
const DefaultMaxAttempts = 3

// Queue is the job persistence contract shared by the in-process and the
// durable sqlite modes.
type Queue interface {
	// Enqueue stores a new queued job.
	Enqueue(ctx context.Context, job model.JobRecord) error
	// Claim atomically moves the oldest queued job to running, incrementing
	// its attempt counter. ok is false when no job is claimable; a lost
	// claim race also reports false without error.
	Claim(ctx context.Context) (job model.JobRecord, ok bool, err error)
	// MarkCompleted finishes a running job with its result document.
	MarkCompleted(ctx context.Context, jobID string, result map[string]any) error
	// MarkFailed applies the retry policy to a running job: back to queued
	// while attempts remain, terminal failed (dead letter) otherwise.
	MarkFailed(ctx context.Context, jobID string, execErr error) error
	Get(ctx context.Context, jobID string) (model.JobRecord, error)
	// DeadLetters lists failed jobs for a tenant, newest first.
	DeadLetters(ctx context.Context, tenantID string, limit int) ([]model.JobRecord, error)
	Close() error
}
