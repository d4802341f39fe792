package model

import (
	"fmt"
	"time"
)

// JobKind is the kind of asynchronous work a job performs.
type JobKind string

const (
	JobReflect JobKind = "reflect"
	JobTrain   JobKind = "train"
	JobCleanup JobKind = "cleanup"
)

// JobStatus is the lifecycle state of a job.
//
// queued -> running -> (completed | queued on retry | failed). Completed and
// failed are terminal. A job reaches failed only when attempts equals
// max_attempts.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobRecord is the stored form of an asynchronous job. Payload and Result
// are opaque JSON documents owned by the job kind's executor.
type JobRecord struct {
	JobID       string         `json:"job_id"`
	Kind        JobKind        `json:"kind"`
	TenantID    string         `json:"tenant_id"`
	AgentID     string         `json:"agent_id"`
	Status      JobStatus      `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Payload     map[string]any `json:"payload"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
}

// ValidJobKind reports whether k is a known job kind.
func ValidJobKind(k JobKind) bool {
	switch k {
	case JobReflect, JobTrain, JobCleanup:
		return true
	}
	return false
}

// ReflectPayload is the typed payload for reflect jobs.
type ReflectPayload struct {
	WindowHours   int `json:"window_hours"`
	MaxCandidates int `json:"max_candidates"`
}

// TrainPayload is the typed payload for train jobs.
type TrainPayload struct {
	ModelKind    ModelKind `json:"model_kind"`
	LookbackDays int       `json:"lookback_days"`
}

// CleanupPayload is the typed payload for cleanup jobs.
type CleanupPayload struct {
	GraceHours int `json:"grace_hours"`
}

// Validate checks reflect payload bounds.
func (p ReflectPayload) Validate() error {
	if p.WindowHours < 1 {
		return fmt.Errorf("window_hours must be at least 1")
	}
	if p.MaxCandidates < 1 || p.MaxCandidates > 100 {
		return fmt.Errorf("max_candidates must be within [1,100]")
	}
	return nil
}

// Validate checks train payload bounds.
func (p TrainPayload) Validate() error {
	if !ValidModelKind(p.ModelKind) {
		return fmt.Errorf("model_kind %q is not one of reranker, salience", p.ModelKind)
	}
	if p.LookbackDays < 1 {
		return fmt.Errorf("lookback_days must be at least 1")
	}
	return nil
}

// Validate checks cleanup payload bounds.
func (p CleanupPayload) Validate() error {
	if p.GraceHours < 0 {
		return fmt.Errorf("grace_hours must not be negative")
	}
	return nil
}
