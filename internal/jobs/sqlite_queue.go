package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hookdump/Brainstem/internal/model"
	"github.com/hookdump/Brainstem/internal/sqlitedb"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS async_jobs (
    job_id       TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    tenant_id    TEXT NOT NULL,
    agent_id     TEXT NOT NULL,
    status       TEXT NOT NULL,
    created_at   TEXT NOT NULL,
    started_at   TEXT,
    finished_at  TEXT,
    payload      TEXT NOT NULL,
    result       TEXT,
    error        TEXT,
    attempts     INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON async_jobs (status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant_status ON async_jobs (tenant_id, status);`

// SQLiteQueue is the durable shared queue. Workers in any process claim
// jobs through an immediate transaction with a conditional update, so at
// most one worker runs a given attempt.
type SQLiteQueue struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteQueue opens (creating if needed) the job database at path.
func NewSQLiteQueue(path string) (*SQLiteQueue, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobs: init sqlite schema: %w", err)
	}
	return &SQLiteQueue{db: db, now: time.Now}, nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, job model.JobRecord) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("jobs: encode payload: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO async_jobs (
            job_id, kind, tenant_id, agent_id, status, created_at,
            payload, attempts, max_attempts
        ) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		job.JobID, string(job.Kind), job.TenantID, job.AgentID, string(model.JobQueued),
		sqlitedb.FormatTime(job.CreatedAt), string(payload), job.MaxAttempts,
	)
	if err != nil {
		return fmt.Errorf("jobs: enqueue: %w", err)
	}
	return nil
}

// Claim selects the oldest queued job and flips it to running inside one
// immediate transaction. The conditional update must touch exactly one row;
// anything else means another worker won the race and the claim aborts.
func (q *SQLiteQueue) Claim(ctx context.Context) (model.JobRecord, bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return model.JobRecord{}, false, fmt.Errorf("jobs: begin claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT job_id, kind, tenant_id, agent_id, status, created_at, started_at,
                finished_at, payload, result, error, attempts, max_attempts
         FROM async_jobs WHERE status = ? ORDER BY created_at LIMIT 1`,
		string(model.JobQueued),
	)
	job, err := scanJobRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobRecord{}, false, nil
	}
	if err != nil {
		return model.JobRecord{}, false, err
	}

	now := q.now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE async_jobs
         SET status = ?, started_at = ?, finished_at = NULL, attempts = attempts + 1
         WHERE job_id = ? AND status = ?`,
		string(model.JobRunning), sqlitedb.FormatTime(now), job.JobID, string(model.JobQueued),
	)
	if err != nil {
		return model.JobRecord{}, false, fmt.Errorf("jobs: claim update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.JobRecord{}, false, fmt.Errorf("jobs: claim rowcount: %w", err)
	}
	if n != 1 {
		// Another worker claimed it between select and update.
		return model.JobRecord{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return model.JobRecord{}, false, fmt.Errorf("jobs: commit claim: %w", err)
	}

	job.Status = model.JobRunning
	job.StartedAt = &now
	job.FinishedAt = nil
	job.Attempts++
	return job, true, nil
}

func (q *SQLiteQueue) MarkCompleted(ctx context.Context, jobID string, result map[string]any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("jobs: encode result: %w", err)
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE async_jobs
         SET status = ?, finished_at = ?, result = ?, error = NULL
         WHERE job_id = ?`,
		string(model.JobCompleted), sqlitedb.FormatTime(q.now()), string(raw), jobID,
	)
	if err != nil {
		return fmt.Errorf("jobs: mark completed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *SQLiteQueue) MarkFailed(ctx context.Context, jobID string, execErr error) error {
	var attempts, maxAttempts int
	err := q.db.QueryRowContext(ctx,
		`SELECT attempts, max_attempts FROM async_jobs WHERE job_id = ?`, jobID,
	).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("jobs: load attempt counts: %w", err)
	}

	if attempts < maxAttempts {
		_, err = q.db.ExecContext(ctx,
			`UPDATE async_jobs
             SET status = ?, started_at = NULL, finished_at = NULL, error = ?
             WHERE job_id = ?`,
			string(model.JobQueued), execErr.Error(), jobID,
		)
		if err != nil {
			return fmt.Errorf("jobs: requeue failed job: %w", err)
		}
		return nil
	}

	_, err = q.db.ExecContext(ctx,
		`UPDATE async_jobs SET status = ?, finished_at = ?, error = ? WHERE job_id = ?`,
		string(model.JobFailed), sqlitedb.FormatTime(q.now()), execErr.Error(), jobID,
	)
	if err != nil {
		return fmt.Errorf("jobs: mark failed: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Get(ctx context.Context, jobID string) (model.JobRecord, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT job_id, kind, tenant_id, agent_id, status, created_at, started_at,
                finished_at, payload, result, error, attempts, max_attempts
         FROM async_jobs WHERE job_id = ?`,
		jobID,
	)
	job, err := scanJobRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobRecord{}, ErrJobNotFound
	}
	return job, err
}

func (q *SQLiteQueue) DeadLetters(ctx context.Context, tenantID string, limit int) ([]model.JobRecord, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT job_id, kind, tenant_id, agent_id, status, created_at, started_at,
                finished_at, payload, result, error, attempts, max_attempts
         FROM async_jobs WHERE tenant_id = ? AND status = ?
         ORDER BY created_at DESC LIMIT ?`,
		tenantID, string(model.JobFailed), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("jobs: query dead letters: %w", err)
	}
	defer rows.Close()

	var out []model.JobRecord
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobs: iterate dead letters: %w", err)
	}
	return out, nil
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row rowScanner) (model.JobRecord, error) {
	var (
		job        model.JobRecord
		kind       string
		status     string
		createdAt  string
		startedAt  sql.NullString
		finishedAt sql.NullString
		payload    string
		result     sql.NullString
		errText    sql.NullString
	)
	err := row.Scan(
		&job.JobID, &kind, &job.TenantID, &job.AgentID, &status, &createdAt,
		&startedAt, &finishedAt, &payload, &result, &errText, &job.Attempts, &job.MaxAttempts,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobRecord{}, err
	}
	if err != nil {
		return model.JobRecord{}, fmt.Errorf("jobs: scan job row: %w", err)
	}
	job.Kind = model.JobKind(kind)
	job.Status = model.JobStatus(status)
	job.CreatedAt, err = sqlitedb.ParseTime(createdAt)
	if err != nil {
		return model.JobRecord{}, err
	}
	job.StartedAt, err = sqlitedb.ParseNullTime(startedAt)
	if err != nil {
		return model.JobRecord{}, err
	}
	job.FinishedAt, err = sqlitedb.ParseNullTime(finishedAt)
	if err != nil {
		return model.JobRecord{}, err
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return model.JobRecord{}, fmt.Errorf("jobs: decode payload: %w", err)
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &job.Result); err != nil {
			return model.JobRecord{}, fmt.Errorf("jobs: decode result: %w", err)
		}
	}
	job.Error = errText.String
	return job, nil
}
