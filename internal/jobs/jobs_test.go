package jobs_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookdump/Brainstem/internal/jobs"
	"github.com/hookdump/Brainstem/internal/model"
	"github.com/hookdump/Brainstem/internal/registry"
	"github.com/hookdump/Brainstem/internal/store"
	"github.com/hookdump/Brainstem/internal/testutil"
)

// withQueues runs fn against every queue backend.
func withQueues(t *testing.T, fn func(t *testing.T, q jobs.Queue)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		q := jobs.NewMemoryQueue()
		t.Cleanup(func() { q.Close() })
		fn(t, q)
	})

	t.Run("sqlite", func(t *testing.T) {
		q, err := jobs.NewSQLiteQueue(filepath.Join(t.TempDir(), "jobs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { q.Close() })
		fn(t, q)
	})
}

func queuedJob(id string, createdAt time.Time) model.JobRecord {
	return model.JobRecord{
		JobID:       id,
		Kind:        model.JobCleanup,
		TenantID:    "acme",
		AgentID:     "agent-1",
		Status:      model.JobQueued,
		CreatedAt:   createdAt,
		Payload:     map[string]any{"grace_hours": 0},
		MaxAttempts: 3,
	}
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.NewInMemoryStore(), 500, testutil.TestLogger())
	t.Cleanup(func() { reg.Close() })
	return reg
}

func seedFact(t *testing.T, repo store.Repository, text string) {
	t.Helper()
	_, err := repo.Remember(context.Background(), model.RememberRequest{
		TenantID: "acme",
		AgentID:  "agent-1",
		Scope:    model.ScopeGlobal,
		Items: []model.RememberItem{{
			Type:       model.TypeFact,
			Text:       text,
			TrustLevel: model.TrustUserClaim,
		}},
	})
	require.NoError(t, err)
}

func TestQueueClaimOldestFirst(t *testing.T) {
	withQueues(t, func(t *testing.T, q jobs.Queue) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Minute)
		require.NoError(t, q.Enqueue(ctx, queuedJob("job_first", base)))
		require.NoError(t, q.Enqueue(ctx, queuedJob("job_second", base.Add(time.Second))))

		job, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "job_first", job.JobID)
		assert.Equal(t, model.JobRunning, job.Status)
		assert.Equal(t, 1, job.Attempts)
		require.NotNil(t, job.StartedAt)

		job, ok, err = q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "job_second", job.JobID)

		_, ok, err = q.Claim(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestQueueMarkCompleted(t *testing.T) {
	withQueues(t, func(t *testing.T, q jobs.Queue) {
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, queuedJob("job_a", time.Now().UTC())))
		_, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, q.MarkCompleted(ctx, "job_a", map[string]any{"purged_count": 2}))

		job, err := q.Get(ctx, "job_a")
		require.NoError(t, err)
		assert.Equal(t, model.JobCompleted, job.Status)
		assert.EqualValues(t, 2, job.Result["purged_count"])
		assert.Empty(t, job.Error)
		require.NotNil(t, job.FinishedAt)

		assert.ErrorIs(t, q.MarkCompleted(ctx, "job_missing", nil), jobs.ErrJobNotFound)
	})
}

func TestQueueRetryThenDeadLetter(t *testing.T) {
	withQueues(t, func(t *testing.T, q jobs.Queue) {
		ctx := context.Background()
		job := queuedJob("job_flaky", time.Now().UTC())
		job.MaxAttempts = 2
		require.NoError(t, q.Enqueue(ctx, job))

		// First attempt fails with attempts remaining: back to queued.
		claimed, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 1, claimed.Attempts)
		require.NoError(t, q.MarkFailed(ctx, "job_flaky", assert.AnError))

		got, err := q.Get(ctx, "job_flaky")
		require.NoError(t, err)
		assert.Equal(t, model.JobQueued, got.Status)
		assert.NotEmpty(t, got.Error)

		// Second attempt exhausts the budget: terminal failure.
		claimed, ok, err = q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 2, claimed.Attempts)
		require.NoError(t, q.MarkFailed(ctx, "job_flaky", assert.AnError))

		got, err = q.Get(ctx, "job_flaky")
		require.NoError(t, err)
		assert.Equal(t, model.JobFailed, got.Status)

		dead, err := q.DeadLetters(ctx, "acme", 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, "job_flaky", dead[0].JobID)
	})
}

func TestQueueDeadLettersNewestFirst(t *testing.T) {
	withQueues(t, func(t *testing.T, q jobs.Queue) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)
		for i, id := range []string{"job_old", "job_mid", "job_new"} {
			job := queuedJob(id, base.Add(time.Duration(i)*time.Minute))
			job.MaxAttempts = 1
			require.NoError(t, q.Enqueue(ctx, job))
			_, ok, err := q.Claim(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, q.MarkFailed(ctx, id, assert.AnError))
		}

		dead, err := q.DeadLetters(ctx, "acme", 2)
		require.NoError(t, err)
		require.Len(t, dead, 2)
		assert.Equal(t, "job_new", dead[0].JobID)
		assert.Equal(t, "job_mid", dead[1].JobID)

		dead, err = q.DeadLetters(ctx, "globex", 10)
		require.NoError(t, err)
		assert.Empty(t, dead)
	})
}

func TestSQLiteQueuePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	q, err := jobs.NewSQLiteQueue(path)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, queuedJob("job_durable", time.Now().UTC())))
	require.NoError(t, q.Close())

	q, err = jobs.NewSQLiteQueue(path)
	require.NoError(t, err)
	defer q.Close()

	job, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job_durable", job.JobID)
	assert.EqualValues(t, 0, job.Payload["grace_hours"])
}

func TestSQLiteQueueConcurrentWorkersClaimOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	// Two handles on the same file, as two worker processes would hold.
	q1, err := jobs.NewSQLiteQueue(path)
	require.NoError(t, err)
	defer q1.Close()
	q2, err := jobs.NewSQLiteQueue(path)
	require.NoError(t, err)
	defer q2.Close()

	const total = 20
	base := time.Now().UTC().Add(-time.Hour)
	for i := range total {
		job := queuedJob(fmt.Sprintf("job_%02d", i), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, q1.Enqueue(ctx, job))
	}

	var (
		mu     sync.Mutex
		claims = make(map[string]int, total)
	)
	claimedCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, c := range claims {
			n += c
		}
		return n
	}

	// A false claim means either an empty queue or a lost race, so workers
	// keep polling until every job is accounted for.
	deadline := time.Now().Add(10 * time.Second)
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, q := range []jobs.Queue{q1, q2} {
		wg.Add(1)
		go func(q jobs.Queue) {
			defer wg.Done()
			for time.Now().Before(deadline) {
				job, ok, err := q.Claim(ctx)
				if err != nil {
					errs <- err
					return
				}
				if ok {
					mu.Lock()
					claims[job.JobID]++
					mu.Unlock()
					continue
				}
				if claimedCount() == total {
					return
				}
			}
		}(q)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, claims, total)
	for id, n := range claims {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestExecutorReflect(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemory()
	seedFact(t, repo, "the migration deadline is friday and rollout is blocked")
	seedFact(t, repo, "unresolved tasks pile up before the deadline")

	exec := jobs.NewExecutor(repo, newRegistry(t))
	result, err := exec.Execute(ctx, model.JobRecord{
		Kind:     model.JobReflect,
		TenantID: "acme",
		AgentID:  "agent-1",
		Payload:  map[string]any{"window_hours": 24, "max_candidates": 1},
	})
	require.NoError(t, err)

	candidates, ok := result["candidate_facts"].([]string)
	require.True(t, ok)
	require.Len(t, candidates, 1)
	assert.True(t, strings.HasPrefix(candidates[0], "[candidate_fact] "))
	assert.Equal(t, "reranker-baseline-v1", result["model_version"])
	assert.Equal(t, "active", result["model_route"])
}

func TestExecutorReflectWithoutRegistry(t *testing.T) {
	repo := store.NewInMemory()
	seedFact(t, repo, "deadlines and constraints to reflect on")

	exec := jobs.NewExecutor(repo, nil)
	result, err := exec.Execute(context.Background(), model.JobRecord{
		Kind:     model.JobReflect,
		TenantID: "acme",
		AgentID:  "agent-1",
		Payload:  map[string]any{"window_hours": 24, "max_candidates": 5},
	})
	require.NoError(t, err)
	assert.NotContains(t, result, "model_version")
	assert.NotContains(t, result, "model_route")
}

func TestExecutorTrain(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	exec := jobs.NewExecutor(store.NewInMemory(), reg)

	result, err := exec.Execute(ctx, model.JobRecord{
		Kind:     model.JobTrain,
		TenantID: "acme",
		AgentID:  "agent-1",
		Payload:  map[string]any{"model_kind": "reranker", "lookback_days": 7},
	})
	require.NoError(t, err)
	assert.Equal(t, "Simulated reranker training for tenant acme with 7 day lookback.", result["notes"])

	version, ok := result["canary_version"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(version, "reranker-canary-"))

	state, err := reg.State(ctx, model.ModelReranker)
	require.NoError(t, err)
	assert.Equal(t, version, state.CanaryVersion)
	assert.Equal(t, 10, state.RolloutPercent)
}

func TestExecutorTrainRejectsUnknownModelKind(t *testing.T) {
	exec := jobs.NewExecutor(store.NewInMemory(), nil)
	_, err := exec.Execute(context.Background(), model.JobRecord{
		Kind:     model.JobTrain,
		TenantID: "acme",
		Payload:  map[string]any{"model_kind": "oracle", "lookback_days": 7},
	})
	assert.ErrorIs(t, err, registry.ErrUnsupportedModelKind)
}

func TestExecutorCleanup(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemory()
	expires := time.Now().UTC().Add(-48 * time.Hour)
	_, err := repo.Remember(ctx, model.RememberRequest{
		TenantID: "acme",
		AgentID:  "agent-1",
		Scope:    model.ScopeTeam,
		Items: []model.RememberItem{{
			Type:       model.TypeEvent,
			Text:       "stale deployment window note",
			TrustLevel: model.TrustUserClaim,
			ExpiresAt:  &expires,
		}},
	})
	require.NoError(t, err)

	exec := jobs.NewExecutor(repo, nil)
	result, err := exec.Execute(ctx, model.JobRecord{
		Kind:     model.JobCleanup,
		TenantID: "acme",
		AgentID:  "agent-1",
		Payload:  map[string]any{"grace_hours": 24},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result["purged_count"])
	assert.Equal(t, 24, result["grace_hours"])
}

func TestExecutorRejectsUnknownKind(t *testing.T) {
	exec := jobs.NewExecutor(store.NewInMemory(), nil)
	_, err := exec.Execute(context.Background(), model.JobRecord{Kind: "bogus"})
	assert.ErrorContains(t, err, "unsupported job kind")
}

func TestManagerSubmitAndProcess(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemory()
	m := jobs.NewManager(jobs.NewMemoryQueue(), jobs.NewExecutor(repo, nil), testutil.TestLogger(), jobs.Options{})
	defer m.Close()

	job, err := m.SubmitCleanup(ctx, "acme", "agent-1", model.CleanupPayload{GraceHours: 0})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(job.JobID, "job_"))
	assert.Equal(t, model.JobQueued, job.Status)
	assert.Equal(t, jobs.DefaultMaxAttempts, job.MaxAttempts)

	processed, err := m.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := m.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.EqualValues(t, 0, got.Result["purged_count"])

	processed, err = m.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestManagerRetriesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := jobs.NewMemoryQueue()
	m := jobs.NewManager(q, jobs.NewExecutor(store.NewInMemory(), nil), testutil.TestLogger(), jobs.Options{MaxAttempts: 2})
	defer m.Close()

	// An unknown kind fails every attempt, walking the job through requeue
	// into the dead letters.
	require.NoError(t, q.Enqueue(ctx, model.JobRecord{
		JobID:       "job_bad",
		Kind:        "bogus",
		TenantID:    "acme",
		AgentID:     "agent-1",
		Status:      model.JobQueued,
		CreatedAt:   time.Now().UTC(),
		Payload:     map[string]any{},
		MaxAttempts: 2,
	}))

	for range 2 {
		processed, err := m.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)
	}

	dead, err := m.ListDeadLetters(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "job_bad", dead[0].JobID)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Contains(t, dead[0].Error, "unsupported job kind")
}

func TestManagerValidatesSubmissions(t *testing.T) {
	ctx := context.Background()
	m := jobs.NewManager(jobs.NewMemoryQueue(), jobs.NewExecutor(store.NewInMemory(), nil), testutil.TestLogger(), jobs.Options{})
	defer m.Close()

	_, err := m.SubmitReflect(ctx, "acme", "agent-1", model.ReflectPayload{WindowHours: 0, MaxCandidates: 5})
	assert.ErrorContains(t, err, "window_hours")

	_, err = m.SubmitTrain(ctx, "acme", "agent-1", model.TrainPayload{ModelKind: "oracle", LookbackDays: 7})
	assert.ErrorContains(t, err, "model_kind")

	_, err = m.SubmitCleanup(ctx, "acme", "agent-1", model.CleanupPayload{GraceHours: -1})
	assert.ErrorContains(t, err, "grace_hours")
}

func TestManagerBackgroundWorker(t *testing.T) {
	ctx := context.Background()
	repo := store.NewInMemory()
	m := jobs.NewManager(jobs.NewMemoryQueue(), jobs.NewExecutor(repo, nil), testutil.TestLogger(), jobs.Options{
		StartWorker:  true,
		PollInterval: 10 * time.Millisecond,
	})
	defer m.Close()

	job, err := m.SubmitCleanup(ctx, "acme", "agent-1", model.CleanupPayload{GraceHours: 0})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.Get(ctx, job.JobID)
		return err == nil && got.Status == model.JobCompleted
	}, 2*time.Second, 20*time.Millisecond)
}
