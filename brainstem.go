// Package brainstem is the public API for embedding the shared-memory
// coprocessor. Agent runtimes import this package to construct the service
// and call its operations directly:
//
//	app, err := brainstem.New(
//	    brainstem.WithVersion(version),
//	    brainstem.WithLogger(logger),
//	)
//	if err != nil { ... }
//	defer app.Close()
//	resp, err := app.Recall(ctx, brainstem.RecallRequest{...})
//
// The import graph enforces a strict no-cycle rule: brainstem (root) imports
// internal/*, but internal/* never imports brainstem (root). Public types
// (RememberRequest, Job, ModelState, etc.) are standalone structs with no
// internal imports; conversion helpers live in types.go because the root is
// the only package that sees both sides of the boundary.
package brainstem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/metric"

	"github.com/hookdump/Brainstem/internal/compaction"
	"github.com/hookdump/Brainstem/internal/config"
	"github.com/hookdump/Brainstem/internal/graph"
	"github.com/hookdump/Brainstem/internal/jobs"
	"github.com/hookdump/Brainstem/internal/model"
	"github.com/hookdump/Brainstem/internal/registry"
	"github.com/hookdump/Brainstem/internal/store"
	"github.com/hookdump/Brainstem/internal/telemetry"
)

// Sentinel errors surfaced by App operations. Compare with errors.Is.
var (
	ErrMemoryNotFound       = store.ErrNotFound
	ErrJobNotFound          = jobs.ErrJobNotFound
	ErrUnsupportedModelKind = registry.ErrUnsupportedModelKind
	ErrRolloutOutOfRange    = registry.ErrRolloutOutOfRange
	ErrCanaryNotSet         = registry.ErrCanaryNotSet
)

// App is the assembled coprocessor. Construct with New(), release with
// Close(). App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	repo         store.Repository
	baseRepo     store.Repository // underlying repository when repo is graph-augmented
	jobs         *jobs.Manager
	registry     *registry.Registry
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string

	rememberCounter metric.Int64Counter
	recallCounter   metric.Int64Counter
	jobCounter      metric.Int64Counter
}

// New assembles the App: it loads configuration, opens the selected
// store/queue/registry backends, and wires graph-augmented recall when
// enabled. The in-process job backend starts one background worker; the
// sqlite job backend expects external workers (see cmd/brainstem-worker).
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.storeBackend != "" {
		cfg.StoreBackend = o.storeBackend
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.postgresDSN != "" {
		cfg.PostgresDSN = o.postgresDSN
	}
	if o.jobBackend != "" {
		cfg.JobBackend = o.jobBackend
	}
	if o.jobSQLitePath != "" {
		cfg.JobSQLitePath = o.jobSQLitePath
	}
	if o.graphEnabled != nil {
		cfg.GraphEnabled = *o.graphEnabled
	}
	if o.registryBackend != "" {
		cfg.RegistryBackend = o.registryBackend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("brainstem starting",
		"version", version,
		"store_backend", cfg.StoreBackend,
		"job_backend", cfg.JobBackend,
		"graph_enabled", cfg.GraphEnabled,
	)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	fail := func(err error) (*App, error) {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Instruments are registered before any backend opens; at this point
	// fail() has only the otel provider to release.
	meter := telemetry.Meter("github.com/hookdump/Brainstem")
	rememberCounter, err := meter.Int64Counter("brainstem.memories.remembered")
	if err != nil {
		return fail(fmt.Errorf("metrics: %w", err))
	}
	recallCounter, err := meter.Int64Counter("brainstem.recalls")
	if err != nil {
		return fail(fmt.Errorf("metrics: %w", err))
	}
	jobCounter, err := meter.Int64Counter("brainstem.jobs.submitted")
	if err != nil {
		return fail(fmt.Errorf("metrics: %w", err))
	}

	baseRepo, err := newRepository(ctx, cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("store: %w", err))
	}
	repo := baseRepo

	if cfg.GraphEnabled {
		g, err := newGraphStore(ctx, cfg, baseRepo)
		if err != nil {
			_ = baseRepo.Close()
			return fail(fmt.Errorf("graph: %w", err))
		}
		repo = graph.NewAugmented(baseRepo, g, cfg.GraphMaxExpansion, logger)
	}

	// The registry shares the base repository's pool under Postgres, so it is
	// built from baseRepo rather than the augmented wrapper.
	regStore, err := newRegistryStore(ctx, cfg, baseRepo)
	if err != nil {
		closeRepos(repo, baseRepo)
		return fail(fmt.Errorf("registry: %w", err))
	}
	reg := registry.New(regStore, cfg.SignalWindow, logger)

	queue, err := newQueue(cfg)
	if err != nil {
		_ = regStore.Close()
		closeRepos(repo, baseRepo)
		return fail(fmt.Errorf("jobs: %w", err))
	}
	exec := jobs.NewExecutor(repo, reg)
	mgr := jobs.NewManager(queue, exec, logger, jobs.Options{
		MaxAttempts:  cfg.JobMaxAttempts,
		StartWorker:  cfg.JobBackend == config.BackendInProcess,
		PollInterval: cfg.JobPollInterval,
	})

	return &App{
		cfg:             cfg,
		repo:            repo,
		baseRepo:        baseRepo,
		jobs:            mgr,
		registry:        reg,
		otelShutdown:    otelShutdown,
		logger:          logger,
		version:         version,
		rememberCounter: rememberCounter,
		recallCounter:   recallCounter,
		jobCounter:      jobCounter,
	}, nil
}

// Remember stores a batch of memories. With an idempotency key, replays
// return the original response plus an "idempotency_replay" warning.
func (a *App) Remember(ctx context.Context, req RememberRequest) (RememberResponse, error) {
	internal := toInternalRemember(req)
	internal.Normalize()
	if err := internal.Validate(); err != nil {
		return RememberResponse{}, err
	}
	resp, err := a.repo.Remember(ctx, internal)
	if err != nil {
		return RememberResponse{}, err
	}
	a.rememberCounter.Add(ctx, int64(resp.Accepted))
	return toPublicRemember(resp), nil
}

// Recall returns a ranked, trust-filtered, token-budgeted slice of memories.
// The response carries the reranker version that served the tenant and the
// routing reason, resolved from the model registry.
func (a *App) Recall(ctx context.Context, req RecallRequest) (RecallResponse, error) {
	internal := toInternalRecall(req)
	internal.Normalize()
	if err := internal.Validate(); err != nil {
		return RecallResponse{}, err
	}
	resp, err := a.repo.Recall(ctx, internal)
	if err != nil {
		return RecallResponse{}, err
	}
	version, route, err := a.registry.SelectVersion(ctx, model.ModelReranker, req.TenantID)
	if err != nil {
		a.logger.Warn("recall: reranker route lookup failed", "tenant_id", req.TenantID, "error", err)
	} else {
		resp.ModelVersion = version
		resp.ModelRoute = string(route)
	}
	a.recallCounter.Add(ctx, 1)
	return toPublicRecall(resp), nil
}

// Inspect returns the full record of a single memory, subject to the same
// visibility rules as recall under the requested scope.
func (a *App) Inspect(ctx context.Context, tenantID, agentID string, scope Scope, memoryID string) (MemoryDetails, error) {
	if scope == "" {
		scope = ScopePrivate
	}
	if !model.ValidScope(model.Scope(scope)) {
		return MemoryDetails{}, fmt.Errorf("scope %q is not one of private, team, global", scope)
	}
	details, err := a.repo.Inspect(ctx, tenantID, agentID, model.Scope(scope), memoryID)
	if err != nil {
		return MemoryDetails{}, err
	}
	return toPublicDetails(details), nil
}

// Forget tombstones a memory. Only the authoring agent may delete a private
// memory; repeat calls are idempotent and report Deleted false.
func (a *App) Forget(ctx context.Context, tenantID, agentID, memoryID string) (ForgetResponse, error) {
	resp, err := a.repo.Forget(ctx, tenantID, agentID, memoryID)
	if err != nil {
		return ForgetResponse{}, err
	}
	return ForgetResponse(resp), nil
}

// PurgeExpired hard-deletes memories whose expiry passed more than
// graceHours ago, returning the purge count.
func (a *App) PurgeExpired(ctx context.Context, tenantID string, graceHours int) (int, error) {
	if graceHours < 0 {
		return 0, fmt.Errorf("grace_hours must not be negative")
	}
	return a.repo.PurgeExpired(ctx, tenantID, graceHours)
}

// Compact folds recalled context for a query into one summary memory.
func (a *App) Compact(ctx context.Context, req CompactRequest) (CompactResponse, error) {
	resp, err := compaction.Compact(ctx, a.repo, toInternalCompact(req))
	if err != nil {
		return CompactResponse{}, err
	}
	return toPublicCompact(resp), nil
}

// SubmitReflect enqueues a reflection pass over a tenant's memories.
func (a *App) SubmitReflect(ctx context.Context, tenantID, agentID string, p ReflectPayload) (Job, error) {
	job, err := a.jobs.SubmitReflect(ctx, tenantID, agentID, model.ReflectPayload(p))
	if err != nil {
		return Job{}, err
	}
	a.jobCounter.Add(ctx, 1)
	return toPublicJob(job), nil
}

// SubmitTrain enqueues a simulated training run that registers a canary.
func (a *App) SubmitTrain(ctx context.Context, tenantID, agentID string, p TrainPayload) (Job, error) {
	job, err := a.jobs.SubmitTrain(ctx, tenantID, agentID, model.TrainPayload{
		ModelKind:    model.ModelKind(p.ModelKind),
		LookbackDays: p.LookbackDays,
	})
	if err != nil {
		return Job{}, err
	}
	a.jobCounter.Add(ctx, 1)
	return toPublicJob(job), nil
}

// SubmitCleanup enqueues an expiry purge for a tenant.
func (a *App) SubmitCleanup(ctx context.Context, tenantID, agentID string, p CleanupPayload) (Job, error) {
	job, err := a.jobs.SubmitCleanup(ctx, tenantID, agentID, model.CleanupPayload(p))
	if err != nil {
		return Job{}, err
	}
	a.jobCounter.Add(ctx, 1)
	return toPublicJob(job), nil
}

// Job returns the current state of a job.
func (a *App) Job(ctx context.Context, jobID string) (Job, error) {
	job, err := a.jobs.Get(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	return toPublicJob(job), nil
}

// DeadLetters lists a tenant's jobs that exhausted their retry budget,
// newest first.
func (a *App) DeadLetters(ctx context.Context, tenantID string, limit int) ([]Job, error) {
	if limit < 1 {
		limit = 20
	}
	records, err := a.jobs.ListDeadLetters(ctx, tenantID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Job, len(records))
	for i, j := range records {
		out[i] = toPublicJob(j)
	}
	return out, nil
}

// ProcessNextJob claims and executes at most one queued job, reporting
// whether one was processed. Intended for tests and external workers.
func (a *App) ProcessNextJob(ctx context.Context) (bool, error) {
	return a.jobs.ProcessNext(ctx)
}

// RunJobWorkers polls the queue with n concurrent workers until ctx is
// canceled. Used by the cross-process worker binary over the sqlite queue.
func (a *App) RunJobWorkers(ctx context.Context, n int, pollInterval time.Duration) error {
	err := a.jobs.RunWorkers(ctx, n, pollInterval)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ModelState returns the routing state and signal summary for a model kind.
func (a *App) ModelState(ctx context.Context, kind ModelKind) (ModelState, error) {
	view, err := a.registry.State(ctx, model.ModelKind(kind))
	if err != nil {
		return ModelState{}, err
	}
	return toPublicModelState(view), nil
}

// RegisterCanary points a model kind's canary at version with a percent
// rollout and an optional tenant allowlist.
func (a *App) RegisterCanary(ctx context.Context, kind ModelKind, version string, rolloutPercent int, allowlist []string, metadata map[string]string, actorAgentID string) (ModelState, error) {
	view, err := a.registry.RegisterCanary(ctx, model.ModelKind(kind), version, rolloutPercent, allowlist, metadata, actorAgentID)
	if err != nil {
		return ModelState{}, err
	}
	return toPublicModelState(view), nil
}

// PromoteCanary makes the canary the active version and clears the rollout.
func (a *App) PromoteCanary(ctx context.Context, kind ModelKind, actorAgentID string) (ModelState, error) {
	view, err := a.registry.PromoteCanary(ctx, model.ModelKind(kind), actorAgentID)
	if err != nil {
		return ModelState{}, err
	}
	return toPublicModelState(view), nil
}

// RollbackCanary clears the canary without touching the active version.
func (a *App) RollbackCanary(ctx context.Context, kind ModelKind, actorAgentID string) (ModelState, error) {
	view, err := a.registry.RollbackCanary(ctx, model.ModelKind(kind), actorAgentID)
	if err != nil {
		return ModelState{}, err
	}
	return toPublicModelState(view), nil
}

// RecordSignal appends a quality signal for a version of a model kind.
func (a *App) RecordSignal(ctx context.Context, kind ModelKind, version, metricName string, value float64, source, actorAgentID string) (ModelState, error) {
	view, err := a.registry.RecordSignal(ctx, model.ModelKind(kind), version, metricName, value, source, actorAgentID)
	if err != nil {
		return ModelState{}, err
	}
	return toPublicModelState(view), nil
}

// SelectModelVersion resolves which version a tenant sees for kind and why.
func (a *App) SelectModelVersion(ctx context.Context, kind ModelKind, tenantID string) (string, ModelRoute, error) {
	version, route, err := a.registry.SelectVersion(ctx, model.ModelKind(kind), tenantID)
	if err != nil {
		return "", "", err
	}
	return version, ModelRoute(route), nil
}

// ModelEvents lists registry audit rows for a kind, newest first.
func (a *App) ModelEvents(ctx context.Context, kind ModelKind, limit int) ([]RegistryEvent, error) {
	if limit < 1 {
		limit = 50
	}
	events, err := a.registry.Events(ctx, model.ModelKind(kind), limit)
	if err != nil {
		return nil, err
	}
	out := make([]RegistryEvent, len(events))
	for i, ev := range events {
		out[i] = toPublicEvent(ev)
	}
	return out, nil
}

// Close stops the job worker and releases every backend.
func (a *App) Close() error {
	a.logger.Info("brainstem shutting down")
	var firstErr error
	if err := a.jobs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	// The graph-augmented wrapper closes only its graph store; the base
	// repository is closed separately.
	if err := a.repo.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.baseRepo != a.repo {
		if err := a.baseRepo.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.otelShutdown(context.Background()); err != nil && firstErr == nil {
		firstErr = err
	}
	a.logger.Info("brainstem stopped")
	return firstErr
}

func closeRepos(repo, base store.Repository) {
	_ = repo.Close()
	if base != repo {
		_ = base.Close()
	}
}

func newRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		return store.NewSQLite(cfg.SQLitePath)
	case config.BackendPostgres:
		return store.NewPostgres(ctx, cfg.PostgresDSN, logger)
	default:
		return store.NewInMemory(), nil
	}
}

// newGraphStore picks a graph backend co-located with the repository: the
// Postgres repository shares its pool, the sqlite repository gets a sibling
// database file, everything else stays in memory.
func newGraphStore(ctx context.Context, cfg config.Config, repo store.Repository) (graph.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		return graph.NewSQLite(cfg.GraphSQLitePath, cfg.GraphHalfLifeHours, cfg.GraphRelationWeights)
	case config.BackendPostgres:
		pg, ok := repo.(*store.Postgres)
		if !ok {
			return nil, fmt.Errorf("postgres graph requires the postgres repository")
		}
		return graph.NewPostgres(ctx, pg.Pool(), cfg.GraphHalfLifeHours, cfg.GraphRelationWeights)
	default:
		return graph.NewInMemory(cfg.GraphHalfLifeHours, cfg.GraphRelationWeights)
	}
}

func newRegistryStore(ctx context.Context, cfg config.Config, repo store.Repository) (registry.Store, error) {
	switch cfg.RegistryBackend {
	case config.BackendSQLite:
		return registry.NewSQLiteStore(cfg.RegistrySQLitePath)
	case config.BackendPostgres:
		pg, ok := repo.(*store.Postgres)
		if !ok {
			return nil, fmt.Errorf("postgres registry requires the postgres repository")
		}
		return registry.NewPostgresStore(ctx, pg.Pool())
	default:
		return registry.NewInMemoryStore(), nil
	}
}

func newQueue(cfg config.Config) (jobs.Queue, error) {
	if cfg.JobBackend == config.BackendSQLite {
		return jobs.NewSQLiteQueue(cfg.JobSQLitePath)
	}
	return jobs.NewMemoryQueue(), nil
}
