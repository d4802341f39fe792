package brainstem

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds configuration overrides after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger          *slog.Logger
	version         string
	storeBackend    string
	sqlitePath      string
	postgresDSN     string
	jobBackend      string
	jobSQLitePath   string
	graphEnabled    *bool
	registryBackend string
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStoreBackend overrides the memory store backend from config
// (BRAINSTEM_STORE_BACKEND env var): "inmemory", "sqlite", or "postgres".
func WithStoreBackend(backend string) Option {
	return func(o *resolvedOptions) { o.storeBackend = backend }
}

// WithSQLitePath overrides the memory store database path from config
// (BRAINSTEM_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithPostgresDSN overrides the Postgres connection string from config
// (BRAINSTEM_POSTGRES_DSN env var).
func WithPostgresDSN(dsn string) Option {
	return func(o *resolvedOptions) { o.postgresDSN = dsn }
}

// WithJobBackend overrides the job queue backend from config
// (BRAINSTEM_JOB_BACKEND env var): "inprocess" or "sqlite".
func WithJobBackend(backend string) Option {
	return func(o *resolvedOptions) { o.jobBackend = backend }
}

// WithJobSQLitePath overrides the durable job queue database path from config
// (BRAINSTEM_JOB_SQLITE_PATH env var).
func WithJobSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.jobSQLitePath = path }
}

// WithGraphEnabled overrides graph-augmented recall from config
// (BRAINSTEM_GRAPH_ENABLED env var).
func WithGraphEnabled(enabled bool) Option {
	return func(o *resolvedOptions) { o.graphEnabled = &enabled }
}

// WithRegistryBackend overrides the model registry backend from config
// (BRAINSTEM_MODEL_REGISTRY_BACKEND env var).
func WithRegistryBackend(backend string) Option {
	return func(o *resolvedOptions) { o.registryBackend = backend }
}
