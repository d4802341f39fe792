// Command brainstem-worker drains the durable sqlite job queue from a
// separate process. Run any number of workers against the same queue file;
// the claim transaction guarantees each job attempt runs exactly once.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hookdump/Brainstem"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	once := flag.Bool("once", false, "process queued jobs until the queue is empty, then exit")
	workers := flag.Int("workers", 1, "number of concurrent polling workers")
	pollInterval := flag.Duration("poll-interval", 200*time.Millisecond, "sleep between empty polls")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("BRAINSTEM_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *once, *workers, *pollInterval); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, once bool, workers int, pollInterval time.Duration) error {
	// The worker must share the durable queue with the serving processes; an
	// in-process queue would drain nothing.
	app, err := brainstem.New(
		brainstem.WithLogger(logger),
		brainstem.WithVersion(version),
		brainstem.WithJobBackend("sqlite"),
	)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() { _ = app.Close() }()

	logger.Info("brainstem-worker starting", "version", version, "workers", workers, "once", once)

	if once {
		for {
			processed, err := app.ProcessNextJob(ctx)
			if err != nil {
				return fmt.Errorf("process job: %w", err)
			}
			if !processed {
				logger.Info("queue drained")
				return nil
			}
		}
	}

	return app.RunJobWorkers(ctx, workers, pollInterval)
}
