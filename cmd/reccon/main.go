// Command reccon continuously records an audio source, cuts the stream into
// segments on silence, and uploads finished segments to object storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/MrWong99/reccon/internal/app"
	"github.com/MrWong99/reccon/internal/config"
	"github.com/MrWong99/reccon/internal/storage"
)

// Version is set via -ldflags at build time.
var Version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCLIApp(os.Stdout).RunContext(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "reccon: %v\n", err)
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			return ec.ExitCode()
		}
		return 1
	}
	return 0
}

// record loads the configuration at path and runs the recorder until ctx is
// cancelled or storage is exhausted.
func record(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", path)
		}
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.LogLevel.Level())
	logger := newLogger(os.Stderr, levelVar)
	slog.SetDefault(logger)

	logger.Info("reccon starting",
		"version", Version,
		"config", path,
		"storage_dir", cfg.StorageDir,
		"source", cfg.Source.Kind,
		"format", cfg.Encoder.Format,
		"remote_bucket", cfg.RemoteBucket,
	)

	// ── Config watcher ────────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(path, func(_, next *config.Config, d config.Diff) {
		if application != nil {
			application.ApplyConfigChange(d, next)
		}
	}, config.WithWatcherLogger(logger))
	if err != nil {
		return err
	}

	application, err = app.New(ctx, cfg,
		app.WithLogger(logger),
		app.WithVersion(Version),
		app.WithWatcher(watcher, levelVar),
	)
	if err != nil {
		return err
	}

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return exitError(runErr)
	}
	logger.Info("goodbye")
	return nil
}

// exitError maps a recorder failure to its exit status: 2 when storage is
// exhausted, 1 otherwise.
func exitError(err error) error {
	if errors.Is(err, storage.ErrExhausted) {
		return cli.Exit(err.Error(), 2)
	}
	return cli.Exit(err.Error(), 1)
}

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
