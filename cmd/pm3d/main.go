// Command pm3d is the supervision daemon: it loads a pm3.toml, launches
// every admitted process's supervisor, serves the local RPC socket, and
// exits only on SIGTERM/SIGINT after an ordered shutdown (spec.md §4.j).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/s3bba/pm3/internal/events"
	"github.com/s3bba/pm3/internal/notify"
	"github.com/s3bba/pm3/internal/paths"
	"github.com/s3bba/pm3/internal/pm3config"
	"github.com/s3bba/pm3/internal/rpcserver"
	"github.com/s3bba/pm3/internal/scheduler"
)

// snapshotInterval is how often Scheduler.StartSnapshotLoop persists state
// while the daemon is running, independent of the save-on-every-lifecycle-
// op writes.
const snapshotInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "pm3.toml", "path to the pm3.toml configuration file")
	profile := flag.String("env", "", "environment profile name to apply from [<process>.env_<name>] tables")
	resurrect := flag.Bool("resurrect", false, "restart every process the last snapshot recorded as running")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(*configPath, *profile, *resurrect, logger); err != nil {
		logger.Error("pm3d exited with an error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, profile string, doResurrect bool, logger *slog.Logger) error {
	cfg, err := pm3config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dataDir, err := paths.EnsureDataDir()
	if err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}

	if err := acquirePIDFile(); err != nil {
		return err
	}
	defer removePIDFile()

	notifier := notify.New(cfg.Notifications)

	sched, err := scheduler.New(cfg, configPath, profile, events.DefaultBus, notifier, logger)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sched.Launch(ctx)
	sched.StartSnapshotLoop(ctx, snapshotInterval)

	if doResurrect {
		snapPath, err := paths.SnapshotPath()
		if err == nil {
			if snap, err := scheduler.LoadSnapshot(snapPath); err == nil {
				if _, err := sched.Resurrect(ctx, snap); err != nil {
					logger.Warn("resurrect failed", "error", err)
				}
			}
		}
	}

	socketPath, err := paths.SocketPath()
	if err != nil {
		return fmt.Errorf("resolve socket path: %w", err)
	}
	snapPath, err := paths.SnapshotPath()
	if err != nil {
		return fmt.Errorf("resolve snapshot path: %w", err)
	}

	logger.Info("pm3d starting", "config", configPath, "data_dir", dataDir, "socket", socketPath)

	srv := rpcserver.New(sched, socketPath, snapPath, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("rpc server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sched.Shutdown(shutdownCtx)
	srv.Close()

	logger.Info("pm3d stopped")
	return nil
}

// acquirePIDFile writes the daemon's PID, refusing to start if an existing
// PID file names a process that is still alive (spec.md §4.j).
func acquirePIDFile() error {
	pidPath, err := paths.PIDPath()
	if err != nil {
		return fmt.Errorf("resolve PID file path: %w", err)
	}

	if data, err := os.ReadFile(pidPath); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil && pid > 0 {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("pm3d already running with pid %d (%s)", pid, pidPath)
				}
			}
		}
		// Stale PID file: the named process is gone, reclaim the file.
	}

	return os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile() {
	if pidPath, err := paths.PIDPath(); err == nil {
		os.Remove(pidPath)
	}
}
