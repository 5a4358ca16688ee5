package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/BegaDeveloper/devheal/internal/projectstore"
	"github.com/BegaDeveloper/devheal/internal/runtimeconfig"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if handleControlCommand(os.Args[1:]) {
		return
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "devheald failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := newLogger(os.Stderr, os.Getenv("DEVHEAL_LOG_LEVEL"), os.Getenv("DEVHEAL_LOG_FORMAT"))
	slog.SetDefault(logger)

	config, err := runtimeconfig.Load("")
	if err != nil {
		return err
	}

	lock, err := acquireDaemonLock()
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	dbPath := config.Daemon.DBPath
	if strings.TrimSpace(dbPath) == "" {
		dbPath = projectstore.DefaultPath()
	}
	store, err := projectstore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open project store: %w", err)
	}
	defer store.Close()

	supervisor := newSupervisor(config, store, logger, supervisorDeps{})
	server := newDaemonServer(supervisor, config.Daemon)
	if !server.authDisabled && server.daemonToken == "" {
		logger.Warn("no daemon token configured; every request will be rejected", "hint", "run devheal setup-agent or set DEVHEAL_DAEMON_TOKEN")
	}

	httpServer := &http.Server{
		Addr:              config.Daemon.Addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErrors := make(chan error, 1)
	go func() {
		logger.Info("devheald listening", "addr", "http://"+config.Daemon.Addr, "db", dbPath)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			serveErrors <- serveErr
		}
		close(serveErrors)
	}()

	select {
	case serveErr := <-serveErrors:
		if serveErr != nil {
			supervisor.shutdown(shutdownTimeout)
			return serveErr
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	supervisor.shutdown(shutdownTimeout)
	return nil
}

func handleControlCommand(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch strings.TrimSpace(args[0]) {
	case "install-service":
		if installErr := installService(); installErr != nil {
			fmt.Fprintf(os.Stderr, "install-service failed: %v\n", installErr)
			os.Exit(1)
		}
		fmt.Println("devheald service installed and started.")
		return true
	case "version":
		fmt.Println("devheald " + version)
		return true
	default:
		return false
	}
}

// newLogger builds the daemon's slog handler from DEVHEAL_LOG_LEVEL and
// DEVHEAL_LOG_FORMAT.
func newLogger(output io.Writer, level string, format string) *slog.Logger {
	options := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(output, options))
	}
	return slog.New(slog.NewTextHandler(output, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// acquireDaemonLock holds an exclusive flock for the daemon's lifetime. The
// kernel drops it when the process dies, so a crashed daemon never leaves a
// stale lock behind.
func acquireDaemonLock() (*flock.Flock, error) {
	lockPath, err := daemonLockPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory failed: %w", err)
	}
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire daemon lock failed: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("daemon lock %s is held (another devheald is running)", lockPath)
	}
	return fileLock, nil
}

func daemonLockPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory failed: %w", err)
	}
	return filepath.Join(homeDir, ".devheal", "devheald.lock"), nil
}
