package cleaner

import (
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/BegaDeveloper/devheal/internal/procutil"
)

// knownLockFiles are framework lock files, relative to the project root,
// that a crashed dev server can leave behind and that block the next start.
var knownLockFiles = []string{
	".next/dev/lock",
	".next/trace.lock",
	".nuxt/dev.lock",
	".svelte-kit/.lock",
	".angular/cache/.lock",
	".parcel-cache/lock",
	".astro/dev.lock",
	"node_modules/.vite/deps/_metadata.json.lock",
	"node_modules/.cache/.lock",
}

// Result lists what a cleanup removed.
type Result struct {
	LocksRemoved    []string `json:"locks_removed"`
	ProcessesKilled []int    `json:"processes_killed"`
}

// ProcessInspector finds the processes bound to a port and where they run.
type ProcessInspector interface {
	ListeningPIDs(port int) ([]int, error)
	WorkingDir(pid int) (string, error)
}

type Cleaner struct {
	inspector ProcessInspector
	signal    func(pid int, sig syscall.Signal) error
	selfPID   int
	logger    *slog.Logger
}

func New(inspector ProcessInspector, logger *slog.Logger) *Cleaner {
	if inspector == nil {
		inspector = NewInspector()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		inspector: inspector,
		signal:    procutil.Signal,
		selfPID:   os.Getpid(),
		logger:    logger,
	}
}

// Cleanup removes known lock files under projectDir and, when port is
// non-zero, terminates the processes listening on it that run inside
// projectDir. Failures are logged and skipped.
func (cleaner *Cleaner) Cleanup(projectDir string, port int) Result {
	result := Result{LocksRemoved: []string{}, ProcessesKilled: []int{}}
	for _, relativePath := range knownLockFiles {
		lockPath := filepath.Join(projectDir, filepath.FromSlash(relativePath))
		if _, statErr := os.Lstat(lockPath); statErr != nil {
			continue
		}
		if removeErr := os.Remove(lockPath); removeErr != nil {
			cleaner.logger.Debug("stale lock removal failed", "path", lockPath, "error", removeErr)
			continue
		}
		result.LocksRemoved = append(result.LocksRemoved, relativePath)
	}
	if port > 0 {
		result.ProcessesKilled = cleaner.killProjectListeners(projectDir, port, procutil.SignalTerminate)
	}
	if len(result.LocksRemoved) > 0 || len(result.ProcessesKilled) > 0 {
		cleaner.logger.Info("stale state cleaned", "project", projectDir, "locks", result.LocksRemoved, "pids", result.ProcessesKilled)
	}
	return result
}

// FreePort force-kills the project's own processes listening on port.
// Processes from other directories are left alone even though they keep
// the port busy.
func (cleaner *Cleaner) FreePort(projectDir string, port int) []int {
	if port <= 0 {
		return nil
	}
	return cleaner.killProjectListeners(projectDir, port, procutil.SignalKill)
}

func (cleaner *Cleaner) killProjectListeners(projectDir string, port int, sig syscall.Signal) []int {
	killed := []int{}
	pids, listErr := cleaner.inspector.ListeningPIDs(port)
	if listErr != nil {
		cleaner.logger.Debug("port inspection failed", "port", port, "error", listErr)
		return killed
	}
	for _, pid := range pids {
		if pid == cleaner.selfPID {
			continue
		}
		workingDir, dirErr := cleaner.inspector.WorkingDir(pid)
		if dirErr != nil || workingDir == "" {
			cleaner.logger.Debug("skipping process with unknown working directory", "pid", pid, "port", port)
			continue
		}
		if !procutil.IsWithin(projectDir, workingDir) {
			cleaner.logger.Info("leaving foreign process on port", "pid", pid, "port", port, "cwd", workingDir)
			continue
		}
		if signalErr := cleaner.signal(pid, sig); signalErr != nil {
			cleaner.logger.Warn("signal failed", "pid", pid, "error", signalErr)
			continue
		}
		killed = append(killed, pid)
	}
	return killed
}
