package repair

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreate_WritesCrashLogAndLockRecord(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	registry := newTestRegistry()
	session, err := registry.Create(projectDir, 1, 3, "Error: Cannot find module 'react'\n")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if session.ID == "" || session.Phase != PhaseCrashDetected || session.MaxAttempts != 3 || session.ExitCode != 1 {
		t.Fatalf("unexpected session %#v", session)
	}

	snapshot, err := os.ReadFile(session.CrashLogPath)
	if err != nil {
		t.Fatalf("read crash log: %v", err)
	}
	if !strings.Contains(string(snapshot), "exit code: 1") || !strings.Contains(string(snapshot), "Cannot find module") {
		t.Fatalf("unexpected crash log:\n%s", snapshot)
	}
	if filepath.Base(session.CrashLogPath) != "crash-"+session.ID+".log" {
		t.Fatalf("unexpected crash log name %s", session.CrashLogPath)
	}
	latest, err := os.ReadFile(filepath.Join(CrashLogDir(projectDir), "latest-crash.log"))
	if err != nil || string(latest) != string(snapshot) {
		t.Fatalf("expected latest-crash.log to mirror the snapshot (%v)", err)
	}

	record, err := ReadLockRecord(projectDir)
	if err != nil || record == nil {
		t.Fatalf("expected lock record, got %v %v", record, err)
	}
	if record.RepairID != session.ID || !record.Supervisor.Equal(registry.Identity()) || record.CrashLogPath != session.CrashLogPath {
		t.Fatalf("unexpected lock record %#v", record)
	}

	crashLog, err := registry.CrashLog(session.ID)
	if err != nil || !strings.Contains(crashLog, "Cannot find module") {
		t.Fatalf("unexpected crash log read %q %v", crashLog, err)
	}
}

func TestCreate_PrunesOldCrashLogs(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	logDir := CrashLogDir(projectDir)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	oldLog := filepath.Join(logDir, "crash-old.log")
	recentLog := filepath.Join(logDir, "crash-recent.log")
	for _, path := range []string{oldLog, recentLog} {
		if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	twoHoursAgo := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldLog, twoHoursAgo, twoHoursAgo); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if _, err := newTestRegistry().Create(projectDir, 1, 3, "boom"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := os.Stat(oldLog); !os.IsNotExist(err) {
		t.Fatalf("expected old log to be pruned, stat err=%v", err)
	}
	if _, err := os.Stat(recentLog); err != nil {
		t.Fatalf("expected recent log to be kept: %v", err)
	}
}

func TestUpdatePhase_RecordsAgentEngagementAndChanges(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry()
	session, err := registry.Create(t.TempDir(), 1, 3, "boom")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var observed []Phase
	var mu sync.Mutex
	registry.OnPhaseChange(func(_ Session, step Step) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, step.Phase)
	})

	updated, err := registry.UpdatePhase(session.ID, PhaseAwaitingAgent, "waiting", nil)
	if err != nil || updated.AgentEngaged {
		t.Fatalf("orchestrator phases must not mark the agent engaged: %#v %v", updated, err)
	}
	updated, err = registry.UpdatePhase(session.ID, PhaseAgentWroteFiles, "patched", map[string]any{"files_changed": float64(2), "linesChanged": "41"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.AgentEngaged || updated.FilesChanged != 2 || updated.LinesChanged != 41 || len(updated.Steps) != 3 {
		t.Fatalf("unexpected session %#v", updated)
	}

	record, _ := ReadLockRecord(updated.ProjectDir)
	if record == nil || record.Phase != PhaseAgentWroteFiles {
		t.Fatalf("expected lock record to follow the phase, got %#v", record)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 2 || observed[1] != PhaseAgentWroteFiles {
		t.Fatalf("unexpected observed phases %v", observed)
	}
}

func TestUpdatePhase_WroteFilesSurvivesLaterAgentPhases(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry()
	session, _ := registry.Create(t.TempDir(), 1, 3, "boom")
	if _, err := registry.UpdatePhase(session.ID, PhaseAgentWroteFiles, "", map[string]any{"files_changed": 50, "lines_changed": 900}); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated, err := registry.UpdatePhase(session.ID, PhaseAgentApplyingFix, "one more tweak", nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Phase != PhaseAgentApplyingFix || !updated.WroteFiles || updated.FilesChanged != 50 || updated.LinesChanged != 900 {
		t.Fatalf("expected written files and counts to stick, got %#v", updated)
	}
}

func TestUpdatePhase_Errors(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry()
	if _, err := registry.UpdatePhase("missing", PhaseAgentStarted, "", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	session, _ := registry.Create(t.TempDir(), 1, 3, "boom")
	if _, err := registry.UpdatePhase(session.ID, Phase("agent_dancing"), "", nil); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase, got %v", err)
	}
}

func TestIncrementAttempt_ResetsPerAttemptState(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry()
	session, _ := registry.Create(t.TempDir(), 1, 3, "boom")
	if _, err := registry.UpdatePhase(session.ID, PhaseAgentWroteFiles, "", map[string]any{"files_changed": 3}); err != nil {
		t.Fatalf("update: %v", err)
	}
	attempt, err := registry.IncrementAttempt(session.ID)
	if err != nil || attempt != 1 {
		t.Fatalf("expected attempt 1, got %d %v", attempt, err)
	}
	current, _ := registry.Get(session.ID)
	if current.AgentEngaged || current.WroteFiles || current.FilesChanged != 0 {
		t.Fatalf("expected per-attempt state to reset, got %#v", current)
	}
	if _, err := registry.IncrementAttempt("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestWaitForPhase_AlreadyReachedResolvesImmediately(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry()
	session, _ := registry.Create(t.TempDir(), 1, 3, "boom")
	if _, err := registry.UpdatePhase(session.ID, PhaseAgentStarted, "", nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	startedAt := time.Now()
	result, err := registry.WaitForPhase(context.Background(), session.ID, []Phase{PhaseAgentStarted, PhaseAgentWroteFiles}, time.Minute)
	if err != nil || result != WaitSignaled {
		t.Fatalf("expected signaled, got %s %v", result, err)
	}
	if time.Since(startedAt) > time.Second {
		t.Fatalf("wait for a reached phase must not block")
	}
}

func TestWaitForPhase_SignaledByWriter(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry()
	session, _ := registry.Create(t.TempDir(), 1, 3, "boom")

	results := make(chan WaitResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			result, _ := registry.WaitForPhase(context.Background(), session.ID, []Phase{PhaseAgentWroteFiles, PhaseReadyToRestart}, 5*time.Second)
			results <- result
		}()
	}
	waitForWaiters(t, registry, session.ID, 2)

	if _, err := registry.UpdatePhase(session.ID, PhaseAgentReadingLog, "", nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := registry.UpdatePhase(session.ID, PhaseAgentWroteFiles, "", nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case result := <-results:
			if result != WaitSignaled {
				t.Fatalf("expected signaled, got %s", result)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("waiter was not woken")
		}
	}
	if remaining := waiterCount(registry, session.ID); remaining != 0 {
		t.Fatalf("expected waiters to be cleaned up, %d remain", remaining)
	}
}

func TestWaitForPhase_TimeoutCleansUp(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry()
	session, _ := registry.Create(t.TempDir(), 1, 3, "boom")

	result, err := registry.WaitForPhase(context.Background(), session.ID, []Phase{PhaseAgentStarted}, 20*time.Millisecond)
	if err != nil || result != WaitTimeout {
		t.Fatalf("expected timeout, got %s %v", result, err)
	}
	if remaining := waiterCount(registry, session.ID); remaining != 0 {
		t.Fatalf("expected timed-out waiter to be removed, %d remain", remaining)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err = registry.WaitForPhase(ctx, session.ID, []Phase{PhaseAgentStarted}, time.Minute)
	if result != WaitTimeout || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled wait to time out, got %s %v", result, err)
	}
}

func TestWaitForPhase_RemoveWakesWaitersAsTimeout(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	registry := newTestRegistry()
	session, _ := registry.Create(projectDir, 1, 3, "boom")

	results := make(chan WaitResult, 1)
	go func() {
		result, _ := registry.WaitForPhase(context.Background(), session.ID, []Phase{PhaseAgentStarted}, time.Minute)
		results <- result
	}()
	waitForWaiters(t, registry, session.ID, 1)

	registry.Remove(session.ID)
	select {
	case result := <-results:
		if result != WaitTimeout {
			t.Fatalf("expected timeout after remove, got %s", result)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("remove did not wake the waiter")
	}

	if _, exists := registry.Get(session.ID); exists {
		t.Fatalf("expected session to be gone")
	}
	if _, exists := registry.FindByProject(session.ProjectKey); exists {
		t.Fatalf("expected project index to be cleared")
	}
	if record, _ := ReadLockRecord(projectDir); record != nil {
		t.Fatalf("expected lock record to be removed, got %#v", record)
	}
	if _, err := registry.WaitForPhase(context.Background(), session.ID, []Phase{PhaseAgentStarted}, time.Second); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after remove, got %v", err)
	}
	registry.Remove(session.ID)
}

func TestDiscardStaleLock(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	dead := LockRecord{
		RepairID:   "old-repair",
		Supervisor: Identity{PID: 999999, StartedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Host: "old"},
		Phase:      PhaseAwaitingAgent,
	}
	if err := writeLockRecord(projectDir, dead); err != nil {
		t.Fatalf("write: %v", err)
	}

	registry := newTestRegistry()
	stale, err := registry.DiscardStaleLock(projectDir)
	if err != nil || stale == nil || stale.RepairID != "old-repair" {
		t.Fatalf("expected stale record to be discarded, got %#v %v", stale, err)
	}
	if record, _ := ReadLockRecord(projectDir); record != nil {
		t.Fatalf("expected lock file to be gone")
	}

	otherDir := t.TempDir()
	session, _ := registry.Create(otherDir, 1, 3, "boom")
	if stale, err := registry.DiscardStaleLock(otherDir); err != nil || stale != nil {
		t.Fatalf("own lock must not be discarded, got %#v %v", stale, err)
	}
	if record, _ := ReadLockRecord(otherDir); record == nil || record.RepairID != session.ID {
		t.Fatalf("expected own lock to remain")
	}
}

func TestParsePhase(t *testing.T) {
	t.Parallel()

	if phase, err := ParsePhase(" Health-Check "); err != nil || phase != PhaseHealthCheck {
		t.Fatalf("unexpected %q %v", phase, err)
	}
	if _, err := ParsePhase("done"); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase, got %v", err)
	}
	if !PhaseAgentApplyingFix.IsAgentPhase() || PhaseAwaitingAgent.IsAgentPhase() {
		t.Fatalf("unexpected agent phase classification")
	}
	if !PhaseFailedRequiresHuman.IsTerminal() || PhaseFailed.IsTerminal() {
		t.Fatalf("unexpected terminal classification")
	}
}

func waiterCount(registry *Registry, repairID string) int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	state, exists := registry.sessions[repairID]
	if !exists {
		return 0
	}
	return len(state.waiters)
}

func waitForWaiters(t *testing.T, registry *Registry, repairID string, count int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for waiterCount(registry, repairID) < count {
		if time.Now().After(deadline) {
			t.Fatalf("waiters never registered")
		}
		time.Sleep(time.Millisecond)
	}
}
