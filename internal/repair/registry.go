package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BegaDeveloper/devheal/internal/projectstore"
)

// WaitResult is how a WaitForPhase call ended.
type WaitResult string

const (
	WaitSignaled WaitResult = "signaled"
	WaitTimeout  WaitResult = "timeout"
)

// Step is one entry of a session's phase history.
type Step struct {
	Phase   Phase          `json:"phase"`
	Message string         `json:"message,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
	At      time.Time      `json:"at"`
}

// Session is a snapshot of one in-progress repair.
type Session struct {
	ID           string    `json:"id"`
	ProjectKey   string    `json:"project_key"`
	ProjectDir   string    `json:"project_dir"`
	ExitCode     int       `json:"exit_code"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"max_attempts"`
	Phase        Phase     `json:"phase"`
	AgentEngaged bool      `json:"agent_engaged"`
	WroteFiles   bool      `json:"wrote_files"`
	FilesChanged int       `json:"files_changed"`
	LinesChanged int       `json:"lines_changed"`
	CrashLogPath string    `json:"crash_log_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Steps        []Step    `json:"steps"`
}

// PhaseChangeHandler observes every phase change after it is applied.
type PhaseChangeHandler func(session Session, step Step)

type waiter struct {
	targets map[Phase]bool
	result  chan WaitResult
}

type sessionState struct {
	session    Session
	waiters    map[int]*waiter
	nextWaiter int
}

// Registry tracks repair sessions and lets one actor block until another
// advances a session's phase.
type Registry struct {
	identity Identity
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	sessions  map[string]*sessionState
	byProject map[string]string
	checked   map[string]bool
	onChange  PhaseChangeHandler
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		identity:  CurrentIdentity(time.Now()),
		logger:    logger,
		now:       time.Now,
		sessions:  map[string]*sessionState{},
		byProject: map[string]string{},
		checked:   map[string]bool{},
	}
}

func (registry *Registry) Identity() Identity {
	return registry.identity
}

// OnPhaseChange registers the single handler for UpdatePhase. It runs
// outside the registry lock. Create does not notify.
func (registry *Registry) OnPhaseChange(handler PhaseChangeHandler) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.onChange = handler
}

// Create opens a session for a crashed project, snapshots its output to the
// crash log and writes the on-disk lock record.
func (registry *Registry) Create(projectDir string, exitCode int, maxAttempts int, crashOutput string) (Session, error) {
	createdAt := registry.now()
	repairID := uuid.NewString()

	if removed := pruneCrashLogs(projectDir, createdAt, crashLogMaxAge); len(removed) > 0 {
		registry.logger.Debug("pruned old crash logs", "project", projectDir, "count", len(removed))
	}
	crashLogPath, logErr := writeCrashLog(projectDir, repairID, exitCode, crashOutput, createdAt)
	if logErr != nil {
		registry.logger.Warn("write crash log failed", "project", projectDir, "error", logErr)
	}

	step := Step{Phase: PhaseCrashDetected, Message: fmt.Sprintf("dev server exited with code %d", exitCode), At: createdAt}
	session := Session{
		ID:           repairID,
		ProjectKey:   projectstore.ProjectKey(projectDir),
		ProjectDir:   projectDir,
		ExitCode:     exitCode,
		MaxAttempts:  maxAttempts,
		Phase:        PhaseCrashDetected,
		CrashLogPath: crashLogPath,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
		Steps:        []Step{step},
	}

	record := LockRecord{
		RepairID:     repairID,
		Supervisor:   registry.identity,
		Phase:        PhaseCrashDetected,
		CreatedAt:    createdAt,
		CrashLogPath: crashLogPath,
	}
	if err := writeLockRecord(projectDir, record); err != nil {
		return Session{}, err
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.sessions[repairID] = &sessionState{session: session, waiters: map[int]*waiter{}}
	registry.byProject[session.ProjectKey] = repairID
	return cloneSession(session), nil
}

// UpdatePhase advances a session. Agent phases mark the agent as engaged,
// and files_changed / lines_changed in detail are recorded. WroteFiles stays
// set for the rest of the attempt once agent_wrote_files is reported, even
// if the agent moves on to another phase.
func (registry *Registry) UpdatePhase(repairID string, phase Phase, message string, detail map[string]any) (Session, error) {
	if _, err := ParsePhase(string(phase)); err != nil {
		return Session{}, err
	}

	registry.mu.Lock()
	state, exists := registry.sessions[repairID]
	if !exists {
		registry.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, repairID)
	}
	updatedAt := registry.now()
	step := Step{Phase: phase, Message: message, Detail: detail, At: updatedAt}
	session := &state.session
	session.Phase = phase
	session.UpdatedAt = updatedAt
	session.Steps = append(session.Steps, step)
	if phase.IsAgentPhase() {
		session.AgentEngaged = true
	}
	if phase == PhaseAgentWroteFiles {
		session.WroteFiles = true
	}
	if filesChanged, found := detailInt(detail, "files_changed", "filesChanged"); found {
		session.FilesChanged = filesChanged
	}
	if linesChanged, found := detailInt(detail, "lines_changed", "linesChanged"); found {
		session.LinesChanged = linesChanged
	}

	for id, pending := range state.waiters {
		if pending.targets[phase] {
			pending.result <- WaitSignaled
			delete(state.waiters, id)
		}
	}
	registry.persistLocked(session)
	handler := registry.onChange
	snapshot := cloneSession(*session)
	registry.mu.Unlock()

	if handler != nil {
		handler(snapshot, step)
	}
	return snapshot, nil
}

// IncrementAttempt starts a new attempt. Agent engagement and change counts
// are per attempt, so they reset here.
func (registry *Registry) IncrementAttempt(repairID string) (int, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	state, exists := registry.sessions[repairID]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, repairID)
	}
	state.session.Attempt++
	state.session.AgentEngaged = false
	state.session.WroteFiles = false
	state.session.FilesChanged = 0
	state.session.LinesChanged = 0
	state.session.UpdatedAt = registry.now()
	registry.persistLocked(&state.session)
	return state.session.Attempt, nil
}

// WaitForPhase blocks until the session reaches one of targets, the timeout
// elapses, ctx ends or the session is removed. A session already in a target
// phase returns immediately. Only the current phase counts, not history.
func (registry *Registry) WaitForPhase(ctx context.Context, repairID string, targets []Phase, timeout time.Duration) (WaitResult, error) {
	targetSet := make(map[Phase]bool, len(targets))
	for _, target := range targets {
		targetSet[target] = true
	}

	registry.mu.Lock()
	state, exists := registry.sessions[repairID]
	if !exists {
		registry.mu.Unlock()
		return WaitTimeout, fmt.Errorf("%w: %s", ErrSessionNotFound, repairID)
	}
	if targetSet[state.session.Phase] {
		registry.mu.Unlock()
		return WaitSignaled, nil
	}
	pending := &waiter{targets: targetSet, result: make(chan WaitResult, 1)}
	waiterID := state.nextWaiter
	state.nextWaiter++
	state.waiters[waiterID] = pending
	registry.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-pending.result:
		return result, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// The writer may have resolved us while the deadline fired; its answer wins.
	registry.mu.Lock()
	delete(state.waiters, waiterID)
	registry.mu.Unlock()
	select {
	case result := <-pending.result:
		return result, nil
	default:
	}
	if ctx.Err() != nil {
		return WaitTimeout, ctx.Err()
	}
	return WaitTimeout, nil
}

// Remove deletes the session, wakes every waiter with a timeout and drops
// the on-disk lock record if it is still this session's.
func (registry *Registry) Remove(repairID string) {
	registry.mu.Lock()
	state, exists := registry.sessions[repairID]
	if !exists {
		registry.mu.Unlock()
		return
	}
	delete(registry.sessions, repairID)
	if registry.byProject[state.session.ProjectKey] == repairID {
		delete(registry.byProject, state.session.ProjectKey)
	}
	for id, pending := range state.waiters {
		pending.result <- WaitTimeout
		delete(state.waiters, id)
	}
	projectDir := state.session.ProjectDir
	registry.mu.Unlock()

	if err := removeLockRecord(projectDir, repairID); err != nil {
		registry.logger.Warn("remove repair lock failed", "repair_id", repairID, "error", err)
	}
}

func (registry *Registry) Get(repairID string) (Session, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	state, exists := registry.sessions[repairID]
	if !exists {
		return Session{}, false
	}
	return cloneSession(state.session), true
}

func (registry *Registry) FindByProject(projectKey string) (Session, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	repairID, exists := registry.byProject[projectKey]
	if !exists {
		return Session{}, false
	}
	return cloneSession(registry.sessions[repairID].session), true
}

// List returns every active session, oldest first.
func (registry *Registry) List() []Session {
	registry.mu.Lock()
	sessions := make([]Session, 0, len(registry.sessions))
	for _, state := range registry.sessions {
		sessions = append(sessions, cloneSession(state.session))
	}
	registry.mu.Unlock()
	sort.Slice(sessions, func(left, right int) bool {
		return sessions[left].CreatedAt.Before(sessions[right].CreatedAt)
	})
	return sessions
}

// CrashLog reads the session's crash snapshot.
func (registry *Registry) CrashLog(repairID string) (string, error) {
	session, exists := registry.Get(repairID)
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, repairID)
	}
	if session.CrashLogPath == "" {
		return "", fmt.Errorf("repair %s has no crash log", repairID)
	}
	payload, err := os.ReadFile(session.CrashLogPath)
	if err != nil {
		return "", fmt.Errorf("read crash log failed: %w", err)
	}
	return string(payload), nil
}

// DiscardStaleLock removes a lock record left by a different supervisor.
// Each project is checked once per registry; later calls return nil.
func (registry *Registry) DiscardStaleLock(projectDir string) (*LockRecord, error) {
	registry.mu.Lock()
	if registry.checked[projectDir] {
		registry.mu.Unlock()
		return nil, nil
	}
	registry.checked[projectDir] = true
	registry.mu.Unlock()

	record, err := ReadLockRecord(projectDir)
	if err != nil {
		if removeErr := os.Remove(LockFilePath(projectDir)); removeErr == nil {
			registry.logger.Warn("removed unreadable repair lock", "project", projectDir, "error", err)
		}
		return nil, err
	}
	if record == nil || record.Supervisor.Equal(registry.identity) {
		return nil, nil
	}
	if err := os.Remove(LockFilePath(projectDir)); err != nil && !os.IsNotExist(err) {
		return record, fmt.Errorf("remove stale repair lock failed: %w", err)
	}
	registry.logger.Info("discarded stale repair lock", "project", projectDir, "repair_id", record.RepairID, "owner_pid", record.Supervisor.PID)
	return record, nil
}

func (registry *Registry) persistLocked(session *Session) {
	record := LockRecord{
		RepairID:     session.ID,
		Supervisor:   registry.identity,
		Attempt:      session.Attempt,
		Phase:        session.Phase,
		CreatedAt:    session.CreatedAt,
		CrashLogPath: session.CrashLogPath,
	}
	if err := writeLockRecord(session.ProjectDir, record); err != nil {
		registry.logger.Debug("update repair lock failed", "repair_id", session.ID, "error", err)
	}
}

func cloneSession(session Session) Session {
	session.Steps = append([]Step(nil), session.Steps...)
	return session
}

// detailInt reads an integer reported under any of keys. JSON numbers
// decode as float64, so that form is accepted along with ints and strings.
func detailInt(detail map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		value, found := detail[key]
		if !found {
			continue
		}
		switch typed := value.(type) {
		case int:
			return typed, true
		case int64:
			return int(typed), true
		case float64:
			return int(typed), true
		case json.Number:
			if parsed, err := typed.Int64(); err == nil {
				return int(parsed), true
			}
		case string:
			if parsed, err := strconv.Atoi(typed); err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}
