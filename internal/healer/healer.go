package healer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BegaDeveloper/devheal/internal/cleaner"
	"github.com/BegaDeveloper/devheal/internal/events"
	"github.com/BegaDeveloper/devheal/internal/health"
	"github.com/BegaDeveloper/devheal/internal/projectstore"
	"github.com/BegaDeveloper/devheal/internal/repair"
	"github.com/BegaDeveloper/devheal/internal/resolver"
	"github.com/BegaDeveloper/devheal/internal/runner"
)

type Mode string

const (
	ModeLegacy Mode = "legacy"
	ModeAgent  Mode = "agent"
)

// ParseMode maps a configured mode name, defaulting to legacy.
func ParseMode(raw string) Mode {
	if Mode(raw) == ModeAgent {
		return ModeAgent
	}
	return ModeLegacy
}

type Config struct {
	Mode            Mode
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	EngageTimeout   time.Duration
	WriteTimeout    time.Duration
	QuietPeriod     time.Duration
	Cooldown        time.Duration
	MaxFilesChanged int
	MaxLinesChanged int
	Health          health.CheckOptions
	DisableCleanup  bool
}

func DefaultConfig() Config {
	return Config{
		Mode:            ModeLegacy,
		MaxAttempts:     3,
		BackoffBase:     2 * time.Second,
		BackoffMax:      30 * time.Second,
		EngageTimeout:   60 * time.Second,
		WriteTimeout:    5 * time.Minute,
		QuietPeriod:     3 * time.Second,
		Cooldown:        10 * time.Minute,
		MaxFilesChanged: 8,
		MaxLinesChanged: 300,
		Health: health.CheckOptions{
			Timeout:    health.DefaultTimeout,
			Retries:    health.DefaultRetries,
			RetryDelay: health.DefaultRetryDelay,
		},
	}
}

func (config Config) withDefaults() Config {
	defaults := DefaultConfig()
	if config.Mode != ModeAgent {
		config.Mode = ModeLegacy
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = defaults.BackoffBase
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = defaults.BackoffMax
	}
	if config.EngageTimeout <= 0 {
		config.EngageTimeout = defaults.EngageTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.QuietPeriod < 0 {
		config.QuietPeriod = 0
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.MaxFilesChanged <= 0 {
		config.MaxFilesChanged = defaults.MaxFilesChanged
	}
	if config.MaxLinesChanged <= 0 {
		config.MaxLinesChanged = defaults.MaxLinesChanged
	}
	return config
}

// Backoff is base·2^(attempt-1), capped at BackoffMax.
func (config Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := config.BackoffBase
	for step := 1; step < attempt; step++ {
		delay *= 2
		if delay >= config.BackoffMax {
			return config.BackoffMax
		}
	}
	return min(delay, config.BackoffMax)
}

// ProcessRunner is the part of *runner.Runner the healer drives.
type ProcessRunner interface {
	Start(ctx context.Context, plan resolver.Plan) (runner.StartResult, error)
	Stop(projectKey string) error
	ClearCrashHistory(projectKey string)
}

type PlanResolver interface {
	Resolve(projectPath string) resolver.Plan
}

type StateCleaner interface {
	Cleanup(projectDir string, port int) cleaner.Result
}

type HealthChecker interface {
	Check(ctx context.Context, url string, options health.CheckOptions) health.Result
}

type HistoryStore interface {
	SaveRepair(record projectstore.RepairRecord) error
}

// PolicyFunc adjusts the global config for one project.
type PolicyFunc func(projectDir string, base Config) Config

type Deps struct {
	Runner   ProcessRunner
	Resolver PlanResolver
	Cleaner  StateCleaner
	Health   HealthChecker
	Locks    *repair.Locks
	Registry *repair.Registry
	Emitter  *events.Emitter
	History  HistoryStore
	Policy   PolicyFunc
	Logger   *slog.Logger
	Now      func() time.Time
	Sleep    func(ctx context.Context, duration time.Duration) error
}

// Outcome is the result of one HandleCrash call. Expected failures are
// outcomes, not errors.
type Outcome struct {
	RepairID   string       `json:"repair_id,omitempty"`
	ProjectKey string       `json:"project_key"`
	Mode       Mode         `json:"mode"`
	Phase      repair.Phase `json:"phase"`
	Refused    bool         `json:"refused,omitempty"`
	SafetyGate bool         `json:"safety_gate,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Attempts   int          `json:"attempts"`
	URL        string       `json:"url,omitempty"`
}

type Healer struct {
	config   Config
	runner   ProcessRunner
	resolver PlanResolver
	cleaner  StateCleaner
	health   HealthChecker
	locks    *repair.Locks
	registry *repair.Registry
	emitter  *events.Emitter
	history  HistoryStore
	policy   PolicyFunc
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, duration time.Duration) error

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

func New(config Config, deps Deps) *Healer {
	healer := &Healer{
		config:    config.withDefaults(),
		runner:    deps.Runner,
		resolver:  deps.Resolver,
		cleaner:   deps.Cleaner,
		health:    deps.Health,
		locks:     deps.Locks,
		registry:  deps.Registry,
		emitter:   deps.Emitter,
		history:   deps.History,
		policy:    deps.Policy,
		logger:    deps.Logger,
		now:       deps.Now,
		sleep:     deps.Sleep,
		cooldowns: map[string]time.Time{},
	}
	if healer.logger == nil {
		healer.logger = slog.Default()
	}
	if healer.health == nil {
		healer.health = health.New(nil)
	}
	if healer.locks == nil {
		healer.locks = repair.NewLocks()
	}
	if healer.registry == nil {
		healer.registry = repair.NewRegistry(healer.logger)
	}
	if healer.now == nil {
		healer.now = time.Now
	}
	if healer.sleep == nil {
		healer.sleep = sleepContext
	}
	healer.registry.OnPhaseChange(healer.emitSessionStep)
	return healer
}

// Config returns the effective config for projectDir.
func (healer *Healer) Config(projectDir string) Config {
	config := healer.config
	if healer.policy != nil && projectDir != "" {
		config = healer.policy(projectDir, config).withDefaults()
	}
	return config
}

// HandleCrash runs one self-healing pass. It is meant to be registered as
// the runner's crash callback.
func (healer *Healer) HandleCrash(ctx context.Context, crash runner.Crash) Outcome {
	projectDir := crash.Plan.WorkingDir
	config := healer.Config(projectDir)
	outcome := Outcome{ProjectKey: crash.ProjectKey, Mode: config.Mode}

	if config.Mode == ModeAgent {
		if until, active := healer.CooldownUntil(crash.ProjectKey); active {
			outcome.Phase = repair.PhaseAborted
			outcome.Refused = true
			outcome.Reason = fmt.Sprintf("repair cooldown active until %s", until.Format(time.RFC3339))
			healer.emit(events.Event{
				ProjectKey:  crash.ProjectKey,
				Phase:       string(repair.PhaseCooldown),
				MaxAttempts: config.MaxAttempts,
				Message:     outcome.Reason,
				Severity:    events.SeverityWarning,
			})
			return outcome
		}
	}

	token := healer.locks.Acquire(crash.ProjectKey)
	if token == nil {
		healer.logger.Debug("repair already in progress", "project", crash.ProjectKey)
		outcome.Phase = repair.PhaseAborted
		outcome.Refused = true
		outcome.Reason = "repair already in progress"
		return outcome
	}
	defer healer.locks.ReleaseToken(token)

	plan, planErr := healer.restartPlan(crash)
	if planErr != nil {
		outcome.Phase = repair.PhaseAborted
		outcome.Reason = planErr.Error()
		healer.emit(events.Event{ProjectKey: crash.ProjectKey, Phase: string(repair.PhaseAborted), Message: outcome.Reason, Severity: events.SeverityError})
		return outcome
	}

	startedAt := healer.now()
	if config.Mode == ModeAgent {
		outcome = healer.runAgent(ctx, token, crash, plan, config, outcome)
	} else {
		outcome = healer.runLegacy(ctx, token, crash, plan, config, outcome)
	}
	healer.saveHistory(outcome, config, startedAt)
	return outcome
}

// restartPlan prefers a fresh resolution (which itself prefers the
// last-known-good command) but keeps the crashed plan when resolution is
// only a guess.
func (healer *Healer) restartPlan(crash runner.Crash) (resolver.Plan, error) {
	plan := crash.Plan
	if healer.resolver != nil && crash.Plan.WorkingDir != "" {
		resolved := healer.resolver.Resolve(crash.Plan.WorkingDir)
		if resolved.Confidence != resolver.ConfidenceLow || plan.Command.IsZero() {
			plan = resolved
		}
	}
	if plan.Command.IsZero() {
		return plan, errors.New("no command to restart the dev server with")
	}
	return plan, nil
}

func (healer *Healer) runLegacy(ctx context.Context, token *repair.LockToken, crash runner.Crash, plan resolver.Plan, config Config, outcome Outcome) Outcome {
	runID := uuid.NewString()
	outcome.RepairID = runID
	healer.locks.Bind(token, runID)
	emit := func(phase repair.Phase, attempt int, message string, detail map[string]any) {
		healer.emit(events.Event{
			SessionID:   runID,
			ProjectKey:  crash.ProjectKey,
			Phase:       string(phase),
			Attempt:     attempt,
			MaxAttempts: config.MaxAttempts,
			Message:     message,
			Detail:      detail,
			Severity:    severityFor(phase),
		})
	}

	emit(repair.PhaseCrashDetected, 0, fmt.Sprintf("dev server exited with code %d", crash.ExitCode), crashDetail(crash))
	emit(repair.PhaseRepairStarted, 0, "restarting "+plan.Command.String(), nil)

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		outcome.Attempts = attempt
		healer.locks.SetAttempt(token, attempt)
		delay := config.Backoff(attempt)
		emit(repair.PhaseRestarting, attempt, fmt.Sprintf("waiting %s before restart", delay), map[string]any{"delay_ms": delay.Milliseconds()})
		if err := healer.sleep(ctx, delay); err != nil {
			outcome.Phase = repair.PhaseAborted
			outcome.Reason = err.Error()
			emit(repair.PhaseAborted, attempt, "repair cancelled", nil)
			return outcome
		}

		url, failure := healer.restart(ctx, crash.ProjectKey, plan, config, func(phase repair.Phase, message string) {
			emit(phase, attempt, message, nil)
		})
		if failure == "" {
			outcome.Phase = repair.PhaseRecovered
			outcome.URL = url
			emit(repair.PhaseRecovered, attempt, "dev server recovered at "+url, map[string]any{"url": url})
			return outcome
		}
		outcome.Reason = failure
		emit(repair.PhaseFailed, attempt, failure, nil)
	}

	outcome.Phase = repair.PhaseExhausted
	emit(repair.PhaseExhausted, config.MaxAttempts, fmt.Sprintf("gave up after %d attempts", config.MaxAttempts), nil)
	return outcome
}

func (healer *Healer) runAgent(ctx context.Context, token *repair.LockToken, crash runner.Crash, plan resolver.Plan, config Config, outcome Outcome) Outcome {
	session, err := healer.registry.Create(crash.Plan.WorkingDir, crash.ExitCode, config.MaxAttempts, crash.Output)
	if err != nil {
		outcome.Phase = repair.PhaseAborted
		outcome.Reason = err.Error()
		healer.emit(events.Event{ProjectKey: crash.ProjectKey, Phase: string(repair.PhaseAborted), Message: outcome.Reason, Severity: events.SeverityError})
		return outcome
	}
	repairID := session.ID
	outcome.RepairID = repairID
	healer.locks.Bind(token, repairID)
	defer healer.registry.Remove(repairID)

	detail := crashDetail(crash)
	detail["crash_log_path"] = session.CrashLogPath
	healer.emit(events.Event{
		SessionID:   repairID,
		ProjectKey:  crash.ProjectKey,
		Phase:       string(repair.PhaseCrashDetected),
		MaxAttempts: config.MaxAttempts,
		Message:     fmt.Sprintf("dev server exited with code %d", crash.ExitCode),
		Detail:      detail,
		Severity:    events.SeverityWarning,
	})
	healer.advance(repairID, repair.PhaseRepairStarted, "repair session opened", map[string]any{"crash_log_path": session.CrashLogPath})

	engageTargets := append(append([]repair.Phase{}, repair.AgentPhases...), repair.PhaseReadyToRestart)
	writeTargets := []repair.Phase{repair.PhaseAgentWroteFiles, repair.PhaseReadyToRestart}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		outcome.Attempts = attempt
		if _, err := healer.registry.IncrementAttempt(repairID); err != nil {
			outcome.Phase = repair.PhaseAborted
			outcome.Reason = err.Error()
			return outcome
		}
		healer.locks.SetAttempt(token, attempt)
		healer.advance(repairID, repair.PhaseAwaitingAgent, "waiting for the repair agent", nil)

		if _, err := healer.registry.WaitForPhase(ctx, repairID, engageTargets, config.EngageTimeout); err != nil {
			return healer.abortAgent(repairID, outcome, err)
		}
		current, _ := healer.registry.Get(repairID)
		if current.AgentEngaged && !current.WroteFiles && current.Phase != repair.PhaseReadyToRestart {
			if _, err := healer.registry.WaitForPhase(ctx, repairID, writeTargets, config.WriteTimeout); err != nil {
				return healer.abortAgent(repairID, outcome, err)
			}
			current, _ = healer.registry.Get(repairID)
		}

		// Reported counts gate the restart whatever phase the agent is in now.
		if current.FilesChanged > config.MaxFilesChanged || current.LinesChanged > config.MaxLinesChanged {
			outcome.Phase = repair.PhaseFailedRequiresHuman
			outcome.SafetyGate = true
			outcome.Reason = fmt.Sprintf("agent changed %d files / %d lines, above the %d / %d limit",
				current.FilesChanged, current.LinesChanged, config.MaxFilesChanged, config.MaxLinesChanged)
			healer.advance(repairID, repair.PhaseFailedRequiresHuman, outcome.Reason, map[string]any{
				"reason":        "safety_gate",
				"files_changed": current.FilesChanged,
				"lines_changed": current.LinesChanged,
			})
			return outcome
		}

		switch {
		case current.WroteFiles || current.Phase == repair.PhaseReadyToRestart:
			if err := healer.sleep(ctx, config.QuietPeriod); err != nil {
				return healer.abortAgent(repairID, outcome, err)
			}
		case current.AgentEngaged:
			healer.logger.Info("repair agent did not finish writing, restarting anyway", "project", crash.ProjectKey, "repair_id", repairID, "attempt", attempt)
		default:
			healer.logger.Info("repair agent did not engage, restarting anyway", "project", crash.ProjectKey, "repair_id", repairID, "attempt", attempt)
		}

		healer.advance(repairID, repair.PhaseReadyToRestart, "restarting dev server", nil)
		url, failure := healer.restart(ctx, crash.ProjectKey, plan, config, func(phase repair.Phase, message string) {
			healer.advance(repairID, phase, message, nil)
		})
		if failure == "" {
			outcome.Phase = repair.PhaseRecovered
			outcome.URL = url
			healer.advance(repairID, repair.PhaseRecovered, "dev server recovered at "+url, map[string]any{"url": url})
			return outcome
		}
		outcome.Reason = failure
		healer.advance(repairID, repair.PhaseFailed, failure, nil)
	}

	until := healer.startCooldown(crash.ProjectKey, config.Cooldown)
	outcome.Phase = repair.PhaseFailedRequiresHuman
	healer.advance(repairID, repair.PhaseExhausted, fmt.Sprintf("gave up after %d attempts", config.MaxAttempts), nil)
	healer.advance(repairID, repair.PhaseCooldown, "repairs paused until "+until.Format(time.RFC3339), map[string]any{"until": until})
	healer.advance(repairID, repair.PhaseFailedRequiresHuman, "automatic repair exhausted; needs a human", map[string]any{"reason": "exhausted"})
	return outcome
}

func (healer *Healer) abortAgent(repairID string, outcome Outcome, err error) Outcome {
	outcome.Phase = repair.PhaseAborted
	outcome.Reason = err.Error()
	healer.advance(repairID, repair.PhaseAborted, "repair cancelled: "+err.Error(), nil)
	return outcome
}

// restart runs cleanup, start and a health check. It returns the URL on
// success or a failure message.
func (healer *Healer) restart(ctx context.Context, projectKey string, plan resolver.Plan, config Config, report func(repair.Phase, string)) (string, string) {
	if healer.cleaner != nil && !config.DisableCleanup {
		cleanup := healer.cleaner.Cleanup(plan.Dir(), plan.Port)
		if len(cleanup.LocksRemoved) > 0 || len(cleanup.ProcessesKilled) > 0 {
			healer.logger.Info("cleaned stale state", "project", projectKey, "locks", cleanup.LocksRemoved, "pids", cleanup.ProcessesKilled)
		}
	}
	healer.runner.ClearCrashHistory(projectKey)

	report(repair.PhaseRestarting, "starting "+plan.Command.String())
	result, err := healer.runner.Start(ctx, plan)
	if err != nil {
		return "", "start failed: " + err.Error()
	}

	report(repair.PhaseHealthCheck, "checking "+result.URL)
	check := healer.health.Check(ctx, result.URL, config.Health)
	if !check.Healthy {
		if stopErr := healer.runner.Stop(projectKey); stopErr != nil {
			healer.logger.Warn("stop unhealthy dev server failed", "project", projectKey, "error", stopErr)
		}
		reason := check.Error
		if reason == "" {
			reason = fmt.Sprintf("status %d", check.StatusCode)
		}
		return "", "health check failed: " + reason
	}
	return result.URL, ""
}

// advance moves the session and lets the phase-change hook emit the event.
func (healer *Healer) advance(repairID string, phase repair.Phase, message string, detail map[string]any) {
	if _, err := healer.registry.UpdatePhase(repairID, phase, message, detail); err != nil {
		healer.logger.Debug("update repair phase failed", "repair_id", repairID, "phase", phase, "error", err)
	}
}

func (healer *Healer) emitSessionStep(session repair.Session, step repair.Step) {
	healer.emit(events.Event{
		SessionID:   session.ID,
		ProjectKey:  session.ProjectKey,
		Phase:       string(step.Phase),
		Attempt:     session.Attempt,
		MaxAttempts: session.MaxAttempts,
		Message:     step.Message,
		Timestamp:   step.At,
		Detail:      step.Detail,
		Severity:    severityFor(step.Phase),
	})
}

func (healer *Healer) emit(event events.Event) {
	healer.emitter.Emit(event)
}

func (healer *Healer) saveHistory(outcome Outcome, config Config, startedAt time.Time) {
	if healer.history == nil || outcome.Refused {
		return
	}
	record := projectstore.RepairRecord{
		ID:          outcome.RepairID,
		ProjectKey:  outcome.ProjectKey,
		Mode:        string(outcome.Mode),
		Outcome:     string(outcome.Phase),
		Attempts:    outcome.Attempts,
		MaxAttempts: config.MaxAttempts,
		Message:     outcome.Reason,
		StartedAt:   startedAt,
		FinishedAt:  healer.now(),
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if outcome.SafetyGate {
		record.Outcome = "safety_gate"
	}
	if err := healer.history.SaveRepair(record); err != nil {
		healer.logger.Warn("save repair history failed", "project", outcome.ProjectKey, "error", err)
	}
}

func (healer *Healer) startCooldown(projectKey string, duration time.Duration) time.Time {
	until := healer.now().Add(duration)
	healer.mu.Lock()
	defer healer.mu.Unlock()
	healer.cooldowns[projectKey] = until
	return until
}

// CooldownUntil reports an active cooldown and when it ends.
func (healer *Healer) CooldownUntil(projectKey string) (time.Time, bool) {
	healer.mu.Lock()
	defer healer.mu.Unlock()
	until, exists := healer.cooldowns[projectKey]
	if !exists {
		return time.Time{}, false
	}
	if !healer.now().Before(until) {
		delete(healer.cooldowns, projectKey)
		return time.Time{}, false
	}
	return until, true
}

func (healer *Healer) InCooldown(projectKey string) bool {
	_, active := healer.CooldownUntil(projectKey)
	return active
}

func (healer *Healer) ClearCooldown(projectKey string) {
	healer.mu.Lock()
	defer healer.mu.Unlock()
	delete(healer.cooldowns, projectKey)
}

// Registry exposes the session registry for the reporter write path.
func (healer *Healer) Registry() *repair.Registry {
	return healer.registry
}

func (healer *Healer) Locks() *repair.Locks {
	return healer.locks
}

func crashDetail(crash runner.Crash) map[string]any {
	detail := map[string]any{"exit_code": crash.ExitCode}
	if primary := runner.PrimaryErrorLine(crash.Output); primary != "" {
		detail["primary_error"] = primary
	}
	return detail
}

func severityFor(phase repair.Phase) events.Severity {
	switch phase {
	case repair.PhaseCrashDetected, repair.PhaseFailed, repair.PhaseCooldown:
		return events.SeverityWarning
	case repair.PhaseExhausted, repair.PhaseFailedRequiresHuman, repair.PhaseAborted:
		return events.SeverityError
	default:
		return events.SeverityInfo
	}
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
