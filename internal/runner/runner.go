package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BegaDeveloper/devheal/internal/detector"
	"github.com/BegaDeveloper/devheal/internal/health"
	"github.com/BegaDeveloper/devheal/internal/procutil"
	"github.com/BegaDeveloper/devheal/internal/projectstore"
	"github.com/BegaDeveloper/devheal/internal/resolver"
	"github.com/BegaDeveloper/devheal/internal/security"
)

var (
	ErrAlreadyRunning = errors.New("dev server is already running or starting")
	ErrCrashLoop      = errors.New("dev server is crash looping; clear crash history to retry")
	ErrScriptMissing  = errors.New("package script not found")
	ErrStopped        = errors.New("dev server was stopped while starting")
)

type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

var defaultFallbackPorts = []int{3000, 5173, 8080, 4200, 8000, 4321, 3001, 5174, 8081, 4000}

type Config struct {
	StartupTimeout     time.Duration
	MaxStartAttempts   int
	CrashLoopThreshold int
	CrashLoopWindow    time.Duration
	StopGracePeriod    time.Duration
	ProbeTimeout       time.Duration
	FDRetryDelay       time.Duration
	PortRetryDelay     time.Duration
	FallbackPorts      []int
	ExtraPath          []string
	// BaseEnv defaults to the supervisor's own environment.
	BaseEnv []string
	UsePTY  bool
}

func (config Config) withDefaults() Config {
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = 30 * time.Second
	}
	if config.MaxStartAttempts <= 0 {
		config.MaxStartAttempts = 3
	}
	if config.CrashLoopThreshold <= 0 {
		config.CrashLoopThreshold = 3
	}
	if config.CrashLoopWindow <= 0 {
		config.CrashLoopWindow = 60 * time.Second
	}
	if config.StopGracePeriod <= 0 {
		config.StopGracePeriod = 5 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 1500 * time.Millisecond
	}
	if config.FDRetryDelay <= 0 {
		config.FDRetryDelay = 500 * time.Millisecond
	}
	if config.PortRetryDelay <= 0 {
		config.PortRetryDelay = time.Second
	}
	if len(config.FallbackPorts) == 0 {
		config.FallbackPorts = defaultFallbackPorts
	}
	if config.BaseEnv == nil {
		config.BaseEnv = os.Environ()
	}
	return config
}

// ConfigStore is the write side of the project store.
type ConfigStore interface {
	SetLastKnownGood(projectKey string, lastKnownGood projectstore.LastKnownGood) error
	RecordFailure(projectKey string, message string, at time.Time) error
}

// PortFreer kills the project's own listeners on a port.
type PortFreer interface {
	FreePort(projectDir string, port int) []int
}

// ReadinessProber is satisfied by *health.Prober.
type ReadinessProber interface {
	FirstHealthy(ctx context.Context, urls []string, timeout time.Duration) (health.Result, bool)
}

// Crash is what the crash callback receives when a running server exits.
type Crash struct {
	ProjectKey string
	ExitCode   int
	Output     string
	Plan       resolver.Plan
	At         time.Time
}

type CrashHandler func(Crash)

type Deps struct {
	Spawner   Spawner
	Installer Installer
	Store     ConfigStore
	Ports     PortFreer
	Prober    ReadinessProber
	Logger    *slog.Logger
	Now       func() time.Time
	Sleep     func(ctx context.Context, duration time.Duration) error
	// ProjectPath returns extra PATH entries for one project.
	ProjectPath func(projectDir string) []string
}

type StartResult struct {
	URL      string `json:"url"`
	Port     int    `json:"port"`
	PID      int    `json:"pid"`
	Attempts int    `json:"attempts"`
}

// Status is a snapshot of one project's runner state.
type Status struct {
	ProjectKey    string    `json:"project_key"`
	State         State     `json:"state"`
	URL           string    `json:"url,omitempty"`
	Port          int       `json:"port,omitempty"`
	PID           int       `json:"pid,omitempty"`
	Command       string    `json:"command,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	RecentCrashes int       `json:"recent_crashes"`
	CrashLooping  bool      `json:"crash_looping"`
}

type entry struct {
	state     State
	plan      resolver.Plan
	process   Process
	output    *outputCapture
	url       string
	port      int
	startedAt time.Time
	stopping  bool
}

// Runner owns at most one dev-server process per project.
type Runner struct {
	config    Config
	spawner   Spawner
	installer Installer
	store     ConfigStore
	ports     PortFreer
	prober    ReadinessProber
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, duration time.Duration) error
	crashes   *CrashHistory
	extraPath func(projectDir string) []string

	mu           sync.Mutex
	entries      map[string]*entry
	crashHandler CrashHandler
}

func New(config Config, deps Deps) *Runner {
	config = config.withDefaults()
	runner := &Runner{
		config:    config,
		spawner:   deps.Spawner,
		installer: deps.Installer,
		store:     deps.Store,
		ports:     deps.Ports,
		prober:    deps.Prober,
		logger:    deps.Logger,
		now:       deps.Now,
		sleep:     deps.Sleep,
		crashes:   NewCrashHistory(config.CrashLoopThreshold, config.CrashLoopWindow),
		extraPath: deps.ProjectPath,
		entries:   map[string]*entry{},
	}
	if runner.spawner == nil {
		if config.UsePTY {
			runner.spawner = PTYSpawner{}
		} else {
			runner.spawner = ExecSpawner{}
		}
	}
	if runner.installer == nil {
		runner.installer = NewCommandInstaller(runner.spawner, 0)
	}
	if runner.prober == nil {
		runner.prober = health.New(nil)
	}
	if runner.logger == nil {
		runner.logger = slog.Default()
	}
	if runner.now == nil {
		runner.now = time.Now
	}
	if runner.sleep == nil {
		runner.sleep = sleepContext
	}
	return runner
}

// OnCrash registers the single crash callback, replacing any previous one.
func (runner *Runner) OnCrash(handler CrashHandler) {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	runner.crashHandler = handler
}

// Start spawns plan's command and waits until the dev server is reachable.
// ctx bounds the start phase only; the server outlives it.
func (runner *Runner) Start(ctx context.Context, plan resolver.Plan) (StartResult, error) {
	if err := security.ValidateCommand(plan.Command); err != nil {
		return StartResult{}, err
	}
	if plan.Port != 0 {
		if err := security.ValidatePort(plan.Port); err != nil {
			return StartResult{}, err
		}
	}
	projectKey := projectstore.ProjectKey(plan.WorkingDir)
	spawnDir := plan.Dir()
	if scriptName := security.ExtractScriptName(plan.Command); scriptName != "" {
		manifest, _ := detector.ReadManifest(spawnDir)
		if !manifest.HasScript(scriptName) {
			return StartResult{}, fmt.Errorf("%w: %q in %s", ErrScriptMissing, scriptName, spawnDir)
		}
	}

	current, err := runner.claim(projectKey, plan)
	if err != nil {
		return StartResult{}, err
	}

	logger := runner.logger.With("project", projectKey, "command", plan.Command.String())
	extraPath := append([]string{}, runner.config.ExtraPath...)
	if runner.extraPath != nil {
		extraPath = append(extraPath, runner.extraPath(plan.WorkingDir)...)
	}
	env := buildEnv(runner.config.BaseEnv, spawnDir, extraPath, plan.Port)
	var lastKind FailureKind
	var lastOutput string
	var lastExit *ExitStatus

	for attempt := 1; attempt <= runner.config.MaxStartAttempts; attempt++ {
		capture := newOutputCapture()
		process, spawnErr := runner.spawner.Spawn(SpawnSpec{
			Binary: plan.Command.Binary,
			Args:   plan.Command.Args,
			Dir:    spawnDir,
			Env:    env,
			Stdout: capture.stdoutWriter(),
			Stderr: capture.stderrWriter(),
		})
		if spawnErr != nil {
			return StartResult{}, runner.failStart(projectKey, current, &StartError{Kind: FailureSpawn, Attempts: attempt, Err: spawnErr})
		}
		if !runner.attach(current, process, capture) {
			runner.killNow(process)
			return StartResult{}, runner.abandon(projectKey, current, ErrStopped)
		}
		logger.Info("dev server spawned", "attempt", attempt, "pid", process.PID())

		readyURL, exited, waitErr := runner.awaitReady(ctx, process, capture, plan)
		if waitErr != nil {
			runner.killNow(process)
			return StartResult{}, runner.abandon(projectKey, current, waitErr)
		}
		if runner.isStopping(current) {
			return StartResult{}, runner.abandon(projectKey, current, ErrStopped)
		}
		if readyURL != "" {
			return runner.promote(projectKey, current, process, capture, readyURL, attempt), nil
		}

		lastOutput = capture.ClassificationText()
		if !exited {
			runner.stopProcess(process)
			return StartResult{}, runner.failStart(projectKey, current, &StartError{
				Kind:     FailureReadinessTimeout,
				Attempts: attempt,
				Excerpt:  Excerpt(capture.Combined(), 20),
				Err:      fmt.Errorf("no reachable URL within %s", runner.config.StartupTimeout),
			})
		}

		exit := process.Exit()
		lastExit = &exit
		lastKind = ClassifyStartFailure(lastOutput)
		logger.Warn("dev server exited during startup", "attempt", attempt, "exit_code", exit.Code, "kind", lastKind)

		switch lastKind {
		case FailureFileDescriptor:
			if err := runner.sleep(ctx, runner.config.FDRetryDelay); err != nil {
				return StartResult{}, runner.abandon(projectKey, current, err)
			}
		case FailureMissingDependency:
			installOutput, installErr := runner.installer.Install(ctx, spawnDir, plan.PackageManager, env)
			if installErr != nil {
				return StartResult{}, runner.failStart(projectKey, current, &StartError{
					Kind:     FailureInstall,
					Attempts: attempt,
					Exit:     lastExit,
					Excerpt:  Excerpt(installOutput+"\n"+lastOutput, 20),
					Err:      installErr,
				})
			}
			logger.Info("dependencies installed, retrying", "attempt", attempt)
		case FailurePortInUse:
			port := ExtractPort(lastOutput)
			if port == 0 {
				port = plan.Port
			}
			if port > 0 && runner.ports != nil {
				killed := runner.ports.FreePort(plan.WorkingDir, port)
				logger.Info("freed port", "port", port, "pids", killed)
			}
			if err := runner.sleep(ctx, runner.config.PortRetryDelay); err != nil {
				return StartResult{}, runner.abandon(projectKey, current, err)
			}
		default:
			return StartResult{}, runner.failStart(projectKey, current, &StartError{
				Kind:     FailureUnknown,
				Attempts: attempt,
				Exit:     lastExit,
				Excerpt:  Excerpt(lastOutput, 20),
				Err:      fmt.Errorf("exited with code %d: %s", exit.Code, firstNonEmpty(PrimaryErrorLine(lastOutput), "no error output")),
			})
		}
	}

	return StartResult{}, runner.failStart(projectKey, current, &StartError{
		Kind:     lastKind,
		Attempts: runner.config.MaxStartAttempts,
		Exit:     lastExit,
		Excerpt:  Excerpt(lastOutput, 20),
		Err:      errors.New("start retries exhausted"),
	})
}

// claim registers a starting entry, refusing duplicates and crash loops.
func (runner *Runner) claim(projectKey string, plan resolver.Plan) (*entry, error) {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if _, exists := runner.entries[projectKey]; exists {
		return nil, ErrAlreadyRunning
	}
	if runner.crashes.IsLooping(projectKey, runner.now()) {
		return nil, ErrCrashLoop
	}
	current := &entry{state: StateStarting, plan: plan}
	runner.entries[projectKey] = current
	return current, nil
}

func (runner *Runner) attach(current *entry, process Process, capture *outputCapture) bool {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if current.stopping {
		return false
	}
	current.process = process
	current.output = capture
	return true
}

func (runner *Runner) isStopping(current *entry) bool {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	return current.stopping
}

// awaitReady waits for a printed URL, an early exit, or the startup timeout,
// after which it probes likely ports concurrently.
func (runner *Runner) awaitReady(ctx context.Context, process Process, capture *outputCapture, plan resolver.Plan) (string, bool, error) {
	timer := time.NewTimer(runner.config.StartupTimeout)
	defer timer.Stop()

	select {
	case readyURL := <-capture.Ready():
		return readyURL, false, nil
	case <-process.Done():
		return "", true, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	case <-timer.C:
	}

	result, ok := runner.prober.FirstHealthy(ctx, runner.candidateURLs(capture.Combined(), plan.Port), runner.config.ProbeTimeout)
	select {
	case <-process.Done():
		return "", true, nil
	default:
	}
	if ok {
		return result.URL, false, nil
	}
	return "", false, nil
}

func (runner *Runner) candidateURLs(output string, planPort int) []string {
	ports := MentionedPorts(output)
	if planPort > 0 {
		ports = append(ports, planPort)
	}
	ports = append(ports, runner.config.FallbackPorts...)
	seen := map[int]bool{}
	urls := []string{}
	for _, port := range ports {
		if seen[port] {
			continue
		}
		seen[port] = true
		urls = append(urls, "http://localhost:"+strconv.Itoa(port))
	}
	return urls
}

// promote marks the entry running, persists the last-known-good command and
// starts watching for post-start exits.
func (runner *Runner) promote(projectKey string, current *entry, process Process, capture *outputCapture, readyURL string, attempts int) StartResult {
	port := portFromURL(readyURL)
	startedAt := runner.now()

	runner.mu.Lock()
	current.state = StateRunning
	current.url = readyURL
	current.port = port
	current.startedAt = startedAt
	plan := current.plan
	runner.mu.Unlock()

	if runner.store != nil {
		spawnDir := ""
		if plan.SpawnDir != "" && plan.SpawnDir != plan.WorkingDir {
			spawnDir = plan.SpawnDir
		}
		lastKnownGood := projectstore.LastKnownGood{
			Command:    plan.Command,
			Port:       port,
			Framework:  plan.Metadata.Framework,
			ScriptName: security.ExtractScriptName(plan.Command),
			SpawnDir:   spawnDir,
			RecordedAt: startedAt,
		}
		if err := runner.store.SetLastKnownGood(projectKey, lastKnownGood); err != nil {
			runner.logger.Warn("persist last-known-good failed", "project", projectKey, "error", err)
		}
	}

	go runner.watchExit(projectKey, current, process, capture)
	runner.logger.Info("dev server ready", "project", projectKey, "url", readyURL, "pid", process.PID(), "attempts", attempts)
	return StartResult{URL: readyURL, Port: port, PID: process.PID(), Attempts: attempts}
}

func (runner *Runner) watchExit(projectKey string, current *entry, process Process, capture *outputCapture) {
	<-process.Done()
	exit := process.Exit()

	runner.mu.Lock()
	stopping := current.stopping
	if runner.entries[projectKey] == current {
		delete(runner.entries, projectKey)
	}
	handler := runner.crashHandler
	plan := current.plan
	runner.mu.Unlock()

	if stopping || !exit.IsCrash() {
		runner.logger.Info("dev server exited", "project", projectKey, "exit_code", exit.Code, "signal", exit.Signal, "stopping", stopping)
		return
	}

	crashedAt := runner.now()
	runner.crashes.Record(projectKey, crashedAt)
	output := capture.Combined()
	runner.logger.Warn("dev server crashed", "project", projectKey, "exit_code", exit.Code, "primary_error", PrimaryErrorLine(output))
	if handler != nil {
		go handler(Crash{ProjectKey: projectKey, ExitCode: exit.Code, Output: output, Plan: plan, At: crashedAt})
	}
}

// failStart records a terminal start failure as a crash and last failure.
func (runner *Runner) failStart(projectKey string, current *entry, startErr *StartError) error {
	if startErr.Excerpt != "" {
		startErr.Err = fmt.Errorf("%w\n%s", startErr.Err, startErr.Excerpt)
	}
	failedAt := runner.now()
	runner.crashes.Record(projectKey, failedAt)
	if runner.store != nil {
		if err := runner.store.RecordFailure(projectKey, startErr.Error(), failedAt); err != nil {
			runner.logger.Warn("record failure failed", "project", projectKey, "error", err)
		}
	}
	runner.logger.Warn("dev server start failed", "project", projectKey, "kind", startErr.Kind, "attempts", startErr.Attempts)
	return runner.abandon(projectKey, current, startErr)
}

func (runner *Runner) abandon(projectKey string, current *entry, err error) error {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.entries[projectKey] == current {
		delete(runner.entries, projectKey)
	}
	return err
}

// Stop terminates the project's process tree, escalating to SIGKILL after
// the grace period. Stopping an idle project is a no-op.
func (runner *Runner) Stop(projectKey string) error {
	runner.mu.Lock()
	current, exists := runner.entries[projectKey]
	if !exists {
		runner.mu.Unlock()
		return nil
	}
	current.stopping = true
	current.state = StateStopping
	process := current.process
	runner.mu.Unlock()

	if process != nil {
		runner.stopProcess(process)
	}

	runner.mu.Lock()
	if runner.entries[projectKey] == current {
		delete(runner.entries, projectKey)
	}
	runner.mu.Unlock()
	runner.logger.Info("dev server stopped", "project", projectKey)
	return nil
}

func (runner *Runner) stopProcess(process Process) {
	if err := process.SignalTree(procutil.SignalTerminate); err != nil {
		runner.logger.Debug("terminate signal failed", "pid", process.PID(), "error", err)
	}
	grace := time.NewTimer(runner.config.StopGracePeriod)
	defer grace.Stop()
	select {
	case <-process.Done():
		return
	case <-grace.C:
	}
	runner.killNow(process)
	select {
	case <-process.Done():
	case <-time.After(runner.config.StopGracePeriod):
		runner.logger.Warn("process did not exit after SIGKILL", "pid", process.PID())
	}
}

func (runner *Runner) killNow(process Process) {
	if err := process.SignalTree(procutil.SignalKill); err != nil {
		runner.logger.Debug("kill signal failed", "pid", process.PID(), "error", err)
	}
}

// StopAll gracefully stops every project concurrently.
func (runner *Runner) StopAll() {
	var group sync.WaitGroup
	for _, projectKey := range runner.keys() {
		group.Add(1)
		go func(projectKey string) {
			defer group.Done()
			_ = runner.Stop(projectKey)
		}(projectKey)
	}
	group.Wait()
}

// EmergencyKillAll kills every process tree immediately without waiting,
// for abrupt host teardown.
func (runner *Runner) EmergencyKillAll() {
	runner.mu.Lock()
	victims := make([]Process, 0, len(runner.entries))
	for projectKey, current := range runner.entries {
		current.stopping = true
		if current.process != nil {
			victims = append(victims, current.process)
		}
		delete(runner.entries, projectKey)
	}
	runner.mu.Unlock()
	for _, process := range victims {
		runner.killNow(process)
	}
}

func (runner *Runner) ClearCrashHistory(projectKey string) {
	runner.crashes.Clear(projectKey)
}

func (runner *Runner) IsCrashLooping(projectKey string) bool {
	return runner.crashes.IsLooping(projectKey, runner.now())
}

func (runner *Runner) Status(projectKey string) Status {
	recentCrashes := runner.crashes.Count(projectKey, runner.now())
	status := Status{
		ProjectKey:    projectKey,
		State:         StateIdle,
		RecentCrashes: recentCrashes,
		CrashLooping:  recentCrashes >= runner.config.CrashLoopThreshold,
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	current, exists := runner.entries[projectKey]
	if !exists {
		return status
	}
	status.State = current.state
	status.URL = current.url
	status.Port = current.port
	status.Command = current.plan.Command.String()
	status.StartedAt = current.startedAt
	if current.process != nil {
		status.PID = current.process.PID()
	}
	return status
}

// StatusAll lists every project the runner currently tracks.
func (runner *Runner) StatusAll() []Status {
	keys := runner.keys()
	statuses := make([]Status, 0, len(keys))
	for _, projectKey := range keys {
		statuses = append(statuses, runner.Status(projectKey))
	}
	return statuses
}

// Output returns the captured output tail of the project's current process.
func (runner *Runner) Output(projectKey string) string {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if current, exists := runner.entries[projectKey]; exists && current.output != nil {
		return current.output.Combined()
	}
	return ""
}

func (runner *Runner) keys() []string {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	keys := make([]string, 0, len(runner.entries))
	for projectKey := range runner.entries {
		keys = append(keys, projectKey)
	}
	return keys
}

// buildEnv layers the supervisor's additions over base: local package
// binaries and extra entries first on PATH, browser auto-open disabled, and
// PORT when known.
func buildEnv(base []string, spawnDir string, extraPath []string, port int) []string {
	pathEntries := []string{filepath.Join(spawnDir, "node_modules", ".bin")}
	pathEntries = append(pathEntries, extraPath...)

	env := make([]string, 0, len(base)+3)
	pathSet := false
	for _, variable := range base {
		key, value, found := strings.Cut(variable, "=")
		if !found {
			continue
		}
		switch {
		case strings.EqualFold(key, "PATH"):
			env = append(env, key+"="+strings.Join(append(pathEntries, value), string(os.PathListSeparator)))
			pathSet = true
		case key == "BROWSER" || (key == "PORT" && port > 0):
			continue
		default:
			env = append(env, variable)
		}
	}
	if !pathSet {
		env = append(env, "PATH="+strings.Join(pathEntries, string(os.PathListSeparator)))
	}
	env = append(env, "BROWSER=none")
	if port > 0 {
		env = append(env, "PORT="+strconv.Itoa(port))
	}
	return env
}

func portFromURL(rawURL string) int {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(parsed.Port())
	return port
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
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
