package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BegaDeveloper/devheal/internal/cleaner"
	"github.com/BegaDeveloper/devheal/internal/events"
	"github.com/BegaDeveloper/devheal/internal/healer"
	"github.com/BegaDeveloper/devheal/internal/health"
	"github.com/BegaDeveloper/devheal/internal/policy"
	"github.com/BegaDeveloper/devheal/internal/projectstore"
	"github.com/BegaDeveloper/devheal/internal/repair"
	"github.com/BegaDeveloper/devheal/internal/resolver"
	"github.com/BegaDeveloper/devheal/internal/runner"
	"github.com/BegaDeveloper/devheal/internal/runtimeconfig"
)

const (
	eventBufferSize  = 256
	eventHistorySize = 500
)

// supervisorDeps replaces the process-facing collaborators in tests.
type supervisorDeps struct {
	Spawner   runner.Spawner
	Inspector cleaner.ProcessInspector
	Health    healer.HealthChecker
	Sleep     func(ctx context.Context, duration time.Duration) error
}

// supervisor is every long-lived component of the daemon, constructed once
// and shared by the HTTP handlers.
type supervisor struct {
	store       *projectstore.Store
	resolver    *resolver.Resolver
	cleaner     *cleaner.Cleaner
	runner      *runner.Runner
	healer      *healer.Healer
	registry    *repair.Registry
	emitter     *events.Emitter
	broadcaster *events.Broadcaster
	metrics     *metricsRegistry
	logger      *slog.Logger
	now         func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	repairs sync.WaitGroup
}

func newSupervisor(config runtimeconfig.Config, store *projectstore.Store, logger *slog.Logger, deps supervisorDeps) *supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	metrics := newMetricsRegistry()
	broadcaster := events.NewBroadcaster(eventHistorySize)
	emitter := events.NewEmitter(eventBufferSize, logger)
	metrics.setDroppedEvents(emitter.Dropped)
	emitter.SetObserver(func(event events.Event) {
		metrics.recordEvent(event)
		broadcaster.Publish(event)
	})

	projectCleaner := cleaner.New(deps.Inspector, logger)
	projectResolver := resolver.New(store)
	prober := health.New(nil)
	processRunner := runner.New(config.RunnerConfig(), runner.Deps{
		Spawner:     deps.Spawner,
		Store:       store,
		Ports:       projectCleaner,
		Prober:      prober,
		Logger:      logger,
		ProjectPath: policy.ExtraPath,
	})

	var healthChecker healer.HealthChecker = prober
	if deps.Health != nil {
		healthChecker = deps.Health
	}
	registry := repair.NewRegistry(logger)
	selfHealer := healer.New(config.HealerConfig(), healer.Deps{
		Runner:   processRunner,
		Resolver: projectResolver,
		Cleaner:  projectCleaner,
		Health:   healthChecker,
		Locks:    repair.NewLocks(),
		Registry: registry,
		Emitter:  emitter,
		History:  store,
		Policy: policy.HealerPolicy(func(projectDir string, err error) {
			logger.Warn("ignoring invalid project policy", "project", projectDir, "error", err)
		}),
		Logger: logger,
		Sleep:  deps.Sleep,
	})

	supervisor := &supervisor{
		store:       store,
		resolver:    projectResolver,
		cleaner:     projectCleaner,
		runner:      processRunner,
		healer:      selfHealer,
		registry:    registry,
		emitter:     emitter,
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
		baseCtx:     baseCtx,
		cancel:      cancel,
	}
	processRunner.OnCrash(supervisor.handleCrash)
	return supervisor
}

// handleCrash hands a post-start exit to the healer without blocking the
// runner's exit watcher.
func (supervisor *supervisor) handleCrash(crash runner.Crash) {
	supervisor.metrics.recordCrash()
	supervisor.logger.Warn("dev server crashed", "project", crash.ProjectKey, "exit_code", crash.ExitCode)
	supervisor.repairs.Add(1)
	go func() {
		defer supervisor.repairs.Done()
		outcome := supervisor.healer.HandleCrash(supervisor.baseCtx, crash)
		supervisor.metrics.recordOutcome(outcome)
		supervisor.logger.Info("repair finished",
			"project", outcome.ProjectKey,
			"repair_id", outcome.RepairID,
			"phase", outcome.Phase,
			"attempt", outcome.Attempts,
			"refused", outcome.Refused,
		)
	}()
}

// discardStaleLock clears a repair lock a dead supervisor left in
// projectDir. The registry only looks once per project.
func (supervisor *supervisor) discardStaleLock(projectDir string) {
	if _, err := supervisor.registry.DiscardStaleLock(projectDir); err != nil {
		supervisor.logger.Warn("inspect repair lock failed", "project", projectDir, "error", err)
	}
}

// shutdown stops every dev server and waits, bounded, for in-flight repairs
// to observe the cancelled context.
func (supervisor *supervisor) shutdown(timeout time.Duration) {
	supervisor.cancel()
	supervisor.runner.StopAll()
	finished := make(chan struct{})
	go func() {
		supervisor.repairs.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(timeout):
		supervisor.logger.Warn("repairs still running at shutdown; killing remaining processes")
		supervisor.runner.EmergencyKillAll()
	}
}
