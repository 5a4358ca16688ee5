package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BegaDeveloper/devheal/internal/events"
	"github.com/BegaDeveloper/devheal/internal/healer"
)

type metricsRegistry struct {
	mu                sync.Mutex
	startsTotal       int64
	startFailures     map[string]int64
	crashesTotal      int64
	repairOutcomes    map[string]int64
	safetyGateTrips   int64
	refusalsTotal     int64
	eventsTotal       map[string]int64
	droppedEventsFunc func() int64
}

func newMetricsRegistry() *metricsRegistry {
	return &metricsRegistry{
		startFailures:  map[string]int64{},
		repairOutcomes: map[string]int64{},
		eventsTotal:    map[string]int64{},
	}
}

func (metrics *metricsRegistry) recordStart() {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	metrics.startsTotal++
}

func (metrics *metricsRegistry) recordStartFailure(kind string) {
	if strings.TrimSpace(kind) == "" {
		kind = "other"
	}
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	metrics.startFailures[kind]++
}

func (metrics *metricsRegistry) recordCrash() {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	metrics.crashesTotal++
}

func (metrics *metricsRegistry) recordOutcome(outcome healer.Outcome) {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if outcome.Refused {
		metrics.refusalsTotal++
		return
	}
	if outcome.SafetyGate {
		metrics.safetyGateTrips++
	}
	metrics.repairOutcomes[string(outcome.Phase)]++
}

func (metrics *metricsRegistry) recordEvent(event events.Event) {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	metrics.eventsTotal[event.Phase]++
}

// setDroppedEvents reads the emitter's drop counter at render time.
func (metrics *metricsRegistry) setDroppedEvents(read func() int64) {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	metrics.droppedEventsFunc = read
}

func (metrics *metricsRegistry) renderPrometheus() string {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	var dropped int64
	if metrics.droppedEventsFunc != nil {
		dropped = metrics.droppedEventsFunc()
	}
	lines := []string{
		"# TYPE devheal_starts_total counter",
		fmt.Sprintf("devheal_starts_total %d", metrics.startsTotal),
		"# TYPE devheal_crashes_total counter",
		fmt.Sprintf("devheal_crashes_total %d", metrics.crashesTotal),
		"# TYPE devheal_safety_gate_trips_total counter",
		fmt.Sprintf("devheal_safety_gate_trips_total %d", metrics.safetyGateTrips),
		"# TYPE devheal_repair_refusals_total counter",
		fmt.Sprintf("devheal_repair_refusals_total %d", metrics.refusalsTotal),
		"# TYPE devheal_events_dropped_total counter",
		fmt.Sprintf("devheal_events_dropped_total %d", dropped),
		"# TYPE devheal_start_failures_total counter",
	}
	lines = append(lines, labeledLines("devheal_start_failures_total", "kind", metrics.startFailures)...)
	lines = append(lines, "# TYPE devheal_repairs_total counter")
	lines = append(lines, labeledLines("devheal_repairs_total", "outcome", metrics.repairOutcomes)...)
	lines = append(lines, "# TYPE devheal_events_total counter")
	lines = append(lines, labeledLines("devheal_events_total", "phase", metrics.eventsTotal)...)
	return strings.Join(lines, "\n") + "\n"
}

func labeledLines(name string, label string, values map[string]int64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf(`%s{%s="%s"} %d`, name, label, key, values[key]))
	}
	return lines
}
