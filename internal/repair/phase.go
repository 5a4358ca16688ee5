package repair

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSessionNotFound = errors.New("repair session not found")
	ErrInvalidPhase    = errors.New("invalid repair phase")
)

type Phase string

const (
	PhaseCrashDetected       Phase = "crash_detected"
	PhaseRepairStarted       Phase = "repair_started"
	PhaseAwaitingAgent       Phase = "awaiting_agent"
	PhaseAgentStarted        Phase = "agent_started"
	PhaseAgentReadingLog     Phase = "agent_reading_log"
	PhaseAgentApplyingFix    Phase = "agent_applying_fix"
	PhaseAgentWroteFiles     Phase = "agent_wrote_files"
	PhaseReadyToRestart      Phase = "ready_to_restart"
	PhaseRestarting          Phase = "restarting"
	PhaseHealthCheck         Phase = "health_check"
	PhaseRecovered           Phase = "recovered"
	PhaseFailed              Phase = "failed"
	PhaseExhausted           Phase = "exhausted"
	PhaseCooldown            Phase = "cooldown"
	PhaseFailedRequiresHuman Phase = "failed_requires_human"
	PhaseAborted             Phase = "aborted"
)

var knownPhases = map[Phase]bool{
	PhaseCrashDetected: true, PhaseRepairStarted: true, PhaseAwaitingAgent: true,
	PhaseAgentStarted: true, PhaseAgentReadingLog: true, PhaseAgentApplyingFix: true, PhaseAgentWroteFiles: true,
	PhaseReadyToRestart: true, PhaseRestarting: true, PhaseHealthCheck: true,
	PhaseRecovered: true, PhaseFailed: true, PhaseExhausted: true, PhaseCooldown: true,
	PhaseFailedRequiresHuman: true, PhaseAborted: true,
}

// AgentPhases are the phases only the external repair agent reports.
var AgentPhases = []Phase{PhaseAgentStarted, PhaseAgentReadingLog, PhaseAgentApplyingFix, PhaseAgentWroteFiles}

// ParsePhase accepts the wire names, tolerating case, surrounding space and
// "health-check" spelled with a dash.
func ParsePhase(raw string) (Phase, error) {
	normalized := Phase(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	if !knownPhases[normalized] {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhase, raw)
	}
	return normalized, nil
}

func (phase Phase) IsAgentPhase() bool {
	return strings.HasPrefix(string(phase), "agent_")
}

func (phase Phase) IsTerminal() bool {
	switch phase {
	case PhaseRecovered, PhaseFailedRequiresHuman, PhaseExhausted, PhaseAborted:
		return true
	default:
		return false
	}
}
