package runner

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/BegaDeveloper/devheal/internal/procutil"
)

// SpawnSpec is a direct argv invocation. There is deliberately no field for
// a shell string.
type SpawnSpec struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// ExitStatus describes how a process ended. Signaled exits carry Code -1,
// matching a null exit code.
type ExitStatus struct {
	Code     int    `json:"code"`
	Signaled bool   `json:"signaled,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Err      string `json:"error,omitempty"`
}

// IsCrash reports an exit that should count toward crash-loop detection: a
// real non-zero code. Signal deaths are someone else's decision.
func (status ExitStatus) IsCrash() bool {
	return !status.Signaled && status.Code != 0
}

// Process is a started child.
type Process interface {
	PID() int
	// Done is closed once the process has exited and its output is drained.
	Done() <-chan struct{}
	// Exit is only meaningful after Done is closed.
	Exit() ExitStatus
	// SignalTree signals the process and all of its descendants.
	SignalTree(sig syscall.Signal) error
}

type Spawner interface {
	Spawn(spec SpawnSpec) (Process, error)
}

// ExecSpawner starts children in their own process group with pipes for
// stdout and stderr.
type ExecSpawner struct {
	// WaitDelay bounds how long Wait keeps copying output after exit.
	WaitDelay time.Duration
}

func (spawner ExecSpawner) Spawn(spec SpawnSpec) (Process, error) {
	command := exec.Command(spec.Binary, spec.Args...)
	command.Dir = spec.Dir
	command.Env = spec.Env
	command.Stdout = spec.Stdout
	command.Stderr = spec.Stderr
	command.SysProcAttr = procutil.SysProcAttr()
	command.WaitDelay = spawner.WaitDelay
	if command.WaitDelay <= 0 {
		command.WaitDelay = 2 * time.Second
	}
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s failed: %w", spec.Binary, err)
	}
	return watchCommand(command, nil), nil
}

type commandProcess struct {
	command *exec.Cmd
	done    chan struct{}
	exit    ExitStatus
}

// watchCommand waits for command in the background. onExit runs after Wait
// returns and before Done is closed.
func watchCommand(command *exec.Cmd, onExit func()) *commandProcess {
	process := &commandProcess{command: command, done: make(chan struct{})}
	go func() {
		waitErr := command.Wait()
		if onExit != nil {
			onExit()
		}
		process.exit = exitStatusFromError(waitErr)
		close(process.done)
	}()
	return process
}

func (process *commandProcess) PID() int {
	if process.command.Process == nil {
		return 0
	}
	return process.command.Process.Pid
}

func (process *commandProcess) Done() <-chan struct{} {
	return process.done
}

func (process *commandProcess) Exit() ExitStatus {
	return process.exit
}

func (process *commandProcess) SignalTree(sig syscall.Signal) error {
	select {
	case <-process.done:
		return nil
	default:
	}
	return procutil.SignalTree(process.PID(), sig)
}

func exitStatusFromError(waitErr error) ExitStatus {
	if waitErr == nil {
		return ExitStatus{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return ExitStatus{Code: -1, Signaled: true, Signal: status.Signal().String()}
			}
			return ExitStatus{Code: status.ExitStatus()}
		}
		return ExitStatus{Code: extractExitCode(exitErr.Error())}
	}
	return ExitStatus{Code: -1, Err: waitErr.Error()}
}

func extractExitCode(message string) int {
	segments := strings.Split(message, "exit status ")
	if len(segments) > 1 {
		if parsed, parseErr := strconv.Atoi(strings.TrimSpace(segments[len(segments)-1])); parseErr == nil {
			return parsed
		}
	}
	return 1
}
