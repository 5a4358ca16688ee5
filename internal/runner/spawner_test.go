//go:build !windows

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

type lockedBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (writer *lockedBuffer) Write(chunk []byte) (int, error) {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	return writer.buffer.Write(chunk)
}

func (writer *lockedBuffer) String() string {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	return writer.buffer.String()
}

func TestExecSpawner_ReportsExitCodeAndOutput(t *testing.T) {
	t.Parallel()

	stdout := &lockedBuffer{}
	stderr := &lockedBuffer{}
	process, err := ExecSpawner{}.Spawn(SpawnSpec{
		Binary: "/bin/sh",
		Args:   []string{"-c", "echo ready; echo broken >&2; exit 3"},
		Dir:    t.TempDir(),
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	select {
	case <-process.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit")
	}
	exit := process.Exit()
	if exit.Code != 3 || exit.Signaled || !exit.IsCrash() {
		t.Fatalf("unexpected exit %#v", exit)
	}
	if strings.TrimSpace(stdout.String()) != "ready" || strings.TrimSpace(stderr.String()) != "broken" {
		t.Fatalf("unexpected output %q / %q", stdout.String(), stderr.String())
	}
}

func TestExecSpawner_SignalTreeKillsGroup(t *testing.T) {
	t.Parallel()

	process, err := ExecSpawner{}.Spawn(SpawnSpec{
		Binary: "/bin/sh",
		Args:   []string{"-c", "sleep 30 & sleep 30; wait"},
		Dir:    t.TempDir(),
		Stdout: &lockedBuffer{},
		Stderr: &lockedBuffer{},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := process.SignalTree(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	select {
	case <-process.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process tree survived SIGTERM")
	}
	exit := process.Exit()
	if !exit.Signaled || exit.IsCrash() {
		t.Fatalf("expected a signal exit that is not a crash, got %#v", exit)
	}
	if err := process.SignalTree(syscall.SIGKILL); err != nil {
		t.Fatalf("signalling an exited process must be a no-op: %v", err)
	}
}

func TestExecSpawner_MissingBinary(t *testing.T) {
	t.Parallel()

	if _, err := (ExecSpawner{}).Spawn(SpawnSpec{Binary: "/nonexistent/devheal-binary", Dir: t.TempDir()}); err == nil {
		t.Fatalf("expected spawn error")
	}
}

func TestExtractExitCode(t *testing.T) {
	t.Parallel()

	if code := extractExitCode("exit status 127"); code != 127 {
		t.Fatalf("expected 127, got %d", code)
	}
	if code := extractExitCode("signal: killed"); code != 1 {
		t.Fatalf("expected fallback 1, got %d", code)
	}
}

func TestCommandInstaller(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{behaviors: []func(SpawnSpec, *fakeProcess){
		func(spec SpawnSpec, process *fakeProcess) {
			fmt.Fprintln(spec.Stdout, "added 3 packages")
			process.finish(ExitStatus{Code: 0})
		},
		func(spec SpawnSpec, process *fakeProcess) {
			fmt.Fprintln(spec.Stderr, "npm ERR! code ERESOLVE")
			process.finish(ExitStatus{Code: 1})
		},
	}}
	installer := NewCommandInstaller(spawner, time.Second)

	output, err := installer.Install(context.Background(), "/app", "pnpm", nil)
	if err != nil || !strings.Contains(output, "added 3 packages") {
		t.Fatalf("expected successful install, got %q %v", output, err)
	}
	if spec := spawner.specs[0]; spec.Binary != "pnpm" || strings.Join(spec.Args, " ") != "install" || spec.Dir != "/app" {
		t.Fatalf("unexpected install spawn %#v", spec)
	}

	output, err = installer.Install(context.Background(), "/app", "", nil)
	if err == nil || !strings.Contains(output, "ERESOLVE") || spawner.specs[1].Binary != "npm" {
		t.Fatalf("expected npm install failure, got %q %v", output, err)
	}

	if _, err := installer.Install(context.Background(), "/app", "node", nil); err == nil {
		t.Fatalf("expected non package manager to be refused")
	}
}

func TestCommandInstaller_Timeout(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{behaviors: []func(SpawnSpec, *fakeProcess){func(SpawnSpec, *fakeProcess) {}}}
	installer := NewCommandInstaller(spawner, 10*time.Millisecond)

	_, err := installer.Install(context.Background(), "/app", "npm", nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout, got %v", err)
	}
	if signals := spawner.process(0).receivedSignals(); len(signals) != 1 || signals[0] != syscall.SIGKILL {
		t.Fatalf("expected SIGKILL on timeout, got %v", signals)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := installer.Install(ctx, "/app", "npm", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
