package runner

import (
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/creack/pty"
)

// PTYSpawner runs the child on a pseudo terminal, for dev servers that only
// print their URL when attached to a TTY. Both streams arrive on Stdout.
type PTYSpawner struct{}

func (PTYSpawner) Spawn(spec SpawnSpec) (Process, error) {
	command := exec.Command(spec.Binary, spec.Args...)
	command.Dir = spec.Dir
	command.Env = spec.Env

	// pty.Start puts the child in a new session, which also makes it a
	// process group leader.
	terminal, err := pty.Start(command)
	if err != nil {
		return nil, fmt.Errorf("spawn %s on pty failed: %w", spec.Binary, err)
	}

	output := spec.Stdout
	if output == nil {
		output = io.Discard
	}
	copied := make(chan struct{})
	go func() {
		_, _ = io.Copy(output, terminal)
		close(copied)
	}()
	return watchCommand(command, func() {
		// Descendants can keep the terminal open after the child exits.
		select {
		case <-copied:
		case <-time.After(time.Second):
		}
		_ = terminal.Close()
		<-copied
	}), nil
}
