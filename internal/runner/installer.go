package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BegaDeveloper/devheal/internal/procutil"
	"github.com/BegaDeveloper/devheal/internal/security"
)

// Installer restores a project's dependencies.
type Installer interface {
	Install(ctx context.Context, dir string, packageManager string, env []string) (string, error)
}

// CommandInstaller runs "<manager> install" through a Spawner, so the same
// argv-only rules apply as for dev servers.
type CommandInstaller struct {
	spawner Spawner
	timeout time.Duration
}

func NewCommandInstaller(spawner Spawner, timeout time.Duration) *CommandInstaller {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CommandInstaller{spawner: spawner, timeout: timeout}
}

func (installer *CommandInstaller) Install(ctx context.Context, dir string, packageManager string, env []string) (string, error) {
	if packageManager == "" {
		packageManager = "npm"
	}
	command := security.SafeCommand{Binary: packageManager, Args: []string{"install"}}
	if err := security.ValidateCommand(command); err != nil {
		return "", err
	}
	if !security.IsPackageManager(command.Binary) {
		return "", fmt.Errorf("%s is not a package manager", command.Binary)
	}

	capture := newOutputCapture()
	process, err := installer.spawner.Spawn(SpawnSpec{
		Binary: command.Binary,
		Args:   command.Args,
		Dir:    dir,
		Env:    env,
		Stdout: capture.stdoutWriter(),
		Stderr: capture.stderrWriter(),
	})
	if err != nil {
		return "", err
	}

	timer := time.NewTimer(installer.timeout)
	defer timer.Stop()
	select {
	case <-process.Done():
	case <-timer.C:
		_ = process.SignalTree(procutil.SignalKill)
		<-process.Done()
		return capture.Combined(), fmt.Errorf("%s timed out after %s", command.String(), installer.timeout)
	case <-ctx.Done():
		_ = process.SignalTree(procutil.SignalKill)
		<-process.Done()
		return capture.Combined(), ctx.Err()
	}

	exit := process.Exit()
	if exit.Code != 0 {
		return capture.Combined(), errors.New(command.String() + " failed with exit code " + fmt.Sprint(exit.Code))
	}
	return capture.Combined(), nil
}
