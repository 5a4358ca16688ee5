//go:build !windows

package procutil

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	SignalTerminate = unix.SIGTERM
	SignalKill      = unix.SIGKILL
)

// SysProcAttr puts the child in its own process group so the whole tree
// can be signalled at once.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// Signal delivers sig to pid. A process that already exited is not an error.
func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// SignalTree signals the process group led by pid, falling back to pid
// alone when it does not lead a group.
func SignalTree(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, sig); err == nil || errors.Is(err, unix.ESRCH) && !Alive(pid) {
		return nil
	}
	return Signal(pid, sig)
}

// Alive reports whether pid exists, including processes owned by other users.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
