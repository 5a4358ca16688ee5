//go:build windows

package procutil

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

const (
	SignalTerminate = syscall.SIGTERM
	SignalKill      = syscall.SIGKILL
)

func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// Signal terminates pid. Windows has no graceful signal for console-less
// children, so every signal is a kill.
func Signal(pid int, _ syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if killErr := process.Kill(); killErr != nil && Alive(pid) {
		return killErr
	}
	return nil
}

func SignalTree(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run(); err == nil {
		return nil
	}
	return Signal(pid, sig)
}

func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = process.Release()
	return true
}
