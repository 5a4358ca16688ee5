package cleaner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// NewInspector returns the /proc based inspector on Linux and an lsof based
// one elsewhere.
func NewInspector() ProcessInspector {
	if runtime.GOOS == "linux" {
		return procInspector{root: "/proc"}
	}
	return lsofInspector{timeout: 3 * time.Second}
}

type procInspector struct {
	root string
}

func (inspector procInspector) ListeningPIDs(port int) ([]int, error) {
	inodes := map[string]bool{}
	for _, table := range []string{"net/tcp", "net/tcp6"} {
		if err := collectListeningInodes(filepath.Join(inspector.root, table), port, inodes); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	if len(inodes) == 0 {
		return nil, nil
	}

	entries, err := os.ReadDir(inspector.root)
	if err != nil {
		return nil, fmt.Errorf("read %s failed: %w", inspector.root, err)
	}
	pids := []int{}
	for _, entry := range entries {
		pid, convErr := strconv.Atoi(entry.Name())
		if convErr != nil {
			continue
		}
		if inspector.ownsAnyInode(pid, inodes) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func (inspector procInspector) WorkingDir(pid int) (string, error) {
	return os.Readlink(filepath.Join(inspector.root, strconv.Itoa(pid), "cwd"))
}

func (inspector procInspector) ownsAnyInode(pid int, inodes map[string]bool) bool {
	fdDir := filepath.Join(inspector.root, strconv.Itoa(pid), "fd")
	fds, err := os.ReadDir(fdDir)
	if err != nil {
		return false
	}
	for _, fd := range fds {
		target, linkErr := os.Readlink(filepath.Join(fdDir, fd.Name()))
		if linkErr != nil || !strings.HasPrefix(target, "socket:[") {
			continue
		}
		if inodes[strings.TrimSuffix(strings.TrimPrefix(target, "socket:["), "]")] {
			return true
		}
	}
	return false
}

// collectListeningInodes parses a /proc/net/tcp table. Columns are
// "sl local_address rem_address st ... inode", with the port in hex after
// the colon and st 0A meaning LISTEN.
func collectListeningInodes(path string, port int, inodes map[string]bool) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	portHex := fmt.Sprintf("%04X", port)
	scanner := bufio.NewScanner(file)
	scanner.Scan()
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 || fields[3] != "0A" {
			continue
		}
		localAddress := fields[1]
		separator := strings.LastIndex(localAddress, ":")
		if separator < 0 || !strings.EqualFold(localAddress[separator+1:], portHex) {
			continue
		}
		inodes[fields[9]] = true
	}
	return scanner.Err()
}

type lsofInspector struct {
	timeout time.Duration
}

func (inspector lsofInspector) ListeningPIDs(port int) ([]int, error) {
	output, err := inspector.run("-nP", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN", "-t")
	if err != nil {
		// lsof exits 1 when nothing matches.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	pids := []int{}
	for _, line := range strings.Split(output, "\n") {
		if pid, convErr := strconv.Atoi(strings.TrimSpace(line)); convErr == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func (inspector lsofInspector) WorkingDir(pid int) (string, error) {
	output, err := inspector.run("-a", "-p", strconv.Itoa(pid), "-d", "cwd", "-Fn")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, "n") {
			return strings.TrimPrefix(line, "n"), nil
		}
	}
	return "", fmt.Errorf("no cwd reported for pid %d", pid)
}

func (inspector lsofInspector) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), inspector.timeout)
	defer cancel()
	output, err := exec.CommandContext(ctx, "lsof", args...).Output()
	return string(output), err
}
