package repair

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	stateDirName     = ".devheal"
	lockFileName     = "repair.lock.json"
	crashLogDirName  = "crash-logs"
	latestCrashLog   = "latest-crash.log"
	crashLogMaxAge   = time.Hour
	crashLogTailSize = 16000
)

// Identity names one supervisor run. A lock record whose identity differs
// from the running supervisor's was left behind by a dead one.
type Identity struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Host      string    `json:"host"`
}

func CurrentIdentity(now time.Time) Identity {
	host, _ := os.Hostname()
	return Identity{PID: os.Getpid(), StartedAt: now.UTC(), Host: host}
}

func (identity Identity) Equal(other Identity) bool {
	return identity.PID == other.PID && identity.Host == other.Host && identity.StartedAt.Equal(other.StartedAt)
}

// LockRecord is the crash-survivable form of an active repair.
type LockRecord struct {
	RepairID     string    `json:"repair_id"`
	Supervisor   Identity  `json:"supervisor"`
	Attempt      int       `json:"attempt"`
	Phase        Phase     `json:"phase"`
	CreatedAt    time.Time `json:"created_at"`
	CrashLogPath string    `json:"crash_log_path"`
}

func LockFilePath(projectDir string) string {
	return filepath.Join(projectDir, stateDirName, lockFileName)
}

func CrashLogDir(projectDir string) string {
	return filepath.Join(projectDir, stateDirName, crashLogDirName)
}

// ReadLockRecord returns nil, nil when no lock file exists.
func ReadLockRecord(projectDir string) (*LockRecord, error) {
	payload, err := os.ReadFile(LockFilePath(projectDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read repair lock failed: %w", err)
	}
	record := &LockRecord{}
	if err := json.Unmarshal(payload, record); err != nil {
		return nil, fmt.Errorf("decode repair lock failed: %w", err)
	}
	return record, nil
}

func writeLockRecord(projectDir string, record LockRecord) error {
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(LockFilePath(projectDir), payload)
}

func removeLockRecord(projectDir string, repairID string) error {
	record, err := ReadLockRecord(projectDir)
	if err != nil || record == nil || record.RepairID != repairID {
		return err
	}
	if err := os.Remove(LockFilePath(projectDir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove repair lock failed: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s failed: %w", filepath.Dir(path), err)
	}
	temp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file failed: %w", err)
	}
	tempPath := temp.Name()
	if _, err := temp.Write(payload); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write %s failed: %w", path, err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("replace %s failed: %w", path, err)
	}
	return nil
}

// writeCrashLog stores a per-repair snapshot plus latest-crash.log and
// returns the snapshot path.
func writeCrashLog(projectDir string, repairID string, exitCode int, output string, at time.Time) (string, error) {
	if len(output) > crashLogTailSize {
		output = output[len(output)-crashLogTailSize:]
	}
	var builder strings.Builder
	builder.WriteString("# devheal crash log\n")
	fmt.Fprintf(&builder, "# repair: %s\n", repairID)
	fmt.Fprintf(&builder, "# project: %s\n", projectDir)
	fmt.Fprintf(&builder, "# exit code: %d\n", exitCode)
	fmt.Fprintf(&builder, "# captured at: %s\n\n", at.UTC().Format(time.RFC3339))
	builder.WriteString(output)
	if !strings.HasSuffix(output, "\n") {
		builder.WriteString("\n")
	}
	content := []byte(builder.String())

	logDir := CrashLogDir(projectDir)
	logPath := filepath.Join(logDir, "crash-"+repairID+".log")
	if err := writeFileAtomic(logPath, content); err != nil {
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(logDir, latestCrashLog), content); err != nil {
		return logPath, err
	}
	return logPath, nil
}

// pruneCrashLogs removes snapshots older than maxAge. latest-crash.log is
// always kept.
func pruneCrashLogs(projectDir string, now time.Time, maxAge time.Duration) []string {
	logDir := CrashLogDir(projectDir)
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return nil
	}
	removed := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == latestCrashLog || !strings.HasPrefix(name, "crash-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil || now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		if os.Remove(filepath.Join(logDir, name)) == nil {
			removed = append(removed, name)
		}
	}
	return removed
}
