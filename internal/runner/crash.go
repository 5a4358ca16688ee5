package runner

import (
	"sync"
	"time"
)

// CrashHistory is a per-project sliding window of crash timestamps.
type CrashHistory struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	crashes   map[string][]time.Time
}

func NewCrashHistory(threshold int, window time.Duration) *CrashHistory {
	if threshold < 1 {
		threshold = 3
	}
	if window <= 0 {
		window = time.Minute
	}
	return &CrashHistory{threshold: threshold, window: window, crashes: map[string][]time.Time{}}
}

func (history *CrashHistory) Record(projectKey string, at time.Time) {
	history.mu.Lock()
	defer history.mu.Unlock()
	history.crashes[projectKey] = append(history.crashes[projectKey], at)
}

// Count prunes entries that are not strictly within the window ending at
// now and returns what remains.
func (history *CrashHistory) Count(projectKey string, now time.Time) int {
	history.mu.Lock()
	defer history.mu.Unlock()
	kept := history.crashes[projectKey][:0]
	for _, crashedAt := range history.crashes[projectKey] {
		if now.Sub(crashedAt) < history.window {
			kept = append(kept, crashedAt)
		}
	}
	if len(kept) == 0 {
		delete(history.crashes, projectKey)
		return 0
	}
	history.crashes[projectKey] = kept
	return len(kept)
}

func (history *CrashHistory) IsLooping(projectKey string, now time.Time) bool {
	return history.Count(projectKey, now) >= history.threshold
}

func (history *CrashHistory) Clear(projectKey string) {
	history.mu.Lock()
	defer history.mu.Unlock()
	delete(history.crashes, projectKey)
}
