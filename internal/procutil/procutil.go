// Package procutil wraps the platform specific process signalling the
// supervisor needs: process groups, tree kills and liveness checks.
package procutil

import (
	"os"
	"path/filepath"
	"strings"
)

// IsWithin reports whether candidate equals dir or is nested below it.
func IsWithin(dir string, candidate string) bool {
	cleanDir := filepath.Clean(dir)
	cleanCandidate := filepath.Clean(candidate)
	if cleanDir == cleanCandidate {
		return true
	}
	relative, err := filepath.Rel(cleanDir, cleanCandidate)
	if err != nil {
		return false
	}
	return relative != ".." && !strings.HasPrefix(relative, ".."+string(os.PathSeparator)) && !filepath.IsAbs(relative)
}
