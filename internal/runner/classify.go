package runner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FailureKind classifies why a start attempt did not reach readiness.
type FailureKind string

const (
	FailureFileDescriptor    FailureKind = "file_descriptor"
	FailureMissingDependency FailureKind = "missing_dependency"
	FailurePortInUse         FailureKind = "port_in_use"
	FailureUnknown           FailureKind = "unknown"
	FailureReadinessTimeout  FailureKind = "readiness_timeout"
	FailureSpawn             FailureKind = "spawn"
	FailureInstall           FailureKind = "install_failed"
)

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)
	readyURLPattern = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1):(\d{2,5})[^\s'"]*`)

	portInUsePatterns = []*regexp.Regexp{
		regexp.MustCompile(`EADDRINUSE`),
		regexp.MustCompile(`(?i)address already in use`),
		regexp.MustCompile(`(?i)port \d{2,5} is (?:already )?in use`),
		regexp.MustCompile(`(?i)something is already running on port`),
	}
	fileDescriptorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bEMFILE\b`),
		regexp.MustCompile(`\bENFILE\b`),
		regexp.MustCompile(`\bEBADF\b`),
		regexp.MustCompile(`(?i)too many open files`),
	}
	missingDependencyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`Cannot find module`),
		regexp.MustCompile(`\bERR_MODULE_NOT_FOUND\b`),
		regexp.MustCompile(`\bMODULE_NOT_FOUND\b`),
		regexp.MustCompile(`(?i)module not found`),
		regexp.MustCompile(`(?i)failed to resolve import`),
		regexp.MustCompile(`(?i)could not resolve "[^"]+"`),
		regexp.MustCompile(`ENOENT[^\n]*node_modules`),
		regexp.MustCompile(`\b[\w@/.-]+: (?:command )?not found`),
		regexp.MustCompile(`(?i)is not recognized as an internal or external command`),
	}

	offendingPortPatterns = []*regexp.Regexp{
		regexp.MustCompile(`EADDRINUSE[^\n]*?:(\d{2,5})\b`),
		regexp.MustCompile(`(?i)address already in use[^\n]*?:(\d{2,5})\b`),
		regexp.MustCompile(`(?i)port (\d{2,5}) is (?:already )?in use`),
		regexp.MustCompile(`(?i)already running on port (\d{2,5})`),
	}
	mentionedPortPattern = regexp.MustCompile(`(?i)(?:localhost|127\.0\.0\.1|0\.0\.0\.0|port)[:\s]+(\d{2,5})\b`)
	issueLinePattern     = regexp.MustCompile(`(?i)(error|exception|panic|failed|fail|TS[0-9]{3,}|ERR!|Cannot find module|EADDRINUSE)`)
)

// StripANSI removes terminal escape sequences.
func StripANSI(text string) string {
	return ansiPattern.ReplaceAllString(text, "")
}

// DetectReadyURL returns the first local dev-server URL in text.
func DetectReadyURL(text string) string {
	match := readyURLPattern.FindString(StripANSI(text))
	return strings.TrimRight(match, ".,;)")
}

// ClassifyStartFailure maps captured output to a failure kind. Port
// conflicts are checked first because their messages often also mention
// missing files.
func ClassifyStartFailure(output string) FailureKind {
	text := StripANSI(output)
	switch {
	case matchesAny(portInUsePatterns, text):
		return FailurePortInUse
	case matchesAny(fileDescriptorPatterns, text):
		return FailureFileDescriptor
	case matchesAny(missingDependencyPatterns, text):
		return FailureMissingDependency
	default:
		return FailureUnknown
	}
}

// ExtractPort returns the port named in a port-in-use message, or 0.
func ExtractPort(output string) int {
	text := StripANSI(output)
	for _, pattern := range offendingPortPatterns {
		if matches := pattern.FindStringSubmatch(text); len(matches) == 2 {
			if port, err := strconv.Atoi(matches[1]); err == nil && port > 0 && port <= 65535 {
				return port
			}
		}
	}
	return 0
}

// MentionedPorts lists ports referenced anywhere in output, in order of
// first appearance.
func MentionedPorts(output string) []int {
	ports := []int{}
	seen := map[int]bool{}
	for _, matches := range mentionedPortPattern.FindAllStringSubmatch(StripANSI(output), -1) {
		port, err := strconv.Atoi(matches[1])
		if err != nil || port <= 0 || port > 65535 || seen[port] {
			continue
		}
		seen[port] = true
		ports = append(ports, port)
	}
	return ports
}

// PrimaryErrorLine picks the first line that looks like an error.
func PrimaryErrorLine(output string) string {
	for _, line := range strings.Split(StripANSI(output), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && issueLinePattern.MatchString(trimmed) {
			return trimmed
		}
	}
	return ""
}

// Excerpt returns the trailing lines of output for error reports.
func Excerpt(output string, maxLines int) string {
	lines := strings.Split(strings.TrimRight(StripANSI(output), "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, pattern := range patterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// StartError is a terminal start failure.
type StartError struct {
	Kind     FailureKind
	Attempts int
	Exit     *ExitStatus
	Excerpt  string
	Err      error
}

func (startError *StartError) Error() string {
	message := fmt.Sprintf("dev server failed to start (%s) after %d attempt(s)", startError.Kind, startError.Attempts)
	if startError.Err != nil {
		message += ": " + startError.Err.Error()
	}
	return message
}

func (startError *StartError) Unwrap() error {
	return startError.Err
}
