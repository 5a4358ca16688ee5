package runner

import (
	"strings"
	"testing"
	"time"
)

func TestClassifyStartFailure(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		output string
		want   FailureKind
	}{
		{name: "node eaddrinuse", output: "Error: listen EADDRINUSE: address already in use :::3000", want: FailurePortInUse},
		{name: "cra prompt", output: "Something is already running on port 3000.", want: FailurePortInUse},
		{name: "vite strict port", output: "Error: Port 5173 is already in use", want: FailurePortInUse},
		{name: "emfile watcher", output: "Error: EMFILE: too many open files, watch '/app/src'", want: FailureFileDescriptor},
		{name: "ebadf", output: "Error: EBADF: bad file descriptor, close", want: FailureFileDescriptor},
		{name: "cannot find module", output: "Error: Cannot find module 'next/dist/bin/next'", want: FailureMissingDependency},
		{name: "esm package", output: "Error [ERR_MODULE_NOT_FOUND]: Cannot find package 'vite' imported from /app", want: FailureMissingDependency},
		{name: "shell not found", output: "sh: 1: next: not found", want: FailureMissingDependency},
		{name: "vite import", output: "[plugin:vite:import-analysis] Failed to resolve import \"lodash\" from \"src/a.ts\"", want: FailureMissingDependency},
		{name: "ansi wrapped", output: "\x1b[31mError: listen EADDRINUSE: address already in use 127.0.0.1:8080\x1b[0m", want: FailurePortInUse},
		{name: "http not found is not a dependency", output: "Error: Not Found", want: FailureUnknown},
		{name: "syntax error", output: "SyntaxError: Unexpected token '<'", want: FailureUnknown},
		{name: "empty", output: "", want: FailureUnknown},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyStartFailure(testCase.output); got != testCase.want {
				t.Fatalf("expected %s, got %s", testCase.want, got)
			}
		})
	}
}

func TestExtractPort(t *testing.T) {
	t.Parallel()

	testCases := map[string]int{
		"Error: listen EADDRINUSE: address already in use :::3000":        3000,
		"Error: listen EADDRINUSE: address already in use 127.0.0.1:4321": 4321,
		"Port 5173 is in use, trying another one...":                      5173,
		"Something is already running on port 3001.":                      3001,
		"address already in use":                                          0,
	}
	for output, expected := range testCases {
		if got := ExtractPort(output); got != expected {
			t.Fatalf("%q: expected %d, got %d", output, expected, got)
		}
	}
}

func TestDetectReadyURL(t *testing.T) {
	t.Parallel()

	testCases := map[string]string{
		"  \x1b[32m➜\x1b[39m  \x1b[1mLocal\x1b[22m:   \x1b[36mhttp://localhost:\x1b[1m5173\x1b[22m/\x1b[39m": "http://localhost:5173/",
		"   - Local:        http://localhost:3000":                                                             "http://localhost:3000",
		"ready on http://127.0.0.1:4321.":                                                                     "http://127.0.0.1:4321",
		"Network: http://192.168.1.20:5173/":                                                                  "",
		"compiled successfully":                                                                               "",
	}
	for line, expected := range testCases {
		if got := DetectReadyURL(line); got != expected {
			t.Fatalf("%q: expected %q, got %q", line, expected, got)
		}
	}
}

func TestMentionedPorts_OrderedAndUnique(t *testing.T) {
	t.Parallel()

	output := "starting on port 4000\nproxy to localhost:8080\nretrying port 4000\nbound 0.0.0.0:9229"
	ports := MentionedPorts(output)
	if len(ports) != 3 || ports[0] != 4000 || ports[1] != 8080 || ports[2] != 9229 {
		t.Fatalf("unexpected ports %v", ports)
	}
}

func TestPrimaryErrorLineAndExcerpt(t *testing.T) {
	t.Parallel()

	output := "> next dev\n\n\x1b[31mError: Cannot find module 'react'\x1b[0m\n    at Module._resolveFilename\n"
	if line := PrimaryErrorLine(output); line != "Error: Cannot find module 'react'" {
		t.Fatalf("unexpected primary line %q", line)
	}

	excerpt := Excerpt("a\nb\nc\nd\n", 2)
	if excerpt != "c\nd" {
		t.Fatalf("unexpected excerpt %q", excerpt)
	}
}

func TestStartError_MessageAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := ErrStopped
	startErr := &StartError{Kind: FailurePortInUse, Attempts: 3, Err: cause}
	if !strings.Contains(startErr.Error(), "port_in_use") || !strings.Contains(startErr.Error(), "3 attempt") {
		t.Fatalf("unexpected message %q", startErr.Error())
	}
	if startErr.Unwrap() != cause {
		t.Fatalf("expected unwrap to return cause")
	}
}

func TestCrashHistory_StrictWindow(t *testing.T) {
	t.Parallel()

	history := NewCrashHistory(3, time.Minute)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	history.Record("p", now.Add(-time.Minute))
	history.Record("p", now.Add(-59*time.Second))
	history.Record("p", now.Add(-time.Second))
	if count := history.Count("p", now); count != 2 {
		t.Fatalf("crash exactly one window old must be pruned, got count %d", count)
	}
	if history.IsLooping("p", now) {
		t.Fatalf("2 crashes must not be a loop")
	}

	history.Record("p", now)
	if !history.IsLooping("p", now) {
		t.Fatalf("expected loop at threshold")
	}
	if history.Count("other", now) != 0 {
		t.Fatalf("histories must be per project")
	}

	if history.IsLooping("p", now.Add(time.Minute)) {
		t.Fatalf("expected every crash to age out")
	}

	history.Record("p", now)
	history.Clear("p")
	if history.Count("p", now) != 0 {
		t.Fatalf("expected clear to reset")
	}
}

func TestBuildEnv(t *testing.T) {
	t.Parallel()

	env := buildEnv([]string{"PATH=/usr/bin", "PORT=1", "BROWSER=chrome", "LANG=C"}, "/app", []string{"/opt/node/bin"}, 3000)
	joined := strings.Join(env, "\n")
	for _, expected := range []string{"PATH=/app/node_modules/.bin:/opt/node/bin:/usr/bin", "BROWSER=none", "PORT=3000", "LANG=C"} {
		if !strings.Contains(joined, expected) {
			t.Fatalf("expected %q in env:\n%s", expected, joined)
		}
	}
	if strings.Contains(joined, "PORT=1\n") || strings.Contains(joined, "chrome") {
		t.Fatalf("expected overridden variables to be dropped:\n%s", joined)
	}

	withoutPort := strings.Join(buildEnv([]string{"PORT=4000"}, "/app", nil, 0), "\n")
	if !strings.Contains(withoutPort, "PORT=4000") || !strings.Contains(withoutPort, "PATH=/app/node_modules/.bin") {
		t.Fatalf("expected inherited PORT and a fresh PATH:\n%s", withoutPort)
	}
}

func TestOutputCapture_StripsEscapesSplitAcrossWrites(t *testing.T) {
	t.Parallel()

	capture := newOutputCapture()
	writer := capture.stdoutWriter()
	_, _ = writer.Write([]byte("  \x1b[32mLocal: http://local\x1b["))
	_, _ = writer.Write([]byte("0mhost:5173/\n"))

	select {
	case url := <-capture.Ready():
		if url != "http://localhost:5173/" {
			t.Fatalf("unexpected url %q", url)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected ready url from a line split mid-escape")
	}
	if strings.Contains(capture.Combined(), "\x1b") {
		t.Fatalf("expected escapes stripped, got %q", capture.Combined())
	}
}

func TestOutputCapture_DetectsURLWithoutTrailingNewline(t *testing.T) {
	t.Parallel()

	capture := newOutputCapture()
	capture.settle = 100 * time.Millisecond
	writer := capture.stderrWriter()
	_, _ = writer.Write([]byte("ready at http://localhost:30"))
	_, _ = writer.Write([]byte("00/"))

	select {
	case url := <-capture.Ready():
		if url != "http://localhost:3000/" {
			t.Fatalf("expected the fully printed url, got %q", url)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected ready url from an unterminated final line")
	}
	if !strings.Contains(capture.ClassificationText(), "ready at http://localhost:3000/") {
		t.Fatalf("expected unterminated line in captured text, got %q", capture.ClassificationText())
	}
}
