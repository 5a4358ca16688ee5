package runner

import (
	"io"
	"strings"
	"sync"
	"time"
)

const (
	outputTailLimit = 8000

	// readySettleDelay is how long an unterminated line must stay unchanged
	// before a URL in it counts, so a URL split across writes is not read
	// half-printed.
	readySettleDelay = 150 * time.Millisecond
)

// outputCapture keeps bounded tails of a child's output and reports the
// first local URL the child prints. Escape sequences are stripped per whole
// line; pending holds each stream's raw unterminated line.
type outputCapture struct {
	mu       sync.Mutex
	combined string
	stderr   string
	pending  map[bool]string
	settle   time.Duration

	readyOnce sync.Once
	ready     chan string
}

func newOutputCapture() *outputCapture {
	return &outputCapture{
		pending: map[bool]string{},
		settle:  readySettleDelay,
		ready:   make(chan string, 1),
	}
}

func (capture *outputCapture) stdoutWriter() io.Writer {
	return streamWriter{capture: capture, isStderr: false}
}

func (capture *outputCapture) stderrWriter() io.Writer {
	return streamWriter{capture: capture, isStderr: true}
}

// Ready yields the first detected URL.
func (capture *outputCapture) Ready() <-chan string {
	return capture.ready
}

func (capture *outputCapture) Combined() string {
	capture.mu.Lock()
	defer capture.mu.Unlock()
	return capture.combined + StripANSI(capture.pending[false]) + StripANSI(capture.pending[true])
}

// ClassificationText prefers stderr and falls back to everything the child
// printed, since PTY children and some dev servers report errors on stdout.
func (capture *outputCapture) ClassificationText() string {
	capture.mu.Lock()
	defer capture.mu.Unlock()
	stderr := capture.stderr + StripANSI(capture.pending[true])
	if strings.TrimSpace(stderr) != "" {
		return stderr
	}
	return capture.combined + StripANSI(capture.pending[false])
}

func (capture *outputCapture) write(chunk []byte, isStderr bool) {
	capture.mu.Lock()
	lines := strings.Split(capture.pending[isStderr]+string(chunk), "\n")
	rest := tailString(lines[len(lines)-1], outputTailLimit)
	complete := make([]string, 0, len(lines)-1)
	for _, line := range lines[:len(lines)-1] {
		complete = append(complete, StripANSI(line))
	}
	if len(complete) > 0 {
		text := strings.Join(complete, "\n") + "\n"
		capture.combined = tailString(capture.combined+text, outputTailLimit)
		if isStderr {
			capture.stderr = tailString(capture.stderr+text, outputTailLimit)
		}
	}
	capture.pending[isStderr] = rest
	capture.mu.Unlock()

	for _, line := range complete {
		if url := DetectReadyURL(line); url != "" {
			capture.signalReady(url)
			return
		}
	}
	if rest != "" && DetectReadyURL(rest) != "" {
		time.AfterFunc(capture.settle, func() { capture.checkPending(isStderr, rest) })
	}
}

// checkPending reports a URL from an unterminated line once nothing more
// has arrived on that stream.
func (capture *outputCapture) checkPending(isStderr bool, expected string) {
	capture.mu.Lock()
	current := capture.pending[isStderr]
	capture.mu.Unlock()
	if current != expected {
		return
	}
	if url := DetectReadyURL(current); url != "" {
		capture.signalReady(url)
	}
}

func (capture *outputCapture) signalReady(url string) {
	capture.readyOnce.Do(func() { capture.ready <- url })
}

type streamWriter struct {
	capture  *outputCapture
	isStderr bool
}

func (writer streamWriter) Write(chunk []byte) (int, error) {
	writer.capture.write(chunk, writer.isStderr)
	return len(chunk), nil
}

func tailString(value string, maxLen int) string {
	if len(value) <= maxLen {
		return value
	}
	return value[len(value)-maxLen:]
}
