package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/BegaDeveloper/devheal/internal/events"
	"github.com/BegaDeveloper/devheal/internal/health"
	"github.com/BegaDeveloper/devheal/internal/projectstore"
	"github.com/BegaDeveloper/devheal/internal/repair"
	"github.com/BegaDeveloper/devheal/internal/runner"
	"github.com/BegaDeveloper/devheal/internal/runtimeconfig"
)

const testToken = "test-token"

type fakeProcess struct {
	pid  int
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	exit runner.ExitStatus
}

func (process *fakeProcess) finish(status runner.ExitStatus) {
	process.once.Do(func() {
		process.mu.Lock()
		process.exit = status
		process.mu.Unlock()
		close(process.done)
	})
}

func (process *fakeProcess) PID() int              { return process.pid }
func (process *fakeProcess) Done() <-chan struct{} { return process.done }

func (process *fakeProcess) Exit() runner.ExitStatus {
	process.mu.Lock()
	defer process.mu.Unlock()
	return process.exit
}

func (process *fakeProcess) SignalTree(sig syscall.Signal) error {
	process.finish(runner.ExitStatus{Code: -1, Signaled: true, Signal: sig.String()})
	return nil
}

// fakeSpawner prints a ready URL for every spawn and keeps the processes
// so tests can crash them.
type fakeSpawner struct {
	mu        sync.Mutex
	processes []*fakeProcess
}

func (spawner *fakeSpawner) Spawn(spec runner.SpawnSpec) (runner.Process, error) {
	spawner.mu.Lock()
	process := &fakeProcess{pid: 4000 + len(spawner.processes), done: make(chan struct{})}
	spawner.processes = append(spawner.processes, process)
	spawner.mu.Unlock()
	fmt.Fprintln(spec.Stdout, "  VITE ready in 120 ms")
	fmt.Fprintln(spec.Stdout, "  ➜  Local:   http://localhost:5173/")
	return process, nil
}

func (spawner *fakeSpawner) count() int {
	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	return len(spawner.processes)
}

func (spawner *fakeSpawner) process(index int) *fakeProcess {
	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	return spawner.processes[index]
}

type fakeInspector struct{}

func (fakeInspector) ListeningPIDs(int) ([]int, error) { return nil, nil }
func (fakeInspector) WorkingDir(int) (string, error)   { return "", nil }

type healthyChecker struct{}

func (healthyChecker) Check(_ context.Context, url string, _ health.CheckOptions) health.Result {
	return health.Result{URL: url, Healthy: true, StatusCode: http.StatusOK}
}

type testDaemon struct {
	supervisor *supervisor
	server     *daemonServer
	handler    http.Handler
	spawner    *fakeSpawner
	store      *projectstore.Store
}

func newTestDaemon(t *testing.T, mutate func(config *runtimeconfig.Config)) *testDaemon {
	t.Helper()
	store, err := projectstore.Open(filepath.Join(t.TempDir(), "devheal.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	config := runtimeconfig.Default()
	config.Daemon.Token = testToken
	config.Runner.StartupTimeout = runtimeconfig.Duration{Duration: 2 * time.Second}
	if mutate != nil {
		mutate(&config)
	}
	spawner := &fakeSpawner{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	supervisor := newSupervisor(config, store, logger, supervisorDeps{
		Spawner:   spawner,
		Inspector: fakeInspector{},
		Health:    healthyChecker{},
		Sleep:     func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	t.Cleanup(func() {
		supervisor.shutdown(2 * time.Second)
		_ = store.Close()
	})
	server := newDaemonServer(supervisor, config.Daemon)
	return &testDaemon{supervisor: supervisor, server: server, handler: server.routes(), spawner: spawner, store: store}
}

func (daemon *testDaemon) do(t *testing.T, method string, target string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = strings.NewReader(string(raw))
	}
	request := httptest.NewRequest(method, target, reader)
	request.Header.Set(TokenHeader, testToken)
	recorder := httptest.NewRecorder()
	daemon.handler.ServeHTTP(recorder, request)
	decoded := map[string]any{}
	if strings.HasPrefix(recorder.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, target, err, recorder.Body.String())
		}
	}
	return recorder, decoded
}

func mustWriteFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func viteProject(t *testing.T) string {
	t.Helper()
	projectDir := t.TempDir()
	mustWriteFile(t, filepath.Join(projectDir, "package.json"), `{
  "name": "web",
  "scripts": {"dev": "vite"},
  "devDependencies": {"vite": "^5.0.0"}
}`)
	return projectDir
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAuthorize(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t, nil)
	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong token", header: TokenHeader, value: "nope", want: http.StatusUnauthorized},
		{name: "token header", header: TokenHeader, value: testToken, want: http.StatusOK},
		{name: "bearer", header: "Authorization", value: "Bearer " + testToken, want: http.StatusOK},
	}
	for _, testCase := range cases {
		request := httptest.NewRequest(http.MethodGet, "/health", nil)
		if testCase.header != "" {
			request.Header.Set(testCase.header, testCase.value)
		}
		recorder := httptest.NewRecorder()
		daemon.handler.ServeHTTP(recorder, request)
		if recorder.Code != testCase.want {
			t.Fatalf("%s: expected %d, got %d", testCase.name, testCase.want, recorder.Code)
		}
	}

	open := newTestDaemon(t, func(config *runtimeconfig.Config) {
		config.Daemon.Token = ""
		config.Daemon.DisableAuth = true
	})
	recorder := httptest.NewRecorder()
	open.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected disabled auth to allow, got %d", recorder.Code)
	}
}

func TestProjectPlan_ReportsConfidenceAndVerification(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t, nil)
	projectDir := viteProject(t)
	recorder, body := daemon.do(t, http.MethodGet, "/projects/plan?cwd="+projectDir, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	plan := body["plan"].(map[string]any)
	if plan["confidence"] != "high" || body["needs_verification"] != false {
		t.Fatalf("unexpected plan %v", body)
	}

	recorder, _ = daemon.do(t, http.MethodGet, "/projects/plan", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected cwd to be required, got %d", recorder.Code)
	}
}

func TestProjectStart_RefusesLowConfidenceWithoutConfirm(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t, nil)
	emptyDir := t.TempDir()
	recorder, body := daemon.do(t, http.MethodPost, "/projects/start", map[string]any{"cwd": emptyDir})
	if recorder.Code != http.StatusConflict || body["needs_verification"] != true {
		t.Fatalf("expected verification refusal, got %d %v", recorder.Code, body)
	}
	if daemon.spawner.count() != 0 {
		t.Fatalf("nothing must be spawned before confirmation")
	}
}

func TestProjectStart_PolicyDeniesCommand(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t, nil)
	projectDir := viteProject(t)
	mustWriteFile(t, filepath.Join(projectDir, ".devheal.yaml"), "deny_commands:\n  - \"re:run dev$\"\n")
	recorder, body := daemon.do(t, http.MethodPost, "/projects/start", map[string]any{"cwd": projectDir})
	if recorder.Code != http.StatusForbidden || !strings.Contains(body["error"].(string), "blocked by policy") {
		t.Fatalf("expected policy refusal, got %d %v", recorder.Code, body)
	}
}

func TestProjectStart_StatusAndStop(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t, nil)
	projectDir := viteProject(t)
	recorder, body := daemon.do(t, http.MethodPost, "/projects/start", map[string]any{"cwd": projectDir})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected start, got %d %s", recorder.Code, recorder.Body.String())
	}
	result := body["result"].(map[string]any)
	if result["url"] != "http://localhost:5173/" {
		t.Fatalf("unexpected result %v", result)
	}

	recorder, body = daemon.do(t, http.MethodPost, "/projects/start", map[string]any{"cwd": projectDir})
	if recorder.Code != http.StatusConflict || body["failure_kind"] != "already_running" {
		t.Fatalf("expected already running, got %d %v", recorder.Code, body)
	}

	_, body = daemon.do(t, http.MethodGet, "/projects/status?cwd="+projectDir, nil)
	runnerStatus := body["runner"].(map[string]any)
	if runnerStatus["state"] != "running" || runnerStatus["url"] != "http://localhost:5173/" {
		t.Fatalf("unexpected status %v", body)
	}
	config := body["config"].(map[string]any)
	if _, ok := config["last_known_good"]; !ok {
		t.Fatalf("expected last-known-good to be persisted: %v", config)
	}

	recorder, _ = daemon.do(t, http.MethodPost, "/projects/stop", map[string]any{"cwd": projectDir})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected stop, got %d", recorder.Code)
	}
	_, body = daemon.do(t, http.MethodGet, "/projects/status?cwd="+projectDir, nil)
	if body["runner"].(map[string]any)["state"] != "idle" {
		t.Fatalf("expected idle after stop, got %v", body["runner"])
	}

	metricsRecorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	request.Header.Set(TokenHeader, testToken)
	daemon.handler.ServeHTTP(metricsRecorder, request)
	text := metricsRecorder.Body.String()
	if !strings.Contains(text, "devheal_starts_total 1") || !strings.Contains(text, `devheal_start_failures_total{kind="already_running"} 1`) {
		t.Fatalf("unexpected metrics:\n%s", text)
	}
}

func TestProjectOverrideAndReset(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t, nil)
	projectDir := viteProject(t)
	recorder, _ := daemon.do(t, http.MethodPost, "/projects/override", map[string]any{"cwd": projectDir, "command": "npm run dev", "port": 3001})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected override saved, got %d %s", recorder.Code, recorder.Body.String())
	}
	_, body := daemon.do(t, http.MethodGet, "/projects/plan?cwd="+projectDir, nil)
	plan := body["plan"].(map[string]any)
	if plan["metadata"].(map[string]any)["source"] != "override" || plan["port"] != float64(3001) {
		t.Fatalf("expected override plan, got %v", plan)
	}

	recorder, _ = daemon.do(t, http.MethodPost, "/projects/override", map[string]any{"cwd": projectDir, "command": "npm run dev; rm -rf ~"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected unsafe override to be rejected, got %d", recorder.Code)
	}
	recorder, _ = daemon.do(t, http.MethodPost, "/projects/override", map[string]any{"cwd": projectDir, "command": "npm run dev", "port": 70000})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected out-of-range port to be rejected, got %d", recorder.Code)
	}

	recorder, _ = daemon.do(t, http.MethodDelete, "/projects/config?cwd="+projectDir, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected reset, got %d", recorder.Code)
	}
	config, err := daemon.store.Get(projectstore.ProjectKey(projectDir))
	if err != nil || !config.IsEmpty() {
		t.Fatalf("expected empty config after reset, got %#v %v", config, err)
	}
}

func TestRepairPhase_ReporterWritePath(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t, nil)
	projectDir := viteProject(t)
	session, err := daemon.supervisor.registry.Create(projectDir, 1, 3, "Error: Cannot find module './routes'\n")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer daemon.supervisor.registry.Remove(session.ID)

	recorder, body := daemon.do(t, http.MethodPost, "/repairs/"+session.ID+"/phase", map[string]any{
		"phase":   "agent-wrote-files",
		"message": "fixed import",
		"detail":  map[string]any{"files_changed": 2, "lines_changed": 14},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected phase accepted, got %d %s", recorder.Code, recorder.Body.String())
	}
	updated := body["session"].(map[string]any)
	if updated["phase"] != string(repair.PhaseAgentWroteFiles) || updated["files_changed"] != float64(2) || updated["agent_engaged"] != true {
		t.Fatalf("unexpected session %v", updated)
	}

	recorder, _ = daemon.do(t, http.MethodPost, "/repairs/"+session.ID+"/phase", map[string]any{"phase": "recovered"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected supervisor-owned phase to be rejected, got %d", recorder.Code)
	}
	recorder, _ = daemon.do(t, http.MethodPost, "/repairs/"+session.ID+"/phase", map[string]any{"phase": "dancing"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown phase to be rejected, got %d", recorder.Code)
	}
	recorder, _ = daemon.do(t, http.MethodPost, "/repairs/missing/phase", map[string]any{"phase": "agent_started"})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected unknown repair to be 404, got %d", recorder.Code)
	}

	_, body = daemon.do(t, http.MethodGet, "/repairs?cwd="+projectDir, nil)
	if active := body["active"].([]any); len(active) != 1 {
		t.Fatalf("expected one active repair, got %v", body)
	}
	_, body = daemon.do(t, http.MethodGet, "/repairs/"+session.ID+"/crash-log", nil)
	if !strings.Contains(body["crash_log"].(string), "Cannot find module") {
		t.Fatalf("unexpected crash log %v", body)
	}
	_, body = daemon.do(t, http.MethodGet, "/projects/status?cwd="+projectDir, nil)
	if body["active_repair"].(map[string]any)["id"] != session.ID {
		t.Fatalf("expected status to show the active repair, got %v", body)
	}
}

func TestCrash_LegacyRepairRecoversAndRecordsHistory(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t, nil)
	projectDir := viteProject(t)
	if recorder, _ := daemon.do(t, http.MethodPost, "/projects/start", map[string]any{"cwd": projectDir}); recorder.Code != http.StatusOK {
		t.Fatalf("expected start, got %d", recorder.Code)
	}
	daemon.spawner.process(0).finish(runner.ExitStatus{Code: 1})

	projectKey := projectstore.ProjectKey(projectDir)
	waitFor(t, "repair history", func() bool {
		records, err := daemon.store.ListRepairs(projectKey, 10)
		return err == nil && len(records) == 1
	})
	records, _ := daemon.store.ListRepairs(projectKey, 10)
	if records[0].Outcome != string(repair.PhaseRecovered) || records[0].Attempts != 1 {
		t.Fatalf("unexpected record %#v", records[0])
	}
	if daemon.spawner.count() != 2 {
		t.Fatalf("expected one restart, got %d spawns", daemon.spawner.count())
	}

	_, body := daemon.do(t, http.MethodGet, "/repairs/"+records[0].ID, nil)
	if body["active"] != false || body["record"].(map[string]any)["outcome"] != "recovered" {
		t.Fatalf("unexpected repair lookup %v", body)
	}
}

func TestEvents_StreamsPublishedEvents(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t, nil)
	httpServer := httptest.NewServer(daemon.handler)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, httpServer.URL+"/events", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+testToken)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer response.Body.Close()
	if response.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected content type %q", response.Header.Get("Content-Type"))
	}

	reader := bufio.NewReader(response.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("expected connected comment, got %q %v", line, err)
	}

	daemon.supervisor.emitter.Emit(events.Event{ProjectKey: "/tmp/web", Phase: "crash_detected", Message: "dev server exited with code 1"})
	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before the event: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			event := events.Event{}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if event.Phase != "crash_detected" || event.ProjectKey != "/tmp/web" {
				t.Fatalf("unexpected event %#v", event)
			}
			return
		}
	}
}

func TestNewLoggerAndServiceRendering(t *testing.T) {
	t.Parallel()

	if parseLogLevel("DEBUG") != slog.LevelDebug || parseLogLevel("bogus") != slog.LevelInfo {
		t.Fatalf("unexpected log level parsing")
	}
	var output strings.Builder
	newLogger(&output, "info", "json").Info("hello", "project", "/tmp/web")
	if !strings.Contains(output.String(), `"project":"/tmp/web"`) {
		t.Fatalf("expected json log line, got %q", output.String())
	}

	env := map[string]string{"DEVHEAL_DAEMON_ADDR": "127.0.0.1:8797", "DEVHEAL_DAEMON_TOKEN": `a"b`, "EMPTY": ""}
	unit := renderSystemdUnit("/usr/local/bin/devheald", env)
	if !strings.Contains(unit, `Environment="DEVHEAL_DAEMON_TOKEN=a\"b"`) || strings.Contains(unit, "EMPTY") {
		t.Fatalf("unexpected unit:\n%s", unit)
	}
	plist := renderLaunchdPlist("/usr/local/bin/devheald", "/home/dev/.devheal", map[string]string{"DEVHEAL_MODE": "a<b"})
	if !strings.Contains(plist, "<string>a&lt;b</string>") || !strings.Contains(plist, launchdLabel) {
		t.Fatalf("unexpected plist:\n%s", plist)
	}
}
