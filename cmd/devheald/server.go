package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/BegaDeveloper/devheal/internal/events"
	"github.com/BegaDeveloper/devheal/internal/policy"
	"github.com/BegaDeveloper/devheal/internal/projectstore"
	"github.com/BegaDeveloper/devheal/internal/repair"
	"github.com/BegaDeveloper/devheal/internal/resolver"
	"github.com/BegaDeveloper/devheal/internal/runner"
	"github.com/BegaDeveloper/devheal/internal/runtimeconfig"
	"github.com/BegaDeveloper/devheal/internal/security"
)

const (
	version             = "0.1.0"
	maxRequestBodyBytes = 1 << 20
	sseHeartbeat        = 12 * time.Second
	maxCrashLogBytes    = 64 * 1024
)

// TokenHeader carries the daemon token; a bearer Authorization header works too.
const TokenHeader = "X-Devheal-Token"

type daemonServer struct {
	supervisor   *supervisor
	authDisabled bool
	daemonToken  string
}

func newDaemonServer(supervisor *supervisor, config runtimeconfig.DaemonConfig) *daemonServer {
	return &daemonServer{
		supervisor:   supervisor,
		authDisabled: config.DisableAuth,
		daemonToken:  strings.TrimSpace(config.Token),
	}
}

func (server *daemonServer) routes() chi.Router {
	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.Use(server.logRequests)
	router.Use(server.requireToken)

	router.Get("/health", server.handleHealth)
	router.Get("/metrics", server.handleMetrics)
	router.Get("/events", server.handleEvents)

	router.Route("/projects", func(router chi.Router) {
		router.Get("/", server.handleProjects)
		router.Get("/status", server.handleProjectStatus)
		router.Get("/plan", server.handleProjectPlan)
		router.Post("/start", server.handleProjectStart)
		router.Post("/stop", server.handleProjectStop)
		router.Post("/override", server.handleProjectOverride)
		router.Delete("/config", server.handleProjectReset)
		router.Post("/crash-history/clear", server.handleClearCrashHistory)
	})

	router.Route("/repairs", func(router chi.Router) {
		router.Get("/", server.handleRepairs)
		router.Get("/{id}", server.handleRepair)
		router.Get("/{id}/crash-log", server.handleRepairCrashLog)
		router.Post("/{id}/phase", server.handleRepairPhase)
	})
	return router
}

func (server *daemonServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		startedAt := time.Now()
		wrapped := chimw.NewWrapResponseWriter(writer, request.ProtoMajor)
		next.ServeHTTP(wrapped, request)
		server.supervisor.logger.Debug("http request",
			"method", request.Method,
			"path", request.URL.Path,
			"status", wrapped.Status(),
			"duration", time.Since(startedAt),
		)
	})
}

func (server *daemonServer) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if !server.authorize(request) {
			writeJSON(writer, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
			return
		}
		next.ServeHTTP(writer, request)
	})
}

func (server *daemonServer) authorize(request *http.Request) bool {
	if server.authDisabled {
		return true
	}
	token := server.daemonToken
	if token == "" {
		return false
	}
	headerToken := strings.TrimSpace(request.Header.Get(TokenHeader))
	if headerToken != "" && headerToken == token {
		return true
	}
	authHeader := strings.TrimSpace(request.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		if strings.TrimSpace(authHeader[len("Bearer "):]) == token {
			return true
		}
	}
	return false
}

func (server *daemonServer) handleHealth(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]any{
		"ok":       true,
		"service":  "devheald",
		"version":  version,
		"pid":      os.Getpid(),
		"projects": len(server.supervisor.runner.StatusAll()),
	})
}

func (server *daemonServer) handleMetrics(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = writer.Write([]byte(server.supervisor.metrics.renderPrometheus()))
}

type projectStatusResponse struct {
	OK            bool                       `json:"ok"`
	ProjectKey    string                     `json:"project_key"`
	Runner        runner.Status              `json:"runner"`
	Config        projectstore.ProjectConfig `json:"config"`
	CooldownUntil *time.Time                 `json:"cooldown_until,omitempty"`
	RepairLocked  bool                       `json:"repair_locked"`
	ActiveRepair  *repair.Session            `json:"active_repair,omitempty"`
}

func (server *daemonServer) projectStatus(projectDir string) (projectStatusResponse, error) {
	projectKey := projectstore.ProjectKey(projectDir)
	config, err := server.supervisor.store.Get(projectKey)
	if err != nil {
		return projectStatusResponse{}, err
	}
	response := projectStatusResponse{
		OK:           true,
		ProjectKey:   projectKey,
		Runner:       server.supervisor.runner.Status(projectKey),
		Config:       config,
		RepairLocked: server.supervisor.healer.Locks().IsLocked(projectKey),
	}
	if until, active := server.supervisor.healer.CooldownUntil(projectKey); active {
		response.CooldownUntil = &until
	}
	if session, found := server.supervisor.registry.FindByProject(projectKey); found {
		response.ActiveRepair = &session
	}
	return response, nil
}

func (server *daemonServer) handleProjects(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]any{"ok": true, "projects": server.supervisor.runner.StatusAll()})
}

func (server *daemonServer) handleProjectStatus(writer http.ResponseWriter, request *http.Request) {
	projectDir, ok := projectDirFromQuery(writer, request)
	if !ok {
		return
	}
	server.supervisor.discardStaleLock(projectDir)
	response, err := server.projectStatus(projectDir)
	if err != nil {
		writeJSON(writer, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(writer, http.StatusOK, response)
}

type planResponse struct {
	OK                bool          `json:"ok"`
	ProjectKey        string        `json:"project_key"`
	Plan              resolver.Plan `json:"plan"`
	NeedsVerification bool          `json:"needs_verification"`
	PolicyError       string        `json:"policy_error,omitempty"`
}

// currentPlan resolves without caching so the answer always reflects the
// project as it is on disk right now.
func (server *daemonServer) currentPlan(projectDir string) (planResponse, error) {
	projectKey := projectstore.ProjectKey(projectDir)
	plan := server.supervisor.resolver.Resolve(projectDir)
	config, err := server.supervisor.store.Get(projectKey)
	if err != nil {
		return planResponse{}, err
	}
	response := planResponse{
		OK:                true,
		ProjectKey:        projectKey,
		Plan:              plan,
		NeedsVerification: resolver.NeedsVerification(plan, config, server.supervisor.now()),
	}
	projectPolicy, policyErr := policy.Load(projectDir)
	if policyErr != nil {
		response.PolicyError = policyErr.Error()
	} else if checkErr := projectPolicy.CheckCommand(plan.Command.String()); checkErr != nil {
		response.PolicyError = checkErr.Error()
	}
	return response, nil
}

func (server *daemonServer) handleProjectPlan(writer http.ResponseWriter, request *http.Request) {
	projectDir, ok := projectDirFromQuery(writer, request)
	if !ok {
		return
	}
	response, err := server.currentPlan(projectDir)
	if err != nil {
		writeJSON(writer, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(writer, http.StatusOK, response)
}

type projectRequest struct {
	Cwd     string `json:"cwd"`
	Confirm bool   `json:"confirm,omitempty"`
	Command string `json:"command,omitempty"`
	Port    int    `json:"port,omitempty"`
}

type startResponse struct {
	OK                bool               `json:"ok"`
	ProjectKey        string             `json:"project_key"`
	Plan              resolver.Plan      `json:"plan"`
	Result            runner.StartResult `json:"result"`
	NeedsVerification bool               `json:"needs_verification,omitempty"`
	FailureKind       string             `json:"failure_kind,omitempty"`
	Excerpt           string             `json:"excerpt,omitempty"`
	Error             string             `json:"error,omitempty"`
}

func (server *daemonServer) handleProjectStart(writer http.ResponseWriter, request *http.Request) {
	payload, projectDir, ok := decodeProjectRequest(writer, request)
	if !ok {
		return
	}
	server.supervisor.discardStaleLock(projectDir)
	projectKey := projectstore.ProjectKey(projectDir)
	if server.supervisor.healer.Locks().IsLocked(projectKey) {
		writeJSON(writer, http.StatusConflict, startResponse{ProjectKey: projectKey, Error: "a repair is in progress for this project"})
		return
	}

	planned, err := server.currentPlan(projectDir)
	if err != nil {
		writeJSON(writer, http.StatusInternalServerError, startResponse{ProjectKey: projectKey, Error: err.Error()})
		return
	}
	response := startResponse{ProjectKey: projectKey, Plan: planned.Plan, NeedsVerification: planned.NeedsVerification}
	if planned.NeedsVerification && !payload.Confirm {
		response.Error = fmt.Sprintf("plan confidence is %s; confirm before starting", planned.Plan.Confidence)
		writeJSON(writer, http.StatusConflict, response)
		return
	}
	if planned.PolicyError != "" {
		response.Error = planned.PolicyError
		writeJSON(writer, http.StatusForbidden, response)
		return
	}

	result, startErr := server.supervisor.runner.Start(request.Context(), planned.Plan)
	if startErr != nil {
		statusCode, kind := classifyStartError(startErr)
		server.supervisor.metrics.recordStartFailure(kind)
		response.FailureKind = kind
		response.Error = startErr.Error()
		var terminal *runner.StartError
		if errors.As(startErr, &terminal) {
			response.Excerpt = terminal.Excerpt
		}
		writeJSON(writer, statusCode, response)
		return
	}
	server.supervisor.metrics.recordStart()
	server.supervisor.runner.ClearCrashHistory(projectKey)
	response.OK = true
	response.Result = result
	writeJSON(writer, http.StatusOK, response)
}

// classifyStartError maps a start error to an HTTP status and a metrics label.
func classifyStartError(err error) (int, string) {
	var commandError *security.CommandError
	var startError *runner.StartError
	switch {
	case errors.As(err, &commandError):
		return http.StatusBadRequest, "invalid_command"
	case errors.Is(err, runner.ErrScriptMissing):
		return http.StatusBadRequest, "script_missing"
	case errors.Is(err, runner.ErrAlreadyRunning):
		return http.StatusConflict, "already_running"
	case errors.Is(err, runner.ErrCrashLoop):
		return http.StatusConflict, "crash_loop"
	case errors.As(err, &startError):
		return http.StatusBadGateway, string(startError.Kind)
	case errors.Is(err, runner.ErrStopped):
		return http.StatusConflict, "stopped"
	default:
		return http.StatusInternalServerError, "other"
	}
}

func (server *daemonServer) handleProjectStop(writer http.ResponseWriter, request *http.Request) {
	_, projectDir, ok := decodeProjectRequest(writer, request)
	if !ok {
		return
	}
	projectKey := projectstore.ProjectKey(projectDir)
	if err := server.supervisor.runner.Stop(projectKey); err != nil {
		writeJSON(writer, http.StatusInternalServerError, map[string]any{"ok": false, "project_key": projectKey, "error": err.Error()})
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"ok": true, "project_key": projectKey})
}

func (server *daemonServer) handleProjectOverride(writer http.ResponseWriter, request *http.Request) {
	payload, projectDir, ok := decodeProjectRequest(writer, request)
	if !ok {
		return
	}
	projectKey := projectstore.ProjectKey(projectDir)
	command, err := security.ParseCommandString(payload.Command)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]any{"ok": false, "project_key": projectKey, "error": err.Error()})
		return
	}
	if payload.Port != 0 {
		if portErr := security.ValidatePort(payload.Port); portErr != nil {
			writeJSON(writer, http.StatusBadRequest, map[string]any{"ok": false, "project_key": projectKey, "error": portErr.Error()})
			return
		}
	}
	override := projectstore.Override{Command: command, Port: payload.Port, RecordedAt: server.supervisor.now()}
	if err := server.supervisor.store.SetOverride(projectKey, override); err != nil {
		writeJSON(writer, http.StatusInternalServerError, map[string]any{"ok": false, "project_key": projectKey, "error": err.Error()})
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"ok": true, "project_key": projectKey, "override": override})
}

func (server *daemonServer) handleProjectReset(writer http.ResponseWriter, request *http.Request) {
	projectDir, ok := projectDirFromQuery(writer, request)
	if !ok {
		return
	}
	projectKey := projectstore.ProjectKey(projectDir)
	if err := server.supervisor.store.Reset(projectKey); err != nil {
		writeJSON(writer, http.StatusInternalServerError, map[string]any{"ok": false, "project_key": projectKey, "error": err.Error()})
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"ok": true, "project_key": projectKey})
}

// handleClearCrashHistory is the explicit user action that lifts a
// crash-loop refusal. It also ends any repair cooldown.
func (server *daemonServer) handleClearCrashHistory(writer http.ResponseWriter, request *http.Request) {
	_, projectDir, ok := decodeProjectRequest(writer, request)
	if !ok {
		return
	}
	projectKey := projectstore.ProjectKey(projectDir)
	server.supervisor.runner.ClearCrashHistory(projectKey)
	server.supervisor.healer.ClearCooldown(projectKey)
	writeJSON(writer, http.StatusOK, map[string]any{"ok": true, "project_key": projectKey})
}

func (server *daemonServer) handleRepairs(writer http.ResponseWriter, request *http.Request) {
	projectKey := ""
	if cwd := strings.TrimSpace(request.URL.Query().Get("cwd")); cwd != "" {
		projectDir, err := resolveWorkingDirectory(cwd)
		if err != nil {
			writeJSON(writer, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		projectKey = projectstore.ProjectKey(projectDir)
	}
	limit, _ := strconv.Atoi(request.URL.Query().Get("limit"))
	history, err := server.supervisor.store.ListRepairs(projectKey, limit)
	if err != nil {
		writeJSON(writer, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	active := []repair.Session{}
	for _, session := range server.supervisor.registry.List() {
		if projectKey == "" || session.ProjectKey == projectKey {
			active = append(active, session)
		}
	}
	writeJSON(writer, http.StatusOK, map[string]any{"ok": true, "active": active, "history": history})
}

func (server *daemonServer) handleRepair(writer http.ResponseWriter, request *http.Request) {
	repairID := chi.URLParam(request, "id")
	if session, found := server.supervisor.registry.Get(repairID); found {
		writeJSON(writer, http.StatusOK, map[string]any{"ok": true, "active": true, "session": session})
		return
	}
	history, err := server.supervisor.store.ListRepairs("", 500)
	if err != nil {
		writeJSON(writer, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	for _, record := range history {
		if record.ID == repairID {
			writeJSON(writer, http.StatusOK, map[string]any{"ok": true, "active": false, "record": record})
			return
		}
	}
	writeJSON(writer, http.StatusNotFound, map[string]any{"ok": false, "error": repair.ErrSessionNotFound.Error()})
}

func (server *daemonServer) handleRepairCrashLog(writer http.ResponseWriter, request *http.Request) {
	crashLog, err := server.supervisor.registry.CrashLog(chi.URLParam(request, "id"))
	if err != nil {
		statusCode := http.StatusInternalServerError
		if errors.Is(err, repair.ErrSessionNotFound) {
			statusCode = http.StatusNotFound
		}
		writeJSON(writer, statusCode, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"ok": true, "crash_log": tailString(crashLog, maxCrashLogBytes)})
}

type phaseRequest struct {
	Phase   string         `json:"phase"`
	Message string         `json:"message,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// reporterPhases are the phases an external reporter may write. Everything
// else belongs to the orchestrator.
var reporterPhases = append(append([]repair.Phase{}, repair.AgentPhases...), repair.PhaseReadyToRestart)

func (server *daemonServer) handleRepairPhase(writer http.ResponseWriter, request *http.Request) {
	repairID := chi.URLParam(request, "id")
	payload := phaseRequest{}
	if err := decodeJSON(request, &payload); err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	phase, err := repair.ParsePhase(payload.Phase)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if !isReporterPhase(phase) {
		writeJSON(writer, http.StatusBadRequest, map[string]any{"ok": false, "error": fmt.Sprintf("phase %s is set by the supervisor, not the reporter", phase)})
		return
	}
	session, err := server.supervisor.registry.UpdatePhase(repairID, phase, payload.Message, payload.Detail)
	if err != nil {
		statusCode := http.StatusBadRequest
		if errors.Is(err, repair.ErrSessionNotFound) {
			statusCode = http.StatusNotFound
		}
		writeJSON(writer, statusCode, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"ok": true, "session": session})
}

func isReporterPhase(phase repair.Phase) bool {
	for _, allowed := range reporterPhases {
		if allowed == phase {
			return true
		}
	}
	return false
}

// handleEvents streams orchestrator events as SSE. replay=N first sends the
// N most recent events; cwd restricts the stream to one project.
func (server *daemonServer) handleEvents(writer http.ResponseWriter, request *http.Request) {
	flusher, ok := writer.(http.Flusher)
	if !ok {
		writeJSON(writer, http.StatusInternalServerError, map[string]any{"ok": false, "error": "streaming not supported"})
		return
	}
	projectKey := ""
	if cwd := strings.TrimSpace(request.URL.Query().Get("cwd")); cwd != "" {
		projectDir, err := resolveWorkingDirectory(cwd)
		if err != nil {
			writeJSON(writer, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		projectKey = projectstore.ProjectKey(projectDir)
	}
	replay, _ := strconv.Atoi(request.URL.Query().Get("replay"))

	channel, unsubscribe := server.supervisor.broadcaster.Subscribe(64)
	defer unsubscribe()

	writer.Header().Set("Content-Type", "text/event-stream")
	writer.Header().Set("Cache-Control", "no-cache")
	writer.Header().Set("Connection", "keep-alive")
	writer.WriteHeader(http.StatusOK)
	if replay > 0 {
		for _, event := range server.supervisor.broadcaster.Recent(projectKey, replay) {
			sendSSE(writer, event.Phase, event)
		}
	}
	_, _ = io.WriteString(writer, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-request.Context().Done():
			return
		case event, open := <-channel:
			if !open {
				return
			}
			if projectKey != "" && event.ProjectKey != projectKey {
				continue
			}
			sendSSE(writer, event.Phase, event)
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = io.WriteString(writer, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func sendSSE(writer io.Writer, name string, event events.Event) {
	payloadBytes, _ := json.Marshal(event)
	_, _ = io.WriteString(writer, "event: "+name+"\n")
	_, _ = io.WriteString(writer, "data: "+string(payloadBytes)+"\n\n")
}

func projectDirFromQuery(writer http.ResponseWriter, request *http.Request) (string, bool) {
	projectDir, err := resolveWorkingDirectory(request.URL.Query().Get("cwd"))
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return "", false
	}
	return projectDir, true
}

func decodeProjectRequest(writer http.ResponseWriter, request *http.Request) (projectRequest, string, bool) {
	payload := projectRequest{}
	if err := decodeJSON(request, &payload); err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return payload, "", false
	}
	projectDir, err := resolveWorkingDirectory(payload.Cwd)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return payload, "", false
	}
	return payload, projectDir, true
}

func decodeJSON(request *http.Request, target any) error {
	decoder := json.NewDecoder(io.LimitReader(request.Body, maxRequestBodyBytes))
	decoder.UseNumber()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

// resolveWorkingDirectory requires an explicit, existing directory: the
// daemon's own working directory is never a meaningful project.
func resolveWorkingDirectory(cwd string) (string, error) {
	trimmed := strings.TrimSpace(cwd)
	if trimmed == "" {
		return "", errors.New("cwd is required")
	}
	absolutePath, absoluteError := filepath.Abs(trimmed)
	if absoluteError != nil {
		return "", fmt.Errorf("invalid cwd: %w", absoluteError)
	}
	stat, statError := os.Stat(absolutePath)
	if statError != nil {
		return "", fmt.Errorf("cwd not found: %w", statError)
	}
	if !stat.IsDir() {
		return "", fmt.Errorf("cwd is not a directory: %s", absolutePath)
	}
	return absolutePath, nil
}

func tailString(text string, maxLength int) string {
	if maxLength <= 0 {
		return ""
	}
	if len(text) <= maxLength {
		return text
	}
	return text[len(text)-maxLength:]
}

func writeJSON(writer http.ResponseWriter, statusCode int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	encoder := json.NewEncoder(writer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(payload); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}
