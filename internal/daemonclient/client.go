// Package daemonclient talks to devheald over its local HTTP API.
package daemonclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BegaDeveloper/devheal/internal/events"
	"github.com/BegaDeveloper/devheal/internal/projectstore"
	"github.com/BegaDeveloper/devheal/internal/repair"
	"github.com/BegaDeveloper/devheal/internal/resolver"
	"github.com/BegaDeveloper/devheal/internal/runner"
	"github.com/BegaDeveloper/devheal/internal/runtimeconfig"
)

const TokenHeader = "X-Devheal-Token"

// APIError is a non-2xx daemon answer.
type APIError struct {
	StatusCode int
	Message    string
}

func (apiError *APIError) Error() string {
	if apiError.Message == "" {
		return fmt.Sprintf("daemon returned HTTP %d", apiError.StatusCode)
	}
	return fmt.Sprintf("daemon returned HTTP %d: %s", apiError.StatusCode, apiError.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, statusCode int) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == statusCode
}

type Health struct {
	OK       bool   `json:"ok"`
	Service  string `json:"service"`
	Version  string `json:"version"`
	PID      int    `json:"pid"`
	Projects int    `json:"projects"`
}

type PlanResponse struct {
	OK                bool          `json:"ok"`
	ProjectKey        string        `json:"project_key"`
	Plan              resolver.Plan `json:"plan"`
	NeedsVerification bool          `json:"needs_verification"`
	PolicyError       string        `json:"policy_error,omitempty"`
	Error             string        `json:"error,omitempty"`
}

type StatusResponse struct {
	OK            bool                       `json:"ok"`
	ProjectKey    string                     `json:"project_key"`
	Runner        runner.Status              `json:"runner"`
	Config        projectstore.ProjectConfig `json:"config"`
	CooldownUntil *time.Time                 `json:"cooldown_until,omitempty"`
	RepairLocked  bool                       `json:"repair_locked"`
	ActiveRepair  *repair.Session            `json:"active_repair,omitempty"`
	Error         string                     `json:"error,omitempty"`
}

type StartResponse struct {
	OK                bool               `json:"ok"`
	ProjectKey        string             `json:"project_key"`
	Plan              resolver.Plan      `json:"plan"`
	Result            runner.StartResult `json:"result"`
	NeedsVerification bool               `json:"needs_verification,omitempty"`
	FailureKind       string             `json:"failure_kind,omitempty"`
	Excerpt           string             `json:"excerpt,omitempty"`
	Error             string             `json:"error,omitempty"`
}

type RepairsResponse struct {
	OK      bool                        `json:"ok"`
	Active  []repair.Session            `json:"active"`
	History []projectstore.RepairRecord `json:"history"`
	Error   string                      `json:"error,omitempty"`
}

type RepairResponse struct {
	OK      bool                      `json:"ok"`
	Active  bool                      `json:"active"`
	Session *repair.Session           `json:"session,omitempty"`
	Record  *projectstore.RepairRecord `json:"record,omitempty"`
	Error   string                    `json:"error,omitempty"`
}

type PhaseResponse struct {
	OK      bool           `json:"ok"`
	Session repair.Session `json:"session"`
	Error   string         `json:"error,omitempty"`
}

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New builds a client from the runtime config: DEVHEAL_DAEMON_URL wins,
// otherwise the configured daemon address.
func New(config runtimeconfig.Config) *Client {
	baseURL := runtimeconfig.ResolveString("DEVHEAL_DAEMON_URL", "")
	if baseURL == "" {
		baseURL = "http://" + config.Daemon.Addr
	}
	token := ""
	if !config.Daemon.DisableAuth {
		token = config.Daemon.Token
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 90 * time.Second},
	}
}

func (client *Client) Health(ctx context.Context) (Health, error) {
	health := Health{}
	err := client.do(ctx, http.MethodGet, "/health", nil, nil, &health)
	return health, err
}

func (client *Client) Plan(ctx context.Context, cwd string) (PlanResponse, error) {
	response := PlanResponse{}
	err := client.do(ctx, http.MethodGet, "/projects/plan", cwdQuery(cwd), nil, &response)
	return response, err
}

func (client *Client) Status(ctx context.Context, cwd string) (StatusResponse, error) {
	response := StatusResponse{}
	err := client.do(ctx, http.MethodGet, "/projects/status", cwdQuery(cwd), nil, &response)
	return response, err
}

// Start asks the daemon to start the project's dev server. The response is
// decoded even when err is non-nil so callers can show the plan and excerpt.
func (client *Client) Start(ctx context.Context, cwd string, confirm bool) (StartResponse, error) {
	response := StartResponse{}
	err := client.do(ctx, http.MethodPost, "/projects/start", nil, map[string]any{"cwd": cwd, "confirm": confirm}, &response)
	return response, err
}

func (client *Client) Stop(ctx context.Context, cwd string) error {
	return client.do(ctx, http.MethodPost, "/projects/stop", nil, map[string]any{"cwd": cwd}, nil)
}

func (client *Client) Override(ctx context.Context, cwd string, command string, port int) error {
	return client.do(ctx, http.MethodPost, "/projects/override", nil, map[string]any{"cwd": cwd, "command": command, "port": port}, nil)
}

func (client *Client) Reset(ctx context.Context, cwd string) error {
	return client.do(ctx, http.MethodDelete, "/projects/config", cwdQuery(cwd), nil, nil)
}

func (client *Client) ClearCrashHistory(ctx context.Context, cwd string) error {
	return client.do(ctx, http.MethodPost, "/projects/crash-history/clear", nil, map[string]any{"cwd": cwd}, nil)
}

func (client *Client) Repairs(ctx context.Context, cwd string, limit int) (RepairsResponse, error) {
	query := url.Values{}
	if cwd != "" {
		query.Set("cwd", cwd)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	response := RepairsResponse{}
	err := client.do(ctx, http.MethodGet, "/repairs", query, nil, &response)
	return response, err
}

func (client *Client) Repair(ctx context.Context, repairID string) (RepairResponse, error) {
	response := RepairResponse{}
	err := client.do(ctx, http.MethodGet, "/repairs/"+url.PathEscape(repairID), nil, nil, &response)
	return response, err
}

func (client *Client) CrashLog(ctx context.Context, repairID string) (string, error) {
	response := struct {
		CrashLog string `json:"crash_log"`
	}{}
	err := client.do(ctx, http.MethodGet, "/repairs/"+url.PathEscape(repairID)+"/crash-log", nil, nil, &response)
	return response.CrashLog, err
}

func (client *Client) ReportPhase(ctx context.Context, repairID string, phase string, message string, detail map[string]any) (PhaseResponse, error) {
	response := PhaseResponse{}
	body := map[string]any{"phase": phase, "message": message, "detail": detail}
	err := client.do(ctx, http.MethodPost, "/repairs/"+url.PathEscape(repairID)+"/phase", nil, body, &response)
	return response, err
}

// ActiveRepair returns the in-progress repair for cwd, if any.
func (client *Client) ActiveRepair(ctx context.Context, cwd string) (repair.Session, bool, error) {
	repairs, err := client.Repairs(ctx, cwd, 1)
	if err != nil {
		return repair.Session{}, false, err
	}
	if len(repairs.Active) == 0 {
		return repair.Session{}, false, nil
	}
	return repairs.Active[0], true, nil
}

// Events follows the daemon's SSE stream until ctx ends or the stream
// closes, calling handle for every event.
func (client *Client) Events(ctx context.Context, cwd string, replay int, handle func(events.Event)) error {
	query := cwdQuery(cwd)
	if replay > 0 {
		query.Set("replay", strconv.Itoa(replay))
	}
	request, err := client.newRequest(ctx, http.MethodGet, "/events", query, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "text/event-stream")
	streamClient := &http.Client{Transport: client.httpClient().Transport}
	response, err := streamClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return decodeError(response)
	}
	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		event := events.Event{}
		if decodeErr := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); decodeErr != nil {
			continue
		}
		handle(event)
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func (client *Client) httpClient() *http.Client {
	if client.HTTPClient != nil {
		return client.HTTPClient
	}
	return http.DefaultClient
}

func (client *Client) newRequest(ctx context.Context, method string, path string, query url.Values, body any) (*http.Request, error) {
	target := client.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(client.Token); token != "" {
		request.Header.Set(TokenHeader, token)
	}
	return request, nil
}

func (client *Client) do(ctx context.Context, method string, path string, query url.Values, body any, target any) error {
	request, err := client.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	response, err := client.httpClient().Do(request)
	if err != nil {
		return fmt.Errorf("cannot reach devheald at %s: %w", client.BaseURL, err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(response.Body, 8<<20))
	if err != nil {
		return err
	}
	if target != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, target); err != nil && response.StatusCode < 400 {
			return fmt.Errorf("decode daemon response: %w", err)
		}
	}
	if response.StatusCode >= 400 {
		return &APIError{StatusCode: response.StatusCode, Message: errorMessage(raw)}
	}
	return nil
}

func decodeError(response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, 64*1024))
	return &APIError{StatusCode: response.StatusCode, Message: errorMessage(raw)}
}

func errorMessage(raw []byte) string {
	payload := struct {
		Error string `json:"error"`
	}{}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}

func cwdQuery(cwd string) url.Values {
	query := url.Values{}
	if cwd != "" {
		query.Set("cwd", cwd)
	}
	return query
}

// EnsureDaemon starts a detached devheald when none answers and waits for
// it to become healthy.
func (client *Client) EnsureDaemon(ctx context.Context) error {
	if client.isHealthy(ctx) {
		return nil
	}
	candidates := daemonStartCandidates()
	if len(candidates) == 0 {
		return fmt.Errorf("devheald is not reachable at %s and no devheald binary was found", client.BaseURL)
	}
	for _, command := range candidates {
		if startErr := startDetachedProcess(command); startErr != nil {
			continue
		}
		if client.waitHealthy(ctx, 10*time.Second) {
			return nil
		}
	}
	return fmt.Errorf("devheald did not become healthy at %s", client.BaseURL)
}

func (client *Client) isHealthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := client.Health(probeCtx)
	return err == nil
}

func (client *Client) waitHealthy(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if client.isHealthy(ctx) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(200 * time.Millisecond):
		}
	}
	return false
}

func daemonStartCandidates() []*exec.Cmd {
	daemonName := "devheald"
	if runtime.GOOS == "windows" {
		daemonName = "devheald.exe"
	}
	candidates := make([]*exec.Cmd, 0, 2)
	if executablePath, err := os.Executable(); err == nil {
		daemonPath := filepath.Join(filepath.Dir(executablePath), daemonName)
		if info, statErr := os.Stat(daemonPath); statErr == nil && !info.IsDir() {
			candidates = append(candidates, exec.Command(daemonPath))
		}
	}
	if daemonBinaryPath, err := exec.LookPath(daemonName); err == nil {
		candidates = append(candidates, exec.Command(daemonBinaryPath))
	}
	return candidates
}

func startDetachedProcess(command *exec.Cmd) error {
	logPath := filepath.Join(os.TempDir(), "devheald-autostart.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	command.Stdout = logFile
	command.Stderr = logFile
	if err := command.Start(); err != nil {
		_ = logFile.Close()
		return err
	}
	go func() {
		_ = command.Wait()
		_ = logFile.Close()
	}()
	return nil
}
