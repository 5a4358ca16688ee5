// Package mcpserver is the stdio MCP server a repair agent uses to report
// its progress to devheald.
package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BegaDeveloper/devheal/internal/daemonclient"
	"github.com/BegaDeveloper/devheal/internal/repair"
	"github.com/BegaDeveloper/devheal/internal/runtimeconfig"
)

const (
	toolReportPhase  = "devheal_report_phase"
	toolRepairStatus = "devheal_repair_status"
	toolCrashLog     = "devheal_crash_log"

	defaultCallTimeout      = 30 * time.Second
	defaultMaxCrashLogChars = 4000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type mcpServer struct {
	reader      *bufio.Reader
	writer      *bufio.Writer
	writeMutex  sync.Mutex
	client      *daemonclient.Client
	defaultCwd  string
	autoStart   bool
	initialized bool
	useLineJSON bool
}

// Run serves MCP on stdin/stdout until the client disconnects.
func Run() error {
	config, err := runtimeconfig.Load("")
	if err != nil {
		return err
	}
	cwd, _ := os.Getwd()
	return Serve(os.Stdin, os.Stdout, daemonclient.New(config), cwd)
}

// Serve runs the JSON-RPC loop over input/output. Tool calls without a
// repair_id or cwd argument fall back to defaultCwd.
func Serve(input io.Reader, output io.Writer, client *daemonclient.Client, defaultCwd string) error {
	server := &mcpServer{
		reader:     bufio.NewReader(input),
		writer:     bufio.NewWriter(output),
		client:     client,
		defaultCwd: defaultCwd,
		autoStart:  runtimeconfig.ResolveBool("DEVHEAL_MCP_AUTOSTART", true),
	}
	return server.loop()
}

func (server *mcpServer) loop() error {
	for {
		requestBytes, isLineJSON, err := readRPCMessage(server.reader)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		server.useLineJSON = isLineJSON
		request := rpcRequest{}
		if err := json.Unmarshal(requestBytes, &request); err != nil {
			_ = server.writeResponse(rpcResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: -32700, Message: "parse error"},
			})
			continue
		}
		if request.Method == "" {
			continue
		}
		if request.Method == "notifications/initialized" {
			server.initialized = true
			continue
		}
		if request.Method == "exit" {
			return nil
		}
		response := server.handleRequest(request)
		if len(request.ID) == 0 {
			continue
		}
		if err := server.writeResponse(response); err != nil {
			return err
		}
	}
}

func (server *mcpServer) handleRequest(request rpcRequest) rpcResponse {
	response := rpcResponse{
		JSONRPC: "2.0",
		ID:      decodeID(request.ID),
	}

	switch request.Method {
	case "initialize":
		requestedProtocolVersion := "2024-11-05"
		initParams := initializeParams{}
		if err := json.Unmarshal(request.Params, &initParams); err == nil {
			if strings.TrimSpace(initParams.ProtocolVersion) != "" {
				requestedProtocolVersion = strings.TrimSpace(initParams.ProtocolVersion)
			}
		}
		response.Result = map[string]any{
			"protocolVersion": requestedProtocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{
					"listChanged": false,
				},
			},
			"serverInfo": map[string]string{
				"name":    "devheal-mcp",
				"version": "0.1.0",
			},
		}
		return response
	case "ping":
		response.Result = map[string]any{}
		return response
	case "tools/list":
		response.Result = map[string]any{"tools": toolDefinitions()}
		return response
	case "tools/call":
		params := toolCallParams{}
		if err := json.Unmarshal(request.Params, &params); err != nil {
			response.Error = &rpcError{Code: -32602, Message: "invalid tool call params"}
			return response
		}
		if params.Arguments == nil {
			params.Arguments = map[string]any{}
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
		defer cancel()
		var result any
		var callErr error
		switch params.Name {
		case toolReportPhase:
			result, callErr = server.callReportPhase(ctx, params.Arguments)
		case toolRepairStatus:
			result, callErr = server.callRepairStatus(ctx, params.Arguments)
		case toolCrashLog:
			result, callErr = server.callCrashLog(ctx, params.Arguments)
		default:
			response.Error = &rpcError{Code: -32601, Message: "unknown tool"}
			return response
		}
		if callErr != nil {
			response.Result = map[string]any{
				"isError": true,
				"content": []map[string]string{
					{"type": "text", "text": fmt.Sprintf(`{"ok":false,"error":"%s"}`, sanitizeError(callErr))},
				},
			}
			return response
		}
		resultJSON, _ := json.Marshal(result)
		response.Result = map[string]any{
			"content": []map[string]string{
				{"type": "text", "text": string(resultJSON)},
			},
			"structuredContent": result,
			"isError":           false,
		}
		return response
	default:
		response.Error = &rpcError{Code: -32601, Message: "method not found"}
		return response
	}
}

func toolDefinitions() []map[string]any {
	targetProperties := func(extra map[string]any) map[string]any {
		properties := map[string]any{
			"repair_id": map[string]string{"type": "string", "description": "Repair id from the crash notice. Optional when cwd has one active repair."},
			"cwd":       map[string]string{"type": "string", "description": "Project directory. Defaults to the MCP server's working directory."},
		}
		for key, value := range extra {
			properties[key] = value
		}
		return properties
	}
	agentPhases := make([]string, 0, len(repair.AgentPhases)+1)
	for _, phase := range repair.AgentPhases {
		agentPhases = append(agentPhases, string(phase))
	}
	agentPhases = append(agentPhases, string(repair.PhaseReadyToRestart))
	return []map[string]any{
		{
			"name":        toolReportPhase,
			"description": "Report repair progress to devheal. Report agent_started when you pick up the crash, agent_wrote_files with files_changed and lines_changed when your edits are saved.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": targetProperties(map[string]any{
					"phase":         map[string]any{"type": "string", "enum": agentPhases},
					"message":       map[string]string{"type": "string"},
					"files_changed": map[string]string{"type": "integer"},
					"lines_changed": map[string]string{"type": "integer"},
					"files":         map[string]any{"type": "array", "items": map[string]string{"type": "string"}},
				}),
				"required": []string{"phase"},
			},
		},
		{
			"name":        toolRepairStatus,
			"description": "Show the active devheal repair for a project: phase, attempt, crash log path and step history.",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": targetProperties(nil),
			},
		},
		{
			"name":        toolCrashLog,
			"description": "Return the captured dev-server output from the crash that started the repair.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": targetProperties(map[string]any{
					"max_chars": map[string]string{"type": "integer"},
				}),
			},
		},
	}
}

func (server *mcpServer) callReportPhase(ctx context.Context, arguments map[string]any) (any, error) {
	phase := strings.TrimSpace(toString(arguments["phase"]))
	if phase == "" {
		return nil, errors.New("phase is required")
	}
	if _, err := repair.ParsePhase(phase); err != nil {
		return nil, err
	}
	repairID, err := server.resolveRepairID(ctx, arguments)
	if err != nil {
		return nil, err
	}
	detail := map[string]any{}
	for _, key := range []string{"files_changed", "lines_changed"} {
		if value, exists := arguments[key]; exists {
			detail[key] = toInt(value)
		}
	}
	if files, ok := arguments["files"].([]any); ok && len(files) > 0 {
		names := make([]string, 0, len(files))
		for _, file := range files {
			if name := strings.TrimSpace(toString(file)); name != "" {
				names = append(names, name)
			}
		}
		detail["files"] = names
	}
	if len(detail) == 0 {
		detail = nil
	}
	response, err := server.client.ReportPhase(ctx, repairID, phase, toString(arguments["message"]), detail)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":           true,
		"repair_id":    response.Session.ID,
		"phase":        response.Session.Phase,
		"attempt":      response.Session.Attempt,
		"max_attempts": response.Session.MaxAttempts,
	}, nil
}

func (server *mcpServer) callRepairStatus(ctx context.Context, arguments map[string]any) (any, error) {
	if repairID := strings.TrimSpace(toString(arguments["repair_id"])); repairID != "" {
		if err := server.ensureDaemon(ctx); err != nil {
			return nil, err
		}
		return server.client.Repair(ctx, repairID)
	}
	cwd := server.targetCwd(arguments)
	if err := server.ensureDaemon(ctx); err != nil {
		return nil, err
	}
	session, found, err := server.client.ActiveRepair(ctx, cwd)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]any{"ok": true, "active": false, "cwd": cwd}, nil
	}
	return daemonclient.RepairResponse{OK: true, Active: true, Session: &session}, nil
}

func (server *mcpServer) callCrashLog(ctx context.Context, arguments map[string]any) (any, error) {
	repairID, err := server.resolveRepairID(ctx, arguments)
	if err != nil {
		return nil, err
	}
	crashLog, err := server.client.CrashLog(ctx, repairID)
	if err != nil {
		return nil, err
	}
	maxChars := toInt(arguments["max_chars"])
	if maxChars <= 0 {
		maxChars = maxCrashLogChars()
	}
	truncated := false
	if len(crashLog) > maxChars {
		crashLog = crashLog[len(crashLog)-maxChars:]
		truncated = true
	}
	return map[string]any{"ok": true, "repair_id": repairID, "crash_log": crashLog, "truncated": truncated}, nil
}

// resolveRepairID prefers an explicit repair_id and otherwise looks up the
// active repair for the target directory.
func (server *mcpServer) resolveRepairID(ctx context.Context, arguments map[string]any) (string, error) {
	if err := server.ensureDaemon(ctx); err != nil {
		return "", err
	}
	if repairID := strings.TrimSpace(toString(arguments["repair_id"])); repairID != "" {
		return repairID, nil
	}
	cwd := server.targetCwd(arguments)
	if cwd == "" {
		return "", errors.New("repair_id or cwd is required")
	}
	session, found, err := server.client.ActiveRepair(ctx, cwd)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("no active repair for %s", cwd)
	}
	return session.ID, nil
}

func (server *mcpServer) targetCwd(arguments map[string]any) string {
	if cwd := strings.TrimSpace(toString(arguments["cwd"])); cwd != "" {
		return cwd
	}
	return server.defaultCwd
}

func (server *mcpServer) ensureDaemon(ctx context.Context) error {
	if !server.autoStart {
		return nil
	}
	return server.client.EnsureDaemon(ctx)
}

func readRPCMessage(reader *bufio.Reader) ([]byte, bool, error) {
	// Some MCP clients send JSON-RPC as newline-delimited JSON over stdio,
	// while others use Content-Length framing.
	for {
		peeked, err := reader.Peek(1)
		if err != nil {
			return nil, false, err
		}
		if len(peeked) == 0 {
			return nil, false, io.EOF
		}
		switch peeked[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := reader.ReadByte(); err != nil {
				return nil, false, err
			}
			continue
		case '{', '[':
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					trimmed := bytes.TrimSpace(line)
					if len(trimmed) > 0 {
						return trimmed, true, nil
					}
				}
				return nil, false, err
			}
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) == 0 {
				continue
			}
			return trimmed, true, nil
		default:
			payload, readErr := readFramedMessage(reader)
			return payload, false, readErr
		}
	}
}

func readFramedMessage(reader *bufio.Reader) ([]byte, error) {
	contentLength := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "content-length:") {
			rawLength := strings.TrimSpace(trimmed[len("content-length:"):])
			parsedLength, parseErr := strconv.Atoi(rawLength)
			if parseErr != nil {
				return nil, parseErr
			}
			contentLength = parsedLength
		}
	}
	if contentLength < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}
	payload := make([]byte, contentLength)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (server *mcpServer) writeResponse(response rpcResponse) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return err
	}
	server.writeMutex.Lock()
	defer server.writeMutex.Unlock()
	if server.useLineJSON {
		if _, err := server.writer.Write(payload); err != nil {
			return err
		}
		if err := server.writer.WriteByte('\n'); err != nil {
			return err
		}
		return server.writer.Flush()
	}
	if _, err := fmt.Fprintf(server.writer, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := server.writer.Write(payload); err != nil {
		return err
	}
	return server.writer.Flush()
}

func decodeID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var integerID int64
	if err := json.Unmarshal(raw, &integerID); err == nil {
		return integerID
	}
	var stringID string
	if err := json.Unmarshal(raw, &stringID); err == nil {
		return stringID
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err == nil {
		return generic
	}
	return nil
}

func toInt(value any) int {
	switch typed := value.(type) {
	case float64:
		return int(typed)
	case float32:
		return int(typed)
	case int:
		return typed
	case int32:
		return int(typed)
	case int64:
		return int(typed)
	case json.Number:
		parsed, err := typed.Int64()
		if err == nil {
			return int(parsed)
		}
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(typed))
		if err == nil {
			return parsed
		}
	}
	return 0
}

func toString(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	default:
		return ""
	}
}

func sanitizeError(err error) string {
	message := strings.ReplaceAll(err.Error(), `"`, `'`)
	message = strings.ReplaceAll(message, "\n", " ")
	if strings.TrimSpace(message) == "" {
		return "unknown error"
	}
	return message
}

func maxCrashLogChars() int {
	raw := strings.TrimSpace(os.Getenv("DEVHEAL_MCP_MAX_LOG_CHARS"))
	if raw == "" {
		return defaultMaxCrashLogChars
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return defaultMaxCrashLogChars
	}
	return parsed
}
