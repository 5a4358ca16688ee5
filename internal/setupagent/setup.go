// Package setupagent writes the MCP server configuration and the agent
// instructions that let a coding agent take part in devheal repairs.
package setupagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BegaDeveloper/devheal/internal/daemonclient"
	"github.com/BegaDeveloper/devheal/internal/runtimeconfig"
)

const (
	CursorMCPFile         = "cursor-devheal-mcp.json"
	WorkspaceMCPFile      = "mcp.json"
	ClaudeMCPFile         = "claude-devheal-mcp.json"
	AgentInstructionsFile = "agent-instructions.md"
)

type Options struct {
	// ConfigPath is the runtime config file; empty means ~/.devheal/config.toml.
	ConfigPath string
	// OutputDir receives the generated files; empty means DEVHEAL_SETUP_OUT_DIR or ~/.devheal.
	OutputDir string
	// MCPCommand launches "devheal mcp"; empty means the running executable.
	MCPCommand  string
	SkipDaemon  bool
	DaemonCheck time.Duration
}

type mcpServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
}

type cursorMCPConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
}

type workspaceMCPConfig struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

// GeneratedFiles lists the files Run writes, relative to the output dir.
func GeneratedFiles() []string {
	return []string{CursorMCPFile, WorkspaceMCPFile, ClaudeMCPFile, AgentInstructionsFile}
}

func Run(out io.Writer, options Options) error {
	config, err := runtimeconfig.Load(options.ConfigPath)
	if err != nil {
		return err
	}
	if !config.Daemon.DisableAuth && strings.TrimSpace(config.Daemon.Token) == "" {
		config, _, err = runtimeconfig.EnsureToken(config)
		if err != nil {
			return err
		}
		if err := runtimeconfig.Save(config); err != nil {
			return err
		}
		fmt.Fprintf(out, "Generated daemon token in %s\n", config.Path)
	}

	outDir := options.OutputDir
	if outDir == "" {
		outDir, err = DefaultOutputDir()
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory failed: %w", err)
	}

	mcpCommand := strings.TrimSpace(options.MCPCommand)
	if mcpCommand == "" {
		executablePath, execErr := os.Executable()
		if execErr != nil {
			return fmt.Errorf("resolve devheal executable failed: %w", execErr)
		}
		mcpCommand = executablePath
	}
	client := daemonclient.New(config)
	env := map[string]string{"DEVHEAL_DAEMON_URL": client.BaseURL}
	mcpArgs := []string{"mcp"}

	if err := writeJSONFile(filepath.Join(outDir, CursorMCPFile), cursorMCPConfig{Name: "devheal", Command: mcpCommand, Args: mcpArgs, Env: env}); err != nil {
		return err
	}
	workspace := workspaceMCPConfig{MCPServers: map[string]mcpServerEntry{
		"devheal": {Command: mcpCommand, Args: mcpArgs, Env: env},
	}}
	if err := writeJSONFile(filepath.Join(outDir, WorkspaceMCPFile), workspace); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(outDir, ClaudeMCPFile), workspace); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, AgentInstructionsFile), []byte(AgentInstructions(config.Healer)), 0o644); err != nil {
		return err
	}

	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "devheal setup-agent complete.")
	fmt.Fprintf(out, "Cursor MCP server file: %s\n", filepath.Join(outDir, CursorMCPFile))
	fmt.Fprintf(out, "Workspace mcp.json: %s\n", filepath.Join(outDir, WorkspaceMCPFile))
	fmt.Fprintf(out, "Claude MCP config: %s\n", filepath.Join(outDir, ClaudeMCPFile))
	fmt.Fprintf(out, "Agent instructions: %s\n", filepath.Join(outDir, AgentInstructionsFile))

	if !options.SkipDaemon {
		timeout := options.DaemonCheck
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if daemonErr := client.EnsureDaemon(ctx); daemonErr != nil {
			fmt.Fprintf(out, "\nWarning: %v\nStart it with: devheald (or devheald install-service)\n", daemonErr)
		}
	}

	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Minimal next step:")
	fmt.Fprintln(out, "1) Register the devheal MCP server in your agent using one of the JSON files above.")
	fmt.Fprintln(out, "2) Add agent-instructions.md to the agent's rules or system instructions.")
	return nil
}

func DefaultOutputDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("DEVHEAL_SETUP_OUT_DIR")); override != "" {
		return override, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory failed: %w", err)
	}
	return filepath.Join(homeDir, ".devheal"), nil
}

// AgentInstructions renders the phase-reporting protocol with the
// configured safety-gate limits.
func AgentInstructions(healerConfig runtimeconfig.HealerConfig) string {
	var builder strings.Builder
	builder.WriteString("# devheal repair protocol\n\n")
	builder.WriteString("devheal supervises this project's dev server. When it crashes in agent mode, devheal opens a repair and waits for you.\n\n")
	builder.WriteString("1. Call `devheal_repair_status` (pass `cwd` = project root) to get the active repair id and crash log path.\n")
	builder.WriteString("2. Report `agent_started` with `devheal_report_phase` as soon as you pick the repair up.\n")
	fmt.Fprintf(&builder, "   devheal restarts without you if nothing is reported within %s.\n", healerConfig.EngageTimeout.Duration)
	builder.WriteString("3. Read the crash output with `devheal_crash_log` and report `agent_reading_log`.\n")
	builder.WriteString("4. Report `agent_applying_fix` while editing.\n")
	builder.WriteString("5. When your edits are saved, report `agent_wrote_files` with `files_changed`, `lines_changed` and `files`.\n")
	fmt.Fprintf(&builder, "   You have %s from agent_started to this point.\n", healerConfig.WriteTimeout.Duration)
	builder.WriteString("6. devheal restarts the server and checks health itself. Do not start or kill the dev server yourself.\n\n")
	builder.WriteString("Limits:\n")
	fmt.Fprintf(&builder, "- Change at most %d files and %d lines per attempt. Larger fixes stop the repair and hand it to a human.\n", healerConfig.MaxFilesChanged, healerConfig.MaxLinesChanged)
	fmt.Fprintf(&builder, "- At most %d attempts per crash. After that devheal refuses new repairs for %s.\n", healerConfig.MaxAttempts, healerConfig.Cooldown.Duration)
	builder.WriteString("- Fix the cause shown in the crash log. Do not disable tests, linters or the failing code path.\n")
	builder.WriteString("\nWithout MCP, the same reports work from a shell: `devheal report <phase> --files N --lines N`.\n")
	return builder.String()
}

func writeJSONFile(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
