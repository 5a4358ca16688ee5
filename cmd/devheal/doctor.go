package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BegaDeveloper/devheal/internal/daemonclient"
	"github.com/BegaDeveloper/devheal/internal/policy"
	"github.com/BegaDeveloper/devheal/internal/runtimeconfig"
	"github.com/BegaDeveloper/devheal/internal/setupagent"
)

type doctorCheck struct {
	name    string
	ok      bool
	details string
}

func newDoctorCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check daemon auth, daemon health, agent setup and project policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := runtimeconfig.Load("")
			if err != nil {
				return err
			}
			client, err := app.newClient()
			if err != nil {
				return err
			}
			outDir, err := setupagent.DefaultOutputDir()
			if err != nil {
				return err
			}
			dir, err := app.projectDir()
			if err != nil {
				return err
			}
			return runDoctor(app.stdout, app.stderr, []doctorCheck{
				checkDaemonToken(config),
				checkDaemonHealth(cmd.Context(), client),
				checkGeneratedConfigFiles(outDir),
				checkProjectPolicy(dir),
			})
		},
	}
}

func runDoctor(output io.Writer, errorOutput io.Writer, checks []doctorCheck) error {
	hasFailure := false
	for _, check := range checks {
		status := "PASS"
		if !check.ok {
			status = "FAIL"
			hasFailure = true
		}
		fmt.Fprintf(output, "[%s] %s: %s\n", status, check.name, check.details)
	}
	if hasFailure {
		fmt.Fprintln(errorOutput, "")
		fmt.Fprintln(errorOutput, "devheal doctor found configuration issues.")
		fmt.Fprintln(errorOutput, "Fix the failing checks and rerun: devheal doctor")
		return errors.New("one or more doctor checks failed")
	}
	fmt.Fprintln(output, "")
	fmt.Fprintln(output, "devheal doctor passed: daemon auth, daemon health, and MCP config look good.")
	return nil
}

func checkDaemonToken(config runtimeconfig.Config) doctorCheck {
	if config.Daemon.DisableAuth {
		return doctorCheck{
			name:    "daemon auth/token",
			ok:      true,
			details: "auth is disabled via [daemon] disable_auth or DEVHEAL_DAEMON_DISABLE_AUTH=true",
		}
	}
	if strings.TrimSpace(config.Daemon.Token) == "" {
		return doctorCheck{
			name:    "daemon auth/token",
			ok:      false,
			details: "no daemon token configured (run devheal setup-agent)",
		}
	}
	return doctorCheck{
		name:    "daemon auth/token",
		ok:      true,
		details: "token is configured",
	}
}

func checkDaemonHealth(ctx context.Context, client *daemonclient.Client) doctorCheck {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	health, err := client.Health(probeCtx)
	if err != nil {
		if isUnauthorized(err) {
			return doctorCheck{name: "daemon health", ok: false, details: "daemon rejected the configured token"}
		}
		return doctorCheck{
			name:    "daemon health",
			ok:      false,
			details: fmt.Sprintf("cannot reach daemon at %s/health (%v)", client.BaseURL, err),
		}
	}
	return doctorCheck{
		name:    "daemon health",
		ok:      true,
		details: fmt.Sprintf("%s %s is healthy (pid %d, %d project(s))", health.Service, health.Version, health.PID, health.Projects),
	}
}

func checkGeneratedConfigFiles(baseDir string) doctorCheck {
	for _, name := range setupagent.GeneratedFiles() {
		path := filepath.Join(baseDir, name)
		info, statErr := os.Stat(path)
		if statErr != nil {
			return doctorCheck{
				name:    "mcp config files",
				ok:      false,
				details: fmt.Sprintf("missing %s (run devheal setup-agent)", path),
			}
		}
		if info.Size() == 0 {
			return doctorCheck{
				name:    "mcp config files",
				ok:      false,
				details: fmt.Sprintf("empty file %s", path),
			}
		}
		if filepath.Ext(name) != ".json" {
			continue
		}
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return doctorCheck{
				name:    "mcp config files",
				ok:      false,
				details: fmt.Sprintf("read failed for %s: %v", path, readErr),
			}
		}
		var payload any
		if unmarshalErr := json.Unmarshal(raw, &payload); unmarshalErr != nil {
			return doctorCheck{
				name:    "mcp config files",
				ok:      false,
				details: fmt.Sprintf("invalid JSON in %s: %v", path, unmarshalErr),
			}
		}
	}
	return doctorCheck{
		name:    "mcp config files",
		ok:      true,
		details: "generated files exist and JSON is valid",
	}
}

func checkProjectPolicy(dir string) doctorCheck {
	projectPolicy, err := policy.Load(dir)
	if err != nil {
		return doctorCheck{name: "project policy", ok: false, details: err.Error()}
	}
	if projectPolicy == nil {
		return doctorCheck{name: "project policy", ok: true, details: "no " + policy.FileName + " (global defaults apply)"}
	}
	return doctorCheck{name: "project policy", ok: true, details: projectPolicy.Path() + " is valid"}
}

func newSetupAgentCmd(app *cliApp) *cobra.Command {
	outDir := ""
	skipDaemon := false
	cmd := &cobra.Command{
		Use:   "setup-agent",
		Short: "Write MCP server config and repair instructions for a coding agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupagent.Run(app.stdout, setupagent.Options{OutputDir: outDir, SkipDaemon: skipDaemon}); err != nil {
				return fmt.Errorf("setup-agent failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "Output directory (default ~/.devheal)")
	cmd.Flags().BoolVar(&skipDaemon, "no-daemon", false, "Do not start devheald")
	return cmd
}
