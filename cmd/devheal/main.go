package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/BegaDeveloper/devheal/internal/daemonclient"
	"github.com/BegaDeveloper/devheal/internal/runtimeconfig"
)

const (
	exitSuccess = 0
	exitFailure = 1
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	app := &cliApp{stdout: stdout, stderr: stderr, newClient: defaultClient}
	root := newRootCmd(app)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "devheal: %v\n", err)
		if isUnauthorized(err) {
			fmt.Fprintln(stderr, "The daemon rejected the token: check [daemon] token in ~/.devheal/config.toml or DEVHEAL_DAEMON_TOKEN.")
		}
		return exitFailure
	}
	return exitSuccess
}

// cliApp carries what every subcommand shares.
type cliApp struct {
	stdout    io.Writer
	stderr    io.Writer
	newClient func() (*daemonclient.Client, error)

	jsonOutput bool
	cwd        string
}

func defaultClient() (*daemonclient.Client, error) {
	config, err := runtimeconfig.Load("")
	if err != nil {
		return nil, err
	}
	return daemonclient.New(config), nil
}

func newRootCmd(app *cliApp) *cobra.Command {
	root := &cobra.Command{
		Use:   "devheal",
		Short: "Supervise and self-heal local dev servers",
		Long: `devheal talks to devheald, the local supervisor that starts a project's dev
server, watches it, and repairs it when it crashes.

Examples:
  devheal plan                  # Show which command would start this project
  devheal start                 # Start the dev server for the current directory
  devheal status --json         # Machine-readable status
  devheal report agent_started  # Report repair progress from a shell
  devheal setup-agent           # Write MCP config for your coding agent`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&app.jsonOutput, "json", false, "Output JSON (default when stdout is not a terminal)")
	root.PersistentFlags().StringVarP(&app.cwd, "cwd", "C", "", "Project directory (default: current directory)")

	root.AddCommand(
		newPlanCmd(app),
		newStartCmd(app),
		newStopCmd(app),
		newStatusCmd(app),
		newOverrideCmd(app),
		newResetCmd(app),
		newReportCmd(app),
		newRepairsCmd(app),
		newWatchCmd(app),
		newMCPCmd(),
		newDoctorCmd(app),
		newSetupAgentCmd(app),
	)
	return root
}

// wantsJSON is true with --json or when stdout is not an interactive terminal.
func (app *cliApp) wantsJSON() bool {
	if app.jsonOutput {
		return true
	}
	file, ok := app.stdout.(*os.File)
	if !ok {
		return false
	}
	return !isatty.IsTerminal(file.Fd()) && !isatty.IsCygwinTerminal(file.Fd())
}

func (app *cliApp) projectDir() (string, error) {
	dir := strings.TrimSpace(app.cwd)
	if dir == "" {
		workingDir, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = workingDir
	}
	absolute, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve project directory: %w", err)
	}
	return absolute, nil
}

func (app *cliApp) client(ctx context.Context, ensure bool) (*daemonclient.Client, error) {
	client, err := app.newClient()
	if err != nil {
		return nil, err
	}
	if ensure {
		if err := client.EnsureDaemon(ctx); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func (app *cliApp) printJSON(payload any) error {
	encoder := json.NewEncoder(app.stdout)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	return encoder.Encode(payload)
}
