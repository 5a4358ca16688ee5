package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BegaDeveloper/devheal/internal/daemonclient"
	"github.com/BegaDeveloper/devheal/internal/events"
	"github.com/BegaDeveloper/devheal/internal/mcpserver"
	"github.com/BegaDeveloper/devheal/internal/repair"
	"github.com/BegaDeveloper/devheal/internal/resolver"
)

func newPlanCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the start plan devheal would use for a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := app.projectDir()
			if err != nil {
				return err
			}
			client, err := app.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			response, err := client.Plan(cmd.Context(), dir)
			if err != nil {
				return err
			}
			if app.wantsJSON() {
				return app.printJSON(response)
			}
			printPlan(app, response.ProjectKey, response.Plan)
			if response.PolicyError != "" {
				fmt.Fprintf(app.stdout, "Policy:     %s\n", response.PolicyError)
			}
			if response.NeedsVerification {
				fmt.Fprintln(app.stdout, "\nThis plan needs confirmation: run `devheal start --confirm` once it looks right.")
			}
			return nil
		},
	}
}

func printPlan(app *cliApp, projectKey string, plan resolver.Plan) {
	fmt.Fprintf(app.stdout, "Project:    %s\n", projectKey)
	fmt.Fprintf(app.stdout, "Command:    %s\n", plan.Command.String())
	if plan.SpawnDir != "" && plan.SpawnDir != plan.WorkingDir {
		fmt.Fprintf(app.stdout, "Runs in:    %s\n", plan.SpawnDir)
	}
	if plan.Port > 0 {
		fmt.Fprintf(app.stdout, "Port:       %d (%s)\n", plan.Port, plan.Metadata.PortSource)
	}
	fmt.Fprintf(app.stdout, "Confidence: %s (%s)\n", plan.Confidence, plan.Metadata.Source)
	if len(plan.Reasons) > 0 {
		fmt.Fprintln(app.stdout, "Reasons:")
		for _, reason := range plan.Reasons {
			fmt.Fprintf(app.stdout, "  - %s\n", reason)
		}
	}
}

func newStartCmd(app *cliApp) *cobra.Command {
	confirm := false
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the project's dev server under devheald",
		Long: `Start the project's dev server under devheald.

Low-confidence plans and plans nobody has confirmed yet are refused until you
pass --confirm. Use "devheal plan" first to see what would run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := app.projectDir()
			if err != nil {
				return err
			}
			client, err := app.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			response, startErr := client.Start(cmd.Context(), dir, confirm)
			if app.wantsJSON() {
				if printErr := app.printJSON(response); printErr != nil {
					return printErr
				}
				return startErr
			}
			if startErr != nil {
				if response.NeedsVerification {
					printPlan(app, response.ProjectKey, response.Plan)
					return errors.New("plan needs confirmation; rerun with --confirm")
				}
				if response.Excerpt != "" {
					fmt.Fprintf(app.stderr, "Last output:\n%s\n", response.Excerpt)
				}
				return startErr
			}
			fmt.Fprintf(app.stdout, "Started %s\n", response.Plan.Command.String())
			fmt.Fprintf(app.stdout, "URL:  %s\n", response.Result.URL)
			fmt.Fprintf(app.stdout, "PID:  %d\n", response.Result.PID)
			if response.Result.Attempts > 1 {
				fmt.Fprintf(app.stdout, "Took %d attempts\n", response.Result.Attempts)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Accept a plan that needs verification")
	return cmd
}

func newStopCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the project's dev server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := app.projectDir()
			if err != nil {
				return err
			}
			client, err := app.client(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := client.Stop(cmd.Context(), dir); err != nil {
				return err
			}
			if app.wantsJSON() {
				return app.printJSON(map[string]any{"ok": true, "cwd": dir})
			}
			fmt.Fprintln(app.stdout, "Stopped.")
			return nil
		},
	}
}

func newStatusCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the dev server and repair state for a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := app.projectDir()
			if err != nil {
				return err
			}
			client, err := app.client(cmd.Context(), false)
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context(), dir)
			if err != nil {
				return err
			}
			if app.wantsJSON() {
				return app.printJSON(status)
			}
			printStatus(app, status)
			return nil
		},
	}
}

func printStatus(app *cliApp, status daemonclient.StatusResponse) {
	fmt.Fprintf(app.stdout, "Project: %s\n", status.ProjectKey)
	fmt.Fprintf(app.stdout, "State:   %s\n", status.Runner.State)
	if status.Runner.URL != "" {
		fmt.Fprintf(app.stdout, "URL:     %s\n", status.Runner.URL)
	}
	if status.Runner.PID > 0 {
		fmt.Fprintf(app.stdout, "PID:     %d\n", status.Runner.PID)
	}
	if status.Runner.Command != "" {
		fmt.Fprintf(app.stdout, "Command: %s\n", status.Runner.Command)
	}
	if status.Runner.RecentCrashes > 0 {
		fmt.Fprintf(app.stdout, "Crashes: %d recent", status.Runner.RecentCrashes)
		if status.Runner.CrashLooping {
			fmt.Fprint(app.stdout, " (crash loop, auto-restart paused)")
		}
		fmt.Fprintln(app.stdout)
	}
	if status.CooldownUntil != nil {
		fmt.Fprintf(app.stdout, "Cooldown: agent repairs paused until %s\n", status.CooldownUntil.Local().Format(time.Kitchen))
	}
	if status.ActiveRepair != nil {
		fmt.Fprintf(app.stdout, "Repair:  %s %s (attempt %d/%d)\n", status.ActiveRepair.ID, status.ActiveRepair.Phase, status.ActiveRepair.Attempt, status.ActiveRepair.MaxAttempts)
	} else if status.RepairLocked {
		fmt.Fprintln(app.stdout, "Repair:  in progress")
	}
	if override := status.Config.UserOverride; override != nil {
		fmt.Fprintf(app.stdout, "Override: %s", override.Command.String())
		if override.Port > 0 {
			fmt.Fprintf(app.stdout, " on port %d", override.Port)
		}
		fmt.Fprintln(app.stdout)
	}
	if lastKnownGood := status.Config.LastKnownGood; lastKnownGood != nil {
		fmt.Fprintf(app.stdout, "Last good: %s (%s)\n", lastKnownGood.Command.String(), lastKnownGood.RecordedAt.Local().Format(time.RFC822))
	}
	if failure := status.Config.LastFailure; failure != nil {
		fmt.Fprintf(app.stdout, "Last failure: %s\n", failure.Message)
	}
}

func newOverrideCmd(app *cliApp) *cobra.Command {
	port := 0
	cmd := &cobra.Command{
		Use:   "override <command>",
		Short: "Pin the start command (and optionally port) for a project",
		Example: `  devheal override "pnpm dev"
  devheal override "npm run dev" --port 3001`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := app.projectDir()
			if err != nil {
				return err
			}
			client, err := app.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			if err := client.Override(cmd.Context(), dir, args[0], port); err != nil {
				return err
			}
			if app.wantsJSON() {
				return app.printJSON(map[string]any{"ok": true, "cwd": dir, "command": args[0], "port": port})
			}
			fmt.Fprintf(app.stdout, "Override saved: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port the dev server listens on")
	return cmd
}

func newResetCmd(app *cliApp) *cobra.Command {
	clearCrashes := false
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget the override, last-known-good command and last failure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := app.projectDir()
			if err != nil {
				return err
			}
			client, err := app.client(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := client.Reset(cmd.Context(), dir); err != nil {
				return err
			}
			if clearCrashes {
				if err := client.ClearCrashHistory(cmd.Context(), dir); err != nil {
					return err
				}
			}
			if app.wantsJSON() {
				return app.printJSON(map[string]any{"ok": true, "cwd": dir, "crash_history_cleared": clearCrashes})
			}
			fmt.Fprintln(app.stdout, "Project config reset.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearCrashes, "crashes", false, "Also clear crash history and repair cooldown")
	return cmd
}

func newReportCmd(app *cliApp) *cobra.Command {
	repairID := ""
	filesChanged := -1
	linesChanged := -1
	files := []string{}
	cmd := &cobra.Command{
		Use:   "report <phase> [message]",
		Short: "Report repair progress for the active repair",
		Long: `Report repair progress for the active repair.

Phases: agent_started, agent_reading_log, agent_applying_fix, agent_wrote_files,
ready_to_restart. Without --repair the active repair for the project is used.`,
		Example: `  devheal report agent_started
  devheal report agent_wrote_files "fixed vite alias" --files 1 --lines 4 --file vite.config.ts`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := repair.ParsePhase(args[0])
			if err != nil {
				return err
			}
			message := ""
			if len(args) > 1 {
				message = args[1]
			}
			client, err := app.client(cmd.Context(), false)
			if err != nil {
				return err
			}
			if repairID == "" {
				dir, dirErr := app.projectDir()
				if dirErr != nil {
					return dirErr
				}
				session, found, lookupErr := client.ActiveRepair(cmd.Context(), dir)
				if lookupErr != nil {
					return lookupErr
				}
				if !found {
					return fmt.Errorf("no active repair for %s", dir)
				}
				repairID = session.ID
			}
			detail := map[string]any{}
			if filesChanged >= 0 {
				detail["files_changed"] = filesChanged
			}
			if linesChanged >= 0 {
				detail["lines_changed"] = linesChanged
			}
			if len(files) > 0 {
				detail["files"] = files
			}
			if len(detail) == 0 {
				detail = nil
			}
			response, err := client.ReportPhase(cmd.Context(), repairID, string(phase), message, detail)
			if err != nil {
				return err
			}
			if app.wantsJSON() {
				return app.printJSON(response)
			}
			fmt.Fprintf(app.stdout, "Repair %s is now %s (attempt %d/%d)\n", response.Session.ID, response.Session.Phase, response.Session.Attempt, response.Session.MaxAttempts)
			return nil
		},
	}
	cmd.Flags().StringVar(&repairID, "repair", "", "Repair id (default: active repair for the project)")
	cmd.Flags().IntVar(&filesChanged, "files", -1, "Number of files changed")
	cmd.Flags().IntVar(&linesChanged, "lines", -1, "Number of lines changed")
	cmd.Flags().StringArrayVar(&files, "file", nil, "Changed file path (repeatable)")
	return cmd
}

func newRepairsCmd(app *cliApp) *cobra.Command {
	limit := 20
	all := false
	cmd := &cobra.Command{
		Use:   "repairs",
		Short: "List active and past repairs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if !all {
				projectDir, err := app.projectDir()
				if err != nil {
					return err
				}
				dir = projectDir
			}
			client, err := app.client(cmd.Context(), false)
			if err != nil {
				return err
			}
			response, err := client.Repairs(cmd.Context(), dir, limit)
			if err != nil {
				return err
			}
			if app.wantsJSON() {
				return app.printJSON(response)
			}
			if len(response.Active) == 0 && len(response.History) == 0 {
				fmt.Fprintln(app.stdout, "No repairs recorded.")
				return nil
			}
			for _, session := range response.Active {
				fmt.Fprintf(app.stdout, "ACTIVE  %s  %-22s attempt %d/%d  %s\n", session.ID, session.Phase, session.Attempt, session.MaxAttempts, session.ProjectKey)
			}
			for _, record := range response.History {
				duration := record.FinishedAt.Sub(record.StartedAt).Round(time.Second)
				fmt.Fprintf(app.stdout, "%s  %s  %-22s %s  %d attempt(s)  %s\n", record.FinishedAt.Local().Format("Jan 02 15:04"), record.ID, record.Outcome, record.Mode, record.Attempts, duration)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum history entries")
	cmd.Flags().BoolVar(&all, "all", false, "Include every project")
	return cmd
}

func newWatchCmd(app *cliApp) *cobra.Command {
	replay := 10
	all := false
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream crash and repair events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if !all {
				projectDir, err := app.projectDir()
				if err != nil {
					return err
				}
				dir = projectDir
			}
			client, err := app.client(cmd.Context(), false)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return client.Events(ctx, dir, replay, func(event events.Event) {
				if app.wantsJSON() {
					_ = app.printJSON(event)
					return
				}
				fmt.Fprintln(app.stdout, formatEvent(event))
			})
		},
	}
	cmd.Flags().IntVar(&replay, "replay", 10, "Replay this many recent events first")
	cmd.Flags().BoolVar(&all, "all", false, "Watch every project")
	return cmd
}

func formatEvent(event events.Event) string {
	parts := []string{event.Timestamp.Local().Format("15:04:05"), event.Phase}
	if event.MaxAttempts > 0 {
		parts = append(parts, fmt.Sprintf("%d/%d", event.Attempt, event.MaxAttempts))
	}
	if event.Message != "" {
		parts = append(parts, event.Message)
	}
	if primary, ok := event.Detail["primary_error"].(string); ok && primary != "" {
		parts = append(parts, "| "+primary)
	}
	return strings.Join(parts, "  ")
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run the stdio MCP server a repair agent reports through",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := mcpserver.Run(); err != nil {
				return fmt.Errorf("mcp server failed: %w", err)
			}
			return nil
		},
	}
}

func isUnauthorized(err error) bool {
	return daemonclient.IsStatus(err, http.StatusUnauthorized)
}
