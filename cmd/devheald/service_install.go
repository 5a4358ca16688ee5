package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/BegaDeveloper/devheal/internal/runtimeconfig"
)

const (
	launchdLabel   = "dev.devheal.devheald"
	systemdUnit    = "devheald.service"
	windowsTask    = "devheald"
	serviceLogName = "devheald.log"
)

func installService() error {
	config, err := runtimeconfig.Load("")
	if err != nil {
		return err
	}
	env := serviceEnv(config)
	switch runtime.GOOS {
	case "darwin":
		return installLaunchdService(env)
	case "linux":
		return installSystemdUserService(env)
	case "windows":
		return installWindowsTaskService(env)
	default:
		return fmt.Errorf("install-service is not supported on %s", runtime.GOOS)
	}
}

// serviceEnv is the environment baked into the service definition. The
// config file is re-read by the daemon itself, so only env overrides that
// are set right now need carrying over.
func serviceEnv(config runtimeconfig.Config) map[string]string {
	values := map[string]string{
		"DEVHEAL_DAEMON_ADDR": config.Daemon.Addr,
	}
	for _, key := range []string{"DEVHEAL_DAEMON_TOKEN", "DEVHEAL_DAEMON_DB", "DEVHEAL_MODE", "DEVHEAL_USE_PTY", "DEVHEAL_LOG_LEVEL", "DEVHEAL_LOG_FORMAT"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			values[key] = value
		}
	}
	if config.Daemon.DisableAuth {
		values["DEVHEAL_DAEMON_DISABLE_AUTH"] = "true"
	}
	return values
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for key, value := range env {
		if strings.TrimSpace(value) == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func renderLaunchdPlist(executable string, logDir string, env map[string]string) string {
	envEntries := make([]string, 0, len(env))
	for _, key := range sortedEnvKeys(env) {
		envEntries = append(envEntries, "<key>"+key+"</key><string>"+xmlEscape(env[key])+"</string>")
	}
	return `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
  <key>Label</key><string>` + launchdLabel + `</string>
  <key>ProgramArguments</key>
  <array><string>` + xmlEscape(executable) + `</string></array>
  <key>RunAtLoad</key><true/>
  <key>KeepAlive</key><true/>
  <key>StandardOutPath</key><string>` + xmlEscape(filepath.Join(logDir, serviceLogName)) + `</string>
  <key>StandardErrorPath</key><string>` + xmlEscape(filepath.Join(logDir, serviceLogName)) + `</string>
  <key>EnvironmentVariables</key><dict>` + strings.Join(envEntries, "") + `</dict>
</dict>
</plist>
`
}

func renderSystemdUnit(executable string, env map[string]string) string {
	envLines := make([]string, 0, len(env))
	for _, key := range sortedEnvKeys(env) {
		envLines = append(envLines, `Environment="`+key+"="+systemdEscape(env[key])+`"`)
	}
	return `[Unit]
Description=devheal dev-server supervisor
After=network.target

[Service]
Type=simple
ExecStart=` + executable + `
Restart=always
RestartSec=2
KillMode=mixed
TimeoutStopSec=15
` + strings.Join(envLines, "\n") + `

[Install]
WantedBy=default.target
`
}

func installLaunchdService(env map[string]string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	launchAgentsDir := filepath.Join(homeDir, "Library", "LaunchAgents")
	if err := os.MkdirAll(launchAgentsDir, 0o755); err != nil {
		return err
	}
	plistPath := filepath.Join(launchAgentsDir, launchdLabel+".plist")
	logDir := filepath.Join(homeDir, ".devheal")
	_ = os.MkdirAll(logDir, 0o700)
	if err := os.WriteFile(plistPath, []byte(renderLaunchdPlist(executable, logDir, env)), 0o644); err != nil {
		return err
	}
	_ = exec.Command("launchctl", "unload", plistPath).Run()
	if output, runErr := exec.Command("launchctl", "load", plistPath).CombinedOutput(); runErr != nil {
		return fmt.Errorf("launchctl load failed: %v (%s)", runErr, strings.TrimSpace(string(output)))
	}
	return nil
}

func installSystemdUserService(env map[string]string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	unitDir := filepath.Join(homeDir, ".config", "systemd", "user")
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return err
	}
	unitPath := filepath.Join(unitDir, systemdUnit)
	if err := os.WriteFile(unitPath, []byte(renderSystemdUnit(executable, env)), 0o644); err != nil {
		return err
	}
	if output, runErr := exec.Command("systemctl", "--user", "daemon-reload").CombinedOutput(); runErr != nil {
		return fmt.Errorf("systemctl daemon-reload failed: %v (%s)", runErr, strings.TrimSpace(string(output)))
	}
	if output, runErr := exec.Command("systemctl", "--user", "enable", "--now", systemdUnit).CombinedOutput(); runErr != nil {
		return fmt.Errorf("systemctl enable/start failed: %v (%s)", runErr, strings.TrimSpace(string(output)))
	}
	return nil
}

func installWindowsTaskService(env map[string]string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	scriptPath := filepath.Join(homeDir, ".devheal", "devheald-service.ps1")
	if err := os.MkdirAll(filepath.Dir(scriptPath), 0o700); err != nil {
		return err
	}
	lines := []string{}
	for _, key := range sortedEnvKeys(env) {
		lines = append(lines, `$env:`+key+` = "`+powerShellEscape(env[key])+`"`)
	}
	lines = append(lines, `Start-Process -WindowStyle Hidden -FilePath "`+powerShellEscape(executable)+`"`)
	script := strings.Join(lines, "\r\n") + "\r\n"
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return err
	}
	taskCommand := `powershell -NoProfile -ExecutionPolicy Bypass -File "` + scriptPath + `"`
	createArgs := []string{"/Create", "/TN", windowsTask, "/SC", "ONLOGON", "/TR", taskCommand, "/F"}
	if output, runErr := exec.Command("schtasks", createArgs...).CombinedOutput(); runErr != nil {
		return fmt.Errorf("schtasks create failed: %v (%s)", runErr, strings.TrimSpace(string(output)))
	}
	_, _ = exec.Command("schtasks", "/Run", "/TN", windowsTask).CombinedOutput()
	return nil
}

func xmlEscape(value string) string {
	escaped := strings.ReplaceAll(value, "&", "&amp;")
	escaped = strings.ReplaceAll(escaped, "<", "&lt;")
	escaped = strings.ReplaceAll(escaped, ">", "&gt;")
	return escaped
}

func systemdEscape(value string) string {
	return strings.ReplaceAll(value, `"`, `\"`)
}

func powerShellEscape(value string) string {
	escaped := strings.ReplaceAll(value, "`", "``")
	return strings.ReplaceAll(escaped, `"`, "`\"")
}
