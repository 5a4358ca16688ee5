package runtimeconfig

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/BegaDeveloper/devheal/internal/healer"
	"github.com/BegaDeveloper/devheal/internal/health"
	"github.com/BegaDeveloper/devheal/internal/runner"
)

const DefaultDaemonAddr = "127.0.0.1:8797"

// Duration reads Go duration strings ("30s", "5m") from TOML.
type Duration struct {
	time.Duration
}

func (duration *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	duration.Duration = parsed
	return nil
}

func (duration Duration) MarshalText() ([]byte, error) {
	return []byte(duration.Duration.String()), nil
}

type DaemonConfig struct {
	Addr        string `toml:"addr"`
	Token       string `toml:"token"`
	DisableAuth bool   `toml:"disable_auth"`
	DBPath      string `toml:"db_path"`
}

type RunnerConfig struct {
	StartupTimeout     Duration `toml:"startup_timeout"`
	MaxStartAttempts   int      `toml:"max_start_attempts"`
	CrashLoopThreshold int      `toml:"crash_loop_threshold"`
	CrashLoopWindow    Duration `toml:"crash_loop_window"`
	StopGracePeriod    Duration `toml:"stop_grace_period"`
	UsePTY             bool     `toml:"use_pty"`
	ExtraPath          []string `toml:"extra_path"`
}

type HealerConfig struct {
	Mode             string   `toml:"mode"`
	MaxAttempts      int      `toml:"max_attempts"`
	BackoffBase      Duration `toml:"backoff_base"`
	BackoffMax       Duration `toml:"backoff_max"`
	EngageTimeout    Duration `toml:"engage_timeout"`
	WriteTimeout     Duration `toml:"write_timeout"`
	QuietPeriod      Duration `toml:"quiet_period"`
	Cooldown         Duration `toml:"cooldown"`
	MaxFilesChanged  int      `toml:"max_files_changed"`
	MaxLinesChanged  int      `toml:"max_lines_changed"`
	HealthTimeout    Duration `toml:"health_timeout"`
	HealthRetries    int      `toml:"health_retries"`
	HealthRetryDelay Duration `toml:"health_retry_delay"`
}

// Config is the global supervisor configuration.
type Config struct {
	Path   string       `toml:"-"`
	Daemon DaemonConfig `toml:"daemon"`
	Runner RunnerConfig `toml:"runner"`
	Healer HealerConfig `toml:"healer"`
}

func Default() Config {
	healerDefaults := healer.DefaultConfig()
	return Config{
		Daemon: DaemonConfig{Addr: DefaultDaemonAddr},
		Runner: RunnerConfig{
			StartupTimeout:     Duration{30 * time.Second},
			MaxStartAttempts:   3,
			CrashLoopThreshold: 3,
			CrashLoopWindow:    Duration{60 * time.Second},
			StopGracePeriod:    Duration{5 * time.Second},
		},
		Healer: HealerConfig{
			Mode:             string(healerDefaults.Mode),
			MaxAttempts:      healerDefaults.MaxAttempts,
			BackoffBase:      Duration{healerDefaults.BackoffBase},
			BackoffMax:       Duration{healerDefaults.BackoffMax},
			EngageTimeout:    Duration{healerDefaults.EngageTimeout},
			WriteTimeout:     Duration{healerDefaults.WriteTimeout},
			QuietPeriod:      Duration{healerDefaults.QuietPeriod},
			Cooldown:         Duration{healerDefaults.Cooldown},
			MaxFilesChanged:  healerDefaults.MaxFilesChanged,
			MaxLinesChanged:  healerDefaults.MaxLinesChanged,
			HealthTimeout:    Duration{healerDefaults.Health.Timeout},
			HealthRetries:    healerDefaults.Health.Retries,
			HealthRetryDelay: Duration{healerDefaults.Health.RetryDelay},
		},
	}
}

func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory failed: %w", err)
	}
	return filepath.Join(homeDir, ".devheal", "config.toml"), nil
}

// Load layers the file over defaults and then environment overrides. A
// missing file is not an error.
func Load(path string) (Config, error) {
	configPath := strings.TrimSpace(path)
	if configPath == "" {
		resolvedPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		configPath = resolvedPath
	}
	config := Default()
	if _, err := toml.DecodeFile(configPath, &config); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read config %s failed: %w", configPath, err)
	}
	config.Path = configPath
	config.applyEnv()
	return config, nil
}

func (config *Config) applyEnv() {
	config.Daemon.Addr = ResolveString("DEVHEAL_DAEMON_ADDR", config.Daemon.Addr)
	config.Daemon.Token = ResolveString("DEVHEAL_DAEMON_TOKEN", config.Daemon.Token)
	config.Daemon.DisableAuth = ResolveBool("DEVHEAL_DAEMON_DISABLE_AUTH", config.Daemon.DisableAuth)
	config.Daemon.DBPath = ResolveString("DEVHEAL_DAEMON_DB", config.Daemon.DBPath)
	config.Healer.Mode = ResolveString("DEVHEAL_MODE", config.Healer.Mode)
	config.Runner.UsePTY = ResolveBool("DEVHEAL_USE_PTY", config.Runner.UsePTY)
}

// Save writes config as TOML. Values that came from the environment are
// written too.
func Save(config Config) error {
	if strings.TrimSpace(config.Path) == "" {
		return errors.New("config path is required")
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o700); err != nil {
		return fmt.Errorf("create config directory failed: %w", err)
	}
	var buffer bytes.Buffer
	buffer.WriteString("# devheal runtime config\n")
	if err := toml.NewEncoder(&buffer).Encode(config); err != nil {
		return fmt.Errorf("encode config failed: %w", err)
	}
	if err := os.WriteFile(config.Path, buffer.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config failed: %w", err)
	}
	return nil
}

// ResolveString prefers a non-empty environment variable over fallback.
func ResolveString(key string, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return strings.TrimSpace(fallback)
}

// ResolveBool reads truthy environment values; an unset or unparseable
// variable keeps fallback.
func ResolveBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if parsed, err := strconv.ParseBool(raw); err == nil {
			return parsed
		}
		return fallback
	}
}

// EnsureToken generates a daemon token when none is configured.
func EnsureToken(config Config) (Config, string, error) {
	existing := strings.TrimSpace(config.Daemon.Token)
	if existing != "" {
		return config, existing, nil
	}
	tokenBytes := make([]byte, 24)
	if _, err := rand.Read(tokenBytes); err != nil {
		return config, "", fmt.Errorf("generate token failed: %w", err)
	}
	token := hex.EncodeToString(tokenBytes)
	config.Daemon.Token = token
	return config, token, nil
}

func (config Config) RunnerConfig() runner.Config {
	return runner.Config{
		StartupTimeout:     config.Runner.StartupTimeout.Duration,
		MaxStartAttempts:   config.Runner.MaxStartAttempts,
		CrashLoopThreshold: config.Runner.CrashLoopThreshold,
		CrashLoopWindow:    config.Runner.CrashLoopWindow.Duration,
		StopGracePeriod:    config.Runner.StopGracePeriod.Duration,
		ExtraPath:          config.Runner.ExtraPath,
		UsePTY:             config.Runner.UsePTY,
	}
}

func (config Config) HealerConfig() healer.Config {
	return healer.Config{
		Mode:            healer.ParseMode(config.Healer.Mode),
		MaxAttempts:     config.Healer.MaxAttempts,
		BackoffBase:     config.Healer.BackoffBase.Duration,
		BackoffMax:      config.Healer.BackoffMax.Duration,
		EngageTimeout:   config.Healer.EngageTimeout.Duration,
		WriteTimeout:    config.Healer.WriteTimeout.Duration,
		QuietPeriod:     config.Healer.QuietPeriod.Duration,
		Cooldown:        config.Healer.Cooldown.Duration,
		MaxFilesChanged: config.Healer.MaxFilesChanged,
		MaxLinesChanged: config.Healer.MaxLinesChanged,
		Health: health.CheckOptions{
			Timeout:    config.Healer.HealthTimeout.Duration,
			Retries:    config.Healer.HealthRetries,
			RetryDelay: config.Healer.HealthRetryDelay.Duration,
		},
	}
}
