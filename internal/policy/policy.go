package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BegaDeveloper/devheal/internal/healer"
)

const FileName = ".devheal.yaml"

// Policy is a project's .devheal.yaml.
type Policy struct {
	Version         int      `yaml:"version"`
	Mode            string   `yaml:"mode"`
	AgentRepair     *bool    `yaml:"agent_repair"`
	MaxAttempts     int      `yaml:"max_attempts"`
	MaxFilesChanged int      `yaml:"max_files_changed"`
	MaxLinesChanged int      `yaml:"max_lines_changed"`
	Cooldown        string   `yaml:"cooldown"`
	ExtraPath       []string `yaml:"extra_path"`
	DisableCleanup  bool     `yaml:"disable_cleanup"`
	AllowCommands   []string `yaml:"allow_commands"`
	DenyCommands    []string `yaml:"deny_commands"`

	path string
}

func (policy *Policy) Path() string {
	if policy == nil {
		return ""
	}
	return policy.path
}

// Find walks up from dir to the nearest policy file.
func Find(dir string) string {
	current := dir
	for {
		candidate := filepath.Join(current, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return ""
}

// Load returns nil, nil when no policy file applies to dir.
func Load(dir string) (*Policy, error) {
	path := Find(dir)
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	policy := Policy{}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	if policy.Mode != "" && policy.Mode != string(healer.ModeLegacy) && policy.Mode != string(healer.ModeAgent) {
		return nil, fmt.Errorf("invalid %s: mode %q must be legacy or agent", FileName, policy.Mode)
	}
	if policy.Cooldown != "" {
		if _, err := time.ParseDuration(policy.Cooldown); err != nil {
			return nil, fmt.Errorf("invalid %s: cooldown: %w", FileName, err)
		}
	}
	policy.path = path
	return &policy, nil
}

// Apply overlays the policy on the global healer config.
func (policy *Policy) Apply(base healer.Config) healer.Config {
	if policy == nil {
		return base
	}
	if policy.Mode != "" {
		base.Mode = healer.ParseMode(policy.Mode)
	}
	if policy.AgentRepair != nil {
		if *policy.AgentRepair {
			base.Mode = healer.ModeAgent
		} else {
			base.Mode = healer.ModeLegacy
		}
	}
	if policy.MaxAttempts > 0 {
		base.MaxAttempts = policy.MaxAttempts
	}
	if policy.MaxFilesChanged > 0 {
		base.MaxFilesChanged = policy.MaxFilesChanged
	}
	if policy.MaxLinesChanged > 0 {
		base.MaxLinesChanged = policy.MaxLinesChanged
	}
	if cooldown, err := time.ParseDuration(policy.Cooldown); err == nil && cooldown > 0 {
		base.Cooldown = cooldown
	}
	if policy.DisableCleanup {
		base.DisableCleanup = true
	}
	return base
}

// HealerPolicy adapts project policies to healer.PolicyFunc. Unreadable
// policies are reported through onError and ignored.
func HealerPolicy(onError func(dir string, err error)) healer.PolicyFunc {
	return func(projectDir string, base healer.Config) healer.Config {
		policy, err := Load(projectDir)
		if err != nil {
			if onError != nil {
				onError(projectDir, err)
			}
			return base
		}
		return policy.Apply(base)
	}
}

// ExtraPath returns the policy's extra PATH entries for dir, resolved
// relative to the policy file.
func ExtraPath(dir string) []string {
	policy, err := Load(dir)
	if err != nil || policy == nil {
		return nil
	}
	entries := make([]string, 0, len(policy.ExtraPath))
	for _, entry := range policy.ExtraPath {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		if !filepath.IsAbs(trimmed) {
			trimmed = filepath.Join(filepath.Dir(policy.path), trimmed)
		}
		entries = append(entries, trimmed)
	}
	return entries
}

// CheckCommand enforces allow_commands / deny_commands on a start command.
// Rules are exact strings or "exact:", "prefix:" and "re:" forms.
func (policy *Policy) CheckCommand(command string) error {
	if policy == nil {
		return nil
	}
	if matchesAnyRule(command, policy.DenyCommands) {
		return errors.New("blocked by policy: command denied")
	}
	if len(policy.AllowCommands) > 0 && !matchesAnyRule(command, policy.AllowCommands) {
		return errors.New("blocked by policy: command not in allow_commands")
	}
	return nil
}

func matchesAnyRule(command string, rules []string) bool {
	for _, rule := range rules {
		trimmed := strings.TrimSpace(rule)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "exact:") && strings.TrimSpace(strings.TrimPrefix(trimmed, "exact:")) == command {
			return true
		}
		if strings.HasPrefix(trimmed, "prefix:") && strings.HasPrefix(command, strings.TrimSpace(strings.TrimPrefix(trimmed, "prefix:"))) {
			return true
		}
		if strings.HasPrefix(trimmed, "re:") {
			pattern := strings.TrimSpace(strings.TrimPrefix(trimmed, "re:"))
			matched, err := regexp.MatchString(pattern, command)
			if err == nil && matched {
				return true
			}
			continue
		}
		if trimmed == command {
			return true
		}
	}
	return false
}
