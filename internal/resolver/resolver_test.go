package resolver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BegaDeveloper/devheal/internal/projectstore"
	"github.com/BegaDeveloper/devheal/internal/security"
)

type staticConfigs map[string]projectstore.ProjectConfig

func (configs staticConfigs) Get(projectKey string) (projectstore.ProjectConfig, error) {
	return configs[projectKey], nil
}

func TestResolve_FrameworkDefaultPortAndDevScript(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	mustWriteFile(t, filepath.Join(projectDir, "package.json"), `{
  "scripts": {"dev": "next dev", "build": "next build"},
  "dependencies": {"next": "14.0.0", "react": "18.2.0"}
}`)

	plan := New(nil).Resolve(projectDir)
	if plan.Confidence != ConfidenceHigh {
		t.Fatalf("expected high confidence, got %q (%v)", plan.Confidence, plan.Reasons)
	}
	if plan.Port != 3000 || plan.Metadata.PortSource != "framework_default" {
		t.Fatalf("expected framework default port 3000, got %d from %q", plan.Port, plan.Metadata.PortSource)
	}
	expected := security.SafeCommand{Binary: "npm", Args: []string{"run", "dev"}}
	if !plan.Command.Equal(expected) {
		t.Fatalf("expected %q, got %q", expected.String(), plan.Command.String())
	}
	if plan.Metadata.Framework != "nextjs" || plan.Metadata.ScriptName != "dev" {
		t.Fatalf("unexpected metadata %#v", plan.Metadata)
	}
	if len(plan.Reasons) == 0 {
		t.Fatalf("expected an audit trail")
	}
}

func TestResolve_OverrideWinsOverFrameworkDetection(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	mustWriteFile(t, filepath.Join(projectDir, "package.json"), `{
  "scripts": {"dev": "vite", "storybook": "storybook dev -p 6006"},
  "devDependencies": {"vite": "5.0.0"}
}`)
	override := security.SafeCommand{Binary: "npm", Args: []string{"run", "storybook"}}
	configs := staticConfigs{
		projectstore.ProjectKey(projectDir): {
			UserOverride:  &projectstore.Override{Command: override, Port: 6006},
			LastKnownGood: &projectstore.LastKnownGood{Command: security.SafeCommand{Binary: "npm", Args: []string{"run", "dev"}}},
		},
	}

	plan := New(configs).Resolve(projectDir)
	if !plan.Command.Equal(override) || plan.Confidence != ConfidenceHigh {
		t.Fatalf("expected override at high confidence, got %q at %q", plan.Command.String(), plan.Confidence)
	}
	if plan.Metadata.Source != SourceOverride || plan.Port != 6006 {
		t.Fatalf("unexpected plan %#v", plan)
	}
}

func TestResolve_OverrideWithMissingScriptFallsThrough(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	mustWriteFile(t, filepath.Join(projectDir, "package.json"), `{"scripts": {"start": "node server.js"}}`)
	configs := staticConfigs{
		projectstore.ProjectKey(projectDir): {
			UserOverride: &projectstore.Override{Command: security.SafeCommand{Binary: "npm", Args: []string{"run", "gone"}}},
		},
	}

	plan := New(configs).Resolve(projectDir)
	if plan.Metadata.Source != SourceScript || plan.Metadata.ScriptName != "start" {
		t.Fatalf("expected generic start script, got %#v", plan.Metadata)
	}
	if plan.Confidence != ConfidenceMedium {
		t.Fatalf("expected medium confidence, got %q", plan.Confidence)
	}
}

func TestResolve_LastKnownGoodHonorsSpawnDir(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	webDir := filepath.Join(projectDir, "apps", "web")
	mustMkdirAll(t, webDir)
	mustWriteFile(t, filepath.Join(webDir, "package.json"), `{"scripts": {"dev": "vite"}}`)
	command := security.SafeCommand{Binary: "pnpm", Args: []string{"run", "dev"}}
	configs := staticConfigs{
		projectstore.ProjectKey(projectDir): {
			LastKnownGood: &projectstore.LastKnownGood{Command: command, Port: 5174, Framework: "vite", SpawnDir: "apps/web"},
		},
	}

	plan := New(configs).Resolve(projectDir)
	if plan.Metadata.Source != SourceLastKnownGood || !plan.Command.Equal(command) {
		t.Fatalf("expected last-known-good plan, got %#v", plan)
	}
	if plan.Dir() != filepath.Join(projectstore.ProjectKey(projectDir), "apps", "web") {
		t.Fatalf("unexpected spawn dir %q", plan.Dir())
	}
	if plan.Port != 5174 || plan.PackageManager != "pnpm" {
		t.Fatalf("unexpected port/manager %d %q", plan.Port, plan.PackageManager)
	}
}

func TestResolve_EnvPortBeatsFrameworkDefault(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	mustWriteFile(t, filepath.Join(projectDir, "package.json"), `{"scripts": {"dev": "vite"}, "devDependencies": {"vite": "5"}}`)
	mustWriteFile(t, filepath.Join(projectDir, ".env.local"), "PORT=4444\n")

	plan := New(nil).Resolve(projectDir)
	if plan.Port != 4444 || plan.Metadata.PortSource != "env:.env.local" {
		t.Fatalf("expected env port, got %d from %q", plan.Port, plan.Metadata.PortSource)
	}
}

func TestResolve_ScriptFlagPort(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	mustWriteFile(t, filepath.Join(projectDir, "package.json"), `{"scripts": {"dev": "vite --port 5999"}, "devDependencies": {"vite": "5"}}`)

	plan := New(nil).Resolve(projectDir)
	if plan.Port != 5999 || plan.Metadata.PortSource != "script_flag" {
		t.Fatalf("expected script flag port, got %d from %q", plan.Port, plan.Metadata.PortSource)
	}
}

func TestResolve_UsesLockfilePackageManager(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	mustWriteFile(t, filepath.Join(projectDir, "package.json"), `{"scripts": {"serve": "http-server"}}`)
	mustWriteFile(t, filepath.Join(projectDir, "pnpm-lock.yaml"), "lockfileVersion: 9\n")

	plan := New(nil).Resolve(projectDir)
	expected := security.SafeCommand{Binary: "pnpm", Args: []string{"run", "serve"}}
	if !plan.Command.Equal(expected) {
		t.Fatalf("expected %q, got %q", expected.String(), plan.Command.String())
	}
}

func TestResolve_MonorepoDelegatesToWorkspaceMember(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	mustWriteFile(t, filepath.Join(projectDir, "package.json"), `{"workspaces": ["apps/*", "packages/*"]}`)
	mustMkdirAll(t, filepath.Join(projectDir, "packages", "ui"))
	mustWriteFile(t, filepath.Join(projectDir, "packages", "ui", "package.json"), `{"scripts": {"build": "tsc"}}`)
	mustMkdirAll(t, filepath.Join(projectDir, "apps", "docs"))
	mustWriteFile(t, filepath.Join(projectDir, "apps", "docs", "package.json"), `{"scripts": {"start": "node docs.js"}}`)
	mustMkdirAll(t, filepath.Join(projectDir, "apps", "web"))
	mustWriteFile(t, filepath.Join(projectDir, "apps", "web", "package.json"), `{"scripts": {"dev": "astro dev"}, "dependencies": {"astro": "4"}}`)

	plan := New(nil).Resolve(projectDir)
	if !plan.Metadata.UsedMonorepoWorkspace {
		t.Fatalf("expected monorepo delegation, got %#v", plan)
	}
	if plan.Metadata.Framework != "astro" || plan.Port != 4321 {
		t.Fatalf("expected the astro member to win, got %#v", plan)
	}
	projectKey := projectstore.ProjectKey(projectDir)
	if plan.WorkingDir != projectKey || plan.Dir() != filepath.Join(projectKey, "apps", "web") {
		t.Fatalf("unexpected dirs %q %q", plan.WorkingDir, plan.Dir())
	}
}

func TestResolve_NestedSubprojectWithoutWorkspaces(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	mustMkdirAll(t, filepath.Join(projectDir, "client"))
	mustWriteFile(t, filepath.Join(projectDir, "client", "package.json"), `{"scripts": {"dev": "vite"}, "devDependencies": {"vite": "5"}}`)

	plan := New(nil).Resolve(projectDir)
	if !plan.Metadata.UsedMonorepoWorkspace || plan.Metadata.Framework != "vite" {
		t.Fatalf("expected delegation to client, got %#v", plan)
	}
}

func TestResolve_NoDescriptorIsLowConfidence(t *testing.T) {
	t.Parallel()

	plan := New(nil).Resolve(t.TempDir())
	if plan.Confidence != ConfidenceLow || plan.Metadata.Source != SourceFallback {
		t.Fatalf("expected low confidence fallback, got %#v", plan)
	}
	if len(plan.Reasons) == 0 {
		t.Fatalf("expected explanatory reasons")
	}
}

func TestResolve_MarkerFileOnlyGuessesFramework(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	mustWriteFile(t, filepath.Join(projectDir, "vite.config.ts"), "export default {}\n")

	plan := New(nil).Resolve(projectDir)
	if plan.Confidence != ConfidenceLow || plan.Command.String() != "npx vite" {
		t.Fatalf("expected low confidence npx vite, got %q at %q", plan.Command.String(), plan.Confidence)
	}
}

func TestNeedsVerification(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	highPlan := Plan{Confidence: ConfidenceHigh}

	if NeedsVerification(highPlan, projectstore.ProjectConfig{}, now) {
		t.Fatalf("high confidence plan without failures must not need verification")
	}
	if !NeedsVerification(Plan{Confidence: ConfidenceLow}, projectstore.ProjectConfig{}, now) {
		t.Fatalf("low confidence plan must need verification")
	}
	recent := projectstore.ProjectConfig{LastFailure: &projectstore.Failure{RecordedAt: now.Add(-4 * time.Minute)}}
	if !NeedsVerification(highPlan, recent, now) {
		t.Fatalf("recent failure must force verification")
	}
	old := projectstore.ProjectConfig{LastFailure: &projectstore.Failure{RecordedAt: now.Add(-6 * time.Minute)}}
	if NeedsVerification(highPlan, old, now) {
		t.Fatalf("old failure must not force verification")
	}
}

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	if makeError := os.MkdirAll(path, 0o755); makeError != nil {
		t.Fatalf("mkdir %q: %v", path, makeError)
	}
}

func mustWriteFile(t *testing.T, path string, content string) {
	t.Helper()
	if writeError := os.WriteFile(path, []byte(content), 0o600); writeError != nil {
		t.Fatalf("write %q: %v", path, writeError)
	}
}
