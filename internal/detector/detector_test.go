package detector

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadManifest_ParsesScriptsDependenciesAndWorkspaces(t *testing.T) {
	t.Parallel()

	projectRoot := t.TempDir()
	mustWriteFile(t, filepath.Join(projectRoot, "package.json"), `{
  "name": "web",
  "scripts": {"dev": "vite", "build": "vite build"},
  "dependencies": {"react": "^18.0.0"},
  "devDependencies": {"vite": "^5.0.0"},
  "workspaces": {"packages": ["apps/*"]},
  "packageManager": "pnpm@9.1.0"
}`)
	mustWriteFile(t, filepath.Join(projectRoot, "pnpm-workspace.yaml"), "packages:\n  - 'packages/*'\n")

	manifest, readError := ReadManifest(projectRoot)
	if readError != nil {
		t.Fatalf("read manifest: %v", readError)
	}
	if !manifest.HasScript("dev") || manifest.HasScript("start") {
		t.Fatalf("unexpected scripts %v", manifest.Scripts)
	}
	if !manifest.HasDependency("react") || !manifest.HasDependency("vite") || manifest.HasDependency("next") {
		t.Fatalf("unexpected dependency lookup result")
	}
	workspaceSet := toSet(manifest.Workspaces)
	if !workspaceSet["apps/*"] || !workspaceSet["packages/*"] {
		t.Fatalf("expected both workspace sources, got %v", manifest.Workspaces)
	}
	if manifest.PackageManager != "pnpm@9.1.0" {
		t.Fatalf("unexpected package manager field %q", manifest.PackageManager)
	}
}

func TestReadManifest_MissingFileIsNotAnError(t *testing.T) {
	t.Parallel()

	manifest, readError := ReadManifest(t.TempDir())
	if readError != nil || manifest != nil {
		t.Fatalf("expected nil manifest without error, got %v %v", manifest, readError)
	}
	if manifest.HasScript("dev") {
		t.Fatalf("nil manifest must not report scripts")
	}
}

func TestReadManifest_ArrayWorkspaces(t *testing.T) {
	t.Parallel()

	projectRoot := t.TempDir()
	mustWriteFile(t, filepath.Join(projectRoot, "package.json"), `{"workspaces": ["apps/*", "libs/ui"]}`)

	manifest, readError := ReadManifest(projectRoot)
	if readError != nil {
		t.Fatalf("read manifest: %v", readError)
	}
	if len(manifest.Workspaces) != 2 {
		t.Fatalf("expected 2 workspaces, got %v", manifest.Workspaces)
	}
}

func TestDetectPackageManager_InheritsLockfileFromParent(t *testing.T) {
	t.Parallel()

	projectRoot := t.TempDir()
	memberDir := filepath.Join(projectRoot, "apps", "web")
	mustMkdirAll(t, memberDir)
	mustWriteFile(t, filepath.Join(projectRoot, "yarn.lock"), "")
	mustWriteFile(t, filepath.Join(memberDir, "package.json"), `{"name":"web"}`)

	if manager := DetectPackageManager(memberDir); manager != "yarn" {
		t.Fatalf("expected yarn, got %q", manager)
	}
}

func TestDetectPackageManager_PrefersPackageManagerField(t *testing.T) {
	t.Parallel()

	projectRoot := t.TempDir()
	mustWriteFile(t, filepath.Join(projectRoot, "package.json"), `{"packageManager":"bun@1.1.0"}`)
	mustWriteFile(t, filepath.Join(projectRoot, "package-lock.json"), "{}")

	if manager := DetectPackageManager(projectRoot); manager != "bun" {
		t.Fatalf("expected bun, got %q", manager)
	}
}

func TestExpandWorkspaces_OnlyReturnsPackages(t *testing.T) {
	t.Parallel()

	projectRoot := t.TempDir()
	mustMkdirAll(t, filepath.Join(projectRoot, "apps", "web"))
	mustMkdirAll(t, filepath.Join(projectRoot, "apps", "docs"))
	mustMkdirAll(t, filepath.Join(projectRoot, "apps", "node_modules"))
	mustWriteFile(t, filepath.Join(projectRoot, "apps", "web", "package.json"), "{}")

	members := ExpandWorkspaces(projectRoot, []string{"apps/*", "!apps/legacy"})
	if len(members) != 1 || members[0] != filepath.Join(projectRoot, "apps", "web") {
		t.Fatalf("unexpected members %v", members)
	}
}

func TestFindDevSubprojects_RequiresDevScript(t *testing.T) {
	t.Parallel()

	projectRoot := t.TempDir()
	mustMkdirAll(t, filepath.Join(projectRoot, "frontend"))
	mustMkdirAll(t, filepath.Join(projectRoot, "backend"))
	mustWriteFile(t, filepath.Join(projectRoot, "frontend", "package.json"), `{"scripts":{"dev":"vite"}}`)
	mustWriteFile(t, filepath.Join(projectRoot, "backend", "package.json"), `{"scripts":{"build":"tsc"}}`)

	subprojects := FindDevSubprojects(projectRoot)
	if len(subprojects) != 1 || filepath.Base(subprojects[0]) != "frontend" {
		t.Fatalf("unexpected subprojects %v", subprojects)
	}
}

func TestFindProjectRoot_FromNestedDirectory(t *testing.T) {
	t.Parallel()

	projectRoot := filepath.Join(t.TempDir(), "repo")
	nestedDir := filepath.Join(projectRoot, "src", "pages")
	mustMkdirAll(t, nestedDir)
	mustWriteFile(t, filepath.Join(projectRoot, "package.json"), "{}")

	if detectedRoot := FindProjectRoot(nestedDir); detectedRoot != projectRoot {
		t.Fatalf("expected root %q, got %q", projectRoot, detectedRoot)
	}
}

func TestReadEnvPort_UsesMostSpecificFile(t *testing.T) {
	t.Parallel()

	projectRoot := t.TempDir()
	mustWriteFile(t, filepath.Join(projectRoot, ".env"), "PORT=4000\n")
	mustWriteFile(t, filepath.Join(projectRoot, ".env.local"), "# comment\nexport PORT=\"4100\"\n")

	port, source := ReadEnvPort(projectRoot)
	if port != 4100 || source != ".env.local" {
		t.Fatalf("expected 4100 from .env.local, got %d from %q", port, source)
	}
}

func TestReadEnvPort_IgnoresInvalidValues(t *testing.T) {
	t.Parallel()

	projectRoot := t.TempDir()
	mustWriteFile(t, filepath.Join(projectRoot, ".env"), "PORT=abc\nDEV_PORT=99999\n")

	if port, _ := ReadEnvPort(projectRoot); port != 0 {
		t.Fatalf("expected no port, got %d", port)
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

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, value := range values {
		set[value] = true
	}
	return set
}
