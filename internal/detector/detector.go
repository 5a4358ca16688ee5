package detector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the subset of a package.json the supervisor cares about.
type Manifest struct {
	Dir             string            `json:"dir"`
	Name            string            `json:"name,omitempty"`
	Scripts         map[string]string `json:"scripts,omitempty"`
	Dependencies    map[string]string `json:"dependencies,omitempty"`
	DevDependencies map[string]string `json:"dev_dependencies,omitempty"`
	Workspaces      []string          `json:"workspaces,omitempty"`
	PackageManager  string            `json:"package_manager,omitempty"`
}

// ReadManifest reads dir/package.json. A missing file yields (nil, nil).
// Workspace globs from pnpm-workspace.yaml are merged into Workspaces.
func ReadManifest(dir string) (*Manifest, error) {
	content, readError := os.ReadFile(filepath.Join(dir, "package.json"))
	if readError != nil {
		if os.IsNotExist(readError) {
			return nil, nil
		}
		return nil, readError
	}

	payload := struct {
		Name            string            `json:"name"`
		Scripts         map[string]string `json:"scripts"`
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
		Workspaces      json.RawMessage   `json:"workspaces"`
		PackageManager  string            `json:"packageManager"`
	}{}
	if unmarshalError := json.Unmarshal(content, &payload); unmarshalError != nil {
		return nil, unmarshalError
	}

	manifest := &Manifest{
		Dir:             dir,
		Name:            strings.TrimSpace(payload.Name),
		Scripts:         payload.Scripts,
		Dependencies:    payload.Dependencies,
		DevDependencies: payload.DevDependencies,
		Workspaces:      decodeWorkspaces(payload.Workspaces),
		PackageManager:  strings.TrimSpace(payload.PackageManager),
	}
	if manifest.Scripts == nil {
		manifest.Scripts = map[string]string{}
	}
	manifest.Workspaces = append(manifest.Workspaces, readPnpmWorkspaces(dir)...)
	return manifest, nil
}

// HasScript reports whether a non-empty script with that name is declared.
func (manifest *Manifest) HasScript(name string) bool {
	if manifest == nil {
		return false
	}
	return strings.TrimSpace(manifest.Scripts[name]) != ""
}

// HasDependency checks both dependency maps.
func (manifest *Manifest) HasDependency(name string) bool {
	if manifest == nil {
		return false
	}
	if _, found := manifest.Dependencies[name]; found {
		return true
	}
	_, found := manifest.DevDependencies[name]
	return found
}

// decodeWorkspaces accepts both the array form and the {"packages": [...]} form.
func decodeWorkspaces(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	list := []string{}
	if json.Unmarshal(raw, &list) == nil {
		return list
	}
	object := struct {
		Packages []string `json:"packages"`
	}{}
	if json.Unmarshal(raw, &object) == nil {
		return object.Packages
	}
	return nil
}

func readPnpmWorkspaces(dir string) []string {
	content, readError := os.ReadFile(filepath.Join(dir, "pnpm-workspace.yaml"))
	if readError != nil {
		return nil
	}
	payload := struct {
		Packages []string `yaml:"packages"`
	}{}
	if unmarshalError := yaml.Unmarshal(content, &payload); unmarshalError != nil {
		return nil
	}
	return payload.Packages
}

// DetectPackageManager picks the manager for dir from the packageManager
// field or lockfiles, walking up so workspace members inherit the root's
// lockfile. It defaults to npm.
func DetectPackageManager(dir string) string {
	lockfiles := []struct {
		name    string
		manager string
	}{
		{name: "pnpm-lock.yaml", manager: "pnpm"},
		{name: "yarn.lock", manager: "yarn"},
		{name: "bun.lockb", manager: "bun"},
		{name: "bun.lock", manager: "bun"},
		{name: "package-lock.json", manager: "npm"},
	}

	currentDir := dir
	for {
		if manifest, _ := ReadManifest(currentDir); manifest != nil && manifest.PackageManager != "" {
			name := strings.SplitN(manifest.PackageManager, "@", 2)[0]
			switch name {
			case "npm", "pnpm", "yarn", "bun":
				return name
			}
		}
		for _, lockfile := range lockfiles {
			if fileExists(filepath.Join(currentDir, lockfile.name)) {
				return lockfile.manager
			}
		}
		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return "npm"
		}
		currentDir = parentDir
	}
}

// FindProjectRoot walks up from startDir to the nearest directory holding a
// package.json, falling back to startDir.
func FindProjectRoot(startDir string) string {
	currentDir := startDir
	for {
		if fileExists(filepath.Join(currentDir, "package.json")) {
			return currentDir
		}
		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return startDir
		}
		currentDir = parentDir
	}
}

// ExpandWorkspaces resolves workspace globs relative to root into the
// directories that hold a package.json, sorted.
func ExpandWorkspaces(root string, patterns []string) []string {
	found := map[string]bool{}
	for _, pattern := range patterns {
		normalized := strings.TrimSpace(pattern)
		if normalized == "" || strings.HasPrefix(normalized, "!") {
			continue
		}
		normalized = strings.TrimSuffix(strings.TrimSuffix(normalized, "/**"), "/")
		matches, _ := filepath.Glob(filepath.Join(root, filepath.FromSlash(normalized)))
		for _, match := range matches {
			if isIgnoredDir(filepath.Base(match)) {
				continue
			}
			if fileExists(filepath.Join(match, "package.json")) {
				found[match] = true
			}
		}
	}
	return sortedKeys(found)
}

// FindDevSubprojects lists first-level subdirectories that declare their own
// dev script.
func FindDevSubprojects(root string) []string {
	entries, readError := os.ReadDir(root)
	if readError != nil {
		return nil
	}
	found := map[string]bool{}
	for _, entry := range entries {
		if !entry.IsDir() || isIgnoredDir(entry.Name()) {
			continue
		}
		subdir := filepath.Join(root, entry.Name())
		manifest, _ := ReadManifest(subdir)
		if manifest.HasScript("dev") {
			found[subdir] = true
		}
	}
	return sortedKeys(found)
}

// HasAnyFile reports whether any of names exists directly under dir.
func HasAnyFile(dir string, names []string) bool {
	for _, name := range names {
		if fileExists(filepath.Join(dir, name)) {
			return true
		}
	}
	return false
}

func isIgnoredDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules" || name == "dist" || name == "build"
}

func fileExists(path string) bool {
	_, statError := os.Stat(path)
	return statError == nil
}

func sortedKeys(set map[string]bool) []string {
	result := make([]string, 0, len(set))
	for key := range set {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
