package resolver

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/BegaDeveloper/devheal/internal/detector"
	"github.com/BegaDeveloper/devheal/internal/projectstore"
	"github.com/BegaDeveloper/devheal/internal/security"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Plan sources, recorded in Metadata.Source.
const (
	SourceOverride      = "override"
	SourceLastKnownGood = "last_known_good"
	SourceFramework     = "framework"
	SourceScript        = "script"
	SourceFallback      = "fallback"
)

// RecentFailureWindow is how long a recorded failure forces verification.
const RecentFailureWindow = 5 * time.Minute

var genericScripts = []string{"dev", "start", "develop", "serve"}

var scriptPortPattern = regexp.MustCompile(`(?:--port|-p)(?:=|\s+)(\d{2,5})\b`)

type Metadata struct {
	Framework             string `json:"framework,omitempty"`
	ScriptName            string `json:"script_name,omitempty"`
	Source                string `json:"source"`
	PortSource            string `json:"port_source,omitempty"`
	UsedMonorepoWorkspace bool   `json:"used_monorepo_workspace,omitempty"`
}

// Plan describes how to start a project's dev server.
type Plan struct {
	WorkingDir     string               `json:"working_dir"`
	SpawnDir       string               `json:"spawn_dir,omitempty"`
	PackageManager string               `json:"package_manager"`
	Command        security.SafeCommand `json:"command"`
	Port           int                  `json:"port,omitempty"`
	Confidence     Confidence           `json:"confidence"`
	Reasons        []string             `json:"reasons"`
	Metadata       Metadata             `json:"metadata"`
}

// Dir is where the command is spawned.
func (plan Plan) Dir() string {
	if plan.SpawnDir != "" {
		return plan.SpawnDir
	}
	return plan.WorkingDir
}

// ConfigReader is the read side of the project store.
type ConfigReader interface {
	Get(projectKey string) (projectstore.ProjectConfig, error)
}

type Resolver struct {
	configs ConfigReader
}

// New returns a Resolver. configs may be nil, in which case persisted
// overrides and last-known-good entries are never consulted.
func New(configs ConfigReader) *Resolver {
	return &Resolver{configs: configs}
}

// Resolve decides how to start the project at projectPath. It only reads
// the filesystem and the project store.
func (resolver *Resolver) Resolve(projectPath string) Plan {
	projectKey := projectstore.ProjectKey(projectPath)
	builder := &planBuilder{}

	config := projectstore.ProjectConfig{}
	if resolver != nil && resolver.configs != nil {
		loaded, err := resolver.configs.Get(projectKey)
		if err != nil {
			builder.reason("project config unavailable: %v", err)
		} else {
			config = loaded
		}
	}

	if plan, ok := resolveOverride(projectKey, config.UserOverride, builder); ok {
		return plan
	}
	if plan, ok := resolveLastKnownGood(projectKey, config.LastKnownGood, builder); ok {
		return plan
	}
	return resolveDirectory(projectKey, builder, 0)
}

// NeedsVerification reports whether a plan should be confirmed by the user
// before it is started.
func NeedsVerification(plan Plan, config projectstore.ProjectConfig, now time.Time) bool {
	if plan.Confidence == ConfidenceLow {
		return true
	}
	if config.LastFailure != nil && now.Sub(config.LastFailure.RecordedAt) < RecentFailureWindow {
		return true
	}
	return false
}

type planBuilder struct {
	reasons []string
}

func (builder *planBuilder) reason(format string, args ...any) {
	builder.reasons = append(builder.reasons, fmt.Sprintf(format, args...))
}

func (builder *planBuilder) finish(plan Plan) Plan {
	plan.Reasons = append([]string{}, builder.reasons...)
	return plan
}

func resolveOverride(projectKey string, override *projectstore.Override, builder *planBuilder) (Plan, bool) {
	if override == nil {
		builder.reason("no user override")
		return Plan{}, false
	}
	if err := security.ValidateCommand(override.Command); err != nil {
		builder.reason("user override rejected: %v", err)
		return Plan{}, false
	}
	manifest, _ := detector.ReadManifest(projectKey)
	scriptName := security.ExtractScriptName(override.Command)
	if scriptName != "" && !manifest.HasScript(scriptName) {
		builder.reason("user override references missing script %q", scriptName)
		return Plan{}, false
	}

	builder.reason("using user override %q", override.Command.String())
	port, portSource := override.Port, "override"
	if port == 0 {
		port, portSource = resolvePort(projectKey, "", 0, "")
	}
	return builder.finish(Plan{
		WorkingDir:     projectKey,
		PackageManager: packageManagerFor(override.Command, projectKey),
		Command:        override.Command,
		Port:           port,
		Confidence:     ConfidenceHigh,
		Metadata: Metadata{
			ScriptName: scriptName,
			Source:     SourceOverride,
			PortSource: portSource,
		},
	}), true
}

func resolveLastKnownGood(projectKey string, lastKnownGood *projectstore.LastKnownGood, builder *planBuilder) (Plan, bool) {
	if lastKnownGood == nil {
		builder.reason("no last-known-good command")
		return Plan{}, false
	}
	if err := security.ValidateCommand(lastKnownGood.Command); err != nil {
		builder.reason("last-known-good rejected: %v", err)
		return Plan{}, false
	}

	spawnDir := ""
	if lastKnownGood.SpawnDir != "" {
		spawnDir = lastKnownGood.SpawnDir
		if !filepath.IsAbs(spawnDir) {
			spawnDir = filepath.Join(projectKey, spawnDir)
		}
	}
	manifestDir := projectKey
	if spawnDir != "" {
		manifestDir = spawnDir
	}
	manifest, _ := detector.ReadManifest(manifestDir)
	scriptName := security.ExtractScriptName(lastKnownGood.Command)
	if scriptName != "" && !manifest.HasScript(scriptName) {
		builder.reason("last-known-good script %q no longer exists", scriptName)
		return Plan{}, false
	}

	builder.reason("using last-known-good %q", lastKnownGood.Command.String())
	fallbackPort, fallbackSource := lastKnownGood.Port, "last_known_good"
	if known, found := frameworkByID(lastKnownGood.Framework); found && fallbackPort == 0 {
		fallbackPort, fallbackSource = known.DefaultPort, "framework_default"
	}
	port, portSource := resolvePort(manifestDir, "", fallbackPort, fallbackSource)
	return builder.finish(Plan{
		WorkingDir:     projectKey,
		SpawnDir:       spawnDir,
		PackageManager: packageManagerFor(lastKnownGood.Command, manifestDir),
		Command:        lastKnownGood.Command,
		Port:           port,
		Confidence:     ConfidenceHigh,
		Metadata: Metadata{
			Framework:             lastKnownGood.Framework,
			ScriptName:            scriptName,
			Source:                SourceLastKnownGood,
			PortSource:            portSource,
			UsedMonorepoWorkspace: spawnDir != "" && spawnDir != projectKey,
		},
	}), true
}

// resolveDirectory runs the detection steps that only depend on the files
// in dir. depth guards monorepo recursion to one level.
func resolveDirectory(dir string, builder *planBuilder, depth int) Plan {
	manifest, err := detector.ReadManifest(dir)
	if err != nil {
		builder.reason("package.json unreadable in %s: %v", dir, err)
	}
	packageManager := detector.DetectPackageManager(dir)

	if manifest != nil {
		if plan, ok := resolveFramework(dir, manifest, packageManager, builder); ok {
			return plan
		}
		if plan, ok := resolveGenericScript(dir, manifest, packageManager, builder); ok {
			return plan
		}
	} else {
		builder.reason("no package.json in %s", dir)
	}

	if depth == 0 {
		if plan, ok := resolveMonorepo(dir, manifest, builder); ok {
			return plan
		}
	}
	return resolveFallback(dir, manifest, packageManager, builder)
}

func resolveFramework(dir string, manifest *detector.Manifest, packageManager string, builder *planBuilder) (Plan, bool) {
	for _, candidate := range frameworks {
		matchedDependency := ""
		for _, dependency := range candidate.Dependencies {
			if manifest.HasDependency(dependency) {
				matchedDependency = dependency
				break
			}
		}
		if matchedDependency == "" {
			continue
		}

		scriptName := firstScript(manifest, candidate.Scripts)
		if scriptName == "" {
			builder.reason("framework %s detected via %q but none of its scripts %v exist", candidate.ID, matchedDependency, candidate.Scripts)
			continue
		}
		builder.reason("framework %s detected via dependency %q", candidate.ID, matchedDependency)
		if detector.HasAnyFile(dir, candidate.MarkerFiles) {
			builder.reason("framework %s config file present", candidate.ID)
		}

		port, portSource := resolvePort(dir, manifest.Scripts[scriptName], candidate.DefaultPort, "framework_default")
		return builder.finish(Plan{
			WorkingDir:     dir,
			PackageManager: packageManager,
			Command:        runScriptCommand(packageManager, scriptName),
			Port:           port,
			Confidence:     ConfidenceHigh,
			Metadata: Metadata{
				Framework:  candidate.ID,
				ScriptName: scriptName,
				Source:     SourceFramework,
				PortSource: portSource,
			},
		}), true
	}
	builder.reason("no known framework dependency")
	return Plan{}, false
}

func resolveGenericScript(dir string, manifest *detector.Manifest, packageManager string, builder *planBuilder) (Plan, bool) {
	scriptName := firstScript(manifest, genericScripts)
	if scriptName == "" {
		builder.reason("none of the conventional scripts %v exist", genericScripts)
		return Plan{}, false
	}
	builder.reason("using conventional script %q", scriptName)
	port, portSource := resolvePort(dir, manifest.Scripts[scriptName], 0, "")
	return builder.finish(Plan{
		WorkingDir:     dir,
		PackageManager: packageManager,
		Command:        runScriptCommand(packageManager, scriptName),
		Port:           port,
		Confidence:     ConfidenceMedium,
		Metadata: Metadata{
			ScriptName: scriptName,
			Source:     SourceScript,
			PortSource: portSource,
		},
	}), true
}

// resolveMonorepo delegates to the best workspace member or first-level
// subproject. High confidence members win over medium ones.
func resolveMonorepo(dir string, manifest *detector.Manifest, builder *planBuilder) (Plan, bool) {
	candidates := []string{}
	if manifest != nil && len(manifest.Workspaces) > 0 {
		candidates = detector.ExpandWorkspaces(dir, manifest.Workspaces)
		builder.reason("workspaces declared, %d member(s) found", len(candidates))
	}
	if len(candidates) == 0 {
		candidates = detector.FindDevSubprojects(dir)
		if len(candidates) > 0 {
			builder.reason("found %d subdirectory project(s) with a dev script", len(candidates))
		}
	}

	var best *Plan
	for _, candidate := range candidates {
		memberBuilder := &planBuilder{}
		memberPlan := resolveDirectory(candidate, memberBuilder, 1)
		if memberPlan.Confidence == ConfidenceLow {
			continue
		}
		if best == nil || (best.Confidence != ConfidenceHigh && memberPlan.Confidence == ConfidenceHigh) {
			selected := memberPlan
			best = &selected
		}
	}
	if best == nil {
		if len(candidates) > 0 {
			builder.reason("no workspace member has a runnable dev server")
		}
		return Plan{}, false
	}

	relativeDir, relError := filepath.Rel(dir, best.WorkingDir)
	if relError != nil {
		relativeDir = best.WorkingDir
	}
	builder.reason("delegating to %s", relativeDir)
	builder.reasons = append(builder.reasons, best.Reasons...)

	plan := *best
	plan.SpawnDir = best.WorkingDir
	plan.WorkingDir = dir
	plan.Metadata.UsedMonorepoWorkspace = true
	return builder.finish(plan), true
}

func resolveFallback(dir string, manifest *detector.Manifest, packageManager string, builder *planBuilder) Plan {
	for _, candidate := range frameworks {
		if !detector.HasAnyFile(dir, candidate.MarkerFiles) {
			continue
		}
		builder.reason("guessing %s from its config file; confirm before starting", candidate.ID)
		port, portSource := resolvePort(dir, "", candidate.DefaultPort, "framework_default")
		return builder.finish(Plan{
			WorkingDir:     dir,
			PackageManager: packageManager,
			Command:        security.SafeCommand{Binary: "npx", Args: append([]string{}, candidate.FallbackArgs...)},
			Port:           port,
			Confidence:     ConfidenceLow,
			Metadata: Metadata{
				Framework:  candidate.ID,
				Source:     SourceFallback,
				PortSource: portSource,
			},
		})
	}

	if manifest == nil {
		builder.reason("no recognizable project markers; guessing the dev script")
	} else {
		builder.reason("no dev script found; guessing the dev script")
	}
	port, portSource := resolvePort(dir, "", 0, "")
	return builder.finish(Plan{
		WorkingDir:     dir,
		PackageManager: packageManager,
		Command:        runScriptCommand(packageManager, "dev"),
		Port:           port,
		Confidence:     ConfidenceLow,
		Metadata: Metadata{
			ScriptName: "dev",
			Source:     SourceFallback,
			PortSource: portSource,
		},
	})
}

// resolvePort prefers the env files, then a port flag in the script body,
// then fallbackPort.
func resolvePort(dir string, scriptBody string, fallbackPort int, fallbackSource string) (int, string) {
	if port, source := detector.ReadEnvPort(dir); port > 0 {
		return port, "env:" + source
	}
	if matches := scriptPortPattern.FindStringSubmatch(scriptBody); len(matches) == 2 {
		if port, err := strconv.Atoi(matches[1]); err == nil && security.ValidatePort(port) == nil {
			return port, "script_flag"
		}
	}
	if fallbackPort > 0 {
		return fallbackPort, fallbackSource
	}
	return 0, ""
}

func firstScript(manifest *detector.Manifest, names []string) string {
	for _, name := range names {
		if manifest.HasScript(name) {
			return name
		}
	}
	return ""
}

func runScriptCommand(packageManager string, scriptName string) security.SafeCommand {
	if packageManager == "" {
		packageManager = "npm"
	}
	return security.SafeCommand{Binary: packageManager, Args: []string{"run", scriptName}}
}

func packageManagerFor(command security.SafeCommand, dir string) string {
	if security.IsPackageManager(command.Binary) {
		return command.Binary
	}
	return detector.DetectPackageManager(dir)
}
