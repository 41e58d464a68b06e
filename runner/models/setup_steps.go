package models

import (
	"fmt"
	"strings"

	"bobbin.sh/core/workflow"
)

// CommandStep is a plain shell step. Both user `run:` steps and
// runner-generated setup commands take this form.
type CommandStep struct {
	name     string
	kind     StepKind
	commands []string
	env      map[string]string
}

func NewUserStep(name, command string, env map[string]string) CommandStep {
	if name == "" {
		name = command
	}
	return CommandStep{
		name:     name,
		kind:     StepKindUser,
		commands: []string{command},
		env:      env,
	}
}

func (s CommandStep) Name() string {
	return s.name
}

func (s CommandStep) Commands() []string {
	return s.commands
}

func (s CommandStep) Command() string {
	return strings.Join(s.commands, "\n")
}

func (s CommandStep) Kind() StepKind {
	return s.kind
}

func (s CommandStep) Environment() map[string]string {
	return s.env
}

// BuildCheckoutStep generates git commands that materialize the
// triggering commit in the workspace. The caller must ensure the
// current working directory is the workspace directory.
//
// The generated commands are:
// - git init
// - git remote add origin <url>
// - git fetch --depth=<d> --recurse-submodules=<yes|no> <sha>
// - git checkout FETCH_HEAD
func BuildCheckoutStep(clone workflow.CloneOpts, trigger workflow.TriggerMetadata) CommandStep {
	if clone.Skip {
		return CommandStep{}
	}

	if trigger.Repo == nil || trigger.Repo.CloneURL == "" {
		return CommandStep{
			kind:     StepKindSystem,
			name:     "Check out repository (error)",
			commands: []string{"echo 'No repository in trigger metadata' && exit 1"},
		}
	}

	fetchArgs := buildFetchArgs(clone, trigger.CommitSha())

	return CommandStep{
		kind: StepKindSystem,
		name: "Check out repository",
		commands: []string{
			"git init",
			fmt.Sprintf("git remote add origin %s", trigger.Repo.CloneURL),
			fmt.Sprintf("git fetch %s", strings.Join(fetchArgs, " ")),
			"git checkout FETCH_HEAD",
		},
	}
}

// buildFetchArgs constructs the arguments for git fetch based on clone options
func buildFetchArgs(clone workflow.CloneOpts, sha string) []string {
	args := []string{}

	// default to a shallow fetch
	depth := clone.Depth
	if depth == 0 {
		depth = 1
	}
	args = append(args, fmt.Sprintf("--depth=%d", depth))

	if clone.IncludeSubmodules {
		args = append(args, "--recurse-submodules=yes")
	}

	args = append(args, "origin")
	if sha != "" {
		args = append(args, sha)
	}

	return args
}

// BuildToolchainStep pins the Rust toolchain declared by the
// rust-toolchain action and installs the requested components.
func BuildToolchainStep(with map[string]string) CommandStep {
	toolchain := with[workflow.WithToolchain]

	installArgs := []string{"rustup", "toolchain", "install", toolchain, "--profile", "minimal"}
	for _, component := range splitComponents(with[workflow.WithComponents]) {
		installArgs = append(installArgs, "--component", component)
	}

	return CommandStep{
		kind: StepKindSystem,
		name: fmt.Sprintf("Install Rust %s", toolchain),
		commands: []string{
			strings.Join(installArgs, " "),
			fmt.Sprintf("rustup default %s", toolchain),
		},
	}
}

func splitComponents(raw string) []string {
	var components []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			components = append(components, c)
		}
	}
	return components
}

// CacheStep restores a dependency cache entry before user steps run and
// marks the entry for population when the job succeeds. How the entry
// is wired into the workspace is up to the engine.
type CacheStep struct {
	StepName    string
	Path        string
	KeyTemplate string
	ResolvedKey string
}

func NewCacheStep(name string, with map[string]string) CacheStep {
	if name == "" {
		name = "Restore dependency cache"
	}
	return CacheStep{
		StepName:    name,
		Path:        with[workflow.WithCachePath],
		KeyTemplate: with[workflow.WithCacheKey],
	}
}

func (s CacheStep) Name() string {
	return s.StepName
}

func (s CacheStep) Command() string {
	return fmt.Sprintf("cache %s -> %s", s.KeyTemplate, s.Path)
}

func (s CacheStep) Kind() StepKind {
	return StepKindSystem
}
