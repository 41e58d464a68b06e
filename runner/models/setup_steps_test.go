package models

import (
	"strings"
	"testing"

	"bobbin.sh/core/workflow"
)

func TestBuildCheckoutStep_PushTrigger(t *testing.T) {
	clone := workflow.CloneOpts{Depth: 1}
	trigger := workflow.TriggerMetadata{
		Kind: workflow.TriggerKindPush,
		Push: &workflow.PushTriggerData{
			NewSha: "abc123",
			OldSha: "def456",
			Ref:    "refs/heads/main",
		},
		Repo: &workflow.TriggerRepo{
			Name:     "my-repo",
			CloneURL: "https://example.com/my-repo.git",
		},
	}

	step := BuildCheckoutStep(clone, trigger)

	if step.Kind() != StepKindSystem {
		t.Errorf("Expected StepKindSystem, got %v", step.Kind())
	}

	if step.Name() != "Check out repository" {
		t.Errorf("Expected 'Check out repository', got '%s'", step.Name())
	}

	commands := step.Commands()
	if len(commands) != 4 {
		t.Errorf("Expected 4 commands, got %d", len(commands))
	}

	allCmds := strings.Join(commands, " ")
	if !strings.Contains(allCmds, "git init") {
		t.Error("Commands should contain 'git init'")
	}
	if !strings.Contains(allCmds, "git remote add origin https://example.com/my-repo.git") {
		t.Error("Commands should contain 'git remote add origin'")
	}
	if !strings.Contains(allCmds, "--depth=1") {
		t.Error("Commands should fetch shallowly by default")
	}
	if !strings.Contains(allCmds, "abc123") {
		t.Error("Commands should contain the push head SHA")
	}
	if !strings.Contains(allCmds, "git checkout FETCH_HEAD") {
		t.Error("Commands should contain 'git checkout FETCH_HEAD'")
	}
}

func TestBuildCheckoutStep_PullRequestTrigger(t *testing.T) {
	clone := workflow.CloneOpts{Depth: 3, IncludeSubmodules: true}
	trigger := workflow.TriggerMetadata{
		Kind: workflow.TriggerKindPullRequest,
		PullRequest: &workflow.PullRequestTriggerData{
			Number:       7,
			SourceBranch: "feature",
			TargetBranch: "main",
			SourceSha:    "pr-sha-789",
		},
		Repo: &workflow.TriggerRepo{
			Name:     "my-repo",
			CloneURL: "https://example.com/my-repo.git",
		},
	}

	step := BuildCheckoutStep(clone, trigger)

	allCmds := strings.Join(step.Commands(), " ")
	if !strings.Contains(allCmds, "pr-sha-789") {
		t.Error("Commands should fetch the PR source SHA")
	}
	if !strings.Contains(allCmds, "--depth=3") {
		t.Error("Commands should honor the configured depth")
	}
	if !strings.Contains(allCmds, "--recurse-submodules=yes") {
		t.Error("Commands should fetch submodules when asked")
	}
}

func TestBuildCheckoutStep_SkipClone(t *testing.T) {
	step := BuildCheckoutStep(workflow.CloneOpts{Skip: true}, workflow.TriggerMetadata{})
	if len(step.Commands()) != 0 {
		t.Error("skipped clone should produce no commands")
	}
}

func TestBuildCheckoutStep_MissingRepo(t *testing.T) {
	step := BuildCheckoutStep(workflow.CloneOpts{}, workflow.TriggerMetadata{Kind: workflow.TriggerKindPush})
	if !strings.Contains(step.Command(), "exit 1") {
		t.Error("missing repo metadata should produce a failing step")
	}
}

func TestBuildToolchainStep(t *testing.T) {
	step := BuildToolchainStep(map[string]string{
		workflow.WithToolchain:  "1.84.0",
		workflow.WithComponents: "rustfmt, clippy",
	})

	if step.Kind() != StepKindSystem {
		t.Errorf("Expected StepKindSystem, got %v", step.Kind())
	}

	cmd := step.Command()
	if !strings.Contains(cmd, "rustup toolchain install 1.84.0") {
		t.Errorf("toolchain install missing: %q", cmd)
	}
	if !strings.Contains(cmd, "--component rustfmt") || !strings.Contains(cmd, "--component clippy") {
		t.Errorf("components missing: %q", cmd)
	}
	if !strings.Contains(cmd, "rustup default 1.84.0") {
		t.Errorf("default pin missing: %q", cmd)
	}
}

func TestJobIdString(t *testing.T) {
	jid := JobId{
		PipelineId: "0196c5a1",
		Workflow:   "checks.yml",
		Job:        "check all",
	}

	got := jid.String()
	if strings.ContainsAny(got, " /") {
		t.Errorf("JobId.String() should be filesystem safe, got %q", got)
	}
	if got != "0196c5a1-checks.yml-check-all" {
		t.Errorf("JobId.String() = %q", got)
	}
}
