package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"bobbin.sh/core/cache"
	"bobbin.sh/core/workflow"
)

const (
	workflowDir = ".bobbin/workflows"
	fetchRef    = "refs/heads/bobbin-fetch"
)

// FetchWorkspace materializes the triggering commit in a temp
// directory. The runner reads workflow files and lock files out of it;
// engines use it as the checkout source.
func FetchWorkspace(ctx context.Context, trigger workflow.TriggerMetadata) (string, error) {
	if trigger.Repo == nil || trigger.Repo.CloneURL == "" {
		return "", fmt.Errorf("no repository in trigger metadata")
	}

	dir, err := os.MkdirTemp("", "bobbin-workspace-*")
	if err != nil {
		return "", err
	}

	cleanup := func(err error) (string, error) {
		os.RemoveAll(dir)
		return "", err
	}

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		return cleanup(err)
	}

	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{trigger.Repo.CloneURL},
	})
	if err != nil {
		return cleanup(err)
	}

	refspec := fetchRefspec(trigger)
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refspec},
		Depth:      1,
		Tags:       git.NoTags,
	})
	if err != nil {
		return cleanup(fmt.Errorf("fetching %s: %w", refspec, err))
	}

	ref, err := repo.Reference(plumbing.ReferenceName(fetchRef), true)
	if err != nil {
		return cleanup(err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return cleanup(err)
	}

	err = wt.Checkout(&git.CheckoutOptions{
		Hash:  ref.Hash(),
		Force: true,
	})
	if err != nil {
		return cleanup(err)
	}

	return dir, nil
}

// fetchRefspec picks what to fetch: the trigger's commit when it names
// one, otherwise a branch ref.
func fetchRefspec(trigger workflow.TriggerMetadata) gitconfig.RefSpec {
	if sha := trigger.CommitSha(); sha != "" {
		return gitconfig.RefSpec(sha + ":" + fetchRef)
	}

	branch := trigger.Repo.DefaultBranch
	if trigger.Manual != nil && trigger.Manual.Ref != "" {
		branch = trigger.Manual.Ref
	}
	ref := plumbing.NewBranchReferenceName(branch)
	return gitconfig.RefSpec(ref.String() + ":" + fetchRef)
}

// LoadWorkflows reads the repository's workflow documents. A repo with
// no workflow directory yields an empty pipeline, not an error.
func LoadWorkflows(workspace string) (workflow.RawPipeline, error) {
	dir := filepath.Join(workspace, filepath.FromSlash(workflowDir))

	dirents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var raw workflow.RawPipeline
	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml") {
			continue
		}

		contents, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		raw = append(raw, workflow.RawWorkflow{Name: name, Contents: contents})
	}

	return raw, nil
}

// ResolveCacheKeys expands hashFiles key templates against the fetched
// workspace, so engines only ever see literal keys.
func ResolveCacheKeys(cp *workflow.CompiledPipeline, workspace string) error {
	for wi := range cp.Workflows {
		for ji := range cp.Workflows[wi].Jobs {
			steps := cp.Workflows[wi].Jobs[ji].Steps
			for si := range steps {
				step := &steps[si]
				if step.Action == nil || step.Action.Name != workflow.ActionCache {
					continue
				}

				key, err := cache.ExpandKey(step.With[workflow.WithCacheKey], workspace)
				if err != nil {
					return fmt.Errorf("workflow %s: job %s: %w", cp.Workflows[wi].Name, cp.Workflows[wi].Jobs[ji].Name, err)
				}
				step.With[workflow.WithCacheKey] = key
			}
		}
	}
	return nil
}
