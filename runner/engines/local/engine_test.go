package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bobbin.sh/core/runner/config"
	"bobbin.sh/core/runner/engine"
	"bobbin.sh/core/runner/models"
	"bobbin.sh/core/workflow"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := &config.Config{}
	cfg.Pipelines.CacheDir = t.TempDir()
	cfg.Pipelines.JobTimeout = time.Minute

	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return e
}

func runStep(name, command string) workflow.CompiledStep {
	return workflow.CompiledStep{Name: name, Run: command}
}

// runJob drives the engine the way the runner does: steps in order,
// stopping at the first failure.
func runJob(t *testing.T, e *Engine, jid models.JobId, cj workflow.CompiledJob, workspace string) (int, error) {
	t.Helper()
	ctx := context.Background()

	job, err := e.InitJob(workflow.CompiledWorkflow{}, cj, workflow.TriggerMetadata{}, workspace)
	require.NoError(t, err)
	require.NoError(t, e.SetupJob(ctx, jid, job))

	for idx := range job.Steps {
		if err := e.RunStep(ctx, jid, job, idx, nil, nil); err != nil {
			return idx, err
		}
	}
	return len(job.Steps), nil
}

func TestStepsStopAtFirstFailure(t *testing.T) {
	e := newTestEngine(t)
	jid := models.JobId{PipelineId: "p1", Workflow: "ci", Job: "check"}

	cj := workflow.CompiledJob{
		Name: "check",
		Steps: []workflow.CompiledStep{
			runStep("first", "touch ran-first"),
			runStep("second", "exit 1"),
			runStep("third", "touch ran-third"),
		},
	}

	failedAt, err := runJob(t, e, jid, cj, t.TempDir())
	assert.ErrorIs(t, err, engine.ErrJobFailed)
	assert.Equal(t, 1, failedAt)

	root, rootErr := e.root(jid)
	require.NoError(t, rootErr)
	assert.FileExists(t, filepath.Join(workspacePath(root), "ran-first"))
	assert.NoFileExists(t, filepath.Join(workspacePath(root), "ran-third"))

	require.NoError(t, e.DestroyJob(context.Background(), jid))
}

func TestAllStepsPass(t *testing.T) {
	e := newTestEngine(t)
	jid := models.JobId{PipelineId: "p2", Workflow: "ci", Job: "check"}

	cj := workflow.CompiledJob{
		Name: "check",
		Steps: []workflow.CompiledStep{
			runStep("fmt", "true"),
			runStep("lint", "true"),
			runStep("test", "touch all-ran"),
		},
	}

	ran, err := runJob(t, e, jid, cj, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 3, ran)

	root, rootErr := e.root(jid)
	require.NoError(t, rootErr)
	assert.FileExists(t, filepath.Join(workspacePath(root), "all-ran"))

	require.NoError(t, e.DestroyJob(context.Background(), jid))
}

func TestCheckoutCopiesWorkspace(t *testing.T) {
	e := newTestEngine(t)
	jid := models.JobId{PipelineId: "p3", Workflow: "ci", Job: "check"}

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "Cargo.toml"), []byte("[package]\n"), 0o644))

	cj := workflow.CompiledJob{
		Name: "check",
		Steps: []workflow.CompiledStep{
			{Name: "checkout", Action: &workflow.ActionRef{Name: workflow.ActionCheckout, Version: "v4"}},
			runStep("verify", "test -f Cargo.toml"),
		},
	}

	_, err := runJob(t, e, jid, cj, src)
	require.NoError(t, err)
	require.NoError(t, e.DestroyJob(context.Background(), jid))
}

func TestCacheSavedOnlyOnSuccess(t *testing.T) {
	e := newTestEngine(t)
	jid := models.JobId{PipelineId: "p4", Workflow: "ci", Job: "check"}

	cacheStep := workflow.CompiledStep{
		Name:   "cache",
		Action: &workflow.ActionRef{Name: workflow.ActionCache, Version: "v3"},
		With: map[string]string{
			workflow.WithCachePath: "~/.cargo",
			workflow.WithCacheKey:  "cargo-abc123",
		},
	}

	cj := workflow.CompiledJob{
		Name: "check",
		Steps: []workflow.CompiledStep{
			cacheStep,
			runStep("build", "mkdir -p $HOME/.cargo && echo dep > $HOME/.cargo/dep"),
			runStep("fail", "exit 1"),
		},
	}

	_, err := runJob(t, e, jid, cj, t.TempDir())
	assert.ErrorIs(t, err, engine.ErrJobFailed)
	assert.False(t, e.store.Has("cargo-abc123"))
	require.NoError(t, e.DestroyJob(context.Background(), jid))

	// same job without the failing step populates the cache
	cj.Steps = cj.Steps[:2]
	jid2 := models.JobId{PipelineId: "p5", Workflow: "ci", Job: "check"}
	_, err = runJob(t, e, jid2, cj, t.TempDir())
	require.NoError(t, err)
	assert.True(t, e.store.Has("cargo-abc123"))
	require.NoError(t, e.DestroyJob(context.Background(), jid2))
}

func TestCacheRestoredIntoHome(t *testing.T) {
	e := newTestEngine(t)

	seed := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(seed, "dep"), []byte("cached"), 0o644))
	require.NoError(t, e.store.Save("cargo-abc123", seed))

	cj := workflow.CompiledJob{
		Name: "check",
		Steps: []workflow.CompiledStep{
			{
				Name:   "cache",
				Action: &workflow.ActionRef{Name: workflow.ActionCache, Version: "v3"},
				With: map[string]string{
					workflow.WithCachePath: "~/.cargo",
					workflow.WithCacheKey:  "cargo-abc123",
				},
			},
			runStep("verify", "test -f $HOME/.cargo/dep"),
		},
	}

	jid := models.JobId{PipelineId: "p6", Workflow: "ci", Job: "check"}
	_, err := runJob(t, e, jid, cj, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, e.DestroyJob(context.Background(), jid))
}
