package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bobbin.sh/core/log"
	"bobbin.sh/core/notifier"
	"bobbin.sh/core/runner/config"
	"bobbin.sh/core/runner/db"
	"bobbin.sh/core/runner/engines/local"
	"bobbin.sh/core/runner/models"
	"bobbin.sh/core/runner/queue"
	"bobbin.sh/core/runner/secrets"
	"bobbin.sh/core/workflow"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()

	scratch := t.TempDir()
	cfg := &config.Config{}
	cfg.Server.DBPath = filepath.Join(scratch, "bobbin.db")
	cfg.Pipelines.Engine = "local"
	cfg.Pipelines.JobTimeout = time.Minute
	cfg.Pipelines.LogDir = filepath.Join(scratch, "logs")
	cfg.Pipelines.CacheDir = filepath.Join(scratch, "cache")

	d, err := db.Make(cfg.Server.DBPath)
	require.NoError(t, err)

	sm, err := secrets.NewSQLiteManager(cfg.Server.DBPath)
	require.NoError(t, err)

	eng, err := local.New(context.Background(), cfg)
	require.NoError(t, err)

	n := notifier.New()
	return &Runner{
		db:  d,
		l:   log.New("test"),
		n:   &n,
		eng: eng,
		jq:  queue.NewQueue(1, 1),
		cfg: cfg,
		sm:  sm,
	}
}

func pushTrigger(workspace string) workflow.TriggerMetadata {
	return workflow.TriggerMetadata{
		Kind: workflow.TriggerKindPush,
		Repo: &workflow.TriggerRepo{
			Name:          "merkle-toolkit",
			CloneURL:      workspace,
			DefaultBranch: "main",
		},
		Push: &workflow.PushTriggerData{Ref: "refs/heads/main"},
	}
}

func compileChecks(t *testing.T, trigger workflow.TriggerMetadata, doc string) workflow.CompiledPipeline {
	t.Helper()

	compiler := workflow.Compiler{Trigger: trigger}
	cp := compiler.Compile(compiler.Parse(workflow.RawPipeline{
		{Name: "checks.yml", Contents: []byte(doc)},
	}))
	require.False(t, compiler.Diagnostics.IsErr(), "diagnostics: %+v", compiler.Diagnostics)
	return cp
}

func TestExecuteMarksSuccess(t *testing.T) {
	r := newTestRunner(t)
	workspace := t.TempDir()

	doc := `
when:
  - event: push
    branch: main
jobs:
  check:
    steps:
      - name: fmt
        run: "true"
      - name: test
        run: "true"
`
	trigger := pushTrigger(workspace)
	cp := compileChecks(t, trigger, doc)

	id := models.PipelineId("pl-success")
	require.NoError(t, r.db.CreatePipeline(id, trigger, r.n))

	require.NoError(t, r.execute(context.Background(), id, cp, workspace))

	p, err := r.db.GetPipeline(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindSuccess, p.Status)

	status, err := r.db.GetStatus(models.WorkflowId{PipelineId: id, Name: "checks.yml"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindSuccess, status.Status)

	logPath := models.LogFilePath(r.cfg.Pipelines.LogDir, models.JobId{
		PipelineId: id, Workflow: "checks.yml", Job: "check",
	})
	assert.FileExists(t, logPath)
}

func TestExecuteStopsAtFirstFailingStep(t *testing.T) {
	r := newTestRunner(t)
	workspace := t.TempDir()
	marker := t.TempDir()

	doc := `
when:
  - event: push
    branch: main
jobs:
  check:
    environment:
      MARKER: ` + marker + `
    steps:
      - name: fmt
        run: touch $MARKER/fmt-ran
      - name: lint
        run: exit 1
      - name: test
        run: touch $MARKER/test-ran
`
	trigger := pushTrigger(workspace)
	cp := compileChecks(t, trigger, doc)

	id := models.PipelineId("pl-failfast")
	require.NoError(t, r.db.CreatePipeline(id, trigger, r.n))

	require.NoError(t, r.execute(context.Background(), id, cp, workspace))

	assert.FileExists(t, filepath.Join(marker, "fmt-ran"))
	assert.NoFileExists(t, filepath.Join(marker, "test-ran"))

	p, err := r.db.GetPipeline(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindFailed, p.Status)

	status, err := r.db.GetStatus(models.WorkflowId{PipelineId: id, Name: "checks.yml"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindFailed, status.Status)
}

func TestExecuteLaterJobsSkippedAfterFailure(t *testing.T) {
	r := newTestRunner(t)
	workspace := t.TempDir()
	marker := t.TempDir()

	doc := `
jobs:
  first:
    steps:
      - run: exit 1
  second:
    environment:
      MARKER: ` + marker + `
    steps:
      - run: touch $MARKER/second-ran
`
	trigger := pushTrigger(workspace)
	cp := compileChecks(t, trigger, doc)

	id := models.PipelineId("pl-joborder")
	require.NoError(t, r.db.CreatePipeline(id, trigger, r.n))

	require.NoError(t, r.execute(context.Background(), id, cp, workspace))
	assert.NoFileExists(t, filepath.Join(marker, "second-ran"))
}

func TestExecuteTimeout(t *testing.T) {
	r := newTestRunner(t)
	workspace := t.TempDir()

	doc := `
jobs:
  check:
    timeout: 100ms
    steps:
      - name: slow
        run: sleep 5
`
	trigger := pushTrigger(workspace)
	cp := compileChecks(t, trigger, doc)

	id := models.PipelineId("pl-timeout")
	require.NoError(t, r.db.CreatePipeline(id, trigger, r.n))

	require.NoError(t, r.execute(context.Background(), id, cp, workspace))

	p, err := r.db.GetPipeline(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindTimeout, p.Status)
}

func TestLoadWorkflowsReadsYamlOnly(t *testing.T) {
	workspace := t.TempDir()
	dir := filepath.Join(workspace, ".bobbin", "workflows")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checks.yml"), []byte("jobs: {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a workflow"), 0o644))

	raw, err := LoadWorkflows(workspace)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Equal(t, "checks.yml", raw[0].Name)
}

func TestLoadWorkflowsMissingDir(t *testing.T) {
	raw, err := LoadWorkflows(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestResolveCacheKeys(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "Cargo.lock"), []byte("[[package]]\n"), 0o644))

	cp := workflow.CompiledPipeline{
		Workflows: []workflow.CompiledWorkflow{{
			Name: "checks.yml",
			Jobs: []workflow.CompiledJob{{
				Name: "check",
				Steps: []workflow.CompiledStep{{
					Action: &workflow.ActionRef{Name: workflow.ActionCache, Version: "v3"},
					With: map[string]string{
						workflow.WithCachePath: "~/.cargo",
						workflow.WithCacheKey:  "cargo-{{ hashFiles('Cargo.lock') }}",
					},
				}},
			}},
		}},
	}

	require.NoError(t, ResolveCacheKeys(&cp, workspace))
	key := cp.Workflows[0].Jobs[0].Steps[0].With[workflow.WithCacheKey]
	assert.NotContains(t, key, "{{")
	assert.Regexp(t, `^cargo-[0-9a-f]{64}$`, key)
}
