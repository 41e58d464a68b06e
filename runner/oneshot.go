package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

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

// ExecLocal runs a checked-out repository's workflows once on the host
// and writes their output to out. State lives in a throwaway directory
// except the dependency cache, which persists under the user cache dir.
func ExecLocal(ctx context.Context, dir string, out io.Writer) error {
	workspace, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	raw, err := LoadWorkflows(workspace)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("no workflow files under %s", filepath.Join(workspace, workflowDir))
	}

	trigger := workflow.TriggerMetadata{
		Kind: workflow.TriggerKindManual,
		Repo: &workflow.TriggerRepo{
			Name:     filepath.Base(workspace),
			CloneURL: workspace,
		},
		Manual: &workflow.ManualTriggerData{},
	}

	compiler := workflow.Compiler{Trigger: trigger}
	cp := compiler.Compile(compiler.Parse(raw))
	for _, w := range compiler.Diagnostics.Warnings {
		fmt.Fprintln(out, w.String())
	}
	if compiler.Diagnostics.IsErr() {
		for _, e := range compiler.Diagnostics.Errors {
			fmt.Fprintln(out, e.String())
		}
		return fmt.Errorf("workflow compilation failed")
	}

	if err := ResolveCacheKeys(&cp, workspace); err != nil {
		return err
	}

	scratch, err := os.MkdirTemp("", "bobbin-exec-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	cfg, err := oneshotConfig(scratch)
	if err != nil {
		return err
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return err
	}

	sm, err := secrets.NewSQLiteManager(cfg.Server.DBPath)
	if err != nil {
		return err
	}

	eng, err := local.New(ctx, cfg)
	if err != nil {
		return err
	}

	n := notifier.New()
	runner := Runner{
		db:  d,
		l:   log.FromContext(ctx),
		n:   &n,
		eng: eng,
		jq:  queue.NewQueue(1, 1),
		cfg: cfg,
		sm:  sm,
	}

	id := models.PipelineId(uuid.NewString())
	if err := d.CreatePipeline(id, trigger, &n); err != nil {
		return err
	}
	for _, cw := range cp.Workflows {
		d.StatusPending(models.WorkflowId{PipelineId: id, Name: cw.Name}, &n)
	}

	execErr := runner.execute(ctx, id, cp, workspace)

	dumpLogs(out, cfg.Pipelines.LogDir, id, cp)

	if execErr != nil {
		return execErr
	}

	p, err := d.GetPipeline(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "pipeline %s: %s\n", id, p.Status)
	if p.Status != models.StatusKindSuccess {
		return fmt.Errorf("pipeline %s", p.Status)
	}
	return nil
}

func oneshotConfig(scratch string) (*config.Config, error) {
	userCache, err := os.UserCacheDir()
	if err != nil {
		userCache = scratch
	}

	cfg := &config.Config{}
	cfg.Server.DBPath = filepath.Join(scratch, "bobbin.db")
	cfg.Pipelines.Engine = "local"
	cfg.Pipelines.JobTimeout = 30 * time.Minute
	cfg.Pipelines.LogDir = filepath.Join(scratch, "logs")
	cfg.Pipelines.CacheDir = filepath.Join(userCache, "bobbin")
	cfg.Pipelines.CacheMaxAge = 168 * time.Hour
	return cfg, nil
}

func dumpLogs(out io.Writer, logDir string, id models.PipelineId, cp workflow.CompiledPipeline) {
	for _, cw := range cp.Workflows {
		for _, cj := range cw.Jobs {
			jid := models.JobId{PipelineId: id, Workflow: cw.Name, Job: cj.Name}

			f, err := os.Open(models.LogFilePath(logDir, jid))
			if err != nil {
				continue
			}

			dec := json.NewDecoder(f)
			for {
				var line models.LogLine
				if err := dec.Decode(&line); err != nil {
					break
				}
				switch line.Kind {
				case "control":
					fmt.Fprintf(out, "[%s/%s] %s: %s\n", cw.Name, cj.Name, line.StepName, line.Status)
				case "data":
					fmt.Fprintf(out, "[%s/%s] %s\n", cw.Name, cj.Name, line.Data)
				}
			}
			f.Close()
		}
	}
}
