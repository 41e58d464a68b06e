package runner

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"bobbin.sh/core/runner/engine"
	"bobbin.sh/core/runner/models"
	"bobbin.sh/core/runner/secrets"
	"bobbin.sh/core/workflow"
)

// execute runs a compiled pipeline to completion. Workflows run in
// parallel; the jobs within a workflow run in order and stop at the
// first failure.
func (s *Runner) execute(ctx context.Context, id models.PipelineId, cp workflow.CompiledPipeline, workspace string) error {
	if err := s.db.MarkPipelineRunning(id, s.n); err != nil {
		return err
	}

	unlocked, err := s.unlockSecrets(ctx, cp.Trigger)
	if err != nil {
		s.l.Error("failed to unlock secrets", "pipeline", id, "error", err)
		unlocked = nil
	}

	g := errgroup.Group{}
	for _, cw := range cp.Workflows {
		g.Go(func() error {
			return s.runWorkflow(ctx, id, cw, cp.Trigger, workspace, unlocked)
		})
	}

	err = g.Wait()
	switch {
	case err == nil:
		s.l.Info("pipeline succeeded", "pipeline", id)
		return s.db.MarkPipelineSuccess(id, s.n)
	case errors.Is(err, engine.ErrTimedOut):
		s.l.Error("pipeline timed out", "pipeline", id)
		return s.db.MarkPipelineTimeout(id, s.n)
	default:
		s.l.Error("pipeline failed", "pipeline", id, "error", err)
		return s.db.MarkPipelineFailed(id, -1, err.Error(), s.n)
	}
}

func (s *Runner) unlockSecrets(ctx context.Context, trigger workflow.TriggerMetadata) ([]secrets.UnlockedSecret, error) {
	if trigger.Repo == nil {
		return nil, nil
	}
	return s.sm.GetSecretsUnlocked(ctx, secrets.RepoName(trigger.Repo.Name))
}

func (s *Runner) runWorkflow(
	ctx context.Context,
	id models.PipelineId,
	cw workflow.CompiledWorkflow,
	trigger workflow.TriggerMetadata,
	workspace string,
	unlocked []secrets.UnlockedSecret,
) error {
	wid := models.WorkflowId{PipelineId: id, Name: cw.Name}

	if err := s.db.StatusRunning(wid, s.n); err != nil {
		return err
	}

	for _, cj := range cw.Jobs {
		if err := s.runJob(ctx, wid, cw, cj, trigger, workspace, unlocked); err != nil {
			if errors.Is(err, engine.ErrTimedOut) {
				s.db.StatusTimeout(wid, s.n)
			} else {
				s.db.StatusFailed(wid, err.Error(), -1, s.n)
			}
			return err
		}
	}

	return s.db.StatusSuccess(wid, s.n)
}

func (s *Runner) runJob(
	ctx context.Context,
	wid models.WorkflowId,
	cw workflow.CompiledWorkflow,
	cj workflow.CompiledJob,
	trigger workflow.TriggerMetadata,
	workspace string,
	unlocked []secrets.UnlockedSecret,
) error {
	jid := models.JobId{PipelineId: wid.PipelineId, Workflow: wid.Name, Job: cj.Name}
	l := s.l.With("job", jid.String())

	job, err := s.eng.InitJob(cw, cj, trigger, workspace)
	if err != nil {
		return err
	}

	jobLogger, err := models.NewJobLogger(s.cfg.Pipelines.LogDir, jid)
	if err != nil {
		return err
	}
	defer jobLogger.Close()

	if err := s.eng.SetupJob(ctx, jid, job); err != nil {
		return err
	}
	defer func() {
		if err := s.eng.DestroyJob(context.Background(), jid); err != nil {
			l.Error("failed to destroy job", "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, jobTimeout(cj, s.eng))
	defer cancel()

	for idx, step := range job.Steps {
		jobLogger.Control(idx, step, models.StepStatusRunning)
		l.Info("running step", "step", step.Name())

		if err := s.eng.RunStep(ctx, jid, job, idx, unlocked, jobLogger); err != nil {
			jobLogger.Control(idx, step, models.StepStatusFailed)
			l.Error("step failed", "step", step.Name(), "error", err)
			return err
		}

		jobLogger.Control(idx, step, models.StepStatusPassed)
	}

	return nil
}

// jobTimeout prefers the timeout declared in the workflow document and
// falls back to the engine's configured default.
func jobTimeout(cj workflow.CompiledJob, eng models.Engine) time.Duration {
	if cj.Timeout != "" {
		if d, err := time.ParseDuration(cj.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return eng.JobTimeout()
}
