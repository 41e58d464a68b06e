package models

import (
	"context"
	"time"

	"bobbin.sh/core/runner/secrets"
	"bobbin.sh/core/workflow"
)

// Engine executes the jobs of a compiled pipeline. The runner drives it
// step by step so that failure gating, status reporting and log capture
// stay engine-agnostic.
type Engine interface {
	InitJob(cw workflow.CompiledWorkflow, cj workflow.CompiledJob, trigger workflow.TriggerMetadata, workspace string) (*Job, error)
	SetupJob(ctx context.Context, jid JobId, job *Job) error
	JobTimeout() time.Duration
	DestroyJob(ctx context.Context, jid JobId) error
	RunStep(ctx context.Context, jid JobId, job *Job, idx int, secrets []secrets.UnlockedSecret, jobLogger *JobLogger) error
}
