package models

import (
	"fmt"
	"regexp"
)

var (
	re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// PipelineId identifies one triggered run of a repository's workflows.
type PipelineId string

// WorkflowId identifies one workflow within a pipeline run. Status
// events are keyed by it.
type WorkflowId struct {
	PipelineId PipelineId
	Name       string
}

// JobId identifies one job of one workflow within a pipeline run. Its
// String form doubles as a filesystem- and docker-safe resource name.
type JobId struct {
	PipelineId PipelineId
	Workflow   string
	Job        string
}

func (jid JobId) String() string {
	return fmt.Sprintf("%s-%s-%s", jid.PipelineId, normalize(jid.Workflow), normalize(jid.Job))
}

func normalize(name string) string {
	normalized := re.ReplaceAllString(name, "-")
	return normalized
}

type StatusKind string

const (
	StatusKindPending   StatusKind = "pending"
	StatusKindRunning   StatusKind = "running"
	StatusKindFailed    StatusKind = "failed"
	StatusKindTimeout   StatusKind = "timeout"
	StatusKindCancelled StatusKind = "cancelled"
	StatusKindSuccess   StatusKind = "success"
)

type StepStatus string

const (
	StepStatusRunning StepStatus = "running"
	StepStatusPassed  StepStatus = "passed"
	StepStatusFailed  StepStatus = "failed"
)
