package workflow

import (
	"errors"
	"fmt"
)

type RawWorkflow struct {
	Name     string
	Contents []byte
}

type RawPipeline = []RawWorkflow

// Compiled form of a pipeline: every step resolved to either a pinned
// builtin action or an inline command. This is what the runner accepts,
// and it round-trips through JSON (queue, status records).
type (
	CompiledPipeline struct {
		Trigger   TriggerMetadata    `json:"trigger"`
		Workflows []CompiledWorkflow `json:"workflows"`
	}

	CompiledWorkflow struct {
		Name        string            `json:"name"`
		Jobs        []CompiledJob     `json:"jobs"`
		Environment map[string]string `json:"environment,omitempty"`
		Clone       CloneOpts         `json:"clone"`
	}

	CompiledJob struct {
		Name        string            `json:"name"`
		RunsOn      string            `json:"runs_on,omitempty"`
		Timeout     string            `json:"timeout,omitempty"`
		Steps       []CompiledStep    `json:"steps"`
		Environment map[string]string `json:"environment,omitempty"`
	}

	CompiledStep struct {
		Name        string            `json:"name,omitempty"`
		Run         string            `json:"run,omitempty"`
		Action      *ActionRef        `json:"action,omitempty"`
		With        map[string]string `json:"with,omitempty"`
		Environment map[string]string `json:"environment,omitempty"`
	}
)

type Compiler struct {
	Trigger     TriggerMetadata
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

var (
	ErrNoJobs        = errors.New("workflow has no jobs")
	ErrEmptyJob      = errors.New("job has no steps")
	ErrStepAmbiguous = errors.New("step sets both `uses` and `run`")
	ErrStepEmpty     = errors.New("step sets neither `uses` nor `run`")
	ErrUnknownAction = errors.New("unknown action")
	ErrMissingParam  = errors.New("missing required param")
)

type WarningKind string

var (
	WorkflowSkipped      WarningKind = "workflow skipped"
	InvalidConfiguration WarningKind = "invalid configuration"
)

func (compiler *Compiler) Parse(p RawPipeline) Pipeline {
	var pp Pipeline

	for _, w := range p {
		wf, err := FromFile(w.Name, w.Contents)
		if err != nil {
			compiler.Diagnostics.AddError(w.Name, err)
			continue
		}

		pp = append(pp, wf)
	}

	return pp
}

// convert a repository's workflow files into a fully compiled pipeline that runners accept
func (compiler *Compiler) Compile(p Pipeline) CompiledPipeline {
	cp := CompiledPipeline{
		Trigger: compiler.Trigger,
	}

	for _, wf := range p {
		cw := compiler.compileWorkflow(wf)

		if cw == nil {
			continue
		}

		cp.Workflows = append(cp.Workflows, *cw)
	}

	return cp
}

func (compiler *Compiler) compileWorkflow(w Workflow) *CompiledWorkflow {
	if !w.Match(compiler.Trigger) {
		compiler.Diagnostics.AddWarning(
			w.Name,
			WorkflowSkipped,
			fmt.Sprintf("did not match trigger %s", compiler.Trigger.Kind),
		)
		return nil
	}

	compiler.analyzeCloneOptions(w)

	if len(w.Jobs) == 0 {
		compiler.Diagnostics.AddError(w.Name, ErrNoJobs)
		return nil
	}

	cw := &CompiledWorkflow{
		Name:        w.Name,
		Environment: w.Environment,
		Clone:       w.CloneOpts,
	}

	for _, job := range w.Jobs {
		cj := compiler.compileJob(w.Name, job)
		if cj == nil {
			return nil
		}
		cw.Jobs = append(cw.Jobs, *cj)
	}

	return cw
}

func (compiler *Compiler) compileJob(path string, job Job) *CompiledJob {
	if len(job.Steps) == 0 {
		compiler.Diagnostics.AddError(path, fmt.Errorf("%s: %w", job.Name, ErrEmptyJob))
		return nil
	}

	cj := &CompiledJob{
		Name:        job.Name,
		RunsOn:      job.RunsOn,
		Timeout:     job.Timeout,
		Environment: job.Environment,
	}

	for i, step := range job.Steps {
		cs, err := compileStep(step)
		if err != nil {
			compiler.Diagnostics.AddError(path, fmt.Errorf("%s: step %d: %w", job.Name, i+1, err))
			return nil
		}
		cj.Steps = append(cj.Steps, cs)
	}

	return cj
}

func compileStep(step Step) (CompiledStep, error) {
	cs := CompiledStep{
		Name:        step.Name,
		Environment: step.Environment,
	}

	switch {
	case step.Uses != "" && step.Run != "":
		return cs, ErrStepAmbiguous
	case step.Uses == "" && step.Run == "":
		return cs, ErrStepEmpty
	case step.Run != "":
		cs.Run = step.Run
		return cs, nil
	}

	ref, err := ParseActionRef(step.Uses)
	if err != nil {
		return cs, err
	}
	if !ref.isBuiltin() {
		return cs, fmt.Errorf("%w: %s", ErrUnknownAction, ref.Name)
	}

	for _, param := range ref.requiredWith() {
		if step.With[param] == "" {
			return cs, fmt.Errorf("%w: %s requires `with.%s`", ErrMissingParam, ref.Name, param)
		}
	}

	cs.Action = &ref
	cs.With = step.With
	return cs, nil
}

func (compiler *Compiler) analyzeCloneOptions(w Workflow) {
	if w.CloneOpts.Skip && w.CloneOpts.IncludeSubmodules {
		compiler.Diagnostics.AddWarning(
			w.Name,
			InvalidConfiguration,
			"cannot apply `clone.skip` and `clone.submodules`",
		)
	}

	if w.CloneOpts.Skip && w.CloneOpts.Depth > 0 {
		compiler.Diagnostics.AddWarning(
			w.Name,
			InvalidConfiguration,
			"cannot apply `clone.skip` and `clone.depth`",
		)
	}
}
