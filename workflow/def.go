package workflow

import (
	"errors"
	"fmt"
	"slices"

	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"
)

// - when a repo is modified, the matching workflow files trigger a "Pipeline"
// - a repo could consist of several workflow files
//   * .bobbin/workflows/checks.yml
//   * .bobbin/workflows/release.yml
// - therefore a pipeline consists of several workflows, these execute in parallel
// - each workflow consists of named jobs, and each job of serial steps

type (
	Pipeline []Workflow

	// this is simply a structural representation of the workflow file
	Workflow struct {
		Name        string            `yaml:"-"` // name of the workflow file
		When        []Constraint      `yaml:"when"`
		Jobs        Jobs              `yaml:"jobs"`
		Environment map[string]string `yaml:"environment"`
		CloneOpts   CloneOpts         `yaml:"clone"`
	}

	Constraint struct {
		Event  StringList `yaml:"event"`
		Branch StringList `yaml:"branch"` // this is optional, and only applied on "push" events
	}

	CloneOpts struct {
		Skip              bool `yaml:"skip"`
		Depth             int  `yaml:"depth"`
		IncludeSubmodules bool `yaml:"submodules"`
	}

	// Jobs preserves the order jobs are declared in the document.
	Jobs []Job

	Job struct {
		Name        string            `yaml:"-"`
		RunsOn      string            `yaml:"runs-on"`
		Timeout     string            `yaml:"timeout"`
		Steps       []Step            `yaml:"steps"`
		Environment map[string]string `yaml:"environment"`
	}

	// A step is either an action invocation (uses + with) or an inline
	// command (run). Setting both, or neither, is a compile error.
	Step struct {
		Name        string            `yaml:"name"`
		Uses        string            `yaml:"uses"`
		With        map[string]string `yaml:"with"`
		Run         string            `yaml:"run"`
		Environment map[string]string `yaml:"environment"`
	}

	StringList []string
)

func FromFile(name string, contents []byte) (Workflow, error) {
	var wf Workflow

	err := yaml.Unmarshal(contents, &wf)
	if err != nil {
		return wf, err
	}

	wf.Name = name

	return wf, nil
}

// if any of the constraints on a workflow is true, return true
func (w *Workflow) Match(trigger TriggerMetadata) bool {
	// manual triggers always run the workflow
	if trigger.Manual != nil {
		return true
	}

	// if not manual, run through the constraint list and see if any one matches
	for _, c := range w.When {
		if c.Match(trigger) {
			return true
		}
	}

	// no constraints, always run this workflow
	if len(w.When) == 0 {
		return true
	}

	return false
}

func (c *Constraint) Match(trigger TriggerMetadata) bool {
	match := true

	// manual triggers always pass this constraint
	if trigger.Manual != nil {
		return true
	}

	// apply event constraints
	match = match && c.MatchEvent(trigger.Kind)

	// apply branch constraints for PRs
	if trigger.PullRequest != nil {
		match = match && c.MatchBranch(trigger.PullRequest.TargetBranch)
	}

	// apply ref constraints for pushes
	if trigger.Push != nil {
		match = match && c.MatchRef(trigger.Push.Ref)
	}

	return match
}

func (c *Constraint) MatchBranch(branch string) bool {
	// no branch constraint matches every branch
	if len(c.Branch) == 0 {
		return true
	}
	return slices.Contains(c.Branch, branch)
}

func (c *Constraint) MatchRef(ref string) bool {
	if len(c.Branch) == 0 {
		return true
	}
	refName := plumbing.ReferenceName(ref)
	if refName.IsBranch() {
		return slices.Contains(c.Branch, refName.Short())
	}
	return false
}

func (c *Constraint) MatchEvent(event TriggerKind) bool {
	return slices.Contains(c.Event, string(event))
}

// Custom unmarshaller for Jobs: the document declares jobs as a mapping
// from job name to job body, and declaration order is execution order,
// so a plain map does not cut it.
func (j *Jobs) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("jobs: expected a mapping, got %s", value.Tag)
	}

	// mapping nodes store key and value nodes interleaved
	for i := 0; i+1 < len(value.Content); i += 2 {
		keyNode := value.Content[i]
		valNode := value.Content[i+1]

		var job Job
		if err := valNode.Decode(&job); err != nil {
			return fmt.Errorf("jobs: %s: %w", keyNode.Value, err)
		}
		job.Name = keyNode.Value

		*j = append(*j, job)
	}

	return nil
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
