package models

type Step interface {
	Name() string
	Command() string
	Kind() StepKind
}

type StepKind int

const (
	// steps injected by the CI runner
	StepKindSystem StepKind = iota
	// steps defined by the user in the original workflow document
	StepKindUser
)

// Job is an engine-ready job: the user's steps with the runner's setup
// steps spliced in front. Data carries engine-specific state.
type Job struct {
	Steps []Step
	Name  string
	Data  any
}
