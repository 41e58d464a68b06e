package workflow

type TriggerKind string

const (
	TriggerKindPush        TriggerKind = "push"
	TriggerKindPullRequest TriggerKind = "pull_request"
	TriggerKindManual      TriggerKind = "manual"
)

// TriggerMetadata describes the event that caused a pipeline run. Exactly
// one of Push, PullRequest or Manual is set, matching Kind.
type TriggerMetadata struct {
	Kind        TriggerKind             `json:"kind"`
	Repo        *TriggerRepo            `json:"repo"`
	Push        *PushTriggerData        `json:"push,omitempty"`
	PullRequest *PullRequestTriggerData `json:"pull_request,omitempty"`
	Manual      *ManualTriggerData      `json:"manual,omitempty"`
}

type TriggerRepo struct {
	Name          string `json:"name"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
}

type PushTriggerData struct {
	Ref    string `json:"ref"`
	OldSha string `json:"old_sha"`
	NewSha string `json:"new_sha"`
}

type PullRequestTriggerData struct {
	Number       int    `json:"number"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	SourceSha    string `json:"source_sha"`
}

type ManualTriggerData struct {
	Ref string `json:"ref,omitempty"`
}

// CommitSha returns the commit a run should check out for this trigger.
func (t *TriggerMetadata) CommitSha() string {
	switch t.Kind {
	case TriggerKindPush:
		if t.Push != nil {
			return t.Push.NewSha
		}
	case TriggerKindPullRequest:
		if t.PullRequest != nil {
			return t.PullRequest.SourceSha
		}
	}
	return ""
}
