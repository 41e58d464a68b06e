package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"bobbin.sh/core/runner"
	"bobbin.sh/core/workflow"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "compile a repository's workflows and report diagnostics",
		ArgsUsage: "[dir]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "event",
				Usage: "trigger to compile against: push, pull_request or manual",
				Value: "push",
			},
			&cli.StringFlag{
				Name:  "branch",
				Usage: "branch the trigger targets",
				Value: "main",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.Args().First()
			if dir == "" {
				dir = "."
			}
			dir, err := filepath.Abs(dir)
			if err != nil {
				return err
			}

			raw, err := runner.LoadWorkflows(dir)
			if err != nil {
				return err
			}
			if len(raw) == 0 {
				return fmt.Errorf("no workflow files found in %s", dir)
			}

			trigger, err := validationTrigger(cmd.String("event"), cmd.String("branch"), dir)
			if err != nil {
				return err
			}

			compiler := workflow.Compiler{Trigger: trigger}
			cp := compiler.Compile(compiler.Parse(raw))

			for _, w := range compiler.Diagnostics.Warnings {
				fmt.Println(w.String())
			}
			for _, e := range compiler.Diagnostics.Errors {
				fmt.Println(e.String())
			}
			if compiler.Diagnostics.IsErr() {
				return fmt.Errorf("validation failed")
			}

			for _, cw := range cp.Workflows {
				for _, cj := range cw.Jobs {
					fmt.Printf("workflow %s: job %s: %d steps\n", cw.Name, cj.Name, len(cj.Steps))
				}
			}
			return nil
		},
	}
}

func validationTrigger(event, branch, dir string) (workflow.TriggerMetadata, error) {
	repo := &workflow.TriggerRepo{
		Name:          filepath.Base(dir),
		CloneURL:      dir,
		DefaultBranch: branch,
	}

	switch workflow.TriggerKind(event) {
	case workflow.TriggerKindPush:
		return workflow.TriggerMetadata{
			Kind: workflow.TriggerKindPush,
			Repo: repo,
			Push: &workflow.PushTriggerData{Ref: "refs/heads/" + branch},
		}, nil
	case workflow.TriggerKindPullRequest:
		return workflow.TriggerMetadata{
			Kind:        workflow.TriggerKindPullRequest,
			Repo:        repo,
			PullRequest: &workflow.PullRequestTriggerData{TargetBranch: branch},
		}, nil
	case workflow.TriggerKindManual:
		return workflow.TriggerMetadata{
			Kind:   workflow.TriggerKindManual,
			Repo:   repo,
			Manual: &workflow.ManualTriggerData{},
		}, nil
	default:
		return workflow.TriggerMetadata{}, fmt.Errorf("unknown event %q", event)
	}
}
