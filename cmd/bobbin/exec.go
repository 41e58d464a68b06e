package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"bobbin.sh/core/runner"
)

func execCommand() *cli.Command {
	return &cli.Command{
		Name:      "exec",
		Usage:     "run a repository's workflows once on this machine",
		ArgsUsage: "[dir]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.Args().First()
			if dir == "" {
				dir = "."
			}
			return runner.ExecLocal(ctx, dir, os.Stdout)
		},
	}
}
