package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"bobbin.sh/core/log"
	"bobbin.sh/core/runner"
)

func main() {
	cmd := &cli.Command{
		Name:  "bobbin",
		Usage: "a small CI runner for Rust workspaces",
		Commands: []*cli.Command{
			runner.Command(),
			execCommand(),
			validateCommand(),
			cacheCommand(),
			secretCommand(),
		},
	}

	ctx := log.NewContext(context.Background(), "bobbin")

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.FromContext(ctx).Error(err.Error())
		os.Exit(-1)
	}
}
