package main

import (
	"context"
	"fmt"
	"os/user"

	"github.com/urfave/cli/v3"

	"bobbin.sh/core/runner/config"
	"bobbin.sh/core/runner/secrets"
)

func secretCommand() *cli.Command {
	repoFlag := &cli.StringFlag{
		Name:     "repo",
		Usage:    "repository the secret belongs to",
		Required: true,
	}

	return &cli.Command{
		Name:  "secret",
		Usage: "manage repository secrets",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "add a secret",
				ArgsUsage: "<key> <value>",
				Flags:     []cli.Flag{repoFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key, value := cmd.Args().Get(0), cmd.Args().Get(1)
					if key == "" || value == "" {
						return fmt.Errorf("usage: bobbin secret add --repo <repo> <key> <value>")
					}

					sm, err := openManager(ctx)
					if err != nil {
						return err
					}
					defer stop(sm)

					return sm.AddSecret(ctx, secrets.UnlockedSecret{
						Key:       key,
						Value:     value,
						Repo:      secrets.RepoName(cmd.String("repo")),
						CreatedBy: currentUser(),
					})
				},
			},
			{
				Name:      "rm",
				Usage:     "remove a secret",
				ArgsUsage: "<key>",
				Flags:     []cli.Flag{repoFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key := cmd.Args().First()
					if key == "" {
						return fmt.Errorf("missing secret key")
					}

					sm, err := openManager(ctx)
					if err != nil {
						return err
					}
					defer stop(sm)

					return sm.RemoveSecret(ctx, secrets.Secret[any]{
						Key:  key,
						Repo: secrets.RepoName(cmd.String("repo")),
					})
				},
			},
			{
				Name:  "ls",
				Usage: "list a repository's secrets",
				Flags: []cli.Flag{repoFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					sm, err := openManager(ctx)
					if err != nil {
						return err
					}
					defer stop(sm)

					locked, err := sm.GetSecretsLocked(ctx, secrets.RepoName(cmd.String("repo")))
					if err != nil {
						return err
					}
					if len(locked) == 0 {
						fmt.Println("no secrets")
						return nil
					}

					for _, s := range locked {
						fmt.Printf("%s\t(added by %s, %s)\n", s.Key, s.CreatedBy, s.CreatedAt.Format("2006-01-02"))
					}
					return nil
				},
			},
		},
	}
}

func openManager(ctx context.Context) (secrets.Manager, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	return secrets.NewManager(ctx, cfg)
}

func stop(sm secrets.Manager) {
	if stopper, ok := sm.(secrets.Stopper); ok {
		stopper.Stop()
	}
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}
