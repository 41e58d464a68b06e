package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"bobbin.sh/core/cache"
)

func cacheCommand() *cli.Command {
	dirFlag := &cli.StringFlag{
		Name:    "dir",
		Usage:   "cache directory",
		Value:   "/var/cache/bobbin",
		Sources: cli.EnvVars("BOBBIN_PIPELINES_CACHE_DIR"),
	}

	return &cli.Command{
		Name:  "cache",
		Usage: "inspect and manage the dependency cache",
		Commands: []*cli.Command{
			{
				Name:  "ls",
				Usage: "list cache entries",
				Flags: []cli.Flag{dirFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := cache.NewStore(cmd.String("dir"))
					if err != nil {
						return err
					}

					entries, err := store.Entries()
					if err != nil {
						return err
					}
					if len(entries) == 0 {
						fmt.Println("cache is empty")
						return nil
					}

					for _, m := range entries {
						fmt.Printf("%s\t%s\t%d files\t%s\n",
							m.Key,
							humanize.Bytes(uint64(m.Size)),
							m.FileCount,
							humanize.Time(m.CreatedAt),
						)
					}
					return nil
				},
			},
			{
				Name:      "rm",
				Usage:     "remove a cache entry",
				ArgsUsage: "<key>",
				Flags:     []cli.Flag{dirFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key := cmd.Args().First()
					if key == "" {
						return fmt.Errorf("missing cache key")
					}

					store, err := cache.NewStore(cmd.String("dir"))
					if err != nil {
						return err
					}
					return store.Remove(key)
				},
			},
			{
				Name:  "prune",
				Usage: "remove cache entries past a certain age",
				Flags: []cli.Flag{
					dirFlag,
					&cli.DurationFlag{
						Name:  "max-age",
						Usage: "remove entries older than this",
						Value: 168 * time.Hour,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := cache.NewStore(cmd.String("dir"))
					if err != nil {
						return err
					}

					removed, err := store.Prune(cmd.Duration("max-age"))
					if err != nil {
						return err
					}
					fmt.Printf("removed %d entries\n", removed)
					return nil
				},
			},
		},
	}
}
