package runner

import (
	"context"

	"github.com/urfave/cli/v3"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the bobbin CI server",
		Action: func(ctx context.Context, _ *cli.Command) error {
			return Run(ctx)
		},
		Description: `
Environment variables:
	BOBBIN_SERVER_LISTEN_ADDR               (default: 0.0.0.0:6781)
	BOBBIN_SERVER_DB_PATH                   (default: bobbin.db)
	BOBBIN_SERVER_DEV                       (default: false)
	BOBBIN_SERVER_SECRETS_PROVIDER          (default: sqlite)
	BOBBIN_SERVER_SECRETS_OPENBAO_ADDR
	BOBBIN_SERVER_SECRETS_OPENBAO_ROLE_ID
	BOBBIN_SERVER_SECRETS_OPENBAO_SECRET_ID
	BOBBIN_SERVER_SECRETS_OPENBAO_MOUNT     (default: bobbin)
	BOBBIN_PIPELINES_ENGINE                 (default: docker)
	BOBBIN_PIPELINES_RUNNER_IMAGE           (default: docker.io/library/ubuntu:24.04)
	BOBBIN_PIPELINES_JOB_TIMEOUT            (default: 30m)
	BOBBIN_PIPELINES_LOG_DIR                (default: /var/log/bobbin)
	BOBBIN_PIPELINES_CACHE_DIR              (default: /var/cache/bobbin)
	BOBBIN_PIPELINES_CACHE_MAX_AGE          (default: 168h)
`,
	}
}
