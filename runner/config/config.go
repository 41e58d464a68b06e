package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string  `env:"LISTEN_ADDR, default=0.0.0.0:6781"`
	DBPath     string  `env:"DB_PATH, default=bobbin.db"`
	Dev        bool    `env:"DEV, default=false"`
	Secrets    Secrets `env:",prefix=SECRETS_"`
}

type Secrets struct {
	Provider string        `env:"PROVIDER, default=sqlite"`
	OpenBao  OpenBaoConfig `env:",prefix=OPENBAO_"`
}

type OpenBaoConfig struct {
	Addr     string `env:"ADDR"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=bobbin"`
}

type Pipelines struct {
	Engine      string        `env:"ENGINE, default=docker"`
	RunnerImage string        `env:"RUNNER_IMAGE, default=docker.io/library/ubuntu:24.04"`
	JobTimeout  time.Duration `env:"JOB_TIMEOUT, default=30m"`
	LogDir      string        `env:"LOG_DIR, default=/var/log/bobbin"`
	CacheDir    string        `env:"CACHE_DIR, default=/var/cache/bobbin"`
	CacheMaxAge time.Duration `env:"CACHE_MAX_AGE, default=168h"`
}

type Config struct {
	Server    Server    `env:",prefix=BOBBIN_SERVER_"`
	Pipelines Pipelines `env:",prefix=BOBBIN_PIPELINES_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
