package secrets

import (
	"context"
	"fmt"

	"bobbin.sh/core/log"
	"bobbin.sh/core/runner/config"
)

// NewManager builds the secrets backend named by the configuration.
func NewManager(ctx context.Context, cfg *config.Config) (Manager, error) {
	switch cfg.Server.Secrets.Provider {
	case "sqlite":
		return NewSQLiteManager(cfg.Server.DBPath)
	case "openbao":
		ob := cfg.Server.Secrets.OpenBao
		return NewOpenBaoManager(
			ob.Addr,
			ob.RoleID,
			ob.SecretID,
			log.FromContext(ctx).With("component", "secrets"),
			WithMountPath(ob.Mount),
		)
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.Server.Secrets.Provider)
	}
}
