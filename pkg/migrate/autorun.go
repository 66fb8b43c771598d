package migrate

import (
	"context"
	"fmt"

	"github.com/studiobooking/payments-backend/pkg/config"
	"github.com/studiobooking/payments-backend/pkg/db"
	"github.com/studiobooking/payments-backend/pkg/logger"
)

// MaybeRunDev applies the embedded migrations when the service runs in dev
// with STUDIO_AUTO_MIGRATE set. Every binary calls it at startup, so it
// validates first and refuses to touch the schema with a broken set.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}

	if err := Validate(Embedded()); err != nil {
		return fmt.Errorf("validating embedded migrations: %w", err)
	}
	versions, err := Versions(Embedded())
	if err != nil {
		return err
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	meta := map[string]any{"env": cfg.App.Env, "migrations": len(versions)}
	if n := len(versions); n > 0 {
		meta["latest_version"] = versions[n-1]
	}
	ctx = logg.WithFields(ctx, meta)
	logg.Info(ctx, "applying schema migrations (dev auto-run)")

	if err := Run(ctx, sqlDB, "", "up"); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}

	logg.Info(ctx, "schema migrations applied")
	return nil
}
