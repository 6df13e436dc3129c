package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"peerflow/internal/config"
	"peerflow/internal/domain"
	"peerflow/internal/repo"
)

// ResolveConfig loads the effective configuration for a workspace: the
// peerflow.yml file wins, then the config stored in the database, then the
// built-in default. The winner is persisted back so serve mode and the CLI
// agree, and the platform account it names is opened if missing.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		stored, err := r.GetPlatformConfig(ctx)
		switch {
		case err == nil:
			if cfg, err = config.FromYAML([]byte(stored)); err != nil {
				return nil, fmt.Errorf("stored config: %w", err)
			}
		case errors.Is(err, repo.ErrNotFound):
			cfg = config.Default()
		default:
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := persist(ctx, r, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// persist stores the effective config and ensures the platform account
// exists before anything tries to sweep into it.
func persist(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureAccountTx(ctx, tx, cfg.Platform.AccountID, domain.AccountPlatform, now); err != nil {
		return fmt.Errorf("ensure platform account: %w", err)
	}
	if err := r.UpsertPlatformConfigTx(ctx, tx, string(data), now); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	return tx.Commit()
}
