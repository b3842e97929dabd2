package app

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"leoline/internal/config"
	"leoline/internal/db"
	"leoline/internal/engine"
	"leoline/internal/migrate"
)

// Options locate a workspace. ConfigPath overrides the workspace's leoline.yml.
type Options struct {
	Workspace  string
	DSN        string
	ConfigPath string
	Logger     *slog.Logger
}

// ResolveConfig loads the explicit config file when given, otherwise the
// workspace file, falling back to built-in defaults.
func ResolveConfig(workspace, configPath string) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.FromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		return cfg, nil
	}
	return config.Load(workspace)
}

// Open connects to the store, applies pending migrations and builds an engine.
// Callers close the returned DB.
func Open(opts Options) (engine.Engine, *sqlx.DB, error) {
	cfg, err := ResolveConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, DSN: opts.DSN})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	if opts.Logger != nil {
		eng.Logger = opts.Logger
	}
	return eng, conn, nil
}
