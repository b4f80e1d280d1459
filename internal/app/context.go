package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"shepherd/internal/config"
	"shepherd/internal/db"
	"shepherd/internal/engine"
	"shepherd/internal/migrate"
	"shepherd/internal/notify"
)

// Options locate the workspace and the bootstrap principal.
type Options struct {
	Workspace     string
	BusyTimeoutMS int
	// BootstrapAdmin receives the global admin role while no binding grants it.
	BootstrapAdmin string
	Logger         *slog.Logger
}

// Runtime is an opened workspace. Close releases the database.
type Runtime struct {
	Engine engine.Engine
	Config *config.Config
	DB     *sql.DB
}

func (r *Runtime) Close() error { return r.DB.Close() }

// Open prepares the workspace database, applies migrations, loads the config
// file (defaults when absent) and seeds the configured roles.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, BusyTimeoutMS: opts.BusyTimeoutMS})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	if len(cfg.Webhooks) > 0 {
		e.Notifier = notify.NewWebhook(cfg.Webhooks)
	}
	if err := e.SeedRoles(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed roles: %w", err)
	}
	if opts.BootstrapAdmin != "" {
		granted, err := e.BootstrapAdmin(ctx, opts.BootstrapAdmin)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("bootstrap admin: %w", err)
		}
		if granted {
			logger.Info("granted bootstrap admin", slog.String("actor_id", opts.BootstrapAdmin))
		}
	}
	return &Runtime{Engine: e, Config: cfg, DB: conn}, nil
}
