// Package app assembles a ready-to-use client from a workspace: config,
// mirror database, migrations and the request log.
package app

import (
	"database/sql"
	"log/slog"
	"os"

	"crowdmirror/internal/client"
	"crowdmirror/internal/config"
	"crowdmirror/internal/db"
	"crowdmirror/internal/migrate"
	"crowdmirror/internal/requestlog"
)

// App holds the wired-up pieces for one workspace.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Client *client.Client
	Log    *slog.Logger
}

// Open loads the workspace config, opens and migrates the mirror database
// and wires a client. With verbose enabled every remote call is recorded
// in the request log.
func Open(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return openWith(cfg)
}

// OpenWithConfig wires an app from an already-validated config. Tests and
// embedding programs use this to skip the workspace file.
func OpenWithConfig(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return openWith(cfg)
}

func openWith(cfg *config.Config) (*App, error) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	conn, err := db.Open(db.Config{
		DataDir:   cfg.DataDir,
		AccountID: cfg.Account.ID,
		Service:   cfg.Service,
	})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cl, err := client.New(cfg, conn, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg.Verbose {
		cl.Transport().Hook = requestlog.Writer{DB: conn}.Hook()
	}
	return &App{Config: cfg, DB: conn, Client: cl, Log: log}, nil
}

// Close releases the database.
func (a *App) Close() error {
	return a.DB.Close()
}
