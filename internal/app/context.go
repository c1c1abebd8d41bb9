package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"skirmish/internal/config"
	"skirmish/internal/db"
	"skirmish/internal/engine"
	"skirmish/internal/logging"
	"skirmish/internal/migrate"
	"skirmish/internal/repo"
)

// Runtime is the wired stack a command or the server works against.
type Runtime struct {
	Config *config.Config
	Log    *zap.Logger
	Store  repo.Store
	Engine engine.Engine

	closers []func() error
}

// ResolveConfig loads skirmish.yml from workspace when present and falls back to defaults.
// The storage workspace follows the directory the file was found in unless the file names one.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if strings.TrimSpace(cfg.Storage.Workspace) == "" || cfg.Storage.Workspace == "." {
		cfg.Storage.Workspace = workspace
	}
	return cfg, nil
}

// Open builds the logger, the store named by cfg.Storage.Driver and the engine on top.
// A nil log is replaced by one built from cfg.Log.
func Open(cfg *config.Config, log *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Log: log}
	if rt.Log == nil {
		l, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
		rt.Log = l
		rt.closers = append(rt.closers, func() error {
			_ = l.Sync()
			return nil
		})
	}

	switch cfg.Storage.Driver {
	case config.StorageMemory:
		rt.Store = repo.NewMemory()
	default:
		if _, err := db.EnsureWorkspace(cfg.Storage.Workspace); err != nil {
			return nil, fmt.Errorf("ensure workspace: %w", err)
		}
		conn, err := db.Open(db.Config{Workspace: cfg.Storage.Workspace})
		if err != nil {
			return nil, err
		}
		if err := migrate.Migrate(context.Background(), conn, rt.Log); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		rt.Store = repo.Repo{DB: conn}
		rt.closers = append(rt.closers, conn.Close)
	}

	rt.Engine = engine.New(rt.Store, cfg, rt.Log)
	rt.Log.Debug("runtime ready",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("workspace", cfg.Storage.Workspace),
		zap.String("rules", cfg.Rules.Engine),
	)
	return rt, nil
}

// Close releases the store and flushes the logger, newest resource first.
func (r *Runtime) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}
