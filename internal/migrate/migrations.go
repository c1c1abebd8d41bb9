// Package migrate applies the embedded SQLite schema.
package migrate

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"skirmish/internal/logging"
)

//go:embed sql/*.sql
var scripts embed.FS

// Step is one numbered schema script. Its version comes from the file name prefix,
// as in 0001_sessions.sql.
type Step struct {
	Version int
	Name    string
	SQL     string
}

// Steps returns the embedded scripts ordered by version.
func Steps() ([]Step, error) {
	return loadSteps(scripts)
}

func loadSteps(fsys fs.FS) ([]Step, error) {
	paths, err := fs.Glob(fsys, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	steps := make([]Step, 0, len(paths))
	for _, p := range paths {
		name := path.Base(p)
		head, _, ok := strings.Cut(name, "_")
		v, err := strconv.Atoi(head)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: name must start with a positive version", name)
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{Version: v, Name: name, SQL: string(data)})
	}
	slices.SortFunc(steps, func(a, b Step) int { return cmp.Compare(a.Version, b.Version) })
	for i := 1; i < len(steps); i++ {
		if steps[i].Version == steps[i-1].Version {
			return nil, fmt.Errorf("migrations %s and %s share version %d", steps[i-1].Name, steps[i].Name, steps[i].Version)
		}
	}
	return steps, nil
}

// Current reports the schema version recorded in db, 0 when nothing was applied yet.
func Current(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	var v int
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// Migrate applies the pending embedded steps in one transaction and logs each version
// it applied. A database stamped newer than the newest step is refused.
func Migrate(ctx context.Context, db *sql.DB, log *zap.Logger) error {
	return migrate(ctx, db, logging.OrNop(log), scripts)
}

func migrate(ctx context.Context, db *sql.DB, log *zap.Logger, fsys fs.FS) error {
	steps, err := loadSteps(fsys)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current, err := stampedVersion(ctx, tx)
	if err != nil {
		return err
	}
	if n := len(steps); n > 0 && current > steps[n-1].Version {
		return fmt.Errorf("schema version %d is newer than the newest known migration %d", current, steps[n-1].Version)
	}

	var applied []Step
	for _, s := range steps {
		if s.Version <= current {
			continue
		}
		if _, err := tx.ExecContext(ctx, s.SQL); err != nil {
			return fmt.Errorf("migration %s: %w", s.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version=?`, s.Version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		current = s.Version
		applied = append(applied, s)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, s := range applied {
		log.Info("migration applied", zap.Int("version", s.Version), zap.String("name", s.Name))
	}
	log.Debug("schema ready", zap.Int("version", current), zap.Int("applied", len(applied)))
	return nil
}

func stampedVersion(ctx context.Context, tx *sql.Tx) (int, error) {
	var v int
	err := tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("init schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}
