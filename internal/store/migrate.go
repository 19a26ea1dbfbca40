package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations
var migrationsFS embed.FS

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename VARCHAR(255) PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return s.wrap(err, "create schema_migrations")
	}

	dir := path.Join("migrations", s.dialect.name)
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("read migrations for %s: %w", s.dialect.name, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var count int
		if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, name).Scan(&count); err != nil {
			return s.wrap(err, "check migration "+name)
		}
		if count > 0 {
			continue
		}

		body, err := migrationsFS.ReadFile(path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if err := s.applyMigration(ctx, name, string(body)); err != nil {
			return err
		}
		slog.Info("Applied migration", "driver", s.dialect.name, "file", name)
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, name, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err, "begin migration "+name)
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return s.wrap(err, "apply migration "+name)
		}
	}

	if _, err := s.exec(ctx, tx, `INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`, name, time.Now().UnixMilli()); err != nil {
		return s.wrap(err, "record migration "+name)
	}
	return tx.Commit()
}

// splitStatements breaks a migration file on semicolons, dropping comment
// lines. Migration bodies never contain semicolons inside literals.
func splitStatements(body string) []string {
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}

	var out []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
