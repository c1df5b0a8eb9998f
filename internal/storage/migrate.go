package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

type migration struct {
	Name string
	SQL  string
}

// loadMigrations reads every *.sql file in dir, ordered by file name.
func loadMigrations(dir string) ([]migration, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	out := make([]migration, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", p, err)
		}
		out = append(out, migration{Name: filepath.Base(p), SQL: string(b)})
	}
	return out, nil
}

// ApplyMigrations executes the migrations in dir in order and returns the names applied.
// Migration files must be idempotent.
func ApplyMigrations(ctx context.Context, db *sql.DB, dir string) ([]string, error) {
	ms, err := loadMigrations(dir)
	if err != nil {
		return nil, err
	}
	applied := make([]string, 0, len(ms))
	for _, m := range ms {
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return applied, fmt.Errorf("migration %s: %w", m.Name, err)
		}
		applied = append(applied, m.Name)
	}
	return applied, nil
}
