package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// PostgresSource reads overrides from the system_settings table
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a source backed by system_settings
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// Name implements Source
func (p *PostgresSource) Name() string { return "system_settings" }

// Load implements Source
func (p *PostgresSource) Load(ctx context.Context) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT key, value FROM system_settings")
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		values[key] = value
	}
	return values, rows.Err()
}

// FileSource reads overrides from a flat YAML mapping. A missing file is
// treated as empty.
type FileSource struct {
	path string
}

// NewFileSource creates a source backed by a YAML file
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Name implements Source
func (f *FileSource) Name() string { return f.path }

// Load implements Source
func (f *FileSource) Load(ctx context.Context) (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	values := make(map[string]string)
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}
	return values, nil
}

// Seed writes snap into system_settings. Existing rows are only replaced
// when overwrite is set, so operator edits survive a re-seed.
func Seed(ctx context.Context, db *sql.DB, snap Snapshot, overwrite bool) (int, error) {
	query := `
		INSERT INTO system_settings (key, value, description, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO NOTHING`
	if overwrite {
		query = `
		INSERT INTO system_settings (key, value, description, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	}

	values := snap.Values()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	written := 0
	for _, key := range keys {
		result, err := db.ExecContext(ctx, query, key, values[key], Descriptions[key])
		if err != nil {
			return written, fmt.Errorf("failed to seed setting %s: %w", key, err)
		}
		if n, err := result.RowsAffected(); err == nil {
			written += int(n)
		}
	}
	return written, nil
}

// LoadFile parses a YAML seed file into a snapshot layered over Defaults
func LoadFile(ctx context.Context, path string) (Snapshot, error) {
	values, err := NewFileSource(path).Load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Defaults()
	if errs := apply(&snap, values); len(errs) > 0 {
		return Snapshot{}, errors.Join(errs...)
	}
	return snap, nil
}
