// Package wordstore reads dictionary words and writes back their final
// rarity levels. Postgres is the production store; SQLite serves local
// dictionaries.
package wordstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ashita-ai/rarity/internal/model"
)

// ErrNotConfigured is returned by Open when no database is configured.
var ErrNotConfigured = errors.New("wordstore: no database configured")

// Store is the dictionary word table.
type Store interface {
	// FetchAllWords returns every word ordered by id.
	FetchAllWords(ctx context.Context) ([]model.WordRow, error)
	// FetchAllWordLevels returns the stored level of every word ordered by
	// id. A word without a level reports 0.
	FetchAllWordLevels(ctx context.Context) ([]model.WordLevel, error)
	// UpdateRarityLevels sets the level of each id in one transaction and
	// returns the number of rows changed.
	UpdateRarityLevels(ctx context.Context, levels map[int64]int) (int, error)
	Close() error
}

// Config selects and addresses the store. SQLitePath wins when set;
// otherwise DatabaseURL, then SupabaseURL with its separate credentials.
type Config struct {
	DatabaseURL      string
	SupabaseURL      string
	SupabaseUser     string
	SupabasePassword string
	SQLitePath       string
}

// Open connects to the configured store. Postgres stores are migrated.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path := strings.TrimSpace(cfg.SQLitePath); path != "" {
		return OpenSQLite(ctx, path, logger)
	}
	dsn, err := cfg.PostgresDSN()
	if err != nil {
		return nil, err
	}
	pg, err := NewPostgres(ctx, dsn, logger)
	if err != nil {
		return nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		_ = pg.Close()
		return nil, err
	}
	return pg, nil
}

// PostgresDSN resolves the Postgres connection string. JDBC-style
// "jdbc:postgresql://" URLs are accepted; Supabase credentials are merged
// into the URL when it carries none.
func (c Config) PostgresDSN() (string, error) {
	if dsn := strings.TrimSpace(c.DatabaseURL); dsn != "" {
		return dsn, nil
	}
	raw := strings.TrimSpace(c.SupabaseURL)
	if raw == "" {
		return "", ErrNotConfigured
	}
	raw = strings.TrimPrefix(raw, "jdbc:")
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("wordstore: parse database url: %w", err)
	}
	if u.Scheme == "postgresql" {
		u.Scheme = "postgres"
	}
	if u.User == nil && c.SupabaseUser != "" {
		if c.SupabasePassword != "" {
			u.User = url.UserPassword(c.SupabaseUser, c.SupabasePassword)
		} else {
			u.User = url.User(c.SupabaseUser)
		}
	}
	return u.String(), nil
}
