package wordstore

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/rarity/internal/model"
	"github.com/ashita-ai/rarity/migrations"
)

// Postgres is the Store backed by a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects a pool to dsn and pings it.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("wordstore: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("wordstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("wordstore: ping: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// RunMigrations applies the embedded migrations not yet recorded in
// schema_migrations, in file name order.
func (p *Postgres) RunMigrations(ctx context.Context) error {
	return p.runMigrations(ctx, migrations.FS)
}

func (p *Postgres) runMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("wordstore: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := p.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("wordstore: load applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("wordstore: load applied migrations: %w", err)
	}
	for _, v := range versions {
		applied[v] = true
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("wordstore: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("wordstore: read migration %s: %w", name, err)
		}
		p.logger.Info("wordstore: running migration", "file", name)
		if _, err := p.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("wordstore: execute migration %s: %w", name, err)
		}
		if _, err := p.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("wordstore: record migration %s: %w", name, err)
		}
	}
	return nil
}

// FetchAllWords returns every word ordered by id.
func (p *Postgres) FetchAllWords(ctx context.Context) ([]model.WordRow, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, word, type FROM words ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("wordstore: query words: %w", err)
	}
	words, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.WordRow, error) {
		var w model.WordRow
		err := row.Scan(&w.ID, &w.Word, &w.Type)
		return w, err
	})
	if err != nil {
		return nil, fmt.Errorf("wordstore: scan words: %w", err)
	}
	return words, nil
}

// FetchAllWordLevels returns every word's stored level ordered by id.
func (p *Postgres) FetchAllWordLevels(ctx context.Context) ([]model.WordLevel, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, COALESCE(rarity_level, 0) FROM words ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("wordstore: query levels: %w", err)
	}
	levels, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.WordLevel, error) {
		var l model.WordLevel
		err := row.Scan(&l.ID, &l.RarityLevel)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("wordstore: scan levels: %w", err)
	}
	return levels, nil
}

// UpdateRarityLevels sends every update as one batch inside a transaction,
// retried on serialization failures and deadlocks.
func (p *Postgres) UpdateRarityLevels(ctx context.Context, levels map[int64]int) (int, error) {
	if len(levels) == 0 {
		return 0, nil
	}
	ids := sortedIDs(levels)

	var changed int
	err := newUpdatePolicy(p.logger).do(ctx, func() error {
		changed = 0
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("wordstore: begin: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		batch := &pgx.Batch{}
		for _, id := range ids {
			batch.Queue(`UPDATE words SET rarity_level = $1 WHERE id = $2`, levels[id], id)
		}
		results := tx.SendBatch(ctx, batch)
		for range ids {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return fmt.Errorf("wordstore: update level: %w", err)
			}
			changed += int(tag.RowsAffected())
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("wordstore: close batch: %w", err)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func sortedIDs(levels map[int64]int) []int64 {
	ids := make([]int64, 0, len(levels))
	for id := range levels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
