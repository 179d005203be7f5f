package wordstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/rarity/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS words (
	id           INTEGER PRIMARY KEY,
	word         TEXT NOT NULL,
	type         TEXT NOT NULL,
	rarity_level INTEGER
)`

// SQLite is the Store backed by a local SQLite file.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the dictionary at path.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("wordstore: open sqlite %s: %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("wordstore: init sqlite schema: %w", err)
	}
	return &SQLite{db: db, path: path, logger: logger}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// InsertWords adds or replaces dictionary rows. Used to seed local
// dictionaries.
func (s *SQLite) InsertWords(ctx context.Context, words []model.WordRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("wordstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO words (id, word, type) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET word = excluded.word, type = excluded.type`)
	if err != nil {
		return fmt.Errorf("wordstore: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, w := range words {
		if _, err := stmt.ExecContext(ctx, w.ID, w.Word, w.Type); err != nil {
			return fmt.Errorf("wordstore: insert word %d: %w", w.ID, err)
		}
	}
	return tx.Commit()
}

// FetchAllWords returns every word ordered by id.
func (s *SQLite) FetchAllWords(ctx context.Context) ([]model.WordRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, word, type FROM words ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("wordstore: query words: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.WordRow
	for rows.Next() {
		var w model.WordRow
		if err := rows.Scan(&w.ID, &w.Word, &w.Type); err != nil {
			return nil, fmt.Errorf("wordstore: scan word: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// FetchAllWordLevels returns every word's stored level ordered by id.
func (s *SQLite) FetchAllWordLevels(ctx context.Context) ([]model.WordLevel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, COALESCE(rarity_level, 0) FROM words ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("wordstore: query levels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.WordLevel
	for rows.Next() {
		var l model.WordLevel
		if err := rows.Scan(&l.ID, &l.RarityLevel); err != nil {
			return nil, fmt.Errorf("wordstore: scan level: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpdateRarityLevels applies every update in one transaction.
func (s *SQLite) UpdateRarityLevels(ctx context.Context, levels map[int64]int) (int, error) {
	if len(levels) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("wordstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE words SET rarity_level = ? WHERE id = ?`)
	if err != nil {
		return 0, fmt.Errorf("wordstore: prepare update: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	changed := 0
	for _, id := range sortedIDs(levels) {
		res, err := stmt.ExecContext(ctx, levels[id], id)
		if err != nil {
			return 0, fmt.Errorf("wordstore: update word %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("wordstore: rows affected: %w", err)
		}
		changed += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("wordstore: commit: %w", err)
	}
	return changed, nil
}
