package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a MemoryStore whose commits are written through to SQLite
// before they become visible. Leaves are stored one row per path and the
// hierarchy is rebuilt on open.
type SQLiteStore struct {
	*MemoryStore
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One writer keeps commit order identical to the in-memory order.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s := &SQLiteStore{db: db}
	s.MemoryStore = NewMemoryStore(opts...)
	if err := s.load(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.MemoryStore.persist = s.apply

	return s, nil
}

func (s *SQLiteStore) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT path, value FROM nodes ORDER BY path")
	if err != nil {
		return fmt.Errorf("failed to load nodes: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var path, raw string
		if err := rows.Scan(&path, &raw); err != nil {
			return fmt.Errorf("failed to scan node: %w", err)
		}
		segs, err := splitPath(path)
		if err != nil {
			return err
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return fmt.Errorf("failed to decode node %s: %w", path, err)
		}
		s.tree.set(segs, value)
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to load nodes: %w", err)
	}

	s.logger.Info("loaded nodes from sqlite", "count", count)
	return nil
}

func (s *SQLiteStore) apply(ctx context.Context, writes []write) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, w := range writes {
		if len(w.segs) == 0 {
			if _, err := tx.ExecContext(ctx, "DELETE FROM nodes"); err != nil {
				return fmt.Errorf("failed to clear nodes: %w", err)
			}
		}
		// Drop the old subtree and any ancestor that used to be a leaf.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM nodes WHERE path = ? OR substr(path, 1, ?) = ?",
			w.path, len(w.path)+1, w.path+"/",
		); err != nil {
			return fmt.Errorf("failed to clear %s: %w", w.path, err)
		}
		for i := 1; i < len(w.segs); i++ {
			if _, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE path = ?", Join(w.segs[:i]...)); err != nil {
				return fmt.Errorf("failed to clear ancestor of %s: %w", w.path, err)
			}
		}

		leaves := make(map[string]any)
		flatten(w.path, w.value, leaves)
		for path, value := range leaves {
			raw, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to encode %s: %w", path, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO nodes (path, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
				path, string(raw),
			); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if err := s.MemoryStore.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

func flatten(path string, value any, out map[string]any) {
	m, ok := value.(map[string]any)
	if !ok {
		if value != nil {
			out[path] = value
		}
		return
	}
	for k, child := range m {
		flatten(Join(path, k), child, out)
	}
}
