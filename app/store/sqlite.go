package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// SQLite implements KV on top of sqlite file. Sorted sets, lists and strings kept in separate tables.
type SQLite struct {
	db *sqlx.DB
}

// NewSQLite opens (or creates) sqlite database and makes the schema
func NewSQLite(dbPath string) (*SQLite, error) {
	if dbPath == "" {
		return nil, errors.New("empty sqlite path")
	}
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single connection keeps pragmas in effect and serializes writers
	db.SetMaxOpenConns(1)

	res := &SQLite{db: db}
	if err := res.init(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (also failed to close db: %v)", err, closeErr)
		}
		return nil, err
	}
	return res, nil
}

func (s *SQLite) init() error {
	queries := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS zsets (
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			score REAL NOT NULL,
			PRIMARY KEY (key, member)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_zsets_score ON zsets(key, score, member)`,
		`CREATE TABLE IF NOT EXISTS strings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lists (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lists_key ON lists(key, id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %q: %w", query, err)
		}
	}
	return nil
}

// ZAdd adds member with score, updates score for existing member
func (s *SQLite) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := checkKeys(key, member); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO zsets (key, member, score) VALUES (?, ?, ?)
		ON CONFLICT(key, member) DO UPDATE SET score = excluded.score`, key, member, score)
	return err
}

// ZRange returns all members, lowest score first
func (s *SQLite) ZRange(ctx context.Context, key string) ([]string, error) {
	if err := checkKeys(key); err != nil {
		return nil, err
	}
	res := []string{}
	err := s.db.SelectContext(ctx, &res, "SELECT member FROM zsets WHERE key = ? ORDER BY score, member", key)
	return res, err
}

// ZRevRange returns all members, highest score first
func (s *SQLite) ZRevRange(ctx context.Context, key string) ([]string, error) {
	if err := checkKeys(key); err != nil {
		return nil, err
	}
	res := []string{}
	err := s.db.SelectContext(ctx, &res, "SELECT member FROM zsets WHERE key = ? ORDER BY score DESC, member DESC", key)
	return res, err
}

// ZRem removes member, no error if missing
func (s *SQLite) ZRem(ctx context.Context, key, member string) error {
	if err := checkKeys(key, member); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM zsets WHERE key = ? AND member = ?", key, member)
	return err
}

// Set stores string value
func (s *SQLite) Set(ctx context.Context, key, value string) error {
	if err := checkKeys(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO strings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Get returns string value, found is false for missing key
func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	if err := checkKeys(key); err != nil {
		return "", false, err
	}
	var val string
	err := s.db.GetContext(ctx, &val, "SELECT value FROM strings WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Del removes keys of any type in a single transaction
func (s *SQLite) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := checkKeys(keys...); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, table := range []string{"zsets", "strings", "lists"} {
		query, args, err := sqlx.In("DELETE FROM "+table+" WHERE key IN (?)", keys)
		if err != nil {
			return fmt.Errorf("failed to make delete query for %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RPush appends value to the list
func (s *SQLite) RPush(ctx context.Context, key, value string) error {
	if err := checkKeys(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "INSERT INTO lists (key, value) VALUES (?, ?)", key, value)
	return err
}

// LRange returns the whole list in insertion order
func (s *SQLite) LRange(ctx context.Context, key string) ([]string, error) {
	if err := checkKeys(key); err != nil {
		return nil, err
	}
	res := []string{}
	err := s.db.SelectContext(ctx, &res, "SELECT value FROM lists WHERE key = ? ORDER BY id", key)
	return res, err
}

// Close the database
func (s *SQLite) Close() error {
	return s.db.Close()
}
