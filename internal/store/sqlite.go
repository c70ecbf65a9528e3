// Package store provides storage backends for MealPipe.
//
// This file implements an SQLite-backed session store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/MealPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

var sqliteSessionQueries = sessionQueries{
	get: `SELECT data, expires_at FROM sessions WHERE id = ?`,
	upsert: `INSERT INTO sessions (id, status, data, created_at, updated_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data,
		updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
	remove: `DELETE FROM sessions WHERE id = ?`,
	expire: `UPDATE sessions SET expires_at = ? WHERE id = ?`,
	sweep:  `DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <= ?`,
}

type SQLiteStore struct {
	db       *sql.DB
	sessions *sqlSessions
}

// Compile-time check that SQLiteStore implements SessionStore.
var _ SessionStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "", "session_ttl", cfg.SessionTTL)

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY between concurrent chats.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{
		db:       db,
		sessions: &sqlSessions{db: db, q: sqliteSessionQueries, ttl: cfg.SessionTTL, now: cfg.now},
	}, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.sessions.getSession(ctx, id)
	if err != nil {
		slog.Debug("SQLiteStore GetSession failed", "id", id, "error", err)
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) PutSession(ctx context.Context, sess models.Session) error {
	stored, err := s.sessions.putSession(ctx, sess)
	if err != nil {
		slog.Error("SQLiteStore PutSession failed", "id", sess.ID, "error", err)
		return err
	}
	slog.Debug("SQLiteStore PutSession succeeded", "id", stored.ID, "status", stored.Status)
	return nil
}

func (s *SQLiteStore) ResetSession(ctx context.Context, id string) (models.Session, error) {
	stored, err := s.sessions.putSession(ctx, models.NewSession(id))
	if err != nil {
		slog.Error("SQLiteStore ResetSession failed", "id", id, "error", err)
		return models.Session{}, err
	}
	return stored, nil
}

func (s *SQLiteStore) ExpireSession(ctx context.Context, id string, ttl time.Duration) error {
	return s.sessions.expireSession(ctx, id, ttl)
}

// DeleteExpiredSessions removes every session whose expiry is at or before now.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return s.sessions.deleteExpired(ctx, now)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
