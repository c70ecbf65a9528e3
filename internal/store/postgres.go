// Package store provides storage backends for MealPipe.
//
// This file implements a PostgreSQL-backed session store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/MealPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

var postgresSessionQueries = sessionQueries{
	get: `SELECT data, expires_at FROM sessions WHERE id = $1`,
	upsert: `INSERT INTO sessions (id, status, data, created_at, updated_at, expires_at) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data,
		updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at`,
	remove: `DELETE FROM sessions WHERE id = $1`,
	expire: `UPDATE sessions SET expires_at = $1 WHERE id = $2`,
	sweep:  `DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <= $1`,
}

type PostgresStore struct {
	db       *sql.DB
	sessions *sqlSessions
}

// Compile-time check that PostgresStore implements SessionStore.
var _ SessionStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "", "session_ttl", cfg.SessionTTL)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{
		db:       db,
		sessions: &sqlSessions{db: db, q: postgresSessionQueries, ttl: cfg.SessionTTL, now: cfg.now},
	}, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.sessions.getSession(ctx, id)
	if err != nil {
		slog.Debug("PostgresStore GetSession failed", "id", id, "error", err)
		return nil, err
	}
	return sess, nil
}

func (s *PostgresStore) PutSession(ctx context.Context, sess models.Session) error {
	stored, err := s.sessions.putSession(ctx, sess)
	if err != nil {
		slog.Error("PostgresStore PutSession failed", "id", sess.ID, "error", err)
		return err
	}
	slog.Debug("PostgresStore PutSession succeeded", "id", stored.ID, "status", stored.Status)
	return nil
}

func (s *PostgresStore) ResetSession(ctx context.Context, id string) (models.Session, error) {
	stored, err := s.sessions.putSession(ctx, models.NewSession(id))
	if err != nil {
		slog.Error("PostgresStore ResetSession failed", "id", id, "error", err)
		return models.Session{}, err
	}
	return stored, nil
}

func (s *PostgresStore) ExpireSession(ctx context.Context, id string, ttl time.Duration) error {
	return s.sessions.expireSession(ctx, id, ttl)
}

// DeleteExpiredSessions removes every session whose expiry is at or before now.
func (s *PostgresStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return s.sessions.deleteExpired(ctx, now)
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
