// Package store provides session storage backends for MealPipe.
//
// Every backend keeps exactly one whole Session record per chat identifier. Writes replace
// the record as a unit, so a session is never partially updated.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/MealPipe/internal/models"
)

// DefaultSessionTTL is how long a session survives without activity.
const DefaultSessionTTL = 24 * time.Hour

// ErrSessionExpired is returned by GetSession when the record existed but its TTL elapsed.
var ErrSessionExpired = errors.New("session expired")

// SessionStore is the keyed persistence contract used by the conversation controller.
type SessionStore interface {
	// GetSession returns the session for id, or nil with no error when none exists.
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// PutSession replaces the whole record and refreshes its expiry with the default TTL.
	PutSession(ctx context.Context, s models.Session) error
	// ResetSession stores and returns a fresh NEW session for id.
	ResetSession(ctx context.Context, id string) (models.Session, error)
	// ExpireSession makes the record expire ttl from now. A ttl <= 0 deletes it immediately.
	ExpireSession(ctx context.Context, id string, ttl time.Duration) error
	// Close releases the backend's resources.
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN        string        // SQLite path or PostgreSQL connection string
	RedisURL   string        // redis:// URL, takes precedence over DSN
	SessionTTL time.Duration // zero means DefaultSessionTTL
	now        func() time.Time
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisURL selects the Redis backend.
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// WithSessionTTL overrides DefaultSessionTTL.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.SessionTTL = ttl }
}

func withClock(now func() time.Time) Option {
	return func(o *Opts) { o.now = now }
}

func applyOptions(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return cfg
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" or "sqlite3".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the backend selected by opts: Redis when a URL is set, then SQL by DSN type,
// and the in-memory store otherwise.
func New(opts ...Option) (SessionStore, error) {
	cfg := applyOptions(opts)
	switch {
	case cfg.RedisURL != "":
		slog.Debug("store.New: using Redis session store")
		return NewRedisStore(opts...)
	case cfg.DSN == "":
		slog.Debug("store.New: no DSN configured, using in-memory session store")
		return NewInMemoryStore(opts...), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		slog.Debug("store.New: using PostgreSQL session store")
		return NewPostgresStore(opts...)
	default:
		slog.Debug("store.New: using SQLite session store", "path", cfg.DSN)
		return NewSQLiteStore(opts...)
	}
}

// stamp sets the bookkeeping timestamps on a session about to be written.
func stamp(s models.Session, now time.Time) models.Session {
	s = s.Clone()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	return s
}
