package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/MealPipe/internal/models"
)

// sessionQueries holds the dialect-specific statements of the sessions table.
type sessionQueries struct {
	get    string
	upsert string
	remove string
	expire string
	sweep  string
}

// sqlSessions implements the session operations shared by the SQL backends.
type sqlSessions struct {
	db  *sql.DB
	q   sessionQueries
	ttl time.Duration
	now func() time.Time
}

func (s *sqlSessions) getSession(ctx context.Context, id string) (*models.Session, error) {
	var data string
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q.get, id).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}

	if expiresAt.Valid && expiresAt.Int64 <= s.now().UnixMilli() {
		if _, err := s.db.ExecContext(ctx, s.q.remove, id); err != nil {
			return nil, fmt.Errorf("failed to remove expired session %s: %w", id, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}

	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	if sess.SelectedCuisines == nil {
		sess.SelectedCuisines = []string{}
	}
	return &sess, nil
}

func (s *sqlSessions) putSession(ctx context.Context, sess models.Session) (models.Session, error) {
	now := s.now()
	sess = stamp(sess, now)
	data, err := json.Marshal(sess)
	if err != nil {
		return sess, fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	expiresAt := now.Add(s.ttl).UnixMilli()
	_, err = s.db.ExecContext(ctx, s.q.upsert,
		sess.ID, string(sess.Status), string(data), sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(), expiresAt)
	if err != nil {
		return sess, fmt.Errorf("failed to write session %s: %w", sess.ID, err)
	}
	return sess, nil
}

func (s *sqlSessions) expireSession(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		if _, err := s.db.ExecContext(ctx, s.q.remove, id); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", id, err)
		}
		return nil
	}
	expiresAt := s.now().Add(ttl).UnixMilli()
	if _, err := s.db.ExecContext(ctx, s.q.expire, expiresAt, id); err != nil {
		return fmt.Errorf("failed to set expiry of session %s: %w", id, err)
	}
	return nil
}

func (s *sqlSessions) deleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q.sweep, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired sessions rows affected check failed: %w", err)
	}
	return n, nil
}
