package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one JSON document per chat under user:<id>:state with a native TTL.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// Compile-time check that RedisStore implements SessionStore.
var _ SessionStore = (*RedisStore)(nil)

// NewRedisStore connects to the Redis server named by the configured URL.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	cfg := applyOptions(opts)
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis URL not set")
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("RedisStore ping failed", "addr", opt.Addr, "error", err)
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("RedisStore connected", "addr", opt.Addr, "db", opt.DB, "session_ttl", cfg.SessionTTL)
	return newRedisStoreWithClient(rdb, cfg), nil
}

func newRedisStoreWithClient(rdb *redis.Client, cfg Opts) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: cfg.SessionTTL, now: cfg.now}
}

func sessionKey(id string) string {
	return "user:" + id + ":state"
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	data, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	if sess.SelectedCuisines == nil {
		sess.SelectedCuisines = []string{}
	}
	return &sess, nil
}

func (s *RedisStore) PutSession(ctx context.Context, sess models.Session) error {
	_, err := s.put(ctx, sess)
	return err
}

func (s *RedisStore) put(ctx context.Context, sess models.Session) (models.Session, error) {
	sess = stamp(sess, s.now())
	data, err := json.Marshal(sess)
	if err != nil {
		return sess, fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	if err := s.rdb.Set(ctx, sessionKey(sess.ID), data, s.ttl).Err(); err != nil {
		slog.Error("RedisStore PutSession failed", "id", sess.ID, "error", err)
		return sess, fmt.Errorf("failed to write session %s: %w", sess.ID, err)
	}
	return sess, nil
}

func (s *RedisStore) ResetSession(ctx context.Context, id string) (models.Session, error) {
	return s.put(ctx, models.NewSession(id))
}

func (s *RedisStore) ExpireSession(ctx context.Context, id string, ttl time.Duration) error {
	key := sessionKey(id)
	if ttl <= 0 {
		return s.rdb.Del(ctx, key).Err()
	}
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
