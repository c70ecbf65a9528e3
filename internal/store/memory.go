package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/patrickmn/go-cache"
)

// DefaultCleanupInterval is how often the in-memory store purges expired sessions.
const DefaultCleanupInterval = 10 * time.Minute

// InMemoryStore keeps sessions in a TTL cache. Expired entries are indistinguishable from
// absent ones, so GetSession never reports ErrSessionExpired.
type InMemoryStore struct {
	cache *cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// Compile-time check that InMemoryStore implements SessionStore.
var _ SessionStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an in-memory session store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := applyOptions(opts)
	return &InMemoryStore{
		cache: cache.New(cfg.SessionTTL, DefaultCleanupInterval),
		ttl:   cfg.SessionTTL,
		now:   cfg.now,
	}
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	x, found := s.cache.Get(id)
	if !found {
		return nil, nil
	}
	sess := x.(models.Session).Clone()
	return &sess, nil
}

func (s *InMemoryStore) PutSession(ctx context.Context, sess models.Session) error {
	sess = stamp(sess, s.now())
	s.cache.Set(sess.ID, sess, s.ttl)
	slog.Debug("InMemoryStore.PutSession: stored", "id", sess.ID, "status", sess.Status)
	return nil
}

func (s *InMemoryStore) ResetSession(ctx context.Context, id string) (models.Session, error) {
	fresh := stamp(models.NewSession(id), s.now())
	s.cache.Set(id, fresh, s.ttl)
	return fresh.Clone(), nil
}

func (s *InMemoryStore) ExpireSession(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		s.cache.Delete(id)
		return nil
	}
	x, found := s.cache.Get(id)
	if !found {
		return nil
	}
	s.cache.Set(id, x, ttl)
	return nil
}

func (s *InMemoryStore) Close() error {
	s.cache.Flush()
	return nil
}
