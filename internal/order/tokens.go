package order

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
)

// DefaultTokenTTL applies to tokens that carry no expiry of their own.
const DefaultTokenTTL = time.Hour

// tokenGrace keeps a token cached for a while past its access expiry so it can still be refreshed.
const tokenGrace = 24 * time.Hour

// TokenStore caches OAuth tokens per chat identifier.
type TokenStore interface {
	// GetToken returns the cached token for userID, or nil when none is cached.
	GetToken(ctx context.Context, userID string) (*oauth2.Token, error)
	// SaveToken caches tok with a TTL derived from its expiry.
	SaveToken(ctx context.Context, userID string, tok *oauth2.Token) error
}

// CacheTokenStore is a TokenStore backed by an in-process TTL cache.
type CacheTokenStore struct {
	cache *cache.Cache
	now   func() time.Time
}

// Compile-time check that CacheTokenStore implements TokenStore.
var _ TokenStore = (*CacheTokenStore)(nil)

// NewCacheTokenStore creates an empty token cache.
func NewCacheTokenStore() *CacheTokenStore {
	return &CacheTokenStore{
		cache: cache.New(DefaultTokenTTL, 10*time.Minute),
		now:   time.Now,
	}
}

func (s *CacheTokenStore) GetToken(ctx context.Context, userID string) (*oauth2.Token, error) {
	x, found := s.cache.Get(userID)
	if !found {
		return nil, nil
	}
	tok := *x.(*oauth2.Token)
	return &tok, nil
}

func (s *CacheTokenStore) SaveToken(ctx context.Context, userID string, tok *oauth2.Token) error {
	if tok == nil {
		s.cache.Delete(userID)
		return nil
	}
	ttl := DefaultTokenTTL
	if !tok.Expiry.IsZero() {
		ttl = tok.Expiry.Sub(s.now())
		if tok.RefreshToken != "" {
			ttl += tokenGrace
		}
	}
	if ttl <= 0 {
		s.cache.Delete(userID)
		return nil
	}
	copied := *tok
	s.cache.Set(userID, &copied, ttl)
	return nil
}

// tokenEntry pairs a cached token with its owner.
type tokenEntry struct {
	UserID string
	Token  *oauth2.Token
}

// entries snapshots every cached token.
func (s *CacheTokenStore) entries() []tokenEntry {
	items := s.cache.Items()
	out := make([]tokenEntry, 0, len(items))
	for id, item := range items {
		tok := *item.Object.(*oauth2.Token)
		out = append(out, tokenEntry{UserID: id, Token: &tok})
	}
	return out
}
