package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// DefaultStateTTL is how long a login link stays valid.
const DefaultStateTTL = 15 * time.Minute

// ErrInvalidState is returned when an OAuth callback carries a state that fails verification.
var ErrInvalidState = errors.New("invalid oauth state")

// AuthConfig describes the grocery provider's OAuth client.
type AuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	StateSecret  string
	StateTTL     time.Duration
}

// Authenticator builds login links and completes the authorization code exchange.
//
// The state parameter is a signed JWT naming the chat, so the callback needs no server-side
// bookkeeping to know whose token it received.
type Authenticator struct {
	oauth    *oauth2.Config
	secret   []byte
	stateTTL time.Duration
	tokens   TokenStore
	now      func() time.Time
}

// NewAuthenticator validates cfg and returns an Authenticator that caches tokens in tokens.
func NewAuthenticator(cfg AuthConfig, tokens TokenStore) (*Authenticator, error) {
	if cfg.ClientID == "" || cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("oauth client id, auth url and token url are required")
	}
	if len(cfg.StateSecret) < 16 {
		return nil, fmt.Errorf("oauth state secret must be at least 16 bytes")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	ttl := cfg.StateTTL
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	slog.Debug("Authenticator: configured", "client_id_set", cfg.ClientID != "", "redirect_url", cfg.RedirectURL, "scopes", cfg.Scopes)
	return &Authenticator{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		secret:   []byte(cfg.StateSecret),
		stateTTL: ttl,
		tokens:   tokens,
		now:      time.Now,
	}, nil
}

// LoginURL returns the provider login link for chatID.
func (a *Authenticator) LoginURL(chatID string) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   chatID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.stateTTL)),
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign oauth state: %w", err)
	}
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// ChatIDFromState verifies state and returns the chat it was issued for.
func (a *Authenticator) ChatIDFromState(state string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidState)
	}
	return claims.Subject, nil
}

// HandleCallback verifies state, exchanges code for a token and caches it. It returns the chat ID.
func (a *Authenticator) HandleCallback(ctx context.Context, state, code string) (string, error) {
	chatID, err := a.ChatIDFromState(state)
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", fmt.Errorf("authorization code is required")
	}
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		slog.Error("Authenticator.HandleCallback: code exchange failed", "chat_id", chatID, "error", err)
		return "", fmt.Errorf("exchange authorization code: %w", err)
	}
	if err := a.tokens.SaveToken(ctx, chatID, tok); err != nil {
		return "", fmt.Errorf("cache token: %w", err)
	}
	slog.Info("Authenticator.HandleCallback: token cached", "chat_id", chatID, "expiry", tok.Expiry)
	return chatID, nil
}

// refresh exchanges tok's refresh token for a new access token.
func (a *Authenticator) refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	expired := *tok
	// Force the token source to refresh instead of returning the still-valid token.
	expired.Expiry = a.now().Add(-time.Second)
	return a.oauth.TokenSource(ctx, &expired).Token()
}
