package order

import (
	"context"
	"log/slog"
	"time"
)

// Refresher defaults
const (
	DefaultRefreshInterval = 15 * time.Minute
	DefaultRefreshWindow   = 20 * time.Minute
)

// Refresher periodically renews cached tokens that are close to expiry.
type Refresher struct {
	auth     *Authenticator
	tokens   *CacheTokenStore
	interval time.Duration
	window   time.Duration
}

// NewRefresher creates a Refresher sweeping tokens every interval.
func NewRefresher(auth *Authenticator, tokens *CacheTokenStore, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Refresher{auth: auth, tokens: tokens, interval: interval, window: DefaultRefreshWindow}
}

// Run sweeps until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	slog.Info("Refresher.Run: started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Refresher.Run: stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep refreshes every token expiring within the window and returns how many were renewed.
func (r *Refresher) Sweep(ctx context.Context) int {
	deadline := r.auth.now().Add(r.window)
	refreshed := 0
	for _, e := range r.tokens.entries() {
		if e.Token.RefreshToken == "" || e.Token.Expiry.IsZero() || e.Token.Expiry.After(deadline) {
			continue
		}
		fresh, err := r.auth.refresh(ctx, e.Token)
		if err != nil {
			slog.Warn("Refresher.Sweep: refresh failed", "chat_id", e.UserID, "error", err)
			continue
		}
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = e.Token.RefreshToken
		}
		if err := r.tokens.SaveToken(ctx, e.UserID, fresh); err != nil {
			slog.Warn("Refresher.Sweep: failed to cache refreshed token", "chat_id", e.UserID, "error", err)
			continue
		}
		refreshed++
	}
	if refreshed > 0 {
		slog.Debug("Refresher.Sweep: tokens refreshed", "count", refreshed)
	}
	return refreshed
}
