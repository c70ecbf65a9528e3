// Package api provides the HTTP surface of MealPipe.
//
// It accepts inbound chat events (directly or through the Twilio webhook), exposes
// session inspection and reset, completes the order login flow and serves health and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/MealPipe/internal/metrics"
	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultReadHeaderTimeout bounds slow clients.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// maxEventBodyBytes caps POST /events bodies.
	maxEventBodyBytes = 64 << 10
)

// Dispatcher queues inbound events. messaging.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev models.InboundEvent) error
}

// SessionManager resets and deletes sessions in step with event handling. flow.Controller implements it.
type SessionManager interface {
	ResetSession(ctx context.Context, chatID string) (models.Session, error)
	ExpireSession(ctx context.Context, chatID string) error
}

// CallbackHandler completes the OAuth login of a chat. order.Authenticator implements it.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, state, code string) (string, error)
}

// Notifier sends a message to a chat. messaging.Service implements it.
type Notifier interface {
	SendMessage(ctx context.Context, to string, body string, kb *models.Keyboard) error
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr          string
	OAuth         CallbackHandler
	Notifier      Notifier
	TwilioWebhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithOAuthCallback enables GET /oauth/callback. n tells the chat its login completed.
func WithOAuthCallback(h CallbackHandler, n Notifier) Option {
	return func(o *Opts) {
		o.OAuth = h
		o.Notifier = n
	}
}

// WithTwilioWebhook mounts the Twilio inbound webhook on POST /twilio/webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	st         store.SessionStore
	sessions   SessionManager
	dispatcher Dispatcher
	oauth      CallbackHandler
	notifier   Notifier
	started    time.Time
	mux        *http.ServeMux
	httpSrv    *http.Server
}

// NewServer builds the server and registers its routes. st serves reads only; writes go through sessions.
func NewServer(st store.SessionStore, sessions SessionManager, dispatcher Dispatcher, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		st:         st,
		sessions:   sessions,
		dispatcher: dispatcher,
		oauth:      cfg.OAuth,
		notifier:   cfg.Notifier,
		started:    time.Now(),
		mux:        http.NewServeMux(),
	}

	s.handle("/events", http.HandlerFunc(s.inboundEventHandler))
	s.handle("/sessions/{id}", http.HandlerFunc(s.sessionHandler))
	s.handle("/sessions/{id}/reset", http.HandlerFunc(s.resetSessionHandler))
	s.handle("/health", http.HandlerFunc(s.healthHandler))
	s.mux.Handle("/metrics", metrics.Handler())
	if s.oauth != nil {
		s.handle("/oauth/callback", http.HandlerFunc(s.oauthCallbackHandler))
	}
	if cfg.TwilioWebhook != nil {
		s.handle("/twilio/webhook", cfg.TwilioWebhook)
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	return s
}

func (s *Server) handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, metrics.Middleware(pattern, h))
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Start: listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Start: shutdown failed", "error", err)
		return err
	}
	slog.Info("Server.Start: stopped")
	return nil
}
