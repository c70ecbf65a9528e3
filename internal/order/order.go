// Package order stubs the OAuth-gated grocery ordering flow.
//
// The real ordering integration sits behind Placer; this package only decides whether a
// usable access token exists and, if not, which login link to send.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MealPipe/internal/metrics"
	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// ErrUnauthenticated is returned when no valid access token is cached for the session.
var ErrUnauthenticated = errors.New("unauthenticated")

// UnauthenticatedError carries the login link the user must follow before ordering.
type UnauthenticatedError struct {
	LoginURL string
}

func (e *UnauthenticatedError) Error() string {
	if e.LoginURL == "" {
		return "unauthenticated: no login provider configured"
	}
	return "unauthenticated: login required"
}

func (e *UnauthenticatedError) Unwrap() error {
	return ErrUnauthenticated
}

// Ack acknowledges a placed order.
type Ack struct {
	OrderID  string    `json:"order_id"`
	ChatID   string    `json:"chat_id"`
	PlacedAt time.Time `json:"placed_at"`
}

// Placer submits an order to the grocery provider.
type Placer interface {
	Place(ctx context.Context, s models.Session, tok *oauth2.Token) (Ack, error)
}

// LoginLinker produces the login link for a chat.
type LoginLinker interface {
	LoginURL(chatID string) (string, error)
}

// LoggingPlacer acknowledges every order without contacting a provider.
type LoggingPlacer struct{}

func (LoggingPlacer) Place(ctx context.Context, s models.Session, tok *oauth2.Token) (Ack, error) {
	ack := Ack{OrderID: uuid.NewString(), ChatID: s.ID, PlacedAt: time.Now()}
	slog.Info("LoggingPlacer.Place: order acknowledged", "chat_id", s.ID, "order_id", ack.OrderID, "grocery_list_length", len(s.LastGroceryList))
	return ack, nil
}

// Opts holds configuration for the order Service.
type Opts struct {
	Placer Placer
	Login  LoginLinker
}

// Option configures the order Service.
type Option func(*Opts)

// WithPlacer replaces LoggingPlacer.
func WithPlacer(p Placer) Option {
	return func(o *Opts) { o.Placer = p }
}

// WithLoginLinker sets the component that builds login links.
func WithLoginLinker(l LoginLinker) Option {
	return func(o *Opts) { o.Login = l }
}

// Service gates order placement on a cached access token.
type Service struct {
	tokens TokenStore
	placer Placer
	login  LoginLinker
}

// NewService creates an order Service reading tokens from tokens.
func NewService(tokens TokenStore, opts ...Option) *Service {
	cfg := Opts{Placer: LoggingPlacer{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{tokens: tokens, placer: cfg.Placer, login: cfg.Login}
}

// PlaceOrder places an order for s, or returns an *UnauthenticatedError with a login link.
func (svc *Service) PlaceOrder(ctx context.Context, s models.Session) (Ack, error) {
	var tok *oauth2.Token
	if svc.tokens != nil {
		var err error
		tok, err = svc.tokens.GetToken(ctx, s.ID)
		if err != nil {
			metrics.ObserveOrder("error")
			return Ack{}, fmt.Errorf("read token for %s: %w", s.ID, err)
		}
	}
	if tok == nil || !tok.Valid() {
		metrics.ObserveOrder("unauthenticated")
		return Ack{}, svc.unauthenticated(s.ID)
	}

	ack, err := svc.placer.Place(ctx, s, tok)
	if err != nil {
		metrics.ObserveOrder("error")
		slog.Error("Service.PlaceOrder: placer failed", "chat_id", s.ID, "error", err)
		return Ack{}, fmt.Errorf("place order: %w", err)
	}
	metrics.ObserveOrder("ok")
	return ack, nil
}

func (svc *Service) unauthenticated(chatID string) error {
	ue := &UnauthenticatedError{}
	if svc.login == nil {
		slog.Warn("Service.PlaceOrder: no login provider configured", "chat_id", chatID)
		return ue
	}
	url, err := svc.login.LoginURL(chatID)
	if err != nil {
		slog.Error("Service.PlaceOrder: failed to build login URL", "chat_id", chatID, "error", err)
		return ue
	}
	ue.LoginURL = url
	return ue
}
