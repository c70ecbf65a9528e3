package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/MealPipe/internal/metrics"
	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
	"golang.org/x/time/rate"
)

const (
	// DefaultQueueSize bounds the pending events of a single chat.
	DefaultQueueSize = 32
	// DefaultHandlerTimeout bounds one event, including plan and grocery generation.
	DefaultHandlerTimeout = 5 * time.Minute
	// DefaultLimiterTTL is how long an idle chat keeps its token bucket.
	DefaultLimiterTTL = 10 * time.Minute
	// limiterSweepEvery is the number of lookups between idle bucket sweeps.
	limiterSweepEvery = 1000
)

var (
	// ErrDuplicate is returned for an event whose message ID was already accepted.
	ErrDuplicate = errors.New("duplicate inbound message")
	// ErrRateLimited is returned when a chat sends faster than its token bucket allows.
	ErrRateLimited = errors.New("chat rate limit exceeded")
	// ErrQueueFull is returned when a chat already has the maximum number of pending events.
	ErrQueueFull = errors.New("chat event queue full")
	// ErrDispatcherClosed is returned after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// EventHandler processes one inbound event. flow.Controller implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev models.InboundEvent) error
}

// DispatcherOpts configures a Dispatcher.
type DispatcherOpts struct {
	Dedup          store.DedupRepo
	RatePerSecond  float64 // 0 disables rate limiting
	RateBurst      int
	QueueSize      int
	HandlerTimeout time.Duration
}

// DispatcherOption mutates DispatcherOpts.
type DispatcherOption func(*DispatcherOpts)

// WithDedup drops events whose message ID repo has already recorded.
func WithDedup(repo store.DedupRepo) DispatcherOption {
	return func(o *DispatcherOpts) { o.Dedup = repo }
}

// WithRateLimit allows each chat rps events per second with the given burst.
func WithRateLimit(rps float64, burst int) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.RatePerSecond = rps
		o.RateBurst = burst
	}
}

// WithQueueSize bounds the pending events per chat.
func WithQueueSize(n int) DispatcherOption {
	return func(o *DispatcherOpts) { o.QueueSize = n }
}

// WithHandlerTimeout bounds the processing of one event.
func WithHandlerTimeout(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) { o.HandlerTimeout = d }
}

type queuedEvent struct {
	ctx context.Context
	ev  models.InboundEvent
}

// Dispatcher fans inbound events out to per-chat FIFO queues. Events of one chat are
// handled in arrival order by a single goroutine, which exits once its queue drains.
// Different chats are processed concurrently.
type Dispatcher struct {
	handler EventHandler
	dedup   store.DedupRepo
	limiter *chatLimiter
	timeout time.Duration
	size    int

	mu     sync.Mutex
	queues map[string]chan queuedEvent
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher delivering events to h.
func NewDispatcher(h EventHandler, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{QueueSize: DefaultQueueSize, HandlerTimeout: DefaultHandlerTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	d := &Dispatcher{
		handler: h,
		dedup:   cfg.Dedup,
		timeout: cfg.HandlerTimeout,
		size:    cfg.QueueSize,
		queues:  make(map[string]chan queuedEvent),
	}
	if cfg.RatePerSecond > 0 {
		d.limiter = newChatLimiter(cfg.RatePerSecond, cfg.RateBurst, DefaultLimiterTTL)
	}
	return d
}

// Dispatch validates ev, filters duplicates and rate-limited chats, and queues it.
// It returns once the event is queued; processing continues after ctx is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.InboundEvent) error {
	if err := ev.Validate(); err != nil {
		metrics.ObserveInbound(string(ev.Kind), metrics.OutcomeInvalid)
		return fmt.Errorf("invalid inbound event: %w", err)
	}

	if d.dedup != nil && ev.MessageID != "" {
		fresh, err := d.dedup.RecordInbound(ctx, ev.MessageID, ev.ChatID)
		if err != nil {
			// Processing twice is preferable to dropping the event.
			slog.Warn("Dispatcher.Dispatch: dedup record failed", "chat_id", ev.ChatID, "message_id", ev.MessageID, "error", err)
		} else if !fresh {
			metrics.ObserveInbound(string(ev.Kind), metrics.OutcomeDuplicate)
			slog.Debug("Dispatcher.Dispatch: duplicate dropped", "chat_id", ev.ChatID, "message_id", ev.MessageID)
			return ErrDuplicate
		}
	}

	if d.limiter != nil && !d.limiter.allow(ev.ChatID) {
		metrics.ObserveInbound(string(ev.Kind), metrics.OutcomeRateLimited)
		slog.Warn("Dispatcher.Dispatch: rate limited", "chat_id", ev.ChatID)
		return ErrRateLimited
	}

	return d.enqueue(queuedEvent{ctx: context.WithoutCancel(ctx), ev: ev})
}

func (d *Dispatcher) enqueue(item queuedEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	q, ok := d.queues[item.ev.ChatID]
	if !ok {
		q = make(chan queuedEvent, d.size)
		d.queues[item.ev.ChatID] = q
		d.wg.Add(1)
		go d.drain(item.ev.ChatID, q)
	}
	select {
	case q <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// drain handles queued events of one chat until the queue is empty. The emptiness
// check and the queue removal happen under d.mu, so enqueue never targets a dead queue.
func (d *Dispatcher) drain(chatID string, q chan queuedEvent) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		var item queuedEvent
		select {
		case item = <-q:
		default:
			delete(d.queues, chatID)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		d.process(item)
	}
}

func (d *Dispatcher) process(item queuedEvent) {
	ctx, cancel := context.WithTimeout(item.ctx, d.timeout)
	defer cancel()

	if err := d.handler.HandleEvent(ctx, item.ev); err != nil {
		slog.Error("Dispatcher.process: handler failed", "chat_id", item.ev.ChatID, "kind", item.ev.Kind, "error", err)
	}
	if d.dedup != nil && item.ev.MessageID != "" {
		if err := d.dedup.MarkProcessed(ctx, item.ev.MessageID); err != nil {
			slog.Warn("Dispatcher.process: mark processed failed", "message_id", item.ev.MessageID, "error", err)
		}
	}
}

// Run feeds svc's inbound events into the dispatcher and logs its receipts until ctx is
// cancelled or both channels close.
func (d *Dispatcher) Run(ctx context.Context, svc Service) {
	events, receipts := svc.Events(), svc.Receipts()
	for events != nil || receipts != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := d.Dispatch(ctx, ev); err != nil && !errors.Is(err, ErrDuplicate) {
				slog.Warn("Dispatcher.Run: event not dispatched", "chat_id", ev.ChatID, "error", err)
			}
		case r, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			slog.Debug("Dispatcher.Run: receipt", "to", r.To, "status", r.Status)
		}
	}
}

// Close rejects new events and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// pending returns the number of chats with a live queue.
func (d *Dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// chatLimiter keeps one token bucket per chat and sweeps idle buckets every
// limiterSweepEvery lookups.
type chatLimiter struct {
	rps     rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	lookups int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newChatLimiter(rps float64, burst int, ttl time.Duration) *chatLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &chatLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *chatLimiter) allow(chatID string) bool {
	now := l.now()
	l.mu.Lock()
	l.lookups++
	if l.lookups >= limiterSweepEvery {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) >= l.ttl {
				delete(l.buckets, k)
			}
		}
		l.lookups = 0
	}
	b, ok := l.buckets[chatID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[chatID] = b
	}
	b.lastSeen = now
	lim := b.limiter
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}
