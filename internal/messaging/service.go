// Package messaging adapts chat platforms to MealPipe's inbound event model and
// dispatches those events to the conversation controller.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/MealPipe/internal/models"
)

// Constants shared by the platform adapters
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and event channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for channel sends before an item is dropped
	DefaultChannelTimeout = 1 * time.Second
)

var (
	// ErrServiceStopped is returned by operations on a stopped service.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrInvalidRecipient is returned when a recipient has no usable phone digits.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable chat platform.
// It sends messages with an optional keyboard hint and exposes inbound events and delivery receipts.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient and returns its canonical chat ID.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends body to a chat. Platforms without native keyboards render kb as text.
	SendMessage(ctx context.Context, to string, body string, kb *models.Keyboard) error

	// Start begins any background processing (e.g., registering event handlers).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the channels.
	Stop() error

	// Receipts returns a channel of delivery receipts (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Events returns a channel of inbound chat events.
	Events() <-chan models.InboundEvent
}

// canonicalPhone strips every non-digit and requires a plausible E.164 length.
func canonicalPhone(recipient string) (string, error) {
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if len(digits) < 6 || len(digits) > 15 {
		return "", ErrInvalidRecipient
	}
	return digits, nil
}

// emitter owns the outbound channels of an adapter. Sends never block longer than DefaultChannelTimeout
// and become no-ops once the adapter stops.
type emitter struct {
	mu       sync.RWMutex
	receipts chan models.Receipt
	events   chan models.InboundEvent
	done     chan struct{}
	stopOnce sync.Once
}

func newEmitter() *emitter {
	return &emitter{
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		events:   make(chan models.InboundEvent, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}
}

func (e *emitter) stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *emitter) emitReceipt(r models.Receipt) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped() {
		return false
	}
	select {
	case e.receipts <- r:
		return true
	case <-e.done:
		return false
	case <-time.After(DefaultChannelTimeout):
		return false
	}
}

func (e *emitter) emitEvent(ev models.InboundEvent) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped() {
		return false
	}
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	case <-time.After(DefaultChannelTimeout):
		return false
	}
}

// stop unblocks pending sends, then closes both channels. It is safe to call more than once.
func (e *emitter) stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		close(e.receipts)
		close(e.events)
		e.mu.Unlock()
	})
}
