package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/MealPipe/internal/models"
)

// OutboundMessage is one message recorded by MemoryService.
type OutboundMessage struct {
	To       string
	Body     string
	Keyboard *models.Keyboard
}

// MemoryService is an in-process Service. Inbound events are injected by callers and
// outbound messages are kept in memory. The HTTP API drives it in development deployments.
type MemoryService struct {
	*emitter
	mu   sync.Mutex
	sent []OutboundMessage
}

func NewMemoryService() *MemoryService {
	return &MemoryService{emitter: newEmitter()}
}

func (s *MemoryService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", ErrInvalidRecipient
	}
	return recipient, nil
}

func (s *MemoryService) Start(ctx context.Context) error { return nil }

func (s *MemoryService) Stop() error {
	s.stop()
	return nil
}

// SendMessage records the message and emits a sent receipt.
func (s *MemoryService) SendMessage(ctx context.Context, to string, body string, kb *models.Keyboard) error {
	if s.stopped() {
		return ErrServiceStopped
	}
	s.mu.Lock()
	s.sent = append(s.sent, OutboundMessage{To: to, Body: body, Keyboard: kb})
	s.mu.Unlock()
	s.emitReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Inject queues ev on the Events channel as if it came from a chat platform.
func (s *MemoryService) Inject(ev models.InboundEvent) error {
	if s.stopped() {
		return ErrServiceStopped
	}
	if !s.emitEvent(ev) {
		return ErrQueueFull
	}
	return nil
}

// Sent returns a copy of every recorded outbound message.
func (s *MemoryService) Sent() []OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboundMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *MemoryService) Receipts() <-chan models.Receipt {
	return s.receipts
}

func (s *MemoryService) Events() <-chan models.InboundEvent {
	return s.events
}
