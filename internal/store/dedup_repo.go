// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultDedupWindow is how long the in-memory repo remembers a message ID.
const DefaultDedupWindow = 24 * time.Hour

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID     string     `json:"message_id"`
	ParticipantID string     `json:"participant_id"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, chatID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}

// InMemoryDedup remembers message IDs for a fixed window.
type InMemoryDedup struct {
	cache *cache.Cache
}

// Compile-time check that InMemoryDedup implements DedupRepo.
var _ DedupRepo = (*InMemoryDedup)(nil)

// NewInMemoryDedup creates a dedup repo that forgets IDs after window.
func NewInMemoryDedup(window time.Duration) *InMemoryDedup {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &InMemoryDedup{cache: cache.New(window, DefaultCleanupInterval)}
}

func (d *InMemoryDedup) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	_, found := d.cache.Get(messageID)
	return found, nil
}

func (d *InMemoryDedup) RecordInbound(ctx context.Context, messageID, chatID string) (bool, error) {
	// Add fails when the key is already present, which makes the check and insert atomic.
	err := d.cache.Add(messageID, DedupRecord{MessageID: messageID, ParticipantID: chatID, ReceivedAt: time.Now()}, cache.DefaultExpiration)
	return err == nil, nil
}

func (d *InMemoryDedup) MarkProcessed(ctx context.Context, messageID string) error {
	x, exp, found := d.cache.GetWithExpiration(messageID)
	if !found {
		return nil
	}
	rec := x.(DedupRecord)
	now := time.Now()
	rec.ProcessedAt = &now
	d.cache.Set(messageID, rec, time.Until(exp))
	return nil
}
