package store

import (
	"context"
	"time"
)

// DedupRecord is one inbound transport message that was already accepted.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	SenderID    string     `json:"sender_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo drops transport redeliveries of the same inbound message.
type DedupRepo interface {
	// IsDuplicate reports whether messageID was already recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound records messageID and returns false if it was already present.
	RecordInbound(ctx context.Context, messageID, senderID string) (bool, error)

	// MarkProcessed stamps processed_at once the dialogue turn finished.
	MarkProcessed(ctx context.Context, messageID string) error
}
