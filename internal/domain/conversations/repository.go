package conversations

import (
	"context"
	"time"

	"dealroom/internal/domain/messages"
)

// Record is the persisted form of a conversation. Messages are filled only
// when loading.
type Record struct {
	ID                string
	ListingRef        string
	Participants      Participants
	CreatedAt         time.Time
	Archived          bool
	SettlementOfferID string
	Unread            map[string]int
	Messages          []messages.Message
}

// Repository persists conversations. Both save methods are upserts.
type Repository interface {
	SaveConversation(ctx context.Context, rec Record) error
	SaveMessage(ctx context.Context, msg messages.Message) error
	LoadAll(ctx context.Context) ([]Record, error)
}
