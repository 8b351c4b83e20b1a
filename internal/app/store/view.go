package store

import (
	"time"

	"dealroom/internal/domain/conversations"
	"dealroom/internal/domain/messages"
)

// ConversationView is a read-only copy of a conversation header.
type ConversationView struct {
	ID                string
	ListingRef        string
	BuyerID           string
	SellerID          string
	Status            conversations.Status
	Archived          bool
	Unread            map[string]int
	LastMessage       *messages.Message
	OfferThreads      []messages.Message
	SettlementOfferID string
	CreatedAt         time.Time
	LastActivityAt    time.Time
}

func (v ConversationView) UnreadFor(participantID string) int {
	return v.Unread[participantID]
}

// Counterpart returns the other side for a participant.
func (v ConversationView) Counterpart(participantID string) string {
	if participantID == v.BuyerID {
		return v.SellerID
	}
	return v.BuyerID
}

// view must be called with the entry lock held.
func (s *Store) view(conv *conversations.Conversation) ConversationView {
	v := ConversationView{
		ID:                conv.ID,
		ListingRef:        conv.ListingRef,
		BuyerID:           conv.Participants.Buyer,
		SellerID:          conv.Participants.Seller,
		Status:            conv.Status(s.clock(), s.cfg.ReplyWindow),
		Archived:          conv.Archived,
		Unread:            map[string]int{},
		OfferThreads:      conv.OfferThreads(),
		SettlementOfferID: conv.SettlementOfferID,
		CreatedAt:         conv.CreatedAt,
		LastActivityAt:    conv.LastActivityAt(),
	}
	for _, p := range conv.Participants.List() {
		if n := conv.Unread(p); n > 0 {
			v.Unread[p] = n
		}
	}
	if last, ok := conv.LastMessage(); ok {
		v.LastMessage = &last
	}
	return v
}
