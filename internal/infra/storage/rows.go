// Package storage holds the row layout shared by the durable conversation
// repositories.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"dealroom/internal/domain/conversations"
	"dealroom/internal/domain/messages"
)

// ConversationRow is one conversation header. Messages live in their own
// rows keyed by (conversation id, message id).
type ConversationRow struct {
	ID                string
	ListingRef        string
	BuyerID           string
	SellerID          string
	CreatedAt         time.Time
	Archived          bool
	SettlementOfferID string
	Unread            string
}

// MessageRow keeps offer state inside the content column.
type MessageRow struct {
	ConversationID string
	ID             string
	SenderID       string
	CreatedAt      time.Time
	Kind           string
	Content        []byte
	Delivery       string
	Read           bool
}

func EncodeConversation(rec conversations.Record) (ConversationRow, error) {
	unread := rec.Unread
	if unread == nil {
		unread = map[string]int{}
	}
	raw, err := json.Marshal(unread)
	if err != nil {
		return ConversationRow{}, fmt.Errorf("storage: encode unread: %w", err)
	}
	return ConversationRow{
		ID:                rec.ID,
		ListingRef:        rec.ListingRef,
		BuyerID:           rec.Participants.Buyer,
		SellerID:          rec.Participants.Seller,
		CreatedAt:         rec.CreatedAt.UTC(),
		Archived:          rec.Archived,
		SettlementOfferID: rec.SettlementOfferID,
		Unread:            string(raw),
	}, nil
}

func DecodeConversation(row ConversationRow) (conversations.Record, error) {
	rec := conversations.Record{
		ID:                row.ID,
		ListingRef:        row.ListingRef,
		Participants:      conversations.Participants{Buyer: row.BuyerID, Seller: row.SellerID},
		CreatedAt:         row.CreatedAt.UTC(),
		Archived:          row.Archived,
		SettlementOfferID: row.SettlementOfferID,
		Unread:            map[string]int{},
	}
	if row.Unread != "" {
		if err := json.Unmarshal([]byte(row.Unread), &rec.Unread); err != nil {
			return conversations.Record{}, fmt.Errorf("storage: decode unread for %s: %w", row.ID, err)
		}
	}
	return rec, nil
}

func EncodeMessage(msg messages.Message) (MessageRow, error) {
	kind, content, err := messages.MarshalContent(msg.Content)
	if err != nil {
		return MessageRow{}, err
	}
	return MessageRow{
		ConversationID: msg.ConversationID,
		ID:             msg.ID,
		SenderID:       msg.SenderID,
		CreatedAt:      msg.CreatedAt.UTC(),
		Kind:           string(kind),
		Content:        content,
		Delivery:       string(msg.Delivery),
		Read:           msg.Read,
	}, nil
}

func DecodeMessage(row MessageRow) (messages.Message, error) {
	content, err := messages.UnmarshalContent(messages.Kind(row.Kind), row.Content)
	if err != nil {
		return messages.Message{}, fmt.Errorf("storage: decode message %s: %w", row.ID, err)
	}
	msg := messages.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		CreatedAt:      row.CreatedAt.UTC(),
		Content:        content,
		Delivery:       messages.DeliveryStatus(row.Delivery),
		Read:           row.Read,
	}
	if msg.Delivery == "" {
		msg.Delivery = messages.DeliverySent
	}
	if err := msg.Validate(); err != nil {
		return messages.Message{}, err
	}
	return msg, nil
}
