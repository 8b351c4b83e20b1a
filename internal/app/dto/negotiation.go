package dto

import (
	"time"

	"dealroom/internal/app/store"
	"dealroom/internal/domain/messages"
	"dealroom/internal/domain/presence"
	"dealroom/internal/domain/search"
	"dealroom/internal/domain/shared/money"
)

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func MapMoney(m money.Money) Money {
	return Money{Amount: m.Amount, Currency: m.Currency}
}

func mapMoneyPtr(m *money.Money) *Money {
	if m == nil {
		return nil
	}
	out := MapMoney(*m)
	return &out
}

type Offer struct {
	Amount               Money  `json:"amount"`
	State                string `json:"state"`
	RequiresResponseFrom string `json:"requires_response_from,omitempty"`
	InReplyTo            string `json:"in_reply_to,omitempty"`
}

type File struct {
	FileName    string `json:"file_name"`
	ByteSize    int64  `json:"byte_size"`
	ContentRef  string `json:"content_ref,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Message is one conversation entry. Exactly one of Body, Offer or File is
// set, matching Kind.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Kind           string    `json:"kind"`
	CreatedAt      time.Time `json:"created_at"`
	Delivery       string    `json:"delivery"`
	Read           bool      `json:"read"`
	Body           string    `json:"body,omitempty"`
	Offer          *Offer    `json:"offer,omitempty"`
	File           *File     `json:"file,omitempty"`
}

func MapMessage(m messages.Message) Message {
	out := Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Kind:           string(m.Kind()),
		CreatedAt:      m.CreatedAt,
		Delivery:       string(m.Delivery),
		Read:           m.Read,
	}
	switch c := m.Content.(type) {
	case messages.Text:
		out.Body = c.Body
	case messages.Offer:
		out.Offer = &Offer{
			Amount:               MapMoney(c.Amount),
			State:                string(c.State),
			RequiresResponseFrom: c.RequiresResponseFrom,
			InReplyTo:            c.InReplyTo,
		}
	case messages.File:
		out.File = &File{FileName: c.FileName, ByteSize: c.ByteSize, ContentRef: c.ContentRef, ContentType: c.ContentType}
	}
	return out
}

func mapMessagePtr(m *messages.Message) *Message {
	if m == nil {
		return nil
	}
	out := MapMessage(*m)
	return &out
}

func MapMessages(items []messages.Message) []Message {
	out := make([]Message, 0, len(items))
	for _, m := range items {
		out = append(out, MapMessage(m))
	}
	return out
}

// Conversation is a conversation header as seen by one participant.
type Conversation struct {
	ID                string    `json:"id"`
	ListingRef        string    `json:"listing_ref"`
	BuyerID           string    `json:"buyer_id"`
	SellerID          string    `json:"seller_id"`
	CounterpartID     string    `json:"counterpart_id,omitempty"`
	Status            string    `json:"status"`
	Archived          bool      `json:"archived"`
	Unread            int       `json:"unread"`
	LastMessage       *Message  `json:"last_message,omitempty"`
	OfferThreads      []Message `json:"offer_threads"`
	SettlementOfferID string    `json:"settlement_offer_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

func MapConversation(v store.ConversationView, viewerID string) Conversation {
	out := Conversation{
		ID:                v.ID,
		ListingRef:        v.ListingRef,
		BuyerID:           v.BuyerID,
		SellerID:          v.SellerID,
		Status:            string(v.Status),
		Archived:          v.Archived,
		Unread:            v.UnreadFor(viewerID),
		LastMessage:       mapMessagePtr(v.LastMessage),
		OfferThreads:      MapMessages(v.OfferThreads),
		SettlementOfferID: v.SettlementOfferID,
		CreatedAt:         v.CreatedAt,
		LastActivityAt:    v.LastActivityAt,
	}
	if viewerID == v.BuyerID || viewerID == v.SellerID {
		out.CounterpartID = v.Counterpart(viewerID)
	}
	return out
}

type ConversationList struct {
	Items      []Conversation `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type MessageList struct {
	Items      []Message `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// OfferResponse is the outcome of accept, decline, counter or cancel.
type OfferResponse struct {
	Offer   Message  `json:"offer"`
	Counter *Message `json:"counter,omitempty"`
	Note    *Message `json:"note,omitempty"`
}

func MapOfferResponse(r store.ResponseResult) OfferResponse {
	return OfferResponse{Offer: MapMessage(r.Offer), Counter: mapMessagePtr(r.Counter), Note: mapMessagePtr(r.Note)}
}

type OfferContext struct {
	ConversationID string   `json:"conversation_id"`
	ListingRef     string   `json:"listing_ref"`
	AskingPrice    *Money   `json:"asking_price,omitempty"`
	LatestOffer    *Message `json:"latest_offer,omitempty"`
	ReferencePrice *Money   `json:"reference_price,omitempty"`
	RespondentID   string   `json:"respondent_id,omitempty"`
}

func MapOfferContext(oc store.OfferContext) OfferContext {
	return OfferContext{
		ConversationID: oc.ConversationID,
		ListingRef:     oc.ListingRef,
		AskingPrice:    mapMoneyPtr(oc.AskingPrice),
		LatestOffer:    mapMessagePtr(oc.LatestOffer),
		ReferencePrice: mapMoneyPtr(oc.ReferencePrice),
		RespondentID:   oc.RespondentID,
	}
}

type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type SearchHit struct {
	ConversationID string  `json:"conversation_id"`
	ListingRef     string  `json:"listing_ref"`
	Message        Message `json:"message"`
	Field          string  `json:"field"`
	Value          string  `json:"value"`
	Spans          []Span  `json:"spans"`
}

type SearchResults struct {
	Items []SearchHit `json:"items"`
}

func MapSearchHit(m search.Match) SearchHit {
	spans := make([]Span, 0, len(m.Spans))
	for _, s := range m.Spans {
		spans = append(spans, Span{Start: s.Start, End: s.End})
	}
	return SearchHit{
		ConversationID: m.Conversation.ID,
		ListingRef:     m.Conversation.ListingRef,
		Message:        MapMessage(m.Message),
		Field:          m.Field,
		Value:          m.Value,
		Spans:          spans,
	}
}

type Presence struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	Online      bool      `json:"online"`
	LastSeenAt  time.Time `json:"last_seen_at,omitempty"`
	Typing      bool      `json:"typing,omitempty"`
}

func MapPresence(p presence.Participant) Presence {
	return Presence{ID: p.ID, DisplayName: p.DisplayName, AvatarRef: p.AvatarRef, Online: p.Online, LastSeenAt: p.LastSeenAt}
}

// Ack acknowledges a command without a richer result.
type Ack struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
}

// Event is a store event pushed to live clients.
type Event struct {
	Kind           string        `json:"kind"`
	ConversationID string        `json:"conversation_id"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	Typing         []string      `json:"typing,omitempty"`
	Presence       *Presence     `json:"presence,omitempty"`
	At             time.Time     `json:"at"`
}

func MapEvent(ev store.Event, viewerID string) Event {
	out := Event{Kind: string(ev.Kind), ConversationID: ev.ConversationID, Message: mapMessagePtr(ev.Message), At: ev.At}
	if ev.Conversation != nil {
		conv := MapConversation(*ev.Conversation, viewerID)
		out.Conversation = &conv
	}
	return out
}
