package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dealroom/internal/domain/messages"
)

var (
	ErrInvalidEnvelope = errors.New("delivery: invalid envelope")
	ErrUnavailable     = errors.New("delivery: channel unavailable")
)

// Envelope is the unit moved by a Channel. It carries exactly one of a
// message or an offer transition. Channels may duplicate or reorder
// envelopes; receivers dedupe by ID.
type Envelope struct {
	ID             string
	ConversationID string
	// Origin identifies the publishing node so it can skip its own echoes.
	Origin string
	// Thread lets a receiver create the conversation on first contact.
	Thread     *Thread
	Message    *messages.Message
	Transition *messages.OfferTransition
}

// Thread is the identity triple of a conversation.
type Thread struct {
	ListingRef string
	BuyerID    string
	SellerID   string
}

func ForMessage(origin string, msg messages.Message) Envelope {
	return Envelope{ID: msg.ID, ConversationID: msg.ConversationID, Origin: origin, Message: &msg}
}

func ForTransition(origin string, t messages.OfferTransition) Envelope {
	return Envelope{ID: t.ID, ConversationID: t.ConversationID, Origin: origin, Transition: &t}
}

func (e Envelope) WithThread(t Thread) Envelope {
	e.Thread = &t
	return e
}

func (e Envelope) Validate() error {
	if e.ID == "" || e.ConversationID == "" {
		return fmt.Errorf("%w: id and conversation id are required", ErrInvalidEnvelope)
	}
	if (e.Message == nil) == (e.Transition == nil) {
		return fmt.Errorf("%w: exactly one of message or transition is required", ErrInvalidEnvelope)
	}
	return nil
}

// Receipt confirms the transport accepted an envelope.
type Receipt struct {
	EnvelopeID string
	AcceptedAt time.Time
	Position   string
}

type Handler func(ctx context.Context, env Envelope) error

type Subscription interface {
	Close() error
}

// Channel is the transport port. Subscribe with an empty conversation id
// receives every conversation.
type Channel interface {
	Publish(ctx context.Context, env Envelope) (Receipt, error)
	Subscribe(ctx context.Context, conversationID string, h Handler) (Subscription, error)
}
