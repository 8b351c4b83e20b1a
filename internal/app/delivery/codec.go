package delivery

import (
	"encoding/json"
	"fmt"
	"time"

	"dealroom/internal/domain/messages"
)

type wireMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	CreatedAt      time.Time       `json:"created_at"`
	Kind           messages.Kind   `json:"kind"`
	Content        json.RawMessage `json:"content"`
}

type wireTransition struct {
	ID             string               `json:"id"`
	ConversationID string               `json:"conversation_id"`
	OfferID        string               `json:"offer_id"`
	Action         messages.OfferAction `json:"action"`
	ActorID        string               `json:"actor_id"`
	CounterOfferID string               `json:"counter_offer_id,omitempty"`
	At             time.Time            `json:"at"`
}

type wireThread struct {
	ListingRef string `json:"listing_ref"`
	BuyerID    string `json:"buyer_id"`
	SellerID   string `json:"seller_id"`
}

type wireEnvelope struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Origin         string          `json:"origin,omitempty"`
	Thread         *wireThread     `json:"thread,omitempty"`
	Message        *wireMessage    `json:"message,omitempty"`
	Transition     *wireTransition `json:"transition,omitempty"`
}

// Marshal encodes an envelope as JSON.
func Marshal(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	w := wireEnvelope{ID: env.ID, ConversationID: env.ConversationID, Origin: env.Origin}
	if th := env.Thread; th != nil {
		w.Thread = &wireThread{ListingRef: th.ListingRef, BuyerID: th.BuyerID, SellerID: th.SellerID}
	}
	if m := env.Message; m != nil {
		kind, content, err := messages.MarshalContent(m.Content)
		if err != nil {
			return nil, err
		}
		w.Message = &wireMessage{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			CreatedAt:      m.CreatedAt,
			Kind:           kind,
			Content:        content,
		}
	}
	if t := env.Transition; t != nil {
		w.Transition = &wireTransition{
			ID:             t.ID,
			ConversationID: t.ConversationID,
			OfferID:        t.OfferID,
			Action:         t.Action,
			ActorID:        t.ActorID,
			CounterOfferID: t.CounterOfferID,
			At:             t.At,
		}
	}
	return json.Marshal(w)
}

// Unmarshal decodes and validates an envelope. Inbound messages are marked
// sent since they already crossed the transport.
func Unmarshal(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	env := Envelope{ID: w.ID, ConversationID: w.ConversationID, Origin: w.Origin}
	if th := w.Thread; th != nil {
		env.Thread = &Thread{ListingRef: th.ListingRef, BuyerID: th.BuyerID, SellerID: th.SellerID}
	}
	if wm := w.Message; wm != nil {
		content, err := messages.UnmarshalContent(wm.Kind, wm.Content)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		msg := messages.Message{
			ID:             wm.ID,
			ConversationID: wm.ConversationID,
			SenderID:       wm.SenderID,
			CreatedAt:      wm.CreatedAt.UTC(),
			Content:        content,
			Delivery:       messages.DeliverySent,
		}
		if err := msg.Validate(); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		env.Message = &msg
	}
	if wt := w.Transition; wt != nil {
		t := messages.OfferTransition{
			ID:             wt.ID,
			ConversationID: wt.ConversationID,
			OfferID:        wt.OfferID,
			Action:         wt.Action,
			ActorID:        wt.ActorID,
			CounterOfferID: wt.CounterOfferID,
			At:             wt.At.UTC(),
		}
		if err := t.Validate(); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		env.Transition = &t
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
