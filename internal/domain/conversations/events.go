package conversations

import "time"

// OfferAccepted is the settlement handoff. It is raised once, by the side
// that applied the accept.
type OfferAccepted struct {
	ConversationID string    `json:"conversation_id"`
	ListingRef     string    `json:"listing_ref"`
	OfferID        string    `json:"offer_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	BuyerID        string    `json:"buyer_id"`
	SellerID       string    `json:"seller_id"`
	At             time.Time `json:"at"`
}

func (e OfferAccepted) EventName() string     { return "offer.accepted" }
func (e OfferAccepted) AggregateID() string   { return e.ConversationID }
func (e OfferAccepted) OccurredAt() time.Time { return e.At }

type OfferDeclined struct {
	ConversationID string    `json:"conversation_id"`
	OfferID        string    `json:"offer_id"`
	ActorID        string    `json:"actor_id"`
	At             time.Time `json:"at"`
}

func (e OfferDeclined) EventName() string     { return "offer.declined" }
func (e OfferDeclined) AggregateID() string   { return e.ConversationID }
func (e OfferDeclined) OccurredAt() time.Time { return e.At }

type OfferCancelled struct {
	ConversationID string    `json:"conversation_id"`
	OfferID        string    `json:"offer_id"`
	ActorID        string    `json:"actor_id"`
	At             time.Time `json:"at"`
}

func (e OfferCancelled) EventName() string     { return "offer.cancelled" }
func (e OfferCancelled) AggregateID() string   { return e.ConversationID }
func (e OfferCancelled) OccurredAt() time.Time { return e.At }

type OfferCountered struct {
	ConversationID string    `json:"conversation_id"`
	OfferID        string    `json:"offer_id"`
	ActorID        string    `json:"actor_id"`
	At             time.Time `json:"at"`
}

func (e OfferCountered) EventName() string     { return "offer.countered" }
func (e OfferCountered) AggregateID() string   { return e.ConversationID }
func (e OfferCountered) OccurredAt() time.Time { return e.At }
