package messages

import (
	"fmt"
	"strings"
	"time"

	"dealroom/internal/domain/shared/money"
)

type OfferState string

const (
	OfferPending   OfferState = "pending"
	OfferAccepted  OfferState = "accepted"
	OfferDeclined  OfferState = "declined"
	OfferCountered OfferState = "countered"
	OfferCancelled OfferState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s OfferState) Terminal() bool {
	return s != OfferPending
}

func (s OfferState) valid() bool {
	switch s {
	case OfferPending, OfferAccepted, OfferDeclined, OfferCountered, OfferCancelled:
		return true
	default:
		return false
	}
}

type OfferAction string

const (
	ActionAccept  OfferAction = "accept"
	ActionDecline OfferAction = "decline"
	ActionCounter OfferAction = "counter"
	ActionCancel  OfferAction = "cancel"
)

// ParseAction maps user input onto a known action.
func ParseAction(raw string) (OfferAction, error) {
	action := OfferAction(strings.ToLower(strings.TrimSpace(raw)))
	switch action {
	case ActionAccept, ActionDecline, ActionCounter, ActionCancel:
		return action, nil
	default:
		return "", fmt.Errorf("%w: unknown offer action %q", ErrValidation, raw)
	}
}

// Target returns the state an offer ends in after the action.
func (a OfferAction) Target() OfferState {
	switch a {
	case ActionAccept:
		return OfferAccepted
	case ActionDecline:
		return OfferDeclined
	case ActionCounter:
		return OfferCountered
	case ActionCancel:
		return OfferCancelled
	default:
		return ""
	}
}

// Offer is a monetary proposal. A counter-offer is a new Offer with InReplyTo
// pointing at the offer it answers.
type Offer struct {
	Amount               money.Money
	State                OfferState
	RequiresResponseFrom string
	InReplyTo            string
}

func (Offer) Kind() Kind { return KindOffer }

func (o Offer) validate() error {
	if o.Amount.Amount <= 0 {
		return fmt.Errorf("%w: offer amount must be positive", ErrValidation)
	}
	if _, err := money.NormalizeCurrency(o.Amount.Currency); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !o.State.valid() {
		return fmt.Errorf("%w: unknown offer state %q", ErrValidation, o.State)
	}
	return nil
}

// Transition applies action by actorID to an offer sent by senderID.
// Only pending offers move; the recipient may accept, decline or counter and
// only the sender may cancel.
func (o Offer) Transition(action OfferAction, actorID, senderID string) (Offer, error) {
	if o.State != OfferPending {
		return o, fmt.Errorf("%w: offer is %s", ErrInvalidTransition, o.State)
	}
	isSender := actorID == senderID
	switch action {
	case ActionAccept, ActionDecline, ActionCounter:
		if isSender {
			return o, fmt.Errorf("%w: only the recipient can %s", ErrActorNotAllowed, action)
		}
	case ActionCancel:
		if !isSender {
			return o, fmt.Errorf("%w: only the sender can cancel", ErrActorNotAllowed)
		}
	default:
		return o, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	next := o
	next.State = action.Target()
	next.RequiresResponseFrom = ""
	return next, nil
}

// OfferTransition records a response to an offer so that other devices and
// the counterparty can replay it.
type OfferTransition struct {
	ID             string
	ConversationID string
	OfferID        string
	Action         OfferAction
	ActorID        string
	CounterOfferID string
	At             time.Time
}

func (t OfferTransition) Validate() error {
	if t.ID == "" || t.ConversationID == "" || t.OfferID == "" || t.ActorID == "" {
		return fmt.Errorf("%w: transition ids are required", ErrValidation)
	}
	if t.Action.Target() == "" {
		return fmt.Errorf("%w: unknown action %q", ErrValidation, t.Action)
	}
	return nil
}
