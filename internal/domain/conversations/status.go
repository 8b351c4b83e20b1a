package conversations

import (
	"time"

	"dealroom/internal/domain/messages"
)

type Status string

const (
	StatusActive      Status = "active"
	StatusNegotiating Status = "negotiating"
	StatusPending     Status = "pending"
	StatusArchived    Status = "archived"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusNegotiating, StatusPending, StatusArchived:
		return true
	default:
		return false
	}
}

// DefaultReplyWindow is how long an unanswered message may wait before the
// conversation counts as pending.
const DefaultReplyWindow = 24 * time.Hour

// Summary caches the log facts status derivation needs.
type Summary struct {
	LatestOfferID    string
	LatestOfferState messages.OfferState
	LastSenderID     string
	LastMessageAt    time.Time
	// AwaitingSince is the oldest message of the trailing run sent by
	// LastSenderID, i.e. when the counterpart last owed a reply.
	AwaitingSince time.Time
}

func summarize(log []*messages.Message) Summary {
	var s Summary
	if len(log) == 0 {
		return s
	}
	last := log[len(log)-1]
	s.LastSenderID = last.SenderID
	s.LastMessageAt = last.CreatedAt
	s.AwaitingSince = last.CreatedAt
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].SenderID != s.LastSenderID {
			break
		}
		s.AwaitingSince = log[i].CreatedAt
	}
	for i := len(log) - 1; i >= 0; i-- {
		if offer, ok := log[i].Offer(); ok {
			s.LatestOfferID = log[i].ID
			s.LatestOfferState = offer.State
			break
		}
	}
	return s
}

// DeriveStatus is a pure function of the log summary, the archive flag and
// now. Archived wins, then an open negotiation, then an overdue reply.
func DeriveStatus(s Summary, archived bool, now time.Time, replyWindow time.Duration) Status {
	if archived {
		return StatusArchived
	}
	switch s.LatestOfferState {
	case messages.OfferPending, messages.OfferCountered:
		return StatusNegotiating
	}
	if replyWindow <= 0 {
		replyWindow = DefaultReplyWindow
	}
	if !s.AwaitingSince.IsZero() && now.Sub(s.AwaitingSince) > replyWindow {
		return StatusPending
	}
	return StatusActive
}
