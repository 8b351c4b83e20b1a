package conversations

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealroom/internal/domain/messages"
	"dealroom/internal/domain/shared/events"
)

var (
	ErrNotFound = errors.New("conversations: not found")
	// ErrNotParticipant is also a validation error.
	ErrNotParticipant = fmt.Errorf("%w: not a participant", messages.ErrValidation)
)

// namespace seeds deterministic conversation ids so that every device derives
// the same id for one (listing, buyer, seller) triple.
var namespace = uuid.MustParse("5b0f3f0e-8a4e-4c55-9a8e-6f2d1c3b7e21")

// Participants are exactly the two sides of a negotiation.
type Participants struct {
	Buyer  string
	Seller string
}

func (p Participants) Has(id string) bool {
	return id != "" && (id == p.Buyer || id == p.Seller)
}

// Counterpart returns the other side for a participant id.
func (p Participants) Counterpart(id string) (string, bool) {
	switch id {
	case p.Buyer:
		return p.Seller, true
	case p.Seller:
		return p.Buyer, true
	default:
		return "", false
	}
}

func (p Participants) List() []string {
	return []string{p.Buyer, p.Seller}
}

// Key builds the deterministic conversation id.
func Key(listingRef, buyerID, sellerID string) string {
	name := strings.Join([]string{listingRef, buyerID, sellerID}, "\x00")
	return uuid.NewSHA1(namespace, []byte(name)).String()
}

// Conversation owns the ordered message log of one negotiation. It is not
// safe for concurrent use; the store serialises access per conversation.
type Conversation struct {
	ID                string
	ListingRef        string
	Participants      Participants
	CreatedAt         time.Time
	Archived          bool
	SettlementOfferID string

	log     []*messages.Message
	byID    map[string]*messages.Message
	unread  map[string]int
	focused map[string]bool
	summary Summary
	events.EventRecorder
}

func New(listingRef string, participants Participants, createdAt time.Time) (*Conversation, error) {
	listingRef = strings.TrimSpace(listingRef)
	participants.Buyer = strings.TrimSpace(participants.Buyer)
	participants.Seller = strings.TrimSpace(participants.Seller)
	if listingRef == "" {
		return nil, fmt.Errorf("%w: listing reference is required", messages.ErrValidation)
	}
	if participants.Buyer == "" || participants.Seller == "" {
		return nil, fmt.Errorf("%w: buyer and seller are required", messages.ErrValidation)
	}
	if participants.Buyer == participants.Seller {
		return nil, fmt.Errorf("%w: buyer and seller must differ", messages.ErrValidation)
	}
	return &Conversation{
		ID:           Key(listingRef, participants.Buyer, participants.Seller),
		ListingRef:   listingRef,
		Participants: participants,
		CreatedAt:    createdAt.UTC(),
		byID:         make(map[string]*messages.Message),
		unread:       make(map[string]int),
		focused:      make(map[string]bool),
	}, nil
}

// Restore rebuilds a conversation from a persisted record.
func Restore(rec Record) (*Conversation, error) {
	conv, err := New(rec.ListingRef, rec.Participants, rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if rec.ID != "" {
		conv.ID = rec.ID
	}
	conv.Archived = rec.Archived
	conv.SettlementOfferID = rec.SettlementOfferID
	for _, msg := range rec.Messages {
		m := msg
		if _, exists := conv.byID[m.ID]; exists {
			continue
		}
		conv.insert(&m)
	}
	for id, n := range rec.Unread {
		if conv.Participants.Has(id) && n > 0 {
			conv.unread[id] = n
		}
	}
	conv.refresh()
	return conv, nil
}

// Append adds a message to the log. A message whose id is already present is
// ignored and reported with appended=false.
func (c *Conversation) Append(msg messages.Message) (bool, error) {
	if err := msg.Validate(); err != nil {
		return false, err
	}
	if msg.ConversationID != c.ID {
		return false, fmt.Errorf("%w: message belongs to conversation %s", messages.ErrValidation, msg.ConversationID)
	}
	if !c.Participants.Has(msg.SenderID) {
		return false, fmt.Errorf("%w: sender %s", ErrNotParticipant, msg.SenderID)
	}
	if _, exists := c.byID[msg.ID]; exists {
		return false, nil
	}
	m := msg
	c.insert(&m)
	if recipient, ok := c.Participants.Counterpart(m.SenderID); ok && !c.focused[recipient] {
		c.unread[recipient]++
	}
	c.refresh()
	return true, nil
}

func (c *Conversation) insert(m *messages.Message) {
	pos := sort.Search(len(c.log), func(i int) bool { return messages.Less(*m, *c.log[i]) })
	c.log = append(c.log, nil)
	copy(c.log[pos+1:], c.log[pos:])
	c.log[pos] = m
	c.byID[m.ID] = m
}

func (c *Conversation) Has(messageID string) bool {
	_, ok := c.byID[messageID]
	return ok
}

func (c *Conversation) Message(id string) (messages.Message, bool) {
	m, ok := c.byID[id]
	if !ok {
		return messages.Message{}, false
	}
	return *m, true
}

// Messages returns the whole log in display order.
func (c *Conversation) Messages() []messages.Message {
	out := make([]messages.Message, 0, len(c.log))
	for _, m := range c.log {
		out = append(out, *m)
	}
	return out
}

func (c *Conversation) Len() int { return len(c.log) }

// Page returns up to limit messages strictly before the message with id
// before (or the newest ones when before is empty), in display order. The
// cursor for the next older page is the oldest returned id.
func (c *Conversation) Page(before string, limit int) ([]messages.Message, string, error) {
	end := len(c.log)
	if before != "" {
		idx, ok := c.position(before)
		if !ok {
			return nil, "", fmt.Errorf("%w: cursor %s", ErrNotFound, before)
		}
		end = idx
	}
	if limit <= 0 {
		limit = end
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]messages.Message, 0, end-start)
	for _, m := range c.log[start:end] {
		out = append(out, *m)
	}
	next := ""
	if start > 0 && len(out) > 0 {
		next = out[0].ID
	}
	return out, next, nil
}

func (c *Conversation) position(id string) (int, bool) {
	m, ok := c.byID[id]
	if !ok {
		return 0, false
	}
	idx := sort.Search(len(c.log), func(i int) bool { return !messages.Less(*c.log[i], *m) })
	if idx < len(c.log) && c.log[idx].ID == id {
		return idx, true
	}
	return 0, false
}

func (c *Conversation) LastMessage() (messages.Message, bool) {
	if len(c.log) == 0 {
		return messages.Message{}, false
	}
	return *c.log[len(c.log)-1], true
}

// LastActivityAt is the newest message time or the creation time.
func (c *Conversation) LastActivityAt() time.Time {
	if !c.summary.LastMessageAt.IsZero() {
		return c.summary.LastMessageAt
	}
	return c.CreatedAt
}

func (c *Conversation) Unread(participantID string) int {
	return c.unread[participantID]
}

// MarkRead resets the participant's unread counter and flags inbound messages
// read. It returns the messages whose read flag changed.
func (c *Conversation) MarkRead(participantID string) ([]messages.Message, error) {
	if !c.Participants.Has(participantID) {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, participantID)
	}
	delete(c.unread, participantID)
	var changed []messages.Message
	for _, m := range c.log {
		if m.SenderID != participantID && !m.Read {
			m.Read = true
			changed = append(changed, *m)
		}
	}
	return changed, nil
}

// SetFocus records whether a participant is looking at the conversation.
func (c *Conversation) SetFocus(participantID string, focused bool) error {
	if !c.Participants.Has(participantID) {
		return fmt.Errorf("%w: %s", ErrNotParticipant, participantID)
	}
	if focused {
		c.focused[participantID] = true
		return nil
	}
	delete(c.focused, participantID)
	return nil
}

func (c *Conversation) Focused(participantID string) bool {
	return c.focused[participantID]
}

func (c *Conversation) Archive() bool {
	if c.Archived {
		return false
	}
	c.Archived = true
	return true
}

func (c *Conversation) Unarchive() bool {
	if !c.Archived {
		return false
	}
	c.Archived = false
	return true
}

// SetDelivery updates the delivery status of an outbound message.
func (c *Conversation) SetDelivery(messageID string, status messages.DeliveryStatus) (messages.Message, error) {
	m, ok := c.byID[messageID]
	if !ok {
		return messages.Message{}, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	m.Delivery = status
	return *m, nil
}

// Respond applies an offer response by actorID. Locally originated accepts
// record OfferAccepted for settlement; replays from other devices do not.
func (c *Conversation) Respond(offerID string, action messages.OfferAction, actorID string, at time.Time, local bool) (messages.Message, error) {
	if !c.Participants.Has(actorID) {
		return messages.Message{}, fmt.Errorf("%w: %s", ErrNotParticipant, actorID)
	}
	m, ok := c.byID[offerID]
	if !ok {
		return messages.Message{}, fmt.Errorf("%w: offer %s", ErrNotFound, offerID)
	}
	offer, ok := m.Offer()
	if !ok {
		return messages.Message{}, fmt.Errorf("%w: offer %s", ErrNotFound, offerID)
	}
	next, err := offer.Transition(action, actorID, m.SenderID)
	if err != nil {
		return messages.Message{}, err
	}
	m.Content = next
	at = at.UTC()
	switch next.State {
	case messages.OfferAccepted:
		c.SettlementOfferID = m.ID
		if local {
			c.Record(OfferAccepted{
				ConversationID: c.ID,
				ListingRef:     c.ListingRef,
				OfferID:        m.ID,
				Amount:         next.Amount.Amount,
				Currency:       next.Amount.Currency,
				BuyerID:        c.Participants.Buyer,
				SellerID:       c.Participants.Seller,
				At:             at,
			})
		}
	case messages.OfferDeclined:
		if local {
			c.Record(OfferDeclined{ConversationID: c.ID, OfferID: m.ID, ActorID: actorID, At: at})
		}
	case messages.OfferCancelled:
		if local {
			c.Record(OfferCancelled{ConversationID: c.ID, OfferID: m.ID, ActorID: actorID, At: at})
		}
	case messages.OfferCountered:
		if local {
			c.Record(OfferCountered{ConversationID: c.ID, OfferID: m.ID, ActorID: actorID, At: at})
		}
	}
	c.refresh()
	return *m, nil
}

// Replay applies a transition received from another device. A transition
// whose target state is already in place is a no-op.
func (c *Conversation) Replay(t messages.OfferTransition) (messages.Message, bool, error) {
	if err := t.Validate(); err != nil {
		return messages.Message{}, false, err
	}
	m, ok := c.byID[t.OfferID]
	if !ok {
		return messages.Message{}, false, fmt.Errorf("%w: offer %s", ErrNotFound, t.OfferID)
	}
	if offer, ok := m.Offer(); ok && offer.State == t.Action.Target() {
		return *m, false, nil
	}
	updated, err := c.Respond(t.OfferID, t.Action, t.ActorID, t.At, false)
	if err != nil {
		return messages.Message{}, false, err
	}
	return updated, true, nil
}

// OfferThreads returns the newest offer of every counter chain, newest first.
func (c *Conversation) OfferThreads() []messages.Message {
	root := make(map[string]string)
	latest := make(map[string]*messages.Message)
	for _, m := range c.log {
		offer, ok := m.Offer()
		if !ok {
			continue
		}
		r := m.ID
		if parent, ok := root[offer.InReplyTo]; ok && offer.InReplyTo != "" {
			r = parent
		}
		root[m.ID] = r
		latest[r] = m
	}
	out := make([]messages.Message, 0, len(latest))
	for _, m := range latest {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return messages.Less(out[j], out[i]) })
	return out
}

func (c *Conversation) Summary() Summary {
	return c.summary
}

// Status resolves the derived status at now.
func (c *Conversation) Status(now time.Time, replyWindow time.Duration) Status {
	return DeriveStatus(c.summary, c.Archived, now, replyWindow)
}

func (c *Conversation) refresh() {
	c.summary = summarize(c.log)
}

// Snapshot returns the persisted header (messages excluded).
func (c *Conversation) Snapshot() Record {
	unread := make(map[string]int, len(c.unread))
	for k, v := range c.unread {
		unread[k] = v
	}
	return Record{
		ID:                c.ID,
		ListingRef:        c.ListingRef,
		Participants:      c.Participants,
		CreatedAt:         c.CreatedAt,
		Archived:          c.Archived,
		SettlementOfferID: c.SettlementOfferID,
		Unread:            unread,
	}
}
