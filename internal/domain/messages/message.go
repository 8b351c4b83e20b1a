package messages

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrValidation        = errors.New("messages: validation failed")
	ErrInvalidTransition = errors.New("messages: invalid offer transition")
	ErrActorNotAllowed   = errors.New("messages: actor not allowed to perform offer transition")
)

// Kind discriminates message content variants.
type Kind string

const (
	KindText  Kind = "text"
	KindOffer Kind = "offer"
	KindFile  Kind = "file"
)

// Content is implemented only by Text, Offer and File.
type Content interface {
	Kind() Kind
	validate() error
}

// Text is a free-form chat line.
type Text struct {
	Body string
}

func (Text) Kind() Kind { return KindText }

func (t Text) validate() error {
	if strings.TrimSpace(t.Body) == "" {
		return fmt.Errorf("%w: text body is required", ErrValidation)
	}
	return nil
}

// File references an uploaded attachment.
type File struct {
	FileName    string
	ByteSize    int64
	ContentRef  string
	ContentType string
}

func (File) Kind() Kind { return KindFile }

func (f File) validate() error {
	if strings.TrimSpace(f.FileName) == "" {
		return fmt.Errorf("%w: file name is required", ErrValidation)
	}
	if f.ByteSize < 0 {
		return fmt.Errorf("%w: file size must not be negative", ErrValidation)
	}
	return nil
}

type DeliveryStatus string

const (
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Message is the envelope shared by every content kind. Only the offer state,
// the delivery status and the read flag change after a message is appended.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	CreatedAt      time.Time
	Content        Content
	Delivery       DeliveryStatus
	Read           bool
}

// Draft is a message before the store assigns its identity and timestamp.
type Draft struct {
	SenderID string
	Content  Content
}

// New builds a validated message.
func New(id, conversationID, senderID string, createdAt time.Time, content Content) (Message, error) {
	msg := Message{
		ID:             strings.TrimSpace(id),
		ConversationID: strings.TrimSpace(conversationID),
		SenderID:       strings.TrimSpace(senderID),
		CreatedAt:      createdAt.UTC(),
		Content:        content,
		Delivery:       DeliverySending,
	}
	if offer, ok := content.(Offer); ok && offer.State == "" {
		offer.State = OfferPending
		msg.Content = offer
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks envelope and content invariants.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: message id is required", ErrValidation)
	}
	if m.ConversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	if m.SenderID == "" {
		return fmt.Errorf("%w: sender id is required", ErrValidation)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", ErrValidation)
	}
	if m.Content == nil {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	return m.Content.validate()
}

func (m Message) Kind() Kind {
	if m.Content == nil {
		return ""
	}
	return m.Content.Kind()
}

func (m Message) Offer() (Offer, bool) {
	o, ok := m.Content.(Offer)
	return o, ok
}

// Preview renders a short human summary used for last-message snippets.
func (m Message) Preview() string {
	switch c := m.Content.(type) {
	case Text:
		return snippet(c.Body, 140)
	case Offer:
		return fmt.Sprintf("offer %s (%s)", c.Amount, c.State)
	case File:
		return "file " + c.FileName
	default:
		return ""
	}
}

// Less orders messages for display by (CreatedAt, ID).
func Less(a, b Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// SortForDisplay sorts in place using Less.
func SortForDisplay(items []Message) {
	sort.SliceStable(items, func(i, j int) bool { return Less(items[i], items[j]) })
}

func snippet(text string, max int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max])
}
