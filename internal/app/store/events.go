package store

import (
	"time"

	"dealroom/internal/domain/conversations"
	"dealroom/internal/domain/messages"
)

type EventKind string

const (
	EventConversationCreated EventKind = "conversation.created"
	EventConversationUpdated EventKind = "conversation.updated"
	EventMessageAppended     EventKind = "message.appended"
	EventMessageUpdated      EventKind = "message.updated"
	EventOfferAccepted       EventKind = "offer.accepted"
)

// Event is delivered to watchers after a mutation has been applied.
type Event struct {
	Kind           EventKind
	ConversationID string
	Conversation   *ConversationView
	Message        *messages.Message
	Accepted       *conversations.OfferAccepted
	At             time.Time
}

// Watch subscribes to store events. A watcher that falls behind by more than
// buffer events loses the overflow. Call cancel to unsubscribe.
func (s *Store) Watch(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	cancel := func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Store) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = s.clock().UTC()
	}
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	for id, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("watcher lagging, event dropped", "watcher", id, "kind", ev.Kind, "conversation_id", ev.ConversationID)
		}
	}
}

func (s *Store) emitMessage(kind EventKind, msg messages.Message) {
	s.emit(Event{Kind: kind, ConversationID: msg.ConversationID, Message: &msg})
}

func (s *Store) emitConversation(kind EventKind, conv *conversations.Conversation) {
	view := s.view(conv)
	s.emit(Event{Kind: kind, ConversationID: conv.ID, Conversation: &view})
}
