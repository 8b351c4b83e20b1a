package inproc

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"dealroom/internal/app/delivery"
)

type subscriber struct {
	conversationID string
	handler        delivery.Handler
}

// Hub is an in-process delivery channel. Every publish is encoded and
// decoded like it would be on a real wire, then handed to the matching
// subscribers synchronously in subscription order.
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	subs   map[int]subscriber
	order  []int
	nextID int
	seq    uint64
	closed bool
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, now: time.Now, subs: make(map[int]subscriber)}
}

func (h *Hub) Publish(ctx context.Context, env delivery.Envelope) (delivery.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return delivery.Receipt{}, err
	}
	data, err := delivery.Marshal(env)
	if err != nil {
		return delivery.Receipt{}, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return delivery.Receipt{}, fmt.Errorf("inproc: %w", delivery.ErrUnavailable)
	}
	h.seq++
	pos := h.seq
	targets := make([]subscriber, 0, len(h.order))
	for _, id := range h.order {
		if s := h.subs[id]; s.conversationID == "" || s.conversationID == env.ConversationID {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		copyEnv, err := delivery.Unmarshal(data)
		if err != nil {
			return delivery.Receipt{}, err
		}
		if err := s.handler(ctx, copyEnv); err != nil {
			h.logger.Warn("subscriber rejected envelope", "envelope_id", env.ID, "conversation_id", env.ConversationID, "error", err)
		}
	}
	return delivery.Receipt{EnvelopeID: env.ID, AcceptedAt: h.now().UTC(), Position: strconv.FormatUint(pos, 10)}, nil
}

func (h *Hub) Subscribe(ctx context.Context, conversationID string, handler delivery.Handler) (delivery.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("inproc: nil handler")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("inproc: %w", delivery.ErrUnavailable)
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = subscriber{conversationID: conversationID, handler: handler}
	h.order = append(h.order, id)
	return &subscription{hub: h, id: id}, nil
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return
	}
	delete(h.subs, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Close rejects further publishes and drops all subscribers.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = make(map[int]subscriber)
	h.order = nil
	return nil
}

type subscription struct {
	hub  *Hub
	id   int
	once sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.hub.unsubscribe(s.id) })
	return nil
}

var _ delivery.Channel = (*Hub)(nil)
