package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"dealroom/internal/app/delivery"
)

const DefaultEnvelopeTopic = "conversation.envelopes.v1"

// Group is the part of sarama.ConsumerGroup the channel needs.
type Group interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Close() error
}

// Channel moves envelopes over one topic keyed by conversation id. Every
// node must consume with its own group id so each node sees every envelope.
type Channel struct {
	Producer *Producer
	Topic    string
	NewGroup func() (Group, error)
	Logger   *slog.Logger
	Now      func() time.Time
}

// GroupFactory builds consumer groups for NewGroup.
func GroupFactory(brokers []string, groupID string, cfg *sarama.Config) func() (Group, error) {
	return func() (Group, error) {
		g, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
		if err != nil {
			return nil, fmt.Errorf("kafka: consumer group %s: %w", groupID, err)
		}
		return g, nil
	}
}

func (c *Channel) topic() string {
	if c.Topic == "" {
		return DefaultEnvelopeTopic
	}
	return c.Topic
}

func (c *Channel) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *Channel) Publish(ctx context.Context, env delivery.Envelope) (delivery.Receipt, error) {
	payload, err := delivery.Marshal(env)
	if err != nil {
		return delivery.Receipt{}, err
	}
	headers := map[string]string{"envelope_id": env.ID, "origin": env.Origin}
	partition, offset, err := c.Producer.Send(ctx, c.topic(), env.ConversationID, payload, headers)
	if err != nil {
		return delivery.Receipt{}, fmt.Errorf("%w: %w", delivery.ErrUnavailable, err)
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return delivery.Receipt{
		EnvelopeID: env.ID,
		AcceptedAt: now().UTC(),
		Position:   fmt.Sprintf("%d:%d", partition, offset),
	}, nil
}

func (c *Channel) Subscribe(ctx context.Context, conversationID string, h delivery.Handler) (delivery.Subscription, error) {
	if c.NewGroup == nil {
		return nil, fmt.Errorf("%w: kafka consumer not configured", delivery.ErrUnavailable)
	}
	group, err := c.NewGroup()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", delivery.ErrUnavailable, err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{cancel: cancel, group: group, done: make(chan struct{})}
	handler := groupHandler{conversationID: conversationID, handle: h, logger: c.logger()}
	go func() {
		defer close(sub.done)
		c.run(runCtx, group, handler)
	}()
	return sub, nil
}

func (c *Channel) run(ctx context.Context, group Group, handler groupHandler) {
	topics := []string{c.topic()}
	for {
		err := group.Consume(ctx, topics, handler)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		if err != nil {
			c.logger().Warn("kafka consume failed", "topic", topics[0], "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

type subscription struct {
	once   sync.Once
	cancel context.CancelFunc
	group  Group
	done   chan struct{}
	err    error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.group.Close()
		<-s.done
	})
	return s.err
}

type groupHandler struct {
	conversationID string
	handle         delivery.Handler
	logger         *slog.Logger
	// backoff spaces retries of a failing record; the last delay repeats.
	backoff []time.Duration
}

var defaultBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second, 5 * time.Second}

func (h groupHandler) delay(attempt int) time.Duration {
	b := h.backoff
	if len(b) == 0 {
		b = defaultBackoff
	}
	if attempt >= len(b) {
		return b[len(b)-1]
	}
	return b[attempt]
}

func (h groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.consume(sess.Context(), claim.Messages(), func(m *sarama.ConsumerMessage) { sess.MarkMessage(m, "") })
	return nil
}

// consume marks records once they are handled, filtered out or unreadable.
// A handler error is retried in place so no later offset of the claim is
// committed past it. When ctx ends first the record stays unmarked and the
// next session redelivers it.
func (h groupHandler) consume(ctx context.Context, records <-chan *sarama.ConsumerMessage, mark func(*sarama.ConsumerMessage)) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			env, err := delivery.Unmarshal(rec.Value)
			if err != nil {
				h.logger.Warn("dropping unreadable envelope", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
				mark(rec)
				continue
			}
			if h.conversationID != "" && env.ConversationID != h.conversationID {
				mark(rec)
				continue
			}
			if !h.deliver(ctx, env) {
				return
			}
			mark(rec)
		}
	}
}

// deliver runs the handler until it succeeds. It reports false when ctx ends
// before that.
func (h groupHandler) deliver(ctx context.Context, env delivery.Envelope) bool {
	for attempt := 0; ; attempt++ {
		err := h.handle(ctx, env)
		if err == nil {
			return true
		}
		wait := h.delay(attempt)
		h.logger.Warn("envelope handler failed, retrying", "envelope_id", env.ID, "conversation_id", env.ConversationID, "attempt", attempt+1, "backoff", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

var _ delivery.Channel = (*Channel)(nil)
