// Package presencebus carries presence signals between nodes over Redis
// pub/sub.
package presencebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"dealroom/internal/app/policies"
	"dealroom/internal/domain/presence"
)

const (
	KindHeartbeat = "heartbeat"
	KindTyping    = "typing"
	KindOffline   = "offline"
)

var ErrInvalidSignal = errors.New("presencebus: invalid signal")

// Signal is the pub/sub payload.
type Signal struct {
	Kind           string    `json:"kind"`
	ParticipantID  string    `json:"participant_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Typing         bool      `json:"typing,omitempty"`
	Origin         string    `json:"origin"`
	At             time.Time `json:"at"`
}

func (s Signal) validate() error {
	if strings.TrimSpace(s.ParticipantID) == "" {
		return fmt.Errorf("%w: participant_id required", ErrInvalidSignal)
	}
	switch s.Kind {
	case KindHeartbeat, KindOffline:
	case KindTyping:
		if strings.TrimSpace(s.ConversationID) == "" {
			return fmt.Errorf("%w: conversation_id required for typing", ErrInvalidSignal)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSignal, s.Kind)
	}
	return nil
}

// Connect parses a redis:// URL or a bare host:port and pings the server.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		opt = &redis.Options{Addr: addr}
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// Relay publishes this node's presence signals.
type Relay struct {
	Client  redis.UniversalClient
	Channel string
	NodeID  string
	Now     func() time.Time
}

func (r *Relay) Heartbeat(ctx context.Context, participantID string) error {
	return r.publish(ctx, Signal{Kind: KindHeartbeat, ParticipantID: participantID})
}

func (r *Relay) Typing(ctx context.Context, conversationID, participantID string, typing bool) error {
	return r.publish(ctx, Signal{Kind: KindTyping, ParticipantID: participantID, ConversationID: conversationID, Typing: typing})
}

func (r *Relay) Offline(ctx context.Context, participantID string) error {
	return r.publish(ctx, Signal{Kind: KindOffline, ParticipantID: participantID})
}

func (r *Relay) publish(ctx context.Context, sig Signal) error {
	sig.Origin = r.NodeID
	if r.Now != nil {
		sig.At = r.Now().UTC()
	} else {
		sig.At = time.Now().UTC()
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return r.Client.Publish(ctx, r.Channel, payload).Err()
}

// Subscriber applies signals from other nodes to the local tracker. Signals
// this node published are skipped since the tracker already saw them.
type Subscriber struct {
	Client    redis.UniversalClient
	Channel   string
	NodeID    string
	Tracker   *presence.Tracker
	TypingTTL time.Duration
	Logger    *slog.Logger
}

// Run blocks until ctx is cancelled or the subscription channel closes.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.Client.Subscribe(ctx, s.Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe %s: %w", s.Channel, err)
	}
	s.logger().Info("presence subscriber started", "channel", s.Channel)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.Handle([]byte(msg.Payload)); err != nil {
				s.logger().Warn("presence signal dropped", "error", err)
			}
		}
	}
}

// Handle decodes one payload and applies it.
func (s *Subscriber) Handle(payload []byte) error {
	var sig Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if err := sig.validate(); err != nil {
		return err
	}
	if sig.Origin != "" && sig.Origin == s.NodeID {
		return nil
	}
	switch sig.Kind {
	case KindHeartbeat:
		s.Tracker.Heartbeat(sig.ParticipantID)
	case KindOffline:
		s.Tracker.SetOnline(sig.ParticipantID, false)
	case KindTyping:
		s.Tracker.SetTyping(sig.ConversationID, sig.ParticipantID, sig.Typing, s.TypingTTL)
	}
	return nil
}

func (s *Subscriber) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

var _ policies.PresenceRelay = (*Relay)(nil)
