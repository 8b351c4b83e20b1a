package negotiation

import (
	"context"
	"log/slog"
	"time"

	"dealroom/internal/app/commands"
	"dealroom/internal/app/dto"
	"dealroom/internal/app/policies"
	"dealroom/internal/app/queries"
	"dealroom/internal/domain/presence"
)

const (
	setTypingKey   = "presence.typing"
	heartbeatKey   = "presence.heartbeat"
	getPresenceKey = "presence.get"
)

// SetTypingCommand signals that a participant started or stopped typing.
type SetTypingCommand struct {
	ConversationID string
	ParticipantID  string
	Typing         bool
	TTL            time.Duration
}

func (SetTypingCommand) Key() string                           { return setTypingKey }
func (c SetTypingCommand) ConversationScope() (string, string) { return c.ConversationID, c.ParticipantID }

func (c SetTypingCommand) Validate() error {
	return required("conversation_id", c.ConversationID)
}

type SetTypingHandler struct {
	Presence *presence.Tracker
	Relay    policies.PresenceRelay
	Logger   *slog.Logger
}

func (h *SetTypingHandler) Handle(ctx context.Context, cmd SetTypingCommand) (dto.Ack, error) {
	h.Presence.SetTyping(cmd.ConversationID, cmd.ParticipantID, cmd.Typing, cmd.TTL)
	if h.Relay != nil {
		if err := h.Relay.Typing(ctx, cmd.ConversationID, cmd.ParticipantID, cmd.Typing); err != nil {
			relayFailed(h.Logger, "typing", cmd.ParticipantID, err)
		}
	}
	status := "idle"
	if cmd.Typing {
		status = "typing"
	}
	return dto.Ack{ID: cmd.ParticipantID, Status: status}, nil
}

type HeartbeatCommand struct {
	ParticipantID string
	DisplayName   string
	AvatarRef     string
}

func (HeartbeatCommand) Key() string { return heartbeatKey }

func (c HeartbeatCommand) Validate() error {
	return required("participant_id", c.ParticipantID)
}

type HeartbeatHandler struct {
	Presence *presence.Tracker
	Relay    policies.PresenceRelay
	Logger   *slog.Logger
}

func (h *HeartbeatHandler) Handle(ctx context.Context, cmd HeartbeatCommand) (dto.Presence, error) {
	if cmd.DisplayName != "" || cmd.AvatarRef != "" {
		h.Presence.Register(presence.Participant{ID: cmd.ParticipantID, DisplayName: cmd.DisplayName, AvatarRef: cmd.AvatarRef})
	}
	h.Presence.Heartbeat(cmd.ParticipantID)
	if h.Relay != nil {
		if err := h.Relay.Heartbeat(ctx, cmd.ParticipantID); err != nil {
			relayFailed(h.Logger, "heartbeat", cmd.ParticipantID, err)
		}
	}
	p, _ := h.Presence.Participant(cmd.ParticipantID)
	return dto.MapPresence(p), nil
}

// GetPresenceQuery reads a participant's presence. With ConversationID set
// the typing flag for that conversation is filled in.
type GetPresenceQuery struct {
	ParticipantID  string
	ConversationID string
}

func (GetPresenceQuery) Key() string { return getPresenceKey }

func (q GetPresenceQuery) Validate() error {
	return required("participant_id", q.ParticipantID)
}

type GetPresenceHandler struct {
	Presence *presence.Tracker
}

func (h *GetPresenceHandler) Handle(ctx context.Context, q GetPresenceQuery) (dto.Presence, error) {
	p, ok := h.Presence.Participant(q.ParticipantID)
	if !ok {
		p = presence.Participant{ID: q.ParticipantID}
	}
	out := dto.MapPresence(p)
	if q.ConversationID != "" {
		out.Typing = h.Presence.IsTyping(q.ConversationID, q.ParticipantID)
	}
	return out, nil
}

// A relay failure only delays other nodes; the local tracker is already
// up to date.
func relayFailed(logger *slog.Logger, signal, participantID string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("presence relay failed", "signal", signal, "participant_id", participantID, "error", err)
}

var (
	_ commands.Handler[SetTypingCommand, dto.Ack]      = (*SetTypingHandler)(nil)
	_ commands.Handler[HeartbeatCommand, dto.Presence] = (*HeartbeatHandler)(nil)
	_ queries.Handler[GetPresenceQuery, dto.Presence]  = (*GetPresenceHandler)(nil)
)
