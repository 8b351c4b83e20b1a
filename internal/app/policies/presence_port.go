package policies

import "context"

// PresenceRelay forwards locally observed presence signals to other nodes.
type PresenceRelay interface {
	Heartbeat(ctx context.Context, participantID string) error
	Typing(ctx context.Context, conversationID, participantID string, typing bool) error
	Offline(ctx context.Context, participantID string) error
}
