package middleware

import (
	"context"
	"errors"
	"fmt"

	"dealroom/internal/app/commands"
	"dealroom/internal/app/queries"
)

var ErrForbidden = errors.New("middleware: forbidden")

type Authorizer interface {
	Authorize(ctx context.Context, message any) error
}

// ConversationScoped is implemented by messages acting on one conversation
// on behalf of one participant.
type ConversationScoped interface {
	ConversationScope() (conversationID, actorID string)
}

// ParticipantLookup reports the participants of a conversation.
type ParticipantLookup func(ctx context.Context, conversationID string) ([]string, error)

// ParticipantAuthorizer admits conversation-scoped messages only when the
// actor takes part in the conversation. Lookup errors pass through so a
// missing conversation still surfaces as not found.
type ParticipantAuthorizer struct {
	Lookup ParticipantLookup
}

func (a ParticipantAuthorizer) Authorize(ctx context.Context, message any) error {
	scoped, ok := message.(ConversationScoped)
	if !ok || a.Lookup == nil {
		return nil
	}
	conversationID, actorID := scoped.ConversationScope()
	if actorID == "" {
		return nil
	}
	participants, err := a.Lookup(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if p == actorID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not part of conversation %s", ErrForbidden, actorID, conversationID)
}

func Authorization(a Authorizer) CommandMiddleware {
	if a == nil {
		panic("middleware: authorizer required")
	}
	return func(next commands.Bus) commands.Bus {
		nextFn := wrapCommand(next)
		return commandFunc(func(ctx context.Context, cmd commands.Command) (any, error) {
			if err := a.Authorize(ctx, cmd); err != nil {
				return nil, err
			}
			return nextFn(ctx, cmd)
		})
	}
}

func QueryAuthorization(a Authorizer) QueryMiddleware {
	if a == nil {
		panic("middleware: authorizer required")
	}
	return func(next queries.Bus) queries.Bus {
		nextFn := wrapQuery(next)
		return queryFunc(func(ctx context.Context, q queries.Query) (any, error) {
			if err := a.Authorize(ctx, q); err != nil {
				return nil, err
			}
			return nextFn(ctx, q)
		})
	}
}
