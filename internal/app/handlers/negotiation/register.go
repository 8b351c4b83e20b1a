package negotiation

import (
	"context"
	"log/slog"

	"dealroom/internal/app/commands"
	"dealroom/internal/app/dto"
	"dealroom/internal/app/middleware"
	"dealroom/internal/app/policies"
	"dealroom/internal/app/queries"
	"dealroom/internal/app/store"
	"dealroom/internal/domain/presence"
)

// Deps are the collaborators of the negotiation handlers.
type Deps struct {
	Store       *store.Store
	Presence    *presence.Tracker
	Attachments policies.AttachmentStore
	Relay       policies.PresenceRelay
	Logger      *slog.Logger
}

// Register installs every negotiation handler on the buses.
func Register(cmdBus *commands.InMemoryBus, queryBus *queries.InMemoryBus, d Deps) {
	commands.RegisterHandler[CreateConversationCommand, dto.Conversation](cmdBus, createConversationKey, &CreateConversationHandler{Store: d.Store})
	commands.RegisterHandler[SendTextCommand, dto.Message](cmdBus, sendTextKey, &SendTextHandler{Store: d.Store, Logger: d.Logger})
	commands.RegisterHandler[SendOfferCommand, dto.Message](cmdBus, sendOfferKey, &SendOfferHandler{Store: d.Store, Logger: d.Logger})
	commands.RegisterHandler[SendFileCommand, dto.Message](cmdBus, sendFileKey, &SendFileHandler{Store: d.Store, Attachments: d.Attachments, Logger: d.Logger})
	commands.RegisterHandler[RespondToOfferCommand, dto.OfferResponse](cmdBus, respondOfferKey, &RespondToOfferHandler{Store: d.Store})
	commands.RegisterHandler[RetryMessageCommand, dto.Ack](cmdBus, retryMessageKey, &RetryMessageHandler{Store: d.Store})
	commands.RegisterHandler[MarkReadCommand, dto.Ack](cmdBus, markReadKey, &MarkReadHandler{Store: d.Store})
	commands.RegisterHandler[FocusCommand, dto.Ack](cmdBus, focusKey, &FocusHandler{Store: d.Store})
	commands.RegisterHandler[ArchiveCommand, dto.Conversation](cmdBus, archiveKey, &ArchiveHandler{Store: d.Store})

	queries.RegisterHandler[ListConversationsQuery, dto.ConversationList](queryBus, listConversationsKey, &ListConversationsHandler{Store: d.Store, Logger: d.Logger})
	queries.RegisterHandler[GetConversationQuery, dto.Conversation](queryBus, getConversationKey, &GetConversationHandler{Store: d.Store})
	queries.RegisterHandler[GetMessagesQuery, dto.MessageList](queryBus, getMessagesKey, &GetMessagesHandler{Store: d.Store})
	queries.RegisterHandler[OfferContextQuery, dto.OfferContext](queryBus, offerContextKey, &OfferContextHandler{Store: d.Store})
	queries.RegisterHandler[SearchQuery, dto.SearchResults](queryBus, searchKey, &SearchHandler{Store: d.Store})

	if d.Presence != nil {
		commands.RegisterHandler[SetTypingCommand, dto.Ack](cmdBus, setTypingKey, &SetTypingHandler{Presence: d.Presence, Relay: d.Relay, Logger: d.Logger})
		commands.RegisterHandler[HeartbeatCommand, dto.Presence](cmdBus, heartbeatKey, &HeartbeatHandler{Presence: d.Presence, Relay: d.Relay, Logger: d.Logger})
		queries.RegisterHandler[GetPresenceQuery, dto.Presence](queryBus, getPresenceKey, &GetPresenceHandler{Presence: d.Presence})
	}
}

// Participants resolves conversation membership for authorization.
func Participants(s *store.Store) middleware.ParticipantLookup {
	return func(ctx context.Context, conversationID string) ([]string, error) {
		view, err := s.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		return []string{view.BuyerID, view.SellerID}, nil
	}
}
