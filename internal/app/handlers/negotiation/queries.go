package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"dealroom/internal/app/dto"
	"dealroom/internal/app/queries"
	"dealroom/internal/app/store"
	"dealroom/internal/domain/conversations"
	"dealroom/internal/domain/messages"
	"dealroom/internal/domain/search"
	"dealroom/internal/domain/shared/daterange"
)

const (
	listConversationsKey = "negotiation.conversation.list"
	getConversationKey   = "negotiation.conversation.get"
	getMessagesKey       = "negotiation.message.list"
	offerContextKey      = "negotiation.offer.context"
	searchKey            = "negotiation.search"

	defaultSearchLimit = 50
	maxSearchLimit     = 200
)

// ListConversationsQuery lists the viewer's conversations.
type ListConversationsQuery struct {
	ViewerID        string
	ListingRef      string
	Statuses        []string
	IncludeArchived bool
	SortBy          string
	Ascending       bool
	Cursor          string
	Limit           int
}

func (ListConversationsQuery) Key() string { return listConversationsKey }

func (q ListConversationsQuery) Validate() error {
	return required("viewer_id", q.ViewerID)
}

type ListConversationsHandler struct {
	Store  *store.Store
	Logger *slog.Logger
}

func (h *ListConversationsHandler) Handle(ctx context.Context, q ListConversationsQuery) (dto.ConversationList, error) {
	by, err := store.ParseSortBy(q.SortBy)
	if err != nil {
		return dto.ConversationList{}, err
	}
	filter := store.Filter{ParticipantID: q.ViewerID, ListingRef: q.ListingRef, IncludeArchived: q.IncludeArchived}
	for _, raw := range q.Statuses {
		if raw = strings.TrimSpace(raw); raw != "" {
			filter.Statuses = append(filter.Statuses, conversations.Status(strings.ToLower(raw)))
		}
	}
	page, err := h.Store.ListConversations(ctx, filter, store.Sort{By: by, Ascending: q.Ascending}, store.Page{Cursor: q.Cursor, Limit: q.Limit})
	if err != nil {
		return dto.ConversationList{}, err
	}
	out := dto.ConversationList{Items: make([]dto.Conversation, 0, len(page.Items)), NextCursor: page.NextCursor}
	for _, v := range page.Items {
		out.Items = append(out.Items, dto.MapConversation(v, q.ViewerID))
	}
	if h.Logger != nil {
		h.Logger.Debug("conversations listed", "viewer_id", q.ViewerID, "count", len(out.Items))
	}
	return out, nil
}

type GetConversationQuery struct {
	ConversationID string
	ViewerID       string
}

func (GetConversationQuery) Key() string                           { return getConversationKey }
func (q GetConversationQuery) ConversationScope() (string, string) { return q.ConversationID, q.ViewerID }

type GetConversationHandler struct {
	Store *store.Store
}

func (h *GetConversationHandler) Handle(ctx context.Context, q GetConversationQuery) (dto.Conversation, error) {
	view, err := h.Store.GetConversation(ctx, q.ConversationID)
	if err != nil {
		return dto.Conversation{}, err
	}
	return dto.MapConversation(view, q.ViewerID), nil
}

type GetMessagesQuery struct {
	ConversationID string
	ViewerID       string
	Cursor         string
	Limit          int
}

func (GetMessagesQuery) Key() string                           { return getMessagesKey }
func (q GetMessagesQuery) ConversationScope() (string, string) { return q.ConversationID, q.ViewerID }

type GetMessagesHandler struct {
	Store *store.Store
}

func (h *GetMessagesHandler) Handle(ctx context.Context, q GetMessagesQuery) (dto.MessageList, error) {
	page, err := h.Store.GetMessages(ctx, q.ConversationID, store.Page{Cursor: q.Cursor, Limit: q.Limit})
	if err != nil {
		return dto.MessageList{}, err
	}
	return dto.MessageList{Items: dto.MapMessages(page.Items), NextCursor: page.NextCursor}, nil
}

type OfferContextQuery struct {
	ConversationID string
	ViewerID       string
}

func (OfferContextQuery) Key() string                           { return offerContextKey }
func (q OfferContextQuery) ConversationScope() (string, string) { return q.ConversationID, q.ViewerID }

type OfferContextHandler struct {
	Store *store.Store
}

func (h *OfferContextHandler) Handle(ctx context.Context, q OfferContextQuery) (dto.OfferContext, error) {
	oc, err := h.Store.OfferContext(ctx, q.ConversationID)
	if err != nil {
		return dto.OfferContext{}, err
	}
	return dto.MapOfferContext(oc), nil
}

// SearchQuery searches the viewer's conversations. Window bounds are
// inclusive; zero means open.
type SearchQuery struct {
	ViewerID string
	Text     string
	Type     string
	Window   daterange.Window
	Limit    int
}

func (SearchQuery) Key() string { return searchKey }

func (q SearchQuery) Validate() error {
	if err := required("viewer_id", q.ViewerID); err != nil {
		return err
	}
	if _, err := search.ParseType(q.Type); err != nil {
		return err
	}
	if err := q.Window.Validate(); err != nil {
		return fmt.Errorf("%w: %v", messages.ErrValidation, err)
	}
	return nil
}

type SearchHandler struct {
	Store *store.Store
}

func (h *SearchHandler) Handle(ctx context.Context, q SearchQuery) (dto.SearchResults, error) {
	filter, err := search.ParseType(q.Type)
	if err != nil {
		return dto.SearchResults{}, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	matches := search.Collect(h.Store.Search(ctx, search.Query{
		Text:          q.Text,
		Type:          filter,
		Window:        q.Window,
		ParticipantID: q.ViewerID,
	}), limit)
	out := dto.SearchResults{Items: make([]dto.SearchHit, 0, len(matches))}
	for _, m := range matches {
		out.Items = append(out.Items, dto.MapSearchHit(m))
	}
	return out, nil
}

var (
	_ queries.Handler[ListConversationsQuery, dto.ConversationList] = (*ListConversationsHandler)(nil)
	_ queries.Handler[GetConversationQuery, dto.Conversation]       = (*GetConversationHandler)(nil)
	_ queries.Handler[GetMessagesQuery, dto.MessageList]            = (*GetMessagesHandler)(nil)
	_ queries.Handler[OfferContextQuery, dto.OfferContext]          = (*OfferContextHandler)(nil)
	_ queries.Handler[SearchQuery, dto.SearchResults]               = (*SearchHandler)(nil)
)
