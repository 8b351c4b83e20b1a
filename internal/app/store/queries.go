package store

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
	"time"

	"dealroom/internal/domain/conversations"
	"dealroom/internal/domain/listings"
	"dealroom/internal/domain/messages"
	"dealroom/internal/domain/search"
	"dealroom/internal/domain/shared/money"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type Filter struct {
	ParticipantID   string
	ListingRef      string
	Statuses        []conversations.Status
	IncludeArchived bool
}

type SortBy string

const (
	SortByLastActivity SortBy = "last_activity"
	SortByCreated      SortBy = "created"
)

func ParseSortBy(raw string) (SortBy, error) {
	switch SortBy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SortByLastActivity:
		return SortByLastActivity, nil
	case SortByCreated:
		return SortByCreated, nil
	default:
		return "", fmt.Errorf("%w: unknown sort %q", messages.ErrValidation, raw)
	}
}

// Sort defaults to newest activity first.
type Sort struct {
	By        SortBy
	Ascending bool
}

type Page struct {
	Cursor string
	Limit  int
}

type ConversationPage struct {
	Items      []ConversationView
	NextCursor string
}

type MessagePage struct {
	Items      []messages.Message
	NextCursor string
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (ConversationView, error) {
	e, err := s.entry(conversationID)
	if err != nil {
		return ConversationView{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.view(e.conv), nil
}

type sortKey struct {
	at time.Time
	id string
}

func (k sortKey) cursor() string {
	return strconv.FormatInt(k.at.UnixNano(), 10) + "|" + k.id
}

func parseCursor(raw string) (sortKey, error) {
	nanos, id, ok := strings.Cut(raw, "|")
	if !ok || id == "" {
		return sortKey{}, fmt.Errorf("%w: malformed cursor", messages.ErrValidation)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return sortKey{}, fmt.Errorf("%w: malformed cursor", messages.ErrValidation)
	}
	return sortKey{at: time.Unix(0, n).UTC(), id: id}, nil
}

func (k sortKey) before(o sortKey, ascending bool) bool {
	if k.at.Equal(o.at) {
		if ascending {
			return k.id < o.id
		}
		return k.id > o.id
	}
	if ascending {
		return k.at.Before(o.at)
	}
	return k.at.After(o.at)
}

// ListConversations returns the matching conversations one page at a time.
// The cursor is the sort key of the last item of the previous page.
func (s *Store) ListConversations(ctx context.Context, f Filter, order Sort, p Page) (ConversationPage, error) {
	if order.By == "" {
		order.By = SortByLastActivity
	}
	var after *sortKey
	if p.Cursor != "" {
		k, err := parseCursor(p.Cursor)
		if err != nil {
			return ConversationPage{}, err
		}
		after = &k
	}
	statuses := make(map[conversations.Status]bool, len(f.Statuses))
	for _, st := range f.Statuses {
		if !st.Valid() {
			return ConversationPage{}, fmt.Errorf("%w: unknown status %q", messages.ErrValidation, st)
		}
		statuses[st] = true
	}
	listingRef := listings.NormalizeRef(f.ListingRef)

	type row struct {
		key  sortKey
		view ConversationView
	}
	var rows []row
	for _, e := range s.entries() {
		e.mu.Lock()
		conv := e.conv
		keep := (f.ParticipantID == "" || conv.Participants.Has(f.ParticipantID)) &&
			(listingRef == "" || conv.ListingRef == listingRef) &&
			(f.IncludeArchived || statuses[conversations.StatusArchived] || !conv.Archived)
		var v ConversationView
		if keep {
			v = s.view(conv)
			keep = len(statuses) == 0 || statuses[v.Status]
		}
		e.mu.Unlock()
		if !keep {
			continue
		}
		k := sortKey{at: v.LastActivityAt, id: v.ID}
		if order.By == SortByCreated {
			k.at = v.CreatedAt
		}
		if after != nil && !after.before(k, order.Ascending) {
			continue
		}
		rows = append(rows, row{key: k, view: v})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].key.before(rows[j].key, order.Ascending) })

	limit := clampLimit(p.Limit)
	page := ConversationPage{Items: make([]ConversationView, 0, min(limit, len(rows)))}
	for i, r := range rows {
		if i == limit {
			page.NextCursor = rows[i-1].key.cursor()
			break
		}
		page.Items = append(page.Items, r.view)
	}
	return page, nil
}

// GetMessages pages backwards from the newest message. Items are in display
// order; NextCursor is the oldest returned id when older messages remain.
func (s *Store) GetMessages(ctx context.Context, conversationID string, p Page) (MessagePage, error) {
	e, err := s.entry(conversationID)
	if err != nil {
		return MessagePage{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	items, next, err := e.conv.Page(p.Cursor, clampLimit(p.Limit))
	if err != nil {
		return MessagePage{}, err
	}
	return MessagePage{Items: items, NextCursor: next}, nil
}

// OfferContext is what an offer form needs: the listing's asking price and
// the latest offer, if any.
type OfferContext struct {
	ConversationID string
	ListingRef     string
	AskingPrice    *money.Money
	LatestOffer    *messages.Message
	// ReferencePrice is the latest offer amount, falling back to the asking
	// price.
	ReferencePrice *money.Money
	RespondentID   string
}

func (s *Store) OfferContext(ctx context.Context, conversationID string) (OfferContext, error) {
	e, err := s.entry(conversationID)
	if err != nil {
		return OfferContext{}, err
	}
	e.mu.Lock()
	out := OfferContext{ConversationID: e.conv.ID, ListingRef: e.conv.ListingRef}
	if id := e.conv.Summary().LatestOfferID; id != "" {
		if m, ok := e.conv.Message(id); ok {
			out.LatestOffer = &m
		}
	}
	e.mu.Unlock()

	if out.LatestOffer != nil {
		offer, _ := out.LatestOffer.Offer()
		amount := offer.Amount
		out.ReferencePrice = &amount
		out.RespondentID = offer.RequiresResponseFrom
	}
	if s.listings != nil {
		listing, err := s.listings.GetListing(ctx, out.ListingRef)
		switch {
		case err == nil:
			asking := listing.AskingPrice
			out.AskingPrice = &asking
			if out.ReferencePrice == nil && asking.Amount > 0 {
				out.ReferencePrice = &asking
			}
		default:
			s.logger.Warn("asking price unavailable", "listing_ref", out.ListingRef, "error", err)
		}
	}
	return out, nil
}

// Search runs q against the message index. When q names a participant only
// their conversations are searched.
func (s *Store) Search(ctx context.Context, q search.Query) iter.Seq[search.Match] {
	return s.index.Search(q)
}
