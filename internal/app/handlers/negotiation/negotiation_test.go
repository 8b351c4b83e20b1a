package negotiation_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dealroom/internal/app/commands"
	"dealroom/internal/app/dto"
	"dealroom/internal/app/handlers/negotiation"
	"dealroom/internal/app/middleware"
	"dealroom/internal/app/queries"
	"dealroom/internal/app/store"
	"dealroom/internal/domain/conversations"
	"dealroom/internal/domain/listings"
	"dealroom/internal/domain/messages"
	"dealroom/internal/domain/presence"
	"dealroom/internal/infra/delivery/inproc"
	"dealroom/internal/infra/storage/memory"
)

type attachmentsMock struct {
	mock.Mock
}

func (m *attachmentsMock) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	body, _ := io.ReadAll(r)
	args := m.Called(key, string(body), size, contentType)
	return args.String(0), args.Error(1)
}

type relayMock struct {
	mock.Mock
}

func (m *relayMock) Heartbeat(ctx context.Context, participantID string) error {
	return m.Called(participantID).Error(0)
}

func (m *relayMock) Offline(ctx context.Context, participantID string) error {
	return m.Called(participantID).Error(0)
}

func (m *relayMock) Typing(ctx context.Context, conversationID, participantID string, typing bool) error {
	return m.Called(conversationID, participantID, typing).Error(0)
}

type pipeline struct {
	commands commands.Bus
	queries  queries.Bus
	store    *store.Store
	outbox   *memory.Outbox
	files    *attachmentsMock
	relay    *relayMock
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := memory.NewListingCatalog()
	require.NoError(t, catalog.SeedDefaults())
	box := memory.NewOutbox()

	s, err := store.New(store.Deps{
		Channel:  inproc.NewHub(logger),
		Listings: catalog,
		Outbox:   box,
		Logger:   logger,
	}, store.Config{NodeID: "node-a"})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	tracker := presence.NewTracker(presence.Config{})
	t.Cleanup(tracker.Close)
	files := &attachmentsMock{}
	relay := &relayMock{}

	cmdBus := commands.NewInMemoryBus()
	queryBus := queries.NewInMemoryBus()
	negotiation.Register(cmdBus, queryBus, negotiation.Deps{Store: s, Presence: tracker, Attachments: files, Relay: relay, Logger: logger})

	stack := middleware.Stack{
		Authorizer:  middleware.ParticipantAuthorizer{Lookup: negotiation.Participants(s)},
		Idempotency: memory.NewIdempotencyStore(time.Hour),
		Outbox:      box,
	}
	return &pipeline{
		commands: stack.Commands(cmdBus),
		queries:  stack.Queries(queryBus),
		store:  s,
		outbox: box,
		files:  files,
		relay:  relay,
	}
}

func (p *pipeline) open(t *testing.T) dto.Conversation {
	t.Helper()
	conv, err := commands.Dispatch[negotiation.CreateConversationCommand, dto.Conversation](context.Background(), p.commands,
		negotiation.CreateConversationCommand{ListingRef: "Example.ETH", BuyerID: "buyer"})
	require.NoError(t, err)
	return conv
}

func TestCreateConversationResolvesSeller(t *testing.T) {
	p := newPipeline(t)
	conv := p.open(t)

	assert.Equal(t, "example.eth", conv.ListingRef)
	assert.Equal(t, "seller", conv.SellerID)
	assert.Equal(t, "seller", conv.CounterpartID)
	assert.Equal(t, string(conversations.StatusActive), conv.Status)

	again := p.open(t)
	assert.Equal(t, conv.ID, again.ID)

	_, err := commands.Dispatch[negotiation.CreateConversationCommand, dto.Conversation](context.Background(), p.commands,
		negotiation.CreateConversationCommand{ListingRef: "unknown.eth", BuyerID: "buyer"})
	assert.ErrorIs(t, err, listings.ErrNotFound)
}

func TestCounterOfferRoundTrip(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	conv := p.open(t)

	offer, err := commands.Dispatch[negotiation.SendOfferCommand, dto.Message](ctx, p.commands, negotiation.SendOfferCommand{
		ConversationID: conv.ID, SenderID: "buyer", Amount: 400000, Currency: "usd", IdempotencyKeyV: "offer-1",
	})
	require.NoError(t, err)
	require.NotNil(t, offer.Offer)
	assert.Equal(t, "USD", offer.Offer.Amount.Currency)
	assert.Equal(t, "seller", offer.Offer.RequiresResponseFrom)

	replayed, err := commands.Dispatch[negotiation.SendOfferCommand, dto.Message](ctx, p.commands, negotiation.SendOfferCommand{
		ConversationID: conv.ID, SenderID: "buyer", Amount: 400000, Currency: "usd", IdempotencyKeyV: "offer-1",
	})
	require.NoError(t, err)
	assert.Equal(t, offer.ID, replayed.ID)

	_, err = commands.Dispatch[negotiation.RespondToOfferCommand, dto.OfferResponse](ctx, p.commands, negotiation.RespondToOfferCommand{
		ConversationID: conv.ID, OfferID: offer.ID, ActorID: "buyer", Action: "accept",
	})
	assert.ErrorIs(t, err, messages.ErrActorNotAllowed)

	countered, err := commands.Dispatch[negotiation.RespondToOfferCommand, dto.OfferResponse](ctx, p.commands, negotiation.RespondToOfferCommand{
		ConversationID: conv.ID, OfferID: offer.ID, ActorID: "seller", Action: "counter", Amount: 450000,
	})
	require.NoError(t, err)
	assert.Equal(t, string(messages.OfferCountered), countered.Offer.Offer.State)
	require.NotNil(t, countered.Counter)
	assert.Equal(t, offer.ID, countered.Counter.Offer.InReplyTo)
	assert.Equal(t, "buyer", countered.Counter.Offer.RequiresResponseFrom)

	accepted, err := commands.Dispatch[negotiation.RespondToOfferCommand, dto.OfferResponse](ctx, p.commands, negotiation.RespondToOfferCommand{
		ConversationID: conv.ID, OfferID: countered.Counter.ID, ActorID: "buyer", Action: "ACCEPT",
	})
	require.NoError(t, err)
	assert.Equal(t, string(messages.OfferAccepted), accepted.Offer.Offer.State)

	view, err := queries.Ask[negotiation.GetConversationQuery, dto.Conversation](ctx, p.queries, negotiation.GetConversationQuery{ConversationID: conv.ID, ViewerID: "seller"})
	require.NoError(t, err)
	assert.Equal(t, countered.Counter.ID, view.SettlementOfferID)

	var names []string
	for _, doc := range p.outbox.Snapshot() {
		names = append(names, doc.Name)
	}
	assert.Contains(t, names, "offer.accepted")
	assert.Contains(t, names, "offer.countered")

	oc, err := queries.Ask[negotiation.OfferContextQuery, dto.OfferContext](ctx, p.queries, negotiation.OfferContextQuery{ConversationID: conv.ID, ViewerID: "buyer"})
	require.NoError(t, err)
	require.NotNil(t, oc.AskingPrice)
	assert.EqualValues(t, 500000, oc.AskingPrice.Amount)
	require.NotNil(t, oc.ReferencePrice)
	assert.EqualValues(t, 450000, oc.ReferencePrice.Amount)
}

func TestOutsidersAreForbidden(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	conv := p.open(t)

	_, err := commands.Dispatch[negotiation.SendTextCommand, dto.Message](ctx, p.commands, negotiation.SendTextCommand{
		ConversationID: conv.ID, SenderID: "mallory", Body: "hi",
	})
	assert.ErrorIs(t, err, middleware.ErrForbidden)

	_, err = queries.Ask[negotiation.GetMessagesQuery, dto.MessageList](ctx, p.queries, negotiation.GetMessagesQuery{ConversationID: conv.ID, ViewerID: "mallory"})
	assert.ErrorIs(t, err, middleware.ErrForbidden)

	_, err = commands.Dispatch[negotiation.SendTextCommand, dto.Message](ctx, p.commands, negotiation.SendTextCommand{
		ConversationID: "missing", SenderID: "buyer", Body: "hi",
	})
	assert.ErrorIs(t, err, conversations.ErrNotFound)
}

func TestSendFileUploadsAttachment(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	conv := p.open(t)

	p.files.On("Upload", mock.MatchedBy(func(key string) bool {
		return strings.HasPrefix(key, "conversations/"+conv.ID+"/") && strings.HasSuffix(key, "/deed.pdf")
	}), "pdf-bytes", int64(9), "application/pdf").Return("s3://dealroom/deed.pdf", nil).Once()

	msg, err := commands.Dispatch[negotiation.SendFileCommand, dto.Message](ctx, p.commands, negotiation.SendFileCommand{
		ConversationID: conv.ID,
		SenderID:       "seller",
		FileName:       "../deed.pdf",
		ContentType:    "application/pdf",
		Size:           9,
		Content:        bytes.NewReader([]byte("pdf-bytes")),
	})
	require.NoError(t, err)
	require.NotNil(t, msg.File)
	assert.Equal(t, "deed.pdf", msg.File.FileName)
	assert.Equal(t, "s3://dealroom/deed.pdf", msg.File.ContentRef)
	p.files.AssertExpectations(t)
}

func TestReadFocusAndArchive(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	conv := p.open(t)

	for _, body := range []string{"hello", "still there?"} {
		_, err := commands.Dispatch[negotiation.SendTextCommand, dto.Message](ctx, p.commands, negotiation.SendTextCommand{
			ConversationID: conv.ID, SenderID: "buyer", Body: body,
		})
		require.NoError(t, err)
	}

	list, err := queries.Ask[negotiation.ListConversationsQuery, dto.ConversationList](ctx, p.queries, negotiation.ListConversationsQuery{ViewerID: "seller"})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, 2, list.Items[0].Unread)
	assert.Equal(t, string(conversations.StatusActive), list.Items[0].Status)

	_, err = commands.Dispatch[negotiation.MarkReadCommand, dto.Ack](ctx, p.commands, negotiation.MarkReadCommand{ConversationID: conv.ID, ParticipantID: "seller"})
	require.NoError(t, err)
	_, err = commands.Dispatch[negotiation.FocusCommand, dto.Ack](ctx, p.commands, negotiation.FocusCommand{ConversationID: conv.ID, ParticipantID: "seller", Focused: true})
	require.NoError(t, err)
	_, err = commands.Dispatch[negotiation.SendTextCommand, dto.Message](ctx, p.commands, negotiation.SendTextCommand{
		ConversationID: conv.ID, SenderID: "buyer", Body: "ping",
	})
	require.NoError(t, err)

	archived, err := commands.Dispatch[negotiation.ArchiveCommand, dto.Conversation](ctx, p.commands, negotiation.ArchiveCommand{ConversationID: conv.ID, ActorID: "seller", Archived: true})
	require.NoError(t, err)
	assert.True(t, archived.Archived)
	assert.Equal(t, 0, archived.Unread)

	list, err = queries.Ask[negotiation.ListConversationsQuery, dto.ConversationList](ctx, p.queries, negotiation.ListConversationsQuery{ViewerID: "seller"})
	require.NoError(t, err)
	assert.Empty(t, list.Items)

	list, err = queries.Ask[negotiation.ListConversationsQuery, dto.ConversationList](ctx, p.queries, negotiation.ListConversationsQuery{ViewerID: "seller", Statuses: []string{"archived"}})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)

	msgs, err := queries.Ask[negotiation.GetMessagesQuery, dto.MessageList](ctx, p.queries, negotiation.GetMessagesQuery{ConversationID: conv.ID, ViewerID: "buyer", Limit: 2})
	require.NoError(t, err)
	require.Len(t, msgs.Items, 2)
	assert.Equal(t, "ping", msgs.Items[1].Body)
	assert.NotEmpty(t, msgs.NextCursor)
}

func TestPresenceCommands(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	conv := p.open(t)
	p.relay.On("Heartbeat", "buyer").Return(nil).Once()
	p.relay.On("Typing", conv.ID, "buyer", true).Return(errors.New("redis down")).Once()

	beat, err := commands.Dispatch[negotiation.HeartbeatCommand, dto.Presence](ctx, p.commands, negotiation.HeartbeatCommand{ParticipantID: "buyer", DisplayName: "Buyer"})
	require.NoError(t, err)
	assert.True(t, beat.Online)

	_, err = commands.Dispatch[negotiation.SetTypingCommand, dto.Ack](ctx, p.commands, negotiation.SetTypingCommand{
		ConversationID: conv.ID, ParticipantID: "buyer", Typing: true, TTL: time.Minute,
	})
	require.NoError(t, err)

	got, err := queries.Ask[negotiation.GetPresenceQuery, dto.Presence](ctx, p.queries, negotiation.GetPresenceQuery{ParticipantID: "buyer", ConversationID: conv.ID})
	require.NoError(t, err)
	assert.True(t, got.Online)
	assert.True(t, got.Typing)
	assert.Equal(t, "Buyer", got.DisplayName)
	p.relay.AssertExpectations(t)
}

func TestSearchQuery(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	conv := p.open(t)
	_, err := commands.Dispatch[negotiation.SendTextCommand, dto.Message](ctx, p.commands, negotiation.SendTextCommand{
		ConversationID: conv.ID, SenderID: "buyer", Body: "Would you take escrow?",
	})
	require.NoError(t, err)

	res, err := queries.Ask[negotiation.SearchQuery, dto.SearchResults](ctx, p.queries, negotiation.SearchQuery{ViewerID: "seller", Text: "escrow"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, conv.ID, res.Items[0].ConversationID)

	res, err = queries.Ask[negotiation.SearchQuery, dto.SearchResults](ctx, p.queries, negotiation.SearchQuery{ViewerID: "stranger", Text: "escrow"})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}
