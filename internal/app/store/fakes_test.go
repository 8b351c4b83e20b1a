package store_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dealroom/internal/app/delivery"
	appoutbox "dealroom/internal/app/outbox"
	"dealroom/internal/app/store"
	"dealroom/internal/domain/conversations"
	"dealroom/internal/domain/listings"
	"dealroom/internal/domain/messages"
)

var errTransport = errors.New("transport down")

// fakeChannel records publishes. It can fail a number of times, hold every
// publish until released, or forward envelopes to a peer store.
type fakeChannel struct {
	mu        sync.Mutex
	published []delivery.Envelope
	failures  int
	gate      chan struct{}
	entered   chan struct{}
	peer      func(ctx context.Context, env delivery.Envelope) error
}

func (c *fakeChannel) Publish(ctx context.Context, env delivery.Envelope) (delivery.Receipt, error) {
	c.mu.Lock()
	gate, entered := c.gate, c.entered
	c.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return delivery.Receipt{}, ctx.Err()
		}
	}
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return delivery.Receipt{}, errTransport
	}
	c.published = append(c.published, env)
	peer := c.peer
	c.mu.Unlock()
	if peer != nil {
		if err := peer(ctx, env); err != nil {
			return delivery.Receipt{}, err
		}
	}
	return delivery.Receipt{EnvelopeID: env.ID, AcceptedAt: time.Now()}, nil
}

func (c *fakeChannel) Subscribe(ctx context.Context, conversationID string, h delivery.Handler) (delivery.Subscription, error) {
	return nopSubscription{}, nil
}

func (c *fakeChannel) setFailures(n int) {
	c.mu.Lock()
	c.failures = n
	c.mu.Unlock()
}

func (c *fakeChannel) envelopes() []delivery.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]delivery.Envelope, len(c.published))
	copy(out, c.published)
	return out
}

type nopSubscription struct{}

func (nopSubscription) Close() error { return nil }

type listingMock struct {
	mock.Mock
}

func (m *listingMock) GetListing(ctx context.Context, ref string) (listings.Listing, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(listings.Listing), args.Error(1)
}

type memRepo struct {
	mu    sync.Mutex
	convs map[string]conversations.Record
	msgs  map[string]map[string]messages.Message
	fail  error
}

func newMemRepo() *memRepo {
	return &memRepo{
		convs: make(map[string]conversations.Record),
		msgs:  make(map[string]map[string]messages.Message),
	}
}

func (r *memRepo) SaveConversation(ctx context.Context, rec conversations.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	rec.Messages = nil
	r.convs[rec.ID] = rec
	return nil
}

func (r *memRepo) SaveMessage(ctx context.Context, msg messages.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	if r.msgs[msg.ConversationID] == nil {
		r.msgs[msg.ConversationID] = make(map[string]messages.Message)
	}
	r.msgs[msg.ConversationID][msg.ID] = msg
	return nil
}

func (r *memRepo) LoadAll(ctx context.Context) ([]conversations.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]conversations.Record, 0, len(r.convs))
	for id, rec := range r.convs {
		for _, m := range r.msgs[id] {
			rec.Messages = append(rec.Messages, m)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *memRepo) message(conversationID, id string) (messages.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.msgs[conversationID][id]
	return m, ok
}

type memOutbox struct {
	mu      sync.Mutex
	records []appoutbox.EventRecord
}

func (o *memOutbox) Add(ctx context.Context, rec appoutbox.EventRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, rec)
	return nil
}

func (o *memOutbox) Flush(ctx context.Context) error { return nil }

func (o *memOutbox) names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.records))
	for _, r := range o.records {
		out = append(out, r.Name)
	}
	return out
}

// manualClock is a settable clock.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store   *store.Store
	channel *fakeChannel
	repo    *memRepo
	outbox  *memOutbox
	clock   *manualClock
}

type option func(*store.Deps, *store.Config)

func withListings(l *listingMock) option {
	return func(d *store.Deps, _ *store.Config) { d.Listings = l }
}

func withWorkers(n int) option {
	return func(_ *store.Deps, c *store.Config) { c.Workers = n }
}

func withBackoff(b ...time.Duration) option {
	return func(_ *store.Deps, c *store.Config) { c.RetryBackoff = b }
}

func withNode(id string) option {
	return func(_ *store.Deps, c *store.Config) { c.NodeID = id }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		channel: &fakeChannel{},
		repo:    newMemRepo(),
		outbox:  &memOutbox{},
		clock:   &manualClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)},
	}
	deps := store.Deps{
		Channel:    h.channel,
		Repository: h.repo,
		Outbox:     h.outbox,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:      h.clock.Now,
	}
	cfg := store.Config{NodeID: "node-a"}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	s, err := store.New(deps, cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	h.store = s
	return h
}

func (h *harness) conversation(t *testing.T) store.ConversationView {
	t.Helper()
	view, err := h.store.GetOrCreate(context.Background(), "Example.ETH", "buyer", "seller")
	require.NoError(t, err)
	return view
}

func wait(t *testing.T, out *store.Outbound) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := out.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}
