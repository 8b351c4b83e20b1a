package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dealroom/internal/app/delivery"
	appoutbox "dealroom/internal/app/outbox"
	"dealroom/internal/app/policies"
	"dealroom/internal/domain/conversations"
	"dealroom/internal/domain/messages"
	"dealroom/internal/domain/search"
)

var (
	ErrDeliveryFailure = errors.New("store: delivery failed")
	ErrNotRetryable    = errors.New("store: message is not retryable")
	ErrSendCancelled   = errors.New("store: send cancelled")
	ErrClosed          = errors.New("store: closed")
)

type Config struct {
	// NodeID tags published envelopes so a node ignores its own echoes.
	NodeID         string
	ReplyWindow    time.Duration
	RetryBackoff   []time.Duration
	Workers        int
	PublishTimeout time.Duration
}

type Deps struct {
	Channel    delivery.Channel
	Repository conversations.Repository
	Listings   policies.ListingPort
	Index      *search.Index
	Outbox     appoutbox.Outbox
	Encoder    appoutbox.EventEncoder
	Logger     *slog.Logger
	Clock      func() time.Time
}

// maxParked bounds the transitions held per conversation while their offer
// is still in flight.
const maxParked = 256

type entry struct {
	mu   sync.Mutex
	conv *conversations.Conversation
	// parked holds remote transitions keyed by the offer they target, for
	// offers this node has not received yet.
	parked  map[string][]messages.OfferTransition
	nparked int
}

// park keeps t until its offer arrives. The oldest offer's backlog is
// dropped once the bound is reached.
func (e *entry) park(t messages.OfferTransition) bool {
	for _, p := range e.parked[t.OfferID] {
		if p.ID == t.ID {
			return false
		}
	}
	if e.parked == nil {
		e.parked = make(map[string][]messages.OfferTransition)
	}
	if e.nparked >= maxParked {
		e.evictOldest()
	}
	e.parked[t.OfferID] = append(e.parked[t.OfferID], t)
	e.nparked++
	return true
}

func (e *entry) evictOldest() {
	var (
		victim string
		oldest time.Time
	)
	for offerID, ts := range e.parked {
		if victim == "" || ts[0].At.Before(oldest) {
			victim, oldest = offerID, ts[0].At
		}
	}
	e.nparked -= len(e.parked[victim])
	delete(e.parked, victim)
}

// unpark removes and returns the transitions waiting on offerID in the order
// they were made.
func (e *entry) unpark(offerID string) []messages.OfferTransition {
	ts := e.parked[offerID]
	if len(ts) == 0 {
		return nil
	}
	delete(e.parked, offerID)
	e.nparked -= len(ts)
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].At.Before(ts[j].At) })
	return ts
}

// Store owns every conversation log. Writes to one conversation are
// serialised by its entry lock; distinct conversations proceed in parallel.
type Store struct {
	cfg      Config
	channel  delivery.Channel
	repo     conversations.Repository
	listings policies.ListingPort
	index    *search.Index
	outbox   appoutbox.Outbox
	encoder  appoutbox.EventEncoder
	logger   *slog.Logger
	clock    func() time.Time

	mu    sync.RWMutex
	convs map[string]*entry

	tickMu sync.Mutex
	last   time.Time

	watchMu  sync.RWMutex
	watchers map[int]chan Event
	nextID   int

	dispatch *dispatcher
}

func New(deps Deps, cfg Config) (*Store, error) {
	if deps.Channel == nil {
		return nil, fmt.Errorf("store: %w", delivery.ErrUnavailable)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.ReplyWindow <= 0 {
		cfg.ReplyWindow = conversations.DefaultReplyWindow
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if deps.Index == nil {
		deps.Index = search.NewIndex()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Encoder == nil {
		deps.Encoder = appoutbox.JSONEventEncoder{Headers: map[string]string{"node": cfg.NodeID}}
	}
	s := &Store{
		cfg:      cfg,
		channel:  deps.Channel,
		repo:     deps.Repository,
		listings: deps.Listings,
		index:    deps.Index,
		outbox:   deps.Outbox,
		encoder:  deps.Encoder,
		logger:   deps.Logger,
		clock:    deps.Clock,
		convs:    make(map[string]*entry),
		watchers: make(map[int]chan Event),
	}
	s.dispatch = newDispatcher(s, cfg.Workers)
	return s, nil
}

func (s *Store) NodeID() string { return s.cfg.NodeID }

func (s *Store) Index() *search.Index { return s.index }

// Load restores persisted conversations. Outbound messages still marked
// sending were interrupted and become failed so they can be retried.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	records, err := s.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("store: load: %w", err)
	}
	restored := 0
	for _, rec := range records {
		for i := range rec.Messages {
			if rec.Messages[i].Delivery == messages.DeliverySending {
				rec.Messages[i].Delivery = messages.DeliveryFailed
			}
		}
		conv, err := conversations.Restore(rec)
		if err != nil {
			s.logger.Warn("skipping unreadable conversation", "conversation_id", rec.ID, "error", err)
			continue
		}
		ref := refOf(conv)
		for _, msg := range conv.Messages() {
			s.index.Add(ref, msg)
		}
		s.mu.Lock()
		s.convs[conv.ID] = &entry{conv: conv}
		s.mu.Unlock()
		restored++
	}
	s.logger.Info("conversations restored", "count", restored)
	return nil
}

// Close stops the outbound workers. Pending sends finish with ErrClosed.
func (s *Store) Close() {
	s.dispatch.stop()
}

func (s *Store) entry(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.convs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", conversations.ErrNotFound, id)
	}
	return e, nil
}

func (s *Store) entries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.convs))
	for _, e := range s.convs {
		out = append(out, e)
	}
	return out
}

// tick returns a strictly increasing timestamp so local sends keep their
// order even when the wall clock stalls or steps back.
func (s *Store) tick() time.Time {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	now := s.clock().UTC().Truncate(time.Microsecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func refOf(conv *conversations.Conversation) search.ConversationRef {
	return search.ConversationRef{
		ID:         conv.ID,
		ListingRef: conv.ListingRef,
		BuyerID:    conv.Participants.Buyer,
		SellerID:   conv.Participants.Seller,
	}
}

func threadOf(conv *conversations.Conversation) delivery.Thread {
	return delivery.Thread{
		ListingRef: conv.ListingRef,
		BuyerID:    conv.Participants.Buyer,
		SellerID:   conv.Participants.Seller,
	}
}

func (s *Store) saveConversation(ctx context.Context, conv *conversations.Conversation) error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.SaveConversation(ctx, conv.Snapshot()); err != nil {
		return fmt.Errorf("store: save conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (s *Store) saveMessages(ctx context.Context, msgs ...messages.Message) error {
	if s.repo == nil {
		return nil
	}
	for _, m := range msgs {
		if err := s.repo.SaveMessage(ctx, m); err != nil {
			return fmt.Errorf("store: save message %s: %w", m.ID, err)
		}
	}
	return nil
}
