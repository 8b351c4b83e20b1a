package presence

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTypingTTL        = 3 * time.Second
	DefaultHeartbeatTimeout = 45 * time.Second
)

// Participant is the presence view of one wallet.
type Participant struct {
	ID          string
	DisplayName string
	AvatarRef   string
	Online      bool
	LastSeenAt  time.Time
}

type ChangeKind string

const (
	ChangeOnline ChangeKind = "online"
	ChangeTyping ChangeKind = "typing"
)

// Change is delivered to listeners after state flips. Repeated signals that
// do not change state are not reported.
type Change struct {
	Kind           ChangeKind
	ParticipantID  string
	ConversationID string
	Online         bool
	Typing         bool
	At             time.Time
}

type Listener func(Change)

type Config struct {
	TypingTTL        time.Duration
	HeartbeatTimeout time.Duration
	Now              func() time.Time
}

type entry struct {
	Participant
	timer *time.Timer
	gen   uint64
	// conns counts open live connections.
	conns int
}

type typingKey struct {
	conversationID string
	participantID  string
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// Tracker owns online and typing state. Expiry runs on scheduled timers; a
// missed offline signal heals when the heartbeat timeout fires.
type Tracker struct {
	mu        sync.Mutex
	cfg       Config
	people    map[string]*entry
	typing    map[typingKey]*typingEntry
	listeners map[int]Listener
	nextID    int
	gen       uint64
	closed    bool
}

func NewTracker(cfg Config) *Tracker {
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = DefaultTypingTTL
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		cfg:       cfg,
		people:    make(map[string]*entry),
		typing:    make(map[typingKey]*typingEntry),
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a listener. Listeners run on the goroutine that caused
// the change and must not block.
func (t *Tracker) Subscribe(l Listener) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Register stores profile fields without touching online state.
func (t *Tracker) Register(p Participant) {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(id)
	e.DisplayName = p.DisplayName
	e.AvatarRef = p.AvatarRef
}

func (t *Tracker) Participant(id string) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.people[id]
	if !ok {
		return Participant{}, false
	}
	return e.Participant, true
}

// Heartbeat marks the participant online and restarts the timeout.
func (t *Tracker) Heartbeat(id string) {
	t.SetOnline(id, true)
}

func (t *Tracker) SetOnline(id string, online bool) {
	t.update(id, func(*entry) (bool, bool) { return online, true })
}

// Connect records an open live connection and marks the participant online.
func (t *Tracker) Connect(id string) {
	t.update(id, func(e *entry) (bool, bool) {
		e.conns++
		return true, true
	})
}

// Disconnect releases a live connection. The participant goes offline only
// when no other connection remains, which is what it reports.
func (t *Tracker) Disconnect(id string) bool {
	var last bool
	t.update(id, func(e *entry) (bool, bool) {
		if e.conns > 0 {
			e.conns--
		}
		last = e.conns == 0
		return false, last
	})
	return last
}

// update applies fn to the participant's entry under the lock. fn returns the
// online state to set and whether to set it.
func (t *Tracker) update(id string, fn func(e *entry) (online, apply bool)) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	var changes []Change
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	e := t.entryLocked(id)
	online, apply := fn(e)
	if !apply {
		t.mu.Unlock()
		return
	}
	now := t.cfg.Now()
	was := e.Online
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.Online = online
	e.LastSeenAt = now
	if online {
		t.gen++
		gen := t.gen
		e.gen = gen
		e.timer = time.AfterFunc(t.cfg.HeartbeatTimeout, func() { t.expireOnline(id, gen) })
	} else {
		changes = t.clearTypingLocked(id, now)
	}
	if was != online {
		changes = append(changes, Change{Kind: ChangeOnline, ParticipantID: id, Online: online, At: now})
	}
	listeners := t.listenersLocked()
	t.mu.Unlock()
	notify(listeners, changes)
}

func (t *Tracker) expireOnline(id string, gen uint64) {
	var changes []Change
	t.mu.Lock()
	e, ok := t.people[id]
	if !ok || e.gen != gen || !e.Online || t.closed {
		t.mu.Unlock()
		return
	}
	now := t.cfg.Now()
	e.Online = false
	e.timer = nil
	changes = t.clearTypingLocked(id, now)
	changes = append(changes, Change{Kind: ChangeOnline, ParticipantID: id, Online: false, At: now})
	listeners := t.listenersLocked()
	t.mu.Unlock()
	notify(listeners, changes)
}

// SetTyping raises or clears the typing indicator. A raised indicator expires
// after ttl (DefaultTypingTTL when ttl <= 0) unless refreshed.
func (t *Tracker) SetTyping(conversationID, participantID string, typing bool, ttl time.Duration) {
	if conversationID == "" || participantID == "" {
		return
	}
	if ttl <= 0 {
		ttl = t.cfg.TypingTTL
	}
	key := typingKey{conversationID: conversationID, participantID: participantID}
	var changes []Change
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	now := t.cfg.Now()
	current, was := t.typing[key]
	if was {
		current.timer.Stop()
		delete(t.typing, key)
	}
	if typing {
		t.gen++
		gen := t.gen
		t.typing[key] = &typingEntry{
			gen:   gen,
			timer: time.AfterFunc(ttl, func() { t.expireTyping(key, gen) }),
		}
	}
	if was != typing {
		changes = append(changes, Change{Kind: ChangeTyping, ParticipantID: participantID, ConversationID: conversationID, Typing: typing, At: now})
	}
	listeners := t.listenersLocked()
	t.mu.Unlock()
	notify(listeners, changes)
}

func (t *Tracker) expireTyping(key typingKey, gen uint64) {
	t.mu.Lock()
	current, ok := t.typing[key]
	if !ok || current.gen != gen || t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.typing, key)
	change := Change{Kind: ChangeTyping, ParticipantID: key.participantID, ConversationID: key.conversationID, At: t.cfg.Now()}
	listeners := t.listenersLocked()
	t.mu.Unlock()
	notify(listeners, []Change{change})
}

func (t *Tracker) IsTyping(conversationID, participantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[typingKey{conversationID: conversationID, participantID: participantID}]
	return ok
}

// Typing lists participants currently typing in a conversation.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for key := range t.typing {
		if key.conversationID == conversationID {
			out = append(out, key.participantID)
		}
	}
	sort.Strings(out)
	return out
}

// Close stops every pending timer.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, e := range t.people {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	for _, te := range t.typing {
		te.timer.Stop()
	}
}

func (t *Tracker) entryLocked(id string) *entry {
	e, ok := t.people[id]
	if !ok {
		e = &entry{Participant: Participant{ID: id}}
		t.people[id] = e
	}
	return e
}

func (t *Tracker) clearTypingLocked(participantID string, now time.Time) []Change {
	var changes []Change
	for key, te := range t.typing {
		if key.participantID != participantID {
			continue
		}
		te.timer.Stop()
		delete(t.typing, key)
		changes = append(changes, Change{Kind: ChangeTyping, ParticipantID: participantID, ConversationID: key.conversationID, At: now})
	}
	return changes
}

func (t *Tracker) listenersLocked() []Listener {
	out := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		out = append(out, l)
	}
	return out
}

func notify(listeners []Listener, changes []Change) {
	for _, c := range changes {
		for _, l := range listeners {
			l(c)
		}
	}
}
