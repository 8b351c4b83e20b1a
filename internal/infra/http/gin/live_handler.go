package ginserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"dealroom/internal/app/commands"
	"dealroom/internal/app/dto"
	"dealroom/internal/app/handlers/negotiation"
	"dealroom/internal/app/policies"
	"dealroom/internal/app/store"
	"dealroom/internal/domain/presence"
)

const (
	liveWriteTimeout = 10 * time.Second
	livePongWait     = 60 * time.Second
	livePingInterval = livePongWait * 9 / 10
)

// LiveHandler streams store and presence events to one participant over a
// websocket and accepts typing, heartbeat and read frames from the client.
type LiveHandler struct {
	Store    *store.Store
	Presence *presence.Tracker
	Commands commands.Bus
	Relay    policies.PresenceRelay
	Origins  []string
	Logger   *slog.Logger
}

type clientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

type errorFrame struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func (h LiveHandler) upgrader() websocket.Upgrader {
	allowed := make(map[string]bool, len(h.Origins))
	for _, o := range h.Origins {
		allowed[strings.ToLower(strings.TrimSpace(o))] = true
	}
	return websocket.Upgrader{
		Subprotocols: []string{"bearer"},
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 || allowed["*"] {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
		},
	}
}

func (h LiveHandler) Stream(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &liveSession{
		handler: h,
		viewer:  user.ID,
		conn:    conn,
		members: make(map[string]bool),
		peers:   make(map[string]bool),
		out:     make(chan any, 16),
		changes: make(chan presence.Change, 64),
	}
	s.prime(ctx)

	events, stopEvents := h.Store.Watch(256)
	defer stopEvents()
	if h.Presence != nil {
		unsubscribe := h.Presence.Subscribe(func(ch presence.Change) {
			select {
			case s.changes <- ch:
			default:
			}
		})
		defer unsubscribe()
		h.Presence.Connect(user.ID)
		h.relay(ctx, func(ctx context.Context, r policies.PresenceRelay) error { return r.Heartbeat(ctx, user.ID) })
		defer func() {
			// Other devices of the same wallet keep it online.
			if !h.Presence.Disconnect(user.ID) {
				return
			}
			h.relay(context.Background(), func(ctx context.Context, r policies.PresenceRelay) error { return r.Offline(ctx, user.ID) })
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(ctx, events)
	}()
	s.readLoop(ctx)
	cancel()
	<-done
}

func (h LiveHandler) relay(ctx context.Context, fn func(context.Context, policies.PresenceRelay) error) {
	if h.Relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := fn(ctx, h.Relay); err != nil && h.Logger != nil {
		h.Logger.Warn("presence relay failed", "error", err)
	}
}

type liveSession struct {
	handler LiveHandler
	viewer  string
	conn    *websocket.Conn
	members map[string]bool
	peers   map[string]bool
	out     chan any
	changes chan presence.Change
}

func (s *liveSession) logger() *slog.Logger {
	if s.handler.Logger != nil {
		return s.handler.Logger
	}
	return slog.Default()
}

// prime learns the viewer's conversations and counterparts up front so
// presence changes can be filtered without a lookup per event.
func (s *liveSession) prime(ctx context.Context) {
	page, err := s.handler.Store.ListConversations(ctx, store.Filter{ParticipantID: s.viewer, IncludeArchived: true}, store.Sort{}, store.Page{Limit: store.MaxPageSize})
	if err != nil {
		s.logger().Warn("live prime failed", "participant_id", s.viewer, "error", err)
		return
	}
	for _, v := range page.Items {
		s.members[v.ID] = true
		s.peers[v.Counterpart(s.viewer)] = true
	}
}

func (s *liveSession) member(ctx context.Context, conversationID string) bool {
	if known, ok := s.members[conversationID]; ok {
		return known
	}
	v, err := s.handler.Store.GetConversation(ctx, conversationID)
	if err != nil {
		return false
	}
	in := v.BuyerID == s.viewer || v.SellerID == s.viewer
	s.members[conversationID] = in
	if in {
		s.peers[v.Counterpart(s.viewer)] = true
	}
	return in
}

func (s *liveSession) writeLoop(ctx context.Context, events <-chan store.Event) {
	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()
	for {
		var frame any
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !s.member(ctx, ev.ConversationID) {
				continue
			}
			frame = dto.MapEvent(ev, s.viewer)
		case ch := <-s.changes:
			f, ok := s.presenceFrame(ctx, ch)
			if !ok {
				continue
			}
			frame = f
		case f := <-s.out:
			frame = f
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		if err := s.conn.WriteJSON(frame); err != nil {
			s.logger().Debug("live write failed", "participant_id", s.viewer, "error", err)
			return
		}
	}
}

func (s *liveSession) presenceFrame(ctx context.Context, ch presence.Change) (dto.Event, bool) {
	switch ch.Kind {
	case presence.ChangeTyping:
		if ch.ParticipantID == s.viewer || !s.member(ctx, ch.ConversationID) {
			return dto.Event{}, false
		}
		return dto.Event{
			Kind:           "presence.typing",
			ConversationID: ch.ConversationID,
			Typing:         s.handler.Presence.Typing(ch.ConversationID),
			At:             ch.At,
		}, true
	case presence.ChangeOnline:
		if !s.peers[ch.ParticipantID] {
			return dto.Event{}, false
		}
		p, _ := s.handler.Presence.Participant(ch.ParticipantID)
		view := dto.MapPresence(p)
		view.Online = ch.Online
		return dto.Event{Kind: "presence.online", Presence: &view, At: ch.At}, true
	}
	return dto.Event{}, false
}

func (s *liveSession) readLoop(ctx context.Context) {
	_ = s.conn.SetReadDeadline(time.Now().Add(livePongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		var frame clientFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(livePongWait))
		if err := s.apply(ctx, frame); err != nil {
			select {
			case s.out <- errorFrame{Kind: "error", Error: err.Error()}:
			default:
			}
		}
	}
}

func (s *liveSession) apply(ctx context.Context, f clientFrame) error {
	bus := s.handler.Commands
	switch strings.ToLower(f.Type) {
	case "typing":
		_, err := commands.Dispatch[negotiation.SetTypingCommand, dto.Ack](ctx, bus, negotiation.SetTypingCommand{
			ConversationID: f.ConversationID, ParticipantID: s.viewer, Typing: f.Typing,
		})
		return err
	case "heartbeat":
		_, err := commands.Dispatch[negotiation.HeartbeatCommand, dto.Presence](ctx, bus, negotiation.HeartbeatCommand{ParticipantID: s.viewer})
		return err
	case "read":
		_, err := commands.Dispatch[negotiation.MarkReadCommand, dto.Ack](ctx, bus, negotiation.MarkReadCommand{
			ConversationID: f.ConversationID, ParticipantID: s.viewer,
		})
		return err
	default:
		return errUnknownFrame(f.Type)
	}
}

type errUnknownFrame string

func (e errUnknownFrame) Error() string { return "unknown frame type " + string(e) }

var _ LiveHTTP = LiveHandler{}
