package ginserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealroom/internal/app/commands"
	"dealroom/internal/app/dto"
	"dealroom/internal/app/handlers/negotiation"
	"dealroom/internal/app/middleware"
	"dealroom/internal/app/queries"
	"dealroom/internal/app/store"
	"dealroom/internal/domain/presence"
	"dealroom/internal/infra/delivery/inproc"
	"dealroom/internal/infra/obs"
	"dealroom/internal/infra/storage/memory"
)

type testServer struct {
	router *gin.Engine
	tokens TokenService
	files    *memory.AttachmentStore
	presence *presence.Tracker
	ready    error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	catalog := memory.NewListingCatalog()
	require.NoError(t, catalog.SeedDefaults())
	box := memory.NewOutbox()
	s, err := store.New(store.Deps{
		Channel:    inproc.NewHub(logger),
		Repository: memory.NewConversationRepository(),
		Listings:   catalog,
		Outbox:     box,
		Logger:     logger,
	}, store.Config{NodeID: "node-a"})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	tracker := presence.NewTracker(presence.Config{})
	t.Cleanup(tracker.Close)
	files := memory.NewAttachmentStore()

	cmdBus := commands.NewInMemoryBus()
	queryBus := queries.NewInMemoryBus()
	negotiation.Register(cmdBus, queryBus, negotiation.Deps{Store: s, Presence: tracker, Attachments: files, Logger: logger})
	stack := middleware.Stack{
		Authorizer:  middleware.ParticipantAuthorizer{Lookup: negotiation.Participants(s)},
		Idempotency: memory.NewIdempotencyStore(time.Hour),
		Outbox:      box,
	}
	cmds := stack.Commands(cmdBus)
	qs := stack.Queries(queryBus)

	ts := &testServer{
		tokens:   TokenService{Secret: []byte("test-secret"), Issuer: "dealroom"},
		files:    files,
		presence: tracker,
	}
	health := obs.HealthHandlers{Checks: map[string]obs.Check{
		"channel": func(context.Context) error { return ts.ready },
	}}
	ts.router = NewRouter(nil, obs.Middleware{Logger: logger}, health, Handlers{
		Conversations:  ConversationHandler{Commands: cmds, Queries: qs, Logger: logger},
		Presence:       PresenceHandler{Commands: cmds, Queries: qs, Logger: logger},
		Search:         SearchHandler{Queries: qs, Logger: logger},
		Live:           LiveHandler{Store: s, Presence: tracker, Commands: cmds, Logger: logger},
		AuthMiddleware: AuthMiddleware{Tokens: ts.tokens, Logger: logger}.Handle,
	})
	return ts
}

func (ts *testServer) token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := ts.tokens.Issue(subject)
	require.NoError(t, err)
	return tok
}

type call struct {
	method  string
	path    string
	as      string
	body    any
	headers map[string]string
}

func (ts *testServer) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.as != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, c.as))
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) open(t *testing.T) dto.Conversation {
	t.Helper()
	rec := ts.do(t, call{method: http.MethodPost, path: "/api/v1/listings/example.eth/conversations", as: "buyer"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[dto.Conversation](t, rec)
}

func TestRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, call{method: http.MethodGet, path: "/api/v1/conversations"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, call{method: http.MethodGet, path: "/api/v1/conversations", headers: map[string]string{"Authorization": "Bearer not-a-jwt"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := TokenService{Secret: []byte("other"), Issuer: "dealroom"}.Issue("buyer")
	require.NoError(t, err)
	rec = ts.do(t, call{method: http.MethodGet, path: "/api/v1/conversations", headers: map[string]string{"Authorization": "Bearer " + forged}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, call{method: http.MethodGet, path: "/livez"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenServiceRejectsExpiredAndWrongIssuer(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := TokenService{Secret: []byte("s"), Issuer: "dealroom", TTL: time.Minute, Now: func() time.Time { return now }}
	tok, err := svc.Issue("0x52908400098527886e0f7030069857d2e4169ee7")
	require.NoError(t, err)

	p, err := svc.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", p.ID)

	late := svc
	late.Now = func() time.Time { return now.Add(time.Hour) }
	_, err = late.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := svc
	other.Issuer = "someone-else"
	_, err = other.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCounterOfferOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.open(t)
	assert.Equal(t, "seller", conv.SellerID)
	base := "/api/v1/conversations/" + conv.ID

	idem := map[string]string{"Idempotency-Key": "offer-1"}
	rec := ts.do(t, call{method: http.MethodPost, path: base + "/offers", as: "buyer", body: gin.H{"amount": 400000, "currency": "usd"}, headers: idem})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	offer := decode[dto.Message](t, rec)
	require.NotNil(t, offer.Offer)
	assert.Equal(t, "USD", offer.Offer.Amount.Currency)

	rec = ts.do(t, call{method: http.MethodPost, path: base + "/offers", as: "buyer", body: gin.H{"amount": 400000, "currency": "usd"}, headers: idem})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, offer.ID, decode[dto.Message](t, rec).ID)

	respond := base + "/offers/" + offer.ID + "/respond"
	rec = ts.do(t, call{method: http.MethodPost, path: respond, as: "buyer", body: gin.H{"action": "accept"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, call{method: http.MethodPost, path: respond, as: "seller", body: gin.H{"action": "counter", "amount": 450000}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	countered := decode[dto.OfferResponse](t, rec)
	require.NotNil(t, countered.Counter)

	rec = ts.do(t, call{method: http.MethodPost, path: respond, as: "seller", body: gin.H{"action": "decline"}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, call{method: http.MethodPost, path: base + "/offers/" + countered.Counter.ID + "/respond", as: "buyer", body: gin.H{"action": "accept"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, call{method: http.MethodGet, path: base, as: "seller"})
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[dto.Conversation](t, rec)
	assert.Equal(t, countered.Counter.ID, view.SettlementOfferID)
	assert.Equal(t, "buyer", view.CounterpartID)

	rec = ts.do(t, call{method: http.MethodGet, path: base + "/offer-context", as: "buyer"})
	require.Equal(t, http.StatusOK, rec.Code)
	oc := decode[dto.OfferContext](t, rec)
	require.NotNil(t, oc.AskingPrice)
	assert.EqualValues(t, 500000, oc.AskingPrice.Amount)

	rec = ts.do(t, call{method: http.MethodGet, path: base + "/messages?limit=10", as: "buyer"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[dto.MessageList](t, rec).Items, 2)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.open(t)
	base := "/api/v1/conversations/" + conv.ID

	cases := []struct {
		name string
		call call
		want int
	}{
		{"empty text", call{method: http.MethodPost, path: base + "/messages", as: "buyer", body: gin.H{"body": "  "}}, http.StatusBadRequest},
		{"malformed json", call{method: http.MethodPost, path: base + "/offers", as: "buyer", body: "nope"}, http.StatusBadRequest},
		{"unknown listing", call{method: http.MethodPost, path: "/api/v1/listings/unknown.eth/conversations", as: "buyer"}, http.StatusNotFound},
		{"unknown conversation", call{method: http.MethodGet, path: "/api/v1/conversations/missing/messages", as: "buyer"}, http.StatusNotFound},
		{"outsider", call{method: http.MethodGet, path: base, as: "mallory"}, http.StatusForbidden},
		{"focus without flag", call{method: http.MethodPost, path: base + "/focus", as: "buyer", body: gin.H{}}, http.StatusBadRequest},
		{"bad sort", call{method: http.MethodGet, path: "/api/v1/conversations?sort=price", as: "buyer"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, tc.call)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestStatusForHidesInternalErrors(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(store.ErrClosed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestReadArchiveAndListFilters(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.open(t)
	base := "/api/v1/conversations/" + conv.ID

	rec := ts.do(t, call{method: http.MethodPost, path: base + "/messages", as: "buyer", body: gin.H{"body": "is escrow fine?"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, call{method: http.MethodGet, path: "/api/v1/conversations", as: "seller"})
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[dto.ConversationList](t, rec)
	require.Len(t, list.Items, 1)
	assert.Equal(t, 1, list.Items[0].Unread)

	rec = ts.do(t, call{method: http.MethodPost, path: base + "/read", as: "seller"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, call{method: http.MethodPost, path: base + "/archive", as: "seller"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[dto.Conversation](t, rec).Archived)

	rec = ts.do(t, call{method: http.MethodGet, path: "/api/v1/conversations", as: "seller"})
	assert.Empty(t, decode[dto.ConversationList](t, rec).Items)
	rec = ts.do(t, call{method: http.MethodGet, path: "/api/v1/conversations?include_archived=true", as: "seller"})
	assert.Len(t, decode[dto.ConversationList](t, rec).Items, 1)

	rec = ts.do(t, call{method: http.MethodPost, path: base + "/unarchive", as: "seller"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[dto.Conversation](t, rec).Archived)

	rec = ts.do(t, call{method: http.MethodGet, path: "/api/v1/search?q=escrow", as: "seller"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[dto.SearchResults](t, rec).Items, 1)

	rec = ts.do(t, call{method: http.MethodGet, path: "/api/v1/search?q=escrow&from=yesterday", as: "seller"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendFileMultipart(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.open(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="deed.pdf"`)
	hdr.Set("Content-Type", "application/pdf")
	part, err := w.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.7"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+conv.ID+"/files", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+ts.token(t, "seller"))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	msg := decode[dto.Message](t, rec)
	require.NotNil(t, msg.File)
	assert.Equal(t, "deed.pdf", msg.File.FileName)
	assert.EqualValues(t, 8, msg.File.ByteSize)
	require.True(t, strings.HasPrefix(msg.File.ContentRef, "mem://conversations/"+conv.ID+"/"))

	keys := ts.files.Keys()
	require.Len(t, keys, 1)
	data, ct, err := ts.files.Open(keys[0])
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(data))
	assert.Equal(t, "application/pdf", ct)

	empty := ts.do(t, call{method: http.MethodPost, path: "/api/v1/conversations/" + conv.ID + "/files", as: "seller"})
	assert.Equal(t, http.StatusBadRequest, empty.Code)
}

func TestPresenceRoutes(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.open(t)

	rec := ts.do(t, call{method: http.MethodPost, path: "/api/v1/presence/heartbeat", as: "buyer", body: gin.H{"display_name": "Buyer"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, call{method: http.MethodPost, path: "/api/v1/conversations/" + conv.ID + "/typing", as: "buyer", body: gin.H{"typing": true, "ttl_ms": 60000}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, call{method: http.MethodGet, path: "/api/v1/presence/buyer?conversation_id=" + conv.ID, as: "seller"})
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[dto.Presence](t, rec)
	assert.True(t, p.Online)
	assert.True(t, p.Typing)
	assert.Equal(t, "Buyer", p.DisplayName)
}

func TestReadyzReportsFailingChecks(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, call{method: http.MethodGet, path: "/readyz"})
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.ready = errors.New("channel down")
	rec = ts.do(t, call{method: http.MethodGet, path: "/readyz"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "channel down")
}

func TestLiveStreamDeliversMessages(t *testing.T) {
	ts := newTestServer(t)
	conv := ts.open(t)
	srv := httptest.NewServer(ts.router)
	t.Cleanup(srv.Close)

	dialer := websocket.Dialer{Subprotocols: []string{"bearer", ts.token(t, "seller")}}
	conn, resp, err := dialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	assert.Equal(t, "bearer", resp.Header.Get("Sec-WebSocket-Protocol"))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// An error reply proves the session has subscribed before anything is sent.
	require.NoError(t, conn.WriteJSON(gin.H{"type": "wave"}))
	var ack errorFrame
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "error", ack.Kind)

	rec := ts.do(t, call{method: http.MethodPost, path: "/api/v1/conversations/" + conv.ID + "/messages", as: "buyer", body: gin.H{"body": "live hello"}})
	require.Equal(t, http.StatusCreated, rec.Code)

	for {
		var ev dto.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Kind != string(store.EventMessageAppended) {
			continue
		}
		assert.Equal(t, conv.ID, ev.ConversationID)
		require.NotNil(t, ev.Message)
		assert.Equal(t, "live hello", ev.Message.Body)
		break
	}
}

func TestLiveStreamOfflineOnlyAfterLastDevice(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.router)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"

	dial := func() *websocket.Conn {
		dialer := websocket.Dialer{Subprotocols: []string{"bearer", ts.token(t, "seller")}}
		conn, _, err := dialer.Dial(url, nil)
		require.NoError(t, err)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.WriteJSON(gin.H{"type": "wave"}))
		var ack errorFrame
		require.NoError(t, conn.ReadJSON(&ack))
		return conn
	}
	online := func() bool {
		p, ok := ts.presence.Participant("seller")
		return ok && p.Online
	}

	phone := dial()
	laptop := dial()
	t.Cleanup(func() { _ = laptop.Close() })
	require.True(t, online())

	require.NoError(t, phone.Close())
	assert.Never(t, func() bool { return !online() }, 200*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, laptop.Close())
	assert.Eventually(t, func() bool { return !online() }, 2*time.Second, 10*time.Millisecond)
}

func TestLiveStreamRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.router)
	t.Cleanup(srv.Close)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
