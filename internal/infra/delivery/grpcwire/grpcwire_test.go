package grpcwire

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"dealroom/internal/app/delivery"
	"dealroom/internal/app/store"
	"dealroom/internal/domain/messages"
	"dealroom/internal/domain/shared/money"
	"dealroom/internal/infra/delivery/inproc"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type relay struct {
	hub *inproc.Hub
	lis *bufconn.Listener
}

func startRelay(t *testing.T) *relay {
	t.Helper()
	logger := quietLogger()
	hub := inproc.NewHub(logger)
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(logger)))
	RegisterRelayService(srv, &Server{Channel: hub, Logger: logger})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return &relay{hub: hub, lis: lis}
}

func (r *relay) conn(t *testing.T) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///relay",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return r.lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (r *relay) channel(t *testing.T, node string) *Channel {
	return &Channel{Conn: r.conn(t), NodeID: node, CallTimeout: 2 * time.Second, Backoff: 50 * time.Millisecond, Logger: quietLogger()}
}

func textEnvelope(t *testing.T, id, conversationID string) delivery.Envelope {
	t.Helper()
	msg, err := messages.New(id, conversationID, "buyer", time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC), messages.Text{Body: "hi " + id})
	require.NoError(t, err)
	return delivery.ForMessage("node-a", msg)
}

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) handle(_ context.Context, env delivery.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, env.ID)
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestRelayRoundTrip(t *testing.T) {
	r := startRelay(t)
	ctx := context.Background()
	publisher := r.channel(t, "node-a")
	listener := r.channel(t, "node-b")

	var all, only collector
	subAll, err := listener.Subscribe(ctx, "", all.handle)
	require.NoError(t, err)
	t.Cleanup(func() { _ = subAll.Close() })
	subOne, err := listener.Subscribe(ctx, "conv-1", only.handle)
	require.NoError(t, err)
	t.Cleanup(func() { _ = subOne.Close() })

	receipt, err := publisher.Publish(ctx, textEnvelope(t, "m1", "conv-2"))
	require.NoError(t, err)
	assert.Equal(t, "m1", receipt.EnvelopeID)
	assert.Equal(t, "1", receipt.Position)
	_, err = publisher.Publish(ctx, textEnvelope(t, "m2", "conv-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(all.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, all.snapshot())
	require.Eventually(t, func() bool { return len(only.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"m2"}, only.snapshot())

	require.NoError(t, subOne.Close())
	require.NoError(t, subOne.Close())
}

func TestRelayMapsErrors(t *testing.T) {
	r := startRelay(t)
	ctx := context.Background()
	conn := r.conn(t)

	err := conn.Invoke(ctx, publishMethod, &Frame{Data: json.RawMessage(`{"id":"x"}`)}, &PublishReply{}, grpc.CallContentSubtype(codec{}.Name()))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.ErrorIs(t, fromStatus(err), delivery.ErrInvalidEnvelope)

	ch := r.channel(t, "node-a")
	_, err = ch.Publish(ctx, delivery.Envelope{ID: "x"})
	assert.ErrorIs(t, err, delivery.ErrInvalidEnvelope)

	require.NoError(t, r.hub.Close())
	_, err = ch.Publish(ctx, textEnvelope(t, "m1", "conv-1"))
	assert.ErrorIs(t, err, delivery.ErrUnavailable)
	_, err = ch.Subscribe(ctx, "", func(context.Context, delivery.Envelope) error { return nil })
	assert.ErrorIs(t, err, delivery.ErrUnavailable)
}

func newNode(t *testing.T, ch delivery.Channel, id string) *store.Store {
	t.Helper()
	s, err := store.New(store.Deps{Channel: ch, Logger: quietLogger()}, store.Config{NodeID: id})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	sub, err := s.Attach(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return s
}

func TestRelayConvergesStores(t *testing.T) {
	r := startRelay(t)
	buyerNode := newNode(t, r.channel(t, "buyer-node"), "buyer-node")
	sellerNode := newNode(t, r.channel(t, "seller-node"), "seller-node")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conv, err := buyerNode.GetOrCreate(ctx, "coffee.com", "buyer", "seller")
	require.NoError(t, err)
	offer, out, err := buyerNode.SendOffer(ctx, conv.ID, "buyer", money.Money{Amount: 120000, Currency: "USD"})
	require.NoError(t, err)
	receipt, err := out.Wait(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.Position)

	require.Eventually(t, func() bool {
		v, err := sellerNode.GetConversation(ctx, conv.ID)
		return err == nil && v.UnreadFor("seller") == 1
	}, 2*time.Second, 10*time.Millisecond)

	res, err := sellerNode.RespondToOffer(ctx, conv.ID, offer.ID, store.Response{ActorID: "seller", Action: messages.ActionDecline})
	require.NoError(t, err)
	for _, o := range res.Outbound {
		_, err = o.Wait(ctx)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		page, err := buyerNode.GetMessages(ctx, conv.ID, store.Page{})
		if err != nil || len(page.Items) == 0 {
			return false
		}
		o, ok := page.Items[0].Offer()
		return ok && o.State == messages.OfferDeclined
	}, 2*time.Second, 10*time.Millisecond)
}
