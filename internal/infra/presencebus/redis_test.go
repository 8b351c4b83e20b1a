package presencebus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealroom/internal/domain/presence"
)

func newSubscriber(t *testing.T) (*Subscriber, *presence.Tracker) {
	t.Helper()
	tracker := presence.NewTracker(presence.Config{})
	t.Cleanup(tracker.Close)
	return &Subscriber{NodeID: "node-a", Tracker: tracker, TypingTTL: time.Minute}, tracker
}

func payload(t *testing.T, sig Signal) []byte {
	t.Helper()
	raw, err := json.Marshal(sig)
	require.NoError(t, err)
	return raw
}

func TestSubscriberAppliesRemoteSignals(t *testing.T) {
	sub, tracker := newSubscriber(t)

	require.NoError(t, sub.Handle(payload(t, Signal{Kind: KindHeartbeat, ParticipantID: "buyer", Origin: "node-b"})))
	p, ok := tracker.Participant("buyer")
	require.True(t, ok)
	assert.True(t, p.Online)

	require.NoError(t, sub.Handle(payload(t, Signal{Kind: KindTyping, ParticipantID: "buyer", ConversationID: "c1", Typing: true, Origin: "node-b"})))
	assert.Equal(t, []string{"buyer"}, tracker.Typing("c1"))

	require.NoError(t, sub.Handle(payload(t, Signal{Kind: KindOffline, ParticipantID: "buyer", Origin: "node-b"})))
	p, _ = tracker.Participant("buyer")
	assert.False(t, p.Online)
	assert.Empty(t, tracker.Typing("c1"), "going offline clears typing")
}

func TestSubscriberSkipsOwnSignals(t *testing.T) {
	sub, tracker := newSubscriber(t)
	require.NoError(t, sub.Handle(payload(t, Signal{Kind: KindHeartbeat, ParticipantID: "buyer", Origin: "node-a"})))
	_, ok := tracker.Participant("buyer")
	assert.False(t, ok)
}

func TestSubscriberRejectsBadSignals(t *testing.T) {
	sub, _ := newSubscriber(t)
	cases := map[string][]byte{
		"not json":          []byte("{"),
		"no participant":    payload(t, Signal{Kind: KindHeartbeat}),
		"typing without id": payload(t, Signal{Kind: KindTyping, ParticipantID: "buyer"}),
		"unknown kind":      payload(t, Signal{Kind: "wave", ParticipantID: "buyer"}),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, sub.Handle(raw), ErrInvalidSignal)
		})
	}
}

func TestConnectFailsFast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Connect(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}
