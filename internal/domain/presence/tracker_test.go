package presence_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealroom/internal/domain/presence"
)

type recorder struct {
	mu      sync.Mutex
	changes []presence.Change
}

func (r *recorder) listen(c presence.Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []presence.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]presence.Change, len(r.changes))
	copy(out, r.changes)
	return out
}

func TestTypingExpiresWithoutRefresh(t *testing.T) {
	tracker := presence.NewTracker(presence.Config{})
	defer tracker.Close()
	rec := &recorder{}
	tracker.Subscribe(rec.listen)

	tracker.SetTyping("c1", "buyer", true, 30*time.Millisecond)
	assert.True(t, tracker.IsTyping("c1", "buyer"))
	assert.Equal(t, []string{"buyer"}, tracker.Typing("c1"))

	assert.Eventually(t, func() bool { return !tracker.IsTyping("c1", "buyer") }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	changes := rec.snapshot()
	assert.True(t, changes[0].Typing)
	assert.False(t, changes[1].Typing)
	assert.Equal(t, "c1", changes[1].ConversationID)
}

func TestTypingRefreshAndExplicitStop(t *testing.T) {
	tracker := presence.NewTracker(presence.Config{})
	defer tracker.Close()
	rec := &recorder{}
	tracker.Subscribe(rec.listen)

	tracker.SetTyping("c1", "buyer", true, time.Minute)
	tracker.SetTyping("c1", "buyer", true, time.Minute)
	tracker.SetTyping("c1", "buyer", false, 0)
	assert.False(t, tracker.IsTyping("c1", "buyer"))
	assert.Len(t, rec.snapshot(), 2, "refresh does not notify")
}

func TestHeartbeatTimeoutInfersOffline(t *testing.T) {
	tracker := presence.NewTracker(presence.Config{HeartbeatTimeout: 40 * time.Millisecond})
	defer tracker.Close()

	tracker.Heartbeat("seller")
	p, ok := tracker.Participant("seller")
	require.True(t, ok)
	assert.True(t, p.Online)
	assert.False(t, p.LastSeenAt.IsZero())

	assert.Eventually(t, func() bool {
		p, _ := tracker.Participant("seller")
		return !p.Online
	}, time.Second, 5*time.Millisecond)
}

func TestOfflineClearsTyping(t *testing.T) {
	tracker := presence.NewTracker(presence.Config{})
	defer tracker.Close()

	tracker.SetOnline("buyer", true)
	tracker.SetTyping("c1", "buyer", true, time.Minute)
	tracker.SetTyping("c2", "buyer", true, time.Minute)
	tracker.SetOnline("buyer", false)

	assert.Empty(t, tracker.Typing("c1"))
	assert.Empty(t, tracker.Typing("c2"))
}

func TestRegisterKeepsOnlineState(t *testing.T) {
	tracker := presence.NewTracker(presence.Config{})
	defer tracker.Close()
	tracker.SetOnline("buyer", true)
	tracker.Register(presence.Participant{ID: "buyer", DisplayName: "Alice", AvatarRef: "avatars/alice.png"})

	p, ok := tracker.Participant("buyer")
	require.True(t, ok)
	assert.True(t, p.Online)
	assert.Equal(t, "Alice", p.DisplayName)

	_, ok = tracker.Participant("nobody")
	assert.False(t, ok)
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	tracker := presence.NewTracker(presence.Config{})
	defer tracker.Close()
	rec := &recorder{}
	unsubscribe := tracker.Subscribe(rec.listen)
	tracker.SetOnline("buyer", true)
	unsubscribe()
	tracker.SetOnline("buyer", false)
	assert.Len(t, rec.snapshot(), 1)
}

func TestSecondDeviceKeepsParticipantOnline(t *testing.T) {
	tracker := presence.NewTracker(presence.Config{})
	defer tracker.Close()
	rec := &recorder{}
	tracker.Subscribe(rec.listen)

	tracker.Connect("buyer")
	tracker.Connect("buyer")
	assert.False(t, tracker.Disconnect("buyer"))
	p, ok := tracker.Participant("buyer")
	require.True(t, ok)
	assert.True(t, p.Online)

	assert.True(t, tracker.Disconnect("buyer"))
	p, _ = tracker.Participant("buyer")
	assert.False(t, p.Online)

	changes := rec.snapshot()
	require.Len(t, changes, 2)
	assert.True(t, changes[0].Online)
	assert.False(t, changes[1].Online)

	assert.True(t, tracker.Disconnect("buyer"))
}
