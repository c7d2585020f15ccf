package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/domain/lifecycle"
)

func newTestHub(t *testing.T, opts ...HubOption) (*Hub, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]HubOption{WithClock(clock.Now)}, opts...)
	return NewHub(DefaultHubConfig(), tokenVerifier{}, opts...), clock
}

// connect 建立会话，token 非空时同时认证
func connect(t *testing.T, h *Hub, token string) (entity.SessionID, *ChannelTransport) {
	t.Helper()
	tr := NewChannelTransport(64)
	id, err := h.Connect(tr)
	require.NoError(t, err)
	if token != "" {
		identity, err := h.Authenticate(context.Background(), id, token)
		require.NoError(t, err)
		require.Equal(t, entity.Identity(token), identity)
	}
	return id, tr
}

func publish(t *testing.T, h *Hub, kind entity.EventKind, scope entity.Scope) {
	t.Helper()
	ev, err := entity.NewEvent(kind, scope, "", map[string]string{"k": "v"})
	require.NoError(t, err)
	h.Publish(context.Background(), ev)
}

func TestHub_DirectMessageReachesAllDevicesOfBothParticipants(t *testing.T) {
	h, _ := newTestHub(t)
	_, t1 := connect(t, h, "U1")
	_, t2 := connect(t, h, "U1")
	_, t3 := connect(t, h, "U2")
	_, other := connect(t, h, "U3")

	publish(t, h, entity.EventNewMessage, entity.Direct("U1", "U2"))

	for _, tr := range []*ChannelTransport{t1, t2, t3} {
		assert.Len(t, eventsOf(t, tr, entity.EventNewMessage), 1)
	}
	assert.Empty(t, eventsOf(t, other, entity.EventNewMessage))
}

func TestHub_GroupMessageOnlyReachesSubscribers(t *testing.T) {
	h, _ := newTestHub(t)
	s1, t1 := connect(t, h, "U1")
	_, t2 := connect(t, h, "U1")
	_, t3 := connect(t, h, "U2")

	require.NoError(t, h.Subscribe(context.Background(), s1, entity.Group("g1")))
	publish(t, h, entity.EventGroupMessage, entity.Group("g1"))

	assert.Len(t, eventsOf(t, t1, entity.EventGroupMessage), 1)
	assert.Empty(t, eventsOf(t, t2, entity.EventGroupMessage))
	assert.Empty(t, eventsOf(t, t3, entity.EventGroupMessage))
}

func TestHub_DisconnectedSessionStopsReceiving(t *testing.T) {
	h, clock := newTestHub(t)
	ctx := context.Background()
	_, t1 := connect(t, h, "U1")
	_, t2 := connect(t, h, "U1")
	s3, t3 := connect(t, h, "U2")

	clock.Advance(time.Minute)
	require.NoError(t, h.Disconnect(ctx, s3, lifecycle.EventDisconnect))

	assert.Empty(t, h.LiveSessionsFor("U2"))
	rec := h.GetPresence(ctx, "U2")
	assert.Equal(t, entity.PresenceStatusOffline, rec.Status)
	assert.Equal(t, clock.Now(), rec.LastSeenAt)

	ev, err := entity.NewEvent(entity.EventNewMessage, entity.Direct("U1", "U2"), "U1", nil)
	require.NoError(t, err)
	report := h.Publish(ctx, ev)
	assert.Equal(t, 2, report.Targeted)
	assert.Equal(t, 2, report.Delivered)

	assert.Len(t, eventsOf(t, t1, entity.EventNewMessage), 1)
	assert.Len(t, eventsOf(t, t2, entity.EventNewMessage), 1)
	assert.ErrorIs(t, t3.Send([]byte("x")), entity.ErrSessionClosed)
}

func TestHub_ClosingSessionsUpdatesPresence(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	const n = 4
	ids := make([]entity.SessionID, 0, n)
	for i := 0; i < n; i++ {
		id, _ := connect(t, h, "U1")
		ids = append(ids, id)
	}

	for i, id := range ids {
		require.NoError(t, h.Disconnect(ctx, id, lifecycle.EventDisconnect))
		left := n - i - 1
		assert.Len(t, h.LiveSessionsFor("U1"), left)

		rec := h.GetPresence(ctx, "U1")
		if left > 0 {
			assert.Equal(t, entity.PresenceStatusOnline, rec.Status)
		} else {
			assert.Equal(t, entity.PresenceStatusOffline, rec.Status)
		}
	}
}

func TestHub_DisconnectLeavesNoScopes(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	s1, _ := connect(t, h, "U1")
	s2, _ := connect(t, h, "U2")

	for _, g := range []string{"g1", "g2"} {
		require.NoError(t, h.Subscribe(ctx, s1, entity.Group(g)))
	}
	require.NoError(t, h.Subscribe(ctx, s2, entity.Group("g1")))
	require.NoError(t, h.Disconnect(ctx, s1, lifecycle.EventLogout))

	for _, sc := range []entity.Scope{entity.Group("g1"), entity.Group("g2"), entity.Broadcast()} {
		assert.NotContains(t, h.MembersOf(sc), s1)
	}
	assert.Equal(t, []entity.SessionID{s2}, h.MembersOf(entity.Group("g1")))
	assert.Equal(t, 2, h.Stats().Scopes)

	assert.ErrorIs(t, h.Disconnect(ctx, s1, lifecycle.EventDisconnect), entity.ErrUnknownSession)
	assert.ErrorIs(t, h.Heartbeat(s1), entity.ErrUnknownSession)
	assert.ErrorIs(t, h.Unsubscribe(ctx, s1, entity.Group("g1")), entity.ErrUnknownSession)
}

func TestHub_PublishToEmptyScope(t *testing.T) {
	h, _ := newTestHub(t)
	_, tr := connect(t, h, "U1")

	ev, err := entity.NewEvent(entity.EventGroupMessage, entity.Group("nobody"), "", nil)
	require.NoError(t, err)
	report := h.Publish(context.Background(), ev)

	assert.Zero(t, report.Targeted)
	assert.Empty(t, eventsOf(t, tr, entity.EventGroupMessage))
}

func TestHub_SubscribeGroupTwice(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	s1, _ := connect(t, h, "U1")

	require.NoError(t, h.Subscribe(ctx, s1, entity.Group("g1")))
	require.NoError(t, h.Subscribe(ctx, s1, entity.Group("g1")))
	assert.Len(t, h.MembersOf(entity.Group("g1")), 1)

	require.NoError(t, h.Unsubscribe(ctx, s1, entity.Group("g1")))
	require.NoError(t, h.Unsubscribe(ctx, s1, entity.Group("g1")))
	assert.Empty(t, h.MembersOf(entity.Group("g1")))

	assert.ErrorIs(t, h.Subscribe(ctx, s1, entity.Group("")), entity.ErrInvalidScope)
}

func TestHub_SubscribeGroupChecksDirectory(t *testing.T) {
	h, _ := newTestHub(t, WithGroupDirectory(fakeGroups{"g1": {"U1"}}))
	ctx := context.Background()
	anon, _ := connect(t, h, "")
	s1, _ := connect(t, h, "U1")
	s2, _ := connect(t, h, "U2")

	assert.ErrorIs(t, h.Subscribe(ctx, anon, entity.Group("g1")), entity.ErrUnauthenticated)
	assert.ErrorIs(t, h.Subscribe(ctx, s2, entity.Group("g1")), entity.ErrNotGroupMember)
	require.NoError(t, h.Subscribe(ctx, s1, entity.Group("g1")))
	assert.ErrorIs(t, h.Subscribe(ctx, "missing", entity.Group("g1")), entity.ErrUnknownSession)

	assert.Equal(t, []entity.SessionID{s1}, h.MembersOf(entity.Group("g1")))
}

func TestHub_Authenticate(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	id, _ := connect(t, h, "")

	s, err := h.Session(id)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.StateUnauthenticated), s.State)
	assert.Empty(t, s.Identity)

	_, err = h.Authenticate(ctx, id, "bad")
	assert.ErrorIs(t, err, entity.ErrUnauthenticated)

	identity, err := h.Authenticate(ctx, id, "U1")
	require.NoError(t, err)
	assert.Equal(t, entity.Identity("U1"), identity)

	s, err = h.Session(id)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.StateAuthenticated), s.State)

	_, err = h.Authenticate(ctx, id, "U1")
	assert.NoError(t, err)
	_, err = h.Authenticate(ctx, id, "U2")
	assert.ErrorIs(t, err, entity.ErrAlreadyAuthenticated)

	got, err := h.IdentityOf(id)
	require.NoError(t, err)
	assert.Equal(t, entity.Identity("U1"), got)

	_, err = h.Authenticate(ctx, "missing", "U1")
	assert.ErrorIs(t, err, entity.ErrUnknownSession)
	_, err = h.Session("missing")
	assert.ErrorIs(t, err, entity.ErrUnknownSession)
}

func TestHub_AuthenticateWithoutVerifier(t *testing.T) {
	h := NewHub(DefaultHubConfig(), nil)
	id, err := h.Connect(NewChannelTransport(4))
	require.NoError(t, err)

	_, err = h.Authenticate(context.Background(), id, "U1")
	assert.ErrorIs(t, err, entity.ErrUnauthenticated)
	assert.ErrorIs(t, h.Bind(context.Background(), id, ""), entity.ErrUnauthenticated)
}

func TestHub_DisconnectRejectsInvalidReason(t *testing.T) {
	h, _ := newTestHub(t)
	id, _ := connect(t, h, "U1")

	err := h.Disconnect(context.Background(), id, lifecycle.EventAuthenticate)
	assert.ErrorIs(t, err, entity.ErrInvalidTransition)
	assert.Len(t, h.LiveSessionsFor("U1"), 1)
}

func TestHub_PresenceEventsAreOrdered(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	_, watcher := connect(t, h, "")

	s1, _ := connect(t, h, "U1")
	require.NoError(t, h.Disconnect(ctx, s1, lifecycle.EventDisconnect))
	connect(t, h, "U1")

	events := presencePayloads(t, eventsOf(t, watcher, entity.EventPresenceChanged))
	require.Len(t, events, 3)
	want := []entity.PresenceStatus{entity.PresenceStatusOnline, entity.PresenceStatusOffline, entity.PresenceStatusOnline}
	for i, ev := range events {
		assert.Equal(t, entity.Identity("U1"), ev.Identity)
		assert.Equal(t, want[i], ev.NewStatus)
		assert.Equal(t, uint64(i+1), ev.Version)
	}
}

func TestHub_SetStatus(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	_, watcher := connect(t, h, "")
	connect(t, h, "U1")
	watcher.Drain()

	custom := "lunch"
	require.NoError(t, h.SetStatus(ctx, "U1", entity.PresenceStatusAway, &custom))

	events := presencePayloads(t, eventsOf(t, watcher, entity.EventPresenceChanged))
	require.Len(t, events, 1)
	assert.Equal(t, entity.PresenceStatusAway, events[0].NewStatus)
	assert.Equal(t, "lunch", events[0].CustomStatus)

	rec := h.GetPresence(ctx, "U1")
	assert.Equal(t, entity.PresenceStatusAway, rec.Status)
	assert.Equal(t, "lunch", rec.CustomStatus)

	assert.ErrorIs(t, h.SetStatus(ctx, "U1", "invisible", nil), entity.ErrInvalidStatus)

	// 离线时设置的状态在下次上线时生效
	require.NoError(t, h.SetStatus(ctx, "U2", entity.PresenceStatusBusy, nil))
	assert.Equal(t, entity.PresenceStatusOffline, h.GetPresence(ctx, "U2").Status)
	connect(t, h, "U2")
	assert.Equal(t, entity.PresenceStatusBusy, h.GetPresence(ctx, "U2").Status)
}

func TestHub_ContactsAudience(t *testing.T) {
	cfg := DefaultHubConfig()
	cfg.PresenceAudience = AudienceContacts
	h := NewHub(cfg, tokenVerifier{}, WithContactDirectory(fakeContacts{"U1": {"U2"}}))

	_, friend := connect(t, h, "U2")
	_, stranger := connect(t, h, "U3")
	friend.Drain()
	stranger.Drain()

	_, self := connect(t, h, "U1")

	got := presencePayloads(t, eventsOf(t, friend, entity.EventPresenceChanged))
	require.Len(t, got, 1)
	assert.Equal(t, entity.Identity("U1"), got[0].Identity)
	assert.Len(t, eventsOf(t, self, entity.EventPresenceChanged), 1)
	assert.Empty(t, eventsOf(t, stranger, entity.EventPresenceChanged))
}

func TestHub_PresenceLog(t *testing.T) {
	stored := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	log := &fakePresenceLog{stored: map[entity.Identity]*entity.PresenceRecord{
		"U9": {Identity: "U9", Status: entity.PresenceStatusOffline, LastSeenAt: stored, CustomStatus: "gone"},
	}}
	h, clock := newTestHub(t, WithPresenceLog(log))
	ctx := context.Background()

	id, _ := connect(t, h, "U1")
	clock.Advance(time.Hour)
	require.NoError(t, h.Disconnect(ctx, id, lifecycle.EventDisconnect))

	require.Len(t, log.records, 2)
	assert.Equal(t, entity.PresenceStatusOnline, log.records[0].Status)
	assert.Equal(t, entity.PresenceStatusOffline, log.records[1].Status)
	assert.Equal(t, clock.Now(), log.records[1].LastSeenAt)

	rec := h.GetPresence(ctx, "U9")
	assert.Equal(t, entity.PresenceStatusOffline, rec.Status)
	assert.Equal(t, stored, rec.LastSeenAt)
	assert.Equal(t, "gone", rec.CustomStatus)

	recs := h.GetPresences(ctx, []entity.Identity{"U1", "U9", "U404"})
	require.Len(t, recs, 3)
	assert.True(t, recs["U404"].LastSeenAt.IsZero())
}

func TestHub_ReapExpiredSessions(t *testing.T) {
	h, clock := newTestHub(t)
	ctx := context.Background()
	stale, _ := connect(t, h, "U1")
	fresh, _ := connect(t, h, "U2")

	clock.Advance(60 * time.Second)
	require.NoError(t, h.Heartbeat(fresh))
	clock.Advance(40 * time.Second)

	assert.Equal(t, 1, h.Reap(ctx))
	_, err := h.Session(stale)
	assert.ErrorIs(t, err, entity.ErrUnknownSession)
	_, err = h.Session(fresh)
	assert.NoError(t, err)
	assert.Equal(t, entity.PresenceStatusOffline, h.GetPresence(ctx, "U1").Status)
}

func TestHub_RunReapsUntilCancelled(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultHubConfig()
	cfg.CheckInterval = 5 * time.Millisecond
	h := NewHub(cfg, tokenVerifier{}, WithClock(clock.Now))
	connect(t, h, "U1")
	clock.Advance(2 * cfg.HeartbeatTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return h.Stats().Sessions == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHub_ShutdownRejectsNewConnections(t *testing.T) {
	m := NewMetrics()
	h, _ := newTestHub(t, WithMetrics(m))
	ctx := context.Background()
	_, t1 := connect(t, h, "U1")
	connect(t, h, "")

	h.Shutdown(ctx)
	assert.Zero(t, h.Stats().Sessions)
	assert.ErrorIs(t, t1.Send([]byte("x")), entity.ErrSessionClosed)

	tr := NewChannelTransport(4)
	_, err := h.Connect(tr)
	assert.ErrorIs(t, err, entity.ErrSessionClosed)
	assert.ErrorIs(t, tr.Send([]byte("x")), entity.ErrSessionClosed)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.handshakes.WithLabelValues("failed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.handshakes.WithLabelValues("ok")))
}

func TestHub_FailHandshake(t *testing.T) {
	m := NewMetrics()
	h, _ := newTestHub(t, WithMetrics(m))
	tr := NewChannelTransport(1)

	h.FailHandshake(tr, fmt.Errorf("bad upgrade"))
	h.FailHandshake(nil, fmt.Errorf("no transport"))

	assert.ErrorIs(t, tr.Send([]byte("x")), entity.ErrSessionClosed)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.handshakes.WithLabelValues("failed")))
	assert.Zero(t, h.Stats().Sessions)
}

func TestHub_Stats(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	s1, _ := connect(t, h, "U1")
	connect(t, h, "U1")
	connect(t, h, "")
	require.NoError(t, h.Subscribe(ctx, s1, entity.Group("g1")))

	stats := h.Stats()
	assert.Equal(t, 3, stats.Sessions)
	assert.Equal(t, 1, stats.Identities)
	assert.Equal(t, 2, stats.Scopes)
	assert.Positive(t, stats.Published)
}

func TestHub_ConcurrentConnectPublishDisconnect(t *testing.T) {
	h := NewHub(DefaultHubConfig(), tokenVerifier{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := fmt.Sprintf("U%d", i%5)
			id, err := h.Connect(NewChannelTransport(8))
			if !assert.NoError(t, err) {
				return
			}
			_, err = h.Authenticate(ctx, id, token)
			assert.NoError(t, err)
			_ = h.Subscribe(ctx, id, entity.Group("g"))

			ev, err := entity.NewEvent(entity.EventGroupMessage, entity.Group("g"), entity.Identity(token), nil)
			if assert.NoError(t, err) {
				h.Publish(ctx, ev)
			}
			assert.NoError(t, h.Disconnect(ctx, id, lifecycle.EventDisconnect))
		}(i)
	}
	wg.Wait()

	stats := h.Stats()
	assert.Zero(t, stats.Sessions)
	assert.Zero(t, stats.Identities)
	assert.Zero(t, stats.Scopes)
	for i := 0; i < 5; i++ {
		rec := h.GetPresence(ctx, entity.Identity(fmt.Sprintf("U%d", i)))
		assert.Equal(t, entity.PresenceStatusOffline, rec.Status)
	}
}

func TestHub_InvisibleDisconnectRecordsLastSeen(t *testing.T) {
	log := &fakePresenceLog{}
	h, clock := newTestHub(t, WithPresenceLog(log))
	ctx := context.Background()
	_, watcher := connect(t, h, "")

	id, _ := connect(t, h, "U1")
	require.NoError(t, h.SetStatus(ctx, "U1", entity.PresenceStatusOffline, nil))
	watcher.Drain()

	clock.Advance(time.Hour)
	require.NoError(t, h.Disconnect(ctx, id, lifecycle.EventDisconnect))

	require.Len(t, log.records, 3)
	last := log.records[2]
	assert.Equal(t, entity.PresenceStatusOffline, last.Status)
	assert.Equal(t, clock.Now(), last.LastSeenAt)

	events := presencePayloads(t, eventsOf(t, watcher, entity.EventPresenceChanged))
	require.Len(t, events, 1)
	assert.Equal(t, clock.Now(), events[0].LastSeenAt)
	assert.Equal(t, clock.Now(), h.GetPresence(ctx, "U1").LastSeenAt)
}

func TestHub_ReapRechecksHeartbeatBeforeClosing(t *testing.T) {
	h, clock := newTestHub(t)
	ctx := context.Background()
	id, _ := connect(t, h, "U1")

	clock.Advance(100 * time.Second)
	// 取出超时列表之后、关闭之前收到心跳
	require.NoError(t, h.Heartbeat(id))

	closed, err := h.disconnect(ctx, id, lifecycle.EventHeartbeatTimeout, true)
	require.NoError(t, err)
	assert.False(t, closed)
	_, err = h.Session(id)
	assert.NoError(t, err)
	assert.Equal(t, entity.PresenceStatusOnline, h.GetPresence(ctx, "U1").Status)

	clock.Advance(100 * time.Second)
	closed, err = h.disconnect(ctx, id, lifecycle.EventHeartbeatTimeout, true)
	require.NoError(t, err)
	assert.True(t, closed)
	_, err = h.Session(id)
	assert.ErrorIs(t, err, entity.ErrUnknownSession)
}

func TestHub_ReapEvictsLongOfflinePresence(t *testing.T) {
	h, clock := newTestHub(t)
	ctx := context.Background()
	watcherID, watcher := connect(t, h, "")

	id, _ := connect(t, h, "U1")
	require.NoError(t, h.Disconnect(ctx, id, lifecycle.EventDisconnect))
	watcher.Drain()

	clock.Advance(5 * time.Minute)
	require.NoError(t, h.Heartbeat(watcherID))
	h.Reap(ctx)
	assert.Equal(t, 1, h.presence.Len())

	clock.Advance(6 * time.Minute)
	require.NoError(t, h.Heartbeat(watcherID))
	h.Reap(ctx)
	assert.Zero(t, h.presence.Len())
	h.presenceMu.Lock()
	assert.Empty(t, h.presencePublished)
	h.presenceMu.Unlock()

	// 清理后重新上线的事件不会被当成旧版本丢弃
	connect(t, h, "U1")
	events := presencePayloads(t, eventsOf(t, watcher, entity.EventPresenceChanged))
	require.Len(t, events, 1)
	assert.Equal(t, entity.PresenceStatusOnline, events[0].NewStatus)
	assert.Equal(t, uint64(1), events[0].Version)
}

func TestHub_BindRejectsIdentityWithSeparator(t *testing.T) {
	h, _ := newTestHub(t)
	id, _ := connect(t, h, "")

	err := h.Bind(context.Background(), id, "a|b")
	assert.ErrorIs(t, err, entity.ErrUnauthenticated)
	assert.Zero(t, h.Stats().Identities)
}
