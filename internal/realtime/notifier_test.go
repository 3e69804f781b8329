package realtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radieske/updown-settlement/internal/realtime"
	"github.com/radieske/updown-settlement/internal/testutil"
)

type sink struct {
	mu  sync.Mutex
	got map[realtime.Room][]realtime.Event
}

func (s *sink) Deliver(room realtime.Room, ev realtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.got == nil {
		s.got = map[realtime.Room][]realtime.Event{}
	}
	s.got[room] = append(s.got[room], ev)
}

func (s *sink) events(room realtime.Room) []realtime.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.Event(nil), s.got[room]...)
}

func TestRedisNotifier_PublishesToUserChannel(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	ctx := context.Background()
	n := realtime.NewRedisNotifier(rdb, "rt", nil, nil)
	assert.Equal(t, "rt:user:u1", n.Channel(realtime.UserRoom("u1")))

	sub := rdb.Subscribe(ctx, "rt:user:u1")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Notify(ctx, "u1", realtime.KindBalance, map[string]int64{"available": 7}))

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"type":"balance"`)
		assert.Contains(t, msg.Payload, `"available":7`)
	case <-time.After(time.Second):
		t.Fatal("no message published")
	}
}

func TestSubscriber_RoutesRedisEventsToRooms(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &sink{}
	s := realtime.NewSubscriber(rdb, "rt", out, nil)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	n := realtime.NewRedisNotifier(rdb, "rt", nil, nil)
	// espera o PSUBSCRIBE ficar ativo: publica até alguém receber
	require.Eventually(t, func() bool {
		_ = n.Notify(ctx, "u1", realtime.KindBalance, nil)
		return len(out.events(realtime.UserRoom("u1"))) > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, n.Broadcast(ctx, realtime.KindSession, realtime.SessionPayload{SessionID: "s1", Status: "RESOLVING"}))
	require.Eventually(t, func() bool {
		return len(out.events(realtime.BroadcastRoom())) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, realtime.KindSession, out.events(realtime.BroadcastRoom())[0].Kind)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop")
	}
}
