package consumer_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radieske/updown-settlement/internal/domain"
	"github.com/radieske/updown-settlement/internal/settlement-worker/consumer"
	"github.com/radieske/updown-settlement/internal/shared/kafka"
	"github.com/radieske/updown-settlement/internal/shared/lock"
	"github.com/radieske/updown-settlement/internal/testutil"
	"github.com/radieske/updown-settlement/pkg/contracts/events"
)

type fakeSource struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (s *fakeSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *fakeSource) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.committed = append(s.committed, m.Offset)
	}
	return nil
}

func (s *fakeSource) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

type fakeSink struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (s *fakeSink) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msgs...)
	return nil
}

type handlerFunc func(ctx context.Context, env events.Envelope) error

func (f handlerFunc) Handle(ctx context.Context, env events.Envelope) error { return f(ctx, env) }

func settleMsg(t *testing.T, offset int64, sessionID string) kafka.Message {
	t.Helper()
	env, err := events.NewEnvelope(events.KindSettleSession, sessionID, "", events.SettleSession{SessionID: sessionID})
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return kafka.Message{Topic: "settle_session", Offset: offset, Key: []byte(sessionID), Value: b}
}

func newWorker(t *testing.T, h consumer.Handler) (*consumer.Worker, *lock.Manager, *fakeSink) {
	t.Helper()
	_, rdb := testutil.NewRedis(t)
	locks := lock.NewManager(rdb, nil, nil)
	dlq := &fakeSink{}
	return &consumer.Worker{
		Topic:   "settle_session",
		DLQ:     dlq,
		Locks:   locks,
		Handler: h,
		Retries: 2,
		Backoff: time.Millisecond,
	}, locks, dlq
}

func TestProcess_HandlesMessage(t *testing.T) {
	calls := 0
	w, _, dlq := newWorker(t, handlerFunc(func(_ context.Context, env events.Envelope) error {
		calls++
		assert.Equal(t, "202603101200", env.SessionID)
		return nil
	}))

	res, err := w.Process(context.Background(), settleMsg(t, 1, "202603101200"))
	require.NoError(t, err)
	assert.Equal(t, consumer.ResultOK, res)
	assert.Equal(t, 1, calls)
	assert.Empty(t, dlq.msgs)
}

func TestProcess_LockDeniedAcksWithoutWork(t *testing.T) {
	calls := 0
	w, locks, _ := newWorker(t, handlerFunc(func(context.Context, events.Envelope) error {
		calls++
		return nil
	}))
	ctx := context.Background()
	lease, err := locks.Acquire(ctx, lock.QueueKey("session:s1"), time.Minute)
	require.NoError(t, err)
	defer lease.Release(ctx)

	res, err := w.Process(ctx, settleMsg(t, 1, "s1"))
	require.NoError(t, err)
	assert.Equal(t, consumer.ResultDuplicate, res)
	assert.Zero(t, calls)
}

func TestProcess_BusinessErrorsAreAckedNotRetried(t *testing.T) {
	for _, bizErr := range []error{domain.ErrAlreadySettled, domain.ErrNotYetEnded, domain.ErrInsufficientFunds} {
		calls := 0
		w, _, dlq := newWorker(t, handlerFunc(func(context.Context, events.Envelope) error {
			calls++
			return bizErr
		}))
		res, err := w.Process(context.Background(), settleMsg(t, 1, "s1"))
		require.NoError(t, err)
		assert.Equal(t, consumer.ResultRejected, res, bizErr.Error())
		assert.Equal(t, 1, calls)
		assert.Empty(t, dlq.msgs)
	}
}

func TestProcess_HandlerLockHeldCountsAsDuplicate(t *testing.T) {
	w, _, _ := newWorker(t, handlerFunc(func(context.Context, events.Envelope) error {
		return domain.ErrLockHeld
	}))
	res, err := w.Process(context.Background(), settleMsg(t, 1, "s1"))
	require.NoError(t, err)
	assert.Equal(t, consumer.ResultDuplicate, res)
}

func TestProcess_InfrastructureRetriesThenSucceeds(t *testing.T) {
	calls := 0
	w, _, dlq := newWorker(t, handlerFunc(func(context.Context, events.Envelope) error {
		calls++
		if calls < 2 {
			return errors.New("connection refused")
		}
		return nil
	}))
	res, err := w.Process(context.Background(), settleMsg(t, 1, "s1"))
	require.NoError(t, err)
	assert.Equal(t, consumer.ResultOK, res)
	assert.Equal(t, 2, calls)
	assert.Empty(t, dlq.msgs)
}

func TestProcess_InfrastructureExhaustedGoesToDLQ(t *testing.T) {
	calls := 0
	w, _, dlq := newWorker(t, handlerFunc(func(context.Context, events.Envelope) error {
		calls++
		return domain.ErrInfrastructure
	}))
	msg := settleMsg(t, 7, "s1")
	res, err := w.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, consumer.ResultDLQ, res)
	assert.Equal(t, 3, calls)

	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, msg.Value, dlq.msgs[0].Value)
	assert.Equal(t, "error", dlq.msgs[0].Headers[0].Key)
	assert.Equal(t, "settle_session", string(dlq.msgs[0].Headers[1].Value))
}

func TestProcess_InvalidMessageGoesToDLQ(t *testing.T) {
	w, _, dlq := newWorker(t, handlerFunc(func(context.Context, events.Envelope) error {
		t.Fatal("handler must not run")
		return nil
	}))
	for i, raw := range []string{`not json`, `{"kind":"placeWager"}`, `{"kind":"other","sessionId":"s1"}`} {
		res, err := w.Process(context.Background(), kafka.Message{Offset: int64(i), Value: []byte(raw)})
		require.NoError(t, err)
		assert.Equal(t, consumer.ResultInvalid, res)
	}
	assert.Len(t, dlq.msgs, 3)
}

func TestRun_CommitsEachMessageAndStopsOnCancel(t *testing.T) {
	w, _, _ := newWorker(t, handlerFunc(func(context.Context, events.Envelope) error { return nil }))
	src := &fakeSource{msgs: []kafka.Message{settleMsg(t, 1, "a"), settleMsg(t, 2, "b"), {Offset: 3, Value: []byte("{")}}}
	w.Source = src
	var mu sync.Mutex
	results := map[string]int{}
	w.OnResult = func(r string) {
		mu.Lock()
		defer mu.Unlock()
		results[r]++
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(src.commits()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, src.commits())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{consumer.ResultOK: 2, consumer.ResultInvalid: 1}, results)
}

func TestRun_StopsWithoutCommitWhenDLQUnavailable(t *testing.T) {
	w, _, dlq := newWorker(t, handlerFunc(func(context.Context, events.Envelope) error {
		return domain.ErrInfrastructure
	}))
	dlq.err = errors.New("broker down")
	src := &fakeSource{msgs: []kafka.Message{settleMsg(t, 9, "s1")}}
	w.Source = src

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, src.commits())
}
