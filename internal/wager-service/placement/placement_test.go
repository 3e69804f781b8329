package placement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radieske/updown-settlement/internal/domain"
	"github.com/radieske/updown-settlement/internal/realtime"
	"github.com/radieske/updown-settlement/internal/shared/lock"
	"github.com/radieske/updown-settlement/internal/testutil"
	"github.com/radieske/updown-settlement/internal/wager-service/placement"
	"github.com/radieske/updown-settlement/internal/wallet-service/ledger"
)

var now = time.Date(2026, 3, 10, 12, 0, 20, 0, time.UTC)

type notified struct {
	userID, kind string
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []notified
}

func (r *recordingNotifier) Notify(_ context.Context, userID, kind string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, notified{userID: userID, kind: kind})
	return nil
}

func (r *recordingNotifier) Broadcast(context.Context, string, any) error { return nil }

type fixture struct {
	st     *testutil.MemStore
	ledger *ledger.Ledger
	locks  *lock.Manager
	placer *placement.Placer
	notes  *recordingNotifier
}

func newFixture(t *testing.T, cfg placement.Config) *fixture {
	t.Helper()
	_, rdb := testutil.NewRedis(t)
	st := testutil.NewMemStore()
	l := ledger.New(st, decimal.Decimal{}, nil)
	locks := lock.NewManager(rdb, nil, nil)
	notes := &recordingNotifier{}
	p := placement.New(st, l, locks, notes, cfg, nil, nil)
	p.SetClock(func() time.Time { return now })
	return &fixture{st: st, ledger: l, locks: locks, placer: p, notes: notes}
}

func (f *fixture) openSession(t *testing.T, start time.Time) string {
	t.Helper()
	id := domain.SessionIDFor(start)
	_, err := f.st.CreateSession(context.Background(), domain.Session{
		ID: id, StartTime: start, EndTime: start.Add(time.Minute),
		Outcome: domain.DirectionUp, OutcomeSource: domain.OutcomeScheduled,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.ledger.Open(context.Background(), userID, amount)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string) domain.Balance {
	t.Helper()
	b, err := f.ledger.Snapshot(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func current() time.Time { return now.Truncate(time.Minute) }

func TestPlace_EscrowsStakeAndRecordsPendingWager(t *testing.T) {
	f := newFixture(t, placement.Config{})
	sid := f.openSession(t, current())
	f.fund(t, "u1", 1_000_000)

	w, err := f.placer.Place(context.Background(), placement.Request{
		UserID: "u1", SessionID: sid, Direction: domain.DirectionUp, Stake: 100_000,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)
	assert.Equal(t, domain.WagerPending, w.Status)
	assert.False(t, w.AppliedToLedger)

	b := f.balance(t, "u1")
	assert.Equal(t, int64(900_000), b.Available)
	assert.Equal(t, int64(100_000), b.Escrowed)
	assert.Equal(t, int64(1_000_000), b.Available+b.Escrowed)

	sess, err := f.st.GetSession(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.TotalWagers)
	assert.Equal(t, int64(100_000), sess.TotalUpStake)
	assert.Zero(t, sess.TotalDownStake)

	assert.Equal(t, []notified{{"u1", realtime.KindWagerPlaced}, {"u1", realtime.KindBalance}}, f.notes.got)
}

func TestPlace_Validation(t *testing.T) {
	f := newFixture(t, placement.Config{MinStake: 10})
	sid := f.openSession(t, current())
	f.fund(t, "u1", 1_000)

	tests := []struct {
		name string
		req  placement.Request
	}{
		{"missing user", placement.Request{SessionID: sid, Direction: domain.DirectionUp, Stake: 10}},
		{"missing session", placement.Request{UserID: "u1", Direction: domain.DirectionUp, Stake: 10}},
		{"bad direction", placement.Request{UserID: "u1", SessionID: sid, Direction: "SIDEWAYS", Stake: 10}},
		{"stake below minimum", placement.Request{UserID: "u1", SessionID: sid, Direction: domain.DirectionDown, Stake: 9}},
		{"zero stake", placement.Request{UserID: "u1", SessionID: sid, Direction: domain.DirectionDown}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.placer.Place(context.Background(), tc.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Equal(t, domain.KindValidation, domain.Classify(err))
		})
	}
	assert.Equal(t, int64(1_000), f.balance(t, "u1").Available)
}

func TestPlace_SessionChecks(t *testing.T) {
	f := newFixture(t, placement.Config{})
	f.fund(t, "u1", 1_000)
	ctx := context.Background()

	_, err := f.placer.Place(ctx, placement.Request{UserID: "u1", SessionID: "209901010000", Direction: domain.DirectionUp, Stake: 10})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	resolving := f.openSession(t, current().Add(-5*time.Minute))
	require.NoError(t, f.st.AdvanceSession(ctx, resolving, domain.SessionOpen, domain.SessionResolving, now))
	_, err = f.placer.Place(ctx, placement.Request{UserID: "u1", SessionID: resolving, Direction: domain.DirectionUp, Stake: 10})
	assert.ErrorIs(t, err, domain.ErrSessionNotOpen)

	var expired []string
	f.placer.OnExpired(func(_ context.Context, id string) { expired = append(expired, id) })
	ended := f.openSession(t, current().Add(-time.Minute))
	_, err = f.placer.Place(ctx, placement.Request{UserID: "u1", SessionID: ended, Direction: domain.DirectionUp, Stake: 10})
	assert.ErrorIs(t, err, domain.ErrSessionEnded)
	assert.Equal(t, []string{ended}, expired)

	b := f.balance(t, "u1")
	assert.Equal(t, int64(1_000), b.Available)
	assert.Zero(t, b.Escrowed)
}

func TestPlace_PendingCap(t *testing.T) {
	f := newFixture(t, placement.Config{MaxPending: 5})
	sid := f.openSession(t, current())
	f.fund(t, "u1", 1_000)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.placer.Place(ctx, placement.Request{UserID: "u1", SessionID: sid, Direction: domain.DirectionDown, Stake: 10})
		require.NoError(t, err)
	}
	_, err := f.placer.Place(ctx, placement.Request{UserID: "u1", SessionID: sid, Direction: domain.DirectionDown, Stake: 10})
	assert.ErrorIs(t, err, domain.ErrWagerCapReached)

	// o limite é por usuário
	f.fund(t, "u2", 100)
	_, err = f.placer.Place(ctx, placement.Request{UserID: "u2", SessionID: sid, Direction: domain.DirectionUp, Stake: 10})
	assert.NoError(t, err)

	b := f.balance(t, "u1")
	assert.Equal(t, int64(950), b.Available)
	assert.Equal(t, int64(50), b.Escrowed)
}

func TestPlace_InsufficientFundsLeavesNoWager(t *testing.T) {
	f := newFixture(t, placement.Config{})
	sid := f.openSession(t, current())
	f.fund(t, "u1", 99)

	_, err := f.placer.Place(context.Background(), placement.Request{UserID: "u1", SessionID: sid, Direction: domain.DirectionUp, Stake: 100})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, domain.KindInsufficientFunds, domain.Classify(err))
	assert.Empty(t, f.st.Wagers(sid))
}

func TestPlace_ConcurrentFullBalanceOneWins(t *testing.T) {
	f := newFixture(t, placement.Config{})
	s1 := f.openSession(t, current())
	s2 := f.openSession(t, current().Add(time.Minute))
	f.fund(t, "u1", 500)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, sid := range []string{s1, s2} {
		wg.Add(1)
		go func(i int, sid string) {
			defer wg.Done()
			_, errs[i] = f.placer.Place(context.Background(), placement.Request{UserID: "u1", SessionID: sid, Direction: domain.DirectionUp, Stake: 500})
		}(i, sid)
	}
	wg.Wait()

	okCount := 0
	for _, err := range errs {
		if err == nil {
			okCount++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	}
	assert.Equal(t, 1, okCount)

	b := f.balance(t, "u1")
	assert.Zero(t, b.Available)
	assert.Equal(t, int64(500), b.Escrowed)
}

func TestPlace_CompensatesWhenInsertFails(t *testing.T) {
	f := newFixture(t, placement.Config{LockBackoff: time.Millisecond})
	sid := f.openSession(t, current())
	f.fund(t, "u1", 1_000)
	f.st.SetFault(func(op, _ string) error {
		if op == "InsertWager" {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	_, err := f.placer.Place(context.Background(), placement.Request{UserID: "u1", SessionID: sid, Direction: domain.DirectionUp, Stake: 300})
	require.Error(t, err)
	assert.Equal(t, domain.KindInfrastructure, domain.Classify(err))

	b := f.balance(t, "u1")
	assert.Equal(t, int64(1_000), b.Available)
	assert.Zero(t, b.Escrowed)
	assert.Empty(t, f.st.Wagers(sid))

	sess, _ := f.st.GetSession(context.Background(), sid)
	assert.Zero(t, sess.TotalWagers, "session counters roll back with the insert")

	entries, err := f.ledger.Entries(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.EntryRelease, entries[0].Kind)
	assert.Equal(t, domain.EntryEscrow, entries[1].Kind)
}

func TestPlace_CompensationFailureKeepsEscrow(t *testing.T) {
	f := newFixture(t, placement.Config{LockBackoff: time.Millisecond, CompensationAttempts: 2})
	sid := f.openSession(t, current())
	f.fund(t, "u1", 1_000)
	f.st.SetFault(func(op, _ string) error {
		if op == "InsertWager" || op == string(domain.EntryRelease) {
			return errors.New("database unavailable")
		}
		return nil
	})

	_, err := f.placer.Place(context.Background(), placement.Request{UserID: "u1", SessionID: sid, Direction: domain.DirectionUp, Stake: 300})
	require.Error(t, err)

	b := f.balance(t, "u1")
	assert.Equal(t, int64(700), b.Available)
	assert.Equal(t, int64(300), b.Escrowed)
}

func TestPlace_RetryAfterStuckEscrowDoesNotEscrowTwice(t *testing.T) {
	f := newFixture(t, placement.Config{LockBackoff: time.Millisecond, CompensationAttempts: 2})
	sid := f.openSession(t, current())
	f.fund(t, "u1", 1_000)
	ctx := context.Background()
	req := placement.Request{WagerID: "trade-1", UserID: "u1", SessionID: sid, Direction: domain.DirectionUp, Stake: 300}

	f.st.SetFault(func(op, _ string) error {
		if op == "InsertWager" || op == string(domain.EntryRelease) {
			return errors.New("database unavailable")
		}
		return nil
	})
	_, err := f.placer.Place(ctx, req)
	require.Error(t, err)

	f.st.SetFault(nil)
	w, err := f.placer.Place(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "trade-1", w.ID)

	assert.Len(t, f.st.Wagers(sid), 1)
	b := f.balance(t, "u1")
	assert.Equal(t, int64(700), b.Available)
	assert.Equal(t, int64(300), b.Escrowed)

	entries, err := f.ledger.Entries(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EntryEscrow, entries[0].Kind)
}

func TestPlace_RetryAfterCompensationEscrowsAgain(t *testing.T) {
	f := newFixture(t, placement.Config{LockBackoff: time.Millisecond})
	sid := f.openSession(t, current())
	f.fund(t, "u1", 1_000)
	ctx := context.Background()
	req := placement.Request{WagerID: "trade-2", UserID: "u1", SessionID: sid, Direction: domain.DirectionDown, Stake: 250}

	f.st.SetFault(func(op, _ string) error {
		if op == "InsertWager" {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	_, err := f.placer.Place(ctx, req)
	require.Error(t, err)
	assert.Zero(t, f.balance(t, "u1").Escrowed)

	f.st.SetFault(nil)
	_, err = f.placer.Place(ctx, req)
	require.NoError(t, err)

	b := f.balance(t, "u1")
	assert.Equal(t, int64(750), b.Available)
	assert.Equal(t, int64(250), b.Escrowed)
}

// closingStore fecha a sessão logo depois do escrow, simulando o fechamento
// concorrente entre a leitura da sessão e a gravação da aposta
type closingStore struct {
	*testutil.MemStore
	sessionID string
}

func (s *closingStore) Escrow(ctx context.Context, userID, wagerID string, amount int64) error {
	if err := s.MemStore.Escrow(ctx, userID, wagerID, amount); err != nil {
		return err
	}
	return s.AdvanceSession(ctx, s.sessionID, domain.SessionOpen, domain.SessionResolving, now)
}

func TestPlace_SessionClosedAfterEscrowIsCompensated(t *testing.T) {
	st := testutil.NewMemStore()
	_, rdb := testutil.NewRedis(t)
	ctx := context.Background()

	start := current()
	sid := domain.SessionIDFor(start)
	_, err := st.CreateSession(ctx, domain.Session{
		ID: sid, StartTime: start, EndTime: start.Add(time.Minute),
		Outcome: domain.DirectionUp, OutcomeSource: domain.OutcomeScheduled,
	})
	require.NoError(t, err)

	racing := &closingStore{MemStore: st, sessionID: sid}
	l := ledger.New(racing, decimal.Decimal{}, nil)
	_, err = l.Open(ctx, "u1", 1_000)
	require.NoError(t, err)
	p := placement.New(racing, l, lock.NewManager(rdb, nil, nil), &recordingNotifier{}, placement.Config{LockBackoff: time.Millisecond}, nil, nil)
	p.SetClock(func() time.Time { return now })

	_, err = p.Place(ctx, placement.Request{UserID: "u1", SessionID: sid, Direction: domain.DirectionUp, Stake: 400})
	assert.ErrorIs(t, err, domain.ErrSessionNotOpen)

	assert.Empty(t, st.Wagers(sid))
	b, err := l.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), b.Available)
	assert.Zero(t, b.Escrowed)

	sess, err := st.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionResolving, sess.Status)
	assert.Zero(t, sess.TotalWagers)
}

func TestPlace_ConcurrentFullBalanceSameSessionOneWins(t *testing.T) {
	f := newFixture(t, placement.Config{LockAttempts: 200, LockBackoff: time.Millisecond})
	sid := f.openSession(t, current())
	f.fund(t, "u1", 500)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.placer.Place(context.Background(), placement.Request{UserID: "u1", SessionID: sid, Direction: domain.DirectionUp, Stake: 500})
		}(i)
	}
	wg.Wait()

	okCount := 0
	for _, err := range errs {
		if err == nil {
			okCount++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	}
	assert.Equal(t, 1, okCount)
	assert.Len(t, f.st.Wagers(sid), 1)

	b := f.balance(t, "u1")
	assert.Zero(t, b.Available)
	assert.Equal(t, int64(500), b.Escrowed)
}

func TestPlace_ReplayWithSameWagerID(t *testing.T) {
	f := newFixture(t, placement.Config{})
	sid := f.openSession(t, current())
	f.fund(t, "u1", 1_000)
	f.fund(t, "u2", 1_000)
	ctx := context.Background()
	req := placement.Request{WagerID: "trade-1", UserID: "u1", SessionID: sid, Direction: domain.DirectionUp, Stake: 100}

	first, err := f.placer.Place(ctx, req)
	require.NoError(t, err)
	second, err := f.placer.Place(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	b := f.balance(t, "u1")
	assert.Equal(t, int64(900), b.Available)
	assert.Equal(t, int64(100), b.Escrowed)
	assert.Len(t, f.st.Wagers(sid), 1)

	_, err = f.placer.Place(ctx, placement.Request{WagerID: "trade-1", UserID: "u2", SessionID: sid, Direction: domain.DirectionUp, Stake: 100})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestPlace_LockHeldByAnotherRequest(t *testing.T) {
	f := newFixture(t, placement.Config{LockAttempts: 2, LockBackoff: time.Millisecond})
	sid := f.openSession(t, current())
	f.fund(t, "u1", 1_000)

	lease, err := f.locks.Acquire(context.Background(), lock.UserSessionKey("u1", sid), time.Minute)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	_, err = f.placer.Place(context.Background(), placement.Request{UserID: "u1", SessionID: sid, Direction: domain.DirectionUp, Stake: 10})
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Equal(t, int64(1_000), f.balance(t, "u1").Available)
}
