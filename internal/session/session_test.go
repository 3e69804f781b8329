package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radieske/updown-settlement/internal/domain"
	"github.com/radieske/updown-settlement/internal/session"
	"github.com/radieske/updown-settlement/internal/shared/lock"
	"github.com/radieske/updown-settlement/internal/testutil"
)

var now = time.Date(2026, 3, 10, 12, 0, 30, 0, time.UTC)

type dispatched struct {
	sessionID, reason string
}

type dispatchLog struct {
	mu  sync.Mutex
	got []dispatched
}

func (d *dispatchLog) fn() session.DispatchFunc {
	return func(_ context.Context, sessionID, reason string) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.got = append(d.got, dispatched{sessionID, reason})
		return nil
	}
}

func (d *dispatchLog) all() []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatched(nil), d.got...)
}

type fixture struct {
	st       *testutil.MemStore
	locks    *lock.Manager
	machine  *session.Machine
	dispatch *dispatchLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	_, rdb := testutil.NewRedis(t)
	st := testutil.NewMemStore()
	locks := lock.NewManager(rdb, nil, nil)
	d := &dispatchLog{}
	m := session.NewMachine(st, locks, d.fn(), nil, time.Minute, nil, nil)
	m.SetClock(func() time.Time { return now })
	return &fixture{st: st, locks: locks, machine: m, dispatch: d}
}

func (f *fixture) create(t *testing.T, start time.Time, outcome domain.Direction) string {
	t.Helper()
	id := domain.SessionIDFor(start)
	src := domain.OutcomeScheduled
	if outcome == "" {
		src = ""
	}
	_, err := f.st.CreateSession(context.Background(), domain.Session{
		ID: id, StartTime: start, EndTime: start.Add(time.Minute), Outcome: outcome, OutcomeSource: src,
	})
	require.NoError(t, err)
	return id
}

func window(offset int) time.Time {
	return now.Truncate(time.Minute).Add(time.Duration(offset) * time.Minute)
}

func TestDeterministicOutcome(t *testing.T) {
	seen := map[domain.Direction]bool{}
	for i := 0; i < 20; i++ {
		id := domain.SessionIDFor(window(i))
		d := session.DeterministicOutcome(id)
		assert.True(t, d.Valid())
		assert.Equal(t, d, session.DeterministicOutcome(id))
		seen[d] = true
	}
	assert.Len(t, seen, 2)
}

func TestRandomOutcome(t *testing.T) {
	d := session.RandomOutcome{}.Outcome("202603101200")
	assert.True(t, d.Valid())
}

func TestScheduler_EnsureUpcomingIsIdempotent(t *testing.T) {
	f := newFixture(t)
	calls := 0
	outcomes := session.OutcomeFunc(func(string) domain.Direction {
		calls++
		return domain.DirectionDown
	})
	s := session.NewScheduler(f.st, f.locks, outcomes, time.Minute, 3, 0, nil, nil)
	ctx := context.Background()

	got, err := s.EnsureUpcoming(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, domain.SessionIDFor(window(0)), got[0].ID)
	assert.Equal(t, domain.SessionIDFor(window(3)), got[3].ID)

	for _, sess := range got {
		stored, err := f.st.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionOpen, stored.Status)
		assert.Equal(t, domain.DirectionDown, stored.Outcome)
		assert.Equal(t, domain.OutcomeScheduled, stored.OutcomeSource)
		assert.Equal(t, time.Minute, stored.EndTime.Sub(stored.StartTime))
	}

	again, err := s.EnsureUpcoming(ctx, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Len(t, again, 4)
	assert.Equal(t, 8, calls)
	stored, _ := f.st.GetSession(ctx, got[0].ID)
	assert.Equal(t, domain.DirectionDown, stored.Outcome)
}

func TestScheduler_SkipsWhenAnotherInstanceHoldsLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lease, err := f.locks.Acquire(ctx, lock.PregenKey, time.Minute)
	require.NoError(t, err)
	defer lease.Release(ctx)

	s := session.NewScheduler(f.st, f.locks, nil, time.Minute, 2, 0, nil, nil)
	got, err := s.EnsureUpcoming(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, got)
	_, err = f.st.GetSession(ctx, domain.SessionIDFor(window(0)))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type ttlRecorder struct {
	*lock.Manager
	ttls []time.Duration
}

func (r *ttlRecorder) Acquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error) {
	r.ttls = append(r.ttls, ttl)
	return r.Manager.Acquire(ctx, name, ttl)
}

func TestScheduler_PregenLockTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &ttlRecorder{Manager: f.locks}
	_, err := session.NewScheduler(f.st, rec, nil, time.Minute, 0, 7*time.Second, nil, nil).EnsureUpcoming(ctx, now)
	require.NoError(t, err)
	_, err = session.NewScheduler(f.st, rec, nil, time.Minute, 0, 0, nil, nil).EnsureUpcoming(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{7 * time.Second, 30 * time.Second}, rec.ttls)
}

func TestAdvance_NotEndedStaysOpen(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, window(0), domain.DirectionUp)

	sess, err := f.machine.Advance(context.Background(), id, session.DriverPoller)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionOpen, sess.Status)
	assert.Empty(t, f.dispatch.all())
}

func TestAdvance_EndedMovesToResolvingAndDispatches(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, window(-1), domain.DirectionUp)

	sess, err := f.machine.Advance(context.Background(), id, session.DriverTimer)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionResolving, sess.Status)
	require.NotNil(t, sess.ResolvedAt)
	assert.Equal(t, []dispatched{{id, session.DriverTimer}}, f.dispatch.all())

	// segunda observação do fim da janela não faz nada
	sess, err = f.machine.Advance(context.Background(), id, session.DriverPoller)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionResolving, sess.Status)
	assert.Len(t, f.dispatch.all(), 1)
}

func TestAdvance_ConcurrentDriversTransitionOnce(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, window(-1), domain.DirectionDown)

	drivers := []string{session.DriverPoller, session.DriverTimer, session.DriverRequest}
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(driver string) {
			defer wg.Done()
			_, err := f.machine.Advance(context.Background(), id, driver)
			assert.NoError(t, err)
		}(drivers[i%len(drivers)])
	}
	wg.Wait()

	assert.Len(t, f.dispatch.all(), 1)
	sess, _ := f.st.GetSession(context.Background(), id)
	assert.Equal(t, domain.SessionResolving, sess.Status)
}

func TestAdvance_FallbackOutcomeWhenMissing(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, window(-2), "")

	sess, err := f.machine.Advance(context.Background(), id, session.DriverPoller)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionResolving, sess.Status)
	assert.Equal(t, session.DeterministicOutcome(id), sess.Outcome)
	assert.Equal(t, domain.OutcomeFallback, sess.OutcomeSource)

	stored, _ := f.st.GetSession(context.Background(), id)
	assert.Equal(t, domain.OutcomeFallback, stored.OutcomeSource)
	assert.Equal(t, sess.Outcome, stored.Outcome)
}

func TestState_HidesOutcomeWhileOpen(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, window(0), domain.DirectionUp)

	st, err := f.machine.State(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionOpen, st.Status)
	assert.Empty(t, st.Outcome)
	assert.Equal(t, 30*time.Second, st.TimeLeft)
}

func TestState_InlineTransitionAfterEnd(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, window(-1), domain.DirectionUp)

	st, err := f.machine.State(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionResolving, st.Status)
	assert.Equal(t, domain.DirectionUp, st.Outcome)
	assert.Zero(t, st.TimeLeft)
	assert.Equal(t, []dispatched{{id, session.DriverRequest}}, f.dispatch.all())
}

func TestState_Errors(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.State(context.Background(), "not-a-session")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.machine.State(context.Background(), domain.SessionIDFor(window(50)))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPoller_TickAdvancesOverdueAndRedrivesStuck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	overdue := f.create(t, window(-1), domain.DirectionUp)
	open := f.create(t, window(0), domain.DirectionUp)
	stuck := f.create(t, window(-5), domain.DirectionDown)
	require.NoError(t, f.st.AdvanceSession(ctx, stuck, domain.SessionOpen, domain.SessionResolving, now.Add(-4*time.Minute)))

	p := session.NewPoller(f.machine, nil, f.st, session.PollerConfig{RedriveAfter: 30 * time.Second}, nil)
	p.SetClock(func() time.Time { return now })
	p.Tick(ctx)

	got := f.dispatch.all()
	assert.ElementsMatch(t, []dispatched{
		{overdue, session.DriverPoller},
		{stuck, session.DriverRedrive},
	}, got)

	s, _ := f.st.GetSession(ctx, open)
	assert.Equal(t, domain.SessionOpen, s.Status)
}

func TestPoller_GeneratesSessions(t *testing.T) {
	f := newFixture(t)
	s := session.NewScheduler(f.st, f.locks, nil, time.Minute, 2, 0, nil, nil)
	p := session.NewPoller(f.machine, s, f.st, session.PollerConfig{}, nil)
	p.SetClock(func() time.Time { return now })
	p.Tick(context.Background())

	for i := 0; i <= 2; i++ {
		_, err := f.st.GetSession(context.Background(), domain.SessionIDFor(window(i)))
		assert.NoError(t, err)
	}
}

func TestScheduleTimers_FiresAtEndTime(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	st := testutil.NewMemStore()
	d := &dispatchLog{}
	m := session.NewMachine(st, lock.NewManager(rdb, nil, nil), d.fn(), nil, time.Minute, nil, nil)

	start := time.Now().Add(-time.Minute + 50*time.Millisecond)
	sess := domain.Session{ID: "timer-session", StartTime: start, EndTime: start.Add(time.Minute), Outcome: domain.DirectionUp}
	_, err := st.CreateSession(context.Background(), sess)
	require.NoError(t, err)
	sess.Status = domain.SessionOpen

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Equal(t, 1, m.ScheduleTimers(ctx, []domain.Session{sess}))
	assert.Equal(t, 0, m.ScheduleTimers(ctx, []domain.Session{sess}), "already armed")

	require.Eventually(t, func() bool { return len(d.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.DriverTimer, d.all()[0].reason)
	m.StopTimers()
}
