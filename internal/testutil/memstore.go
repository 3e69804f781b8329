package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/radieske/updown-settlement/internal/domain"
)

// FaultFunc permite injetar falhas: recebe a operação ("InsertWager", "MarkWagerSettled", ...)
// e a chave (id da aposta, usuário ou sessão). Erro não nulo aborta a operação.
type FaultFunc func(op, key string) error

// MemStore é um domain.Store em memória para testes. Todas as operações são
// serializadas por um mutex; WithTx trabalha sobre uma cópia do estado e só a
// publica no commit, então um erro desfaz tudo o que a transação fez.
type MemStore struct {
	mu    sync.Mutex
	st    *memState
	fault FaultFunc
	txs   int
}

type memState struct {
	sessions  map[string]domain.Session
	wagers    map[string]domain.Wager
	ledgers   map[string]domain.Balance
	entries   []domain.LedgerEntry
	nextEntry int64
	escrows   map[string]memEscrow
}

// memEscrow é a reserva ativa (ou liberada) de uma aposta
type memEscrow struct {
	userID   string
	amount   int64
	released bool
}

func newState() *memState {
	return &memState{
		sessions: map[string]domain.Session{},
		wagers:   map[string]domain.Wager{},
		ledgers:  map[string]domain.Balance{},
		escrows:  map[string]memEscrow{},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		sessions:  make(map[string]domain.Session, len(s.sessions)),
		wagers:    make(map[string]domain.Wager, len(s.wagers)),
		ledgers:   make(map[string]domain.Balance, len(s.ledgers)),
		entries:   append([]domain.LedgerEntry(nil), s.entries...),
		nextEntry: s.nextEntry,
		escrows:   make(map[string]memEscrow, len(s.escrows)),
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.wagers {
		c.wagers[k] = v
	}
	for k, v := range s.ledgers {
		c.ledgers[k] = v
	}
	for k, v := range s.escrows {
		c.escrows[k] = v
	}
	return c
}

// NewMemStore cria um store vazio
func NewMemStore() *MemStore {
	return &MemStore{st: newState()}
}

// SetFault instala (ou remove, com nil) a função de injeção de falhas
func (m *MemStore) SetFault(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// Commits retorna quantas transações foram confirmadas
func (m *MemStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs
}

// Wagers retorna todas as apostas de uma sessão
func (m *MemStore) Wagers(sessionID string) []domain.Wager {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Wager
	for _, w := range m.st.wagers {
		if w.SessionID == sessionID {
			out = append(out, w)
		}
	}
	sortWagers(out)
	return out
}

func (m *MemStore) Ping(context.Context) error { return nil }

func (m *MemStore) WithTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.st.clone()
	if err := fn(&memTx{st: work, fault: m.fault}); err != nil {
		return err
	}
	m.st = work
	m.txs++
	return nil
}

// run executa uma operação em autocommit
func (m *MemStore) run(fn func(tx *memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.st.clone()
	if err := fn(&memTx{st: work, fault: m.fault}); err != nil {
		return err
	}
	m.st = work
	return nil
}

func (m *MemStore) OpenLedger(ctx context.Context, userID string, available int64) (created bool, err error) {
	err = m.run(func(tx *memTx) error { created, err = tx.OpenLedger(ctx, userID, available); return err })
	return created, err
}

func (m *MemStore) GetBalance(ctx context.Context, userID string) (b domain.Balance, err error) {
	err = m.run(func(tx *memTx) error { b, err = tx.GetBalance(ctx, userID); return err })
	return b, err
}

func (m *MemStore) Escrow(ctx context.Context, userID, wagerID string, amount int64) error {
	return m.run(func(tx *memTx) error { return tx.Escrow(ctx, userID, wagerID, amount) })
}

func (m *MemStore) ReleaseEscrow(ctx context.Context, userID, wagerID string, amount int64) error {
	return m.run(func(tx *memTx) error { return tx.ReleaseEscrow(ctx, userID, wagerID, amount) })
}

func (m *MemStore) SettleWin(ctx context.Context, userID, wagerID string, stake, profit int64) error {
	return m.run(func(tx *memTx) error { return tx.SettleWin(ctx, userID, wagerID, stake, profit) })
}

func (m *MemStore) SettleLose(ctx context.Context, userID, wagerID string, stake int64) error {
	return m.run(func(tx *memTx) error { return tx.SettleLose(ctx, userID, wagerID, stake) })
}

func (m *MemStore) ListEntries(ctx context.Context, userID string, limit int) (out []domain.LedgerEntry, err error) {
	err = m.run(func(tx *memTx) error { out, err = tx.ListEntries(ctx, userID, limit); return err })
	return out, err
}

func (m *MemStore) InsertWager(ctx context.Context, w *domain.Wager) error {
	return m.run(func(tx *memTx) error { return tx.InsertWager(ctx, w) })
}

func (m *MemStore) GetWager(ctx context.Context, id string) (w domain.Wager, err error) {
	err = m.run(func(tx *memTx) error { w, err = tx.GetWager(ctx, id); return err })
	return w, err
}

func (m *MemStore) CountPendingWagers(ctx context.Context, sessionID, userID string) (n int, err error) {
	err = m.run(func(tx *memTx) error { n, err = tx.CountPendingWagers(ctx, sessionID, userID); return err })
	return n, err
}

func (m *MemStore) ListUnappliedWagers(ctx context.Context, sessionID string) (out []domain.Wager, err error) {
	err = m.run(func(tx *memTx) error { out, err = tx.ListUnappliedWagers(ctx, sessionID); return err })
	return out, err
}

func (m *MemStore) MarkWagerSettled(ctx context.Context, s domain.Settlement, at time.Time) error {
	return m.run(func(tx *memTx) error { return tx.MarkWagerSettled(ctx, s, at) })
}

func (m *MemStore) MarkWagerFailed(ctx context.Context, wagerID, reason string) error {
	return m.run(func(tx *memTx) error { return tx.MarkWagerFailed(ctx, wagerID, reason) })
}

func (m *MemStore) RecordWagerError(ctx context.Context, wagerID, reason string) error {
	return m.run(func(tx *memTx) error { return tx.RecordWagerError(ctx, wagerID, reason) })
}

func (m *MemStore) CreateSession(ctx context.Context, s domain.Session) (created bool, err error) {
	err = m.run(func(tx *memTx) error { created, err = tx.CreateSession(ctx, s); return err })
	return created, err
}

func (m *MemStore) GetSession(ctx context.Context, id string) (s domain.Session, err error) {
	err = m.run(func(tx *memTx) error { s, err = tx.GetSession(ctx, id); return err })
	return s, err
}

func (m *MemStore) ListSessions(ctx context.Context, status domain.SessionStatus, endBefore time.Time, limit int) (out []domain.Session, err error) {
	err = m.run(func(tx *memTx) error { out, err = tx.ListSessions(ctx, status, endBefore, limit); return err })
	return out, err
}

func (m *MemStore) AssignOutcome(ctx context.Context, id string, outcome domain.Direction, source domain.OutcomeSource) (ok bool, err error) {
	err = m.run(func(tx *memTx) error { ok, err = tx.AssignOutcome(ctx, id, outcome, source); return err })
	return ok, err
}

func (m *MemStore) AdvanceSession(ctx context.Context, id string, from, to domain.SessionStatus, at time.Time) error {
	return m.run(func(tx *memTx) error { return tx.AdvanceSession(ctx, id, from, to, at) })
}

func (m *MemStore) AddWagerToSession(ctx context.Context, id string, dir domain.Direction, stake int64) error {
	return m.run(func(tx *memTx) error { return tx.AddWagerToSession(ctx, id, dir, stake) })
}

func (m *MemStore) SessionTotals(ctx context.Context, id string) (t domain.SessionTotals, err error) {
	err = m.run(func(tx *memTx) error { t, err = tx.SessionTotals(ctx, id); return err })
	return t, err
}

func (m *MemStore) CompleteSession(ctx context.Context, id string, totals domain.SessionTotals, at time.Time) error {
	return m.run(func(tx *memTx) error { return tx.CompleteSession(ctx, id, totals, at) })
}

var _ domain.Store = (*MemStore)(nil)

// memTx implementa domain.Tx sobre um estado já protegido pelo mutex do MemStore
type memTx struct {
	st    *memState
	fault FaultFunc
}

func (t *memTx) check(op, key string) error {
	if t.fault == nil {
		return nil
	}
	if err := t.fault(op, key); err != nil {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return nil
}

func (t *memTx) OpenLedger(_ context.Context, userID string, available int64) (bool, error) {
	if available < 0 {
		return false, fmt.Errorf("open ledger: %w", domain.ErrValidation)
	}
	if _, ok := t.st.ledgers[userID]; ok {
		return false, nil
	}
	t.st.ledgers[userID] = domain.Balance{UserID: userID, Available: available, UpdatedAt: time.Now().UTC()}
	t.journal(userID, "", domain.EntryOpen, available, 0)
	return true, nil
}

func (t *memTx) GetBalance(_ context.Context, userID string) (domain.Balance, error) {
	b, ok := t.st.ledgers[userID]
	if !ok {
		return domain.Balance{}, fmt.Errorf("get balance %s: %w", userID, domain.ErrNotFound)
	}
	return b, nil
}

func (t *memTx) apply(userID, wagerID string, kind domain.EntryKind, availDelta, escrowDelta int64) error {
	if err := t.check(string(kind), userID); err != nil {
		return err
	}
	b, ok := t.st.ledgers[userID]
	if !ok {
		return fmt.Errorf("ledger %s %s: %w", kind, userID, domain.ErrNotFound)
	}
	if b.Available+availDelta < 0 || b.Escrowed+escrowDelta < 0 {
		return fmt.Errorf("ledger %s %s: %w", kind, userID, domain.ErrInsufficientFunds)
	}
	b.Available += availDelta
	b.Escrowed += escrowDelta
	b.UpdatedAt = time.Now().UTC()
	t.st.ledgers[userID] = b
	t.journal(userID, wagerID, kind, availDelta, escrowDelta)
	return nil
}

func (t *memTx) journal(userID, wagerID string, kind domain.EntryKind, availDelta, escrowDelta int64) {
	t.st.nextEntry++
	t.st.entries = append(t.st.entries, domain.LedgerEntry{
		ID: t.st.nextEntry, UserID: userID, WagerID: wagerID, Kind: kind,
		AvailableDelta: availDelta, EscrowedDelta: escrowDelta, CreatedAt: time.Now().UTC(),
	})
}

func (t *memTx) Escrow(_ context.Context, userID, wagerID string, amount int64) error {
	if wagerID == "" {
		return t.apply(userID, wagerID, domain.EntryEscrow, -amount, amount)
	}
	if c, ok := t.st.escrows[wagerID]; ok {
		if c.userID != userID || (!c.released && c.amount != amount) {
			return fmt.Errorf("escrow claim %s: %w", wagerID, domain.ErrAlreadyExists)
		}
		if !c.released {
			return nil
		}
	}
	if err := t.apply(userID, wagerID, domain.EntryEscrow, -amount, amount); err != nil {
		return err
	}
	t.st.escrows[wagerID] = memEscrow{userID: userID, amount: amount}
	return nil
}

func (t *memTx) ReleaseEscrow(_ context.Context, userID, wagerID string, amount int64) error {
	if wagerID == "" {
		return t.apply(userID, wagerID, domain.EntryRelease, amount, -amount)
	}
	c, ok := t.st.escrows[wagerID]
	if !ok || c.userID != userID || c.amount != amount {
		return fmt.Errorf("escrow release %s: %w: no matching escrow", wagerID, domain.ErrNotFound)
	}
	if c.released {
		return nil
	}
	if err := t.apply(userID, wagerID, domain.EntryRelease, amount, -amount); err != nil {
		return err
	}
	c.released = true
	t.st.escrows[wagerID] = c
	return nil
}

func (t *memTx) SettleWin(_ context.Context, userID, wagerID string, stake, profit int64) error {
	return t.apply(userID, wagerID, domain.EntryWin, stake+profit, -stake)
}

func (t *memTx) SettleLose(_ context.Context, userID, wagerID string, stake int64) error {
	return t.apply(userID, wagerID, domain.EntryLose, 0, -stake)
}

func (t *memTx) ListEntries(_ context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for i := len(t.st.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if t.st.entries[i].UserID == userID {
			out = append(out, t.st.entries[i])
		}
	}
	return out, nil
}

func (t *memTx) InsertWager(_ context.Context, w *domain.Wager) error {
	if err := t.check("InsertWager", w.ID); err != nil {
		return err
	}
	if _, ok := t.st.wagers[w.ID]; ok {
		return fmt.Errorf("insert wager %s: %w", w.ID, domain.ErrAlreadyExists)
	}
	if _, ok := t.st.sessions[w.SessionID]; !ok {
		return fmt.Errorf("insert wager %s: session %s: %w", w.ID, w.SessionID, domain.ErrNotFound)
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	w.Status = domain.WagerPending
	w.AppliedToLedger = false
	t.st.wagers[w.ID] = *w
	return nil
}

func (t *memTx) GetWager(_ context.Context, id string) (domain.Wager, error) {
	w, ok := t.st.wagers[id]
	if !ok {
		return domain.Wager{}, fmt.Errorf("get wager %s: %w", id, domain.ErrNotFound)
	}
	return w, nil
}

func (t *memTx) CountPendingWagers(_ context.Context, sessionID, userID string) (int, error) {
	n := 0
	for _, w := range t.st.wagers {
		if w.SessionID == sessionID && w.UserID == userID && w.Status == domain.WagerPending {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListUnappliedWagers(_ context.Context, sessionID string) ([]domain.Wager, error) {
	if err := t.check("ListUnappliedWagers", sessionID); err != nil {
		return nil, err
	}
	var out []domain.Wager
	for _, w := range t.st.wagers {
		if w.SessionID == sessionID && w.Status == domain.WagerPending && !w.AppliedToLedger {
			out = append(out, w)
		}
	}
	sortWagers(out)
	return out, nil
}

func (t *memTx) MarkWagerSettled(_ context.Context, s domain.Settlement, at time.Time) error {
	if err := t.check("MarkWagerSettled", s.WagerID); err != nil {
		return err
	}
	w, ok := t.st.wagers[s.WagerID]
	if !ok || w.AppliedToLedger || w.Status != domain.WagerPending {
		return fmt.Errorf("mark wager settled %s: %w", s.WagerID, domain.ErrConflict)
	}
	w.Status = domain.WagerSettled
	w.AppliedToLedger = true
	w.Result = s.Result
	w.Profit = s.Profit
	w.Payout = s.Payout()
	w.LastError = ""
	settledAt := at
	w.SettledAt = &settledAt
	t.st.wagers[w.ID] = w
	return nil
}

func (t *memTx) MarkWagerFailed(_ context.Context, wagerID, reason string) error {
	w, ok := t.st.wagers[wagerID]
	if !ok || w.AppliedToLedger || w.Status != domain.WagerPending {
		return fmt.Errorf("mark wager failed %s: %w", wagerID, domain.ErrConflict)
	}
	w.Status = domain.WagerFailed
	w.LastError = reason
	t.st.wagers[wagerID] = w
	return nil
}

func (t *memTx) RecordWagerError(_ context.Context, wagerID, reason string) error {
	w, ok := t.st.wagers[wagerID]
	if !ok {
		return nil
	}
	w.LastError = reason
	t.st.wagers[wagerID] = w
	return nil
}

func (t *memTx) CreateSession(_ context.Context, s domain.Session) (bool, error) {
	if err := t.check("CreateSession", s.ID); err != nil {
		return false, err
	}
	if !s.EndTime.After(s.StartTime) {
		return false, fmt.Errorf("create session %s: %w", s.ID, domain.ErrValidation)
	}
	if _, ok := t.st.sessions[s.ID]; ok {
		return false, nil
	}
	s.Status = domain.SessionOpen
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	t.st.sessions[s.ID] = s
	return true, nil
}

func (t *memTx) GetSession(_ context.Context, id string) (domain.Session, error) {
	s, ok := t.st.sessions[id]
	if !ok {
		return domain.Session{}, fmt.Errorf("get session %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

func (t *memTx) ListSessions(_ context.Context, status domain.SessionStatus, endBefore time.Time, limit int) ([]domain.Session, error) {
	var out []domain.Session
	for _, s := range t.st.sessions {
		if s.Status == status && !s.EndTime.After(endBefore) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) AssignOutcome(_ context.Context, id string, outcome domain.Direction, source domain.OutcomeSource) (bool, error) {
	if !outcome.Valid() {
		return false, fmt.Errorf("assign outcome: %w", domain.ErrValidation)
	}
	s, ok := t.st.sessions[id]
	if !ok || s.HasOutcome() {
		return false, nil
	}
	s.Outcome = outcome
	s.OutcomeSource = source
	t.st.sessions[id] = s
	return true, nil
}

func (t *memTx) AdvanceSession(_ context.Context, id string, from, to domain.SessionStatus, at time.Time) error {
	if !from.CanAdvanceTo(to) {
		return fmt.Errorf("advance session %s: %w", id, domain.ErrValidation)
	}
	if err := t.check("AdvanceSession", id); err != nil {
		return err
	}
	s, ok := t.st.sessions[id]
	if !ok || s.Status != from {
		return fmt.Errorf("advance session %s: %w", id, domain.ErrConflict)
	}
	s.Status = to
	ts := at
	switch to {
	case domain.SessionResolving:
		s.ResolvedAt = &ts
	case domain.SessionSettled:
		s.SettledAt = &ts
	}
	t.st.sessions[id] = s
	return nil
}

func (t *memTx) AddWagerToSession(_ context.Context, id string, dir domain.Direction, stake int64) error {
	s, ok := t.st.sessions[id]
	if !ok || s.Status != domain.SessionOpen {
		return fmt.Errorf("add wager to session %s: %w", id, domain.ErrSessionNotOpen)
	}
	s.TotalWagers++
	if dir == domain.DirectionUp {
		s.TotalUpStake += stake
	} else {
		s.TotalDownStake += stake
	}
	t.st.sessions[id] = s
	return nil
}

func (t *memTx) SessionTotals(_ context.Context, id string) (domain.SessionTotals, error) {
	var tot domain.SessionTotals
	for _, w := range t.st.wagers {
		if w.SessionID != id || !w.AppliedToLedger {
			continue
		}
		tot.SettledWagers++
		switch w.Result {
		case domain.ResultWin:
			tot.WinTotal += w.Profit
		case domain.ResultLose:
			tot.LossTotal += w.Stake
		}
	}
	return tot, nil
}

func (t *memTx) CompleteSession(_ context.Context, id string, totals domain.SessionTotals, at time.Time) error {
	if err := t.check("CompleteSession", id); err != nil {
		return err
	}
	s, ok := t.st.sessions[id]
	if !ok || s.Status != domain.SessionResolving {
		return fmt.Errorf("complete session %s: %w", id, domain.ErrConflict)
	}
	s.Status = domain.SessionSettled
	s.SettledWagers = totals.SettledWagers
	s.WinTotal = totals.WinTotal
	s.LossTotal = totals.LossTotal
	ts := at
	s.SettledAt = &ts
	t.st.sessions[id] = s
	return nil
}

func sortWagers(ws []domain.Wager) {
	sort.Slice(ws, func(i, j int) bool {
		if !ws[i].CreatedAt.Equal(ws[j].CreatedAt) {
			return ws[i].CreatedAt.Before(ws[j].CreatedAt)
		}
		return ws[i].ID < ws[j].ID
	})
}
