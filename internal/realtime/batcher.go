package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Batcher junta as notificações de um mesmo usuário dentro de uma janela curta
// num único evento batch. A ordem de chegada é preservada.
type Batcher struct {
	pub    Publisher
	window time.Duration
	log    *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingBatch
}

type pendingBatch struct {
	events []Event
	timer  *time.Timer
}

// NewBatcher cria o batcher. window <= 0 publica cada evento imediatamente.
func NewBatcher(pub Publisher, window time.Duration, log *zap.Logger) *Batcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Batcher{pub: pub, window: window, log: log, pending: map[string]*pendingBatch{}}
}

func (b *Batcher) Notify(ctx context.Context, userID, kind string, payload any) error {
	ev, err := NewEvent(kind, payload)
	if err != nil {
		return err
	}
	if b.window <= 0 {
		return b.pub.Publish(ctx, UserRoom(userID), ev)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[userID]
	if !ok {
		p = &pendingBatch{}
		b.pending[userID] = p
		p.timer = time.AfterFunc(b.window, func() { b.flushUser(userID) })
	}
	p.events = append(p.events, ev)
	return nil
}

// Broadcast não é agrupado
func (b *Batcher) Broadcast(ctx context.Context, kind string, payload any) error {
	ev, err := NewEvent(kind, payload)
	if err != nil {
		return err
	}
	return b.pub.Publish(ctx, BroadcastRoom(), ev)
}

func (b *Batcher) flushUser(userID string) {
	b.mu.Lock()
	p, ok := b.pending[userID]
	delete(b.pending, userID)
	b.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.publish(ctx, userID, p.events)
}

func (b *Batcher) publish(ctx context.Context, userID string, events []Event) {
	if len(events) == 0 {
		return
	}
	ev := events[0]
	if len(events) > 1 {
		ev = Batch(events)
	}
	if err := b.pub.Publish(ctx, UserRoom(userID), ev); err != nil {
		b.log.Warn("realtime batch dropped", zap.String("user_id", userID), zap.Int("events", len(events)), zap.Error(err))
	}
}

// Flush publica imediatamente tudo o que está pendente (usado no shutdown)
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	pending := b.pending
	b.pending = map[string]*pendingBatch{}
	b.mu.Unlock()

	for userID, p := range pending {
		p.timer.Stop()
		b.publish(ctx, userID, p.events)
	}
}
