// Package lock implementa exclusão mútua nomeada e com TTL sobre Redis.
// O lock só reduz contenção e trabalho duplicado; os invariantes de saldo
// continuam garantidos pelas atualizações condicionais no banco.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radieske/updown-settlement/internal/domain"
	"github.com/radieske/updown-settlement/internal/shared/metrics"
)

// releaseLua apaga a chave somente se o token ainda for o do dono,
// evitando que um holder expirado libere o lock de outro.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Manager adquire e libera locks nomeados
type Manager struct {
	rdb     *redis.Client
	release *redis.Script
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewManager cria o gerenciador sobre um cliente Redis já conectado
func NewManager(rdb *redis.Client, log *zap.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		rdb:     rdb,
		release: redis.NewScript(releaseLua),
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// Lease representa um lock concedido
type Lease struct {
	Name      string
	ExpiresAt time.Time

	token    string
	mgr      *Manager
	released atomic.Bool
}

func redisKey(name string) string { return "lock:" + name }

// Acquire faz um único SET NX PX. Retorna domain.ErrLockHeld quando outro
// processo já detém o lock ("alguém já está cuidando disso").
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if name == "" || ttl <= 0 {
		return nil, fmt.Errorf("acquire lock: %w: name and ttl are required", domain.ErrValidation)
	}
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, redisKey(name), token, ttl).Result()
	if err != nil {
		m.metrics.Lock("error")
		return nil, fmt.Errorf("acquire lock %s: %w: %v", name, domain.ErrInfrastructure, err)
	}
	if !ok {
		m.metrics.Lock("denied")
		return nil, fmt.Errorf("acquire lock %s: %w", name, domain.ErrLockHeld)
	}
	m.metrics.Lock("granted")
	return &Lease{Name: name, ExpiresAt: m.now().Add(ttl), token: token, mgr: m}, nil
}

// AcquireWithRetry tenta até maxAttempts vezes com backoff exponencial.
// Esgotadas as tentativas, retorna o último erro (ErrLockHeld ou infraestrutura).
func (m *Manager) AcquireWithRetry(ctx context.Context, name string, ttl time.Duration, maxAttempts int, backoff time.Duration) (*Lease, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lease, err := m.Acquire(ctx, name, ttl)
		if err == nil {
			return lease, nil
		}
		if errors.Is(err, domain.ErrValidation) {
			return nil, err
		}
		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}
		if err := sleep(ctx, Backoff(backoff, attempt, ttl)); err != nil {
			return nil, err
		}
	}
	m.log.Debug("lock not acquired", zap.String("lock", name), zap.Int("attempts", maxAttempts), zap.Error(lastErr))
	return nil, lastErr
}

// Release libera o lock. Idempotente: chamadas repetidas ou após a expiração não fazem nada.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return nil
	}
	// contexto próprio para liberar mesmo se o do chamador já foi cancelado
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.release.Run(rctx, m.rdb, []string{redisKey(l.Name)}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w: %v", l.Name, domain.ErrInfrastructure, err)
	}
	return nil
}

// Release libera o lease no gerenciador que o concedeu
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.mgr.Release(ctx, l)
}

// WithLock executa fn segurando o lock name; ErrLockHeld se não conseguir adquirir.
func (m *Manager) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := m.Acquire(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			m.log.Warn("lock release failed", zap.String("lock", name), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// Backoff calcula a espera da tentativa attempt (base * 2^attempt, com jitter), limitada por max.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << attempt
	if d <= 0 || (max > 0 && d > max) {
		d = max
	}
	if half := d / 2; half > 0 {
		d = half + rand.N(half)
	}
	return d
}

// Retry repete fn enquanto o erro for transitório (infraestrutura ou conflito).
func Retry(ctx context.Context, attempts int, base time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !domain.Retryable(err) {
			return err
		}
		if i < attempts-1 {
			if serr := sleep(ctx, Backoff(base, i, 0)); serr != nil {
				return err
			}
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
