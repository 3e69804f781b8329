// Package consumer consome os comandos placeWager e settleSession (entrega
// at-least-once) com commit explícito: a mensagem só é confirmada depois de
// tratada, descartada como duplicada ou enviada para a DLQ.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/updown-settlement/internal/domain"
	"github.com/radieske/updown-settlement/internal/shared/kafka"
	"github.com/radieske/updown-settlement/internal/shared/lock"
	"github.com/radieske/updown-settlement/pkg/contracts/events"
)

// Resultados do processamento de uma mensagem (label de métrica)
const (
	ResultOK        = "ok"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
	ResultInvalid   = "invalid"
	ResultDLQ       = "dlq"
)

// Source é o subconjunto do *kafka.Reader usado pelo worker
type Source interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Sink é o subconjunto do *kafka.Writer usado para a DLQ
type Sink interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Handler executa o comando contido no envelope
type Handler interface {
	Handle(ctx context.Context, env events.Envelope) error
}

// Locker é o subconjunto do lock.Manager usado para deduplicação
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error)
}

// Worker consome um tópico. Campos On* são callbacks de métricas.
type Worker struct {
	Log     *zap.Logger
	Topic   string
	Source  Source
	DLQ     Sink // opcional
	Locks   Locker
	Handler Handler

	LockTTL time.Duration
	Retries int           // tentativas extras para erros de infraestrutura
	Backoff time.Duration // base do backoff exponencial

	OnConsumed func()       // métricas (counter++)
	OnResult   func(string) // métricas por resultado
}

func (w *Worker) defaults() {
	if w.Log == nil {
		w.Log = zap.NewNop()
	}
	if w.LockTTL <= 0 {
		w.LockTTL = 30 * time.Second
	}
	if w.Retries < 0 {
		w.Retries = 0
	}
	if w.Backoff <= 0 {
		w.Backoff = 300 * time.Millisecond
	}
}

// Run inicia o loop principal. Retorna nil quando ctx é cancelado e erro
// apenas quando uma mensagem não pôde ser tratada nem enviada à DLQ (sem commit,
// ela volta a ser entregue após o restart).
func (w *Worker) Run(ctx context.Context) error {
	w.defaults()
	w.Log.Info("queue worker started", zap.String("topic", w.Topic))
	for {
		msg, err := w.Source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Log.Warn("kafka fetch failed", zap.String("topic", w.Topic), zap.Error(err))
			if err := sleep(ctx, 500*time.Millisecond); err != nil {
				return nil
			}
			continue
		}
		if w.OnConsumed != nil {
			w.OnConsumed()
		}

		result, err := w.Process(ctx, msg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("topic %s offset %d: %w", msg.Topic, msg.Offset, err)
		}
		if w.OnResult != nil {
			w.OnResult(result)
		}
		if err := w.Source.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// sem commit a mensagem é reentregue; os guards de idempotência cobrem o replay
			w.Log.Warn("kafka commit failed", zap.String("topic", w.Topic), zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// Process trata uma mensagem e devolve o resultado. Erro só quando a mensagem
// não deve ser confirmada.
func (w *Worker) Process(ctx context.Context, msg kafka.Message) (string, error) {
	w.defaults()

	var env events.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil || env.DedupKey() == "" || !complete(env) {
		if err == nil {
			err = fmt.Errorf("%w: envelope without kind or id", domain.ErrValidation)
		}
		w.Log.Warn("invalid queue message", zap.String("topic", msg.Topic), zap.Int64("offset", msg.Offset), zap.Error(err))
		if derr := w.deadLetter(ctx, msg, err); derr != nil {
			return "", derr
		}
		return ResultInvalid, nil
	}
	log := w.Log.With(zap.String("kind", env.Kind), zap.String("dedup_key", env.DedupKey()))

	lease, err := w.Locks.Acquire(ctx, lock.QueueKey(env.DedupKey()), w.LockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		log.Debug("message already being handled, acking")
		return ResultDuplicate, nil
	}
	if err != nil {
		// sem lock não há como deduplicar; não confirma para tentar de novo
		return "", fmt.Errorf("dedup lock: %w", err)
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			log.Warn("dedup lock release failed", zap.Error(err))
		}
	}()

	err = w.handle(ctx, env)
	switch {
	case err == nil:
		return ResultOK, nil
	case errors.Is(err, domain.ErrLockHeld):
		log.Debug("handler already running elsewhere, acking", zap.Error(err))
		return ResultDuplicate, nil
	case domain.Classify(err) != domain.KindInfrastructure:
		log.Info("command rejected", zap.String("reason", domain.Classify(err).String()), zap.Error(err))
		return ResultRejected, nil
	}

	log.Error("command failed after retries, sending to dlq", zap.Error(err))
	if derr := w.deadLetter(ctx, msg, err); derr != nil {
		return "", derr
	}
	return ResultDLQ, nil
}

// handle repete o handler enquanto o erro for de infraestrutura
func (w *Worker) handle(ctx context.Context, env events.Envelope) error {
	var err error
	for attempt := 0; attempt <= w.Retries; attempt++ {
		if err = w.Handler.Handle(ctx, env); err == nil || domain.Classify(err) != domain.KindInfrastructure {
			return err
		}
		if attempt < w.Retries {
			w.Log.Warn("command failed, retrying", zap.String("kind", env.Kind), zap.Int("attempt", attempt+1), zap.Error(err))
			if serr := sleep(ctx, lock.Backoff(w.Backoff, attempt, 0)); serr != nil {
				return err
			}
		}
	}
	return err
}

func (w *Worker) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	if w.DLQ == nil {
		w.Log.Error("no dlq configured, dropping message", zap.String("topic", msg.Topic), zap.Int64("offset", msg.Offset))
		return nil
	}
	dead := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "error", Value: []byte(cause.Error())},
			{Key: "source_topic", Value: []byte(msg.Topic)},
		},
	}
	return lock.Retry(ctx, 3, w.Backoff, func(ctx context.Context) error {
		if err := w.DLQ.WriteMessages(ctx, dead); err != nil {
			return fmt.Errorf("dlq write: %w: %v", domain.ErrInfrastructure, err)
		}
		return nil
	})
}

func complete(env events.Envelope) bool {
	switch env.Kind {
	case events.KindPlaceWager:
		return env.TradeID != "" && len(env.Payload) > 0
	case events.KindSettleSession:
		return env.SessionID != ""
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
