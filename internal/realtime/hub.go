package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/radieske/updown-settlement/internal/domain"
	"github.com/radieske/updown-settlement/internal/shared/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

// SnapshotFunc lê o saldo atual do usuário (fonte de verdade para reconexão)
type SnapshotFunc func(ctx context.Context, userID string) (domain.Balance, error)

// ClientMsg é o que o cliente pode enviar: {"type":"balance"} ou {"type":"ping"}
type ClientMsg struct {
	Type string `json:"type"`
}

// Hub mantém as conexões websocket agrupadas por usuário.
// Um usuário pode ter várias conexões; todas recebem os mesmos eventos.
type Hub struct {
	upgrader websocket.Upgrader
	snapshot SnapshotFunc
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	users map[string]map[*client]struct{}
}

type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// NewHub cria o hub com política de origem customizada (CORS)
func NewHub(snapshot SnapshotFunc, allowOrigin func(r *http.Request) bool, log *zap.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: allowOrigin},
		snapshot: snapshot,
		log:      log,
		metrics:  m,
		users:    make(map[string]map[*client]struct{}),
	}
}

// HandleWS atende GET /ws?userId=...; envia o snapshot de saldo assim que conecta
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: uuid.NewString(), userID: userID, conn: conn, send: make(chan []byte, sendBufferSize)}
	h.register(c)
	h.log.Debug("ws client connected", zap.String("user_id", userID), zap.String("conn_id", c.id))

	go h.writePump(c)
	h.pushSnapshot(r.Context(), c)
	h.readPump(r.Context(), c)

	h.unregister(c)
	h.log.Debug("ws client disconnected", zap.String("user_id", userID), zap.String("conn_id", c.id))
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.users, c.userID)
	}
	close(c.send)
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg ClientMsg
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		switch msg.Type {
		case "balance":
			h.pushSnapshot(ctx, c)
		case "ping":
			h.enqueue(c, Event{Kind: KindPong, At: time.Now().UTC()})
		default:
			ev, _ := NewEvent(KindError, map[string]string{"message": "unknown message type"})
			h.enqueue(c, ev)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) pushSnapshot(ctx context.Context, c *client) {
	if h.snapshot == nil {
		return
	}
	bal, err := h.snapshot(ctx, c.userID)
	if err != nil {
		h.log.Warn("balance snapshot failed", zap.String("user_id", c.userID), zap.Error(err))
		ev, _ := NewEvent(KindError, map[string]string{"message": "balance unavailable"})
		h.enqueue(c, ev)
		return
	}
	ev, err := NewEvent(KindBalance, bal)
	if err != nil {
		return
	}
	h.enqueue(c, ev)
}

// enqueue nunca bloqueia: cliente lento perde o evento e se recupera pelo snapshot
func (h *Hub) enqueue(c *client, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.users[c.userID][c]; !ok {
		return
	}
	h.send(c, ev)
}

// send exige h.mu (leitura) já adquirido
func (h *Hub) send(c *client, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
		h.metrics.Realtime("delivered")
	default:
		h.metrics.Realtime("dropped")
		h.log.Debug("ws dropping event for slow client", zap.String("user_id", c.userID), zap.String("type", ev.Kind))
	}
}

// Deliver entrega ev à sala; batches chegam ao cliente como eventos individuais em ordem
func (h *Hub) Deliver(room Room, ev Event) {
	events := ev.Expand()

	h.mu.RLock()
	defer h.mu.RUnlock()
	if userID, ok := room.UserID(); ok {
		for c := range h.users[userID] {
			for _, e := range events {
				h.send(c, e)
			}
		}
		return
	}
	if room != BroadcastRoom() {
		return
	}
	for _, set := range h.users {
		for c := range set {
			for _, e := range events {
				h.send(c, e)
			}
		}
	}
}

// Publish permite usar o hub como Publisher dentro do mesmo processo
func (h *Hub) Publish(_ context.Context, room Room, ev Event) error {
	h.Deliver(room, ev)
	return nil
}

// Connections retorna quantas conexões o usuário tem abertas
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Close encerra todas as conexões
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, set := range h.users {
		for c := range set {
			close(c.send)
		}
		delete(h.users, userID)
	}
}
