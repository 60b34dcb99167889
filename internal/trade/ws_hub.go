package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/fcash-engine/internal/metrics"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WSMessage is a market update pushed to WebSocket clients. Decimals are
// strings.
type WSMessage struct {
	Type        string `json:"type"`
	CurrencyID  uint16 `json:"currency_id"`
	Maturity    int64  `json:"maturity"`
	Ticker      string `json:"ticker,omitempty"`
	ImpliedRate string `json:"implied_rate"`
	TotalFCash  string `json:"total_fcash"`
	TotalCash   string `json:"total_cash"`
	FCash       string `json:"fcash,omitempty"` // trade size, fCash to the account
}

type wsEvent struct {
	currencyID uint16
	data       []byte
}

// wsClient is one connection. A zero currencyID receives every currency.
type wsClient struct {
	conn       *websocket.Conn
	currencyID uint16
}

func (c *wsClient) wants(currencyID uint16) bool {
	return c.currencyID == 0 || c.currencyID == currencyID
}

// WSHub fans market updates out to connected clients, optionally filtered
// to one currency per client.
type WSHub struct {
	mu         sync.RWMutex
	clients    map[*websocket.Conn]*wsClient
	events     chan wsEvent
	register   chan *wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]*wsClient),
		events:     make(chan wsEvent, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run owns the client set until ctx is done, then closes every client.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]*wsClient)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			h.mu.Unlock()
			slog.Info("ws client connected", "currency", c.currencyID, "total", h.ClientCount())

		case conn := <-h.unregister:
			h.drop(conn)

		case ev := <-h.events:
			h.deliver(ev)
		}
		metrics.WebSocketClients.Set(float64(h.ClientCount()))
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// deliver writes ev to interested clients. Data frames are only written
// here, on the Run goroutine. The ping loop uses WriteControl, which
// gorilla/websocket allows concurrently with every other method.
func (h *WSHub) deliver(ev wsEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, c := range h.clients {
		if !c.wants(ev.currencyID) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, ev.data); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// Broadcast queues msg for the clients following its currency. It never
// blocks; updates are dropped while the queue is full.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.events <- wsEvent{currencyID: msg.CurrencyID, data: data}:
	default:
		slog.Warn("ws update dropped", "type", msg.Type, "currency", msg.CurrencyID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. An
// optional ?currency_id= limits the stream to one currency.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var currencyID uint16
	if v := r.URL.Query().Get("currency_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			writeError(w, "invalid currency id", http.StatusBadRequest)
			return
		}
		currencyID = uint16(id)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	select {
	case h.register <- &wsClient{conn: conn, currencyID: currencyID}:
	case <-h.done:
		conn.Close()
		return
	}

	go h.readPump(conn)
	go h.pingLoop(conn)
}

// readPump discards client messages and unregisters on disconnect.
func (h *WSHub) readPump(conn *websocket.Conn) {
	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.done:
		}
	}()
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		h.mu.RLock()
		_, ok := h.clients[conn]
		h.mu.RUnlock()
		if !ok {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
			return
		}
	}
}
