package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/robproject/lre-sendes/pkg/acquisition"
	"go.uber.org/zap"
)

// writeWait bounds each event write so a stalled client cannot hold up a run.
const writeWait = 5 * time.Second

const (
	EventRead   = "read"
	EventDone   = "done"
	EventFailed = "failed"
)

// Event is what /ws subscribers receive while a run is in flight.
type Event struct {
	Type    string                       `json:"type"`
	RunID   string                       `json:"run_id"`
	Read    *acquisition.ReadDiagnostics `json:"read,omitempty"`
	Summary *acquisition.Summary         `json:"summary,omitempty"`
	Error   string                       `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub broadcasts run progress to websocket clients. It is an
// acquisition.Progress.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
	// gorilla connections allow a single concurrent writer
	writeMu   sync.Mutex
	writeWait time.Duration
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[*websocket.Conn]bool), writeWait: writeWait}
}

func (h *Hub) ReadDone(d acquisition.ReadDiagnostics) {
	h.Broadcast(Event{Type: EventRead, RunID: d.RunID, Read: &d})
}

func (h *Hub) RunDone(s acquisition.Summary) {
	h.Broadcast(Event{Type: EventDone, RunID: s.RunID, Summary: &s})
}

func (h *Hub) RunFailed(runID string, err error) {
	h.Broadcast(Event{Type: EventFailed, RunID: runID, Error: err.Error()})
}

func (h *Hub) Broadcast(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("encode event", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	for _, client := range clients {
		if err := client.SetWriteDeadline(time.Now().Add(h.writeWait)); err != nil {
			h.remove(client)
			continue
		}
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Debug("dropping websocket client", zap.Error(err))
			h.remove(client)
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Handle upgrades the request and keeps the client subscribed until it
// disconnects.
func (h *Hub) Handle(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}
	h.add(conn)
	h.logger.Debug("websocket client connected", zap.String("remote", c.RealIP()))

	// Clients never send anything; reading only notices the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn)
			return nil
		}
	}
}
