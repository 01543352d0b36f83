package notify

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"taskdeck/internal/events"
	"taskdeck/internal/logging"
)

// wsMessage is the frame pushed to websocket clients for every event and
// signal.
type wsMessage struct {
	Kind      string      `json:"kind"`
	AttemptID string      `json:"attempt_id"`
	Payload   interface{} `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSHub pushes the full event stream to connected websocket clients. It
// implements events.Subscriber and is normally registered globally on the
// router. Each client gets a buffered send queue; a client that cannot keep
// up is dropped rather than allowed to stall the stream.
type WSHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsMessage
}

// NewWSHub creates an empty hub.
func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[*wsClient]struct{})}
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Get(logging.CategoryNotify).Warnf("websocket upgrade: %v", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan wsMessage, 256)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	logging.Get(logging.CategoryNotify).Infof("websocket client connected (%s)", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *WSHub) writeLoop(c *wsClient) {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			h.drop(c)
			return
		}
	}
}

// readLoop drains client frames; inbound data is ignored, the read only
// detects disconnects.
func (h *WSHub) readLoop(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *WSHub) drop(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		close(c.send)
		_ = c.conn.Close()
	}
}

// Close disconnects every client.
func (h *WSHub) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}

func (h *WSHub) broadcast(msg wsMessage) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			logging.Get(logging.CategoryNotify).Warnf("websocket client too slow, dropping")
			h.drop(c)
		}
	}
}

func (h *WSHub) OnEvent(attemptID string, ev events.NormalizedEvent) {
	h.broadcast(wsMessage{Kind: "event", AttemptID: attemptID, Payload: ev})
}

func (h *WSHub) OnQuestion(sig events.QuestionSignal) {
	h.broadcast(wsMessage{Kind: "question", AttemptID: sig.AttemptID, Payload: sig.Payload})
}

func (h *WSHub) OnBackgroundProcess(sig events.BackgroundProcessSignal) {
	h.broadcast(wsMessage{Kind: "background_process", AttemptID: sig.AttemptID, Payload: sig.Process})
}

func (h *WSHub) OnTrackedProcess(sig events.TrackedProcessSignal) {
	h.broadcast(wsMessage{Kind: "tracked_process", AttemptID: sig.AttemptID, Payload: sig.Process})
}

func (h *WSHub) OnDiagnostic(sig events.DiagnosticSignal) {
	h.broadcast(wsMessage{Kind: "diagnostic", AttemptID: sig.AttemptID, Payload: sig.Message})
}

func (h *WSHub) OnUsage(sig events.UsageSignal) {
	h.broadcast(wsMessage{Kind: "usage", AttemptID: sig.AttemptID, Payload: sig.Snapshot})
}

func (h *WSHub) OnExit(sig events.ExitSignal) {
	h.broadcast(wsMessage{Kind: "exit", AttemptID: sig.AttemptID, Payload: sig})
}

var _ events.Subscriber = (*WSHub)(nil)
