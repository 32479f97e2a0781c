package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type room struct {
	scope Scope
	key   string
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Message is the frame pushed to websocket subscribers.
type Message struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
	At    time.Time      `json:"at"`
}

// Hub pushes events to websocket clients subscribed to a scope and key.
type Hub struct {
	Log logrus.FieldLogger

	upgrader websocket.Upgrader
	mu       sync.Mutex
	rooms    map[room]map[*client]struct{}
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		Log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[room]map[*client]struct{}),
	}
}

func (h *Hub) register(r room, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[r]
	if !ok {
		set = make(map[*client]struct{})
		h.rooms[r] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(r room, c *client) {
	h.mu.Lock()
	if set, ok := h.rooms[r]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, r)
		}
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

// Subscribers returns the number of clients listening on scope/key.
func (h *Hub) Subscribers(scope Scope, key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room{scope, key}])
}

// ServeWS upgrades the request and keeps the connection subscribed until the peer leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, scope Scope, key string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{conn: conn}
	rm := room{scope, key}
	h.register(rm, c)
	defer h.unregister(rm, c)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

func (h *Hub) Publish(_ context.Context, evt Event) error {
	data, err := json.Marshal(Message{Event: evt.Type, Data: evt.Data, At: evt.At})
	if err != nil {
		return err
	}
	h.mu.Lock()
	set := h.rooms[room{evt.Scope, evt.Key}]
	clients := make([]*client, 0, len(set))
	for c := range set {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, data); err != nil {
			if h.Log != nil {
				h.Log.WithFields(logrus.Fields{"event": evt.Type, "scope": evt.Scope}).WithError(err).Warn("websocket write failed")
			}
			_ = c.conn.Close()
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for r, set := range h.rooms {
		for c := range set {
			_ = c.conn.Close()
		}
		delete(h.rooms, r)
	}
}
