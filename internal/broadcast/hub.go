package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeDeadline = 10 * time.Second
	sendQueueSize = 256
)

// wsConn is the slice of *websocket.Conn the hub writes through.
type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one connected websocket subscriber. Events are queued per
// client and drained by a single write loop, so each client observes
// events in publish order.
type Client struct {
	conn     wsConn
	playerID string

	mu     sync.Mutex
	send   chan Event
	closed bool
}

// Send enqueues one event for the client's write loop. A slow consumer
// drops events rather than stalling the caller.
func (c *Client) Send(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- e:
	default:
		log.WithFields(log.Fields{"player_id": c.playerID, "type": e.Type}).Warn("ws send queue full, dropping event")
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writeLoop drains the send queue onto the connection and closes it
// once the queue is closed.
func (c *Client) writeLoop() {
	for e := range c.send {
		data, err := json.Marshal(e)
		if err != nil {
			log.WithError(err).Error("ws marshal failed")
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.WithFields(log.Fields{"player_id": c.playerID}).WithError(err).Debug("ws write failed")
		}
	}
	c.conn.Close()
}

// Hub fans events out to every connected websocket client. It implements
// Broadcaster; Publish never blocks the game loop.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			go client.writeLoop()
			log.WithFields(log.Fields{"player_id": client.playerID, "total": total}).Info("ws client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.WithFields(log.Fields{"player_id": client.playerID, "total": total}).Info("ws client disconnected")

		case event := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				client.Send(event)
			}
			h.mu.RUnlock()
		}
	}
}

// Publish enqueues an event for every client, dropping it if the hub is
// saturated rather than stalling the engine.
func (h *Hub) Publish(e Event) {
	select {
	case h.broadcast <- e:
	default:
		log.WithFields(log.Fields{"type": e.Type}).Warn("hub channel full, dropping event")
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RegisterConn attaches a websocket connection and returns its client
// handle for direct sends.
func (h *Hub) RegisterConn(conn *websocket.Conn, playerID string) *Client {
	client := &Client{conn: conn, playerID: playerID, send: make(chan Event, sendQueueSize)}
	h.register <- client
	return client
}

func (h *Hub) UnregisterClient(c *Client) {
	h.unregister <- c
}
