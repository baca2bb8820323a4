// Live text sync. Every committed edit is fanned out as a single message
// type, {type:"update", key, value}, to every open browser connection.
// Delivery is fire-and-forget: no acks, no retries. A subscriber whose send
// buffer is full misses that update; connections are removed only when the
// transport reports an error or close.

package main

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// UpdateMessage is the only message type pushed to subscribers.
type UpdateMessage struct {
	Type  string `json:"type"` // always "update"
	Key   string `json:"key"`
	Value string `json:"value"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan UpdateMessage
}

// Hub owns the set of open subscriber connections. Connect, disconnect, and
// publish all funnel through its run loop, so the set needs no lock.
type Hub struct {
	register   chan *subscriber
	unregister chan *subscriber
	updates    chan UpdateMessage
}

func newHub() *Hub {
	return &Hub{
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		updates:    make(chan UpdateMessage, 64),
	}
}

// Publish enqueues an update for every currently registered subscriber.
func (h *Hub) Publish(key, value string) {
	h.updates <- UpdateMessage{Type: "update", Key: key, Value: value}
}

func (h *Hub) run(ctx context.Context, cfg *Config) {
	clients := make(map[*subscriber]bool)

	for {
		select {
		case c := <-h.register:
			clients[c] = true
			logf(cfg, "SYNC: Subscriber connected (%d open)", len(clients))

		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
			}
			logf(cfg, "SYNC: Subscriber disconnected (%d open)", len(clients))

		case msg := <-h.updates:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					// Buffer full: this subscriber misses the update.
					// Removal happens via unregister when its pumps
					// see a transport error.
				}
			}

		case <-ctx.Done():
			for c := range clients {
				close(c.send)
				_ = c.conn.Close()
				delete(clients, c)
			}

			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveSync upgrades GET /ws connections and ties them to the hub.
func serveSync(cfg *Config, hub *Hub) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "ERROR: Websocket upgrade from %s: %v", realIP(r), err)

			return
		}

		c := &subscriber{
			conn: conn,
			send: make(chan UpdateMessage, 8),
		}

		hub.register <- c

		go c.writePump()
		c.readPump(hub)
	}
}

// readPump discards anything the browser sends; its job is noticing the
// connection closing so the hub can drop the subscriber.
func (c *subscriber) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		_ = c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *subscriber) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
