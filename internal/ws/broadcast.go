package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Ajaxparmar/whatsAppWeb/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex // guards closed vs concurrent enqueue
	closed bool
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Broadcaster fans session notifications out to every connected realtime
// client. Delivery is fire-and-forget: a slow or gone client gets dropped,
// never blocks the publisher.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	snapshot func() session.Snapshot
}

func NewBroadcaster(snapshot func() session.Snapshot) *Broadcaster {
	if snapshot == nil {
		snapshot = func() session.Snapshot { return session.Snapshot{} }
	}
	return &Broadcaster{
		clients:  make(map[*client]bool),
		snapshot: snapshot,
	}
}

// AddClient registers a connection and replays the current state to it:
// a ready status when the session is up, or the pending challenge when a
// scan is outstanding. Late subscribers are never stuck waiting for the
// next transition.
func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	snap := b.snapshot()
	switch {
	case snap.Ready():
		c.enqueue(marshal(StatusMessage("ready", "WhatsApp is ready!")))
	case snap.HasChallenge():
		c.enqueue(marshal(QRMessage(snap.Challenge)))
	}

	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// Notify is the session machine's notification hook. It must not block;
// enqueueing to client channels is non-blocking by construction.
func (b *Broadcaster) Notify(n session.Notification) {
	if n.Challenge != "" {
		b.Publish(QRMessage(n.Challenge))
		return
	}
	b.Publish(StatusMessage(n.Status, n.Message))
}

// Publish delivers msg to every current client, in per-client order.
func (b *Broadcaster) Publish(msg Message) {
	data := marshal(msg)
	if data == nil {
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(data) {
			// Client can't keep up, disconnect it
			log.Printf("ws: client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

func (c *client) enqueue(data []byte) bool {
	if data == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client. Used on shutdown.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func marshal(msg Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("ws: marshal error: %v", err)
		return nil
	}
	return data
}
