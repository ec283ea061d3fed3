// Package diag is an optional, read-only serial-traffic monitor: it
// streams every byte payload the facade sends or receives to any
// number of connected websocket clients, for a devtools-style probe to
// watch live traffic without being wired into the correctness path.
// One uuid-tagged client per connection, a buffered send channel, a
// read loop that exists mainly to detect disconnects.
package diag

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	uuid "github.com/satori/go.uuid"
)

// Event is one observed frame, broadcast to every connected client as
// JSON.
type Event struct {
	Direction string `json:"direction"` // "tx" or "rx"
	Peer      uint64 `json:"peer"`
	Data      []byte `json:"data"`
}

// Monitor accepts websocket connections and broadcasts Events to all
// of them. The zero value is not usable; construct with NewMonitor.
type Monitor struct {
	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	id    string
	conn  *websocket.Conn
	sendC chan []byte
}

// NewMonitor returns an empty Monitor ready to accept connections.
func NewMonitor() *Monitor {
	return &Monitor{clients: make(map[string]*client)}
}

// ServeHTTP upgrades the request to a websocket and registers the
// resulting connection as a broadcast subscriber.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := u.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("diag: cannot upgrade connection: %s", err)
		return
	}
	m.handle(conn)
}

func (m *Monitor) handle(conn *websocket.Conn) {
	c := &client{
		id:    uuid.NewV4().String(),
		conn:  conn,
		sendC: make(chan []byte, 64),
	}
	m.mu.Lock()
	m.clients[c.id] = c
	m.mu.Unlock()

	go c.writeLoop()
	go m.readLoop(c)
}

func (m *Monitor) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err) {
				log.Printf("diag: client %s disconnected", c.id)
			}
			m.remove(c.id)
			close(c.sendC)
			return
		}
		// inbound messages from a monitor client are not part of the
		// protocol; the read loop exists only to notice disconnects.
	}
}

func (c *client) writeLoop() {
	for msg := range c.sendC {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Printf("diag: client %s write error: %s", c.id, err)
			return
		}
	}
}

func (m *Monitor) remove(id string) {
	m.mu.Lock()
	delete(m.clients, id)
	m.mu.Unlock()
}

// Broadcast marshals ev and fans it out to every connected client,
// non-blocking: a client whose send buffer is full is skipped rather
// than letting a slow monitor stall the protocol.
func (m *Monitor) Broadcast(ev Event) {
	j, err := json.Marshal(ev)
	if err != nil {
		log.Printf("diag: cannot marshal event: %s", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		select {
		case c.sendC <- j:
		default:
		}
	}
}
