package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Socket is the write side of a client transport. *websocket.Conn satisfies it;
// tests plug in an in-memory recorder.
type Socket interface {
	WriteJSON(v interface{}) error
	Close() error
}

const sendBufferSize = 64

// Connection is one live device socket for a user. It is owned by the Registry
// from Connect until disconnect or eviction.
type Connection struct {
	ID          string
	UserID      string
	Role        string
	ConnectedAt time.Time

	sock Socket

	mu           sync.Mutex
	lastActivity time.Time
	rooms        map[string]struct{}
	sendFails    int
	closed       bool

	send chan OutboundEvent
	done chan struct{}
}

func newConnection(userID, role string, sock Socket) *Connection {
	now := time.Now()
	return &Connection{
		ID:           uuid.New().String(),
		UserID:       userID,
		Role:         role,
		ConnectedAt:  now,
		sock:         sock,
		lastActivity: now,
		rooms:        make(map[string]struct{}),
		send:         make(chan OutboundEvent, sendBufferSize),
		done:         make(chan struct{}),
	}
}

// Touch refreshes the activity clock. Called on heartbeats and inbound frames.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Rooms returns a copy of the room ids this connection has joined.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

func (c *Connection) addRoom(roomID string) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) removeRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

func (c *Connection) inRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Send queues an event for delivery. Returns false when the buffer is full or
// the connection is closed. Consecutive full-buffer failures are counted so
// the fanout can tell a momentary burst from a wedged consumer.
func (c *Connection) Send(ev OutboundEvent) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	select {
	case c.send <- ev:
		c.mu.Lock()
		c.sendFails = 0
		c.mu.Unlock()
		return true
	default:
		c.mu.Lock()
		c.sendFails++
		c.mu.Unlock()
		return false
	}
}

// sendFailures reports the consecutive failed Send count since the last
// successful enqueue.
func (c *Connection) sendFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendFails
}

// writePump drains the send buffer onto the socket. Runs as one goroutine per
// connection so writes never interleave.
func (c *Connection) writePump() {
	for {
		select {
		case ev := <-c.send:
			if err := c.sock.WriteJSON(ev); err != nil {
				c.close()
				return
			}
		case <-c.done:
			// Flush what is already queued before closing.
			for {
				select {
				case ev := <-c.send:
					if err := c.sock.WriteJSON(ev); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.sock.Close()
}
