package ws

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/orincore/circleback/internal/protocol"
)

// ErrSlowConsumer is returned by Enqueue when the outbound queue is full and
// the event cannot be dropped. Enqueue has already closed the connection
// when it returns this error.
var ErrSlowConsumer = errors.New("ws: send queue overflow (slow consumer)")

// ErrConnClosed is returned by Enqueue after the connection shut down.
var ErrConnClosed = errors.New("ws: connection closed")

// Event is one outbound frame queued for delivery. Type is the protocol
// message type, used to decide which events are droppable under
// backpressure.
type Event struct {
	Type string
	Data []byte
}

// Connection represents a single WebSocket client connection. Outbound
// events pass through a bounded FIFO queue drained by a dedicated writer
// goroutine, so delivery order to one connection always matches enqueue
// order. When the queue is full the oldest undelivered typing events are
// dropped first; if nothing is droppable, the connection is closed as a
// slow consumer.
type Connection struct {
	ID        string   // connection ID (UUID)
	Conn      net.Conn // underlying TCP connection
	CreatedAt time.Time

	mu       sync.Mutex
	userID   string // set once authenticated
	lastPing time.Time
	outbox   []Event
	closed   bool
	notify   chan struct{} // signals the writer that the outbox is non-empty
	done     chan struct{}

	queueCap     int
	writeTimeout time.Duration

	onClose func(c *Connection, reason string)
}

// newConnection wires a Connection around an accepted socket and starts its
// writer goroutine.
func newConnection(id string, conn net.Conn, queueCap int, writeTimeout time.Duration, now time.Time, onClose func(*Connection, string)) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		CreatedAt:    now,
		lastPing:     now,
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		queueCap:     queueCap,
		writeTimeout: writeTimeout,
		onClose:      onClose,
	}
	go c.writeLoop()
	return c
}

// UserID returns the authenticated user id, or "" before authentication.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Connection) setUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// LastPing returns the instant of the last read activity on the connection.
func (c *Connection) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// Touch records read activity for heartbeat accounting.
func (c *Connection) Touch(now time.Time) {
	c.mu.Lock()
	c.lastPing = now
	c.mu.Unlock()
}

// Enqueue appends an event to the outbound queue. On overflow it first
// evicts the oldest undelivered typing event; if none exists and the new
// event itself is a typing indicator, the new event is dropped silently.
// Anything else overflowing means the client cannot keep up, and the
// connection is closed with a slow-consumer reason.
func (c *Connection) Enqueue(ev Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}

	if len(c.outbox) >= c.queueCap {
		if i := oldestTypingIndex(c.outbox); i >= 0 {
			c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
		} else if protocol.IsTypingType(ev.Type) {
			c.mu.Unlock()
			return nil // droppable, queue stays as-is
		} else {
			c.mu.Unlock()
			c.CloseWithReason("slow consumer")
			return ErrSlowConsumer
		}
	}

	c.outbox = append(c.outbox, ev)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func oldestTypingIndex(events []Event) int {
	for i, ev := range events {
		if protocol.IsTypingType(ev.Type) {
			return i
		}
	}
	return -1
}

// writeLoop drains the outbox one event at a time. Each write gets its own
// deadline; a timed-out or failed write closes the connection.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}

		for {
			c.mu.Lock()
			if len(c.outbox) == 0 || c.closed {
				c.mu.Unlock()
				break
			}
			ev := c.outbox[0]
			c.outbox = c.outbox[1:]
			c.mu.Unlock()

			if c.writeTimeout > 0 {
				_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := wsutil.WriteServerMessage(c.Conn, ws.OpText, ev.Data); err != nil {
				c.CloseWithReason("write failed")
				return
			}
		}
	}
}

// WritePing sends a WebSocket protocol-level ping frame, bypassing the
// outbox so heartbeats are not delayed behind queued events.
func (c *Connection) WritePing() error {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpPing, nil)
}

// QueueLen returns the number of undelivered outbound events.
func (c *Connection) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// CloseWithReason shuts the connection down exactly once, stops the writer
// and invokes the close callback.
func (c *Connection) CloseWithReason(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	_ = c.Conn.Close()

	if c.onClose != nil {
		c.onClose(c, reason)
	}
}

// Close closes the connection with a generic reason.
func (c *Connection) Close() {
	c.CloseWithReason("closed")
}
