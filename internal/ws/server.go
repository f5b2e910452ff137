// Package ws handles WebSocket connection management: upgrading HTTP
// connections, tracking live connections per user, queueing outbound events
// and dispatching incoming frames to the application layer.
package ws

import (
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/orincore/circleback/internal/metrics"
	"github.com/orincore/circleback/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	SendQueue      int           // per-connection outbound buffer
	SendTimeout    time.Duration // per-event delivery deadline
	MaxFrameSize   int64         // maximum allowed WebSocket frame payload in bytes
}

// DefaultServerConfig returns a ServerConfig with sensible production
// defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		SendQueue:      256,
		SendTimeout:    5 * time.Second,
		MaxFrameSize:   8192,
	}
}

// Server upgrades HTTP connections to WebSocket and runs one read loop per
// connection. Incoming data frames are handed to the onMessage callback;
// connection loss is reported through onDisconnect so the application can
// drive the user's Offline transition.
type Server struct {
	config       ServerConfig
	registry     *Registry
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection)
	draining     chan struct{}
}

// NewServer creates a Server with the given configuration and registry. The
// onMessage function is called from the connection's read goroutine whenever
// a complete WebSocket text frame is received.
func NewServer(config ServerConfig, registry *Registry, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:    config,
		registry:  registry,
		onMessage: onMessage,
		draining:  make(chan struct{}),
	}
}

// Registry returns the connection registry.
func (s *Server) Registry() *Registry { return s.registry }

// SetOnDisconnect registers a callback invoked after a connection is removed
// from the registry (read error, heartbeat timeout, slow consumer or
// graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Drain makes the server refuse new upgrades during shutdown.
func (s *Server) Drain() {
	select {
	case <-s.draining:
	default:
		close(s.draining)
	}
}

func (s *Server) isDraining() bool {
	select {
	case <-s.draining:
		return true
	default:
		return false
	}
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, registers the connection and starts its read
// loop.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.isDraining() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, s.config.SendQueue, s.config.SendTimeout, time.Now(), s.connectionClosed)
	s.registry.Attach(c)
	metrics.ConnectionsTotal.Set(float64(s.registry.Count()))

	go s.readLoop(c)

	log.Printf("ws: new connection conn=%s (total=%d)", c.ID, s.registry.Count())
}

// connectionClosed runs exactly once per connection, from CloseWithReason.
func (s *Server) connectionClosed(c *Connection, reason string) {
	s.registry.Detach(c.ID)
	metrics.ConnectionsTotal.Set(float64(s.registry.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	log.Printf("ws: connection closed conn=%s reason=%s (total=%d)", c.ID, reason, s.registry.Count())
}

// readLoop reads frames until the connection dies. Control frames are
// handled inline; data frames are size-checked and handed to onMessage.
func (s *Server) readLoop(c *Connection) {
	for {
		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			// A read timeout means the client went quiet; the heartbeat
			// decides whether the connection is dead.
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			c.CloseWithReason("read failed")
			return
		}

		c.Touch(time.Now())

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				c.CloseWithReason("client close")
				return
			}
			// Ping/pong: activity already recorded.
			continue
		}

		if s.config.MaxFrameSize > 0 && header.Length > s.config.MaxFrameSize {
			log.Printf("ws: frame too large conn=%s: %d bytes (max %d)",
				c.ID, header.Length, s.config.MaxFrameSize)

			// Drain the reader so the connection stays usable.
			_, _ = io.Copy(io.Discard, reader)

			data, marshalErr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code:    "FRAME_TOO_LARGE",
				Message: "frame exceeds size limit",
			})
			if marshalErr == nil {
				_ = c.Enqueue(Event{Type: protocol.TypeError, Data: data})
			}
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				c.CloseWithReason("read failed")
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		if s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}
