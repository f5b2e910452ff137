// Package messaging provides a NATS client wrapper that mirrors the
// coordinator's observable events onto subjects for external consumers
// (analytics, moderation tooling). The coordinator never depends on the
// mirror: publishing is fire-and-forget, and when no mirror is configured
// the server wires coord.NopSink instead.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/orincore/circleback/internal/coord"
)

// NATS subject patterns for mirrored coordinator events.
const (
	SubjectStatus  = "coord.status"  // + .<user_id>
	SubjectMatch   = "coord.match"   // + .<outcome>
	SubjectSession = "coord.session" // + .<created|ended>
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "circleback",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Mirror publishes coordinator events to NATS. It satisfies coord.EventSink.
type Mirror struct {
	conn *nats.Conn
}

// NewMirror connects to NATS with the given config and returns a ready
// mirror. It returns an error if the initial connection fails.
func NewMirror(config NATSConfig) (*Mirror, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return &Mirror{conn: nc}, nil
}

// Publish implements coord.EventSink. Failures are logged and dropped; the
// mirror is observability, not control flow.
func (m *Mirror) Publish(ev coord.Event) {
	subject := subjectFor(ev)
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[nats] marshal event: %v", err)
		return
	}
	if err := m.conn.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}

func subjectFor(ev coord.Event) string {
	switch ev.Kind {
	case coord.EventStatusChanged:
		return SubjectStatus + "." + ev.UserID
	case coord.EventMatchProposed:
		return SubjectMatch + ".proposed"
	case coord.EventMatchAccepted:
		return SubjectMatch + ".accepted"
	case coord.EventMatchRejected:
		return SubjectMatch + ".rejected"
	case coord.EventMatchExpired:
		return SubjectMatch + ".expired"
	case coord.EventSessionCreated:
		return SubjectSession + ".created"
	case coord.EventSessionEnded:
		return SubjectSession + ".ended"
	default:
		return "coord.event"
	}
}

// Close drains and closes the underlying connection.
func (m *Mirror) Close() {
	if err := m.conn.Drain(); err != nil {
		log.Printf("[nats] drain: %v", err)
	}
}
