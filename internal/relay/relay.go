// Package relay forwards task status events to a NATS subject hierarchy:
//
//	<prefix>.<task-id>.<event-type>
//
// so other services can follow pipeline progress without holding their own
// status channel.
package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/lucasnoah/factoryctl/internal/channel"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "factoryctl.tasks"

// Publisher is the subset of *nats.Conn used by the relay.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Relay publishes channel events to NATS.
type Relay struct {
	pub    Publisher
	prefix string
	logger *slog.Logger

	mu    sync.Mutex
	conn  *nats.Conn
	count int
}

// Option customizes a Relay.
type Option func(*Relay)

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Option {
	return func(r *Relay) {
		if p := strings.Trim(prefix, "."); p != "" {
			r.prefix = p
		}
	}
}

// WithLogger injects a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a relay that publishes through pub.
func New(pub Publisher, opts ...Option) *Relay {
	r := &Relay{
		pub:    pub,
		prefix: DefaultPrefix,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect dials the NATS server at url and returns a relay that owns the
// connection.
func Connect(url string, opts ...Option) (*Relay, error) {
	conn, err := nats.Connect(url, nats.Name("factoryctl"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	r := New(conn, opts...)
	r.conn = conn
	r.logger.Info("NATS relay connected", "url", url, "prefix", r.prefix)
	return r, nil
}

// Subject returns the subject an event is published on.
func (r *Relay) Subject(ev channel.Event) string {
	task := token(string(ev.TaskID))
	if task == "" {
		task = "_"
	}
	return r.prefix + "." + task + "." + token(ev.Type)
}

// Forward publishes the raw frame of ev.
func (r *Relay) Forward(ev channel.Event) error {
	if len(ev.Raw) == 0 {
		return errors.New("relay: event has no raw frame")
	}
	subject := r.Subject(ev)
	if err := r.pub.Publish(subject, ev.Raw); err != nil {
		return fmt.Errorf("failed to publish to subject %q: %w", subject, err)
	}
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
	r.logger.Debug("event relayed", "subject", subject)
	return nil
}

// Published returns the number of events forwarded.
func (r *Relay) Published() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close flushes and closes the connection if the relay owns one.
func (r *Relay) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Drain()
	if err != nil {
		conn.Close()
	}
	return err
}

// token makes s safe as a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
