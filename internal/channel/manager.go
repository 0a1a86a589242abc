package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrUnknownChannel is returned for keys with no registered channel.
	ErrUnknownChannel = errors.New("channel: unknown key")
	// ErrNotConnected is returned when writing to a channel with no open connection.
	ErrNotConnected = errors.New("channel: not connected")
	// ErrClosed is returned when writing to a channel that has been torn down.
	ErrClosed = errors.New("channel: closed")
)

const (
	defaultHeartbeatInterval    = 30 * time.Second
	defaultReconnectInterval    = 3 * time.Second
	defaultMaxReconnectAttempts = 5
)

// Handler receives decoded events on the channel's reader goroutine.
type Handler func(Event)

// Option customizes Manager construction.
type Option func(*Manager)

// WithHeartbeatInterval sets the keep-alive period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.heartbeatInterval = d
		}
	}
}

// WithReconnect enables auto-reconnect with a fixed backoff and a bound on
// consecutive failed attempts.
func WithReconnect(interval time.Duration, maxAttempts int) Option {
	return func(m *Manager) {
		m.reconnect = true
		if interval > 0 {
			m.reconnectInterval = interval
		}
		if maxAttempts >= 0 {
			m.maxReconnectAttempts = maxAttempts
		}
	}
}

// WithoutReconnect disables auto-reconnect; an unplanned close leaves the
// channel disconnected.
func WithoutReconnect() Option {
	return func(m *Manager) {
		m.reconnect = false
	}
}

// WithDialer overrides the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

// WithLogger injects a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records channel activity in Prometheus collectors.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithStateHandler registers a callback for channel state transitions.
func WithStateHandler(fn func(key string, s State)) Option {
	return func(m *Manager) {
		m.onState = fn
	}
}

// WithErrorHandler registers a callback for connection-level errors. Errors
// never tear a channel down by themselves.
func WithErrorHandler(fn func(key string, err error)) Option {
	return func(m *Manager) {
		m.onError = fn
	}
}

// Manager owns a registry of named channels, each backed by at most one
// live push connection.
type Manager struct {
	mu       sync.Mutex
	channels map[string]*Channel

	heartbeatInterval    time.Duration
	reconnect            bool
	reconnectInterval    time.Duration
	maxReconnectAttempts int

	dialer  Dialer
	logger  *slog.Logger
	metrics *Metrics
	onState func(key string, s State)
	onError func(key string, err error)
}

// NewManager creates an empty manager. Auto-reconnect is on by default
// (3s backoff, 5 attempts) with a 30s heartbeat.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		channels:             make(map[string]*Channel),
		heartbeatInterval:    defaultHeartbeatInterval,
		reconnect:            true,
		reconnectInterval:    defaultReconnectInterval,
		maxReconnectAttempts: defaultMaxReconnectAttempts,
		dialer:               WebsocketDialer{},
		logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Connect registers a channel under key and starts connecting to url in the
// background. An existing channel under the same key is torn down first.
// onMessage, if non-nil, becomes the channel's first subscriber.
func (m *Manager) Connect(key, url string, onMessage Handler) *Channel {
	c := newChannel(m, key, url)
	if onMessage != nil {
		c.subs = append(c.subs, newSubscription(m, key, onMessage))
	}

	m.mu.Lock()
	old := m.channels[key]
	m.channels[key] = c
	m.mu.Unlock()

	if old != nil {
		m.logger.Debug("replacing channel", "key", key, "old_url", old.url, "url", url)
		old.teardown()
	}
	c.start()
	return c
}

// Channel returns the channel registered under key.
func (m *Manager) Channel(key string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[key]
	return c, ok
}

// Keys returns the registered channel keys.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.channels))
	for k := range m.channels {
		keys = append(keys, k)
	}
	return keys
}

// Subscribe adds h to the subscribers of the channel under key. Closing the
// returned subscription removes it without affecting the connection or
// other subscribers.
func (m *Manager) Subscribe(key string, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, errors.New("channel: nil handler")
	}
	c, ok := m.Channel(key)
	if !ok {
		return nil, fmt.Errorf("subscribe %q: %w", key, ErrUnknownChannel)
	}
	sub := newSubscription(m, key, h)
	if !c.addSubscriber(sub) {
		return nil, fmt.Errorf("subscribe %q: %w", key, ErrClosed)
	}
	return sub, nil
}

// Unsubscribe removes sub from the channel under key. It is a no-op if the
// subscription or channel is already gone.
func (m *Manager) Unsubscribe(key string, sub *Subscription) {
	if sub == nil {
		return
	}
	sub.closed.Store(true)
	if c, ok := m.Channel(key); ok {
		c.removeSubscriber(sub)
	}
}

// Send writes v as a JSON text frame on the channel under key.
func (m *Manager) Send(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("send %q: marshal: %w", key, err)
	}
	return m.send(key, data)
}

// SendText writes a raw text frame on the channel under key.
func (m *Manager) SendText(key, text string) error {
	return m.send(key, []byte(text))
}

func (m *Manager) send(key string, data []byte) error {
	c, ok := m.Channel(key)
	if !ok {
		return fmt.Errorf("send %q: %w", key, ErrUnknownChannel)
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %q: %w", key, err)
	}
	return nil
}

// Reconnect restarts a channel that settled into StateDisconnected. It is a
// no-op for a channel that is still connecting or open.
func (m *Manager) Reconnect(key string) error {
	c, ok := m.Channel(key)
	if !ok {
		return fmt.Errorf("reconnect %q: %w", key, ErrUnknownChannel)
	}
	return c.restart()
}

// Disconnect stops the heartbeat, cancels any pending reconnect, closes the
// connection and removes the channel. It waits for a handler already
// running for key to return. When Disconnect returns no further frame is
// written and no new delivery starts for key. Handlers must not call it for
// their own key synchronously; use a goroutine.
func (m *Manager) Disconnect(key string) {
	m.mu.Lock()
	c, ok := m.channels[key]
	if ok {
		delete(m.channels, key)
	}
	m.mu.Unlock()
	if ok {
		c.teardown()
	}
}

// DisconnectAll disconnects every registered channel.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	channels := m.channels
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()
	for _, c := range channels {
		c.teardown()
	}
}

func (m *Manager) reportError(key string, err error) {
	m.logger.Warn("channel error", "key", key, "error", err)
	if m.onError != nil {
		m.onError(key, err)
	}
}

func (m *Manager) reportState(key string, s State) {
	m.logger.Debug("channel state", "key", key, "state", s.String())
	if m.onState != nil {
		m.onState(key, s)
	}
}

// Subscription is a handle to one registered subscriber.
type Subscription struct {
	id      uuid.UUID
	key     string
	handler Handler
	m       *Manager
	closed  atomic.Bool
}

func newSubscription(m *Manager, key string, h Handler) *Subscription {
	return &Subscription{id: uuid.New(), key: key, handler: h, m: m}
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string {
	return s.id.String()
}

// Key returns the channel key the subscription belongs to.
func (s *Subscription) Key() string {
	return s.key
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	if s != nil {
		s.m.Unsubscribe(s.key, s)
	}
}
