package channel

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a Channel.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	// StateDisconnected is terminal until Manager.Reconnect is called.
	StateDisconnected
	// StateClosed means the channel was torn down by Disconnect or replaced.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Channel is one logical push connection shared by its subscribers.
type Channel struct {
	key string
	url string
	m   *Manager

	mu       sync.Mutex
	state    State
	attempts int
	subs     []*Subscription
	conn     Conn
	closed   bool
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}

	// writeMu serializes frame writes; teardown acquires it once so no
	// write is in flight after teardown returns.
	writeMu sync.Mutex
	// deliverMu is read-held for each handler call and write-held by
	// teardown, so teardown returns only once no handler is running.
	deliverMu sync.RWMutex
}

func newChannel(m *Manager, key, url string) *Channel {
	return &Channel{key: key, url: url, m: m, state: StateConnecting}
}

// Key returns the registry key.
func (c *Channel) Key() string { return c.key }

// URL returns the push endpoint.
func (c *Channel) URL() string { return c.url }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel currently holds an open connection.
func (c *Channel) Connected() bool {
	return c.State() == StateOpen
}

// Attempts returns the number of consecutive failed connection attempts
// since the last successful open.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Subscribers returns the number of registered subscribers.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Done is closed when the channel's background goroutine has exited, either
// after teardown or after settling into StateDisconnected.
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

func (c *Channel) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked()
}

func (c *Channel) startLocked() {
	if c.closed || c.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.attempts = 0
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

func (c *Channel) restart() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.startLocked()
	c.mu.Unlock()
	c.m.reportState(c.key, StateConnecting)
	return nil
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	failures := 0
	for {
		conn, err := c.m.dialer.Dial(ctx, c.url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.m.reportError(c.key, err)
		} else {
			if !c.attach(conn) {
				_ = conn.Close()
				return
			}
			failures = 0
			c.setState(StateOpen)
			c.serve(ctx, conn)
			c.detach(conn)
			if ctx.Err() != nil {
				return
			}
		}

		if !c.m.reconnect {
			c.setState(StateDisconnected)
			return
		}
		failures++
		if failures > c.m.maxReconnectAttempts {
			c.m.logger.Info("giving up on channel", "key", c.key, "attempts", failures-1)
			c.setState(StateDisconnected)
			return
		}
		c.mu.Lock()
		c.attempts = failures
		c.mu.Unlock()
		c.setState(StateReconnecting)
		c.m.metrics.reconnect()

		timer := time.NewTimer(c.m.reconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		c.setState(StateConnecting)
	}
}

func (c *Channel) attach(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	c.attempts = 0
	return true
}

func (c *Channel) detach(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// serve runs the heartbeat alongside the read loop until the connection
// closes.
func (c *Channel) serve(ctx context.Context, conn Conn) {
	stop := make(chan struct{})
	hbDone := make(chan struct{})
	go c.heartbeat(ctx, conn, stop, hbDone)
	defer func() {
		close(stop)
		<-hbDone
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.m.reportError(c.key, fmt.Errorf("read: %w", err))
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Channel) heartbeat(ctx context.Context, conn Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := c.writeFrame(conn, websocket.TextMessage, []byte(HeartbeatFrame)); err != nil {
				c.m.logger.Debug("heartbeat skipped", "key", c.key, "error", err)
				continue
			}
			c.m.metrics.heartbeat()
		}
	}
}

func (c *Channel) handleFrame(data []byte) {
	ev, heartbeat, err := classify(data)
	switch {
	case err != nil:
		c.m.metrics.frame(frameMalformed)
		c.m.logger.Warn("dropping malformed frame", "key", c.key, "error", err, "bytes", len(data))
		return
	case heartbeat:
		c.m.metrics.frame(frameHeartbeat)
		return
	}
	c.m.metrics.frame(frameEvent)
	ev.Key = c.key
	ev.ReceivedAt = time.Now()
	c.dispatch(ev)
}

// dispatch delivers ev to a snapshot of the subscribers. Subscribers removed
// or torn down mid-dispatch are skipped.
func (c *Channel) dispatch(ev Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	subs := slices.Clone(c.subs)
	c.mu.Unlock()

	for _, sub := range subs {
		c.deliverMu.RLock()
		if !sub.closed.Load() {
			c.deliver(sub, ev)
		}
		c.deliverMu.RUnlock()
	}
}

func (c *Channel) deliver(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.m.logger.Error("subscriber panicked", "key", c.key, "subscription", sub.ID(), "panic", r)
		}
	}()
	sub.handler(ev)
}

func (c *Channel) write(messageType int, data []byte) error {
	return c.writeFrame(nil, messageType, data)
}

// writeFrame writes on the current connection. A non-nil expect restricts
// the write to that connection.
func (c *Channel) writeFrame(expect Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	closed, conn := c.closed, c.conn
	c.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case conn == nil:
		return ErrNotConnected
	case expect != nil && conn != expect:
		return ErrNotConnected
	}
	return conn.WriteMessage(messageType, data)
}

func (c *Channel) addSubscriber(sub *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.subs = append(c.subs, sub)
	return true
}

func (c *Channel) removeSubscriber(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = slices.DeleteFunc(c.subs, func(s *Subscription) bool { return s == sub })
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.closed || c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if s == StateOpen {
		c.m.metrics.opened()
	} else if prev == StateOpen {
		c.m.metrics.closed()
	}
	c.m.reportState(c.key, s)
}

// teardown stops the background goroutine, closes the connection and drops
// all subscribers. It waits for a running handler to return but not for the
// goroutine to exit. A handler must not tear down its own channel
// synchronously.
func (c *Channel) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	prev := c.state
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	subs := c.subs
	c.subs = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	// Holding writeMu waits out any write that observed the channel open.
	c.writeMu.Lock()
	for _, sub := range subs {
		sub.closed.Store(true)
	}
	c.writeMu.Unlock()

	// Handlers check sub.closed under the read lock; once the write lock is
	// acquired no handler is running and none can start.
	c.deliverMu.Lock()
	c.deliverMu.Unlock()

	if prev == StateOpen {
		c.m.metrics.closed()
	}
	c.m.reportState(c.key, StateClosed)
}
