package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"huddle/pkg/types"
)

// State is the connection lifecycle position. Valid transitions:
// Connecting -> Attached -> Draining -> Closed, with a direct jump to
// Closed from any state on abrupt failure.
type State int32

const (
	StateConnecting State = iota
	StateAttached
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAttached:
		return "attached"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options bounds one connection's resource usage.
type Options struct {
	QueueCapacity int
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	DrainTimeout  time.Duration
}

// DefaultOptions matches the delivery config defaults.
func DefaultOptions() Options {
	return Options{
		QueueCapacity: 256,
		WriteTimeout:  5 * time.Second,
		IdleTimeout:   60 * time.Second,
		DrainTimeout:  5 * time.Second,
	}
}

// Connection wraps one live websocket attachment to a single channel.
// All transport writes go through the outbound queue and a single
// writer goroutine; a connection belongs to exactly one channel for its
// lifetime.
type Connection struct {
	id        types.ConnectionID
	userID    types.UserID
	channelID types.ChannelID

	conn     *websocket.Conn
	outbound chan []byte
	opts     Options

	createdAt    time.Time
	lastActivity time.Time

	state    State
	draining chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	onClose   func(*Connection)
	mu        sync.RWMutex
}

// New creates a connection wrapper in the Connecting state. The writer
// goroutine does not run until Start is called, after the connection is
// registered.
func New(conn *websocket.Conn, channelID types.ChannelID, userID types.UserID, opts Options) *Connection {
	if opts.QueueCapacity <= 0 {
		opts = DefaultOptions()
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Connection{
		id:           types.ConnectionID(uuid.New().String()),
		userID:       userID,
		channelID:    channelID,
		conn:         conn,
		outbound:     make(chan []byte, opts.QueueCapacity),
		opts:         opts,
		createdAt:    now,
		lastActivity: now,
		state:        StateConnecting,
		draining:     make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (c *Connection) ID() types.ConnectionID   { return c.id }
func (c *Connection) UserID() types.UserID     { return c.userID }
func (c *Connection) ChannelID() types.ChannelID { return c.channelID }
func (c *Connection) CreatedAt() time.Time     { return c.createdAt }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastActivity returns the time of the most recent client read.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Touch records client activity; the read loop calls it on every frame.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// QueueDepth reports pending outbound frames, for stats and tests.
func (c *Connection) QueueDepth() int {
	return len(c.outbound)
}

// OnClose registers the detach hook invoked exactly once when the
// connection reaches Closed. Must be set before Start.
func (c *Connection) OnClose(fn func(*Connection)) {
	c.onClose = fn
}

// transition moves the state machine; returns false for moves the
// machine does not allow.
func (c *Connection) transition(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case to == StateClosed:
		// Abrupt close is allowed from every state.
	case c.state == StateConnecting && to == StateAttached:
	case c.state == StateAttached && to == StateDraining:
	default:
		return false
	}

	if c.state == StateClosed {
		return false
	}
	c.state = to
	return true
}

// Start transitions to Attached and launches the single writer
// goroutine. Call after the connection is visible in the registry.
func (c *Connection) Start() error {
	if !c.transition(StateAttached) {
		return ErrAlreadyStarted
	}
	go c.writeLoop()
	return nil
}

// Enqueue appends a serialized frame to the outbound queue without
// blocking. ErrQueueFull signals a slow consumer the caller must drop.
func (c *Connection) Enqueue(data []byte) error {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state == StateClosed || state == StateDraining {
		return ErrConnectionClosed
	}

	select {
	case c.outbound <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// EnqueueJSON marshals v and enqueues it; used for control frames.
func (c *Connection) EnqueueJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.Enqueue(data)
}

// writeLoop is the only goroutine writing to the transport. Exits on
// context cancellation, transport failure, or drained queue while in
// the Draining state.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.outbound:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.closeAbrupt()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// Expected lifecycle event: clients disconnect constantly.
				c.closeAbrupt()
				return
			}

		case <-c.draining:
			c.flushAndClose()
			return

		case <-c.ctx.Done():
			return
		}
	}
}

// flushAndClose writes any remaining queued frames, then closes.
func (c *Connection) flushAndClose() {
	for {
		select {
		case data := <-c.outbound:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.closeAbrupt()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.closeAbrupt()
				return
			}
		case <-c.ctx.Done():
			return
		default:
			c.closeAbrupt()
			return
		}
	}
}

// CloseGracefully transitions to Draining: queued events are flushed,
// then the transport closes. The drain timeout bounds how long a slow
// flush may hold the connection open.
func (c *Connection) CloseGracefully() {
	if !c.transition(StateDraining) {
		// Already draining or closed; abrupt close covers Connecting.
		if c.State() == StateConnecting {
			c.closeAbrupt()
		}
		return
	}

	close(c.draining)

	go func() {
		select {
		case <-time.After(c.opts.DrainTimeout):
			c.closeAbrupt()
		case <-c.ctx.Done():
		}
	}()
}

// Close tears the connection down immediately, skipping any queued
// frames. Idempotent.
func (c *Connection) Close() error {
	return c.closeAbrupt()
}

func (c *Connection) closeAbrupt() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()

		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return err
}

// ReadMessage reads one frame from the transport with the idle deadline
// applied. A deadline miss or transport error both mean the connection
// is done.
func (c *Connection) ReadMessage() ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout)); err != nil {
		return nil, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.Touch()
	return data, nil
}
