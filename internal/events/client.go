package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnState is the connection lifecycle state of a Client. It is reported on
// a channel separate from event subscriptions, because a listener may care
// about connectivity without caring about any specific event type.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// Handler receives one delivered event.
type Handler func(Event)

// ConnStateHandler receives connection state transitions. err is non-nil
// only for StateError.
type ConnStateHandler func(state ConnState, err error)

// frameConn is one live connection to the push feed. Both transport
// variants (direct websocket, AMQP broker) reduce to this: a blocking frame
// reader plus Close. ReadFrame returns the raw JSON frame.
type frameConn interface {
	ReadFrame() ([]byte, error)
	Close() error
}

type dialFunc func() (frameConn, error)

// Client owns exactly one underlying connection to the event feed and fans
// decoded events out to subscribers. Connection failures are retried
// indefinitely at a fixed delay until Disconnect is called.
type Client struct {
	dial   dialFunc
	delay  time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	conn     frameConn
	subs     map[Type]map[string]Handler
	connSubs map[string]ConnStateHandler
	state    ConnState
	lastErr  error
}

func newClient(dial dialFunc, reconnectDelay time.Duration, logger *slog.Logger) *Client {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Client{
		dial:     dial,
		delay:    reconnectDelay,
		logger:   logger,
		subs:     make(map[Type]map[string]Handler),
		connSubs: make(map[string]ConnStateHandler),
	}
}

// Connect starts the connection loop. It is idempotent: calling it while a
// connection or connection attempt is active is a no-op.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	go c.run(c.stop)
}

// Disconnect stops reconnection, cancels any pending retry, and closes the
// active connection if present.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.notifyState(StateDisconnected, nil)
}

// State returns the current connection state and, for StateError, its cause.
func (c *Client) State() (ConnState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastErr
}

// Subscribe registers a handler for one event type and returns a function
// that removes exactly that registration. Multiple subscriptions for the
// same type are independent and all fire.
func (c *Client) Subscribe(t Type, h Handler) func() {
	id := uuid.NewString()
	c.mu.Lock()
	if c.subs[t] == nil {
		c.subs[t] = make(map[string]Handler)
	}
	c.subs[t][id] = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[t], id)
	}
}

// SubscribeMultiple registers one handler for several event types. The
// returned function releases all of them.
func (c *Client) SubscribeMultiple(types []Type, h Handler) func() {
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, c.Subscribe(t, h))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// OnConnectionStateChange registers a handler for connection transitions.
func (c *Client) OnConnectionStateChange(h ConnStateHandler) func() {
	id := uuid.NewString()
	c.mu.Lock()
	c.connSubs[id] = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.connSubs, id)
	}
}

func (c *Client) run(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			c.logger.Warn("events: dial failed", "err", err)
			c.notifyState(StateError, err)
			select {
			case <-stop:
				return
			case <-time.After(c.delay):
			}
			continue
		}

		c.mu.Lock()
		if !c.running {
			// Disconnect raced the dial.
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()
		c.notifyState(StateConnected, nil)

		readErr := c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		stopped := !c.running
		c.mu.Unlock()
		conn.Close()
		if stopped {
			return
		}
		c.logger.Warn("events: connection dropped", "err", readErr)
		c.notifyState(StateError, readErr)
		select {
		case <-stop:
			return
		case <-time.After(c.delay):
		}
	}
}

func (c *Client) readLoop(conn frameConn) error {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		c.dispatch(frame)
	}
}

// dispatch decodes one frame and fans it out. Malformed frames are logged
// and dropped; they never take the connection down. Each handler runs in
// its own recover boundary so one panicking subscriber cannot prevent
// delivery to the rest.
func (c *Client) dispatch(frame []byte) {
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		c.logger.Debug("events: dropping malformed frame", "err", err)
		return
	}
	if !knownTypes[ev.Type] {
		c.logger.Debug("events: dropping unknown event type", "type", string(ev.Type))
		return
	}

	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs[ev.Type]))
	for _, h := range c.subs[ev.Type] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		c.invoke(h, ev)
	}
}

func (c *Client) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("events: subscriber panicked", "type", string(ev.Type), "panic", r)
		}
	}()
	h(ev)
}

func (c *Client) notifyState(state ConnState, err error) {
	c.mu.Lock()
	c.state = state
	c.lastErr = err
	handlers := make([]ConnStateHandler, 0, len(c.connSubs))
	for _, h := range c.connSubs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("events: connection listener panicked", "panic", r)
				}
			}()
			h(state, err)
		}()
	}
}
