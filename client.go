package feedmux

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"

	"github.com/fasthttp/websocket"
)

// Client multiplexes many independent topic subscribers over one websocket
// connection. It queues outbound frames until the connection opens, survives
// connection loss via its reconnection policy and replays the active
// subscription set once the server assigns a fresh identity.
//
// Construct one Client per process at startup and share the handle;
// consumers only need Subscribe and Connected.
type Client struct {
	cfg     Config
	logger  Logger
	policy  ReconnectPolicy
	factory transportFactory
	emitter *EventEmitter[EventType, EventType]

	registry *subscriptionRegistry
	queue    *outboundQueue
	retry    *retryTimer

	mu           sync.Mutex
	state        ConnState
	clientID     string
	conn         transport
	connGen      uint64
	closed       bool
	attempts     int
	reconnecting bool
	endpoint     string
	// ctx is the context of the last explicit Connect call; timer-driven
	// reconnects reuse it so Disconnect and context cancellation remain the
	// only ways to stop the retry cycle.
	ctx context.Context

	dialerOpt *websocket.Dialer
	headerOpt http.Header
}

// Option customizes a Client at construction time.
type Option func(*Client)

// WithLogger replaces the default writer logger.
func WithLogger(l Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithReconnectPolicy replaces the default fixed-delay policy.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialerOpt = d }
}

// WithHeader sets extra headers sent on the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.headerOpt = h }
}

// withTransportFactory substitutes the transport layer. Test hook.
func withTransportFactory(f transportFactory) Option {
	return func(c *Client) { c.factory = f }
}

// New creates a Client. The connection is not dialed until Connect.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg.withDefaults(),
		logger:   NewWriterLogger(io.Discard),
		registry: newSubscriptionRegistry(),
		queue:    newOutboundQueue(),
		retry:    newRetryTimer(),
		emitter:  NewEventEmitter[EventType, EventType](),
		state:    StateDisconnected,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.policy == nil {
		c.policy = FixedDelay(c.cfg.ReconnectDelay)
	}
	if c.factory == nil {
		dialer := c.dialerOpt
		if dialer == nil {
			dialer = &websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
		}
		c.factory = newWSTransportFactory(
			dialer,
			c.logger,
			c.headerOpt,
			c.cfg.WriteTimeout,
			c.cfg.PingInterval,
		)
	}

	c.logger = c.logger.WithField("component", "feedmux_client")

	return c
}

// Connect dials the feed endpoint. It is a no-op when a connection is
// already open or being established. The endpoint argument is optional and
// takes precedence over the configured and derived values; once given, it
// sticks for reconnection attempts.
//
// A dial failure is returned to the caller and, unless Disconnect was
// called, also handed to the reconnection policy.
func (c *Client) Connect(ctx context.Context, endpoint ...string) error {
	var explicit string
	if len(endpoint) > 0 {
		explicit = endpoint[0]
	}

	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}

	c.closed = false
	if explicit != "" {
		c.endpoint = explicit
	}

	resolved, err := c.cfg.resolveEndpoint(c.endpoint)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	c.state = StateConnecting
	c.ctx = ctx

	recv := make(chan []byte, 32)
	conn := c.factory(resolved, recv)
	c.connGen++
	gen := c.connGen
	c.conn = conn
	wasReconnect := c.reconnecting
	c.mu.Unlock()

	if err := conn.open(ctx); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.conn = nil
		intentional := c.closed
		c.mu.Unlock()

		if !intentional {
			c.scheduleReconnect()
		}
		return err
	}

	// Flush the queue under the lock: frames queued before open must hit
	// the wire before any send that observes the open state.
	c.mu.Lock()
	if c.closed {
		// Disconnect raced the dial; drop the fresh connection.
		c.state = StateDisconnected
		c.conn = nil
		c.mu.Unlock()
		conn.close()
		return nil
	}
	c.state = StateOpen
	c.reconnecting = false
	c.attempts = 0
	queued := c.queue.drain()
	for i, p := range queued {
		if err := conn.write(p); err != nil {
			c.logger.Errorf("cannot flush queued frame: %s", err)
			// Keep the failed frame and the unsent tail, in order, for
			// the next connection.
			c.queue.requeue(queued[i:])
			break
		}
	}
	c.mu.Unlock()

	go c.dispatchLoop(conn, recv)
	go c.watchClose(gen, conn)

	if wasReconnect {
		c.emitter.Emit(EventReconnect, EventReconnect)
	}
	c.emitter.Emit(EventConnect, EventConnect)

	return nil
}

// Disconnect closes the connection on purpose: it cancels any pending
// reconnection attempt and suppresses the policy for this cycle. A later
// Connect starts a fresh cycle.
func (c *Client) Disconnect() {
	c.retry.stop()

	c.mu.Lock()
	c.closed = true
	c.clientID = ""
	c.reconnecting = false
	conn := c.conn
	if conn != nil {
		c.state = StateClosing
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if conn != nil {
		conn.close()
	}
}

// Send encodes v as JSON and transmits it when the connection is open,
// queueing it otherwise. Queueing is defined behavior, not an error; the
// only send errors are encoding failures and sends after Disconnect.
func (c *Client) Send(v any) error {
	p, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "cannot encode outbound message")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	if c.state.IsOpen() && c.conn != nil {
		if err := c.conn.write(p); err != nil {
			// Connection died under us; keep the frame for the next one.
			c.queue.push(p)
		}
		return nil
	}

	c.queue.push(p)
	return nil
}

// Subscribe registers handler for topic and returns an idempotent
// unsubscribe function that removes exactly this handler. The first handler
// for a topic triggers a subscribe frame; removing the last one triggers an
// unsubscribe frame.
func (c *Client) Subscribe(topic string, handler Handler) func() {
	id, first := c.registry.add(topic, handler)

	if first {
		if err := c.Send(newSubscribeMessage(topic)); err != nil {
			c.logger.Warnf("cannot send subscribe frame for %s: %s", topic, err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if last := c.registry.remove(topic, id); last {
				if err := c.Send(newUnsubscribeMessage(topic)); err != nil {
					c.logger.Warnf("cannot send unsubscribe frame for %s: %s", topic, err)
				}
			}
		})
	}
}

// On registers a listener for connectivity lifecycle events.
func (c *Client) On(event EventType, fn func(EventType)) {
	c.emitter.On(event, fn)
}

// Connected reports whether the connection is currently open. Intended for
// status indicators.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.IsOpen()
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the server-assigned identity of the current connection,
// or the empty string while disconnected. It carries no semantics beyond
// being loggable.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// dispatchLoop routes every inbound frame of one connection until that
// connection closes.
func (c *Client) dispatchLoop(conn transport, recv <-chan []byte) {
	for {
		select {
		case <-conn.closeChan():
			return
		case raw := <-recv:
			c.handleFrame(raw)
		}
	}
}

func (c *Client) handleFrame(raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		c.logger.Warnf("dropping inbound frame: %s", err)
		return
	}

	switch env.Type {
	case frameConnection:
		c.handleIdentity(raw)
	case frameConfirmation:
		var f confirmationFrame
		if err := json.Unmarshal(raw, &f); err == nil {
			c.logger.Debugf("subscription confirmed for %v", f.SubscribedEvents)
		}
	case frameError:
		c.logger.Warnf("server error frame: %s", raw)
	default:
		c.dispatch(env)
	}
}

func (c *Client) handleIdentity(raw []byte) {
	var f connectionFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.ClientID == "" {
		c.logger.Warnf("dropping connection frame without client id: %s", raw)
		return
	}

	c.mu.Lock()
	c.clientID = f.ClientID
	c.mu.Unlock()

	c.logger.Infof("connection established, client id %s", f.ClientID)
	c.emitter.Emit(EventIdentity, EventIdentity)

	c.replaySubscriptions()
}

// replaySubscriptions re-announces every currently-active topic so
// server-side push resumes without consumer involvement. Runs after each
// identity assignment; sends nothing when no topic is active.
func (c *Client) replaySubscriptions() {
	topics := c.registry.topicNames()
	if len(topics) == 0 {
		return
	}

	c.logger.Infof("replaying subscriptions for %d topic(s)", len(topics))
	if err := c.Send(newSubscribeMessage(topics...)); err != nil {
		c.logger.Errorf("cannot replay subscriptions: %s", err)
	}
}

// dispatch fans one data envelope out to every handler registered for its
// topic. Frames for unknown topics are expected steady state (e.g. a late
// frame for a topic just unsubscribed) and are dropped silently.
func (c *Client) dispatch(env Envelope) {
	for _, h := range c.registry.snapshot(env.Type) {
		c.invoke(h, env)
	}
}

// invoke isolates one handler call so a panicking handler never takes down
// its siblings or the dispatch loop.
func (c *Client) invoke(h Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("handler panic on topic %s: %v", env.Type, r)
		}
	}()
	h(env)
}

// watchClose waits for one connection to die and decides whether the
// reconnection policy fires.
func (c *Client) watchClose(gen uint64, conn transport) {
	<-conn.closeChan()

	c.mu.Lock()
	if gen != c.connGen {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.clientID = ""
	c.conn = nil
	intentional := c.closed
	c.mu.Unlock()

	if reason := conn.closeErr(); reason != nil {
		c.logger.Infof("connection closed: %s", reason)
	}

	c.emitter.Emit(EventDisconnect, EventDisconnect)

	if !intentional {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the retry timer per the policy. At most one attempt
// is pending at a time. Disconnect may land at any point between the close
// and the retry firing, so closed is re-checked here and again in the timer
// callback before dialing.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	c.reconnecting = true
	ctx := c.ctx
	c.mu.Unlock()

	if c.cfg.MaxAttempts > 0 && attempt > c.cfg.MaxAttempts {
		c.logger.Errorf("giving up after %d failed reconnection attempts", attempt-1)
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	delay := c.policy.NextDelay(attempt)
	if c.retry.schedule(delay, func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if err := c.Connect(ctx); err != nil {
			c.logger.Warnf("reconnection attempt %d failed: %s", attempt, err)
		}
	}) {
		c.logger.Infof("retrying to connect in %s (attempt %d)", delay, attempt)
	}
}
