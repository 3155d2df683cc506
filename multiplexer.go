package pydoll

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

const (
	// DefaultCommandTimeout is the deadline execute_command waits for a
	// reply before giving up with ErrCommandExecutionTimeout.
	DefaultCommandTimeout = 10 * time.Second

	// DescribeNodeTimeout is the longer deadline used for DOM-level
	// describe operations (DOM.describeNode, DOM.getFrameOwner and
	// friends), which may legitimately take longer under load.
	DescribeNodeTimeout = 60 * time.Second

	// DefaultReconnectAttempts bounds the background reconnection
	// supervisor.
	DefaultReconnectAttempts = 5

	// DefaultReconnectDelay is the fixed delay between reconnection
	// attempts.
	DefaultReconnectDelay = 5 * time.Second
)

// pendingReply is the single-shot awaiter a caller of ExecuteCommand
// blocks on; exactly one of msg/err is set in the single value sent on
// its buffered channel.
type pendingReply struct {
	msg *cdproto.Message
	err error
}

// Connection owns exactly one WebSocket to a CDP endpoint. It serializes
// outbound frames, correlates inbound replies by id, and hands every
// other inbound frame to its EventRouter. Connections are never shared
// across Tabs by identity: each Tab constructs its own, and there is no
// port-keyed singleton.
type Connection struct {
	host string
	port int

	dialURL string // explicit websocket URL; if empty, resolved lazily via /json or /json/version
	useBrowserEndpoint bool
	targetID           string // if set and dialURL is empty, resolve via /json for this specific target

	// dial overrides how the Transport is obtained; tests use it to
	// supply an in-memory fake instead of a real websocket.
	dial func(ctx context.Context) (Transport, error)

	mu     sync.Mutex
	conn   Transport
	pending map[int64]chan pendingReply
	closed  bool

	nextID int64

	Router *EventRouter

	logf, debugf, errf func(string, ...interface{})

	reconnectAttempts int
	reconnectDelay    time.Duration

	recvDone chan struct{}
}

// ConnOption configures a Connection.
type ConnOption func(*Connection)

// WithConnLogf sets the informational logging func.
func WithConnLogf(f func(string, ...interface{})) ConnOption {
	return func(c *Connection) { c.logf = f }
}

// WithConnDebugfOpt sets the protocol trace func.
func WithConnDebugfOpt(f func(string, ...interface{})) ConnOption {
	return func(c *Connection) { c.debugf = f }
}

// WithConnErrf sets the error logging func.
func WithConnErrf(f func(string, ...interface{})) ConnOption {
	return func(c *Connection) { c.errf = f }
}

// WithReconnectPolicy overrides the reconnection attempt budget and delay.
func WithReconnectPolicy(attempts int, delay time.Duration) ConnOption {
	return func(c *Connection) {
		c.reconnectAttempts = attempts
		c.reconnectDelay = delay
	}
}

// NewPageConnection builds a Connection that lazily resolves the
// page-level debugger websocket (via /json) on first use.
func NewPageConnection(host string, port int, opts ...ConnOption) *Connection {
	return newConnection(host, port, false, opts...)
}

// NewBrowserConnection builds a Connection that lazily resolves the
// browser-level debugger websocket (via /json/version) on first use.
func NewBrowserConnection(host string, port int, opts ...ConnOption) *Connection {
	return newConnection(host, port, true, opts...)
}

// NewTargetConnection builds a Connection that lazily resolves the
// page-level debugger websocket for a specific, already-existing
// target id.
func NewTargetConnection(host string, port int, targetID string, opts ...ConnOption) *Connection {
	c := newConnection(host, port, false, opts...)
	c.targetID = targetID
	return c
}

// WithDialURL overrides URL resolution with an explicit websocket URL.
func WithDialURL(url string) ConnOption {
	return func(c *Connection) { c.dialURL = url }
}

// WithTransportDialer overrides how the Connection obtains its
// Transport entirely, bypassing URL resolution and the websocket
// dialer. Tests use it to plug in an in-memory fake.
func WithTransportDialer(dial func(ctx context.Context) (Transport, error)) ConnOption {
	return func(c *Connection) { c.dial = dial }
}

func newConnection(host string, port int, browserLevel bool, opts ...ConnOption) *Connection {
	c := &Connection{
		host:               host,
		port:               port,
		useBrowserEndpoint: browserLevel,
		pending:            make(map[int64]chan pendingReply),
		reconnectAttempts:  DefaultReconnectAttempts,
		reconnectDelay:     DefaultReconnectDelay,
	}
	c.Router = NewEventRouter()
	for _, o := range opts {
		o(c)
	}
	if c.logf == nil {
		c.logf = log.Printf
	}
	if c.errf == nil {
		c.errf = c.logf
	}
	c.Router.errf = c.errf
	return c
}

// resolveURL resolves the websocket URL to dial.
func (c *Connection) resolveURL(ctx context.Context) (string, error) {
	if c.dialURL != "" {
		return c.dialURL, nil
	}
	if c.useBrowserEndpoint {
		return browserWebSocketURL(ctx, c.host, c.port)
	}
	if c.targetID != "" {
		return targetWebSocketURL(ctx, c.host, c.port, c.targetID)
	}
	return pageWebSocketURL(ctx, c.host, c.port)
}

// ensureConnected dials the socket if it is not already connected, and
// starts the receive loop exactly once per live socket.
func (c *Connection) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	already := c.conn != nil
	c.mu.Unlock()
	if already {
		return nil
	}

	var conn Transport
	if c.dial != nil {
		var err error
		conn, err = c.dial(ctx)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrWebSocketConnectionClosed, err)
		}
	} else {
		urlstr, err := c.resolveURL(ctx)
		if err != nil {
			return err
		}
		conn, err = DialContext(ctx, ForceIP(urlstr), WithConnDebugf(c.debugf))
		if err != nil {
			return fmt.Errorf("%w: %s", ErrWebSocketConnectionClosed, err)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.recvDone = make(chan struct{})
	c.mu.Unlock()

	go c.receiveLoop(conn, c.recvDone)
	go c.monitorConnection()

	return nil
}

// receiveLoop is the single receiver task: it reads frames until the
// transport errors, correlating replies against pending and handing
// everything else to the router.
func (c *Connection) receiveLoop(conn Transport, done chan struct{}) {
	defer close(done)
	for {
		var msg cdproto.Message
		if err := conn.Read(&msg); err != nil {
			c.errf("pydoll: connection read error: %s", err)
			return
		}

		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				m := msg
				ch <- pendingReply{msg: &m}
				continue
			}
			c.logf("pydoll: reply for unknown command id %d dropped", msg.ID)
			continue
		}

		m := msg
		c.Router.ProcessEvent(&m)
	}
}

// monitorConnection is the background reconnection supervisor. Once the
// attempt budget is spent it completes every pending awaiter with
// ErrWebSocketConnectionClosed, so ExecuteCommand callers always
// observe a terminal result instead of hanging on a dead socket.
func (c *Connection) monitorConnection() {
	c.mu.Lock()
	done := c.recvDone
	c.mu.Unlock()
	if done == nil {
		return
	}
	<-done

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	attempts := 0
	for attempts < c.reconnectAttempts {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultCommandTimeout)
		err := c.ensureConnected(ctx)
		cancel()
		if err == nil {
			c.logf("pydoll: reconnected after %d attempt(s)", attempts+1)
			return
		}
		attempts++
		c.errf("pydoll: reconnection attempt %d failed: %s", attempts, err)
		time.Sleep(c.reconnectDelay)
	}

	c.errf("pydoll: failed to reconnect after %d attempts", c.reconnectAttempts)
	c.failAllPending(ErrWebSocketConnectionClosed)
}

func (c *Connection) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan pendingReply)
	closed := c.closed
	c.closed = true
	c.mu.Unlock()
	if closed {
		return
	}
	for id, ch := range pending {
		ch <- pendingReply{err: err}
		_ = id
	}
}

// ExecuteCommand sends method/params (optionally scoped to a child
// session) and blocks until either a matching reply arrives or timeout
// elapses.
func (c *Connection) ExecuteCommand(ctx context.Context, method string, params easyjson.Marshaler, sessionID target.SessionID, timeout time.Duration) (*cdproto.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrWebSocketConnectionClosed
	}
	c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	var raw []byte
	if params != nil {
		var w jwriter.Writer
		params.MarshalEasyJSON(&w)
		if w.Error != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCommand, w.Error)
		}
		b, err := w.BuildBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCommand, err)
		}
		raw = b
	}

	id := atomic.AddInt64(&c.nextID, 1)
	msg := &cdproto.Message{
		ID:        id,
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    raw,
	}

	ch := make(chan pendingReply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrWebSocketConnectionClosed
	}
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil, ErrWebSocketConnectionClosed
	}
	if err := conn.Write(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrInvalidCommand, err)
	}

	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.err != nil {
			return nil, reply.err
		}
		if reply.msg.Error != nil {
			return reply.msg, reply.msg.Error
		}
		return reply.msg, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ErrCommandExecutionTimeout
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Ping is a best-effort liveness probe: it catches every error and maps
// it to false.
func (c *Connection) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, DefaultCommandTimeout)
	defer cancel()
	_, err := c.ExecuteCommand(ctx, "Browser.getVersion", nil, "", DefaultCommandTimeout)
	return err == nil
}

// RegisterCallback delegates to the Router.
func (c *Connection) RegisterCallback(eventName string, handler EventHandler, temporary bool) int {
	return c.Router.RegisterCallback(eventName, handler, temporary)
}

// RemoveCallback delegates to the Router.
func (c *Connection) RemoveCallback(id int) bool {
	return c.Router.RemoveCallback(id)
}

// ClearCallbacks delegates to the Router.
func (c *Connection) ClearCallbacks() {
	c.Router.ClearCallbacks()
}

// Close clears callbacks and closes the socket. It tolerates being
// called on an already-closed or never-dialed connection.
func (c *Connection) Close() error {
	c.Router.ClearCallbacks()

	c.mu.Lock()
	conn := c.conn
	c.closed = true
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Execute implements cdp.Executor, routing the command on the root
// (browser-attached page) session. Every cdproto command type's Do(ctx)
// method resolves its executor from the context via cdp.WithExecutor,
// so this is the bridge that lets the generated command catalog drive
// this Connection without reinventing wire structs.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return c.ExecuteSession(ctx, method, params, "", res)
}

// ExecuteSession is Execute scoped to a child session, the bridge an
// IFrameContext's executor uses to route commands for an OOPIF through
// its attached target session instead of the root session.
func (c *Connection) ExecuteSession(ctx context.Context, method string, params easyjson.Marshaler, sessionID target.SessionID, res easyjson.Unmarshaler) error {
	timeout := DefaultCommandTimeout
	// DOM describe operations get the longer budget; they can stall
	// under load while the renderer serializes large subtrees.
	if method == "DOM.describeNode" || method == "DOM.getFrameOwner" {
		timeout = DescribeNodeTimeout
	}
	reply, err := c.ExecuteCommand(ctx, method, params, sessionID, timeout)
	if err != nil {
		return err
	}
	if res != nil && len(reply.Result) > 0 {
		l := jlexer.Lexer{Data: reply.Result}
		res.UnmarshalEasyJSON(&l)
		return l.Error()
	}
	return nil
}
