package pydoll

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"
)

// fakeTransport is an in-memory Transport: frames written by the
// Connection are handed to reply, and whatever reply returns is fed
// back through Read, so a test can script the browser side of the
// wire without a socket.
type fakeTransport struct {
	mu       sync.Mutex
	closed   bool
	incoming chan *cdproto.Message

	// reply maps one outbound frame to the frames the fake browser
	// sends back (replies and/or events). Nil means stay silent.
	reply func(*cdproto.Message) []*cdproto.Message

	written []*cdproto.Message
}

func newFakeTransport(reply func(*cdproto.Message) []*cdproto.Message) *fakeTransport {
	return &fakeTransport{
		incoming: make(chan *cdproto.Message, 64),
		reply:    reply,
	}
}

func (t *fakeTransport) Read(msg *cdproto.Message) error {
	m, ok := <-t.incoming
	if !ok {
		return io.EOF
	}
	*msg = *m
	return nil
}

func (t *fakeTransport) Write(msg *cdproto.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return io.ErrClosedPipe
	}
	m := *msg
	t.written = append(t.written, &m)
	t.mu.Unlock()

	if t.reply != nil {
		for _, r := range t.reply(&m) {
			t.incoming <- r
		}
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.incoming)
	}
	return nil
}

// emit injects an unsolicited event frame, as the browser would.
func (t *fakeTransport) emit(method string, params string) {
	t.incoming <- &cdproto.Message{
		Method: cdproto.MethodType(method),
		Params: easyjson.RawMessage(params),
	}
}

// paramsFor returns the params of every written frame with the given
// method, for assertions racing against handler goroutines.
func (t *fakeTransport) paramsFor(method string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, m := range t.written {
		if string(m.Method) == method {
			out = append(out, string(m.Params))
		}
	}
	return out
}

func (t *fakeTransport) writtenMethods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.written))
	for i, m := range t.written {
		out[i] = string(m.Method)
	}
	return out
}

// newTestConn wires a Connection to a fresh fakeTransport.
func newTestConn(t *testing.T, reply func(*cdproto.Message) []*cdproto.Message, opts ...ConnOption) (*Connection, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport(reply)
	opts = append(opts, WithTransportDialer(func(context.Context) (Transport, error) {
		return ft, nil
	}))
	conn := NewPageConnection("localhost", 9222, opts...)
	t.Cleanup(func() { conn.Close() })
	return conn, ft
}

// echoReply answers every command with an empty successful result.
func echoReply(msg *cdproto.Message) []*cdproto.Message {
	return []*cdproto.Message{{ID: msg.ID, Result: easyjson.RawMessage(`{}`)}}
}

func TestExecuteCommandCorrelation(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConn(t, func(msg *cdproto.Message) []*cdproto.Message {
		if msg.Method != "Browser.getVersion" {
			t.Errorf("unexpected method %q", msg.Method)
		}
		return []*cdproto.Message{{
			ID:     msg.ID,
			Result: easyjson.RawMessage(`{"product":"Chrome/999"}`),
		}}
	})

	reply, err := conn.ExecuteCommand(context.Background(), "Browser.getVersion", nil, "", time.Second)
	if err != nil {
		t.Fatalf("got error: %v", err)
	}
	if string(reply.Result) != `{"product":"Chrome/999"}` {
		t.Errorf("got result %s", reply.Result)
	}

	conn.mu.Lock()
	n := len(conn.pending)
	conn.mu.Unlock()
	if n != 0 {
		t.Errorf("pending map has %d entries after reply", n)
	}
}

func TestExecuteCommandConcurrentOutOfOrderReplies(t *testing.T) {
	t.Parallel()

	// Hold the first command's reply until the second command has been
	// answered, so replies arrive in reverse send order.
	var mu sync.Mutex
	var held *cdproto.Message
	conn, ft := newTestConn(t, func(msg *cdproto.Message) []*cdproto.Message {
		mu.Lock()
		defer mu.Unlock()
		if held == nil {
			held = &cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{"n":1}`)}
			return nil
		}
		return []*cdproto.Message{
			{ID: msg.ID, Result: easyjson.RawMessage(`{"n":2}`)},
			held,
		}
	})

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := conn.ExecuteCommand(context.Background(), "Target.getTargets", nil, "", 2*time.Second)
			errs[i] = err
			if reply != nil {
				results[i] = string(reply.Result)
			}
		}(i)
		// Keep send order deterministic.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if results[0] != `{"n":1}` || results[1] != `{"n":2}` {
		t.Errorf("callers got crossed replies: %q, %q", results[0], results[1])
	}
	if got := len(ft.writtenMethods()); got != 2 {
		t.Errorf("wrote %d frames, want 2", got)
	}
}

func TestExecuteCommandTimeout(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConn(t, nil) // never replies

	_, err := conn.ExecuteCommand(context.Background(), "Browser.getVersion", nil, "", 50*time.Millisecond)
	if !errors.Is(err, ErrCommandExecutionTimeout) {
		t.Fatalf("got %v, want ErrCommandExecutionTimeout", err)
	}

	conn.mu.Lock()
	n := len(conn.pending)
	conn.mu.Unlock()
	if n != 0 {
		t.Errorf("pending map has %d entries after timeout", n)
	}
}

func TestExecuteCommandProtocolError(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConn(t, func(msg *cdproto.Message) []*cdproto.Message {
		return []*cdproto.Message{{
			ID:    msg.ID,
			Error: &cdproto.Error{Code: -32000, Message: "Execution context was destroyed."},
		}}
	})

	_, err := conn.ExecuteCommand(context.Background(), "Runtime.evaluate", nil, "", time.Second)
	var cerr *cdproto.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("got %T %v, want *cdproto.Error", err, err)
	}
	if cerr.Code != -32000 || cerr.Message != "Execution context was destroyed." {
		t.Errorf("error not preserved verbatim: %+v", cerr)
	}
}

func TestEventsDispatchToRouter(t *testing.T) {
	t.Parallel()

	conn, ft := newTestConn(t, echoReply)
	// Dial by issuing any command.
	if _, err := conn.ExecuteCommand(context.Background(), "Page.enable", nil, "", time.Second); err != nil {
		t.Fatal(err)
	}

	got := make(chan string, 1)
	conn.RegisterCallback("Page.loadEventFired", func(msg *cdproto.Message) {
		got <- string(msg.Method)
	}, false)

	ft.emit("Page.loadEventFired", `{"timestamp":1}`)

	select {
	case m := <-got:
		if m != "Page.loadEventFired" {
			t.Errorf("handler saw %q", m)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestPendingFailedOnReconnectExhaustion(t *testing.T) {
	t.Parallel()

	conn, ft := newTestConn(t, nil, WithReconnectPolicy(0, time.Millisecond))

	errc := make(chan error, 1)
	go func() {
		_, err := conn.ExecuteCommand(context.Background(), "Browser.getVersion", nil, "", 10*time.Second)
		errc <- err
	}()

	// Let the command get registered, then drop the transport. With a
	// zero-attempt reconnect budget the supervisor must complete the
	// pending awaiter with ErrWebSocketConnectionClosed instead of
	// leaving it to hang.
	time.Sleep(100 * time.Millisecond)
	ft.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrWebSocketConnectionClosed) {
			t.Fatalf("got %v, want ErrWebSocketConnectionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending command hung after connection loss")
	}

	// Further commands fail immediately.
	if _, err := conn.ExecuteCommand(context.Background(), "Browser.getVersion", nil, "", time.Second); !errors.Is(err, ErrWebSocketConnectionClosed) {
		t.Errorf("post-exhaustion command got %v", err)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConn(t, echoReply)
	if !conn.Ping(context.Background()) {
		t.Error("ping against a live transport reported false")
	}

	conn.Close()
	if conn.Ping(context.Background()) {
		t.Error("ping against a closed connection reported true")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConn(t, echoReply)
	if _, err := conn.ExecuteCommand(context.Background(), "Page.enable", nil, "", time.Second); err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCloseClearsCallbacks(t *testing.T) {
	t.Parallel()

	conn, _ := newTestConn(t, echoReply)
	id := conn.RegisterCallback("Page.loadEventFired", func(*cdproto.Message) {}, false)
	conn.Close()
	if conn.RemoveCallback(id) {
		t.Error("subscription survived Close")
	}
}

func TestUnknownReplyIDDropped(t *testing.T) {
	t.Parallel()

	conn, ft := newTestConn(t, echoReply)
	if _, err := conn.ExecuteCommand(context.Background(), "Page.enable", nil, "", time.Second); err != nil {
		t.Fatal(err)
	}

	// A reply nobody is waiting for must not crash the receive loop.
	ft.incoming <- &cdproto.Message{ID: 424242, Result: easyjson.RawMessage(`{}`)}

	if _, err := conn.ExecuteCommand(context.Background(), "Page.enable", nil, "", time.Second); err != nil {
		t.Fatalf("connection unusable after unknown reply id: %v", err)
	}
}
