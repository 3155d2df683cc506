package pydoll

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

var (
	// DefaultReadBufferSize is the default maximum read buffer size.
	DefaultReadBufferSize = 25 * 1024 * 1024

	// DefaultWriteBufferSize is the default maximum write buffer size.
	DefaultWriteBufferSize = 10 * 1024 * 1024
)

// Transport is the duplex channel a Connection drives: one CDP frame
// out, one frame in, over whatever carries them. The multiplexer and
// its tests only ever see this interface.
type Transport interface {
	Read(*cdproto.Message) error
	Write(*cdproto.Message) error
	io.Closer
}

// Conn is the websocket Transport. A single scratch buffer and the
// easyjson lexer/writer are reused across frames to keep per-frame
// allocation down; any raw payload that outlives the call is copied
// out of the scratch space before Read returns.
type Conn struct {
	ws *websocket.Conn

	// buf is the reused read scratch space.
	buf bytes.Buffer

	// reuse the easyjson structs to avoid allocs per Read/Write.
	lexer  jlexer.Lexer
	writer jwriter.Writer

	dbgf func(string, ...interface{})
}

// DialContext dials the websocket URL and wraps the socket as a
// Transport.
func DialContext(ctx context.Context, urlstr string, opts ...DialOption) (*Conn, error) {
	d := &websocket.Dialer{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
	}

	ws, _, err := d.DialContext(ctx, urlstr, nil)
	if err != nil {
		return nil, err
	}

	c := &Conn{ws: ws}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Read reads the next frame into msg.
func (c *Conn) Read(msg *cdproto.Message) error {
	typ, r, err := c.ws.NextReader()
	if err != nil {
		return err
	}
	if typ != websocket.TextMessage {
		return ErrInvalidCommand
	}

	// Drain the frame into the reused scratch buffer rather than a
	// fresh allocation per read.
	c.buf.Reset()
	if _, err := c.buf.ReadFrom(r); err != nil {
		return err
	}
	buf := c.buf.Bytes()
	if c.dbgf != nil {
		c.dbgf("<- %s", buf)
	}

	c.lexer = jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&c.lexer)
	if err := c.lexer.Error(); err != nil {
		return err
	}

	// Result and Params are raw sub-slices of the scratch buffer. Both
	// can outlive this call: replies hand Result to the awaiting
	// command caller, and the event router retains whole event frames
	// (network log ring, dialog slot) whose payload lives in Params.
	// Copy them out so the next Read cannot clobber a retained frame.
	msg.Result = append([]byte(nil), msg.Result...)
	msg.Params = append([]byte(nil), msg.Params...)
	return nil
}

// Write writes msg as a single text frame.
func (c *Conn) Write(msg *cdproto.Message) error {
	// Reuse the easyjson writer.
	c.writer = jwriter.Writer{}
	msg.MarshalEasyJSON(&c.writer)
	if err := c.writer.Error; err != nil {
		return err
	}
	buf, err := c.writer.BuildBytes()
	if err != nil {
		return err
	}
	if c.dbgf != nil {
		c.dbgf("-> %s", buf)
	}
	return c.ws.WriteMessage(websocket.TextMessage, buf)
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// ForceIP rewrites the host component of urlstr to an IP address.
//
// Since Chrome 66+, Chrome DevTools Protocol clients connecting to a
// browser must send the "Host:" header as either an IP address or
// "localhost". A urlstr that does not parse, or whose host does not
// resolve, is returned unchanged.
func ForceIP(urlstr string) string {
	u, err := url.Parse(urlstr)
	if err != nil {
		return urlstr
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		host, port = u.Host, ""
	}
	addr, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return urlstr
	}
	ip := addr.IP.String()
	switch {
	case port != "":
		u.Host = net.JoinHostPort(ip, port)
	case strings.Contains(ip, ":"):
		u.Host = "[" + ip + "]"
	default:
		u.Host = ip
	}
	return u.String()
}

// DialOption is a dial option.
type DialOption func(*Conn)

// WithConnDebugf is a dial option to set a protocol logger.
func WithConnDebugf(f func(string, ...interface{})) DialOption {
	return func(c *Conn) {
		c.dbgf = f
	}
}
