package pydoll

import (
	"context"

	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// sessionExecutor implements cdp.Executor, scoping every command it
// issues to a fixed Connection/session pair. A Tab's root commands and
// an OOPIF's child-session commands are both just different
// sessionExecutor values, so the DOM finder, element interaction and
// script-running code in query.go/element.go/script.go never needs to
// know whether it is talking to the main page or an attached child
// target; it takes an executor, not a Tab.
type sessionExecutor struct {
	conn      *Connection
	sessionID target.SessionID
}

func newExecutor(conn *Connection, sessionID target.SessionID) *sessionExecutor {
	return &sessionExecutor{conn: conn, sessionID: sessionID}
}

// Execute implements cdp.Executor so that a generated cdproto command
// type's Do(ctx) method, invoked via cdp.WithExecutor(ctx, executor),
// routes through this Connection/session instead of reinventing the
// wire format.
func (e *sessionExecutor) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return e.conn.ExecuteSession(ctx, method, params, e.sessionID, res)
}
