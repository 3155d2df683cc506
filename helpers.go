package pydoll

import (
	"context"
	"encoding/json"

	"github.com/chromedp/cdproto/cdp"
)

// withExecutorCtx wires exec into ctx via cdp.WithExecutor so a
// cdproto command type's Do(ctx) method resolves it.
func withExecutorCtx(ctx context.Context, exec *sessionExecutor) context.Context {
	return cdp.WithExecutor(ctx, exec)
}

// jsonMarshalString renders s as a JSON (and therefore valid JS)
// string literal.
func jsonMarshalString(s string) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
