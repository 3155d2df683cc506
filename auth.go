package pydoll

import (
	"context"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/fetch"
)

// CredentialProvider is the interface a proxy configurator (or any
// credential source) implements so a Tab can answer authentication
// challenges. The core never parses proxy options itself; it only
// consumes the resolved credentials.
type CredentialProvider interface {
	// ProxyCredentials reports whether credentials are available, and
	// if so which.
	ProxyCredentials() (ok bool, username, password string)
}

// StaticCredentials is the trivial CredentialProvider for a fixed
// username/password pair.
type StaticCredentials struct {
	Username string
	Password string
}

// ProxyCredentials implements CredentialProvider.
func (c StaticCredentials) ProxyCredentials() (bool, string, string) {
	return true, c.Username, c.Password
}

// EnableAutoAuth answers Fetch.authRequired events with the provider's
// credentials (or cancels the challenge when the provider has none).
// Fetch events are enabled with auth handling on demand. The returned
// func removes the handlers again.
func (t *Tab) EnableAutoAuth(ctx context.Context, provider CredentialProvider) (func(), error) {
	p := fetch.Enable().WithHandleAuthRequests(true)
	if err := p.Do(withExecutorCtx(ctx, t.exec)); err != nil {
		return nil, err
	}
	t.fetchEventsEnabled = true

	// Requests pause on authRequired until continued; paused requests
	// themselves must also be resumed.
	pauseSub := t.On("Fetch.requestPaused", func(msg *cdproto.Message) {
		ev, err := cdproto.UnmarshalMessage(msg)
		if err != nil {
			return
		}
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			cctx := context.Background()
			_ = fetch.ContinueRequest(paused.RequestID).Do(withExecutorCtx(cctx, t.exec))
		}()
	}, false)

	authSub := t.On("Fetch.authRequired", func(msg *cdproto.Message) {
		ev, err := cdproto.UnmarshalMessage(msg)
		if err != nil {
			return
		}
		challenge, ok := ev.(*fetch.EventAuthRequired)
		if !ok {
			return
		}
		response := &fetch.AuthChallengeResponse{
			Response: fetch.AuthChallengeResponseResponseCancelAuth,
		}
		if ok, user, pass := provider.ProxyCredentials(); ok {
			response = &fetch.AuthChallengeResponse{
				Response: fetch.AuthChallengeResponseResponseProvideCredentials,
				Username: user,
				Password: pass,
			}
		}
		// The handler runs on the dispatch task; issuing the
		// continuation inline would deadlock it against its own
		// reply, so it goes out on its own task.
		go func() {
			cctx := context.Background()
			_ = fetch.ContinueWithAuth(challenge.RequestID, response).Do(withExecutorCtx(cctx, t.exec))
		}()
	}, false)

	return func() {
		t.RemoveCallback(authSub)
		t.RemoveCallback(pauseSub)
	}, nil
}
