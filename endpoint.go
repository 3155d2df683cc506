package pydoll

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// newTabURL is the URL Chrome reports for a freshly opened new-tab page
// target. The endpoint resolver picks the /json entry matching this to
// find the page-level debugger websocket.
const newTabURL = "chrome://newtab/"

// versionURL returns the /json/version endpoint for the given host and
// port. The URL is composed fresh on every call with no shared template
// state, so connections targeting different ports never interfere.
func versionURL(host string, port int) string {
	return fmt.Sprintf("http://%s:%d/json/version", host, port)
}

// targetsURL returns the pure /json endpoint (list of live targets).
func targetsURL(host string, port int) string {
	return fmt.Sprintf("http://%s:%d/json", host, port)
}

// targetInfo is the subset of a /json entry this package cares about.
type targetInfo struct {
	ID                   string `json:"id"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type versionInfo struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func getJSON(ctx context.Context, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBrowserURL, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBrowserURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %s from %s", ErrInvalidBrowserURL, resp.Status, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBrowserURL, err)
	}
	return nil
}

// browserWebSocketURL resolves the browser-level debugger websocket via
// /json/version.
func browserWebSocketURL(ctx context.Context, host string, port int) (string, error) {
	var v versionInfo
	if err := getJSON(ctx, versionURL(host, port), &v); err != nil {
		return "", err
	}
	if v.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("%w: no webSocketDebuggerUrl in /json/version response", ErrInvalidBrowserURL)
	}
	return v.WebSocketDebuggerURL, nil
}

// pageWebSocketURL resolves the page-level debugger websocket for a fresh
// new-tab page via /json, picking the entry whose url matches the
// conventional new-tab URL.
func pageWebSocketURL(ctx context.Context, host string, port int) (string, error) {
	var targets []targetInfo
	if err := getJSON(ctx, targetsURL(host, port), &targets); err != nil {
		return "", err
	}
	for _, t := range targets {
		if t.URL == newTabURL && t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", fmt.Errorf("%w: no %s target found at %s", ErrInvalidBrowserURL, newTabURL, targetsURL(host, port))
}

// targetWebSocketURL resolves the page-level debugger websocket for a
// specific, already-existing target id, used when a Tab attaches to a
// target the caller already knows about rather than a fresh new-tab
// page.
func targetWebSocketURL(ctx context.Context, host string, port int, targetID string) (string, error) {
	var targets []targetInfo
	if err := getJSON(ctx, targetsURL(host, port), &targets); err != nil {
		return "", err
	}
	for _, t := range targets {
		if t.ID == targetID && t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", fmt.Errorf("%w: no target %s found at %s", ErrInvalidBrowserURL, targetID, targetsURL(host, port))
}
