package pydoll

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
)

// DefaultPageLoadTimeout bounds Navigate's wait for the load event.
const DefaultPageLoadTimeout = 30 * time.Second

// Tab is the facade over one top-level page target: it owns a
// Connection (and through it an EventRouter), tracks which CDP domains
// are enabled, caches resolved iframe Tabs by child target, and lazily
// builds the fetch-based Request helper. Tabs are plain values with no
// per-target singleton; deduplication, if any, is the caller's job.
type Tab struct {
	host     string
	port     int
	targetID string

	browserContextID string

	conn *Connection
	exec *sessionExecutor

	// iframe is non-nil when this Tab fronts an <iframe>'s content
	// document rather than a top-level page; parent then points at the
	// Tab the iframe was resolved on.
	iframe *IFrameContext
	parent *Tab

	mu     sync.Mutex
	frames map[string]*Tab

	request     *Request
	requestOnce sync.Once

	pageEventsEnabled      bool
	networkEventsEnabled   bool
	domEventsEnabled       bool
	runtimeEventsEnabled   bool
	fetchEventsEnabled     bool
	fileChooserInterceptOn bool
}

// TabOption configures a Tab.
type TabOption func(*Tab)

// WithBrowserContextID records the browser context the tab's target
// belongs to.
func WithBrowserContextID(id string) TabOption {
	return func(t *Tab) { t.browserContextID = id }
}

// WithConnection overrides the tab's Connection, used by tests to
// supply one dialed against a fake transport.
func WithConnection(conn *Connection) TabOption {
	return func(t *Tab) { t.conn = conn }
}

// NewTab builds a Tab for an existing page target. An empty targetID
// resolves the conventional new-tab page via /json instead.
func NewTab(host string, port int, targetID string, opts ...TabOption) *Tab {
	t := &Tab{
		host:     host,
		port:     port,
		targetID: targetID,
		frames:   make(map[string]*Tab),
	}
	for _, o := range opts {
		o(t)
	}
	if t.conn == nil {
		if targetID != "" {
			t.conn = NewTargetConnection(host, port, targetID)
		} else {
			t.conn = NewPageConnection(host, port)
		}
	}
	t.exec = newExecutor(t.conn, "")
	return t
}

// TargetID returns the tab's target id.
func (t *Tab) TargetID() string { return t.targetID }

// BrowserContextID returns the tab's browser context id, if known.
func (t *Tab) BrowserContextID() string { return t.browserContextID }

// IsIFrame reports whether this Tab fronts an iframe's content
// document rather than a top-level page.
func (t *Tab) IsIFrame() bool { return t.iframe != nil }

// scope returns the document scope finds on this tab resolve against:
// the whole document for a page, the iframe's isolated world and
// document element for an iframe Tab.
func (t *Tab) scope() scope {
	if t.iframe != nil {
		return scope{
			exec:     t.iframe.exec,
			execCtx:  t.iframe.ExecutionContextID,
			objectID: t.iframe.DocumentObjectID,
		}
	}
	return scope{exec: t.exec}
}

// On registers handler for eventName on the tab's router, returning
// the subscription id. Temporary handlers are removed after their
// first invocation.
func (t *Tab) On(eventName string, handler EventHandler, temporary bool) int {
	return t.conn.RegisterCallback(eventName, handler, temporary)
}

// RemoveCallback removes a subscription by id.
func (t *Tab) RemoveCallback(id int) bool { return t.conn.RemoveCallback(id) }

// ClearCallbacks removes every subscription on the tab's router.
func (t *Tab) ClearCallbacks() { t.conn.ClearCallbacks() }

// Ping probes the tab's connection.
func (t *Tab) Ping(ctx context.Context) bool { return t.conn.Ping(ctx) }

// EnablePageEvents turns on the Page domain event stream.
func (t *Tab) EnablePageEvents(ctx context.Context) error {
	if err := page.Enable().Do(withExecutorCtx(ctx, t.exec)); err != nil {
		return err
	}
	t.pageEventsEnabled = true
	return nil
}

// DisablePageEvents turns the Page domain event stream off.
func (t *Tab) DisablePageEvents(ctx context.Context) error {
	if err := page.Disable().Do(withExecutorCtx(ctx, t.exec)); err != nil {
		return err
	}
	t.pageEventsEnabled = false
	return nil
}

// EnableNetworkEvents turns on the Network domain, feeding the
// router's network log.
func (t *Tab) EnableNetworkEvents(ctx context.Context) error {
	if err := network.Enable().Do(withExecutorCtx(ctx, t.exec)); err != nil {
		return err
	}
	t.networkEventsEnabled = true
	return nil
}

// DisableNetworkEvents turns the Network domain off.
func (t *Tab) DisableNetworkEvents(ctx context.Context) error {
	if err := network.Disable().Do(withExecutorCtx(ctx, t.exec)); err != nil {
		return err
	}
	t.networkEventsEnabled = false
	return nil
}

// EnableDOMEvents turns on the DOM domain.
func (t *Tab) EnableDOMEvents(ctx context.Context) error {
	if err := dom.Enable().Do(withExecutorCtx(ctx, t.exec)); err != nil {
		return err
	}
	t.domEventsEnabled = true
	return nil
}

// DisableDOMEvents turns the DOM domain off.
func (t *Tab) DisableDOMEvents(ctx context.Context) error {
	if err := dom.Disable().Do(withExecutorCtx(ctx, t.exec)); err != nil {
		return err
	}
	t.domEventsEnabled = false
	return nil
}

// EnableRuntimeEvents turns on the Runtime domain.
func (t *Tab) EnableRuntimeEvents(ctx context.Context) error {
	if err := runtime.Enable().Do(withExecutorCtx(ctx, t.exec)); err != nil {
		return err
	}
	t.runtimeEventsEnabled = true
	return nil
}

// DisableRuntimeEvents turns the Runtime domain off.
func (t *Tab) DisableRuntimeEvents(ctx context.Context) error {
	if err := runtime.Disable().Do(withExecutorCtx(ctx, t.exec)); err != nil {
		return err
	}
	t.runtimeEventsEnabled = false
	return nil
}

// EnableFetchEvents turns on the Fetch domain for request
// interception.
func (t *Tab) EnableFetchEvents(ctx context.Context) error {
	if err := fetch.Enable().Do(withExecutorCtx(ctx, t.exec)); err != nil {
		return err
	}
	t.fetchEventsEnabled = true
	return nil
}

// DisableFetchEvents turns the Fetch domain off.
func (t *Tab) DisableFetchEvents(ctx context.Context) error {
	if err := fetch.Disable().Do(withExecutorCtx(ctx, t.exec)); err != nil {
		return err
	}
	t.fetchEventsEnabled = false
	return nil
}

// SetInterceptFileChooserDialog toggles interception of file chooser
// dialogs, so SetInputFiles can service them without a native picker.
func (t *Tab) SetInterceptFileChooserDialog(ctx context.Context, enabled bool) error {
	if err := page.SetInterceptFileChooserDialog(enabled).Do(withExecutorCtx(ctx, t.exec)); err != nil {
		return err
	}
	t.fileChooserInterceptOn = enabled
	return nil
}

// Navigate drives the page to url and waits for the load event, up to
// timeout (DefaultPageLoadTimeout when zero). Page events are enabled
// on demand so the load event is observable.
func (t *Tab) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultPageLoadTimeout
	}
	if !t.pageEventsEnabled {
		if err := t.EnablePageEvents(ctx); err != nil {
			return err
		}
	}

	loaded := make(chan struct{}, 1)
	t.On("Page.loadEventFired", func(*cdproto.Message) {
		select {
		case loaded <- struct{}{}:
		default:
		}
	}, true)

	if _, _, errText, err := page.Navigate(url).Do(withExecutorCtx(ctx, t.exec)); err != nil {
		return err
	} else if errText != "" {
		return Error("navigation failed: " + errText)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-loaded:
		return nil
	case <-timer.C:
		return ErrPageLoadTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh reloads the page and waits for the load event like Navigate.
func (t *Tab) Refresh(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultPageLoadTimeout
	}
	if !t.pageEventsEnabled {
		if err := t.EnablePageEvents(ctx); err != nil {
			return err
		}
	}

	loaded := make(chan struct{}, 1)
	t.On("Page.loadEventFired", func(*cdproto.Message) {
		select {
		case loaded <- struct{}{}:
		default:
		}
	}, true)

	if err := page.Reload().Do(withExecutorCtx(ctx, t.exec)); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-loaded:
		return nil
	case <-timer.C:
		return ErrPageLoadTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentURL returns window.location.href for the tab's document.
func (t *Tab) CurrentURL(ctx context.Context) (string, error) {
	var url string
	sc := t.scope()
	if sc.isDocument() {
		err := evaluateValue(ctx, sc.exec, "window.location.href", sc.execCtx, &url)
		return url, err
	}
	err := callFunctionOnValue(ctx, sc.exec, sc.objectID, "function(){ return this.ownerDocument.location.href; }", &url)
	return url, err
}

// PageSource returns the document's outer HTML.
func (t *Tab) PageSource(ctx context.Context) (string, error) {
	var src string
	sc := t.scope()
	if sc.isDocument() {
		err := evaluateValue(ctx, sc.exec, "document.documentElement.outerHTML", sc.execCtx, &src)
		return src, err
	}
	err := callFunctionOnValue(ctx, sc.exec, sc.objectID, "function(){ return this.outerHTML; }", &src)
	return src, err
}

// Find looks up a single element at document scope.
func (t *Tab) Find(ctx context.Context, opts FindOptions) (*ElementHandle, error) {
	strategy, value, err := opts.buildStrategy()
	if err != nil {
		return nil, err
	}
	handles, err := findOrWaitElement(ctx, t.scope(), strategy, value, opts.Timeout, false, opts.RaiseExc)
	if err != nil || len(handles) == 0 {
		return nil, err
	}
	return handles[0], nil
}

// FindAll is Find with find_all semantics.
func (t *Tab) FindAll(ctx context.Context, opts FindOptions) ([]*ElementHandle, error) {
	strategy, value, err := opts.buildStrategy()
	if err != nil {
		return nil, err
	}
	return findOrWaitElement(ctx, t.scope(), strategy, value, opts.Timeout, true, opts.RaiseExc)
}

// Query sniffs expression (XPath, #id, .class, CSS) and returns the
// first match.
func (t *Tab) Query(ctx context.Context, expression string, timeout time.Duration, raiseExc bool) (*ElementHandle, error) {
	strategy, value := sniffStrategy(expression)
	handles, err := findOrWaitElement(ctx, t.scope(), strategy, value, timeout, false, raiseExc)
	if err != nil || len(handles) == 0 {
		return nil, err
	}
	return handles[0], nil
}

// QueryAll is Query with find_all semantics.
func (t *Tab) QueryAll(ctx context.Context, expression string, timeout time.Duration, raiseExc bool) ([]*ElementHandle, error) {
	strategy, value := sniffStrategy(expression)
	return findOrWaitElement(ctx, t.scope(), strategy, value, timeout, true, raiseExc)
}

// scriptArgumentToken is the placeholder an ExecuteScript script uses
// to refer to the bound element.
const scriptArgumentToken = "argument"

// ExecuteScript evaluates script in the tab's context. When element is
// non-nil the script must reference it through the "argument" token
// (rewritten to `this` and invoked with Runtime.callFunctionOn bound to
// the element); a script that names "argument" without an element, or
// an element without an "argument" reference, violates the contract and
// fails with ErrInvalidScriptWithElement.
func (t *Tab) ExecuteScript(ctx context.Context, script string, element *ElementHandle) (*runtime.RemoteObject, error) {
	hasToken := strings.Contains(script, scriptArgumentToken)
	if hasToken && element == nil {
		return nil, ErrInvalidScriptWithElement
	}
	if element != nil && !hasToken {
		return nil, ErrInvalidScriptWithElement
	}

	if element != nil {
		body := strings.ReplaceAll(script, scriptArgumentToken, "this")
		return callFunctionOn(ctx, element.exec, element.objectID, wrapFunction(body))
	}

	sc := t.scope()
	if sc.isDocument() {
		return evaluate(ctx, sc.exec, script, sc.execCtx)
	}
	return callFunctionOn(ctx, sc.exec, sc.objectID, wrapFunction(script))
}

// HasDialog reports whether a javascript dialog is currently open on
// the page.
func (t *Tab) HasDialog() bool {
	_, ok := t.conn.Router.CurrentDialog()
	return ok
}

// GetDialogMessage returns the open dialog's message, or
// ErrNoDialogPresent when the slot is empty.
func (t *Tab) GetDialogMessage() (string, error) {
	msg, ok := t.conn.Router.CurrentDialog()
	if !ok {
		return "", ErrNoDialogPresent
	}
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		return "", err
	}
	d, ok := ev.(*page.EventJavascriptDialogOpening)
	if !ok {
		return "", ErrNoDialogPresent
	}
	return d.Message, nil
}

// HandleDialog accepts or dismisses the open dialog, optionally
// supplying prompt text.
func (t *Tab) HandleDialog(ctx context.Context, accept bool, promptText string) error {
	if !t.HasDialog() {
		return ErrNoDialogPresent
	}
	p := page.HandleJavaScriptDialog(accept)
	if promptText != "" {
		p = p.WithPromptText(promptText)
	}
	return p.Do(withExecutorCtx(ctx, t.exec))
}

// GetNetworkLogs returns the captured request events, optionally
// filtered to those whose request URL contains filter. Network events
// must have been enabled first.
func (t *Tab) GetNetworkLogs(filter string) ([]*network.EventRequestWillBeSent, error) {
	if !t.networkEventsEnabled {
		return nil, ErrNetworkEventsNotEnabled
	}
	logs := t.conn.Router.NetworkLogs()
	out := make([]*network.EventRequestWillBeSent, 0, len(logs))
	for _, msg := range logs {
		ev, err := cdproto.UnmarshalMessage(msg)
		if err != nil {
			continue
		}
		req, ok := ev.(*network.EventRequestWillBeSent)
		if !ok {
			continue
		}
		if filter != "" && !strings.Contains(req.Request.URL, filter) {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// GetNetworkResponseBody fetches the response body for a logged
// request. Network events must have been enabled first.
func (t *Tab) GetNetworkResponseBody(ctx context.Context, requestID network.RequestID) (string, error) {
	if !t.networkEventsEnabled {
		return "", ErrNetworkEventsNotEnabled
	}
	body, err := network.GetResponseBody(requestID).Do(withExecutorCtx(ctx, t.exec))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// TakeScreenshot captures the full page to path. It refuses to run on
// an iframe Tab; capture the owning page instead.
func (t *Tab) TakeScreenshot(ctx context.Context, path string, quality int) error {
	if t.iframe != nil {
		return ErrTopLevelTargetRequired
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !allowedScreenshotExt[ext] {
		return ErrInvalidFileExtension
	}

	format := page.CaptureScreenshotFormatPng
	if ext == ".jpg" || ext == ".jpeg" {
		format = page.CaptureScreenshotFormatJpeg
	}
	p := page.CaptureScreenshot().WithFormat(format).WithCaptureBeyondViewport(true)
	if format == page.CaptureScreenshotFormatJpeg && quality > 0 {
		p = p.WithQuality(int64(math.Min(float64(quality), 100)))
	}
	buf, err := p.Do(withExecutorCtx(ctx, t.exec))
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

// GetFrame resolves the Tab fronting an <iframe> element's content
// document. The resolved frame is cached on this Tab, so a second call
// with the same iframe returns the same Tab and its isolated world is
// created at most once per frame.
func (t *Tab) GetFrame(ctx context.Context, handle *ElementHandle) (*Tab, error) {
	identity, err := resolveFrameIdentity(ctx, t, handle)
	if err != nil {
		return nil, err
	}

	key := identity.cacheKey()
	t.mu.Lock()
	if cached, ok := t.frames[key]; ok {
		t.mu.Unlock()
		// A cached frame means this identity's browser connection (if it
		// attached one) is redundant.
		if identity.ownConn != nil && identity.ownConn != cached.iframe.ownConn {
			identity.ownConn.Close()
		}
		return cached, nil
	}
	t.mu.Unlock()

	ifctx, err := createIFrameWorld(ctx, identity)
	if err != nil {
		if identity.ownConn != nil {
			identity.ownConn.Close()
		}
		return nil, err
	}

	frame := &Tab{
		host:     t.host,
		port:     t.port,
		targetID: t.targetID,
		conn:     t.conn,
		exec:     ifctx.exec,
		iframe:   ifctx,
		parent:   t,
		frames:   make(map[string]*Tab),
	}

	t.mu.Lock()
	if cached, ok := t.frames[key]; ok {
		t.mu.Unlock()
		ifctx.Close()
		return cached, nil
	}
	t.frames[key] = frame
	t.mu.Unlock()
	return frame, nil
}

// Request lazily constructs the fetch-based HTTP helper bound to this
// tab's JS execution context.
func (t *Tab) Request() *Request {
	t.requestOnce.Do(func() {
		t.request = &Request{tab: t}
	})
	return t.request
}

// ExpectDownload arms download tracking on the browser and returns a
// Download that completes on the first downloadProgress event with
// state "completed". Call it before triggering the download, then Wait
// on the returned handle.
func (t *Tab) ExpectDownload(ctx context.Context, keepFileAt string) (*Download, error) {
	if t.iframe != nil {
		return nil, ErrTopLevelTargetRequired
	}

	behavior := browser.SetDownloadBehaviorBehaviorAllowAndName
	p := browser.SetDownloadBehavior(behavior).WithEventsEnabled(true)
	if keepFileAt != "" {
		p = p.WithDownloadPath(keepFileAt)
	}
	if err := p.Do(withExecutorCtx(ctx, t.exec)); err != nil {
		return nil, err
	}

	d := &Download{tab: t, done: make(chan struct{})}
	d.beginSub = t.On("Browser.downloadWillBegin", func(msg *cdproto.Message) {
		ev, err := cdproto.UnmarshalMessage(msg)
		if err != nil {
			return
		}
		if begin, ok := ev.(*browser.EventDownloadWillBegin); ok {
			d.mu.Lock()
			if d.guid == "" {
				d.guid = begin.GUID
				d.suggestedFilename = begin.SuggestedFilename
				d.url = begin.URL
			}
			d.mu.Unlock()
		}
	}, false)
	d.progressSub = t.On("Browser.downloadProgress", func(msg *cdproto.Message) {
		ev, err := cdproto.UnmarshalMessage(msg)
		if err != nil {
			return
		}
		progress, ok := ev.(*browser.EventDownloadProgress)
		if !ok || progress.State != browser.DownloadProgressStateCompleted {
			return
		}
		d.mu.Lock()
		if d.guid != "" && progress.GUID != d.guid {
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		d.complete()
	}, false)

	return d, nil
}

// Close closes the tab: child iframe connections first, then its own
// Connection (socket plus receive task). An iframe Tab closes only its
// own child-target connection, never the parent's.
func (t *Tab) Close() error {
	t.mu.Lock()
	frames := t.frames
	t.frames = make(map[string]*Tab)
	t.mu.Unlock()
	for _, frame := range frames {
		frame.Close()
	}

	if t.iframe != nil {
		return t.iframe.Close()
	}
	return t.conn.Close()
}

// Download tracks one expected browser download armed by
// ExpectDownload.
type Download struct {
	tab *Tab

	mu                sync.Mutex
	guid              string
	suggestedFilename string
	url               string

	beginSub    int
	progressSub int

	once sync.Once
	done chan struct{}
}

func (d *Download) complete() {
	d.once.Do(func() { close(d.done) })
}

// GUID returns the browser-assigned download id, once known.
func (d *Download) GUID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.guid
}

// SuggestedFilename returns the filename the browser suggested, once
// known.
func (d *Download) SuggestedFilename() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suggestedFilename
}

// URL returns the download's source URL, once known.
func (d *Download) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// Wait blocks until the download completes or timeout elapses, then
// removes the event subscriptions either way.
func (d *Download) Wait(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultPageLoadTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer d.Cancel()

	select {
	case <-d.done:
		return nil
	case <-timer.C:
		return ErrDownloadTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel removes the download's event subscriptions without waiting.
func (d *Download) Cancel() {
	d.tab.RemoveCallback(d.beginSub)
	d.tab.RemoveCallback(d.progressSub)
}
