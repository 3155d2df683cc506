package pydoll

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"

	"github.com/yie1d/pydoll-sub001/kb"
)

// ElementHandle exclusively owns one RemoteObjectId and a reference
// back to the executor that can issue commands for it (the Tab's root
// session, or an iframe's child-session executor). It is not interned:
// two lookups of the same DOM node produce distinct handles with
// distinct object ids.
type ElementHandle struct {
	exec     *sessionExecutor
	execCtx  runtime.ExecutionContextID
	objectID runtime.RemoteObjectID

	attributes map[string]string
	strategy   Strategy
	value      string
	tagName    string
}

// Attribute returns the value captured for name at discovery time
// (class is exposed as "class_name").
func (h *ElementHandle) Attribute(name string) (string, bool) {
	v, ok := h.attributes[name]
	return v, ok
}

// Attributes returns a copy of the flat attribute map captured at
// discovery time.
func (h *ElementHandle) Attributes() map[string]string {
	out := make(map[string]string, len(h.attributes))
	for k, v := range h.attributes {
		out[k] = v
	}
	return out
}

// TagName returns the lowercased node name.
func (h *ElementHandle) TagName() string { return h.tagName }

// Selector returns the strategy/value that produced this handle, for
// diagnostics.
func (h *ElementHandle) Selector() (Strategy, string) { return h.strategy, h.value }

func (h *ElementHandle) scope() scope {
	return scope{exec: h.exec, execCtx: h.execCtx, objectID: h.objectID}
}

// Find looks up a single descendant of this element; the search scope
// is the element's own subtree.
func (h *ElementHandle) Find(ctx context.Context, opts FindOptions) (*ElementHandle, error) {
	strategy, value, err := opts.buildStrategy()
	if err != nil {
		return nil, err
	}
	handles, err := findOrWaitElement(ctx, h.scope(), strategy, value, opts.Timeout, false, opts.RaiseExc)
	if err != nil || len(handles) == 0 {
		return nil, err
	}
	return handles[0], nil
}

// FindAll is Find with find_all semantics.
func (h *ElementHandle) FindAll(ctx context.Context, opts FindOptions) ([]*ElementHandle, error) {
	strategy, value, err := opts.buildStrategy()
	if err != nil {
		return nil, err
	}
	return findOrWaitElement(ctx, h.scope(), strategy, value, opts.Timeout, true, opts.RaiseExc)
}

// Query sniffs expression (XPath, #id, .class, CSS) and returns the
// first match inside this element's subtree.
func (h *ElementHandle) Query(ctx context.Context, expression string, timeout time.Duration, raiseExc bool) (*ElementHandle, error) {
	strategy, value := sniffStrategy(expression)
	handles, err := findOrWaitElement(ctx, h.scope(), strategy, value, timeout, false, raiseExc)
	if err != nil || len(handles) == 0 {
		return nil, err
	}
	return handles[0], nil
}

// QueryAll is Query with find_all semantics.
func (h *ElementHandle) QueryAll(ctx context.Context, expression string, timeout time.Duration, raiseExc bool) ([]*ElementHandle, error) {
	strategy, value := sniffStrategy(expression)
	return findOrWaitElement(ctx, h.scope(), strategy, value, timeout, true, raiseExc)
}

// Text fetches outer HTML and strips tags to produce the element's
// visible text.
func (h *ElementHandle) Text(ctx context.Context) (string, error) {
	cdpCtx := withExecutorCtx(ctx, h.exec)
	html, err := dom.GetOuterHTML().WithObjectID(h.objectID).Do(cdpCtx)
	if err != nil {
		return "", err
	}
	return textFromOuterHTML(html), nil
}

// Quad is the eight-number polygon DOM.getBoxModel returns for a box
// (x1,y1,x2,y2,x3,y3,x4,y4).
type Quad []float64

// Centroid returns the polygon's center point.
func (q Quad) Centroid() (x, y float64) {
	if len(q) < 8 {
		return 0, 0
	}
	for i := 0; i < 8; i += 2 {
		x += q[i]
		y += q[i+1]
	}
	return x / 4, y / 4
}

// Bounds returns the content box model quad via DOM.getBoxModel.
func (h *ElementHandle) Bounds(ctx context.Context) (Quad, error) {
	cdpCtx := withExecutorCtx(ctx, h.exec)
	model, err := dom.GetBoxModel().WithObjectID(h.objectID).Do(cdpCtx)
	if err != nil {
		return nil, err
	}
	return Quad(model.Content), nil
}

// Rect is a getBoundingClientRect()-shaped result, the JS fallback used
// when the box model is unavailable.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the rect's center point.
func (r Rect) Center() (x, y float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// GetBoundsUsingJS evaluates getBoundingClientRect() as JSON.
func (h *ElementHandle) GetBoundsUsingJS(ctx context.Context) (Rect, error) {
	var r Rect
	err := callFunctionOnValue(ctx, h.exec, h.objectID, jsGetClientRect, &r)
	return r, err
}

// boxModelOrJS resolves a click point, preferring the CDP box model and
// falling back to the JS bounding rect when the box model is
// unavailable (e.g. a zero-size or display:none element).
func (h *ElementHandle) boxModelOrJS(ctx context.Context) (x, y float64, err error) {
	quad, err := h.Bounds(ctx)
	if err == nil && len(quad) >= 8 {
		x, y = quad.Centroid()
		return x, y, nil
	}
	rect, jsErr := h.GetBoundsUsingJS(ctx)
	if jsErr != nil {
		return 0, 0, jsErr
	}
	x, y = rect.Center()
	return x, y, nil
}

// InnerHTML returns the element's outer HTML via DOM.getOuterHTML.
func (h *ElementHandle) InnerHTML(ctx context.Context) (string, error) {
	cdpCtx := withExecutorCtx(ctx, h.exec)
	return dom.GetOuterHTML().WithObjectID(h.objectID).Do(cdpCtx)
}

// ScrollIntoView issues DOM.scrollIntoViewIfNeeded.
func (h *ElementHandle) ScrollIntoView(ctx context.Context) error {
	cdpCtx := withExecutorCtx(ctx, h.exec)
	return dom.ScrollIntoViewIfNeeded().WithObjectID(h.objectID).Do(cdpCtx)
}

// IsVisible evaluates the offsetWidth/offsetHeight/getClientRects
// predicate in the element's own context.
func (h *ElementHandle) IsVisible(ctx context.Context) (bool, error) {
	var ok bool
	err := callFunctionOnValue(ctx, h.exec, h.objectID, jsIsVisible, &ok)
	return ok, err
}

// IsOnTop reports whether the element is the topmost hit at its own
// center point.
func (h *ElementHandle) IsOnTop(ctx context.Context) (bool, error) {
	var ok bool
	err := callFunctionOnValue(ctx, h.exec, h.objectID, jsIsOnTop, &ok)
	return ok, err
}

// IsInteractable combines visibility, on-top, and enabled state.
func (h *ElementHandle) IsInteractable(ctx context.Context) (bool, error) {
	var ok bool
	err := callFunctionOnValue(ctx, h.exec, h.objectID, jsIsInteractable, &ok)
	return ok, err
}

// WaitUntil polls the requested predicates every pollInterval until
// all requested ones are true or the deadline expires.
func (h *ElementHandle) WaitUntil(ctx context.Context, wantVisible, wantInteractable bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok := true
		if wantVisible {
			v, err := h.IsVisible(ctx)
			if err != nil {
				return err
			}
			ok = ok && v
		}
		if ok && wantInteractable {
			v, err := h.IsInteractable(ctx)
			if err != nil {
				return err
			}
			ok = ok && v
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrWaitElementTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// isOptionTag reports whether this handle wraps an <option> element,
// which needs the JS-driven select-and-dispatch special case instead
// of synthesized mouse events.
func (h *ElementHandle) isOptionTag() bool { return h.tagName == "option" }

func (h *ElementHandle) clickOption(ctx context.Context) error {
	var ok bool
	if err := callFunctionOnValue(ctx, h.exec, h.objectID, jsClickOption, &ok); err != nil {
		return err
	}
	if !ok {
		return ErrElementNotInteractable
	}
	return nil
}

// Click synthesizes a mouse press/release pair at the element's
// centroid (offset by xOffset/yOffset), honoring holdTime between them.
// <option> elements are special-cased to a JS select+change dispatch
// since native mouse events don't select options in a closed dropdown.
func (h *ElementHandle) Click(ctx context.Context, xOffset, yOffset float64, holdTime time.Duration) error {
	if h.isOptionTag() {
		return h.clickOption(ctx)
	}

	visible, err := h.IsVisible(ctx)
	if err != nil {
		return err
	}
	if !visible {
		return ErrElementNotVisible
	}
	if err := h.ScrollIntoView(ctx); err != nil {
		return err
	}

	x, y, err := h.boxModelOrJS(ctx)
	if err != nil {
		return err
	}
	x += xOffset
	y += yOffset

	cdpCtx := withExecutorCtx(ctx, h.exec)
	if err := input.DispatchMouseEvent(input.MousePressed, x, y).
		WithButton(input.Left).WithClickCount(1).Do(cdpCtx); err != nil {
		return err
	}
	if holdTime > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(holdTime):
		}
	}
	return input.DispatchMouseEvent(input.MouseReleased, x, y).
		WithButton(input.Left).WithClickCount(1).Do(cdpCtx)
}

// ClickUsingJS performs the click via a native .click() call rather
// than synthesized input events, surfacing a rejected click as
// ErrElementNotInteractable.
func (h *ElementHandle) ClickUsingJS(ctx context.Context) error {
	if h.isOptionTag() {
		return h.clickOption(ctx)
	}
	if err := h.ScrollIntoView(ctx); err != nil {
		return err
	}
	visible, err := h.IsVisible(ctx)
	if err != nil {
		return err
	}
	if !visible {
		return ErrElementNotVisible
	}
	var ok bool
	if err := callFunctionOnValue(ctx, h.exec, h.objectID, jsClick, &ok); err != nil {
		return err
	}
	if !ok {
		return ErrElementNotInteractable
	}
	return nil
}

// InsertText dispatches Input.insertText as a single frame, with no
// per-character timing.
func (h *ElementHandle) InsertText(ctx context.Context, text string) error {
	cdpCtx := withExecutorCtx(ctx, h.exec)
	return input.InsertText(text).Do(cdpCtx)
}

// TypeText clicks the element then dispatches one Input.dispatchKeyEvent
// char event per rune, sleeping interval between keys.
func (h *ElementHandle) TypeText(ctx context.Context, text string, interval time.Duration) error {
	if err := h.Click(ctx, 0, 0, 0); err != nil {
		return err
	}
	cdpCtx := withExecutorCtx(ctx, h.exec)
	for _, r := range text {
		if err := input.DispatchKeyEvent(input.KeyChar).WithText(string(r)).Do(cdpCtx); err != nil {
			return err
		}
		if interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return nil
}

// keyEventParams builds the code/windowsVirtualKeyCode/text triple for a
// named key via the kb package's tables; modifiers only affect the text.
func keyEventParams(key string, modifiers kb.Modifier) (code string, vk int64, text string) {
	vk = kb.VirtualKeyCode(key)
	code = kb.GetSpecialCode(key)
	text = kb.GetSpecialKey(key, modifiers, vk)
	return code, vk, text
}

// KeyDown dispatches a single rawKeyDown event for key.
func (h *ElementHandle) KeyDown(ctx context.Context, key string, modifiers kb.Modifier) error {
	code, vk, text := keyEventParams(key, modifiers)
	cdpCtx := withExecutorCtx(ctx, h.exec)
	p := input.DispatchKeyEvent(input.KeyRawDown).
		WithCode(code).
		WithWindowsVirtualKeyCode(vk).
		WithModifiers(input.Modifier(modifiers))
	if text != "" {
		p = p.WithText(text)
	}
	return p.Do(cdpCtx)
}

// KeyUp dispatches a single keyUp event for key.
func (h *ElementHandle) KeyUp(ctx context.Context, key string, modifiers kb.Modifier) error {
	code, vk, _ := keyEventParams(key, modifiers)
	cdpCtx := withExecutorCtx(ctx, h.exec)
	return input.DispatchKeyEvent(input.KeyUp).
		WithCode(code).
		WithWindowsVirtualKeyCode(vk).
		WithModifiers(input.Modifier(modifiers)).
		Do(cdpCtx)
}

// PressKeyboardKey synthesizes a down/up pair for key with the given
// modifier bitmask, waiting interval between them.
func (h *ElementHandle) PressKeyboardKey(ctx context.Context, key string, modifiers kb.Modifier, interval time.Duration) error {
	if err := h.KeyDown(ctx, key, modifiers); err != nil {
		return err
	}
	if interval > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return h.KeyUp(ctx, key, modifiers)
}

// SetInputFiles requires this handle to wrap <input type="file"> and
// dispatches DOM.setFileInputFiles.
func (h *ElementHandle) SetInputFiles(ctx context.Context, files []string) error {
	if h.tagName != "input" {
		return ErrElementNotAFileInput
	}
	if t, _ := h.Attribute("type"); !strings.EqualFold(t, "file") {
		return ErrElementNotAFileInput
	}
	cdpCtx := withExecutorCtx(ctx, h.exec)
	return dom.SetFileInputFiles(files).WithObjectID(h.objectID).Do(cdpCtx)
}

// materializeOne evaluates a JS helper that returns at most one
// element node and wraps the result, or returns (nil, nil) if the
// helper returned null.
func (h *ElementHandle) materializeOne(ctx context.Context, js string) (*ElementHandle, error) {
	obj, err := callFunctionOn(ctx, h.exec, h.objectID, js)
	if err != nil {
		return nil, err
	}
	if obj == nil || obj.ObjectID == "" {
		return nil, nil
	}
	return materializeElement(ctx, h.scope(), obj.ObjectID, h.strategy, h.value)
}

// GetParentElement evaluates this.parentElement and wraps the result.
func (h *ElementHandle) GetParentElement(ctx context.Context) (*ElementHandle, error) {
	return h.materializeOne(ctx, jsGetParentElement)
}

// GetChildrenElements walks descendants up to maxDepth (negative means
// unbounded), optionally filtered by tag name.
func (h *ElementHandle) GetChildrenElements(ctx context.Context, maxDepth int, tagFilter string) ([]*ElementHandle, error) {
	arrayObj, err := callFunctionOn(ctx, h.exec, h.objectID, jsGetChildrenElements, maxDepth, tagFilter)
	if err != nil {
		return nil, err
	}
	if arrayObj == nil || arrayObj.ObjectID == "" {
		return nil, nil
	}
	return materializeArray(ctx, h.scope(), arrayObj.ObjectID, h.strategy, h.value)
}

// GetSiblingsElements returns this element's siblings, optionally
// filtered by tag name.
func (h *ElementHandle) GetSiblingsElements(ctx context.Context, tagFilter string) ([]*ElementHandle, error) {
	arrayObj, err := callFunctionOn(ctx, h.exec, h.objectID, jsGetSiblingsElements, tagFilter)
	if err != nil {
		return nil, err
	}
	if arrayObj == nil || arrayObj.ObjectID == "" {
		return nil, nil
	}
	return materializeArray(ctx, h.scope(), arrayObj.ObjectID, h.strategy, h.value)
}

// allowedScreenshotExt is the closed set of accepted screenshot file
// extensions.
var allowedScreenshotExt = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// TakeScreenshot computes the element's JS bounds, captures a clipped
// screenshot via Page.captureScreenshot, and writes the decoded bytes
// to path. quality only applies to jpg/jpeg captures.
func (h *ElementHandle) TakeScreenshot(ctx context.Context, path string, quality int) error {
	ext := strings.ToLower(filepath.Ext(path))
	if !allowedScreenshotExt[ext] {
		return ErrInvalidFileExtension
	}

	rect, err := h.GetBoundsUsingJS(ctx)
	if err != nil {
		return err
	}

	x, y := math.Round(rect.X), math.Round(rect.Y)
	width := math.Round(rect.Width + rect.X - x)
	height := math.Round(rect.Height + rect.Y - y)

	clip := &page.Viewport{X: x, Y: y, Width: width, Height: height, Scale: 1}

	format := page.CaptureScreenshotFormatPng
	if ext == ".jpg" || ext == ".jpeg" {
		format = page.CaptureScreenshotFormatJpeg
	}

	cdpCtx := withExecutorCtx(ctx, h.exec)
	p := page.CaptureScreenshot().WithFormat(format).WithClip(clip).WithCaptureBeyondViewport(true)
	if format == page.CaptureScreenshotFormatJpeg && quality > 0 {
		p = p.WithQuality(int64(quality))
	}
	buf, err := p.Do(cdpCtx)
	if err != nil {
		return err
	}

	return os.WriteFile(path, buf, 0o644)
}

// Release wraps Runtime.releaseObject, for callers who want
// deterministic cleanup of the remote object. Cleanup stays explicit;
// handles never release on their own.
func (h *ElementHandle) Release(ctx context.Context) error {
	return releaseObject(ctx, h.exec, h.objectID)
}
