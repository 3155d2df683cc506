package pydoll

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"
)

const (
	buttonObjectReply = `{"result":{"type":"object","subtype":"node","className":"HTMLButtonElement","objectId":"OBJ-1"}}`
	nullObjectReply   = `{"result":{"type":"object","subtype":"null","value":null}}`
	buttonNodeReply   = `{"node":{"nodeId":1,"backendNodeId":2,"nodeType":1,"nodeName":"BUTTON","localName":"button","nodeValue":"","childNodeCount":0,"attributes":["id","btn-1","class","primary large"]}}`
)

func TestFindByIDMaterializesHandle(t *testing.T) {
	t.Parallel()

	tab, ft := newTestTab(t, methodReply(map[string]string{
		"Runtime.evaluate": buttonObjectReply,
		"DOM.describeNode": buttonNodeReply,
	}, nil))

	h, err := tab.Find(context.Background(), FindOptions{ID: "btn-1", RaiseExc: true})
	if err != nil {
		t.Fatal(err)
	}

	if got, _ := h.Attribute("id"); got != "btn-1" {
		t.Errorf("id attribute %q", got)
	}
	if got, _ := h.Attribute("class_name"); got != "primary large" {
		t.Errorf("class_name attribute %q", got)
	}
	if _, ok := h.Attribute("class"); ok {
		t.Error("raw class attribute leaked through")
	}
	if h.TagName() != "button" {
		t.Errorf("tag name %q", h.TagName())
	}
	strategy, value := h.Selector()
	if strategy != StrategyID || value != "btn-1" {
		t.Errorf("selector (%v, %q)", strategy, value)
	}

	// The ID fast path goes through querySelector, not XPath.
	var evalParams string
	for _, m := range ft.written {
		if string(m.Method) == "Runtime.evaluate" {
			evalParams = string(m.Params)
		}
	}
	if !strings.Contains(evalParams, `document.querySelector(`) || !strings.Contains(evalParams, "#btn-1") {
		t.Errorf("evaluate params %s", evalParams)
	}
}

func TestFindNotFoundSemantics(t *testing.T) {
	t.Parallel()

	tab, _ := newTestTab(t, methodReply(map[string]string{
		"Runtime.evaluate": nullObjectReply,
	}, nil))
	ctx := context.Background()

	// Immediate lookup with raise: ElementNotFound.
	_, err := tab.Find(ctx, FindOptions{ID: "ghost", RaiseExc: true})
	if !errors.Is(err, ErrElementNotFound) {
		t.Errorf("timeout=0 raise: got %v", err)
	}

	// Polling lookup with raise: WaitElementTimeout.
	start := time.Now()
	_, err = tab.Find(ctx, FindOptions{ID: "ghost", Timeout: 700 * time.Millisecond, RaiseExc: true})
	if !errors.Is(err, ErrWaitElementTimeout) {
		t.Errorf("timeout>0 raise: got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 700*time.Millisecond {
		t.Errorf("polling gave up after %v, before the deadline", elapsed)
	}

	// No raise: nil result, nil error.
	h, err := tab.Find(ctx, FindOptions{ID: "ghost"})
	if err != nil || h != nil {
		t.Errorf("raise=false: got (%v, %v)", h, err)
	}
}

func TestFindWaitSucceedsOncePresent(t *testing.T) {
	t.Parallel()

	// Miss twice, then hit: the poller must return the handle, not a
	// timeout.
	misses := 2
	tab, _ := newTestTab(t, func(msg *cdproto.Message) []*cdproto.Message {
		result := `{}`
		switch string(msg.Method) {
		case "Runtime.evaluate":
			if misses > 0 {
				misses--
				result = nullObjectReply
			} else {
				result = buttonObjectReply
			}
		case "DOM.describeNode":
			result = buttonNodeReply
		}
		return []*cdproto.Message{{ID: msg.ID, Result: easyjson.RawMessage(result)}}
	})

	h, err := tab.Find(context.Background(), FindOptions{ID: "btn-1", Timeout: 5 * time.Second, RaiseExc: true})
	if err != nil {
		t.Fatal(err)
	}
	if h == nil || h.TagName() != "button" {
		t.Fatalf("poller returned %+v", h)
	}
}

func TestFindAllMaterializesEveryIndexedObject(t *testing.T) {
	t.Parallel()

	tab, ft := newTestTab(t, methodReply(map[string]string{
		"Runtime.evaluate":      `{"result":{"type":"object","subtype":"array","objectId":"ARR-1"}}`,
		"Runtime.getProperties": `{"result":[{"name":"0","value":{"type":"object","subtype":"node","objectId":"OBJ-1"},"configurable":true,"enumerable":true},{"name":"1","value":{"type":"object","subtype":"node","objectId":"OBJ-2"},"configurable":true,"enumerable":true},{"name":"length","value":{"type":"number","value":2},"configurable":true,"enumerable":false}]}`,
		"DOM.describeNode":      buttonNodeReply,
	}, nil))

	handles, err := tab.FindAll(context.Background(), FindOptions{TagName: "button", RaiseExc: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(handles) != 2 {
		t.Fatalf("materialized %d handles, want 2", len(handles))
	}
	if handles[0].objectID != "OBJ-1" || handles[1].objectID != "OBJ-2" {
		t.Errorf("object ids %q %q", handles[0].objectID, handles[1].objectID)
	}

	var sawAll bool
	for _, m := range ft.written {
		if string(m.Method) == "Runtime.evaluate" && strings.Contains(string(m.Params), "querySelectorAll") {
			sawAll = true
		}
	}
	if !sawAll {
		t.Error("findAll did not use querySelectorAll")
	}
}

func TestElementScopedFindUsesCallFunctionOn(t *testing.T) {
	t.Parallel()

	tab, ft := newTestTab(t, methodReply(map[string]string{
		"Runtime.callFunctionOn": buttonObjectReply,
		"DOM.describeNode":       buttonNodeReply,
	}, nil))

	parent := &ElementHandle{exec: tab.exec, objectID: "PARENT-1", tagName: "div"}
	h, err := parent.Find(context.Background(), FindOptions{TagName: "button", RaiseExc: true})
	if err != nil {
		t.Fatal(err)
	}
	if h.TagName() != "button" {
		t.Errorf("tag %q", h.TagName())
	}

	last := ft.written[0]
	if string(last.Method) != "Runtime.callFunctionOn" {
		t.Fatalf("node-scope find used %s", last.Method)
	}
	params := string(last.Params)
	if !strings.Contains(params, `"objectId":"PARENT-1"`) || !strings.Contains(params, "this.querySelector(") {
		t.Errorf("call params %s", params)
	}
}

func TestElementScopedXPathIsRelative(t *testing.T) {
	t.Parallel()

	tab, ft := newTestTab(t, methodReply(map[string]string{
		"Runtime.callFunctionOn": buttonObjectReply,
		"DOM.describeNode":       buttonNodeReply,
	}, nil))

	parent := &ElementHandle{exec: tab.exec, objectID: "PARENT-1", tagName: "div"}
	if _, err := parent.Query(context.Background(), "//button", 0, true); err != nil {
		t.Fatal(err)
	}

	params := string(ft.written[0].Params)
	if !strings.Contains(params, `.//button`) {
		t.Errorf("absolute xpath not made relative at node scope: %s", params)
	}
	if !strings.Contains(params, "document.evaluate") || !strings.Contains(params, "this") {
		t.Errorf("xpath not evaluated against the node: %s", params)
	}
}

func TestClickDispatchesPressAndRelease(t *testing.T) {
	t.Parallel()

	tab, ft := newTestTab(t, methodReply(map[string]string{
		"Runtime.callFunctionOn": `{"result":{"type":"boolean","value":true}}`,
		"DOM.getBoxModel":        `{"model":{"content":[10,20,110,20,110,60,10,60],"padding":[],"border":[],"margin":[],"width":100,"height":40}}`,
	}, nil))

	h := &ElementHandle{exec: tab.exec, objectID: "OBJ-1", tagName: "button"}
	if err := h.Click(context.Background(), 0, 0, 0); err != nil {
		t.Fatal(err)
	}

	var mouse []string
	for _, m := range ft.written {
		if string(m.Method) == "Input.dispatchMouseEvent" {
			mouse = append(mouse, string(m.Params))
		}
	}
	if len(mouse) != 2 {
		t.Fatalf("dispatched %d mouse events, want press+release", len(mouse))
	}
	if !strings.Contains(mouse[0], `"mousePressed"`) || !strings.Contains(mouse[1], `"mouseReleased"`) {
		t.Errorf("event order: %v", mouse)
	}
	// Centroid of the content quad is (60, 40).
	for _, p := range mouse {
		if !strings.Contains(p, `"x":60`) || !strings.Contains(p, `"y":40`) {
			t.Errorf("click point not the quad centroid: %s", p)
		}
		if !strings.Contains(p, `"button":"left"`) || !strings.Contains(p, `"clickCount":1`) {
			t.Errorf("mouse params: %s", p)
		}
	}
}

func TestClickHiddenElement(t *testing.T) {
	t.Parallel()

	tab, _ := newTestTab(t, methodReply(map[string]string{
		"Runtime.callFunctionOn": `{"result":{"type":"boolean","value":false}}`, // not visible
	}, nil))

	h := &ElementHandle{exec: tab.exec, objectID: "OBJ-1", tagName: "button"}
	if err := h.Click(context.Background(), 0, 0, 0); !errors.Is(err, ErrElementNotVisible) {
		t.Fatalf("got %v, want ErrElementNotVisible", err)
	}
}

func TestClickFallsBackToJSBounds(t *testing.T) {
	t.Parallel()

	// Box model unavailable: the click point comes from the JS
	// bounding rect instead.
	tab, ft := newTestTab(t, func(msg *cdproto.Message) []*cdproto.Message {
		switch string(msg.Method) {
		case "Runtime.callFunctionOn":
			params := string(msg.Params)
			if strings.Contains(params, "getBoundingClientRect") && strings.Contains(params, "ownerDocument") {
				return []*cdproto.Message{{ID: msg.ID, Result: easyjson.RawMessage(
					`{"result":{"type":"object","value":{"x":10,"y":20,"width":100,"height":40}}}`)}}
			}
			return []*cdproto.Message{{ID: msg.ID, Result: easyjson.RawMessage(`{"result":{"type":"boolean","value":true}}`)}}
		case "DOM.getBoxModel":
			return []*cdproto.Message{{ID: msg.ID, Error: &cdproto.Error{Code: -32000, Message: "Could not compute box model."}}}
		}
		return []*cdproto.Message{{ID: msg.ID, Result: easyjson.RawMessage(`{}`)}}
	})

	h := &ElementHandle{exec: tab.exec, objectID: "OBJ-1", tagName: "button"}
	if err := h.Click(context.Background(), 0, 0, 0); err != nil {
		t.Fatal(err)
	}

	var sawPress bool
	for _, m := range ft.written {
		if string(m.Method) == "Input.dispatchMouseEvent" && strings.Contains(string(m.Params), `"mousePressed"`) {
			sawPress = true
			if !strings.Contains(string(m.Params), `"x":60`) || !strings.Contains(string(m.Params), `"y":40`) {
				t.Errorf("fallback click point: %s", m.Params)
			}
		}
	}
	if !sawPress {
		t.Error("no mouse press dispatched")
	}
}

func TestClickOptionTagUsesJS(t *testing.T) {
	t.Parallel()

	tab, ft := newTestTab(t, methodReply(map[string]string{
		"Runtime.callFunctionOn": `{"result":{"type":"boolean","value":true}}`,
	}, nil))

	h := &ElementHandle{exec: tab.exec, objectID: "OPT-1", tagName: "option"}
	if err := h.Click(context.Background(), 0, 0, 0); err != nil {
		t.Fatal(err)
	}

	for _, m := range ft.written {
		if string(m.Method) == "Input.dispatchMouseEvent" {
			t.Fatal("option click dispatched a native mouse event")
		}
	}
	params := string(ft.written[0].Params)
	if !strings.Contains(params, "closest('select')") {
		t.Errorf("option click helper: %s", params)
	}
}

func TestSetInputFilesRequiresFileInput(t *testing.T) {
	t.Parallel()

	tab, _ := newTestTab(t, methodReply(nil, nil))
	ctx := context.Background()

	div := &ElementHandle{exec: tab.exec, objectID: "D1", tagName: "div"}
	if err := div.SetInputFiles(ctx, []string{"/tmp/a.txt"}); !errors.Is(err, ErrElementNotAFileInput) {
		t.Errorf("div: got %v", err)
	}

	textInput := &ElementHandle{exec: tab.exec, objectID: "I1", tagName: "input",
		attributes: map[string]string{"type": "text"}}
	if err := textInput.SetInputFiles(ctx, []string{"/tmp/a.txt"}); !errors.Is(err, ErrElementNotAFileInput) {
		t.Errorf("text input: got %v", err)
	}

	fileInput := &ElementHandle{exec: tab.exec, objectID: "I2", tagName: "input",
		attributes: map[string]string{"type": "file"}}
	if err := fileInput.SetInputFiles(ctx, []string{"/tmp/a.txt"}); err != nil {
		t.Errorf("file input: %v", err)
	}
}

func TestTypeTextDispatchesPerRune(t *testing.T) {
	t.Parallel()

	tab, ft := newTestTab(t, methodReply(map[string]string{
		"Runtime.callFunctionOn": `{"result":{"type":"boolean","value":true}}`,
		"DOM.getBoxModel":        `{"model":{"content":[0,0,10,0,10,10,0,10],"padding":[],"border":[],"margin":[],"width":10,"height":10}}`,
	}, nil))

	h := &ElementHandle{exec: tab.exec, objectID: "IN-1", tagName: "input"}
	if err := h.TypeText(context.Background(), "hi!", 0); err != nil {
		t.Fatal(err)
	}

	var chars []string
	for _, m := range ft.written {
		if string(m.Method) == "Input.dispatchKeyEvent" {
			chars = append(chars, string(m.Params))
		}
	}
	if len(chars) != 3 {
		t.Fatalf("dispatched %d key events, want 3", len(chars))
	}
	for i, want := range []string{`"text":"h"`, `"text":"i"`, `"text":"!"`} {
		if !strings.Contains(chars[i], want) || !strings.Contains(chars[i], `"char"`) {
			t.Errorf("key event %d: %s", i, chars[i])
		}
	}
}

func TestTextStripsTags(t *testing.T) {
	t.Parallel()

	tab, _ := newTestTab(t, methodReply(map[string]string{
		"DOM.getOuterHTML": `{"outerHTML":"<button id=\"btn-1\"><b>Sub</b>mit</button>"}`,
	}, nil))

	h := &ElementHandle{exec: tab.exec, objectID: "OBJ-1", tagName: "button"}
	text, err := h.Text(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if text != "Submit" {
		t.Errorf("text %q", text)
	}
}

func TestWaitUntilTimesOut(t *testing.T) {
	t.Parallel()

	tab, _ := newTestTab(t, methodReply(map[string]string{
		"Runtime.callFunctionOn": `{"result":{"type":"boolean","value":false}}`,
	}, nil))

	h := &ElementHandle{exec: tab.exec, objectID: "OBJ-1", tagName: "button"}
	err := h.WaitUntil(context.Background(), true, false, 300*time.Millisecond)
	if !errors.Is(err, ErrWaitElementTimeout) {
		t.Fatalf("got %v, want ErrWaitElementTimeout", err)
	}
}

func TestQuadCentroid(t *testing.T) {
	t.Parallel()

	q := Quad{0, 0, 100, 0, 100, 50, 0, 50}
	x, y := q.Centroid()
	if x != 50 || y != 25 {
		t.Errorf("centroid (%v, %v)", x, y)
	}
}
