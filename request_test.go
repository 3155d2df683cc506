package pydoll

import (
	"context"
	"strings"
	"testing"
)

func TestBuildFetchExpression(t *testing.T) {
	t.Parallel()

	expr := buildFetchExpression("POST", "https://api.example.com/v1/items", `{"a":1}`,
		map[string]string{"Content-Type": "application/json"})

	for _, want := range []string{
		`fetch("https://api.example.com/v1/items"`,
		`method: "POST"`,
		`"Content-Type": "application/json"`,
		`body: "{\"a\":1}"`,
		`await resp.text()`,
	} {
		if !strings.Contains(expr, want) {
			t.Errorf("expression missing %q:\n%s", want, expr)
		}
	}
}

func TestBuildFetchExpressionOmitsEmptyParts(t *testing.T) {
	t.Parallel()

	expr := buildFetchExpression("GET", "https://example.com/", "", nil)
	// The request options object carries only the method; the
	// response-shaping template after it has its own headers/body keys.
	if !strings.Contains(expr, `fetch("https://example.com/", {method: "GET"})`) {
		t.Errorf("empty options rendered:\n%s", expr)
	}
}

func TestWithQueryParams(t *testing.T) {
	t.Parallel()

	u, err := withQueryParams("https://example.com/search?q=a", map[string]string{"page": "2"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(u, "q=a") || !strings.Contains(u, "page=2") {
		t.Errorf("got %q", u)
	}

	// No params: URL untouched.
	u, err = withQueryParams("https://example.com/search?q=a", nil)
	if err != nil || u != "https://example.com/search?q=a" {
		t.Errorf("got (%q, %v)", u, err)
	}
}

func TestResponseHelpers(t *testing.T) {
	t.Parallel()

	resp := &Response{Status: 200, Body: `{"name":"go"}`}
	if !resp.OK() {
		t.Error("200 not OK")
	}
	var v struct {
		Name string `json:"name"`
	}
	if err := resp.JSON(&v); err != nil || v.Name != "go" {
		t.Errorf("JSON decode: (%+v, %v)", v, err)
	}

	if (&Response{Status: 404}).OK() {
		t.Error("404 reported OK")
	}
}

func TestRequestGetGoesThroughPageFetch(t *testing.T) {
	t.Parallel()

	tab, ft := newTestTab(t, methodReply(map[string]string{
		"Runtime.evaluate": `{"result":{"type":"object","value":{"status":200,"statusText":"OK","url":"https://example.com/api","headers":{"content-type":"text/plain"},"body":"pong"}}}`,
	}, nil))

	resp, err := tab.Request().Get(context.Background(), "https://example.com/api", map[string]string{"ping": "1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 || resp.Body != "pong" {
		t.Errorf("response %+v", resp)
	}

	params := string(ft.written[0].Params)
	if !strings.Contains(params, "fetch(") || !strings.Contains(params, "ping=1") {
		t.Errorf("evaluate params %s", params)
	}
	if !strings.Contains(params, `"awaitPromise":true`) {
		t.Errorf("fetch not awaited: %s", params)
	}
}
