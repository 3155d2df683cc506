package pydoll

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Request makes HTTP requests through the tab's own JavaScript context
// via the fetch API, so every request inherits the browser's live
// session state: cookies, authentication, and automatic headers. It is
// lazily constructed by Tab.Request and bound to that tab for its
// lifetime.
type Request struct {
	tab *Tab
}

// Response is the materialized result of a fetch executed in the page.
type Response struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// JSON decodes the body into dst.
func (r *Response) JSON(dst interface{}) error {
	return json.Unmarshal([]byte(r.Body), dst)
}

// Get issues a GET, with params encoded into the query string.
func (r *Request) Get(ctx context.Context, rawURL string, params map[string]string, headers map[string]string) (*Response, error) {
	u, err := withQueryParams(rawURL, params)
	if err != nil {
		return nil, err
	}
	return r.do(ctx, "GET", u, "", headers)
}

// Post issues a POST with a raw string body.
func (r *Request) Post(ctx context.Context, rawURL string, body string, headers map[string]string) (*Response, error) {
	return r.do(ctx, "POST", rawURL, body, headers)
}

// PostJSON issues a POST with payload marshaled as JSON and the
// content type set accordingly.
func (r *Request) PostJSON(ctx context.Context, rawURL string, payload interface{}, headers map[string]string) (*Response, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCommand, err)
	}
	merged := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		merged[k] = v
	}
	merged["Content-Type"] = "application/json"
	return r.do(ctx, "POST", rawURL, string(b), merged)
}

// Put issues a PUT with a raw string body.
func (r *Request) Put(ctx context.Context, rawURL string, body string, headers map[string]string) (*Response, error) {
	return r.do(ctx, "PUT", rawURL, body, headers)
}

// Delete issues a DELETE.
func (r *Request) Delete(ctx context.Context, rawURL string, headers map[string]string) (*Response, error) {
	return r.do(ctx, "DELETE", rawURL, "", headers)
}

// do builds the fetch expression and evaluates it in the tab's
// context, decoding the awaited {status, headers, body} result.
func (r *Request) do(ctx context.Context, method, rawURL, body string, headers map[string]string) (*Response, error) {
	expr := buildFetchExpression(method, rawURL, body, headers)
	sc := r.tab.scope()
	var resp Response
	if sc.isDocument() {
		if err := evaluateValue(ctx, sc.exec, expr, sc.execCtx, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}
	if err := callFunctionOnValue(ctx, sc.exec, sc.objectID, wrapFunction("return "+expr+";"), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// buildFetchExpression renders a fetch(...) call that resolves to a
// plain JSON object so the result survives return-by-value.
func buildFetchExpression(method, rawURL, body string, headers map[string]string) string {
	var opts strings.Builder
	opts.WriteString(fmt.Sprintf("{method: %s", jsStringLiteral(method)))
	if len(headers) > 0 {
		opts.WriteString(", headers: {")
		first := true
		for k, v := range headers {
			if !first {
				opts.WriteString(", ")
			}
			first = false
			opts.WriteString(fmt.Sprintf("%s: %s", jsStringLiteral(k), jsStringLiteral(v)))
		}
		opts.WriteString("}")
	}
	if body != "" {
		opts.WriteString(fmt.Sprintf(", body: %s", jsStringLiteral(body)))
	}
	opts.WriteString("}")

	return fmt.Sprintf(`fetch(%s, %s).then(async (resp) => {
		const headers = {};
		resp.headers.forEach((v, k) => { headers[k] = v; });
		return {
			status: resp.status,
			statusText: resp.statusText,
			url: resp.url,
			headers: headers,
			body: await resp.text(),
		};
	})`, jsStringLiteral(rawURL), opts.String())
}

// withQueryParams merges params into rawURL's query string.
func withQueryParams(rawURL string, params map[string]string) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidCommand, err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
