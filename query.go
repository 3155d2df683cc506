package pydoll

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
)

// Strategy is one of the closed set of selector strategies: CSS
// selector, XPath, id, class name, name attribute, or tag name.
type Strategy int

const (
	StrategyCSSSelector Strategy = iota
	StrategyXPath
	StrategyID
	StrategyClassName
	StrategyName
	StrategyTagName
)

// pollInterval is the fixed polling period findOrWaitElement uses
// while a timeout is in effect.
const pollInterval = 500 * time.Millisecond

// scope is the document-or-node context a find is evaluated against:
// a Tab (scope.objectID == "") searches the whole document, an
// ElementHandle (scope.objectID set) searches its own subtree. An
// iframe's scope additionally carries a non-zero execCtx, the isolated
// world execution context id the iframe resolver created for it.
type scope struct {
	exec     *sessionExecutor
	execCtx  runtime.ExecutionContextID
	objectID runtime.RemoteObjectID
}

func (s scope) isDocument() bool { return s.objectID == "" }

// FindOptions configures Find. Exactly one of ID/ClassName/Name/TagName
// set with no Text and no Attrs takes the single-filter fast path; any
// richer combination builds an XPath expression ANDing every supplied
// filter.
type FindOptions struct {
	ID        string
	ClassName string
	Name      string
	TagName   string
	Text      string
	Attrs     map[string]string

	Timeout  time.Duration
	FindAll  bool
	RaiseExc bool
}

// simpleFilterCount reports how many of the scalar filters are set, to
// detect the single-filter fast path.
func (o FindOptions) simpleFilterCount() int {
	n := 0
	if o.ID != "" {
		n++
	}
	if o.ClassName != "" {
		n++
	}
	if o.Name != "" {
		n++
	}
	if o.TagName != "" {
		n++
	}
	return n
}

func (o FindOptions) empty() bool {
	return o.ID == "" && o.ClassName == "" && o.Name == "" && o.TagName == "" && o.Text == "" && len(o.Attrs) == 0
}

// buildStrategy turns FindOptions into a single (strategy, value) pair:
// either the direct strategy for a lone simple filter, or a combined
// XPath expression ANDing every supplied filter together.
func (o FindOptions) buildStrategy() (Strategy, string, error) {
	if o.empty() {
		return 0, "", fmt.Errorf("%w: find requires at least one filter", ErrElementNotFound)
	}
	if o.simpleFilterCount() == 1 && o.Text == "" && len(o.Attrs) == 0 {
		switch {
		case o.ID != "":
			return StrategyID, o.ID, nil
		case o.ClassName != "":
			return StrategyClassName, o.ClassName, nil
		case o.Name != "":
			return StrategyName, o.Name, nil
		case o.TagName != "":
			return StrategyTagName, o.TagName, nil
		}
	}

	var clauses []string
	if o.ID != "" {
		clauses = append(clauses, fmt.Sprintf(`@id="%s"`, o.ID))
	}
	if o.ClassName != "" {
		clauses = append(clauses, fmt.Sprintf(`contains(concat(" ", normalize-space(@class), " "), " %s ")`, o.ClassName))
	}
	if o.Name != "" {
		clauses = append(clauses, fmt.Sprintf(`@name="%s"`, o.Name))
	}
	if o.TagName != "" {
		clauses = append(clauses, fmt.Sprintf("self::%s", o.TagName))
	}
	if o.Text != "" {
		clauses = append(clauses, fmt.Sprintf(`contains(text(), "%s")`, o.Text))
	}
	for k, v := range o.Attrs {
		clauses = append(clauses, fmt.Sprintf(`@%s="%s"`, k, v))
	}
	xpath := "//*[" + strings.Join(clauses, " and ") + "]"
	return StrategyXPath, xpath, nil
}

// sniffStrategy implements Query's selector auto-detection: a leading
// "/", "//", "./" or ".//" is XPath, a leading "#" is an id, a leading
// "." (not "./") is a class name, anything else is CSS. Feeding it the
// rewritten value of a prior CSS or XPath sniff yields the same
// strategy.
func sniffStrategy(expression string) (Strategy, string) {
	switch {
	case strings.HasPrefix(expression, "//") || strings.HasPrefix(expression, "./") ||
		strings.HasPrefix(expression, "/") || strings.HasPrefix(expression, ".//"):
		return StrategyXPath, expression
	case strings.HasPrefix(expression, "#"):
		return StrategyID, expression[1:]
	case strings.HasPrefix(expression, "."):
		return StrategyClassName, expression[1:]
	default:
		return StrategyCSSSelector, expression
	}
}

// findOrWaitElement is the polling core of every find: a zero timeout
// issues one attempt, otherwise it retries every pollInterval until
// success or the deadline. raiseExc controls whether a failed lookup
// returns an error or a nil result.
func findOrWaitElement(ctx context.Context, sc scope, strategy Strategy, value string, timeout time.Duration, findAll bool, raiseExc bool) ([]*ElementHandle, error) {
	if timeout <= 0 {
		handles, err := lookup(ctx, sc, strategy, value, findAll)
		if err != nil {
			return nil, err
		}
		if len(handles) == 0 {
			if raiseExc {
				return nil, ErrElementNotFound
			}
			return nil, nil
		}
		return handles, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		handles, err := lookup(ctx, sc, strategy, value, findAll)
		if err != nil {
			return nil, err
		}
		if len(handles) > 0 {
			return handles, nil
		}
		if time.Now().After(deadline) {
			if raiseExc {
				return nil, ErrWaitElementTimeout
			}
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// lookup dispatches a single low-level find attempt, returning however
// many handles were materialized (0, 1, or many for findAll).
func lookup(ctx context.Context, sc scope, strategy Strategy, value string, findAll bool) ([]*ElementHandle, error) {
	if findAll {
		return findElements(ctx, sc, strategy, value)
	}
	h, err := findElement(ctx, sc, strategy, value)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}
	return []*ElementHandle{h}, nil
}

// cssExpressionFor renders the querySelector selector for a given
// strategy/value pair. ID, class name and tag name become plain CSS
// selectors; XPath and name-attribute lookups take the XPath path
// instead.
func cssExpressionFor(strategy Strategy, value string) (string, bool) {
	switch strategy {
	case StrategyID:
		return fmt.Sprintf("#%s", cssEscape(value)), true
	case StrategyClassName:
		return fmt.Sprintf(".%s", cssEscape(value)), true
	case StrategyTagName:
		return value, true
	case StrategyCSSSelector:
		return value, true
	}
	return "", false
}

// cssEscape is a minimal CSS.escape-equivalent for identifiers embedded
// in a querySelector string built on the Go side; it escapes the
// handful of characters that would otherwise break out of the
// selector.
func cssEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"', '\'', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// xpathFor returns the XPath expression to evaluate for strategy/value,
// rewriting a name-attribute lookup to //*[@name="value"].
func xpathFor(strategy Strategy, value string) (string, bool) {
	switch strategy {
	case StrategyXPath:
		return value, true
	case StrategyName:
		return fmt.Sprintf(`//*[@name="%s"]`, value), true
	}
	return "", false
}

// relativeXPath prepends "." to an absolute XPath so that, evaluated
// with a node as the context argument to document.evaluate, the
// expression is truly relative instead of re-querying the whole
// document.
func relativeXPath(xpath string) string {
	if strings.HasPrefix(xpath, ".") {
		return xpath
	}
	return "." + xpath
}

// findElement performs a single-result lookup, returning (nil, nil)
// when nothing matches (callers decide whether that's an error).
func findElement(ctx context.Context, sc scope, strategy Strategy, value string) (*ElementHandle, error) {
	if css, ok := cssExpressionFor(strategy, value); ok {
		return findElementCSS(ctx, sc, css, strategy, value)
	}
	if xpath, ok := xpathFor(strategy, value); ok {
		return findElementXPath(ctx, sc, xpath, strategy, value)
	}
	return nil, fmt.Errorf("%w: unsupported strategy", ErrElementNotFound)
}

func findElementCSS(ctx context.Context, sc scope, css string, strategy Strategy, value string) (*ElementHandle, error) {
	expr := fmt.Sprintf("document.querySelector(%s)", jsStringLiteral(css))
	obj, err := sc.evaluateOrCall(ctx, expr, "this.querySelector(%s)", css)
	if err != nil {
		return nil, err
	}
	if obj == nil || obj.ObjectID == "" {
		return nil, nil
	}
	return materializeElement(ctx, sc, obj.ObjectID, strategy, value)
}

func findElementXPath(ctx context.Context, sc scope, xpath string, strategy Strategy, value string) (*ElementHandle, error) {
	var expr string
	var nodeExpr string
	if sc.isDocument() {
		expr = fmt.Sprintf(
			`document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue`,
			jsStringLiteral(xpath))
	} else {
		rel := relativeXPath(xpath)
		nodeExpr = fmt.Sprintf(
			`document.evaluate(%s, this, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue`,
			jsStringLiteral(rel))
	}
	var obj *runtime.RemoteObject
	var err error
	if sc.isDocument() {
		obj, err = evaluate(ctx, sc.exec, expr, sc.execCtx)
	} else {
		obj, err = callFunctionOn(ctx, sc.exec, sc.objectID, wrapFunction("return "+nodeExpr+";"))
	}
	if err != nil {
		return nil, err
	}
	if obj == nil || obj.ObjectID == "" {
		return nil, nil
	}
	return materializeElement(ctx, sc, obj.ObjectID, strategy, value)
}

// findElements is the findAll counterpart of findElement, using
// querySelectorAll / ORDERED_NODE_SNAPSHOT_TYPE and then enumerating
// the returned array via Runtime.getProperties.
func findElements(ctx context.Context, sc scope, strategy Strategy, value string) ([]*ElementHandle, error) {
	var arrayObj *runtime.RemoteObject
	var err error

	if css, ok := cssExpressionFor(strategy, value); ok {
		expr := fmt.Sprintf("document.querySelectorAll(%s)", jsStringLiteral(css))
		if sc.isDocument() {
			arrayObj, err = evaluate(ctx, sc.exec, expr, sc.execCtx)
		} else {
			arrayObj, err = callFunctionOn(ctx, sc.exec, sc.objectID, wrapFunction(fmt.Sprintf("return this.querySelectorAll(%s);", jsStringLiteral(css))))
		}
	} else if xpath, ok := xpathFor(strategy, value); ok {
		if sc.isDocument() {
			expr := fmt.Sprintf(
				`(function(){const r=document.evaluate(%s, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);const out=[];for(let i=0;i<r.snapshotLength;i++)out.push(r.snapshotItem(i));return out;})()`,
				jsStringLiteral(xpath))
			arrayObj, err = evaluate(ctx, sc.exec, expr, sc.execCtx)
		} else {
			rel := relativeXPath(xpath)
			fn := fmt.Sprintf(
				`const r=document.evaluate(%s, this, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);const out=[];for(let i=0;i<r.snapshotLength;i++)out.push(r.snapshotItem(i));return out;`,
				jsStringLiteral(rel))
			arrayObj, err = callFunctionOn(ctx, sc.exec, sc.objectID, wrapFunction(fn))
		}
	} else {
		return nil, fmt.Errorf("%w: unsupported strategy", ErrElementNotFound)
	}
	if err != nil {
		return nil, err
	}
	if arrayObj == nil || arrayObj.ObjectID == "" {
		return nil, nil
	}
	return materializeArray(ctx, sc, arrayObj.ObjectID, strategy, value)
}

// materializeArray enumerates own properties of an array-like remote
// object and materializes an ElementHandle for each numeric-indexed
// object entry.
func materializeArray(ctx context.Context, sc scope, arrayObjectID runtime.RemoteObjectID, strategy Strategy, value string) ([]*ElementHandle, error) {
	props, err := getProperties(ctx, sc.exec, arrayObjectID)
	if err != nil {
		return nil, err
	}
	var handles []*ElementHandle
	for _, p := range props {
		if p.Value == nil || p.Value.ObjectID == "" {
			continue
		}
		if !isArrayIndex(p.Name) {
			continue
		}
		if p.Value.Type != "object" {
			continue
		}
		h, err := materializeElement(ctx, sc, p.Value.ObjectID, strategy, value)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func isArrayIndex(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// materializeElement issues DOM.describeNode (on the longer
// DescribeNodeTimeout budget) to obtain the node's attributes and tag
// name, and wraps the result as an ElementHandle.
func materializeElement(ctx context.Context, sc scope, objectID runtime.RemoteObjectID, strategy Strategy, value string) (*ElementHandle, error) {
	exec := sc.exec
	cdpCtx := withExecutorCtx(ctx, exec)
	node, err := dom.DescribeNode().WithObjectID(objectID).WithDepth(-1).Do(cdpCtx)
	if err != nil {
		return nil, err
	}
	attrs := attributesToMap(node.Attributes)
	attrs["tag_name"] = strings.ToLower(node.NodeName)
	return &ElementHandle{
		exec:       exec,
		execCtx:    sc.execCtx,
		objectID:   objectID,
		attributes: attrs,
		strategy:   strategy,
		value:      value,
		tagName:    strings.ToLower(node.NodeName),
	}, nil
}

// attributesToMap turns DOM.describeNode's flat [name, value, name,
// value, ...] attribute list into a map, renaming "class" to
// "class_name" at insertion time.
func attributesToMap(flat []string) map[string]string {
	m := make(map[string]string, len(flat)/2+1)
	for i := 0; i+1 < len(flat); i += 2 {
		name := flat[i]
		if name == "class" {
			name = "class_name"
		}
		m[name] = flat[i+1]
	}
	return m
}

// evaluateOrCall picks Evaluate for document scope or CallFunctionOn
// for node scope, given a document-scope JS expression and a node-scope
// function-body format string consuming the same css value.
func (s scope) evaluateOrCall(ctx context.Context, documentExpr string, nodeFnFormat string, css string) (*runtime.RemoteObject, error) {
	if s.isDocument() {
		return evaluate(ctx, s.exec, documentExpr, s.execCtx)
	}
	fn := fmt.Sprintf(nodeFnFormat, jsStringLiteral(css))
	return callFunctionOn(ctx, s.exec, s.objectID, wrapFunction("return "+fn+";"))
}

// wrapFunction wraps a JS statement body as an anonymous function
// suitable for Runtime.callFunctionOn's functionDeclaration.
func wrapFunction(body string) string {
	return "function(){" + body + "}"
}

// jsStringLiteral renders s as a double-quoted JS string literal.
func jsStringLiteral(s string) string {
	b, _ := jsonMarshalString(s)
	return b
}
