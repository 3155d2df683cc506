package pydoll

// JavaScript snippets evaluated against an element's remote object via
// Runtime.callFunctionOn, bound as the function's `this`.

const (
	// jsIsVisible: an element counts as visible if it occupies layout
	// space.
	jsIsVisible = `function() {
		return Boolean(this.offsetWidth || this.offsetHeight || this.getClientRects().length);
	}`

	// jsIsOnTop checks that the element (or a descendant of it) is the
	// topmost hit-test result at its own center point, so elements
	// covered by an overlay read as not interactable.
	jsIsOnTop = `function() {
		const rect = this.getBoundingClientRect();
		if (rect.width === 0 || rect.height === 0) return false;
		const cx = rect.left + rect.width / 2;
		const cy = rect.top + rect.height / 2;
		const top = document.elementFromPoint(cx, cy);
		return top === this || this.contains(top);
	}`

	// jsIsInteractable combines visibility, on-top and the absence of
	// the disabled attribute/property.
	jsIsInteractable = `function() {
		const visible = Boolean(this.offsetWidth || this.offsetHeight || this.getClientRects().length);
		if (!visible) return false;
		if (this.disabled) return false;
		const rect = this.getBoundingClientRect();
		const cx = rect.left + rect.width / 2;
		const cy = rect.top + rect.height / 2;
		const top = document.elementFromPoint(cx, cy);
		return top === this || this.contains(top);
	}`

	// jsGetClientRect: bounding box relative to the owning document's
	// root element, used as the click-point fallback when the CDP box
	// model is unavailable.
	jsGetClientRect = `function() {
		const e = this.getBoundingClientRect();
		const t = this.ownerDocument.documentElement.getBoundingClientRect();
		return {
			x: e.left - t.left,
			y: e.top - t.top,
			width: e.width,
			height: e.height,
		};
	}`

	// jsClick performs a native .click() and reports whether the
	// element was actually clickable, for ClickUsingJS.
	jsClick = `function() {
		if (typeof this.click !== 'function') return false;
		this.click();
		return true;
	}`

	// jsClickOption implements the <option> special case: CDP mouse
	// events don't select options inside a closed <select> dropdown, so
	// the owning select's value is set directly and change dispatched.
	jsClickOption = `function() {
		const select = this.closest('select');
		if (!select) return false;
		select.value = this.value;
		select.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	}`

	// jsGetParentElement returns the element's parentElement, or null.
	jsGetParentElement = `function() {
		return this.parentElement;
	}`

	// jsGetChildrenElements walks descendants up to maxDepth, optionally
	// filtered by tag name (empty string means unfiltered), and returns
	// them as an array so the caller can materialize each via
	// Runtime.getProperties.
	jsGetChildrenElements = `function(maxDepth, tagFilter) {
		const out = [];
		const tag = (tagFilter || '').toUpperCase();
		function walk(node, depth) {
			if (maxDepth >= 0 && depth > maxDepth) return;
			for (const child of node.children) {
				if (!tag || child.tagName === tag) out.push(child);
				walk(child, depth + 1);
			}
		}
		walk(this, 1);
		return out;
	}`

	// jsGetSiblingsElements returns the element's siblings (excluding
	// itself), optionally filtered by tag name.
	jsGetSiblingsElements = `function(tagFilter) {
		const tag = (tagFilter || '').toUpperCase();
		const parent = this.parentElement;
		if (!parent) return [];
		const out = [];
		for (const child of parent.children) {
			if (child === this) continue;
			if (!tag || child.tagName === tag) out.push(child);
		}
		return out;
	}`
)

// textFromOuterHTML strips HTML tags from s and collapses whitespace.
// Element text is computed from outer HTML rather than innerText, which
// would need an extra round trip through the page's layout engine and
// fails for detached or hidden nodes.
func textFromOuterHTML(s string) string {
	var b []byte
	inTag := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '<':
			inTag = true
		case c == '>':
			inTag = false
		case !inTag:
			b = append(b, c)
		}
	}
	return collapseWhitespace(string(b))
}

func collapseWhitespace(s string) string {
	var b []byte
	lastSpace := true
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !lastSpace {
				b = append(b, ' ')
			}
			lastSpace = true
			continue
		}
		b = append(b, []byte(string(r))...)
		lastSpace = false
	}
	for len(b) > 0 && b[len(b)-1] == ' ' {
		b = b[:len(b)-1]
	}
	return string(b)
}
