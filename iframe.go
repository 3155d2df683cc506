package pydoll

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

// IFrameContext is the resolved identity of an <iframe>'s content
// document: which CDP frame it is, the isolated world created inside
// it, and (for an out-of-process iframe) the child target session
// subsequent commands must be routed through. For same-process iframes
// SessionID is empty and commands flow on the parent Tab's session.
type IFrameContext struct {
	FrameID            cdp.FrameID
	DocumentURL        string
	ExecutionContextID runtime.ExecutionContextID
	DocumentObjectID   runtime.RemoteObjectID
	SessionID          target.SessionID // non-empty only for an OOPIF

	exec *sessionExecutor

	// ownConn is the second, browser-level connection an OOPIF's child
	// session was attached through. The context owns it and must close
	// it when the iframe Tab is closed; same-process frames leave it nil
	// and ride the parent's connection.
	ownConn *Connection
}

// Close releases the child-target connection, if this context owns one.
func (f *IFrameContext) Close() error {
	if f.ownConn == nil {
		return nil
	}
	return f.ownConn.Close()
}

// frameIdentity is the first phase of iframe resolution: which frame
// the <iframe> node owns and which session can reach it. It is cheap
// enough to redo on every GetFrame call, unlike isolated-world
// creation, which must happen at most once per frame.
type frameIdentity struct {
	frameID     cdp.FrameID
	documentURL string
	sessionID   target.SessionID
	exec        *sessionExecutor
	ownConn     *Connection
}

// resolveFrameIdentity is the identity phase of the resolution
// algorithm: describe the iframe node, extract its content document's
// frame id if the browser reports one, otherwise hunt for the frame by
// owner backend node id: first in the current session's frame tree,
// then (for an out-of-process iframe) across the browser's targets via
// a second, browser-level connection.
func resolveFrameIdentity(ctx context.Context, parent *Tab, handle *ElementHandle) (*frameIdentity, error) {
	if handle.tagName != "iframe" {
		return nil, ErrNotAnIFrame
	}

	cdpCtx := withExecutorCtx(ctx, parent.exec)
	node, err := dom.DescribeNode().WithObjectID(handle.objectID).WithDepth(2).Do(cdpCtx)
	if err != nil {
		return nil, err
	}

	id := &frameIdentity{exec: parent.exec}
	parentFrameID := node.FrameID
	backendNodeID := node.BackendNodeID

	if node.ContentDocument != nil {
		id.frameID = node.ContentDocument.FrameID
		id.documentURL = node.ContentDocument.DocumentURL
		if id.documentURL == "" {
			id.documentURL = node.ContentDocument.BaseURL
		}
	}

	if id.frameID == "" && backendNodeID != 0 {
		if fid, url, ok := findFrameByOwner(ctx, parent.exec, backendNodeID); ok {
			id.frameID = fid
			if id.documentURL == "" {
				id.documentURL = url
			}
		}
	}

	// A missing frame id with a known parent frame, or a backend node
	// hint, both suggest the content document lives in another renderer
	// process and is only reachable as a separate target.
	if parentFrameID != "" && (id.frameID == "" || backendNodeID != 0) {
		if child, ok := resolveOOPIF(ctx, parent, parentFrameID, backendNodeID); ok {
			return child, nil
		}
	}

	if id.frameID == "" {
		return nil, ErrInvalidIFrame
	}
	return id, nil
}

// cacheKey identifies a resolved frame on the owning Tab by its frame
// id, which stays the same across repeated resolutions; an OOPIF's
// session id does not, since each resolution attaches to the target
// anew.
func (id *frameIdentity) cacheKey() string {
	return string(id.frameID)
}

// createIFrameWorld is the second phase: create the isolated world
// inside the resolved frame (on the effective session) and evaluate
// document.documentElement in it to obtain the base object id that
// anchors subsequent finds inside the iframe.
func createIFrameWorld(ctx context.Context, id *frameIdentity) (*IFrameContext, error) {
	cdpCtx := withExecutorCtx(ctx, id.exec)
	worldName := fmt.Sprintf("pydoll::iframe::%s", id.frameID)
	createWorldParams := page.CreateIsolatedWorld(id.frameID).WithWorldName(worldName)
	createWorldParams.GrantUniveralAccess = true
	execCtxID, err := createWorldParams.Do(cdpCtx)
	if err != nil || execCtxID == 0 {
		return nil, ErrInvalidIFrame
	}

	docObj, err := evaluate(ctx, id.exec, "document.documentElement", execCtxID)
	if err != nil || docObj == nil || docObj.ObjectID == "" {
		return nil, ErrInvalidIFrame
	}

	return &IFrameContext{
		FrameID:            id.frameID,
		DocumentURL:        id.documentURL,
		ExecutionContextID: execCtxID,
		DocumentObjectID:   docObj.ObjectID,
		SessionID:          id.sessionID,
		exec:               id.exec,
		ownConn:            id.ownConn,
	}, nil
}

// findFrameByOwner walks the current session's frame tree looking for
// the frame whose DOM.getFrameOwner backend node id matches
// backendNodeID. The lookup always runs on the effective session's
// executor; it never falls back to an unscoped root-session call.
func findFrameByOwner(ctx context.Context, exec *sessionExecutor, backendNodeID cdp.BackendNodeID) (cdp.FrameID, string, bool) {
	cdpCtx := withExecutorCtx(ctx, exec)
	tree, err := page.GetFrameTree().Do(cdpCtx)
	if err != nil || tree == nil {
		return "", "", false
	}
	return walkFrameTree(ctx, exec, tree, backendNodeID)
}

func walkFrameTree(ctx context.Context, exec *sessionExecutor, frame *page.FrameTree, backendNodeID cdp.BackendNodeID) (cdp.FrameID, string, bool) {
	if frame == nil || frame.Frame == nil {
		return "", "", false
	}
	cdpCtx := withExecutorCtx(ctx, exec)
	owner, _, err := dom.GetFrameOwner(frame.Frame.ID).Do(cdpCtx)
	if err == nil && owner == backendNodeID {
		return frame.Frame.ID, frame.Frame.URL, true
	}
	for _, child := range frame.ChildFrames {
		if fid, url, ok := walkFrameTree(ctx, exec, child, backendNodeID); ok {
			return fid, url, true
		}
	}
	return "", "", false
}

// resolveOOPIF opens a second connection to the browser endpoint,
// enumerates targets, and attaches to each iframe/page target in turn,
// adopting the first one whose frame tree yields our frame: its root
// frame when it is the only candidate and there is no owner backend
// node hint, the frame owned by that backend node, or, as a structural
// fallback, a frame whose parent id is parentFrameID. The targets' own
// parent frame ids are not consulted. On success the returned identity
// carries the child session executor and ownership of the browser
// connection; on failure the connection is closed before returning.
func resolveOOPIF(ctx context.Context, parent *Tab, parentFrameID cdp.FrameID, backendNodeID cdp.BackendNodeID) (*frameIdentity, bool) {
	browserConn := NewBrowserConnection(parent.host, parent.port)
	browserExec := newExecutor(browserConn, "")
	cdpCtx := withExecutorCtx(ctx, browserExec)

	targets, err := target.GetTargets().Do(cdpCtx)
	if err != nil {
		browserConn.Close()
		return nil, false
	}

	var candidates []*target.Info
	for _, info := range targets {
		if info.Type == "iframe" || info.Type == "page" {
			candidates = append(candidates, info)
		}
	}

	for _, info := range candidates {
		sessionID, err := target.AttachToTarget(info.TargetID).WithFlatten(true).Do(cdpCtx)
		if err != nil {
			continue
		}
		childExec := newExecutor(browserConn, sessionID)
		childCdpCtx := withExecutorCtx(ctx, childExec)
		tree, err := page.GetFrameTree().Do(childCdpCtx)
		if err != nil || tree == nil || tree.Frame == nil {
			continue
		}

		adopt := func(fid cdp.FrameID, url string) (*frameIdentity, bool) {
			return &frameIdentity{
				frameID:     fid,
				documentURL: url,
				sessionID:   sessionID,
				exec:        childExec,
				ownConn:     browserConn,
			}, true
		}

		if backendNodeID == 0 && len(candidates) == 1 {
			return adopt(tree.Frame.ID, tree.Frame.URL)
		}
		if backendNodeID != 0 {
			if fid, url, ok := walkFrameTree(ctx, childExec, tree, backendNodeID); ok {
				return adopt(fid, url)
			}
		}
		if fid, url, ok := findChildOfParent(tree, parentFrameID); ok {
			return adopt(fid, url)
		}
	}

	browserConn.Close()
	return nil, false
}

// findChildOfParent finds a frame in the tree whose parent id equals
// parentFrameID.
func findChildOfParent(frame *page.FrameTree, parentFrameID cdp.FrameID) (cdp.FrameID, string, bool) {
	if frame == nil || frame.Frame == nil {
		return "", "", false
	}
	if frame.Frame.ParentID == parentFrameID {
		return frame.Frame.ID, frame.Frame.URL, true
	}
	for _, child := range frame.ChildFrames {
		if fid, url, ok := findChildOfParent(child, parentFrameID); ok {
			return fid, url, true
		}
	}
	return "", "", false
}
