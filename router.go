package pydoll

import (
	"log"
	"sync"

	"github.com/chromedp/cdproto"
	"golang.org/x/exp/slices"
)

// EventHandler receives a protocol event. Handlers are given only the
// event itself, not a Tab or Connection back-reference; a handler that
// needs to issue commands closes over a narrow capability (e.g. a bound
// Tab method) rather than being handed the whole graph.
type EventHandler func(*cdproto.Message)

// methodNetworkRequestWillBeSent and the dialog method names are the
// events the router special-cases to maintain implicit state.
const (
	methodNetworkRequestWillBeSent = "Network.requestWillBeSent"
	methodDialogOpening            = "Page.javascriptDialogOpening"
	methodDialogClosed             = "Page.javascriptDialogClosed"

	// maxNetworkLogs bounds the network log ring buffer.
	maxNetworkLogs = 10000
)

type subscription struct {
	id        int
	eventName string
	handler   EventHandler
	temporary bool
}

// EventRouter delivers protocol events to registered subscribers in
// registration order and maintains the implicit state (network logs,
// current dialog) the Tab facade depends on. ProcessEvent handles a
// handful of method names for bookkeeping before fanning out to
// callbacks, and removes temporary subscriptions after their first
// fire.
type EventRouter struct {
	mu            sync.Mutex
	subscriptions []*subscription
	nextID        int

	networkLogs   []*cdproto.Message
	currentDialog *cdproto.Message

	// errf reports contained handler failures; the owning Connection
	// points it at its own error logger.
	errf func(string, ...interface{})
}

// NewEventRouter constructs an empty router.
func NewEventRouter() *EventRouter {
	return &EventRouter{errf: log.Printf}
}

// RegisterCallback adds handler for eventName, returning a subscription
// id unique within the router's lifetime and accepted by RemoveCallback.
func (r *EventRouter) RegisterCallback(eventName string, handler EventHandler, temporary bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &subscription{id: r.nextID, eventName: eventName, handler: handler, temporary: temporary}
	r.subscriptions = append(r.subscriptions, sub)
	return sub.id
}

// RemoveCallback removes the subscription with the given id, reporting
// whether it was present. Calling it from inside a handler removes the
// subscription for future dispatches; it does not cancel the handler
// currently running.
func (r *EventRouter) RemoveCallback(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *EventRouter) removeLocked(id int) bool {
	i := slices.IndexFunc(r.subscriptions, func(sub *subscription) bool {
		return sub.id == id
	})
	if i < 0 {
		return false
	}
	r.subscriptions = slices.Delete(r.subscriptions, i, i+1)
	return true
}

// ClearCallbacks removes every subscription.
func (r *EventRouter) ClearCallbacks() {
	r.mu.Lock()
	r.subscriptions = nil
	r.mu.Unlock()
}

// ProcessEvent runs the router's processing algorithm for a single
// inbound event frame: bookkeeping first, then fan-out to subscribers
// in registration order, then removal of any subscription that fired
// as temporary. Handler panics are recovered rather than propagated;
// they neither abort the dispatch nor prevent later handlers from
// running.
func (r *EventRouter) ProcessEvent(event *cdproto.Message) {
	method := string(event.Method)

	r.mu.Lock()
	switch method {
	case methodNetworkRequestWillBeSent:
		r.networkLogs = append(r.networkLogs, event)
		if len(r.networkLogs) > maxNetworkLogs {
			r.networkLogs = r.networkLogs[len(r.networkLogs)-maxNetworkLogs:]
		}
	case methodDialogOpening:
		r.currentDialog = event
	case methodDialogClosed:
		r.currentDialog = nil
	}

	// Snapshot subscriptions for this event name so that a handler
	// registered mid-dispatch is not invoked for the current event, and
	// so the lock is never held while handlers run.
	var matched []*subscription
	for _, sub := range r.subscriptions {
		if sub.eventName == method {
			matched = append(matched, sub)
		}
	}
	r.mu.Unlock()

	if len(matched) == 0 {
		return
	}

	var fired []int
	for _, sub := range matched {
		r.invoke(sub, event)
		if sub.temporary {
			fired = append(fired, sub.id)
		}
	}

	if len(fired) == 0 {
		return
	}
	r.mu.Lock()
	for _, id := range fired {
		r.removeLocked(id)
	}
	r.mu.Unlock()
}

func (r *EventRouter) invoke(sub *subscription, event *cdproto.Message) {
	// A misbehaving handler is contained here; it must not take down
	// the dispatch task or the handlers after it.
	defer func() {
		if rec := recover(); rec != nil {
			r.errf("pydoll: handler for %s (subscription %d) panicked: %v", event.Method, sub.id, rec)
		}
	}()
	sub.handler(event)
}

// NetworkLogs returns a snapshot of the captured Network.requestWillBeSent
// events, oldest first, bounded to the most recent maxNetworkLogs entries.
func (r *EventRouter) NetworkLogs() []*cdproto.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*cdproto.Message, len(r.networkLogs))
	copy(out, r.networkLogs)
	return out
}

// CurrentDialog returns the event that opened the currently-displayed
// dialog, if any.
func (r *EventRouter) CurrentDialog() (*cdproto.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentDialog, r.currentDialog != nil
}
