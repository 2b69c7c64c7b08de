// Package cm implements Configuration Admin: the PID-keyed configuration
// store and its change-notification pub/sub, the mechanism Declarative
// Services components use to receive and react to configuration updates
// without polling.
//
// Notifier is grounded directly on CppMicroServices' ConfigurationNotifier:
// listeners register per PID, a monotonic token identifies each
// registration for later removal, and NotifyAllListeners fans a single
// update out to every listener registered for that PID.
package cm

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/dynsvc/props"
)

// EventType distinguishes a configuration update from a deletion.
type EventType int

const (
	ConfigUpdated EventType = iota
	ConfigDeleted
)

// ListenerToken identifies a registration with Notifier, returned by
// RegisterListener and consumed by UnregisterListener.
type ListenerToken int64

// ListenerFunc receives configuration change notifications for the PID it
// was registered against. properties is empty on ConfigDeleted. The
// signature carries no error return, so a listener has no way to report a
// failure back to NotifyAllListeners other than panicking — which
// NotifyAllListeners recovers from, logs, and otherwise discards, the only
// way "the error is logged and discarded" can apply here.
type ListenerFunc func(event EventType, pid string, properties props.Map)

// Notifier is the thread-safe PID-keyed listener registry.
type Notifier struct {
	mu        sync.RWMutex
	listeners map[string]map[ListenerToken]ListenerFunc
	counter   atomic.Int64
}

// NewNotifier returns an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{listeners: make(map[string]map[ListenerToken]ListenerFunc)}
}

// RegisterListener subscribes fn to changes for pid and returns a token for
// later removal.
func (n *Notifier) RegisterListener(pid string, fn ListenerFunc) ListenerToken {
	token := ListenerToken(n.counter.Add(1))
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners[pid] == nil {
		n.listeners[pid] = make(map[ListenerToken]ListenerFunc)
	}
	n.listeners[pid][token] = fn
	return token
}

// UnregisterListener removes a previously registered listener. It is a
// no-op if pid/token is unknown.
func (n *Notifier) UnregisterListener(pid string, token ListenerToken) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tokens := n.listeners[pid]
	if tokens == nil {
		return
	}
	delete(tokens, token)
	if len(tokens) == 0 {
		delete(n.listeners, pid)
	}
}

// AnyListenersForPid reports whether pid currently has at least one
// registered listener, letting an Admin implementation skip building a
// notification payload nobody will receive.
func (n *Notifier) AnyListenersForPid(pid string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners[pid]) > 0
}

// NotifyAllListeners delivers event to every listener registered for pid.
// Listeners are invoked synchronously on the caller's goroutine in
// unspecified order; a listener that wants to do real work should hand off
// to an asyncwork.Poster rather than block here. Exactly len(fns) callbacks
// fire regardless of whether an earlier one panics: each call is recovered
// individually, so one broken listener cannot stop delivery to the rest.
func (n *Notifier) NotifyAllListeners(event EventType, pid string, properties props.Map) {
	n.mu.RLock()
	fns := make([]ListenerFunc, 0, len(n.listeners[pid]))
	for _, fn := range n.listeners[pid] {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		n.invoke(fn, event, pid, properties)
	}
}

func (n *Notifier) invoke(fn ListenerFunc, event EventType, pid string, properties props.Map) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("configuration listener panicked", "pid", pid, "event", event, "panic", r)
		}
	}()
	fn(event, pid, properties)
}
