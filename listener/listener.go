// Package listener implements the registry's listener set: the fan-out
// table of consumers subscribed to service lifecycle events, each scoped to
// an optional object class and an LDAP filter over service properties.
//
// Set implements registry.Notifier and can be passed directly to
// registry.New. Beyond the registry's own Registered/Modified/Unregistering
// events, Set synthesizes a fourth kind — ModifiedEndmatch — fired when a
// property change causes a service to stop matching a listener's filter
// that it previously matched. Without this, a listener bound to "no longer
// matches" would simply go quiet with no signal that its reference is now
// stale; CppMicroServices' ServiceListenerEntry book-keeps the same
// previously-matched state for the same reason.
package listener

import (
	"sync"
	"sync/atomic"

	"github.com/c360/dynsvc/filter"
	"github.com/c360/dynsvc/registry"
)

// Handler receives service change notifications. It must not block for long
// or call back into the registry while the event is still being delivered
// from within Registry.notify's caller stack (registrations/unregistrations
// made from a handler are safe but will not be reflected in the in-flight
// dispatch).
type Handler func(event registry.EventType, ref *registry.Reference)

type subscription struct {
	token   int64
	class   string
	expr    *filter.Expr
	handler Handler

	mu      sync.Mutex
	matched map[int64]bool // service.id -> was matching as of the last event
}

func (s *subscription) interested(ref *registry.Reference) bool {
	if s.class != "" {
		found := false
		for _, c := range ref.ObjectClasses() {
			if c == s.class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.expr == nil {
		return true
	}
	return s.expr.Matches(ref.Properties())
}

// Set is a thread-safe collection of subscriptions. The zero value is not
// usable; construct one with NewSet.
type Set struct {
	mu     sync.RWMutex
	subs   map[int64]*subscription
	nextID atomic.Int64
}

// NewSet returns an empty listener set.
func NewSet() *Set {
	return &Set{subs: make(map[int64]*subscription)}
}

// AddListener subscribes handler to changes on services implementing class
// ("" matches any class) whose properties satisfy expr (nil matches every
// service). It returns a token for RemoveListener.
func (s *Set) AddListener(class string, expr *filter.Expr, handler Handler) int64 {
	token := s.nextID.Add(1)
	s.mu.Lock()
	s.subs[token] = &subscription{
		token:   token,
		class:   class,
		expr:    expr,
		handler: handler,
		matched: make(map[int64]bool),
	}
	s.mu.Unlock()
	return token
}

// RemoveListener cancels a subscription. It is a no-op if token is unknown.
func (s *Set) RemoveListener(token int64) {
	s.mu.Lock()
	delete(s.subs, token)
	s.mu.Unlock()
}

// Len returns the number of active subscriptions, for diagnostics and tests.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// ServiceChanged implements registry.Notifier. It scans every subscription
// on each event rather than pruning candidates by OBJECTCLASS first; fine at
// this module's scale, but a host with many thousands of listeners would
// want a class-keyed index the way CppMicroServices' ServiceListeners does.
func (s *Set) ServiceChanged(event registry.EventType, ref *registry.Reference) {
	s.mu.RLock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	id := ref.ServiceID()
	for _, sub := range subs {
		matches := sub.interested(ref)

		sub.mu.Lock()
		wasMatching := sub.matched[id]

		var deliver registry.EventType
		var shouldDeliver bool

		switch event {
		case registry.EventRegistered:
			if matches {
				sub.matched[id] = true
				deliver, shouldDeliver = registry.EventRegistered, true
			}
		case registry.EventModified:
			switch {
			case matches && wasMatching:
				deliver, shouldDeliver = registry.EventModified, true
			case matches && !wasMatching:
				sub.matched[id] = true
				deliver, shouldDeliver = registry.EventRegistered, true
			case !matches && wasMatching:
				delete(sub.matched, id)
				deliver, shouldDeliver = registry.EventModifiedEndmatch, true
			}
		case registry.EventUnregistering:
			if matches || wasMatching {
				delete(sub.matched, id)
				deliver, shouldDeliver = registry.EventUnregistering, true
			}
		}
		sub.mu.Unlock()

		if shouldDeliver {
			sub.handler(deliver, ref)
		}
	}
}
