// Package bus is the in-process pub/sub fabric between the runtime, cron,
// channel plane, and connected clients. Delivery is per-subscriber
// ordered and never blocks a publisher.
package bus

import (
	"sync"
	"time"
)

const defaultBufferSize = 256

// Event kinds published on the bus.
const (
	KindAgent             = "agent"
	KindChat              = "chat"
	KindCron              = "cron"
	KindPresence          = "presence"
	KindHealth            = "health"
	KindTick              = "tick"
	KindSystem            = "system"
	KindShutdown          = "shutdown"
	KindNodePairRequested = "node.pair.requested"
	KindNodePairResolved  = "node.pair.resolved"
	KindNodeInvokeRequest = "node.invoke.request"
	KindNodeInvokeResult  = "node.invoke.result"
)

// Event is a message published on the bus. Kind is the coarse category
// subscriptions filter on; Name is the concrete event name pushed to
// clients (e.g. kind "agent", name "agent.completed"). SessionKey is
// empty for broadcast kinds (tick, health, presence, shutdown).
type Event struct {
	Kind       string
	Name       string
	SessionKey string
	Payload    any
	TsMs       int64
}

// Filter selects the events a subscriber receives. Zero value matches
// everything.
type Filter struct {
	// Kinds restricts delivery to the listed kinds; empty matches all.
	Kinds []string
	// SessionKey restricts session-scoped events to one session; empty
	// matches all. Broadcast events (no session key) always match.
	SessionKey string
}

func (f Filter) matches(ev Event) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SessionKey != "" && ev.SessionKey != "" && ev.SessionKey != f.SessionKey {
		return false
	}
	return true
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	filter Filter
	ch     chan Event
}

// Ch returns the channel to receive events on. Events arrive in publish
// order; a full buffer drops new events for this subscriber only.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the filter.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	return b.SubscribeBuffered(filter, defaultBufferSize)
}

// SubscribeBuffered creates a subscription with an explicit buffer size.
func (b *Bus) SubscribeBuffered(filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		filter: filter,
		ch:     make(chan Event, buffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers. Delivery is
// non-blocking: a subscriber whose buffer is full misses the event.
// An empty name defaults to the kind.
func (b *Bus) Publish(kind, name, sessionKey string, payload any) {
	if name == "" {
		name = kind
	}
	event := Event{
		Kind:       kind,
		Name:       name,
		SessionKey: sessionKey,
		Payload:    payload,
		TsMs:       time.Now().UnixMilli(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Buffer full, drop event for this subscriber.
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
