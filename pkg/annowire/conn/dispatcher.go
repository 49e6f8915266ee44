package conn

import (
	"context"
	"strings"
	"sync"

	"github.com/amir-yaghoubi/mqttpattern"

	"github.com/seglab/annowire/pkg/annowire/wire"
)

// MatchAny is the pattern that matches every message type.
const MatchAny = "#"

// Handler receives inbound messages delivered by the dispatcher.
// Handlers run on the dispatch goroutine: one inbound message is fully
// dispatched before the next is processed, so handlers must not block
// indefinitely. Wrap slow consumers with subutils.AsyncHandler.
type Handler func(ctx context.Context, msg wire.Message)

type subscription struct {
	id      int64
	pattern string
	handler Handler
}

// Dispatcher fans inbound messages out to subscribers by message type.
// Subscriptions are either exact type strings or MQTT-style patterns
// ("+"/"#") matched against the hyphen-separated segments of the type;
// multiple subscribers per pattern are supported and run in
// registration order. Subscribers for MatchAny run after type-specific
// subscribers.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID int64
	subs   []subscription
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// On registers a handler for the given message type or pattern and
// returns an unsubscribe function. Unsubscribing twice is safe.
func (d *Dispatcher) On(pattern string, handler Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription{id: id, pattern: pattern, handler: handler})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, sub := range d.subs {
			if sub.id == id {
				d.subs = append(d.subs[:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

// OnAny registers a handler for every message type.
func (d *Dispatcher) OnAny(handler Handler) func() {
	return d.On(MatchAny, handler)
}

// Dispatch delivers the message to all matching subscribers. The
// subscriber list is snapshotted first so handlers may unsubscribe
// (themselves or others) without deadlocking.
func (d *Dispatcher) Dispatch(ctx context.Context, msg wire.Message) {
	d.mu.RLock()
	matched := make([]Handler, 0, len(d.subs))
	var catchAll []Handler
	for _, sub := range d.subs {
		if sub.pattern == MatchAny {
			catchAll = append(catchAll, sub.handler)
			continue
		}
		if patternMatches(sub.pattern, msg.Type) {
			matched = append(matched, sub.handler)
		}
	}
	d.mu.RUnlock()

	for _, handler := range matched {
		handler(ctx, msg)
	}
	for _, handler := range catchAll {
		handler(ctx, msg)
	}
}

// Len returns the number of active subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// patternMatches matches a subscription pattern against a message type.
// Message types are single hyphenated words ("object-added"), so the
// hyphen segments are treated as the topic levels: "object-+" matches
// "object-added" and "object-removed" but not "run-segmentation".
func patternMatches(pattern, msgType string) bool {
	if !strings.ContainsAny(pattern, "+#") {
		return pattern == msgType
	}
	return mqttpattern.Matches(
		strings.ReplaceAll(pattern, "-", "/"),
		strings.ReplaceAll(msgType, "-", "/"))
}
