package feedmux

import (
	"sort"
	"sync"
)

// Handler receives every dispatched envelope for the topic it was
// subscribed under.
type Handler func(Envelope)

// subscriptionRegistry multiplexes many independent handlers per topic. A
// topic key exists if and only if at least one handler is interested; the
// set is removed, never kept as an empty placeholder.
type subscriptionRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]Handler
	nextID uint64
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		topics: make(map[string]map[uint64]Handler),
	}
}

// add registers handler under topic. first reports whether the topic had no
// handlers before this call, meaning a subscribe frame is due.
func (r *subscriptionRegistry) add(topic string, handler Handler) (id uint64, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id = r.nextID

	set, ok := r.topics[topic]
	if !ok {
		set = make(map[uint64]Handler)
		r.topics[topic] = set
		first = true
	}
	set[id] = handler

	return id, first
}

// remove deletes exactly one handler. last reports whether the topic lost
// its final handler, meaning an unsubscribe frame is due. Removing an
// already-removed handler is a no-op.
func (r *subscriptionRegistry) remove(topic string, id uint64) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}

	delete(set, id)
	if len(set) == 0 {
		delete(r.topics, topic)
		return true
	}
	return false
}

// snapshot returns a stable copy of the handlers registered for topic at
// this instant. Dispatch iterates the copy so a handler that mutates the
// registry mid-pass never skips or double-invokes its siblings.
func (r *subscriptionRegistry) snapshot(topic string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.topics[topic]
	if !ok {
		return nil
	}

	handlers := make([]Handler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	return handlers
}

// topicNames lists every topic with at least one active handler, sorted for
// deterministic replay frames.
func (r *subscriptionRegistry) topicNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		names = append(names, topic)
	}
	sort.Strings(names)
	return names
}

func (r *subscriptionRegistry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}
