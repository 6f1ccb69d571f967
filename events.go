package feedmux

import (
	"sync"
)

// EventType identifies a connectivity lifecycle event the client exposes to
// status indicators. These are client-side notifications, not wire frames.
type EventType byte

const (
	// EventConnect fires when a transport connection reaches open.
	EventConnect EventType = iota + 1
	// EventDisconnect fires when the current connection closes, whether or
	// not the close was caller-initiated.
	EventDisconnect
	// EventReconnect fires when a connection opened by the reconnection
	// policy (rather than an explicit Connect call) reaches open.
	EventReconnect
	// EventIdentity fires once the server assigns a client identity on a
	// fresh connection, right before subscription replay.
	EventIdentity
)

func (e EventType) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReconnect:
		return "reconnect"
	case EventIdentity:
		return "identity"
	default:
		return "unknown"
	}
}

type callback[T any] func(T)

// EventEmitter maps events (of type K) to listener callbacks invoked
// synchronously on Emit.
type EventEmitter[K comparable, V any] struct {
	listeners map[K][]callback[V]
	lock      sync.RWMutex
}

// NewEventEmitter creates a new EventEmitter and returns a pointer to it.
func NewEventEmitter[K comparable, V any]() *EventEmitter[K, V] {
	return &EventEmitter[K, V]{
		listeners: make(map[K][]callback[V]),
	}
}

// On registers a new listener for the given event.
func (e *EventEmitter[K, V]) On(event K, listener callback[V]) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners[event] = append(e.listeners[event], listener)
}

// Emit triggers all listeners registered for the given event synchronously.
// Emit is a no-op after Close.
func (e *EventEmitter[K, V]) Emit(event K, data V) {
	e.lock.RLock()
	listeners := e.listeners[event]
	e.lock.RUnlock()

	for _, listener := range listeners {
		listener(data)
	}
}

// Close removes all listeners to prevent memory leaks.
func (e *EventEmitter[K, V]) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners = make(map[K][]callback[V])
}
