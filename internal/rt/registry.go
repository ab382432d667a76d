package rt

import (
	"slices"
	"sync"

	"github.com/estay-app/chatd/internal/status"
)

// Listener receives inbound-message and status-change notifications.
// Both callbacks are invoked on the manager's single dispatch goroutine.
type Listener interface {
	OnMessage(evt MessageEvent)
	OnStatusChange(change status.Change)
}

// Registry is a copy-on-write listener set. Add and Remove may be called
// from any goroutine while notifications are being delivered; a listener
// removed before an event is dispatched is never notified for it.
type Registry struct {
	mu        sync.Mutex
	listeners []Listener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a listener. Registration is idempotent.
func (r *Registry) Add(l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.listeners, l) {
		return
	}
	next := make([]Listener, len(r.listeners), len(r.listeners)+1)
	copy(next, r.listeners)
	r.listeners = append(next, l)
}

// Remove unregisters a listener. Safe to call for a listener that was
// never added.
func (r *Registry) Remove(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := slices.Index(r.listeners, l)
	if idx < 0 {
		return
	}
	next := make([]Listener, 0, len(r.listeners)-1)
	next = append(next, r.listeners[:idx]...)
	next = append(next, r.listeners[idx+1:]...)
	r.listeners = next
}

// Len reports the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

func (r *Registry) snapshot() []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners
}

// NotifyMessage delivers an inbound message to the current snapshot.
func (r *Registry) NotifyMessage(evt MessageEvent) {
	for _, l := range r.snapshot() {
		l.OnMessage(evt)
	}
}

// NotifyStatus delivers a status change to the current snapshot.
func (r *Registry) NotifyStatus(change status.Change) {
	for _, l := range r.snapshot() {
		l.OnStatusChange(change)
	}
}
