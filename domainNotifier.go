package dstore_client

import (
	"sync"
)

const (
	EventInsert DomainEventType = iota // the element gained children
	EventChange                        // a non-structural change of a leaf element
)

type (
	DomainEventType int

	DomainEvent struct {
		Type   DomainEventType
		Parent *DataElement
	}

	// DomainListener receives tree change notifications. Delivery happens
	// on the update handler's goroutine, so listeners must not block.
	DomainListener interface {
		DomainChanged(ev *DomainEvent)
	}

	DomainListenerFunc func(ev *DomainEvent)

	// DomainNotifier fans notifications out to the registered listeners.
	DomainNotifier struct {
		mu        sync.Mutex
		enabled   bool
		nextID    int
		listeners map[int]DomainListener
		order     []int
	}
)

func (fn DomainListenerFunc) DomainChanged(ev *DomainEvent) {
	fn(ev)
}

func (et DomainEventType) String() string {
	switch et {
	case EventInsert:
		return "insert"
	case EventChange:
		return "change"
	}
	return "unknown"
}

func NewDomainNotifier() *DomainNotifier {
	return &DomainNotifier{
		enabled:   true,
		listeners: map[int]DomainListener{},
	}
}

// AddListener registers a listener and returns the function that removes it.
func (dn *DomainNotifier) AddListener(listener DomainListener) (remove func()) {
	dn.mu.Lock()
	defer dn.mu.Unlock()

	dn.nextID++
	id := dn.nextID
	dn.listeners[id] = listener
	dn.order = append(dn.order, id)

	return func() {
		dn.mu.Lock()
		defer dn.mu.Unlock()

		if _, exists := dn.listeners[id]; !exists {
			return
		}
		delete(dn.listeners, id)
		for i, v := range dn.order {
			if v == id {
				dn.order = append(dn.order[:i], dn.order[i+1:]...)
				break
			}
		}
	}
}

func (dn *DomainNotifier) Enable(enabled bool) {
	dn.mu.Lock()
	defer dn.mu.Unlock()
	dn.enabled = enabled
}

func (dn *DomainNotifier) IsEnabled() bool {
	dn.mu.Lock()
	defer dn.mu.Unlock()
	return dn.enabled
}

func (dn *DomainNotifier) Notify(ev *DomainEvent) {
	dn.mu.Lock()
	if !dn.enabled {
		dn.mu.Unlock()
		return
	}
	listeners := make([]DomainListener, 0, len(dn.order))
	for _, id := range dn.order {
		listeners = append(listeners, dn.listeners[id])
	}
	dn.mu.Unlock()

	for _, listener := range listeners {
		listener.DomainChanged(ev)
	}
}
