package dstore_client

import (
	"sync"
	"time"

	"github.com/jimsnab/go-lane"
)

const DefaultUpdateWaitTime = 200 * time.Millisecond

type (
	// ClientUpdateHandler polls the refreshed elements and turns them into
	// domain notifications on its own goroutine.
	ClientUpdateHandler struct {
		l        lane.Lane
		ds       *DataStore
		w        worker
		waitTime time.Duration

		mu      sync.Mutex
		pending []*DataElement
	}
)

func NewClientUpdateHandler(l lane.Lane, ds *DataStore) *ClientUpdateHandler {
	return &ClientUpdateHandler{
		l:        l,
		ds:       ds,
		waitTime: DefaultUpdateWaitTime,
	}
}

// SetWaitTime changes the poll period; it takes effect on the next Start.
func (uh *ClientUpdateHandler) SetWaitTime(d time.Duration) {
	if d > 0 {
		uh.waitTime = d
	}
}

func (uh *ClientUpdateHandler) AddData(elem *DataElement) {
	uh.mu.Lock()
	defer uh.mu.Unlock()

	for _, p := range uh.pending {
		if p == elem {
			return
		}
	}
	uh.pending = append(uh.pending, elem)
}

// UpdateFile is a no-op; files only flow toward the client.
func (uh *ClientUpdateHandler) UpdateFile(remotePath string, data []byte, binary bool) {
}

// RequestClass is a no-op; class requests are served by the peer.
func (uh *ClientUpdateHandler) RequestClass(className string) {
}

func (uh *ClientUpdateHandler) Start() error {
	return uh.w.start(uh.run)
}

func (uh *ClientUpdateHandler) run(exit <-chan struct{}) {
	ticker := time.NewTicker(uh.waitTime)
	defer ticker.Stop()

	for {
		select {
		case <-exit:
			return
		case <-ticker.C:
			uh.sendUpdates()
		}
	}
}

// sendUpdates drains the pending list; childless elements produce a change
// notification, the others an insert notification.
func (uh *ClientUpdateHandler) sendUpdates() {
	uh.mu.Lock()
	pending := uh.pending
	uh.pending = nil
	uh.mu.Unlock()

	for _, elem := range pending {
		if elem.IsUpdated() || elem.IsDescriptor() {
			continue
		}

		ev := &DomainEvent{Type: EventInsert, Parent: elem}
		if elem.ChildCount() == 0 {
			ev.Type = EventChange
		}

		elem.SetUpdated(true)
		elem.SetExpanded(true)

		uh.l.Tracef("%s notification for %s", ev.Type, elem)
		uh.ds.DomainNotifier().Notify(ev)
	}
}

// Stop ends the poll goroutine and delivers what is still pending.
func (uh *ClientUpdateHandler) Stop() {
	uh.w.stop()
	uh.sendUpdates()
}
