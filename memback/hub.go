package memback

import (
	"sync"

	"github.com/corvid-mail/imapd/backend"
)

// hub is a per-account change-broadcast actor, grounded on the teacher's
// store.Comm register/unregister/broadcast channel-actor (store/state.go),
// simplified since an in-memory backend has no on-disk message erasure to
// coordinate.
type hub struct {
	register   chan *comm
	unregister chan *comm
	broadcast  chan []backend.Change
	stop       chan struct{}
}

func newHub() *hub {
	h := &hub{
		register:   make(chan *comm),
		unregister: make(chan *comm),
		broadcast:  make(chan []backend.Change),
		stop:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *hub) run() {
	comms := map[*comm]struct{}{}
	for {
		select {
		case c := <-h.register:
			comms[c] = struct{}{}
		case c := <-h.unregister:
			delete(comms, c)
		case changes := <-h.broadcast:
			for c := range comms {
				c.deliver(changes)
			}
		case <-h.stop:
			return
		}
	}
}

func (h *hub) Register() backend.Comm {
	c := &comm{
		pending: make(chan struct{}, 1),
		hub:     h,
	}
	h.register <- c
	return c
}

func (h *hub) Broadcast(changes []backend.Change) {
	if len(changes) == 0 {
		return
	}
	h.broadcast <- changes
}

func (h *hub) Close() {
	close(h.stop)
}

// comm is one session's handle on a hub.
type comm struct {
	pending chan struct{}
	hub     *hub

	mu      sync.Mutex
	changes []backend.Change
}

func (c *comm) deliver(changes []backend.Change) {
	c.mu.Lock()
	c.changes = append(c.changes, changes...)
	c.mu.Unlock()
	select {
	case c.pending <- struct{}{}:
	default:
	}
}

func (c *comm) Pending() <-chan struct{} {
	return c.pending
}

func (c *comm) Get() []backend.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.changes
	c.changes = nil
	return l
}

func (c *comm) Unregister() {
	c.hub.unregister <- c
}
