package devserver

import (
	"context"
	"sync"

	"campusport.org/internal/realtime"
)

// hub fan-outs live channel events to every open socket of a user.
type hub struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan realtime.Event
	next int
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[int]chan realtime.Event)}
}

// subscribe registers a subscriber for one user and returns a channel which
// will receive events. The channel is closed when the context ends.
func (h *hub) subscribe(ctx context.Context, userID string) <-chan realtime.Event {
	ch := make(chan realtime.Event, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[int]chan realtime.Event)
	}
	h.subs[userID][id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[userID], id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// publish fan-outs the event to all of the user's subscribers.
func (h *hub) publish(userID string, ev realtime.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[userID] {
		select {
		case ch <- ev:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
