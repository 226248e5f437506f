package orchestrator

import (
	"strconv"
	"sync"
)

// Subscription receives a scan's progress events. The channel is closed
// after the terminal event or on Unsubscribe.
type Subscription struct {
	ID     string
	ScanID string
	Events <-chan ProgressEvent
}

// hub fans events out to subscribers through bounded per-subscriber
// channels. When a subscriber's buffer is full its oldest event is dropped,
// so publishing never blocks the scan.
type hub struct {
	scanID string
	buffer int
	onDrop func()

	mu     sync.Mutex
	subs   map[string]chan ProgressEvent
	nextID int
	closed bool
	final  *ProgressEvent
}

func newHub(scanID string, buffer int, onDrop func()) *hub {
	if buffer <= 0 {
		buffer = 1
	}
	return &hub{
		scanID: scanID,
		buffer: buffer,
		onDrop: onDrop,
		subs:   make(map[string]chan ProgressEvent),
	}
}

// subscribe attaches a new subscriber. Late subscribers to a finished scan
// get the terminal event and a closed channel.
func (h *hub) subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.scanID + "-" + strconv.Itoa(h.nextID)
	ch := make(chan ProgressEvent, h.buffer)

	if h.closed {
		if h.final != nil {
			ch <- *h.final
		}
		close(ch)
		return &Subscription{ID: id, ScanID: h.scanID, Events: ch}
	}

	h.subs[id] = ch
	return &Subscription{ID: id, ScanID: h.scanID, Events: ch}
}

// unsubscribe detaches and closes a subscriber. Unknown ids are ignored.
func (h *hub) unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subs[id]
	if !ok {
		return false
	}
	delete(h.subs, id)
	close(ch)
	return true
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// publish delivers ev to every subscriber. It is a no-op once closed.
func (h *hub) publish(ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for _, ch := range h.subs {
		h.deliver(ch, ev)
	}
}

// close delivers the terminal event and closes every subscriber. Only the
// first call has any effect. It returns how many subscribers were detached.
func (h *hub) close(final ProgressEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0
	}
	h.closed = true
	h.final = &final

	n := len(h.subs)
	for id, ch := range h.subs {
		h.deliver(ch, final)
		close(ch)
		delete(h.subs, id)
	}
	return n
}

func (h *hub) deliver(ch chan ProgressEvent, ev ProgressEvent) {
	select {
	case ch <- ev:
		return
	default:
	}

	// Full: drop the oldest event to make room.
	select {
	case <-ch:
		if h.onDrop != nil {
			h.onDrop()
		}
	default:
	}

	select {
	case ch <- ev:
	default:
		if h.onDrop != nil {
			h.onDrop()
		}
	}
}
