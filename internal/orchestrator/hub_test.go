package orchestrator

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func progressEvent(port int) ProgressEvent {
	return ProgressEvent{ScanID: "scan", Type: EventProgress, Status: StatusRunning, Port: port}
}

func TestHub_DropsOldestWhenFull(t *testing.T) {
	var dropped atomic.Int64
	h := newHub("scan", 3, func() { dropped.Add(1) })
	sub := h.subscribe()

	for port := 1; port <= 5; port++ {
		h.publish(progressEvent(port))
	}
	assert.Equal(t, int64(2), dropped.Load())

	var ports []int
	for i := 0; i < 3; i++ {
		ports = append(ports, (<-sub.Events).Port)
	}
	assert.Equal(t, []int{3, 4, 5}, ports)
}

func TestHub_CloseDeliversTerminalEvent(t *testing.T) {
	h := newHub("scan", 2, nil)
	a := h.subscribe()
	b := h.subscribe()
	require.Equal(t, 2, h.count())

	h.publish(progressEvent(1))
	h.publish(progressEvent(2))
	n := h.close(ProgressEvent{ScanID: "scan", Type: EventComplete, Status: StatusCompleted})
	assert.Equal(t, 2, n)
	assert.Zero(t, h.count())

	for _, sub := range []*Subscription{a, b} {
		var events []ProgressEvent
		for ev := range sub.Events {
			events = append(events, ev)
		}
		// The full buffer loses its oldest event to make room for the terminal one.
		require.Len(t, events, 2)
		assert.Equal(t, 2, events[0].Port)
		assert.Equal(t, EventComplete, events[1].Type)
	}

	h.publish(progressEvent(3))
	assert.Zero(t, h.close(ProgressEvent{Type: EventComplete, Status: StatusStopped}))
}

func TestHub_LateSubscriber(t *testing.T) {
	h := newHub("scan", 4, nil)
	h.close(ProgressEvent{ScanID: "scan", Type: EventComplete, Status: StatusStopped})

	sub := h.subscribe()
	ev, ok := <-sub.Events
	require.True(t, ok)
	assert.Equal(t, StatusStopped, ev.Status)
	_, ok = <-sub.Events
	assert.False(t, ok)
	assert.Zero(t, h.count())
}

func TestHub_Unsubscribe(t *testing.T) {
	h := newHub("scan", 4, nil)
	sub := h.subscribe()

	assert.True(t, h.unsubscribe(sub.ID))
	assert.False(t, h.unsubscribe(sub.ID))
	_, ok := <-sub.Events
	assert.False(t, ok)

	h.publish(progressEvent(1))
	assert.Zero(t, h.count())
}
