package scanning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ResourceManager caps how many scans run at once. Scans that cannot get a
// slot stay PENDING until one frees up.
type ResourceManager interface {
	// Acquire blocks until a slot is available for scanID or ctx is done.
	Acquire(ctx context.Context, scanID string) error

	// Release frees the slot held by scanID. Releasing an unknown id is a no-op.
	Release(scanID string)

	// Active returns the ids of scans currently holding a slot.
	Active() []string

	// Available returns the number of free slots.
	Available() int

	// Close rejects further acquisitions.
	Close() error
}

// FixedResourceManager implements ResourceManager with a fixed number of slots.
type FixedResourceManager struct {
	capacity int
	slots    chan struct{}

	mu     sync.RWMutex
	active map[string]time.Time
	closed bool
}

// NewFixedResourceManager creates a resource manager with the given capacity.
func NewFixedResourceManager(capacity int) *FixedResourceManager {
	if capacity <= 0 {
		capacity = 1
	}

	return &FixedResourceManager{
		capacity: capacity,
		slots:    make(chan struct{}, capacity),
		active:   make(map[string]time.Time),
	}
}

// Acquire reserves a slot for scanID.
func (rm *FixedResourceManager) Acquire(ctx context.Context, scanID string) error {
	rm.mu.RLock()
	closed := rm.closed
	_, held := rm.active[scanID]
	rm.mu.RUnlock()
	if closed {
		return fmt.Errorf("resource manager is closed")
	}
	if held {
		return fmt.Errorf("scan %s already holds a slot", scanID)
	}

	select {
	case rm.slots <- struct{}{}:
		rm.mu.Lock()
		rm.active[scanID] = time.Now()
		rm.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the slot held by scanID.
func (rm *FixedResourceManager) Release(scanID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.active[scanID]; !ok {
		return
	}
	delete(rm.active, scanID)
	select {
	case <-rm.slots:
	default:
	}
}

// Active returns the ids holding a slot, longest running first.
func (rm *FixedResourceManager) Active() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	ids := make([]string, 0, len(rm.active))
	for id := range rm.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return rm.active[ids[i]].Before(rm.active[ids[j]])
	})
	return ids
}

// Available returns the number of free slots.
func (rm *FixedResourceManager) Available() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	return rm.capacity - len(rm.active)
}

// Close rejects further acquisitions. Slots already held stay valid until
// released.
func (rm *FixedResourceManager) Close() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.closed = true
	return nil
}
