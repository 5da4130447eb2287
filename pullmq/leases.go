package pullmq

import (
	"sync"
	"time"
)

// leaseTable tracks deliveries that have been received but not yet acked,
// keyed by ack ID. Workers add and remove entries concurrently with the
// extender's periodic renewAll; renewing an entry that was removed in the
// meantime is a no-op.
type leaseTable struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newLeaseTable() *leaseTable {
	return &leaseTable{entries: make(map[string]time.Time)}
}

func (lt *leaseTable) add(ackID string, deadline time.Time) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.entries[ackID] = deadline
}

func (lt *leaseTable) remove(ackID string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	delete(lt.entries, ackID)
}

// renewAll moves every live lease to the new deadline and returns the
// renewed ack IDs for the batched deadline-modification request.
func (lt *leaseTable) renewAll(deadline time.Time) []string {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.entries) == 0 {
		return nil
	}
	ids := make([]string, 0, len(lt.entries))
	for id := range lt.entries {
		lt.entries[id] = deadline
		ids = append(ids, id)
	}
	return ids
}

func (lt *leaseTable) snapshot() []string {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	ids := make([]string, 0, len(lt.entries))
	for id := range lt.entries {
		ids = append(ids, id)
	}
	return ids
}

func (lt *leaseTable) len() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.entries)
}

func (lt *leaseTable) clear() {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	clear(lt.entries)
}
