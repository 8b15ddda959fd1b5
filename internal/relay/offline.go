package relay

import (
	"sync"

	"github.com/markus-barta/pinrelay/internal/profile"
	"github.com/markus-barta/pinrelay/internal/protocol"
)

type offlineEntry struct {
	key profile.PinKey
	msg *protocol.Message
}

// OfflineQueue keeps the latest pin-mode command per pin for devices that
// are not connected, to be replayed when they log in.
type OfflineQueue struct {
	mu      sync.Mutex
	pending map[dashKey][]offlineEntry
}

// NewOfflineQueue creates an empty queue.
func NewOfflineQueue() *OfflineQueue {
	return &OfflineQueue{pending: make(map[dashKey][]offlineEntry)}
}

// Record stores msg for key.DashID. An existing entry for the same pin is
// overwritten in place, keeping its position.
func (q *OfflineQueue) Record(userID string, key profile.PinKey, msg *protocol.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dk := dashKey{userID, key.DashID}
	entries := q.pending[dk]
	for i := range entries {
		if entries[i].key == key {
			entries[i].msg = msg
			return
		}
	}
	q.pending[dk] = append(entries, offlineEntry{key: key, msg: msg})
}

// Drain returns the pending messages of a dashboard in first-record order
// and forgets them.
func (q *OfflineQueue) Drain(userID string, dashID int) []*protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	dk := dashKey{userID, dashID}
	entries := q.pending[dk]
	delete(q.pending, dk)

	out := make([]*protocol.Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}

// Discard drops everything pending for a dashboard.
func (q *OfflineQueue) Discard(userID string, dashID int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, dashKey{userID, dashID})
}

// Len returns the number of pending entries of a dashboard.
func (q *OfflineQueue) Len(userID string, dashID int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[dashKey{userID, dashID}])
}
