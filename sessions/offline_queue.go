package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-keeper/metrics"
)

// Operation is a deferred write. It must report connectivity failures with
// an error that errors.IsConnectivity recognises and rejected credentials
// with errors.ErrUnauthorized.
type Operation func(ctx context.Context) error

// Entry is one queued operation.
type Entry struct {
	ID         string    // Unique entry identifier (UUID)
	Name       string    // Caller supplied label, used in logs
	Operation  Operation // The write to replay
	EnqueuedAt time.Time // When the operation was deferred
}

// OfflineQueue is a FIFO of operations deferred while offline.
type OfflineQueue struct {
	mu      sync.Mutex
	entries []Entry
}

// NewOfflineQueue returns an empty queue.
func NewOfflineQueue() *OfflineQueue {
	return &OfflineQueue{}
}

// Enqueue appends an operation and returns its entry.
func (q *OfflineQueue) Enqueue(name string, op Operation, at time.Time) Entry {
	e := Entry{ID: uuid.NewString(), Name: name, Operation: op, EnqueuedAt: at}
	q.mu.Lock()
	q.entries = append(q.entries, e)
	depth := len(q.entries)
	q.mu.Unlock()
	metrics.SetOfflineQueueDepth(depth)
	return e
}

// TakeAll removes and returns every entry in enqueue order.
func (q *OfflineQueue) TakeAll() []Entry {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.mu.Unlock()
	metrics.SetOfflineQueueDepth(0)
	return entries
}

// PushFront puts entries back ahead of anything queued since they were taken.
func (q *OfflineQueue) PushFront(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	q.entries = append(append(make([]Entry, 0, len(entries)+len(q.entries)), entries...), q.entries...)
	depth := len(q.entries)
	q.mu.Unlock()
	metrics.SetOfflineQueueDepth(depth)
}

// Len returns the number of queued operations.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear drops every entry and returns how many were dropped.
func (q *OfflineQueue) Clear() int {
	q.mu.Lock()
	n := len(q.entries)
	q.entries = nil
	q.mu.Unlock()
	metrics.SetOfflineQueueDepth(0)
	return n
}
