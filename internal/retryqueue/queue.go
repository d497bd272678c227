// Package retryqueue holds failed units in memory and re-drives them through
// the pipeline with capped exponential backoff. The queue does not survive a
// restart; dropped units can be handed to a dead-letter sink instead.
package retryqueue

import (
	"sync"

	"github.com/dharsanguruparan/ChannelDrop/internal/model"
)

// Queue is a bounded FIFO. Pushing onto a full queue evicts the oldest unit.
type Queue struct {
	mu       sync.Mutex
	items    []*model.QueuedUnit
	capacity int
}

// NewQueue creates a queue holding at most capacity units.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{capacity: capacity, items: make([]*model.QueuedUnit, 0, capacity)}
}

// Push appends u at the tail and returns the unit evicted to make room, if any.
func (q *Queue) Push(u *model.QueuedUnit) (evicted *model.QueuedUnit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		evicted = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
	}
	q.items = append(q.items, u)
	return evicted
}

// Pop removes the head of the queue.
func (q *Queue) Pop() (*model.QueuedUnit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	u := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return u, true
}

// Len returns the number of queued units.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the configured bound.
func (q *Queue) Capacity() int { return q.capacity }
