// Package queue holds datagrams read by the background poller until the
// consumer asks for them.
package queue

import (
	"sync"

	"github.com/mojo333/queryguard/internal/packet"
)

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 1000

// Queue is a bounded FIFO safe for one producer and one consumer.
type Queue struct {
	mu   sync.Mutex
	ring *packet.Ring
}

// New returns an empty queue. A capacity below one selects DefaultCapacity.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Queue{ring: packet.NewRing(capacity)}
}

// Push appends d. It reports false when the queue is full.
func (q *Queue) Push(d packet.Datagram) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Push(d)
}

// Pop removes the oldest datagram.
func (q *Queue) Pop() (packet.Datagram, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Pop()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Len()
}

func (q *Queue) Cap() int {
	return q.ring.Cap()
}

func (q *Queue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Full()
}

// Reset drops every queued datagram.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ring.Reset()
}
