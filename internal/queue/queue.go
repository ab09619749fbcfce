// Package queue is the only link between device goroutine and hub loop.
//
// Bounded FIFO ring, drop oldest on overflow. Producer never blocks,
// consumer drains everything available without blocking and may sleep
// on Notify() between drains.
package queue

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/telerelay/tele"
)

const DefaultCapacity = 1024

type Queue struct {
	dropped uint64 // atomic align

	mu    sync.Mutex
	ring  []tele.Message
	head  int
	count int

	notify chan struct{}
	// OnDrop is called outside of lock for each dropped message.
	OnDrop func(tele.Message)
}

func New(capacity int) (*Queue, error) {
	if capacity < 1 {
		return nil, errors.NotValidf("queue capacity=%d", capacity)
	}
	return &Queue{
		ring:   make([]tele.Message, capacity),
		notify: make(chan struct{}, 1),
	}, nil
}

func (q *Queue) Cap() int { return len(q.ring) }

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped is total number of messages lost to overflow.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }

// Notify receives after Enqueue, coalesced.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

func (q *Queue) Enqueue(ms ...tele.Message) {
	var lost []tele.Message
	q.mu.Lock()
	for _, m := range ms {
		if q.count == len(q.ring) {
			old := q.ring[q.head]
			q.ring[q.head] = nil
			q.head = (q.head + 1) % len(q.ring)
			q.count--
			atomic.AddUint64(&q.dropped, 1)
			if q.OnDrop != nil {
				lost = append(lost, old)
			}
		}
		q.ring[(q.head+q.count)%len(q.ring)] = m
		q.count++
	}
	q.mu.Unlock()

	for _, m := range lost {
		q.OnDrop(m)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain returns all queued messages in order, nil when empty. Never blocks on producer.
func (q *Queue) Drain() []tele.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	out := make([]tele.Message, q.count)
	for i := 0; i < q.count; i++ {
		j := (q.head + i) % len(q.ring)
		out[i] = q.ring[j]
		q.ring[j] = nil
	}
	q.head, q.count = 0, 0
	return out
}
