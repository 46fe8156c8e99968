package stream

import (
	"context"
	"sync"

	"broker-core/pkg/exchanges/common"
)

// queue is a bounded FIFO that never blocks the producer. When full, push
// evicts the oldest event.
type queue struct {
	mu     sync.Mutex
	buf    []common.StreamEvent
	head   int
	size   int
	notify chan struct{}
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &queue{
		buf:    make([]common.StreamEvent, capacity),
		notify: make(chan struct{}, 1),
	}
}

// push appends ev and reports whether an older event was evicted.
func (q *queue) push(ev common.StreamEvent) (evicted bool) {
	q.mu.Lock()
	if q.size == len(q.buf) {
		q.buf[q.head] = common.StreamEvent{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = ev
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

func (q *queue) tryPop() (common.StreamEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return common.StreamEvent{}, false
	}
	ev := q.buf[q.head]
	q.buf[q.head] = common.StreamEvent{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return ev, true
}

// pop blocks until an event is available or ctx is done.
func (q *queue) pop(ctx context.Context) (common.StreamEvent, bool) {
	for {
		if ev, ok := q.tryPop(); ok {
			return ev, true
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return common.StreamEvent{}, false
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
