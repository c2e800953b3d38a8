package enrichment

import (
	"sync"
	"sync/atomic"

	"github.com/cobaltgraph/cobaltgraph/capture"
)

// DefaultQueueSize is the default ingress queue capacity
const DefaultQueueSize = 1024

// IngressQueue is the bounded queue between the capture source and the
// enrichment workers. On overflow the OLDEST record is dropped: under a
// burst, stale observations are worth less than fresh ones.
type IngressQueue struct {
	mu      sync.Mutex
	ch      chan capture.ConnectionRecord
	dropped atomic.Uint64
	closed  bool
}

func NewIngressQueue(capacity int) *IngressQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &IngressQueue{
		ch: make(chan capture.ConnectionRecord, capacity),
	}
}

// Put enqueues a record, evicting the oldest queued record when full.
// Returns false if the record was rejected because the queue is closed.
func (q *IngressQueue) Put(record capture.ConnectionRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	for {
		select {
		case q.ch <- record:
			return true
		default:
			// full: evict the oldest entry and count it, then retry.
			// The drain can race a consumer taking the same record; the
			// default arm keeps the loop from blocking in that case.
			select {
			case <-q.ch:
				q.dropped.Add(1)
			default:
			}
		}
	}
}

// Records returns the consumer side of the queue
func (q *IngressQueue) Records() <-chan capture.ConnectionRecord {
	return q.ch
}

// Dropped returns how many records have been evicted due to overflow
func (q *IngressQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close stops accepting records and lets consumers drain the remainder
func (q *IngressQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
