package database

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cobaltgraph/cobaltgraph/consensus"
	"github.com/cobaltgraph/cobaltgraph/enrichment"
	zlog "github.com/cobaltgraph/cobaltgraph/logger"
)

const (
	defaultWriteQueueSize = 256
	retryBackoff          = 250 * time.Millisecond
)

type writeRequest struct {
	enriched   *enrichment.EnrichedRecord
	assessment *consensus.Assessment
}

// Writer is the single task through which all storage writes flow. A failed
// write is retried once with backoff; persistent failure marks storage
// degraded and the pipeline keeps flowing to the exporter and the feed.
type Writer struct {
	db       *DB
	queue    chan writeRequest
	degraded atomic.Bool
	failures atomic.Uint64
	done     chan struct{}

	mu     sync.Mutex
	closed bool

	// sleep is swappable for tests so retry backoff doesn't slow them down
	sleep func(time.Duration)
}

func NewWriter(db *DB, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = defaultWriteQueueSize
	}
	return &Writer{
		db:    db,
		queue: make(chan writeRequest, queueSize),
		done:  make(chan struct{}),
		sleep: time.Sleep,
	}
}

// Start launches the writer task
func (w *Writer) Start() {
	go func() {
		defer close(w.done)
		for req := range w.queue {
			w.write(req)
		}
	}()
}

// Enqueue hands a record to the writer task. When the queue is full the
// write is counted as a failure rather than blocking the enrichment worker;
// after the writer has shut down the write is refused without being counted.
func (w *Writer) Enqueue(enriched *enrichment.EnrichedRecord, assessment *consensus.Assessment) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}

	select {
	case w.queue <- writeRequest{enriched: enriched, assessment: assessment}:
		return true
	default:
		w.failures.Add(1)
		w.degraded.Store(true)
		return false
	}
}

// Degraded reports whether storage has been marked degraded
func (w *Writer) Degraded() bool {
	return w.degraded.Load()
}

// Failures returns the count of write failures after retry
func (w *Writer) Failures() uint64 {
	return w.failures.Load()
}

// Close drains the queue and stops the writer task. Safe to call more than
// once.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) write(req writeRequest) {
	err := w.db.AppendRecord(req.enriched, req.assessment)
	if err == nil {
		w.degraded.Store(false)
		return
	}

	// one retry with backoff covers transient lock contention
	w.sleep(retryBackoff)
	if err = w.db.AppendRecord(req.enriched, req.assessment); err == nil {
		w.degraded.Store(false)
		return
	}

	w.failures.Add(1)
	w.degraded.Store(true)
	wLogger := zlog.GetLogger()
	wLogger.Error().Err(err).Str("dst_ip", req.assessment.DstIP).Msg("storage write failed after retry; storage degraded")
}
