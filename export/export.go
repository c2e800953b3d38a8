package export

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cobaltgraph/cobaltgraph/consensus"
	"github.com/cobaltgraph/cobaltgraph/enrichment"
	zlog "github.com/cobaltgraph/cobaltgraph/logger"

	"github.com/spf13/afero"
)

// Defaults per the export configuration
const (
	DefaultBufferSize     = 100
	DefaultFlushInterval  = time.Second
	DefaultCSVMaxSizeMB   = 10
	DefaultJSONLMaxSizeMB = 100

	jsonlFileName = "cobaltgraph.jsonl"
	csvFileName   = "cobaltgraph_summary.csv"
)

// Entry is one buffered export item: the enriched record plus its
// consensus assessment
type Entry struct {
	Enriched   *enrichment.EnrichedRecord
	Assessment *consensus.Assessment
}

// Config tunes the exporter
type Config struct {
	Dir            string
	BufferSize     int
	FlushInterval  time.Duration
	CSVMaxSizeMB   int
	JSONLMaxSizeMB int
}

// sink is one output format writer. Implementations are single-writer:
// only the owning flusher task ever calls writeBatch.
type sink interface {
	writeBatch(entries []Entry) error
	close() error
}

// sinkRunner owns one sink's flusher task. A failure on one sink never
// stops the other sink or the pipeline.
type sinkRunner struct {
	name     string
	sink     sink
	batches  chan []Entry
	errors   atomic.Uint64
	degraded atomic.Bool
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

func newSinkRunner(name string, s sink, queueDepth int) *sinkRunner {
	return &sinkRunner{
		name:    name,
		sink:    s,
		batches: make(chan []Entry, queueDepth),
		done:    make(chan struct{}),
	}
}

func (r *sinkRunner) start() {
	go func() {
		defer close(r.done)
		for batch := range r.batches {
			if err := r.sink.writeBatch(batch); err != nil {
				r.errors.Add(1)
				r.degraded.Store(true)
				writeLogger := zlog.GetLogger()
				writeLogger.Error().Err(err).Str("sink", r.name).Msg("export write failed")
				continue
			}
			r.degraded.Store(false)
		}
	}()
}

func (r *sinkRunner) submit(batch []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	select {
	case r.batches <- batch:
	default:
		// the sink cannot keep up; dropping the batch beats stalling the
		// pipeline
		r.errors.Add(1)
		r.degraded.Store(true)
	}
}

func (r *sinkRunner) stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.batches)
	r.mu.Unlock()

	<-r.done
	if err := r.sink.close(); err != nil {
		closeLogger := zlog.GetLogger()
		closeLogger.Warn().Err(err).Str("sink", r.name).Msg("error closing export sink")
	}
}

// Exporter buffers assessments in a shared in-memory buffer and flushes
// them to the JSONL and CSV sinks on a timer or when the buffer fills.
type Exporter struct {
	mu     sync.Mutex
	buffer []Entry
	size   int

	jsonl *sinkRunner
	csv   *sinkRunner

	flushInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewExporter opens both sinks in cfg.Dir on the given filesystem
func NewExporter(afs afero.Fs, cfg Config) (*Exporter, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.CSVMaxSizeMB <= 0 {
		cfg.CSVMaxSizeMB = DefaultCSVMaxSizeMB
	}
	if cfg.JSONLMaxSizeMB <= 0 {
		cfg.JSONLMaxSizeMB = DefaultJSONLMaxSizeMB
	}

	if err := afs.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("unable to create export directory %s: %w", cfg.Dir, err)
	}

	jsonlSink, err := newJSONLSink(afs, cfg.Dir, int64(cfg.JSONLMaxSizeMB)*1024*1024)
	if err != nil {
		return nil, err
	}
	csvSink, err := newCSVSink(afs, cfg.Dir, int64(cfg.CSVMaxSizeMB)*1024*1024)
	if err != nil {
		_ = jsonlSink.close()
		return nil, err
	}

	return &Exporter{
		buffer:        make([]Entry, 0, cfg.BufferSize),
		size:          cfg.BufferSize,
		jsonl:         newSinkRunner("jsonl", jsonlSink, 16),
		csv:           newSinkRunner("csv", csvSink, 16),
		flushInterval: cfg.FlushInterval,
		stop:          make(chan struct{}),
	}, nil
}

// Start launches the per-sink flusher tasks and the flush timer
func (e *Exporter) Start() {
	e.jsonl.start()
	e.csv.start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				e.Flush()
			}
		}
	}()
}

// Publish buffers one assessment for export, flushing when the buffer fills
func (e *Exporter) Publish(enriched *enrichment.EnrichedRecord, assessment *consensus.Assessment) {
	e.mu.Lock()
	e.buffer = append(e.buffer, Entry{Enriched: enriched, Assessment: assessment})
	full := len(e.buffer) >= e.size
	e.mu.Unlock()

	if full {
		e.Flush()
	}
}

// Flush hands the buffered entries to both sink tasks
func (e *Exporter) Flush() {
	e.mu.Lock()
	if len(e.buffer) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.buffer
	e.buffer = make([]Entry, 0, e.size)
	e.mu.Unlock()

	e.jsonl.submit(batch)
	e.csv.submit(batch)
}

// JSONLDegraded reports JSONL sink health for the feed
func (e *Exporter) JSONLDegraded() bool { return e.jsonl.degraded.Load() }

// CSVDegraded reports CSV sink health for the feed
func (e *Exporter) CSVDegraded() bool { return e.csv.degraded.Load() }

// Errors returns the total error count across both sinks
func (e *Exporter) Errors() uint64 {
	return e.jsonl.errors.Load() + e.csv.errors.Load()
}

// Close flushes outstanding entries and shuts both sinks down
func (e *Exporter) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
		e.wg.Wait()
		e.Flush()
		e.jsonl.stop()
		e.csv.stop()
	})
}
