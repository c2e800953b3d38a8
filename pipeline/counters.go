package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/cobaltgraph/cobaltgraph/feed"
)

// counters tracks pipeline activity. Everything is atomic or guarded so the
// feed task can snapshot concurrently with the workers.
type counters struct {
	accepted atomic.Uint64
	partials atomic.Uint64

	mu             sync.Mutex
	voteRejections map[string]uint64
}

func newCounters() *counters {
	return &counters{voteRejections: make(map[string]uint64)}
}

func (c *counters) rejectVotes(scorerIDs []string) {
	if len(scorerIDs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range scorerIDs {
		c.voteRejections[id]++
	}
}

// snapshot renders the counters into the feed schema. Dropped records,
// storage degradations and exporter errors live with their owning
// components and are passed in.
func (c *counters) snapshot(dropped, storageFailures, exporterErrors uint64) *feed.Counters {
	c.mu.Lock()
	rejections := make(map[string]uint64, len(c.voteRejections))
	for id, n := range c.voteRejections {
		rejections[id] = n
	}
	c.mu.Unlock()

	return &feed.Counters{
		RecordsAccepted:     c.accepted.Load(),
		RecordsDropped:      dropped,
		EnrichmentPartials:  c.partials.Load(),
		VoteRejections:      rejections,
		StorageDegradations: storageFailures,
		ExporterErrors:      exporterErrors,
	}
}
