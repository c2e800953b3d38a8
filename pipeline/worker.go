package pipeline

import (
	"context"
	"time"

	"github.com/cobaltgraph/cobaltgraph/capture"
	"github.com/cobaltgraph/cobaltgraph/consensus"
	"github.com/cobaltgraph/cobaltgraph/enrichment"
	"github.com/cobaltgraph/cobaltgraph/feed"
	zlog "github.com/cobaltgraph/cobaltgraph/logger"
	"github.com/cobaltgraph/cobaltgraph/scoring"
)

const (
	// ScorerDeadline bounds each individual scorer call
	ScorerDeadline = 100 * time.Millisecond
	// ScoringDeadline bounds the whole scoring fan-out for one record
	ScoringDeadline = 200 * time.Millisecond
)

// scorerTask gives one scorer its own goroutine so a call that overruns its
// deadline can never race the next call on the same scorer state. The out
// channel is buffered: a late vote parks there and is drained before the
// scorer is used again.
type scorerTask struct {
	scorer scoring.Scorer
	in     chan *enrichment.EnrichedRecord
	out    chan scoring.Vote
	busy   bool
}

func newScorerTask(scorer scoring.Scorer) *scorerTask {
	return &scorerTask{
		scorer: scorer,
		in:     make(chan *enrichment.EnrichedRecord),
		out:    make(chan scoring.Vote, 1),
	}
}

func (t *scorerTask) loop() {
	for enriched := range t.in {
		t.out <- t.scorer.Score(enriched)
	}
}

// worker is one enrichment task. Destinations are hashed onto workers, so
// each worker owns its scorer set outright: the statistical baselines are
// mutated without any locking and per-destination ordering falls out of the
// routing instead of a global lock.
type worker struct {
	id       int
	in       chan capture.ConnectionRecord
	enricher *enrichment.Orchestrator
	tasks    []*scorerTask
	engine   *consensus.Engine
	sink     func(*enrichment.EnrichedRecord, *consensus.Assessment)
	counters *counters
}

func newWorker(id int, enricher *enrichment.Orchestrator, scorers []scoring.Scorer, engine *consensus.Engine,
	sink func(*enrichment.EnrichedRecord, *consensus.Assessment), counters *counters) *worker {
	tasks := make([]*scorerTask, len(scorers))
	for i, scorer := range scorers {
		tasks[i] = newScorerTask(scorer)
	}
	// the hand-off is unbuffered so backpressure lands on the ingress
	// queue, where the drop-oldest policy is
	return &worker{
		id:       id,
		in:       make(chan capture.ConnectionRecord),
		enricher: enricher,
		tasks:    tasks,
		engine:   engine,
		sink:     sink,
		counters: counters,
	}
}

// run processes records until the input channel closes
func (w *worker) run(ctx context.Context) {
	for _, task := range w.tasks {
		go task.loop()
	}
	defer func() {
		for _, task := range w.tasks {
			close(task.in)
		}
	}()

	for record := range w.in {
		w.process(ctx, record)
	}
}

func (w *worker) process(ctx context.Context, record capture.ConnectionRecord) {
	enriched := w.enricher.Enrich(ctx, record)
	if enriched.EnrichmentPartial {
		w.counters.partials.Add(1)
	}

	votes := w.collectVotes(enriched)
	assessment := w.engine.Assess(enriched.DstIP, enriched.DstPort, enriched.Timestamp, votes)
	w.counters.rejectVotes(assessment.Rejected)

	w.sink(enriched, &assessment)
}

// collectVotes drives the scorers in parallel under the scoring deadline.
// A scorer that misses its deadline contributes no vote for this record;
// consensus proceeds with fewer votes and may flag uncertainty.
func (w *worker) collectVotes(enriched *enrichment.EnrichedRecord) []scoring.Vote {
	zlogger := zlog.GetLogger()

	// dispatch to every scorer that is not still chewing on an earlier
	// record
	dispatched := make([]*scorerTask, 0, len(w.tasks))
	for _, task := range w.tasks {
		if task.busy {
			// drain a vote that arrived late, freeing the scorer
			select {
			case <-task.out:
				task.busy = false
			default:
			}
		}
		if task.busy {
			zlogger.Warn().Str("scorer", task.scorer.ID()).Msg("scorer still busy; skipping it for this record")
			continue
		}
		task.in <- enriched
		task.busy = true
		dispatched = append(dispatched, task)
	}

	votes := make([]scoring.Vote, 0, len(dispatched))
	overall := time.NewTimer(ScoringDeadline)
	defer overall.Stop()

	for _, task := range dispatched {
		perCall := time.NewTimer(ScorerDeadline)
		select {
		case vote := <-task.out:
			task.busy = false
			votes = append(votes, vote)
		case <-perCall.C:
			zlogger.Warn().Str("scorer", task.scorer.ID()).Str("dst_ip", enriched.DstIP).Msg("scorer missed its deadline")
		case <-overall.C:
			perCall.Stop()
			return votes
		}
		perCall.Stop()
	}
	return votes
}

// publishAssessment is the common sink tail: storage, exporter, feed
func (p *Pipeline) publishAssessment(enriched *enrichment.EnrichedRecord, assessment *consensus.Assessment) {
	p.writer.Enqueue(enriched, assessment)
	p.exporter.Publish(enriched, assessment)
	p.bus.Publish(feed.Item{Kind: feed.KindAssessment, Assessment: assessment})
}
