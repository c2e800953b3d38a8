package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cobaltgraph/cobaltgraph/capture"
	"github.com/cobaltgraph/cobaltgraph/config"
	"github.com/cobaltgraph/cobaltgraph/consensus"
	"github.com/cobaltgraph/cobaltgraph/database"
	"github.com/cobaltgraph/cobaltgraph/enrichment"
	"github.com/cobaltgraph/cobaltgraph/export"
	"github.com/cobaltgraph/cobaltgraph/feed"
	"github.com/cobaltgraph/cobaltgraph/intel"
	zlog "github.com/cobaltgraph/cobaltgraph/logger"
	"github.com/cobaltgraph/cobaltgraph/scoring"
	"github.com/cobaltgraph/cobaltgraph/util"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Exit codes surfaced through Run
const (
	ExitOK             = 0
	ExitConfigInvalid  = 1
	ExitStorageFailure = 2
	ExitCaptureFailure = 3
)

// DrainDeadline bounds how long shutdown waits for in-flight records
const DrainDeadline = 5 * time.Second

const healthInterval = time.Second

// Startup failure kinds, mapped onto exit codes by Run
var (
	ErrConfigInvalid  = errors.New("configuration invalid")
	ErrStorageStartup = errors.New("fatal storage error at startup")
	ErrCaptureStartup = errors.New("capture source failed to start")
)

// Pipeline binds the capture source to enrichment, scoring, consensus,
// storage, export and the dashboard feed
type Pipeline struct {
	cfg   *config.Config
	afs   afero.Fs
	runID uuid.UUID

	source     capture.Source
	queue      *enrichment.IngressQueue
	enricher   *enrichment.Orchestrator
	workers    []*worker
	engine     *consensus.Engine
	db         *database.DB
	writer     *database.Writer
	exporter   *export.Exporter
	bus        *feed.Bus
	geo        *intel.GeoClient
	reputation *intel.ReputationClient
	counters   *counters
}

// Option overrides a pipeline collaborator, mainly for tests
type Option func(*Pipeline)

// WithSource substitutes the capture source
func WithSource(source capture.Source) Option {
	return func(p *Pipeline) { p.source = source }
}

// WithFilesystem substitutes the filesystem used for exports and weights
func WithFilesystem(afs afero.Fs) Option {
	return func(p *Pipeline) { p.afs = afs }
}

// WithEnricher substitutes the enrichment orchestrator
func WithEnricher(enricher *enrichment.Orchestrator) Option {
	return func(p *Pipeline) { p.enricher = enricher }
}

// New assembles a pipeline from the configuration. The returned error wraps
// one of the startup failure kinds so Run can map it to an exit code.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: no configuration provided", ErrConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	p := &Pipeline{
		cfg:      cfg,
		afs:      afero.NewOsFs(),
		runID:    uuid.New(),
		bus:      feed.NewBus(),
		counters: newCounters(),
	}
	for _, opt := range opts {
		opt(p)
	}

	zlogger := zlog.GetLogger()

	// scorer keys and ML weights are configuration: failures here are
	// ConfigInvalid, not runtime degradation
	signers, err := buildSigners(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	weights, err := scoring.LoadMLWeights(p.afs, cfg.Scorers.ML.WeightsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	// storage opens before anything can flow
	p.db, err = database.OpenDB(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageStartup, err)
	}
	p.writer = database.NewWriter(p.db, 0)

	p.exporter, err = export.NewExporter(p.afs, export.Config{
		Dir:            cfg.Export.Dir,
		BufferSize:     cfg.Export.BufferSize,
		FlushInterval:  time.Duration(cfg.Export.FlushIntervalMS) * time.Millisecond,
		CSVMaxSizeMB:   cfg.Export.CSVMaxSizeMB,
		JSONLMaxSizeMB: cfg.Export.JSONLMaxSizeMB,
	})
	if err != nil {
		p.db.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorageStartup, err)
	}

	// intel clients and the enrichment orchestrator (unless injected)
	if p.enricher == nil {
		p.geo = intel.NewGeoClient(cfg.Intel.Geo.RatePerMin, time.Duration(cfg.Intel.Geo.TimeoutMS)*time.Millisecond)
		p.reputation = intel.NewReputationClient(intel.ReputationConfig{
			VTAPIKey:        cfg.Env.VTAPIKey,
			VTRatePerSec:    cfg.Intel.VT.RatePerSec,
			VTTimeout:       time.Duration(cfg.Intel.VT.TimeoutMS) * time.Millisecond,
			AbuseAPIKey:     cfg.Env.AbuseIPDBAPIKey,
			AbuseRatePerSec: cfg.Intel.AbuseIPDB.RatePerSec,
			AbuseTimeout:    time.Duration(cfg.Intel.AbuseIPDB.TimeoutMS) * time.Millisecond,
		})
		var rdns enrichment.HostnameLookup
		if cfg.Intel.RDNS.Enabled {
			rdns = intel.NewRDNSClient(cfg.Intel.RDNS.Server, time.Duration(cfg.Intel.RDNS.TimeoutMS)*time.Millisecond)
		}
		p.enricher = enrichment.NewOrchestrator(p.geo, p.reputation, rdns,
			time.Duration(cfg.Enrichment.DeadlineMS)*time.Millisecond)
	}

	// consensus engine shares one verifier set across workers; signers are
	// read-only after startup
	verifiers := map[string]consensus.Verifier{
		scoring.ScorerStatistical: signers[scoring.ScorerStatistical],
		scoring.ScorerRuleBased:   signers[scoring.ScorerRuleBased],
		scoring.ScorerMLBased:     signers[scoring.ScorerMLBased],
	}
	p.engine = consensus.NewEngine(consensus.Config{
		MinScorers:           cfg.Consensus.MinScorers,
		OutlierThreshold:     cfg.Consensus.OutlierThreshold,
		UncertaintyThreshold: cfg.Consensus.UncertaintyThreshold,
		MADK:                 cfg.Consensus.MADK,
	}, verifiers)

	// each worker owns a full scorer set; statistical baselines are scoped
	// per worker and never shared
	p.queue = enrichment.NewIngressQueue(cfg.Enrichment.QueueSize)
	for i := 0; i < cfg.Enrichment.Workers; i++ {
		scorers := []scoring.Scorer{
			scoring.NewStatisticalScorer(signers[scoring.ScorerStatistical]),
			scoring.NewRuleBasedScorer(signers[scoring.ScorerRuleBased]),
			scoring.NewMLScorer(signers[scoring.ScorerMLBased], weights),
		}
		p.workers = append(p.workers, newWorker(i, p.enricher, scorers, p.engine, p.publishAssessment, p.counters))
	}

	// every scorer must self-verify a canary vote before capture starts
	if err := p.canaryCheck(); err != nil {
		p.exporter.Close()
		p.db.Close()
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	// capture source per mode (unless injected)
	if p.source == nil {
		switch cfg.Mode {
		case config.ModeDevice:
			p.source = capture.NewDeviceSource(time.Duration(cfg.Capture.TickMS) * time.Millisecond)
		case config.ModeNetwork:
			p.source = capture.NewNetworkSource(cfg.Capture.Interface)
		}
	}

	for id, signer := range signers {
		zlogger.Info().Str("scorer", id).Str("key_fingerprint", signer.Fingerprint()).Msg("scorer key loaded")
	}

	return p, nil
}

func buildSigners(cfg *config.Config) (map[string]*scoring.Signer, error) {
	keys := map[string]string{
		scoring.ScorerStatistical: cfg.Scorers.Keys.Statistical,
		scoring.ScorerRuleBased:   cfg.Scorers.Keys.RuleBased,
		scoring.ScorerMLBased:     cfg.Scorers.Keys.MLBased,
	}
	signers := make(map[string]*scoring.Signer, len(keys))
	for id, key := range keys {
		signer, err := scoring.NewSigner(key)
		if err != nil {
			return nil, fmt.Errorf("scorer %s: %w", id, err)
		}
		signers[id] = signer
	}
	return signers, nil
}

// canaryCheck has every scorer sign and verify a vote for a synthetic
// record, proving the key material works before any real traffic flows
func (p *Pipeline) canaryCheck() error {
	canary := &enrichment.EnrichedRecord{
		ConnectionRecord: capture.ConnectionRecord{
			Timestamp: float64(time.Now().Unix()),
			DstIP:     "192.0.2.1",
			DstPort:   443,
			Protocol:  capture.ProtocolTCP,
		},
	}
	for _, task := range p.workers[0].tasks {
		vote := task.scorer.Score(canary)
		if !task.scorer.Verify(vote) {
			return fmt.Errorf("scorer %s failed to verify its own canary vote", task.scorer.ID())
		}
	}
	return nil
}

// Feed returns the dashboard feed bus
func (p *Pipeline) Feed() *feed.Bus {
	return p.bus
}

// Start brings the pipeline up: storage writer, exporter, workers,
// dispatcher, health task and finally the capture source
func (p *Pipeline) Start(ctx context.Context) error {
	zlogger := zlog.GetLogger()

	p.writer.Start()
	p.exporter.Start()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	var workerGroup errgroup.Group
	for _, w := range p.workers {
		w := w
		workerGroup.Go(func() error {
			w.run(workerCtx)
			return nil
		})
	}

	// dispatcher routes each record to the worker owning its destination
	var dispatchWg sync.WaitGroup
	dispatchWg.Add(1)
	go func() {
		defer dispatchWg.Done()
		defer func() {
			for _, w := range p.workers {
				close(w.in)
			}
		}()
		for record := range p.queue.Records() {
			p.workers[util.HashIPToWorker(record.DstIP, len(p.workers))].in <- record
		}
	}()

	// periodic counters and health snapshots for the dashboard
	healthCtx, cancelHealth := context.WithCancel(context.Background())
	var healthWg sync.WaitGroup
	healthWg.Add(1)
	go func() {
		defer healthWg.Done()
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-healthCtx.Done():
				return
			case <-ticker.C:
				p.publishHealth()
			}
		}
	}()

	records, err := p.source.Start(ctx)
	if err != nil {
		cancelHealth()
		healthWg.Wait()
		p.queue.Close()
		dispatchWg.Wait()
		cancelWorkers()
		_ = workerGroup.Wait()
		p.teardown()
		return fmt.Errorf("%w: %w", ErrCaptureStartup, err)
	}

	zlogger.Info().Str("run_id", p.runID.String()).Str("mode", p.cfg.Mode).Int("workers", len(p.workers)).Msg("pipeline started")

	// capture consumer: validate and enqueue until the source terminates
	// or the context is cancelled
	go func() {
		for record := range records {
			if !record.Valid() {
				continue
			}
			if p.queue.Put(record) {
				p.counters.accepted.Add(1)
			}
		}

		// the source terminated; stop in reverse dependency order with a
		// bounded drain
		p.queue.Close()
		dispatchWg.Wait()

		drained := make(chan struct{})
		go func() {
			_ = workerGroup.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(DrainDeadline):
			zlogger.Warn().Dur("deadline", DrainDeadline).Msg("drain deadline exceeded; abandoning in-flight records")
		}
		cancelWorkers()

		cancelHealth()
		healthWg.Wait()
		p.teardown()
	}()

	return nil
}

// Stop stops the capture source; everything downstream drains and shuts
// down through the consumer goroutine
func (p *Pipeline) Stop() {
	p.source.Stop()
}

// Wait blocks until the feed closes, which is the last step of teardown
func (p *Pipeline) Wait() {
	sub, cancel := p.bus.Subscribe(1)
	defer cancel()
	for range sub {
	}
}

func (p *Pipeline) teardown() {
	p.writer.Close()
	p.exporter.Close()
	// one final snapshot so degradations during the drain still reach
	// subscribers before the feed closes
	p.publishHealth()
	if err := p.db.Close(); err != nil {
		closeLogger := zlog.GetLogger()
		closeLogger.Warn().Err(err).Msg("error closing database")
	}
	p.bus.Close()
}

func (p *Pipeline) publishHealth() {
	p.bus.Publish(feed.Item{
		Kind:     feed.KindCounters,
		Counters: p.counters.snapshot(p.queue.Dropped(), p.writer.Failures(), p.exporter.Errors()),
	})

	health := &feed.Health{
		Storage:        feed.HealthOK,
		ExporterJSONL:  feed.HealthOK,
		ExporterCSV:    feed.HealthOK,
		IntelGeo:       intel.StatusOK,
		IntelVT:        intel.StatusOK,
		IntelAbuseIPDB: intel.StatusOK,
	}
	if p.writer.Degraded() {
		health.Storage = feed.HealthDegraded
	}
	if p.exporter.JSONLDegraded() {
		health.ExporterJSONL = feed.HealthDegraded
	}
	if p.exporter.CSVDegraded() {
		health.ExporterCSV = feed.HealthDegraded
	}
	if p.geo != nil {
		health.IntelGeo = p.geo.Status()
	}
	if p.reputation != nil {
		health.IntelVT = p.reputation.VTStatus()
		health.IntelAbuseIPDB = p.reputation.AbuseIPDBStatus()
	}
	p.bus.Publish(feed.Item{Kind: feed.KindHealth, Health: health})
}

// Run is the single entry point the launcher calls: it assembles the
// pipeline, runs it until the context is cancelled or the source ends, and
// maps startup failures onto the documented exit codes.
func Run(ctx context.Context, cfg *config.Config, opts ...Option) int {
	zlogger := zlog.GetLogger()

	p, err := New(cfg, opts...)
	if err != nil {
		zlogger.Error().Err(err).Msg("pipeline startup failed")
		return ExitCodeFor(err)
	}

	if err := p.Start(ctx); err != nil {
		zlogger.Error().Err(err).Msg("pipeline startup failed")
		return ExitCodeFor(err)
	}

	// stop capture on cancellation; teardown cascades from there
	go func() {
		<-ctx.Done()
		p.Stop()
	}()

	p.Wait()
	zlogger.Info().Msg("pipeline stopped cleanly")
	return ExitOK
}

// ExitCodeFor maps a startup failure onto the documented exit codes
func ExitCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrConfigInvalid):
		return ExitConfigInvalid
	case errors.Is(err, ErrStorageStartup):
		return ExitStorageFailure
	case errors.Is(err, ErrCaptureStartup):
		return ExitCaptureFailure
	default:
		return ExitConfigInvalid
	}
}
