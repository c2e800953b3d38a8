package enrichment

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cobaltgraph/cobaltgraph/capture"
	"github.com/cobaltgraph/cobaltgraph/intel"
	zlog "github.com/cobaltgraph/cobaltgraph/logger"
	"github.com/cobaltgraph/cobaltgraph/util"
)

// DefaultDeadline bounds the total wall time spent enriching one record
const DefaultDeadline = 5 * time.Second

// GeoLookup is the contract the orchestrator needs from the geo/ASN client
type GeoLookup interface {
	Lookup(ctx context.Context, ip string) (intel.GeoResult, error)
}

// ReputationLookup is the contract the orchestrator needs from the
// reputation aggregator
type ReputationLookup interface {
	Lookup(ctx context.Context, ip string) (intel.ReputationResult, error)
}

// HostnameLookup is the contract for the optional reverse-DNS client
type HostnameLookup interface {
	Lookup(ctx context.Context, ip string) (string, error)
}

// Orchestrator fans out intel lookups for each inbound capture record and
// produces an enriched record. No lookup failure is ever fatal: the pipeline
// always gets an EnrichedRecord for every accepted ConnectionRecord.
type Orchestrator struct {
	geo        GeoLookup
	reputation ReputationLookup
	rdns       HostnameLookup // nil disables hostname enrichment
	deadline   time.Duration
}

func NewOrchestrator(geo GeoLookup, reputation ReputationLookup, rdns HostnameLookup, deadline time.Duration) *Orchestrator {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Orchestrator{
		geo:        geo,
		reputation: reputation,
		rdns:       rdns,
		deadline:   deadline,
	}
}

// Enrich performs the geo, reputation and reverse-DNS lookups in parallel
// under the per-record deadline. Whatever completed by the deadline is used;
// missing required fields mark the record partial.
func (o *Orchestrator) Enrich(ctx context.Context, record capture.ConnectionRecord) *EnrichedRecord {
	enriched := &EnrichedRecord{ConnectionRecord: record}

	// OUI enrichment is a local table lookup, no deadline needed
	if record.DstMAC != "" {
		enriched.MACVendor = intel.MACVendor(record.DstMAC)
	}

	// private destinations never leave the local network: skip all intel
	// clients and attach fixed metadata
	if ip := net.ParseIP(record.DstIP); ip != nil && util.IPIsPrivate(ip) {
		enriched.Geo = &intel.GeoResult{
			CountryCode: PrivateCountryCode,
			CountryName: "Private Network",
		}
		return enriched
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		geoResult  *intel.GeoResult
		repResult  *intel.ReputationResult
		hostname   string
		anyFailure bool
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		result, err := o.geo.Lookup(ctx, record.DstIP)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			geoLogger := zlog.GetLogger()
			geoLogger.Debug().Err(err).Str("dst_ip", record.DstIP).Msg("geo lookup failed")
			anyFailure = true
			return
		}
		geoResult = &result
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		result, err := o.reputation.Lookup(ctx, record.DstIP)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			repLogger := zlog.GetLogger()
			repLogger.Debug().Err(err).Str("dst_ip", record.DstIP).Msg("reputation lookup failed")
			anyFailure = true
			// providers that answered still contributed
			if len(result.SourcesUsed) > 0 {
				repResult = &result
			}
			return
		}
		repResult = &result
	}()

	if o.rdns != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// hostname enrichment is advisory; failures never mark the
			// record partial
			name, err := o.rdns.Lookup(ctx, record.DstIP)
			if err != nil {
				return
			}
			mu.Lock()
			hostname = name
			mu.Unlock()
		}()
	}

	wg.Wait()

	mu.Lock()
	enriched.Geo = geoResult
	enriched.Reputation = repResult
	enriched.Hostname = hostname
	enriched.EnrichmentPartial = anyFailure
	mu.Unlock()

	enriched.EnrichmentLatencyMS = float64(time.Since(start).Microseconds()) / 1000.0

	return enriched
}
