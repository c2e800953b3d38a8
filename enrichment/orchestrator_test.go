package enrichment

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cobaltgraph/cobaltgraph/capture"
	"github.com/cobaltgraph/cobaltgraph/intel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockGeo struct {
	calls  atomic.Int64
	result intel.GeoResult
	err    error
	delay  time.Duration
}

func (m *mockGeo) Lookup(ctx context.Context, _ string) (intel.GeoResult, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return intel.GeoResult{}, intel.ErrTimeout
		}
	}
	return m.result, m.err
}

type mockReputation struct {
	calls  atomic.Int64
	result intel.ReputationResult
	err    error
}

func (m *mockReputation) Lookup(_ context.Context, _ string) (intel.ReputationResult, error) {
	m.calls.Add(1)
	return m.result, m.err
}

type mockRDNS struct {
	hostname string
	err      error
}

func (m *mockRDNS) Lookup(_ context.Context, _ string) (string, error) {
	return m.hostname, m.err
}

func TestEnrichPublicDestination(t *testing.T) {
	geo := &mockGeo{result: intel.GeoResult{CountryCode: "US", CountryName: "United States", ASN: 15169, ASOrg: "GOOGLE"}}
	reputation := &mockReputation{result: intel.ReputationResult{VTTotal: 70, SourcesUsed: []string{intel.SourceVirusTotal}}}
	rdns := &mockRDNS{hostname: "dns.google"}

	o := NewOrchestrator(geo, reputation, rdns, time.Second)

	enriched := o.Enrich(context.Background(), capture.ConnectionRecord{
		Timestamp: 1000000.0,
		SrcIP:     "10.0.0.2",
		DstIP:     "8.8.8.8",
		DstPort:   443,
		Protocol:  capture.ProtocolTCP,
	})

	require.NotNil(t, enriched.Geo)
	assert.Equal(t, "US", enriched.Geo.CountryCode)
	assert.Equal(t, 15169, enriched.ASN())
	require.NotNil(t, enriched.Reputation)
	assert.False(t, enriched.IsKnownMalicious())
	assert.Equal(t, "dns.google", enriched.Hostname)
	assert.False(t, enriched.EnrichmentPartial)
	assert.False(t, enriched.IsPrivateDestination())
	assert.GreaterOrEqual(t, enriched.EnrichmentLatencyMS, 0.0)
}

func TestEnrichPrivateDestinationShortcut(t *testing.T) {
	tests := []struct {
		name string
		ip   string
	}{
		{name: "RFC1918", ip: "192.168.1.5"},
		{name: "Loopback", ip: "127.0.0.1"},
		{name: "Link local", ip: "169.254.1.1"},
		{name: "Multicast", ip: "239.255.255.250"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			geo := &mockGeo{}
			reputation := &mockReputation{}
			o := NewOrchestrator(geo, reputation, nil, time.Second)

			enriched := o.Enrich(context.Background(), capture.ConnectionRecord{
				DstIP:   test.ip,
				DstPort: 445,
			})

			// no intel client may be called for private destinations
			assert.Zero(t, geo.calls.Load())
			assert.Zero(t, reputation.calls.Load())

			require.NotNil(t, enriched.Geo)
			assert.Equal(t, PrivateCountryCode, enriched.Geo.CountryCode)
			assert.Nil(t, enriched.Reputation)
			assert.False(t, enriched.EnrichmentPartial)
			assert.True(t, enriched.IsPrivateDestination())
		})
	}
}

func TestEnrichPartialOnFailure(t *testing.T) {
	geo := &mockGeo{err: intel.ErrTimeout}
	reputation := &mockReputation{result: intel.ReputationResult{AbuseIPDBScore: 20, SourcesUsed: []string{intel.SourceAbuseIPDB}}}

	o := NewOrchestrator(geo, reputation, nil, time.Second)

	enriched := o.Enrich(context.Background(), capture.ConnectionRecord{DstIP: "8.8.8.8", DstPort: 443})

	assert.True(t, enriched.EnrichmentPartial)
	assert.Nil(t, enriched.Geo)
	// the surviving lookup is still attached
	require.NotNil(t, enriched.Reputation)
	assert.Equal(t, 20, enriched.Reputation.AbuseIPDBScore)
}

func TestEnrichPartialReputationKept(t *testing.T) {
	geo := &mockGeo{result: intel.GeoResult{CountryCode: "DE"}}
	reputation := &mockReputation{
		result: intel.ReputationResult{AbuseIPDBScore: 90, IsKnownMalicious: true, SourcesUsed: []string{intel.SourceAbuseIPDB}},
		err:    intel.ErrRateLimited,
	}

	o := NewOrchestrator(geo, reputation, nil, time.Second)
	enriched := o.Enrich(context.Background(), capture.ConnectionRecord{DstIP: "185.220.101.1", DstPort: 9001})

	// one provider failed but the other answered; keep its data and flag partial
	assert.True(t, enriched.EnrichmentPartial)
	require.NotNil(t, enriched.Reputation)
	assert.True(t, enriched.IsKnownMalicious())
}

func TestEnrichDeadline(t *testing.T) {
	geo := &mockGeo{delay: 5 * time.Second, result: intel.GeoResult{CountryCode: "US"}}
	reputation := &mockReputation{result: intel.ReputationResult{}}

	o := NewOrchestrator(geo, reputation, nil, 50*time.Millisecond)

	start := time.Now()
	enriched := o.Enrich(context.Background(), capture.ConnectionRecord{DstIP: "8.8.8.8"})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second, "deadline must cut the slow lookup short")
	assert.True(t, enriched.EnrichmentPartial)
	assert.Nil(t, enriched.Geo)
	require.NotNil(t, enriched.Reputation)
}

func TestEnrichMACVendor(t *testing.T) {
	geo := &mockGeo{}
	reputation := &mockReputation{}
	o := NewOrchestrator(geo, reputation, nil, time.Second)

	enriched := o.Enrich(context.Background(), capture.ConnectionRecord{
		DstIP:  "192.168.1.1",
		DstMAC: "b8:27:eb:11:22:33",
	})
	assert.Equal(t, "Raspberry Pi Foundation", enriched.MACVendor)
}

func TestIngressQueueDropOldest(t *testing.T) {
	q := NewIngressQueue(2)

	for i := 0; i < 5; i++ {
		require.True(t, q.Put(capture.ConnectionRecord{DstIP: "8.8.8.8", DstPort: i}))
	}

	// capacity 2, 5 puts: exactly 3 oldest records evicted
	assert.Equal(t, uint64(3), q.Dropped())

	q.Close()

	var ports []int
	for record := range q.Records() {
		ports = append(ports, record.DstPort)
	}
	assert.Equal(t, []int{3, 4}, ports, "the newest records survive")

	// puts after close are rejected
	assert.False(t, q.Put(capture.ConnectionRecord{DstIP: "8.8.8.8"}))
}

func TestIngressQueueAtExactCapacity(t *testing.T) {
	q := NewIngressQueue(2)
	require.True(t, q.Put(capture.ConnectionRecord{DstPort: 1, DstIP: "8.8.8.8"}))
	require.True(t, q.Put(capture.ConnectionRecord{DstPort: 2, DstIP: "8.8.8.8"}))
	assert.Zero(t, q.Dropped())

	// the next enqueue drops the oldest and increments the counter by one
	require.True(t, q.Put(capture.ConnectionRecord{DstPort: 3, DstIP: "8.8.8.8"}))
	assert.Equal(t, uint64(1), q.Dropped())
}
