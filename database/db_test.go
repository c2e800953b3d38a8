package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cobaltgraph/cobaltgraph/capture"
	"github.com/cobaltgraph/cobaltgraph/consensus"
	"github.com/cobaltgraph/cobaltgraph/enrichment"
	"github.com/cobaltgraph/cobaltgraph/intel"
	"github.com/cobaltgraph/cobaltgraph/scoring"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "cobaltgraph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRecord(ts float64, dstIP string, dstPort int) (*enrichment.EnrichedRecord, *consensus.Assessment) {
	enriched := &enrichment.EnrichedRecord{
		ConnectionRecord: capture.ConnectionRecord{
			Timestamp: ts,
			SrcIP:     "10.0.0.2",
			SrcPort:   55000,
			DstIP:     dstIP,
			DstPort:   dstPort,
			Protocol:  capture.ProtocolTCP,
			Mode:      capture.ModeDevice,
		},
		Geo: &intel.GeoResult{CountryCode: "US", CountryName: "United States", ASN: 15169, ASOrg: "GOOGLE"},
		Reputation: &intel.ReputationResult{
			VTTotal:     70,
			SourcesUsed: []string{intel.SourceVirusTotal},
		},
	}

	assessment := &consensus.Assessment{
		DstIP:     dstIP,
		DstPort:   dstPort,
		Timestamp: ts,
		ConsensusScore: 0.05,
		Confidence:     0.7,
		Method:         consensus.Method,
		Votes: []scoring.Vote{
			{ScorerID: scoring.ScorerStatistical, Score: 0.04, Confidence: 0.8, Timestamp: ts, Signature: "aa"},
			{ScorerID: scoring.ScorerRuleBased, Score: 0.06, Confidence: 0.7, Timestamp: ts, Signature: "bb"},
		},
		Outliers:   []string{},
		NumScorers: 2,
	}
	return enriched, assessment
}

func TestOpenDBCreatesSchema(t *testing.T) {
	db := testDB(t)

	// schema creation is idempotent across reopen
	enriched, assessment := testRecord(1000000.0, "8.8.8.8", 443)
	require.NoError(t, db.AppendRecord(enriched, assessment))

	reopened, err := OpenDB(db.path)
	require.NoError(t, err)
	defer reopened.Close()

	rows, err := reopened.RecentConnections(10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestAppendRecordRoundTrip(t *testing.T) {
	db := testDB(t)

	enriched, assessment := testRecord(1000000.0, "8.8.8.8", 443)
	require.NoError(t, db.AppendRecord(enriched, assessment))

	rows, err := db.RecentConnections(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.InDelta(t, 1000000.0, row.Timestamp, 0.0001)
	assert.Equal(t, "8.8.8.8", row.DstIP)
	assert.Equal(t, 443, row.DstPort)
	assert.Equal(t, "US", row.CountryCode)
	assert.Equal(t, 15169, row.ASN)
	assert.Equal(t, "GOOGLE", row.ASOrg)
	assert.False(t, row.IsKnownMalicious)
	assert.InDelta(t, 0.05, row.ConsensusScore, 0.0001)
	assert.InDelta(t, 0.7, row.Confidence, 0.0001)
	assert.False(t, row.HighUncertainty)

	// the stored assessment carries the full vote set
	assessments, err := db.AssessmentsForDestination("8.8.8.8")
	require.NoError(t, err)
	require.Len(t, assessments, 1)
	stored := assessments[0]
	assert.InDelta(t, assessment.ConsensusScore, stored.ConsensusScore, 0.0001)
	assert.Equal(t, assessment.NumScorers, stored.NumScorers)
	require.Len(t, stored.Votes, 2)
	assert.Equal(t, scoring.ScorerStatistical, stored.Votes[0].ScorerID)
	assert.Equal(t, "aa", stored.Votes[0].Signature)
}

func TestPerDestinationTimestampOrder(t *testing.T) {
	db := testDB(t)

	// interleave destinations; per-destination order must be preserved
	for i := 0; i < 5; i++ {
		ts := 1000000.0 + float64(i)
		enriched, assessment := testRecord(ts, "8.8.8.8", 443)
		require.NoError(t, db.AppendRecord(enriched, assessment))

		enriched, assessment = testRecord(ts+0.5, "1.1.1.1", 53)
		require.NoError(t, db.AppendRecord(enriched, assessment))
	}

	assessments, err := db.AssessmentsForDestination("8.8.8.8")
	require.NoError(t, err)
	require.Len(t, assessments, 5)
	for i := 1; i < len(assessments); i++ {
		assert.GreaterOrEqual(t, assessments[i].Timestamp, assessments[i-1].Timestamp)
	}
}

func TestWriterDegradedOnPersistentFailure(t *testing.T) {
	db := testDB(t)
	writer := NewWriter(db, 8)
	writer.sleep = func(time.Duration) {}
	writer.Start()

	// close the underlying handle so every write fails
	require.NoError(t, db.conn.Close())

	enriched, assessment := testRecord(1000000.0, "8.8.8.8", 443)
	require.True(t, writer.Enqueue(enriched, assessment))
	writer.Close()

	assert.True(t, writer.Degraded())
	assert.Equal(t, uint64(1), writer.Failures())
}

func TestWriterHappyPath(t *testing.T) {
	db := testDB(t)
	writer := NewWriter(db, 8)
	writer.Start()

	enriched, assessment := testRecord(1000000.0, "8.8.8.8", 443)
	require.True(t, writer.Enqueue(enriched, assessment))
	writer.Close()

	assert.False(t, writer.Degraded())
	assert.Zero(t, writer.Failures())

	rows, err := db.RecentConnections(10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
