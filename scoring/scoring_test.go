package scoring

import (
	"testing"

	"github.com/cobaltgraph/cobaltgraph/capture"
	"github.com/cobaltgraph/cobaltgraph/enrichment"
	"github.com/cobaltgraph/cobaltgraph/intel"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	signer, err := NewSigner("")
	require.NoError(t, err)
	return signer
}

func enrichedRecord() *enrichment.EnrichedRecord {
	return &enrichment.EnrichedRecord{
		ConnectionRecord: capture.ConnectionRecord{
			Timestamp: 1000000.0,
			SrcIP:     "10.0.0.2",
			DstIP:     "8.8.8.8",
			DstPort:   443,
			Protocol:  capture.ProtocolTCP,
		},
		Geo: &intel.GeoResult{CountryCode: "US", ASN: 15169, ASOrg: "GOOGLE"},
		Reputation: &intel.ReputationResult{
			VTTotal:     70,
			SourcesUsed: []string{intel.SourceVirusTotal},
		},
	}
}

func TestNewSigner(t *testing.T) {
	// generated keys are distinct and well-formed
	a := testSigner(t)
	b := testSigner(t)
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, a.Fingerprint(), 8)

	// explicit key material round-trips
	signer, err := NewSigner("000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	assert.NotEmpty(t, signer.Fingerprint())

	// short keys are rejected
	_, err = NewSigner("0001")
	require.ErrorIs(t, err, ErrKeyTooShort)

	// non-hex keys are rejected
	_, err = NewSigner("zzzz")
	require.Error(t, err)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := testSigner(t)

	vote := Vote{
		ScorerID:   ScorerStatistical,
		Score:      0.42,
		Confidence: 0.8,
		Rationale:  map[string]float64{"port_rarity": 0.3, "asn_rarity": 0.54},
		Timestamp:  1000000.5,
	}
	signer.Sign(&vote)
	require.NotEmpty(t, vote.Signature)
	assert.True(t, signer.Verify(vote))

	// parse a serialized vote and re-verify; canonical form must be stable
	var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary
	data, err := jsonCodec.Marshal(vote)
	require.NoError(t, err)
	var parsed Vote
	require.NoError(t, jsonCodec.Unmarshal(data, &parsed))
	assert.True(t, signer.Verify(parsed))
	assert.Equal(t, vote.CanonicalBytes(), parsed.CanonicalBytes())
}

func TestVerifyRejectsTamper(t *testing.T) {
	signer := testSigner(t)

	vote := Vote{
		ScorerID:   ScorerMLBased,
		Score:      0.2,
		Confidence: 0.6,
		Rationale:  map[string]float64{"vt_ratio": 0.1},
		Timestamp:  1000000.0,
	}
	signer.Sign(&vote)

	tampered := vote
	tampered.Score = 0.9
	assert.False(t, signer.Verify(tampered))

	tampered = vote
	tampered.Rationale = map[string]float64{"vt_ratio": 0.9}
	assert.False(t, signer.Verify(tampered))

	tampered = vote
	tampered.Signature = "deadbeef"
	assert.False(t, signer.Verify(tampered))

	// a different key cannot verify the vote
	other := testSigner(t)
	assert.False(t, other.Verify(vote))
}

func TestCanonicalBytesSortsRationale(t *testing.T) {
	a := Vote{ScorerID: "x", Rationale: map[string]float64{"b": 2, "a": 1}}
	b := Vote{ScorerID: "x", Rationale: map[string]float64{"a": 1, "b": 2}}
	assert.Equal(t, a.CanonicalBytes(), b.CanonicalBytes())
	assert.Contains(t, string(a.CanonicalBytes()), "a=1;b=2")
}

func TestStatisticalScorer(t *testing.T) {
	scorer := NewStatisticalScorer(testSigner(t))

	// cold start: high anomaly, low confidence
	vote := scorer.Score(enrichedRecord())
	assert.Equal(t, ScorerStatistical, vote.ScorerID)
	assert.LessOrEqual(t, vote.Confidence, 0.3)
	assert.True(t, scorer.Verify(vote))

	// drive the same destination repeatedly; it becomes baseline and the
	// anomaly score falls while confidence rises
	for i := 0; i < 300; i++ {
		vote = scorer.Score(enrichedRecord())
	}
	assert.Less(t, vote.Score, 0.3, "a repeated destination is not anomalous")
	assert.Greater(t, vote.Confidence, 0.3)

	// a destination never seen before scores far higher
	novel := enrichedRecord()
	novel.DstPort = 31337
	novel.Geo = &intel.GeoResult{CountryCode: "KP", ASN: 131279}
	novelVote := scorer.Score(novel)
	assert.Greater(t, novelVote.Score, vote.Score)
}

func TestStatisticalScorerMissingFeatures(t *testing.T) {
	scorer := NewStatisticalScorer(testSigner(t))
	vote := scorer.Score(nil)
	assert.Zero(t, vote.Score)
	assert.Zero(t, vote.Confidence)
	assert.Contains(t, vote.Rationale, "missing_features")
	assert.True(t, scorer.Verify(vote))
}

func TestRuleBasedScorer(t *testing.T) {
	scorer := NewRuleBasedScorer(testSigner(t))

	// clean record matches nothing
	vote := scorer.Score(enrichedRecord())
	assert.Zero(t, vote.Score)
	assert.InDelta(t, 0.5, vote.Confidence, 0.0001)
	assert.Contains(t, vote.Rationale, "no_rules_matched")
	assert.True(t, scorer.Verify(vote))

	// tor exit on a tor port with bad reputation stacks rules
	bad := enrichedRecord()
	bad.DstIP = "185.220.101.1"
	bad.DstPort = 9001
	bad.Reputation = &intel.ReputationResult{
		AbuseIPDBScore:   90,
		IsKnownMalicious: true,
		Tags:             []string{"tor"},
		SourcesUsed:      []string{intel.SourceAbuseIPDB},
	}
	badVote := scorer.Score(bad)
	assert.Contains(t, badVote.Rationale, "known_malicious")
	assert.Contains(t, badVote.Rationale, "known_bad_port")
	assert.Contains(t, badVote.Rationale, "anonymizer_tag")
	assert.InDelta(t, 0.80, badVote.Score, 0.0001)
	assert.Greater(t, badVote.Confidence, 0.8)

	// scores clip at 1.0 no matter how many rules stack
	bad.Geo = &intel.GeoResult{CountryCode: "KP"}
	bad.DstPort = 3389
	stacked := scorer.Score(bad)
	assert.LessOrEqual(t, stacked.Score, 1.0)
}

func TestRuleBasedExposedServiceCrossing(t *testing.T) {
	scorer := NewRuleBasedScorer(testSigner(t))

	// SMB to a public destination is flagged
	record := enrichedRecord()
	record.DstPort = 445
	vote := scorer.Score(record)
	assert.Contains(t, vote.Rationale, "exposed_service_crossing")

	// SMB inside the local network is routine
	private := enrichedRecord()
	private.DstIP = "192.168.1.5"
	private.DstPort = 445
	private.Geo = &intel.GeoResult{CountryCode: enrichment.PrivateCountryCode}
	privateVote := scorer.Score(private)
	assert.NotContains(t, privateVote.Rationale, "exposed_service_crossing")
}

func TestMLScorer(t *testing.T) {
	scorer := NewMLScorer(testSigner(t), defaultMLWeights())

	// clean US HTTPS destination stays low
	vote := scorer.Score(enrichedRecord())
	assert.Equal(t, ScorerMLBased, vote.ScorerID)
	assert.Less(t, vote.Score, 0.5)
	assert.InDelta(t, (0.5-vote.Score)*2, vote.Confidence, 0.0001)
	assert.True(t, scorer.Verify(vote))

	// heavy reputation signal pushes the sigmoid up
	bad := enrichedRecord()
	bad.Reputation = &intel.ReputationResult{
		VTPositives:      40,
		VTTotal:          70,
		AbuseIPDBScore:   95,
		IsKnownMalicious: true,
	}
	badVote := scorer.Score(bad)
	assert.Greater(t, badVote.Score, vote.Score)
	assert.Greater(t, badVote.Score, 0.5)

	// determinism: identical input yields an identical vote body
	again := scorer.Score(bad)
	assert.Equal(t, badVote.Score, again.Score)
	assert.Equal(t, badVote.Rationale, again.Rationale)
}

func TestMLScorerMissingFeatures(t *testing.T) {
	scorer := NewMLScorer(testSigner(t), defaultMLWeights())
	vote := scorer.Score(&enrichment.EnrichedRecord{})
	assert.Zero(t, vote.Score)
	assert.Zero(t, vote.Confidence)
	assert.Contains(t, vote.Rationale, "missing_features")
}

func TestLoadMLWeights(t *testing.T) {
	afs := afero.NewMemMapFs()

	// empty path falls back to the built-in model
	weights, err := LoadMLWeights(afs, "")
	require.NoError(t, err)
	assert.NotEmpty(t, weights.Weights)

	// a valid file loads
	require.NoError(t, afero.WriteFile(afs, "weights.json", []byte(`{"bias": -1.0, "weights": {"vt_ratio": 2.0}}`), 0o644))
	weights, err = LoadMLWeights(afs, "weights.json")
	require.NoError(t, err)
	assert.InDelta(t, -1.0, weights.Bias, 0.0001)
	assert.InDelta(t, 2.0, weights.Weights["vt_ratio"], 0.0001)

	// a missing file is a configuration error
	_, err = LoadMLWeights(afs, "nope.json")
	require.Error(t, err)

	// invalid JSON is a configuration error
	require.NoError(t, afero.WriteFile(afs, "bad.json", []byte(`{broken`), 0o644))
	_, err = LoadMLWeights(afs, "bad.json")
	require.Error(t, err)

	// a file with no weights is a configuration error
	require.NoError(t, afero.WriteFile(afs, "empty.json", []byte(`{"bias": 0.1, "weights": {}}`), 0o644))
	_, err = LoadMLWeights(afs, "empty.json")
	require.Error(t, err)
}
