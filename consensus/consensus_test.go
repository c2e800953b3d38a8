package consensus

import (
	"testing"

	"github.com/cobaltgraph/cobaltgraph/scoring"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scorerSet bundles three real signers so tests exercise actual signature
// verification rather than stubs
type scorerSet struct {
	signers map[string]*scoring.Signer
}

func newScorerSet(t *testing.T) *scorerSet {
	t.Helper()
	set := &scorerSet{signers: make(map[string]*scoring.Signer)}
	for _, id := range []string{scoring.ScorerStatistical, scoring.ScorerRuleBased, scoring.ScorerMLBased} {
		signer, err := scoring.NewSigner("")
		require.NoError(t, err)
		set.signers[id] = signer
	}
	return set
}

func (s *scorerSet) verifiers() map[string]Verifier {
	verifiers := make(map[string]Verifier, len(s.signers))
	for id, signer := range s.signers {
		verifiers[id] = signer
	}
	return verifiers
}

func (s *scorerSet) vote(id string, score, confidence float64) scoring.Vote {
	vote := scoring.Vote{
		ScorerID:   id,
		Score:      score,
		Confidence: confidence,
		Rationale:  map[string]float64{"test": score},
		Timestamp:  1000000.0,
	}
	s.signers[id].Sign(&vote)
	return vote
}

func TestConsensusCleanAgreement(t *testing.T) {
	set := newScorerSet(t)
	engine := NewEngine(DefaultConfig(), set.verifiers())

	votes := []scoring.Vote{
		set.vote(scoring.ScorerStatistical, 0.04, 0.8),
		set.vote(scoring.ScorerRuleBased, 0.06, 0.7),
		set.vote(scoring.ScorerMLBased, 0.05, 0.6),
	}

	assessment := engine.Assess("8.8.8.8", 443, 1000000.0, votes)

	assert.InDelta(t, 0.05, assessment.ConsensusScore, 0.0001)
	assert.InDelta(t, 0.70, assessment.Confidence, 0.0001)
	assert.False(t, assessment.HighUncertainty)
	assert.Empty(t, assessment.Outliers)
	assert.Equal(t, 3, assessment.NumScorers)
	assert.Zero(t, assessment.NumOutliers)
	assert.Equal(t, Method, assessment.Method)
	assert.InDelta(t, 0.02, assessment.ScoreSpread, 0.0001)
	assert.Len(t, assessment.Votes, 3)
}

func TestConsensusOutlierRejection(t *testing.T) {
	set := newScorerSet(t)
	engine := NewEngine(DefaultConfig(), set.verifiers())

	votes := []scoring.Vote{
		set.vote(scoring.ScorerStatistical, 0.33, 0.62),
		set.vote(scoring.ScorerRuleBased, 0.45, 0.70),
		set.vote(scoring.ScorerMLBased, 0.77, 0.29),
	}

	assessment := engine.Assess("185.220.101.1", 9001, 1000000.0, votes)

	// median 0.45, deviations {0.12, 0, 0.32}: the ML vote crosses the
	// absolute outlier threshold
	assert.Equal(t, []string{scoring.ScorerMLBased}, assessment.Outliers)
	assert.Equal(t, 1, assessment.NumOutliers)

	// consensus is the median of the two survivors
	assert.InDelta(t, 0.39, assessment.ConsensusScore, 0.0001)

	// spread of the survivors stays under the uncertainty threshold, but
	// one outlier exceeds the n=3 tolerance of zero
	assert.InDelta(t, 0.12, assessment.ScoreSpread, 0.0001)
	assert.True(t, assessment.HighUncertainty)

	// confidence is the survivor mean damped by the outlier fraction
	assert.InDelta(t, 0.66*(2.0/3.0), assessment.Confidence, 0.0001)
}

func TestConsensusSignatureTamper(t *testing.T) {
	set := newScorerSet(t)
	engine := NewEngine(DefaultConfig(), set.verifiers())

	tampered := set.vote(scoring.ScorerRuleBased, 0.10, 0.9)
	tampered.Score = 0.95 // mutated after signing

	votes := []scoring.Vote{
		set.vote(scoring.ScorerStatistical, 0.20, 0.8),
		tampered,
		set.vote(scoring.ScorerMLBased, 0.24, 0.7),
	}

	assessment := engine.Assess("8.8.8.8", 443, 1000000.0, votes)

	// the tampered vote is discarded, the remaining two still clear
	// min_scorers and consensus proceeds normally
	assert.Equal(t, []string{scoring.ScorerRuleBased}, assessment.Rejected)
	assert.Equal(t, 3, assessment.NumScorers)
	assert.False(t, assessment.HighUncertainty)
	assert.InDelta(t, 0.22, assessment.ConsensusScore, 0.0001)

	// the rejected vote must not survive into the audit trail: every vote
	// on the assessment verifies under its scorer's key
	require.Len(t, assessment.Votes, 2)
	for _, vote := range assessment.Votes {
		assert.NotEqual(t, scoring.ScorerRuleBased, vote.ScorerID)
		assert.True(t, set.signers[vote.ScorerID].Verify(vote))
	}

	// invariant: outliers + survivors = scorers - rejected
	assert.Equal(t, assessment.NumScorers-len(assessment.Rejected),
		assessment.NumOutliers+(len(assessment.Votes)-assessment.NumOutliers))
}

func TestConsensusDegradedBelowMinScorers(t *testing.T) {
	set := newScorerSet(t)
	engine := NewEngine(DefaultConfig(), set.verifiers())

	// two of three votes tampered: one survivor < min_scorers of 2
	tamperedA := set.vote(scoring.ScorerStatistical, 0.10, 0.9)
	tamperedA.Confidence = 1.0
	tamperedB := set.vote(scoring.ScorerRuleBased, 0.20, 0.9)
	tamperedB.Timestamp = 42

	votes := []scoring.Vote{
		tamperedA,
		tamperedB,
		set.vote(scoring.ScorerMLBased, 0.62, 0.7),
	}

	assessment := engine.Assess("8.8.8.8", 443, 1000000.0, votes)

	assert.Equal(t, 3, assessment.NumScorers)
	assert.True(t, assessment.HighUncertainty)
	assert.Zero(t, assessment.Confidence)
	// degraded consensus is the mean of what remains
	assert.InDelta(t, 0.62, assessment.ConsensusScore, 0.0001)
	assert.Len(t, assessment.Rejected, 2)
	// only the surviving verified vote is carried for audit
	require.Len(t, assessment.Votes, 1)
	assert.Equal(t, scoring.ScorerMLBased, assessment.Votes[0].ScorerID)
}

func TestConsensusDegradedNoVotes(t *testing.T) {
	set := newScorerSet(t)
	engine := NewEngine(DefaultConfig(), set.verifiers())

	assessment := engine.Assess("8.8.8.8", 443, 1000000.0, nil)

	assert.Zero(t, assessment.NumScorers)
	assert.Zero(t, assessment.ConsensusScore)
	assert.Zero(t, assessment.Confidence)
	assert.True(t, assessment.HighUncertainty)
}

func TestConsensusMADZeroTieBreak(t *testing.T) {
	set := newScorerSet(t)
	engine := NewEngine(DefaultConfig(), set.verifiers())

	// two identical votes force MAD to zero; the third differs by exactly
	// the outlier threshold and must NOT be flagged (strict >)
	votes := []scoring.Vote{
		set.vote(scoring.ScorerStatistical, 0.40, 0.8),
		set.vote(scoring.ScorerRuleBased, 0.40, 0.8),
		set.vote(scoring.ScorerMLBased, 0.70, 0.8),
	}
	assessment := engine.Assess("8.8.8.8", 443, 1000000.0, votes)
	assert.Empty(t, assessment.Outliers)
	// spread 0.3 > 0.25 still raises uncertainty
	assert.True(t, assessment.HighUncertainty)

	// a hair past the threshold flips it to an outlier
	votes = []scoring.Vote{
		set.vote(scoring.ScorerStatistical, 0.40, 0.8),
		set.vote(scoring.ScorerRuleBased, 0.40, 0.8),
		set.vote(scoring.ScorerMLBased, 0.701, 0.8),
	}
	assessment = engine.Assess("8.8.8.8", 443, 1000000.0, votes)
	assert.Equal(t, []string{scoring.ScorerMLBased}, assessment.Outliers)
}

func TestConsensusEvenCountMedian(t *testing.T) {
	set := newScorerSet(t)
	engine := NewEngine(DefaultConfig(), set.verifiers())

	// two votes: median of an even count is the mean of the middle pair
	votes := []scoring.Vote{
		set.vote(scoring.ScorerStatistical, 0.30, 0.8),
		set.vote(scoring.ScorerRuleBased, 0.40, 0.6),
	}
	assessment := engine.Assess("8.8.8.8", 443, 1000000.0, votes)
	assert.InDelta(t, 0.35, assessment.ConsensusScore, 0.0001)
	assert.Equal(t, 2, assessment.NumScorers)
	assert.False(t, assessment.HighUncertainty)
}

func TestConsensusUnknownScorerRejected(t *testing.T) {
	set := newScorerSet(t)
	engine := NewEngine(DefaultConfig(), set.verifiers())

	rogue, err := scoring.NewSigner("")
	require.NoError(t, err)
	vote := scoring.Vote{ScorerID: "rogue", Score: 0.99, Confidence: 1.0, Timestamp: 1}
	rogue.Sign(&vote)

	votes := []scoring.Vote{
		vote,
		set.vote(scoring.ScorerStatistical, 0.10, 0.8),
		set.vote(scoring.ScorerRuleBased, 0.12, 0.8),
	}
	assessment := engine.Assess("8.8.8.8", 443, 1000000.0, votes)

	// a scorer the engine has no key for cannot contribute
	assert.Equal(t, []string{"rogue"}, assessment.Rejected)
	assert.Equal(t, 3, assessment.NumScorers)
	require.Len(t, assessment.Votes, 2)
	for _, v := range assessment.Votes {
		assert.NotEqual(t, "rogue", v.ScorerID)
	}
	assert.InDelta(t, 0.11, assessment.ConsensusScore, 0.0001)
}
