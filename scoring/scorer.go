package scoring

import (
	"time"

	"github.com/cobaltgraph/cobaltgraph/enrichment"
)

// Scorer is the capability set consensus needs from a threat scorer. The
// three variants share the input schema but use different feature subsets and
// decision rules, so a bug in one does not move the others.
type Scorer interface {
	ID() string
	// Score is deterministic given the enriched record and the scorer's
	// internal state, and emits a signed vote
	Score(enriched *enrichment.EnrichedRecord) Vote
	// Verify recomputes the vote signature under this scorer's key
	Verify(vote Vote) bool
	// Fingerprint identifies the scorer's key material, safe to log
	Fingerprint() string
}

// missingFeaturesVote is the graceful degradation every scorer falls back to
// when its required inputs are absent: a zero-score, zero-confidence vote
// that consensus can still verify and count.
func missingFeaturesVote(id string, signer *Signer) Vote {
	vote := Vote{
		ScorerID:   id,
		Score:      0.0,
		Confidence: 0.0,
		Rationale:  map[string]float64{"missing_features": 1},
		Timestamp:  now(),
	}
	signer.Sign(&vote)
	return vote
}

// now returns the current time as float Unix seconds; swappable for tests
var now = func() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
