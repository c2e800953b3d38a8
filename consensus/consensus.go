package consensus

import (
	"math"

	zlog "github.com/cobaltgraph/cobaltgraph/logger"
	"github.com/cobaltgraph/cobaltgraph/scoring"

	"github.com/montanaflynn/stats"
)

// Method is the fixed aggregation rule identifier stamped on assessments
const Method = "median_bft"

// Tuning defaults
const (
	DefaultMinScorers           = 2
	DefaultOutlierThreshold     = 0.3
	DefaultUncertaintyThreshold = 0.25
	DefaultMADK                 = 3.0
)

// Config tunes the consensus rule
type Config struct {
	MinScorers           int
	OutlierThreshold     float64
	UncertaintyThreshold float64
	MADK                 float64
}

func DefaultConfig() Config {
	return Config{
		MinScorers:           DefaultMinScorers,
		OutlierThreshold:     DefaultOutlierThreshold,
		UncertaintyThreshold: DefaultUncertaintyThreshold,
		MADK:                 DefaultMADK,
	}
}

// Verifier checks a vote signature under the emitting scorer's key
type Verifier interface {
	Verify(vote scoring.Vote) bool
}

// Assessment is the consensus-scored record for one observed connection.
// It is append-only: nothing in the pipeline mutates it after emission.
type Assessment struct {
	DstIP     string  `json:"dst_ip"`
	DstPort   int     `json:"dst_port"`
	Timestamp float64 `json:"timestamp"`

	ConsensusScore float64 `json:"consensus_score"`
	Confidence     float64 `json:"confidence"`
	Method         string  `json:"method"`

	// Votes carries every vote with a valid signature, outliers included,
	// for audit; signature-rejected votes appear only in Rejected
	Votes    []scoring.Vote `json:"votes"`
	Outliers []string       `json:"outliers"`
	// Rejected lists scorer ids whose votes failed signature verification
	Rejected []string `json:"rejected,omitempty"`

	HighUncertainty bool    `json:"high_uncertainty"`
	ScoreSpread     float64 `json:"score_spread"`
	NumScorers      int     `json:"num_scorers"`
	NumOutliers     int     `json:"num_outliers"`
}

// Engine aggregates signed votes into one consensus score using
// median-based outlier rejection. With n scorers it tolerates up to
// floor((n-1)/3) arbitrarily-behaving scorers; disagreement beyond that
// bound is preserved in the uncertainty flag rather than hidden.
type Engine struct {
	cfg       Config
	verifiers map[string]Verifier
}

func NewEngine(cfg Config, verifiers map[string]Verifier) *Engine {
	if cfg.MinScorers <= 0 {
		cfg.MinScorers = DefaultMinScorers
	}
	if cfg.OutlierThreshold <= 0 {
		cfg.OutlierThreshold = DefaultOutlierThreshold
	}
	if cfg.UncertaintyThreshold <= 0 {
		cfg.UncertaintyThreshold = DefaultUncertaintyThreshold
	}
	if cfg.MADK <= 0 {
		cfg.MADK = DefaultMADK
	}
	return &Engine{cfg: cfg, verifiers: verifiers}
}

// Assess runs the consensus rule over the votes for one record. All votes
// must be for the same (dst_ip, dst_port, timestamp) bucket; the caller
// guarantees that by construction.
func (e *Engine) Assess(dstIP string, dstPort int, timestamp float64, votes []scoring.Vote) Assessment {
	assessment := Assessment{
		DstIP:     dstIP,
		DstPort:   dstPort,
		Timestamp: timestamp,
		Method:    Method,
		Outliers:  []string{},
		// num_scorers counts every scorer that voted, including ones whose
		// votes are about to be rejected for bad signatures
		NumScorers: len(votes),
	}

	// step 1: discard votes whose signature does not verify. Rejected votes
	// are recorded by scorer id only; the audit trail carries verified
	// votes, outliers included.
	verified := make([]scoring.Vote, 0, len(votes))
	for _, vote := range votes {
		verifier, ok := e.verifiers[vote.ScorerID]
		if !ok || !verifier.Verify(vote) {
			consensusLogger := zlog.GetLogger()
			consensusLogger.Warn().Str("scorer", vote.ScorerID).Str("dst_ip", dstIP).Msg("discarding vote with invalid signature")
			assessment.Rejected = append(assessment.Rejected, vote.ScorerID)
			continue
		}
		verified = append(verified, vote)
	}
	assessment.Votes = verified

	// too few verified votes: emit a degraded assessment instead of
	// pretending to have consensus
	if len(verified) < e.cfg.MinScorers {
		assessment.HighUncertainty = true
		assessment.Confidence = 0.0
		if len(verified) > 0 {
			scores := voteScores(verified)
			mean, err := stats.Mean(scores)
			if err == nil {
				assessment.ConsensusScore = mean
			}
			assessment.ScoreSpread = spread(scores)
		}
		return assessment
	}

	// step 2: flag outliers by median absolute deviation
	scores := voteScores(verified)
	median, err := stats.Median(scores)
	if err != nil {
		median = 0
	}

	deviations := make([]float64, len(scores))
	for i, s := range scores {
		deviations[i] = math.Abs(s - median)
	}
	mad, err := stats.Median(append([]float64(nil), deviations...))
	if err != nil {
		mad = 0
	}

	nonOutliers := make([]scoring.Vote, 0, len(verified))
	for i, vote := range verified {
		// MAD of zero means the majority agrees exactly; fall back to the
		// absolute threshold alone. Both comparisons are strict.
		isOutlier := deviations[i] > e.cfg.OutlierThreshold
		if mad > 0 && deviations[i] > e.cfg.MADK*mad {
			isOutlier = true
		}
		if isOutlier {
			assessment.Outliers = append(assessment.Outliers, vote.ScorerID)
			continue
		}
		nonOutliers = append(nonOutliers, vote)
	}
	assessment.NumOutliers = len(assessment.Outliers)

	// steps 3 and 4: median score and damped mean confidence over the
	// surviving votes
	survivorScores := voteScores(nonOutliers)
	consensusScore, err := stats.Median(survivorScores)
	if err != nil {
		consensusScore = 0
	}
	assessment.ConsensusScore = consensusScore
	assessment.ScoreSpread = spread(survivorScores)

	meanConfidence, err := stats.Mean(voteConfidences(nonOutliers))
	if err != nil {
		meanConfidence = 0
	}
	outlierFraction := float64(assessment.NumOutliers) / float64(len(verified))
	assessment.Confidence = meanConfidence * (1 - outlierFraction)

	// step 5: raise the uncertainty flag on spread, excess outliers or
	// missing scorers. The tolerance bounds Byzantine-faulty scorers over
	// the full set, signature-rejected ones included.
	tolerable := (len(votes) - 1) / 3
	if assessment.ScoreSpread > e.cfg.UncertaintyThreshold ||
		assessment.NumOutliers > tolerable {
		assessment.HighUncertainty = true
	}

	return assessment
}

func voteScores(votes []scoring.Vote) []float64 {
	scores := make([]float64, len(votes))
	for i, v := range votes {
		scores[i] = v.Score
	}
	return scores
}

func voteConfidences(votes []scoring.Vote) []float64 {
	confidences := make([]float64, len(votes))
	for i, v := range votes {
		confidences[i] = v.Confidence
	}
	return confidences
}

func spread(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	min, max := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	return max - min
}
