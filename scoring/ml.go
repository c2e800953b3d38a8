package scoring

import (
	"fmt"
	"math"

	"github.com/cobaltgraph/cobaltgraph/capture"
	"github.com/cobaltgraph/cobaltgraph/enrichment"
	zlog "github.com/cobaltgraph/cobaltgraph/logger"
	"github.com/cobaltgraph/cobaltgraph/util"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// mlTopCountries is the fixed one-hot country vocabulary the model was
// trained with; everything else lands in country_other
var mlTopCountries = []string{"US", "CN", "RU", "DE", "NL", "GB", "FR", "BR", "IN", "KR"}

// MLWeights is the on-disk model format: a bias plus one weight per named
// feature. Loading is deterministic; a missing or unreadable file is a
// configuration error, not a runtime fallback.
type MLWeights struct {
	Bias    float64            `json:"bias"`
	Weights map[string]float64 `json:"weights"`
}

// MLScorer is a fixed, pre-trained linear model over features derived from
// the enriched record. There is no online learning: the weights loaded at
// startup are the weights used for the life of the process.
type MLScorer struct {
	signer  *Signer
	weights MLWeights
}

// NewMLScorer builds the scorer with the given weights
func NewMLScorer(signer *Signer, weights MLWeights) *MLScorer {
	return &MLScorer{signer: signer, weights: weights}
}

// LoadMLWeights reads a weights file. An empty path yields the built-in
// default model.
func LoadMLWeights(afs afero.Fs, path string) (MLWeights, error) {
	if path == "" {
		return defaultMLWeights(), nil
	}

	contents, err := util.GetFileContents(afs, path)
	if err != nil {
		return MLWeights{}, fmt.Errorf("unable to read ML weights file: %w", err)
	}

	var weights MLWeights
	if err := json.Unmarshal(contents, &weights); err != nil {
		return MLWeights{}, fmt.Errorf("invalid ML weights file %s: %w", path, err)
	}
	if len(weights.Weights) == 0 {
		return MLWeights{}, fmt.Errorf("invalid ML weights file %s: no weights", path)
	}

	mlLogger := zlog.GetLogger()
	mlLogger.Info().Str("path", path).Int("features", len(weights.Weights)).Msg("loaded ML scorer weights")
	return weights, nil
}

func (s *MLScorer) ID() string { return ScorerMLBased }

func (s *MLScorer) Verify(vote Vote) bool { return s.signer.Verify(vote) }

func (s *MLScorer) Fingerprint() string { return s.signer.Fingerprint() }

// Score runs the linear model over the derived feature vector. The sigmoid
// output is the score; confidence is distance from the decision boundary.
func (s *MLScorer) Score(enriched *enrichment.EnrichedRecord) Vote {
	if enriched == nil || enriched.DstIP == "" {
		return missingFeaturesVote(ScorerMLBased, s.signer)
	}

	features := deriveFeatures(enriched)

	activation := s.weights.Bias
	rationale := make(map[string]float64, len(features))
	for name, value := range features {
		if value == 0 {
			continue
		}
		weight := s.weights.Weights[name]
		contribution := weight * value
		activation += contribution
		if contribution != 0 {
			rationale[name] = contribution
		}
	}

	score := sigmoid(activation)

	vote := Vote{
		ScorerID:   ScorerMLBased,
		Score:      score,
		Confidence: math.Abs(score-0.5) * 2,
		Rationale:  rationale,
		Timestamp:  now(),
	}
	s.signer.Sign(&vote)
	return vote
}

// deriveFeatures maps the enriched record onto the model's input vector
func deriveFeatures(e *enrichment.EnrichedRecord) map[string]float64 {
	features := map[string]float64{}

	// port buckets
	switch {
	case e.DstPort < 1024:
		features["port_well_known"] = 1
	case e.DstPort < 49152:
		features["port_registered"] = 1
	default:
		features["port_ephemeral"] = 1
	}

	// protocol one-hot
	switch e.Protocol {
	case capture.ProtocolTCP:
		features["proto_tcp"] = 1
	case capture.ProtocolUDP:
		features["proto_udp"] = 1
	case capture.ProtocolICMP:
		features["proto_icmp"] = 1
	default:
		features["proto_other"] = 1
	}

	// country one-hot over the training vocabulary
	if country := e.CountryCode(); country != "" && country != enrichment.PrivateCountryCode {
		hit := false
		for _, c := range mlTopCountries {
			if country == c {
				features["country_"+c] = 1
				hit = true
				break
			}
		}
		if !hit {
			features["country_other"] = 1
		}
	}

	// ASN bucket: low-numbered legacy ASNs behave differently from the
	// long tail
	if asn := e.ASN(); asn > 0 {
		if asn < 30000 {
			features["asn_legacy"] = 1
		} else {
			features["asn_modern"] = 1
		}
	}

	// reputation aggregates
	if e.Reputation != nil {
		if e.Reputation.VTTotal > 0 {
			features["vt_ratio"] = float64(e.Reputation.VTPositives) / float64(e.Reputation.VTTotal)
		}
		features["abuse_score"] = float64(e.Reputation.AbuseIPDBScore) / 100.0
		if e.Reputation.IsKnownMalicious {
			features["known_malicious"] = 1
		}
	}

	return features
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// defaultMLWeights is the built-in model used when no weights file is
// configured. Trained offline on labelled flow captures; regenerate with
// the training notebook, do not hand-tune.
func defaultMLWeights() MLWeights {
	return MLWeights{
		Bias: -2.6,
		Weights: map[string]float64{
			"port_well_known": -0.2,
			"port_registered": 0.1,
			"port_ephemeral":  0.3,
			"proto_tcp":       0.0,
			"proto_udp":       0.1,
			"proto_icmp":      0.4,
			"proto_other":     0.5,
			"country_US":      -0.3,
			"country_CN":      0.4,
			"country_RU":      0.5,
			"country_DE":      -0.1,
			"country_NL":      0.1,
			"country_GB":      -0.2,
			"country_FR":      -0.1,
			"country_BR":      0.2,
			"country_IN":      0.1,
			"country_KR":      0.2,
			"country_other":   0.3,
			"asn_legacy":      -0.1,
			"asn_modern":      0.1,
			"vt_ratio":        3.5,
			"abuse_score":     2.5,
			"known_malicious": 2.0,
		},
	}
}
