package scoring

import (
	"github.com/cobaltgraph/cobaltgraph/enrichment"

	"github.com/montanaflynn/stats"
)

const (
	// ewmaAlpha is the exponential decay applied to the baselines per
	// observation, giving a half-life of roughly 350 observations
	ewmaAlpha = 0.002

	// statWindowFill is the observation count at which the window is
	// considered full for confidence purposes
	statWindowFill = 200

	// coldStartConfidence caps confidence until the window starts filling
	coldStartConfidence = 0.3
)

// StatisticalScorer maintains rolling exponentially-weighted baselines of
// per-port, per-country and per-ASN connection frequencies from its own
// observation window and scores each record by its normalized deviation from
// that baseline. State is mutated only by the owning enrichment worker.
type StatisticalScorer struct {
	signer *Signer

	observations float64
	portFreq     map[int]float64
	countryFreq  map[string]float64
	asnFreq      map[int]float64
}

func NewStatisticalScorer(signer *Signer) *StatisticalScorer {
	return &StatisticalScorer{
		signer:      signer,
		portFreq:    make(map[int]float64),
		countryFreq: make(map[string]float64),
		asnFreq:     make(map[int]float64),
	}
}

func (s *StatisticalScorer) ID() string { return ScorerStatistical }

func (s *StatisticalScorer) Verify(vote Vote) bool { return s.signer.Verify(vote) }

func (s *StatisticalScorer) Fingerprint() string { return s.signer.Fingerprint() }

// Score rates how anomalous the destination is against the rolling
// baselines, then folds the observation into them
func (s *StatisticalScorer) Score(enriched *enrichment.EnrichedRecord) Vote {
	if enriched == nil || enriched.DstIP == "" {
		return missingFeaturesVote(ScorerStatistical, s.signer)
	}

	portRarity := s.rarity(s.portFreq[enriched.DstPort])
	rarities := []float64{portRarity}
	rationale := map[string]float64{
		"port_rarity": portRarity,
	}

	if country := enriched.CountryCode(); country != "" {
		countryRarity := s.rarity(s.countryFreq[country])
		rarities = append(rarities, countryRarity)
		rationale["country_rarity"] = countryRarity
	}
	if asn := enriched.ASN(); asn != 0 {
		asnRarity := s.rarity(s.asnFreq[asn])
		rarities = append(rarities, asnRarity)
		rationale["asn_rarity"] = asnRarity
	}

	score, err := stats.Mean(rarities)
	if err != nil {
		score = portRarity
	}

	vote := Vote{
		ScorerID:   ScorerStatistical,
		Score:      clip(score),
		Confidence: s.confidence(),
		Rationale:  rationale,
		Timestamp:  now(),
	}
	s.signer.Sign(&vote)

	s.observe(enriched)
	return vote
}

// rarity converts a baseline frequency into an anomaly contribution in
// [0, 1]; unseen features score 1
func (s *StatisticalScorer) rarity(freq float64) float64 {
	if s.observations == 0 {
		return 1.0
	}
	ratio := freq / s.observations
	return clip(1.0 - ratio)
}

// confidence rises with window fill and is capped hard during cold start
func (s *StatisticalScorer) confidence() float64 {
	fill := s.observations / statWindowFill
	if fill < 1 {
		return coldStartConfidence * fill
	}
	confidence := 0.5 + 0.4*clip(fill/10)
	if confidence > 0.9 {
		confidence = 0.9
	}
	return confidence
}

// observe decays the baselines and folds in the new observation
func (s *StatisticalScorer) observe(enriched *enrichment.EnrichedRecord) {
	decay := 1.0 - ewmaAlpha
	for k := range s.portFreq {
		s.portFreq[k] *= decay
	}
	for k := range s.countryFreq {
		s.countryFreq[k] *= decay
	}
	for k := range s.asnFreq {
		s.asnFreq[k] *= decay
	}
	s.observations = s.observations*decay + 1

	s.portFreq[enriched.DstPort]++
	if country := enriched.CountryCode(); country != "" {
		s.countryFreq[country]++
	}
	if asn := enriched.ASN(); asn != 0 {
		s.asnFreq[asn]++
	}

	// bound the maps so a port scan cannot grow them without limit
	if len(s.portFreq) > 4096 {
		for k, v := range s.portFreq {
			if v < 0.5 {
				delete(s.portFreq, k)
			}
		}
	}
}
