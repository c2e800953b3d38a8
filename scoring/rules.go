package scoring

import (
	"github.com/cobaltgraph/cobaltgraph/capture"
	"github.com/cobaltgraph/cobaltgraph/enrichment"
)

// rule is one entry in the ordered rule list. Weight is additive; the final
// score is the clipped sum of all matched weights.
type rule struct {
	name   string
	weight float64
	// specificity feeds the confidence function: narrow rules that match
	// say more than broad ones
	specificity float64
	match       func(e *enrichment.EnrichedRecord) bool
}

// knownBadPorts are destination ports overwhelmingly associated with
// malware C2, backdoors and anonymization circuits
var knownBadPorts = map[int]struct{}{
	1337:  {},
	4444:  {},
	5554:  {},
	6667:  {},
	9001:  {},
	9030:  {},
	12345: {},
	31337: {},
	54321: {},
}

// exposedServicePorts are services that should never be crossed from a
// private source to a public destination
var exposedServicePorts = map[int]struct{}{
	23:   {},
	445:  {},
	1433: {},
	3306: {},
	3389: {},
	5900: {},
}

// highRiskCountries are comprehensively sanctioned destinations
var highRiskCountries = map[string]struct{}{
	"KP": {},
	"IR": {},
	"SY": {},
	"CU": {},
}

// RuleBasedScorer applies an ordered additive rule list over the enriched
// record. It holds no mutable state, so one instance is safe to share
// read-only across workers; each worker still gets its own to mirror the
// other scorers.
type RuleBasedScorer struct {
	signer *Signer
	rules  []rule
}

func NewRuleBasedScorer(signer *Signer) *RuleBasedScorer {
	return &RuleBasedScorer{
		signer: signer,
		rules: []rule{
			{
				name:        "known_malicious",
				weight:      0.40,
				specificity: 1.0,
				match: func(e *enrichment.EnrichedRecord) bool {
					return e.IsKnownMalicious()
				},
			},
			{
				name:        "known_bad_port",
				weight:      0.25,
				specificity: 0.8,
				match: func(e *enrichment.EnrichedRecord) bool {
					_, ok := knownBadPorts[e.DstPort]
					return ok
				},
			},
			{
				name:        "anonymizer_tag",
				weight:      0.15,
				specificity: 0.7,
				match: func(e *enrichment.EnrichedRecord) bool {
					if e.Reputation == nil {
						return false
					}
					for _, tag := range e.Reputation.Tags {
						if tag == "tor" || tag == "vpn" || tag == "proxy" {
							return true
						}
					}
					return false
				},
			},
			{
				name:        "sanctioned_country",
				weight:      0.20,
				specificity: 0.6,
				match: func(e *enrichment.EnrichedRecord) bool {
					_, ok := highRiskCountries[e.CountryCode()]
					return ok
				},
			},
			{
				name:        "exposed_service_crossing",
				weight:      0.15,
				specificity: 0.5,
				match: func(e *enrichment.EnrichedRecord) bool {
					if _, ok := exposedServicePorts[e.DstPort]; !ok {
						return false
					}
					// service ports leaving the local network are the
					// anomaly; internal use is routine
					return !e.IsPrivateDestination()
				},
			},
			{
				name:        "icmp_sweep",
				weight:      0.10,
				specificity: 0.3,
				match: func(e *enrichment.EnrichedRecord) bool {
					return e.Protocol == capture.ProtocolICMP && !e.IsPrivateDestination()
				},
			},
		},
	}
}

func (s *RuleBasedScorer) ID() string { return ScorerRuleBased }

func (s *RuleBasedScorer) Verify(vote Vote) bool { return s.signer.Verify(vote) }

func (s *RuleBasedScorer) Fingerprint() string { return s.signer.Fingerprint() }

// Score evaluates the rule list in order and sums the matched weights
func (s *RuleBasedScorer) Score(enriched *enrichment.EnrichedRecord) Vote {
	if enriched == nil || enriched.DstIP == "" {
		return missingFeaturesVote(ScorerRuleBased, s.signer)
	}

	var sum float64
	var specificity float64
	var matched int
	rationale := make(map[string]float64)

	for _, r := range s.rules {
		if r.match(enriched) {
			sum += r.weight
			specificity += r.specificity
			matched++
			rationale[r.name] = r.weight
		}
	}

	if matched == 0 {
		rationale["no_rules_matched"] = 0
	}

	vote := Vote{
		ScorerID:   ScorerRuleBased,
		Score:      clip(sum),
		Confidence: ruleConfidence(matched, specificity),
		Rationale:  rationale,
		Timestamp:  now(),
	}
	s.signer.Sign(&vote)
	return vote
}

// ruleConfidence is a fixed function of the number and specificity of
// matched rules. Zero matches is still a moderately confident "benign by
// the book" statement.
func ruleConfidence(matched int, specificity float64) float64 {
	if matched == 0 {
		return 0.5
	}
	confidence := 0.5 + 0.1*float64(matched) + 0.05*specificity
	if confidence > 0.95 {
		confidence = 0.95
	}
	return confidence
}
