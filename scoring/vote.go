package scoring

import (
	"sort"
	"strconv"
	"strings"
)

// Stable scorer identifiers
const (
	ScorerStatistical = "statistical"
	ScorerRuleBased   = "rule_based"
	ScorerMLBased     = "ml_based"
)

// Vote is one scorer's signed assessment of one enriched record. Votes are
// immutable once emitted; any mutation invalidates the signature.
type Vote struct {
	ScorerID   string             `json:"scorer_id"`
	Score      float64            `json:"score"`
	Confidence float64            `json:"confidence"`
	// Rationale maps feature names to their contribution, for audit
	Rationale map[string]float64 `json:"rationale"`
	Timestamp float64            `json:"timestamp"`
	// Signature is the hex HMAC-SHA256 over CanonicalBytes
	Signature string `json:"signature"`
}

// CanonicalBytes returns the deterministic serialization of the signed vote
// fields. Rationale keys are sorted and floats use the shortest exact
// representation, so re-serializing a parsed vote is byte-identical.
func (v *Vote) CanonicalBytes() []byte {
	var b strings.Builder
	b.WriteString(v.ScorerID)
	b.WriteByte('|')
	b.WriteString(formatFloat(v.Score))
	b.WriteByte('|')
	b.WriteString(formatFloat(v.Confidence))
	b.WriteByte('|')

	keys := make([]string, 0, len(v.Rationale))
	for k := range v.Rationale {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatFloat(v.Rationale[k]))
	}

	b.WriteByte('|')
	b.WriteString(formatFloat(v.Timestamp))
	return []byte(b.String())
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// clip bounds a score into [0, 1]
func clip(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
