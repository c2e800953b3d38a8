package enrichment

import (
	"github.com/cobaltgraph/cobaltgraph/capture"
	"github.com/cobaltgraph/cobaltgraph/intel"
)

// PrivateCountryCode is the fixed metadata attached to destinations inside
// RFC1918, loopback, link-local or multicast ranges
const PrivateCountryCode = "PRIVATE"

// EnrichedRecord is a connection record with whatever intel lookups
// succeeded attached. All enrichment fields are optional; a lookup failure
// leaves its field unset and marks the record partial.
type EnrichedRecord struct {
	capture.ConnectionRecord

	Geo        *intel.GeoResult        `json:"geo,omitempty"`
	Reputation *intel.ReputationResult `json:"reputation,omitempty"`
	Hostname   string                  `json:"hostname,omitempty"`
	MACVendor  string                  `json:"mac_vendor,omitempty"`

	// EnrichmentLatencyMS is the cumulative wall time spent on intel lookups
	EnrichmentLatencyMS float64 `json:"enrichment_latency_ms"`
	// EnrichmentPartial is true when any required intel client failed; the
	// record still flows through scoring and consensus
	EnrichmentPartial bool `json:"enrichment_partial"`
}

// CountryCode returns the geo country code or the empty string
func (e *EnrichedRecord) CountryCode() string {
	if e.Geo == nil {
		return ""
	}
	return e.Geo.CountryCode
}

// ASN returns the geo AS number or zero
func (e *EnrichedRecord) ASN() int {
	if e.Geo == nil {
		return 0
	}
	return e.Geo.ASN
}

// IsKnownMalicious reports whether a reputation provider flagged the
// destination
func (e *EnrichedRecord) IsKnownMalicious() bool {
	return e.Reputation != nil && e.Reputation.IsKnownMalicious
}

// IsPrivateDestination reports whether the destination got the private
// shortcut instead of live intel
func (e *EnrichedRecord) IsPrivateDestination() bool {
	return e.Geo != nil && e.Geo.CountryCode == PrivateCountryCode
}
