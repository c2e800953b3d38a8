package intel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Soft error taxonomy for intel lookups. None of these are fatal to the
// pipeline; the enrichment orchestrator continues with partial data.
var (
	ErrRateLimited = errors.New("intel provider rate limited")
	ErrTimeout     = errors.New("intel lookup timed out")
	ErrNetwork     = errors.New("intel provider network error")
	ErrAuth        = errors.New("intel provider rejected credentials")
	ErrMalformed   = errors.New("intel provider returned a malformed response")
)

// Status is a provider health value surfaced on the dashboard feed
type Status string

const (
	StatusOK          Status = "ok"
	StatusRateLimited Status = "rate_limited"
	StatusUnavailable Status = "unavailable"
)

// cache and limiter defaults
const (
	defaultCacheEntries = 10000
	GeoCacheTTL         = 24 * time.Hour
	ReputationCacheTTL  = time.Hour
	DefaultTimeout      = 3 * time.Second
)

// GeoResult holds geolocation and ASN data for one destination
type GeoResult struct {
	CountryCode string  `json:"country_code"`
	CountryName string  `json:"country_name"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Region      string  `json:"region"`
	City        string  `json:"city"`
	ASN         int     `json:"asn"`
	ASOrg       string  `json:"as_org"`
}

// ReputationResult aggregates the reputation providers for one destination
type ReputationResult struct {
	VTPositives      int      `json:"vt_positives"`
	VTTotal          int      `json:"vt_total"`
	AbuseIPDBScore   int      `json:"abuseipdb_score"`
	IsKnownMalicious bool     `json:"is_known_malicious"`
	Tags             []string `json:"tags,omitempty"`
	SourcesUsed      []string `json:"sources_used,omitempty"`
}

// health tracks the most recent outcome of a provider for the feed
type health struct {
	status atomic.Value
}

func newHealth() *health {
	h := &health{}
	h.status.Store(StatusOK)
	return h
}

func (h *health) set(status Status) { h.status.Store(status) }

func (h *health) Status() Status {
	return h.status.Load().(Status)
}

// classifyHTTPError maps a transport-level error onto the soft taxonomy
func classifyHTTPError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
}

// classifyStatusCode maps an HTTP response code onto the soft taxonomy,
// returning nil for success codes
func classifyStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuth
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrNetwork, code)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
