package intel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cobaltgraph/cobaltgraph/logger"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	defaultVTBaseURL        = "https://www.virustotal.com/api/v3"
	defaultAbuseIPDBBaseURL = "https://api.abuseipdb.com/api/v2"

	SourceVirusTotal = "virustotal"
	SourceAbuseIPDB  = "abuseipdb"

	// tie-break policy when aggregating providers
	vtMaliciousThreshold    = 3
	abuseMaliciousThreshold = 75
)

// ReputationClient fans out to VirusTotal and AbuseIPDB and aggregates the
// answers. A provider without credentials disables itself cleanly and simply
// does not appear in sources_used.
type ReputationClient struct {
	vt    *vtProvider
	abuse *abuseProvider
	cache *expirable.LRU[string, ReputationResult]
}

type vtProvider struct {
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	httpClient *http.Client
	health     *health
}

type abuseProvider struct {
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	httpClient *http.Client
	health     *health
}

// ReputationConfig carries the per-provider tuning for NewReputationClient
type ReputationConfig struct {
	VTAPIKey        string
	VTRatePerSec    int
	VTTimeout       time.Duration
	AbuseAPIKey     string
	AbuseRatePerSec int
	AbuseTimeout    time.Duration
}

func NewReputationClient(cfg ReputationConfig) *ReputationClient {
	if cfg.VTRatePerSec <= 0 {
		cfg.VTRatePerSec = 4
	}
	if cfg.AbuseRatePerSec <= 0 {
		cfg.AbuseRatePerSec = 1
	}

	client := &ReputationClient{
		vt: &vtProvider{
			baseURL:    defaultVTBaseURL,
			apiKey:     cfg.VTAPIKey,
			limiter:    rate.NewLimiter(rate.Limit(cfg.VTRatePerSec), cfg.VTRatePerSec),
			httpClient: newHTTPClient(cfg.VTTimeout),
			health:     newHealth(),
		},
		abuse: &abuseProvider{
			baseURL:    defaultAbuseIPDBBaseURL,
			apiKey:     cfg.AbuseAPIKey,
			limiter:    rate.NewLimiter(rate.Limit(cfg.AbuseRatePerSec), cfg.AbuseRatePerSec),
			httpClient: newHTTPClient(cfg.AbuseTimeout),
			health:     newHealth(),
		},
		cache: expirable.NewLRU[string, ReputationResult](defaultCacheEntries, nil, ReputationCacheTTL),
	}

	zlog := logger.GetLogger()
	if cfg.VTAPIKey == "" {
		client.vt.health.set(StatusUnavailable)
		zlog.Info().Msg("virustotal lookups disabled: no API key configured")
	}
	if cfg.AbuseAPIKey == "" {
		client.abuse.health.set(StatusUnavailable)
		zlog.Info().Msg("abuseipdb lookups disabled: no API key configured")
	}

	return client
}

// VTStatus reports VirusTotal provider health for the dashboard feed
func (c *ReputationClient) VTStatus() Status { return c.vt.health.Status() }

// AbuseIPDBStatus reports AbuseIPDB provider health for the dashboard feed
func (c *ReputationClient) AbuseIPDBStatus() Status { return c.abuse.health.Status() }

// Lookup aggregates the enabled reputation providers for the given IP. The
// returned result carries whatever providers contributed; the error is
// non-nil when at least one enabled provider failed, so the caller can mark
// the enrichment partial while still using the data.
func (c *ReputationClient) Lookup(ctx context.Context, ip string) (ReputationResult, error) {
	if result, ok := c.cache.Get(ip); ok {
		return result, nil
	}

	var result ReputationResult
	var errs []error

	if c.vt.enabled() {
		positives, total, err := c.vt.lookup(ctx, ip)
		if err != nil {
			errs = append(errs, fmt.Errorf("virustotal: %w", err))
		} else {
			result.VTPositives = positives
			result.VTTotal = total
			result.SourcesUsed = append(result.SourcesUsed, SourceVirusTotal)
		}
	}

	if c.abuse.enabled() {
		score, tags, err := c.abuse.lookup(ctx, ip)
		if err != nil {
			errs = append(errs, fmt.Errorf("abuseipdb: %w", err))
		} else {
			result.AbuseIPDBScore = score
			result.Tags = append(result.Tags, tags...)
			result.SourcesUsed = append(result.SourcesUsed, SourceAbuseIPDB)
		}
	}

	sort.Strings(result.Tags)
	result.IsKnownMalicious = result.VTPositives >= vtMaliciousThreshold ||
		result.AbuseIPDBScore >= abuseMaliciousThreshold

	if len(errs) > 0 {
		// partial data is still usable; do not cache it so the next lookup
		// retries the failed provider
		return result, errors.Join(errs...)
	}

	c.cache.Add(ip, result)
	return result, nil
}

func (p *vtProvider) enabled() bool { return p.apiKey != "" }

// vtResponse is the slice of the VirusTotal v3 object the client consumes
type vtResponse struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats struct {
				Malicious  int `json:"malicious"`
				Suspicious int `json:"suspicious"`
				Harmless   int `json:"harmless"`
				Undetected int `json:"undetected"`
				Timeout    int `json:"timeout"`
			} `json:"last_analysis_stats"`
		} `json:"attributes"`
	} `json:"data"`
}

func (p *vtProvider) lookup(ctx context.Context, ip string) (int, int, error) {
	if !p.limiter.Allow() {
		p.health.set(StatusRateLimited)
		return 0, 0, ErrRateLimited
	}

	ctx, cancel := context.WithTimeout(ctx, p.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/ip_addresses/%s", p.baseURL, ip), nil)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	req.Header.Set("x-apikey", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.health.set(StatusUnavailable)
		return 0, 0, classifyHTTPError(ctx, err)
	}
	defer resp.Body.Close()

	if err := classifyStatusCode(resp.StatusCode); err != nil {
		p.setHealthFromError(err)
		return 0, 0, err
	}

	var payload vtResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		p.health.set(StatusUnavailable)
		return 0, 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	stats := payload.Data.Attributes.LastAnalysisStats
	positives := stats.Malicious + stats.Suspicious
	total := stats.Malicious + stats.Suspicious + stats.Harmless + stats.Undetected + stats.Timeout

	p.health.set(StatusOK)
	return positives, total, nil
}

func (p *vtProvider) setHealthFromError(err error) {
	if errors.Is(err, ErrRateLimited) {
		p.health.set(StatusRateLimited)
		return
	}
	p.health.set(StatusUnavailable)
}

func (p *abuseProvider) enabled() bool { return p.apiKey != "" }

// abuseResponse is the slice of the AbuseIPDB v2 check object the client
// consumes
type abuseResponse struct {
	Data struct {
		AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
		UsageType            string `json:"usageType"`
		IsTor                bool   `json:"isTor"`
	} `json:"data"`
}

func (p *abuseProvider) lookup(ctx context.Context, ip string) (int, []string, error) {
	if !p.limiter.Allow() {
		p.health.set(StatusRateLimited)
		return 0, nil, ErrRateLimited
	}

	ctx, cancel := context.WithTimeout(ctx, p.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/check?ipAddress=%s&maxAgeInDays=90", p.baseURL, ip), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	req.Header.Set("Key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.health.set(StatusUnavailable)
		return 0, nil, classifyHTTPError(ctx, err)
	}
	defer resp.Body.Close()

	if err := classifyStatusCode(resp.StatusCode); err != nil {
		if errors.Is(err, ErrRateLimited) {
			p.health.set(StatusRateLimited)
		} else {
			p.health.set(StatusUnavailable)
		}
		return 0, nil, err
	}

	var payload abuseResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		p.health.set(StatusUnavailable)
		return 0, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	var tags []string
	if payload.Data.IsTor {
		tags = append(tags, "tor")
	}
	if payload.Data.UsageType != "" {
		tags = append(tags, payload.Data.UsageType)
	}

	p.health.set(StatusOK)
	return payload.Data.AbuseConfidenceScore, tags, nil
}
