package intel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cobaltgraph/cobaltgraph/logger"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const defaultGeoBaseURL = "http://ip-api.com/json"

// geoFields trims the provider response down to what enrichment consumes
const geoFields = "status,message,country,countryCode,region,city,lat,lon,as,asname"

// GeoClient looks up geolocation and ASN data. Lookups are cached with a
// 24h TTL and rate limited with a token bucket; a cache hit consumes no
// limiter budget.
type GeoClient struct {
	baseURL    string
	limiter    *rate.Limiter
	httpClient *http.Client
	cache      *expirable.LRU[string, GeoResult]
	health     *health
}

func NewGeoClient(ratePerMin int, timeout time.Duration) *GeoClient {
	if ratePerMin <= 0 {
		ratePerMin = 45
	}
	return &GeoClient{
		baseURL:    defaultGeoBaseURL,
		limiter:    rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), ratePerMin),
		httpClient: newHTTPClient(timeout),
		cache:      expirable.NewLRU[string, GeoResult](defaultCacheEntries, nil, GeoCacheTTL),
		health:     newHealth(),
	}
}

// Status reports provider health for the dashboard feed
func (c *GeoClient) Status() Status { return c.health.Status() }

// geoResponse is the wire format of the ip-api.com JSON endpoint
type geoResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	Region      string  `json:"region"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	AS          string  `json:"as"`
	ASName      string  `json:"asname"`
}

// Lookup returns geolocation and ASN data for the given IP. It returns in
// O(1) on cache hit and never blocks longer than the per-call timeout.
func (c *GeoClient) Lookup(ctx context.Context, ip string) (GeoResult, error) {
	if result, ok := c.cache.Get(ip); ok {
		return result, nil
	}

	if !c.limiter.Allow() {
		c.health.set(StatusRateLimited)
		return GeoResult{}, ErrRateLimited
	}

	ctx, cancel := context.WithTimeout(ctx, c.httpClient.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s?fields=%s", c.baseURL, ip, geoFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return GeoResult{}, fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.health.set(StatusUnavailable)
		return GeoResult{}, classifyHTTPError(ctx, err)
	}
	defer resp.Body.Close()

	if err := classifyStatusCode(resp.StatusCode); err != nil {
		if errors.Is(err, ErrRateLimited) {
			c.health.set(StatusRateLimited)
		} else {
			c.health.set(StatusUnavailable)
		}
		return GeoResult{}, err
	}

	var payload geoResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.health.set(StatusUnavailable)
		return GeoResult{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if payload.Status != "success" {
		c.health.set(StatusUnavailable)
		return GeoResult{}, fmt.Errorf("%w: provider says %q", ErrMalformed, payload.Message)
	}

	result := GeoResult{
		CountryCode: payload.CountryCode,
		CountryName: payload.Country,
		Lat:         payload.Lat,
		Lon:         payload.Lon,
		Region:      payload.Region,
		City:        payload.City,
		ASN:         parseASN(payload.AS),
		ASOrg:       payload.ASName,
	}

	c.cache.Add(ip, result)
	c.health.set(StatusOK)

	geoLogger := logger.GetLogger()
	geoLogger.Debug().Str("ip", ip).Str("country", result.CountryCode).Int("asn", result.ASN).Msg("geo lookup")
	return result, nil
}

// parseASN extracts the AS number from the provider's "AS15169 Google LLC"
// form
func parseASN(as string) int {
	as = strings.TrimSpace(as)
	if as == "" {
		return 0
	}
	fields := strings.Fields(as)
	numeric := strings.TrimPrefix(fields[0], "AS")
	asn, err := strconv.Atoi(numeric)
	if err != nil {
		return 0
	}
	return asn
}
