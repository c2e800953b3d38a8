package intel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
)

// RDNSClient resolves PTR records for observed destinations. The hostname is
// advisory enrichment: failures never mark a record partial.
type RDNSClient struct {
	server  string
	timeout time.Duration
	cache   *expirable.LRU[string, string]

	// exchange is swappable for tests
	exchange func(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error)
}

// NewRDNSClient creates a reverse-DNS client against the given resolver
// ("host:port"); an empty server falls back to the common local resolver.
func NewRDNSClient(server string, timeout time.Duration) *RDNSClient {
	if server == "" {
		server = "127.0.0.1:53"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dnsClient := &dns.Client{Timeout: timeout}
	return &RDNSClient{
		server:  server,
		timeout: timeout,
		cache:   expirable.NewLRU[string, string](defaultCacheEntries, nil, GeoCacheTTL),
		exchange: func(ctx context.Context, msg *dns.Msg, srv string) (*dns.Msg, error) {
			reply, _, err := dnsClient.ExchangeContext(ctx, msg, srv)
			return reply, err
		},
	}
}

// Lookup resolves the PTR name for the given IP, returning the empty string
// when the address has no PTR record
func (c *RDNSClient) Lookup(ctx context.Context, ip string) (string, error) {
	if hostname, ok := c.cache.Get(ip); ok {
		return hostname, nil
	}

	reverse, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg := new(dns.Msg)
	msg.SetQuestion(reverse, dns.TypePTR)

	reply, err := c.exchange(ctx, msg, c.server)
	if err != nil {
		return "", classifyHTTPError(ctx, err)
	}

	var hostname string
	for _, answer := range reply.Answer {
		if ptr, ok := answer.(*dns.PTR); ok {
			hostname = strings.TrimSuffix(ptr.Ptr, ".")
			break
		}
	}

	// cache negative answers too; NXDOMAIN is just as stable as a PTR
	c.cache.Add(ip, hostname)
	return hostname, nil
}
