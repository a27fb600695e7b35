package lookup

import (
	"context"
	"errors"
	"log"
	"net"
	"sort"
	"strings"
	"time"

	"signupguard/internal/metrics"
	"signupguard/internal/store"
)

// mxResolver lets tests stub the DNS layer.
type mxResolver interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
}

type cachedMX struct {
	Found bool     `json:"found"`
	Hosts []string `json:"hosts,omitempty"`
}

// MXProber answers "does this domain have MX records". Results are cached in
// the store: positives for a day, negatives only briefly so a freshly fixed
// domain isn't penalised.
type MXProber struct {
	store       *store.Store
	resolver    mxResolver
	timeout     time.Duration
	positiveTTL time.Duration
	negativeTTL time.Duration
}

func NewMXProber(s *store.Store, timeout, positiveTTL, negativeTTL time.Duration) *MXProber {
	// Custom resolver so a slow upstream can't hold the probe past its
	// deadline.
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, network, address)
		},
	}
	return &MXProber{
		store:       s,
		resolver:    r,
		timeout:     timeout,
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
	}
}

// HasMX returns whether domain has at least one MX record, or nil when the
// resolver failed after one retry (callers treat nil as unknown).
func (p *MXProber) HasMX(ctx context.Context, domain string) *bool {
	domain = strings.ToLower(domain)
	key := "mx:" + domain

	var cached cachedMX
	if err := p.store.GetJSON(ctx, key, &cached); err == nil {
		return &cached.Found
	} else if !errors.Is(err, store.ErrNotFound) {
		// Store down: bypass the cache, keep probing.
		metrics.ProbeFailures.WithLabelValues("mx", "store").Inc()
	}

	found, hosts, ok := p.resolve(ctx, domain)
	if !ok {
		// One retry before giving up on the resolver.
		found, hosts, ok = p.resolve(ctx, domain)
		if !ok {
			metrics.ProbeFailures.WithLabelValues("mx", "transport").Inc()
			return nil
		}
	}

	ttl := p.positiveTTL
	if !found {
		ttl = p.negativeTTL
	}
	if err := p.store.SetJSON(ctx, key, cachedMX{Found: found, Hosts: hosts}, ttl); err != nil {
		metrics.ProbeFailures.WithLabelValues("mx", "store").Inc()
	}
	return &found
}

// resolve returns (found, hosts, ok). ok=false means a transport-level
// resolver error where "no MX" cannot be distinguished from "DNS is down".
func (p *MXProber) resolve(ctx context.Context, domain string) (bool, []string, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	records, err := p.resolver.LookupMX(ctx, domain)
	metrics.ProbeDuration.WithLabelValues("mx").Observe(time.Since(start).Seconds())

	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			// NXDOMAIN / no answer is a definitive negative.
			return false, nil, true
		}
		log.Printf("mx: lookup failed for %s: %v", domain, err)
		return false, nil, false
	}
	if len(records) == 0 {
		return false, nil, true
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })
	hosts := make([]string, 0, len(records))
	for _, r := range records {
		hosts = append(hosts, strings.TrimSuffix(r.Host, "."))
	}
	return true, hosts, true
}

// Hosts returns the domain's MX hosts ordered by preference, consulting the
// cache first. Used by the SMTP prober to pick its target.
func (p *MXProber) Hosts(ctx context.Context, domain string) []string {
	domain = strings.ToLower(domain)

	var cached cachedMX
	if err := p.store.GetJSON(ctx, "mx:"+domain, &cached); err == nil && len(cached.Hosts) > 0 {
		return cached.Hosts
	}

	found, hosts, ok := p.resolve(ctx, domain)
	if !ok || !found {
		return nil
	}
	return hosts
}
