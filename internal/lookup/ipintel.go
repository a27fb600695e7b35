package lookup

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"signupguard/internal/metrics"
	"signupguard/internal/models"
	"signupguard/internal/store"
)

// Keyword sets for classifying an organisation name when the provider gives
// no boolean flags.
var (
	vpnKeywords = []string{
		"vpn", "proxy", "anonym", "tor exit", "mullvad", "nordvpn",
		"expressvpn", "private internet access", "surfshark",
	}
	datacenterKeywords = []string{
		"hosting", "cloud", "datacenter", "data center", "server",
		"amazon", "aws", "google cloud", "microsoft azure", "digitalocean",
		"ovh", "linode", "vultr", "hetzner", "contabo", "scaleway", "leaseweb",
	}
)

// ipProvider is one upstream in the fallback chain.
type ipProvider struct {
	name    string
	limiter *rate.Limiter
	lookup  func(ctx context.Context, client *http.Client, ip string) (*models.IPIntel, error)
}

// IPIntelProber resolves country and VPN/proxy/datacenter flags for an IP.
// Providers are tried in order; each gets its own time budget and token
// bucket, and the first success wins. Private ranges never leave the process.
type IPIntelProber struct {
	store           *store.Store
	client          *http.Client
	providers       []ipProvider
	providerTimeout time.Duration
	cacheTTL        time.Duration
}

// ProviderSpec names a provider and its outbound rate budget.
type ProviderSpec struct {
	Name          string
	RatePerMinute int
}

func NewIPIntelProber(s *store.Store, specs []ProviderSpec, providerTimeout, cacheTTL time.Duration, verifyTLS bool) *IPIntelProber {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if !verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	p := &IPIntelProber{
		store:           s,
		client:          &http.Client{Transport: transport},
		providerTimeout: providerTimeout,
		cacheTTL:        cacheTTL,
	}

	for _, spec := range specs {
		fn, ok := providerLookups[spec.Name]
		if !ok {
			log.Printf("ipintel: unknown provider %q ignored", spec.Name)
			continue
		}
		perMin := spec.RatePerMinute
		if perMin <= 0 {
			perMin = 30
		}
		p.providers = append(p.providers, ipProvider{
			name:    spec.Name,
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin),
			lookup:  fn,
		})
	}
	return p
}

// Lookup returns the intelligence record for ip, or nil when every provider
// failed. Private, loopback, link-local and reserved addresses return a
// sentinel record with all flags false.
func (p *IPIntelProber) Lookup(ctx context.Context, ip string) *models.IPIntel {
	if ip == "" {
		return nil
	}
	if IsPrivateIP(ip) {
		return &models.IPIntel{Private: true}
	}

	key := "ipintel:" + ip
	var cached models.IPIntel
	if err := p.store.GetJSON(ctx, key, &cached); err == nil {
		return &cached
	} else if !errors.Is(err, store.ErrNotFound) {
		metrics.ProbeFailures.WithLabelValues("ipintel", "store").Inc()
	}

	for _, provider := range p.providers {
		// Depleted bucket: fail fast to the next provider rather than queue
		// behind the quota.
		if !provider.limiter.Allow() {
			metrics.ProbeFailures.WithLabelValues("ipintel", "rate_limited").Inc()
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, p.providerTimeout)
		start := time.Now()
		intel, err := provider.lookup(pctx, p.client, ip)
		metrics.ProbeDuration.WithLabelValues("ipintel").Observe(time.Since(start).Seconds())
		cancel()

		if err != nil {
			log.Printf("ipintel: provider %s failed for %s: %v", provider.name, ip, err)
			metrics.ProbeFailures.WithLabelValues("ipintel", errKind(err)).Inc()
			continue
		}

		classifyByOrg(intel)
		if err := p.store.SetJSON(ctx, key, intel, p.cacheTTL); err != nil {
			metrics.ProbeFailures.WithLabelValues("ipintel", "store").Inc()
		}
		return intel
	}
	return nil
}

// classifyByOrg fills the boolean flags from the organisation name when the
// provider didn't supply them directly.
func classifyByOrg(intel *models.IPIntel) {
	if intel.IsVPN || intel.IsProxy || intel.IsDatacenter {
		return
	}
	org := strings.ToLower(intel.Org)
	if org == "" {
		return
	}
	for _, kw := range vpnKeywords {
		if strings.Contains(org, kw) {
			intel.IsVPN = true
			intel.IsProxy = true
			return
		}
	}
	for _, kw := range datacenterKeywords {
		if strings.Contains(org, kw) {
			intel.IsDatacenter = true
			return
		}
	}
}

// IsPrivateIP reports whether ip is private, loopback, link-local,
// unspecified, or unparseable; such addresses are never sent upstream.
func IsPrivateIP(ip string) bool {
	if ip == "localhost" {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return true
	}
	return parsed.IsPrivate() ||
		parsed.IsLoopback() ||
		parsed.IsLinkLocalUnicast() ||
		parsed.IsLinkLocalMulticast() ||
		parsed.IsUnspecified()
}

// providerLookups maps config names to provider implementations.
var providerLookups = map[string]func(ctx context.Context, client *http.Client, ip string) (*models.IPIntel, error){
	"ipapi":      lookupIPAPI,
	"ipwhois":    lookupIPWhois,
	"ipapi_http": lookupIPAPIHTTP,
}

// Base URLs are variables so tests can point providers at a local server.
var (
	ipapiBase     = "https://ipapi.co/"
	ipwhoisBase   = "https://ipwho.is/"
	ipapiHTTPBase = "http://ip-api.com/json/"
)

func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "signupguard/1.0")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func lookupIPAPI(ctx context.Context, client *http.Client, ip string) (*models.IPIntel, error) {
	var body struct {
		CountryName string `json:"country_name"`
		Org         string `json:"org"`
		Error       bool   `json:"error"`
		Reason      string `json:"reason"`
	}
	if err := getJSON(ctx, client, ipapiBase+ip+"/json/", &body); err != nil {
		return nil, err
	}
	if body.Error {
		return nil, fmt.Errorf("ipapi: %s", body.Reason)
	}
	intel := &models.IPIntel{Org: body.Org}
	if body.CountryName != "" {
		intel.Country = &body.CountryName
	}
	return intel, nil
}

func lookupIPWhois(ctx context.Context, client *http.Client, ip string) (*models.IPIntel, error) {
	var body struct {
		Success    bool   `json:"success"`
		Country    string `json:"country"`
		Connection struct {
			Org string `json:"org"`
			ISP string `json:"isp"`
		} `json:"connection"`
	}
	if err := getJSON(ctx, client, ipwhoisBase+ip, &body); err != nil {
		return nil, err
	}
	if !body.Success {
		return nil, fmt.Errorf("ipwhois: lookup unsuccessful")
	}
	org := body.Connection.Org
	if org == "" {
		org = body.Connection.ISP
	}
	intel := &models.IPIntel{Org: org}
	if body.Country != "" {
		intel.Country = &body.Country
	}
	return intel, nil
}

func lookupIPAPIHTTP(ctx context.Context, client *http.Client, ip string) (*models.IPIntel, error) {
	// ip-api.com exposes proxy/hosting booleans directly when asked for them.
	var body struct {
		Status  string `json:"status"`
		Country string `json:"country"`
		Org     string `json:"org"`
		Proxy   bool   `json:"proxy"`
		Hosting bool   `json:"hosting"`
	}
	url := ipapiHTTPBase + ip + "?fields=status,country,org,proxy,hosting"
	if err := getJSON(ctx, client, url, &body); err != nil {
		return nil, err
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("ip-api: status %q", body.Status)
	}
	intel := &models.IPIntel{
		Org:          body.Org,
		IsProxy:      body.Proxy,
		IsVPN:        body.Proxy,
		IsDatacenter: body.Hosting,
	}
	if body.Country != "" {
		intel.Country = &body.Country
	}
	return intel, nil
}
