package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"signupguard/internal/metrics"
	"signupguard/internal/store"
)

// DefaultRDAPBase is the public RDAP bootstrap service, which redirects to
// the authoritative server for each TLD.
const DefaultRDAPBase = "https://rdap.org/domain/"

type cachedAge struct {
	CreatedAt *time.Time `json:"created_at"`
}

// DomainAgeProber resolves a domain's registration date via RDAP and reports
// its age in days. The creation date (not the age) is cached, so cached
// entries don't drift stale.
type DomainAgeProber struct {
	store    *store.Store
	client   *http.Client
	baseURL  string
	timeout  time.Duration
	cacheTTL time.Duration
	newDays  int
	now      func() time.Time
}

func NewDomainAgeProber(s *store.Store, client *http.Client, timeout, cacheTTL time.Duration, newDomainDays int) *DomainAgeProber {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &DomainAgeProber{
		store:    s,
		client:   client,
		baseURL:  DefaultRDAPBase,
		timeout:  timeout,
		cacheTTL: cacheTTL,
		newDays:  newDomainDays,
		now:      time.Now,
	}
}

// AgeDays returns the domain's age in days, or nil when the registration
// date could not be determined.
func (p *DomainAgeProber) AgeDays(ctx context.Context, domain string) *int {
	domain = strings.ToLower(domain)
	key := "whois:" + domain

	var cached cachedAge
	if err := p.store.GetJSON(ctx, key, &cached); err == nil {
		return p.age(cached.CreatedAt)
	} else if !errors.Is(err, store.ErrNotFound) {
		metrics.ProbeFailures.WithLabelValues("whois", "store").Inc()
	}

	created, err := p.fetchCreationDate(ctx, domain)
	if err != nil {
		log.Printf("whois: lookup failed for %s: %v", domain, err)
		metrics.ProbeFailures.WithLabelValues("whois", errKind(err)).Inc()
		return nil
	}

	if err := p.store.SetJSON(ctx, key, cachedAge{CreatedAt: created}, p.cacheTTL); err != nil {
		metrics.ProbeFailures.WithLabelValues("whois", "store").Inc()
	}
	return p.age(created)
}

// IsNew reports whether age marks the domain as newly registered. A nil age
// is never "new": unknown must not score points.
func (p *DomainAgeProber) IsNew(age *int) bool {
	return age != nil && *age <= p.newDays
}

func (p *DomainAgeProber) age(created *time.Time) *int {
	if created == nil {
		return nil
	}
	days := int(p.now().Sub(*created).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return &days
}

func (p *DomainAgeProber) fetchCreationDate(ctx context.Context, domain string) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+domain, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/rdap+json")

	start := time.Now()
	resp, err := p.client.Do(req)
	metrics.ProbeDuration.WithLabelValues("whois").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rdap returned status %d", resp.StatusCode)
	}

	// Only the events array matters: we want the registration event.
	var rdap struct {
		Events []struct {
			Action string `json:"eventAction"`
			Date   string `json:"eventDate"`
		} `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rdap); err != nil {
		return nil, fmt.Errorf("parse rdap body: %w", err)
	}

	for _, event := range rdap.Events {
		if event.Action == "registration" || event.Action == "creation" {
			t, err := time.Parse(time.RFC3339, event.Date)
			if err == nil {
				return &t, nil
			}
		}
	}
	return nil, fmt.Errorf("no registration event for %s", domain)
}

func errKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netish interface{ Timeout() bool }
	if errors.As(err, &netish) && netish.Timeout() {
		return "timeout"
	}
	if strings.Contains(err.Error(), "parse") {
		return "parse"
	}
	return "transport"
}
