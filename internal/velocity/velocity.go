// Package velocity tracks per-IP and per-domain signup rates in hourly
// buckets. Counters live in the store with a TTL of twice the bucket so a
// bucket in progress never expires under the reader.
package velocity

import (
	"context"
	"fmt"
	"log"
	"time"

	"signupguard/internal/lookup"
	"signupguard/internal/metrics"
	"signupguard/internal/store"
)

type Counter struct {
	store       *store.Store
	ipLimit     int64
	domainLimit int64
	bucket      time.Duration
	allowlist   map[string]struct{}
	now         func() time.Time
}

func NewCounter(s *store.Store, ipLimitPerHour, domainLimitPerHour int, bucket time.Duration, domainAllowlist map[string]struct{}) *Counter {
	return &Counter{
		store:       s,
		ipLimit:     int64(ipLimitPerHour),
		domainLimit: int64(domainLimitPerHour),
		bucket:      bucket,
		allowlist:   domainAllowlist,
		now:         time.Now,
	}
}

// Observe increments the counters for this signup and reports whether either
// limit is breached. Private IPs don't count against the IP limit and
// allowlisted domains don't count against the domain limit. Store failures
// fail open: no count, no breach.
func (c *Counter) Observe(ctx context.Context, ip, domain string) bool {
	breach := false

	if ip != "" && !lookup.IsPrivateIP(ip) {
		if n, ok := c.incr(ctx, c.key("ip", ip)); ok && n > c.ipLimit {
			breach = true
		}
	}

	if domain != "" {
		if _, allowed := c.allowlist[domain]; !allowed {
			if n, ok := c.incr(ctx, c.key("domain", domain)); ok && n > c.domainLimit {
				breach = true
			}
		}
	}
	return breach
}

// Count returns the current bucket's value for a scope without incrementing.
func (c *Counter) Count(ctx context.Context, scope, value string) (int64, error) {
	return c.store.GetInt(ctx, c.key(scope, value))
}

// Reset clears the current bucket for a scope, for admin intervention.
func (c *Counter) Reset(ctx context.Context, scope, value string) error {
	_, err := c.store.Delete(ctx, c.key(scope, value))
	return err
}

func (c *Counter) incr(ctx context.Context, key string) (int64, bool) {
	n, err := c.store.IncrWithTTL(ctx, key, 2*c.bucket)
	if err != nil {
		log.Printf("velocity: incr failed for %s: %v", key, err)
		metrics.ProbeFailures.WithLabelValues("velocity", "store").Inc()
		return 0, false
	}
	return n, true
}

// key buckets by wall-clock hour: vel:ip:203.0.113.9:478523.
func (c *Counter) key(scope, value string) string {
	bucket := c.now().Unix() / int64(c.bucket.Seconds())
	return fmt.Sprintf("vel:%s:%s:%d", scope, value, bucket)
}
