// Package pattern spots bulk-registration shapes in local-parts: sequential
// numbering, heavy number suffixes, and near-duplicates of recent signups on
// the same domain.
package pattern

import (
	"context"
	"log"
	"regexp"
	"strconv"
	"time"

	"signupguard/internal/metrics"
	"signupguard/internal/models"
	"signupguard/internal/store"
)

// numberSuffixRe matches local-parts that start alphabetic and end in two or
// more digits, like "throwaway47".
var numberSuffixRe = regexp.MustCompile(`^[A-Za-z].*\d{2,}$`)

// trailingDigitsRe splits a local-part into stem and trailing digit run.
var trailingDigitsRe = regexp.MustCompile(`^(.*?)(\d+)$`)

const windowPrefix = "recent:"

// Detector evaluates a signup against the rolling per-domain window of
// recently seen addresses.
type Detector struct {
	store      *store.Store
	threshold  float64
	windowSize int
	windowTTL  time.Duration
}

func NewDetector(s *store.Store, similarityThreshold float64, windowSize int, windowTTL time.Duration) *Detector {
	return &Detector{
		store:      s,
		threshold:  similarityThreshold,
		windowSize: windowSize,
		windowTTL:  windowTTL,
	}
}

// Analyze runs the three pattern checks for a normalized address. Suffix
// detection is pure string work; the sequential and similarity checks read
// the domain's recent window and degrade to negative when the store is
// unavailable.
func (d *Detector) Analyze(ctx context.Context, localPart, normalized, domain string) models.PatternResult {
	var result models.PatternResult

	result.HasNumberSuffix = numberSuffixRe.MatchString(localPart)

	recent, err := d.store.Range(ctx, windowPrefix+domain, int64(d.windowSize))
	if err != nil {
		log.Printf("pattern: window read failed for %s: %v", domain, err)
		metrics.ProbeFailures.WithLabelValues("pattern", "store").Inc()
	} else if len(recent) > 0 {
		seen := make(map[string]struct{}, len(recent))
		for _, e := range recent {
			seen[e] = struct{}{}
		}
		result.IsSequential = d.sequential(localPart, domain, seen)
		result.IsSimilarToRecent = d.similar(normalized, recent)
	}

	switch {
	case result.IsSequential:
		result.PatternDetected = models.StringPtr(models.PatternSequential)
	case result.HasNumberSuffix:
		result.PatternDetected = models.StringPtr(models.PatternNumberSuffix)
	case result.IsSimilarToRecent:
		result.PatternDetected = models.StringPtr(models.PatternSimilarToRecent)
	}
	return result
}

// sequential reports whether a neighbour of the trailing counter was seen
// recently: for "user7" that is user2 through user12. The counter itself is
// included, so re-registering a numbered address flags too.
func (d *Detector) sequential(localPart, domain string, seen map[string]struct{}) bool {
	m := trailingDigitsRe.FindStringSubmatch(localPart)
	if m == nil {
		return false
	}
	stem := m[1]
	n, err := strconv.Atoi(m[2])
	if err != nil {
		// Digit run too long for an int; nobody counts that high by hand.
		return false
	}

	lo := n - 5
	if lo < 1 {
		lo = 1
	}
	for i := lo; i <= n+5; i++ {
		candidate := stem + strconv.Itoa(i) + "@" + domain
		if _, ok := seen[candidate]; ok {
			return true
		}
	}
	return false
}

// similar reports whether normalized is within the edit-distance threshold of
// any window entry. Exact duplicates count: re-registering the same address
// is itself a repeat signal.
func (d *Detector) similar(normalized string, recent []string) bool {
	for _, prev := range recent {
		if Similarity(normalized, prev) >= d.threshold {
			return true
		}
	}
	return false
}

// Remember appends the address to its domain's window, trimming to the
// configured size. A short-lived lock serialises concurrent writers for the
// same domain; when it cannot be acquired the write proceeds anyway since
// the bounded push is safe, just unordered.
func (d *Detector) Remember(ctx context.Context, domain, normalized string) {
	key := windowPrefix + domain

	lock, ok, err := d.store.AcquireLock(ctx, key, 2*time.Second)
	if err == nil && ok {
		defer lock.Release(ctx)
	}

	if err := d.store.PushBounded(ctx, key, normalized, int64(d.windowSize), d.windowTTL); err != nil {
		log.Printf("pattern: window write failed for %s: %v", domain, err)
		metrics.ProbeFailures.WithLabelValues("pattern", "store").Inc()
	}
}

// Similarity is the normalised Levenshtein ratio: 1 - distance/max(len).
// Identical strings score 1, disjoint strings approach 0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

// levenshtein computes edit distance with two rolling rows.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = minOf(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
