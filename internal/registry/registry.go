// Package registry holds the disposable-domain set. It is seeded from a
// packaged list at startup, optionally unioned with a remote blocklist, and
// never mutated afterwards, so lookups need no lock.
package registry

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

//go:embed disposable_domains.json
var seedData []byte

// RedisKey is the optional hot copy of the set, kept for admin visibility.
const RedisKey = "disposable:domains"

type Registry struct {
	domains map[string]struct{}
}

// mirrorer is the slice of the store the registry needs for its hot copy.
type mirrorer interface {
	AddSetMembers(ctx context.Context, key string, members []string) error
}

// Load builds the registry from the packaged seed, or from the JSON array at
// seedPath when set. If remoteURL is set, its contents (one domain per line,
// '#' comments) are fetched within timeout and unioned in; any fetch failure
// is logged and ignored.
func Load(ctx context.Context, seedPath, remoteURL string, client *http.Client, timeout time.Duration) (*Registry, error) {
	data := seedData
	if seedPath != "" {
		var err error
		if data, err = os.ReadFile(seedPath); err != nil {
			return nil, fmt.Errorf("registry: read seed %s: %w", seedPath, err)
		}
	}

	var seed []string
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("registry: bad seed list: %w", err)
	}

	r := &Registry{domains: make(map[string]struct{}, len(seed))}
	for _, d := range seed {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			r.domains[d] = struct{}{}
		}
	}

	if remoteURL != "" {
		added, err := r.fetchRemote(ctx, remoteURL, client, timeout)
		if err != nil {
			log.Printf("registry: remote fetch skipped: %v", err)
		} else {
			log.Printf("registry: merged %d domains from remote list", added)
		}
	}
	return r, nil
}

func (r *Registry) fetchRemote(ctx context.Context, url string, client *http.Client, timeout time.Duration) (int, error) {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	added := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		d := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if d == "" || strings.HasPrefix(d, "#") {
			continue
		}
		if _, ok := r.domains[d]; !ok {
			r.domains[d] = struct{}{}
			added++
		}
	}
	return added, scanner.Err()
}

// IsDisposable reports whether domain belongs to a known burner provider.
func (r *Registry) IsDisposable(domain string) bool {
	_, ok := r.domains[strings.ToLower(domain)]
	return ok
}

// Size returns the number of domains in the set.
func (r *Registry) Size() int { return len(r.domains) }

// Mirror writes the set to the store's disposable:domains key. Best-effort:
// membership checks always hit the in-memory set.
func (r *Registry) Mirror(ctx context.Context, s mirrorer) error {
	members := make([]string, 0, len(r.domains))
	for d := range r.domains {
		members = append(members, d)
	}
	return s.AddSetMembers(ctx, RedisKey, members)
}
