package main

import (
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (a *app) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview := map[string]any{
		"environment":        a.cfg.Environment,
		"disposable_domains": a.registry.Size(),
		"smtp_enabled":       a.cfg.SMTP.Enabled,
		"enrichment_enabled": a.queue != nil,
	}

	if a.queue != nil {
		depth, err := a.queue.Depth(r.Context())
		if err != nil {
			log.Printf("admin: queue depth failed: %v", err)
		} else {
			overview["queue_depth"] = depth
		}
	}

	writeJSON(w, http.StatusOK, overview)
}

// handleRecentEmails lists the recent-signup window for a domain.
func (a *app) handleRecentEmails(w http.ResponseWriter, r *http.Request) {
	domain := strings.ToLower(r.URL.Query().Get("domain"))
	if domain == "" {
		writeError(w, http.StatusBadRequest, "MISSING_DOMAIN")
		return
	}

	emails, err := a.store.Range(r.Context(), "recent:"+domain, int64(a.cfg.Pattern.WindowSize))
	if err != nil {
		log.Printf("admin: window read failed: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"domain": domain,
		"count":  len(emails),
		"emails": emails,
	})
}

// handleRecentIPs lists IPs with a live velocity counter in the current or
// previous bucket.
func (a *app) handleRecentIPs(w http.ResponseWriter, r *http.Request) {
	keys, err := a.store.ScanKeys(r.Context(), "vel:ip:*")
	if err != nil {
		log.Printf("admin: velocity scan failed: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}

	type entry struct {
		IP    string `json:"ip"`
		Count int64  `json:"count"`
	}
	entries := make([]entry, 0, len(keys))
	for _, key := range keys {
		// vel:ip:{ip}:{bucket}
		parts := strings.Split(key, ":")
		if len(parts) < 4 {
			continue
		}
		ip := strings.Join(parts[2:len(parts)-1], ":")
		count, err := a.store.GetInt(r.Context(), key)
		if err != nil {
			continue
		}
		entries = append(entries, entry{IP: ip, Count: count})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ips": entries})
}

// handleClearVelocity zeroes a counter, for unblocking a shared NAT or a
// domain caught in a false breach.
func (a *app) handleClearVelocity(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	value := chi.URLParam(r, "value")

	if scope != "ip" && scope != "domain" {
		writeError(w, http.StatusBadRequest, "BAD_SCOPE")
		return
	}
	if err := a.velocity.Reset(r.Context(), scope, value); err != nil {
		log.Printf("admin: velocity reset failed: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cleared": scope + ":" + value})
}
