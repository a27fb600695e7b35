package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"signupguard/internal/config"
	"signupguard/internal/engine"
	"signupguard/internal/models"
	"signupguard/internal/queue"
	"signupguard/internal/registry"
	"signupguard/internal/store"
	"signupguard/internal/velocity"
)

type app struct {
	cfg      *config.Config
	store    *store.Store
	registry *registry.Registry
	engine   *engine.Engine
	queue    *queue.Client
	velocity *velocity.Counter
}

// requestID echoes the caller's X-Request-ID, minting one when absent.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (a *app) handleAnalyse(mode engine.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input models.EmailInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, "MALFORMED_BODY")
			return
		}
		if input.Email == "" {
			writeError(w, http.StatusBadRequest, "MISSING_EMAIL")
			return
		}
		input.RequestID = w.Header().Get("X-Request-ID")
		if input.IPAddress == "" {
			input.IPAddress = clientIP(r)
		}
		if input.UserAgent == "" {
			input.UserAgent = r.UserAgent()
		}

		envelope, err := a.engine.Analyze(r.Context(), input, mode)
		if err != nil {
			if errors.Is(err, engine.ErrInvalidSyntax) {
				writeError(w, http.StatusUnprocessableEntity, "INVALID_SYNTAX")
				return
			}
			log.Printf("api: analyse failed: %v", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL")
			return
		}
		writeJSON(w, http.StatusOK, envelope)
	}
}

func (a *app) handleResult(w http.ResponseWriter, r *http.Request) {
	if a.queue == nil {
		writeError(w, http.StatusNotFound, "ENRICHMENT_DISABLED")
		return
	}

	jobID := chi.URLParam(r, "jobID")
	envelope, err := a.queue.Result(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND")
			return
		}
		log.Printf("api: result lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, envelope)
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := a.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":             status,
		"environment":        a.cfg.Environment,
		"disposable_domains": a.registry.Size(),
	})
}

// clientIP takes the first hop of X-Forwarded-For when present, else the
// socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, errCode string) {
	writeJSON(w, code, map[string]string{"error": errCode})
}
