package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signupguard/internal/config"
	"signupguard/internal/engine"
	"signupguard/internal/lookup"
	"signupguard/internal/pattern"
	"signupguard/internal/queue"
	"signupguard/internal/registry"
	"signupguard/internal/store"
	"signupguard/internal/velocity"
	"signupguard/internal/webhook"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	st, err := store.New(cfg.Store.Addr, cfg.Store.Password, cfg.Store.DB)
	if err != nil {
		log.Fatalf("store: connect %s: %v", cfg.Store.Addr, err)
	}
	defer st.Close()
	log.Printf("store: connected to %s", cfg.Store.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := registry.Load(ctx, cfg.Registry.SeedPath, cfg.Registry.RemoteURL, nil, config.Seconds(cfg.Registry.FetchTimeoutSeconds))
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
	log.Printf("registry: %d disposable domains loaded", reg.Size())
	if err := reg.Mirror(ctx, st); err != nil {
		log.Printf("registry: mirror to store failed: %v", err)
	}

	app := buildApp(cfg, st, reg)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(requestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID", "X-Admin-API-Key"},
		MaxAge:         300,
	}))

	r.Post("/analyse", app.handleAnalyse(engine.ModeFull))
	r.Post("/analyse/fast", app.handleAnalyse(engine.ModeFast))
	r.Get("/results/{jobID}", app.handleResult)
	r.Get("/health", app.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(app.requireAdminKey)
		r.Get("/stats/overview", app.handleOverview)
		r.Get("/stats/recent-emails", app.handleRecentEmails)
		r.Get("/stats/recent-ips", app.handleRecentIPs)
		r.Post("/velocity/clear/{scope}/{value}", app.handleClearVelocity)
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		log.Printf("api: listening on %s (env=%s)", cfg.Server.Addr, cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api: server error: %v", err)
		}
	}()

	<-quit
	log.Println("api: shutdown signal received, draining in-flight requests")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("api: graceful shutdown failed: %v", err)
	}
	log.Println("api: shut down cleanly")
}

// buildApp wires the probe stack behind the engine.
func buildApp(cfg *config.Config, st *store.Store, reg *registry.Registry) *app {
	mx := lookup.NewMXProber(st,
		config.Seconds(cfg.MX.TimeoutSeconds),
		config.Seconds(cfg.MX.PositiveTTLSeconds),
		config.Seconds(cfg.MX.NegativeTTLSeconds))

	age := lookup.NewDomainAgeProber(st, nil,
		config.Seconds(cfg.WHOIS.TimeoutSeconds),
		config.Seconds(cfg.WHOIS.CacheTTLSeconds),
		cfg.WHOIS.NewDomainAgeDays)

	specs := make([]lookup.ProviderSpec, 0, len(cfg.IPIntel.Providers))
	for _, p := range cfg.IPIntel.Providers {
		specs = append(specs, lookup.ProviderSpec{Name: p.Name, RatePerMinute: p.RatePerMinute})
	}
	ipintel := lookup.NewIPIntelProber(st, specs,
		config.Seconds(cfg.IPIntel.ProviderTimeoutSeconds),
		config.Seconds(cfg.IPIntel.CacheTTLSeconds),
		cfg.IPIntel.VerifyTLS)

	var smtp *lookup.SMTPProber
	if cfg.SMTP.Enabled {
		smtp = lookup.NewSMTPProber(st, mx, cfg.SMTP.Sender, cfg.SMTP.HeloHost,
			config.Seconds(cfg.SMTP.TimeoutSeconds),
			config.Seconds(cfg.SMTP.CacheTTLSeconds))
		log.Println("smtp: probing enabled")
	}

	patterns := pattern.NewDetector(st,
		cfg.Pattern.SimilarityThreshold,
		cfg.Pattern.WindowSize,
		config.Seconds(cfg.Pattern.WindowTTLSeconds))

	vel := velocity.NewCounter(st,
		cfg.Velocity.IPLimitPerHour,
		cfg.Velocity.DomainLimitPerHour,
		config.Seconds(cfg.Velocity.BucketSeconds),
		cfg.VelocityAllowlistSet())

	var q *queue.Client
	if cfg.Enrichment.Enabled {
		q = queue.NewClient(st, config.Seconds(cfg.Enrichment.ResultTTLSeconds))
		log.Println("enrichment: queue enabled")
	}

	var notifier *webhook.Notifier
	if len(cfg.Webhooks.URLs) > 0 {
		notifier = webhook.NewNotifier(cfg.Webhooks.URLs,
			config.Seconds(cfg.Webhooks.TimeoutSeconds),
			cfg.Webhooks.MaxRetries,
			cfg.Webhooks.VerifyTLS)
		log.Printf("webhook: %d endpoints configured", len(cfg.Webhooks.URLs))
	}

	eng := engine.New(engine.Deps{
		Registry: reg,
		Norm:     engine.NewNormalizer(cfg.AliasDomainSet()),
		Scorer:   engine.NewScorer(cfg.Weights, cfg.EntropyThreshold, cfg.RiskLowMax, cfg.RiskMediumMax),
		MX:       mx,
		Age:      age,
		IPIntel:  ipintel,
		SMTP:     smtp,
		Patterns: patterns,
		Velocity: vel,
		Queue:    q,
		Notifier: notifier,
	}, cfg.OverallBudget())

	return &app{cfg: cfg, store: st, registry: reg, engine: eng, queue: q, velocity: vel}
}
