package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"signupguard/internal/config"
	"signupguard/internal/engine"
	"signupguard/internal/lookup"
	"signupguard/internal/pattern"
	"signupguard/internal/queue"
	"signupguard/internal/registry"
	"signupguard/internal/store"
	"signupguard/internal/velocity"
	"signupguard/internal/webhook"
	"signupguard/internal/worker"
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	reg, err := registry.Load(ctx, cfg.Registry.SeedPath, cfg.Registry.RemoteURL, nil, config.Seconds(cfg.Registry.FetchTimeoutSeconds))
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
	log.Printf("registry: %d disposable domains loaded", reg.Size())

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
	}

	var notifier *webhook.Notifier
	if len(cfg.Webhooks.URLs) > 0 {
		notifier = webhook.NewNotifier(cfg.Webhooks.URLs,
			config.Seconds(cfg.Webhooks.TimeoutSeconds),
			cfg.Webhooks.MaxRetries,
			cfg.Webhooks.VerifyTLS)
	}

	q := queue.NewClient(st, config.Seconds(cfg.Enrichment.ResultTTLSeconds))

	eng := engine.New(engine.Deps{
		Registry: reg,
		Norm:     engine.NewNormalizer(cfg.AliasDomainSet()),
		Scorer:   engine.NewScorer(cfg.Weights, cfg.EntropyThreshold, cfg.RiskLowMax, cfg.RiskMediumMax),
		MX:       mx,
		Age:      age,
		IPIntel:  ipintel,
		SMTP:     smtp,
		Patterns: pattern.NewDetector(st, cfg.Pattern.SimilarityThreshold, cfg.Pattern.WindowSize, config.Seconds(cfg.Pattern.WindowTTLSeconds)),
		Velocity: velocity.NewCounter(st, cfg.Velocity.IPLimitPerHour, cfg.Velocity.DomainLimitPerHour, config.Seconds(cfg.Velocity.BucketSeconds), cfg.VelocityAllowlistSet()),
		Queue:    q,
		Notifier: notifier,
	}, cfg.OverallBudget())

	runner := worker.NewRunner(q, eng, cfg.Enrichment.MaxAttempts, cfg.Store.BlockingPop)
	runner.Run(ctx)
}
