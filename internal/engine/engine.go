// Package engine orchestrates the probes and the scorer into risk envelopes.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"signupguard/internal/lookup"
	"signupguard/internal/metrics"
	"signupguard/internal/models"
	"signupguard/internal/pattern"
	"signupguard/internal/queue"
	"signupguard/internal/registry"
	"signupguard/internal/velocity"
	"signupguard/internal/webhook"
)

// Mode selects how much work a single analyse call does.
type Mode string

const (
	// ModeFull runs every enabled probe within the overall budget.
	ModeFull Mode = "FULL"
	// ModeFast runs only the cheap signals and defers the rest to the
	// enrichment queue.
	ModeFast Mode = "FAST"
)

// Deps collects the engine's collaborators. SMTP, Queue and Notifier may be
// nil when their features are disabled.
type Deps struct {
	Registry *registry.Registry
	Norm     *Normalizer
	Scorer   *Scorer
	MX       *lookup.MXProber
	Age      *lookup.DomainAgeProber
	IPIntel  *lookup.IPIntelProber
	SMTP     *lookup.SMTPProber
	Patterns *pattern.Detector
	Velocity *velocity.Counter
	Queue    *queue.Client
	Notifier *webhook.Notifier
}

type Engine struct {
	deps   Deps
	budget time.Duration
}

func New(deps Deps, budget time.Duration) *Engine {
	return &Engine{deps: deps, budget: budget}
}

// Analyze scores one signup. The only error it returns is ErrInvalidSyntax;
// every probe failure degrades to a null signal instead.
func (e *Engine) Analyze(ctx context.Context, input models.EmailInput, mode Mode) (models.Envelope, error) {
	parsed, err := e.deps.Norm.Parse(input.Email)
	if err != nil {
		return models.Envelope{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	signals := e.gather(ctx, parsed, input, mode)

	// Budget exhausted before the minimum cheap set resolved: the envelope
	// still goes out, flagged so the gap is visible downstream.
	incomplete := ctx.Err() != nil && signals.MXFound == nil

	summary, reasons := e.deps.Scorer.Score(signals, incomplete)

	envelope := models.Envelope{
		Email:           parsed.Raw,
		NormalizedEmail: parsed.Normalized,
		Reasons:         reasons,
		RiskSummary:     summary,
		Signals:         signals,
	}

	// The window records every scored signup; syntax rejects never get here.
	e.deps.Patterns.Remember(ctx, parsed.Domain, parsed.Normalized)

	if mode == ModeFast {
		envelope.Enrichment = e.enqueue(ctx, input, envelope)
	}

	metrics.DecisionsTotal.WithLabelValues(string(summary.Level), string(summary.Action)).Inc()
	e.notify(envelope, input)

	return envelope, nil
}

// Enrich re-runs the slow probes for a queued job and re-scores the merged
// signal set. The result matches what a FULL-mode call would have produced
// given the same probe answers.
func (e *Engine) Enrich(ctx context.Context, job *models.EnrichmentJob) (models.Envelope, error) {
	parsed, err := e.deps.Norm.Parse(job.PartialEnvelope.NormalizedEmail)
	if err != nil {
		return models.Envelope{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	signals := job.PartialEnvelope.Signals
	e.slowProbes(ctx, parsed, job.Input, &signals, &sync.Mutex{})

	summary, reasons := e.deps.Scorer.Score(signals, false)

	envelope := job.PartialEnvelope
	envelope.Signals = signals
	envelope.Reasons = reasons
	envelope.RiskSummary = summary

	e.notify(envelope, job.Input)
	return envelope, nil
}

// gather fills the signals record: cheap checks inline, slow probes fanned
// out. Each probe owns its own timeout; a failed probe leaves its fields nil
// and never cancels the others.
func (e *Engine) gather(ctx context.Context, parsed models.ParsedEmail, input models.EmailInput, mode Mode) models.Signals {
	var mu sync.Mutex
	signals := models.Signals{IsAlias: parsed.IsAlias}

	signals.IsDisposable = models.BoolPtr(e.deps.Registry.IsDisposable(parsed.Domain))
	signals.EntropyScore = models.FloatPtr(lookup.ShannonEntropy(parsed.LocalPart))

	patterns := e.deps.Patterns.Analyze(ctx, parsed.LocalPart, parsed.Normalized, parsed.Domain)
	signals.IsSequential = models.BoolPtr(patterns.IsSequential)
	signals.HasNumberSuffix = models.BoolPtr(patterns.HasNumberSuffix)
	signals.IsSimilarToRecent = models.BoolPtr(patterns.IsSimilarToRecent)
	signals.PatternDetected = patterns.PatternDetected

	signals.VelocityBreach = models.BoolPtr(e.deps.Velocity.Observe(ctx, input.IPAddress, parsed.Domain))

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		found := e.deps.MX.HasMX(ctx, parsed.Domain)
		mu.Lock()
		signals.MXFound = found
		mu.Unlock()
	}()

	if mode == ModeFull {
		e.slowProbesAsync(ctx, &wg, parsed, input, &signals, &mu)
	}

	wg.Wait()
	return signals
}

func (e *Engine) slowProbesAsync(ctx context.Context, wg *sync.WaitGroup, parsed models.ParsedEmail, input models.EmailInput, signals *models.Signals, mu *sync.Mutex) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.slowProbes(ctx, parsed, input, signals, mu)
	}()
}

// slowProbes runs WHOIS, IP intelligence and (when enabled) SMTP, writing
// results under mu.
func (e *Engine) slowProbes(ctx context.Context, parsed models.ParsedEmail, input models.EmailInput, signals *models.Signals, mu *sync.Mutex) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		age := e.deps.Age.AgeDays(ctx, parsed.Domain)
		mu.Lock()
		signals.DomainAgeDays = age
		if age != nil {
			signals.IsNewDomain = models.BoolPtr(e.deps.Age.IsNew(age))
		}
		mu.Unlock()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if input.IPAddress == "" {
			return
		}
		intel := e.deps.IPIntel.Lookup(ctx, input.IPAddress)
		if intel == nil {
			return
		}
		mu.Lock()
		signals.IPCountry = intel.Country
		signals.IsVPN = models.BoolPtr(intel.IsVPN)
		signals.IsProxy = models.BoolPtr(intel.IsProxy)
		signals.IsDatacenter = models.BoolPtr(intel.IsDatacenter)
		mu.Unlock()
	}()

	if e.deps.SMTP != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := e.deps.SMTP.Probe(ctx, parsed.Normalized, parsed.Domain)
			if result == nil {
				return
			}
			mu.Lock()
			signals.SMTPValid = models.BoolPtr(result.Valid)
			signals.SMTPDeliverable = models.BoolPtr(result.Deliverable)
			signals.CatchAllDomain = models.BoolPtr(result.CatchAll)
			mu.Unlock()
		}()
	}

	wg.Wait()
}

// enqueue hands the partial envelope to the worker. When the queue is off or
// the store refuses the push, the caller still gets its envelope, just with
// enrichment marked DISABLED.
func (e *Engine) enqueue(ctx context.Context, input models.EmailInput, partial models.Envelope) *models.Enrichment {
	if e.deps.Queue == nil {
		return &models.Enrichment{Status: models.EnrichmentDisabled}
	}
	jobID, err := e.deps.Queue.Enqueue(ctx, input, partial)
	if err != nil {
		log.Printf("engine: enqueue failed: %v", err)
		return &models.Enrichment{Status: models.EnrichmentDisabled}
	}
	return &models.Enrichment{Status: models.EnrichmentPending, JobID: &jobID}
}

func (e *Engine) notify(envelope models.Envelope, input models.EmailInput) {
	if !e.deps.Notifier.Enabled() {
		return
	}
	// Detached: webhook latency and failures stay off the response path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		e.deps.Notifier.Notify(ctx, envelope, input)
	}()
}
