package engine

import (
	"signupguard/internal/config"
	"signupguard/internal/models"
)

// Scorer turns a signals record into a score, level, action and ordered
// reason list. It is a pure function of its input: no clocks, no stores, so
// equal signals always produce byte-identical output.
type Scorer struct {
	weights          config.Weights
	entropyThreshold float64
	lowMax           int
	mediumMax        int
}

func NewScorer(weights config.Weights, entropyThreshold float64, lowMax, mediumMax int) *Scorer {
	return &Scorer{
		weights:          weights,
		entropyThreshold: entropyThreshold,
		lowMax:           lowMax,
		mediumMax:        mediumMax,
	}
}

// Score evaluates signals. incomplete marks an envelope whose cheap signals
// could not all be gathered before the deadline; it contributes a zero-point
// reason so the condition is visible downstream.
func (sc *Scorer) Score(signals models.Signals, incomplete bool) (models.RiskSummary, []models.Reason) {
	var reasons []models.Reason
	add := func(code string, points int, message string, meta map[string]any) {
		reasons = append(reasons, models.Reason{Code: code, Points: points, Message: message, Meta: meta})
	}

	truthy := func(b *bool) bool { return b != nil && *b }

	if truthy(signals.IsDisposable) {
		add(models.ReasonDisposableDomain, sc.weights.DisposableDomain,
			"domain belongs to a disposable email provider", nil)
	}

	if signals.MXFound != nil && !*signals.MXFound {
		add(models.ReasonNoMX, sc.weights.NoMX,
			"domain has no MX records and cannot receive mail", nil)
	}

	if signals.SMTPDeliverable != nil && !*signals.SMTPDeliverable {
		add(models.ReasonSMTPUndeliverable, sc.weights.SMTPUndeliverable,
			"mailbox rejected by the receiving server", nil)
	}

	if truthy(signals.IsNewDomain) {
		meta := map[string]any{}
		if signals.DomainAgeDays != nil {
			meta["age_days"] = *signals.DomainAgeDays
		}
		add(models.ReasonNewDomain, sc.weights.NewDomain,
			"domain was registered recently", meta)
	}

	vpnOrProxy := truthy(signals.IsVPN) || truthy(signals.IsProxy)
	if vpnOrProxy {
		add(models.ReasonVPNOrProxy, sc.weights.VPNOrProxy,
			"signup IP belongs to a VPN or proxy service", nil)
	}

	if truthy(signals.IsSequential) {
		add(models.ReasonPatternSequential, sc.weights.PatternSequential,
			"local part continues a numbered sequence seen recently", nil)
	}

	if truthy(signals.VelocityBreach) {
		add(models.ReasonVelocityBreach, sc.weights.VelocityBreach,
			"signup rate limit exceeded for this IP or domain", nil)
	}

	if truthy(signals.IsSimilarToRecent) {
		add(models.ReasonPatternSimilar, sc.weights.PatternSimilar,
			"address closely resembles a recent signup on this domain", nil)
	}

	if signals.EntropyScore != nil && *signals.EntropyScore > sc.entropyThreshold {
		add(models.ReasonHighEntropy, sc.weights.HighEntropy,
			"local part looks randomly generated",
			map[string]any{"entropy": *signals.EntropyScore})
	}

	// Datacenter is a weaker form of the same evidence as VPN/proxy; never
	// charge both.
	if truthy(signals.IsDatacenter) && !vpnOrProxy {
		add(models.ReasonDatacenterIP, sc.weights.DatacenterIP,
			"signup IP belongs to a hosting provider", nil)
	}

	if truthy(signals.HasNumberSuffix) && !truthy(signals.IsSequential) {
		add(models.ReasonPatternNumberSuffix, sc.weights.PatternNumberSuffix,
			"local part carries a bulk-style number suffix", nil)
	}

	if truthy(signals.CatchAllDomain) {
		add(models.ReasonSMTPCatchAll, sc.weights.SMTPCatchAll,
			"domain accepts mail for any address", nil)
	}

	if incomplete {
		add(models.ReasonIncomplete, 0,
			"scoring deadline hit before all cheap signals were gathered", nil)
	}

	total := 0
	for _, r := range reasons {
		total += r.Points
	}
	if total > 100 {
		total = 100
	}

	level := sc.level(total)
	return models.RiskSummary{
		Score:  total,
		Level:  level,
		Action: actionFor(level),
	}, reasons
}

func (sc *Scorer) level(score int) models.RiskLevel {
	switch {
	case score <= sc.lowMax:
		return models.LevelLow
	case score <= sc.mediumMax:
		return models.LevelMedium
	default:
		return models.LevelHigh
	}
}

func actionFor(level models.RiskLevel) models.RiskAction {
	switch level {
	case models.LevelLow:
		return models.ActionAllow
	case models.LevelMedium:
		return models.ActionChallenge
	default:
		return models.ActionBlock
	}
}
