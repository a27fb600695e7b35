package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signupguard/internal/config"
	"signupguard/internal/lookup"
	"signupguard/internal/models"
	"signupguard/internal/pattern"
	"signupguard/internal/queue"
	"signupguard/internal/registry"
	"signupguard/internal/store"
	"signupguard/internal/velocity"
)

// testEngine wires a full engine against miniredis. Probe caches are
// pre-seeded so no probe ever leaves the process.
func testEngine(t *testing.T, withQueue bool) (*Engine, *store.Store, *queue.Client) {
	t.Helper()
	cfg := config.Default()

	mr := miniredis.RunT(t)
	st := store.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	reg, err := registry.Load(context.Background(), "", "", nil, time.Second)
	require.NoError(t, err)

	// Cached verdicts for the domains the tests use.
	seed := map[string]string{
		"mx:gmail.com":         `{"found":true,"hosts":["gmail-smtp-in.l.google.com"]}`,
		"mx:mailinator.com":    `{"found":true,"hosts":["mail.mailinator.com"]}`,
		"mx:example.com":       `{"found":true,"hosts":["mx.example.com"]}`,
		"mx:dead.example":      `{"found":false}`,
		"whois:gmail.com":      `{"created_at":"1995-08-13T04:00:00Z"}`,
		"whois:example.com":    `{"created_at":"1995-08-13T04:00:00Z"}`,
		"whois:mailinator.com": `{"created_at":"2003-11-10T00:00:00Z"}`,
		"whois:dead.example":   `{"created_at":"2010-01-01T00:00:00Z"}`,
		"ipintel:203.0.113.9":  `{"country":"France","org":"Residential ISP","is_vpn":false,"is_proxy":false,"is_datacenter":false}`,
		"ipintel:203.0.113.66": `{"country":"Germany","org":"Hosting GmbH","is_vpn":true,"is_proxy":true,"is_datacenter":false}`,
	}
	for k, v := range seed {
		mr.Set(k, v)
	}

	var q *queue.Client
	if withQueue {
		q = queue.NewClient(st, time.Hour)
	}

	eng := New(Deps{
		Registry: reg,
		Norm:     NewNormalizer(cfg.AliasDomainSet()),
		Scorer:   NewScorer(cfg.Weights, cfg.EntropyThreshold, cfg.RiskLowMax, cfg.RiskMediumMax),
		MX:       lookup.NewMXProber(st, 100*time.Millisecond, time.Hour, time.Second),
		Age:      lookup.NewDomainAgeProber(st, nil, 100*time.Millisecond, time.Hour, 30),
		IPIntel:  lookup.NewIPIntelProber(st, nil, 100*time.Millisecond, time.Hour, true),
		Patterns: pattern.NewDetector(st, 0.85, 500, time.Hour),
		Velocity: velocity.NewCounter(st, 10, 100, time.Hour, cfg.VelocityAllowlistSet()),
		Queue:    q,
	}, 2*time.Second)

	return eng, st, q
}

func TestAnalyzeCleanSignup(t *testing.T) {
	eng, _, _ := testEngine(t, false)

	envelope, err := eng.Analyze(context.Background(),
		models.EmailInput{Email: "john.doe@gmail.com", IPAddress: "203.0.113.9"}, ModeFull)
	require.NoError(t, err)

	assert.Equal(t, 0, envelope.RiskSummary.Score)
	assert.Equal(t, models.LevelLow, envelope.RiskSummary.Level)
	assert.Equal(t, models.ActionAllow, envelope.RiskSummary.Action)
	assert.Empty(t, envelope.Reasons)
	assert.Equal(t, "john.doe@gmail.com", envelope.NormalizedEmail)
	assert.Nil(t, envelope.Enrichment)

	require.NotNil(t, envelope.Signals.MXFound)
	assert.True(t, *envelope.Signals.MXFound)
	require.NotNil(t, envelope.Signals.IsDisposable)
	assert.False(t, *envelope.Signals.IsDisposable)
	require.NotNil(t, envelope.Signals.IPCountry)
	assert.Equal(t, "France", *envelope.Signals.IPCountry)
	require.NotNil(t, envelope.Signals.IsNewDomain)
	assert.False(t, *envelope.Signals.IsNewDomain)
}

func TestAnalyzeDisposableBlocks(t *testing.T) {
	eng, _, _ := testEngine(t, false)

	envelope, err := eng.Analyze(context.Background(),
		models.EmailInput{Email: "anything@mailinator.com"}, ModeFull)
	require.NoError(t, err)

	assert.Equal(t, 90, envelope.RiskSummary.Score)
	assert.Equal(t, models.LevelHigh, envelope.RiskSummary.Level)
	assert.Equal(t, models.ActionBlock, envelope.RiskSummary.Action)
	require.Len(t, envelope.Reasons, 1)
	assert.Equal(t, models.ReasonDisposableDomain, envelope.Reasons[0].Code)
}

func TestAnalyzeNoMX(t *testing.T) {
	eng, _, _ := testEngine(t, false)

	envelope, err := eng.Analyze(context.Background(),
		models.EmailInput{Email: "user@dead.example"}, ModeFull)
	require.NoError(t, err)

	assert.Equal(t, models.LevelHigh, envelope.RiskSummary.Level)
	require.NotEmpty(t, envelope.Reasons)
	assert.Equal(t, models.ReasonNoMX, envelope.Reasons[0].Code)
}

func TestAnalyzeVPNSignals(t *testing.T) {
	eng, _, _ := testEngine(t, false)

	envelope, err := eng.Analyze(context.Background(),
		models.EmailInput{Email: "someone@example.com", IPAddress: "203.0.113.66"}, ModeFull)
	require.NoError(t, err)

	require.NotNil(t, envelope.Signals.IsVPN)
	assert.True(t, *envelope.Signals.IsVPN)

	var codes []string
	for _, r := range envelope.Reasons {
		codes = append(codes, r.Code)
	}
	assert.Contains(t, codes, models.ReasonVPNOrProxy)
	assert.NotContains(t, codes, models.ReasonDatacenterIP)
}

func TestAnalyzeInvalidSyntax(t *testing.T) {
	eng, _, _ := testEngine(t, false)

	_, err := eng.Analyze(context.Background(), models.EmailInput{Email: "not-an-email"}, ModeFull)
	assert.ErrorIs(t, err, ErrInvalidSyntax)
}

func TestAnalyzeAliasNormalized(t *testing.T) {
	eng, _, _ := testEngine(t, false)

	envelope, err := eng.Analyze(context.Background(),
		models.EmailInput{Email: "user+tag@gmail.com", IPAddress: "203.0.113.9"}, ModeFull)
	require.NoError(t, err)

	assert.Equal(t, "user@gmail.com", envelope.NormalizedEmail)
	assert.True(t, envelope.Signals.IsAlias)
	assert.Equal(t, models.LevelLow, envelope.RiskSummary.Level)
}

func TestAnalyzeFastEnqueues(t *testing.T) {
	eng, _, q := testEngine(t, true)
	ctx := context.Background()

	envelope, err := eng.Analyze(ctx,
		models.EmailInput{Email: "someone@example.com", IPAddress: "203.0.113.9"}, ModeFast)
	require.NoError(t, err)

	require.NotNil(t, envelope.Enrichment)
	assert.Equal(t, models.EnrichmentPending, envelope.Enrichment.Status)
	require.NotNil(t, envelope.Enrichment.JobID)

	// Slow signals stay null on the fast path.
	assert.Nil(t, envelope.Signals.DomainAgeDays)
	assert.Nil(t, envelope.Signals.IsVPN)

	// The job is pollable and poppable.
	pending, err := q.Result(ctx, *envelope.Enrichment.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrichmentPending, pending.Enrichment.Status)

	job, err := q.TryPop(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, *envelope.Enrichment.JobID, job.JobID)
}

func TestAnalyzeFastWithoutQueue(t *testing.T) {
	eng, _, _ := testEngine(t, false)

	envelope, err := eng.Analyze(context.Background(),
		models.EmailInput{Email: "someone@example.com"}, ModeFast)
	require.NoError(t, err)

	require.NotNil(t, envelope.Enrichment)
	assert.Equal(t, models.EnrichmentDisabled, envelope.Enrichment.Status)
	assert.Nil(t, envelope.Enrichment.JobID)
}

func TestEnrichMatchesFullMode(t *testing.T) {
	eng, st, q := testEngine(t, true)
	ctx := context.Background()

	input := models.EmailInput{Email: "someone@example.com", IPAddress: "203.0.113.9"}

	fast, err := eng.Analyze(ctx, input, ModeFast)
	require.NoError(t, err)
	job, err := q.TryPop(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	enriched, err := eng.Enrich(ctx, job)
	require.NoError(t, err)

	// Reset request-scoped state so the FULL run sees the same world the
	// fast run did.
	_, err = st.Delete(ctx, "recent:example.com")
	require.NoError(t, err)

	full, err := eng.Analyze(ctx, input, ModeFull)
	require.NoError(t, err)

	assert.Equal(t, full.RiskSummary.Score, enriched.RiskSummary.Score)
	assert.Equal(t, full.RiskSummary.Level, enriched.RiskSummary.Level)
	assert.Equal(t, fast.NormalizedEmail, enriched.NormalizedEmail)
	require.NotNil(t, enriched.Signals.DomainAgeDays)
	assert.False(t, *enriched.Signals.IsNewDomain)
}

func TestAnalyzeVelocityBreach(t *testing.T) {
	eng, _, _ := testEngine(t, false)
	ctx := context.Background()

	var last models.Envelope
	for i := 0; i < 12; i++ {
		var err error
		last, err = eng.Analyze(ctx,
			models.EmailInput{Email: "someone@example.com", IPAddress: "203.0.113.50"}, ModeFull)
		require.NoError(t, err)
	}

	require.NotNil(t, last.Signals.VelocityBreach)
	assert.True(t, *last.Signals.VelocityBreach)

	var codes []string
	for _, r := range last.Reasons {
		codes = append(codes, r.Code)
	}
	assert.Contains(t, codes, models.ReasonVelocityBreach)
}

func TestAnalyzeRecordsWindow(t *testing.T) {
	eng, st, _ := testEngine(t, false)
	ctx := context.Background()

	_, err := eng.Analyze(ctx, models.EmailInput{Email: "windowed@example.com"}, ModeFull)
	require.NoError(t, err)

	recent, err := st.Range(ctx, "recent:example.com", 10)
	require.NoError(t, err)
	assert.Contains(t, recent, "windowed@example.com")
}
