package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "dev", cfg.Environment)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 4.5, cfg.EntropyThreshold)
	assert.Equal(t, 30, cfg.RiskLowMax)
	assert.Equal(t, 70, cfg.RiskMediumMax)
	assert.Equal(t, 100, cfg.Weights.NoMX)
	assert.Equal(t, 24*3600, cfg.MX.PositiveTTLSeconds)
	assert.Equal(t, 2, cfg.MX.NegativeTTLSeconds)
	assert.Equal(t, 90, cfg.Weights.DisposableDomain)
	assert.Equal(t, 10, cfg.Velocity.IPLimitPerHour)
	assert.Equal(t, 0.85, cfg.Pattern.SimilarityThreshold)
	assert.Equal(t, 500, cfg.Pattern.WindowSize)
	assert.False(t, cfg.SMTP.Enabled)
	assert.False(t, cfg.Enrichment.Enabled)
	assert.Equal(t, 8*time.Second, cfg.OverallBudget())
	assert.True(t, cfg.IsDev())

	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9999"
entropy_threshold: 3.5
weights:
  no_mx: 80
velocity:
  ip_limit_per_hour: 25
smtp:
  enabled: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 3.5, cfg.EntropyThreshold)
	assert.Equal(t, 80, cfg.Weights.NoMX)
	assert.Equal(t, 25, cfg.Velocity.IPLimitPerHour)
	assert.True(t, cfg.SMTP.Enabled)
	// Untouched knobs keep their defaults.
	assert.Equal(t, 90, cfg.Weights.DisposableDomain)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("ENRICHMENT_ENABLED", "true")
	t.Setenv("WEBHOOK_URLS", "https://a.example/hook, https://b.example/hook")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.Store.Addr)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.True(t, cfg.Enrichment.Enabled)
	assert.Equal(t, []string{"https://a.example/hook", "https://b.example/hook"}, cfg.Webhooks.URLs)
}

func TestValidateFailClosed(t *testing.T) {
	t.Run("missing admin key outside dev", func(t *testing.T) {
		cfg := Default()
		cfg.Environment = "prod"
		assert.Error(t, cfg.Validate())

		cfg.AdminAPIKey = "secret"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("negative weight", func(t *testing.T) {
		cfg := Default()
		cfg.Weights.HighEntropy = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("inverted risk thresholds", func(t *testing.T) {
		cfg := Default()
		cfg.RiskLowMax = 80
		cfg.RiskMediumMax = 40
		assert.Error(t, cfg.Validate())
	})

	t.Run("similarity threshold out of range", func(t *testing.T) {
		cfg := Default()
		cfg.Pattern.SimilarityThreshold = 1.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing store addr", func(t *testing.T) {
		cfg := Default()
		cfg.Store.Addr = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestAliasDomainSet(t *testing.T) {
	cfg := Default()
	set := cfg.AliasDomainSet()

	_, gmail := set["gmail.com"]
	assert.True(t, gmail)
	_, unknown := set["example.com"]
	assert.False(t, unknown)
}
