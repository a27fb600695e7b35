// Package config loads service configuration from an optional YAML file,
// with environment variable overrides for the settings operators most often
// tune per deployment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Weights holds the additive scoring weights, one per reason code.
type Weights struct {
	DisposableDomain    int `yaml:"disposable_domain"`
	NoMX                int `yaml:"no_mx"`
	SMTPUndeliverable   int `yaml:"smtp_undeliverable"`
	NewDomain           int `yaml:"new_domain"`
	VPNOrProxy          int `yaml:"vpn_or_proxy"`
	PatternSequential   int `yaml:"pattern_sequential"`
	VelocityBreach      int `yaml:"velocity_breach"`
	PatternSimilar      int `yaml:"pattern_similar_to_recent"`
	HighEntropy         int `yaml:"high_entropy"`
	DatacenterIP        int `yaml:"datacenter_ip"`
	PatternNumberSuffix int `yaml:"pattern_number_suffix"`
	SMTPCatchAll        int `yaml:"smtp_catch_all"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type StoreConfig struct {
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	BlockingPop bool   `yaml:"blocking_pop"`
}

type RegistryConfig struct {
	SeedPath            string `yaml:"seed_path"`
	RemoteURL           string `yaml:"remote_url"`
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds"`
}

type MXConfig struct {
	TimeoutSeconds     int `yaml:"timeout_seconds"`
	PositiveTTLSeconds int `yaml:"positive_ttl_seconds"`
	NegativeTTLSeconds int `yaml:"negative_ttl_seconds"`
}

type WHOISConfig struct {
	NewDomainAgeDays int `yaml:"new_domain_age_days"`
	TimeoutSeconds   int `yaml:"timeout_seconds"`
	CacheTTLSeconds  int `yaml:"cache_ttl_seconds"`
}

type IPIntelProvider struct {
	Name          string `yaml:"name"`
	RatePerMinute int    `yaml:"rate_per_minute"`
}

type IPIntelConfig struct {
	Providers              []IPIntelProvider `yaml:"providers"`
	ProviderTimeoutSeconds int               `yaml:"provider_timeout_seconds"`
	CacheTTLSeconds        int               `yaml:"cache_ttl_seconds"`
	VerifyTLS              bool              `yaml:"verify_tls"`
}

type SMTPConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Sender          string `yaml:"sender"`
	HeloHost        string `yaml:"helo_host"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

type VelocityConfig struct {
	IPLimitPerHour     int      `yaml:"ip_limit_per_hour"`
	DomainLimitPerHour int      `yaml:"domain_limit_per_hour"`
	BucketSeconds      int      `yaml:"bucket_seconds"`
	DomainAllowlist    []string `yaml:"domain_allowlist"`
}

type PatternConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	WindowSize          int     `yaml:"window_size"`
	WindowTTLSeconds    int     `yaml:"window_ttl_seconds"`
}

type EnrichmentConfig struct {
	Enabled          bool `yaml:"enabled"`
	ResultTTLSeconds int  `yaml:"result_ttl_seconds"`
	MaxAttempts      int  `yaml:"max_attempts"`
}

type WebhookConfig struct {
	URLs           []string `yaml:"urls"`
	VerifyTLS      bool     `yaml:"verify_tls"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxRetries     int      `yaml:"max_retries"`
}

type EngineConfig struct {
	OverallBudgetSeconds int `yaml:"overall_budget_seconds"`
}

type Config struct {
	Environment string `yaml:"environment"`
	AdminAPIKey string `yaml:"admin_api_key"`

	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Registry   RegistryConfig   `yaml:"registry"`
	MX         MXConfig         `yaml:"mx"`
	WHOIS      WHOISConfig      `yaml:"whois"`
	IPIntel    IPIntelConfig    `yaml:"ip_intel"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	Velocity   VelocityConfig   `yaml:"velocity"`
	Pattern    PatternConfig    `yaml:"pattern"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Webhooks   WebhookConfig    `yaml:"webhooks"`
	Engine     EngineConfig     `yaml:"engine"`

	EntropyThreshold float64 `yaml:"entropy_threshold"`
	RiskLowMax       int     `yaml:"risk_low_max"`
	RiskMediumMax    int     `yaml:"risk_medium_max"`

	Weights Weights `yaml:"weights"`

	// Domains whose mailers treat "user+tag" as "user". Alias stripping for
	// canonicalization only applies to these.
	AliasCapableDomains []string `yaml:"alias_capable_domains"`
}

// Default returns the configuration with every knob at its documented default.
func Default() *Config {
	return &Config{
		Environment: "dev",
		Server: ServerConfig{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
		},
		Store: StoreConfig{
			Addr:        "127.0.0.1:6379",
			BlockingPop: true,
		},
		Registry: RegistryConfig{
			FetchTimeoutSeconds: 10,
		},
		MX: MXConfig{
			TimeoutSeconds:     3,
			PositiveTTLSeconds: 24 * 3600,
			NegativeTTLSeconds: 2,
		},
		WHOIS: WHOISConfig{
			NewDomainAgeDays: 30,
			TimeoutSeconds:   5,
			CacheTTLSeconds:  24 * 3600,
		},
		IPIntel: IPIntelConfig{
			Providers: []IPIntelProvider{
				{Name: "ipapi", RatePerMinute: 30},
				{Name: "ipwhois", RatePerMinute: 30},
				{Name: "ipapi_http", RatePerMinute: 40},
			},
			ProviderTimeoutSeconds: 2,
			CacheTTLSeconds:        3600,
			VerifyTLS:              true,
		},
		SMTP: SMTPConfig{
			Enabled:         false,
			Sender:          "",
			HeloHost:        "probe.signupguard.io",
			TimeoutSeconds:  10,
			CacheTTLSeconds: 3600,
		},
		Velocity: VelocityConfig{
			IPLimitPerHour:     10,
			DomainLimitPerHour: 100,
			BucketSeconds:      3600,
			DomainAllowlist: []string{
				"gmail.com", "yahoo.com", "outlook.com", "hotmail.com", "icloud.com",
			},
		},
		Pattern: PatternConfig{
			SimilarityThreshold: 0.85,
			WindowSize:          500,
			WindowTTLSeconds:    24 * 3600,
		},
		Enrichment: EnrichmentConfig{
			Enabled:          false,
			ResultTTLSeconds: 24 * 3600,
			MaxAttempts:      3,
		},
		Webhooks: WebhookConfig{
			VerifyTLS:      true,
			TimeoutSeconds: 5,
			MaxRetries:     3,
		},
		Engine: EngineConfig{
			OverallBudgetSeconds: 8,
		},
		EntropyThreshold: 4.5,
		RiskLowMax:       30,
		RiskMediumMax:    70,
		Weights: Weights{
			DisposableDomain:    90,
			NoMX:                100,
			SMTPUndeliverable:   70,
			NewDomain:           60,
			VPNOrProxy:          50,
			PatternSequential:   40,
			VelocityBreach:      40,
			PatternSimilar:      35,
			HighEntropy:         30,
			DatacenterIP:        30,
			PatternNumberSuffix: 25,
			SMTPCatchAll:        20,
		},
		AliasCapableDomains: []string{
			"gmail.com", "googlemail.com", "outlook.com", "hotmail.com", "live.com",
			"yahoo.com", "icloud.com", "proton.me", "protonmail.com", "fastmail.com",
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty or missing),
// applies environment overrides, and validates the result. A .env file in
// the working directory is loaded first, if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Password = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ADMIN_API_KEY"); v != "" {
		c.AdminAPIKey = v
	}
	if v := os.Getenv("WEBHOOK_URLS"); v != "" {
		c.Webhooks.URLs = splitAndTrim(v)
	}
	if v := os.Getenv("DISPOSABLE_SEED_PATH"); v != "" {
		c.Registry.SeedPath = v
	}
	if v := os.Getenv("DISPOSABLE_REMOTE_URL"); v != "" {
		c.Registry.RemoteURL = v
	}
	if v, ok := envBool("SMTP_ENABLED"); ok {
		c.SMTP.Enabled = v
	}
	if v, ok := envBool("ENRICHMENT_ENABLED"); ok {
		c.Enrichment.Enabled = v
	}
}

// Validate enforces the fail-closed startup rules: outside dev the admin key
// must be set, and weights/thresholds must be coherent.
func (c *Config) Validate() error {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	if env != "dev" && strings.TrimSpace(c.AdminAPIKey) == "" {
		return fmt.Errorf("config: ADMIN_API_KEY is required when environment is %q", c.Environment)
	}

	for name, w := range map[string]int{
		"disposable_domain":         c.Weights.DisposableDomain,
		"no_mx":                     c.Weights.NoMX,
		"smtp_undeliverable":        c.Weights.SMTPUndeliverable,
		"new_domain":                c.Weights.NewDomain,
		"vpn_or_proxy":              c.Weights.VPNOrProxy,
		"pattern_sequential":        c.Weights.PatternSequential,
		"velocity_breach":           c.Weights.VelocityBreach,
		"pattern_similar_to_recent": c.Weights.PatternSimilar,
		"high_entropy":              c.Weights.HighEntropy,
		"datacenter_ip":             c.Weights.DatacenterIP,
		"pattern_number_suffix":     c.Weights.PatternNumberSuffix,
		"smtp_catch_all":            c.Weights.SMTPCatchAll,
	} {
		if w < 0 {
			return fmt.Errorf("config: weight %s must be >= 0, got %d", name, w)
		}
	}

	if c.RiskLowMax < 0 || c.RiskMediumMax <= c.RiskLowMax || c.RiskMediumMax > 100 {
		return fmt.Errorf("config: risk thresholds must satisfy 0 <= low_max < medium_max <= 100 (got %d, %d)",
			c.RiskLowMax, c.RiskMediumMax)
	}
	if c.Pattern.SimilarityThreshold <= 0 || c.Pattern.SimilarityThreshold > 1 {
		return fmt.Errorf("config: pattern similarity_threshold must be in (0,1], got %v", c.Pattern.SimilarityThreshold)
	}
	if c.Pattern.WindowSize <= 0 {
		return fmt.Errorf("config: pattern window_size must be > 0, got %d", c.Pattern.WindowSize)
	}
	if c.Velocity.BucketSeconds <= 0 {
		return fmt.Errorf("config: velocity bucket_seconds must be > 0, got %d", c.Velocity.BucketSeconds)
	}
	if c.Store.Addr == "" {
		return fmt.Errorf("config: store addr is required")
	}
	return nil
}

// IsDev reports whether insecure dev conveniences (unprotected admin
// endpoints) are permitted.
func (c *Config) IsDev() bool {
	return strings.ToLower(strings.TrimSpace(c.Environment)) == "dev"
}

func (c *Config) OverallBudget() time.Duration {
	return time.Duration(c.Engine.OverallBudgetSeconds) * time.Second
}

func (c *Config) AliasDomainSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.AliasCapableDomains))
	for _, d := range c.AliasCapableDomains {
		set[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return set
}

func (c *Config) VelocityAllowlistSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Velocity.DomainAllowlist))
	for _, d := range c.Velocity.DomainAllowlist {
		set[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return set
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBool(key string) (bool, bool) {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// Seconds converts a whole-second config value to a Duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }
