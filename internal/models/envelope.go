package models

import "time"

type RiskLevel string
type RiskAction string
type EnrichmentStatus string

const (
	LevelLow    RiskLevel = "LOW"
	LevelMedium RiskLevel = "MEDIUM"
	LevelHigh   RiskLevel = "HIGH"

	ActionAllow     RiskAction = "ALLOW"
	ActionChallenge RiskAction = "CHALLENGE"
	ActionBlock     RiskAction = "BLOCK"

	EnrichmentDisabled EnrichmentStatus = "DISABLED"
	EnrichmentPending  EnrichmentStatus = "PENDING"
	EnrichmentComplete EnrichmentStatus = "COMPLETE"
	EnrichmentFailed   EnrichmentStatus = "FAILED"
)

// Reason codes, in the fixed order the scorer emits them.
const (
	ReasonDisposableDomain    = "DISPOSABLE_DOMAIN"
	ReasonNoMX                = "NO_MX"
	ReasonSMTPUndeliverable   = "SMTP_UNDELIVERABLE"
	ReasonNewDomain           = "NEW_DOMAIN"
	ReasonVPNOrProxy          = "VPN_OR_PROXY"
	ReasonPatternSequential   = "PATTERN_SEQUENTIAL"
	ReasonVelocityBreach      = "VELOCITY_BREACH"
	ReasonPatternSimilar      = "PATTERN_SIMILAR_TO_RECENT"
	ReasonHighEntropy         = "HIGH_ENTROPY"
	ReasonDatacenterIP        = "DATACENTER_IP"
	ReasonPatternNumberSuffix = "PATTERN_NUMBER_SUFFIX"
	ReasonSMTPCatchAll        = "SMTP_CATCH_ALL"
	ReasonIncomplete          = "INCOMPLETE"
)

// Pattern types reported in signals.pattern_detected.
const (
	PatternSequential      = "SEQUENTIAL"
	PatternNumberSuffix    = "NUMBER_SUFFIX"
	PatternSimilarToRecent = "SIMILAR_TO_RECENT"
)

// EmailInput is the raw analyse request: the address plus the network
// identity it arrived from.
type EmailInput struct {
	Email     string `json:"email"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ParsedEmail is the result of syntactic validation and canonicalization.
// Normalized is idempotent: normalizing it again yields the same string.
type ParsedEmail struct {
	Raw        string
	Normalized string
	LocalPart  string
	Domain     string
	IsAlias    bool
}

// Signals carries every probe verdict. A nil field means the probe was
// skipped, disabled, or failed; false means the probe ran and came back
// negative. The scorer is a pure function over this record.
type Signals struct {
	IsDisposable      *bool    `json:"is_disposable"`
	MXFound           *bool    `json:"mx_found"`
	VelocityBreach    *bool    `json:"velocity_breach"`
	EntropyScore      *float64 `json:"entropy_score"`
	IsAlias           bool     `json:"is_alias"`
	IsVPN             *bool    `json:"is_vpn"`
	IsProxy           *bool    `json:"is_proxy"`
	IsDatacenter      *bool    `json:"is_datacenter"`
	IPCountry         *string  `json:"ip_country"`
	DomainAgeDays     *int     `json:"domain_age_days"`
	IsNewDomain       *bool    `json:"is_new_domain"`
	PatternDetected   *string  `json:"pattern_detected"`
	IsSequential      *bool    `json:"is_sequential"`
	HasNumberSuffix   *bool    `json:"has_number_suffix"`
	IsSimilarToRecent *bool    `json:"is_similar_to_recent"`
	SMTPValid         *bool    `json:"smtp_valid"`
	SMTPDeliverable   *bool    `json:"smtp_deliverable"`
	CatchAllDomain    *bool    `json:"catch_all_domain"`
}

// Reason is one explainability entry: which signal fired and how many
// points it contributed.
type Reason struct {
	Code    string         `json:"code"`
	Points  int            `json:"points"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

type RiskSummary struct {
	Score  int        `json:"score"`
	Level  RiskLevel  `json:"level"`
	Action RiskAction `json:"action"`
}

type Enrichment struct {
	Status EnrichmentStatus `json:"status"`
	JobID  *string          `json:"job_id"`
	Error  string           `json:"error,omitempty"`
}

// Envelope is the full typed response returned by the engine. Field names
// are part of the HTTP contract.
type Envelope struct {
	Email           string      `json:"email"`
	NormalizedEmail string      `json:"normalized_email"`
	Reasons         []Reason    `json:"reasons"`
	RiskSummary     RiskSummary `json:"risk_summary"`
	Signals         Signals     `json:"signals"`
	Enrichment      *Enrichment `json:"enrichment,omitempty"`
}

// EnrichmentJob is the unit pushed onto the jobs:enrich queue. The partial
// envelope already holds the cheap-signal scoring pass; the worker fills in
// the slow signals and re-scores.
type EnrichmentJob struct {
	JobID           string     `json:"job_id"`
	CreatedAt       time.Time  `json:"created_at"`
	Input           EmailInput `json:"input"`
	PartialEnvelope Envelope   `json:"partial_envelope"`
	Attempts        int        `json:"attempts,omitempty"`
}

// IPIntel is the record produced by the IP intelligence probe. Private and
// reserved addresses yield a record with Private=true and all flags false.
type IPIntel struct {
	Country      *string `json:"country"`
	Org          string  `json:"org,omitempty"`
	IsVPN        bool    `json:"is_vpn"`
	IsProxy      bool    `json:"is_proxy"`
	IsDatacenter bool    `json:"is_datacenter"`
	Private      bool    `json:"private,omitempty"`
}

// SMTPResult is the mailbox-level probe verdict. CatchAll is independent of
// Deliverable: it neither confirms nor denies it.
type SMTPResult struct {
	Valid       bool `json:"valid"`
	Deliverable bool `json:"deliverable"`
	CatchAll    bool `json:"catch_all"`
}

// PatternResult bundles the three pattern sub-checks. PatternDetected holds
// the first positive in the order SEQUENTIAL, NUMBER_SUFFIX,
// SIMILAR_TO_RECENT, or nil when none fired.
type PatternResult struct {
	IsSequential      bool
	HasNumberSuffix   bool
	IsSimilarToRecent bool
	PatternDetected   *string
}

func BoolPtr(b bool) *bool        { return &b }
func IntPtr(i int) *int           { return &i }
func FloatPtr(f float64) *float64 { return &f }
func StringPtr(s string) *string  { return &s }
