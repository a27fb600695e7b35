package engine

import (
	"errors"
	"strings"

	"signupguard/internal/models"
)

// ErrInvalidSyntax marks an address the service refuses to score.
var ErrInvalidSyntax = errors.New("invalid email syntax")

// Normalizer canonicalises addresses before scoring. Plus-alias stripping is
// restricted to providers known to support it; stripping "user+tag" on a
// domain where '+' is a literal character would collapse distinct mailboxes.
type Normalizer struct {
	aliasCapable map[string]struct{}
}

func NewNormalizer(aliasCapable map[string]struct{}) *Normalizer {
	return &Normalizer{aliasCapable: aliasCapable}
}

// Parse validates and normalises raw. Normalisation lowercases both sides,
// trims surrounding whitespace, and removes the +suffix of the local part on
// alias-capable domains. The same input always yields the same output, and
// normalising twice is a no-op.
func (n *Normalizer) Parse(raw string) (models.ParsedEmail, error) {
	trimmed := strings.TrimSpace(raw)

	at := strings.Index(trimmed, "@")
	if at < 0 || strings.Index(trimmed[at+1:], "@") >= 0 {
		return models.ParsedEmail{}, ErrInvalidSyntax
	}

	local := strings.ToLower(trimmed[:at])
	domain := strings.ToLower(trimmed[at+1:])

	if local == "" || len(local) > 64 {
		return models.ParsedEmail{}, ErrInvalidSyntax
	}
	if !validDomain(domain) {
		return models.ParsedEmail{}, ErrInvalidSyntax
	}

	isAlias := strings.Contains(local, "+")
	if isAlias {
		if _, capable := n.aliasCapable[domain]; capable {
			local = local[:strings.Index(local, "+")]
			if local == "" {
				return models.ParsedEmail{}, ErrInvalidSyntax
			}
		}
	}

	return models.ParsedEmail{
		Raw:        raw,
		Normalized: local + "@" + domain,
		LocalPart:  local,
		Domain:     domain,
		IsAlias:    isAlias,
	}, nil
}

// validDomain requires at least one dot and RFC-shaped labels: 1-63 chars,
// letters, digits or hyphens, no hyphen at either end.
func validDomain(domain string) bool {
	if domain == "" || len(domain) > 253 || !strings.Contains(domain, ".") {
		return false
	}
	for _, label := range strings.Split(domain, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if c != '-' && (c < 'a' || c > 'z') && (c < '0' || c > '9') {
				return false
			}
		}
	}
	return true
}
