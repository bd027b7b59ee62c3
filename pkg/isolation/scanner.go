package isolation

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// ViolationKind classifies a cross-tenant pattern match.
type ViolationKind string

const (
	ViolationForeignAccount ViolationKind = "foreign_account"
	ViolationForeignTenant  ViolationKind = "foreign_tenant"
	ViolationCredential     ViolationKind = "credential_material"
)

// Violation is a single cross-tenant pattern found in scanned text.
type Violation struct {
	Kind    ViolationKind      `json:"kind"`
	Match   string             `json:"match"`
	Risk    contracts.RiskLevel `json:"risk"`
	Message string             `json:"message"`
}

var (
	reAccountID = regexp.MustCompile(`\b\d{12}\b`)
	reTenantRef = regexp.MustCompile(`\btn-[0-9a-f]{32}\b`)
	reAccessKey = regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`)
	// 40-char base64-ish runs are the shape of AWS secret keys.
	reSecretKey = regexp.MustCompile(`\b[A-Za-z0-9/+=]{40}\b`)
)

// Scanner detects cross-tenant data patterns in text about to be processed.
type Scanner struct{}

// NewScanner creates a Scanner.
func NewScanner() *Scanner {
	return &Scanner{}
}

// DetectCrossTenantPatterns scans text for foreign account identifiers,
// foreign tenant references and credential-shaped substrings. Matches that
// belong to the current tenant are excluded. The returned level is the most
// severe risk among the violations, or RiskLow with no violations.
func (s *Scanner) DetectCrossTenantPatterns(text string, tc *TenantContext) ([]Violation, contracts.RiskLevel) {
	// Normalize first so compatibility characters cannot smuggle
	// identifiers past the pattern match.
	text = norm.NFKC.String(text)

	var violations []Violation

	own := make(map[string]bool, len(tc.OwnAccounts))
	for _, a := range tc.OwnAccounts {
		own[a] = true
	}

	for _, m := range reAccountID.FindAllString(text, -1) {
		if own[m] {
			continue
		}
		violations = append(violations, Violation{
			Kind:    ViolationForeignAccount,
			Match:   m,
			Risk:    contracts.RiskHigh,
			Message: "text references a cloud account that does not belong to this tenant",
		})
	}

	for _, m := range reTenantRef.FindAllString(text, -1) {
		if m == tc.TenantID {
			continue
		}
		violations = append(violations, Violation{
			Kind:    ViolationForeignTenant,
			Match:   m,
			Risk:    contracts.RiskMedium,
			Message: "text references a foreign tenant identifier",
		})
	}

	for _, m := range reAccessKey.FindAllString(text, -1) {
		violations = append(violations, Violation{
			Kind:    ViolationCredential,
			Match:   redact(m),
			Risk:    contracts.RiskCritical,
			Message: "text contains an access-key-shaped credential",
		})
	}
	for _, m := range reSecretKey.FindAllString(text, -1) {
		// Skip pure-hex runs; those are content hashes, not secrets.
		if isHex(m) {
			continue
		}
		violations = append(violations, Violation{
			Kind:    ViolationCredential,
			Match:   redact(m),
			Risk:    contracts.RiskCritical,
			Message: "text contains a secret-key-shaped credential",
		})
	}

	level := contracts.RiskLow
	for _, v := range violations {
		level = level.Max(v.Risk)
	}
	return violations, level
}

func redact(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
