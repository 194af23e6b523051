package report

import (
	"strings"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
)

// DefaultMinAuthFindings is the fallback threshold: a credentialed scan
// whose report has no explicit credential indicator counts findings from
// authenticated-check families, and this many of them imply the
// credentials worked.
const DefaultMinAuthFindings = 5

// credentialedFamilies are the plugin families whose findings can only be
// produced by authenticated checks.
var credentialedFamilies = map[string]bool{
	"local security checks": true,
	"policy compliance":     true,
	"patch management":      true,
}

// DetectAuth determines the authentication outcome of a report.
//
// Scans that never attempt credentials are not_applicable. When the report
// carries an explicit per-host credential indicator, the verdict follows
// it: all hosts authenticated → success, some → partial, none → failed.
// Otherwise findings from credentialed-check families are counted against
// minFindings.
func DetectAuth(r *Report, kind domain.ScanKind, minFindings int) domain.AuthStatus {
	if !kind.UsesCredentials() {
		return domain.AuthNotApplicable
	}
	if minFindings <= 0 {
		minFindings = DefaultMinAuthFindings
	}

	indicated, authed := 0, 0
	for _, h := range r.Hosts {
		if h.CredentialedChecks == nil {
			continue
		}
		indicated++
		if *h.CredentialedChecks {
			authed++
		}
	}
	if indicated > 0 {
		switch {
		case authed == indicated:
			return domain.AuthSuccess
		case authed > 0:
			return domain.AuthPartial
		default:
			return domain.AuthFailed
		}
	}

	count := 0
	for _, v := range r.Vulnerabilities {
		if credentialedFamilies[strings.ToLower(v.Family)] {
			count++
		}
	}
	switch {
	case count >= minFindings:
		return domain.AuthSuccess
	case count > 0:
		return domain.AuthPartial
	default:
		return domain.AuthFailed
	}
}
