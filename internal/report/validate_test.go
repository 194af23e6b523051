package report

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
)

func boolPtr(b bool) *bool { return &b }

func rawReport(t *testing.T, r Report) []byte {
	t.Helper()
	raw, err := json.Marshal(r)
	require.NoError(t, err)
	return raw
}

func TestValidateRejectsGarbage(t *testing.T) {
	v := &Validator{}

	res := v.Validate([]byte("not json"), domain.ScanKindDiscovery)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "unparsable")

	res = v.Validate(nil, domain.ScanKindDiscovery)
	assert.False(t, res.Valid)
}

func TestValidateRejectsEmptyHostList(t *testing.T) {
	v := &Validator{}
	raw := rawReport(t, Report{Scan: Metadata{Name: "sweep"}})

	res := v.Validate(raw, domain.ScanKindDiscovery)
	assert.False(t, res.Valid)
	assert.Equal(t, "report contains no hosts", res.Reason)
}

func TestValidateWarnsOnOrphanFindings(t *testing.T) {
	v := &Validator{}
	raw := rawReport(t, Report{
		Hosts: []Host{{Address: "10.0.0.1"}},
		Vulnerabilities: []Vulnerability{
			{PluginID: 1, Host: "10.0.0.1", Severity: 2},
			{PluginID: 2, Host: "10.9.9.9", Severity: 3},
		},
	})

	res := v.Validate(raw, domain.ScanKindUntrusted)
	require.True(t, res.Valid)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "1 findings reference hosts missing")
	assert.Equal(t, 1, res.Hosts)
	assert.Equal(t, 2, res.Findings)
}

func TestValidateAuthFailureFailsCredentialedScan(t *testing.T) {
	v := &Validator{}
	raw := rawReport(t, Report{
		Hosts: []Host{
			{Address: "10.0.0.1", CredentialedChecks: boolPtr(false)},
			{Address: "10.0.0.2", CredentialedChecks: boolPtr(false)},
		},
	})

	res := v.Validate(raw, domain.ScanKindCredentialed)
	assert.False(t, res.Valid)
	assert.Equal(t, domain.AuthFailed, res.AuthStatus)
	assert.Equal(t, "authentication failed on every target", res.Reason)

	// The same report is fine for a scan that never attempts credentials.
	res = v.Validate(raw, domain.ScanKindUntrusted)
	assert.True(t, res.Valid)
	assert.Equal(t, domain.AuthNotApplicable, res.AuthStatus)
}

func TestValidatePartialAuthIsWarningNotFailure(t *testing.T) {
	v := &Validator{}
	raw := rawReport(t, Report{
		Hosts: []Host{
			{Address: "10.0.0.1", CredentialedChecks: boolPtr(true)},
			{Address: "10.0.0.2", CredentialedChecks: boolPtr(false)},
		},
	})

	res := v.Validate(raw, domain.ScanKindCredentialed)
	require.True(t, res.Valid)
	assert.Equal(t, domain.AuthPartial, res.AuthStatus)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "only part of the targets")

	sum := res.Summary()
	assert.Equal(t, domain.AuthPartial, sum.AuthStatus)
	assert.Equal(t, 2, sum.Hosts)
}

func TestDetectAuthFallbackCountsCredentialedFamilies(t *testing.T) {
	mkVulns := func(n int) []Vulnerability {
		vulns := make([]Vulnerability, n)
		for i := range vulns {
			vulns[i] = Vulnerability{PluginID: 100 + i, Family: "Local Security Checks", Host: "10.0.0.1"}
		}
		return vulns
	}

	tests := []struct {
		name  string
		vulns []Vulnerability
		want  domain.AuthStatus
	}{
		{"at threshold", mkVulns(5), domain.AuthSuccess},
		{"below threshold", mkVulns(3), domain.AuthPartial},
		{"none", []Vulnerability{{PluginID: 1, Family: "Web Servers", Host: "10.0.0.1"}}, domain.AuthFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := &Report{Hosts: []Host{{Address: "10.0.0.1"}}, Vulnerabilities: tc.vulns}
			got := DetectAuth(r, domain.ScanKindCredentialed, 0)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDetectAuthExplicitIndicatorWinsOverCounting(t *testing.T) {
	// One host carries an explicit failure marker; the finding count alone
	// would have said success.
	r := &Report{
		Hosts: []Host{{Address: "10.0.0.1", CredentialedChecks: boolPtr(false)}},
	}
	for i := 0; i < 10; i++ {
		r.Vulnerabilities = append(r.Vulnerabilities, Vulnerability{PluginID: i, Family: "Patch Management", Host: "10.0.0.1"})
	}
	assert.Equal(t, domain.AuthFailed, DetectAuth(r, domain.ScanKindCompliance, 0))
}
