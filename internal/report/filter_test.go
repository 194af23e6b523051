package report

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
)

// fixtureVulns builds 40 findings with a predictable shape: severity cycles
// 0..4, every third finding has an exploit, CVSS tracks severity.
func fixtureVulns() []Vulnerability {
	vulns := make([]Vulnerability, 40)
	for i := range vulns {
		sev := i % 5
		vulns[i] = Vulnerability{
			PluginID:         10000 + i,
			PluginName:       fmt.Sprintf("Check %d", i),
			Family:           []string{"General", "Web Servers", "Local Security Checks"}[i%3],
			Severity:         sev,
			Host:             fmt.Sprintf("10.0.0.%d", i%4+1),
			Port:             443,
			Protocol:         "tcp",
			CVSS:             float64(sev) * 2.0,
			CVE:              []string{fmt.Sprintf("CVE-2024-%04d", i)},
			ExploitAvailable: i%3 == 0,
		}
	}
	return vulns
}

func TestApplyFiltersAndSemantics(t *testing.T) {
	vulns := fixtureVulns()

	out, err := ApplyFilters(vulns, Filters{
		"severity":          "4",
		"exploit_available": "true",
	})
	require.NoError(t, err)

	// severity==4 at i ∈ {4,9,...,39}, exploit at i%3==0: intersection is
	// i ∈ {9, 24, 39}.
	require.Len(t, out, 3)
	for _, v := range out {
		assert.Equal(t, 4, v.Severity)
		assert.True(t, v.ExploitAvailable)
	}
}

func TestApplyFiltersNumericOperators(t *testing.T) {
	vulns := fixtureVulns()

	tests := []struct {
		expr string
		want func(v Vulnerability) bool
	}{
		{">=3", func(v Vulnerability) bool { return v.Severity >= 3 }},
		{">3", func(v Vulnerability) bool { return v.Severity > 3 }},
		{"<2", func(v Vulnerability) bool { return v.Severity < 2 }},
		{"<=2", func(v Vulnerability) bool { return v.Severity <= 2 }},
		{"=2", func(v Vulnerability) bool { return v.Severity == 2 }},
		{"2", func(v Vulnerability) bool { return v.Severity == 2 }},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			out, err := ApplyFilters(vulns, Filters{"severity": tc.expr})
			require.NoError(t, err)
			require.NotEmpty(t, out)
			for _, v := range out {
				assert.True(t, tc.want(v), "severity %d should not pass %q", v.Severity, tc.expr)
			}
			wantCount := 0
			for _, v := range vulns {
				if tc.want(v) {
					wantCount++
				}
			}
			assert.Len(t, out, wantCount)
		})
	}
}

func TestApplyFiltersFloatComparison(t *testing.T) {
	vulns := fixtureVulns()
	out, err := ApplyFilters(vulns, Filters{"cvss": ">=7.5"})
	require.NoError(t, err)
	for _, v := range out {
		assert.GreaterOrEqual(t, v.CVSS, 7.5)
	}
}

func TestApplyFiltersStringSubstringCaseInsensitive(t *testing.T) {
	vulns := fixtureVulns()

	out, err := ApplyFilters(vulns, Filters{"family": "local security"})
	require.NoError(t, err)
	require.NotEmpty(t, out)
	for _, v := range out {
		assert.Equal(t, "Local Security Checks", v.Family)
	}

	upper, err := ApplyFilters(vulns, Filters{"family": "LOCAL SECURITY"})
	require.NoError(t, err)
	assert.Len(t, upper, len(out))
}

func TestApplyFiltersListMatchesAnyElement(t *testing.T) {
	vulns := fixtureVulns()
	out, err := ApplyFilters(vulns, Filters{"cve": "cve-2024-0007"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 10007, out[0].PluginID)
}

func TestApplyFiltersRejectsBadInput(t *testing.T) {
	vulns := fixtureVulns()

	_, err := ApplyFilters(vulns, Filters{"no_such_field": "x"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "no_such_field")

	_, err = ApplyFilters(vulns, Filters{"exploit_available": "maybe"})
	require.ErrorAs(t, err, &verr)

	_, err = ApplyFilters(vulns, Filters{"severity": ">high"})
	require.ErrorAs(t, err, &verr)
}

func TestApplyFiltersEmptyPassesThrough(t *testing.T) {
	vulns := fixtureVulns()
	out, err := ApplyFilters(vulns, nil)
	require.NoError(t, err)
	assert.Len(t, out, len(vulns))
}
