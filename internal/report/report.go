// Package report parses raw scan reports and turns them into validated,
// filtered, paginated record streams.
package report

import (
	"encoding/json"
	"fmt"
	"time"
)

// Metadata describes the scan run a report came from.
type Metadata struct {
	Name       string    `json:"name"`
	Policy     string    `json:"policy,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Targets    []string  `json:"targets,omitempty"`
}

// Host is one scanned host in a report. CredentialedChecks is the explicit
// credential-status indicator some backends emit; nil means the backend did
// not report one.
type Host struct {
	Address            string            `json:"address"`
	Hostname           string            `json:"hostname,omitempty"`
	OS                 string            `json:"os,omitempty"`
	CredentialedChecks *bool             `json:"credentialed_checks,omitempty"`
	Properties         map[string]string `json:"properties,omitempty"`
}

// Vulnerability is one finding in a report.
type Vulnerability struct {
	PluginID         int      `json:"plugin_id"`
	PluginName       string   `json:"plugin_name"`
	Family           string   `json:"family,omitempty"`
	Severity         int      `json:"severity"`
	Host             string   `json:"host"`
	Port             int      `json:"port,omitempty"`
	Protocol         string   `json:"protocol,omitempty"`
	CVSS             float64  `json:"cvss,omitempty"`
	CVE              []string `json:"cve,omitempty"`
	ExploitAvailable bool     `json:"exploit_available"`
	Description      string   `json:"description,omitempty"`
	Solution         string   `json:"solution,omitempty"`
}

// Report is the normalized shape a backend's raw export parses into.
type Report struct {
	Scan            Metadata        `json:"scan"`
	Hosts           []Host          `json:"hosts"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
}

// Parse decodes raw report bytes.
func Parse(raw []byte) (*Report, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty report")
	}
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}

// Field returns a vulnerability field by its wire name. The second return
// is false for unknown field names.
func (v Vulnerability) Field(name string) (any, bool) {
	switch name {
	case "plugin_id":
		return v.PluginID, true
	case "plugin_name":
		return v.PluginName, true
	case "family":
		return v.Family, true
	case "severity":
		return v.Severity, true
	case "host":
		return v.Host, true
	case "port":
		return v.Port, true
	case "protocol":
		return v.Protocol, true
	case "cvss":
		return v.CVSS, true
	case "cve":
		return v.CVE, true
	case "exploit_available":
		return v.ExploitAvailable, true
	case "description":
		return v.Description, true
	case "solution":
		return v.Solution, true
	}
	return nil, false
}
