package report

import (
	"strings"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
)

// fullFields lists every projectable field, in output order.
var fullFields = []string{
	"plugin_id", "plugin_name", "family", "severity", "host", "port",
	"protocol", "cvss", "cve", "exploit_available", "description", "solution",
}

// profiles are the named schema profiles.
var profiles = map[string][]string{
	"minimal": {"plugin_id", "severity", "host"},
	"summary": {"plugin_id", "plugin_name", "severity", "host", "port"},
	"brief":   {"plugin_id", "plugin_name", "family", "severity", "host", "port", "protocol", "cvss", "exploit_available"},
	"full":    fullFields,
}

// DefaultProfile is used when a query names neither a profile nor fields.
const DefaultProfile = "summary"

// Projection selects output fields: either a named profile or an explicit
// custom field list, never both.
type Projection struct {
	Profile string
	Fields  []string
}

// Resolve returns the ordered field list for this projection.
func (p Projection) Resolve() ([]string, error) {
	if p.Profile != "" && len(p.Fields) > 0 {
		return nil, &domain.ValidationError{Field: "profile", Reason: "profile and custom fields are mutually exclusive"}
	}
	if len(p.Fields) > 0 {
		var zero Vulnerability
		for _, f := range p.Fields {
			if _, ok := zero.Field(f); !ok {
				return nil, &domain.ValidationError{Field: "fields", Reason: "unknown field: " + f}
			}
		}
		return p.Fields, nil
	}
	name := p.Profile
	if name == "" {
		name = DefaultProfile
	}
	fields, ok := profiles[strings.ToLower(name)]
	if !ok {
		return nil, &domain.ValidationError{Field: "profile", Reason: "unknown profile: " + name}
	}
	return fields, nil
}

// Record is one projected finding.
type Record map[string]any

// Project maps vulnerabilities onto the given field subset.
func Project(vulns []Vulnerability, fields []string) []Record {
	out := make([]Record, len(vulns))
	for i, v := range vulns {
		rec := make(Record, len(fields))
		for _, f := range fields {
			if val, ok := v.Field(f); ok {
				rec[f] = val
			}
		}
		out[i] = rec
	}
	return out
}
