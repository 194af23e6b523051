package report

import (
	"fmt"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
)

// ValidationResult is the verdict on one raw report. The worker commits
// COMPLETED only when Valid is true; otherwise the task fails with Reason.
type ValidationResult struct {
	Valid      bool
	AuthStatus domain.AuthStatus
	Hosts      int
	Findings   int
	Warnings   []string
	Reason     string
	// Report is the parsed report, available to callers that go on to
	// project and paginate records.
	Report *Report
}

// Summary converts the result into the summary persisted on the task.
func (r ValidationResult) Summary() *domain.ResultSummary {
	return &domain.ResultSummary{
		Hosts:      r.Hosts,
		Findings:   r.Findings,
		AuthStatus: r.AuthStatus,
		Warnings:   r.Warnings,
	}
}

// Validator judges raw scan reports.
type Validator struct {
	// MinAuthFindings is the authenticated-finding threshold used when a
	// report has no explicit credential indicator. Zero means the default.
	MinAuthFindings int
}

// Validate parses raw report bytes and applies structural and
// authentication checks for the given scan kind.
func (v *Validator) Validate(raw []byte, kind domain.ScanKind) ValidationResult {
	r, err := Parse(raw)
	if err != nil {
		return ValidationResult{Reason: fmt.Sprintf("unparsable report: %v", err)}
	}

	res := ValidationResult{
		Report:   r,
		Hosts:    len(r.Hosts),
		Findings: len(r.Vulnerabilities),
	}

	if len(r.Hosts) == 0 {
		res.Reason = "report contains no hosts"
		return res
	}

	known := make(map[string]bool, len(r.Hosts))
	for _, h := range r.Hosts {
		known[h.Address] = true
	}
	orphans := 0
	for _, vuln := range r.Vulnerabilities {
		if !known[vuln.Host] {
			orphans++
		}
	}
	if orphans > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d findings reference hosts missing from the report", orphans))
	}

	res.AuthStatus = DetectAuth(r, kind, v.MinAuthFindings)
	switch res.AuthStatus {
	case domain.AuthFailed:
		res.Reason = "authentication failed on every target"
		return res
	case domain.AuthPartial:
		res.Warnings = append(res.Warnings, "authentication succeeded on only part of the targets")
	}

	res.Valid = true
	return res
}
