package report

import (
	"strconv"
	"strings"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
)

// Filters are generic record predicates, AND-combined. Comparison is
// type-aware per field: strings match case-insensitive substrings, numbers
// support the operators = > >= < <=, booleans match exactly, and list
// fields match when any element contains the value.
type Filters map[string]string

// ApplyFilters returns the vulnerabilities satisfying every filter.
// Unknown field names are rejected before any matching happens.
func ApplyFilters(vulns []Vulnerability, filters Filters) ([]Vulnerability, error) {
	if len(filters) == 0 {
		return vulns, nil
	}
	var zero Vulnerability
	for field := range filters {
		if _, ok := zero.Field(field); !ok {
			return nil, &domain.ValidationError{Field: "filters", Reason: "unknown field: " + field}
		}
	}

	out := make([]Vulnerability, 0, len(vulns))
	for _, v := range vulns {
		keep := true
		for field, expr := range filters {
			val, _ := v.Field(field)
			ok, err := matchValue(val, expr)
			if err != nil {
				return nil, err
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, v)
		}
	}
	return out, nil
}

func matchValue(val any, expr string) (bool, error) {
	switch v := val.(type) {
	case bool:
		want, err := strconv.ParseBool(strings.TrimSpace(expr))
		if err != nil {
			return false, &domain.ValidationError{Field: "filters", Reason: "boolean filter needs true/false, got: " + expr}
		}
		return v == want, nil
	case int:
		return matchNumeric(float64(v), expr)
	case float64:
		return matchNumeric(v, expr)
	case []string:
		needle := strings.ToLower(strings.TrimSpace(expr))
		for _, elem := range v {
			if strings.Contains(strings.ToLower(elem), needle) {
				return true, nil
			}
		}
		return false, nil
	case string:
		return strings.Contains(strings.ToLower(v), strings.ToLower(strings.TrimSpace(expr))), nil
	}
	return false, nil
}

func matchNumeric(val float64, expr string) (bool, error) {
	expr = strings.TrimSpace(expr)
	op := "="
	switch {
	case strings.HasPrefix(expr, ">="):
		op, expr = ">=", expr[2:]
	case strings.HasPrefix(expr, "<="):
		op, expr = "<=", expr[2:]
	case strings.HasPrefix(expr, ">"):
		op, expr = ">", expr[1:]
	case strings.HasPrefix(expr, "<"):
		op, expr = "<", expr[1:]
	case strings.HasPrefix(expr, "="):
		expr = expr[1:]
	}
	want, err := strconv.ParseFloat(strings.TrimSpace(expr), 64)
	if err != nil {
		return false, &domain.ValidationError{Field: "filters", Reason: "numeric filter needs a number, got: " + expr}
	}
	switch op {
	case ">":
		return val > want, nil
	case ">=":
		return val >= want, nil
	case "<":
		return val < want, nil
	case "<=":
		return val <= want, nil
	default:
		return val == want, nil
	}
}
