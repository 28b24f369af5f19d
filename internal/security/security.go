// Package security implements the static script validator: a policy table of
// forbidden and suspicious source patterns plus loop and complexity heuristics.
// The validator works on raw text and never executes the script.
package security

import (
	"errors"
	"strings"
)

// ErrRejected matches any *RejectedError via errors.Is.
var ErrRejected = errors.New("script rejected")

// RiskLevel classifies how dangerous a script's static profile looks.
type RiskLevel int

const (
	RiskLow      RiskLevel = iota // Nothing notable.
	RiskMedium                    // Suspicious or overly complex, but not an escape.
	RiskHigh                      // Likely runaway or unreviewable.
	RiskCritical                  // Capability escape attempt.
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a string to a RiskLevel.
// Unrecognized values default to RiskCritical.
func ParseRiskLevel(s string) RiskLevel {
	switch strings.ToLower(s) {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	default:
		return RiskCritical
	}
}

// MarshalText renders the level by name in JSON and YAML.
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a level by name.
func (r *RiskLevel) UnmarshalText(b []byte) error {
	*r = ParseRiskLevel(string(b))
	return nil
}

func maxRisk(a, b RiskLevel) RiskLevel {
	if a > b {
		return a
	}
	return b
}

// Verdict is the outcome of validating one script.
type Verdict struct {
	Accepted bool      `json:"accepted"`
	Risk     RiskLevel `json:"risk"`
	Reason   string    `json:"reason,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
}

// Err returns nil for an accepted verdict and a *RejectedError otherwise.
func (v Verdict) Err() error {
	if v.Accepted {
		return nil
	}
	return &RejectedError{Verdict: v}
}

// RejectedError carries a rejecting verdict through error returns.
type RejectedError struct {
	Verdict Verdict
}

func (e *RejectedError) Error() string {
	return "script validation failed: " + e.Verdict.Reason
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}
