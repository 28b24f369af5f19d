package security

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	unboundedLoopRe = regexp.MustCompile(`(?i)\bwhile\s*\(`)
	countedLoopRe   = regexp.MustCompile(`(?i)\bfor\s*\(`)
	namedFuncRe     = regexp.MustCompile(`(?i)\bfunction\s+[\w$]+\s*\(`)
	depthTokenRe    = regexp.MustCompile(`(?i)\b(?:for|while)\s*\(|[{}();]`)
)

// Validator checks script source against a Policy. It is safe for concurrent use.
type Validator struct {
	policy     Policy
	forbidden  []compiledRule
	suspicious []compiledRule
}

// NewValidator compiles the policy's rule table.
func NewValidator(p Policy) (*Validator, error) {
	forbidden, err := compileRules(p.Forbidden)
	if err != nil {
		return nil, fmt.Errorf("forbidden rules: %w", err)
	}
	suspicious, err := compileRules(p.Suspicious)
	if err != nil {
		return nil, fmt.Errorf("suspicious rules: %w", err)
	}
	return &Validator{policy: p, forbidden: forbidden, suspicious: suspicious}, nil
}

// MustNewValidator is NewValidator for policies known to compile.
func MustNewValidator(p Policy) *Validator {
	v, err := NewValidator(p)
	if err != nil {
		panic(err)
	}
	return v
}

// Policy returns the policy the validator was built from.
func (v *Validator) Policy() Policy {
	return v.policy
}

// Validate runs every static check over source. Rejection is reported in the
// verdict, never as an error.
func (v *Validator) Validate(source string) Verdict {
	if strings.TrimSpace(source) == "" {
		return Verdict{Risk: RiskHigh, Reason: "empty"}
	}

	if name, ok := firstMatch(v.forbidden, source); ok {
		return Verdict{
			Risk:   RiskCritical,
			Reason: "forbidden pattern detected: " + name,
		}
	}

	verdict := Verdict{Accepted: true, Risk: RiskLow}
	for _, r := range v.suspicious {
		if r.re.MatchString(source) {
			verdict.Warnings = append(verdict.Warnings, "suspicious pattern detected: "+r.name)
			verdict.Risk = maxRisk(verdict.Risk, RiskMedium)
		}
	}

	unbounded := len(unboundedLoopRe.FindAllStringIndex(source, -1))
	counted := len(countedLoopRe.FindAllStringIndex(source, -1))
	if unbounded > v.policy.MaxUnboundedLoops || counted > v.policy.MaxCountedLoops {
		return reject(verdict, RiskHigh, "potential infinite loop detected")
	}

	complexity := v.CheckComplexity(source)
	if !complexity.Accepted {
		return reject(verdict, complexity.Risk, complexity.Reason)
	}
	return verdict
}

// CheckComplexity applies only the size, nesting and function-count gates.
func (v *Validator) CheckComplexity(source string) Verdict {
	if lines := strings.Count(source, "\n") + 1; lines > v.policy.MaxLines {
		return Verdict{Risk: RiskHigh, Reason: fmt.Sprintf("script too long (max %d lines)", v.policy.MaxLines)}
	}
	if depth := NestingDepth(source); depth > v.policy.MaxLoopDepth {
		return Verdict{Risk: RiskHigh, Reason: fmt.Sprintf("too many nested loops (depth %d, max %d)", depth, v.policy.MaxLoopDepth)}
	}
	if n := len(namedFuncRe.FindAllStringIndex(source, -1)); n > v.policy.MaxFunctions {
		return Verdict{Risk: RiskMedium, Reason: fmt.Sprintf("too many functions (max %d)", v.policy.MaxFunctions)}
	}
	return Verdict{Accepted: true, Risk: RiskLow}
}

// NestingDepth returns the maximum loop/block nesting of source.
//
// A loop keyword raises the depth and claims the next '{' as its body; any
// other '{' also raises it and '}' lowers it. Block nesting therefore counts
// the same as loop nesting, and braces inside strings or comments are not
// skipped.
func NestingDepth(source string) int {
	var (
		stack   int
		pending int // loop headers seen whose body brace has not opened yet
		parens  int
		deepest int
	)
	for _, loc := range depthTokenRe.FindAllStringIndex(source, -1) {
		tok := source[loc[0]:loc[1]]
		switch tok {
		case "{":
			stack++
			pending = 0
			if stack > deepest {
				deepest = stack
			}
		case "}":
			if stack > 0 {
				stack--
			}
			pending = 0
		case "(":
			parens++
		case ")":
			if parens > 0 {
				parens--
			}
		case ";":
			// Semicolons inside a for header do not end a braceless body.
			if parens == 0 {
				pending = 0
			}
		default:
			// Loop header; the match includes its opening paren.
			parens++
			pending++
			if stack+pending > deepest {
				deepest = stack + pending
			}
		}
	}
	return deepest
}

// firstMatch reports the rule whose earliest match starts first in source.
func firstMatch(rules []compiledRule, source string) (string, bool) {
	best := -1
	name := ""
	for _, r := range rules {
		loc := r.re.FindStringIndex(source)
		if loc == nil {
			continue
		}
		if best == -1 || loc[0] < best {
			best = loc[0]
			name = r.name
		}
	}
	return name, best >= 0
}

func reject(acc Verdict, risk RiskLevel, reason string) Verdict {
	return Verdict{
		Accepted: false,
		Risk:     maxRisk(acc.Risk, risk),
		Reason:   reason,
		Warnings: acc.Warnings,
	}
}
