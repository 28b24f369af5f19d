package security

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/scriptbox/internal/config"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(DefaultPolicy())
	require.NoError(t, err)
	return v
}

// --- Accepted scripts ---

func TestValidate_AcceptsPlainTransform(t *testing.T) {
	v := newTestValidator(t)
	for _, src := range []string{
		"function process(data){return data.length;}",
		"function run(d) { return d.map(function(x) { return x * 2; }); }",
		"data.items.filter(x => x.path.length > 0)",
		"var total = 0; for (var i = 0; i < data.length; i++) { total += data[i]; } total",
	} {
		verdict := v.Validate(src)
		assert.Truef(t, verdict.Accepted, "Validate(%q) rejected: %s", src, verdict.Reason)
		assert.Equal(t, RiskLow, verdict.Risk)
		assert.Empty(t, verdict.Warnings)
	}
}

func TestValidate_EmptyRejected(t *testing.T) {
	v := newTestValidator(t)
	for _, src := range []string{"", "   ", "\n\t\n"} {
		verdict := v.Validate(src)
		assert.False(t, verdict.Accepted)
		assert.Equal(t, RiskHigh, verdict.Risk)
		assert.Equal(t, "empty", verdict.Reason)
	}
}

// --- Forbidden patterns ---

func TestValidate_ForbiddenMarkers(t *testing.T) {
	v := newTestValidator(t)
	cases := []struct {
		src    string
		marker string
	}{
		{"const fs = require('fs');", "require("},
		{"return fs.readFileSync('/etc/passwd')", "fs."},
		{"eval('1+1')", "eval("},
		{"EVAL ('1+1')", "eval("},
		{"var f = new Function('return 1')", "Function("},
		{"setTimeout(function(){}, 10)", "setTimeout"},
		{"while(true){}", "while(true)"},
		{"for(;;){}", "for(;;)"},
		{"process.exit(1)", "process."},
		{"fetch('http://example.com')", "fetch("},
		{"import('x')", "import("},
		{"return __dirname", "__dirname"},
		{"Buffer.from('x')", "Buffer."},
		{"new XMLHttpRequest()", "XMLHttpRequest"},
	}
	for _, tc := range cases {
		verdict := v.Validate(tc.src)
		assert.Falsef(t, verdict.Accepted, "Validate(%q) accepted", tc.src)
		assert.Equalf(t, RiskCritical, verdict.Risk, "Validate(%q) risk", tc.src)
		assert.Equalf(t, "forbidden pattern detected: "+tc.marker, verdict.Reason, "Validate(%q) reason", tc.src)
	}
}

func TestValidate_FunctionConstructorIsCaseSensitive(t *testing.T) {
	v := newTestValidator(t)
	assert.True(t, v.Validate("function(d) { return d; }").Accepted)
	assert.True(t, v.Validate("var f = function (x) { return x; };").Accepted)

	verdict := v.Validate("var f = Function ('return 1')")
	assert.False(t, verdict.Accepted)
	assert.Equal(t, "forbidden pattern detected: Function(", verdict.Reason)
}

func TestValidate_ForbiddenFirstByPosition(t *testing.T) {
	v := newTestValidator(t)
	verdict := v.Validate("var a = process.env; eval('x');")
	assert.Equal(t, "forbidden pattern detected: process.", verdict.Reason)

	verdict = v.Validate("eval('x'); var a = process.env;")
	assert.Equal(t, "forbidden pattern detected: eval(", verdict.Reason)
}

func TestValidate_MemberNamesAreNotMarkers(t *testing.T) {
	v := newTestValidator(t)
	verdict := v.Validate("function process(data) { return data.fs.path.os.length; }")
	assert.True(t, verdict.Accepted, verdict.Reason)
}

// --- Suspicious patterns ---

func TestValidate_SuspiciousRaisesRisk(t *testing.T) {
	v := newTestValidator(t)
	verdict := v.Validate("function run(d){ return JSON.stringify(d) + Math.random(); }")
	require.True(t, verdict.Accepted)
	assert.Equal(t, RiskMedium, verdict.Risk)
	assert.Equal(t, []string{
		"suspicious pattern detected: Math.random",
		"suspicious pattern detected: JSON.stringify",
	}, verdict.Warnings)
}

func TestValidate_SafeDateIsNotSuspicious(t *testing.T) {
	v := newTestValidator(t)
	verdict := v.Validate("function run(d){ return SafeDate.now(); }")
	assert.Empty(t, verdict.Warnings)
}

// --- Loop heuristics ---

func TestValidate_TooManyWhileLoops(t *testing.T) {
	v := newTestValidator(t)
	src := strings.Repeat("while (i < 1) { i++; }\n", 6)
	verdict := v.Validate(src)
	assert.False(t, verdict.Accepted)
	assert.Equal(t, RiskHigh, verdict.Risk)
	assert.Equal(t, "potential infinite loop detected", verdict.Reason)
}

func TestValidate_TooManyForLoops(t *testing.T) {
	v := newTestValidator(t)
	ok := strings.Repeat("for (var i = 0; i < 1; i++) { }\n", 10)
	assert.True(t, v.Validate(ok).Accepted)

	bad := strings.Repeat("for (var i = 0; i < 1; i++) { }\n", 11)
	verdict := v.Validate(bad)
	assert.False(t, verdict.Accepted)
	assert.Equal(t, "potential infinite loop detected", verdict.Reason)
}

func TestValidate_RejectionKeepsWarnings(t *testing.T) {
	v := newTestValidator(t)
	src := "Math.random();\n" + strings.Repeat("while (x) { x--; }\n", 6)
	verdict := v.Validate(src)
	assert.False(t, verdict.Accepted)
	assert.Equal(t, RiskHigh, verdict.Risk)
	assert.Len(t, verdict.Warnings, 1)
}

// --- Complexity ---

func nested(depth int) string {
	var b strings.Builder
	for i := 0; i < depth; i++ {
		fmt.Fprintf(&b, "for (var i%d = 0; i%d < 2; i%d++) {\n", i, i, i)
	}
	b.WriteString("x++;\n")
	for i := 0; i < depth; i++ {
		b.WriteString("}\n")
	}
	return b.String()
}

func TestNestingDepth(t *testing.T) {
	assert.Equal(t, 0, NestingDepth("x + 1"))
	assert.Equal(t, 1, NestingDepth("for (;x;) { y(); }"))
	assert.Equal(t, 3, NestingDepth(nested(3)))
	// Sequential loops do not stack.
	assert.Equal(t, 1, NestingDepth("for (a;b;c) x++; for (a;b;c) { y++; }"))
	// Braceless nested loops still count.
	assert.Equal(t, 2, NestingDepth("for (a;b;c) while (d) x++;"))
	// Plain blocks count like loops.
	assert.Equal(t, 2, NestingDepth("function f() { if (x) { y(); } }"))
}

func TestCheckComplexity_NestedLoops(t *testing.T) {
	v := newTestValidator(t)
	assert.True(t, v.CheckComplexity(nested(5)).Accepted)

	verdict := v.CheckComplexity(nested(6))
	assert.False(t, verdict.Accepted)
	assert.Equal(t, RiskHigh, verdict.Risk)
	assert.Contains(t, verdict.Reason, "too many nested loops")
}

func TestCheckComplexity_TooLong(t *testing.T) {
	v := newTestValidator(t)
	assert.True(t, v.CheckComplexity(strings.Repeat("x++;\n", 999)).Accepted)

	verdict := v.CheckComplexity(strings.Repeat("x++;\n", 1000))
	assert.False(t, verdict.Accepted)
	assert.Equal(t, "script too long (max 1000 lines)", verdict.Reason)
}

func TestCheckComplexity_TooManyFunctions(t *testing.T) {
	v := newTestValidator(t)
	var b strings.Builder
	for i := 0; i < 11; i++ {
		fmt.Fprintf(&b, "function f%d(a) { return a; }\n", i)
	}
	verdict := v.Validate(b.String())
	assert.False(t, verdict.Accepted)
	assert.Equal(t, RiskMedium, verdict.Risk)
	assert.Equal(t, "too many functions (max 10)", verdict.Reason)
}

// --- Policy ---

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(&config.SecurityConfig{
		Forbidden:    []config.PatternRule{{Name: "lodash"}},
		MaxLoopDepth: 2,
	})
	v, err := NewValidator(p)
	require.NoError(t, err)

	verdict := v.Validate("return LODASH.map(data)")
	assert.Equal(t, "forbidden pattern detected: lodash", verdict.Reason)
	assert.False(t, v.CheckComplexity(nested(3)).Accepted)
	// Defaults stay in place.
	assert.False(t, v.Validate("eval(1)").Accepted)
}

func TestPolicyFromConfig_ReplaceDefaults(t *testing.T) {
	p := PolicyFromConfig(&config.SecurityConfig{ReplaceDefaults: true})
	v := MustNewValidator(p)
	assert.True(t, v.Validate("function run(){ return eval; }").Accepted)
}

func TestNewValidator_BadPattern(t *testing.T) {
	_, err := NewValidator(Policy{Forbidden: []Rule{{Name: "bad", Pattern: "("}}})
	assert.Error(t, err)
}

// --- RejectedError ---

func TestVerdictErr(t *testing.T) {
	assert.NoError(t, Verdict{Accepted: true}.Err())

	err := Verdict{Risk: RiskCritical, Reason: "forbidden pattern detected: fs."}.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, "script validation failed: forbidden pattern detected: fs.", err.Error())

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, RiskCritical, rejected.Verdict.Risk)
}

func TestParseRiskLevel(t *testing.T) {
	assert.Equal(t, RiskLow, ParseRiskLevel("low"))
	assert.Equal(t, RiskMedium, ParseRiskLevel("Medium"))
	assert.Equal(t, RiskHigh, ParseRiskLevel("high"))
	assert.Equal(t, RiskCritical, ParseRiskLevel("bogus"))
	assert.True(t, RiskLow < RiskMedium && RiskMedium < RiskHigh && RiskHigh < RiskCritical)
}
