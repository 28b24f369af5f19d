package security

import (
	"fmt"
	"regexp"

	"github.com/jkaninda/scriptbox/internal/config"
)

// Rule is one entry of the pattern table.
type Rule struct {
	Name          string `json:"name" yaml:"name"`                                         // Marker reported in verdicts.
	Pattern       string `json:"pattern,omitempty" yaml:"pattern,omitempty"`               // RE2 regexp. Empty = literal Name.
	CaseSensitive bool   `json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"` // Default: case-insensitive.
}

// Policy is the validator's configuration table.
type Policy struct {
	Forbidden         []Rule `json:"forbidden" yaml:"forbidden"`
	Suspicious        []Rule `json:"suspicious" yaml:"suspicious"`
	MaxUnboundedLoops int    `json:"max_unbounded_loops" yaml:"max_unbounded_loops"` // Default: 5
	MaxCountedLoops   int    `json:"max_counted_loops" yaml:"max_counted_loops"`     // Default: 10
	MaxLines          int    `json:"max_lines" yaml:"max_lines"`                     // Default: 1000
	MaxLoopDepth      int    `json:"max_loop_depth" yaml:"max_loop_depth"`           // Default: 5
	MaxFunctions      int    `json:"max_functions" yaml:"max_functions"`             // Default: 10
}

// notMember keeps identifier markers like "fs." from matching member names
// such as "data.fs.x".
const notMember = `(?:^|[^\w$.])`

func ident(name string) Rule {
	return Rule{Name: name + ".", Pattern: notMember + name + `\s*\.`}
}

func call(name string) Rule {
	return Rule{Name: name + "(", Pattern: `\b` + name + `\s*\(`}
}

func word(name string) Rule {
	return Rule{Name: name, Pattern: `\b` + name + `\b`}
}

// DefaultForbidden lists capability escapes and timer or eval primitives.
func DefaultForbidden() []Rule {
	return []Rule{
		{Name: "while(true)", Pattern: `\bwhile\s*\(\s*true\s*\)`},
		{Name: "for(;;)", Pattern: `\bfor\s*\(\s*;\s*;\s*\)`},
		word("setInterval"),
		word("setTimeout"),
		word("setImmediate"),
		call("eval"),
		// The Function constructor only; the function keyword stays legal.
		{Name: "Function(", Pattern: notMember + `Function\s*\(`, CaseSensitive: true},
		call("require"),
		call("import"),
		ident("process"),
		ident("global"),
		word("__dirname"),
		word("__filename"),
		ident("Buffer"),
		ident("fs"),
		ident("path"),
		ident("os"),
		ident("crypto"),
		word("child_process"),
		word("XMLHttpRequest"),
		call("fetch"),
		word("WebSocket"),
		word("localStorage"),
		word("sessionStorage"),
		word("indexedDB"),
	}
}

// DefaultSuspicious lists non-deterministic and introspective patterns.
func DefaultSuspicious() []Rule {
	return []Rule{
		{Name: "Math.random", Pattern: `\bMath\.random\b`},
		{Name: "Date.now", Pattern: `\bDate\.now\b`},
		{Name: "new Date()", Pattern: `\bnew\s+Date\s*\(`},
		{Name: "JSON.stringify", Pattern: `\bJSON\.stringify\b`},
		{Name: "JSON.parse", Pattern: `\bJSON\.parse\b`},
		{Name: "Object.keys", Pattern: `\bObject\.keys\b`},
		{Name: "Object.getOwnPropertyNames", Pattern: `\bObject\.getOwnPropertyNames\b`},
		{Name: "Reflect.", Pattern: `\bReflect\s*\.`},
		{Name: "__proto__", Pattern: `__proto__`},
		word("constructor"),
	}
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Forbidden:         DefaultForbidden(),
		Suspicious:        DefaultSuspicious(),
		MaxUnboundedLoops: 5,
		MaxCountedLoops:   10,
		MaxLines:          1000,
		MaxLoopDepth:      5,
		MaxFunctions:      10,
	}
}

// PolicyFromConfig builds a policy from config. Configured rules are appended
// to the defaults unless ReplaceDefaults is set; zero thresholds keep defaults.
func PolicyFromConfig(cfg *config.SecurityConfig) Policy {
	p := DefaultPolicy()
	if cfg == nil {
		return p
	}
	if cfg.ReplaceDefaults {
		p.Forbidden = nil
		p.Suspicious = nil
	}
	for _, r := range cfg.Forbidden {
		p.Forbidden = append(p.Forbidden, Rule{Name: r.Name, Pattern: r.Pattern, CaseSensitive: r.CaseSensitive})
	}
	for _, r := range cfg.Suspicious {
		p.Suspicious = append(p.Suspicious, Rule{Name: r.Name, Pattern: r.Pattern, CaseSensitive: r.CaseSensitive})
	}
	if cfg.MaxUnboundedLoops > 0 {
		p.MaxUnboundedLoops = cfg.MaxUnboundedLoops
	}
	if cfg.MaxCountedLoops > 0 {
		p.MaxCountedLoops = cfg.MaxCountedLoops
	}
	if cfg.MaxLines > 0 {
		p.MaxLines = cfg.MaxLines
	}
	if cfg.MaxLoopDepth > 0 {
		p.MaxLoopDepth = cfg.MaxLoopDepth
	}
	if cfg.MaxFunctions > 0 {
		p.MaxFunctions = cfg.MaxFunctions
	}
	return p
}

type compiledRule struct {
	name string
	re   *regexp.Regexp
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule with pattern %q has no name", r.Pattern)
		}
		expr := r.Pattern
		if expr == "" {
			expr = regexp.QuoteMeta(r.Name)
		}
		if !r.CaseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compiling rule %q: %w", r.Name, err)
		}
		out = append(out, compiledRule{name: r.Name, re: re})
	}
	return out, nil
}
