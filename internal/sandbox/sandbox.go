// Package sandbox runs untrusted scripts in a capability-stripped,
// resource-bounded interpreter. Each call gets its own interpreter instance,
// which is discarded afterwards.
package sandbox

import (
	"context"
	"time"

	"github.com/jkaninda/scriptbox/internal/config"
	"github.com/jkaninda/scriptbox/internal/jsonvalue"
)

// Engine executes one script against one input value.
// Errors returned by Execute are always *Fault.
type Engine interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Request defines what to run.
type Request struct {
	Source      string
	Input       jsonvalue.Value
	ExecutionID string        // Attached to script log lines.
	Timeout     time.Duration // Overrides the engine default. Zero = use default.
}

// Result is a successful run.
type Result struct {
	Output     jsonvalue.Value
	Strategy   string // Which calling convention produced the output.
	Statements int    // Statements charged against the budget.
	Duration   time.Duration
}

// Default ceilings.
const (
	DefaultTimeout       = 5 * time.Minute
	DefaultMaxStatements = 10000
	DefaultMaxCallDepth  = 50
	DefaultMaxLogLines   = 100
)

// DefaultEntryPoints are probed, in order, after running a script as a program.
var DefaultEntryPoints = []string{"process", "execute", "run", "main", "processData"}

// Config holds the engine ceilings. Zero values select the defaults;
// a negative MaxStatements disables the statement budget.
type Config struct {
	Timeout       time.Duration
	MaxStatements int
	MaxCallDepth  int
	MaxLogLines   int
	EntryPoints   []string
	Strict        bool // Compile scripts in strict mode.
}

// ConfigFrom maps the sandbox section of the service configuration.
func ConfigFrom(c config.SandboxConfig) Config {
	return Config{
		Timeout:       c.Timeout(),
		MaxStatements: c.MaxStatements,
		MaxCallDepth:  c.MaxCallDepth,
		MaxLogLines:   c.MaxLogLines,
		EntryPoints:   c.EntryPoints,
	}
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c Config) maxStatements() int {
	if c.MaxStatements != 0 {
		return c.MaxStatements
	}
	return DefaultMaxStatements
}

func (c Config) maxCallDepth() int {
	if c.MaxCallDepth > 0 {
		return c.MaxCallDepth
	}
	return DefaultMaxCallDepth
}

func (c Config) maxLogLines() int {
	if c.MaxLogLines > 0 {
		return c.MaxLogLines
	}
	return DefaultMaxLogLines
}

func (c Config) entryPoints() []string {
	if len(c.EntryPoints) > 0 {
		return c.EntryPoints
	}
	return DefaultEntryPoints
}
