package sandbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// FaultKind classifies why a run did not produce output.
type FaultKind string

const (
	FaultValidationRejected    FaultKind = "validation_rejected"
	FaultScriptError           FaultKind = "script_error"
	FaultTimeout               FaultKind = "timeout"
	FaultResourceLimitExceeded FaultKind = "resource_limit_exceeded"
	FaultUnknown               FaultKind = "unknown"
)

// Fault is the only error type returned by an Engine.
type Fault struct {
	Kind    FaultKind
	Message string
}

func (f *Fault) Error() string {
	return f.Message
}

func newFault(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsFault extracts a *Fault from err. Errors that are not faults are
// reported as FaultUnknown.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Kind: FaultUnknown, Message: err.Error()}
}

// Interrupt reasons passed to Runtime.Interrupt.
var (
	errDeadline       = errors.New("deadline")
	errCancelled      = errors.New("cancelled")
	errStatementLimit = errors.New("statement limit")
	errOutputLimit    = errors.New("output limit")
)

// classify maps a goja error, or an interrupt reason raised outside the
// interpreter, to a Fault.
func classify(err error, cfg Config, timeout time.Duration) *Fault {
	reason := err
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		reason, _ = interrupted.Value().(error)
		if reason == nil {
			reason = errDeadline
		}
	}
	switch {
	case errors.Is(reason, errStatementLimit):
		return newFault(FaultResourceLimitExceeded, "statement limit exceeded (max %d)", cfg.maxStatements())
	case errors.Is(reason, errOutputLimit):
		return newFault(FaultResourceLimitExceeded, "output too large (max %d values)", maxBridgeNodes)
	case errors.Is(reason, errCancelled):
		return newFault(FaultTimeout, "execution cancelled")
	case errors.Is(reason, errDeadline):
		return newFault(FaultTimeout, "execution timed out after %s", timeout)
	}

	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return newFault(FaultResourceLimitExceeded, "maximum call depth exceeded (max %d)", cfg.maxCallDepth())
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return newFault(FaultScriptError, "script error: %s", exceptionMessage(exception))
	}

	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return newFault(FaultScriptError, "script error: %s", syntax.Error())
	}

	return newFault(FaultUnknown, "unexpected error: %v", err)
}

// terminal reports whether err ends the run regardless of the remaining strategies.
func terminal(err error) bool {
	var interrupted *goja.InterruptedError
	var overflow *goja.StackOverflowError
	return errors.As(err, &interrupted) || errors.As(err, &overflow)
}

func isSyntaxError(err error) bool {
	var syntax *goja.CompilerSyntaxError
	return errors.As(err, &syntax)
}

func exceptionMessage(ex *goja.Exception) string {
	if v := ex.Value(); v != nil {
		return v.String()
	}
	return ex.Error()
}
