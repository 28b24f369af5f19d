package sandbox

import (
	"github.com/dop251/goja"
)

// session is the per-call state shared by the strategies.
type session struct {
	vm          *goja.Runtime
	cfg         Config
	input       goja.Value
	code        instrumented
	entryPoints []string

	// Filled in as strategies run.
	exprValue  goja.Value // Non-callable value of the source as an expression.
	exprOK     bool
	completion goja.Value // Completion value of the program run.
	programOK  bool
	err        error // Most informative script error seen so far.
	statements int   // Charged by the tick hook.
}

// note records a non-terminal error. A runtime exception is preferred over a
// syntax error, since syntax errors are expected when a source does not
// match a strategy's form.
func (s *session) note(err error) {
	if s.err == nil || (isSyntaxError(s.err) && !isSyntaxError(err)) {
		s.err = err
	}
}

func (s *session) compile(name, src string) (*goja.Program, error) {
	return goja.Compile(name, src, s.cfg.Strict)
}

// strategy is one calling convention. done reports that the run is over;
// err is then the terminal error, if any.
type strategy struct {
	name string
	try  func(s *session) (out goja.Value, done bool, err error)
}

// strategies are attempted in order; the first one that finishes wins.
var strategies = []strategy{
	{name: "function-expression", try: tryFunctionExpression},
	{name: "entry-point", try: tryEntryPoint},
	{name: "expression", try: tryExpression},
}

// tryFunctionExpression evaluates the source as a parenthesized expression
// and calls it with the input when it is callable.
func tryFunctionExpression(s *session) (goja.Value, bool, error) {
	prg, err := s.compile("script.js", "("+s.code.body+"\n)")
	if err != nil {
		s.note(err)
		return nil, false, nil
	}
	v, err := s.vm.RunProgram(prg)
	if err != nil {
		if terminal(err) {
			return nil, true, err
		}
		s.note(err)
		return nil, false, nil
	}

	fn, ok := goja.AssertFunction(v)
	if !ok {
		s.exprValue, s.exprOK = v, true
		return nil, false, nil
	}
	out, err := fn(goja.Undefined(), s.input)
	if err != nil {
		if terminal(err) {
			return nil, true, err
		}
		s.note(err)
		return nil, false, nil
	}
	return out, true, nil
}

// tryEntryPoint runs the source as a program, then calls the first entry
// point it defined. A source that already evaluated to a plain value is an
// expression and declares nothing, so it is not run a second time.
func tryEntryPoint(s *session) (goja.Value, bool, error) {
	if s.exprOK {
		return nil, false, nil
	}
	prg, err := s.compile("script.js", s.code.program())
	if err != nil {
		s.note(err)
		return nil, false, nil
	}
	v, err := s.vm.RunProgram(prg)
	if err != nil {
		if terminal(err) {
			return nil, true, err
		}
		s.note(err)
		return nil, false, nil
	}
	s.completion, s.programOK = v, true

	global := s.vm.GlobalObject()
	for _, name := range s.entryPoints {
		fn, ok := goja.AssertFunction(global.Get(name))
		if !ok {
			continue
		}
		out, err := fn(goja.Undefined(), s.input)
		return out, true, err
	}
	return nil, false, nil
}

// tryExpression falls back to the value of the source itself.
func tryExpression(s *session) (goja.Value, bool, error) {
	switch {
	case s.exprOK:
		return s.exprValue, true, nil
	case s.programOK:
		return s.completion, true, nil
	case s.err != nil:
		return nil, true, s.err
	default:
		return goja.Undefined(), true, nil
	}
}
