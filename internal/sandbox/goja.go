package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/jkaninda/scriptbox/internal/jsonvalue"
)

// GojaEngine runs scripts on the goja interpreter.
type GojaEngine struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

var _ Engine = (*GojaEngine)(nil)

// NewGojaEngine creates an engine with the given ceilings.
func NewGojaEngine(cfg Config, logger *slog.Logger) *GojaEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &GojaEngine{cfg: cfg, logger: logger, now: time.Now}
}

// Execute runs req.Source against req.Input in a fresh runtime.
func (e *GojaEngine) Execute(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.timeout()
	}
	logger := e.logger.With(slog.String("execution_id", req.ExecutionID))

	if err := ctx.Err(); err != nil {
		return nil, newFault(FaultTimeout, "execution cancelled")
	}
	if strings.Contains(req.Source, tickName) {
		return nil, newFault(FaultValidationRejected, "script uses reserved identifier %s", tickName)
	}

	vm := goja.New()

	defer func() {
		if r := recover(); r != nil {
			// goja surfaces some interrupts from host-side calls as panics.
			if perr, ok := r.(error); ok && terminal(perr) {
				res, err = nil, classify(perr, e.cfg, timeout)
				return
			}
			logger.ErrorContext(ctx, "sandbox panic recovered", slog.Any("panic", r))
			res, err = nil, newFault(FaultUnknown, "unexpected fault: %v", r)
		}
	}()

	stop := watch(ctx, vm, timeout)
	defer stop()

	deadline := start.Add(timeout)
	sess, err := e.prepare(ctx, vm, req, deadline, logger)
	if err != nil {
		return nil, err
	}

	for _, st := range strategies {
		out, done, runErr := st.try(sess)
		if !done {
			continue
		}
		if runErr != nil {
			fault := classify(runErr, e.cfg, timeout)
			logger.WarnContext(ctx, "script execution failed",
				slog.String("strategy", st.name),
				slog.String("kind", string(fault.Kind)),
				slog.String("error", fault.Message),
			)
			return nil, fault
		}

		var (
			output  jsonvalue.Value
			readErr error
		)
		if ex := vm.Try(func() { output, readErr = newReader(ctx, deadline, maxBridgeNodes).read(out) }); ex != nil {
			return nil, classify(ex, e.cfg, timeout)
		}
		if readErr != nil {
			fault := classify(readErr, e.cfg, timeout)
			logger.WarnContext(ctx, "reading script output failed",
				slog.String("strategy", st.name),
				slog.String("kind", string(fault.Kind)),
				slog.String("error", fault.Message),
			)
			return nil, fault
		}
		return &Result{
			Output:     output,
			Strategy:   st.name,
			Statements: sess.statements,
			Duration:   time.Since(start),
		}, nil
	}
	// tryExpression always finishes.
	return nil, newFault(FaultUnknown, "no execution strategy applied")
}

// prepare configures the runtime: ceilings first, then capability removal,
// then the safe replacements and the input. No script text has run yet.
func (e *GojaEngine) prepare(ctx context.Context, vm *goja.Runtime, req Request, deadline time.Time, logger *slog.Logger) (*session, error) {
	vm.SetMaxCallStackSize(e.cfg.maxCallDepth())

	sess := &session{
		vm:          vm,
		cfg:         e.cfg,
		code:        instrument(req.Source),
		entryPoints: e.cfg.entryPoints(),
	}

	budget := e.cfg.maxStatements()
	tick := func(call goja.FunctionCall) goja.Value {
		sess.statements += sess.code.charge(call.Argument(0).ToInteger())
		if budget > 0 && sess.statements > budget {
			vm.Interrupt(errStatementLimit)
		}
		if ctx.Err() != nil {
			vm.Interrupt(errCancelled)
		}
		return goja.Undefined()
	}

	console := &scriptConsole{logger: logger, ctx: ctx, deadline: deadline, maxLines: e.cfg.maxLogLines()}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"strip capabilities", func() error { return stripCapabilities(vm) }},
		{"install tick", func() error { return defineHidden(vm, tickName, tick) }},
		{"install console", func() error { return console.install(vm) }},
		{"install SafeDate", func() error { return installSafeDate(vm, e.now) }},
		{"bind input", func() error {
			v, err := bindInput(vm, req.Input)
			sess.input = v
			return err
		}},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return nil, newFault(FaultUnknown, "sandbox setup: %s: %v", step.name, err)
		}
	}
	return sess, nil
}

// watch interrupts vm when ctx is done or timeout elapses. The returned
// func stops the watcher.
func watch(ctx context.Context, vm *goja.Runtime, timeout time.Duration) func() {
	done := make(chan struct{})
	timer := time.NewTimer(timeout)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
			vm.Interrupt(errCancelled)
		case <-timer.C:
			vm.Interrupt(errDeadline)
		case <-done:
		}
	}()
	return func() { close(done) }
}

// IsKind reports whether err is a fault of the given kind.
func IsKind(err error, kind FaultKind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == kind
}
