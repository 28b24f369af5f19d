package sandbox

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/dop251/goja"

	"github.com/jkaninda/scriptbox/internal/jsonvalue"
)

// strippedGlobals are removed before any script text runs. Most are absent
// from a bare goja runtime already; deleting them anyway keeps the list
// authoritative if the runtime ever grows them.
var strippedGlobals = []string{
	"require", "import", "eval", "Function",
	"setTimeout", "setInterval", "setImmediate", "clearTimeout", "clearInterval", "clearImmediate",
	"XMLHttpRequest", "fetch", "WebSocket", "EventSource",
	"localStorage", "sessionStorage", "indexedDB",
	"navigator", "location", "history", "document", "window",
	"global", "process", "Buffer", "console",
}

// lockConstructors replaces the constructor reachable from every function
// prototype, which would otherwise recover the Function constructor after
// the global is gone.
const lockConstructors = `(function () {
	var deny = function () { throw new TypeError('dynamic code evaluation is disabled'); };
	var lock = function (proto) {
		try {
			Object.defineProperty(proto, 'constructor', { value: deny, writable: false, configurable: false });
		} catch (e) {}
	};
	lock(Function.prototype);
	[
		'return Object.getPrototypeOf(function* () {});',
		'return Object.getPrototypeOf(async function () {});',
		'return Object.getPrototypeOf(async function* () {});'
	].forEach(function (src) {
		try { lock(Function(src)()); } catch (e) {}
	});
})();`

const freezeSafeDate = `Object.freeze(SafeDate);`

// maxLogLineLength truncates each forwarded console line.
const maxLogLineLength = 1000

// stripCapabilities removes every global that grants I/O, timers or
// dynamic code evaluation.
func stripCapabilities(vm *goja.Runtime) error {
	if _, err := vm.RunString(lockConstructors); err != nil {
		return err
	}
	global := vm.GlobalObject()
	for _, name := range strippedGlobals {
		if err := global.Delete(name); err != nil {
			return err
		}
	}
	return nil
}

// defineHidden binds a non-writable, non-configurable, non-enumerable global.
func defineHidden(vm *goja.Runtime, name string, v any) error {
	return vm.GlobalObject().DefineDataProperty(name, vm.ToValue(v), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
}

// scriptConsole forwards console calls to the host logger.
type scriptConsole struct {
	logger   *slog.Logger
	ctx      context.Context
	deadline time.Time
	maxLines int
	lines    atomic.Int64
}

// valueTooLarge replaces a console argument that could not be read in full.
const valueTooLarge = "[value too large]"

func (c *scriptConsole) install(vm *goja.Runtime) error {
	console := vm.NewObject()
	levels := map[string]slog.Level{
		"log":   slog.LevelInfo,
		"info":  slog.LevelInfo,
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, level := range levels {
		level := level
		if err := console.Set(name, func(call goja.FunctionCall) goja.Value {
			c.write(level, call.Arguments)
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	if err := defineHidden(vm, "console", console); err != nil {
		return err
	}
	_, err := vm.RunString(`Object.freeze(console);`)
	return err
}

func (c *scriptConsole) write(level slog.Level, args []goja.Value) {
	n := c.lines.Add(1)
	if int(n) > c.maxLines {
		if int(n) == c.maxLines+1 {
			c.logger.WarnContext(c.ctx, "script log limit reached, dropping further lines",
				slog.Int("max_lines", c.maxLines))
		}
		return
	}

	parts := make([]string, 0, len(args))
	for _, a := range args {
		if obj, ok := a.(*goja.Object); ok && (obj.ClassName() == "Object" || obj.ClassName() == "Array") {
			v, err := newReader(c.ctx, c.deadline, maxLogNodes).read(a)
			if err != nil {
				parts = append(parts, valueTooLarge)
				continue
			}
			parts = append(parts, v.String())
			continue
		}
		parts = append(parts, a.String())
	}
	line := strings.Join(parts, " ")
	if len(line) > maxLogLineLength {
		cut := maxLogLineLength
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		line = line[:cut] + "…"
	}
	c.logger.Log(c.ctx, level, "script log", slog.String("message", line))
}

// installSafeDate binds SafeDate, a frozen clock exposing only epoch
// milliseconds and UTC ISO-8601 formatting.
func installSafeDate(vm *goja.Runtime, now func() time.Time) error {
	safeDate := vm.NewObject()
	if err := safeDate.Set("now", func() int64 {
		return now().UnixMilli()
	}); err != nil {
		return err
	}
	if err := safeDate.Set("toISOString", func(call goja.FunctionCall) goja.Value {
		t := now()
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			t = time.UnixMilli(arg.ToInteger())
		}
		return vm.ToValue(t.UTC().Format("2006-01-02T15:04:05.000Z"))
	}); err != nil {
		return err
	}
	if err := defineHidden(vm, "SafeDate", safeDate); err != nil {
		return err
	}
	_, err := vm.RunString(freezeSafeDate)
	return err
}

// bindInput exposes the input as the global data.
func bindInput(vm *goja.Runtime, input jsonvalue.Value) (goja.Value, error) {
	v := toScript(vm, input)
	return v, vm.Set("data", v)
}
