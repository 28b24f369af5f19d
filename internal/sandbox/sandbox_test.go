package sandbox

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/scriptbox/internal/jsonvalue"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func run(t *testing.T, cfg Config, src string, input jsonvalue.Value) (*Result, error) {
	t.Helper()
	return NewGojaEngine(cfg, quietLogger()).Execute(context.Background(), Request{
		Source:      src,
		Input:       input,
		ExecutionID: "exec-test",
	})
}

func requireFault(t *testing.T, err error, kind FaultKind) *Fault {
	t.Helper()
	require.Error(t, err)
	var f *Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, kind, f.Kind, f.Message)
	return f
}

// --- Strategies ---

func TestExecute_NamedFunction(t *testing.T) {
	res, err := run(t, Config{}, "function process(data){return data.length;}", jsonvalue.MustParse(`[1,2,3,4,5]`))
	require.NoError(t, err)
	assert.Equal(t, "function-expression", res.Strategy)
	assert.True(t, jsonvalue.Equal(jsonvalue.Int(5), res.Output), res.Output.String())
}

func TestExecute_AnonymousFunction(t *testing.T) {
	res, err := run(t, Config{}, "function(d) { return d.map(function(x) { return x * 2; }); }", jsonvalue.MustParse(`[1,2,3]`))
	require.NoError(t, err)
	assert.Equal(t, `[2,4,6]`, res.Output.String())
}

func TestExecute_ArrowFunction(t *testing.T) {
	res, err := run(t, Config{}, "d => ({ total: d.a + d.b })", jsonvalue.MustParse(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, `{"total":3}`, res.Output.String())
}

func TestExecute_EntryPoint(t *testing.T) {
	src := `
function helper(x) { return x * 10; }
function run(d) { return d.map(helper); }
`
	res, err := run(t, Config{}, src, jsonvalue.MustParse(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, "entry-point", res.Strategy)
	assert.Equal(t, `[10,20]`, res.Output.String())
}

func TestExecute_CustomEntryPoint(t *testing.T) {
	src := "var factor = 3;\nfunction transform(d) { return d * factor; }"
	res, err := run(t, Config{EntryPoints: []string{"transform"}}, src, jsonvalue.Int(4))
	require.NoError(t, err)
	assert.Equal(t, `12`, res.Output.String())
}

func TestExecute_Expression(t *testing.T) {
	res, err := run(t, Config{}, "data.length", jsonvalue.MustParse(`[1,2,3]`))
	require.NoError(t, err)
	assert.Equal(t, "expression", res.Strategy)
	assert.Equal(t, `3`, res.Output.String())
}

func TestExecute_ProgramCompletionValue(t *testing.T) {
	src := "var total = 0; for (var i = 0; i < data.length; i++) { total += data[i]; } total"
	res, err := run(t, Config{}, src, jsonvalue.MustParse(`[1,2,3]`))
	require.NoError(t, err)
	assert.Equal(t, "expression", res.Strategy)
	assert.Equal(t, `6`, res.Output.String())
}

func TestExecute_ThrownError(t *testing.T) {
	_, err := run(t, Config{}, "function(d) { throw new Error('boom'); }", jsonvalue.Null())
	f := requireFault(t, err, FaultScriptError)
	assert.Contains(t, f.Message, "boom")
}

func TestExecute_SyntaxError(t *testing.T) {
	_, err := run(t, Config{}, "function (", jsonvalue.Null())
	requireFault(t, err, FaultScriptError)
}

// --- Capabilities ---

func TestExecute_StrippedGlobals(t *testing.T) {
	src := `function() {
	return [typeof require, typeof eval, typeof Function, typeof process,
		typeof setTimeout, typeof fetch, typeof XMLHttpRequest, typeof Buffer];
}`
	res, err := run(t, Config{}, src, jsonvalue.Null())
	require.NoError(t, err)
	for _, item := range res.Output.Items() {
		assert.Equal(t, "undefined", item.AsString())
	}
}

func TestExecute_DynamicCodeFails(t *testing.T) {
	for _, src := range []string{
		"require('fs')",
		"function(d) { return eval('1 + 1'); }",
		"function(d) { return (function(){}).constructor('return 1')(); }",
		"function(d) { return Object.getPrototypeOf(function(){}).constructor('return this')(); }",
		"function(d) { return new Function('return 1')(); }",
	} {
		_, err := run(t, Config{}, src, jsonvalue.Null())
		requireFault(t, err, FaultScriptError)
	}
}

func TestExecute_ReservedIdentifier(t *testing.T) {
	_, err := run(t, Config{}, "function(d) { var __sbx_tick = function(){}; return 1; }", jsonvalue.Null())
	requireFault(t, err, FaultValidationRejected)
}

func TestExecute_SafeDate(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 890_000_000, time.UTC)
	e := NewGojaEngine(Config{}, quietLogger())
	e.now = func() time.Time { return fixed }

	src := `function() {
	SafeDate.now = function() { return 1; };
	return [SafeDate.now(), SafeDate.toISOString(), SafeDate.toISOString(0)];
}`
	res, err := e.Execute(context.Background(), Request{Source: src})
	require.NoError(t, err)
	items := res.Output.Items()
	require.Len(t, items, 3)
	assert.Equal(t, fixed.UnixMilli(), items[0].AsInt())
	assert.Equal(t, "2026-03-04T05:06:07.890Z", items[1].AsString())
	assert.Equal(t, "1970-01-01T00:00:00.000Z", items[2].AsString())
}

func TestExecute_ConsoleForwarded(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := NewGojaEngine(Config{MaxLogLines: 2}, logger)

	src := `function(d) {
	for (var i = 0; i < 5; i++) { console.log('line', i, {k: i}); }
	return true;
}`
	_, err := e.Execute(context.Background(), Request{Source: src, ExecutionID: "exec-42"})
	require.NoError(t, err)

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, `"msg":"script log",`))
	assert.Contains(t, out, `line 0 {\"k\":0}`)
	assert.Contains(t, out, `"execution_id":"exec-42"`)
	assert.Equal(t, 1, strings.Count(out, "script log limit reached"))
}

// --- Ceilings ---

func TestExecute_InfiniteLoopTimesOut(t *testing.T) {
	start := time.Now()
	_, err := run(t, Config{Timeout: 200 * time.Millisecond, MaxStatements: -1}, "while(true){}", jsonvalue.Null())
	f := requireFault(t, err, FaultTimeout)
	assert.Contains(t, f.Message, "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecute_RequestTimeoutOverrides(t *testing.T) {
	e := NewGojaEngine(Config{Timeout: time.Hour, MaxStatements: -1}, quietLogger())
	_, err := e.Execute(context.Background(), Request{Source: "for(;;){}", Timeout: 100 * time.Millisecond})
	requireFault(t, err, FaultTimeout)
}

func TestExecute_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	e := NewGojaEngine(Config{Timeout: time.Minute, MaxStatements: -1}, quietLogger())
	_, err := e.Execute(ctx, Request{Source: "function(){ while(true){} }"})
	f := requireFault(t, err, FaultTimeout)
	assert.Equal(t, "execution cancelled", f.Message)
}

func TestExecute_StatementLimit(t *testing.T) {
	src := "function(d) { var s = 0; for (var i = 0; i < 100000; i++) { s += i; } return s; }"
	_, err := run(t, Config{}, src, jsonvalue.Null())
	f := requireFault(t, err, FaultResourceLimitExceeded)
	assert.Contains(t, f.Message, "statement limit")

	small := "function(d) { var s = 0; for (var i = 0; i < 100; i++) { s += i; } return s; }"
	res, err := run(t, Config{}, small, jsonvalue.Null())
	require.NoError(t, err)
	assert.Equal(t, `4950`, res.Output.String())
	assert.Greater(t, res.Statements, 100)
}

func TestExecute_ForgedTickStillLimited(t *testing.T) {
	src := `function process(d) {
	globalThis['__sbx' + '_tick'](-1e9);
	var s = 0;
	for (var i = 0; i < 200000; i++) { s += i; }
	return s;
}`
	_, err := run(t, Config{Timeout: 10 * time.Second}, src, jsonvalue.Null())
	f := requireFault(t, err, FaultResourceLimitExceeded)
	assert.Contains(t, f.Message, "statement limit")
}

func TestExecute_RecursionLimit(t *testing.T) {
	src := "function run(d) { function f(n) { return f(n + 1); } return f(0); }"
	_, err := run(t, Config{MaxStatements: -1}, src, jsonvalue.Null())
	f := requireFault(t, err, FaultResourceLimitExceeded)
	assert.Contains(t, f.Message, "call depth")

	shallow := "function run(d) { function f(n) { return n === 0 ? 0 : 1 + f(n - 1); } return f(20); }"
	res, err := run(t, Config{}, shallow, jsonvalue.Null())
	require.NoError(t, err)
	assert.Equal(t, `20`, res.Output.String())
}

// --- Value bridge ---

func TestBridge_RoundTrip(t *testing.T) {
	in := jsonvalue.MustParse(`{
		"name": "x",
		"ratio": 2.5,
		"count": 3,
		"flag": true,
		"none": null,
		"nested": {"deep": {"deeper": [1, {"k": [false, "s", 1.25]}]}}
	}`)
	res, err := run(t, Config{}, "function(d) { return d; }", in)
	require.NoError(t, err)
	assert.True(t, jsonvalue.Equal(in, res.Output), res.Output.String())
	assert.Equal(t, in.Keys(), res.Output.Keys())

	ratio, _ := res.Output.Get("ratio")
	assert.Equal(t, jsonvalue.KindFloat, ratio.Kind())
}

func TestBridge_LenientOutput(t *testing.T) {
	src := `function() {
	return {
		u: undefined,
		arr: [undefined, 2],
		nan: NaN,
		inf: -Infinity,
		date: new Date(0),
		fn: function named() { return 1; },
		re: /ab+c/
	};
}`
	res, err := run(t, Config{}, src, jsonvalue.Null())
	require.NoError(t, err)
	out := res.Output

	_, hasU := out.Get("u")
	assert.False(t, hasU, "undefined members are dropped")
	arr, _ := out.Get("arr")
	assert.Equal(t, `[null,2]`, arr.String())
	nan, _ := out.Get("nan")
	assert.Equal(t, "NaN", nan.AsString())
	inf, _ := out.Get("inf")
	assert.Equal(t, "-Infinity", inf.AsString())
	date, _ := out.Get("date")
	assert.Equal(t, "1970-01-01T00:00:00Z", date.AsString())
	fn, _ := out.Get("fn")
	assert.Equal(t, jsonvalue.KindString, fn.Kind())
	assert.Contains(t, fn.AsString(), "named")
	re, _ := out.Get("re")
	assert.Equal(t, "/ab+c/", re.AsString())
}

func TestBridge_DepthLimit(t *testing.T) {
	src := `function() {
	var root = {}, cur = root;
	for (var i = 0; i < 80; i++) { cur.x = {}; cur = cur.x; }
	return root;
}`
	res, err := run(t, Config{}, src, jsonvalue.Null())
	require.NoError(t, err)

	cur := res.Output
	for cur.Kind() == jsonvalue.KindObject {
		next, ok := cur.Get("x")
		require.True(t, ok)
		cur = next
	}
	assert.Equal(t, depthExceeded, cur.AsString())
}

func TestBridge_CircularOutput(t *testing.T) {
	start := time.Now()
	src := "function process(d) { var o = {}; o.a = o; o.b = o; o.list = [o]; return o; }"
	res, err := run(t, Config{Timeout: 2 * time.Second}, src, jsonvalue.Null())
	require.NoError(t, err)
	assert.Equal(t, `{"a":"[circular]","b":"[circular]","list":["[circular]"]}`, res.Output.String())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBridge_SharedReferencesAreNotCycles(t *testing.T) {
	res, err := run(t, Config{}, "function() { var x = {v: 1}; return {a: x, b: x}; }", jsonvalue.Null())
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"v":1},"b":{"v":1}}`, res.Output.String())
}

func TestBridge_ExpandingOutputIsLimited(t *testing.T) {
	start := time.Now()
	src := `function process(d) {
	var x = {};
	for (var i = 0; i < 40; i++) { x = {a: x, b: x}; }
	return x;
}`
	_, err := run(t, Config{Timeout: 5 * time.Second}, src, jsonvalue.Null())
	f := requireFault(t, err, FaultResourceLimitExceeded)
	assert.Contains(t, f.Message, "output too large")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestBridge_ConsoleArgumentsAreBounded(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := NewGojaEngine(Config{Timeout: 5 * time.Second}, logger)

	src := `function(d) {
	var o = {}; o.self = o;
	console.log('cycle', o);
	var x = {};
	for (var i = 0; i < 40; i++) { x = {a: x, b: x}; }
	console.log('wide', x);
	return true;
}`
	start := time.Now()
	_, err := e.Execute(context.Background(), Request{Source: src})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	out := buf.String()
	assert.Contains(t, out, circularRef)
	assert.Contains(t, out, "wide "+valueTooLarge)
}

func TestBridge_ProtoKeyRoundTrip(t *testing.T) {
	in := jsonvalue.MustParse(`{"__proto__":{"a":1},"b":{"c":{"d":[1,2]}}}`)
	res, err := run(t, Config{}, "function process(d) { return d; }", in)
	require.NoError(t, err)
	assert.Equal(t, []string{"__proto__", "b"}, res.Output.Keys())
	assert.True(t, jsonvalue.Equal(in, res.Output), res.Output.String())

	// The member is data, not the prototype.
	res, err = run(t, Config{}, "function process(d) { return [Object.getPrototypeOf(d) === Object.prototype, d.__proto__.a]; }", in)
	require.NoError(t, err)
	assert.Equal(t, `[true,1]`, res.Output.String())
}

func TestBridge_IntegralFloatReadsBackAsInt(t *testing.T) {
	res, err := run(t, Config{}, "function process(d) { return d; }", jsonvalue.Float(2))
	require.NoError(t, err)
	assert.Equal(t, jsonvalue.KindInt, res.Output.Kind())
	assert.True(t, jsonvalue.Equal(jsonvalue.Float(2), res.Output))
}

func TestBridge_UndefinedResultIsNull(t *testing.T) {
	res, err := run(t, Config{}, "function(d) { }", jsonvalue.Null())
	require.NoError(t, err)
	assert.True(t, res.Output.IsNull())
}

// --- Instrumentation ---

func TestInstrument(t *testing.T) {
	in := instrument("function f(a) { if (a) { return 1; } return 2; }")
	assert.Equal(t,
		"function f(a) {__sbx_tick(1); if (a) {__sbx_tick(2); return 1; } return 2; }",
		in.body)
	assert.Equal(t, []int{1, 2, 1}, in.charges)

	anon := instrument("function (d) { return d; }")
	assert.Equal(t, "function (d) {__sbx_tick(1); return d; }", anon.body)
	assert.Equal(t, []int{1, 1}, anon.charges)

	broken := instrument("function (")
	assert.Equal(t, "function (", broken.body)

	// Object literals are not blocks.
	obj := instrument("var o = { a: 1 };")
	assert.Equal(t, "var o = { a: 1 };", obj.body)
	assert.Equal(t, "__sbx_tick(0);var o = { a: 1 };", obj.program())
}

func TestInstrument_ChargeIgnoresUnknownIndex(t *testing.T) {
	in := instrument("function f() { return 1; }")
	assert.Equal(t, 1, in.charge(1))
	assert.Equal(t, 1, in.charge(-1000000000))
	assert.Equal(t, 1, in.charge(99))
}
