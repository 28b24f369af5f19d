package sandbox

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/jkaninda/scriptbox/internal/jsonvalue"
)

// maxBridgeDepth bounds recursion when reading script values back.
const maxBridgeDepth = 64

// maxBridgeLength bounds the arrays read back; sparse arrays can claim any length.
const maxBridgeLength = 1 << 20

// maxBridgeNodes bounds the values read back from one result. Shared
// references are read once per occurrence, so a small object graph can
// expand into far more values than it holds.
const maxBridgeNodes = 1 << 20

// maxLogNodes bounds a single console argument.
const maxLogNodes = 10_000

// checkEvery is how many values are read between deadline checks.
const checkEvery = 256

const (
	depthExceeded  = "[max depth exceeded]"
	lengthExceeded = "[array too large]"
	circularRef    = "[circular]"
)

// toScript converts a host value into a script value owned by vm.
//
// Integral floats arrive in the script as integers: the interpreter keeps a
// single number type and does not remember the spelling. A float input
// returned untouched therefore reads back as an Int of equal value.
func toScript(vm *goja.Runtime, v jsonvalue.Value) goja.Value {
	switch v.Kind() {
	case jsonvalue.KindBool:
		return vm.ToValue(v.AsBool())
	case jsonvalue.KindInt:
		return vm.ToValue(v.AsInt())
	case jsonvalue.KindFloat:
		return vm.ToValue(v.AsFloat())
	case jsonvalue.KindString:
		return vm.ToValue(v.AsString())
	case jsonvalue.KindArray:
		items := v.Items()
		elems := make([]any, len(items))
		for i, item := range items {
			elems[i] = toScript(vm, item)
		}
		return vm.NewArray(elems...)
	case jsonvalue.KindObject:
		obj := vm.NewObject()
		for _, k := range v.Keys() {
			member, _ := v.Get(k)
			// Defined rather than assigned: assigning "__proto__" would
			// replace the prototype instead of adding a member.
			_ = obj.DefineDataProperty(k, toScript(vm, member), goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE)
		}
		return obj
	default:
		return goja.Null()
	}
}

// reader converts script values into host values. Values with no JSON
// counterpart fall back to their string form. The walk is plain Go code
// that the interpreter cannot interrupt, so it carries its own value
// budget and checks the caller's context and the run deadline as it goes.
type reader struct {
	ctx      context.Context
	deadline time.Time
	budget   int
	nodes    int
	path     map[*goja.Object]struct{} // Objects on the current path, for cycles.
}

func newReader(ctx context.Context, deadline time.Time, budget int) *reader {
	return &reader{
		ctx:      ctx,
		deadline: deadline,
		budget:   budget,
		path:     make(map[*goja.Object]struct{}),
	}
}

func (r *reader) read(v goja.Value) (jsonvalue.Value, error) {
	return r.value(v, 0)
}

func (r *reader) visit() error {
	r.nodes++
	if r.budget > 0 && r.nodes > r.budget {
		return errOutputLimit
	}
	if r.nodes%checkEvery == 0 {
		if r.ctx.Err() != nil {
			return errCancelled
		}
		if !r.deadline.IsZero() && time.Now().After(r.deadline) {
			return errDeadline
		}
	}
	return nil
}

func (r *reader) value(v goja.Value, depth int) (jsonvalue.Value, error) {
	if err := r.visit(); err != nil {
		return jsonvalue.Null(), err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return jsonvalue.Null(), nil
	}
	if depth > maxBridgeDepth {
		return jsonvalue.String(depthExceeded), nil
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return fromPrimitive(v), nil
	}

	switch obj.ClassName() {
	case "Array", "Object":
		if _, seen := r.path[obj]; seen {
			return jsonvalue.String(circularRef), nil
		}
		r.path[obj] = struct{}{}
		defer delete(r.path, obj)
		if obj.ClassName() == "Array" {
			return r.array(obj, depth)
		}
		return r.object(obj, depth)
	case "Date":
		if t, ok := obj.Export().(time.Time); ok {
			return jsonvalue.String(t.UTC().Format(time.RFC3339Nano)), nil
		}
		return jsonvalue.String(obj.String()), nil
	default:
		// Function, RegExp, Map, Set, Error, boxed primitives and the like.
		return jsonvalue.String(obj.String()), nil
	}
}

func (r *reader) array(obj *goja.Object, depth int) (jsonvalue.Value, error) {
	n := obj.Get("length").ToInteger()
	if n > maxBridgeLength {
		return jsonvalue.String(lengthExceeded), nil
	}
	items := make([]jsonvalue.Value, 0, n)
	for i := int64(0); i < n; i++ {
		item, err := r.value(obj.Get(strconv.FormatInt(i, 10)), depth+1)
		if err != nil {
			return jsonvalue.Null(), err
		}
		items = append(items, item)
	}
	return jsonvalue.Array(items...), nil
}

func (r *reader) object(obj *goja.Object, depth int) (jsonvalue.Value, error) {
	out := jsonvalue.Object()
	for _, k := range obj.Keys() {
		member := obj.Get(k)
		if member == nil || goja.IsUndefined(member) {
			continue
		}
		v, err := r.value(member, depth+1)
		if err != nil {
			return jsonvalue.Null(), err
		}
		out.Set(k, v)
	}
	return out, nil
}

func fromPrimitive(v goja.Value) jsonvalue.Value {
	switch x := v.Export().(type) {
	case bool:
		return jsonvalue.Bool(x)
	case int64:
		return jsonvalue.Int(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return jsonvalue.String(v.String())
		}
		return jsonvalue.Float(x)
	case string:
		return jsonvalue.String(x)
	default:
		return jsonvalue.String(v.String())
	}
}
