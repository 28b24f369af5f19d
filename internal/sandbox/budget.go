package sandbox

import (
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
)

// tickName is the host hook called on every block entry. Sources that
// mention it are refused so a script cannot shadow it.
const tickName = "__sbx_tick"

// instrumented is a script rewritten for the statement budget. Each tick
// passes only an index into charges; the statement counts never appear in
// script text, so a forged tick call cannot change what a block costs.
type instrumented struct {
	body    string // Source with a tick at the start of every block.
	charges []int  // Statement count per tick index; index 0 is the top level.
}

// program returns the body prefixed with the top-level tick, on the same
// line so error positions stay put.
func (in instrumented) program() string {
	return tickCall(0) + in.body
}

// charge returns the statements billed for tick index i. Unknown indexes
// cost one statement.
func (in instrumented) charge(i int64) int {
	if i < 0 || i >= int64(len(in.charges)) {
		return 1
	}
	return in.charges[i]
}

func tickCall(i int) string {
	return tickName + "(" + strconv.Itoa(i) + ");"
}

func chargeOf(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// instrument inserts a tick call after the opening brace of every block
// statement. Function bodies, loop bodies and plain blocks are all blocks,
// so a loop is charged once per iteration. Braceless loop bodies are not
// charged; the wall-clock timeout still applies to them.
//
// Sources that do not parse as a program are retried as a parenthesized
// expression (the anonymous-function form). When neither parses the source
// is returned unchanged and the interpreter reports the syntax error.
func instrument(src string) instrumented {
	prg, err := parser.ParseFile(nil, "", src, 0)
	shift := 0
	if err != nil {
		prg, err = parser.ParseFile(nil, "", "("+src+"\n)", 0)
		shift = 1
		if err != nil {
			return instrumented{body: src, charges: []int{1}}
		}
	}

	var blocks []*ast.BlockStatement
	collectBlocks(reflect.ValueOf(prg), make(map[nodeKey]bool), &blocks)

	type insertion struct {
		at   int
		text string
	}
	top := len(prg.Body)
	if shift == 1 {
		top = 1
	}
	charges := make([]int, 1, len(blocks)+1)
	charges[0] = chargeOf(top)

	inserts := make([]insertion, 0, len(blocks))
	for _, b := range blocks {
		// Idx is 1-based with a nil file set.
		off := int(b.LeftBrace) - 1 - shift
		if off < 0 || off >= len(src) || src[off] != '{' {
			continue
		}
		inserts = append(inserts, insertion{at: off + 1, text: tickCall(len(charges))})
		charges = append(charges, chargeOf(len(b.List)))
	}
	sort.Slice(inserts, func(i, j int) bool { return inserts[i].at < inserts[j].at })

	var out strings.Builder
	out.Grow(len(src) + len(inserts)*(len(tickName)+8))
	last := 0
	for _, ins := range inserts {
		out.WriteString(src[last:ins.at])
		out.WriteString(ins.text)
		last = ins.at
	}
	out.WriteString(src[last:])

	return instrumented{body: out.String(), charges: charges}
}

type nodeKey struct {
	t reflect.Type
	p uintptr
}

var (
	blockType = reflect.TypeOf((*ast.BlockStatement)(nil))
	fileType  = reflect.TypeOf((*file.File)(nil))
)

// collectBlocks walks the syntax tree by reflection. The goja AST has no
// visitor, and declaration lists alias nodes already in the body, hence seen.
func collectBlocks(v reflect.Value, seen map[nodeKey]bool, out *[]*ast.BlockStatement) {
	switch v.Kind() {
	case reflect.Interface:
		if !v.IsNil() {
			collectBlocks(v.Elem(), seen, out)
		}
	case reflect.Ptr:
		if v.IsNil() || v.Type() == fileType {
			return
		}
		key := nodeKey{t: v.Type(), p: v.Pointer()}
		if seen[key] {
			return
		}
		seen[key] = true
		if v.Type() == blockType {
			*out = append(*out, v.Interface().(*ast.BlockStatement))
		}
		collectBlocks(v.Elem(), seen, out)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			collectBlocks(v.Field(i), seen, out)
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			collectBlocks(v.Index(i), seen, out)
		}
	}
}
