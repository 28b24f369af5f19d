package jsonvalue

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Parse ---

func TestParse_PreservesKeyOrder(t *testing.T) {
	v, err := Parse([]byte(`{"zeta":1,"alpha":2,"mid":{"b":true,"a":null}}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, v.Keys())
	mid, ok := v.Get("mid")
	require.True(t, ok)
	assert.Equal(t, []string{"b", "a"}, mid.Keys())
}

func TestParse_IntAndFloat(t *testing.T) {
	v := MustParse(`[1, 1.5, 2.0, 1e3, -7, 9223372036854775808]`)
	items := v.Items()
	require.Len(t, items, 6)

	assert.Equal(t, KindInt, items[0].Kind())
	assert.Equal(t, KindFloat, items[1].Kind())
	assert.Equal(t, KindFloat, items[2].Kind())
	assert.Equal(t, KindFloat, items[3].Kind())
	assert.Equal(t, int64(-7), items[4].AsInt())
	// Out of int64 range falls back to float.
	assert.Equal(t, KindFloat, items[5].Kind())
}

func TestParse_DuplicateKeyLastWins(t *testing.T) {
	v := MustParse(`{"a":1,"b":2,"a":3}`)
	assert.Equal(t, []string{"a", "b"}, v.Keys())
	a, _ := v.Get("a")
	assert.Equal(t, int64(3), a.AsInt())
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{``, `{`, `[1,]`, `{"a":1} extra`, `{1:2}`} {
		_, err := Parse([]byte(in))
		assert.Truef(t, errors.Is(err, ErrSerialization), "Parse(%q) err = %v, want ErrSerialization", in, err)
	}
}

// --- Marshal ---

func TestMarshal_RoundTripKeepsShape(t *testing.T) {
	in := `{"name":"x","tags":["a","b"],"ratio":2.0,"count":3,"nested":{"deep":{"deeper":[1,{"k":false}]}},"none":null}`
	v := MustParse(in)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, in, string(out))

	back := MustParse(string(out))
	ratio, _ := back.Get("ratio")
	assert.Equal(t, KindFloat, ratio.Kind(), "integral float must stay a float")
	assert.True(t, Equal(v, back))
}

func TestMarshal_EscapesStrings(t *testing.T) {
	v := String("a\"b\n<tag>")
	out, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"a\"b\n<tag>"`, string(out))
}

func TestMarshal_NaNFails(t *testing.T) {
	_, err := Float(math.NaN()).MarshalJSON()
	assert.ErrorIs(t, err, ErrSerialization)

	arr := Array(Int(1), Float(math.Inf(1)))
	_, err = arr.MarshalJSON()
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestUnmarshal_IntoStructField(t *testing.T) {
	var payload struct {
		Data Value `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"b":1,"a":[true]}}`), &payload))
	assert.Equal(t, []string{"b", "a"}, payload.Data.Keys())
}

// --- Equal ---

func TestEqual(t *testing.T) {
	a := MustParse(`{"x":[1,2,{"y":"z"}],"n":null}`)
	b := MustParse(`{"n":null,"x":[1,2.0,{"y":"z"}]}`)
	assert.True(t, Equal(a, b), "member order and int/float spelling are ignored")

	c := MustParse(`{"x":[1,2,{"y":"w"}],"n":null}`)
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(Null(), Bool(false)))
	assert.False(t, Equal(Array(Int(1)), Array(Int(1), Int(2))))
}

// --- FromAny ---

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]any{"b": []any{1, 2.5, "s"}, "a": nil})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, v.Keys())
	b, _ := v.Get("b")
	assert.Equal(t, KindInt, b.Items()[0].Kind())
	assert.Equal(t, KindFloat, b.Items()[1].Kind())

	_, err = FromAny(struct{}{})
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestInterface(t *testing.T) {
	v := MustParse(`{"a":[1,"x",true,null]}`)
	got := v.Interface().(map[string]any)
	assert.Equal(t, []any{int64(1), "x", true, nil}, got["a"])
}
