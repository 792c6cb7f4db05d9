package gguf

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testMetadata() Metadata {
	return Metadata{
		"strings": {Type: TypeArray, Value: ArrayValue{ElemType: TypeString, Values: []any{"a", "b", "c"}}},
		"ints":    {Type: TypeArray, Value: ArrayValue{ElemType: TypeInt32, Values: []any{int32(1), int32(2), int32(3)}}},
		"mixed":   {Type: TypeArray, Value: ArrayValue{ElemType: TypeString, Values: []any{"a", 1}}},
		"name":    {Type: TypeString, Value: "hello"},
		"u32":     {Type: TypeUint32, Value: uint32(7)},
		"i64":     {Type: TypeInt64, Value: int64(-3)},
		"u64max":  {Type: TypeUint64, Value: uint64(math.MaxUint64)},
		"f32":     {Type: TypeFloat32, Value: float32(0.5)},
		"flag":    {Type: TypeBool, Value: true},
	}
}

func TestArray(t *testing.T) {
	t.Parallel()
	md := testMetadata()

	strs, ok := Array[string](md, "strings")
	if !ok {
		t.Fatal("strings: !ok")
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, strs); diff != "" {
		t.Errorf("strings (-want +got):\n%s", diff)
	}
	ints, ok := Array[int32](md, "ints")
	if !ok {
		t.Fatal("ints: !ok")
	}
	if diff := cmp.Diff([]int32{1, 2, 3}, ints); diff != "" {
		t.Errorf("ints (-want +got):\n%s", diff)
	}

	for _, tc := range []struct {
		key  string
		desc string
	}{
		{"mixed", "mixed element types"},
		{"name", "non-array value"},
		{"missing", "missing key"},
	} {
		if _, ok := Array[string](md, tc.key); ok {
			t.Errorf("%s: want !ok", tc.desc)
		}
	}
	if _, ok := Array[int32](md, "strings"); ok {
		t.Error("string array as int32: want !ok")
	}
}

func TestScalars(t *testing.T) {
	t.Parallel()
	md := testMetadata()

	if v, ok := md.Int("u32"); !ok || v != 7 {
		t.Errorf("Int(u32) = %d, %v", v, ok)
	}
	if v, ok := md.Int("i64"); !ok || v != -3 {
		t.Errorf("Int(i64) = %d, %v", v, ok)
	}
	if _, ok := md.Int("name"); ok {
		t.Error("Int(string): want !ok")
	}
	if _, ok := md.Int("u64max"); ok {
		t.Error("Int(MaxUint64): want !ok")
	}
	if v, ok := md.Uint("u64max"); !ok || v != math.MaxUint64 {
		t.Errorf("Uint(u64max) = %d, %v", v, ok)
	}
	if _, ok := md.Uint("i64"); ok {
		t.Error("Uint(negative): want !ok")
	}
	if v, ok := md.Float("f32"); !ok || v != 0.5 {
		t.Errorf("Float = %v, %v", v, ok)
	}
	if _, ok := md.Float("u32"); ok {
		t.Error("Float(u32): want !ok")
	}
	if v, ok := md.Str("name"); !ok || v != "hello" {
		t.Errorf("String = %q, %v", v, ok)
	}
	if v, ok := md.Bool("flag"); !ok || !v {
		t.Errorf("Bool = %v, %v", v, ok)
	}
	if _, ok := md.Bool("missing"); ok {
		t.Error("Bool(missing): want !ok")
	}
}

func TestArchitectureDefault(t *testing.T) {
	t.Parallel()
	if got := (&File{KV: Metadata{}}).Architecture(); got != "llama" {
		t.Errorf("Architecture = %q", got)
	}
	f := &File{KV: Metadata{"general.architecture": {Type: TypeString, Value: "mistral"}}}
	if got := f.Architecture(); got != "mistral" {
		t.Errorf("Architecture = %q", got)
	}
}
