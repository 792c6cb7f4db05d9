package gguf

import "math"

// Metadata is the key/value section of a GGUF file.
type Metadata map[string]Value

func (m Metadata) Str(key string) (string, bool) {
	s, ok := m[key].Value.(string)
	return s, ok
}

func (m Metadata) Bool(key string) (bool, bool) {
	b, ok := m[key].Value.(bool)
	return b, ok
}

// Int returns an integer of any stored width.
func (m Metadata) Int(key string) (int, bool) {
	i, ok := m[key].integer()
	if !ok || i > math.MaxInt || i < math.MinInt {
		return 0, false
	}
	return int(i), true
}

// Uint is Int restricted to non-negative values.
func (m Metadata) Uint(key string) (uint64, bool) {
	if u, ok := m[key].Value.(uint64); ok {
		return u, true
	}
	i, ok := m[key].integer()
	if !ok || i < 0 {
		return 0, false
	}
	return uint64(i), true
}

func (m Metadata) Float(key string) (float64, bool) {
	switch v := m[key].Value.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// Array returns key as []T when it is an array whose every element is a T.
func Array[T any](m Metadata, key string) ([]T, bool) {
	arr, ok := m[key].Value.(ArrayValue)
	if !ok {
		return nil, false
	}
	out := make([]T, len(arr.Values))
	for i, v := range arr.Values {
		if out[i], ok = v.(T); !ok {
			return nil, false
		}
	}
	return out, true
}

// integer widens any GGUF integer to int64. uint64 values past MaxInt64
// are rejected.
func (v Value) integer() (int64, bool) {
	switch x := v.Value.(type) {
	case uint8:
		return int64(x), true
	case int8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case int16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	}
	return 0, false
}

// Architecture returns general.architecture, defaulting to llama.
func (f *File) Architecture() string {
	if s, ok := f.KV.Str("general.architecture"); ok && s != "" {
		return s
	}
	return "llama"
}
