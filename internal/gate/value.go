package gate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// Value is a JSON-like tagged variant used for trace details. It is traversed
// without reflection; map entries keep their insertion order.
type Value struct {
	kind   Kind
	b      bool
	n      float64
	s      string
	list   []Value
	fields []Field
}

// Field is a single map entry.
type Field struct {
	Key   string
	Value Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a number.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List wraps a sequence.
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Map wraps an ordered mapping.
func Map(fields ...Field) Value { return Value{kind: KindMap, fields: fields} }

// F is shorthand for building a Field.
func F(key string, v Value) Field { return Field{Key: key, Value: v} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload; empty for other kinds.
func (v Value) Str() string { return v.s }

// Items returns the list payload.
func (v Value) Items() []Value { return v.list }

// Fields returns the map payload.
func (v Value) Fields() []Field { return v.fields }

// Get looks up a map entry by key.
func (v Value) Get(key string) (Value, bool) {
	for _, f := range v.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// FromAny converts common Go values into a Value. Maps with string keys are
// sorted by key so conversions are deterministic; unknown types are rendered
// with fmt.
func FromAny(in any) Value {
	switch x := in.(type) {
	case nil:
		return Null()
	case Value:
		return x
	case bool:
		return Bool(x)
	case string:
		return String(x)
	case int:
		return Number(float64(x))
	case int32:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case uint:
		return Number(float64(x))
	case uint32:
		return Number(float64(x))
	case uint64:
		return Number(float64(x))
	case float32:
		return Number(float64(x))
	case float64:
		return Number(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return String(x.String())
		}
		return Number(f)
	case []string:
		items := make([]Value, len(x))
		for i, s := range x {
			items[i] = String(s)
		}
		return List(items...)
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			items[i] = FromAny(item)
		}
		return List(items...)
	case map[string]string:
		keys := sortedKeys(x)
		fields := make([]Field, len(keys))
		for i, k := range keys {
			fields[i] = F(k, String(x[k]))
		}
		return Map(fields...)
	case map[string]any:
		keys := sortedKeys(x)
		fields := make([]Field, len(keys))
		for i, k := range keys {
			fields[i] = F(k, FromAny(x[k]))
		}
		return Map(fields...)
	case fmt.Stringer:
		return String(x.String())
	case error:
		return String(x.Error())
	default:
		return String(fmt.Sprintf("%v", x))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Any converts the value back into plain Go values (nil, bool, float64,
// string, []any, map[string]any).
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.fields))
		for _, f := range v.fields {
			out[f.Key] = f.Value.Any()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON renders the value, preserving map entry order.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		buf := []byte{'['}
		for i, item := range v.list {
			if i > 0 {
				buf = append(buf, ',')
			}
			raw, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf = append(buf, raw...)
		}
		return append(buf, ']'), nil
	case KindMap:
		buf := []byte{'{'}
		for i, f := range v.fields {
			if i > 0 {
				buf = append(buf, ',')
			}
			key, err := json.Marshal(f.Key)
			if err != nil {
				return nil, err
			}
			raw, err := f.Value.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf = append(buf, key...)
			buf = append(buf, ':')
			buf = append(buf, raw...)
		}
		return append(buf, '}'), nil
	default:
		return nil, fmt.Errorf("gate: unknown value kind %d", v.kind)
	}
}

// LogValue lets slog render the value as structured data.
func (v Value) LogValue() slog.Value {
	return slog.AnyValue(v.Any())
}
