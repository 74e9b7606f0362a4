package types

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind tags the variant held by a Value.
type Kind string

const (
	KindNull     Kind = "null"
	KindBool     Kind = "bool"
	KindInt      Kind = "int"
	KindFloat    Kind = "float"
	KindText     Kind = "text"
	KindSequence Kind = "sequence"
	KindMapping  Kind = "mapping"
	KindOpaque   Kind = "opaque"
)

// maxValueDepth bounds conversion of nested (possibly cyclic) structures.
const maxValueDepth = 32

// Value is a sandbox value with its type preserved. Only the field matching
// Kind is meaningful; opaque values keep a display form in Repr.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Text  string
	Seq   []Value
	Map   map[string]Value
	Repr  string
}

func Null() Value              { return Value{Kind: KindNull} }
func Bool(b bool) Value        { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value        { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value    { return Value{Kind: KindFloat, Float: f} }
func Text(s string) Value      { return Value{Kind: KindText, Text: s} }
func Opaque(repr string) Value { return Value{Kind: KindOpaque, Repr: repr} }

// FromAny converts an exported Go value into a Value.
func FromAny(v any) Value {
	return fromAny(v, 0)
}

func fromAny(v any, depth int) Value {
	if depth > maxValueDepth {
		return Opaque("<nested too deep>")
	}
	switch x := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case int:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case uint32:
		return Int(int64(x))
	case float32:
		return fromFloat(float64(x))
	case float64:
		return fromFloat(x)
	case string:
		return Text(x)
	case time.Time:
		return Opaque(x.Format(time.RFC3339Nano))
	case []any:
		seq := make([]Value, len(x))
		for i, e := range x {
			seq[i] = fromAny(e, depth+1)
		}
		return Value{Kind: KindSequence, Seq: seq}
	case []string:
		seq := make([]Value, len(x))
		for i, e := range x {
			seq[i] = Text(e)
		}
		return Value{Kind: KindSequence, Seq: seq}
	case map[string]any:
		m := make(map[string]Value, len(x))
		for k, e := range x {
			m[k] = fromAny(e, depth+1)
		}
		return Value{Kind: KindMapping, Map: m}
	case Value:
		return x
	default:
		return Opaque(fmt.Sprintf("%v", x))
	}
}

// Integral floats inside the exact int64 range are kept as ints, which is how
// JavaScript numbers such as 12 come back from the sandbox.
func fromFloat(f float64) Value {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return Int(int64(f))
	}
	return Float(f)
}

// Any is the inverse of FromAny for non-opaque kinds. Opaque values return
// their display form.
func (v Value) Any() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindText:
		return v.Text
	case KindSequence:
		out := make([]any, len(v.Seq))
		for i, e := range v.Seq {
			out[i] = e.Any()
		}
		return out
	case KindMapping:
		out := make(map[string]any, len(v.Map))
		for k, e := range v.Map {
			out[k] = e.Any()
		}
		return out
	case KindOpaque:
		return v.Repr
	default:
		return nil
	}
}

// String renders the value the way it is reported as a session answer.
func (v Value) String() string {
	switch v.Kind {
	case KindNull, "":
		return "null"
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindText:
		return v.Text
	case KindSequence:
		parts := make([]string, len(v.Seq))
		for i, e := range v.Seq {
			parts[i] = e.quoted()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMapping:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = strconv.Quote(k) + ": " + v.Map[k].quoted()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return v.Repr
	}
}

func (v Value) quoted() string {
	if v.Kind == KindText {
		return strconv.Quote(v.Text)
	}
	return v.String()
}

type valueJSON struct {
	Kind  Kind `json:"kind"`
	Value any  `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	kind := v.Kind
	if kind == "" {
		kind = KindNull
	}
	return json.Marshal(valueJSON{Kind: kind, Value: v.jsonAny()})
}

// jsonAny is Any with non-finite floats spelled out, since encoding/json
// refuses NaN and the infinities.
func (v Value) jsonAny() any {
	switch v.Kind {
	case KindFloat:
		if math.IsNaN(v.Float) || math.IsInf(v.Float, 0) {
			return v.String()
		}
		return v.Float
	case KindSequence:
		out := make([]any, len(v.Seq))
		for i, e := range v.Seq {
			out[i] = e.jsonAny()
		}
		return out
	case KindMapping:
		out := make(map[string]any, len(v.Map))
		for k, e := range v.Map {
			out[k] = e.jsonAny()
		}
		return out
	default:
		return v.Any()
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind  Kind            `json:"kind"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case KindInt:
		var i int64
		if err := json.Unmarshal(raw.Value, &i); err != nil {
			return err
		}
		*v = Int(i)
		return nil
	case KindOpaque:
		var s string
		if err := json.Unmarshal(raw.Value, &s); err != nil {
			return err
		}
		*v = Opaque(s)
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw.Value)))
	dec.UseNumber()
	var decoded any
	if len(raw.Value) > 0 {
		if err := dec.Decode(&decoded); err != nil {
			return err
		}
	}
	*v = fromJSON(decoded, 0)
	if raw.Kind == KindFloat && v.Kind == KindInt {
		*v = Float(float64(v.Int))
	}
	return nil
}

func fromJSON(x any, depth int) Value {
	if depth > maxValueDepth {
		return Opaque("<nested too deep>")
	}
	switch t := x.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		f, _ := t.Float64()
		return Float(f)
	case []any:
		seq := make([]Value, len(t))
		for i, e := range t {
			seq[i] = fromJSON(e, depth+1)
		}
		return Value{Kind: KindSequence, Seq: seq}
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = fromJSON(e, depth+1)
		}
		return Value{Kind: KindMapping, Map: m}
	default:
		return fromAny(t, depth)
	}
}
