package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ValueKind enumerates the value types a synced column may hold.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
	KindStringList
)

// Value is the tagged column value used on both sides of the sync.
// Conversion from raw Sheet JSON or raw DB values happens at the
// boundary; inside the engine only Values move around.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Time  time.Time
	List  []string
}

func Null() Value                { return Value{Kind: KindNull} }
func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func Int(i int64) Value          { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value      { return Value{Kind: KindFloat, Float: f} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Time(t time.Time) Value     { return Value{Kind: KindTime, Time: t.UTC()} }
func StringList(l []string) Value { return Value{Kind: KindStringList, List: l} }

// SetList builds a list value with set semantics: sorted and deduped.
func SetList(l []string) Value {
	out := append([]string(nil), l...)
	sort.Strings(out)
	n := 0
	for i, s := range out {
		if i == 0 || s != out[i-1] {
			out[n] = s
			n++
		}
	}
	return Value{Kind: KindStringList, List: out[:n]}
}

// IsNull reports whether the value is absent.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// IsScalar reports whether the value can serve as an external key.
func (v Value) IsScalar() bool {
	switch v.Kind {
	case KindString, KindInt, KindFloat, KindBool:
		return true
	}
	return false
}

// KeyString renders a scalar value in the form used for key lookups and
// the id_mapping table.
func (v Value) KeyString() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', 9, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	}
	return ""
}

// Record is a mapped row: DB column name to value.
type Record map[string]Value

// FromRaw converts a raw decoded value (from Sheet JSON or a queue row
// payload) into a tagged Value. Unsupported shapes stringify
// deterministically; only a genuinely unrepresentable value errors.
func FromRaw(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		if ts, ok := parseTimestamp(t); ok {
			return Time(ts), nil
		}
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float64:
		// json decodes every number as float64; keep integral values int
		if t == float64(int64(t)) && t >= -1e15 && t <= 1e15 {
			return Int(int64(t)), nil
		}
		return Float(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Null(), err
		}
		return Float(f), nil
	case time.Time:
		return Time(t), nil
	case []string:
		return SetList(t), nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, stringify(e))
		}
		// arrays only reach the engine as multi-select fields, which
		// are sets: member order in the Sheet is not content
		return SetList(out), nil
	case map[string]interface{}:
		// people / attachment style objects from the Sheet
		return String(stringify(t)), nil
	default:
		return Null(), fmt.Errorf("unsupported value type %T", raw)
	}
}

// stringify renders a nested Sheet value deterministically. Maps are
// rendered with sorted keys so the same content always hashes the same.
func stringify(raw interface{}) string {
	switch t := raw.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', 9, 64)
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			b.WriteString(stringify(t[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, stringify(e))
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return fmt.Sprintf("%v", t)
	}
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	if len(s) < 19 || s[4] != '-' || s[7] != '-' {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
