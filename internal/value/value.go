// Package value implements GoatDB's structured document value model: a
// closed sum type covering every shape a field can hold, plus the canonical
// serialization used for hashing and equality across peers.
package value

import (
	"fmt"
	"sort"
	"time"
)

// Kind tags which variant of Value is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindNum
	KindStr
	KindTimestamp
	KindBlob
	KindList
	KindSet
	KindMap
	KindRichText
)

// String renders a Kind for error messages and logs.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindNum:
		return "number"
	case KindStr:
		return "string"
	case KindTimestamp:
		return "timestamp"
	case KindBlob:
		return "blob"
	case KindList:
		return "list"
	case KindSet:
		return "set"
	case KindMap:
		return "map"
	case KindRichText:
		return "richtext"
	default:
		return "unknown"
	}
}

// Value is a structured document value: exactly one of the Kind-tagged
// fields below is meaningful for a given Value. Values are immutable once
// constructed; mutating operations (see item.Item) always build new Values.
type Value struct {
	kind Kind

	b    bool
	i    int64
	f    float64
	s    string
	ts   time.Time
	blob []byte
	list []Value
	set  []Value
	m    map[string]Value
	rt   *RichText
}

// Null is the singular null value.
var Null = Value{kind: KindNull}

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Num(f float64) Value { return Value{kind: KindNum, f: f} }
func Str(s string) Value  { return Value{kind: KindStr, s: s} }
func Timestamp(t time.Time) Value {
	return Value{kind: KindTimestamp, ts: t.UTC()}
}
func Blob(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindBlob, blob: cp}
}

// List builds an ordered-sequence value. The slice is copied.
func List(items []Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

// Set builds a set value. Membership, not order, is meaningful; duplicates
// (by canonical encoding) are removed.
func Set(items []Value) Value {
	seen := make(map[string]struct{}, len(items))
	out := make([]Value, 0, len(items))
	for _, it := range items {
		key := string(Canonical(it))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(Canonical(out[i])) < string(Canonical(out[j]))
	})
	return Value{kind: KindSet, set: out}
}

// Map builds a string-keyed mapping value. The map is copied.
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

// FromRichText wraps a rich-text tree as a Value.
func FromRichText(rt *RichText) Value {
	return Value{kind: KindRichText, rt: rt}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

func (v Value) AsNum() (float64, bool) {
	if v.kind != KindNum {
		return 0, false
	}
	return v.f, true
}

func (v Value) AsStr() (string, bool) {
	if v.kind != KindStr {
		return "", false
	}
	return v.s, true
}

func (v Value) AsTimestamp() (time.Time, bool) {
	if v.kind != KindTimestamp {
		return time.Time{}, false
	}
	return v.ts, true
}

func (v Value) AsBlob() ([]byte, bool) {
	if v.kind != KindBlob {
		return nil, false
	}
	return v.blob, true
}

func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

func (v Value) AsSet() ([]Value, bool) {
	if v.kind != KindSet {
		return nil, false
	}
	return v.set, true
}

func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

func (v Value) AsRichText() (*RichText, bool) {
	if v.kind != KindRichText {
		return nil, false
	}
	return v.rt, true
}

// Clone returns a deep copy sharing no mutable state with v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindBlob:
		return Blob(v.blob)
	case KindList:
		out := make([]Value, len(v.list))
		for i, e := range v.list {
			out[i] = e.Clone()
		}
		return Value{kind: KindList, list: out}
	case KindSet:
		out := make([]Value, len(v.set))
		for i, e := range v.set {
			out[i] = e.Clone()
		}
		return Value{kind: KindSet, set: out}
	case KindMap:
		out := make(map[string]Value, len(v.m))
		for k, e := range v.m {
			out[k] = e.Clone()
		}
		return Value{kind: KindMap, m: out}
	case KindRichText:
		return Value{kind: KindRichText, rt: v.rt.Clone()}
	default:
		return v
	}
}

// Equal compares two values by canonical form.
func Equal(a, b Value) bool {
	ca, err := canonical(a)
	if err != nil {
		return false
	}
	cb, err := canonical(b)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}

// TypeError is returned by operations that detect a Value of the wrong Kind.
type TypeError struct {
	Expected Kind
	Actual   Kind
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("value: expected %s, got %s", e.Expected, e.Actual)
}
