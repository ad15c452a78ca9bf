package value

import (
	"encoding/json"
	"fmt"
	"time"
)

// jsonValue is the wire shape a Value marshals to/from. The log record
// format (§4.1) calls for canonical JSON serialization of each commit;
// Canonical() (this package's hash/equality form) is not JSON, so this is
// a separate, explicit tagged-union encoding rather than a reflective
// struct dump — the same reasoning that rules out encoding/json for
// Canonical applies here: a Value's representation must round-trip
// exactly regardless of which concrete Go type backs json.Marshal's
// default handling of an interface-like union.
type jsonValue struct {
	Kind     string              `json:"kind"`
	Bool     bool                `json:"bool,omitempty"`
	Int      int64               `json:"int,omitempty"`
	Num      float64             `json:"num,omitempty"`
	Str      string              `json:"str,omitempty"`
	Ts       int64               `json:"ts,omitempty"` // UnixNano, UTC
	Blob     []byte              `json:"blob,omitempty"`
	List     []jsonValue         `json:"list,omitempty"`
	Set      []jsonValue         `json:"set,omitempty"`
	Map      map[string]jsonValue `json:"map,omitempty"`
	RichText *jsonRichText       `json:"richtext,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.toJSON())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}
	out, err := jv.toValue()
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func (v Value) toJSON() jsonValue {
	switch v.kind {
	case KindNull:
		return jsonValue{Kind: "null"}
	case KindBool:
		return jsonValue{Kind: "bool", Bool: v.b}
	case KindInt:
		return jsonValue{Kind: "int", Int: v.i}
	case KindNum:
		return jsonValue{Kind: "num", Num: v.f}
	case KindStr:
		return jsonValue{Kind: "str", Str: v.s}
	case KindTimestamp:
		return jsonValue{Kind: "ts", Ts: v.ts.UTC().UnixNano()}
	case KindBlob:
		return jsonValue{Kind: "blob", Blob: v.blob}
	case KindList:
		out := make([]jsonValue, len(v.list))
		for i, e := range v.list {
			out[i] = e.toJSON()
		}
		return jsonValue{Kind: "list", List: out}
	case KindSet:
		out := make([]jsonValue, len(v.set))
		for i, e := range v.set {
			out[i] = e.toJSON()
		}
		return jsonValue{Kind: "set", Set: out}
	case KindMap:
		out := make(map[string]jsonValue, len(v.m))
		for k, e := range v.m {
			out[k] = e.toJSON()
		}
		return jsonValue{Kind: "map", Map: out}
	case KindRichText:
		return jsonValue{Kind: "richtext", RichText: toJSONRichText(v.rt)}
	default:
		return jsonValue{Kind: "null"}
	}
}

func (jv jsonValue) toValue() (Value, error) {
	switch jv.Kind {
	case "", "null":
		return Null, nil
	case "bool":
		return Bool(jv.Bool), nil
	case "int":
		return Int(jv.Int), nil
	case "num":
		return Num(jv.Num), nil
	case "str":
		return Str(jv.Str), nil
	case "ts":
		return Timestamp(time.Unix(0, jv.Ts).UTC()), nil
	case "blob":
		return Blob(jv.Blob), nil
	case "list":
		items := make([]Value, len(jv.List))
		for i, e := range jv.List {
			v, err := e.toValue()
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items), nil
	case "set":
		items := make([]Value, len(jv.Set))
		for i, e := range jv.Set {
			v, err := e.toValue()
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Set(items), nil
	case "map":
		m := make(map[string]Value, len(jv.Map))
		for k, e := range jv.Map {
			v, err := e.toValue()
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Map(m), nil
	case "richtext":
		rt, err := fromJSONRichText(jv.RichText)
		if err != nil {
			return Value{}, err
		}
		return FromRichText(rt), nil
	default:
		return Value{}, fmt.Errorf("value: unknown kind %q in JSON record", jv.Kind)
	}
}

type jsonRTNode struct {
	Kind     string            `json:"kind"`
	Tag      string            `json:"tag,omitempty"`
	Text     string            `json:"text,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Children []int             `json:"children,omitempty"`
	Parent   int               `json:"parent"`
	Removed  bool              `json:"removed,omitempty"`
}

type jsonPointer struct {
	NodeID    int    `json:"node_id"`
	Offset    int    `json:"offset"`
	Forward   bool   `json:"forward,omitempty"`
	ExpiresAt *int64 `json:"expires_at,omitempty"` // UnixNano, UTC
}

type jsonRichText struct {
	Root     int           `json:"root"`
	Mutation uint64        `json:"mutation"`
	Nodes    []jsonRTNode  `json:"nodes"`
	Pointers []jsonPointer `json:"pointers,omitempty"`
}

func toJSONRichText(rt *RichText) *jsonRichText {
	if rt == nil {
		return nil
	}
	nodes := make([]jsonRTNode, len(rt.nodes))
	for i, n := range rt.nodes {
		kind := "element"
		if n.kind == RTText {
			kind = "text"
		}
		nodes[i] = jsonRTNode{
			Kind:     kind,
			Tag:      n.tag,
			Text:     n.text,
			Attrs:    n.attrs,
			Children: n.children,
			Parent:   n.parent,
			Removed:  n.removed,
		}
	}
	pointers := make([]jsonPointer, len(rt.pointers))
	for i, p := range rt.pointers {
		jp := jsonPointer{NodeID: p.NodeID, Offset: p.Offset, Forward: p.Forward}
		if p.ExpiresAt != nil {
			ns := p.ExpiresAt.UTC().UnixNano()
			jp.ExpiresAt = &ns
		}
		pointers[i] = jp
	}
	return &jsonRichText{Root: rt.root, Mutation: rt.mutation, Nodes: nodes, Pointers: pointers}
}

func fromJSONRichText(jrt *jsonRichText) (*RichText, error) {
	if jrt == nil {
		return nil, nil
	}
	nodes := make([]rtNode, len(jrt.Nodes))
	for i, n := range jrt.Nodes {
		kind := RTElement
		if n.Kind == "text" {
			kind = RTText
		}
		nodes[i] = rtNode{
			kind:     kind,
			tag:      n.Tag,
			text:     n.Text,
			attrs:    n.Attrs,
			children: n.Children,
			parent:   n.Parent,
			removed:  n.Removed,
		}
	}
	pointers := make([]Pointer, len(jrt.Pointers))
	for i, p := range jrt.Pointers {
		pt := Pointer{NodeID: p.NodeID, Offset: p.Offset, Forward: p.Forward}
		if p.ExpiresAt != nil {
			t := time.Unix(0, *p.ExpiresAt).UTC()
			pt.ExpiresAt = &t
		}
		pointers[i] = pt
	}
	return &RichText{root: jrt.Root, mutation: jrt.Mutation, nodes: nodes, pointers: pointers}, nil
}
