package value

import (
	"fmt"
	"time"
)

// RTNodeKind distinguishes element nodes (which have children) from text
// nodes (which carry a run of characters).
type RTNodeKind uint8

const (
	RTElement RTNodeKind = iota
	RTText
)

// rtNode is one arena slot. Nodes reference each other by stable index
// rather than by pointer, so the tree survives Clone/serialize round trips
// without needing to fix up pointers (Design Notes: "arena + stable index").
type rtNode struct {
	kind     RTNodeKind
	tag      string // element tag, e.g. "p", "b"
	text     string // text content, for RTText nodes
	attrs    map[string]string
	children []int
	parent   int // -1 for the root
	removed  bool
}

// Pointer is an anchor or focus position within a text node: the node it
// refers to, a character offset into that node's text, a direction (used to
// break ties when two pointers land on the same offset), and an optional
// expiration after which it is purged on the next compaction.
type Pointer struct {
	NodeID    int
	Offset    int
	Forward   bool
	ExpiresAt *time.Time
}

// Expired reports whether p should be purged as of now.
func (p Pointer) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// RichText is an arena-backed tree of element and text nodes, used for the
// rich-text field type. Iteration order within a parent's children is
// insertion order. mutation is bumped on every node add, text change, or
// removal, so a caller that saved Mutation() can tell the tree changed;
// Flatten and the other readers in this package do not check it.
type RichText struct {
	nodes    []rtNode
	root     int
	mutation uint64
	pointers []Pointer
}

// NewRichText creates an empty tree with a single root element node.
func NewRichText(rootTag string) *RichText {
	rt := &RichText{root: 0}
	rt.nodes = append(rt.nodes, rtNode{kind: RTElement, tag: rootTag, parent: -1})
	return rt
}

// Root returns the root node's id.
func (rt *RichText) Root() int { return rt.root }

// Mutation returns the current mutation counter, for iterator staleness
// checks.
func (rt *RichText) Mutation() uint64 { return rt.mutation }

// Node returns a read-only view of the node at id.
func (rt *RichText) Node(id int) (kind RTNodeKind, tag, text string, children []int, parent int, ok bool) {
	if id < 0 || id >= len(rt.nodes) || rt.nodes[id].removed {
		return 0, "", "", nil, 0, false
	}
	n := rt.nodes[id]
	return n.kind, n.tag, n.text, append([]int(nil), n.children...), n.parent, true
}

// AddElement appends a new element child under parent and returns its id.
func (rt *RichText) AddElement(parent int, tag string, attrs map[string]string) (int, error) {
	if parent < 0 || parent >= len(rt.nodes) || rt.nodes[parent].removed {
		return 0, fmt.Errorf("richtext: unknown parent node %d", parent)
	}
	if rt.nodes[parent].kind != RTElement {
		return 0, fmt.Errorf("richtext: node %d is not an element", parent)
	}
	id := len(rt.nodes)
	rt.nodes = append(rt.nodes, rtNode{kind: RTElement, tag: tag, attrs: attrs, parent: parent})
	rt.nodes[parent].children = append(rt.nodes[parent].children, id)
	rt.mutation++
	return id, nil
}

// AddText appends a text child under parent and returns its id.
func (rt *RichText) AddText(parent int, text string) (int, error) {
	if parent < 0 || parent >= len(rt.nodes) || rt.nodes[parent].removed {
		return 0, fmt.Errorf("richtext: unknown parent node %d", parent)
	}
	id := len(rt.nodes)
	rt.nodes = append(rt.nodes, rtNode{kind: RTText, text: text, parent: parent})
	rt.nodes[parent].children = append(rt.nodes[parent].children, id)
	rt.mutation++
	return id, nil
}

// SetText replaces the text content of a text node in place.
func (rt *RichText) SetText(id int, text string) error {
	if id < 0 || id >= len(rt.nodes) || rt.nodes[id].removed || rt.nodes[id].kind != RTText {
		return fmt.Errorf("richtext: %d is not a live text node", id)
	}
	rt.nodes[id].text = text
	rt.mutation++
	return nil
}

// Remove marks a node (and its subtree) as removed; indices are never
// reused, so pointers referencing a removed node can be detected and
// purged rather than silently dangling.
func (rt *RichText) Remove(id int) error {
	if id < 0 || id >= len(rt.nodes) || rt.nodes[id].removed {
		return fmt.Errorf("richtext: unknown node %d", id)
	}
	var mark func(int)
	mark = func(n int) {
		rt.nodes[n].removed = true
		for _, c := range rt.nodes[n].children {
			mark(c)
		}
	}
	mark(id)
	parent := rt.nodes[id].parent
	if parent >= 0 {
		kept := rt.nodes[parent].children[:0]
		for _, c := range rt.nodes[parent].children {
			if c != id {
				kept = append(kept, c)
			}
		}
		rt.nodes[parent].children = kept
	}
	rt.mutation++
	return nil
}

// AddPointer registers a pointer (anchor or focus); expired pointers are
// purged lazily by CompactPointers.
func (rt *RichText) AddPointer(p Pointer) {
	rt.pointers = append(rt.pointers, p)
}

// Pointers returns all live (non-expired, non-removed-node) pointers.
func (rt *RichText) Pointers(now time.Time) []Pointer {
	out := make([]Pointer, 0, len(rt.pointers))
	for _, p := range rt.pointers {
		if p.Expired(now) {
			continue
		}
		if p.NodeID < 0 || p.NodeID >= len(rt.nodes) || rt.nodes[p.NodeID].removed {
			continue
		}
		out = append(out, p)
	}
	return out
}

// CompactPointers drops expired or dangling pointers in place.
func (rt *RichText) CompactPointers(now time.Time) {
	rt.pointers = rt.Pointers(now)
}

// Clone deep-copies the tree, including the pointer list.
func (rt *RichText) Clone() *RichText {
	out := &RichText{
		root:     rt.root,
		mutation: rt.mutation,
		nodes:    make([]rtNode, len(rt.nodes)),
		pointers: append([]Pointer(nil), rt.pointers...),
	}
	for i, n := range rt.nodes {
		cp := n
		cp.children = append([]int(nil), n.children...)
		if n.attrs != nil {
			cp.attrs = make(map[string]string, len(n.attrs))
			for k, v := range n.attrs {
				cp.attrs[k] = v
			}
		}
		out.nodes[i] = cp
	}
	return out
}

// FlatRun is one element of the flat representation used by the three-way
// merge algorithm: a contiguous span of plain text together with the id of
// the text node it came from and its starting offset within that node.
type FlatRun struct {
	NodeID int
	Offset int
	Text   string
}

// Flatten walks the tree in document order and returns the sequence of text
// runs, used by merge.mergeRichText to diff two versions by character
// offset.
func (rt *RichText) Flatten() []FlatRun {
	var runs []FlatRun
	var walk func(int)
	walk = func(id int) {
		if id < 0 || id >= len(rt.nodes) || rt.nodes[id].removed {
			return
		}
		n := rt.nodes[id]
		if n.kind == RTText {
			if n.text != "" {
				runs = append(runs, FlatRun{NodeID: id, Offset: 0, Text: n.text})
			}
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(rt.root)
	return runs
}

func canonicalRichText(rt *RichText) ([]byte, error) {
	if rt == nil {
		return []byte{'0'}, nil
	}
	var out []byte
	var walk func(int) error
	walk = func(id int) error {
		if id < 0 || id >= len(rt.nodes) || rt.nodes[id].removed {
			out = append(out, '_')
			return nil
		}
		n := rt.nodes[id]
		if n.kind == RTText {
			out = append(out, 'T')
			out = append(out, lengthPrefixed([]byte(n.text))...)
			return nil
		}
		out = append(out, 'E')
		out = append(out, lengthPrefixed([]byte(n.tag))...)
		out = appendUvarint(out, uint64(len(n.children)))
		for _, c := range n.children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(rt.root); err != nil {
		return nil, err
	}
	return out, nil
}
