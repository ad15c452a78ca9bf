package item

import (
	"sort"

	"github.com/goatdb/goatdb/internal/value"
)

// ChangeKind classifies one field's change, per §4.4: "a compact change set
// per field (kind: set, clear, rich-text edit script, set add/remove, list
// splice, map key-wise)".
type ChangeKind uint8

const (
	ChangeNone ChangeKind = iota
	ChangeSet             // whole-value replacement (covers scalars and "field added")
	ChangeClear           // field removed
	ChangeSetDelta        // set add/remove
	ChangeListSplice      // list insert/remove ops at an index
	ChangeMapDelta        // per-key recursive map changes
	ChangeRichTextEdit    // character-offset edit script
)

// ListOp is one splice operation against an ordered list.
type ListOp struct {
	Insert bool // true: insert Value at Index; false: remove the element at Index
	Index  int
	Value  value.Value
}

// TextOp is one edit against a rich-text field's flattened character
// stream: delete DeleteLen characters at Offset, then insert Insert.
type TextOp struct {
	Offset    int
	DeleteLen int
	Insert    string
}

// Change describes the delta for a single field between two states.
type Change struct {
	Kind ChangeKind

	Value value.Value // ChangeSet

	SetAdds    []value.Value // ChangeSetDelta
	SetRemoves []value.Value

	ListOps []ListOp // ChangeListSplice

	MapOps map[string]*Change // ChangeMapDelta: nil entry means "delete key"

	TextOps []TextOp // ChangeRichTextEdit
}

// ChangeSet maps field name to its Change.
type ChangeSet map[string]*Change

// Diff computes the field-wise ChangeSet moving from `from` to `to`.
func Diff(from, to *Item) ChangeSet {
	cs := make(ChangeSet)
	seen := make(map[string]struct{})

	for name, toVal := range to.fields {
		seen[name] = struct{}{}
		fromVal, had := from.fields[name]
		if !had {
			cs[name] = &Change{Kind: ChangeSet, Value: toVal.Clone()}
			continue
		}
		if c := diffValue(fromVal, toVal); c != nil {
			cs[name] = c
		}
	}
	for name := range from.fields {
		if _, ok := seen[name]; ok {
			continue
		}
		cs[name] = &Change{Kind: ChangeClear}
	}
	return cs
}

// Patch applies cs to it and returns the resulting Item; it is left
// unmodified.
func Patch(it *Item, cs ChangeSet) *Item {
	out := it.Clone()
	for name, c := range cs {
		applyChange(out, name, c)
	}
	return out
}

func applyChange(it *Item, name string, c *Change) {
	switch c.Kind {
	case ChangeClear:
		it.Clear(name)
	case ChangeSet:
		it.Set(name, c.Value)
	case ChangeSetDelta:
		cur, _ := it.fields[name]
		it.Set(name, applySetDelta(cur, c))
	case ChangeListSplice:
		cur, _ := it.fields[name]
		it.Set(name, applyListOps(cur, c.ListOps))
	case ChangeMapDelta:
		cur, ok := it.fields[name]
		if !ok {
			cur = value.Map(nil)
		}
		it.Set(name, applyMapDelta(cur, c))
	case ChangeRichTextEdit:
		cur, _ := it.fields[name]
		it.Set(name, applyTextOps(cur, c.TextOps))
	}
}

func diffValue(from, to value.Value) *Change {
	if value.Equal(from, to) {
		return nil
	}
	if from.Kind() != to.Kind() {
		return &Change{Kind: ChangeSet, Value: to.Clone()}
	}
	switch to.Kind() {
	case value.KindSet:
		return diffSet(from, to)
	case value.KindList:
		return diffList(from, to)
	case value.KindMap:
		return diffMap(from, to)
	case value.KindRichText:
		return diffRichText(from, to)
	default:
		return &Change{Kind: ChangeSet, Value: to.Clone()}
	}
}

func diffSet(from, to value.Value) *Change {
	fromItems, _ := from.AsSet()
	toItems, _ := to.AsSet()
	fromSet := make(map[string]value.Value, len(fromItems))
	for _, v := range fromItems {
		fromSet[string(value.Canonical(v))] = v
	}
	toSet := make(map[string]value.Value, len(toItems))
	for _, v := range toItems {
		toSet[string(value.Canonical(v))] = v
	}

	var adds, removes []value.Value
	for k, v := range toSet {
		if _, ok := fromSet[k]; !ok {
			adds = append(adds, v)
		}
	}
	for k, v := range fromSet {
		if _, ok := toSet[k]; !ok {
			removes = append(removes, v)
		}
	}
	if len(adds) == 0 && len(removes) == 0 {
		return nil
	}
	sortByCanonical(adds)
	sortByCanonical(removes)
	return &Change{Kind: ChangeSetDelta, SetAdds: adds, SetRemoves: removes}
}

func sortByCanonical(vs []value.Value) {
	sort.Slice(vs, func(i, j int) bool {
		return string(value.Canonical(vs[i])) < string(value.Canonical(vs[j]))
	})
}

func applySetDelta(cur value.Value, c *Change) value.Value {
	items, _ := cur.AsSet()
	removed := make(map[string]struct{}, len(c.SetRemoves))
	for _, r := range c.SetRemoves {
		removed[string(value.Canonical(r))] = struct{}{}
	}
	out := make([]value.Value, 0, len(items)+len(c.SetAdds))
	for _, v := range items {
		if _, gone := removed[string(value.Canonical(v))]; gone {
			continue
		}
		out = append(out, v)
	}
	out = append(out, c.SetAdds...)
	return value.Set(out)
}

// diffList produces a minimal splice (LCS-based) between two lists. This is
// a practical, deterministic realization of "operational-transform style
// splice merge" (§4.6): concurrent inserts at the same index are ordered by
// the merge algorithm's tie-break, not here — Diff only describes a single
// one-sided edit.
func diffList(from, to value.Value) *Change {
	a, _ := from.AsList()
	b, _ := to.AsList()
	lcs := longestCommonSubsequence(a, b)

	var ops []ListOp
	ai, bi, li := 0, 0, 0
	// Remove elements of a not in the LCS, insert elements of b not in the
	// LCS, walking both sequences against the common subsequence.
	for ai < len(a) || bi < len(b) {
		if li < len(lcs) && ai < len(a) && value.Equal(a[ai], lcs[li]) && bi < len(b) && value.Equal(b[bi], lcs[li]) {
			ai++
			bi++
			li++
			continue
		}
		if ai < len(a) && (li >= len(lcs) || !value.Equal(a[ai], lcs[li])) {
			ops = append(ops, ListOp{Insert: false, Index: ai})
			ai++
			continue
		}
		if bi < len(b) {
			ops = append(ops, ListOp{Insert: true, Index: bi, Value: b[bi].Clone()})
			bi++
		}
	}
	if len(ops) == 0 {
		return nil
	}
	return &Change{Kind: ChangeListSplice, ListOps: ops}
}

func longestCommonSubsequence(a, b []value.Value) []value.Value {
	n, m := len(a), len(b)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if value.Equal(a[i], b[j]) {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}
	var out []value.Value
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case value.Equal(a[i], b[j]):
			out = append(out, a[i])
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return out
}

// applyListOps replays a splice op sequence against cur. Removes are
// applied first (by original index, descending, so earlier removes don't
// shift later indices), then inserts (by target index, ascending).
func applyListOps(cur value.Value, ops []ListOp) value.Value {
	items, _ := cur.AsList()
	working := append([]value.Value(nil), items...)

	removeIdx := make([]int, 0)
	var inserts []ListOp
	for _, op := range ops {
		if op.Insert {
			inserts = append(inserts, op)
		} else {
			removeIdx = append(removeIdx, op.Index)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(removeIdx)))
	for _, idx := range removeIdx {
		if idx >= 0 && idx < len(working) {
			working = append(working[:idx], working[idx+1:]...)
		}
	}
	sort.Slice(inserts, func(i, j int) bool { return inserts[i].Index < inserts[j].Index })
	for _, op := range inserts {
		idx := op.Index
		if idx > len(working) {
			idx = len(working)
		}
		if idx < 0 {
			idx = 0
		}
		working = append(working, value.Null)
		copy(working[idx+1:], working[idx:])
		working[idx] = op.Value
	}
	return value.List(working)
}

func diffMap(from, to value.Value) *Change {
	a, _ := from.AsMap()
	b, _ := to.AsMap()
	ops := make(map[string]*Change)
	for k, bv := range b {
		av, had := a[k]
		if !had {
			ops[k] = &Change{Kind: ChangeSet, Value: bv.Clone()}
			continue
		}
		if c := diffValue(av, bv); c != nil {
			ops[k] = c
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			ops[k] = nil
		}
	}
	if len(ops) == 0 {
		return nil
	}
	return &Change{Kind: ChangeMapDelta, MapOps: ops}
}

func applyMapDelta(cur value.Value, c *Change) value.Value {
	m, _ := cur.AsMap()
	out := make(map[string]value.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	for k, sub := range c.MapOps {
		if sub == nil {
			delete(out, k)
			continue
		}
		existing, ok := out[k]
		if !ok {
			existing = value.Null
		}
		tmpItem := &Item{fields: map[string]value.Value{"v": existing}, dirty: map[string]struct{}{}}
		applyChange(tmpItem, "v", sub)
		out[k] = tmpItem.fields["v"]
	}
	return value.Map(out)
}

// diffRichText reduces two rich-text trees to a single flat-offset edit: the
// common prefix and suffix of the flattened character streams are trimmed,
// and the remaining middle span is replaced. This is the "flat-representation
// diff" §4.6 describes; resolving *concurrent* edits from two such diffs by
// character offset is the merge algorithm's job (internal/merge), not this
// function's.
func diffRichText(from, to value.Value) *Change {
	fa, _ := from.AsRichText()
	tb, _ := to.AsRichText()
	aText := flattenText(fa)
	bText := flattenText(tb)
	if aText == bText {
		return nil
	}

	prefix := commonPrefixLen(aText, bText)
	suffix := commonSuffixLen(aText[prefix:], bText[prefix:])

	aMid := aText[prefix : len(aText)-suffix]
	bMid := bText[prefix : len(bText)-suffix]

	return &Change{Kind: ChangeRichTextEdit, TextOps: []TextOp{{
		Offset:    prefix,
		DeleteLen: len(aMid),
		Insert:    bMid,
	}}}
}

func flattenText(rt *value.RichText) string {
	if rt == nil {
		return ""
	}
	var buf []byte
	for _, run := range rt.Flatten() {
		buf = append(buf, run.Text...)
	}
	return string(buf)
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func commonSuffixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[len(a)-1-i] == b[len(b)-1-i] {
		i++
	}
	return i
}

// applyTextOps rebuilds a flat rich-text tree (a single text node under a
// "doc" root) reflecting the edit. Structural (element) richness from the
// original tree is not preserved across a flat-offset patch; internal/merge's
// rich-text merge rebuilds the same flat shape, so no path in this module
// keeps element structure through a text edit.
func applyTextOps(cur value.Value, ops []TextOp) value.Value {
	rt, _ := cur.AsRichText()
	text := flattenText(rt)
	for _, op := range ops {
		end := op.Offset + op.DeleteLen
		if end > len(text) {
			end = len(text)
		}
		if op.Offset > len(text) {
			op.Offset = len(text)
		}
		text = text[:op.Offset] + op.Insert + text[end:]
	}
	out := value.NewRichText("doc")
	if text != "" {
		_, _ = out.AddText(out.Root(), text)
	}
	return value.FromRichText(out)
}
