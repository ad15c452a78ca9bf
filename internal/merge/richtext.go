package merge

import (
	"sort"

	"github.com/goatdb/goatdb/internal/value"
)

// mergeRichTextValues implements §4.6's rich-text rule: a flat-
// representation diff against base, resolving concurrent edits by
// character offset with tie-break. Each leaf's edit is expressed as a
// prefix/suffix-trimmed replacement against base (the same reduction
// internal/item uses for a single-sided diff); edits are then replayed
// against the evolving text in tie-break order, each one's offsets
// reinterpreted against the post-prior-edit text via a running shift.
//
// The merged tree is rebuilt as flat text under a single root, the same
// simplification internal/item.applyTextOps makes for the Item-level
// round trip — inline pointers are not carried across a merge. A
// document that needs pointer continuity across concurrent edits is
// intentionally out of reach of this reduction; restoring it would need
// an anchor-remapping pass keyed by the pointer's node arena indices.
func mergeRichTextValues(base value.Value, basePresent bool, changed []proposal) value.Value {
	var baseText string
	if basePresent {
		rt, _ := base.AsRichText()
		baseText = flattenRT(rt)
	}

	type edit struct {
		start, end int // offsets into baseText
		mid        string
		p          proposal
	}
	var edits []edit
	for _, p := range changed {
		var leafText string
		if p.Present {
			rt, _ := p.Value.AsRichText()
			leafText = flattenRT(rt)
		}
		if leafText == baseText {
			continue
		}
		prefix := commonPrefixLen(baseText, leafText)
		suffix := commonSuffixLen(baseText[prefix:], leafText[prefix:])
		edits = append(edits, edit{
			start: prefix,
			end:   len(baseText) - suffix,
			mid:   leafText[prefix : len(leafText)-suffix],
			p:     p,
		})
	}
	if len(edits) == 0 {
		if basePresent {
			return base
		}
		return value.FromRichText(value.NewRichText("doc"))
	}

	sort.SliceStable(edits, func(i, j int) bool {
		if !edits[i].p.Timestamp.Equal(edits[j].p.Timestamp) {
			return edits[i].p.Timestamp.Before(edits[j].p.Timestamp)
		}
		return edits[i].p.CommitID < edits[j].p.CommitID
	})

	text := baseText
	shift := 0
	for _, e := range edits {
		start, end := e.start+shift, e.end+shift
		if start < 0 {
			start = 0
		}
		if end > len(text) {
			end = len(text)
		}
		if start > end {
			start = end
		}
		text = text[:start] + e.mid + text[end:]
		shift += len(e.mid) - (end - start)
	}

	out := value.NewRichText("doc")
	if text != "" {
		_, _ = out.AddText(out.Root(), text)
	}
	return value.FromRichText(out)
}

func flattenRT(rt *value.RichText) string {
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
