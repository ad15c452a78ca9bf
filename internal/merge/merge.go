// Package merge implements GoatDB's deterministic three-way merge over
// structured documents (component C7): base selection via the commit
// graph, and per-field merge rules for scalars, sets, maps, lists, and
// rich text.
package merge

import (
	"sort"
	"time"

	"github.com/goatdb/goatdb/internal/commit"
	"github.com/goatdb/goatdb/internal/graph"
	"github.com/goatdb/goatdb/internal/item"
	"github.com/goatdb/goatdb/internal/value"
)

// mergeSession is the fixed session id stamped on every synthetic merge
// commit. Determinism across peers (§4.6 step 4: "any two peers with the
// same leaf set produce bitwise-identical merge commits") requires every
// hashed field of the merge commit to be a pure function of the leaf set —
// the merging peer's own session id is not, so merge commits never carry
// it.
const mergeSession = "merge"

// Leaf is one input to Merge: a leaf commit's id and timestamp (used for
// last-writer-wins tie-breaks) plus its materialized item.
type Leaf struct {
	CommitID  string
	Timestamp time.Time
	Item      *item.Item
}

// Fallback records a field whose merge hit an unresolvable type mismatch
// (schema drift not covered by an upgrade) and was resolved by
// last-writer-wins instead, per §4.6's Failure clause.
type Fallback struct {
	Key   string
	Field string
}

// SelectBase picks the merge base for a set of leaves: it computes the
// pairwise LCA of every leaf pair, then among those candidates selects the
// one that is a common ancestor of every leaf (by ancestor containment),
// preferring the deepest (closest to the leaves) when more than one
// qualifies. Returns ok=false if leaves is empty or no common ancestor
// exists, in which case callers should merge against the schema's null
// item (§4.6 step 2).
func SelectBase(g *graph.Graph, leaves []string) (id string, ok bool) {
	switch len(leaves) {
	case 0:
		return "", false
	case 1:
		return leaves[0], true
	}

	candidates := make(map[string]struct{})
	for i := 0; i < len(leaves); i++ {
		for j := i + 1; j < len(leaves); j++ {
			if lca, found := g.LCA(leaves[i], leaves[j]); found {
				candidates[lca] = struct{}{}
			}
		}
	}

	var ids []string
	for c := range candidates {
		ids = append(ids, c)
	}
	sort.Strings(ids)

	best, bestDepth := "", -1
	for _, c := range ids {
		depth, ok := ancestorDepth(g, leaves[0], c)
		if !ok || !isAncestorOfAll(g, c, leaves) {
			continue
		}
		if bestDepth == -1 || depth < bestDepth || (depth == bestDepth && c < best) {
			best, bestDepth = c, depth
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

func ancestorDepth(g *graph.Graph, from, to string) (int, bool) {
	path, ok := g.Path(from, to)
	if !ok {
		return 0, false
	}
	return len(path) - 1, true
}

func isAncestorOfAll(g *graph.Graph, id string, leaves []string) bool {
	for _, l := range leaves {
		if id == l {
			continue
		}
		if _, ok := g.Path(l, id); !ok {
			return false
		}
	}
	return true
}

// Merge computes the field-wise three-way merge of leaves against base,
// per §4.6 steps 3-4. With a single leaf it is returned unchanged (step
// 1's "|L|=1" path belongs to the repository, which never calls Merge in
// that case, but Merge handles it gracefully anyway). Any field whose
// leaves disagree on kind without a consistent resolution is resolved by
// last-writer-wins and reported in the returned fallback list.
func Merge(key string, base *item.Item, leaves []Leaf) (*item.Item, []Fallback) {
	if len(leaves) == 1 {
		return leaves[0].Item.Clone(), nil
	}

	merged := base.Clone()
	var fallbacks []Fallback

	names := make(map[string]struct{})
	for f := range base.Fields() {
		names[f] = struct{}{}
	}
	for _, l := range leaves {
		for f := range l.Item.Fields() {
			names[f] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(names))
	for f := range names {
		sorted = append(sorted, f)
	}
	sort.Strings(sorted)

	for _, f := range sorted {
		baseVal, basePresent := base.Get(f)
		props := make([]proposal, len(leaves))
		for i, l := range leaves {
			v, present := l.Item.Get(f)
			props[i] = proposal{Value: v, Present: present, CommitID: l.CommitID, Timestamp: l.Timestamp}
		}
		mv, present, mismatch := mergeValues(baseVal, basePresent, props)
		if mismatch {
			fallbacks = append(fallbacks, Fallback{Key: key, Field: f})
		}
		if present {
			merged.Set(f, mv)
		} else {
			merged.Clear(f)
		}
	}
	return merged, fallbacks
}

// BuildMergeCommit constructs the deterministic synthetic commit for a
// resolved merge, per §4.6 step 4: parents are every leaf (sorted — an
// n-way merge has no "ours"/"theirs" side to preserve via parent order),
// the timestamp is the latest leaf timestamp (not wall-clock time, so the
// commit id is a pure function of the leaf set), and contents is a full
// snapshot rather than a delta.
func BuildMergeCommit(key, buildVersion string, leaves []Leaf, merged *item.Item) *commit.Commit {
	parents := make([]string, len(leaves))
	ts := leaves[0].Timestamp
	for i, l := range leaves {
		parents[i] = l.CommitID
		if l.Timestamp.After(ts) {
			ts = l.Timestamp
		}
	}
	sort.Strings(parents)

	c := &commit.Commit{
		Key:          key,
		Session:      mergeSession,
		Timestamp:    ts,
		BuildVersion: buildVersion,
		Parents:      parents,
		Contents:     commit.Contents{Snapshot: merged.Fields()},
	}
	c.ID = commit.ComputeID(c)
	return c
}

// proposal is one leaf's candidate value for a field (or sub-key, when
// recursing through a map), carrying the tie-break metadata needed for
// last-writer-wins.
type proposal struct {
	Value     value.Value
	Present   bool
	CommitID  string
	Timestamp time.Time
}

// mergeValues resolves one field (or nested map key) across changed
// leaves against base. Leaves whose proposal equals base (same
// presence and, if present, canonically equal value) are not in
// conflict and are ignored; conflicts are resolved per Kind.
func mergeValues(base value.Value, basePresent bool, props []proposal) (result value.Value, present bool, mismatch bool) {
	changed := make([]proposal, 0, len(props))
	for _, p := range props {
		if p.Present != basePresent || (p.Present && basePresent && !value.Equal(p.Value, base)) {
			changed = append(changed, p)
		}
	}
	if len(changed) == 0 {
		return base, basePresent, false
	}
	if len(changed) == 1 {
		return changed[0].Value, changed[0].Present, false
	}

	presentCount := 0
	var kind value.Kind
	kindSet := false
	kindsAgree := true
	for _, p := range changed {
		if !p.Present {
			continue
		}
		presentCount++
		if !kindSet {
			kind, kindSet = p.Value.Kind(), true
		} else if p.Value.Kind() != kind {
			kindsAgree = false
		}
	}

	if presentCount == 0 {
		return value.Null, false, false
	}
	if presentCount < len(changed) || !kindsAgree {
		winner := lwwWinner(changed)
		return winner.Value, winner.Present, !kindsAgree
	}

	switch kind {
	case value.KindSet:
		return mergeSetValues(base, basePresent, changed), true, false
	case value.KindMap:
		return mergeMapValues(base, basePresent, changed), true, false
	case value.KindList:
		return mergeListValues(base, basePresent, changed), true, false
	case value.KindRichText:
		return mergeRichTextValues(base, basePresent, changed), true, false
	default:
		winner := lwwWinner(changed)
		return winner.Value, winner.Present, false
	}
}

// lwwWinner returns the proposal with the highest (timestamp, commit id),
// matching commit.Less's tie-break order.
func lwwWinner(props []proposal) proposal {
	best := props[0]
	for _, p := range props[1:] {
		if p.Timestamp.After(best.Timestamp) || (p.Timestamp.Equal(best.Timestamp) && p.CommitID > best.CommitID) {
			best = p
		}
	}
	return best
}

// mergeSetValues implements §4.6's set rule: union of additions minus
// union of removals. A value added by one leaf and removed by another
// (relative to base) ends up removed — the removal is applied last.
func mergeSetValues(base value.Value, basePresent bool, changed []proposal) value.Value {
	baseItems := canonicalSet(base, basePresent)

	adds := make(map[string]value.Value)
	removes := make(map[string]value.Value)
	for _, p := range changed {
		leafItems := canonicalSet(p.Value, p.Present)
		for k, v := range leafItems {
			if _, inBase := baseItems[k]; !inBase {
				adds[k] = v
			}
		}
		for k, v := range baseItems {
			if _, inLeaf := leafItems[k]; !inLeaf {
				removes[k] = v
			}
		}
	}

	out := make(map[string]value.Value, len(baseItems)+len(adds))
	for k, v := range baseItems {
		out[k] = v
	}
	for k, v := range adds {
		out[k] = v
	}
	for k := range removes {
		delete(out, k)
	}

	vals := make([]value.Value, 0, len(out))
	for _, v := range out {
		vals = append(vals, v)
	}
	return value.Set(vals)
}

func canonicalSet(v value.Value, present bool) map[string]value.Value {
	out := make(map[string]value.Value)
	if !present {
		return out
	}
	items, _ := v.AsSet()
	for _, it := range items {
		out[string(value.Canonical(it))] = it
	}
	return out
}

// mergeMapValues implements §4.6's per-key recursive map rule: every key
// present in base or any leaf is resolved independently via mergeValues.
func mergeMapValues(base value.Value, basePresent bool, changed []proposal) value.Value {
	var baseMap map[string]value.Value
	if basePresent {
		baseMap, _ = base.AsMap()
	}

	leafMaps := make([]map[string]value.Value, len(changed))
	keys := make(map[string]struct{})
	for k := range baseMap {
		keys[k] = struct{}{}
	}
	for i, p := range changed {
		if p.Present {
			leafMaps[i], _ = p.Value.AsMap()
		}
		for k := range leafMaps[i] {
			keys[k] = struct{}{}
		}
	}

	out := make(map[string]value.Value, len(keys))
	for k := range keys {
		bv, bok := baseMap[k]
		subProps := make([]proposal, len(changed))
		for i, p := range changed {
			lv, lok := leafMaps[i][k]
			subProps[i] = proposal{Value: lv, Present: lok, CommitID: p.CommitID, Timestamp: p.Timestamp}
		}
		mv, present, _ := mergeValues(bv, bok, subProps)
		if present {
			out[k] = mv
		}
	}
	return value.Map(out)
}
