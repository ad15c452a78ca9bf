package merge

import (
	"sort"

	"github.com/goatdb/goatdb/internal/value"
)

// mergeListValues implements §4.6's list rule: operational-transform style
// splice merge. Each leaf is aligned to base via a longest-common-
// subsequence edit script (mirroring internal/item's single-sided list
// diff, but kept anchor-grained here since an n-way merge needs to know
// *where* relative to base each leaf inserted, not just a flattened op
// list). A base element removed by any leaf is dropped (removes are
// idempotent); concurrent inserts anchored at the same base position are
// ordered by tie-break.
func mergeListValues(base value.Value, basePresent bool, changed []proposal) value.Value {
	var baseItems []value.Value
	if basePresent {
		baseItems, _ = base.AsList()
	}

	type align struct {
		kept    []bool
		inserts map[int][]value.Value
		p       proposal
	}
	aligns := make([]align, 0, len(changed))
	for _, p := range changed {
		var leafItems []value.Value
		if p.Present {
			leafItems, _ = p.Value.AsList()
		}
		kept, inserts := alignToBase(baseItems, leafItems)
		aligns = append(aligns, align{kept, inserts, p})
	}

	keepFinal := make([]bool, len(baseItems))
	for i := range keepFinal {
		keepFinal[i] = true
	}
	for _, a := range aligns {
		for i, k := range a.kept {
			if !k {
				keepFinal[i] = false
			}
		}
	}

	type insertion struct {
		v     value.Value
		p     proposal
		order int
	}
	emit := func(anchor int) []value.Value {
		var all []insertion
		for _, a := range aligns {
			for idx, v := range a.inserts[anchor] {
				all = append(all, insertion{v, a.p, idx})
			}
		}
		sort.SliceStable(all, func(i, j int) bool {
			if !all[i].p.Timestamp.Equal(all[j].p.Timestamp) {
				return all[i].p.Timestamp.Before(all[j].p.Timestamp)
			}
			if all[i].p.CommitID != all[j].p.CommitID {
				return all[i].p.CommitID < all[j].p.CommitID
			}
			return all[i].order < all[j].order
		})
		out := make([]value.Value, len(all))
		for i, e := range all {
			out[i] = e.v
		}
		return out
	}

	var out []value.Value
	for i := 0; i <= len(baseItems); i++ {
		out = append(out, emit(i)...)
		if i < len(baseItems) && keepFinal[i] {
			out = append(out, baseItems[i])
		}
	}
	return value.List(out)
}

// alignToBase diffs leaf against base via LCS and returns, per base index,
// whether it survives in leaf, plus the values leaf inserted anchored at
// each base position (anchor i means "before base[i]"; anchor
// len(base) means "at the end").
func alignToBase(base, leaf []value.Value) (kept []bool, inserts map[int][]value.Value) {
	lcs := lcsSeq(base, leaf)
	kept = make([]bool, len(base))
	inserts = make(map[int][]value.Value)

	bi, li, ci := 0, 0, 0
	for bi < len(base) || li < len(leaf) {
		if ci < len(lcs) && bi < len(base) && li < len(leaf) &&
			value.Equal(base[bi], lcs[ci]) && value.Equal(leaf[li], lcs[ci]) {
			kept[bi] = true
			bi++
			li++
			ci++
			continue
		}
		if bi < len(base) && (ci >= len(lcs) || !value.Equal(base[bi], lcs[ci])) {
			kept[bi] = false
			bi++
			continue
		}
		if li < len(leaf) {
			inserts[bi] = append(inserts[bi], leaf[li])
			li++
		}
	}
	return kept, inserts
}

// lcsSeq returns the longest common subsequence of a and b, used to
// compute the minimal alignment between a leaf's list and its base.
func lcsSeq(a, b []value.Value) []value.Value {
	n, m := len(a), len(b)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			switch {
			case value.Equal(a[i], b[j]):
				dp[i][j] = dp[i+1][j+1] + 1
			case dp[i+1][j] >= dp[i][j+1]:
				dp[i][j] = dp[i+1][j]
			default:
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
