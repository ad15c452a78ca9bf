package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatdb/goatdb/internal/commit"
	"github.com/goatdb/goatdb/internal/value"
)

func mk(t *testing.T, key string, parents []string, text string, ts time.Time) *commit.Commit {
	t.Helper()
	c := &commit.Commit{
		Key:       key,
		Session:   "sess-1",
		Timestamp: ts,
		Parents:   parents,
		Contents:  commit.Contents{Snapshot: map[string]value.Value{"text": value.Str(text)}},
	}
	c.ID = commit.ComputeID(c)
	return c
}

func TestAddIsIdempotentByID(t *testing.T) {
	g := New()
	c := mk(t, "/t/1", nil, "a", time.Now())
	added, err := g.Add(c)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = g.Add(c)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, g.Len())
}

func TestAddRejectsSelfParentCycle(t *testing.T) {
	g := New()
	c := mk(t, "/t/1", nil, "a", time.Now())
	c.Parents = []string{c.ID}

	_, err := g.Add(c)
	require.Error(t, err)
	var gerr *GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrCycle, gerr.Kind)
	assert.False(t, gerr.Recoverable())
}

func TestAddRecordsShallowEdgeForUnknownParent(t *testing.T) {
	g := New()
	c := mk(t, "/t/1", []string{"missing-parent"}, "a", time.Now())

	added, err := g.Add(c)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, []string{"missing-parent"}, g.ShallowEdges())

	// Once the parent itself arrives, it's no longer shallow.
	parent := mk(t, "/t/1", nil, "root", time.Now().Add(-time.Minute))
	_, err = g.Add(&commit.Commit{
		ID:        "missing-parent",
		Key:       parent.Key,
		Session:   parent.Session,
		Timestamp: parent.Timestamp,
		Contents:  parent.Contents,
	})
	require.NoError(t, err)
	assert.Empty(t, g.ShallowEdges())
}

func TestLeavesTracksHeadMovement(t *testing.T) {
	g := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	root := mk(t, "/t/1", nil, "a", base)
	_, err := g.Add(root)
	require.NoError(t, err)
	assert.Equal(t, []string{root.ID}, g.Leaves("/t/1"))

	child := mk(t, "/t/1", []string{root.ID}, "b", base.Add(time.Second))
	_, err = g.Add(child)
	require.NoError(t, err)
	assert.Equal(t, []string{child.ID}, g.Leaves("/t/1"))
}

func TestLeavesBranchesWithTwoChildren(t *testing.T) {
	g := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	root := mk(t, "/t/1", nil, "a", base)
	_, err := g.Add(root)
	require.NoError(t, err)

	left := mk(t, "/t/1", []string{root.ID}, "left", base.Add(time.Second))
	right := mk(t, "/t/1", []string{root.ID}, "right", base.Add(2*time.Second))
	_, err = g.Add(left)
	require.NoError(t, err)
	_, err = g.Add(right)
	require.NoError(t, err)

	leaves := g.Leaves("/t/1")
	assert.ElementsMatch(t, []string{left.ID, right.ID}, leaves)
}

func TestLCAOfDiamond(t *testing.T) {
	g := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	root := mk(t, "/t/1", nil, "root", base)
	left := mk(t, "/t/1", []string{root.ID}, "left", base.Add(time.Second))
	right := mk(t, "/t/1", []string{root.ID}, "right", base.Add(2*time.Second))
	merge := mk(t, "/t/1", []string{left.ID, right.ID}, "merged", base.Add(3*time.Second))

	for _, c := range []*commit.Commit{root, left, right, merge} {
		_, err := g.Add(c)
		require.NoError(t, err)
	}

	lca, ok := g.LCA(left.ID, right.ID)
	require.True(t, ok)
	assert.Equal(t, root.ID, lca)

	lca, ok = g.LCA(merge.ID, left.ID)
	require.True(t, ok)
	assert.Equal(t, left.ID, lca)
}

func TestLCANoCommonAncestor(t *testing.T) {
	g := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := mk(t, "/t/1", nil, "a", base)
	b := mk(t, "/t/2", nil, "b", base)
	_, err := g.Add(a)
	require.NoError(t, err)
	_, err = g.Add(b)
	require.NoError(t, err)

	_, ok := g.LCA(a.ID, b.ID)
	assert.False(t, ok)
}

func TestPathFindsAncestorChain(t *testing.T) {
	g := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	root := mk(t, "/t/1", nil, "root", base)
	mid := mk(t, "/t/1", []string{root.ID}, "mid", base.Add(time.Second))
	tip := mk(t, "/t/1", []string{mid.ID}, "tip", base.Add(2*time.Second))

	for _, c := range []*commit.Commit{root, mid, tip} {
		_, err := g.Add(c)
		require.NoError(t, err)
	}

	path, ok := g.Path(tip.ID, root.ID)
	require.True(t, ok)
	assert.Equal(t, []string{root.ID, mid.ID, tip.ID}, path)

	_, ok = g.Path(root.ID, tip.ID)
	assert.False(t, ok, "path only follows ancestor edges, not descendant ones")
}

func TestAncestorsIteratorRespectsBound(t *testing.T) {
	g := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	root := mk(t, "/t/1", nil, "root", base)
	mid := mk(t, "/t/1", []string{root.ID}, "mid", base.Add(time.Second))
	tip := mk(t, "/t/1", []string{mid.ID}, "tip", base.Add(2*time.Second))
	for _, c := range []*commit.Commit{root, mid, tip} {
		_, err := g.Add(c)
		require.NoError(t, err)
	}

	it := g.Ancestors(tip.ID, 1)
	var seen []string
	for it.Next() {
		seen = append(seen, it.ID())
	}
	assert.Equal(t, []string{mid.ID}, seen)

	it = g.Ancestors(tip.ID, 0)
	seen = nil
	for it.Next() {
		seen = append(seen, it.ID())
	}
	assert.ElementsMatch(t, []string{mid.ID, root.ID}, seen)
}
