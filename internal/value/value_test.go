package value

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalEqualityIgnoresConstructionOrder(t *testing.T) {
	a := Map(map[string]Value{
		"text": Str("hello"),
		"done": Bool(false),
	})
	b := Map(map[string]Value{
		"done": Bool(false),
		"text": Str("hello"),
	})
	assert.True(t, Equal(a, b))
	assert.Equal(t, Canonical(a), Canonical(b))
}

func TestCanonicalDistinguishesKinds(t *testing.T) {
	assert.NotEqual(t, Canonical(Int(0)), Canonical(Num(0)))
	assert.NotEqual(t, Canonical(Bool(false)), Canonical(Null))
}

func TestSetDeduplicatesAndOrdersCanonically(t *testing.T) {
	s := Set([]Value{Str("b"), Str("a"), Str("a")})
	items, ok := s.AsSet()
	require.True(t, ok)
	require.Len(t, items, 2)

	str0, _ := items[0].AsStr()
	str1, _ := items[1].AsStr()
	assert.Equal(t, "a", str0)
	assert.Equal(t, "b", str1)
}

func TestTimestampCanonicalUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	inLoc := time.Date(2026, 1, 1, 12, 0, 0, 0, loc)
	inUTC := inLoc.UTC()
	assert.Equal(t, Canonical(Timestamp(inLoc)), Canonical(Timestamp(inUTC)))
}

func TestCloneIsDeep(t *testing.T) {
	orig := List([]Value{Blob([]byte{1, 2, 3})})
	clone := orig.Clone()

	origList, _ := orig.AsList()
	cloneList, _ := clone.AsList()
	origBlob, _ := origList[0].AsBlob()
	origBlob[0] = 99

	cloneBlob, _ := cloneList[0].AsBlob()
	assert.Equal(t, byte(1), cloneBlob[0])
}

func TestRichTextFlattenAndMutationCounter(t *testing.T) {
	rt := NewRichText("doc")
	p, err := rt.AddElement(rt.Root(), "p", nil)
	require.NoError(t, err)
	_, err = rt.AddText(p, "hello ")
	require.NoError(t, err)
	_, err = rt.AddText(p, "world")
	require.NoError(t, err)

	before := rt.Mutation()
	runs := rt.Flatten()
	require.Len(t, runs, 2)
	assert.Equal(t, "hello ", runs[0].Text)
	assert.Equal(t, "world", runs[1].Text)

	require.NoError(t, rt.SetText(runs[0].NodeID, "hi "))
	assert.Greater(t, rt.Mutation(), before)
}

func TestPointerExpiry(t *testing.T) {
	rt := NewRichText("doc")
	textID, err := rt.AddText(rt.Root(), "abc")
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	rt.AddPointer(Pointer{NodeID: textID, Offset: 1, ExpiresAt: &past})
	future := time.Now().Add(time.Hour)
	rt.AddPointer(Pointer{NodeID: textID, Offset: 2, ExpiresAt: &future})

	live := rt.Pointers(time.Now())
	require.Len(t, live, 1)
	assert.Equal(t, 2, live[0].Offset)
}
