package commit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatdb/goatdb/internal/value"
)

func genesisCommit() *Commit {
	c := &Commit{
		Key:          "/t/1",
		Session:      "sess-1",
		Timestamp:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		BuildVersion: "test",
		Parents:      nil,
		Contents: Contents{Snapshot: map[string]value.Value{
			"text": value.Str("a"),
			"done": value.Bool(false),
		}},
	}
	c.ID = ComputeID(c)
	return c
}

func TestIdIntegrity(t *testing.T) {
	c := genesisCommit()
	assert.True(t, VerifyID(c))
}

func TestIdExcludesAgeAndSignature(t *testing.T) {
	c := genesisCommit()
	c.Age = 42
	c.Signature = Signature{SessionID: "sess-1", Bytes: []byte("sig"), Timestamp: time.Now()}
	assert.True(t, VerifyID(c), "age and signature must not affect the hashed id")
}

func TestIdChangesWithPayload(t *testing.T) {
	a := genesisCommit()
	b := genesisCommit()
	b.Contents.Snapshot["text"] = value.Str("b")
	b.ID = ComputeID(b)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestTieBreakOrder(t *testing.T) {
	a := genesisCommit()
	b := genesisCommit()
	b.Timestamp = a.Timestamp
	b.Key = "/t/2"
	b.ID = ComputeID(b)
	require.NotEqual(t, a.ID, b.ID)

	lo, hi := a, b
	if hi.ID < lo.ID {
		lo, hi = hi, lo
	}
	assert.True(t, Less(lo, hi))
	assert.False(t, Less(hi, lo))
}

func TestIsGenesisAndIsMerge(t *testing.T) {
	g := genesisCommit()
	assert.True(t, g.IsGenesis())
	assert.False(t, g.IsMerge())

	m := genesisCommit()
	m.Parents = []string{"a", "b"}
	m.ID = ComputeID(m)
	assert.False(t, m.IsGenesis())
	assert.True(t, m.IsMerge())
}
