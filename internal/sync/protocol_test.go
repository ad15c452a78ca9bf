package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatdb/goatdb/internal/commit"
	"github.com/goatdb/goatdb/internal/value"
)

func mkCommit(t *testing.T, key string, age uint64) *commit.Commit {
	t.Helper()
	c := &commit.Commit{
		Key:       key,
		Session:   "sess-1",
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Contents:  commit.Contents{Snapshot: map[string]value.Value{"n": value.Int(int64(age))}},
	}
	c.ID = commit.ComputeID(c)
	c.Age = age
	return c
}

func TestBuildMessageFilterContainsAllGivenIDs(t *testing.T) {
	ids := []string{"a", "b", "c"}
	msg := BuildMessage(ids, 3, "v1")
	for _, id := range ids {
		assert.True(t, msg.Filter.Contains([]byte(id)))
	}
	assert.Equal(t, 3, msg.Size)
}

func TestMissingCommitsExcludesWhatPeerAlreadyHas(t *testing.T) {
	local := []*commit.Commit{mkCommit(t, "/k/1", 1), mkCommit(t, "/k/2", 2)}

	peerMsg := BuildMessage([]string{local[0].ID}, 3, "v1")
	missing := MissingCommits(local, peerMsg.Filter, 0)

	require.Len(t, missing, 1)
	assert.Equal(t, local[1].ID, missing[0].ID)
}

func TestMissingCommitsTruncatesOldestAgeFirst(t *testing.T) {
	local := []*commit.Commit{
		mkCommit(t, "/k/3", 30),
		mkCommit(t, "/k/1", 10),
		mkCommit(t, "/k/2", 20),
	}
	emptyFilter := BuildMessage(nil, 3, "v1").Filter

	missing := MissingCommits(local, emptyFilter, 2)
	require.Len(t, missing, 2)
	assert.Equal(t, uint64(10), missing[0].Age)
	assert.Equal(t, uint64(20), missing[1].Age)
}

func TestNextCyclesForcesTightFilterAfterLocalWrite(t *testing.T) {
	assert.Equal(t, 1, NextCycles(3, true))
	assert.Equal(t, 3, NextCycles(3, false))
}
