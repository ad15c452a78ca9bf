package repository

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatdb/goatdb/internal/commit"
	"github.com/goatdb/goatdb/internal/item"
	"github.com/goatdb/goatdb/internal/schema"
	"github.com/goatdb/goatdb/internal/trust"
	"github.com/goatdb/goatdb/internal/value"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(&schema.Schema{
		Namespace: "task",
		Version:   1,
		Fields: map[string]schema.FieldDef{
			"title": {Type: value.KindStr, Default: value.Str("")},
			"done":  {Type: value.KindBool, Default: value.Bool(false)},
		},
	}))
	return reg
}

func openRepo(t *testing.T, session string) *Repository {
	t.Helper()
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "repo.log"), Options{
		Namespace:    "task",
		Version:      1,
		Registry:     testRegistry(t),
		Session:      session,
		BuildVersion: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestSetThenGetRoundTrips(t *testing.T) {
	r := openRepo(t, "sess-1")

	it, err := item.New(r.opts.Registry, "task", 1, map[string]value.Value{"title": value.Str("write tests")})
	require.NoError(t, err)

	id, err := r.SetValueForKey("/task/1", it, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, head, err := r.ValueForKey("/task/1")
	require.NoError(t, err)
	assert.Equal(t, id, head)
	title, ok := got.Get("title")
	require.True(t, ok)
	s, _ := title.AsStr()
	assert.Equal(t, "write tests", s)
}

func TestValueForKeyOnUnknownKeyReturnsNil(t *testing.T) {
	r := openRepo(t, "sess-1")
	it, head, err := r.ValueForKey("/task/missing")
	require.NoError(t, err)
	assert.Nil(t, it)
	assert.Empty(t, head)
}

func TestSetValueForKeyAdmitsStaleExpectedHeadAsNewLeaf(t *testing.T) {
	r := openRepo(t, "sess-1")

	a, _ := item.New(r.opts.Registry, "task", 1, map[string]value.Value{"title": value.Str("a")})
	head1, err := r.SetValueForKey("/task/1", a, "")
	require.NoError(t, err)

	b, _ := item.New(r.opts.Registry, "task", 1, map[string]value.Value{"title": value.Str("b")})
	head2, err := r.SetValueForKey("/task/1", b, head1)
	require.NoError(t, err)
	assert.NotEqual(t, head1, head2)

	// A third write racing against the same (now stale) expected head is
	// still admitted — it never fails on contention.
	c, _ := item.New(r.opts.Registry, "task", 1, map[string]value.Value{"title": value.Str("c")})
	head3, err := r.SetValueForKey("/task/1", c, head1)
	require.NoError(t, err)
	assert.NotEqual(t, head2, head3)

	// Reading back now synthesizes a merge of head2 and head3.
	merged, mergedHead, err := r.ValueForKey("/task/1")
	require.NoError(t, err)
	assert.NotEmpty(t, mergedHead)
	assert.NotNil(t, merged)
}

func TestPersistCommitsSkipsAlreadyKnown(t *testing.T) {
	r := openRepo(t, "sess-1")
	it, _ := item.New(r.opts.Registry, "task", 1, map[string]value.Value{"title": value.Str("a")})
	id, err := r.SetValueForKey("/task/1", it, "")
	require.NoError(t, err)

	c, ok := r.graph.Get(id)
	require.True(t, ok)

	n, err := r.PersistCommits([]*commit.Commit{c}, "peer-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a commit already known to the graph contributes nothing new")
}

func TestPersistCommitsAcceptsNewOnesAndEmitsNewCommitSync(t *testing.T) {
	r := openRepo(t, "sess-1")
	events, unsubscribe := r.Subscribe()
	defer unsubscribe()

	incoming := &commit.Commit{
		Key:          "/task/2",
		Session:      "sess-2",
		Timestamp:    time.Now().UTC(),
		BuildVersion: "peer",
		Contents:     commit.Contents{Snapshot: map[string]value.Value{"title": value.Str("from peer")}},
	}
	incoming.ID = commit.ComputeID(incoming)

	n, err := r.PersistCommits([]*commit.Commit{incoming}, "peer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev := <-events
	sync, ok := ev.(NewCommitSync)
	require.True(t, ok)
	assert.Equal(t, incoming.ID, sync.ID)
	assert.Equal(t, "peer-1", sync.FromPeer)

	got, _, err := r.ValueForKey("/task/2")
	require.NoError(t, err)
	title, _ := got.Get("title")
	s, _ := title.AsStr()
	assert.Equal(t, "from peer", s)
}

func TestReopenReplaysLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repo.log")
	reg := testRegistry(t)

	r1, err := Open(path, Options{Namespace: "task", Version: 1, Registry: reg, Session: "sess-1", BuildVersion: "test"})
	require.NoError(t, err)
	it, _ := item.New(reg, "task", 1, map[string]value.Value{"title": value.Str("persisted")})
	id, err := r1.SetValueForKey("/task/1", it, "")
	require.NoError(t, err)
	require.NoError(t, r1.Close())

	r2, err := Open(path, Options{Namespace: "task", Version: 1, Registry: reg, Session: "sess-1", BuildVersion: "test"})
	require.NoError(t, err)
	defer r2.Close()

	got, head, err := r2.ValueForKey("/task/1")
	require.NoError(t, err)
	assert.Equal(t, id, head)
	title, _ := got.Get("title")
	s, _ := title.AsStr()
	assert.Equal(t, "persisted", s)
}

func TestCloseRejectsFurtherWrites(t *testing.T) {
	r := openRepo(t, "sess-1")
	require.NoError(t, r.Close())

	it, _ := item.New(r.opts.Registry, "task", 1, nil)
	_, err := r.SetValueForKey("/task/1", it, "")
	require.Error(t, err)
	var serr *RepoStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StateClosed, serr.State)
}

func TestSubscribeReceivesNewCommitAndDocumentChanged(t *testing.T) {
	r := openRepo(t, "sess-1")
	events, unsubscribe := r.Subscribe()
	defer unsubscribe()

	it, _ := item.New(r.opts.Registry, "task", 1, map[string]value.Value{"title": value.Str("x")})
	id, err := r.SetValueForKey("/task/1", it, "")
	require.NoError(t, err)

	var gotNewCommit, gotDocChanged bool
	for i := 0; i < 2; i++ {
		ev := <-events
		switch e := ev.(type) {
		case NewCommit:
			assert.Equal(t, id, e.ID)
			gotNewCommit = true
		case DocumentChanged:
			assert.Equal(t, id, e.NewHead)
			gotDocChanged = true
		}
	}
	assert.True(t, gotNewCommit)
	assert.True(t, gotDocChanged)
}

func TestSignerAndVerifierGatePersistCommits(t *testing.T) {
	pool := trust.NewPool()
	_, err := pool.CreateSession("sess-1", "peer", time.Hour)
	require.NoError(t, err)

	dir := t.TempDir()
	reg := testRegistry(t)
	r, err := Open(filepath.Join(dir, "repo.log"), Options{
		Namespace: "task", Version: 1, Registry: reg, Session: "sess-1", BuildVersion: "test",
		Signer:   func(c *commit.Commit) commit.Signature { return pool.SignCommit("sess-1", c) },
		Verifier: pool.VerifyCommit,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	it, _ := item.New(reg, "task", 1, map[string]value.Value{"title": value.Str("signed")})
	id, err := r.SetValueForKey("/task/1", it, "")
	require.NoError(t, err)

	c, ok := r.graph.Get(id)
	require.True(t, ok)
	assert.Equal(t, "sess-1", c.Signature.SessionID)
	assert.NotEmpty(t, c.Signature.Bytes)

	unsigned := &commit.Commit{
		Key:          "/task/2",
		Session:      "sess-2",
		Timestamp:    time.Now().UTC(),
		BuildVersion: "peer",
		Contents:     commit.Contents{Snapshot: map[string]value.Value{"title": value.Str("no sig")}},
	}
	unsigned.ID = commit.ComputeID(unsigned)

	n, err := r.PersistCommits([]*commit.Commit{unsigned}, "peer-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "an unsigned commit is rejected rather than failing the whole batch")
}

func TestCommitsFiltersBySession(t *testing.T) {
	r := openRepo(t, "sess-1")
	it, _ := item.New(r.opts.Registry, "task", 1, map[string]value.Value{"title": value.Str("a")})
	_, err := r.SetValueForKey("/task/1", it, "")
	require.NoError(t, err)

	assert.Equal(t, 1, r.NumCommits("sess-1"))
	assert.Equal(t, 0, r.NumCommits("sess-2"))
	assert.Equal(t, 1, r.NumCommits("root"))
}

func TestDurabilityFailureDegradesRepositoryAndRejectsFurtherWrites(t *testing.T) {
	r := openRepo(t, "sess-1")
	events, unsubscribe := r.Subscribe()
	defer unsubscribe()

	// Force the next Append to fail as if the log's file handle were lost,
	// without going through the normal Close path (which the repository
	// itself calls on shutdown).
	require.NoError(t, r.log.Close())

	it, _ := item.New(r.opts.Registry, "task", 1, map[string]value.Value{"title": value.Str("a")})
	_, err := r.SetValueForKey("/task/1", it, "")
	require.Error(t, err)
	assert.Equal(t, StateDegraded, r.State())

	ev := <-events
	df, ok := ev.(DurabilityFailed)
	require.True(t, ok)
	assert.Equal(t, "set_value_for_key", df.Op)

	_, err = r.SetValueForKey("/task/2", it, "")
	require.Error(t, err)
	var serr *RepoStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StateDegraded, serr.State)
}
