package query

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatdb/goatdb/internal/item"
	"github.com/goatdb/goatdb/internal/repository"
	"github.com/goatdb/goatdb/internal/schema"
	"github.com/goatdb/goatdb/internal/value"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(&schema.Schema{
		Namespace: "task",
		Version:   1,
		Fields: map[string]schema.FieldDef{
			"text": {Type: value.KindStr, Default: value.Str("")},
			"done": {Type: value.KindBool, Default: value.Bool(false)},
		},
	}))
	return reg
}

func openRepo(t *testing.T, reg *schema.Registry) *repository.Repository {
	t.Helper()
	r, err := repository.Open(filepath.Join(t.TempDir(), "repo.log"), repository.Options{
		Namespace: "task", Version: 1, Registry: reg, Session: "sess-1", BuildVersion: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func notDone(it *item.Item, _ any) bool {
	done, _ := it.Get("done")
	b, _ := done.AsBool()
	return !b
}

func byText(it *item.Item) string {
	text, _ := it.Get("text")
	s, _ := text.AsStr()
	return s
}

func putTask(t *testing.T, r *repository.Repository, reg *schema.Registry, key, text string, done bool) {
	t.Helper()
	_, head, err := r.ValueForKey(key)
	require.NoError(t, err)
	it, err := item.New(reg, "task", 1, map[string]value.Value{
		"text": value.Str(text),
		"done": value.Bool(done),
	})
	require.NoError(t, err)
	_, err = r.SetValueForKey(key, it, head)
	require.NoError(t, err)
}

func TestQueryFirstRunFiltersAndSorts(t *testing.T) {
	reg := testRegistry(t)
	r := openRepo(t, reg)
	putTask(t, r, reg, "/task/3", "write docs", false)
	putTask(t, r, reg, "/task/1", "buy milk", false)
	putTask(t, r, reg, "/task/2", "ship it", true)

	q := New(r, Definition{Predicate: notDone, PredicateVersion: "v1", SortKey: byText, SortVersion: "v1"})
	require.NoError(t, q.Run(context.Background()))

	results := q.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "buy milk", results[0].SortKey)
	assert.Equal(t, "write docs", results[1].SortKey)
	assert.Greater(t, q.LastProcessedAge(), uint64(0))
}

func TestQueryIncrementalUpdateRemovesFlippedItem(t *testing.T) {
	reg := testRegistry(t)
	r := openRepo(t, reg)
	putTask(t, r, reg, "/task/1", "a", false)
	putTask(t, r, reg, "/task/2", "b", false)

	q := New(r, Definition{Predicate: notDone, PredicateVersion: "v1", SortKey: byText, SortVersion: "v1"})
	require.NoError(t, q.Run(context.Background()))
	require.Len(t, q.Results(), 2)

	ageBefore := q.LastProcessedAge()
	putTask(t, r, reg, "/task/2", "b", true)
	require.NoError(t, q.Run(context.Background()))

	results := q.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].SortKey)
	assert.Greater(t, q.LastProcessedAge(), ageBefore)
}

func TestQueryRunEmitsResultsChanged(t *testing.T) {
	reg := testRegistry(t)
	r := openRepo(t, reg)
	q := New(r, Definition{Predicate: notDone, PredicateVersion: "v1", SortKey: byText, SortVersion: "v1"})

	events, unsubscribe := q.Subscribe()
	defer unsubscribe()

	putTask(t, r, reg, "/task/1", "a", false)
	require.NoError(t, q.Run(context.Background()))

	ev := <-events
	assert.Equal(t, q.LastProcessedAge(), ev.LastProcessedAge)
}

func TestQueryRunWithNoNewCommitsIsANoop(t *testing.T) {
	reg := testRegistry(t)
	r := openRepo(t, reg)
	putTask(t, r, reg, "/task/1", "a", false)

	q := New(r, Definition{Predicate: notDone, PredicateVersion: "v1", SortKey: byText, SortVersion: "v1"})
	require.NoError(t, q.Run(context.Background()))
	age := q.LastProcessedAge()

	require.NoError(t, q.Run(context.Background()))
	assert.Equal(t, age, q.LastProcessedAge())
}

func TestQuerySaveAndOpenResumesFromCache(t *testing.T) {
	reg := testRegistry(t)
	r := openRepo(t, reg)
	putTask(t, r, reg, "/task/1", "a", false)
	putTask(t, r, reg, "/task/2", "b", false)

	def := Definition{Predicate: notDone, PredicateVersion: "v1", SortKey: byText, SortVersion: "v1"}
	q1 := New(r, def)
	require.NoError(t, q1.Run(context.Background()))

	cachePath := filepath.Join(t.TempDir(), "query.json")
	require.NoError(t, q1.Save(cachePath))

	q2, err := Open(r, def, cachePath)
	require.NoError(t, err)
	assert.Equal(t, q1.LastProcessedAge(), q2.LastProcessedAge())
	assert.Equal(t, q1.Results(), q2.Results())

	// A third task arrives after the cache was saved; Open only resumed the
	// boundary, Run still has to process it.
	putTask(t, r, reg, "/task/3", "c", false)
	require.NoError(t, q2.Run(context.Background()))
	assert.Len(t, q2.Results(), 3)
}

func TestOpenRescansWhenCacheKeyChanges(t *testing.T) {
	reg := testRegistry(t)
	r := openRepo(t, reg)
	putTask(t, r, reg, "/task/1", "a", false)

	def := Definition{Predicate: notDone, PredicateVersion: "v1", SortKey: byText, SortVersion: "v1"}
	q1 := New(r, def)
	require.NoError(t, q1.Run(context.Background()))
	cachePath := filepath.Join(t.TempDir(), "query.json")
	require.NoError(t, q1.Save(cachePath))

	changedDef := def
	changedDef.PredicateVersion = "v2"
	q2, err := Open(r, changedDef, cachePath)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), q2.LastProcessedAge())
	assert.Empty(t, q2.Results())
}

func TestQueryRunObservesCancellationAtCommitBoundary(t *testing.T) {
	reg := testRegistry(t)
	r := openRepo(t, reg)
	putTask(t, r, reg, "/task/1", "a", false)

	q := New(r, Definition{Predicate: notDone, PredicateVersion: "v1", SortKey: byText, SortVersion: "v1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Run(ctx)
	require.Error(t, err)
	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, ErrCancelled, qerr.Kind)
	assert.Equal(t, uint64(0), q.LastProcessedAge())
}
