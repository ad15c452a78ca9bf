package goatctx

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatdb/goatdb/internal/item"
	"github.com/goatdb/goatdb/internal/query"
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
		},
	}))
	return reg
}

func TestOpenRepositorySignsLocallyAuthoredCommits(t *testing.T) {
	pool := trust.NewPool()
	_, err := pool.CreateSession("sess-1", "peer", time.Hour)
	require.NoError(t, err)

	ctx := New(testRegistry(t), pool, BuildInfo{Version: "v1"})
	repo, err := ctx.OpenRepository(filepath.Join(t.TempDir(), "repo.log"), "task", 1, "sess-1")
	require.NoError(t, err)
	defer repo.Close()

	it, err := item.New(ctx.Schemas, "task", 1, map[string]value.Value{"title": value.Str("x")})
	require.NoError(t, err)
	id, err := repo.SetValueForKey("/task/1", it, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestOpenRepositoryWithoutTrustPoolLeavesCommitsUnsigned(t *testing.T) {
	ctx := New(testRegistry(t), nil, BuildInfo{Version: "v1"})
	repo, err := ctx.OpenRepository(filepath.Join(t.TempDir(), "repo.log"), "task", 1, "sess-1")
	require.NoError(t, err)
	defer repo.Close()

	it, err := item.New(ctx.Schemas, "task", 1, map[string]value.Value{"title": value.Str("x")})
	require.NoError(t, err)
	_, err = repo.SetValueForKey("/task/1", it, "")
	require.NoError(t, err)
}

func TestNewQueryBindsDefinitionToRepository(t *testing.T) {
	ctx := New(testRegistry(t), nil, BuildInfo{Version: "v1"})
	repo, err := ctx.OpenRepository(filepath.Join(t.TempDir(), "repo.log"), "task", 1, "sess-1")
	require.NoError(t, err)
	defer repo.Close()

	q := ctx.NewQuery(repo, query.Definition{
		Predicate:        func(it *item.Item, _ any) bool { return true },
		PredicateVersion: "v1",
	})
	assert.NotNil(t, q)
}
