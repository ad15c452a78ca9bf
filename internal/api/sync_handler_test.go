package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatdb/goatdb/internal/item"
	"github.com/goatdb/goatdb/internal/repository"
	"github.com/goatdb/goatdb/internal/schema"
	"github.com/goatdb/goatdb/internal/sync"
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

func openRepo(t *testing.T, reg *schema.Registry, session string) *repository.Repository {
	t.Helper()
	r, err := repository.Open(filepath.Join(t.TempDir(), "repo.log"), repository.Options{
		Namespace: "task", Version: 1, Registry: reg, Session: session, BuildVersion: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestSyncRoundPushesMissingCommitsBothWays(t *testing.T) {
	reg := testRegistry(t)
	serverRepo := openRepo(t, reg, "server-sess")
	it, _ := item.New(reg, "task", 1, map[string]value.Value{"title": value.Str("on server")})
	_, err := serverRepo.SetValueForKey("/task/server-1", it, "")
	require.NoError(t, err)

	srv := NewServer("127.0.0.1:0", "test", slog.Default())
	srv.Register("repo1", serverRepo)

	clientMsg := sync.BuildMessage(nil, 1, "test")
	body, err := json.Marshal(roundRequest{
		Filter:       clientMsg.Filter.Serialize(),
		Size:         clientMsg.Size,
		Cycles:       clientMsg.Cycles,
		BuildVersion: "test",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/sync/repo1/round", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	var resp roundResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Len(t, resp.Push, 1)
	assert.Equal(t, "/task/server-1", resp.Push[0].Key)
}

func TestSyncRoundUnknownRepositoryReturns404(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "test", slog.Default())
	req := httptest.NewRequest(http.MethodPost, "/sync/nope/round", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
