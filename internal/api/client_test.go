package api

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatdb/goatdb/internal/item"
	"github.com/goatdb/goatdb/internal/value"
)

func TestClientRoundExchangesCommitsBothWays(t *testing.T) {
	reg := testRegistry(t)
	serverRepo := openRepo(t, reg, "server-sess")
	it, _ := item.New(reg, "task", 1, map[string]value.Value{"title": value.Str("on server")})
	_, err := serverRepo.SetValueForKey("/task/server-1", it, "")
	require.NoError(t, err)

	srv := NewServer("127.0.0.1:0", "test", slog.Default())
	srv.Register("repo1", serverRepo)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	clientRepo := openRepo(t, reg, "client-sess")
	it2, _ := item.New(reg, "task", 1, map[string]value.Value{"title": value.Str("on client")})
	_, err = clientRepo.SetValueForKey("/task/client-1", it2, "")
	require.NoError(t, err)

	c := NewClient("test", "client-peer", 0)

	// First round: the client learns the server's filter but hasn't yet
	// pushed anything, since it doesn't know what the server is missing.
	result, _, err := c.Round(context.Background(), ts.URL, "repo1", clientRepo, 3)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Accepted, 1, "the server's existing commit should have been pulled")

	got, _, err := clientRepo.ValueForKey("/task/server-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	// Second round: the client now pushes its own commit, which the
	// first round's response revealed the server is missing.
	result2, wroteLocally, err := c.Round(context.Background(), ts.URL, "repo1", clientRepo, 1)
	require.NoError(t, err)
	assert.True(t, wroteLocally)
	_ = result2

	serverGot, _, err := serverRepo.ValueForKey("/task/client-1")
	require.NoError(t, err)
	require.NotNil(t, serverGot)
}

func TestClientRoundUnreachablePeerReturnsError(t *testing.T) {
	reg := testRegistry(t)
	clientRepo := openRepo(t, reg, "client-sess")
	c := NewClient("test", "client-peer", 0)

	_, _, err := c.Round(context.Background(), "http://127.0.0.1:1", "repo1", clientRepo, 3)
	assert.Error(t, err)
}

func TestClientRoundRespectsRateLimit(t *testing.T) {
	reg := testRegistry(t)
	serverRepo := openRepo(t, reg, "server-sess")
	srv := NewServer("127.0.0.1:0", "test", slog.Default())
	srv.Register("repo1", serverRepo)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	clientRepo := openRepo(t, reg, "client-sess")
	c := NewClient("test", "client-peer", 1)

	_, _, err := c.Round(context.Background(), ts.URL, "repo1", clientRepo, 3)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = c.Round(ctx, ts.URL, "repo1", clientRepo, 3)
	assert.Error(t, err, "a second round within the same second should block on the limiter and hit the context deadline")
}
