package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/maxpert/branchsync/cachestore"
	"github.com/maxpert/branchsync/cfg"
	"github.com/maxpert/branchsync/clock"
	"github.com/maxpert/branchsync/connections"
	"github.com/maxpert/branchsync/id"
	"github.com/maxpert/branchsync/notify"
	"github.com/maxpert/branchsync/records"
	"github.com/maxpert/branchsync/splitstore"
	"github.com/maxpert/branchsync/sqlstore"
	"github.com/maxpert/branchsync/updatelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	server   *httptest.Server
	store    *splitstore.Store
	registry *connections.Registry
	hub      *notify.Hub
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	clk := clock.NewManual(time.UnixMilli(1_700_000_000_000))

	cache, err := cachestore.Open("cache", cachestore.Options{
		DB:    updatelog.DBOptions{FS: vfs.NewMem()},
		Clock: clk,
	})
	require.NoError(t, err)
	durable, err := sqlstore.Open(sqlstore.Options{
		Driver: cfg.DurableSQLite,
		DSN:    filepath.Join(t.TempDir(), "durable.db"),
		Clock:  clk,
	})
	require.NoError(t, err)
	hub := notify.NewHub()
	store := splitstore.New(cache, durable, splitstore.Options{Hub: hub})

	registry, err := connections.NewRegistry(connections.Options{Clock: clk, ExpireGrace: 10 * time.Second})
	require.NoError(t, err)

	flusher := splitstore.NewFlusher(store, time.Hour, time.Second)
	flusher.Start()

	mux := http.NewServeMux()
	RegisterRoutes(mux, NewAdminHandlers(store, registry, hub, flusher), secret)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		flusher.Stop()
		store.Close()
	})
	return &testServer{server: srv, store: store, registry: registry, hub: hub}
}

func (ts *testServer) do(t *testing.T, method, path string, header http.Header) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, ts.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func seed(t *testing.T, ts *testServer) {
	t.Helper()
	ctx := context.Background()
	_, err := ts.store.SaveInst(ctx, &records.Inst{RecordName: "rec", Inst: "myInst"})
	require.NoError(t, err)
	res, err := ts.store.AddUpdates(ctx, records.BranchKey{RecordName: "rec", Inst: "myInst", Branch: "main"}, []string{"u1", "u2"}, 12)
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestServer(t, "s3cret")

	status, body := ts.do(t, http.MethodGet, "/admin/connections", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "missing authentication header", body["error"])

	status, _ = ts.do(t, http.MethodGet, "/admin/connections", http.Header{"Authorization": {"Basic abc"}})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = ts.do(t, http.MethodGet, "/admin/connections", http.Header{SecretHeader: {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = ts.do(t, http.MethodGet, "/admin/connections", http.Header{SecretHeader: {"s3cret"}})
	assert.Equal(t, http.StatusOK, status)

	status, _ = ts.do(t, http.MethodGet, "/admin/connections", http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, status)
}

func TestInstAndBranchRoutes(t *testing.T) {
	ts := newTestServer(t, "")
	seed(t, ts)

	status, body := ts.do(t, http.MethodGet, "/admin/insts?record=rec", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 1)
	assert.Equal(t, "myInst", body["last_key"])

	status, body = ts.do(t, http.MethodGet, "/admin/inst?inst=rec/myInst", nil)
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "rec/myInst", data["id"])
	assert.Equal(t, float64(12), data["inst_size_bytes"])
	assert.Len(t, data["branches"], 1)

	status, _ = ts.do(t, http.MethodGet, "/admin/inst?inst=rec/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, http.MethodGet, "/admin/inst", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// "rec/my/Inst" would address inst "my/Inst", which can not exist
	status, _ = ts.do(t, http.MethodGet, "/admin/inst?inst=rec/my/Inst", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = ts.do(t, http.MethodGet, "/admin/branch?inst=rec/myInst&branch=main", nil)
	require.Equal(t, http.StatusOK, status)
	data = body["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["updates"])
	assert.Equal(t, float64(12), data["branch_size_bytes"])

	status, body = ts.do(t, http.MethodGet, "/admin/branch/updates?inst=rec/myInst&branch=main", nil)
	require.Equal(t, http.StatusOK, status)
	data = body["data"].(map[string]interface{})
	assert.Equal(t, []interface{}{"u1", "u2"}, data["updates"])

	status, _ = ts.do(t, http.MethodGet, "/admin/branch/updates?inst=rec/myInst&branch=main&all=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodDelete, "/admin/branch?inst=rec/myInst&branch=main", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = ts.do(t, http.MethodGet, "/admin/branch?inst=rec/myInst&branch=main", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, http.MethodDelete, "/admin/inst?inst=rec/myInst", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = ts.do(t, http.MethodGet, "/admin/inst?inst=rec/myInst", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDirtyAndFlushRoutes(t *testing.T) {
	ts := newTestServer(t, "")
	seed(t, ts)

	status, body := ts.do(t, http.MethodGet, "/admin/dirty", nil)
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(0), data["generation"])
	assert.Equal(t, []interface{}{"rec/myInst/main"}, data["branches"])

	status, body = ts.do(t, http.MethodPost, "/admin/flush", nil)
	require.Equal(t, http.StatusOK, status)
	data = body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["flushed"])

	status, body = ts.do(t, http.MethodGet, "/admin/dirty", nil)
	require.Equal(t, http.StatusOK, status)
	data = body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["generation"])
	assert.Equal(t, float64(0), data["count"])
}

func TestConnectionRoutes(t *testing.T) {
	ts := newTestServer(t, "")

	require.NoError(t, ts.registry.SaveBranchConnection(connections.BranchConnection{
		Connection: connections.Connection{ServerConnectionID: "c1", ClientConnectionID: "dev-1"},
		Mode:       id.ModeWatchBranch,
		RecordName: "rec",
		Inst:       "myInst",
		Branch:     "main",
	}))

	status, body := ts.do(t, http.MethodGet, "/admin/connections", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["data"].(map[string]interface{})["live"])

	status, body = ts.do(t, http.MethodGet, "/admin/branch/connections?inst=rec/myInst&branch=main&mode=watch_branch", nil)
	require.Equal(t, http.StatusOK, status)
	subs := body["data"].([]interface{})
	require.Len(t, subs, 1)
	assert.Equal(t, "watch_branch", subs[0].(map[string]interface{})["mode"])

	status, body = ts.do(t, http.MethodGet, "/admin/branch/connections?inst=rec/myInst&branch=main", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["data"])

	status, _ = ts.do(t, http.MethodGet, "/admin/branch/connections?inst=rec/myInst&branch=main&mode=write", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = ts.do(t, http.MethodGet, "/admin/connections/c1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"].(map[string]interface{})["subscriptions"], 1)

	status, _ = ts.do(t, http.MethodDelete, "/admin/connections/c1", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = ts.do(t, http.MethodGet, "/admin/connections/c1", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSignalsRoute(t *testing.T) {
	ts := newTestServer(t, "")

	status, _ := ts.do(t, http.MethodGet, "/admin/signals?inst=/", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.server.URL+"/admin/signals?inst=rec/myInst", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return ts.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	// Other insts are filtered out
	_, err = ts.store.AddUpdates(context.Background(), records.BranchKey{RecordName: "rec", Inst: "other", Branch: "main"}, []string{"x"}, 1)
	require.NoError(t, err)
	seed(t, ts)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: updated\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: rec/myInst/main\n", line)
}
