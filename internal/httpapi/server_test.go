package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/issueforge/internal/common/config"
	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/db"
	"github.com/kdlbs/issueforge/internal/discovery"
	"github.com/kdlbs/issueforge/internal/events"
	"github.com/kdlbs/issueforge/internal/events/bus"
	"github.com/kdlbs/issueforge/internal/executor"
	"github.com/kdlbs/issueforge/internal/lock"
	"github.com/kdlbs/issueforge/internal/orchestration"
	"github.com/kdlbs/issueforge/internal/procmgr"
	"github.com/kdlbs/issueforge/internal/store"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))

	st, err := store.New(context.Background(), pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	procs := procmgr.NewManager(logger.Default())
	reg := executor.NewRegistry()
	reg.Register(executor.NewEchoExecutor(logger.Default()))
	locks := lock.NewManager(logger.Default())
	typedBus := events.NewTypedBus(bus.NewMemoryEventBus(logger.Default()))

	orch := orchestration.New(st, procs, reg, locks, typedBus, nil, config.AgentConfig{}, config.LoggingConfig{}, logger.Default())
	prober := discovery.New(reg, st, time.Minute, logger.Default())

	port := freePort(t)
	cfg := config.ServerConfig{Host: "127.0.0.1", Port: port, ReadTimeout: 5, WriteTimeout: 5}
	srv := New(st, orch, typedBus, prober, cfg, "info", logger.Default())

	errCh := srv.Run()
	t.Cleanup(func() { _ = srv.Shutdown(time.Second) })

	// Surface any immediate bind failure instead of racing the first request.
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(100 * time.Millisecond):
	}

	return srv, fmt.Sprintf("http://127.0.0.1:%d", port)
}

func TestServer_Health(t *testing.T) {
	_, base := newTestServer(t)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestServer_CreateAndGetProjectAndIssue(t *testing.T) {
	_, base := newTestServer(t)

	projectPayload, err := json.Marshal(map[string]string{"alias": "demo", "name": "Demo"})
	require.NoError(t, err)

	resp, err := http.Post(base+"/projects", "application/json", bytes.NewReader(projectPayload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var project map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&project))
	projectID := project["ID"].(string)

	issuePayload, err := json.Marshal(map[string]any{"projectId": projectID, "title": "first issue"})
	require.NoError(t, err)

	resp, err = http.Post(base+"/issues", "application/json", bytes.NewReader(issuePayload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var issue map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&issue))
	issueID := issue["ID"].(string)

	resp, err = http.Get(base + "/issues/" + issueID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CreateIssueRejectsMissingTitle(t *testing.T) {
	_, base := newTestServer(t)

	payload, err := json.Marshal(map[string]string{"projectId": "whatever"})
	require.NoError(t, err)

	resp, err := http.Post(base+"/issues", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_DiscoveryGetKnownEngine(t *testing.T) {
	_, base := newTestServer(t)

	resp, err := http.Get(base + "/discovery/engines/echo")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Equal(t, "echo", snap["engineType"])
}
