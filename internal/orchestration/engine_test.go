package orchestration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/issueforge/internal/common/config"
	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/db"
	"github.com/kdlbs/issueforge/internal/events"
	"github.com/kdlbs/issueforge/internal/events/bus"
	"github.com/kdlbs/issueforge/internal/executor"
	"github.com/kdlbs/issueforge/internal/lock"
	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/internal/procmgr"
	"github.com/kdlbs/issueforge/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
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

	return New(st, procs, reg, locks, typedBus, nil, config.AgentConfig{}, config.LoggingConfig{}, logger.Default()), st
}

func createTestIssue(t *testing.T, st *store.Store) *model.Issue {
	t.Helper()
	ctx := context.Background()
	project := &model.Project{Alias: "demo", Name: "Demo"}
	require.NoError(t, st.CreateProject(ctx, project))

	issue := &model.Issue{ProjectID: project.ID, Title: "test issue"}
	require.NoError(t, st.CreateIssue(ctx, issue))
	return issue
}

func TestEngine_ExecuteIssueSpawnsAndTransitionsToRunning(t *testing.T) {
	e, st := newTestEngine(t)
	issue := createTestIssue(t, st)

	executionID, err := e.ExecuteIssue(context.Background(), issue.ID, ExecuteOptions{
		EngineType: "echo",
		Prompt:     "hello",
	})
	require.NoError(t, err)
	require.NotEmpty(t, executionID)

	reloaded, err := st.GetIssue(context.Background(), issue.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusRunning, reloaded.SessionStatus)
}

func TestEngine_ExecuteIssueRejectsUnknownEngineType(t *testing.T) {
	e, st := newTestEngine(t)
	issue := createTestIssue(t, st)

	_, err := e.ExecuteIssue(context.Background(), issue.ID, ExecuteOptions{
		EngineType: "does-not-exist",
		Prompt:     "hello",
	})
	require.Error(t, err)
}

func TestEngine_ExecuteIssueRejectsSecondConcurrentExecution(t *testing.T) {
	e, st := newTestEngine(t)
	issue := createTestIssue(t, st)

	_, err := e.ExecuteIssue(context.Background(), issue.ID, ExecuteOptions{
		EngineType: "echo",
		Prompt:     "hello",
	})
	require.NoError(t, err)

	_, err = e.ExecuteIssue(context.Background(), issue.ID, ExecuteOptions{
		EngineType: "echo",
		Prompt:     "hello again",
	})
	require.Error(t, err)
}

func TestEngine_CancelIssueMarksSessionCancelled(t *testing.T) {
	e, st := newTestEngine(t)
	issue := createTestIssue(t, st)

	_, err := e.ExecuteIssue(context.Background(), issue.ID, ExecuteOptions{
		EngineType: "echo",
		Prompt:     "hello",
	})
	require.NoError(t, err)

	require.NoError(t, e.CancelIssue(context.Background(), issue.ID))

	reloaded, err := st.GetIssue(context.Background(), issue.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusCancelled, reloaded.SessionStatus)
}

func TestEngine_RestartIssueRejectsNonTerminalSession(t *testing.T) {
	e, st := newTestEngine(t)
	issue := createTestIssue(t, st)

	_, err := e.ExecuteIssue(context.Background(), issue.ID, ExecuteOptions{
		EngineType: "echo",
		Prompt:     "hello",
	})
	require.NoError(t, err)

	err = e.RestartIssue(context.Background(), issue.ID)
	require.Error(t, err)
}

func TestEngine_CancelAllTerminatesEveryRegisteredProcess(t *testing.T) {
	e, st := newTestEngine(t)
	issue := createTestIssue(t, st)

	_, err := e.ExecuteIssue(context.Background(), issue.ID, ExecuteOptions{
		EngineType: "echo",
		Prompt:     "hello",
	})
	require.NoError(t, err)

	e.CancelAll(context.Background())

	// Give the soft/hard cancel goroutines a brief moment to settle before
	// the test process tears down its temp db.
	time.Sleep(50 * time.Millisecond)

	ids := e.procs.AllExecutionIDs()
	require.NotEmpty(t, ids)
	for _, id := range ids {
		mp, ok := e.procs.Get(id)
		require.True(t, ok)
		require.True(t, mp.Subprocess.HasExited())
	}
}
