package reconciler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/db"
	"github.com/kdlbs/issueforge/internal/events"
	"github.com/kdlbs/issueforge/internal/events/bus"
	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/internal/procmgr"
	"github.com/kdlbs/issueforge/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)

	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	s, err := store.New(context.Background(), pool)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReconciler_StartupSweepMovesOrphanedWorkingIssueToReview(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	project := &model.Project{Alias: "demo", Name: "Demo"}
	require.NoError(t, st.CreateProject(ctx, project))

	issue := &model.Issue{ProjectID: project.ID, Title: "stuck issue"}
	require.NoError(t, st.CreateIssue(ctx, issue))
	require.NoError(t, st.UpdateIssueStatus(ctx, issue.ID, model.IssueStatusWorking))
	require.NoError(t, st.UpdateSessionStatus(ctx, issue.ID, model.SessionStatusRunning))

	procs := procmgr.NewManager(logger.Default())
	typedBus := events.NewTypedBus(bus.NewMemoryEventBus(logger.Default()))

	r := New(st, procs, typedBus, 24*time.Hour, logger.Default())
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	reloaded, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, model.IssueStatusReview, reloaded.StatusID)
	require.Equal(t, model.SessionStatusFailed, reloaded.SessionStatus)
}

func TestReconciler_LeavesWorkingIssueAloneWhenProcessStillActive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	project := &model.Project{Alias: "demo2", Name: "Demo2"}
	require.NoError(t, st.CreateProject(ctx, project))

	issue := &model.Issue{ProjectID: project.ID, Title: "active issue"}
	require.NoError(t, st.CreateIssue(ctx, issue))
	require.NoError(t, st.UpdateIssueStatus(ctx, issue.ID, model.IssueStatusWorking))
	require.NoError(t, st.UpdateSessionStatus(ctx, issue.ID, model.SessionStatusRunning))

	procs := procmgr.NewManager(logger.Default())
	procs.Register(procmgr.NewManagedProcess("exec-1", issue.ID, nil, 16))
	typedBus := events.NewTypedBus(bus.NewMemoryEventBus(logger.Default()))

	r := New(st, procs, typedBus, 24*time.Hour, logger.Default())
	require.NoError(t, r.reconcileIssue(ctx, issue.ID))

	reloaded, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, model.IssueStatusWorking, reloaded.StatusID)
}
