package persistwriter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/db"
	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/internal/procmgr"
	"github.com/kdlbs/issueforge/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, string) {
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

	project := &model.Project{Alias: "demo", Name: "Demo"}
	require.NoError(t, s.CreateProject(context.Background(), project))
	issue := &model.Issue{ProjectID: project.ID, Title: "writer test"}
	require.NoError(t, s.CreateIssue(context.Background(), issue))

	return s, issue.ID
}

func TestWriter_PersistsPlainEntryWithIndexes(t *testing.T) {
	st, issueID := newTestStore(t)
	proc := procmgr.NewManagedProcess("exec-1", issueID, nil, 10)
	proc.StartNewTurn(3)

	w := New(st, nil, proc, issueID, "exec-1", logger.Default())

	entry := &model.LogEntry{EntryType: model.EntryTypeAssistantMessage, Content: "hello", Visible: true}
	require.NoError(t, w.Write(context.Background(), entry))

	require.Equal(t, int64(3), entry.TurnIndex)
	require.Equal(t, int64(0), entry.EntryIndex)

	stored, err := st.ListLogEntries(context.Background(), issueID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "hello", stored[0].Content)
}

func TestWriter_ToolUseSplitsIntoLogAndToolCallRows(t *testing.T) {
	st, issueID := newTestStore(t)
	proc := procmgr.NewManagedProcess("exec-2", issueID, nil, 10)
	proc.StartNewTurn(0)

	w := New(st, nil, proc, issueID, "exec-2", logger.Default())

	entry := &model.LogEntry{
		EntryType: model.EntryTypeToolUse,
		Content:   "command output",
		Metadata:  `{"toolName":"shell","toolCallId":"tc-1","kind":"command-run"}`,
		Visible:   true,
	}
	require.NoError(t, w.Write(context.Background(), entry))

	require.NotNil(t, entry.ToolCallRefID)
	require.Empty(t, entry.Content)
	require.Empty(t, entry.Metadata)

	stored, err := st.ListLogEntries(context.Background(), issueID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.NotNil(t, stored[0].ToolCallRefID)
	require.Equal(t, *entry.ToolCallRefID, *stored[0].ToolCallRefID)
}

func TestWriter_EntryIndexIncrementsAcrossWrites(t *testing.T) {
	st, issueID := newTestStore(t)
	proc := procmgr.NewManagedProcess("exec-3", issueID, nil, 10)
	proc.StartNewTurn(0)

	w := New(st, nil, proc, issueID, "exec-3", logger.Default())

	first := &model.LogEntry{EntryType: model.EntryTypeAssistantMessage, Content: "one", Visible: true}
	second := &model.LogEntry{EntryType: model.EntryTypeAssistantMessage, Content: "two", Visible: true}
	require.NoError(t, w.Write(context.Background(), first))
	require.NoError(t, w.Write(context.Background(), second))

	require.Equal(t, int64(0), first.EntryIndex)
	require.Equal(t, int64(1), second.EntryIndex)
}
