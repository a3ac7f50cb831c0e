package procmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/model"
)

func TestManager_OnlyOneActivePerIssue(t *testing.T) {
	m := NewManager(logger.Default())

	issueID := "issue-1"
	mp1 := NewManagedProcess("exec-1", issueID, nil, 10)
	m.Register(mp1)

	require.True(t, m.HasActiveInGroup(issueID))

	got, ok := m.GetFirstActiveInGroup(issueID)
	require.True(t, ok)
	require.Equal(t, "exec-1", got.ExecutionID)

	m.MarkCompleted("exec-1")
	require.False(t, m.HasActiveInGroup(issueID))
}

func TestManager_TransitionStateIsIdempotentAfterTerminal(t *testing.T) {
	m := NewManager(logger.Default(), WithAutoCleanupDelay(time.Hour))

	mp := NewManagedProcess("exec-2", "issue-2", nil, 10)
	m.Register(mp)

	require.True(t, m.MarkCompleted("exec-2"))
	require.False(t, m.MarkFailed("exec-2"))

	got, _ := m.Get("exec-2")
	require.Equal(t, model.ProcessStateCompleted, got.State())
}

func TestManager_TerminateWithoutSubprocessIsNoop(t *testing.T) {
	m := NewManager(logger.Default())

	called := false
	mp := NewManagedProcess("exec-3", "issue-3", nil, 10)
	mp.SoftCancel = func() error {
		called = true
		return nil
	}
	m.Register(mp)

	require.NoError(t, m.Terminate(context.Background(), "exec-3", true))
	require.True(t, called)
}

func TestManager_CanExecuteRespectsConcurrencyLimit(t *testing.T) {
	m := NewManager(logger.Default())

	m.Register(NewManagedProcess("exec-4", "issue-4", nil, 10))
	require.True(t, m.CanExecute(0))
	require.False(t, m.CanExecute(1))

	m.MarkCompleted("exec-4")
	require.True(t, m.CanExecute(1))
}
