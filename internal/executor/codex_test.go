package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/pkg/codex"
)

func TestIsMissingSession(t *testing.T) {
	assert.False(t, IsMissingSession(nil))
	assert.True(t, IsMissingSession(ErrMissingExternalSession))
	assert.True(t, IsMissingSession(fmt.Errorf("resume thread: %w", ErrMissingExternalSession)))
	assert.True(t, IsMissingSession(errors.New("agent error: no conversation found for thread abc")))
	assert.True(t, IsMissingSession(errors.New("session expired")))
	assert.False(t, IsMissingSession(errors.New("connection refused")))
}

func TestNormalizeCodexNotification_AgentMessageDelta(t *testing.T) {
	params, err := json.Marshal(codex.AgentMessageDeltaParams{ThreadID: "t1", TurnID: "u1", ItemID: "i1", Delta: "hello"})
	require.NoError(t, err)

	entry := normalizeCodexNotification(codex.NotifyItemAgentMessageDelta, params)
	require.NotNil(t, entry)
	assert.Equal(t, model.EntryTypeAssistantMessage, entry.EntryType)
	assert.Equal(t, "hello", entry.Content)
	assert.True(t, entry.Visible)
}

func TestNormalizeCodexNotification_TurnCompleted(t *testing.T) {
	params, err := json.Marshal(codex.TurnCompletedParams{ThreadID: "t1", TurnID: "u1", Success: true})
	require.NoError(t, err)

	entry := normalizeCodexNotification(codex.NotifyTurnCompleted, params)
	require.NotNil(t, entry)
	assert.Equal(t, model.EntryTypeSystemMessage, entry.EntryType)

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(entry.Metadata), &meta))
	assert.Equal(t, true, meta["turnCompleted"])
	assert.Equal(t, true, meta["success"])
}

func TestNormalizeCodexNotification_Error(t *testing.T) {
	params, err := json.Marshal(codex.ErrorParams{Message: "boom"})
	require.NoError(t, err)

	entry := normalizeCodexNotification(codex.NotifyError, params)
	require.NotNil(t, entry)
	assert.Equal(t, model.EntryTypeErrorMessage, entry.EntryType)
	assert.Equal(t, "boom", entry.Content)
}

func TestNormalizeCodexNotification_UnknownMethodReturnsNil(t *testing.T) {
	entry := normalizeCodexNotification("some/unhandled/method", json.RawMessage(`{}`))
	assert.Nil(t, entry)
}

func TestNormalizeCodexItem_CommandExecution(t *testing.T) {
	exitCode := 0
	item := &codex.Item{
		ID:               "item-1",
		Type:             "commandExecution",
		Command:          "go test ./...",
		Cwd:              "/work",
		AggregatedOutput: "ok",
		ExitCode:         &exitCode,
	}

	entry := normalizeCodexItem(item)
	require.NotNil(t, entry)
	assert.Equal(t, model.EntryTypeToolUse, entry.EntryType)
	assert.Equal(t, "ok", entry.Content)

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(entry.Metadata), &meta))
	assert.Equal(t, "go test ./...", meta["command"])
}

func TestNormalizeCodexItem_FileChange(t *testing.T) {
	item := &codex.Item{
		ID:   "item-2",
		Type: "fileChange",
		Changes: []codex.FileChange{
			{Path: "a.go", Kind: codex.FileChangeKind{Type: "modify"}},
			{Path: "b.go", Kind: codex.FileChangeKind{Type: "add"}},
		},
	}

	entry := normalizeCodexItem(item)
	require.NotNil(t, entry)

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(entry.Metadata), &meta))
	paths, ok := meta["paths"].([]any)
	require.True(t, ok)
	assert.Len(t, paths, 2)
}

func TestNormalizeCodexItem_AgentMessageJoinsParts(t *testing.T) {
	item := &codex.Item{
		ID:   "item-3",
		Type: "agentMessage",
		Content: []codex.ContentPart{
			{Type: "text", Text: "hello "},
			{Type: "text", Text: "world"},
		},
	}

	entry := normalizeCodexItem(item)
	require.NotNil(t, entry)
	assert.Equal(t, "hello world", entry.Content)
}

func TestNormalizeCodexItem_UnknownTypeReturnsNil(t *testing.T) {
	item := &codex.Item{ID: "item-4", Type: "reasoning"}
	assert.Nil(t, normalizeCodexItem(item))
}
