package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kdlbs/issueforge/internal/model"
)

// pendingMetadata marks a queued user message not yet dispatched to a live
// execution. Present only while the message is waiting; cleared implicitly
// by MarkDispatched flipping visible to 0.
type pendingMetadata struct {
	Type string `json:"type"`
}

// persistPending writes a follow-up prompt as a not-yet-dispatched user
// message: persisted immediately so a crash before dispatch never loses it,
// picked up the next time the issue gets an active execution or its current
// turn settles.
func (e *Engine) persistPending(ctx context.Context, issueID string, turnIndex, entryIndex int64, content string) error {
	meta, _ := json.Marshal(pendingMetadata{Type: "pending"})
	entry := &model.LogEntry{
		IssueID:    issueID,
		TurnIndex:  turnIndex,
		EntryIndex: entryIndex,
		EntryType:  model.EntryTypeUserMessage,
		Content:    content,
		Metadata:   string(meta),
		Visible:    true,
	}
	return e.store.InsertLogEntry(ctx, entry)
}

// drainPending loads every dispatched-pending message for the issue,
// concatenating their content with double-newline separators, and returns
// the ids to mark dispatched once the engine has accepted the batch.
func (e *Engine) drainPending(ctx context.Context, issueID string) (prompt string, logIDs []string, err error) {
	rows, err := e.store.ListPendingMessages(ctx, issueID)
	if err != nil {
		return "", nil, fmt.Errorf("load pending messages: %w", err)
	}
	if len(rows) == 0 {
		return "", nil, nil
	}

	parts := make([]string, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		parts = append(parts, row.Content)
		ids = append(ids, row.ID)
	}
	return strings.Join(parts, "\n\n"), ids, nil
}

// hasPending reports whether the issue has any dispatched-pending messages,
// without loading their content.
func (e *Engine) hasPending(ctx context.Context, issueID string) bool {
	rows, err := e.store.ListPendingMessages(ctx, issueID)
	return err == nil && len(rows) > 0
}

// flushPendingAsFollowUp is called once a turn settles with messages still
// queued: it drains them into a single prompt and spawns a follow-up
// process for it, marking the source rows dispatched only once the engine
// has accepted the batch, so a crash between drain and dispatch just means
// the rows get drained again rather than lost.
func (e *Engine) flushPendingAsFollowUp(ctx context.Context, issueID string) error {
	prompt, logIDs, err := e.drainPending(ctx, issueID)
	if err != nil {
		return err
	}
	if len(logIDs) == 0 {
		return nil
	}

	issue, err := e.store.GetIssue(ctx, issueID)
	if err != nil {
		return fmt.Errorf("flush pending: load issue: %w", err)
	}

	if _, err := e.spawnFollowUpProcess(ctx, issue, prompt, derefOrEmpty(issue.Model), ""); err != nil {
		return fmt.Errorf("flush pending: %w", err)
	}

	if err := e.store.MarkDispatched(ctx, logIDs); err != nil {
		e.logger.Warn("flush pending: mark dispatched failed", zap.String("issue_id", issueID), zap.Error(err))
	}
	return nil
}
