// Package persistwriter is the Persistence Writer (C6): it assigns
// turn/entry indexes to normalized log entries, writes them (and any
// companion tool-call row) through the Store, and only then hands the
// persisted entry to the Event Bus — so subscribers never observe a row
// that does not yet exist durably.
package persistwriter

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/events"
	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/internal/procmgr"
	"github.com/kdlbs/issueforge/internal/store"
	"github.com/kdlbs/issueforge/internal/tracing"
)

// toolCallMeta is the subset of a tool-use entry's metadata the writer
// understands; parsers populate whichever fields apply and leave the rest
// of the metadata blob untouched (it is preserved verbatim as ToolCall.Raw).
type toolCallMeta struct {
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
	Kind       string `json:"kind"`
	IsResult   bool   `json:"isResult"`
}

// Writer persists normalized entries for one execution and republishes them
// on the Event Bus.
type Writer struct {
	store   *store.Store
	bus     *events.TypedBus
	logger  *logger.Logger
	issueID string
	execID  string
	proc    *procmgr.ManagedProcess
}

// New builds a Writer bound to one execution. proc supplies the monotonic
// entryIndex counter and the current turnIndex. eventBus may be nil, in
// which case persisted entries are never published (used by tests and
// offline reconciliation passes).
func New(st *store.Store, eventBus *events.TypedBus, proc *procmgr.ManagedProcess, issueID, executionID string, log *logger.Logger) *Writer {
	return &Writer{
		store:   st,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "persistence-writer"), zap.String("issue_id", issueID)),
		issueID: issueID,
		execID:  executionID,
		proc:    proc,
	}
}

// Write assigns indexes, persists the entry (and companion tool-call row
// when applicable), and publishes it to the Event Bus. Persistence failures
// are returned to the caller; publish failures are logged and swallowed,
// since the durable row already exists and is the source of truth.
func (w *Writer) Write(ctx context.Context, entry *model.LogEntry) error {
	ctx, span := tracing.Tracer("issueforge/persistwriter").Start(ctx, "persistwriter.write",
		trace.WithAttributes(attribute.String("issue_id", w.issueID), attribute.String("entry_type", string(entry.EntryType))))
	defer span.End()

	entry.IssueID = w.issueID
	entry.TurnIndex = w.proc.TurnIndex
	entry.EntryIndex = w.proc.NextEntryIndex()

	if entry.EntryType == model.EntryTypeToolUse {
		if err := w.writeToolUse(ctx, entry); err != nil {
			return err
		}
	} else {
		if err := w.store.InsertLogEntry(ctx, entry); err != nil {
			return fmt.Errorf("persistence writer: insert log entry: %w", err)
		}
	}

	w.publish(ctx, entry)
	return nil
}

// writeToolUse stores empty content/metadata on the log row and a companion
// ToolCall row, then back-patches toolCallRefId once the ToolCall id is known.
func (w *Writer) writeToolUse(ctx context.Context, entry *model.LogEntry) error {
	var meta toolCallMeta
	if entry.Metadata != "" {
		_ = json.Unmarshal([]byte(entry.Metadata), &meta)
	}

	kind := model.ToolCallKind(meta.Kind)
	if kind == "" {
		kind = model.ToolKindTool
	}

	raw := entry.Metadata
	originalContent := entry.Content

	tc := &model.ToolCall{
		LogID:    entry.ID,
		IssueID:  w.issueID,
		ToolName: meta.ToolName,
		Kind:     kind,
		IsResult: meta.IsResult,
		Raw:      raw,
	}
	if meta.ToolCallID != "" {
		tc.ToolCallID = &meta.ToolCallID
	}
	if originalContent != "" && raw == "" {
		tc.Raw = originalContent
	}

	entry.Content = ""
	entry.Metadata = ""

	if err := w.store.InsertLogEntry(ctx, entry); err != nil {
		return fmt.Errorf("persistence writer: insert tool-use log entry: %w", err)
	}

	tc.LogID = entry.ID
	if err := w.store.InsertToolCall(ctx, tc); err != nil {
		return fmt.Errorf("persistence writer: insert tool call: %w", err)
	}

	if err := w.store.SetLogEntryToolCallRef(ctx, entry.ID, tc.ID); err != nil {
		return fmt.Errorf("persistence writer: back-patch tool call ref: %w", err)
	}
	entry.ToolCallRefID = &tc.ID

	return nil
}

func (w *Writer) publish(ctx context.Context, entry *model.LogEntry) {
	if w.bus == nil {
		return
	}
	if err := w.bus.PublishLog(ctx, w.issueID, w.execID, entry); err != nil {
		w.logger.Warn("persistence writer: publish failed", zap.Error(err))
	}
}
