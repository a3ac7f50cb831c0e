// Package model defines the durable and in-memory domain types shared across
// the issue execution engine.
package model

import "time"

// IssueStatus is the externally visible board status of an issue.
type IssueStatus string

const (
	IssueStatusTodo    IssueStatus = "todo"
	IssueStatusWorking IssueStatus = "working"
	IssueStatusReview  IssueStatus = "review"
	IssueStatusDone    IssueStatus = "done"
)

// SessionStatus is the lifecycle state of an issue's current agent session.
type SessionStatus string

const (
	SessionStatusNone      SessionStatus = ""
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the session status is one of the DAG's absorbing states.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// EntryType classifies a LogEntry.
type EntryType string

const (
	EntryTypeUserMessage      EntryType = "user-message"
	EntryTypeAssistantMessage EntryType = "assistant-message"
	EntryTypeToolUse          EntryType = "tool-use"
	EntryTypeErrorMessage     EntryType = "error-message"
	EntryTypeSystemMessage    EntryType = "system-message"
)

// ToolCallKind classifies the nature of a tool invocation.
type ToolCallKind string

const (
	ToolKindFileRead   ToolCallKind = "file-read"
	ToolKindFileEdit    ToolCallKind = "file-edit"
	ToolKindCommandRun  ToolCallKind = "command-run"
	ToolKindSearch      ToolCallKind = "search"
	ToolKindWebFetch    ToolCallKind = "web-fetch"
	ToolKindTask        ToolCallKind = "task"
	ToolKindTool        ToolCallKind = "tool"
	ToolKindOther       ToolCallKind = "other"
)

// ProcessState is the in-memory lifecycle state of a ManagedProcess.
type ProcessState string

const (
	ProcessStateRunning   ProcessState = "running"
	ProcessStateCompleted ProcessState = "completed"
	ProcessStateFailed    ProcessState = "failed"
	ProcessStateCancelled ProcessState = "cancelled"
)

// Terminal reports whether the process state is absorbing.
func (s ProcessState) Terminal() bool {
	switch s {
	case ProcessStateCompleted, ProcessStateFailed, ProcessStateCancelled:
		return true
	default:
		return false
	}
}

// Project groups issues under a shared working directory / repository.
type Project struct {
	ID            string    `db:"id"`
	Alias         string    `db:"alias"`
	Name          string    `db:"name"`
	Description   *string   `db:"description"`
	Directory     *string   `db:"directory"`
	RepositoryURL *string   `db:"repository_url"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
	IsDeleted     bool      `db:"is_deleted"`
}

// SessionFields holds an issue's current-session metadata. Embedded inline
// on Issue rather than a separate table: it is rewritten wholesale on each
// spawn and read alongside the rest of the issue on every lookup.
type SessionFields struct {
	EngineType         *string       `db:"engine_type"`
	SessionStatus      SessionStatus `db:"session_status"`
	Prompt             *string       `db:"prompt"`
	ExternalSessionID  *string       `db:"external_session_id"`
	Model              *string       `db:"model"`
	BaseCommitHash     *string       `db:"base_commit_hash"`
}

// Issue is a unit of work with a durable conversation driven by one agent.
type Issue struct {
	ID            string      `db:"id"`
	ProjectID     string      `db:"project_id"`
	StatusID      IssueStatus `db:"status_id"`
	IssueNumber   int64       `db:"issue_number"`
	Title         string      `db:"title"`
	Priority      int         `db:"priority"`
	SortOrder     int         `db:"sort_order"`
	ParentIssueID *string     `db:"parent_issue_id"`
	UseWorktree   bool        `db:"use_worktree"`
	DevMode       bool        `db:"dev_mode"`
	SessionFields
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	IsDeleted bool      `db:"is_deleted"`
}

// LogEntry is one row of an issue's durable transcript.
type LogEntry struct {
	ID               string    `db:"id"`
	IssueID          string    `db:"issue_id"`
	TurnIndex        int64     `db:"turn_index"`
	EntryIndex       int64     `db:"entry_index"`
	EntryType        EntryType `db:"entry_type"`
	Content          string    `db:"content"`
	Metadata         string    `db:"metadata"` // JSON-as-text
	ReplyToMessageID *string   `db:"reply_to_message_id"`
	Timestamp        time.Time `db:"timestamp"`
	ToolCallRefID    *string   `db:"tool_call_ref_id"`
	Visible          bool      `db:"visible"`
}

// ToolCall is the detail row for a tool-use LogEntry.
type ToolCall struct {
	ID         string       `db:"id"`
	LogID      string       `db:"log_id"`
	IssueID    string       `db:"issue_id"`
	ToolName   string       `db:"tool_name"`
	ToolCallID *string      `db:"tool_call_id"`
	Kind       ToolCallKind `db:"kind"`
	IsResult   bool         `db:"is_result"`
	Raw        string       `db:"raw"` // JSON-as-text
}

// Attachment is a file uploaded or produced in the course of an issue's conversation.
type Attachment struct {
	ID           string  `db:"id"`
	IssueID      string  `db:"issue_id"`
	LogID        *string `db:"log_id"`
	OriginalName string  `db:"original_name"`
	StoredName   string  `db:"stored_name"`
	MimeType     string  `db:"mime_type"`
	Size         int64   `db:"size"`
	StoragePath  string  `db:"storage_path"`
}

// AppSetting is a persisted key/value pair used for workspace defaults and probe caches.
type AppSetting struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
