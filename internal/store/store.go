// Package store is the Store (C1): durable projects, issues, logs,
// tool-call details, attachments, and app settings, with transactional
// writes and bounded reads.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kdlbs/issueforge/internal/db"
	"github.com/kdlbs/issueforge/internal/model"
)

// ErrNotFound is returned when a lookup by id/alias matches no row.
var ErrNotFound = errors.New("store: not found")

// Store is the durable backing store. It is safe for concurrent use: writes
// serialize through the pool's writer connection (single connection for
// SQLite), reads run against the separate reader pool/connection.
type Store struct {
	pool *db.Pool
}

// New wraps an already-opened Pool and ensures the schema exists.
func New(ctx context.Context, pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newID() string { return uuid.New().String() }

// --- Projects ---------------------------------------------------------

// CreateProject inserts a new project, generating an id if absent.
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	if p.ID == "" {
		p.ID = newID()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO projects (id, alias, name, description, directory, repository_url, created_at, updated_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		p.ID, p.Alias, p.Name, p.Description, p.Directory, p.RepositoryURL, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject looks up a project by id or alias (the two are interchangeable keys).
func (s *Store) GetProject(ctx context.Context, idOrAlias string) (*model.Project, error) {
	var p model.Project
	err := s.pool.Reader().GetContext(ctx, &p, `
		SELECT id, alias, name, description, directory, repository_url, created_at, updated_at, is_deleted
		FROM projects WHERE (id = ? OR alias = ?) AND is_deleted = 0`, idOrAlias, idOrAlias)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// ListProjects returns all non-deleted projects.
func (s *Store) ListProjects(ctx context.Context) ([]*model.Project, error) {
	var projects []*model.Project
	err := s.pool.Reader().SelectContext(ctx, &projects, `
		SELECT id, alias, name, description, directory, repository_url, created_at, updated_at, is_deleted
		FROM projects WHERE is_deleted = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// --- Issues -------------------------------------------------------------

// CreateIssue inserts a new issue, assigning the next sequential issueNumber
// for its project inside a transaction so concurrent creates never collide.
func (s *Store) CreateIssue(ctx context.Context, issue *model.Issue) error {
	if issue.ID == "" {
		issue.ID = newID()
	}
	now := time.Now().UTC()
	issue.CreatedAt, issue.UpdatedAt = now, now
	if issue.StatusID == "" {
		issue.StatusID = model.IssueStatusTodo
	}

	return db.WithTx(ctx, s.pool.Writer(), func(tx *sqlx.Tx) error {
		var maxNumber sql.NullInt64
		if err := tx.GetContext(ctx, &maxNumber,
			`SELECT MAX(issue_number) FROM issues WHERE project_id = ?`, issue.ProjectID); err != nil {
			return fmt.Errorf("compute next issue number: %w", err)
		}
		issue.IssueNumber = maxNumber.Int64 + 1

		_, err := tx.ExecContext(ctx, `
			INSERT INTO issues (
				id, project_id, status_id, issue_number, title, priority, sort_order,
				parent_issue_id, use_worktree, engine_type, session_status, prompt,
				external_session_id, model, base_commit_hash, dev_mode,
				created_at, updated_at, is_deleted
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			issue.ID, issue.ProjectID, issue.StatusID, issue.IssueNumber, issue.Title,
			issue.Priority, issue.SortOrder, issue.ParentIssueID, issue.UseWorktree,
			issue.EngineType, issue.SessionStatus, issue.Prompt, issue.ExternalSessionID,
			issue.Model, issue.BaseCommitHash, issue.DevMode, issue.CreatedAt, issue.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert issue: %w", err)
		}
		return nil
	})
}

const issueColumns = `
	id, project_id, status_id, issue_number, title, priority, sort_order,
	parent_issue_id, use_worktree, engine_type, session_status, prompt,
	external_session_id, model, base_commit_hash, dev_mode, created_at, updated_at, is_deleted`

// GetIssue looks up a single issue by id.
func (s *Store) GetIssue(ctx context.Context, issueID string) (*model.Issue, error) {
	var issue model.Issue
	err := s.pool.Reader().GetContext(ctx, &issue,
		`SELECT `+issueColumns+` FROM issues WHERE id = ? AND is_deleted = 0`, issueID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return &issue, nil
}

// ListIssuesByProject returns every non-deleted issue for a project ordered by sort order.
func (s *Store) ListIssuesByProject(ctx context.Context, projectID string) ([]*model.Issue, error) {
	var issues []*model.Issue
	err := s.pool.Reader().SelectContext(ctx, &issues,
		`SELECT `+issueColumns+` FROM issues WHERE project_id = ? AND is_deleted = 0 ORDER BY sort_order ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	return issues, nil
}

// ListIssuesByStatus returns every non-deleted issue across all projects in the given status.
// Used by the Reconciler's stale-working sweep.
func (s *Store) ListIssuesByStatus(ctx context.Context, status model.IssueStatus) ([]*model.Issue, error) {
	var issues []*model.Issue
	err := s.pool.Reader().SelectContext(ctx, &issues,
		`SELECT `+issueColumns+` FROM issues WHERE status_id = ? AND is_deleted = 0`, status)
	if err != nil {
		return nil, fmt.Errorf("list issues by status: %w", err)
	}
	return issues, nil
}

// ListIssuesBySessionStatus returns every non-deleted issue whose session is
// in one of the given states. Used by startup reconciliation.
func (s *Store) ListIssuesBySessionStatus(ctx context.Context, statuses ...model.SessionStatus) ([]*model.Issue, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+issueColumns+` FROM issues WHERE session_status IN (?) AND is_deleted = 0`, statuses)
	if err != nil {
		return nil, fmt.Errorf("build session status query: %w", err)
	}
	query = s.pool.Reader().Rebind(query)

	var issues []*model.Issue
	if err := s.pool.Reader().SelectContext(ctx, &issues, query, args...); err != nil {
		return nil, fmt.Errorf("list issues by session status: %w", err)
	}
	return issues, nil
}

// UpdateIssueStatus sets the board status column.
func (s *Store) UpdateIssueStatus(ctx context.Context, issueID string, status model.IssueStatus) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE issues SET status_id = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), issueID)
	if err != nil {
		return fmt.Errorf("update issue status: %w", err)
	}
	return nil
}

// UpdateSessionFields persists the session metadata rewritten on spawn, turn
// completion, cancellation, and session-id repair.
func (s *Store) UpdateSessionFields(ctx context.Context, issueID string, fields model.SessionFields) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE issues SET
			engine_type = ?, session_status = ?, prompt = ?,
			external_session_id = ?, model = ?, base_commit_hash = ?, updated_at = ?
		WHERE id = ?`,
		fields.EngineType, fields.SessionStatus, fields.Prompt, fields.ExternalSessionID,
		fields.Model, fields.BaseCommitHash, time.Now().UTC(), issueID,
	)
	if err != nil {
		return fmt.Errorf("update session fields: %w", err)
	}
	return nil
}

// UpdateSessionStatus is a narrow helper for the common case of flipping only sessionStatus.
func (s *Store) UpdateSessionStatus(ctx context.Context, issueID string, status model.SessionStatus) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE issues SET session_status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), issueID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// ClearExternalSessionID implements session-id repair: invalidate the cached
// session id so the next follow-up opens a fresh conversation.
func (s *Store) ClearExternalSessionID(ctx context.Context, issueID string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE issues SET external_session_id = NULL, updated_at = ? WHERE id = ?`, time.Now().UTC(), issueID)
	if err != nil {
		return fmt.Errorf("clear external session id: %w", err)
	}
	return nil
}

// --- Log entries ---------------------------------------------------------

// GetNextTurnIndex returns 1 + the max existing turnIndex for the issue (0 if none exist).
// Used only at spawn time, never mid-turn.
func (s *Store) GetNextTurnIndex(ctx context.Context, issueID string) (int64, error) {
	var maxTurn sql.NullInt64
	err := s.pool.Reader().GetContext(ctx, &maxTurn,
		`SELECT MAX(turn_index) FROM issues_logs WHERE issue_id = ?`, issueID)
	if err != nil {
		return 0, fmt.Errorf("get next turn index: %w", err)
	}
	if !maxTurn.Valid {
		return 0, nil
	}
	return maxTurn.Int64 + 1, nil
}

// InsertLogEntry writes a single log row, generating an id if absent.
// Callers (the Persistence Writer) are responsible for assigning
// turnIndex/entryIndex before calling this.
func (s *Store) InsertLogEntry(ctx context.Context, entry *model.LogEntry) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO issues_logs (
			id, issue_id, turn_index, entry_index, entry_type, content, metadata,
			reply_to_message_id, timestamp, tool_call_ref_id, visible
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.IssueID, entry.TurnIndex, entry.EntryIndex, entry.EntryType,
		entry.Content, entry.Metadata, entry.ReplyToMessageID, entry.Timestamp,
		entry.ToolCallRefID, entry.Visible,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// SetLogEntryToolCallRef back-patches the tool_call_ref_id column after the
// companion ToolCall row has been inserted and its id is known.
func (s *Store) SetLogEntryToolCallRef(ctx context.Context, logID, toolCallID string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE issues_logs SET tool_call_ref_id = ? WHERE id = ?`, toolCallID, logID)
	if err != nil {
		return fmt.Errorf("set log entry tool call ref: %w", err)
	}
	return nil
}

// ListLogEntries returns every log row for an issue, totally ordered by (turnIndex, entryIndex).
func (s *Store) ListLogEntries(ctx context.Context, issueID string) ([]*model.LogEntry, error) {
	var entries []*model.LogEntry
	err := s.pool.Reader().SelectContext(ctx, &entries, `
		SELECT id, issue_id, turn_index, entry_index, entry_type, content, metadata,
		       reply_to_message_id, timestamp, tool_call_ref_id, visible
		FROM issues_logs WHERE issue_id = ? ORDER BY turn_index ASC, entry_index ASC`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	return entries, nil
}

// ListPendingMessages returns every dispatched-pending user message for an
// issue, ordered by (turnIndex, entryIndex), for the lifecycle's auto-flush path.
func (s *Store) ListPendingMessages(ctx context.Context, issueID string) ([]*model.LogEntry, error) {
	var entries []*model.LogEntry
	err := s.pool.Reader().SelectContext(ctx, &entries, `
		SELECT id, issue_id, turn_index, entry_index, entry_type, content, metadata,
		       reply_to_message_id, timestamp, tool_call_ref_id, visible
		FROM issues_logs
		WHERE issue_id = ? AND entry_type = ? AND visible = 1 AND metadata LIKE '%"type":"pending"%'
		ORDER BY turn_index ASC, entry_index ASC`, issueID, model.EntryTypeUserMessage)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	return entries, nil
}

// MarkDispatched flips visible=0 for the given log entry ids atomically, so
// no pending message is ever observed dispatched twice.
func (s *Store) MarkDispatched(ctx context.Context, logIDs []string) error {
	if len(logIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE issues_logs SET visible = 0 WHERE id IN (?)`, logIDs)
	if err != nil {
		return fmt.Errorf("build mark dispatched query: %w", err)
	}
	query = s.pool.Writer().Rebind(query)
	if _, err := s.pool.Writer().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	return nil
}

// --- Tool calls -----------------------------------------------------------

// InsertToolCall writes a tool-call detail row, generating an id if absent.
func (s *Store) InsertToolCall(ctx context.Context, tc *model.ToolCall) error {
	if tc.ID == "" {
		tc.ID = newID()
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO issues_logs_tools_call (id, log_id, issue_id, tool_name, tool_call_id, kind, is_result, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.LogID, tc.IssueID, tc.ToolName, tc.ToolCallID, tc.Kind, tc.IsResult, tc.Raw,
	)
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

// --- Attachments ------------------------------------------------------------

// InsertAttachment writes an attachment row, generating an id if absent.
func (s *Store) InsertAttachment(ctx context.Context, a *model.Attachment) error {
	if a.ID == "" {
		a.ID = newID()
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO attachments (id, issue_id, log_id, original_name, stored_name, mime_type, size, storage_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.IssueID, a.LogID, a.OriginalName, a.StoredName, a.MimeType, a.Size, a.StoragePath,
	)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// ListAttachments returns every attachment for an issue.
func (s *Store) ListAttachments(ctx context.Context, issueID string) ([]*model.Attachment, error) {
	var attachments []*model.Attachment
	err := s.pool.Reader().SelectContext(ctx, &attachments,
		`SELECT id, issue_id, log_id, original_name, stored_name, mime_type, size, storage_path
		 FROM attachments WHERE issue_id = ?`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return attachments, nil
}

// --- App settings -----------------------------------------------------------

// GetSetting returns the stored value for key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.Reader().GetContext(ctx, &value, `SELECT value FROM app_settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// GetSettingJSON unmarshals the stored value for key into dest.
func (s *Store) GetSettingJSON(ctx context.Context, key string, dest any) error {
	raw, err := s.GetSetting(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dest)
}

// SetSetting upserts a key/value pair.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	now := time.Now().UTC()
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO app_settings (key, value, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now, now,
	)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// SetSettingJSON marshals value to JSON and upserts it under key.
func (s *Store) SetSettingJSON(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal setting: %w", err)
	}
	return s.SetSetting(ctx, key, string(raw))
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}
