package store

import (
	"context"
	"fmt"

	"github.com/kdlbs/issueforge/internal/common/sqlite"
)

const coreSchema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	alias TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	description TEXT,
	directory TEXT,
	repository_url TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	is_deleted INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS issues (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	status_id TEXT NOT NULL CHECK (status_id IN ('todo','working','review','done')),
	issue_number INTEGER NOT NULL,
	title TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	sort_order INTEGER NOT NULL DEFAULT 0,
	parent_issue_id TEXT REFERENCES issues(id),
	use_worktree INTEGER NOT NULL DEFAULT 0,
	engine_type TEXT,
	session_status TEXT NOT NULL DEFAULT '',
	prompt TEXT,
	external_session_id TEXT,
	model TEXT,
	base_commit_hash TEXT,
	dev_mode INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	UNIQUE (project_id, issue_number)
);

CREATE INDEX IF NOT EXISTS idx_issues_project_id ON issues(project_id);
CREATE INDEX IF NOT EXISTS idx_issues_status_id ON issues(status_id);
CREATE INDEX IF NOT EXISTS idx_issues_parent_issue_id ON issues(parent_issue_id);

CREATE TABLE IF NOT EXISTS issues_logs (
	id TEXT PRIMARY KEY,
	issue_id TEXT NOT NULL REFERENCES issues(id),
	turn_index INTEGER NOT NULL,
	entry_index INTEGER NOT NULL,
	entry_type TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	reply_to_message_id TEXT,
	timestamp TIMESTAMP NOT NULL,
	tool_call_ref_id TEXT,
	visible INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_logs_order ON issues_logs(issue_id, turn_index, entry_index);

CREATE TABLE IF NOT EXISTS issues_logs_tools_call (
	id TEXT PRIMARY KEY,
	log_id TEXT NOT NULL REFERENCES issues_logs(id),
	issue_id TEXT NOT NULL REFERENCES issues(id),
	tool_name TEXT NOT NULL,
	tool_call_id TEXT,
	kind TEXT NOT NULL,
	is_result INTEGER NOT NULL DEFAULT 0,
	raw TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_tools_call_log_id ON issues_logs_tools_call(log_id);
CREATE INDEX IF NOT EXISTS idx_tools_call_issue_id ON issues_logs_tools_call(issue_id);

CREATE TABLE IF NOT EXISTS attachments (
	id TEXT PRIMARY KEY,
	issue_id TEXT NOT NULL REFERENCES issues(id),
	log_id TEXT REFERENCES issues_logs(id),
	original_name TEXT NOT NULL,
	stored_name TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size INTEGER NOT NULL,
	storage_path TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attachments_issue_id ON attachments(issue_id);

CREATE TABLE IF NOT EXISTS app_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// initSchema creates every table idempotently, then applies any additive
// column migrations for deployments upgrading from an earlier schema
// revision (mirroring the EnsureColumn idiom used elsewhere in this repo).
func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.pool.Writer().ExecContext(ctx, coreSchema); err != nil {
		return fmt.Errorf("init core schema: %w", err)
	}
	if err := s.runMigrations(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// runMigrations applies additive schema changes that postdate the original
// CREATE TABLE statements above. Each call is idempotent via EnsureColumn.
func (s *Store) runMigrations(ctx context.Context) error {
	migrations := []struct {
		table      string
		column     string
		definition string
	}{
		{"issues", "dev_mode", "INTEGER NOT NULL DEFAULT 0"},
	}

	db := s.pool.Writer().DB
	for _, m := range migrations {
		if err := sqlite.EnsureColumn(db, m.table, m.column, m.definition); err != nil {
			return fmt.Errorf("ensure column %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}
