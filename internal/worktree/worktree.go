// Package worktree creates and removes isolated Git worktrees for issues
// that opt into UseWorktree, so a running agent never mutates the project's
// primary checkout.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/kdlbs/issueforge/internal/common/logger"
)

// ErrGitCommandFailed wraps any non-zero exit from an underlying git invocation.
var ErrGitCommandFailed = errors.New("worktree: git command failed")

// ErrNotAGitRepo is returned when the project directory has no .git entry.
var ErrNotAGitRepo = errors.New("worktree: not a git repository")

var unsafeBranchChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Manager creates worktrees under a single configured base path, one
// subdirectory per issue, each on its own branch.
type Manager struct {
	basePath string
	logger   *logger.Logger
}

// New builds a Manager rooted at basePath. basePath is created on first use
// if it does not already exist.
func New(basePath string, log *logger.Logger) *Manager {
	return &Manager{basePath: basePath, logger: log.WithFields(zap.String("component", "worktree"))}
}

// Result is what Create hands back: the checkout directory an executor
// should be spawned in, and the commit the branch forked from.
type Result struct {
	Path           string
	Branch         string
	BaseCommitHash string
}

// Create adds a new worktree off repoPath's current HEAD, named after
// issueID, and reports the commit it forked from. Safe to call concurrently
// for different issues; callers must not call it twice for the same issue
// without an intervening Remove.
func (m *Manager) Create(ctx context.Context, repoPath, issueID string) (*Result, error) {
	if !isGitRepo(repoPath) {
		return nil, fmt.Errorf("%w: %s", ErrNotAGitRepo, repoPath)
	}

	if err := os.MkdirAll(m.basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base path: %w", err)
	}

	baseCommit, err := m.revParseHEAD(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	suffix := uuid.New().String()[:8]
	branch := "issueforge/" + sanitizeForBranch(issueID) + "-" + suffix
	path := filepath.Join(m.basePath, sanitizeForBranch(issueID)+"-"+suffix)

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path, baseCommit)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Error("git worktree add failed", zap.String("output", string(output)), zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}

	return &Result{Path: path, Branch: branch, BaseCommitHash: baseCommit}, nil
}

// Remove deletes the worktree checkout and its backing branch. Best-effort:
// callers should log but not fail hard on error, since a leaked worktree
// directory does not threaten durable state.
func (m *Manager) Remove(ctx context.Context, repoPath, path, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Warn("git worktree remove failed", zap.String("output", string(output)), zap.Error(err))
	}

	if branch != "" {
		cmd = exec.CommandContext(ctx, "git", "branch", "-D", branch)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			m.logger.Warn("git branch delete failed", zap.String("output", string(output)), zap.Error(err))
		}
	}

	pruneCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pruneCmd := exec.CommandContext(pruneCtx, "git", "worktree", "prune")
	pruneCmd.Dir = repoPath
	_ = pruneCmd.Run()

	return nil
}

func (m *Manager) revParseHEAD(ctx context.Context, repoPath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: rev-parse HEAD: %v", ErrGitCommandFailed, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func sanitizeForBranch(s string) string {
	s = unsafeBranchChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 32 {
		s = s[:32]
	}
	if s == "" {
		s = "issue"
	}
	return strings.ToLower(s)
}
