// Package orchestration is the Lifecycle Controller (C9) and Orchestration
// API (C10): the core per-issue state machine driving spawn, follow-up,
// cancel, and restart, plus the turn-completion and exit handlers that keep
// an issue's durable session state synchronized with its live subprocess.
//
// The two are deliberately one package rather than two: every operation on
// either side reaches into the same in-memory ManagedProcess and the same
// per-issue lock, and splitting them would only relocate that coupling
// behind an interface neither side can be used without.
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/google/uuid"

	"github.com/kdlbs/issueforge/internal/common/config"
	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/events"
	"github.com/kdlbs/issueforge/internal/executor"
	"github.com/kdlbs/issueforge/internal/lock"
	"github.com/kdlbs/issueforge/internal/lognorm"
	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/internal/persistwriter"
	"github.com/kdlbs/issueforge/internal/procmgr"
	"github.com/kdlbs/issueforge/internal/store"
	"github.com/kdlbs/issueforge/internal/worktree"
)

// debugIODir holds the rotating per-execution raw stdout/stderr tees written
// when LOG_EXECUTOR_IO is enabled.
const debugIODir = "logs/executor-io"

// Engine wires the Store, Process Manager, Executor Registry, Per-Issue
// Lock, and Event Bus into the C9/C10 state machine.
type Engine struct {
	store         *store.Store
	procs         *procmgr.Manager
	executors     *executor.Registry
	locks         *lock.Manager
	bus           *events.TypedBus
	worktrees     *worktree.Manager
	cfg           config.AgentConfig
	logExecutorIO bool
	logger        *logger.Logger

	// workdirs remembers the resolved working directory (worktree path or
	// plain project directory) an issue's current session is using, so a
	// follow-up spawns into the same checkout a fresh execution created
	// rather than re-creating a worktree or losing track of it.
	workdirs sync.Map // issueID -> string
}

// New builds an Engine. worktrees may be nil when no project uses
// UseWorktree; Create/Remove are then never called.
func New(st *store.Store, procs *procmgr.Manager, executors *executor.Registry, locks *lock.Manager, bus *events.TypedBus, worktrees *worktree.Manager, cfg config.AgentConfig, loggingCfg config.LoggingConfig, log *logger.Logger) *Engine {
	return &Engine{
		store:         st,
		procs:         procs,
		executors:     executors,
		locks:         locks,
		bus:           bus,
		worktrees:     worktrees,
		cfg:           cfg,
		logExecutorIO: loggingCfg.LogExecutorIO,
		logger:        log.WithFields(zap.String("component", "orchestration")),
	}
}

// errNoActiveProcess describes an issue with no registered live process. It
// is declared here but no function in this package returns it.
var errNoActiveProcess = fmt.Errorf("orchestration: no active process for issue")

// turnSignal is what a normalized system-message entry's metadata carries
// when it marks the end of a turn; see lognorm parsers in internal/executor.
type turnSignal struct {
	Completed bool   `json:"turnCompleted"`
	Success   bool   `json:"success"`
	Error     string `json:"error"`
}

func parseTurnSignal(entry *model.LogEntry) (turnSignal, bool) {
	if entry.EntryType != model.EntryTypeSystemMessage || entry.Metadata == "" {
		return turnSignal{}, false
	}
	var sig turnSignal
	if err := json.Unmarshal([]byte(entry.Metadata), &sig); err != nil || !sig.Completed {
		return turnSignal{}, false
	}
	return sig, true
}

// entrySink builds the callback both C5 (JSONL streamers) and C3/RPC
// executors feed normalized entries through: persist via C6, then inspect
// for the turn-completion signal and dispatch to the lifecycle handler.
func (e *Engine) entrySink(issueID, executionID string, mp *procmgr.ManagedProcess, pw *persistwriter.Writer) func(*model.LogEntry) {
	return func(entry *model.LogEntry) {
		ctx := context.Background()
		if err := pw.Write(ctx, entry); err != nil {
			e.logger.Error("persist normalized entry failed",
				zap.String("issue_id", issueID), zap.String("execution_id", executionID), zap.Error(err))
			return
		}
		if sig, ok := parseTurnSignal(entry); ok {
			mp.TurnInFlight = false
			go e.handleTurnCompleted(issueID, executionID, sig)
		}
	}
}

// attachExecution registers a freshly spawned subprocess with the Process
// Manager, wires its output through C5 (if the executor needs it) or relies
// on the executor's own EntrySink wiring (done by the caller before Spawn),
// and starts the background exit monitor. It always returns a Writer so the
// caller can persist the triggering user message through the same
// turn/entry index counters the agent's own output will use.
func (e *Engine) attachExecution(issueID, executionID string, eng executor.Executor, res *executor.SpawnResult, turnIndex int64) (*procmgr.ManagedProcess, *persistwriter.Writer) {
	mp := procmgr.NewManagedProcess(executionID, issueID, res.Subprocess, e.cfg.RingBufferCapacity)
	mp.SoftCancel = res.SoftCancel
	mp.LiveInput = res.LiveInput
	mp.EngineType = eng.EngineType()
	mp.StartNewTurn(turnIndex)
	mp.TurnInFlight = true
	e.procs.Register(mp)

	pw := persistwriter.New(e.store, e.bus, mp, issueID, executionID, e.logger)

	if eng.UsesLogNormalizer() {
		sink := e.entrySink(issueID, executionID, mp, pw)
		streamer := lognorm.New(eng.NormalizeLog(), mp.RingBuffer, sink, e.logger)
		if e.logExecutorIO {
			debugSink := newDebugSink(executionID)
			streamer.DebugWriter = debugSink
			go func() {
				<-res.Subprocess.Exited()
				_ = debugSink.Close()
			}()
		}
		go streamer.Run(context.Background(), lognorm.StreamStdout, res.Subprocess.Stdout)
		if res.Subprocess.Stderr != nil {
			go streamer.Run(context.Background(), lognorm.StreamStderr, res.Subprocess.Stderr)
		}
	}

	go e.monitorCompletion(issueID, executionID)
	return mp, pw
}

// spawnOptionsFor builds the SpawnOptions an executor needs, wiring
// EntrySink directly for RPC-backed executors (UsesLogNormalizer()==false)
// so their notifications bypass C5 entirely.
func (e *Engine) spawnOptionsFor(issueID, executionID, workingDir, prompt, modelName, permissionMode, externalSessionID string, eng executor.Executor, mpRef **procmgr.ManagedProcess, pwRef **persistwriter.Writer) executor.SpawnOptions {
	opts := executor.SpawnOptions{
		IssueID:           issueID,
		ExecutionID:       executionID,
		WorkingDir:        workingDir,
		Prompt:            prompt,
		Model:             modelName,
		PermissionMode:    permissionMode,
		ExternalSessionID: externalSessionID,
	}
	if !eng.UsesLogNormalizer() {
		opts.EntrySink = func(entry *model.LogEntry) {
			if *mpRef == nil || *pwRef == nil {
				return // spawn has not finished registering yet; dropped, same as a pre-spawn log line would be
			}
			sink := e.entrySink(issueID, executionID, *mpRef, *pwRef)
			sink(entry)
		}
	}
	return opts
}

func (e *Engine) defaultModel(ctx context.Context, eng executor.Executor, requested string) string {
	if requested != "" {
		return requested
	}
	models, err := eng.GetModels(ctx)
	if err != nil || len(models) == 0 {
		return ""
	}
	return models[0]
}

func newExecutionID() string { return uuid.New().String() }

// newDebugSink opens a rotating raw-I/O tee for one execution, active only
// when LOG_EXECUTOR_IO is set. Rotation is size/age-bounded so a runaway
// agent can't fill the disk the way an unbounded debug log would.
func newDebugSink(executionID string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(debugIODir, executionID+".log"),
		MaxSize:    50, // megabytes
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   true,
	}
}

func (e *Engine) emitState(ctx context.Context, issueID, executionID, state string) {
	if err := e.bus.PublishState(ctx, issueID, executionID, state); err != nil {
		e.logger.Warn("publish state failed", zap.String("issue_id", issueID), zap.Error(err))
	}
}

func (e *Engine) emitSettled(ctx context.Context, issueID, executionID, finalStatus string) {
	if err := e.bus.PublishSettled(ctx, issueID, executionID, finalStatus); err != nil {
		e.logger.Warn("publish settled failed", zap.String("issue_id", issueID), zap.Error(err))
	}
}

func (e *Engine) emitIssueUpdated(ctx context.Context, issueID string, changes map[string]any) {
	if err := e.bus.PublishIssueUpdated(ctx, issueID, changes); err != nil {
		e.logger.Warn("publish issue-updated failed", zap.String("issue_id", issueID), zap.Error(err))
	}
}

// producedNoOutput reports whether the issue's log holds no non-empty
// assistant message; used by session-id repair, which only applies to
// executions that failed before ever talking back.
func (e *Engine) producedNoOutput(ctx context.Context, issueID string) bool {
	entries, err := e.store.ListLogEntries(ctx, issueID)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.EntryType == model.EntryTypeAssistantMessage && entry.Content != "" {
			return false
		}
	}
	return true
}

func durationOrDefault(d time.Duration, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// atCapacity reports whether the process-wide concurrency limit
// (MAX_CONCURRENT_EXECUTIONS) would be exceeded by spawning one more
// subprocess. A zero limit means unbounded.
func (e *Engine) atCapacity() bool {
	if e.cfg.MaxConcurrentExecutions <= 0 {
		return false
	}
	return !e.procs.CanExecute(e.cfg.MaxConcurrentExecutions)
}

// resolveExecutor looks up the registered Executor for an issue's engine
// type. Issues that have never been executed have no engine type yet.
func (e *Engine) resolveExecutor(issue *model.Issue) (executor.Executor, bool) {
	if issue.EngineType == nil || *issue.EngineType == "" {
		return nil, false
	}
	return e.executors.Get(*issue.EngineType)
}

// workingDirFresh resolves an issue's project directory and, if the issue
// opts into UseWorktree, creates a fresh worktree and records the commit it
// forked from. The resolved directory is cached for subsequent follow-ups.
func (e *Engine) workingDirFresh(ctx context.Context, issue *model.Issue) (string, error) {
	project, err := e.store.GetProject(ctx, issue.ProjectID)
	if err != nil {
		return "", fmt.Errorf("resolve project directory: %w", err)
	}
	dir := ""
	if project.Directory != nil {
		dir = *project.Directory
	}

	if !issue.UseWorktree || e.worktrees == nil {
		e.workdirs.Store(issue.ID, dir)
		return dir, nil
	}

	result, err := e.worktrees.Create(ctx, dir, issue.ID)
	if err != nil {
		return "", fmt.Errorf("create worktree: %w", err)
	}

	hash := result.BaseCommitHash
	issue.BaseCommitHash = &hash
	if err := e.store.UpdateSessionFields(ctx, issue.ID, issue.SessionFields); err != nil {
		e.logger.Warn("persist base commit hash failed", zap.String("issue_id", issue.ID), zap.Error(err))
	}

	e.workdirs.Store(issue.ID, result.Path)
	return result.Path, nil
}

// workingDirResume returns the directory recorded by workingDirFresh, or
// falls back to the project's plain directory if none was recorded (e.g.
// after a process restart cleared the in-memory map).
func (e *Engine) workingDirResume(ctx context.Context, issue *model.Issue) (string, error) {
	if dir, ok := e.workdirs.Load(issue.ID); ok {
		return dir.(string), nil
	}
	project, err := e.store.GetProject(ctx, issue.ProjectID)
	if err != nil {
		return "", fmt.Errorf("resolve project directory: %w", err)
	}
	if project.Directory == nil {
		return "", nil
	}
	return *project.Directory, nil
}
