// Package procmgr is the Process Manager (C4): a generic supervisor over
// live subprocesses keyed by execution id and grouped by issue id.
package procmgr

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/model"
)

// DefaultKillTimeout bounds the grace period between a soft cancel/stdin
// close and a hard OS kill.
const DefaultKillTimeout = 5 * time.Second

// DefaultAutoCleanupDelay bounds how long a terminal ManagedProcess lingers
// in the registry before the GC sweep removes it.
const DefaultAutoCleanupDelay = 5 * time.Minute

// DefaultGCInterval is the cadence of the background sweep removing
// long-stuck terminal entries that the auto-cleanup timer missed (e.g.
// because the process was restarted mid-wait).
const DefaultGCInterval = 10 * time.Minute

// Manager is the registry of ManagedProcess entries. Reads are safe for
// concurrent use from any goroutine; writes happen only from the owning
// issue's lock domain or from the supervising exit handler, per the
// single-writer-per-key discipline the rest of the engine relies on.
type Manager struct {
	mu       sync.RWMutex
	byExec   map[string]*ManagedProcess
	byIssue  map[string]map[string]struct{} // issueID -> set of executionIDs

	killTimeout      time.Duration
	autoCleanupDelay time.Duration
	gcInterval       time.Duration

	logger *logger.Logger

	cleanupTimers map[string]*time.Timer

	stopGC chan struct{}
	gcOnce sync.Once
}

// Option configures a Manager at construction time.
type Option func(*Manager)

func WithKillTimeout(d time.Duration) Option      { return func(m *Manager) { m.killTimeout = d } }
func WithAutoCleanupDelay(d time.Duration) Option { return func(m *Manager) { m.autoCleanupDelay = d } }
func WithGCInterval(d time.Duration) Option       { return func(m *Manager) { m.gcInterval = d } }

// NewManager constructs a Manager with sensible defaults, overridable via Option.
func NewManager(log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		byExec:           make(map[string]*ManagedProcess),
		byIssue:          make(map[string]map[string]struct{}),
		killTimeout:      DefaultKillTimeout,
		autoCleanupDelay: DefaultAutoCleanupDelay,
		gcInterval:       DefaultGCInterval,
		logger:           log.WithFields(zap.String("component", "process-manager")),
		cleanupTimers:    make(map[string]*time.Timer),
		stopGC:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a new ManagedProcess to the registry.
func (m *Manager) Register(mp *ManagedProcess) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byExec[mp.ExecutionID] = mp
	if m.byIssue[mp.IssueID] == nil {
		m.byIssue[mp.IssueID] = make(map[string]struct{})
	}
	m.byIssue[mp.IssueID][mp.ExecutionID] = struct{}{}
}

// Get returns the ManagedProcess for an execution id, if present.
func (m *Manager) Get(executionID string) (*ManagedProcess, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.byExec[executionID]
	return mp, ok
}

// GetActive returns the ManagedProcess for an execution id only if it is
// still in the running state.
func (m *Manager) GetActive(executionID string) (*ManagedProcess, bool) {
	mp, ok := m.Get(executionID)
	if !ok || mp.State() != model.ProcessStateRunning {
		return nil, false
	}
	return mp, true
}

// GetFirstActiveInGroup returns the first running ManagedProcess for an
// issue, if any. Invariant 1 guarantees there is at most one.
func (m *Manager) GetFirstActiveInGroup(issueID string) (*ManagedProcess, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for execID := range m.byIssue[issueID] {
		if mp, ok := m.byExec[execID]; ok && mp.State() == model.ProcessStateRunning {
			return mp, true
		}
	}
	return nil, false
}

// HasActiveInGroup reports whether any process for the issue is running.
func (m *Manager) HasActiveInGroup(issueID string) bool {
	_, ok := m.GetFirstActiveInGroup(issueID)
	return ok
}

// ListGroup returns every ManagedProcess registered for an issue, active or not.
func (m *Manager) ListGroup(issueID string) []*ManagedProcess {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ManagedProcess, 0, len(m.byIssue[issueID]))
	for execID := range m.byIssue[issueID] {
		if mp, ok := m.byExec[execID]; ok {
			out = append(out, mp)
		}
	}
	return out
}

// TransitionState idempotently moves an execution to a new state and, on a
// terminal transition, schedules auto-cleanup.
func (m *Manager) TransitionState(executionID string, next model.ProcessState) bool {
	mp, ok := m.Get(executionID)
	if !ok {
		return false
	}
	changed := mp.TransitionState(next)
	if changed && next.Terminal() {
		m.scheduleCleanup(executionID)
	}
	return changed
}

// MarkCompleted transitions an execution to completed.
func (m *Manager) MarkCompleted(executionID string) bool {
	return m.TransitionState(executionID, model.ProcessStateCompleted)
}

// MarkFailed transitions an execution to failed.
func (m *Manager) MarkFailed(executionID string) bool {
	return m.TransitionState(executionID, model.ProcessStateFailed)
}

// Terminate invokes the soft-cancel callback (if present), then races the
// subprocess's natural exit against the kill timeout, force-killing on
// timeout. softCancel=false skips straight to the hard kill race.
func (m *Manager) Terminate(ctx context.Context, executionID string, softCancel bool) error {
	mp, ok := m.Get(executionID)
	if !ok {
		return nil
	}

	if softCancel && mp.SoftCancel != nil {
		if err := mp.SoftCancel(); err != nil {
			m.logger.Warn("soft cancel failed", zap.String("execution_id", executionID), zap.Error(err))
		}
	}

	if mp.Subprocess == nil {
		return nil
	}
	return mp.Subprocess.HardStop(ctx, m.killTimeout)
}

// TerminateGroup terminates every process registered for an issue via
// Terminate with softCancel=true (soft cancel, then the kill-timeout race),
// invoking onEach (if non-nil) for each execution id before terminating it.
// The follow-up spawn path uses it to clear leftover processes.
func (m *Manager) TerminateGroup(ctx context.Context, issueID string, onEach func(executionID string)) {
	for _, mp := range m.ListGroup(issueID) {
		if onEach != nil {
			onEach(mp.ExecutionID)
		}
		if err := m.Terminate(ctx, mp.ExecutionID, true); err != nil {
			m.logger.Warn("terminate during group shutdown failed",
				zap.String("issue_id", issueID), zap.String("execution_id", mp.ExecutionID), zap.Error(err))
		}
	}
}

// AllExecutionIDs returns every execution id currently registered, for
// shutdown / cancelAll style sweeps that operate across issues.
func (m *Manager) AllExecutionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.byExec))
	for id := range m.byExec {
		out = append(out, id)
	}
	return out
}

// ActiveCount returns the number of executions currently in the running
// state, used to enforce MAX_CONCURRENT_EXECUTIONS.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, mp := range m.byExec {
		if mp.State() == model.ProcessStateRunning {
			count++
		}
	}
	return count
}

// CanExecute reports whether a new execution may be spawned under the given
// concurrency limit (0 or negative means unbounded).
func (m *Manager) CanExecute(maxConcurrent int) bool {
	if maxConcurrent <= 0 {
		return true
	}
	return m.ActiveCount() < maxConcurrent
}

func (m *Manager) scheduleCleanup(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.cleanupTimers[executionID]; ok {
		t.Stop()
	}
	m.cleanupTimers[executionID] = time.AfterFunc(m.autoCleanupDelay, func() {
		m.remove(executionID)
	})
}

func (m *Manager) remove(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, ok := m.byExec[executionID]
	if !ok {
		return
	}
	delete(m.byExec, executionID)
	if group, ok := m.byIssue[mp.IssueID]; ok {
		delete(group, executionID)
		if len(group) == 0 {
			delete(m.byIssue, mp.IssueID)
		}
	}
	delete(m.cleanupTimers, executionID)
}

// StartGC launches the background sweep that removes terminal entries whose
// auto-cleanup timer was missed (e.g. a restart mid-wait). Call Stop to end it.
func (m *Manager) StartGC() {
	go func() {
		ticker := time.NewTicker(m.gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweepStuck()
			case <-m.stopGC:
				return
			}
		}
	}()
}

func (m *Manager) sweepStuck() {
	m.mu.RLock()
	var stuck []string
	cutoff := time.Now().Add(-2 * m.autoCleanupDelay)
	for id, mp := range m.byExec {
		if mp.State().Terminal() && mp.FinishedAt != nil && mp.FinishedAt.Before(cutoff) {
			stuck = append(stuck, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stuck {
		m.logger.Warn("GC sweep removing long-stuck execution", zap.String("execution_id", id))
		m.remove(id)
	}
}

// Stop ends the background GC goroutine, if running. Idempotent.
func (m *Manager) Stop() {
	m.gcOnce.Do(func() { close(m.stopGC) })
}
