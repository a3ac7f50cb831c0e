package procmgr

import (
	"context"
	"sync"
	"time"

	"github.com/kdlbs/issueforge/internal/model"
)

// PendingInput is one queued follow-up prompt waiting for the process to
// become idle (or for a fresh process to be spawned on its behalf).
type PendingInput struct {
	Prompt      string
	DisplayText string
	Metadata    map[string]any
	LogEntryID  string
}

// SoftCanceler is the executor-provided callback used to interrupt an
// in-flight turn without killing the subprocess (usually an `interrupt` RPC).
type SoftCanceler func() error

// LiveInputFunc is the executor-provided callback used to send a follow-up
// prompt straight to an already-running, currently idle conversation,
// instead of tearing the process down and spawning a new one. A non-nil
// error means the caller should fall back to respawning.
type LiveInputFunc func(ctx context.Context, prompt string) error

// ManagedProcess is the in-memory record of one supervised execution,
// registered with the Manager; the Lifecycle Controller reads it and sets its
// callbacks and turn/cancel flags. It lives from spawn until the auto-cleanup
// delay after a terminal transition elapses.
type ManagedProcess struct {
	ExecutionID string
	IssueID     string

	Subprocess *Subprocess
	SoftCancel SoftCanceler
	LiveInput  LiveInputFunc

	RingBuffer *RingBuffer[*model.LogEntry]

	StartedAt  time.Time
	FinishedAt *time.Time
	ExitCode   *int

	WorktreePath string
	Model        string
	EngineType   string

	mu sync.Mutex

	state ProcessState

	// RetryCount is the in-memory auto-retry counter; per spec, deliberately
	// not persisted across restarts.
	RetryCount int

	// TurnInFlight is true while a user turn is active on the live process.
	TurnInFlight bool
	// TurnSettled is true once the turn has completed on a conversational
	// process whose subprocess is still alive.
	TurnSettled bool
	// CancelledByUser marks a soft cancel requested by the orchestration layer.
	CancelledByUser bool
	// LogicalFailure marks a non-crash failure detected by the normalizer
	// (e.g. result.subtype != success) even on a zero exit code.
	LogicalFailure       bool
	LogicalFailureReason string
	// QueueCancelRequested marks a cancel requested while a follow-up is queued.
	QueueCancelRequested bool
	// MetaTurn marks an internally-initiated turn (e.g. auto-title) whose
	// assistant output is hidden from the normal log view.
	MetaTurn bool

	// EntryCounter is the monotonic per-execution entryIndex counter, reset
	// to 0 at the start of every new turn.
	EntryCounter int64
	// TurnIndex is the current turn's index, assigned at spawn/follow-up time.
	TurnIndex int64

	PendingInputs []PendingInput

	SlashCommands []string
}

// ProcessState is an alias kept local to this package's public surface
// so callers don't need to import the model package just for process state.
type ProcessState = model.ProcessState

// NewManagedProcess constructs a fresh ManagedProcess in the running state.
func NewManagedProcess(executionID, issueID string, sp *Subprocess, ringCapacity int) *ManagedProcess {
	return &ManagedProcess{
		ExecutionID: executionID,
		IssueID:     issueID,
		Subprocess:  sp,
		RingBuffer:  NewRingBuffer[*model.LogEntry](ringCapacity),
		StartedAt:   time.Now().UTC(),
		state:       model.ProcessStateRunning,
	}
}

// State returns the current process state.
func (m *ManagedProcess) State() ProcessState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TransitionState idempotently moves to a new state: once a terminal state
// has been recorded, further transitions are ignored.
func (m *ManagedProcess) TransitionState(next ProcessState) (changed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return false
	}
	if m.state == next {
		return false
	}
	m.state = next
	if next.Terminal() {
		now := time.Now().UTC()
		m.FinishedAt = &now
	}
	return true
}

// EnqueuePendingInput appends a queued follow-up.
func (m *ManagedProcess) EnqueuePendingInput(p PendingInput) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PendingInputs = append(m.PendingInputs, p)
}

// DequeuePendingInput pops the oldest queued follow-up, if any.
func (m *ManagedProcess) DequeuePendingInput() (PendingInput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.PendingInputs) == 0 {
		return PendingInput{}, false
	}
	next := m.PendingInputs[0]
	m.PendingInputs = m.PendingInputs[1:]
	return next, true
}

// HasPendingInputs reports whether any follow-ups are queued.
func (m *ManagedProcess) HasPendingInputs() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PendingInputs) > 0
}

// NextEntryIndex returns the next monotonic entryIndex for this execution.
func (m *ManagedProcess) NextEntryIndex() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.EntryCounter
	m.EntryCounter++
	return idx
}

// StartNewTurn sets the current turn index and resets the entry counter.
func (m *ManagedProcess) StartNewTurn(turnIndex int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TurnIndex = turnIndex
	m.EntryCounter = 0
	m.TurnInFlight = true
	m.TurnSettled = false
}
