// Package executor is the Executor Registry (C2): per-agent-type spawn,
// cancel, and log-normalization strategies, selected by engine type.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/internal/procmgr"
)

// SpawnOptions carries everything an Executor needs to launch a fresh or
// resumed conversation for one execution.
type SpawnOptions struct {
	IssueID           string
	ExecutionID       string
	WorkingDir        string
	Prompt            string
	Model             string
	PermissionMode    string
	ExternalSessionID string // non-empty for spawnFollowUp/resume

	// EntrySink receives normalized entries emitted directly by
	// bidirectional JSON-RPC executors (C3-backed), which own their stdout
	// reader and so never pass through the generic byte-stream Log
	// Normalizer (C5). JSONL-streaming executors leave this unused and
	// instead return entries from NormalizeLog() for C5 to drive.
	EntrySink func(*model.LogEntry)
}

// SpawnResult is what a successful spawn hands back to the Lifecycle
// Controller for registration with the Process Manager.
type SpawnResult struct {
	Subprocess        *procmgr.Subprocess
	SoftCancel        procmgr.SoftCanceler
	ExternalSessionID string // the id the executor actually used, may differ from the requested one

	// LiveInput, when non-nil, sends one more user turn directly to this
	// still-running conversation instead of killing it and spawning a
	// follow-up process. Only bidirectional JSON-RPC executors that retain
	// their Conversation handle past Spawn/SpawnFollowUp populate this;
	// JSONL-streaming executors leave it nil, and the Lifecycle Controller
	// falls back to SpawnFollowUp whenever it is nil or returns an error.
	LiveInput procmgr.LiveInputFunc
}

// AvailabilityResult is the outcome of a single engine's availability probe.
type AvailabilityResult struct {
	Available bool
	Reason    string // populated when Available is false
}

// ErrMissingExternalSession signals the specific "no conversation found" /
// missing-session failure class that triggers session-id repair. Executors
// should wrap their own errors so errors.Is(err, ErrMissingExternalSession) works.
var ErrMissingExternalSession = fmt.Errorf("executor: missing external session")

// LogParser converts one raw stdout/stderr line into zero or more
// normalized log entries. Returning (nil, nil) means the line carried no
// entry-worthy content.
type LogParser func(line []byte) ([]*model.LogEntry, error)

// Executor is a per-agent-type spawn/cancel/probe/parse strategy.
type Executor interface {
	// EngineType is the stable identifier this executor registers under.
	EngineType() string

	// Spawn launches a brand-new conversation.
	Spawn(ctx context.Context, opts SpawnOptions) (*SpawnResult, error)

	// SpawnFollowUp resumes an existing conversation by external session id.
	// Returns an error satisfying errors.Is(err, ErrMissingExternalSession)
	// if the agent reports the session no longer exists.
	SpawnFollowUp(ctx context.Context, opts SpawnOptions) (*SpawnResult, error)

	// GetAvailability reports whether this engine can currently be used.
	GetAvailability(ctx context.Context) (AvailabilityResult, error)

	// GetModels lists the models this engine currently offers.
	GetModels(ctx context.Context) ([]string, error)

	// NormalizeLog returns the parser used by the Log Normalizer (C5) to
	// turn this executor's raw output lines into normalized entries. Only
	// consulted when UsesLogNormalizer() is true.
	NormalizeLog() LogParser

	// UsesLogNormalizer reports whether the byte-stream Log Normalizer (C5)
	// should be attached to this executor's subprocess stdout/stderr.
	// JSONL-streaming executors return true. Bidirectional JSON-RPC
	// executors return false: they own their stdout reader directly and
	// push entries through SpawnOptions.EntrySink instead, so attaching C5
	// to the same stream would race the RPC client for bytes.
	UsesLogNormalizer() bool
}

// DefaultProbeTimeout bounds a single engine's availability/models probe.
const DefaultProbeTimeout = 15 * time.Second

// Registry holds every registered Executor keyed by engine type.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds (or replaces) the Executor for its EngineType().
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.EngineType()] = e
}

// Get returns the Executor for an engine type.
func (r *Registry) Get(engineType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[engineType]
	return e, ok
}

// EngineTypes returns every registered engine type.
func (r *Registry) EngineTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for engineType := range r.executors {
		out = append(out, engineType)
	}
	return out
}

// All returns a snapshot of every registered Executor.
func (r *Registry) All() []Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Executor, 0, len(r.executors))
	for _, e := range r.executors {
		out = append(out, e)
	}
	return out
}
