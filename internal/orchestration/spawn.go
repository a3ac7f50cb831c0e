package orchestration

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kdlbs/issueforge/internal/events"
	"github.com/kdlbs/issueforge/internal/executor"
	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/internal/persistwriter"
	"github.com/kdlbs/issueforge/internal/procmgr"
	"github.com/kdlbs/issueforge/internal/tracing"
)

// spawnOutcome is the common result of any of the four spawn paths below.
type spawnOutcome struct {
	executionID       string
	mp                *procmgr.ManagedProcess
	pw                *persistwriter.Writer
	externalSessionID string
}

// spawnFresh launches a brand-new conversation under a freshly generated
// external session id, persisting whichever id the executor actually used
// (some engines mint their own, ignoring the suggestion).
func (e *Engine) spawnFresh(ctx context.Context, issue *model.Issue, eng executor.Executor, executionID, workingDir, prompt, modelName, permissionMode string, turnIndex int64) (*spawnOutcome, error) {
	sessionSeed := uuid.New().String()

	ctx, span := tracing.Tracer("issueforge/orchestration").Start(ctx, "orchestration.spawn_fresh",
		trace.WithAttributes(attribute.String("issue_id", issue.ID), attribute.String("engine_type", eng.EngineType())))
	defer span.End()

	var mp *procmgr.ManagedProcess
	var pw *persistwriter.Writer
	opts := e.spawnOptionsFor(issue.ID, executionID, workingDir, prompt, modelName, permissionMode, sessionSeed, eng, &mp, &pw)

	res, err := eng.Spawn(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("spawn fresh: %w", err)
	}

	mp, pw = e.attachExecution(issue.ID, executionID, eng, res, turnIndex)

	externalSessionID := res.ExternalSessionID
	if externalSessionID == "" {
		externalSessionID = sessionSeed
	}
	return &spawnOutcome{executionID: executionID, mp: mp, pw: pw, externalSessionID: externalSessionID}, nil
}

// spawnWithSessionFallback resumes an existing conversation by external
// session id, falling back to a fresh spawn (and clearing the stale id) if
// the executor reports the session no longer exists.
func (e *Engine) spawnWithSessionFallback(ctx context.Context, issue *model.Issue, eng executor.Executor, executionID, workingDir, prompt, modelName, permissionMode, externalSessionID string, turnIndex int64) (*spawnOutcome, error) {
	var mp *procmgr.ManagedProcess
	var pw *persistwriter.Writer
	opts := e.spawnOptionsFor(issue.ID, executionID, workingDir, prompt, modelName, permissionMode, externalSessionID, eng, &mp, &pw)

	res, err := eng.SpawnFollowUp(ctx, opts)
	if err != nil {
		if executor.IsMissingSession(err) {
			if clearErr := e.store.ClearExternalSessionID(ctx, issue.ID); clearErr != nil {
				e.logger.Warn("clear external session id failed")
			}
			return e.spawnFresh(ctx, issue, eng, executionID, workingDir, prompt, modelName, permissionMode, turnIndex)
		}
		return nil, fmt.Errorf("spawn follow-up: %w", err)
	}

	mp, pw = e.attachExecution(issue.ID, executionID, eng, res, turnIndex)

	resolvedSessionID := res.ExternalSessionID
	if resolvedSessionID == "" {
		resolvedSessionID = externalSessionID
	}
	return &spawnOutcome{executionID: executionID, mp: mp, pw: pw, externalSessionID: resolvedSessionID}, nil
}

// spawnRetry is used by the auto-retry paths in onExitLocked and by
// RestartIssue. It takes no lock of its own: both callers already hold the
// issue's lock (monitorCompletion acquires it before calling onExitLocked).
// It re-uses the stored prompt/model, and picks spawnFollowUp or spawnFresh
// based on whether a session id is already on record.
func (e *Engine) spawnRetry(ctx context.Context, issueID string) (*spawnOutcome, error) {
	issue, err := e.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, fmt.Errorf("spawn retry: load issue: %w", err)
	}
	eng, ok := e.resolveExecutor(issue)
	if !ok {
		return nil, fmt.Errorf("spawn retry: no executor for issue %s", issueID)
	}

	turnIndex, err := e.store.GetNextTurnIndex(ctx, issueID)
	if err != nil {
		return nil, fmt.Errorf("spawn retry: next turn index: %w", err)
	}

	prompt := ""
	if issue.Prompt != nil {
		prompt = *issue.Prompt
	}
	modelName := ""
	if issue.Model != nil {
		modelName = *issue.Model
	}

	workingDir, err := e.workingDirResume(ctx, issue)
	if err != nil {
		return nil, fmt.Errorf("spawn retry: resolve working dir: %w", err)
	}

	executionID := newExecutionID()
	if issue.ExternalSessionID != nil && *issue.ExternalSessionID != "" {
		return e.spawnWithSessionFallback(ctx, issue, eng, executionID, workingDir, prompt, modelName, "", *issue.ExternalSessionID, turnIndex)
	}
	return e.spawnFresh(ctx, issue, eng, executionID, workingDir, prompt, modelName, "", turnIndex)
}

// spawnFollowUpProcess is used by followUpIssue when no active process
// exists for the issue. It kills any leftover subprocess first (a safety
// net against a stuck registry entry), flips sessionStatus to running
// before spawning so a crash mid-spawn still reconciles correctly, and
// reverts to failed if the spawn itself errors.
func (e *Engine) spawnFollowUpProcess(ctx context.Context, issue *model.Issue, prompt, modelName, permissionMode string) (*spawnOutcome, error) {
	e.procs.TerminateGroup(ctx, issue.ID, nil)

	if e.atCapacity() {
		return nil, fmt.Errorf("follow-up: at capacity")
	}

	eng, ok := e.resolveExecutor(issue)
	if !ok {
		return nil, fmt.Errorf("follow-up: no executor for issue %s", issue.ID)
	}

	executionID := newExecutionID()
	if err := e.store.UpdateSessionStatus(ctx, issue.ID, model.SessionStatusRunning); err != nil {
		return nil, fmt.Errorf("follow-up: update session status: %w", err)
	}
	e.emitState(ctx, issue.ID, executionID, events.StateRunning)

	turnIndex, err := e.store.GetNextTurnIndex(ctx, issue.ID)
	if err != nil {
		return nil, fmt.Errorf("follow-up: next turn index: %w", err)
	}

	workingDir, err := e.workingDirResume(ctx, issue)
	if err != nil {
		return nil, fmt.Errorf("follow-up: resolve working dir: %w", err)
	}

	var outcome *spawnOutcome
	if issue.ExternalSessionID != nil && *issue.ExternalSessionID != "" {
		outcome, err = e.spawnWithSessionFallback(ctx, issue, eng, executionID, workingDir, prompt, modelName, permissionMode, *issue.ExternalSessionID, turnIndex)
	} else {
		outcome, err = e.spawnFresh(ctx, issue, eng, executionID, workingDir, prompt, modelName, permissionMode, turnIndex)
	}
	if err != nil {
		_ = e.store.UpdateSessionStatus(ctx, issue.ID, model.SessionStatusFailed)
		e.emitState(ctx, issue.ID, executionID, events.StateFailed)
		return nil, fmt.Errorf("follow-up: spawn: %w", err)
	}

	if err := outcome.pw.Write(ctx, &model.LogEntry{EntryType: model.EntryTypeUserMessage, Content: prompt, Visible: true}); err != nil {
		e.logger.Error("follow-up: persist user message failed")
	}

	sessionID := outcome.externalSessionID
	if err := e.store.UpdateSessionFields(ctx, issue.ID, model.SessionFields{
		EngineType:        issue.EngineType,
		SessionStatus:     model.SessionStatusRunning,
		Prompt:            &prompt,
		ExternalSessionID: &sessionID,
		Model:             &modelName,
		BaseCommitHash:    issue.BaseCommitHash,
	}); err != nil {
		e.logger.Warn("follow-up: persist session fields failed")
	}

	return outcome, nil
}
