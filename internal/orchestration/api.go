package orchestration

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kdlbs/issueforge/internal/events"
	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/internal/persistwriter"
	"github.com/kdlbs/issueforge/internal/procmgr"
)

// ExecuteOptions carries the caller-supplied fields for starting an issue's
// first execution.
type ExecuteOptions struct {
	EngineType     string
	Prompt         string
	Model          string
	PermissionMode string
}

// ExecuteIssue starts a brand-new execution for an issue that has none
// running. It resolves (and, if the issue opts in, creates) the working
// directory before spawning, so the agent never touches the project's
// primary checkout underneath a concurrent worktree session.
func (e *Engine) ExecuteIssue(ctx context.Context, issueID string, opts ExecuteOptions) (executionID string, err error) {
	err = e.locks.WithLock(ctx, issueID, func(ctx context.Context) error {
		issue, err := e.store.GetIssue(ctx, issueID)
		if err != nil {
			return fmt.Errorf("execute issue: load issue: %w", err)
		}
		if e.procs.HasActiveInGroup(issueID) {
			return fmt.Errorf("execute issue: already running")
		}
		if e.atCapacity() {
			return fmt.Errorf("execute issue: at capacity")
		}

		eng, ok := e.executors.Get(opts.EngineType)
		if !ok {
			return fmt.Errorf("execute issue: unknown engine type %q", opts.EngineType)
		}

		modelName := e.defaultModel(ctx, eng, opts.Model)
		engineType := opts.EngineType
		if err := e.store.UpdateSessionFields(ctx, issueID, model.SessionFields{
			EngineType:    &engineType,
			SessionStatus: model.SessionStatusRunning,
			Prompt:        &opts.Prompt,
			Model:         &modelName,
		}); err != nil {
			return fmt.Errorf("execute issue: persist session fields: %w", err)
		}
		issue.EngineType = &engineType

		workingDir, err := e.workingDirFresh(ctx, issue)
		if err != nil {
			return fmt.Errorf("execute issue: resolve working dir: %w", err)
		}

		newID := newExecutionID()
		e.emitState(ctx, issueID, newID, events.StateRunning)

		outcome, err := e.spawnFresh(ctx, issue, eng, newID, workingDir, opts.Prompt, modelName, opts.PermissionMode, 1)
		if err != nil {
			_ = e.store.UpdateSessionStatus(ctx, issueID, model.SessionStatusFailed)
			e.emitState(ctx, issueID, newID, events.StateFailed)
			return fmt.Errorf("execute issue: spawn: %w", err)
		}

		if err := outcome.pw.Write(ctx, &model.LogEntry{EntryType: model.EntryTypeUserMessage, Content: opts.Prompt, Visible: true}); err != nil {
			e.logger.Error("execute issue: persist user message failed", zap.String("issue_id", issueID), zap.Error(err))
		}

		sessionID := outcome.externalSessionID
		if err := e.store.UpdateSessionFields(ctx, issueID, model.SessionFields{
			EngineType:        &engineType,
			SessionStatus:     model.SessionStatusRunning,
			ExternalSessionID: &sessionID,
		}); err != nil {
			e.logger.Warn("execute issue: persist external session id failed", zap.String("issue_id", issueID), zap.Error(err))
		}

		executionID = outcome.executionID
		return nil
	})
	return executionID, err
}

// FollowUpBusyAction controls what happens to a newly arriving follow-up
// prompt when a turn is already in flight.
type FollowUpBusyAction string

const (
	// BusyQueue enqueues the prompt to run after the current turn settles
	// (or after the current process exits, whichever happens first).
	BusyQueue FollowUpBusyAction = "queue"
	// BusyInterrupt soft-cancels the in-flight turn before queuing, asking
	// the agent to wrap up early so the queued prompt starts sooner.
	BusyInterrupt FollowUpBusyAction = "interrupt"
)

// FollowUpIssue adds a prompt to an issue's conversation. Dispatch depends
// on what, if anything, is currently running:
//
//   - no active process: spawn a follow-up process immediately (resuming
//     the stored external session if one exists).
//   - active process, idle (no turn in flight): the prompt is sent straight
//     down the live JSON-RPC channel as a new turn on the same conversation,
//     so the process never has to be torn down. If the engine has no
//     live-send channel, or sending on it fails, this falls back to the
//     no-active-process path: terminate the stale process and spawn a fresh
//     follow-up resuming its external session.
//   - active process, turn in flight: the prompt is enqueued as a
//     PendingInput, dispatched once the turn settles or the process exits.
//     BusyInterrupt additionally triggers a soft cancel so that happens
//     sooner.
func (e *Engine) FollowUpIssue(ctx context.Context, issueID, prompt, modelName, permissionMode string, busyAction FollowUpBusyAction) (executionID string, err error) {
	err = e.locks.WithLock(ctx, issueID, func(ctx context.Context) error {
		issue, loadErr := e.store.GetIssue(ctx, issueID)
		if loadErr != nil {
			return fmt.Errorf("follow up: load issue: %w", loadErr)
		}

		mp, active := e.procs.GetFirstActiveInGroup(issueID)
		if !active {
			outcome, spawnErr := e.spawnFollowUpProcess(ctx, issue, prompt, modelName, permissionMode)
			if spawnErr != nil {
				return spawnErr
			}
			executionID = outcome.executionID
			return nil
		}

		if !mp.TurnInFlight {
			sendErr := fmt.Errorf("engine has no live input channel")
			if mp.LiveInput != nil {
				sendErr = mp.LiveInput(ctx, prompt)
			}
			if sendErr == nil {
				turnIdx, idxErr := e.store.GetNextTurnIndex(ctx, issueID)
				if idxErr != nil {
					return fmt.Errorf("follow up: next turn index: %w", idxErr)
				}
				mp.StartNewTurn(turnIdx)
				pw := persistwriter.New(e.store, e.bus, mp, issueID, mp.ExecutionID, e.logger)
				if writeErr := pw.Write(ctx, &model.LogEntry{EntryType: model.EntryTypeUserMessage, Content: prompt, Visible: true}); writeErr != nil {
					e.logger.Error("follow up: persist live-sent message failed", zap.String("issue_id", issueID), zap.Error(writeErr))
				}
				executionID = mp.ExecutionID
				return nil
			}
			e.logger.Warn("follow up: live send failed, falling back to respawn", zap.String("issue_id", issueID), zap.Error(sendErr))

			outcome, spawnErr := e.spawnFollowUpProcess(ctx, issue, prompt, modelName, permissionMode)
			if spawnErr != nil {
				return spawnErr
			}
			executionID = outcome.executionID
			return nil
		}

		if busyAction == BusyInterrupt && mp.SoftCancel != nil {
			mp.QueueCancelRequested = true
			if cancelErr := mp.SoftCancel(); cancelErr != nil {
				e.logger.Warn("follow up: soft cancel failed", zap.String("issue_id", issueID), zap.Error(cancelErr))
			}
		}

		turnIdx, idxErr := e.store.GetNextTurnIndex(ctx, issueID)
		if idxErr != nil {
			return fmt.Errorf("follow up: next turn index: %w", idxErr)
		}
		if persistErr := e.persistPending(ctx, issueID, turnIdx, mp.NextEntryIndex(), prompt); persistErr != nil {
			return fmt.Errorf("follow up: persist pending message: %w", persistErr)
		}
		mp.EnqueuePendingInput(procmgr.PendingInput{Prompt: prompt})
		executionID = mp.ExecutionID
		return nil
	})
	return executionID, err
}

// CancelIssue soft-cancels every active process in the issue's group and
// marks the session cancelled immediately, so a client sees the cancel take
// effect without waiting for the subprocess to actually exit.
func (e *Engine) CancelIssue(ctx context.Context, issueID string) error {
	return e.locks.WithLock(ctx, issueID, func(ctx context.Context) error {
		for _, mp := range e.procs.ListGroup(issueID) {
			if mp.State() != model.ProcessStateRunning {
				continue
			}
			mp.CancelledByUser = true
			if mp.SoftCancel == nil {
				continue
			}
			if cancelErr := mp.SoftCancel(); cancelErr != nil {
				e.logger.Warn("cancel issue: soft cancel failed", zap.String("issue_id", issueID), zap.Error(cancelErr))
			}
		}
		if err := e.store.UpdateSessionStatus(ctx, issueID, model.SessionStatusCancelled); err != nil {
			return fmt.Errorf("cancel issue: persist status: %w", err)
		}
		return nil
	})
}

// RestartIssue re-spawns an issue whose last session ended in failed or
// cancelled, reusing its stored prompt and external session id.
func (e *Engine) RestartIssue(ctx context.Context, issueID string) error {
	return e.locks.WithLock(ctx, issueID, func(ctx context.Context) error {
		issue, err := e.store.GetIssue(ctx, issueID)
		if err != nil {
			return fmt.Errorf("restart issue: load issue: %w", err)
		}
		if issue.SessionStatus != model.SessionStatusFailed && issue.SessionStatus != model.SessionStatusCancelled {
			return fmt.Errorf("restart issue: session status %q is not restartable", issue.SessionStatus)
		}
		_, err = e.spawnRetry(ctx, issueID)
		return err
	})
}

// CancelAll hard-terminates every registered process, regardless of issue.
// Used only at shutdown.
func (e *Engine) CancelAll(ctx context.Context) {
	for _, executionID := range e.procs.AllExecutionIDs() {
		if err := e.procs.Terminate(ctx, executionID, false); err != nil {
			e.logger.Warn("cancel all: terminate failed", zap.String("execution_id", executionID), zap.Error(err))
		}
	}
}
