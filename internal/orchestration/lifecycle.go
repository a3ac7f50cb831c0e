package orchestration

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/kdlbs/issueforge/internal/events"
	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/internal/procmgr"
)

var missingSessionReason = regexp.MustCompile(`(?i)no conversation found|session`)

// handleTurnCompleted is fired by entrySink when the normalizer observes a
// turn-completion signal. If more input is queued it is dispatched next as
// a follow-up; otherwise the execution settles (deferred if a pending
// message auto-flush reactivates the session first).
func (e *Engine) handleTurnCompleted(issueID, executionID string, sig turnSignal) {
	ctx := context.Background()
	mp, ok := e.procs.GetActive(executionID)
	if !ok {
		return // execution is no longer running; nothing to do
	}

	mp.TurnSettled = true
	mp.QueueCancelRequested = false
	mp.MetaTurn = false
	if !sig.Success {
		mp.LogicalFailure = true
		mp.LogicalFailureReason = sig.Error
	}

	if err := e.locks.WithLock(ctx, issueID, func(ctx context.Context) error {
		return e.onTurnCompletedLocked(ctx, issueID, executionID, mp)
	}); err != nil {
		e.logger.Error("handle turn completed failed", zap.String("issue_id", issueID), zap.Error(err))
	}
}

func (e *Engine) onTurnCompletedLocked(ctx context.Context, issueID, executionID string, mp *procmgr.ManagedProcess) error {
	if next, ok := mp.DequeuePendingInput(); ok {
		issue, err := e.store.GetIssue(ctx, issueID)
		if err != nil {
			return fmt.Errorf("dispatch queued input: %w", err)
		}
		_, err = e.spawnFollowUpProcess(ctx, issue, next.Prompt, derefOrEmpty(issue.Model), "")
		return err
	}

	finalStatus := events.StateCompleted
	if mp.LogicalFailure {
		finalStatus = events.StateFailed
	}
	e.emitState(ctx, issueID, executionID, finalStatus)

	if finalStatus == events.StateFailed && e.producedNoOutput(ctx, issueID) && missingSessionReason.MatchString(mp.LogicalFailureReason) {
		if err := e.store.ClearExternalSessionID(ctx, issueID); err != nil {
			e.logger.Warn("session-id repair failed", zap.String("issue_id", issueID), zap.Error(err))
		}
	} else if err := e.store.UpdateSessionStatus(ctx, issueID, toSessionStatus(finalStatus)); err != nil {
		e.logger.Warn("persist session status failed", zap.String("issue_id", issueID), zap.Error(err))
	}

	if e.hasPending(ctx, issueID) {
		return e.flushPendingAsFollowUp(ctx, issueID)
	}

	issue, err := e.store.GetIssue(ctx, issueID)
	if err != nil {
		return fmt.Errorf("re-read issue after turn completion: %w", err)
	}
	if issue.SessionStatus != toSessionStatus(finalStatus) {
		return nil // a follow-up already reactivated the session; skip settle
	}

	return e.settleIssueLocked(ctx, issueID, executionID, finalStatus)
}

func toSessionStatus(state string) model.SessionStatus {
	switch state {
	case events.StateCompleted:
		return model.SessionStatusCompleted
	case events.StateFailed:
		return model.SessionStatusFailed
	case events.StateCancelled:
		return model.SessionStatusCancelled
	default:
		return model.SessionStatusRunning
	}
}

// monitorCompletion runs in the background awaiting the subprocess's exit
// and reconciles durable state once it does, under the issue's lock.
func (e *Engine) monitorCompletion(issueID, executionID string) {
	mp, ok := e.procs.Get(executionID)
	if !ok || mp.Subprocess == nil {
		return
	}
	<-mp.Subprocess.Exited()

	ctx := context.Background()
	if err := e.locks.WithLock(ctx, issueID, func(ctx context.Context) error {
		return e.onExitLocked(ctx, issueID, executionID, mp)
	}); err != nil {
		e.logger.Error("monitor completion failed", zap.String("issue_id", issueID), zap.Error(err))
	}
}

func (e *Engine) onExitLocked(ctx context.Context, issueID, executionID string, mp *procmgr.ManagedProcess) error {
	switch {
	case mp.TurnSettled:
		e.procs.TransitionState(executionID, terminalStateFor(mp))
		if mp.LogicalFailure && missingSessionReason.MatchString(mp.LogicalFailureReason) && mp.RetryCount < e.cfg.MaxAutoRetries {
			mp.RetryCount++
			_, err := e.spawnRetry(ctx, issueID)
			return err
		}
		return nil

	case mp.HasPendingInputs():
		issue, err := e.store.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		next, _ := mp.DequeuePendingInput()
		outcome, err := e.spawnFollowUpProcess(ctx, issue, next.Prompt, derefOrEmpty(issue.Model), "")
		if err != nil {
			return err
		}
		e.procs.TransitionState(executionID, model.ProcessStateCompleted)
		for {
			queued, ok := mp.DequeuePendingInput()
			if !ok {
				break
			}
			outcome.mp.EnqueuePendingInput(queued)
		}
		return nil

	case mp.CancelledByUser:
		e.procs.TransitionState(executionID, model.ProcessStateCancelled)
		return e.settleIssueLocked(ctx, issueID, executionID, events.StateCancelled)

	case mp.Subprocess.ExitCode() == 0 && !mp.LogicalFailure:
		e.procs.TransitionState(executionID, model.ProcessStateCompleted)
		e.emitState(ctx, issueID, executionID, events.StateCompleted)
		return e.settleIssueLocked(ctx, issueID, executionID, events.StateCompleted)

	default:
		e.procs.TransitionState(executionID, model.ProcessStateFailed)
		e.emitState(ctx, issueID, executionID, events.StateFailed)
		if mp.RetryCount < e.cfg.MaxAutoRetries {
			mp.RetryCount++
			if _, err := e.spawnRetry(ctx, issueID); err == nil {
				return nil
			}
		}
		return e.settleIssueLocked(ctx, issueID, executionID, events.StateFailed)
	}
}

func terminalStateFor(mp *procmgr.ManagedProcess) model.ProcessState {
	if mp.LogicalFailure {
		return model.ProcessStateFailed
	}
	return model.ProcessStateCompleted
}

// settleIssueLocked finalizes an execution: persists sessionStatus,
// auto-moves the board status to review, and emits settled. Callers must
// already hold issueID's lock.
func (e *Engine) settleIssueLocked(ctx context.Context, issueID, executionID, finalStatus string) error {
	if err := e.store.UpdateSessionStatus(ctx, issueID, toSessionStatus(finalStatus)); err != nil {
		e.logger.Warn("settle: persist session status failed", zap.String("issue_id", issueID), zap.Error(err))
	}

	issue, err := e.store.GetIssue(ctx, issueID)
	if err == nil && issue.StatusID == model.IssueStatusWorking {
		if err := e.store.UpdateIssueStatus(ctx, issueID, model.IssueStatusReview); err != nil {
			e.logger.Warn("settle: move to review failed", zap.String("issue_id", issueID), zap.Error(err))
		}
	}

	e.emitSettled(ctx, issueID, executionID, finalStatus)
	return nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
