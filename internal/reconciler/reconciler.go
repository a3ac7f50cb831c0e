// Package reconciler is the Reconciler (C11): it converges durable state
// with in-memory reality after crashes and on an ongoing basis, so an issue
// can never get permanently stuck showing "working" with nothing actually
// running for it.
package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/events"
	"github.com/kdlbs/issueforge/internal/events/bus"
	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/internal/procmgr"
	"github.com/kdlbs/issueforge/internal/store"
)

// DefaultInterval is how often the periodic sweep runs.
const DefaultInterval = 60 * time.Second

// SettledDelay is how long the settled-triggered sweep waits after a
// settled event before running, giving the exit handler time to finish its
// own state transition first.
const SettledDelay = 1 * time.Second

// sweepConcurrency bounds how many issues one sweep pass reconciles at
// once; sweeps are infrequent and issue counts are expected to stay modest,
// so a small fixed cap is enough to avoid one sweep hammering the store.
const sweepConcurrency = 8

// Reconciler runs the startup, periodic, and settled-triggered sweeps.
type Reconciler struct {
	store    *store.Store
	procs    *procmgr.Manager
	bus      *events.TypedBus
	interval time.Duration
	logger   *logger.Logger

	stop chan struct{}
}

// New builds a Reconciler. interval <= 0 uses DefaultInterval.
func New(st *store.Store, procs *procmgr.Manager, typedBus *events.TypedBus, interval time.Duration, log *logger.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		store:    st,
		procs:    procs,
		bus:      typedBus,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "reconciler")),
		stop:     make(chan struct{}),
	}
}

// Start runs the startup sweep synchronously, then launches the periodic
// and settled-triggered sweep loops in the background. ctx cancellation or
// Stop() shuts both loops down.
func (r *Reconciler) Start(ctx context.Context) error {
	if err := r.runStartupSweep(ctx); err != nil {
		return err
	}

	sub, err := r.bus.Subscribe(events.BuildIssueWildcardSubject(events.TopicSettled), func(ctx context.Context, evt *bus.Event) error {
		data, _ := evt.Data.(map[string]interface{})
		issueID, _ := data["issueId"].(string)
		if issueID != "" {
			go r.settledTriggeredSweep(issueID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	go func() {
		defer func() { _ = sub.Unsubscribe() }()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				if err := r.staleWorkingSweep(ctx); err != nil {
					r.logger.Error("periodic sweep failed", zap.Error(err))
				}
			}
		}
	}()

	return nil
}

// Stop ends the background sweep loops. Safe to call once.
func (r *Reconciler) Stop() { close(r.stop) }

func (r *Reconciler) settledTriggeredSweep(issueID string) {
	select {
	case <-time.After(SettledDelay):
	case <-r.stop:
		return
	}
	ctx := context.Background()
	if err := r.reconcileIssue(ctx, issueID); err != nil {
		r.logger.Warn("settled-triggered sweep failed", zap.String("issue_id", issueID), zap.Error(err))
	}
}

// runStartupSweep marks every issue whose sessionStatus survived a crash in
// a non-terminal state as failed (nothing is actually running for it right
// after process start), then runs the general stale-working sweep.
func (r *Reconciler) runStartupSweep(ctx context.Context) error {
	orphaned, err := r.store.ListIssuesBySessionStatus(ctx, model.SessionStatusRunning, model.SessionStatusPending)
	if err != nil {
		return err
	}
	for _, issue := range orphaned {
		if err := r.store.UpdateSessionStatus(ctx, issue.ID, model.SessionStatusFailed); err != nil {
			r.logger.Warn("startup sweep: mark failed", zap.String("issue_id", issue.ID), zap.Error(err))
		}
	}
	return r.staleWorkingSweep(ctx)
}

// staleWorkingSweep is the shared idempotent logic driving all three
// entrypoints: any issue showing statusId=working with no in-memory active
// process is moved to review (and its session status to failed, unless
// already terminal).
func (r *Reconciler) staleWorkingSweep(ctx context.Context) error {
	working, err := r.store.ListIssuesByStatus(ctx, model.IssueStatusWorking)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(sweepConcurrency)
	for _, issue := range working {
		group.Go(func() error {
			return r.reconcileWorkingIssue(gctx, issue)
		})
	}
	return group.Wait()
}

// reconcileIssue re-reads a single issue and applies the same stale-working
// check, used by the settled-triggered sweep which already knows which
// issue to look at and shouldn't pay for a full table scan.
func (r *Reconciler) reconcileIssue(ctx context.Context, issueID string) error {
	issue, err := r.store.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.StatusID != model.IssueStatusWorking {
		return nil
	}
	return r.reconcileWorkingIssue(ctx, issue)
}

func (r *Reconciler) reconcileWorkingIssue(ctx context.Context, issue *model.Issue) error {
	if r.procs.HasActiveInGroup(issue.ID) {
		return nil
	}

	if err := r.store.UpdateIssueStatus(ctx, issue.ID, model.IssueStatusReview); err != nil {
		return err
	}
	changes := map[string]any{"statusId": model.IssueStatusReview}

	if !issue.SessionStatus.Terminal() {
		if err := r.store.UpdateSessionStatus(ctx, issue.ID, model.SessionStatusFailed); err != nil {
			return err
		}
		changes["sessionStatus"] = model.SessionStatusFailed
	}

	if err := r.bus.PublishIssueUpdated(ctx, issue.ID, changes); err != nil {
		r.logger.Warn("publish issue-updated failed", zap.String("issue_id", issue.ID), zap.Error(err))
	}
	return nil
}
