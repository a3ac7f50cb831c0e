package events

import (
	"context"
	"time"

	"github.com/kdlbs/issueforge/internal/events/bus"
)

// eventSource identifies this process as the origin of bus events.
const eventSource = "issueforge"

// HeartbeatInterval is how often SSE subscribers are sent a keepalive per §6.
const HeartbeatInterval = 15 * time.Second

// TypedBus is a thin, topic-aware wrapper over the generic bus.EventBus,
// giving each of the five event families (§4.C7) its own publish method so
// callers never hand-build subjects or payload shapes.
type TypedBus struct {
	bus.EventBus
}

// NewTypedBus wraps an already-constructed EventBus.
func NewTypedBus(b bus.EventBus) *TypedBus {
	return &TypedBus{EventBus: b}
}

// PublishLog emits one normalized log entry. entry is typically a
// *model.LogEntry, passed as any to avoid an import cycle with internal/model.
func (t *TypedBus) PublishLog(ctx context.Context, issueID, executionID string, entry any) error {
	evt := bus.NewEvent(TopicLog, eventSource, map[string]any{
		"issueId":     issueID,
		"executionId": executionID,
		"entry":       entry,
	})
	return t.Publish(ctx, BuildIssueSubject(TopicLog, issueID), evt)
}

// PublishState emits an execution state change. The Lifecycle Controller
// emits running here, and also the final completed/failed state just before
// the matching settled event.
func (t *TypedBus) PublishState(ctx context.Context, issueID, executionID, state string) error {
	evt := bus.NewEvent(TopicState, eventSource, map[string]any{
		"issueId":     issueID,
		"executionId": executionID,
		"state":       state,
	})
	return t.Publish(ctx, BuildIssueSubject(TopicState, issueID), evt)
}

// PublishSettled emits the one-time terminal outcome of an execution.
func (t *TypedBus) PublishSettled(ctx context.Context, issueID, executionID, finalStatus string) error {
	evt := bus.NewEvent(TopicSettled, eventSource, map[string]any{
		"issueId":     issueID,
		"executionId": executionID,
		"finalStatus": finalStatus,
	})
	return t.Publish(ctx, BuildIssueSubject(TopicSettled, issueID), evt)
}

// PublishIssueUpdated emits a partial-update notification for an issue's
// board-visible fields (status, title, etc.).
func (t *TypedBus) PublishIssueUpdated(ctx context.Context, issueID string, changes map[string]any) error {
	evt := bus.NewEvent(TopicIssueUpdated, eventSource, map[string]any{
		"issueId": issueID,
		"changes": changes,
	})
	return t.Publish(ctx, BuildIssueSubject(TopicIssueUpdated, issueID), evt)
}

// PublishChangesSummary emits a summary of the working-tree changes an
// execution produced (e.g. after a worktree diff is computed).
func (t *TypedBus) PublishChangesSummary(ctx context.Context, issueID string, summary any) error {
	evt := bus.NewEvent(TopicChangesSummary, eventSource, map[string]any{
		"issueId": issueID,
		"summary": summary,
	})
	return t.Publish(ctx, BuildIssueSubject(TopicChangesSummary, issueID), evt)
}

// SubscribeIssue subscribes to every topic for one issue id, routing each
// decoded event through handler along with the topic it arrived on. Returns
// a single Subscription-like closer that unsubscribes all five.
func (t *TypedBus) SubscribeIssue(issueID string, handler func(topic string, evt *bus.Event)) (func() error, error) {
	topics := []string{TopicLog, TopicState, TopicSettled, TopicIssueUpdated, TopicChangesSummary}
	subs := make([]bus.Subscription, 0, len(topics))

	for _, topic := range topics {
		topic := topic
		sub, err := t.Subscribe(BuildIssueSubject(topic, issueID), func(ctx context.Context, evt *bus.Event) error {
			handler(topic, evt)
			return nil
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	return func() error {
		var firstErr error
		for _, s := range subs {
			if err := s.Unsubscribe(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}, nil
}
