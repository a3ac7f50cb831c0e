package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/events/bus"
)

func TestTypedBus_PublishSettled_RoutesOnSettledTopicOnly(t *testing.T) {
	memBus := bus.NewMemoryEventBus(logger.Default())
	typed := NewTypedBus(memBus)

	var mu sync.Mutex
	var seenTopics []string
	unsubscribe, err := typed.SubscribeIssue("issue-1", func(topic string, evt *bus.Event) {
		mu.Lock()
		seenTopics = append(seenTopics, topic)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, typed.PublishState(context.Background(), "issue-1", "exec-1", StateRunning))
	require.NoError(t, typed.PublishSettled(context.Background(), "issue-1", "exec-1", StateCompleted))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seenTopics) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seenTopics, TopicState)
	assert.Contains(t, seenTopics, TopicSettled)
}

func TestTypedBus_DifferentIssuesDoNotCrossSubscribe(t *testing.T) {
	memBus := bus.NewMemoryEventBus(logger.Default())
	typed := NewTypedBus(memBus)

	var mu sync.Mutex
	var count int
	unsubscribe, err := typed.SubscribeIssue("issue-a", func(topic string, evt *bus.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, typed.PublishLog(context.Background(), "issue-b", "exec-1", map[string]any{}))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}
