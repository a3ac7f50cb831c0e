package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/issueforge/internal/common/logger"
)

func TestManager_SerializesConcurrentAccessToSameIssue(t *testing.T) {
	m := NewManager(logger.Default())

	var active atomic.Int32
	var maxActive atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(context.Background(), "issue-1", func(ctx context.Context) error {
				n := active.Add(1)
				for {
					cur := maxActive.Load()
					if n <= cur || maxActive.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
}

func TestManager_DifferentIssuesRunConcurrently(t *testing.T) {
	m := NewManager(logger.Default())

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make(chan time.Duration, 2)

	for _, issueID := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			begin := time.Now()
			_ = m.WithLock(context.Background(), id, func(ctx context.Context) error {
				time.Sleep(30 * time.Millisecond)
				return nil
			})
			results <- time.Since(begin)
		}(issueID)
	}
	close(start)
	wg.Wait()
	close(results)

	for d := range results {
		assert.Less(t, d, 60*time.Millisecond)
	}
}

func TestManager_QueueFullFailsFast(t *testing.T) {
	m := NewManager(logger.Default(), WithMaxQueueDepth(1))

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.WithLock(context.Background(), "issue-x", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := m.WithLock(context.Background(), "issue-x", func(ctx context.Context) error { return nil })
	assert.True(t, errors.Is(err, ErrQueueFull))

	close(release)
}

func TestManager_AcquireTimeoutReturnsError(t *testing.T) {
	m := NewManager(logger.Default(), WithAcquireTimeout(20*time.Millisecond), WithMaxQueueDepth(2))

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.WithLock(context.Background(), "issue-y", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := m.WithLock(context.Background(), "issue-y", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAcquireTimeout))

	close(release)
}

func TestManager_EntryReapedAfterRelease(t *testing.T) {
	m := NewManager(logger.Default())

	require.NoError(t, m.WithLock(context.Background(), "issue-z", func(ctx context.Context) error { return nil }))

	m.mu.Lock()
	_, exists := m.entries["issue-z"]
	m.mu.Unlock()
	assert.False(t, exists)
}
