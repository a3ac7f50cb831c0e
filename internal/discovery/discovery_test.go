package discovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/db"
	"github.com/kdlbs/issueforge/internal/executor"
	"github.com/kdlbs/issueforge/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)

	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	s, err := store.New(context.Background(), pool)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRegistry(t *testing.T) *executor.Registry {
	t.Helper()
	reg := executor.NewRegistry()
	reg.Register(executor.NewEchoExecutor(logger.Default()))
	return reg
}

func TestProber_GetLiveProbesThenCachesInMemory(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t)

	p := New(reg, st, time.Minute, logger.Default())

	snap, err := p.Get(context.Background(), "echo", false)
	require.NoError(t, err)
	require.True(t, snap.Available)

	cached, ok := p.fromMemory("echo")
	require.True(t, ok)
	require.Equal(t, snap.EngineType, cached.EngineType)
}

func TestProber_GetFallsBackToPersistedSnapshotWhenMemoryCacheMisses(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t)

	p := New(reg, st, time.Minute, logger.Default())

	_, err := p.Get(context.Background(), "echo", false)
	require.NoError(t, err)

	// Simulate a process restart: a fresh Prober has no in-memory cache but
	// reads the same persisted snapshot back from the store.
	fresh := New(reg, st, time.Minute, logger.Default())
	snap, ok := fresh.fromPersisted(context.Background(), "echo")
	require.True(t, ok)
	require.True(t, snap.Available)
}

func TestProber_ProbeAllCoversEveryRegisteredEngine(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t)

	p := New(reg, st, time.Minute, logger.Default())
	snapshots := p.ProbeAll(context.Background(), false)

	require.Len(t, snapshots, 1)
	require.Equal(t, "echo", snapshots[0].EngineType)
}

func TestProber_GetReturnsErrorForUnknownEngineType(t *testing.T) {
	st := newTestStore(t)
	reg := newTestRegistry(t)

	p := New(reg, st, time.Minute, logger.Default())
	_, err := p.Get(context.Background(), "does-not-exist", true)
	require.Error(t, err)
}
