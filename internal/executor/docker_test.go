package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/issueforge/internal/common/config"
	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/model"
)

func TestDockerExecutor_GetAvailabilityReportsUnavailableWhenDaemonUnreachable(t *testing.T) {
	cfg := config.DockerConfig{Enabled: true, Host: "tcp://127.0.0.1:1"}
	d, err := NewDockerExecutor("codex-docker-test", cfg, "ghcr.io/example/codex:latest", "codex", []string{"proto"}, logger.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := d.GetAvailability(ctx)
	require.NoError(t, err)
	assert.False(t, result.Available)
	assert.NotEmpty(t, result.Reason)
}

func TestDockerExecutor_EngineTypeAndModels(t *testing.T) {
	cfg := config.DockerConfig{Enabled: true}
	d, err := NewDockerExecutor("codex-docker-test", cfg, "ghcr.io/example/codex:latest", "codex", []string{"proto"}, logger.Default())
	require.NoError(t, err)

	assert.Equal(t, "codex-docker-test", d.EngineType())

	models, err := d.GetModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ghcr.io/example/codex:latest"}, models)
}

func TestDockerExecutor_UsesLogNormalizer(t *testing.T) {
	cfg := config.DockerConfig{Enabled: true}
	d, err := NewDockerExecutor("codex-docker-test", cfg, "ghcr.io/example/codex:latest", "codex", []string{"proto"}, logger.Default())
	require.NoError(t, err)

	assert.True(t, d.UsesLogNormalizer())

	parser := d.NormalizeLog()
	require.NotNil(t, parser)

	entries, err := parser([]byte("hello from the container"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.EntryTypeAssistantMessage, entries[0].EntryType)
	assert.Equal(t, "hello from the container", entries[0].Content)

	empty, err := parser(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}
