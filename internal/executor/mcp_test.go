package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdlbs/issueforge/internal/common/logger"
)

func TestMCPExecutor_SpawnIsUnsupported(t *testing.T) {
	m := NewMCPExecutor("mcp-test", "this-command-does-not-exist-xyz", nil, nil, logger.Default())

	_, err := m.Spawn(context.Background(), SpawnOptions{})
	assert.Error(t, err)

	_, err = m.SpawnFollowUp(context.Background(), SpawnOptions{})
	assert.Error(t, err)
}

func TestMCPExecutor_UsesNoLogNormalizer(t *testing.T) {
	m := NewMCPExecutor("mcp-test", "echo", nil, nil, logger.Default())
	assert.False(t, m.UsesLogNormalizer())
	assert.Nil(t, m.NormalizeLog())
}

func TestMCPExecutor_GetAvailabilityReportsUnavailableForMissingServer(t *testing.T) {
	m := NewMCPExecutor("mcp-test", "this-command-does-not-exist-xyz", nil, nil, logger.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := m.GetAvailability(ctx)
	require.NoError(t, err)
	assert.False(t, result.Available)
	assert.NotEmpty(t, result.Reason)
}

func TestMCPExecutor_EngineType(t *testing.T) {
	m := NewMCPExecutor("mcp-custom", "echo", nil, nil, logger.Default())
	assert.Equal(t, "mcp-custom", m.EngineType())
}
