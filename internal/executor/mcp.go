package executor

import (
	"context"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/kdlbs/issueforge/internal/common/logger"
)

// MCPExecutor is a non-subprocess engine strategy: availability and models
// are answered by querying a configured MCP server's tool list rather than
// spawning and parsing a CLI. It never actually runs an issue (Spawn always
// fails), existing to exercise the Discovery/Probe component (C12) against
// a fundamentally different executor shape than the subprocess-driven ones.
type MCPExecutor struct {
	engineType string
	command    string
	args       []string
	env        []string
	logger     *logger.Logger
}

// NewMCPExecutor registers an MCP server (spawned over stdio) as a probeable
// engine type. command/args/env describe how to launch the server process.
func NewMCPExecutor(engineType, command string, args, env []string, log *logger.Logger) *MCPExecutor {
	return &MCPExecutor{engineType: engineType, command: command, args: args, env: env, logger: log}
}

func (m *MCPExecutor) EngineType() string { return m.engineType }

func (m *MCPExecutor) Spawn(ctx context.Context, opts SpawnOptions) (*SpawnResult, error) {
	return nil, fmt.Errorf("mcp executor %q: spawn not supported, availability-only", m.engineType)
}

func (m *MCPExecutor) SpawnFollowUp(ctx context.Context, opts SpawnOptions) (*SpawnResult, error) {
	return nil, fmt.Errorf("mcp executor %q: spawn not supported, availability-only", m.engineType)
}

func (m *MCPExecutor) UsesLogNormalizer() bool { return false }

func (m *MCPExecutor) NormalizeLog() LogParser { return nil }

func (m *MCPExecutor) connect(ctx context.Context) (*mcpclient.Client, error) {
	client, err := mcpclient.NewStdioMCPClient(m.command, m.env, m.args...)
	if err != nil {
		return nil, fmt.Errorf("mcp executor %q: start client: %w", m.engineType, err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "issueforge", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mcp executor %q: initialize: %w", m.engineType, err)
	}
	return client, nil
}

func (m *MCPExecutor) GetAvailability(ctx context.Context) (AvailabilityResult, error) {
	client, err := m.connect(ctx)
	if err != nil {
		m.logger.Debug("mcp executor availability probe failed")
		return AvailabilityResult{Available: false, Reason: err.Error()}, nil
	}
	defer client.Close()
	return AvailabilityResult{Available: true}, nil
}

// GetModels reports the MCP server's tool names in place of model names: an
// MCP-backed engine has tools, not models, and this lets Discovery surface
// them through the same Snapshot shape every other engine uses.
func (m *MCPExecutor) GetModels(ctx context.Context) ([]string, error) {
	client, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	result, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp executor %q: list tools: %w", m.engineType, err)
	}
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	return names, nil
}

var _ Executor = (*MCPExecutor)(nil)
