package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/internal/procmgr"
	"github.com/kdlbs/issueforge/pkg/codex"
)

// missingSessionPattern matches the logical-failure signature that triggers
// session-id repair, per §9's open question: executor-specific heuristics
// beyond this regex are left to future engines.
var missingSessionPattern = regexp.MustCompile(`(?i)no conversation found|session`)

// CodexExecutor drives Codex-style agents: a bidirectional JSON-RPC process
// over stdio. Unlike JSONL-streaming executors, it owns its own stdout
// reader (pkg/codex.Client's readLoop) and feeds normalized entries directly
// into opts.EntrySink rather than through the generic Log Normalizer.
type CodexExecutor struct {
	logger   *logger.Logger
	command  string
	args     []string
	envAllow []string
}

// NewCodexExecutor constructs the codex engine. command/args name the CLI
// binary to spawn (e.g. "codex", []string{"app-server"}); envAllow lists
// host environment variables propagated into the subprocess environment.
func NewCodexExecutor(command string, args []string, envAllow []string, log *logger.Logger) *CodexExecutor {
	return &CodexExecutor{
		logger:   log.WithFields(),
		command:  command,
		args:     args,
		envAllow: envAllow,
	}
}

func (e *CodexExecutor) EngineType() string { return "codex" }

func (e *CodexExecutor) buildEnv() []string {
	env := make([]string, 0, len(e.envAllow))
	for _, name := range e.envAllow {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

func (e *CodexExecutor) Spawn(ctx context.Context, opts SpawnOptions) (*SpawnResult, error) {
	sp, err := procmgr.NewSubprocess(e.command, e.args, opts.WorkingDir, e.buildEnv(), e.logger)
	if err != nil {
		return nil, fmt.Errorf("codex executor: build subprocess: %w", err)
	}
	if err := sp.Start(); err != nil {
		return nil, fmt.Errorf("codex executor: start subprocess: %w", err)
	}

	conv := codex.NewConversation(codex.NewClient(sp.Stdin, sp.Stdout, e.logger), e.logger)
	conv.SetNotificationHandler(e.notificationHandler(opts))
	conv.Start(context.Background())
	go func() {
		<-sp.Exited()
		conv.Close()
	}()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := conv.Initialize(initCtx); err != nil {
		_ = sp.SoftStop()
		return nil, fmt.Errorf("codex executor: initialize: %w", err)
	}

	threadID, err := conv.StartThread(initCtx, codex.ThreadStartParams{
		Model:          opts.Model,
		Cwd:            opts.WorkingDir,
		ApprovalPolicy: "on-request",
	})
	if err != nil {
		_ = sp.SoftStop()
		return nil, fmt.Errorf("codex executor: start thread: %w", err)
	}

	if err := conv.SendUserMessage(initCtx, opts.Prompt); err != nil {
		_ = sp.SoftStop()
		return nil, fmt.Errorf("codex executor: start turn: %w", err)
	}

	return &SpawnResult{
		Subprocess:        sp,
		SoftCancel:        func() error { return conv.Interrupt(context.Background()) },
		ExternalSessionID: threadID,
		LiveInput:         conv.SendUserMessage,
	}, nil
}

func (e *CodexExecutor) SpawnFollowUp(ctx context.Context, opts SpawnOptions) (*SpawnResult, error) {
	if opts.ExternalSessionID == "" {
		return nil, fmt.Errorf("codex executor: follow-up requires an external session id: %w", ErrMissingExternalSession)
	}

	sp, err := procmgr.NewSubprocess(e.command, e.args, opts.WorkingDir, e.buildEnv(), e.logger)
	if err != nil {
		return nil, fmt.Errorf("codex executor: build subprocess: %w", err)
	}
	if err := sp.Start(); err != nil {
		return nil, fmt.Errorf("codex executor: start subprocess: %w", err)
	}

	conv := codex.NewConversation(codex.NewClient(sp.Stdin, sp.Stdout, e.logger), e.logger)
	conv.SetNotificationHandler(e.notificationHandler(opts))
	conv.Start(context.Background())
	go func() {
		<-sp.Exited()
		conv.Close()
	}()

	resumeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := conv.Initialize(resumeCtx); err != nil {
		_ = sp.SoftStop()
		return nil, fmt.Errorf("codex executor: initialize: %w", err)
	}

	if err := conv.ResumeThread(resumeCtx, opts.ExternalSessionID); err != nil {
		_ = sp.SoftStop()
		if missingSessionPattern.MatchString(err.Error()) {
			return nil, fmt.Errorf("%w: %v", ErrMissingExternalSession, err)
		}
		return nil, fmt.Errorf("codex executor: resume thread: %w", err)
	}

	if err := conv.SendUserMessage(resumeCtx, opts.Prompt); err != nil {
		_ = sp.SoftStop()
		return nil, fmt.Errorf("codex executor: start turn: %w", err)
	}

	return &SpawnResult{
		Subprocess:        sp,
		SoftCancel:        func() error { return conv.Interrupt(context.Background()) },
		ExternalSessionID: opts.ExternalSessionID,
		LiveInput:         conv.SendUserMessage,
	}, nil
}

// notificationHandler converts Codex notifications into normalized entries,
// handed directly to the Persistence Writer via opts.EntrySink.
func (e *CodexExecutor) notificationHandler(opts SpawnOptions) func(method string, params json.RawMessage) {
	return func(method string, params json.RawMessage) {
		if opts.EntrySink == nil {
			return
		}
		entry := normalizeCodexNotification(method, params)
		if entry != nil {
			opts.EntrySink(entry)
		}
	}
}

func normalizeCodexNotification(method string, params json.RawMessage) *model.LogEntry {
	switch method {
	case codex.NotifyItemAgentMessageDelta:
		var p codex.AgentMessageDeltaParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil
		}
		meta, _ := json.Marshal(map[string]any{"itemId": p.ItemID})
		return &model.LogEntry{EntryType: model.EntryTypeAssistantMessage, Content: p.Delta, Metadata: string(meta), Visible: true}

	case codex.NotifyTurnCompleted:
		var p codex.TurnCompletedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil
		}
		meta, _ := json.Marshal(map[string]any{
			"turnCompleted": true,
			"success":       p.Success,
			"error":         p.Error,
		})
		return &model.LogEntry{EntryType: model.EntryTypeSystemMessage, Metadata: string(meta), Visible: true}

	case codex.NotifyItemCompleted:
		var p codex.ItemCompletedParams
		if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
			return nil
		}
		return normalizeCodexItem(p.Item)

	case codex.NotifyError:
		var p codex.ErrorParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil
		}
		return &model.LogEntry{EntryType: model.EntryTypeErrorMessage, Content: p.Message, Visible: true}

	default:
		return nil
	}
}

func normalizeCodexItem(item *codex.Item) *model.LogEntry {
	switch item.Type {
	case "commandExecution":
		meta, _ := json.Marshal(map[string]any{
			"toolCallId": item.ID,
			"command":    item.Command,
			"cwd":        item.Cwd,
			"exitCode":   item.ExitCode,
		})
		return &model.LogEntry{EntryType: model.EntryTypeToolUse, Content: item.AggregatedOutput, Metadata: string(meta), Visible: true}

	case "fileChange":
		paths := make([]string, 0, len(item.Changes))
		for _, c := range item.Changes {
			paths = append(paths, c.Path)
		}
		meta, _ := json.Marshal(map[string]any{
			"toolCallId": item.ID,
			"paths":      paths,
		})
		return &model.LogEntry{EntryType: model.EntryTypeToolUse, Metadata: string(meta), Visible: true}

	case "agentMessage":
		var text strings.Builder
		for _, part := range item.Content {
			text.WriteString(part.Text)
		}
		return &model.LogEntry{EntryType: model.EntryTypeAssistantMessage, Content: text.String(), Visible: true}

	default:
		return nil
	}
}

func (e *CodexExecutor) UsesLogNormalizer() bool { return false }

func (e *CodexExecutor) GetAvailability(ctx context.Context) (AvailabilityResult, error) {
	path, err := exec.LookPath(e.command)
	if err != nil {
		return AvailabilityResult{Available: false, Reason: fmt.Sprintf("%s not found on PATH", e.command)}, nil
	}
	if _, err := os.Stat(path); err != nil {
		return AvailabilityResult{Available: false, Reason: err.Error()}, nil
	}
	return AvailabilityResult{Available: true}, nil
}

func (e *CodexExecutor) GetModels(ctx context.Context) ([]string, error) {
	return []string{"gpt-5-codex"}, nil
}

// NormalizeLog is unused for RPC-backed executors: entries are produced
// directly from the Conversation's notification stream (see notificationHandler).
func (e *CodexExecutor) NormalizeLog() LogParser {
	return func(line []byte) ([]*model.LogEntry, error) {
		return nil, nil
	}
}

// IsMissingSession reports whether err represents the logical-failure
// signature that should trigger session-id repair.
func IsMissingSession(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMissingExternalSession) {
		return true
	}
	return missingSessionPattern.MatchString(err.Error())
}
