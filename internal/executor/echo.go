package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/internal/procmgr"
)

// echoLine is the JSONL shape this executor's subprocess emits on stdout,
// deliberately shaped like the generic JSONL agent protocol (a bare `type`
// discriminator) so NormalizeLog exercises the same parsing path a real
// streaming agent would.
type echoLine struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Subtype string `json:"subtype,omitempty"`
}

// EchoExecutor is a deterministic smoke-test engine: it reads the prompt
// from its own stdin and immediately echoes it back as an assistant message
// followed by a successful result line, over an allocated pty the same way
// a terminal-requiring CLI agent would be driven. It exists to exercise E1
// (fresh run) and E6-style scenarios of the Log Normalizer and Lifecycle
// Controller without depending on a real external agent CLI.
type EchoExecutor struct {
	logger *logger.Logger
}

// NewEchoExecutor constructs the echo engine.
func NewEchoExecutor(log *logger.Logger) *EchoExecutor {
	return &EchoExecutor{logger: log}
}

func (e *EchoExecutor) EngineType() string { return "echo" }

func (e *EchoExecutor) Spawn(ctx context.Context, opts SpawnOptions) (*SpawnResult, error) {
	return e.spawn(opts)
}

func (e *EchoExecutor) SpawnFollowUp(ctx context.Context, opts SpawnOptions) (*SpawnResult, error) {
	return e.spawn(opts)
}

const echoScript = `read -r line; printf '{"type":"assistant_message","content":"echo: %s"}\n' "$line"; printf '{"type":"result","subtype":"success"}\n'`

func (e *EchoExecutor) spawn(opts SpawnOptions) (*SpawnResult, error) {
	sp, err := procmgr.NewSubprocessPTY("sh", []string{"-c", echoScript}, opts.WorkingDir, os.Environ(), e.logger)
	if err != nil {
		return nil, fmt.Errorf("echo executor: start subprocess: %w", err)
	}

	if _, err := io.WriteString(sp.Stdin, opts.Prompt+"\n"); err != nil {
		e.logger.Warn("echo executor: failed writing prompt to stdin")
	}

	sessionID := opts.ExternalSessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	return &SpawnResult{
		Subprocess:        sp,
		SoftCancel:        func() error { return sp.SoftStop() },
		ExternalSessionID: sessionID,
	}, nil
}

func (e *EchoExecutor) UsesLogNormalizer() bool { return true }

func (e *EchoExecutor) GetAvailability(ctx context.Context) (AvailabilityResult, error) {
	return AvailabilityResult{Available: true}, nil
}

func (e *EchoExecutor) GetModels(ctx context.Context) ([]string, error) {
	return []string{"echo-1"}, nil
}

func (e *EchoExecutor) NormalizeLog() LogParser {
	return func(line []byte) ([]*model.LogEntry, error) {
		var parsed echoLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			return nil, fmt.Errorf("echo executor: parse line: %w", err)
		}

		switch parsed.Type {
		case "assistant_message":
			meta, _ := json.Marshal(map[string]any{})
			return []*model.LogEntry{{
				EntryType: model.EntryTypeAssistantMessage,
				Content:   parsed.Content,
				Metadata:  string(meta),
				Visible:   true,
			}}, nil
		case "result":
			meta, _ := json.Marshal(map[string]any{
				"turnCompleted": true,
				"success":       parsed.Subtype == "success",
			})
			return []*model.LogEntry{{
				EntryType: model.EntryTypeSystemMessage,
				Content:   "",
				Metadata:  string(meta),
				Visible:   true,
			}}, nil
		default:
			return nil, nil
		}
	}
}
