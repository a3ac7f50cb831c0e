package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kdlbs/issueforge/internal/common/logger"
	"go.uber.org/zap"
)

// DecisionAccept is the auto-approval decision sent for approval server-requests.
const DecisionAccept = "accept"

// clientIdentity is the fixed identity advertised on initialize.
var clientIdentity = &ClientInfo{
	Name:    "issueforge",
	Title:   "Issue Execution Engine",
	Version: "1.0.0",
}

// Conversation is the high-level Codex-style conversational agent contract
// built on top of the low-level Client: it owns a thread id, the current
// turn id, and auto-approves the two sandboxed-action request types the
// agent may ask the server to authorize.
type Conversation struct {
	client *Client
	logger *logger.Logger

	mu       sync.Mutex
	threadID string
	turnID   string

	onNotification func(method string, params json.RawMessage)
	onUnknownLine  func(line []byte)
}

// NewConversation wraps a Client with Codex conversation semantics. The
// client's read loop is not started here; call Start before any Call-based method.
func NewConversation(client *Client, log *logger.Logger) *Conversation {
	c := &Conversation{
		client: client,
		logger: log.WithFields(zap.String("component", "codex-conversation")),
	}
	client.SetRequestHandler(c.handleServerRequest)
	client.SetNotificationHandler(c.handleNotification)
	client.SetUnknownLineHandler(c.handleUnknownLine)
	return c
}

// SetNotificationHandler forwards every notification (after internal
// turn-tracking bookkeeping) to the caller, mirroring the multiplexer's
// single-reader notification stream.
func (c *Conversation) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// SetUnknownLineHandler forwards unclassifiable stdout lines.
func (c *Conversation) SetUnknownLineHandler(handler func(line []byte)) {
	c.onUnknownLine = handler
}

// Start begins the underlying client's read loop. Must be called once after
// construction and before any Call-based method (Initialize, StartThread, ...).
func (c *Conversation) Start(ctx context.Context) {
	c.client.Start(ctx)
}

// ThreadID returns the currently bound thread id, or "" if none.
func (c *Conversation) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// TurnID returns the in-flight turn id, or "" if no turn is active.
func (c *Conversation) TurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnID
}

// Initialize sends the initialize request, and on success sends the
// initialized notification. Returns the agent's user agent string.
func (c *Conversation) Initialize(ctx context.Context) (string, error) {
	resp, err := c.client.Call(ctx, MethodInitialize, InitializeParams{ClientInfo: clientIdentity})
	if err != nil {
		return "", fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("initialize: agent returned error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result InitializeResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return "", fmt.Errorf("initialize: decode result: %w", err)
		}
	}

	if err := c.client.Notify(MethodInitialized, nil); err != nil {
		c.logger.Warn("failed to send initialized notification", zap.Error(err))
	}

	return result.UserAgent, nil
}

// StartThread opens a new thread with the given options and binds it as the
// conversation's active thread.
func (c *Conversation) StartThread(ctx context.Context, opts ThreadStartParams) (string, error) {
	resp, err := c.client.Call(ctx, MethodThreadStart, opts)
	if err != nil {
		return "", fmt.Errorf("thread/start: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("thread/start: agent returned error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result ThreadStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("thread/start: decode result: %w", err)
	}
	if result.Thread == nil || result.Thread.ID == "" {
		return "", fmt.Errorf("thread/start: agent returned no thread id")
	}

	c.mu.Lock()
	c.threadID = result.Thread.ID
	c.mu.Unlock()

	return result.Thread.ID, nil
}

// ResumeThread reopens an existing thread by its external session id and
// binds it as the conversation's active thread.
func (c *Conversation) ResumeThread(ctx context.Context, threadID string) error {
	resp, err := c.client.Call(ctx, MethodThreadResume, ThreadResumeParams{ThreadID: threadID})
	if err != nil {
		return fmt.Errorf("thread/resume: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("thread/resume: agent returned error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	c.mu.Lock()
	c.threadID = threadID
	c.mu.Unlock()

	return nil
}

// StartTurn issues a new turn on the bound thread with a plain text prompt.
func (c *Conversation) StartTurn(ctx context.Context, prompt string) (string, error) {
	threadID := c.ThreadID()
	if threadID == "" {
		return "", fmt.Errorf("turn/start: no thread bound")
	}

	resp, err := c.client.Call(ctx, MethodTurnStart, TurnStartParams{
		ThreadID: threadID,
		Input:    []UserInput{{Type: "text", Text: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("turn/start: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("turn/start: agent returned error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result TurnStartResult
	turnID := ""
	if err := json.Unmarshal(resp.Result, &result); err == nil && result.Turn != nil {
		turnID = result.Turn.ID
	}

	c.mu.Lock()
	c.turnID = turnID
	c.mu.Unlock()

	return turnID, nil
}

// SendUserMessage starts a turn via StartTurn and discards the returned turn
// id. It waits for the agent's turn/start response (not for the turn to
// finish) and returns StartTurn's error.
func (c *Conversation) SendUserMessage(ctx context.Context, prompt string) error {
	_, err := c.StartTurn(ctx, prompt)
	return err
}

// Interrupt requests a soft cancel of the in-flight turn.
func (c *Conversation) Interrupt(ctx context.Context) error {
	threadID := c.ThreadID()
	turnID := c.TurnID()
	if threadID == "" || turnID == "" {
		return nil
	}

	resp, err := c.client.Call(ctx, MethodTurnInterrupt, map[string]string{
		"threadId": threadID,
		"turnId":   turnID,
	})
	if err != nil {
		return fmt.Errorf("turn/interrupt: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("turn/interrupt: agent returned error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return nil
}

// Close stops the underlying client, rejecting all pending calls with
// "connection closed" and ending the notification stream. Idempotent.
func (c *Conversation) Close() {
	c.client.Stop()
}

func (c *Conversation) handleServerRequest(id interface{}, method string, params json.RawMessage) {
	switch method {
	case NotifyItemCmdExecRequestApproval, NotifyItemFileChangeRequestApproval:
		if err := c.client.SendResponse(id, ApprovalResponse{Decision: DecisionAccept}, nil); err != nil {
			c.logger.Warn("failed to auto-approve request", zap.String("method", method), zap.Error(err))
		}
	default:
		c.logger.Warn("unhandled server request, responding method not found", zap.String("method", method))
		if err := c.client.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "Method not found"}); err != nil {
			c.logger.Warn("failed to send method not found response", zap.Error(err))
		}
	}
}

func (c *Conversation) handleNotification(method string, params json.RawMessage) {
	switch method {
	case NotifyTurnStarted:
		var p struct {
			TurnID string `json:"turnId"`
		}
		if err := json.Unmarshal(params, &p); err == nil && p.TurnID != "" {
			c.mu.Lock()
			c.turnID = p.TurnID
			c.mu.Unlock()
		}
	case NotifyTurnCompleted:
		c.mu.Lock()
		c.turnID = ""
		c.mu.Unlock()
	}

	if c.onNotification != nil {
		c.onNotification(method, params)
	}
}

func (c *Conversation) handleUnknownLine(line []byte) {
	if c.onUnknownLine != nil {
		c.onUnknownLine(line)
	}
}
