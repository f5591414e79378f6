// Package agent runs the core message loop: it admits inbound messages
// under a concurrency cap, keeps per-session FIFO ordering, drives the
// provider tool loop and persists the conversation.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
	"github.com/nextlevelbuilder/nanobot/internal/config"
	"github.com/nextlevelbuilder/nanobot/internal/providers"
	"github.com/nextlevelbuilder/nanobot/internal/sessions"
	"github.com/nextlevelbuilder/nanobot/internal/store"
	"github.com/nextlevelbuilder/nanobot/internal/tools"
)

const (
	defaultMaxConcurrent = 4
	defaultShutdownGrace = 10 * time.Second
	statusInterval       = 2 * time.Second
	errorTailChars       = 500
)

// LoopConfig carries the loop's explicit dependencies.
type LoopConfig struct {
	Bus      *bus.MessageBus
	Provider providers.Provider
	Store    store.SessionStore
	Context  *ContextBuilder

	// NewRegistry builds the per-request tool registry with message and
	// spawn tools bound to the message's origin chat. restrict is the
	// effective workspace restriction after session settings are applied.
	NewRegistry func(msg bus.InboundMessage, restrict bool) *tools.Registry

	// IsTrusted reports whether a channel may override the session key
	// through message metadata.
	IsTrusted func(channel string) bool

	Agent config.AgentConfig
}

// Loop is the agent scheduler.
type Loop struct {
	cfg LoopConfig

	sem   *semaphore.Weighted
	grace time.Duration

	mu    sync.Mutex
	tails map[string]chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates the loop. Zero-valued knobs fall back to defaults.
func New(cfg LoopConfig) *Loop {
	maxConcurrent := cfg.Agent.MaxConcurrentMessages
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	grace := defaultShutdownGrace
	if cfg.Agent.ShutdownGraceSeconds > 0 {
		grace = time.Duration(cfg.Agent.ShutdownGraceSeconds) * time.Second
	}
	return &Loop{
		cfg:   cfg,
		sem:   semaphore.NewWeighted(int64(maxConcurrent)),
		grace: grace,
		tails: make(map[string]chan struct{}),
	}
}

// Run consumes inbound messages until ctx is cancelled or the bus closes.
// A semaphore slot is acquired before the next message is taken off the
// bus, so backlog waits in the bounded queue instead of in goroutines.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	defer cancel()

	for {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			break
		}
		msg, ok := l.cfg.Bus.ConsumeInbound(ctx)
		if !ok {
			l.sem.Release(1)
			break
		}

		key := l.sessionKey(msg)

		l.mu.Lock()
		predecessor := l.tails[key]
		done := make(chan struct{})
		l.tails[key] = done
		l.mu.Unlock()

		l.wg.Add(1)
		go func(msg bus.InboundMessage, key string, predecessor, done chan struct{}) {
			defer l.wg.Done()
			defer l.sem.Release(1)
			defer func() {
				close(done)
				l.mu.Lock()
				// Only the terminal entry may remove itself; a successor
				// may already have replaced it.
				if l.tails[key] == done {
					delete(l.tails, key)
				}
				l.mu.Unlock()
			}()

			if predecessor != nil {
				select {
				case <-predecessor:
				case <-ctx.Done():
					return
				}
			}
			l.handle(ctx, msg, key)
		}(msg, key, predecessor, done)
	}

	l.waitForHandlers()
	return ctx.Err()
}

// Stop cancels the scheduler and waits up to the shutdown grace for
// in-flight handlers.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.waitForHandlers()
}

func (l *Loop) waitForHandlers() {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.grace):
		slog.Warn("agent: shutdown grace elapsed with handlers still running")
	}
}

// sessionKey honors a metadata override only for trusted channels.
func (l *Loop) sessionKey(msg bus.InboundMessage) string {
	if override := msg.Metadata["session_key"]; override != "" {
		if l.cfg.IsTrusted != nil && l.cfg.IsTrusted(msg.Channel) {
			return override
		}
		slog.Warn("agent: ignoring session_key override from untrusted channel",
			"channel", msg.Channel, "override", override)
	}
	return msg.SessionKey()
}

func (l *Loop) handle(ctx context.Context, msg bus.InboundMessage, key string) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("agent: handler panicked", "session", key, "panic", rec)
		}
	}()

	if msg.Role == "system" {
		l.processSystemMessage(ctx, msg, key)
		return
	}
	reply, err := l.processMessage(ctx, msg, key)
	if err != nil {
		slog.Error("agent: message failed", "session", key, "error", err)
		var toggleErr *WorkspaceToggleError
		if errors.As(err, &toggleErr) {
			l.publishReply(ctx, msg.Channel, msg.ChatID, "Workspace restriction override rejected: "+toggleErr.Reason)
			return
		}
		l.publishReply(ctx, msg.Channel, msg.ChatID,
			"Sorry, something went wrong while handling that. Please try again.")
		return
	}
	if reply != "" {
		l.publishReply(ctx, msg.Channel, msg.ChatID, reply)
	}
}

// processSystemMessage summarizes a subagent result for the origin chat.
// ChatID carries "<channel>:<chat_id>"; no tool loop runs here.
func (l *Loop) processSystemMessage(ctx context.Context, msg bus.InboundMessage, key string) {
	content := msg.Content
	if max := l.subagentResultMax(); len(content) > max {
		content = content[:max] + "\n... [truncated]"
	}

	originChannel, originChat := "cli", msg.ChatID
	if i := strings.Index(msg.ChatID, ":"); i > 0 {
		originChannel, originChat = msg.ChatID[:i], msg.ChatID[i+1:]
	}

	session, err := l.cfg.Store.Load(key)
	if err != nil {
		slog.Error("agent: load session for system message", "session", key, "error", err)
		session = &sessions.Session{Key: key}
	}

	messages := []providers.Message{
		{Role: "system", Content: "A background task just finished. Summarize its outcome for the user in one or two short sentences. Mention failures plainly."},
		{Role: "user", Content: content},
	}
	resp, err := providers.RetryDo(ctx, providers.DefaultRetryConfig(), func() (*providers.ChatResponse, error) {
		return l.cfg.Provider.Chat(ctx, l.chatRequest(messages, nil, session.Settings))
	})

	summary := ""
	if err != nil {
		slog.Error("agent: summarize system message", "session", key, "error", err)
		summary = "A background task finished. " + firstLine(content)
	} else {
		summary = resp.Content
	}

	l.appendTurn(key, sessions.NewTurn("system", msg.Content, nil))
	l.appendTurn(key, sessions.NewTurn("assistant", summary, nil))
	l.publishReply(ctx, originChannel, originChat, summary)
}

// processMessage runs one user turn through the tool loop.
func (l *Loop) processMessage(ctx context.Context, msg bus.InboundMessage, key string) (_ string, retErr error) {
	ctx, span := otel.Tracer("nanobot/agent").Start(ctx, "agent.process")
	span.SetAttributes(
		attribute.String("channel", msg.Channel),
		attribute.String("session", key),
	)
	defer func() {
		if retErr != nil {
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	session, err := l.cfg.Store.Load(key)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	l.recordSender(key, session, msg.SenderID)

	// Persist the user turn up front so a provider failure does not drop
	// it from future context.
	mediaPaths := make([]string, 0, len(msg.Media))
	for _, m := range msg.Media {
		mediaPaths = append(mediaPaths, m.Path)
	}
	l.appendTurn(key, sessions.NewTurn("user", msg.Content, mediaPaths))

	restrict, err := l.workspaceRestriction(msg.Channel, session.Settings)
	if err != nil {
		return "", err
	}

	registry := l.newRegistry(msg, restrict)
	messages := l.cfg.Context.BuildMessages(session, msg, session.Settings)

	reply, err := l.toolLoop(ctx, msg, registry, messages, session.Settings)
	if err != nil {
		return "", err
	}
	l.appendTurn(key, sessions.NewTurn("assistant", reply, nil))
	return reply, nil
}

// recordSender stores the session owner on first contact.
func (l *Loop) recordSender(key string, session *sessions.Session, senderID string) {
	if senderID == "" || session.Settings.SenderID != "" {
		return
	}
	session.Settings.SenderID = senderID
	if err := l.cfg.Store.SaveSettings(key, session.Settings); err != nil {
		slog.Warn("agent: record session owner", "session", key, "error", err)
	}
}

// WorkspaceToggleError reports a rejected restrict_workspace override.
type WorkspaceToggleError struct {
	Channel string
	Reason  string
}

func (e *WorkspaceToggleError) Error() string {
	return fmt.Sprintf("workspace restriction override from %s rejected: %s", e.Channel, e.Reason)
}

// workspaceRestriction resolves the effective filesystem restriction for
// one message. A session may always tighten restriction; lifting it needs
// both the admin config flag and a trusted channel.
func (l *Loop) workspaceRestriction(channel string, settings sessions.Settings) (bool, error) {
	restrict := l.cfg.Agent.RestrictToWorkspace
	if settings.RestrictWorkspace == nil {
		return restrict, nil
	}
	if *settings.RestrictWorkspace {
		return true, nil
	}
	if !l.cfg.Agent.AllowUnrestrictedWorkspace {
		return restrict, &WorkspaceToggleError{Channel: channel,
			Reason: "unrestricted workspace access is disabled in the config"}
	}
	if l.cfg.IsTrusted == nil || !l.cfg.IsTrusted(channel) {
		return restrict, &WorkspaceToggleError{Channel: channel,
			Reason: "only a trusted channel may lift the workspace restriction"}
	}
	return false, nil
}

// toolLoop alternates provider calls and tool execution until the model
// stops calling tools or a bound trips.
func (l *Loop) toolLoop(ctx context.Context, msg bus.InboundMessage, registry *tools.Registry, messages []providers.Message, settings sessions.Settings) (string, error) {
	maxIterations := l.cfg.Agent.MaxToolIterations
	if maxIterations < 1 {
		maxIterations = 1
	}
	backoffLimit := l.cfg.Agent.ToolErrorBackoff
	if backoffLimit <= 0 {
		backoffLimit = 3
	}

	var defs []providers.ToolDefinition
	if registry != nil {
		defs = registry.Definitions()
	}

	nudged := false
	consecutiveFailures := 0
	var lastStatus time.Time
	var lastErr string

	for i := 0; i < maxIterations; i++ {
		resp, err := providers.RetryDo(ctx, providers.DefaultRetryConfig(), func() (*providers.ChatResponse, error) {
			return l.cfg.Provider.Chat(ctx, l.chatRequest(messages, defs, settings))
		})
		if err != nil {
			return "", fmt.Errorf("provider: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Content) == "" && !nudged {
				// One nudge for an empty final message, then accept whatever
				// comes back.
				nudged = true
				messages = append(messages, providers.Message{
					Role:    "user",
					Content: "Please reply with a brief summary of what you did or found.",
				})
				continue
			}
			return sanitizeReply(resp.Content), nil
		}

		if time.Since(lastStatus) >= statusInterval {
			lastStatus = time.Now()
			names := make([]string, 0, len(resp.ToolCalls))
			for _, call := range resp.ToolCalls {
				names = append(names, call.Name)
			}
			_ = l.cfg.Bus.TryPublishOutbound(bus.OutboundMessage{
				Channel:  msg.Channel,
				ChatID:   msg.ChatID,
				Content:  "Running: " + strings.Join(names, ", "),
				Metadata: map[string]string{"type": "status"},
			})
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		outputs := registry.ExecuteBatch(ctx, resp.ToolCalls)
		failed := 0
		for idx, call := range resp.ToolCalls {
			if strings.HasPrefix(outputs[idx], "Error:") {
				failed++
				lastErr = outputs[idx]
			}
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    outputs[idx],
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}

		if failed == len(resp.ToolCalls) {
			consecutiveFailures++
			if consecutiveFailures >= backoffLimit {
				if len(lastErr) > errorTailChars {
					lastErr = lastErr[:errorTailChars] + "..."
				}
				return "I kept hitting tool errors and stopped trying. Last error: " + lastErr, nil
			}
		} else {
			consecutiveFailures = 0
		}
	}
	return "I hit the tool iteration limit before finishing. Here is where things stand; ask me to continue if needed.", nil
}

// ProcessDirect runs one message synchronously outside the bus. Used by
// cron, heartbeat and the CLI.
func (l *Loop) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	msg := bus.InboundMessage{
		ID:       uuid.NewString(),
		Channel:  "cli",
		SenderID: "direct",
		ChatID:   sessionKey,
		Role:     "user",
		Content:  content,
	}
	if sessionKey == "" {
		sessionKey = msg.SessionKey()
	}
	return l.processMessage(ctx, msg, sessionKey)
}

func (l *Loop) chatRequest(messages []providers.Message, defs []providers.ToolDefinition, settings sessions.Settings) providers.ChatRequest {
	model := l.cfg.Agent.Model
	if settings.Model != "" {
		model = settings.Model
	}
	return providers.ChatRequest{
		Messages:    messages,
		Tools:       defs,
		Model:       model,
		MaxTokens:   l.cfg.Agent.MaxTokens,
		Temperature: l.cfg.Agent.Temperature,
	}
}

func (l *Loop) newRegistry(msg bus.InboundMessage, restrict bool) *tools.Registry {
	if l.cfg.NewRegistry == nil {
		return tools.NewRegistry()
	}
	return l.cfg.NewRegistry(msg, restrict)
}

func (l *Loop) appendTurn(key string, turn sessions.Turn) {
	if err := l.cfg.Store.Append(key, turn); err != nil {
		slog.Error("agent: persist turn", "session", key, "error", err)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.cfg.Bus.PublishOutbound(ctx, bus.OutboundMessage{
			Channel: "cli",
			ChatID:  key,
			Content: "Warning: failed to save this conversation turn; history may be incomplete.",
		})
	}
}

func (l *Loop) publishReply(ctx context.Context, channel, chatID, content string) {
	err := l.cfg.Bus.PublishOutbound(ctx, bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("agent: publish reply", "channel", channel, "error", err)
	}
}

func (l *Loop) subagentResultMax() int {
	if max := l.cfg.Agent.Subagents.ResultMaxChars; max > 0 {
		return max
	}
	return 32 << 10
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
