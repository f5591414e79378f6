// Subagents run focused background tasks in their own goroutine with a
// reduced registry (no messaging or spawning) and announce the outcome
// back through the inbound bus as a system message.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
	"github.com/nextlevelbuilder/nanobot/internal/providers"
)

// ErrBusy is returned when the concurrent subagent cap is reached.
var ErrBusy = errors.New("subagents: too many concurrent tasks")

// Subagent task status values.
const (
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

const (
	defaultMaxConcurrentSubagents = 8
	defaultSubagentIterations     = 15
	defaultSubagentTimeout        = 900 * time.Second
	defaultProgressInterval       = 60 * time.Second
	subagentResultMaxChars        = 32 << 10
	completedTaskKeep             = 50
	labelMaxChars                 = 30
)

// Origin identifies the chat a subagent reports back to.
type Origin struct {
	Channel string
	ChatID  string
}

// TaskInfo is the externally visible state of one subagent task.
type TaskInfo struct {
	ID        string
	Label     string
	Task      string
	Status    string
	Result    string
	Created   time.Time
	Completed time.Time
}

type subagentTask struct {
	info   TaskInfo
	origin Origin
	cancel context.CancelFunc
}

// SubagentConfig tunes the manager. Zero values fall back to defaults.
type SubagentConfig struct {
	MaxConcurrent    int
	MaxIterations    int
	Timeout          time.Duration
	ProgressInterval time.Duration
	Model            string
}

func (c *SubagentConfig) normalize() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrentSubagents
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultSubagentIterations
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultSubagentTimeout
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = defaultProgressInterval
	}
}

// SubagentManager owns the lifecycle of spawned background tasks.
type SubagentManager struct {
	cfg         SubagentConfig
	provider    providers.Provider
	msgBus      *bus.MessageBus
	createTools func() *Registry // registry without message/spawn tools

	mu    sync.Mutex
	tasks map[string]*subagentTask
	wg    sync.WaitGroup
}

func NewSubagentManager(provider providers.Provider, msgBus *bus.MessageBus, createTools func() *Registry, cfg SubagentConfig) *SubagentManager {
	cfg.normalize()
	return &SubagentManager{
		cfg:         cfg,
		provider:    provider,
		msgBus:      msgBus,
		createTools: createTools,
		tasks:       make(map[string]*subagentTask),
	}
}

// Spawn starts a background task and returns its id immediately. The task
// outlives the spawning request: its context keeps the caller's values but
// detaches from the caller's cancellation.
func (sm *SubagentManager) Spawn(ctx context.Context, task, label string, origin Origin) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	task = strings.TrimSpace(task)
	if task == "" {
		return "", errors.New("subagents: task is required")
	}
	if label == "" {
		label = task
		if len(label) > labelMaxChars {
			label = label[:labelMaxChars]
		}
	}

	sm.mu.Lock()
	if sm.runningLocked() >= sm.cfg.MaxConcurrent {
		sm.mu.Unlock()
		return "", ErrBusy
	}

	id := uuid.NewString()[:8]
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sm.cfg.Timeout)
	t := &subagentTask{
		info: TaskInfo{
			ID:      id,
			Label:   label,
			Task:    task,
			Status:  TaskStatusRunning,
			Created: time.Now(),
		},
		origin: origin,
		cancel: cancel,
	}
	sm.tasks[id] = t
	sm.pruneLocked()
	sm.mu.Unlock()

	sm.wg.Add(1)
	go sm.runTask(taskCtx, t)
	return id, nil
}

func (sm *SubagentManager) runTask(ctx context.Context, t *subagentTask) {
	defer sm.wg.Done()
	defer t.cancel()

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("subagent panicked", "id", t.info.ID, "panic", rec)
			sm.finish(t, TaskStatusFailed, fmt.Sprintf("subagent panicked: %v", rec))
		}
	}()

	progressDone := make(chan struct{})
	go sm.reportProgress(ctx, t, progressDone)
	defer close(progressDone)

	result, err := sm.execute(ctx, t.info.Task)
	switch {
	case ctx.Err() == context.Canceled:
		sm.finish(t, TaskStatusCancelled, "task cancelled")
	case ctx.Err() == context.DeadlineExceeded:
		sm.finish(t, TaskStatusFailed, fmt.Sprintf("task timed out after %s", sm.cfg.Timeout))
	case err != nil:
		sm.finish(t, TaskStatusFailed, err.Error())
	default:
		sm.finish(t, TaskStatusCompleted, result)
	}
}

// execute runs a bounded tool loop for the task.
func (sm *SubagentManager) execute(ctx context.Context, task string) (string, error) {
	registry := sm.createTools()
	messages := []providers.Message{
		{Role: "system", Content: "You are a focused background worker. Complete the task and reply with a concise result. Do not ask questions; decide and act."},
		{Role: "user", Content: task},
	}

	for i := 0; i < sm.cfg.MaxIterations; i++ {
		resp, err := providers.RetryDo(ctx, providers.DefaultRetryConfig(), func() (*providers.ChatResponse, error) {
			return sm.provider.Chat(ctx, providers.ChatRequest{
				Model:    sm.cfg.Model,
				Messages: messages,
				Tools:    registry.Definitions(),
			})
		})
		if err != nil {
			return "", fmt.Errorf("provider: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		outputs := registry.ExecuteBatch(ctx, resp.ToolCalls)
		for i, call := range resp.ToolCalls {
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    outputs[i],
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}
	return "", fmt.Errorf("gave up after %d tool iterations", sm.cfg.MaxIterations)
}

func (sm *SubagentManager) reportProgress(ctx context.Context, t *subagentTask, done chan struct{}) {
	ticker := time.NewTicker(sm.cfg.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(t.info.Created).Round(time.Second)
			_ = sm.msgBus.TryPublishOutbound(bus.OutboundMessage{
				Channel:  t.origin.Channel,
				ChatID:   t.origin.ChatID,
				Content:  fmt.Sprintf("[%s] still working (%s elapsed)", t.info.Label, elapsed),
				Metadata: map[string]string{"type": "status"},
			})
		}
	}
}

// finish records the outcome and announces it back into the agent loop.
func (sm *SubagentManager) finish(t *subagentTask, status, result string) {
	if len(result) > subagentResultMaxChars {
		result = result[:subagentResultMaxChars] + "\n... [truncated]"
	}

	sm.mu.Lock()
	t.info.Status = status
	t.info.Result = result
	t.info.Completed = time.Now()
	sm.mu.Unlock()

	content := fmt.Sprintf("Background task %q (%s) finished with status %s.\n\nResult:\n%s",
		t.info.Label, t.info.ID, status, result)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := sm.msgBus.PublishInbound(ctx, bus.InboundMessage{
		ID:       uuid.NewString(),
		Channel:  "system",
		SenderID: "subagent:" + t.info.ID,
		ChatID:   t.origin.Channel + ":" + t.origin.ChatID,
		Role:     "system",
		Content:  content,
	})
	if err != nil {
		slog.Error("subagent announce failed", "id", t.info.ID, "error", err)
	}
}

// List returns all tracked tasks, newest first.
func (sm *SubagentManager) List() []TaskInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	infos := make([]TaskInfo, 0, len(sm.tasks))
	for _, t := range sm.tasks {
		infos = append(infos, t.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Created.After(infos[j].Created) })
	return infos
}

// Cancel stops a running task. Reports whether a running task was found.
func (sm *SubagentManager) Cancel(id string) bool {
	sm.mu.Lock()
	t, ok := sm.tasks[id]
	running := ok && t.info.Status == TaskStatusRunning
	sm.mu.Unlock()
	if running {
		t.cancel()
	}
	return running
}

// RunningCount reports how many tasks are currently executing.
func (sm *SubagentManager) RunningCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.runningLocked()
}

func (sm *SubagentManager) runningLocked() int {
	n := 0
	for _, t := range sm.tasks {
		if t.info.Status == TaskStatusRunning {
			n++
		}
	}
	return n
}

// pruneLocked drops the oldest completed tasks beyond the keep limit.
func (sm *SubagentManager) pruneLocked() {
	var completed []*subagentTask
	for _, t := range sm.tasks {
		if t.info.Status != TaskStatusRunning {
			completed = append(completed, t)
		}
	}
	if len(completed) <= completedTaskKeep {
		return
	}
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].info.Completed.Before(completed[j].info.Completed)
	})
	for _, t := range completed[:len(completed)-completedTaskKeep] {
		delete(sm.tasks, t.info.ID)
	}
}

// Stop cancels everything and waits for the workers to wind down.
func (sm *SubagentManager) Stop(grace time.Duration) {
	sm.mu.Lock()
	for _, t := range sm.tasks {
		if t.info.Status == TaskStatusRunning {
			t.cancel()
		}
	}
	sm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("subagents: stop grace elapsed with tasks still running")
	}
}
