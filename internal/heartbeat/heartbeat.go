// Package heartbeat periodically feeds the workspace HEARTBEAT.md checklist
// to the agent so standing instructions run without user traffic.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
)

const (
	// OKToken is the reply the agent uses when nothing needs doing.
	OKToken = "HEARTBEAT_OK"

	heartbeatFile       = "HEARTBEAT.md"
	defaultInterval     = 1800 * time.Second
	defaultStartupDelay = 60 * time.Second
	sessionKey          = "heartbeat"
)

const prompt = "Read the heartbeat checklist below and act on anything that needs doing. " +
	"If nothing needs action right now, reply exactly " + OKToken + ".\n\n"

// Runner executes the heartbeat prompt through the agent.
type Runner interface {
	ProcessDirect(ctx context.Context, content, sessionKey string) (string, error)
}

// Options configures delivery of non-trivial heartbeat replies.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
	Channel      string // optional delivery target for replies
	To           string
}

// Service runs the heartbeat tick loop.
type Service struct {
	workspace string
	runner    Runner
	bus       *bus.MessageBus
	opts      Options

	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(workspace string, runner Runner, msgBus *bus.MessageBus, opts Options) *Service {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.StartupDelay <= 0 {
		opts.StartupDelay = defaultStartupDelay
	}
	return &Service{workspace: workspace, runner: runner, bus: msgBus, opts: opts}
}

// Start launches the tick loop. The first tick waits out the startup delay
// so a restart storm does not immediately hit the provider.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		select {
		case <-time.After(s.opts.StartupDelay):
		case <-ctx.Done():
			return
		}
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			s.tick(ctx)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for a tick in progress.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Service) tick(ctx context.Context) {
	path := filepath.Join(s.workspace, heartbeatFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("heartbeat: read checklist", "path", path, "error", err)
		}
		return
	}

	if !HasActionableContent(string(data)) {
		slog.Debug("heartbeat: nothing actionable, skipping")
		return
	}

	reply, err := s.runner.ProcessDirect(ctx, prompt+string(data), sessionKey)
	if err != nil {
		slog.Error("heartbeat: agent run failed", "error", err)
		return
	}

	trimmed := strings.TrimSpace(reply)
	if trimmed == "" || trimmed == OKToken {
		return
	}
	slog.Info("heartbeat: agent produced output", "chars", len(trimmed))
	if s.opts.Channel != "" && s.opts.To != "" {
		err := s.bus.PublishOutbound(ctx, bus.OutboundMessage{
			Channel: s.opts.Channel,
			ChatID:  s.opts.To,
			Content: trimmed,
		})
		if err != nil {
			slog.Error("heartbeat: deliver reply", "error", err)
		}
	}
}

// HasActionableContent reports whether the checklist contains anything
// beyond headers, blank lines, empty checkboxes and completed items.
func HasActionableContent(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "#"):
		case isEmptyCheckbox(trimmed):
		case strings.HasPrefix(trimmed, "- [x]"), strings.HasPrefix(trimmed, "- [X]"):
		default:
			return true
		}
	}
	return false
}

func isEmptyCheckbox(line string) bool {
	rest, ok := strings.CutPrefix(line, "- [ ]")
	return ok && strings.TrimSpace(rest) == ""
}
