package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
)

// Manager owns the registered channels: lifecycle, trust lookup and the
// outbound dispatch loop.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	trusted  map[string]bool
	bus      *bus.MessageBus

	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}
}

func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		trusted:  make(map[string]bool),
		bus:      msgBus,
	}
}

// Register adds a channel. trusted marks it as allowed to override the
// session key via message metadata.
func (m *Manager) Register(ch Channel, trusted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
	m.trusted[ch.Name()] = trusted
}

// IsTrusted reports whether the named channel is trusted.
func (m *Manager) IsTrusted(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trusted[name]
}

// Get returns a registered channel.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names lists the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered channel and the outbound dispatcher.
// A channel that fails to start is logged and skipped; the rest still run.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchCancel = cancel
	m.dispatchDone = make(chan struct{})
	go m.dispatchOutbound(dispatchCtx)

	if len(m.channels) == 0 {
		slog.Warn("channels: none enabled")
		return nil
	}
	for name, ch := range m.channels {
		slog.Info("channels: starting", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("channels: start failed", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatcher, then every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dispatchCancel != nil {
		m.dispatchCancel()
		<-m.dispatchDone
		m.dispatchCancel = nil
	}
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channels: stop failed", "channel", name, "error", err)
		}
	}
	return nil
}

// dispatchOutbound routes outbound bus messages to their channel. Internal
// channels and unknown targets are dropped with a log line.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer close(m.dispatchDone)
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}

		m.mu.RLock()
		ch, exists := m.channels[msg.Channel]
		m.mu.RUnlock()
		if !exists {
			slog.Warn("channels: outbound for unknown channel", "channel", msg.Channel)
			continue
		}
		if !ch.IsRunning() {
			slog.Warn("channels: outbound for stopped channel", "channel", msg.Channel)
			continue
		}

		if err := ch.Send(ctx, msg); err != nil {
			slog.Error("channels: send failed",
				"channel", msg.Channel, "chat", msg.ChatID, "error", err)
		}
	}
}
