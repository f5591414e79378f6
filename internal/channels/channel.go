// Package channels connects external chat platforms to the agent runtime
// through the message bus. Each adapter embeds BaseChannel, which carries
// the allowlist, per-sender rate limiting and the inbound publish path.
package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
	"github.com/nextlevelbuilder/nanobot/internal/config"
)

// InternalChannels are system channels excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"cli":    true,
	"system": true,
}

// IsInternalChannel reports whether a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// Channel is implemented by every platform adapter.
type Channel interface {
	Name() string

	// Start begins listening. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the channel down.
	Stop(ctx context.Context) error

	// Send delivers one outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	IsRunning() bool
}

// BaseChannel provides the shared plumbing: allowlist, rate limiting,
// running state and bus publishing. Adapters embed it.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowList []string
	trusted   bool
	limiter   *SenderLimiter

	running atomic.Bool
}

// NewBaseChannel builds the shared core from the channel's common config.
func NewBaseChannel(name string, msgBus *bus.MessageBus, common config.ChannelCommon) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowList: common.AllowFrom,
		trusted:   common.Trusted,
		limiter:   NewSenderLimiter(common.RatePerMinute, common.RateBurst),
	}
}

func (c *BaseChannel) Name() string            { return c.name }
func (c *BaseChannel) IsRunning() bool         { return c.running.Load() }
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }
func (c *BaseChannel) Bus() *bus.MessageBus    { return c.bus }
func (c *BaseChannel) Trusted() bool           { return c.trusted }

// IsAllowed checks a sender against the allowlist. An empty allowlist
// allows everyone. Compound ids like "123456|username" match on either
// part, and allowlist entries may use the same compound form.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart, userPart := splitCompound(senderID)
	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID, allowedUser := splitCompound(trimmed)

		if senderID == allowed || senderID == trimmed ||
			idPart == trimmed || idPart == allowedID ||
			(allowedUser != "" && (senderID == allowedUser || idPart == allowedUser)) ||
			(userPart != "" && (userPart == trimmed || userPart == allowedID || userPart == allowedUser)) {
			return true
		}
	}
	return false
}

func splitCompound(id string) (string, string) {
	if i := strings.IndexByte(id, '|'); i > 0 {
		return id[:i], id[i+1:]
	}
	return id, ""
}

// HandleMessage runs the inbound gauntlet: allowlist, per-sender rate
// limit, then a non-blocking publish so a stuck agent backs pressure onto
// the platform instead of growing memory. Returns false when the message
// was refused.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, media []bus.MediaDescriptor, metadata map[string]string) bool {
	if !c.IsAllowed(senderID) {
		slog.Debug("channel: sender not in allowlist", "channel", c.name, "sender", senderID)
		return false
	}
	if !c.limiter.Allow(senderID) {
		slog.Warn("channel: sender rate limited", "channel", c.name, "sender", senderID)
		return false
	}

	msg := bus.InboundMessage{
		ID:       uuid.NewString(),
		Channel:  c.name,
		SenderID: senderID,
		ChatID:   chatID,
		Role:     "user",
		Content:  content,
		Media:    media,
		Metadata: metadata,
	}
	if err := c.bus.TryPublishInbound(msg); err != nil {
		slog.Warn("channel: inbound queue refused message",
			"channel", c.name, "sender", senderID, "error", err)
		return false
	}
	return true
}

// Truncate shortens a string to maxLen, appending "..." when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
