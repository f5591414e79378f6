package bus

// InboundMessage represents a message received from a channel (Telegram,
// WhatsApp, the local web UI, etc.) or posted internally by a subagent.
type InboundMessage struct {
	ID       string            `json:"id"`
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	Role     string            `json:"role,omitempty"` // "user" (default) or "system"
	Content  string            `json:"content"`
	Media    []MediaDescriptor `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SessionKey returns the default conversation key for this message.
// Trusted channels may override it via Metadata["session_key"]; that
// decision belongs to the agent loop, not here.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage represents a message to be delivered to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"` // e.g. type=status for progress updates
}

// IsStatus reports whether the message is a transient progress update
// rather than a final reply.
func (m OutboundMessage) IsStatus() bool {
	return m.Metadata["type"] == "status"
}

// MediaDescriptor points at a media file attached to a message.
type MediaDescriptor struct {
	Path   string `json:"path"`
	MIME   string `json:"mime,omitempty"`
	Inline bool   `json:"inline,omitempty"`
}
