package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
)

// MessageTool lets the model push a message to the originating chat
// mid-turn, ahead of the final reply.
type MessageTool struct {
	bus     *bus.MessageBus
	channel string
	chatID  string
}

func NewMessageTool(b *bus.MessageBus, channel, chatID string) *MessageTool {
	return &MessageTool{bus: b, channel: channel, chatID: chatID}
}

func (t *MessageTool) Name() string { return "message" }
func (t *MessageTool) Description() string {
	return "Send a message to the user immediately, before the turn finishes"
}

func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Message text to deliver",
			},
		},
		"required": []interface{}{"content"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("Error: content is required")
	}
	err := t.bus.PublishOutbound(ctx, bus.OutboundMessage{
		Channel: t.channel,
		ChatID:  t.chatID,
		Content: content,
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: deliver message: %v", err))
	}
	return SilentResult("Message delivered to the user.")
}
