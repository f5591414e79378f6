package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/nanobot/internal/memory"
)

// MemoryNoteTool appends a fact to the agent's daily memory notes.
type MemoryNoteTool struct {
	index *memory.Index
	scope string
}

func NewMemoryNoteTool(index *memory.Index, scope string) *MemoryNoteTool {
	if scope == "" {
		scope = "global"
	}
	return &MemoryNoteTool{index: index, scope: scope}
}

func (t *MemoryNoteTool) Name() string { return "save_memory" }
func (t *MemoryNoteTool) Description() string {
	return "Save a short note to long-term memory for future conversations"
}

func (t *MemoryNoteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember, one or two sentences",
			},
			"scope": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"global", "session"},
				"description": "Where to store the note; global is shared across chats",
			},
		},
		"required": []interface{}{"text"},
	}
}

func (t *MemoryNoteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	text, _ := args["text"].(string)
	if strings.TrimSpace(text) == "" {
		return ErrorResult("Error: text is required")
	}
	scope := "global"
	if s, _ := args["scope"].(string); s == "session" {
		scope = t.scope
	}
	if err := t.index.AppendToday(scope, text); err != nil {
		return ErrorResult(fmt.Sprintf("Error: save memory: %v", err))
	}
	return SilentResult("Noted.")
}
