package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SpawnTool lets the model start a background subagent bound to the
// originating chat.
type SpawnTool struct {
	manager *SubagentManager
	origin  Origin
}

func NewSpawnTool(manager *SubagentManager, origin Origin) *SpawnTool {
	return &SpawnTool{manager: manager, origin: origin}
}

func (t *SpawnTool) Name() string { return "spawn" }
func (t *SpawnTool) Description() string {
	return "Start a background task that works independently and reports back when done"
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Complete instructions for the background task",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short human-readable label",
			},
		},
		"required": []interface{}{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	label, _ := args["label"].(string)

	id, err := t.manager.Spawn(ctx, task, label, t.origin)
	if errors.Is(err, ErrBusy) {
		return ErrorResult("Error: too many background tasks are already running; wait for one to finish")
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: %v", err))
	}
	return NewResult(fmt.Sprintf("Started background task %s. Its result will arrive as a system message; do not wait for it.", id))
}

// SubagentsTool lists and cancels background tasks.
type SubagentsTool struct {
	manager *SubagentManager
}

func NewSubagentsTool(manager *SubagentManager) *SubagentsTool {
	return &SubagentsTool{manager: manager}
}

func (t *SubagentsTool) Name() string { return "subagents" }
func (t *SubagentsTool) Description() string {
	return "List running background tasks or cancel one"
}

func (t *SubagentsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"list", "cancel"},
				"description": "What to do",
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Task id, required for cancel",
			},
		},
		"required": []interface{}{"action"},
	}
}

func (t *SubagentsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)
	switch action {
	case "list":
		infos := t.manager.List()
		if len(infos) == 0 {
			return NewResult("No background tasks.")
		}
		var b strings.Builder
		for _, info := range infos {
			fmt.Fprintf(&b, "%s  %-9s  %s\n", info.ID, info.Status, info.Label)
		}
		return NewResult(b.String())
	case "cancel":
		id, _ := args["id"].(string)
		if id == "" {
			return ErrorResult("Error: id is required for cancel")
		}
		if !t.manager.Cancel(id) {
			return ErrorResult(fmt.Sprintf("Error: no running task with id %s", id))
		}
		return NewResult(fmt.Sprintf("Cancelled task %s.", id))
	default:
		return ErrorResult(fmt.Sprintf("Error: unknown action %q", action))
	}
}
