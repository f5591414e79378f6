package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/nanobot/internal/tools"
)

// BridgeTool exposes one remote MCP tool through the local tool registry.
type BridgeTool struct {
	server     string
	tool       mcpgo.Tool
	client     *mcpclient.Client
	prefix     string
	timeoutSec int
	connected  *atomic.Bool
}

func NewBridgeTool(server string, tool mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	return &BridgeTool{
		server:     server,
		tool:       tool,
		client:     client,
		prefix:     prefix,
		timeoutSec: timeoutSec,
		connected:  connected,
	}
}

// Name returns the registry-facing name: an optional configured prefix,
// else "<server>_<tool>" to keep servers from colliding.
func (t *BridgeTool) Name() string {
	if t.prefix != "" {
		return t.prefix + t.tool.Name
	}
	return t.server + "_" + t.tool.Name
}

// OriginalName is the tool's name on the remote server.
func (t *BridgeTool) OriginalName() string { return t.tool.Name }

func (t *BridgeTool) Description() string {
	desc := t.tool.Description
	if desc == "" {
		desc = "MCP tool " + t.tool.Name
	}
	return fmt.Sprintf("%s (via MCP server %q)", desc, t.server)
}

func (t *BridgeTool) Parameters() map[string]interface{} {
	schema := map[string]interface{}{"type": "object"}
	if t.tool.InputSchema.Type != "" {
		schema["type"] = t.tool.InputSchema.Type
	}
	if len(t.tool.InputSchema.Properties) > 0 {
		schema["properties"] = t.tool.InputSchema.Properties
	}
	if len(t.tool.InputSchema.Required) > 0 {
		required := make([]interface{}, len(t.tool.InputSchema.Required))
		for i, r := range t.tool.InputSchema.Required {
			required[i] = r
		}
		schema["required"] = required
	}
	return schema
}

func (t *BridgeTool) Timeout() time.Duration {
	return time.Duration(t.timeoutSec) * time.Second
}

func (t *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if t.connected != nil && !t.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("Error: MCP server %q is not connected", t.server))
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.tool.Name
	req.Params.Arguments = args

	result, err := t.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("Error: MCP call %s: %v", t.Name(), err))
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return tools.ErrorResult("Error: " + text)
	}
	if text == "" {
		text = "(empty result)"
	}
	return tools.NewResult(text)
}

func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
