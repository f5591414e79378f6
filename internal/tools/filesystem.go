package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 256 << 10

// pathPolicy decides which absolute paths the filesystem tools may touch.
type pathPolicy struct {
	workspace string
	restrict  bool
	allowed   []string // extra allowed prefixes (skills dirs etc.)
	denied    []string // always-denied prefixes (config dir etc.)
}

func (p *pathPolicy) resolve(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("path is required")
	}
	path := raw
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.workspace, path)
	}
	path = filepath.Clean(path)

	for _, deny := range p.denied {
		if underDir(path, deny) {
			return "", fmt.Errorf("access to %s is not permitted", raw)
		}
	}
	if !p.restrict {
		return path, nil
	}
	if underDir(path, p.workspace) {
		return path, nil
	}
	for _, allow := range p.allowed {
		if underDir(path, allow) {
			return path, nil
		}
	}
	return "", fmt.Errorf("path %s is outside the workspace", raw)
}

// underDir reports whether path is dir itself or inside it. A bare prefix
// match would also admit siblings like "<dir>-extra".
func underDir(path, dir string) bool {
	dir = filepath.Clean(dir)
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

// ReadFileTool reads file contents from the workspace.
type ReadFileTool struct {
	policy *pathPolicy
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{policy: &pathPolicy{workspace: workspace, restrict: restrict}}
}

// AllowPaths adds prefixes readable even under workspace restriction.
func (t *ReadFileTool) AllowPaths(prefixes ...string) {
	t.policy.allowed = append(t.policy.allowed, prefixes...)
}

// DenyPaths adds prefixes that are always rejected.
func (t *ReadFileTool) DenyPaths(prefixes ...string) {
	t.policy.denied = append(t.policy.denied, prefixes...)
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path, absolute or relative to the workspace",
			},
		},
		"required": []interface{}{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	raw, _ := args["path"].(string)
	path, err := t.policy.resolve(raw)
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	info, err := os.Stat(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: %v", err))
	}
	if info.IsDir() {
		return ErrorResult(fmt.Sprintf("Error: %s is a directory", raw))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: %v", err))
	}
	if len(data) > maxReadBytes {
		return NewResult(string(data[:maxReadBytes]) +
			fmt.Sprintf("\n... [truncated, %d bytes total]", len(data)))
	}
	return NewResult(string(data))
}

// WriteFileTool writes file contents, creating parent directories.
type WriteFileTool struct {
	policy *pathPolicy
}

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{policy: &pathPolicy{workspace: workspace, restrict: restrict}}
}

func (t *WriteFileTool) DenyPaths(prefixes ...string) {
	t.policy.denied = append(t.policy.denied, prefixes...)
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating it if needed" }

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File path, absolute or relative to the workspace",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []interface{}{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	raw, _ := args["path"].(string)
	content, _ := args["content"].(string)
	path, err := t.policy.resolve(raw)
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("Error: %v", err))
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("Error: %v", err))
	}
	return NewResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), raw))
}

// ListDirTool lists a directory, dirs first.
type ListDirTool struct {
	policy *pathPolicy
}

func NewListDirTool(workspace string, restrict bool) *ListDirTool {
	return &ListDirTool{policy: &pathPolicy{workspace: workspace, restrict: restrict}}
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the entries of a directory" }

func (t *ListDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory path, defaults to the workspace root",
			},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	raw, _ := args["path"].(string)
	if raw == "" {
		raw = "."
	}
	path, err := t.policy.resolve(raw)
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: %v", err))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&b, "%s/\n", entry.Name())
		} else {
			info, err := entry.Info()
			size := int64(0)
			if err == nil {
				size = info.Size()
			}
			fmt.Fprintf(&b, "%s (%d bytes)\n", entry.Name(), size)
		}
	}
	if b.Len() == 0 {
		return NewResult("(empty directory)")
	}
	return NewResult(b.String())
}
