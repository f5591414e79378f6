// Package bootstrap seeds a new workspace with its starter files.
package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
)

// Workspace file names. The agent loads these into its system prompt.
const (
	AgentsFile    = "AGENTS.md"
	SoulFile      = "SOUL.md"
	UserFile      = "USER.md"
	ToolsFile     = "TOOLS.md"
	IdentityFile  = "IDENTITY.md"
	HeartbeatFile = "HEARTBEAT.md"
	MemoryFile    = "MEMORY.md"
)

//go:embed templates/*.md
var templateFS embed.FS

var workspaceFiles = []string{
	AgentsFile,
	SoulFile,
	UserFile,
	ToolsFile,
	IdentityFile,
	HeartbeatFile,
}

// ReadTemplate returns the content of an embedded template.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// Seed creates the workspace skeleton: instruction files, the long-term
// memory file and the skills directory. Existing files are never touched.
// Returns the names of files actually created.
func Seed(workspaceDir string) ([]string, error) {
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(workspaceDir, "memory"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(workspaceDir, "skills"), 0o755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range workspaceFiles {
		ok, err := seedTemplate(filepath.Join(workspaceDir, name), name)
		if err != nil {
			slog.Warn("bootstrap: seed failed", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}

	ok, err := seedTemplate(filepath.Join(workspaceDir, "memory", MemoryFile), MemoryFile)
	if err != nil {
		slog.Warn("bootstrap: seed failed", "file", MemoryFile, "error", err)
	} else if ok {
		created = append(created, filepath.Join("memory", MemoryFile))
	}
	return created, nil
}

// seedTemplate writes one template unless the target already exists.
func seedTemplate(dstPath, name string) (bool, error) {
	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dstPath)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		os.Remove(dstPath)
		return false, err
	}
	return true, nil
}
