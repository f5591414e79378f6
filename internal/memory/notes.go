package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanobot/internal/fsutil"
)

// LongTermFile is the always-loaded memory note at the root of the
// memory directory.
const LongTermFile = "MEMORY.md"

// ScopeDir maps a scope to its note directory relative to the memory root.
func ScopeDir(scope string) string {
	switch {
	case strings.HasPrefix(scope, "session:"):
		return filepath.Join("sessions", sanitizeName(strings.TrimPrefix(scope, "session:")))
	case strings.HasPrefix(scope, "user:"):
		return filepath.Join("users", sanitizeName(strings.TrimPrefix(scope, "user:")))
	default:
		return "global"
	}
}

// AppendToday appends text to the scope's daily note, creating it (and the
// scope directory) on first write.
func (idx *Index) AppendToday(scope, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	dir := filepath.Join(idx.dir, ScopeDir(scope))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("memory: create scope dir: %w", err)
	}
	path := filepath.Join(dir, time.Now().UTC().Format("2006-01-02")+".md")

	lock := fsutil.LockFile(path)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	var buf strings.Builder
	buf.Write(existing)
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		buf.WriteByte('\n')
	}
	fmt.Fprintf(&buf, "- %s %s\n", time.Now().UTC().Format("15:04"), text)

	if err := fsutil.WriteAtomic(path, []byte(buf.String())); err != nil {
		return err
	}

	rel, relErr := filepath.Rel(idx.dir, path)
	if relErr == nil {
		if err := idx.IngestFileIfChanged(scope, rel, path); err != nil {
			return err
		}
	}
	return nil
}

// IngestScope indexes the long-term file and every daily note in scope.
func (idx *Index) IngestScope(scope string) error {
	if scope == "global" {
		long := filepath.Join(idx.dir, LongTermFile)
		if err := idx.IngestFileIfChanged("global", LongTermFile, long); err != nil {
			return err
		}
	}
	dir := filepath.Join(idx.dir, ScopeDir(scope))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		rel, err := filepath.Rel(idx.dir, path)
		if err != nil {
			continue
		}
		if err := idx.IngestFileIfChanged(scope, rel, path); err != nil {
			return err
		}
	}
	return nil
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
