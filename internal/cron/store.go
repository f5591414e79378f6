package cron

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/nanobot/internal/fsutil"
)

const recordVersion = 1

type record struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// Store persists the job set to one JSON record file with atomic writes.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads all jobs. A missing file is an empty set. A corrupt file is
// quarantined with a warning so a bad write never silently erases jobs.
func (s *Store) Load() ([]Job, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cron store: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if renameErr := os.Rename(s.path, quarantine); renameErr != nil {
			slog.Warn("cron: corrupt store could not be quarantined",
				"path", s.path, "error", renameErr)
		} else {
			slog.Warn("cron: corrupt store quarantined",
				"path", s.path, "moved_to", quarantine, "parse_error", err)
		}
		return nil, nil
	}
	return rec.Jobs, nil
}

// Save writes the full job set under the store lockfile.
func (s *Store) Save(jobs []Job) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}
	data, err := json.MarshalIndent(record{Version: recordVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return err
	}

	lock := fsutil.LockFile(s.path)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	if err := fsutil.WriteAtomic(s.path, data); err != nil {
		return fmt.Errorf("write cron store: %w", err)
	}
	return nil
}
