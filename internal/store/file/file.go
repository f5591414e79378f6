// Package file adapts the JSONL session manager to the store contract.
package file

import (
	"github.com/nextlevelbuilder/nanobot/internal/sessions"
)

// Store is the default file-backed session store.
type Store struct {
	manager *sessions.Manager
}

// Open creates the file store rooted at dir.
func Open(dir string, cacheSize int) (*Store, error) {
	m, err := sessions.NewManager(dir, cacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{manager: m}, nil
}

func (s *Store) Load(key string) (*sessions.Session, error) {
	return s.manager.Load(key)
}

func (s *Store) Append(key string, turn sessions.Turn) error {
	return s.manager.Append(key, turn)
}

func (s *Store) SaveSettings(key string, settings sessions.Settings) error {
	return s.manager.SaveSettings(key, settings)
}

func (s *Store) List() ([]sessions.SessionInfo, error) {
	return s.manager.List(), nil
}

func (s *Store) Delete(key string) error {
	return s.manager.Delete(key)
}

func (s *Store) Close() error { return nil }

// MalformedCount exposes the skipped-record counter for telemetry.
func (s *Store) MalformedCount() int64 { return s.manager.MalformedCount() }
