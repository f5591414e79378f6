// Package store abstracts session persistence behind a backend-neutral
// interface. The file backend (default) wraps the JSONL session manager;
// the postgres backend keeps the same contract on a sessions table.
package store

import (
	"fmt"

	"github.com/nextlevelbuilder/nanobot/internal/config"
	"github.com/nextlevelbuilder/nanobot/internal/sessions"
	"github.com/nextlevelbuilder/nanobot/internal/store/file"
	"github.com/nextlevelbuilder/nanobot/internal/store/pg"
)

// SessionStore is the persistence contract the agent loop depends on.
type SessionStore interface {
	Load(key string) (*sessions.Session, error)
	Append(key string, turn sessions.Turn) error
	SaveSettings(key string, settings sessions.Settings) error
	List() ([]sessions.SessionInfo, error)
	Delete(key string) error
	Close() error
}

// Open builds the configured session store backend.
func Open(cfg *config.Config) (SessionStore, error) {
	switch cfg.Store.Driver {
	case "postgres":
		s, err := pg.Open(cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		return s, nil
	default:
		s, err := file.Open(cfg.SessionsPath(), cfg.Store.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("store: open file backend: %w", err)
		}
		return s, nil
	}
}
