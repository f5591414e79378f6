// Package pg implements the session store on Postgres. History turns are
// kept as JSONB on a sessions row; settings ride on the same row. Useful
// when the host's filesystem is ephemeral (containers) or shared.
package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/nanobot/internal/sessions"
)

// Store implements store.SessionStore on Postgres.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Load(key string) (*sessions.Session, error) {
	var turnsJSON, settingsJSON []byte
	var created, updated time.Time

	err := s.db.QueryRow(
		`SELECT turns, settings, created_at, updated_at FROM sessions WHERE session_key = $1`,
		key,
	).Scan(&turnsJSON, &settingsJSON, &created, &updated)
	if err == sql.ErrNoRows {
		return &sessions.Session{Key: key}, nil
	}
	if err != nil {
		return nil, err
	}

	session := &sessions.Session{Key: key, Created: created, Updated: updated}
	if len(turnsJSON) > 0 {
		if err := json.Unmarshal(turnsJSON, &session.Turns); err != nil {
			return nil, fmt.Errorf("decode turns: %w", err)
		}
	}
	if len(settingsJSON) > 0 {
		_ = json.Unmarshal(settingsJSON, &session.Settings)
	}
	return session, nil
}

func (s *Store) Append(key string, turn sessions.Turn) error {
	turnJSON, err := json.Marshal(turn)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	// Row-level locking in the upsert serializes concurrent appenders the
	// same way the file backend's advisory lock does.
	_, err = s.db.Exec(
		`INSERT INTO sessions (session_key, turns, settings, created_at, updated_at)
		 VALUES ($1, jsonb_build_array($2::jsonb), '{}'::jsonb, $3, $3)
		 ON CONFLICT (session_key) DO UPDATE
		 SET turns = sessions.turns || $2::jsonb, updated_at = $3`,
		key, turnJSON, now,
	)
	return err
}

func (s *Store) SaveSettings(key string, settings sessions.Settings) error {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO sessions (session_key, turns, settings, created_at, updated_at)
		 VALUES ($1, '[]'::jsonb, $2::jsonb, $3, $3)
		 ON CONFLICT (session_key) DO UPDATE
		 SET settings = $2::jsonb, updated_at = $3`,
		key, settingsJSON, now,
	)
	return err
}

func (s *Store) List() ([]sessions.SessionInfo, error) {
	rows, err := s.db.Query(
		`SELECT session_key, jsonb_array_length(turns), updated_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []sessions.SessionInfo
	for rows.Next() {
		var info sessions.SessionInfo
		if err := rows.Scan(&info.Key, &info.TurnCount, &info.Updated); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_key = $1`, key)
	return err
}
