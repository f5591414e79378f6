// Package sessions persists per-conversation history. Each session is an
// append-only JSONL log (one turn per line) plus a sidecar settings record,
// both written atomically under a per-key advisory file lock so concurrent
// processes serialize on the OS lock rather than corrupting each other.
package sessions

import "time"

// Turn is one entry in a session's history.
type Turn struct {
	Role      string    `json:"role"` // "user", "assistant", "system"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"` // UTC
	Media     []string  `json:"media,omitempty"`
}

// Settings holds per-session mutable options. Last writer wins.
type Settings struct {
	Model             string `json:"model,omitempty"`
	Verbosity         string `json:"verbosity,omitempty"`
	RestrictWorkspace *bool  `json:"restrict_workspace,omitempty"`
	SenderID          string `json:"sender_id,omitempty"`
}

// Session is the in-memory view of one conversation.
type Session struct {
	Key      string   `json:"key"`
	Turns    []Turn   `json:"turns"`
	Settings Settings `json:"settings"`
	Created  time.Time
	Updated  time.Time
}

// NewTurn builds a turn stamped with the current UTC time.
func NewTurn(role, content string, media []string) Turn {
	return Turn{Role: role, Content: content, Timestamp: time.Now().UTC(), Media: media}
}

// SessionInfo is a lightweight descriptor for listing.
type SessionInfo struct {
	Key       string    `json:"key"`
	TurnCount int       `json:"turn_count"`
	Updated   time.Time `json:"updated"`
}
