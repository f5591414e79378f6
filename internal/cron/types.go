// Package cron schedules reminder and task jobs persisted to a single
// record file under the data directory.
package cron

// ScheduleKind selects how a job's next run is computed.
type ScheduleKind string

const (
	ScheduleCron  ScheduleKind = "cron"  // crontab expression
	ScheduleEvery ScheduleKind = "every" // fixed interval
	ScheduleAt    ScheduleKind = "at"    // one-shot wall-clock time
)

// JobKind selects what firing a job does.
type JobKind string

const (
	// KindTask runs the message through the agent loop.
	KindTask JobKind = "task"
	// KindReminder delivers the message verbatim, no LLM involved.
	KindReminder JobKind = "reminder"
)

// Schedule describes when a job fires. Exactly one of Expr, EveryMS or
// AtMS is meaningful depending on Kind.
type Schedule struct {
	Kind    ScheduleKind `json:"kind"`
	Expr    string       `json:"expr,omitempty"`
	EveryMS int64        `json:"every_ms,omitempty"`
	AtMS    int64        `json:"at_ms,omitempty"`
}

// JobState is the mutable runtime portion of a job.
type JobState struct {
	NextRunMS  int64  `json:"next_run_ms,omitempty"`
	LastRunMS  int64  `json:"last_run_ms,omitempty"`
	LastStatus string `json:"last_status,omitempty"` // "ok", "error", "schedule_error"
	LastError  string `json:"last_error,omitempty"`
}

// Job is one scheduled entry.
type Job struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Kind     JobKind  `json:"kind"`
	Schedule Schedule `json:"schedule"`
	Message  string   `json:"message"`

	// Deliver routes the task reply (or the reminder text) to Channel/To.
	Deliver bool   `json:"deliver,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`

	Enabled bool     `json:"enabled"`
	State   JobState `json:"state"`
}
