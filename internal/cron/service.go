package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
)

var ErrNotFound = errors.New("cron: job not found")

// Runner executes a task job's message through the agent.
type Runner interface {
	ProcessDirect(ctx context.Context, content, sessionKey string) (string, error)
}

// Service owns the job set and a single sleeper goroutine that fires due
// jobs. Every mutation persists before returning and re-arms the sleeper.
type Service struct {
	store  *Store
	bus    *bus.MessageBus
	runner Runner

	mu   sync.Mutex
	jobs map[string]*Job

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(store *Store, msgBus *bus.MessageBus, runner Runner) *Service {
	return &Service{
		store:  store,
		bus:    msgBus,
		runner: runner,
		jobs:   make(map[string]*Job),
		wake:   make(chan struct{}, 1),
	}
}

// Start loads persisted jobs and launches the scheduler goroutine.
func (s *Service) Start(ctx context.Context) error {
	jobs, err := s.store.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	now := time.Now().UnixMilli()
	for i := range jobs {
		job := jobs[i]
		if job.Enabled && job.State.NextRunMS == 0 {
			s.reschedule(&job, now)
		}
		s.jobs[job.ID] = &job
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

// Stop halts the scheduler. In-flight job runs finish on their own.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Add validates the schedule, computes the first run and persists.
// An invalid cron expression is stored disabled with a schedule_error so
// the user can fix it, and the error is returned.
func (s *Service) Add(job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()[:8]
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	if job.Kind != KindTask && job.Kind != KindReminder {
		return Job{}, fmt.Errorf("cron: unknown job kind %q", job.Kind)
	}

	schedErr := ValidateSchedule(job.Schedule)
	if schedErr != nil {
		job.Enabled = false
		job.State.LastStatus = "schedule_error"
		job.State.LastError = schedErr.Error()
	} else {
		job.Enabled = true
		s.reschedule(&job, time.Now().UnixMilli())
	}

	s.mu.Lock()
	s.jobs[job.ID] = &job
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return Job{}, err
	}
	s.poke()
	if schedErr != nil {
		return job, fmt.Errorf("cron: invalid schedule: %w", schedErr)
	}
	return job, nil
}

// Remove deletes a job and persists.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.jobs, id)
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.poke()
	return nil
}

// Enable toggles a job and persists.
func (s *Service) Enable(id string, enabled bool) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	job.Enabled = enabled
	if enabled {
		s.reschedule(job, time.Now().UnixMilli())
	}
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.poke()
	return nil
}

// List returns jobs sorted by name.
func (s *Service) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunNow fires a job immediately. Disabled jobs require force.
func (s *Service) RunNow(ctx context.Context, id string, force bool) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !job.Enabled && !force {
		s.mu.Unlock()
		return fmt.Errorf("cron: job %s is disabled (use force)", id)
	}
	snapshot := *job
	s.mu.Unlock()

	s.fire(ctx, snapshot)
	return nil
}

// run is the single sleeper: it sleeps until the earliest enabled job is
// due, fires everything due, and re-arms. Mutations poke the wake channel.
func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := s.earliestNext()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next == 0 {
			timer.Reset(time.Hour)
		} else {
			delay := time.Until(time.UnixMilli(next))
			if delay < 0 {
				delay = 0
			}
			timer.Reset(delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Service) earliestNext() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next int64
	for _, job := range s.jobs {
		if !job.Enabled || job.State.NextRunMS == 0 {
			continue
		}
		if next == 0 || job.State.NextRunMS < next {
			next = job.State.NextRunMS
		}
	}
	return next
}

func (s *Service) fireDue(ctx context.Context) {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	var due []Job
	for _, job := range s.jobs {
		if job.Enabled && job.State.NextRunMS != 0 && job.State.NextRunMS <= now {
			due = append(due, *job)
			// One-shot jobs disable after firing; the rest reschedule.
			if job.Schedule.Kind == ScheduleAt {
				job.Enabled = false
				job.State.NextRunMS = 0
			} else {
				s.reschedule(job, now)
			}
		}
	}
	if len(due) > 0 {
		if err := s.persistLocked(); err != nil {
			slog.Error("cron: persist after firing", "error", err)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.fire(ctx, job)
	}
}

// fire runs one job, panic-guarded so a bad job cannot kill the scheduler.
func (s *Service) fire(ctx context.Context, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("cron: job panicked", "job", job.ID, "panic", rec)
			s.recordResult(job.ID, fmt.Sprintf("panic: %v", rec))
		}
	}()

	slog.Info("cron: firing job", "job", job.ID, "name", job.Name, "kind", job.Kind)

	var runErr error
	switch job.Kind {
	case KindReminder:
		if job.Channel != "" && job.To != "" {
			runErr = s.bus.PublishOutbound(ctx, bus.OutboundMessage{
				Channel: job.Channel,
				ChatID:  job.To,
				Content: job.Message,
			})
		} else {
			runErr = errors.New("reminder has no delivery target")
		}
	case KindTask:
		reply, err := s.runner.ProcessDirect(ctx, job.Message, "cron:"+job.ID)
		if err != nil {
			runErr = err
			break
		}
		if job.Deliver && job.To != "" && reply != "" {
			runErr = s.bus.PublishOutbound(ctx, bus.OutboundMessage{
				Channel: job.Channel,
				ChatID:  job.To,
				Content: reply,
			})
		}
	}

	if runErr != nil {
		slog.Error("cron: job failed", "job", job.ID, "error", runErr)
		s.recordResult(job.ID, runErr.Error())
		return
	}
	s.recordResult(job.ID, "")
}

func (s *Service) recordResult(id, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return
	}
	job.State.LastRunMS = time.Now().UnixMilli()
	if errMsg == "" {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	} else {
		job.State.LastStatus = "error"
		job.State.LastError = errMsg
	}
	if err := s.persistLocked(); err != nil {
		slog.Error("cron: persist job state", "job", id, "error", err)
	}
}

// reschedule computes NextRunMS from now. Caller holds the lock or owns
// the job exclusively.
func (s *Service) reschedule(job *Job, nowMS int64) {
	now := time.UnixMilli(nowMS)
	switch job.Schedule.Kind {
	case ScheduleCron:
		next, err := gronx.NextTickAfter(job.Schedule.Expr, now, false)
		if err != nil {
			job.State.LastStatus = "schedule_error"
			job.State.LastError = err.Error()
			job.State.NextRunMS = 0
			return
		}
		job.State.NextRunMS = next.UnixMilli()
	case ScheduleEvery:
		if job.Schedule.EveryMS <= 0 {
			job.State.LastStatus = "schedule_error"
			job.State.LastError = "every_ms must be positive"
			job.State.NextRunMS = 0
			return
		}
		job.State.NextRunMS = nowMS + job.Schedule.EveryMS
	case ScheduleAt:
		if job.Schedule.AtMS <= nowMS {
			job.Enabled = false
			job.State.NextRunMS = 0
			return
		}
		job.State.NextRunMS = job.Schedule.AtMS
	}
}

func (s *Service) persistLocked() error {
	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return s.store.Save(jobs)
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ValidateSchedule checks a schedule without registering a job.
func ValidateSchedule(sched Schedule) error {
	switch sched.Kind {
	case ScheduleCron:
		if !gronx.New().IsValid(sched.Expr) {
			return fmt.Errorf("invalid cron expression %q", sched.Expr)
		}
	case ScheduleEvery:
		if sched.EveryMS <= 0 {
			return errors.New("every_ms must be positive")
		}
	case ScheduleAt:
		if sched.AtMS <= 0 {
			return errors.New("at_ms must be set")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
	return nil
}
