package cron

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls []string // "content|sessionKey"
	reply string
}

func (r *recordingRunner) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, content+"|"+sessionKey)
	return r.reply, nil
}

func (r *recordingRunner) callList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newTestService(t *testing.T) (*Service, *bus.MessageBus, *recordingRunner, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cron", "jobs.record")
	b := bus.New(16, 16)
	runner := &recordingRunner{reply: "task done"}
	return NewService(NewStore(path), b, runner), b, runner, path
}

func TestAddPersistsBeforeReturning(t *testing.T) {
	svc, _, _, path := newTestService(t)

	job, err := svc.Add(Job{
		Name:     "standup",
		Kind:     KindReminder,
		Schedule: Schedule{Kind: ScheduleCron, Expr: "0 9 * * 1-5"},
		Message:  "standup time",
		Channel:  "telegram",
		To:       "42",
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.State.NextRunMS == 0 {
		t.Error("next run not computed")
	}

	loaded, err := NewStore(path).Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].Name != "standup" {
		t.Errorf("persisted jobs = %+v", loaded)
	}
}

func TestInvalidCronExpressionStoredWithScheduleError(t *testing.T) {
	svc, _, _, path := newTestService(t)

	job, err := svc.Add(Job{
		Name:     "bad",
		Kind:     KindTask,
		Schedule: Schedule{Kind: ScheduleCron, Expr: "not a cron"},
		Message:  "x",
	})
	if err == nil {
		t.Fatal("expected schedule validation error")
	}
	if job.Enabled {
		t.Error("invalid job should be stored disabled")
	}
	if job.State.LastStatus != "schedule_error" {
		t.Errorf("last status = %q", job.State.LastStatus)
	}

	loaded, _ := NewStore(path).Load()
	if len(loaded) != 1 {
		t.Fatal("invalid job not persisted for the user to fix")
	}
}

func TestCorruptStoreQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.record")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	jobs, err := NewStore(path).Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("jobs = %+v, want empty", jobs)
	}

	entries, _ := os.ReadDir(dir)
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "jobs.record.corrupt-") {
			found = true
		}
		if e.Name() == "jobs.record" {
			t.Error("corrupt file left in place")
		}
	}
	if !found {
		t.Error("corrupt file not quarantined")
	}
}

func TestReminderFiresToOutbound(t *testing.T) {
	svc, b, _, _ := newTestService(t)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	if _, err := svc.Add(Job{
		Name:     "soon",
		Kind:     KindReminder,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMS: 30},
		Message:  "drink water",
		Channel:  "telegram",
		To:       "42",
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, ok := b.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("reminder never delivered")
	}
	if msg.Channel != "telegram" || msg.ChatID != "42" || msg.Content != "drink water" {
		t.Errorf("outbound = %+v", msg)
	}
}

func TestTaskRunsThroughRunnerWithCronSessionKey(t *testing.T) {
	svc, b, runner, _ := newTestService(t)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	job, err := svc.Add(Job{
		Name:     "digest",
		Kind:     KindTask,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMS: 30},
		Message:  "summarize the news",
		Deliver:  true,
		Channel:  "whatsapp",
		To:       "+1555",
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, ok := b.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("task reply never delivered")
	}
	if msg.Content != "task done" {
		t.Errorf("delivered = %q", msg.Content)
	}

	calls := runner.callList()
	if len(calls) == 0 {
		t.Fatal("runner never invoked")
	}
	if want := "summarize the news|cron:" + job.ID; calls[0] != want {
		t.Errorf("call = %q, want %q", calls[0], want)
	}
}

func TestAtJobDisablesAfterFiring(t *testing.T) {
	svc, b, _, _ := newTestService(t)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop()

	_, err := svc.Add(Job{
		Name:     "once",
		Kind:     KindReminder,
		Schedule: Schedule{Kind: ScheduleAt, AtMS: time.Now().Add(30 * time.Millisecond).UnixMilli()},
		Message:  "one shot",
		Channel:  "cli",
		To:       "local",
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, ok := b.ConsumeOutbound(ctx); !ok {
		t.Fatal("one-shot never fired")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		jobs := svc.List()
		if len(jobs) == 1 && !jobs[0].Enabled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("job still enabled after one-shot fire: %+v", svc.List())
}

func TestRunNowForcesDisabledJob(t *testing.T) {
	svc, b, _, _ := newTestService(t)

	job, err := svc.Add(Job{
		Name:     "manual",
		Kind:     KindReminder,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMS: int64(time.Hour / time.Millisecond)},
		Message:  "ping",
		Channel:  "cli",
		To:       "local",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Enable(job.ID, false); err != nil {
		t.Fatal(err)
	}

	if err := svc.RunNow(context.Background(), job.ID, false); err == nil {
		t.Error("disabled job ran without force")
	}
	if err := svc.RunNow(context.Background(), job.ID, true); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if msg, ok := b.ConsumeOutbound(ctx); !ok || msg.Content != "ping" {
		t.Errorf("forced run output = %+v ok=%v", msg, ok)
	}
}

func TestRemoveUnknownJob(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if err := svc.Remove("nope"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
