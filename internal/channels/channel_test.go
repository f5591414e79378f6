package channels

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
	"github.com/nextlevelbuilder/nanobot/internal/config"
)

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name      string
		allowList []string
		senderID  string
		want      bool
	}{
		{"empty allowlist allows all", nil, "12345", true},
		{"exact id match", []string{"12345"}, "12345", true},
		{"id mismatch", []string{"12345"}, "99999", false},
		{"compound sender matches id part", []string{"12345"}, "12345|alice", true},
		{"compound sender matches username part", []string{"alice"}, "12345|alice", true},
		{"at-prefixed username", []string{"@alice"}, "12345|alice", true},
		{"compound allowlist entry", []string{"12345|alice"}, "12345", true},
		{"compound both sides", []string{"12345|alice"}, "12345|alice", true},
		{"username not listed", []string{"@bob"}, "12345|alice", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewBaseChannel("test", bus.New(4, 4), config.ChannelCommon{AllowFrom: tt.allowList})
			if got := c.IsAllowed(tt.senderID); got != tt.want {
				t.Errorf("IsAllowed(%q) with %v = %v, want %v", tt.senderID, tt.allowList, got, tt.want)
			}
		})
	}
}

func TestSenderLimiterBurstThenDeny(t *testing.T) {
	l := NewSenderLimiter(60, 3)
	for i := 0; i < 3; i++ {
		if !l.Allow("u1") {
			t.Fatalf("request %d denied inside burst", i)
		}
	}
	if l.Allow("u1") {
		t.Error("request beyond burst allowed")
	}
	// A different sender has its own bucket.
	if !l.Allow("u2") {
		t.Error("independent sender denied")
	}
}

func TestSenderLimiterBounded(t *testing.T) {
	l := NewSenderLimiter(60, 1)
	for i := 0; i < maxTrackedSenders+100; i++ {
		l.Allow(fmt.Sprintf("sender-%d", i))
	}
	l.mu.Lock()
	n := len(l.entries)
	l.mu.Unlock()
	if n > maxTrackedSenders {
		t.Errorf("tracked senders = %d, exceeds cap %d", n, maxTrackedSenders)
	}
}

func TestHandleMessageRefusesWhenQueueFull(t *testing.T) {
	b := bus.New(1, 1)
	c := NewBaseChannel("test", b, config.ChannelCommon{RatePerMinute: 600, RateBurst: 100})

	if !c.HandleMessage("u", "chat", "first", nil, nil) {
		t.Fatal("first message refused")
	}
	if c.HandleMessage("u", "chat", "second", nil, nil) {
		t.Error("second message accepted despite full queue")
	}
}

func TestHandleMessageRateLimited(t *testing.T) {
	b := bus.New(64, 4)
	c := NewBaseChannel("test", b, config.ChannelCommon{RatePerMinute: 60, RateBurst: 2})

	accepted := 0
	for i := 0; i < 5; i++ {
		if c.HandleMessage("spammer", "chat", "hi", nil, nil) {
			accepted++
		}
	}
	if accepted != 2 {
		t.Errorf("accepted = %d, want burst of 2", accepted)
	}
}

func TestRunningStateConcurrentAccess(t *testing.T) {
	c := NewBaseChannel("test", bus.New(4, 4), config.ChannelCommon{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.SetRunning(j%2 == 0)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.IsRunning()
			}
		}()
	}
	wg.Wait()

	c.SetRunning(true)
	if !c.IsRunning() {
		t.Error("running state lost")
	}
}

// stubChannel records sends for manager tests.
type stubChannel struct {
	name    string
	running bool
	mu      sync.Mutex
	sent    []bus.OutboundMessage
}

func (s *stubChannel) Name() string { return s.name }

func (s *stubChannel) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	return nil
}

func (s *stubChannel) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

func (s *stubChannel) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
func (s *stubChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubChannel) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestManagerDispatchRoutesToChannel(t *testing.T) {
	b := bus.New(16, 16)
	m := NewManager(b)
	tg := &stubChannel{name: "telegram"}
	m.Register(tg, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.StopAll(context.Background())

	if err := b.PublishOutbound(ctx, bus.OutboundMessage{Channel: "telegram", ChatID: "1", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	// Internal channels are skipped silently.
	if err := b.PublishOutbound(ctx, bus.OutboundMessage{Channel: "cli", ChatID: "x", Content: "skip"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for tg.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tg.sentCount() != 1 {
		t.Errorf("telegram received %d messages, want 1", tg.sentCount())
	}
}

func TestManagerIsTrusted(t *testing.T) {
	m := NewManager(bus.New(4, 4))
	m.Register(&stubChannel{name: "webui"}, true)
	m.Register(&stubChannel{name: "telegram"}, false)

	if !m.IsTrusted("webui") {
		t.Error("webui should be trusted")
	}
	if m.IsTrusted("telegram") {
		t.Error("telegram should not be trusted")
	}
	if m.IsTrusted("unknown") {
		t.Error("unknown channel should not be trusted")
	}
}
