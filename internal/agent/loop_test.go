package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
	"github.com/nextlevelbuilder/nanobot/internal/config"
	"github.com/nextlevelbuilder/nanobot/internal/providers"
	"github.com/nextlevelbuilder/nanobot/internal/sessions"
	"github.com/nextlevelbuilder/nanobot/internal/tools"
)

// fakeProvider replays scripted responses; an optional hook observes each
// request as it arrives.
type fakeProvider struct {
	mu     sync.Mutex
	script []*providers.ChatResponse
	calls  int
	hook   func(req providers.ChatRequest)
}

func (p *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	hook := p.hook
	var resp *providers.ChatResponse
	if p.calls < len(p.script) {
		resp = p.script[p.calls]
	}
	p.calls++
	p.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if resp == nil {
		return &providers.ChatResponse{Content: "ok"}, nil
	}
	return resp, nil
}

func (p *fakeProvider) DefaultModel() string { return "fake-model" }
func (p *fakeProvider) Name() string         { return "fake" }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// memStore is an in-memory SessionStore for tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*sessions.Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*sessions.Session)}
}

func (s *memStore) Load(key string) (*sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		cp := *sess
		cp.Turns = append([]sessions.Turn(nil), sess.Turns...)
		return &cp, nil
	}
	return &sessions.Session{Key: key}, nil
}

func (s *memStore) Append(key string, turn sessions.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &sessions.Session{Key: key}
		s.sessions[key] = sess
	}
	sess.Turns = append(sess.Turns, turn)
	return nil
}

func (s *memStore) SaveSettings(key string, settings sessions.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &sessions.Session{Key: key}
		s.sessions[key] = sess
	}
	sess.Settings = settings
	return nil
}

func (s *memStore) List() ([]sessions.SessionInfo, error) { return nil, nil }
func (s *memStore) Delete(key string) error               { return nil }
func (s *memStore) Close() error                          { return nil }

func (s *memStore) turns(key string) []sessions.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return append([]sessions.Turn(nil), sess.Turns...)
	}
	return nil
}

func newTestLoop(t *testing.T, provider providers.Provider, b *bus.MessageBus, st *memStore, agentCfg config.AgentConfig) *Loop {
	t.Helper()
	cb := NewContextBuilder(t.TempDir(), nil, nil, agentCfg)
	return New(LoopConfig{
		Bus:      b,
		Provider: provider,
		Store:    st,
		Context:  cb,
		Agent:    agentCfg,
	})
}

func drainOutbound(t *testing.T, b *bus.MessageBus, timeout time.Duration) []bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var out []bus.OutboundMessage
	for {
		msg, ok := b.ConsumeOutbound(ctx)
		if !ok {
			return out
		}
		out = append(out, msg)
		if b.OutboundLen() == 0 {
			return out
		}
	}
}

func TestPerSessionFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string

	provider := &fakeProvider{hook: func(req providers.ChatRequest) {
		last := req.Messages[len(req.Messages)-1]
		mu.Lock()
		order = append(order, last.Content)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}}
	b := bus.New(64, 64)
	st := newMemStore()
	loop := newTestLoop(t, provider, b, st, config.AgentConfig{MaxConcurrentMessages: 8})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		if err := b.PublishInbound(ctx, bus.InboundMessage{
			ID: fmt.Sprintf("m%d", i), Channel: "telegram", SenderID: "u",
			ChatID: "42", Role: "user", Content: fmt.Sprintf("msg-%d", i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for provider.callCount() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("processed %d messages, want 5", len(order))
	}
	for i, content := range order {
		if want := fmt.Sprintf("msg-%d", i); content != want {
			t.Errorf("position %d handled %q, want %q", i, content, want)
		}
	}
}

func TestConcurrencyCap(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	provider := &fakeProvider{hook: func(req providers.ChatRequest) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	}}
	b := bus.New(64, 64)
	st := newMemStore()
	loop := newTestLoop(t, provider, b, st, config.AgentConfig{MaxConcurrentMessages: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	// Distinct sessions so only the semaphore serializes them.
	for i := 0; i < 6; i++ {
		if err := b.PublishInbound(ctx, bus.InboundMessage{
			ID: fmt.Sprintf("m%d", i), Channel: "telegram", SenderID: "u",
			ChatID: fmt.Sprintf("chat-%d", i), Role: "user", Content: "hello",
		}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for provider.callCount() < 6 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestUntrustedSessionKeyOverrideIgnored(t *testing.T) {
	provider := &fakeProvider{}
	b := bus.New(16, 16)
	st := newMemStore()
	cb := NewContextBuilder(t.TempDir(), nil, nil, config.AgentConfig{})
	loop := New(LoopConfig{
		Bus: b, Provider: provider, Store: st, Context: cb,
		IsTrusted: func(channel string) bool { return channel == "webui" },
	})

	untrusted := bus.InboundMessage{
		Channel: "telegram", ChatID: "42",
		Metadata: map[string]string{"session_key": "admin:root"},
	}
	if got := loop.sessionKey(untrusted); got != "telegram:42" {
		t.Errorf("untrusted override honored: %q", got)
	}

	trusted := bus.InboundMessage{
		Channel: "webui", ChatID: "local",
		Metadata: map[string]string{"session_key": "telegram:42"},
	}
	if got := loop.sessionKey(trusted); got != "telegram:42" {
		t.Errorf("trusted override ignored: %q", got)
	}
}

func TestSystemMessageSummarizedToOrigin(t *testing.T) {
	provider := &fakeProvider{script: []*providers.ChatResponse{
		{Content: "The background research finished successfully."},
	}}
	b := bus.New(16, 16)
	st := newMemStore()
	loop := newTestLoop(t, provider, b, st, config.AgentConfig{})

	msg := bus.InboundMessage{
		ID: "s1", Channel: "system", SenderID: "subagent:abc",
		ChatID: "whatsapp:+1555", Role: "system",
		Content: "Background task \"research\" (abc) finished with status completed.",
	}
	loop.handle(context.Background(), msg, "whatsapp:+1555")

	out := drainOutbound(t, b, 2*time.Second)
	if len(out) != 1 {
		t.Fatalf("outbound count = %d, want 1", len(out))
	}
	if out[0].Channel != "whatsapp" || out[0].ChatID != "+1555" {
		t.Errorf("routed to %s:%s, want whatsapp:+1555", out[0].Channel, out[0].ChatID)
	}
	if !strings.Contains(out[0].Content, "finished successfully") {
		t.Errorf("content = %q", out[0].Content)
	}

	turns := st.turns("whatsapp:+1555")
	if len(turns) != 2 || turns[0].Role != "system" || turns[1].Role != "assistant" {
		t.Errorf("persisted turns = %+v", turns)
	}
}

type alwaysFailTool struct{}

func (alwaysFailTool) Name() string        { return "broken" }
func (alwaysFailTool) Description() string { return "always fails" }
func (alwaysFailTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (alwaysFailTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return tools.ErrorResult("Error: disk on fire")
}

func TestConsecutiveToolFailureAborts(t *testing.T) {
	callTool := &providers.ChatResponse{
		ToolCalls: []providers.ToolCall{{ID: "c1", Name: "broken", Arguments: map[string]interface{}{}}},
	}
	provider := &fakeProvider{script: []*providers.ChatResponse{callTool, callTool, callTool, callTool}}
	b := bus.New(16, 16)
	st := newMemStore()
	cb := NewContextBuilder(t.TempDir(), nil, nil, config.AgentConfig{})
	loop := New(LoopConfig{
		Bus: b, Provider: provider, Store: st, Context: cb,
		NewRegistry: func(msg bus.InboundMessage, restrict bool) *tools.Registry {
			reg := tools.NewRegistry()
			reg.Register(alwaysFailTool{})
			return reg
		},
		Agent: config.AgentConfig{MaxToolIterations: 10, ToolErrorBackoff: 3},
	})

	reply, err := loop.processMessage(context.Background(),
		bus.InboundMessage{Channel: "cli", ChatID: "x", Role: "user", Content: "go"}, "cli:x")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "tool errors") {
		t.Errorf("reply = %q, want abort message", reply)
	}
	if provider.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3 (abort at third consecutive failure)", provider.callCount())
	}
}

func TestEmptyFinalContentNudgedOnce(t *testing.T) {
	provider := &fakeProvider{script: []*providers.ChatResponse{
		{Content: ""},
		{Content: "Here is the summary."},
	}}
	b := bus.New(16, 16)
	st := newMemStore()
	loop := newTestLoop(t, provider, b, st, config.AgentConfig{MaxToolIterations: 5})

	reply, err := loop.processMessage(context.Background(),
		bus.InboundMessage{Channel: "cli", ChatID: "x", Role: "user", Content: "do it"}, "cli:x")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Here is the summary." {
		t.Errorf("reply = %q", reply)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}
}

func TestMaxIterationsReply(t *testing.T) {
	callTool := &providers.ChatResponse{
		ToolCalls: []providers.ToolCall{{ID: "c1", Name: "missing", Arguments: map[string]interface{}{}}},
	}
	provider := &fakeProvider{script: []*providers.ChatResponse{callTool, callTool}}
	b := bus.New(16, 16)
	st := newMemStore()
	cb := NewContextBuilder(t.TempDir(), nil, nil, config.AgentConfig{})
	loop := New(LoopConfig{
		Bus: b, Provider: provider, Store: st, Context: cb,
		NewRegistry: func(msg bus.InboundMessage, restrict bool) *tools.Registry { return tools.NewRegistry() },
		Agent:       config.AgentConfig{MaxToolIterations: 2, ToolErrorBackoff: 10},
	})

	reply, err := loop.processMessage(context.Background(),
		bus.InboundMessage{Channel: "cli", ChatID: "x", Role: "user", Content: "loop"}, "cli:x")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "iteration limit") {
		t.Errorf("reply = %q", reply)
	}
}

func TestProcessDirect(t *testing.T) {
	provider := &fakeProvider{script: []*providers.ChatResponse{{Content: "direct answer"}}}
	b := bus.New(16, 16)
	st := newMemStore()
	loop := newTestLoop(t, provider, b, st, config.AgentConfig{})

	reply, err := loop.ProcessDirect(context.Background(), "what time is it", "cron:job-1")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "direct answer" {
		t.Errorf("reply = %q", reply)
	}
	turns := st.turns("cron:job-1")
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want user+assistant", len(turns))
	}
	if turns[0].Content != "what time is it" {
		t.Errorf("user turn = %q", turns[0].Content)
	}
}

func TestLLMFailureSendsApology(t *testing.T) {
	provider := &failingProvider{}
	b := bus.New(16, 16)
	st := newMemStore()
	loop := newTestLoop(t, provider, b, st, config.AgentConfig{})

	loop.handle(context.Background(),
		bus.InboundMessage{Channel: "telegram", ChatID: "9", Role: "user", Content: "hi"}, "telegram:9")

	out := drainOutbound(t, b, 2*time.Second)
	if len(out) != 1 {
		t.Fatalf("outbound = %d, want apology", len(out))
	}
	if !strings.Contains(out[0].Content, "something went wrong") {
		t.Errorf("content = %q", out[0].Content)
	}
}

func TestUserTurnPersistedOnProviderFailure(t *testing.T) {
	provider := &failingProvider{}
	b := bus.New(16, 16)
	st := newMemStore()
	loop := newTestLoop(t, provider, b, st, config.AgentConfig{})

	loop.handle(context.Background(),
		bus.InboundMessage{Channel: "telegram", SenderID: "u1", ChatID: "9", Role: "user", Content: "remember this"}, "telegram:9")

	turns := st.turns("telegram:9")
	if len(turns) != 1 || turns[0].Role != "user" || turns[0].Content != "remember this" {
		t.Fatalf("turns after provider failure = %+v, want the user turn", turns)
	}
}

func TestRestrictToggleDeniedWithoutConfigFlag(t *testing.T) {
	provider := &fakeProvider{}
	b := bus.New(16, 16)
	st := newMemStore()
	unrestricted := false
	if err := st.SaveSettings("webui:local", sessions.Settings{RestrictWorkspace: &unrestricted}); err != nil {
		t.Fatal(err)
	}

	cb := NewContextBuilder(t.TempDir(), nil, nil, config.AgentConfig{})
	loop := New(LoopConfig{
		Bus: b, Provider: provider, Store: st, Context: cb,
		IsTrusted: func(channel string) bool { return channel == "webui" },
		Agent:     config.AgentConfig{RestrictToWorkspace: true},
	})

	loop.handle(context.Background(),
		bus.InboundMessage{Channel: "webui", SenderID: "me", ChatID: "local", Role: "user", Content: "ls /"}, "webui:local")

	if provider.callCount() != 0 {
		t.Errorf("provider called %d times despite rejected toggle", provider.callCount())
	}
	out := drainOutbound(t, b, 2*time.Second)
	if len(out) != 1 || !strings.Contains(out[0].Content, "override rejected") {
		t.Fatalf("outbound = %+v, want the rejection notice", out)
	}
}

func TestRestrictToggleDeniedForUntrustedChannel(t *testing.T) {
	provider := &fakeProvider{}
	b := bus.New(16, 16)
	st := newMemStore()
	unrestricted := false
	if err := st.SaveSettings("telegram:42", sessions.Settings{RestrictWorkspace: &unrestricted}); err != nil {
		t.Fatal(err)
	}

	cb := NewContextBuilder(t.TempDir(), nil, nil, config.AgentConfig{})
	loop := New(LoopConfig{
		Bus: b, Provider: provider, Store: st, Context: cb,
		IsTrusted: func(channel string) bool { return channel == "webui" },
		Agent:     config.AgentConfig{RestrictToWorkspace: true, AllowUnrestrictedWorkspace: true},
	})

	_, err := loop.processMessage(context.Background(),
		bus.InboundMessage{Channel: "telegram", SenderID: "u", ChatID: "42", Role: "user", Content: "hi"}, "telegram:42")

	var toggleErr *WorkspaceToggleError
	if !errors.As(err, &toggleErr) {
		t.Fatalf("err = %v, want WorkspaceToggleError", err)
	}
	if toggleErr.Channel != "telegram" {
		t.Errorf("error channel = %q", toggleErr.Channel)
	}
}

func TestRestrictLiftedForTrustedChannel(t *testing.T) {
	provider := &fakeProvider{}
	b := bus.New(16, 16)
	st := newMemStore()
	unrestricted := false
	if err := st.SaveSettings("webui:local", sessions.Settings{RestrictWorkspace: &unrestricted}); err != nil {
		t.Fatal(err)
	}

	var gotRestrict *bool
	cb := NewContextBuilder(t.TempDir(), nil, nil, config.AgentConfig{})
	loop := New(LoopConfig{
		Bus: b, Provider: provider, Store: st, Context: cb,
		IsTrusted: func(channel string) bool { return channel == "webui" },
		NewRegistry: func(msg bus.InboundMessage, restrict bool) *tools.Registry {
			gotRestrict = &restrict
			return tools.NewRegistry()
		},
		Agent: config.AgentConfig{RestrictToWorkspace: true, AllowUnrestrictedWorkspace: true},
	})

	if _, err := loop.processMessage(context.Background(),
		bus.InboundMessage{Channel: "webui", SenderID: "me", ChatID: "local", Role: "user", Content: "hi"}, "webui:local"); err != nil {
		t.Fatal(err)
	}
	if gotRestrict == nil || *gotRestrict {
		t.Error("registry built restricted despite trusted unrestricted session")
	}
}

func TestSenderRecordedOnFirstMessage(t *testing.T) {
	provider := &fakeProvider{}
	b := bus.New(16, 16)
	st := newMemStore()
	loop := newTestLoop(t, provider, b, st, config.AgentConfig{})

	if _, err := loop.processMessage(context.Background(),
		bus.InboundMessage{Channel: "telegram", SenderID: "777|alice", ChatID: "42", Role: "user", Content: "hi"}, "telegram:42"); err != nil {
		t.Fatal(err)
	}

	sess, err := st.Load("telegram:42")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Settings.SenderID != "777|alice" {
		t.Errorf("owner = %q, want the first sender", sess.Settings.SenderID)
	}
}

type failingProvider struct{}

func (failingProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return nil, fmt.Errorf("upstream 500")
}
func (failingProvider) DefaultModel() string { return "broken" }
func (failingProvider) Name() string         { return "failing" }
