package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanobot/internal/providers"
)

// fakeTool is a configurable test tool.
type fakeTool struct {
	name       string
	params     map[string]interface{}
	execute    func(ctx context.Context, args map[string]interface{}) *Result
	cacheTTL   time.Duration
	retries    int
	serialOnly bool
	calls      atomic.Int64
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "test tool" }
func (t *fakeTool) Parameters() map[string]interface{} {
	if t.params != nil {
		return t.params
	}
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	t.calls.Add(1)
	if t.execute != nil {
		return t.execute(ctx, args)
	}
	return NewResult("ok")
}
func (t *fakeTool) CacheKey(args map[string]interface{}) string {
	return fmt.Sprintf("%v", args["q"])
}
func (t *fakeTool) CacheTTL() time.Duration { return t.cacheTTL }
func (t *fakeTool) MaxRetries() int         { return t.retries }
func (t *fakeTool) ParallelSafe() bool      { return !t.serialOnly }

func TestExecuteUnknownAndDisallowed(t *testing.T) {
	r := NewRegistry()
	if out := r.Execute(context.Background(), "nope", nil); !strings.HasPrefix(out, "Error:") {
		t.Errorf("unknown tool output = %q", out)
	}

	if err := r.Register(&fakeTool{name: "a"}); err != nil {
		t.Fatal(err)
	}
	r.SetAllowedTools([]string{"b"})
	if out := r.Execute(context.Background(), "a", nil); !strings.HasPrefix(out, "Error:") {
		t.Errorf("disallowed tool output = %q", out)
	}
	r.SetAllowedTools(nil)
	if out := r.Execute(context.Background(), "a", map[string]interface{}{}); out != "ok" {
		t.Errorf("after clearing filter = %q", out)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&fakeTool{name: "a"}); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestValidationMessages(t *testing.T) {
	r := NewRegistry()
	tool := &fakeTool{
		name: "v",
		params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"count": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 10},
				"mode":  map[string]interface{}{"type": "string", "enum": []interface{}{"fast", "slow"}},
			},
			"required": []interface{}{"count"},
		},
	}
	if err := r.Register(tool); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		args map[string]interface{}
		want string
	}{
		{map[string]interface{}{}, "missing required"},
		{map[string]interface{}{"count": "three"}, "must be a integer"},
		{map[string]interface{}{"count": float64(99)}, "above maximum"},
		{map[string]interface{}{"count": float64(2), "mode": "warp"}, "must be one of"},
	}
	for _, tc := range cases {
		out := r.Execute(context.Background(), "v", tc.args)
		if !strings.HasPrefix(out, "Error:") || !strings.Contains(out, tc.want) {
			t.Errorf("args %v: output = %q, want substring %q", tc.args, out, tc.want)
		}
	}
	if tool.calls.Load() != 0 {
		t.Error("tool executed despite validation failure")
	}
}

func TestIdenticalCallsDeduplicated(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	tool := &fakeTool{name: "slow"}
	tool.execute = func(ctx context.Context, args map[string]interface{}) *Result {
		<-release
		return NewResult("shared result")
	}
	if err := r.Register(tool); err != nil {
		t.Fatal(err)
	}

	args := map[string]interface{}{"q": "same"}
	var wg sync.WaitGroup
	outputs := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outputs[i] = r.Execute(context.Background(), "slow", args)
		}(i)
	}
	time.Sleep(50 * time.Millisecond) // let both reach the in-flight gate
	close(release)
	wg.Wait()

	if tool.calls.Load() != 1 {
		t.Errorf("executor ran %d times, want 1", tool.calls.Load())
	}
	if outputs[0] != "shared result" || outputs[1] != "shared result" {
		t.Errorf("outputs = %v", outputs)
	}
}

func TestPanicDoesNotOrphanInflight(t *testing.T) {
	r := NewRegistry()
	first := true
	tool := &fakeTool{name: "flaky"}
	tool.execute = func(ctx context.Context, args map[string]interface{}) *Result {
		if first {
			first = false
			panic("boom")
		}
		return NewResult("recovered")
	}
	if err := r.Register(tool); err != nil {
		t.Fatal(err)
	}

	args := map[string]interface{}{"q": "x"}
	out := r.Execute(context.Background(), "flaky", args)
	if !strings.Contains(out, "panicked") {
		t.Errorf("first call output = %q", out)
	}

	// A leaked in-flight entry would make this call wait forever on the
	// dead flight instead of executing.
	done := make(chan string, 1)
	go func() { done <- r.Execute(context.Background(), "flaky", args) }()
	select {
	case out := <-done:
		if out != "recovered" {
			t.Errorf("second call output = %q", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second identical call hung: in-flight entry orphaned")
	}
}

func TestCacheHitAndTTL(t *testing.T) {
	r := NewRegistry()
	tool := &fakeTool{name: "c", cacheTTL: 40 * time.Millisecond}
	tool.execute = func(ctx context.Context, args map[string]interface{}) *Result {
		return NewResult(fmt.Sprintf("run %d", tool.calls.Load()))
	}
	if err := r.Register(tool); err != nil {
		t.Fatal(err)
	}

	args := map[string]interface{}{"q": "query"}
	first := r.Execute(context.Background(), "c", args)
	second := r.Execute(context.Background(), "c", args)
	if first != second {
		t.Errorf("cache miss on identical call: %q vs %q", first, second)
	}
	if tool.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", tool.calls.Load())
	}

	time.Sleep(60 * time.Millisecond)
	_ = r.Execute(context.Background(), "c", args)
	if tool.calls.Load() != 2 {
		t.Errorf("expired entry not re-executed: calls = %d", tool.calls.Load())
	}
}

func TestErrorsNotCached(t *testing.T) {
	r := NewRegistry()
	tool := &fakeTool{name: "e", cacheTTL: time.Minute}
	tool.execute = func(ctx context.Context, args map[string]interface{}) *Result {
		if tool.calls.Load() == 1 {
			return ErrorResult("Error: transient blip")
		}
		return NewResult("fine now")
	}
	if err := r.Register(tool); err != nil {
		t.Fatal(err)
	}

	args := map[string]interface{}{"q": "k"}
	if out := r.Execute(context.Background(), "e", args); !strings.HasPrefix(out, "Error:") {
		t.Fatalf("first = %q", out)
	}
	if out := r.Execute(context.Background(), "e", args); out != "fine now" {
		t.Errorf("error result was cached: %q", out)
	}
}

func TestRetryTransientFailures(t *testing.T) {
	r := NewRegistry()
	tool := &fakeTool{name: "rt", retries: 2}
	tool.execute = func(ctx context.Context, args map[string]interface{}) *Result {
		if tool.calls.Load() < 3 {
			return ErrorResult("Error: flaky network")
		}
		return NewResult("third time lucky")
	}
	if err := r.Register(tool); err != nil {
		t.Fatal(err)
	}

	out := r.Execute(context.Background(), "rt", map[string]interface{}{"q": "z"})
	if out != "third time lucky" {
		t.Errorf("output = %q", out)
	}
	if tool.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", tool.calls.Load())
	}
}

func TestExecuteBatchOrderAndParallelCap(t *testing.T) {
	r := NewRegistry()
	r.Parallelism = 2
	var running, peak atomic.Int64
	tool := &fakeTool{name: "b"}
	tool.execute = func(ctx context.Context, args map[string]interface{}) *Result {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		return NewResult(fmt.Sprintf("out-%v", args["q"]))
	}
	if err := r.Register(tool); err != nil {
		t.Fatal(err)
	}

	var calls []providers.ToolCall
	for i := 0; i < 6; i++ {
		calls = append(calls, providers.ToolCall{
			ID:        fmt.Sprintf("call-%d", i),
			Name:      "b",
			Arguments: map[string]interface{}{"q": i},
		})
	}
	results := r.ExecuteBatch(context.Background(), calls)
	for i, out := range results {
		if out != fmt.Sprintf("out-%d", i) {
			t.Errorf("result %d = %q", i, out)
		}
	}
	if peak.Load() > 2 {
		t.Errorf("parallelism peak = %d, want <= 2", peak.Load())
	}
}

func TestExecuteBatchUnknownTool(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "b"}); err != nil {
		t.Fatal(err)
	}
	results := r.ExecuteBatch(context.Background(), []providers.ToolCall{
		{ID: "1", Name: "missing", Arguments: map[string]interface{}{}},
	})
	if !strings.HasPrefix(results[0], "Error:") {
		t.Errorf("result = %q", results[0])
	}
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a := fingerprint("t", map[string]interface{}{"a": 1, "b": "x", "c": map[string]interface{}{"k": true}})
	b := fingerprint("t", map[string]interface{}{"c": map[string]interface{}{"k": true}, "b": "x", "a": 1})
	if a != b {
		t.Error("fingerprint depends on map iteration order")
	}
	if a == fingerprint("other", map[string]interface{}{"a": 1}) {
		t.Error("fingerprint collision across tools")
	}
}
