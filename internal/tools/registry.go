package tools

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/nanobot/internal/providers"
)

var ErrAlreadyRegistered = errors.New("tools: already registered")

const (
	// DefaultTimeout bounds a single tool execution unless the tool
	// provides its own.
	DefaultTimeout = 120 * time.Second

	// DefaultParallelism caps concurrent executions inside a batch.
	DefaultParallelism = 8

	cacheCapacity  = 256
	retryBaseDelay = 250 * time.Millisecond
)

// Registry holds the tools available to one agent request and executes
// tool calls with caching, in-flight deduplication and retry.
type Registry struct {
	mu       sync.Mutex
	tools    map[string]Tool
	allowed  map[string]bool // nil = all allowed
	cache    map[string]*cacheSlot
	cacheLRU *list.List // front = most recent; values are cache keys
	inflight map[string]*flight

	Parallelism int64
}

type cacheSlot struct {
	result  string
	expires time.Time
	elem    *list.Element
}

type flight struct {
	done   chan struct{}
	result string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:       make(map[string]Tool),
		cache:       make(map[string]*cacheSlot),
		cacheLRU:    list.New(),
		inflight:    make(map[string]*flight),
		Parallelism: DefaultParallelism,
	}
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.tools[name] = tool
	return nil
}

// Unregister removes a tool if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks up a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetAllowedTools restricts Definitions and Execute to the given names.
// nil clears the filter.
func (r *Registry) SetAllowedTools(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if names == nil {
		r.allowed = nil
		return
	}
	r.allowed = make(map[string]bool, len(names))
	for _, name := range names {
		r.allowed[name] = true
	}
}

func (r *Registry) isAllowedLocked(name string) bool {
	return r.allowed == nil || r.allowed[name]
}

// Definitions returns provider-facing definitions for the allowed tools.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var defs []providers.ToolDefinition
	for name, tool := range r.tools {
		if !r.isAllowedLocked(name) {
			continue
		}
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Function.Name < defs[j].Function.Name })
	return defs
}

// Execute runs one tool call end to end. Every failure mode comes back as
// an "Error: ..." string; the registry never panics the caller.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) string {
	r.mu.Lock()
	if !r.isAllowedLocked(name) {
		r.mu.Unlock()
		return fmt.Sprintf("Error: tool %q is not allowed in this context", name)
	}
	tool, ok := r.tools[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}

	if err := validateParams(tool.Parameters(), args); err != nil {
		return "Error: " + err.Error()
	}

	fp := fingerprint(name, args)

	cacheable, isCacheable := tool.(Cacheable)
	var cacheKey string
	if isCacheable {
		cacheKey = cacheable.CacheKey(args)
		if cacheKey != "" {
			if cached, ok := r.cacheGet(name + "\x00" + cacheKey); ok {
				return cached
			}
		}
	}

	// Join an identical in-flight call instead of running it twice.
	r.mu.Lock()
	if fl, ok := r.inflight[fp]; ok {
		r.mu.Unlock()
		select {
		case <-fl.done:
			return fl.result
		case <-ctx.Done():
			return "Error: cancelled while waiting for identical in-flight call"
		}
	}
	fl := &flight{done: make(chan struct{})}
	r.inflight[fp] = fl
	r.mu.Unlock()

	// The flight must be resolved and removed on every exit path,
	// including panics below; a leaked entry would wedge all future
	// identical calls.
	output := "Error: tool execution aborted"
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec)
			output = fmt.Sprintf("Error: tool %q panicked: %v", name, rec)
		}
		fl.result = output
		r.mu.Lock()
		delete(r.inflight, fp)
		r.mu.Unlock()
		close(fl.done)
	}()

	output = r.run(ctx, tool, args)

	if isCacheable && cacheKey != "" && !isErrorOutput(output) {
		r.cachePut(name+"\x00"+cacheKey, output, cacheable.CacheTTL())
	}
	return output
}

// run executes the tool under its timeout, retrying transient failures
// when the tool opts in.
func (r *Registry) run(ctx context.Context, tool Tool, args map[string]interface{}) string {
	timeout := DefaultTimeout
	if tp, ok := tool.(TimeoutProvider); ok && tp.Timeout() > 0 {
		timeout = tp.Timeout()
	}
	retries := 0
	if rt, ok := tool.(Retryable); ok {
		retries = rt.MaxRetries()
	}

	var last string
	for attempt := 0; ; attempt++ {
		execCtx, cancel := context.WithTimeout(ctx, timeout)
		result := tool.Execute(execCtx, args)
		cancel()

		if result == nil {
			return fmt.Sprintf("Error: tool %q returned no result", tool.Name())
		}
		if !result.IsError {
			return result.ForLLM
		}

		last = result.ForLLM
		if last == "" {
			last = fmt.Sprintf("Error: tool %q failed", tool.Name())
		}
		if attempt >= retries || ctx.Err() != nil {
			return last
		}

		delay := retryBaseDelay << uint(attempt)
		slog.Debug("retrying tool", "tool", tool.Name(), "attempt", attempt+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return last
		}
	}
}

// ExecuteBatch runs a batch of tool calls with bounded parallelism and
// returns outputs in input order.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []providers.ToolCall) []string {
	results := make([]string, len(calls))
	if len(calls) == 0 {
		return results
	}

	parallel := r.Parallelism
	if parallel <= 0 {
		parallel = DefaultParallelism
	}
	sem := semaphore.NewWeighted(parallel)

	var wg sync.WaitGroup
	for i, call := range calls {
		if !r.callParallelSafe(call.Name) {
			wg.Wait() // serialize behind everything already running
			results[i] = r.executeCall(ctx, call)
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = "Error: " + err.Error()
			continue
		}
		wg.Add(1)
		go func(i int, call providers.ToolCall) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = r.executeCall(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (r *Registry) callParallelSafe(name string) bool {
	tool, ok := r.Get(name)
	if !ok {
		return true
	}
	if ps, ok := tool.(ParallelSafe); ok {
		return ps.ParallelSafe()
	}
	return true
}

func (r *Registry) executeCall(ctx context.Context, call providers.ToolCall) string {
	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	return r.Execute(ctx, call.Name, args)
}

// --- cache ---

func (r *Registry) cacheGet(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.cache[key]
	if !ok {
		return "", false
	}
	if time.Now().After(slot.expires) {
		r.cacheLRU.Remove(slot.elem)
		delete(r.cache, key)
		return "", false
	}
	r.cacheLRU.MoveToFront(slot.elem)
	return slot.result, true
}

func (r *Registry) cachePut(key, result string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.cache[key]; ok {
		slot.result = result
		slot.expires = time.Now().Add(ttl)
		r.cacheLRU.MoveToFront(slot.elem)
		return
	}
	elem := r.cacheLRU.PushFront(key)
	r.cache[key] = &cacheSlot{result: result, expires: time.Now().Add(ttl), elem: elem}
	for len(r.cache) > cacheCapacity {
		oldest := r.cacheLRU.Back()
		if oldest == nil {
			break
		}
		k := oldest.Value.(string)
		r.cacheLRU.Remove(oldest)
		delete(r.cache, k)
	}
}

// fingerprint identifies a (tool, args) pair for in-flight deduplication.
// Arguments are canonicalized with sorted keys so map iteration order
// cannot split identical calls.
func fingerprint(name string, args map[string]interface{}) string {
	canonical, err := json.Marshal(sortedMap(args))
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(append([]byte(name+"\x00"), canonical...))
	return hex.EncodeToString(sum[:])
}

// sortedMap re-wraps nested maps so json.Marshal emits sorted keys at
// every level. encoding/json already sorts map keys; this normalizes
// nested []interface{} contents too.
func sortedMap(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = sortedMap(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = sortedMap(val)
		}
		return out
	default:
		return v
	}
}

func isErrorOutput(s string) bool {
	return len(s) >= 6 && s[:6] == "Error:"
}
