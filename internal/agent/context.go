package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
	"github.com/nextlevelbuilder/nanobot/internal/config"
	"github.com/nextlevelbuilder/nanobot/internal/memory"
	"github.com/nextlevelbuilder/nanobot/internal/providers"
	"github.com/nextlevelbuilder/nanobot/internal/sessions"
	"github.com/nextlevelbuilder/nanobot/internal/skills"
)

// bootstrapFiles are loaded into the system prompt in this order.
var bootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md", "IDENTITY.md"}

const memorySearchResults = 6

// ContextBuilder assembles the provider message list for one turn from the
// workspace files, memory index, skills and session history, each under its
// own character budget.
type ContextBuilder struct {
	workspace string
	memIndex  *memory.Index
	skills    *skills.Registry
	cfg       config.AgentConfig

	mu        sync.Mutex
	bootCache string
	bootSig   string
}

func NewContextBuilder(workspace string, memIndex *memory.Index, reg *skills.Registry, cfg config.AgentConfig) *ContextBuilder {
	return &ContextBuilder{workspace: workspace, memIndex: memIndex, skills: reg, cfg: cfg}
}

// BuildMessages renders the full prompt for the current inbound message.
func (cb *ContextBuilder) BuildMessages(session *sessions.Session, current bus.InboundMessage, settings sessions.Settings) []providers.Message {
	var msgs []providers.Message
	msgs = append(msgs, providers.Message{Role: "system", Content: cb.systemPrompt(session, current, settings)})

	history, omitted := cb.trimHistory(session.Turns)
	if omitted > 0 {
		msgs = append(msgs, providers.Message{
			Role:    "user",
			Content: fmt.Sprintf("[System note: %d earlier message(s) were omitted to fit the context window.]", omitted),
		})
	}
	for _, turn := range history {
		msgs = append(msgs, providers.Message{Role: turn.Role, Content: turn.Content})
	}

	userMsg := providers.Message{Role: "user", Content: current.Content}
	cb.attachMedia(&userMsg, current.Media)
	msgs = append(msgs, userMsg)
	return msgs
}

func (cb *ContextBuilder) systemPrompt(session *sessions.Session, current bus.InboundMessage, settings sessions.Settings) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Current time: %s\n", time.Now().Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "Workspace: %s\n", cb.workspace)
	fmt.Fprintf(&b, "Long-term memory file: %s\n\n", filepath.Join(cb.workspace, "memory", memory.LongTermFile))

	if hint := verbosityHint(settings.Verbosity); hint != "" {
		b.WriteString(hint)
		b.WriteString("\n\n")
	}

	b.WriteString(cb.bootstrapSection())

	if mem := cb.memorySection(session, current); mem != "" {
		b.WriteString("\n## Memory\n\n")
		b.WriteString(mem)
		b.WriteString("\n")
	}
	if sk := cb.skillsSection(); sk != "" {
		b.WriteString("\n## Skills\n\n")
		b.WriteString(sk)
		b.WriteString("\n")
	}
	return b.String()
}

// verbosityHint maps the session verbosity setting to a reply-length
// instruction. Unknown values get no hint.
func verbosityHint(verbosity string) string {
	switch verbosity {
	case "low", "brief":
		return "Reply style: keep answers to a sentence or two unless asked for more."
	case "high", "detailed":
		return "Reply style: answer thoroughly, including relevant detail and caveats."
	}
	return ""
}

// bootstrapSection concatenates the workspace instruction files, cached by
// an mtime signature so unchanged files are not re-read every turn.
func (cb *ContextBuilder) bootstrapSection() string {
	var sig strings.Builder
	for _, name := range bootstrapFiles {
		info, err := os.Stat(filepath.Join(cb.workspace, name))
		if err != nil {
			sig.WriteString(name + ":absent;")
			continue
		}
		fmt.Fprintf(&sig, "%s:%d;", name, info.ModTime().UnixNano())
	}

	cb.mu.Lock()
	if cb.bootSig == sig.String() {
		cached := cb.bootCache
		cb.mu.Unlock()
		return cached
	}
	cb.mu.Unlock()

	var b strings.Builder
	for _, name := range bootstrapFiles {
		data, err := os.ReadFile(filepath.Join(cb.workspace, name))
		if err != nil {
			continue
		}
		b.WriteString(strings.TrimSpace(string(data)))
		b.WriteString("\n\n")
	}
	section := clipTo(b.String(), cb.cfg.BootstrapMaxChars)

	cb.mu.Lock()
	cb.bootCache = section
	cb.bootSig = sig.String()
	cb.mu.Unlock()
	return section
}

// memorySection retrieves relevant notes for the current message across the
// global scope and the session's own scope.
func (cb *ContextBuilder) memorySection(session *sessions.Session, current bus.InboundMessage) string {
	if cb.memIndex == nil {
		return ""
	}
	query := current.Content
	// Recent user turns sharpen retrieval for terse follow-ups.
	for i, n := len(session.Turns)-1, 0; i >= 0 && n < 2; i-- {
		if session.Turns[i].Role == "user" {
			query += " " + session.Turns[i].Content
			n++
		}
	}

	scope := "session:" + session.Key
	_ = cb.memIndex.IngestScope("global")
	_ = cb.memIndex.IngestScope(scope)

	seen := make(map[string]bool)
	var parts []string
	for _, s := range []string{"global", scope} {
		entries, err := cb.memIndex.Search(s, query, memorySearchResults)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if seen[e.Content] {
				continue
			}
			seen[e.Content] = true
			parts = append(parts, "- "+e.Content)
		}
	}
	return clipTo(strings.Join(parts, "\n"), cb.cfg.MemoryMaxChars)
}

func (cb *ContextBuilder) skillsSection() string {
	if cb.skills == nil {
		return ""
	}
	var b strings.Builder
	for _, name := range cb.skills.AlwaysSkills() {
		body, err := cb.skills.Load(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "### Skill: %s\n\n%s\n\n", name, strings.TrimSpace(body))
	}
	b.WriteString(cb.skills.Summary())
	return clipTo(b.String(), cb.cfg.SkillsMaxChars)
}

// trimHistory keeps the most recent turns that fit the history budget.
// Order is never changed; older turns drop first.
func (cb *ContextBuilder) trimHistory(turns []sessions.Turn) (kept []sessions.Turn, omitted int) {
	budget := cb.cfg.HistoryMaxChars
	if budget <= 0 || len(turns) == 0 {
		return turns, 0
	}
	total := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		total += len(turns[i].Content)
		if total > budget {
			break
		}
		start = i
	}
	return turns[start:], start
}

// clipTo cuts the excess off the end. Memory and skills sections are
// ranked best-first, so the tail is the cheapest part to lose.
func clipTo(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n... [truncated]"
}
