// Package skills manages reusable instruction packs. A skill is a directory
// holding SKILL.md with YAML frontmatter and a markdown body; workspace
// skills shadow builtin ones of the same name.
package skills

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Frontmatter is the YAML header of SKILL.md.
type Frontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Version     string   `yaml:"version"`
	Always      bool     `yaml:"always"`
	Requires    Requires `yaml:"requires"`
}

// Requires lists environment a skill needs before it is usable.
type Requires struct {
	Bins []string `yaml:"bins"`
	Env  []string `yaml:"env"`
}

// SkillInfo describes one discovered skill.
type SkillInfo struct {
	Name        string
	Description string
	Path        string // directory holding SKILL.md
	Source      string // "workspace" or "builtin"
	Always      bool
	Available   bool
	Missing     []string
}

// Registry discovers skills from the workspace dir first, then builtin.
type Registry struct {
	workspaceDir string
	builtinDir   string

	mu    sync.Mutex
	cache map[string]*cachedBody
}

type cachedBody struct {
	body  string
	mtime time.Time
}

// NewRegistry creates a registry over the two skill roots. builtinDir may
// be empty.
func NewRegistry(workspaceDir, builtinDir string) *Registry {
	return &Registry{
		workspaceDir: workspaceDir,
		builtinDir:   builtinDir,
		cache:        make(map[string]*cachedBody),
	}
}

// List returns all skills sorted by name. Workspace entries shadow builtin
// entries with the same name.
func (r *Registry) List() []SkillInfo {
	seen := make(map[string]bool)
	var infos []SkillInfo
	for _, root := range []struct{ dir, source string }{
		{r.workspaceDir, "workspace"},
		{r.builtinDir, "builtin"},
	} {
		if root.dir == "" {
			continue
		}
		entries, err := os.ReadDir(root.dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root.dir, entry.Name())
			fm, err := readFrontmatter(filepath.Join(dir, "SKILL.md"))
			if err != nil {
				continue
			}
			name := fm.Name
			if name == "" {
				name = entry.Name()
			}
			if seen[name] {
				continue
			}
			seen[name] = true

			missing := missingRequirements(fm.Requires)
			infos = append(infos, SkillInfo{
				Name:        name,
				Description: fm.Description,
				Path:        dir,
				Source:      root.source,
				Always:      fm.Always,
				Available:   len(missing) == 0,
				Missing:     missing,
			})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Load returns a skill's markdown body with the frontmatter stripped.
func (r *Registry) Load(name string) (string, error) {
	for _, info := range r.List() {
		if info.Name != name {
			continue
		}
		path := filepath.Join(info.Path, "SKILL.md")
		fi, err := os.Stat(path)
		if err != nil {
			return "", err
		}

		r.mu.Lock()
		if c, ok := r.cache[path]; ok && c.mtime.Equal(fi.ModTime()) {
			body := c.body
			r.mu.Unlock()
			return body, nil
		}
		r.mu.Unlock()

		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		_, body := splitFrontmatter(string(data))

		r.mu.Lock()
		r.cache[path] = &cachedBody{body: body, mtime: fi.ModTime()}
		r.mu.Unlock()
		return body, nil
	}
	return "", fmt.Errorf("skills: %q not found", name)
}

// Summary renders the skills overview injected into the system prompt.
func (r *Registry) Summary() string {
	infos := r.List()
	if len(infos) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<skills>\n")
	for _, info := range infos {
		if info.Available {
			fmt.Fprintf(&b, "  <skill name=%q location=%q>%s</skill>\n",
				info.Name, info.Path, info.Description)
		} else {
			fmt.Fprintf(&b, "  <skill name=%q location=%q available=\"false\">%s<requires>%s</requires></skill>\n",
				info.Name, info.Path, info.Description, strings.Join(info.Missing, ", "))
		}
	}
	b.WriteString("</skills>")
	return b.String()
}

// AlwaysSkills returns the names of available skills flagged always: true.
func (r *Registry) AlwaysSkills() []string {
	var names []string
	for _, info := range r.List() {
		if info.Always && info.Available {
			names = append(names, info.Name)
		}
	}
	return names
}

// invalidate drops the content caches; the watcher calls this on fs events.
func (r *Registry) invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]*cachedBody)
	r.mu.Unlock()
}

func missingRequirements(req Requires) []string {
	var missing []string
	for _, bin := range req.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, "bin:"+bin)
		}
	}
	for _, env := range req.Env {
		if os.Getenv(env) == "" {
			missing = append(missing, "env:"+env)
		}
	}
	return missing
}

func readFrontmatter(path string) (Frontmatter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Frontmatter{}, err
	}
	header, _ := splitFrontmatter(string(data))
	var fm Frontmatter
	if header != "" {
		if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
			return Frontmatter{}, fmt.Errorf("skills: parse frontmatter %s: %w", path, err)
		}
	}
	return fm, nil
}

// splitFrontmatter separates the leading "---" delimited YAML block from
// the markdown body. Files without frontmatter are all body.
func splitFrontmatter(content string) (header, body string) {
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return "", content
	}
	rest := content[strings.Index(content, "\n")+1:]
	for _, delim := range []string{"\n---\n", "\n---\r\n"} {
		if i := strings.Index(rest, delim); i >= 0 {
			return rest[:i], strings.TrimLeft(rest[i+len(delim):], "\n")
		}
	}
	if strings.HasSuffix(rest, "\n---") {
		return strings.TrimSuffix(rest, "\n---"), ""
	}
	return "", content
}
