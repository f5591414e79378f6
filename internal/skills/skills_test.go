package skills

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, root, dir, frontmatter, body string) {
	t.Helper()
	path := filepath.Join(root, dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	content := "---\n" + frontmatter + "\n---\n" + body
	if err := os.WriteFile(filepath.Join(path, "SKILL.md"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestListShadowingAndSort(t *testing.T) {
	ws := t.TempDir()
	builtin := t.TempDir()
	writeSkill(t, builtin, "weather", "name: weather\ndescription: builtin forecast", "builtin body")
	writeSkill(t, builtin, "alpha", "name: alpha\ndescription: first", "a")
	writeSkill(t, ws, "weather", "name: weather\ndescription: custom forecast", "workspace body")

	r := NewRegistry(ws, builtin)
	infos := r.List()
	if len(infos) != 2 {
		t.Fatalf("list = %d skills, want 2", len(infos))
	}
	if infos[0].Name != "alpha" || infos[1].Name != "weather" {
		t.Errorf("order = %s, %s", infos[0].Name, infos[1].Name)
	}
	if infos[1].Source != "workspace" || infos[1].Description != "custom forecast" {
		t.Errorf("workspace did not shadow builtin: %+v", infos[1])
	}
}

func TestAvailabilityRequirements(t *testing.T) {
	ws := t.TempDir()
	writeSkill(t, ws, "needy",
		"name: needy\ndescription: wants things\nrequires:\n  bins: [definitely-not-a-real-binary-xyz]\n  env: [NANOBOT_TEST_UNSET_VAR]",
		"body")
	writeSkill(t, ws, "easy", "name: easy\ndescription: no requirements", "body")

	r := NewRegistry(ws, "")
	for _, info := range r.List() {
		switch info.Name {
		case "needy":
			if info.Available {
				t.Error("needy reported available")
			}
			if len(info.Missing) != 2 {
				t.Errorf("missing = %v", info.Missing)
			}
		case "easy":
			if !info.Available {
				t.Error("easy reported unavailable")
			}
		}
	}

	summary := r.Summary()
	if !strings.Contains(summary, `available="false"`) {
		t.Error("summary missing unavailability marker")
	}
	if !strings.Contains(summary, "bin:definitely-not-a-real-binary-xyz") {
		t.Error("summary missing requires list")
	}
}

func TestLoadStripsFrontmatter(t *testing.T) {
	ws := t.TempDir()
	writeSkill(t, ws, "notes", "name: notes\ndescription: d", "# How to take notes\n\nUse bullet points.\n")

	r := NewRegistry(ws, "")
	body, err := r.Load("notes")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(body, "---") || strings.Contains(body, "description:") {
		t.Errorf("frontmatter leaked into body: %q", body)
	}
	if !strings.HasPrefix(body, "# How to take notes") {
		t.Errorf("body = %q", body)
	}
}

func TestAlwaysSkills(t *testing.T) {
	ws := t.TempDir()
	writeSkill(t, ws, "core", "name: core\ndescription: d\nalways: true", "body")
	writeSkill(t, ws, "opt", "name: opt\ndescription: d", "body")
	writeSkill(t, ws, "broken",
		"name: broken\ndescription: d\nalways: true\nrequires:\n  bins: [no-such-bin-qq]", "body")

	r := NewRegistry(ws, "")
	always := r.AlwaysSkills()
	if len(always) != 1 || always[0] != "core" {
		t.Errorf("always = %v, want [core]", always)
	}
}

func makeArchive(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := zip.NewWriter(f)
	for name, content := range entries {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestInstallStripsSharedRoot(t *testing.T) {
	ws := t.TempDir()
	archive := filepath.Join(t.TempDir(), "translate.skill")
	makeArchive(t, archive, map[string]string{
		"pkg/SKILL.md":     "---\nname: translate\ndescription: d\n---\nbody",
		"pkg/extra/ref.md": "reference",
	})

	r := NewRegistry(ws, "")
	name, err := r.Install(archive)
	if err != nil {
		t.Fatal(err)
	}
	if name != "translate" {
		t.Errorf("name = %q", name)
	}
	if _, err := os.Stat(filepath.Join(ws, "translate", "SKILL.md")); err != nil {
		t.Error("SKILL.md not installed at stripped path")
	}
	if _, err := os.Stat(filepath.Join(ws, "translate", "extra", "ref.md")); err != nil {
		t.Error("nested file not installed")
	}
}

func TestInstallRejectsTraversal(t *testing.T) {
	ws := t.TempDir()
	archive := filepath.Join(t.TempDir(), "evil.skill")
	makeArchive(t, archive, map[string]string{
		"evil/../../escape.md": "pwned",
	})

	r := NewRegistry(ws, "")
	if _, err := r.Install(archive); err == nil {
		t.Fatal("traversal entry accepted")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(ws), "escape.md")); err == nil {
		t.Error("file escaped the skills dir")
	}
}

func TestSplitFrontmatter(t *testing.T) {
	header, body := splitFrontmatter("---\nname: x\n---\nbody line\n")
	if header != "name: x" || body != "body line\n" {
		t.Errorf("header=%q body=%q", header, body)
	}

	header, body = splitFrontmatter("no frontmatter here\n")
	if header != "" || body != "no frontmatter here\n" {
		t.Errorf("header=%q body=%q", header, body)
	}
}
