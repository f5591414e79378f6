package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSeedCreatesWorkspace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "workspace")

	created, err := Seed(dir)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(created) != len(workspaceFiles)+1 {
		t.Fatalf("created %d files, want %d: %v", len(created), len(workspaceFiles)+1, created)
	}

	for _, name := range workspaceFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if len(data) == 0 {
			t.Errorf("%s is empty", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "memory", MemoryFile)); err != nil {
		t.Fatalf("memory file: %v", err)
	}
	if info, err := os.Stat(filepath.Join(dir, "skills")); err != nil || !info.IsDir() {
		t.Fatalf("skills dir: %v", err)
	}
}

func TestSeedNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("my customized instructions\n")
	if err := os.WriteFile(filepath.Join(dir, AgentsFile), custom, 0o644); err != nil {
		t.Fatal(err)
	}

	created, err := Seed(dir)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	for _, name := range created {
		if name == AgentsFile {
			t.Fatalf("Seed reported overwriting %s", AgentsFile)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, AgentsFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(custom) {
		t.Fatalf("existing %s was overwritten", AgentsFile)
	}
}

func TestSeedIdempotent(t *testing.T) {
	dir := t.TempDir()
	if _, err := Seed(dir); err != nil {
		t.Fatal(err)
	}
	created, err := Seed(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 0 {
		t.Fatalf("second Seed created files: %v", created)
	}
}

func TestReadTemplate(t *testing.T) {
	content, err := ReadTemplate(HeartbeatFile)
	if err != nil {
		t.Fatalf("ReadTemplate: %v", err)
	}
	if content == "" {
		t.Fatal("empty template")
	}
	if _, err := ReadTemplate("nope.md"); err == nil {
		t.Fatal("expected error for unknown template")
	}
}
