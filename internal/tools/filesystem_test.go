package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPathPolicySiblingDirRejected(t *testing.T) {
	p := &pathPolicy{workspace: "/data/workspace", restrict: true}

	if _, err := p.resolve("/data/workspace-evil/secrets.txt"); err == nil {
		t.Fatal("sibling dir admitted through restrict")
	}
	if _, err := p.resolve("/data/workspaces/x"); err == nil {
		t.Fatal("prefix-extending dir admitted through restrict")
	}
	if _, err := p.resolve("/data/workspace/notes.md"); err != nil {
		t.Errorf("path inside workspace rejected: %v", err)
	}
	if _, err := p.resolve("/data/workspace"); err != nil {
		t.Errorf("workspace root rejected: %v", err)
	}
}

func TestPathPolicyDeniedSiblingUnaffected(t *testing.T) {
	p := &pathPolicy{workspace: "/data", restrict: false, denied: []string{"/data/secrets"}}

	if _, err := p.resolve("/data/secrets/key.pem"); err == nil {
		t.Fatal("denied prefix admitted")
	}
	if _, err := p.resolve("/data/secrets"); err == nil {
		t.Fatal("denied dir itself admitted")
	}
	if _, err := p.resolve("/data/secrets-public/readme"); err != nil {
		t.Errorf("sibling of denied dir rejected: %v", err)
	}
}

func TestPathPolicyRelativeAndTraversal(t *testing.T) {
	p := &pathPolicy{workspace: "/data/workspace", restrict: true}

	got, err := p.resolve("notes/today.md")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/data/workspace/notes/today.md" {
		t.Errorf("resolved = %q", got)
	}
	if _, err := p.resolve("../workspace-evil/x"); err == nil {
		t.Fatal("traversal out of the workspace admitted")
	}
	if _, err := p.resolve(""); err == nil {
		t.Fatal("empty path admitted")
	}
}

func TestPathPolicyAllowedPrefixes(t *testing.T) {
	p := &pathPolicy{workspace: "/data/workspace", restrict: true, allowed: []string{"/opt/skills"}}

	if _, err := p.resolve("/opt/skills/web/SKILL.md"); err != nil {
		t.Errorf("allowed prefix rejected: %v", err)
	}
	if _, err := p.resolve("/opt/skills-evil/x"); err == nil {
		t.Fatal("sibling of allowed prefix admitted")
	}
}

func TestReadFileRefusesEscapedPath(t *testing.T) {
	ws := t.TempDir()
	outside := filepath.Join(filepath.Dir(ws), filepath.Base(ws)+"-evil")
	if err := os.MkdirAll(outside, 0o755); err != nil {
		t.Fatal(err)
	}
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("top secret"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewReadFileTool(ws, true)
	res := tool.Execute(context.Background(), map[string]interface{}{"path": secret})
	if !res.IsError || !strings.Contains(res.ForLLM, "outside the workspace") {
		t.Fatalf("escaped read not refused: %+v", res)
	}
}
