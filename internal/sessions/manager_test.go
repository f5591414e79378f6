package sessions

import (
	"os"
	"sync"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestAppendAndReplay(t *testing.T) {
	m := newTestManager(t)
	key := "telegram:42"

	want := []string{"hello", "hi there", "how are you"}
	roles := []string{"user", "assistant", "user"}
	for i, content := range want {
		if err := m.Append(key, NewTurn(roles[i], content, nil)); err != nil {
			t.Fatal(err)
		}
	}

	s, err := m.Load(key)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Turns) != 3 {
		t.Fatalf("turns = %d, want 3", len(s.Turns))
	}
	for i, turn := range s.Turns {
		if turn.Content != want[i] || turn.Role != roles[i] {
			t.Errorf("turn %d = %q/%q, want %q/%q", i, turn.Role, turn.Content, roles[i], want[i])
		}
	}
}

func TestMalformedLinesSkippedAndCounted(t *testing.T) {
	m := newTestManager(t)
	key := "telegram:42"
	if err := m.Append(key, NewTurn("user", "first", nil)); err != nil {
		t.Fatal(err)
	}

	// Corrupt the log by hand: one garbage line between two valid records.
	path := m.logPath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data = append(data, []byte("{garbage\n")...)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.Append(key, NewTurn("assistant", "second", nil)); err != nil {
		t.Fatal(err)
	}

	s, err := m.Load(key)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Turns) != 2 {
		t.Fatalf("turns = %d, want 2 (malformed line dropped)", len(s.Turns))
	}
	if m.MalformedCount() == 0 {
		t.Error("malformed count not incremented")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	m := newTestManager(t)
	key := "webui:local"

	restrict := false
	settings := Settings{Model: "gpt-4o", Verbosity: "high", RestrictWorkspace: &restrict, SenderID: "me"}
	if err := m.SaveSettings(key, settings); err != nil {
		t.Fatal(err)
	}

	s, err := m.Load(key)
	if err != nil {
		t.Fatal(err)
	}
	if s.Settings.Model != "gpt-4o" || s.Settings.Verbosity != "high" {
		t.Errorf("settings = %+v", s.Settings)
	}
	if s.Settings.RestrictWorkspace == nil || *s.Settings.RestrictWorkspace {
		t.Error("restrict_workspace not persisted")
	}
}

func TestSafeKeyCollision(t *testing.T) {
	m := newTestManager(t)

	// "a:b" and "a_b" sanitize to the same name; the second registration
	// must get a distinct file.
	if err := m.Append("a:b", NewTurn("user", "one", nil)); err != nil {
		t.Fatal(err)
	}
	if err := m.Append("a_b", NewTurn("user", "two", nil)); err != nil {
		t.Fatal(err)
	}

	s1, _ := m.Load("a:b")
	s2, _ := m.Load("a_b")
	if len(s1.Turns) != 1 || len(s2.Turns) != 1 {
		t.Fatalf("turn counts = %d/%d, want 1/1", len(s1.Turns), len(s2.Turns))
	}
	if s1.Turns[0].Content == s2.Turns[0].Content {
		t.Error("colliding keys share a file")
	}
	if m.logPath("a:b") == m.logPath("a_b") {
		t.Error("colliding keys resolved to the same path")
	}
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	m := newTestManager(t)
	key := "telegram:99"

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Append(key, NewTurn("user", "msg", nil))
		}()
	}
	wg.Wait()

	s, err := m.Load(key)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Turns) != 10 {
		t.Fatalf("turns = %d, want 10 (lost update under concurrency)", len(s.Turns))
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	m := newTestManager(t)
	key := "telegram:42"
	if err := m.Append(key, NewTurn("user", "hi", nil)); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveSettings(key, Settings{Model: "x"}); err != nil {
		t.Fatal(err)
	}

	logPath := m.logPath(key)
	if err := m.Delete(key); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Error("log file survived delete")
	}

	s, err := m.Load(key)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Turns) != 0 {
		t.Error("deleted session still has turns")
	}
}

func TestCrossProcessInvalidation(t *testing.T) {
	dir := t.TempDir()
	m1, err := NewManager(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := NewManager(dir, 0)
	if err != nil {
		t.Fatal(err)
	}

	key := "telegram:42"
	if err := m1.Append(key, NewTurn("user", "from m1", nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := m1.Load(key); err != nil { // warm m1's cache
		t.Fatal(err)
	}

	if err := m2.Append(key, NewTurn("user", "from m2", nil)); err != nil {
		t.Fatal(err)
	}

	s, err := m1.Load(key)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Turns) != 2 {
		t.Fatalf("m1 served a stale cache entry: %d turns, want 2", len(s.Turns))
	}
}

func TestListNewestFirst(t *testing.T) {
	m := newTestManager(t)
	if err := m.Append("chan:1", NewTurn("user", "a", nil)); err != nil {
		t.Fatal(err)
	}
	if err := m.Append("chan:2", NewTurn("user", "b", nil)); err != nil {
		t.Fatal(err)
	}

	infos := m.List()
	if len(infos) != 2 {
		t.Fatalf("list = %d entries, want 2", len(infos))
	}
	for _, info := range infos {
		if info.TurnCount != 1 {
			t.Errorf("%s: turn count = %d", info.Key, info.TurnCount)
		}
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"telegram:42":     "telegram_42",
		"a/b\\c":          "a_b_c",
		"ok_name-1":       "ok_name-1",
		"":                "_",
		"user@host.com":   "user_host_com",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKeyRegistryPersists(t *testing.T) {
	dir := t.TempDir()
	r1 := newKeyRegistry(dir)
	safe1 := r1.SafeName("a:b")
	safe2 := r1.SafeName("a_b")
	if safe1 == safe2 {
		t.Fatal("collision not disambiguated")
	}

	r2 := newKeyRegistry(dir)
	if got := r2.SafeName("a:b"); got != safe1 {
		t.Errorf("mapping not stable across restart: %q != %q", got, safe1)
	}
	if got := r2.SafeName("a_b"); got != safe2 {
		t.Errorf("collision mapping not stable: %q != %q", got, safe2)
	}
}
