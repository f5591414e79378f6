package webui

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
	"github.com/nextlevelbuilder/nanobot/internal/config"
)

func testChannel(t *testing.T, cfg config.WebUIConfig) *Channel {
	t.Helper()
	msgBus := bus.New(8, 8)
	t.Cleanup(msgBus.Close)
	return New(cfg, msgBus, nil, t.TempDir())
}

func TestUploadNameIsContentAddressed(t *testing.T) {
	ch := testChannel(t, config.WebUIConfig{})

	body := "hello upload"
	req := httptest.NewRequest("POST", "/upload?name=photo.png", strings.NewReader(body))
	rec := httptest.NewRecorder()
	ch.handleUpload(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	sum := sha256.Sum256([]byte(body))
	wantName := hex.EncodeToString(sum[:]) + ".png"
	if filepath.Base(resp["path"]) != wantName {
		t.Errorf("upload name = %q, want %q", filepath.Base(resp["path"]), wantName)
	}
	data, err := os.ReadFile(resp["path"])
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != body {
		t.Errorf("stored content = %q", data)
	}
}

func TestUploadRejectsHostileExtension(t *testing.T) {
	ch := testChannel(t, config.WebUIConfig{})

	for _, name := range []string{
		"x.reallylongextension",
		`evil.a\b`,
	} {
		req := httptest.NewRequest("POST", "/upload?name="+name, strings.NewReader("data"))
		rec := httptest.NewRecorder()
		ch.handleUpload(rec, req)

		var resp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		base := filepath.Base(resp["path"])
		if strings.Contains(base, ".") {
			t.Errorf("name %q: extension not stripped, got %q", name, base)
		}
	}
}

func TestAuthToken(t *testing.T) {
	ch := testChannel(t, config.WebUIConfig{Token: "secret"})
	var called bool
	handler := ch.auth(func(w http.ResponseWriter, r *http.Request) { called = true })

	cases := []struct {
		header string
		query  string
		wantOK bool
	}{
		{header: "Bearer secret", wantOK: true},
		{query: "secret", wantOK: true},
		{header: "Bearer wrong", wantOK: false},
		{wantOK: false},
	}
	for _, tc := range cases {
		called = false
		target := "/api/sessions"
		if tc.query != "" {
			target += "?token=" + tc.query
		}
		req := httptest.NewRequest("GET", target, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		handler(rec, req)

		if called != tc.wantOK {
			t.Errorf("header=%q query=%q: called=%t, want %t", tc.header, tc.query, called, tc.wantOK)
		}
		if !tc.wantOK && rec.Code != http.StatusUnauthorized {
			t.Errorf("header=%q query=%q: status=%d, want 401", tc.header, tc.query, rec.Code)
		}
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	ch := testChannel(t, config.WebUIConfig{})
	var called bool
	handler := ch.auth(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/", nil))
	if !called {
		t.Fatal("auth blocked request with no token configured")
	}
}
