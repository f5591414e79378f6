package sessions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// safeKeyChar reports whether r may appear in a session filename.
func safeKeyChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-'
}

// sanitizeKey maps every character outside [A-Za-z0-9_-] to '_'.
func sanitizeKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		if safeKeyChar(r) {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}

// keyRegistry resolves session keys to filesystem-safe names. Two distinct
// keys whose sanitized forms collide ("a:b" and "a_b") get disambiguated by
// an 8-hex content hash suffix. The mapping persists so the same key always
// resolves to the same file across restarts.
type keyRegistry struct {
	mu   sync.Mutex
	path string            // sessions/.keys.json
	byKey map[string]string // original key → safe name
	used  map[string]string // safe name → original key
}

func newKeyRegistry(dir string) *keyRegistry {
	r := &keyRegistry{
		path:  filepath.Join(dir, ".keys.json"),
		byKey: make(map[string]string),
		used:  make(map[string]string),
	}
	data, err := os.ReadFile(r.path)
	if err == nil {
		var stored map[string]string
		if json.Unmarshal(data, &stored) == nil {
			for key, safe := range stored {
				r.byKey[key] = safe
				r.used[safe] = key
			}
		}
	}
	return r
}

// SafeName returns the filesystem-safe name for a session key, registering
// it on first use.
func (r *keyRegistry) SafeName(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if safe, ok := r.byKey[key]; ok {
		return safe
	}

	safe := sanitizeKey(key)
	if owner, taken := r.used[safe]; taken && owner != key {
		sum := sha256.Sum256([]byte(key))
		safe = safe + "-" + hex.EncodeToString(sum[:4])
	}

	r.byKey[key] = safe
	r.used[safe] = key
	r.persistLocked()
	return safe
}

// Forget drops the mapping for a deleted session.
func (r *keyRegistry) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if safe, ok := r.byKey[key]; ok {
		delete(r.byKey, key)
		delete(r.used, safe)
		r.persistLocked()
	}
}

// Keys returns all registered original keys.
func (r *keyRegistry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	return keys
}

func (r *keyRegistry) persistLocked() {
	data, err := json.MarshalIndent(r.byKey, "", "  ")
	if err != nil {
		return
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, r.path)
}
