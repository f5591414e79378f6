package sessions

import (
	"bufio"
	"container/list"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/nanobot/internal/fsutil"
)

// DefaultCacheSize bounds the in-memory session cache.
const DefaultCacheSize = 256

// Manager is the file-backed session store. One .log file (JSONL, one turn
// per line) and one .settings file per session key, both under dir.
type Manager struct {
	dir       string
	keys      *keyRegistry
	cacheSize int

	mu    sync.Mutex
	cache map[string]*cacheEntry
	lru   *list.List // front = most recent; values are cache keys

	malformed atomic.Int64
}

type cacheEntry struct {
	session *Session
	mtime   time.Time
	elem    *list.Element
}

// NewManager creates a session store rooted at dir.
func NewManager(dir string, cacheSize int) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create dir: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Manager{
		dir:       dir,
		keys:      newKeyRegistry(dir),
		cacheSize: cacheSize,
		cache:     make(map[string]*cacheEntry),
		lru:       list.New(),
	}, nil
}

func (m *Manager) logPath(key string) string {
	return filepath.Join(m.dir, m.keys.SafeName(key)+".log")
}

func (m *Manager) settingsPath(key string) string {
	return filepath.Join(m.dir, m.keys.SafeName(key)+".settings")
}

// MalformedCount reports how many history lines were skipped as unparseable
// since startup.
func (m *Manager) MalformedCount() int64 { return m.malformed.Load() }

// Load returns the full session for key, creating an empty one if it has no
// history yet. Malformed record lines are skipped and counted, never fatal.
func (m *Manager) Load(key string) (*Session, error) {
	path := m.logPath(key)

	info, statErr := os.Stat(path)

	m.mu.Lock()
	if entry, ok := m.cache[key]; ok {
		// Another process may have rewritten the file; trust it over the cache.
		if statErr == nil && entry.mtime.Equal(info.ModTime()) {
			m.lru.MoveToFront(entry.elem)
			s := cloneSession(entry.session)
			m.mu.Unlock()
			return s, nil
		}
		m.evictLocked(key)
	}
	m.mu.Unlock()

	session := &Session{Key: key}
	if statErr == nil {
		turns, skipped, err := m.readLog(path)
		if err != nil {
			return nil, err
		}
		if skipped > 0 {
			m.malformed.Add(int64(skipped))
			slog.Warn("sessions: skipped malformed records", "key", key, "count", skipped)
		}
		session.Turns = turns
		session.Updated = info.ModTime()
		if len(turns) > 0 {
			session.Created = turns[0].Timestamp
		}
	}
	session.Settings = m.loadSettings(key)

	m.mu.Lock()
	m.storeLocked(key, session, modTimeOrZero(statErr, info))
	s := cloneSession(session)
	m.mu.Unlock()
	return s, nil
}

// Append adds a turn to the session under the per-key file lock and rewrites
// the log atomically (temp + fsync + rename).
func (m *Manager) Append(key string, turn Turn) error {
	path := m.logPath(key)
	lock := fsutil.LockFile(path)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	var turns []Turn
	if _, err := os.Stat(path); err == nil {
		loaded, skipped, err := m.readLog(path)
		if err != nil {
			return err
		}
		if skipped > 0 {
			m.malformed.Add(int64(skipped))
		}
		turns = loaded
	}
	turns = append(turns, turn)

	if err := m.writeLog(path, turns); err != nil {
		return err
	}

	info, _ := os.Stat(path)
	m.mu.Lock()
	session := &Session{Key: key, Turns: turns, Settings: m.loadSettings(key)}
	if info != nil {
		session.Updated = info.ModTime()
	}
	if len(turns) > 0 {
		session.Created = turns[0].Timestamp
	}
	m.storeLocked(key, session, modTimeOrZero(nil, info))
	m.mu.Unlock()
	return nil
}

// SaveSettings writes the sidecar settings record. Last writer wins.
func (m *Manager) SaveSettings(key string, settings Settings) error {
	path := m.settingsPath(key)
	lock := fsutil.LockFile(path)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteAtomic(path, data); err != nil {
		return err
	}

	m.mu.Lock()
	if entry, ok := m.cache[key]; ok {
		entry.session.Settings = settings
	}
	m.mu.Unlock()
	return nil
}

// List returns descriptors for all known sessions, newest first.
func (m *Manager) List() []SessionInfo {
	var infos []SessionInfo
	for _, key := range m.keys.Keys() {
		path := m.logPath(key)
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		turns, _, err := m.readLog(path)
		if err != nil {
			continue
		}
		infos = append(infos, SessionInfo{Key: key, TurnCount: len(turns), Updated: fi.ModTime()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Updated.After(infos[j].Updated) })
	return infos
}

// Delete removes a session's history and settings.
func (m *Manager) Delete(key string) error {
	path := m.logPath(key)
	lock := fsutil.LockFile(path)
	if err := lock.Acquire(); err != nil {
		return err
	}

	err1 := os.Remove(path)
	err2 := os.Remove(m.settingsPath(key))
	lock.Release()

	m.mu.Lock()
	m.evictLocked(key)
	m.mu.Unlock()
	m.keys.Forget(key)

	if err1 != nil && !os.IsNotExist(err1) {
		return err1
	}
	if err2 != nil && !os.IsNotExist(err2) {
		return err2
	}
	return nil
}

func (m *Manager) readLog(path string) (turns []Turn, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("sessions: open log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var turn Turn
		if err := json.Unmarshal(line, &turn); err != nil || turn.Role == "" {
			skipped++
			continue
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("sessions: read log: %w", err)
	}
	return turns, skipped, nil
}

func (m *Manager) writeLog(path string, turns []Turn) error {
	var buf []byte
	for _, turn := range turns {
		line, err := json.Marshal(turn)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return fsutil.WriteAtomic(path, buf)
}

func (m *Manager) loadSettings(key string) Settings {
	var settings Settings
	data, err := os.ReadFile(m.settingsPath(key))
	if err != nil {
		return settings
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		slog.Warn("sessions: malformed settings record", "key", key, "error", err)
	}
	return settings
}

func (m *Manager) storeLocked(key string, session *Session, mtime time.Time) {
	if entry, ok := m.cache[key]; ok {
		entry.session = session
		entry.mtime = mtime
		m.lru.MoveToFront(entry.elem)
		return
	}
	elem := m.lru.PushFront(key)
	m.cache[key] = &cacheEntry{session: session, mtime: mtime, elem: elem}
	for len(m.cache) > m.cacheSize {
		oldest := m.lru.Back()
		if oldest == nil {
			break
		}
		m.evictLocked(oldest.Value.(string))
	}
}

func (m *Manager) evictLocked(key string) {
	if entry, ok := m.cache[key]; ok {
		m.lru.Remove(entry.elem)
		delete(m.cache, key)
	}
}

func cloneSession(s *Session) *Session {
	cp := *s
	cp.Turns = make([]Turn, len(s.Turns))
	copy(cp.Turns, s.Turns)
	return &cp
}

func modTimeOrZero(statErr error, info os.FileInfo) time.Time {
	if statErr != nil || info == nil {
		return time.Time{}
	}
	return info.ModTime()
}
