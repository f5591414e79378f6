// Package webui serves the local browser chat: a static page, a WebSocket
// message stream, file uploads and read-only session endpoints. It is the
// only trusted channel, so the page may route messages into any session.
package webui

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
	"github.com/nextlevelbuilder/nanobot/internal/channels"
	"github.com/nextlevelbuilder/nanobot/internal/config"
	"github.com/nextlevelbuilder/nanobot/internal/store"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 18791

	maxUploadBytes = 64 << 20
	writeWait      = 10 * time.Second
)

//go:embed index.html
var staticFS embed.FS

// wsFrame is the JSON message exchanged with the browser.
type wsFrame struct {
	Type       string `json:"type"` // "message", "status"
	SessionKey string `json:"session_key,omitempty"`
	Content    string `json:"content,omitempty"`
	MediaPath  string `json:"media_path,omitempty"`
}

// client is one connected browser tab.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(frame wsFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

// Channel is the web UI adapter and its HTTP server.
type Channel struct {
	*channels.BaseChannel
	cfg        config.WebUIConfig
	sessions   store.SessionStore
	uploadsDir string

	server   *http.Server
	tsServer *tsnet.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client // connection id
}

func New(cfg config.WebUIConfig, msgBus *bus.MessageBus, sessions store.SessionStore, uploadsDir string) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("webui", msgBus, cfg.ChannelCommon),
		cfg:         cfg,
		sessions:    sessions,
		uploadsDir:  uploadsDir,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The UI binds to loopback (or tsnet); same-origin checks would
			// reject file:// dev usage.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Start builds the mux and serves on a loopback TCP listener, or a tsnet
// listener when Tailscale is enabled.
func (c *Channel) Start(ctx context.Context) error {
	if err := os.MkdirAll(c.uploadsDir, 0o755); err != nil {
		return fmt.Errorf("create uploads dir: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", c.auth(c.handleIndex))
	mux.HandleFunc("GET /ws", c.auth(c.handleWS))
	mux.HandleFunc("POST /upload", c.auth(c.handleUpload))
	mux.HandleFunc("GET /api/sessions", c.auth(c.handleSessionList))
	mux.HandleFunc("GET /api/sessions/{key}", c.auth(c.handleSessionHistory))

	listener, err := c.listen()
	if err != nil {
		return err
	}

	c.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := c.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webui: server stopped", "error", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("webui: listening", "addr", listener.Addr().String())
	return nil
}

func (c *Channel) listen() (net.Listener, error) {
	if c.cfg.Tailscale.Enabled {
		hostname := c.cfg.Tailscale.Hostname
		if hostname == "" {
			hostname = "nanobot"
		}
		c.tsServer = &tsnet.Server{
			Hostname: hostname,
			Dir:      c.cfg.Tailscale.StateDir,
			AuthKey:  c.cfg.Tailscale.AuthKey,
		}
		ln, err := c.tsServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("tsnet listen: %w", err)
		}
		return ln, nil
	}

	host := c.cfg.Host
	if host == "" {
		host = defaultHost
	}
	port := c.cfg.Port
	if port == 0 {
		port = defaultPort
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("webui listen: %w", err)
	}
	return ln, nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.server != nil {
		shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutCtx)
	}
	if c.tsServer != nil {
		_ = c.tsServer.Close()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cl := range c.clients {
		_ = cl.conn.Close()
		delete(c.clients, id)
	}
	return nil
}

// Send pushes the outbound message to every connected tab. The browser
// filters by session key.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	frameType := "message"
	if msg.IsStatus() {
		frameType = "status"
	}
	frame := wsFrame{
		Type:       frameType,
		SessionKey: "webui:" + msg.ChatID,
		Content:    msg.Content,
	}

	c.mu.Lock()
	targets := make([]*client, 0, len(c.clients))
	for _, cl := range c.clients {
		targets = append(targets, cl)
	}
	c.mu.Unlock()

	for _, cl := range targets {
		if err := cl.write(frame); err != nil {
			slog.Debug("webui: push failed", "error", err)
		}
	}
	return nil
}

// auth enforces the optional bearer token. Token may also arrive as a
// query parameter so the WS handshake and plain links work.
func (c *Channel) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.cfg.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(c.cfg.Token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (c *Channel) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data, err := staticFS.ReadFile("index.html")
	if err != nil {
		http.Error(w, "missing ui", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

func (c *Channel) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := uuid.NewString()
	cl := &client{conn: conn}
	c.mu.Lock()
	c.clients[id] = cl
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.clients, id)
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != "message" {
			continue
		}

		chatID := "local"
		metadata := map[string]string{}
		if frame.SessionKey != "" {
			// Trusted channel: the page may address any session directly.
			metadata["session_key"] = frame.SessionKey
			if rest, ok := strings.CutPrefix(frame.SessionKey, "webui:"); ok {
				chatID = rest
			}
		}

		var media []bus.MediaDescriptor
		if frame.MediaPath != "" && filepath.Dir(frame.MediaPath) == filepath.Clean(c.uploadsDir) {
			media = append(media, bus.MediaDescriptor{Path: frame.MediaPath})
		}

		if !c.HandleMessage("local", chatID, frame.Content, media, metadata) {
			_ = cl.write(wsFrame{Type: "status", Content: "Busy, try again in a moment."})
		}
	}
}

// handleUpload stores the body under a content-addressed name and returns
// the path for a follow-up message frame.
func (c *Channel) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if len(data) > maxUploadBytes {
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		return
	}

	sum := sha256.Sum256(data)
	ext := filepath.Ext(r.URL.Query().Get("name"))
	if len(ext) > 10 || strings.ContainsAny(ext, "/\\") {
		ext = ""
	}
	path := filepath.Join(c.uploadsDir, hex.EncodeToString(sum[:])+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (c *Channel) handleSessionList(w http.ResponseWriter, _ *http.Request) {
	infos, err := c.sessions.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (c *Channel) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	session, err := c.sessions.Load(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("webui: encode response", "error", err)
	}
}
