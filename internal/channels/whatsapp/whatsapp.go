// Package whatsapp talks to a WhatsApp bridge sidecar over WebSocket.
// The bridge handles the WhatsApp protocol itself; this adapter exchanges
// JSON frames with it.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
	"github.com/nextlevelbuilder/nanobot/internal/channels"
	"github.com/nextlevelbuilder/nanobot/internal/config"
)

const maxReconnectBackoff = 60 * time.Second

// frame is the JSON message format shared with the bridge.
type frame struct {
	Type    string `json:"type"` // "message"
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Content string `json:"content,omitempty"`
}

// Channel is the WhatsApp bridge adapter.
type Channel struct {
	*channels.BaseChannel
	cfg config.WhatsAppConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", msgBus, cfg.ChannelCommon),
		cfg:         cfg,
	}, nil
}

// Start connects to the bridge and launches the read loop. A failed first
// connection is not fatal; the loop keeps retrying with backoff.
func (c *Channel) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	if err := c.connect(); err != nil {
		slog.Warn("whatsapp: initial bridge connection failed, will retry", "error", err)
	}
	go c.listenLoop(ctx)

	c.SetRunning(true)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return nil
}

// Send writes one message frame to the bridge.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	data, err := json.Marshal(frame{Type: "message", To: msg.ChatID, Content: msg.Content})
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

func (c *Channel) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	var header http.Header
	if c.cfg.BridgeToken != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.cfg.BridgeToken}}
	}

	conn, _, err := dialer.Dial(c.cfg.BridgeURL, header)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.cfg.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	slog.Info("whatsapp: bridge connected", "url", c.cfg.BridgeURL)
	return nil
}

// listenLoop reads frames from the bridge, reconnecting with capped
// exponential backoff after any failure.
func (c *Channel) listenLoop(ctx context.Context) {
	defer close(c.done)
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
			if err := c.connect(); err != nil {
				slog.Warn("whatsapp: reconnect failed", "error", err, "next_backoff", backoff)
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			slog.Warn("whatsapp: bridge read failed, reconnecting", "error", err)
			c.mu.Lock()
			_ = conn.Close()
			c.conn = nil
			c.mu.Unlock()
			continue
		}
		backoff = time.Second

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("whatsapp: bad frame from bridge", "error", err)
			continue
		}
		if f.Type != "message" || f.From == "" {
			continue
		}
		c.HandleMessage(f.From, f.From, f.Content, nil, nil)
	}
}
