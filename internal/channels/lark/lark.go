// Package lark connects to a Lark-style corporate IM gateway over
// WebSocket: an auth hello on connect, JSON event frames in, JSON send
// frames out, with a ping keepalive.
package lark

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
	"github.com/nextlevelbuilder/nanobot/internal/channels"
	"github.com/nextlevelbuilder/nanobot/internal/config"
)

const (
	pingInterval        = 30 * time.Second
	maxReconnectBackoff = 60 * time.Second
	writeTimeout        = 10 * time.Second
)

// frame covers every message exchanged with the gateway.
type frame struct {
	Type      string `json:"type"` // "hello", "ping", "event", "send"
	AppID     string `json:"app_id,omitempty"`
	AppSecret string `json:"app_secret,omitempty"`
	SenderID  string `json:"sender_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// Channel is the Lark adapter.
type Channel struct {
	*channels.BaseChannel
	cfg config.LarkConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.LarkConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("lark endpoint is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("lark", msgBus, cfg.ChannelCommon),
		cfg:         cfg,
	}, nil
}

func (c *Channel) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.runLoop(ctx)
	c.SetRunning(true)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return nil
}

// Send writes a send frame over the current connection.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("lark gateway not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame{
		Type:    "send",
		ChatID:  msg.ChatID,
		Content: msg.Content,
	})
}

// runLoop owns the connection: dial, hello, then concurrent read and
// keepalive until failure, then reconnect with capped backoff.
func (c *Channel) runLoop(ctx context.Context) {
	defer close(c.done)
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := c.connect(ctx)
		if err != nil {
			slog.Warn("lark: connect failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
			continue
		}
		backoff = time.Second

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.serve(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "reconnecting")
	}
}

func (c *Channel) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.Endpoint, err)
	}

	helloCtx, cancelHello := context.WithTimeout(ctx, writeTimeout)
	defer cancelHello()
	err = wsjson.Write(helloCtx, conn, frame{
		Type:      "hello",
		AppID:     c.cfg.AppID,
		AppSecret: c.cfg.AppSecret,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, fmt.Errorf("send hello: %w", err)
	}

	slog.Info("lark: gateway connected", "endpoint", c.cfg.Endpoint)
	return conn, nil
}

// serve reads events until the connection breaks. A keepalive goroutine
// pings on an interval; its failure tears the connection down too.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-serveCtx.Done():
				return
			case <-ticker.C:
				pingCtx, cancelPing := context.WithTimeout(serveCtx, writeTimeout)
				err := conn.Ping(pingCtx)
				cancelPing()
				if err != nil {
					slog.Warn("lark: keepalive ping failed", "error", err)
					cancel()
					return
				}
			}
		}
	}()

	for {
		var f frame
		if err := wsjson.Read(serveCtx, conn, &f); err != nil {
			if ctx.Err() == nil {
				slog.Warn("lark: read failed, reconnecting", "error", err)
			}
			return
		}
		if f.Type != "event" || f.SenderID == "" {
			continue
		}
		c.HandleMessage(f.SenderID, f.ChatID, f.Content, nil, nil)
	}
}
