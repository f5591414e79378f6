// Package telegram connects to the Telegram Bot API via long polling.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
	"github.com/nextlevelbuilder/nanobot/internal/channels"
	"github.com/nextlevelbuilder/nanobot/internal/config"
)

const (
	// Telegram caps messages at 4096 chars; chunk below it to leave room
	// for formatting entities.
	chunkSize = 4000

	downloadMaxRetries = 3
)

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot      *telego.Bot
	cfg      config.TelegramConfig
	maxBytes int64

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the Telegram channel. maxMediaBytes bounds attachment
// downloads.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus, maxMediaBytes int64) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.ChannelCommon),
		bot:         bot,
		cfg:         cfg,
		maxBytes:    maxMediaBytes,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram: connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleUpdate(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the poll goroutine so Telegram
// releases the getUpdates lock before a restart.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram: poll goroutine did not exit in time")
		}
	}
	return nil
}

func (c *Channel) handleUpdate(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.Username != "" {
		senderID += "|" + msg.From.Username
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	media := c.collectMedia(ctx, msg)
	if content == "" && len(media) == 0 {
		return
	}
	c.HandleMessage(senderID, chatID, content, media, nil)
}

// collectMedia downloads photo, voice and document attachments.
func (c *Channel) collectMedia(ctx context.Context, msg *telego.Message) []bus.MediaDescriptor {
	var media []bus.MediaDescriptor
	add := func(fileID, mime string) {
		path, err := c.download(ctx, fileID)
		if err != nil {
			slog.Warn("telegram: media download failed", "file_id", fileID, "error", err)
			return
		}
		media = append(media, bus.MediaDescriptor{Path: path, MIME: mime})
	}

	if len(msg.Photo) > 0 {
		// Last entry is the largest rendition.
		add(msg.Photo[len(msg.Photo)-1].FileID, "image/jpeg")
	}
	if msg.Voice != nil {
		add(msg.Voice.FileID, msg.Voice.MimeType)
	}
	if msg.Document != nil {
		add(msg.Document.FileID, msg.Document.MimeType)
	}
	return media
}

func (c *Channel) download(ctx context.Context, fileID string) (string, error) {
	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if c.maxBytes > 0 && int64(file.FileSize) > c.maxBytes {
		return "", fmt.Errorf("file too large: %d bytes", file.FileSize)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmp, err := os.CreateTemp("", "nanobot_media_*"+ext)
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	limit := c.maxBytes
	if limit <= 0 {
		limit = 50 << 20
	}
	written, err := io.Copy(tmp, io.LimitReader(resp.Body, limit+1))
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > limit {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("file exceeds size limit during download")
	}
	return tmp.Name(), nil
}

// Send delivers an outbound message, chunked to the Telegram size limit.
// Markdown is attempted first; a parse failure falls back to plain text.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", msg.ChatID, err)
	}

	for _, chunk := range splitChunks(msg.Content, chunkSize) {
		params := tu.Message(tu.ID(chatID), chunk)
		params.ParseMode = telego.ModeMarkdown
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			params.ParseMode = ""
			if _, err := c.bot.SendMessage(ctx, params); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
		}
	}
	return nil
}

// splitChunks cuts text into pieces of at most size bytes, preferring
// newline boundaries.
func splitChunks(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}
	var chunks []string
	for len(text) > size {
		cut := size
		for i := size; i > size/2; i-- {
			if text[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
