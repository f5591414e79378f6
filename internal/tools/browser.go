package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

const browserMaxTextChars = 40000

// BrowserTool drives a headless browser for pages that need JavaScript.
// The browser launches lazily on first use and is shared across calls.
type BrowserTool struct {
	workspace string

	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
}

func NewBrowserTool(workspace string) *BrowserTool {
	return &BrowserTool{workspace: workspace}
}

func (t *BrowserTool) Name() string { return "browser" }
func (t *BrowserTool) Description() string {
	return "Control a headless browser: open pages, read rendered text, take screenshots"
}

func (t *BrowserTool) Timeout() time.Duration { return 90 * time.Second }

// The tool drives one shared page; concurrent calls would race on it.
func (t *BrowserTool) ParallelSafe() bool { return false }

func (t *BrowserTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"open", "text", "screenshot", "close"},
				"description": "open navigates to url, text reads the rendered page, screenshot saves a PNG",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL for the open action",
			},
		},
		"required": []interface{}{"action"},
	}
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch action {
	case "open":
		rawURL, _ := args["url"].(string)
		if rawURL == "" {
			return ErrorResult("Error: url is required for open")
		}
		if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
			return ErrorResult("Error: only http and https URLs are supported")
		}
		page, err := t.pageLocked()
		if err != nil {
			return ErrorResult(fmt.Sprintf("Error: launch browser: %v", err))
		}
		if err := page.Context(ctx).Navigate(rawURL); err != nil {
			return ErrorResult(fmt.Sprintf("Error: navigate: %v", err))
		}
		if err := page.Context(ctx).WaitLoad(); err != nil {
			return ErrorResult(fmt.Sprintf("Error: page load: %v", err))
		}
		return NewResult(fmt.Sprintf("Opened %s. Use action=text to read it.", rawURL))

	case "text":
		if t.page == nil {
			return ErrorResult("Error: no page open; use action=open first")
		}
		el, err := t.page.Context(ctx).Element("body")
		if err != nil {
			return ErrorResult(fmt.Sprintf("Error: %v", err))
		}
		text, err := el.Text()
		if err != nil {
			return ErrorResult(fmt.Sprintf("Error: %v", err))
		}
		if len(text) > browserMaxTextChars {
			text = text[:browserMaxTextChars] + "\n... [truncated]"
		}
		return NewResult(text)

	case "screenshot":
		if t.page == nil {
			return ErrorResult("Error: no page open; use action=open first")
		}
		data, err := t.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
		if err != nil {
			return ErrorResult(fmt.Sprintf("Error: screenshot: %v", err))
		}
		path := filepath.Join(t.workspace, fmt.Sprintf("screenshot-%d.png", time.Now().Unix()))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return ErrorResult(fmt.Sprintf("Error: save screenshot: %v", err))
		}
		return NewResult("Screenshot saved to " + path)

	case "close":
		t.closeLocked()
		return NewResult("Browser closed.")

	default:
		return ErrorResult(fmt.Sprintf("Error: unknown action %q", action))
	}
}

func (t *BrowserTool) pageLocked() (*rod.Page, error) {
	if t.page != nil {
		return t.page, nil
	}
	browser := rod.New()
	if err := browser.Connect(); err != nil {
		return nil, err
	}
	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		browser.Close()
		return nil, err
	}
	t.browser = browser
	t.page = page
	return page, nil
}

func (t *BrowserTool) closeLocked() {
	if t.browser != nil {
		_ = t.browser.Close()
	}
	t.browser = nil
	t.page = nil
}

// Close releases the underlying browser process.
func (t *BrowserTool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
}
