package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const (
	execDefaultTimeout = 60 * time.Second
	execMaxOutputBytes = 64 << 10
)

// denyPatterns rejects commands that are destructive, escalate privileges
// or open outbound shells regardless of workspace restriction.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|fdisk)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`\b(killall|pkill)\b`),
}

// ExecTool runs shell commands inside the workspace.
type ExecTool struct {
	workspace string
	restrict  bool
	timeout   time.Duration
}

func NewExecTool(workspace string, restrict bool) *ExecTool {
	return &ExecTool{workspace: workspace, restrict: restrict, timeout: execDefaultTimeout}
}

func (t *ExecTool) Name() string { return "exec" }
func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace and return its output"
}

func (t *ExecTool) Timeout() time.Duration { return t.timeout + 5*time.Second }

// Shell commands mutate state; never run two concurrently.
func (t *ExecTool) ParallelSafe() bool { return false }

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Optional timeout override",
				"minimum":     1,
				"maximum":     600,
			},
		},
		"required": []interface{}{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return ErrorResult("Error: command is required")
	}
	if t.restrict {
		for _, pattern := range denyPatterns {
			if pattern.MatchString(command) {
				return ErrorResult(fmt.Sprintf("Error: command blocked by safety policy: %s", pattern.String()))
			}
		}
	}

	timeout := t.timeout
	if secs, ok := asFloat(args["timeout_seconds"]); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = t.workspace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := formatExecOutput(stdout.String(), stderr.String())

	if execCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("Error: command timed out after %s\n%s", timeout, output))
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: command failed: %v\n%s", err, output))
	}
	if output == "" {
		return NewResult("(no output)")
	}
	return NewResult(output)
}

func formatExecOutput(stdout, stderr string) string {
	var b strings.Builder
	if stdout != "" {
		b.WriteString(truncateOutput(stdout))
	}
	if stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(truncateOutput(stderr))
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateOutput(s string) string {
	if len(s) <= execMaxOutputBytes {
		return s
	}
	return s[:execMaxOutputBytes] + fmt.Sprintf("\n... [truncated, %d bytes total]", len(s))
}
