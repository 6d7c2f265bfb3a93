// Package agent drives the code-agent CLI as an opaque backend: one
// subprocess per prompt, stream-json events on stdout.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// Scanner buffer sizes for CLI output parsing.
	scannerInitialBufSize = 256 * 1024  // 256 KB
	scannerMaxBufSize     = 1024 * 1024 // 1 MB

	// Maximum length of non-JSON output to log.
	maxNonJSONOutputLength = 100
)

// Options configures a backend handle.
type Options struct {
	Bin            string
	Cwd            string
	Model          string
	PermissionMode string
	Timeout        time.Duration
}

// Handle is a live execution context. The working directory is bound at
// creation and cannot change; model and permission mode may be
// reconfigured in place and take effect on the next run.
type Handle struct {
	bin     string
	cwd     string
	timeout time.Duration

	mu             sync.Mutex
	model          string
	permissionMode string
	cancel         context.CancelFunc // in-flight run, nil when idle
	closed         bool
}

// NewHandle creates a handle bound to opts.Cwd.
func NewHandle(opts Options) *Handle {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Handle{
		bin:            opts.Bin,
		cwd:            opts.Cwd,
		model:          opts.Model,
		permissionMode: opts.PermissionMode,
		timeout:        timeout,
	}
}

// Cwd returns the bound working directory.
func (h *Handle) Cwd() string { return h.cwd }

// SetModel reconfigures the model for subsequent runs.
func (h *Handle) SetModel(model string) {
	h.mu.Lock()
	h.model = model
	h.mu.Unlock()
}

// SetPermissionMode reconfigures the permission mode for subsequent runs.
func (h *Handle) SetPermissionMode(mode string) {
	h.mu.Lock()
	h.permissionMode = mode
	h.mu.Unlock()
}

// Close aborts any in-flight run and marks the handle unusable.
// Idempotent.
func (h *Handle) Close() {
	h.mu.Lock()
	h.closed = true
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.mu.Unlock()
}

// Run executes one prompt and returns the agent's final text.
func (h *Handle) Run(ctx context.Context, prompt string) (string, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", fmt.Errorf("agent handle is closed")
	}
	model := h.model
	mode := h.permissionMode

	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	h.cancel = cancel
	h.mu.Unlock()

	defer func() {
		cancel()
		h.mu.Lock()
		h.cancel = nil
		h.mu.Unlock()
	}()

	args := []string{"-p", prompt, "--output-format", "stream-json"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if mode != "" && mode != "default" {
		args = append(args, "--approval-mode", mode)
	}

	runID := uuid.NewString()[:8]
	slog.Debug("agent run starting", "run_id", runID, "bin", h.bin, "cwd", h.cwd, "model", model, "mode", mode)
	start := time.Now()

	cmd := exec.CommandContext(runCtx, h.bin, args...)
	cmd.Dir = h.cwd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("agent stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start agent %q: %w", h.bin, err)
	}

	result, parseErr := collectResult(stdout)
	waitErr := cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("agent run timed out after %s", h.timeout)
	}
	if parseErr != nil {
		return "", parseErr
	}
	if waitErr != nil {
		return "", fmt.Errorf("agent exited: %w (%s)", waitErr, stderrTail(&stderr))
	}

	slog.Debug("agent run finished", "run_id", runID, "duration", time.Since(start), "chars", len(result))
	return sanitizeResult(result), nil
}

// streamEvent is one stream-json line from the agent CLI. Shapes the
// runner does not recognize are ignored rather than erroring.
type streamEvent struct {
	Type    string            `json:"type"`
	Subtype string            `json:"subtype,omitempty"`
	Result  string            `json:"result,omitempty"`
	IsError bool              `json:"is_error,omitempty"`
	Message *assistantMessage `json:"message,omitempty"`
}

type assistantMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// collectResult concatenates the agent's textual output from the event
// stream. A terminal result event wins over accumulated assistant text;
// a result event flagged is_error becomes the run's error.
func collectResult(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerInitialBufSize), scannerMaxBufSize)

	var assistantText strings.Builder
	var finalResult string
	var runErr error

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			out := string(line)
			if len(out) > maxNonJSONOutputLength {
				out = out[:maxNonJSONOutputLength]
			}
			slog.Debug("agent emitted non-JSON output", "output", out)
			continue
		}

		switch ev.Type {
		case "assistant":
			if ev.Message == nil {
				continue
			}
			for _, block := range ev.Message.Content {
				if block.Type == "text" && block.Text != "" {
					assistantText.WriteString(block.Text)
				}
			}
		case "result":
			if ev.IsError {
				msg := ev.Result
				if msg == "" {
					msg = ev.Subtype
				}
				runErr = fmt.Errorf("agent error: %s", msg)
				continue
			}
			if ev.Result != "" {
				finalResult = ev.Result
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read agent output: %w", err)
	}
	if runErr != nil {
		return "", runErr
	}

	if finalResult != "" {
		return finalResult, nil
	}
	return assistantText.String(), nil
}

// sanitizeResult strips leaked thinking-block artifacts and normalizes
// whitespace without flattening code blocks.
func sanitizeResult(s string) string {
	s = strings.TrimSpace(s)
	s = thinkingArtifact.ReplaceAllString(s, "")
	s = excessNewlines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return "no stderr"
	}
	if len(s) > 500 {
		s = s[len(s)-500:]
	}
	return s
}
