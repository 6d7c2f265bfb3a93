package agent

import (
	"context"
	"strings"
	"testing"
)

func TestCollectResult(t *testing.T) {
	tests := []struct {
		name    string
		stream  string
		want    string
		wantErr string
	}{
		{
			name: "result event wins over assistant accumulation",
			stream: `{"type":"system","subtype":"init"}
{"type":"assistant","message":{"content":[{"type":"text","text":"partial "}]}}
{"type":"result","subtype":"success","result":"final answer"}`,
			want: "final answer",
		},
		{
			name: "assistant text used when no result payload",
			stream: `{"type":"assistant","message":{"content":[{"type":"text","text":"hello "},{"type":"text","text":"there"}]}}
{"type":"result","subtype":"success"}`,
			want: "hello there",
		},
		{
			name: "tool_use blocks are ignored",
			stream: `{"type":"assistant","message":{"content":[{"type":"tool_use","text":""},{"type":"text","text":"done"}]}}`,
			want: "done",
		},
		{
			name: "error result becomes run error",
			stream: `{"type":"assistant","message":{"content":[{"type":"text","text":"working..."}]}}
{"type":"result","subtype":"error_during_execution","is_error":true,"result":"budget exceeded"}`,
			wantErr: "budget exceeded",
		},
		{
			name: "error result without message uses subtype",
			stream: `{"type":"result","subtype":"error_max_turns","is_error":true}`,
			wantErr: "error_max_turns",
		},
		{
			name: "non-json lines are skipped",
			stream: `warning: something on stdout
{"type":"result","subtype":"success","result":"ok"}`,
			want: "ok",
		},
		{
			name:   "empty stream",
			stream: "",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := collectResult(strings.NewReader(tt.stream))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("collectResult() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("collectResult() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("collectResult() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitizeResult(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "trims surrounding whitespace",
			in:   "  hi there \n",
			want: "hi there",
		},
		{
			name: "strips thinking artifacts",
			in:   `[{"type":"thinking","thinking":"hmm"}]the answer`,
			want: "the answer",
		},
		{
			name: "collapses runs of blank lines",
			in:   "a\n\n\n\n\nb",
			want: "a\n\nb",
		},
		{
			name: "keeps code block newlines",
			in:   "```go\nfunc main() {}\n```",
			want: "```go\nfunc main() {}\n```",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeResult(tt.in); got != tt.want {
				t.Errorf("sanitizeResult(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHandleCloseAbortsFutureRuns(t *testing.T) {
	h := NewHandle(Options{Bin: "true"})
	h.Close()
	if _, err := h.Run(context.Background(), "hello"); err == nil {
		t.Fatal("Run() on closed handle should fail")
	}
}

func TestHandleReconfigure(t *testing.T) {
	h := NewHandle(Options{Bin: "qwen", Cwd: "/tmp", Model: "m1", PermissionMode: "default"})
	h.SetModel("m2")
	h.SetPermissionMode("plan")
	if h.model != "m2" {
		t.Errorf("model = %q, want m2", h.model)
	}
	if h.permissionMode != "plan" {
		t.Errorf("permissionMode = %q, want plan", h.permissionMode)
	}
	if h.Cwd() != "/tmp" {
		t.Errorf("Cwd() = %q, want /tmp", h.Cwd())
	}
}
