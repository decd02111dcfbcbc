package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestShouldRedactKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{key: "result", want: true},
		{key: "Stdout", want: true},
		{key: "authorization", want: true},
		{key: "stream_token", want: true},
		{key: "auth_secret", want: true},
		{key: "DATABASE_URL", want: true},
		{key: "args", want: true},
		{key: "task_id", want: false},
		{key: "task_type", want: false},
	}

	for _, tt := range tests {
		if got := shouldRedactKey(tt.key); got != tt.want {
			t.Fatalf("expected shouldRedactKey(%q)=%v, got %v", tt.key, tt.want, got)
		}
	}
}

func TestRedactAttrGroups(t *testing.T) {
	attr := slog.Group("task", slog.String("result", "secret"), slog.String("task_type", "backtest"))
	redacted := scrub(attr)

	group := redacted.Value.Group()
	if len(group) != 2 {
		t.Fatalf("expected 2 group attrs, got %d", len(group))
	}

	if group[0].Value.String() != redactedValue {
		t.Fatalf("expected result to be redacted, got %q", group[0].Value.String())
	}
	if group[1].Value.String() != "backtest" {
		t.Fatalf("expected task_type to stay, got %q", group[1].Value.String())
	}
}

func TestScrubCredentialShapedValues(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{value: "Bearer abc.def", want: true},
		{value: "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ1MSJ9.c2ln", want: true},
		{value: "eyJ not a token", want: false},
		{value: "/api/system/queue", want: false},
	}
	for _, tt := range tests {
		got := scrub(slog.String("path", tt.value)).Value.String() == redactedValue
		if got != tt.want {
			t.Fatalf("expected redaction of %q=%v, got %v", tt.value, tt.want, got)
		}
	}
}

func TestNewRedactsThroughHandler(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "text", "test")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.With("token", "abc123").Info("Issued", "task_id", "t1")
	out := buf.String()
	if strings.Contains(out, "abc123") {
		t.Fatalf("expected token to be redacted, got %q", out)
	}
	if !strings.Contains(out, "task_id=t1") || !strings.Contains(out, "instance=test") {
		t.Fatalf("expected plain attrs to survive, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, err := ParseLevel("WARN"); err != nil || lvl != slog.LevelWarn {
		t.Fatalf("unexpected level %v, %v", lvl, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := New(&bytes.Buffer{}, "info", "xml", ""); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
