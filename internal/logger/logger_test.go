package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestNewFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		format Format
		want   string
	}{
		{FormatText, "msg=loaded layers=2"},
		{FormatJSON, `"layers":2`},
		{FormatPretty, "layers=2"},
		{"", "msg=loaded"},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			l, err := NewFormat(&buf, tt.format, slog.LevelInfo)
			if err != nil {
				t.Fatalf("NewFormat: %v", err)
			}
			l.Info("loaded", "layers", 2)
			if !strings.Contains(buf.String(), tt.want) {
				t.Fatalf("output %q does not contain %q", buf.String(), tt.want)
			}
		})
	}
	if _, err := NewFormat(&bytes.Buffer{}, "xml", slog.LevelInfo); err == nil {
		t.Fatal("unknown format accepted")
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := JSON(&buf, slog.LevelWarn)
	l.Info("hidden")
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info/debug written at warn level: %s", buf.String())
	}
	l.Warn("shown")
	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Fatalf("warn missing: %s", buf.String())
	}
}

func TestWithAndGroup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := JSON(&buf, slog.LevelInfo).With("pipeline_id", "abc").WithGroup("forward")
	l.Info("step", "batch", 1)
	out := buf.String()
	for _, want := range []string{`"pipeline_id":"abc"`, `"forward":{"batch":1}`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %s missing %s", out, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v, err %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestContext(t *testing.T) {
	t.Parallel()
	// No logger stored: records are dropped rather than printed.
	FromContext(context.Background()).Error("dropped")

	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("context logger not used: %s", buf.String())
	}
}

func TestPrettyHandler(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	l := slog.New(h.WithAttrs([]slog.Attr{slog.String("kind", "normal")}).WithGroup("cache"))
	l.Debug("forward", "len", 5, "note", "two words", "took", 3*time.Millisecond,
		slog.Group("shape", "b", 1, "s", 5))
	out := buf.String()
	for _, want := range []string{
		"DEBUG",
		"forward",
		"kind=normal",
		"cache.len=5",
		`cache.note="two words"`,
		"cache.took=3ms",
		"cache.shape.b=1 cache.shape.s=5",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("record not newline terminated")
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	ctx := context.Background()
	if h.Enabled(ctx, slog.LevelInfo) || !h.Enabled(ctx, slog.LevelError) {
		t.Fatal("level threshold not applied")
	}
	if h.WithGroup("") != slog.Handler(h) {
		t.Fatal("empty group should return the same handler")
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]bool{
		"simple":    false,
		"a b":       true,
		"k=v":       true,
		`say "hi"`:  true,
		"tab\there": true,
		"":          true,
	} {
		if got := needsQuoting(in); got != want {
			t.Errorf("needsQuoting(%q) = %v, want %v", in, got, want)
		}
	}
}
