package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesLogfmt(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Debug).With(F("component", "stream"))
	logger.Info("frame received", F("kind", "message.updated"), F("bytes", 42), Err(errors.New("bad input")))

	line := buf.String()
	for _, want := range []string{
		"level=info",
		`msg="frame received"`,
		"component=stream",
		"kind=message.updated",
		"bytes=42",
		`err="bad input"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Warn)
	logger.Info("hidden")
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "msg=shown") {
		t.Fatalf("expected warn output, got %q", buf.String())
	}
}

func TestNopDiscardsEverything(t *testing.T) {
	logger := Nop()
	if logger.Enabled(Error) {
		t.Fatalf("nop logger should not be enabled")
	}
	logger.Error("ignored")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   Debug,
		" WARN ":  Warn,
		"warning": Warn,
		"error":   Error,
		"":        Info,
		"verbose": Info,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestLimitedSuppressesBurstsAndReportsCount(t *testing.T) {
	var buf bytes.Buffer
	logger := Limited(New(&buf, Debug), time.Hour, 1)
	logger.Warn("first")
	logger.Warn("second")
	logger.Warn("third")
	logger.Error("always")

	out := buf.String()
	if strings.Contains(out, "second") || strings.Contains(out, "third") {
		t.Fatalf("expected throttled warnings to be dropped: %q", out)
	}
	if !strings.Contains(out, "msg=first") || !strings.Contains(out, "msg=always") {
		t.Fatalf("expected first warning and error: %q", out)
	}
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Info)
	logger.Info("auth", F("token", "s3cret"), F("Authorization", "Basic abc"), F("user", "opencode"))
	out := buf.String()
	if strings.Contains(out, "s3cret") || strings.Contains(out, "Basic abc") {
		t.Fatalf("secret leaked: %q", out)
	}
	if !strings.Contains(out, "token=[redacted]") || !strings.Contains(out, "user=opencode") {
		t.Fatalf("unexpected line %q", out)
	}
}

func TestLoggerTruncatesLongValues(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, Info).Info("frame", F("raw", strings.Repeat("é", maxValueBytes)))
	out := buf.String()
	if len(out) > maxValueBytes+200 {
		t.Fatalf("expected truncated value, got %d bytes", len(out))
	}
	if !strings.Contains(out, "…(+1024B)") {
		t.Fatalf("expected truncation marker in %q", out)
	}
}

func TestWithDoesNotLeakIntoParent(t *testing.T) {
	var buf bytes.Buffer
	parent := New(&buf, Info)
	_ = parent.With(F("session", "s1"))
	parent.Info("plain")
	if strings.Contains(buf.String(), "session=") {
		t.Fatalf("child context leaked into parent: %q", buf.String())
	}
}
