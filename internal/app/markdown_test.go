package app

import (
	"strings"
	"testing"

	xansi "github.com/charmbracelet/x/ansi"
)

func TestMarkdownStyleDropsDocumentMargins(t *testing.T) {
	for _, dark := range []bool{true, false} {
		cfg := markdownStyle(dark)
		if cfg.Document.StylePrimitive.BlockPrefix != "" || cfg.Document.StylePrimitive.BlockSuffix != "" {
			t.Fatalf("expected empty document prefix/suffix (dark=%v)", dark)
		}
		if cfg.Document.Margin == nil || *cfg.Document.Margin != 0 {
			t.Fatalf("expected zero document margin (dark=%v)", dark)
		}
	}
}

func TestMarkdownRenderWrapsToWidth(t *testing.T) {
	r := newMarkdownRenderer(true)
	out := r.Render(strings.Repeat("word ", 40), 20)
	for _, line := range strings.Split(out, "\n") {
		if w := xansi.StringWidth(line); w > 20 {
			t.Fatalf("line wider than 20 cells (%d): %q", w, line)
		}
	}
	if r.Render("\n\n", 20) != "" {
		t.Fatalf("blank text should render empty")
	}
}

func TestEscapeMarkdown(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"# not a heading", "\\# not a heading"},
		{"  - item", "  \\- item"},
		{"1. first", "\\1. first"},
		{"v1.2 release", "v1.2 release"},
		{"use `go test`", "use \\`go test\\`"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := escapeMarkdown(tt.in); got != tt.want {
			t.Fatalf("escapeMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
