package app

import (
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	glamouransi "github.com/charmbracelet/glamour/ansi"
	"github.com/charmbracelet/glamour/styles"
	xansi "github.com/charmbracelet/x/ansi"
)

const defaultRenderWidth = 80

// markdownRenderer caches one glamour renderer per wrap width.
type markdownRenderer struct {
	mu      sync.Mutex
	dark    bool
	byWidth map[int]*glamour.TermRenderer
}

func newMarkdownRenderer(dark bool) *markdownRenderer {
	return &markdownRenderer{dark: dark, byWidth: map[int]*glamour.TermRenderer{}}
}

// Render formats text as markdown hard-wrapped to width. Text that glamour
// rejects is returned wrapped but otherwise untouched.
func (r *markdownRenderer) Render(text string, width int) string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return ""
	}
	if width <= 0 {
		width = defaultRenderWidth
	}
	out := text
	if tr := r.renderer(width); tr != nil {
		if rendered, err := tr.Render(text); err == nil {
			out = strings.TrimRight(rendered, "\n")
		}
	}
	return strings.TrimRight(xansi.Hardwrap(out, width, true), "\n")
}

func (r *markdownRenderer) renderer(width int) *glamour.TermRenderer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tr, ok := r.byWidth[width]; ok {
		return tr
	}
	tr, err := glamour.NewTermRenderer(
		glamour.WithStyles(markdownStyle(r.dark)),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	r.byWidth[width] = tr
	return tr
}

func markdownStyle(dark bool) glamouransi.StyleConfig {
	base := styles.LightStyleConfig
	if dark {
		base = styles.DarkStyleConfig
	}
	// Bubble padding comes from lipgloss, not the document margins.
	base.Document.StylePrimitive.BlockPrefix = ""
	base.Document.StylePrimitive.BlockSuffix = ""
	zero := uint(0)
	base.Document.Margin = &zero
	faint := true
	grey := "245"
	base.BlockQuote.StylePrimitive.Faint = &faint
	base.BlockQuote.StylePrimitive.Color = &grey
	return base
}

// escapeMarkdown keeps user-typed text from being read as markdown
// structure.
func escapeMarkdown(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = strings.ReplaceAll(line, "`", "\\`")
		trimmed := strings.TrimLeft(line, " \t")
		indent := line[:len(line)-len(trimmed)]
		if startsBlock(trimmed) {
			trimmed = "\\" + trimmed
		}
		lines[i] = indent + trimmed
	}
	return strings.Join(lines, "\n")
}

func startsBlock(line string) bool {
	for _, prefix := range []string{"#", ">", "- ", "* ", "+ "} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	dot := strings.IndexByte(line, '.')
	if dot <= 0 || dot+1 >= len(line) || line[dot+1] != ' ' {
		return false
	}
	for _, r := range line[:dot] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
