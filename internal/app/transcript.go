package app

import (
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"agentfeed/internal/app/sanitizer"
	"agentfeed/internal/assemble"
	"agentfeed/internal/timeline"
	"agentfeed/internal/types"
)

// Remote text may carry escape sequences that would repaint the terminal.
var remoteText = sanitizer.Output()

type transcriptOptions struct {
	width     int
	now       time.Time
	stamps    TimestampMode
	reasoning bool
}

// renderTranscript lays out the timeline followed by in-progress previews.
func renderTranscript(md *markdownRenderer, view timeline.View, opts transcriptOptions) string {
	if opts.width <= bubbleChrome {
		opts.width = defaultRenderWidth
	}
	blocks := make([]string, 0, len(view.Timeline)+len(view.Pending))
	for _, msg := range view.Timeline {
		if block := renderMessage(md, msg, opts); block != "" {
			blocks = append(blocks, block)
		}
	}
	for _, preview := range view.Pending {
		if block := renderPreview(md, preview, opts); block != "" {
			blocks = append(blocks, block)
		}
	}
	if len(blocks) == 0 {
		if view.HistoryLoaded {
			return statusStyle.Render("No messages yet.")
		}
		return statusStyle.Render("Loading history...")
	}
	return strings.Join(blocks, "\n\n")
}

func renderMessage(md *markdownRenderer, msg types.CanonicalMessage, opts transcriptOptions) string {
	inner := opts.width - bubbleChrome
	switch {
	case msg.DisplayKind == types.DisplayEmpty:
		return ""
	case msg.Category == types.CategoryError || msg.Error != nil:
		text := "error"
		if msg.Error != nil {
			text = strings.TrimSpace(msg.Error.Name + ": " + msg.Error.Message)
			text = strings.TrimPrefix(text, ": ")
		}
		return joinBlock(metaLine(msg, opts), errorBubbleStyle.Width(opts.width-2).Render(remoteText.Clean(text)))
	}

	parts := make([]string, 0, 3)
	parts = append(parts, metaLine(msg, opts))
	if opts.reasoning && msg.Reasoning != nil && strings.TrimSpace(*msg.Reasoning) != "" {
		parts = append(parts, reasoningBubbleStyle.Render(md.Render(remoteText.Clean(*msg.Reasoning), inner)))
	}
	if msg.HasText() {
		text := remoteText.Clean(msg.TextValue())
		if msg.Role == types.RoleUser {
			parts = append(parts, userBubbleStyle.Render(md.Render(escapeMarkdown(text), inner)))
		} else {
			parts = append(parts, agentBubbleStyle.Render(md.Render(text, inner)))
		}
	}
	if len(parts) == 1 {
		return ""
	}
	return joinBlock(parts...)
}

func renderPreview(md *markdownRenderer, preview assemble.Preview, opts transcriptOptions) string {
	if strings.TrimSpace(preview.Text) == "" && strings.TrimSpace(preview.Reasoning) == "" {
		return ""
	}
	inner := opts.width - bubbleChrome
	parts := []string{chatMetaStyle.Render("assistant · streaming")}
	if opts.reasoning && strings.TrimSpace(preview.Reasoning) != "" {
		parts = append(parts, reasoningBubbleStyle.Render(md.Render(remoteText.Clean(preview.Reasoning), inner)))
	}
	if strings.TrimSpace(preview.Text) != "" {
		parts = append(parts, pendingBubbleStyle.Render(md.Render(remoteText.Clean(preview.Text), inner)))
	}
	return joinBlock(parts...)
}

func metaLine(msg types.CanonicalMessage, opts transcriptOptions) string {
	label := string(msg.Role)
	if label == "" {
		label = "agent"
	}
	if msg.Agent != "" && msg.Role != types.RoleUser {
		label += " (" + msg.Agent + ")"
	}
	fields := []string{label}
	if stamp := formatStamp(msg.SortKey(), opts.now, opts.stamps); stamp != "" {
		fields = append(fields, stamp)
	}
	if msg.LocalEcho {
		fields = append(fields, "sending")
	}
	return chatMetaStyle.Render(strings.Join(fields, " · "))
}

func joinBlock(parts ...string) string {
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderTodos(todos []types.Todo, width int) string {
	if len(todos) == 0 {
		return ""
	}
	items := make([]string, 0, len(todos))
	for _, todo := range todos {
		content := strings.TrimSpace(todo.Content)
		if content == "" {
			continue
		}
		switch strings.ToLower(todo.Status) {
		case "completed", "done", "cancelled":
			items = append(items, todoDoneStyle.Render(content))
		case "in_progress":
			items = append(items, todoStyle.Bold(true).Render("▸ "+content))
		default:
			items = append(items, todoStyle.Render("○ "+content))
		}
	}
	if len(items) == 0 {
		return ""
	}
	return lipgloss.NewStyle().MaxWidth(width).Render(strings.Join(items, "  "))
}
