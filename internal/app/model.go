// Package app is the terminal consumer of a session view.
package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	xansi "github.com/charmbracelet/x/ansi"

	"agentfeed/internal/app/sanitizer"
	"agentfeed/internal/logging"
	"agentfeed/internal/timeline"
	"agentfeed/internal/types"
)

const (
	minViewportWidth = 20
	minContentHeight = 4
	requestTimeout   = 30 * time.Second
	copyTimeout      = 2 * time.Second
	toastDuration    = 3 * time.Second
	stampRefresh     = 30 * time.Second
)

// Source is the session surface the TUI drives. *session.Coordinator
// satisfies it.
type Source interface {
	View() timeline.View
	Subscribe() (<-chan struct{}, func())
	SendMessage(ctx context.Context, text string) error
	Abort(ctx context.Context) error
	DismissError()
	Foreground()
}

type Options struct {
	Title      string
	Timestamps TimestampMode
	DarkMode   bool
	Logger     logging.Logger
	Now        func() time.Time
}

type viewChangedMsg struct{}

type sourceClosedMsg struct{}

type sendDoneMsg struct{ err error }

type abortDoneMsg struct{ err error }

type copyDoneMsg struct {
	method copyMethod
	err    error
}

type toastExpiredMsg struct{ seq int }

type stampTickMsg struct{}

type Model struct {
	source      Source
	updates     <-chan struct{}
	unsubscribe func()
	opts        Options
	logger      logging.Logger

	keys     keyMap
	help     help.Model
	viewport viewport.Model
	input    textinput.Model
	loader   spinner.Model
	md       *markdownRenderer
	copier   copier

	width         int
	height        int
	view          timeline.View
	showReasoning bool
	sending       bool
	toast         string
	toastSeq      int
}

func New(source Source, opts Options) *Model {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Timestamps == "" {
		opts.Timestamps = TimestampRelative
	}
	if strings.TrimSpace(opts.Title) == "" {
		opts.Title = "agentfeed"
	}
	input := textinput.New()
	input.Placeholder = "Message the agent"
	input.Prompt = "> "
	input.Focus()

	loader := spinner.New()
	loader.Spinner = spinner.Line

	updates, unsubscribe := source.Subscribe()
	m := &Model{
		source:        source,
		updates:       updates,
		unsubscribe:   unsubscribe,
		opts:          opts,
		logger:        opts.Logger.With(logging.F("component", "tui")),
		keys:          defaultKeyMap(),
		help:          help.New(),
		viewport:      viewport.New(minViewportWidth, minContentHeight),
		input:         input,
		loader:        loader,
		md:            newMarkdownRenderer(opts.DarkMode),
		copier:        newCopier(),
		showReasoning: true,
		view:          source.View(),
	}
	return m
}

// Run drives the TUI until the user quits or ctx ends.
func Run(ctx context.Context, source Source, opts Options) error {
	m := New(source, opts)
	defer m.unsubscribe()
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithReportFocus(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(waitForChange(m.updates), m.loader.Tick, textinput.Blink, stampTick())
}

func waitForChange(updates <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-updates; !ok {
			return sourceClosedMsg{}
		}
		return viewChangedMsg{}
	}
}

func stampTick() tea.Cmd {
	return tea.Tick(stampRefresh, func(time.Time) tea.Msg { return stampTickMsg{} })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil
	case viewChangedMsg:
		m.view = m.source.View()
		m.refresh()
		return m, waitForChange(m.updates)
	case sourceClosedMsg:
		return m, tea.Quit
	case stampTickMsg:
		m.refresh()
		return m, stampTick()
	case tea.FocusMsg:
		m.source.Foreground()
		return m, nil
	case sendDoneMsg:
		m.sending = false
		if msg.err != nil {
			m.logger.Warn("send failed", logging.Err(msg.err))
		}
		return m, nil
	case abortDoneMsg:
		if msg.err == nil {
			return m, m.showToast("abort requested")
		}
		return m, nil
	case copyDoneMsg:
		if msg.err != nil {
			return m, m.showToast("copy failed: " + msg.err.Error())
		}
		return m, m.showToast("copied via " + string(msg.method))
	case toastExpiredMsg:
		if msg.seq == m.toastSeq {
			m.toast = ""
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.loader, cmd = m.loader.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Send):
		return m, m.send()
	case key.Matches(msg, m.keys.Dismiss):
		if m.view.Err != "" {
			m.source.DismissError()
			return m, nil
		}
		m.input.Reset()
		return m, nil
	case key.Matches(msg, m.keys.Copy):
		return m, m.copyLast()
	case key.Matches(msg, m.keys.Abort):
		return m, m.abort()
	case key.Matches(msg, m.keys.Reasoning):
		m.showReasoning = !m.showReasoning
		m.refresh()
		return m, nil
	case key.Matches(msg, m.keys.PageUp):
		m.viewport.PageUp()
		return m, nil
	case key.Matches(msg, m.keys.PageDown):
		m.viewport.PageDown()
		return m, nil
	case key.Matches(msg, m.keys.Bottom):
		m.viewport.GotoBottom()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

var promptText = sanitizer.Prompt()

func (m *Model) send() tea.Cmd {
	text := strings.TrimSpace(promptText.Clean(m.input.Value()))
	if text == "" || m.sending {
		return nil
	}
	m.input.Reset()
	m.sending = true
	m.viewport.GotoBottom()
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return sendDoneMsg{err: source.SendMessage(ctx, text)}
	}
}

func (m *Model) abort() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return abortDoneMsg{err: source.Abort(ctx)}
	}
}

func (m *Model) copyLast() tea.Cmd {
	last, ok := m.lastCopyable()
	if !ok {
		return m.showToast("nothing to copy")
	}
	c := m.copier
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), copyTimeout)
		defer cancel()
		method, err := c.Copy(ctx, last)
		return copyDoneMsg{method: method, err: err}
	}
}

func (m *Model) lastCopyable() (string, bool) {
	for i := len(m.view.Timeline) - 1; i >= 0; i-- {
		if msg := m.view.Timeline[i]; msg.HasText() {
			return msg.TextValue(), true
		}
	}
	return "", false
}

func (m *Model) showToast(text string) tea.Cmd {
	m.toastSeq++
	m.toast = text
	seq := m.toastSeq
	return tea.Tick(toastDuration, func(time.Time) tea.Msg { return toastExpiredMsg{seq: seq} })
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	m.input.Width = max(width-len(m.input.Prompt)-1, 1)
	m.help.Width = width
	m.layout()
	m.refresh()
}

// layout sizes the viewport to whatever the chrome around it leaves.
func (m *Model) layout() {
	chrome := lipgloss.Height(m.headerView()) + lipgloss.Height(m.footerView())
	if banner := m.bannerView(); banner != "" {
		chrome += lipgloss.Height(banner)
	}
	m.viewport.Width = max(m.width, minViewportWidth)
	m.viewport.Height = max(m.height-chrome, minContentHeight)
}

func (m *Model) refresh() {
	follow := m.viewport.AtBottom()
	m.layout()
	content := renderTranscript(m.md, m.view, transcriptOptions{
		width:     m.viewport.Width,
		now:       m.opts.Now(),
		stamps:    m.opts.Timestamps,
		reasoning: m.showReasoning,
	})
	m.viewport.SetContent(content)
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m *Model) View() string {
	sections := []string{m.headerView()}
	if banner := m.bannerView(); banner != "" {
		sections = append(sections, banner)
	}
	sections = append(sections, m.viewport.View(), m.footerView())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) headerView() string {
	fields := []string{headerStyle.Render(m.opts.Title)}
	if m.view.SessionID != "" {
		fields = append(fields, statusStyle.Render(m.view.SessionID))
	}
	if m.view.Model != "" {
		fields = append(fields, statusStyle.Render(m.view.Model))
	}
	fields = append(fields, connectionBadge(m.view.ConnectionState))
	if m.view.IsSessionBusy || m.view.ConnectionState == types.ConnectionConnecting || m.view.ConnectionState == types.ConnectionReconnecting {
		fields = append(fields, m.loader.View())
	}
	header := strings.Join(fields, statusStyle.Render(" · "))
	if m.width > 0 {
		header = xansi.Truncate(header, m.width, "…")
	}
	return header
}

func (m *Model) bannerView() string {
	if strings.TrimSpace(m.view.Err) == "" {
		return ""
	}
	text := "error: " + m.view.Err + "  (esc to dismiss)"
	width := max(m.width, minViewportWidth)
	return bannerStyle.Width(width).Render(xansi.Hardwrap(text, width-2, true))
}

func (m *Model) footerView() string {
	lines := []string{dividerStyle.Render(strings.Repeat("─", max(m.width, minViewportWidth)))}
	if todos := renderTodos(m.view.Todos, max(m.width, minViewportWidth)); todos != "" {
		lines = append(lines, todos)
	}
	lines = append(lines, m.input.View())
	status := m.help.View(m.keys)
	if m.toast != "" {
		status = toastInfoStyle.Render(m.toast)
	} else if m.sending {
		status = statusStyle.Render("sending...")
	}
	lines = append(lines, helpStyle.Render(status))
	return strings.Join(lines, "\n")
}
