package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/sync/errgroup"

	"agentfeed/internal/app/sanitizer"
	"agentfeed/internal/timeline"
	"agentfeed/internal/types"
)

var errTailDone = errors.New("tail done")

type TailCommand struct {
	wiring commandWiring
}

func NewTailCommand(wiring commandWiring) *TailCommand {
	return &TailCommand{wiring: wiring}
}

func (c *TailCommand) Run(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	fs.SetOutput(c.wiring.stderr)
	var conn connectFlags
	conn.register(fs)
	asJSON := fs.Bool("json", false, "print one JSON object per message")
	noFollow := fs.Bool("no-follow", false, "exit once history has been printed")
	width := fs.Int("width", 0, "truncate text lines to this many columns (0 disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("tail requires a session id")
	}
	sessionID := fs.Arg(0)

	cfg, err := c.wiring.loadConfig()
	if err != nil {
		return err
	}
	p, err := c.wiring.open(cfg, c.wiring.stderr)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	updates, unsubscribe := p.coord.Subscribe()
	defer unsubscribe()
	if err := p.coord.Connect(ctx, resolveURL(conn.url, cfg, p.coord.LastURL(ctx))); err != nil {
		return err
	}
	if err := p.coord.SelectSession(ctx, sessionID); err != nil {
		return err
	}

	printer := newTailPrinter(c.wiring.stdout, *asJSON, *width)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveMetrics(gctx, conn.metricsAddress(cfg), p.metrics, p.logger)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case _, ok := <-updates:
				if !ok {
					return nil
				}
			}
			view := p.coord.View()
			if err := printer.print(view); err != nil {
				return err
			}
			if view.ConnectionState == types.ConnectionFailed {
				return fmt.Errorf("connection failed: %s", view.Err)
			}
			if *noFollow && view.HistoryLoaded {
				return errTailDone
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errTailDone) {
		return err
	}
	return nil
}

type tailRecord struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Role      string `json:"role,omitempty"`
	Kind      string `json:"kind"`
	Display   string `json:"display"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Error     string `json:"error,omitempty"`
	Merged    bool   `json:"merged,omitempty"`
	Revised   bool   `json:"revised,omitempty"`
}

var (
	tailRoleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	tailErrorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	tailMetaStyle  = lipgloss.NewStyle().Faint(true)
)

// tailPrinter prints each timeline message once, and again whenever its
// text changes.
type tailPrinter struct {
	out     io.Writer
	json    *json.Encoder
	width   int
	printed map[string]string
	clean   *sanitizer.Sanitizer
}

func newTailPrinter(out io.Writer, asJSON bool, width int) *tailPrinter {
	p := &tailPrinter{out: out, width: width, printed: map[string]string{}, clean: sanitizer.Output()}
	if asJSON {
		p.json = json.NewEncoder(out)
	}
	return p
}

func (p *tailPrinter) print(view timeline.View) error {
	for _, msg := range view.Timeline {
		if msg.DisplayKind == types.DisplayEmpty || msg.LocalEcho {
			continue
		}
		body := msg.TextValue()
		if msg.Error != nil {
			body = msg.Error.Message
		}
		body = p.clean.Clean(body)
		prev, seen := p.printed[msg.MessageID]
		if seen && prev == body {
			continue
		}
		p.printed[msg.MessageID] = body
		if err := p.write(msg, body, seen); err != nil {
			return err
		}
	}
	return nil
}

func (p *tailPrinter) write(msg types.CanonicalMessage, body string, revised bool) error {
	if p.json != nil {
		record := tailRecord{
			ID:        msg.MessageID,
			SessionID: msg.SessionID,
			Role:      string(msg.Role),
			Kind:      msg.PayloadKind,
			Display:   string(msg.DisplayKind),
			Timestamp: msg.SortKey(),
			Text:      msg.TextValue(),
			Merged:    msg.Merged,
			Revised:   revised,
		}
		if msg.Reasoning != nil {
			record.Reasoning = *msg.Reasoning
		}
		if msg.Error != nil {
			record.Error = msg.Error.Message
		}
		return p.json.Encode(record)
	}

	role := string(msg.Role)
	if role == "" {
		role = "agent"
	}
	label := tailRoleStyle.Render(role)
	if msg.Category == types.CategoryError {
		label = tailErrorStyle.Render("error")
	}
	stamp := "--:--:--"
	if ts := msg.SortKey(); ts > 0 {
		stamp = time.UnixMilli(ts).Format("15:04:05")
	}
	marker := ""
	if revised {
		marker = tailMetaStyle.Render(" (edited)")
	}
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	if _, err := fmt.Fprintf(p.out, "%s %s%s\n", tailMetaStyle.Render(stamp), label, marker); err != nil {
		return err
	}
	for _, line := range lines {
		if p.width > 0 {
			line = truncateLine(line, p.width)
		}
		if _, err := fmt.Fprintf(p.out, "  %s\n", line); err != nil {
			return err
		}
	}
	return nil
}

// truncateLine cuts line to width columns, dropping spaces left dangling
// before the ellipsis.
func truncateLine(line string, width int) string {
	if runewidth.StringWidth(line) <= width {
		return line
	}
	if width <= 1 {
		return "…"
	}
	return strings.TrimRight(runewidth.Truncate(line, width-1, ""), " \t") + "…"
}
