package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	osc52 "github.com/aymanbagabas/go-osc52/v2"
)

type copyMethod string

const (
	copyMethodSystem copyMethod = "system"
	copyMethodOSC52  copyMethod = "osc52"
)

// copier writes text to the system clipboard, falling back to an OSC52
// escape on the controlling terminal when no clipboard helper works.
type copier struct {
	system  func(string) error
	openTTY func() (io.WriteCloser, error)
	getenv  func(string) string
}

func newCopier() copier {
	return copier{
		system: clipboard.WriteAll,
		openTTY: func() (io.WriteCloser, error) {
			return os.OpenFile("/dev/tty", os.O_WRONLY, 0)
		},
		getenv: os.Getenv,
	}
}

// Copy gives up when ctx ends; a clipboard helper that hangs is left to
// finish in the background.
func (c copier) Copy(ctx context.Context, text string) (copyMethod, error) {
	type result struct {
		method copyMethod
		err    error
	}
	done := make(chan result, 1)
	go func() {
		method, err := c.copyNow(text)
		done <- result{method, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		return res.method, res.err
	}
}

func (c copier) copyNow(text string) (copyMethod, error) {
	systemErr := c.system(text)
	if systemErr == nil {
		return copyMethodSystem, nil
	}
	oscErr := c.writeOSC52(text)
	if oscErr == nil {
		return copyMethodOSC52, nil
	}
	return "", c.explain(systemErr, oscErr)
}

func (c copier) writeOSC52(text string) error {
	term := strings.ToLower(strings.TrimSpace(c.getenv("TERM")))
	switch strings.ToLower(strings.TrimSpace(c.getenv("AGENTFEED_DISABLE_OSC52"))) {
	case "1", "true", "yes", "on":
		return errors.New("OSC52 disabled")
	}
	if term == "" || term == "dumb" {
		return errors.New("OSC52 unavailable for this terminal")
	}
	tty, err := c.openTTY()
	if err != nil {
		return fmt.Errorf("open /dev/tty: %w", err)
	}
	defer tty.Close()

	seq := osc52.New(text)
	switch {
	case c.getenv("TMUX") != "":
		// tmux may or may not pass the plain sequence through.
		if _, err := seq.WriteTo(tty); err != nil {
			return err
		}
		_, err = seq.Tmux().WriteTo(tty)
	case strings.HasPrefix(term, "screen"):
		_, err = seq.Screen().WriteTo(tty)
	default:
		_, err = seq.WriteTo(tty)
	}
	return err
}

func (c copier) explain(systemErr, oscErr error) error {
	headless := strings.TrimSpace(c.getenv("DISPLAY")) == "" && strings.TrimSpace(c.getenv("WAYLAND_DISPLAY")) == ""
	if headless {
		return fmt.Errorf("no GUI clipboard available (DISPLAY/WAYLAND_DISPLAY unset); OSC52 fallback failed: %v", oscErr)
	}
	msg := strings.TrimSpace(systemErr.Error())
	if msg == "exit status 1" {
		msg = "clipboard helper exited with status 1"
	}
	return fmt.Errorf("system clipboard failed: %s; OSC52 fallback failed: %v", msg, oscErr)
}
