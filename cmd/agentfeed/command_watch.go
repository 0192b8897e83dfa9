package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"agentfeed/internal/app"
	"agentfeed/internal/config"
)

type WatchCommand struct {
	wiring  commandWiring
	openLog func() (io.WriteCloser, error)
}

func NewWatchCommand(wiring commandWiring) *WatchCommand {
	return &WatchCommand{wiring: wiring, openLog: openLogFile}
}

func (c *WatchCommand) Run(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(c.wiring.stderr)
	var conn connectFlags
	conn.register(fs)
	model := fs.String("model", "", "model to send prompts with (provider/model)")
	stamps := fs.String("timestamps", string(app.TimestampRelative), "timestamp style: relative|iso|off")
	light := fs.Bool("light", false, "render markdown for a light terminal background")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := c.wiring.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	// The TUI owns the terminal, so logs go to a file.
	logOut, err := c.openLog()
	if err != nil {
		return err
	}
	defer logOut.Close()
	p, err := c.wiring.open(cfg, logOut)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	baseURL := resolveURL(conn.url, cfg, p.coord.LastURL(ctx))
	sessionID := fs.Arg(0)
	if sessionID == "" {
		sessions, err := listSessions(ctx, baseURL, cfg)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			return errors.New("no sessions on server; pass a session id")
		}
		sessionID = sessions[0].ID
	}
	if err := p.coord.Connect(ctx, baseURL); err != nil {
		return err
	}
	if *model != "" {
		if err := p.coord.SelectModel(ctx, *model); err != nil {
			return err
		}
	}
	if err := p.coord.SelectSession(ctx, sessionID); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return serveMetrics(gctx, conn.metricsAddress(cfg), p.metrics, p.logger)
	})
	g.Go(func() error {
		defer cancel()
		return c.wiring.runTUI(gctx, p.coord, app.Options{
			Title:      "agentfeed",
			Timestamps: app.ParseTimestampMode(*stamps),
			DarkMode:   !*light,
			Logger:     p.logger,
		})
	})
	return g.Wait()
}

func openLogFile() (io.WriteCloser, error) {
	path, err := config.LogPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}
