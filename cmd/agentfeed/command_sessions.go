package main

import (
	"context"
	"encoding/json"
	"flag"

	"agentfeed/internal/config"
	"agentfeed/internal/connection"
	"agentfeed/internal/session"
	"agentfeed/internal/transport"
	"agentfeed/internal/types"
)

type SessionsCommand struct {
	wiring commandWiring
}

func NewSessionsCommand(wiring commandWiring) *SessionsCommand {
	return &SessionsCommand{wiring: wiring}
}

func (c *SessionsCommand) Run(args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	fs.SetOutput(c.wiring.stderr)
	var conn connectFlags
	conn.register(fs)
	asJSON := fs.Bool("json", false, "print sessions as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.wiring.loadConfig()
	if err != nil {
		return err
	}
	p, err := c.wiring.open(cfg, c.wiring.stderr)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx := context.Background()
	sessions, err := listSessions(ctx, resolveURL(conn.url, cfg, p.coord.LastURL(ctx)), cfg)
	if err != nil {
		return err
	}
	if *asJSON {
		encoder := json.NewEncoder(c.wiring.stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(sessions)
	}
	printSessions(c.wiring.stdout, sessions)
	return nil
}

// listSessions queries the REST surface without opening the event stream.
func listSessions(ctx context.Context, baseURL string, cfg config.CoreConfig) ([]types.RemoteSession, error) {
	parsed, err := connection.ValidateURL(baseURL)
	if err != nil {
		return nil, err
	}
	client, err := transport.NewClient(transport.ClientConfig{
		BaseURL: parsed.String(),
		Headers: transport.BasicAuth{Username: cfg.ServerUsername(), Token: cfg.ServerToken()},
		Timeout: cfg.ServerTimeout(),
	})
	if err != nil {
		return nil, err
	}
	return session.NewAPI(client).ListSessions(ctx)
}
