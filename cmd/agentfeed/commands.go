package main

import (
	"context"
	"io"
	"os"

	"agentfeed/internal/app"
	"agentfeed/internal/config"
)

type commandRunner interface {
	Run(args []string) error
}

type commandWiring struct {
	stdout     io.Writer
	stderr     io.Writer
	loadConfig func() (config.CoreConfig, error)
	open       pipelineFactory
	runTUI     func(ctx context.Context, source app.Source, opts app.Options) error
	version    string
}

func defaultCommandWiring(stdout, stderr io.Writer) commandWiring {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return commandWiring{
		stdout:     stdout,
		stderr:     stderr,
		loadConfig: config.LoadCoreConfig,
		open:       openPipeline,
		runTUI:     app.Run,
		version:    buildVersion(),
	}
}

func buildCommands(wiring commandWiring) map[string]commandRunner {
	return map[string]commandRunner{
		"watch":    NewWatchCommand(wiring),
		"tail":     NewTailCommand(wiring),
		"sessions": NewSessionsCommand(wiring),
		"config":   NewConfigCommand(wiring.stdout, wiring.stderr, wiring.loadConfig),
	}
}
